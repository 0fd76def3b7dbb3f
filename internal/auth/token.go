package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"

	"github.com/pliu/livechat/internal/models"
)

// TokenTTL is the fixed lifetime of a room credential.
const TokenTTL = 15 * time.Minute

// VideoGrant carries the room capabilities, using the claim layout realtime
// media servers expect under "video".
type VideoGrant struct {
	Room           string `json:"room,omitempty"`
	RoomJoin       bool   `json:"roomJoin,omitempty"`
	RoomCreate     bool   `json:"roomCreate,omitempty"`
	CanPublish     bool   `json:"canPublish"`
	CanSubscribe   bool   `json:"canSubscribe"`
	CanPublishData bool   `json:"canPublishData"`
}

type Claims struct {
	Name  string      `json:"name,omitempty"`
	Video *VideoGrant `json:"video,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the participant identity the credential was minted for.
func (c *Claims) Identity() string {
	return c.Subject
}

// Issuer mints and verifies room credentials. It holds no state besides the
// signing secrets, so one Issuer can serve any number of requests.
type Issuer struct {
	apiKey    string
	apiSecret []byte
	serverURL string
	now       func() time.Time
}

func NewIssuer(apiKey, apiSecret, serverURL string) *Issuer {
	return &Issuer{
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		serverURL: serverURL,
		now:       time.Now,
	}
}

// Issue validates the join request and returns the server URL with a signed
// credential granting join, create, publish, subscribe and publishData.
func (i *Issuer) Issue(req models.JoinRequest) (models.TokenResponse, error) {
	room := strings.TrimSpace(req.RoomName)
	identity := strings.TrimSpace(req.Username)

	var missing []string
	if room == "" {
		missing = append(missing, "roomName")
	}
	if identity == "" {
		missing = append(missing, "username")
	}
	if len(missing) > 0 {
		return models.TokenResponse{}, &ValidationError{Fields: missing}
	}

	if err := i.checkConfigured(); err != nil {
		return models.TokenResponse{}, err
	}

	now := i.now()
	claims := &Claims{
		Name: identity,
		Video: &VideoGrant{
			Room:           room,
			RoomJoin:       true,
			RoomCreate:     true,
			CanPublish:     true,
			CanSubscribe:   true,
			CanPublishData: true,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.apiKey,
			Subject:   identity,
			ID:        identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.apiSecret)
	if err != nil {
		return models.TokenResponse{}, errors.Wrap(err, "sign room token")
	}

	return models.TokenResponse{URL: i.serverURL, Token: signed}, nil
}

// Verify parses a credential minted by this issuer and returns its claims.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	if err := i.checkConfigured(); err != nil {
		return nil, err
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.apiSecret, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "parse room token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Issuer != i.apiKey {
		return nil, errors.Errorf("token issued by unknown key %q", claims.Issuer)
	}
	if claims.Video == nil || claims.Video.Room == "" {
		return nil, errors.New("token carries no room grant")
	}
	return claims, nil
}

func (i *Issuer) checkConfigured() error {
	var missing []string
	if i.apiKey == "" {
		missing = append(missing, "LIVEKIT_API_KEY")
	}
	if len(i.apiSecret) == 0 {
		missing = append(missing, "LIVEKIT_API_SECRET")
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}
	return nil
}
