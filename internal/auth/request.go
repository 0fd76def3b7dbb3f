package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/pliu/livechat/internal/models"
)

// RequestToken asks a token endpoint for a room credential.
func RequestToken(ctx context.Context, client *http.Client, endpoint, room, identity string) (models.TokenResponse, error) {
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(models.JoinRequest{RoomName: room, Username: identity})
	if err != nil {
		return models.TokenResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return models.TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return models.TokenResponse{}, errors.Wrap(err, "request token")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.TokenResponse{}, errors.Wrap(err, "read token response")
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr models.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return models.TokenResponse{}, errors.Errorf("token endpoint: %d %s", resp.StatusCode, apiErr.Error)
		}
		return models.TokenResponse{}, errors.Errorf("token endpoint: %d", resp.StatusCode)
	}

	var out models.TokenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.TokenResponse{}, errors.Wrap(err, "decode token response")
	}
	if out.Token == "" {
		return models.TokenResponse{}, errors.New("token endpoint returned no token")
	}
	return out, nil
}
