package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/pliu/livechat/internal/auth"
	"github.com/pliu/livechat/internal/models"
)

const maxTokenBody = 1 << 20

type TokenHandler struct {
	Issuer *auth.Issuer
}

// Issue mints a room credential. The body may be JSON or form encoded.
func (h *TokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxTokenBody))
	if err != nil {
		log.Debug().Err(err).Msg("reading token request body")
	}
	req := parseJoinRequest(raw)

	resp, err := h.Issuer.Issue(req)
	if err != nil {
		var verr *auth.ValidationError
		var cerr *auth.ConfigurationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, "Missing room name or username")
		case errors.As(err, &cerr):
			log.Error().Err(err).Msg("token request")
			writeError(w, http.StatusInternalServerError, "LiveKit credentials not configured")
		default:
			log.Error().Err(err).Msg("token request")
			writeError(w, http.StatusInternalServerError, "Failed to generate token")
		}
		return
	}

	log.Info().Str("room", req.RoomName).Str("identity", req.Username).Msg("issued room token")
	writeJSON(w, http.StatusOK, resp)
}

func parseJoinRequest(raw []byte) models.JoinRequest {
	var req models.JoinRequest
	if len(raw) == 0 {
		return req
	}
	if err := json.Unmarshal(raw, &req); err == nil {
		return req
	}
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return models.JoinRequest{}
	}
	return models.JoinRequest{
		RoomName: values.Get("roomName"),
		Username: values.Get("username"),
	}
}
