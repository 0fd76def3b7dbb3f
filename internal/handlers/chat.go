package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/pliu/livechat/internal/assistant"
	"github.com/pliu/livechat/internal/models"
)

// ChatHandler serves the AI backend: replies, per-user memory and handoff.
type ChatHandler struct {
	Memory  *assistant.Memory
	Replier assistant.Replier
}

func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	username := strings.TrimSpace(req.Username)
	message := strings.TrimSpace(req.Message)
	if username == "" || message == "" {
		writeError(w, http.StatusBadRequest, "username and message are required")
		return
	}

	history, err := h.Memory.Entries(r.Context(), username)
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("loading memory")
		writeError(w, http.StatusInternalServerError, "could not load memory")
		return
	}
	userEntry := models.MemoryEntry{Role: "user", Content: message}
	history = append(history, userEntry)

	reply, err := h.Replier.Reply(r.Context(), username, message, history)
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("generating reply")
		writeError(w, http.StatusBadGateway, "could not generate a reply")
		return
	}

	if _, err := h.Memory.Append(r.Context(), username, assistant.ChatHistoryLimit,
		userEntry, models.MemoryEntry{Role: "assistant", Content: reply}); err != nil {
		log.Warn().Err(err).Str("username", username).Msg("saving memory")
	}

	writeJSON(w, http.StatusOK, models.ChatResponse{Reply: reply})
}

func (h *ChatHandler) GetMemory(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]

	entries, err := h.Memory.Entries(r.Context(), username)
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("loading memory")
		writeError(w, http.StatusInternalServerError, "could not load memory")
		return
	}
	writeJSON(w, http.StatusOK, models.MemoryResponse{Username: username, Entries: entries})
}

func (h *ChatHandler) UpsertMemory(w http.ResponseWriter, r *http.Request) {
	var req models.MemoryUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	entries, err := h.Memory.Append(r.Context(), req.Username, assistant.MemoryLimit, req.Entries...)
	if err != nil {
		log.Error().Err(err).Str("username", req.Username).Msg("saving memory")
		writeError(w, http.StatusInternalServerError, "could not save memory")
		return
	}
	writeJSON(w, http.StatusOK, models.MemoryUpsertResponse{OK: true, Count: len(entries)})
}

// Handoff reports how much context would be passed on to another agent.
func (h *ChatHandler) Handoff(w http.ResponseWriter, r *http.Request) {
	var req models.HandoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.Memory.Entries(r.Context(), req.FromUser)
	if err != nil {
		log.Error().Err(err).Str("username", req.FromUser).Msg("loading memory")
		writeError(w, http.StatusInternalServerError, "could not load memory")
		return
	}
	log.Info().Str("from", req.FromUser).Str("to", req.ToAgent).Int("entries", len(entries)).Msg("handoff")
	writeJSON(w, http.StatusOK, models.HandoffResponse{OK: true, To: req.ToAgent, ContextSize: len(entries)})
}
