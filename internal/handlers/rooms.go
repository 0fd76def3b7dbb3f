package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pliu/livechat/internal/models"
	"github.com/pliu/livechat/internal/ws"
)

type RoomHandler struct {
	Hub *ws.Hub
}

// GetParticipants lists who is connected to the room. Callers must already
// hold a credential for that room.
func (h *RoomHandler) GetParticipants(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	writeJSON(w, http.StatusOK, models.ParticipantsResponse{
		Room:         room,
		Participants: h.Hub.Participants(room),
	})
}
