package ws

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pliu/livechat/internal/models"
)

// Frame is a data payload published by a participant, to be relayed to the
// rest of its room.
type Frame struct {
	Sender  *Client
	Payload []byte
}

type Hub struct {
	// Participants per room.
	rooms map[string]map[*Client]bool
	mu    sync.RWMutex

	// Inbound payloads from the clients.
	broadcast chan Frame

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan Frame),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run relays frames until ctx is canceled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for room, clients := range h.rooms {
				for client := range clients {
					close(client.send)
				}
				delete(h.rooms, room)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			if h.rooms[client.room] == nil {
				h.rooms[client.room] = make(map[*Client]bool)
			}
			h.rooms[client.room][client] = true
			h.mu.Unlock()
			log.Info().Str("room", client.room).Str("identity", client.identity).Str("sid", client.sid).Msg("participant joined")
		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
		case frame := <-h.broadcast:
			msgBytes, err := json.Marshal(models.DataPacket{
				Sender:  frame.Sender.identity,
				Payload: frame.Payload,
			})
			if err != nil {
				log.Error().Err(err).Msg("encode data packet")
				continue
			}

			h.mu.Lock()
			for client := range h.rooms[frame.Sender.room] {
				if client == frame.Sender {
					continue
				}
				select {
				case client.send <- msgBytes:
				default:
					log.Warn().Str("room", client.room).Str("identity", client.identity).Msg("dropping slow participant")
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	clients, ok := h.rooms[client.room]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.rooms, client.room)
	}
	log.Info().Str("room", client.room).Str("identity", client.identity).Str("sid", client.sid).Msg("participant left")
}

// Participants lists the identities currently in room, sorted.
func (h *Hub) Participants(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool)
	out := []string{}
	for client := range h.rooms[room] {
		if !seen[client.identity] {
			seen[client.identity] = true
			out = append(out, client.identity)
		}
	}
	sort.Strings(out)
	return out
}

func (h *Hub) join(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) publish(frame Frame) {
	select {
	case h.broadcast <- frame:
	case <-h.done:
	}
}
