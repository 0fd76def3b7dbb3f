package models

import "time"

// Origin tags where a message came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
	OriginSystem Origin = "system"
)

// DefaultConversationTitle is the title a conversation keeps until its first local message.
const DefaultConversationTitle = "New chat"

// EnvelopeTypeChat is the only data envelope type the chat client understands.
const EnvelopeTypeChat = "chat_message"

type Message struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Origin    Origin    `json:"origin"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  []Message `json:"messages"`
}

// ChatEnvelope is the JSON payload published on the room data channel.
type ChatEnvelope struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Username string `json:"username"`
}

// DataPacket is what the relay delivers to a participant: the raw payload
// published by another participant, stamped with the sender identity.
type DataPacket struct {
	Sender  string `json:"sender"`
	Payload []byte `json:"payload"`
}

type JoinRequest struct {
	RoomName string `json:"roomName"`
	Username string `json:"username"`
}

type TokenResponse struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type ChatRequest struct {
	Username string `json:"username"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

type ChatResponse struct {
	Reply string `json:"reply"`
}

type MemoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type MemoryResponse struct {
	Username string        `json:"username"`
	Entries  []MemoryEntry `json:"entries"`
}

type MemoryUpsertRequest struct {
	Username string        `json:"username"`
	Entries  []MemoryEntry `json:"entries"`
}

type MemoryUpsertResponse struct {
	OK    bool `json:"ok"`
	Count int  `json:"count"`
}

// HandoffRequest asks to pass a user's remembered context to another agent.
type HandoffRequest struct {
	FromUser string `json:"from_user"`
	ToAgent  string `json:"to_agent"`
}

type HandoffResponse struct {
	OK          bool   `json:"ok"`
	To          string `json:"to"`
	ContextSize int    `json:"context_size"`
}

type ParticipantsResponse struct {
	Room         string   `json:"room"`
	Participants []string `json:"participants"`
}
