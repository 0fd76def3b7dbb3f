package assistant

import (
	"context"

	"github.com/pliu/livechat/internal/models"
)

// Replier generates the assistant's answer given the user's message and the
// remembered history, which already ends with that message.
type Replier interface {
	Reply(ctx context.Context, username, message string, history []models.MemoryEntry) (string, error)
}

// Echo answers without any model behind it.
type Echo struct{}

func (Echo) Reply(_ context.Context, _, message string, _ []models.MemoryEntry) (string, error) {
	return "[AI] no model backend configured. Echo: " + message, nil
}
