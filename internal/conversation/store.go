// Package conversation keeps a participant's chat history: an ordered,
// newest-first list of conversations persisted as one JSON value per identity.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pliu/livechat/internal/models"
	"github.com/pliu/livechat/internal/store"
)

// titleLength is how many characters of the first local message become the title.
const titleLength = 40

// StorageError reports a failed write of the conversation list. The in-memory
// list is still authoritative when this happens.
type StorageError struct {
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// StorageKey is the KV key a participant's conversations live under.
func StorageKey(identity string) string {
	return "conversations:" + identity
}

type Store struct {
	kv     store.KV
	now    func() time.Time
	logger zerolog.Logger

	mu            sync.Mutex
	identity      string
	conversations []*models.Conversation
	activeID      string
	lastID        int64
}

type Option func(*Store)

// WithClock overrides the time source used for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(kv store.KV, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		now:    time.Now,
		logger: log.With().Str("component", "conversation").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory list with the one stored for identity. Missing
// or malformed data yields an empty list.
func (s *Store) Load(ctx context.Context, identity string) []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identity = identity
	s.conversations = nil
	s.activeID = ""

	raw, err := s.kv.Get(ctx, StorageKey(identity))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return []models.Conversation{}
	case err != nil:
		s.logger.Warn().Err(err).Str("identity", identity).Msg("could not read conversations")
		return []models.Conversation{}
	}

	var loaded []*models.Conversation
	if err := json.Unmarshal(raw, &loaded); err != nil {
		s.logger.Warn().Err(err).Str("identity", identity).Msg("discarding malformed conversations")
		return []models.Conversation{}
	}

	for _, c := range loaded {
		if c == nil || c.ID == "" {
			continue
		}
		normalize(c)
		s.conversations = append(s.conversations, c)
		if n, err := strconv.ParseInt(c.ID, 10, 64); err == nil && n > s.lastID {
			s.lastID = n
		}
	}
	return s.listLocked()
}

// CreateNew prepends a fresh conversation, makes it active and persists.
func (s *Store) CreateNew(ctx context.Context) models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.createLocked()
	s.persistLocked(ctx)
	return copyConversation(c)
}

// AppendMessage adds msg to the conversation with the given id. Unknown ids
// are ignored.
func (s *Store) AppendMessage(ctx context.Context, id string, msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findLocked(id)
	if c == nil {
		return
	}

	msg.Timestamp = stamp(msg.Timestamp)
	if c.Title == models.DefaultConversationTitle && msg.Origin == models.OriginLocal && !hasLocal(c.Messages) {
		c.Title = truncate(msg.Text, titleLength)
	}
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = stamp(s.now())
	s.persistLocked(ctx)
}

// Remove deletes a conversation. Removing the active one activates the next
// most recent, or a fresh conversation when none remain.
func (s *Store) Remove(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, c := range s.conversations {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	s.conversations = append(s.conversations[:idx], s.conversations[idx+1:]...)

	if id == s.activeID {
		s.activeID = ""
		if len(s.conversations) > 0 {
			s.activeID = s.conversations[0].ID
		} else {
			s.createLocked()
		}
	}
	s.persistLocked(ctx)
}

// Clear drops every conversation and starts a single fresh one.
func (s *Store) Clear(ctx context.Context) models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = nil
	s.activeID = ""
	c := s.createLocked()
	s.persistLocked(ctx)
	return copyConversation(c)
}

// Persist writes the full list to storage.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx)
}

// SetActive switches the active conversation. It reports false for unknown ids.
func (s *Store) SetActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(id) == nil {
		return false
	}
	s.activeID = id
	return true
}

func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

func (s *Store) Active() (models.Conversation, bool) {
	return s.Get(s.ActiveID())
}

func (s *Store) Get(id string) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findLocked(id)
	if c == nil {
		return models.Conversation{}, false
	}
	return copyConversation(c), true
}

// List returns copies of all conversations, newest first.
func (s *Store) List() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Store) createLocked() *models.Conversation {
	now := stamp(s.now())
	c := &models.Conversation{
		ID:        s.nextIDLocked(now),
		Title:     models.DefaultConversationTitle,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []models.Message{},
	}
	s.conversations = append([]*models.Conversation{c}, s.conversations...)
	s.activeID = c.ID
	return c
}

// nextIDLocked derives the id from the creation time in milliseconds, bumped
// past the last id handed out so two conversations never share one.
func (s *Store) nextIDLocked(now time.Time) string {
	id := now.UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return strconv.FormatInt(id, 10)
}

func (s *Store) persistLocked(ctx context.Context) {
	if err := s.writeLocked(ctx); err != nil {
		s.logger.Warn().Err(err).Str("identity", s.identity).Msg("conversation history not persisted, keeping in-memory state")
	}
}

func (s *Store) writeLocked(ctx context.Context) error {
	key := StorageKey(s.identity)
	list := s.conversations
	if list == nil {
		list = []*models.Conversation{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return &StorageError{Key: key, Err: err}
	}
	if err := s.kv.Set(ctx, key, data); err != nil {
		return &StorageError{Key: key, Err: err}
	}
	return nil
}

func (s *Store) findLocked(id string) *models.Conversation {
	for _, c := range s.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *Store) listLocked() []models.Conversation {
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, copyConversation(c))
	}
	return out
}

func copyConversation(c *models.Conversation) models.Conversation {
	out := *c
	out.Messages = append([]models.Message{}, c.Messages...)
	return out
}

func normalize(c *models.Conversation) {
	if c.Title == "" {
		c.Title = models.DefaultConversationTitle
	}
	if c.Messages == nil {
		c.Messages = []models.Message{}
	}
	c.CreatedAt = stamp(c.CreatedAt)
	c.UpdatedAt = stamp(c.UpdatedAt)
	for i := range c.Messages {
		c.Messages[i].Timestamp = stamp(c.Messages[i].Timestamp)
	}
}

// stamp drops the monotonic reading and zone so stored and reloaded values compare equal.
func stamp(t time.Time) time.Time {
	return t.UTC().Round(0)
}

func hasLocal(messages []models.Message) bool {
	for _, m := range messages {
		if m.Origin == models.OriginLocal {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
