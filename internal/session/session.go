// Package session ties one participant's realtime connection, conversation
// history and AI assistant together for the lifetime of a chat.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pliu/livechat/internal/conversation"
	"github.com/pliu/livechat/internal/models"
	"github.com/pliu/livechat/internal/realtime"
)

const (
	AISender     = "AI"
	SystemSender = "System"
	ApologyText  = "Sorry, I had trouble replying. Please try again."

	DefaultAITimeout = 30 * time.Second
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNotConnected = realtime.ErrNotConnected
)

// RealtimeClient is the room connection a session drives.
type RealtimeClient interface {
	Connect(ctx context.Context, url, token, identity string) bool
	Send(ctx context.Context, text string) error
	Subscribe(fn func(models.Message)) func()
	OnStateChange(fn func(realtime.State, error)) func()
	Disconnect()
}

// Replier produces the AI answer to a user message.
type Replier interface {
	Reply(ctx context.Context, identity, message string) (string, error)
}

type Config struct {
	Identity string
	URL      string
	Token    string

	// AITimeout bounds each AI request. Zero means DefaultAITimeout.
	AITimeout time.Duration
}

type Session struct {
	client  RealtimeClient
	store   *conversation.Store
	replier Replier
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	loaded    bool
	started   bool
	closed    bool
	connected bool
	banner    string
	lastErr   error
	nextReq   uint64
	thinking  map[uint64]bool
	unsubs    []func()
	onChange  func()
}

// New builds a session. replier may be nil, in which case messages are only
// relayed to the room.
func New(client RealtimeClient, store *conversation.Store, replier Replier, cfg Config) *Session {
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = DefaultAITimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		client:   client,
		store:    store,
		replier:  replier,
		cfg:      cfg,
		now:      time.Now,
		logger:   log.With().Str("component", "session").Str("identity", cfg.Identity).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		thinking: make(map[uint64]bool),
	}
}

// OnChange registers a callback fired after any visible state changes. It is
// called without the session lock held.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// LoadHistory loads past conversations and opens a fresh one without touching
// the network. Start calls it too; only the first call has any effect.
func (s *Session) LoadHistory(ctx context.Context) {
	s.mu.Lock()
	if s.loaded || s.closed {
		s.mu.Unlock()
		return
	}
	s.loaded = true
	s.mu.Unlock()

	s.store.Load(ctx, s.cfg.Identity)
	s.store.CreateNew(ctx)

	unsubMessages := s.client.Subscribe(s.handleMessage)
	unsubState := s.client.OnStateChange(s.handleState)
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubMessages, unsubState)
	s.mu.Unlock()
	s.changed()
}

// Start loads history unless LoadHistory already did, then joins the room.
// When the room cannot be joined the session stays usable for browsing history
// and the returned error is a *realtime.ConnectionError.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.LoadHistory(ctx)

	if s.client.Connect(ctx, s.cfg.URL, s.cfg.Token, s.cfg.Identity) {
		return nil
	}

	s.mu.Lock()
	err := s.lastErr
	s.mu.Unlock()

	var cerr *realtime.ConnectionError
	if errors.As(err, &cerr) {
		return cerr
	}
	return &realtime.ConnectionError{URL: s.cfg.URL, Err: errors.New("could not join room")}
}

// Send relays text to the room and, with a replier configured, asks the AI in
// the background. The reply lands in the conversation active right now.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed || !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.mu.Unlock()
	conversationID := s.store.ActiveID()

	if err := s.client.Send(ctx, text); err != nil {
		return err
	}
	if s.replier == nil {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.nextReq++
	requestID := s.nextReq
	s.thinking[requestID] = true
	s.wg.Add(1)
	s.mu.Unlock()
	s.changed()

	go s.askAI(requestID, conversationID, text)
	return nil
}

func (s *Session) askAI(requestID uint64, conversationID, text string) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AITimeout)
	defer cancel()

	reply, err := s.replier.Reply(ctx, s.cfg.Identity, text)
	msg := models.Message{
		Sender:    AISender,
		Text:      reply,
		Timestamp: s.now(),
		Origin:    models.OriginRemote,
	}
	if err != nil || strings.TrimSpace(reply) == "" {
		if err == nil {
			err = errors.New("empty reply")
		}
		s.logger.Warn().Err(err).Uint64("request", requestID).Msg("ai reply failed")
		msg = models.Message{
			Sender:    SystemSender,
			Text:      ApologyText,
			Timestamp: s.now(),
			Origin:    models.OriginSystem,
		}
	}

	// the append stays under the lock so Leave cannot slip in before it
	s.mu.Lock()
	delete(s.thinking, requestID)
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug().Uint64("request", requestID).Msg("discarding ai reply after leave")
		return
	}
	s.store.AppendMessage(s.ctx, conversationID, msg)
	s.mu.Unlock()
	s.changed()
}

// Leave cancels pending AI requests, leaves the room and waits for background
// work to finish. Later calls do nothing.
func (s *Session) Leave() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connected = false
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.cancel()
	for _, unsub := range unsubs {
		unsub()
	}
	s.client.Disconnect()
	s.wg.Wait()

	s.mu.Lock()
	s.thinking = make(map[uint64]bool)
	s.mu.Unlock()
	s.logger.Info().Msg("left chat")
}

func (s *Session) handleMessage(msg models.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.store.AppendMessage(s.ctx, s.store.ActiveID(), msg)
	s.mu.Unlock()
	s.changed()
}

func (s *Session) handleState(state realtime.State, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = state == realtime.StateConnected
	switch state {
	case realtime.StateConnected:
		s.banner = ""
		s.lastErr = nil
	case realtime.StateReconnecting:
		s.banner = "Connection lost, reconnecting..."
	case realtime.StateDisconnected:
		if err != nil {
			s.lastErr = err
			s.banner = "Could not connect to the chat room: " + err.Error()
		}
	}
	s.mu.Unlock()
	s.changed()
}

// NewChat starts and activates an empty conversation.
func (s *Session) NewChat() models.Conversation {
	c := s.store.CreateNew(s.ctx)
	s.changed()
	return c
}

// Open makes a past conversation active.
func (s *Session) Open(id string) bool {
	ok := s.store.SetActive(id)
	if ok {
		s.changed()
	}
	return ok
}

func (s *Session) Delete(id string) {
	s.store.Remove(s.ctx, id)
	s.changed()
}

// Clear forgets every conversation and starts over with one empty chat.
func (s *Session) Clear() {
	s.store.Clear(s.ctx)
	s.changed()
}

func (s *Session) Conversations() []models.Conversation {
	return s.store.List()
}

func (s *Session) ActiveID() string {
	return s.store.ActiveID()
}

// Messages returns the active conversation's messages in arrival order.
func (s *Session) Messages() []models.Message {
	c, ok := s.store.Active()
	if !ok {
		return nil
	}
	return c.Messages
}

// Thinking reports whether any AI request is still pending.
func (s *Session) Thinking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.thinking) > 0
}

// Banner is the current connection problem, if any.
func (s *Session) Banner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banner
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) Identity() string {
	return s.cfg.Identity
}

func (s *Session) changed() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
