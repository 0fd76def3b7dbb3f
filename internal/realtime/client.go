package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pliu/livechat/internal/models"
)

// DefaultReconnectWindow bounds how long the client keeps redialing after the
// connection drops.
const DefaultReconnectWindow = 30 * time.Second

// ErrNotConnected is returned by Send while the client is not in a room.
var ErrNotConnected = errors.New("realtime: not connected")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectionError wraps a failure to join, stay in, or publish to a room.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime connection to %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

type messageListener struct {
	id int
	fn func(models.Message)
}

type stateListener struct {
	id int
	fn func(State, error)
}

// Client is one participant's connection to a chat room.
type Client struct {
	transport  Transport
	now        func() time.Time
	newBackOff func() backoff.BackOff
	refresh    func(ctx context.Context) (string, error)
	logger     zerolog.Logger

	mu            sync.Mutex
	state         State
	conn          Conn
	gen           uint64
	url           string
	token         string
	identity      string
	stopReconnect context.CancelFunc
	nextID        int
	messageSubs   []messageListener
	stateSubs     []stateListener
}

type Option func(*Client)

// WithReconnectWindow sets how long redialing continues after a drop.
func WithReconnectWindow(d time.Duration) Option {
	return func(c *Client) {
		c.newBackOff = func() backoff.BackOff { return defaultBackOff(d) }
	}
}

// WithBackOff replaces the reconnect policy entirely.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = newBackOff }
}

// WithTokenRefresh fetches a new credential before every redial, so a session
// outliving its token can still rejoin.
func WithTokenRefresh(refresh func(ctx context.Context) (string, error)) Option {
	return func(c *Client) { c.refresh = refresh }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(t Transport, opts ...Option) *Client {
	c := &Client{
		transport:  t,
		now:        time.Now,
		newBackOff: func() backoff.BackOff { return defaultBackOff(DefaultReconnectWindow) },
		logger:     log.With().Str("component", "realtime").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBackOff(window time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = window
	return b
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect joins the room at url with the given credential. It reports whether
// the client ended up connected; failures are delivered to state listeners as
// a *ConnectionError.
func (c *Client) Connect(ctx context.Context, url, token, identity string) bool {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return true
	}
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
	c.gen++
	gen := c.gen
	c.url, c.token, c.identity = url, token, identity
	listeners := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	notify(listeners, StateConnecting, nil)

	conn, err := c.transport.Dial(ctx, url, token)
	if err != nil {
		cerr := &ConnectionError{URL: url, Err: err}
		c.logger.Warn().Err(err).Str("url", url).Str("identity", identity).Msg("could not join room")

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return false
		}
		listeners := c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		notify(listeners, StateDisconnected, cerr)
		return false
	}

	c.mu.Lock()
	if c.gen != gen {
		// Disconnect ran while we were dialing
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	listeners = c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.logger.Info().Str("url", url).Str("identity", identity).Msg("joined room")
	go c.readLoop(gen, conn)
	notify(listeners, StateConnected, nil)
	return true
}

// Send publishes text as a chat envelope and, once the publish succeeded,
// echoes it to subscribers as a local message.
func (c *Client) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn, url, identity := c.conn, c.url, c.identity
	c.mu.Unlock()

	payload, err := json.Marshal(models.ChatEnvelope{
		Type:     models.EnvelopeTypeChat,
		Message:  text,
		Username: identity,
	})
	if err != nil {
		return errors.Wrap(err, "encode chat envelope")
	}
	if err := conn.Publish(ctx, payload); err != nil {
		return &ConnectionError{URL: url, Err: err}
	}

	c.emit(models.Message{
		Sender:    identity,
		Text:      text,
		Timestamp: c.now(),
		Origin:    models.OriginLocal,
	})
	return nil
}

// Subscribe registers fn for every chat message, local echoes included. The
// returned func removes it and may be called more than once.
func (c *Client) Subscribe(fn func(models.Message)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.messageSubs = append(c.messageSubs, messageListener{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, l := range c.messageSubs {
				if l.id == id {
					c.messageSubs = append(c.messageSubs[:i:i], c.messageSubs[i+1:]...)
					return
				}
			}
		})
	}
}

// OnStateChange registers fn for connection state transitions. err is set
// when the transition was caused by a failure.
func (c *Client) OnStateChange(fn func(State, error)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.stateSubs = append(c.stateSubs, stateListener{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, l := range c.stateSubs {
				if l.id == id {
					c.stateSubs = append(c.stateSubs[:i:i], c.stateSubs[i+1:]...)
					return
				}
			}
		})
	}
}

// Disconnect leaves the room and stops any reconnect in progress. Calling it
// again is a no-op.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected && c.conn == nil && c.stopReconnect == nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
	conn := c.conn
	c.conn = nil
	listeners := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.logger.Info().Msg("left room")
	notify(listeners, StateDisconnected, nil)
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		pkt, err := conn.Receive()
		if err != nil {
			c.handleDrop(gen, conn, err)
			return
		}
		c.handlePacket(pkt)
	}
}

func (c *Client) handlePacket(pkt Packet) {
	var env models.ChatEnvelope
	if err := json.Unmarshal(pkt.Data, &env); err != nil {
		c.logger.Warn().Err(err).Str("sender", pkt.Sender).Msg("ignoring undecodable payload")
		return
	}
	if env.Type != models.EnvelopeTypeChat {
		c.logger.Debug().Str("type", env.Type).Msg("ignoring payload")
		return
	}

	sender := pkt.Sender
	if sender == "" {
		sender = "unknown"
	}
	c.emit(models.Message{
		Sender:    sender,
		Text:      env.Message,
		Timestamp: c.now(),
		Origin:    models.OriginRemote,
	})
}

func (c *Client) handleDrop(gen uint64, conn Conn, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	ctx, cancel := context.WithCancel(context.Background())
	c.stopReconnect = cancel
	url, token := c.url, c.token
	listeners := c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Warn().Err(cause).Str("url", url).Msg("connection lost, reconnecting")
	notify(listeners, StateReconnecting, &ConnectionError{URL: url, Err: cause})

	c.reconnect(ctx, gen, url, token)
}

func (c *Client) reconnect(ctx context.Context, gen uint64, url, token string) {
	var conn Conn
	attempt := 0
	op := func() error {
		attempt++
		if c.refresh != nil {
			fresh, err := c.refresh(ctx)
			if err != nil {
				c.logger.Debug().Err(err).Int("attempt", attempt).Msg("token refresh failed")
				return errors.Wrap(err, "refresh token")
			}
			token = fresh
		}
		next, err := c.transport.Dial(ctx, url, token)
		if err != nil {
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("redial failed")
			return err
		}
		conn = next
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx))

	c.mu.Lock()
	if c.gen != gen || ctx.Err() != nil {
		c.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	c.stopReconnect()
	c.stopReconnect = nil

	if err != nil {
		listeners := c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.logger.Error().Err(err).Str("url", url).Int("attempts", attempt).Msg("giving up on reconnect")
		notify(listeners, StateDisconnected, &ConnectionError{URL: url, Err: err})
		return
	}

	c.conn = conn
	c.token = token
	listeners := c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.logger.Info().Str("url", url).Int("attempts", attempt).Msg("rejoined room")
	go c.readLoop(gen, conn)
	notify(listeners, StateConnected, nil)
}

func (c *Client) setStateLocked(s State) []stateListener {
	c.state = s
	return append([]stateListener(nil), c.stateSubs...)
}

func (c *Client) emit(msg models.Message) {
	c.mu.Lock()
	listeners := append([]messageListener(nil), c.messageSubs...)
	c.mu.Unlock()
	for _, l := range listeners {
		l.fn(msg)
	}
}

func notify(listeners []stateListener, s State, err error) {
	for _, l := range listeners {
		l.fn(s, err)
	}
}
