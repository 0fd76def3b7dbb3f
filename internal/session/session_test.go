package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pliu/livechat/internal/aiclient"
	"github.com/pliu/livechat/internal/conversation"
	"github.com/pliu/livechat/internal/models"
	"github.com/pliu/livechat/internal/realtime"
	"github.com/pliu/livechat/internal/store"
)

type fakeClient struct {
	mu          sync.Mutex
	refuse      bool
	identity    string
	subs        map[int]func(models.Message)
	stateSubs   map[int]func(realtime.State, error)
	nextID      int
	sent        []string
	disconnects int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		subs:      make(map[int]func(models.Message)),
		stateSubs: make(map[int]func(realtime.State, error)),
	}
}

func (f *fakeClient) Connect(_ context.Context, url, _, identity string) bool {
	f.mu.Lock()
	f.identity = identity
	refuse := f.refuse
	f.mu.Unlock()

	if refuse {
		f.setState(realtime.StateDisconnected, &realtime.ConnectionError{URL: url, Err: errors.New("connection refused")})
		return false
	}
	f.setState(realtime.StateConnected, nil)
	return true
}

func (f *fakeClient) Send(_ context.Context, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	identity := f.identity
	f.mu.Unlock()

	f.deliver(models.Message{Sender: identity, Text: text, Timestamp: time.Now(), Origin: models.OriginLocal})
	return nil
}

func (f *fakeClient) Subscribe(fn func(models.Message)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeClient) OnStateChange(fn func(realtime.State, error)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.stateSubs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.stateSubs, id)
	}
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.setState(realtime.StateDisconnected, nil)
}

func (f *fakeClient) deliver(msg models.Message) {
	f.mu.Lock()
	var subs []func(models.Message)
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
}

func (f *fakeClient) setState(s realtime.State, err error) {
	f.mu.Lock()
	var subs []func(realtime.State, error)
	for _, fn := range f.stateSubs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(s, err)
	}
}

type replierFunc func(ctx context.Context, identity, message string) (string, error)

func (f replierFunc) Reply(ctx context.Context, identity, message string) (string, error) {
	return f(ctx, identity, message)
}

// gatedKV blocks the first write containing match until release is closed.
type gatedKV struct {
	store.KV
	match   string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedKV) Set(ctx context.Context, key string, value []byte) error {
	if bytes.Contains(value, []byte(g.match)) {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.KV.Set(ctx, key, value)
}

func newSession(t *testing.T, client *fakeClient, replier Replier, cfg Config) (*Session, *conversation.Store) {
	t.Helper()
	if cfg.Identity == "" {
		cfg.Identity = "alice"
	}
	if cfg.URL == "" {
		cfg.URL = "ws://relay"
	}
	convs := conversation.NewStore(store.NewMemory())
	s := New(client, convs, replier, cfg)
	t.Cleanup(s.Leave)
	return s, convs
}

func texts(messages []models.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Text)
	}
	return out
}

func TestStartOpensFreshConversation(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()

	previous := conversation.NewStore(kv)
	previous.Load(ctx, "alice")
	old := previous.CreateNew(ctx)
	previous.AppendMessage(ctx, old.ID, models.Message{Sender: "alice", Text: "from yesterday", Origin: models.OriginLocal})

	s := New(newFakeClient(), conversation.NewStore(kv), nil, Config{Identity: "alice", URL: "ws://relay"})
	defer s.Leave()

	require.NoError(t, s.Start(ctx))
	require.True(t, s.Connected())
	require.Empty(t, s.Banner())
	require.Empty(t, s.Messages())

	list := s.Conversations()
	require.Len(t, list, 2)
	require.Equal(t, s.ActiveID(), list[0].ID)
	require.Equal(t, old.ID, list[1].ID)
}

func TestStartConnectFailure(t *testing.T) {
	client := newFakeClient()
	client.refuse = true
	s, _ := newSession(t, client, nil, Config{})

	err := s.Start(context.Background())
	var cerr *realtime.ConnectionError
	require.ErrorAs(t, err, &cerr)
	require.False(t, s.Connected())
	require.Contains(t, s.Banner(), "connection refused")

	require.ErrorIs(t, s.Send(context.Background(), "hello"), ErrNotConnected)

	// history is still usable
	s.NewChat()
	require.Len(t, s.Conversations(), 2)
}

func TestSendAppendsLocalMessagesInOrder(t *testing.T) {
	client := newFakeClient()
	s, _ := newSession(t, client, nil, Config{})
	require.NoError(t, s.Start(context.Background()))

	var want []string
	for i := 0; i < 5; i++ {
		text := fmt.Sprintf("message %d", i)
		want = append(want, text)
		require.NoError(t, s.Send(context.Background(), text))
	}

	msgs := s.Messages()
	require.Equal(t, want, texts(msgs))
	for _, m := range msgs {
		require.Equal(t, models.OriginLocal, m.Origin)
		require.Equal(t, "alice", m.Sender)
	}
	require.Equal(t, want, client.sent)
}

func TestSendRejectsBlankText(t *testing.T) {
	client := newFakeClient()
	s, _ := newSession(t, client, nil, Config{})
	require.NoError(t, s.Start(context.Background()))

	require.ErrorIs(t, s.Send(context.Background(), "   \n"), ErrEmptyMessage)
	require.Empty(t, client.sent)
	require.Empty(t, s.Messages())
}

func TestInboundMessagesAppendToActiveConversation(t *testing.T) {
	client := newFakeClient()
	s, _ := newSession(t, client, nil, Config{})
	require.NoError(t, s.Start(context.Background()))

	changes := make(chan struct{}, 8)
	s.OnChange(func() { changes <- struct{}{} })

	client.deliver(models.Message{Sender: "bob", Text: "hi alice", Origin: models.OriginRemote})

	<-changes
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "bob", msgs[0].Sender)
	require.Equal(t, models.OriginRemote, msgs[0].Origin)
}

func TestAIReplyAppended(t *testing.T) {
	replier := replierFunc(func(_ context.Context, identity, message string) (string, error) {
		return "hello " + identity + ", you said " + message, nil
	})
	s, _ := newSession(t, newFakeClient(), replier, Config{})
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Send(context.Background(), "hi"))

	require.Eventually(t, func() bool { return len(s.Messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	msgs := s.Messages()
	require.Equal(t, models.OriginLocal, msgs[0].Origin)
	require.Equal(t, AISender, msgs[1].Sender)
	require.Equal(t, models.OriginRemote, msgs[1].Origin)
	require.Equal(t, "hello alice, you said hi", msgs[1].Text)
	require.False(t, s.Thinking())
}

func TestAIFailureAppendsSingleApology(t *testing.T) {
	replier := replierFunc(func(context.Context, string, string) (string, error) {
		return "", &aiclient.ReplyError{StatusCode: 502, Err: errors.New("bad gateway")}
	})
	s, _ := newSession(t, newFakeClient(), replier, Config{})
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Send(context.Background(), "hello"))

	require.Eventually(t, func() bool { return !s.Thinking() && len(s.Messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	msgs := s.Messages()
	require.Equal(t, "hello", msgs[0].Text)
	require.Equal(t, models.OriginLocal, msgs[0].Origin)
	require.Equal(t, SystemSender, msgs[1].Sender)
	require.Equal(t, ApologyText, msgs[1].Text)
	require.Equal(t, models.OriginSystem, msgs[1].Origin)

	// nothing else shows up later
	time.Sleep(20 * time.Millisecond)
	require.Len(t, s.Messages(), 2)
}

func TestAIEmptyReplyAndTimeoutAreFailures(t *testing.T) {
	tests := []struct {
		name    string
		replier replierFunc
	}{
		{
			name: "Empty reply",
			replier: func(context.Context, string, string) (string, error) {
				return "  ", nil
			},
		},
		{
			name: "Timeout",
			replier: func(ctx context.Context, _, _ string) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newSession(t, newFakeClient(), tt.replier, Config{AITimeout: 20 * time.Millisecond})
			require.NoError(t, s.Start(context.Background()))
			require.NoError(t, s.Send(context.Background(), "hello"))

			require.Eventually(t, func() bool { return len(s.Messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
			require.Equal(t, ApologyText, s.Messages()[1].Text)
		})
	}
}

func TestThinkingIndicatorTracksEachRequest(t *testing.T) {
	release := map[string]chan struct{}{
		"first":  make(chan struct{}),
		"second": make(chan struct{}),
	}
	replier := replierFunc(func(_ context.Context, _, message string) (string, error) {
		<-release[message]
		return "ok", nil
	})
	s, _ := newSession(t, newFakeClient(), replier, Config{})
	require.NoError(t, s.Start(context.Background()))

	require.False(t, s.Thinking())
	require.NoError(t, s.Send(context.Background(), "first"))
	require.NoError(t, s.Send(context.Background(), "second"))
	require.True(t, s.Thinking())

	close(release["first"])
	require.Eventually(t, func() bool { return len(s.Messages()) == 3 }, 2*time.Second, 5*time.Millisecond)
	// the second request is still pending
	require.True(t, s.Thinking())

	close(release["second"])
	require.Eventually(t, func() bool { return !s.Thinking() }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, s.Messages(), 4)
}

func TestAIReplyGoesToOriginatingConversation(t *testing.T) {
	release := make(chan struct{})
	replier := replierFunc(func(context.Context, string, string) (string, error) {
		<-release
		return "late answer", nil
	})
	s, convs := newSession(t, newFakeClient(), replier, Config{})
	require.NoError(t, s.Start(context.Background()))

	origin := s.ActiveID()
	require.NoError(t, s.Send(context.Background(), "question"))

	other := s.NewChat()
	require.Equal(t, other.ID, s.ActiveID())
	close(release)

	require.Eventually(t, func() bool { return !s.Thinking() }, 2*time.Second, 5*time.Millisecond)
	first, ok := convs.Get(origin)
	require.True(t, ok)
	require.Equal(t, []string{"question", "late answer"}, texts(first.Messages))
	require.Empty(t, s.Messages())
}

func TestLeaveIsIdempotentAndDropsLateReplies(t *testing.T) {
	started := make(chan struct{})
	replier := replierFunc(func(ctx context.Context, _, _ string) (string, error) {
		close(started)
		<-ctx.Done()
		return "too late", nil
	})
	client := newFakeClient()
	s, _ := newSession(t, client, replier, Config{})
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Send(context.Background(), "hello"))
	<-started

	s.Leave()
	s.Leave()

	require.Equal(t, 1, client.disconnects)
	require.False(t, s.Connected())
	require.False(t, s.Thinking())
	require.Equal(t, []string{"hello"}, texts(s.Messages()))
	require.ErrorIs(t, s.Send(context.Background(), "again"), ErrNotConnected)

	// messages arriving after leave are ignored
	client.deliver(models.Message{Sender: "bob", Text: "anyone?", Origin: models.OriginRemote})
	require.Len(t, s.Messages(), 1)
}

func TestDeleteOnlyConversationStartsFreshOne(t *testing.T) {
	s, _ := newSession(t, newFakeClient(), nil, Config{})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Send(context.Background(), "bye"))

	only := s.ActiveID()
	s.Delete(only)

	list := s.Conversations()
	require.Len(t, list, 1)
	require.NotEqual(t, only, list[0].ID)
	require.Equal(t, list[0].ID, s.ActiveID())
	require.Empty(t, s.Messages())
}

func TestOpenAndClear(t *testing.T) {
	s, _ := newSession(t, newFakeClient(), nil, Config{})
	require.NoError(t, s.Start(context.Background()))
	first := s.ActiveID()
	require.NoError(t, s.Send(context.Background(), "in first"))
	s.NewChat()

	require.True(t, s.Open(first))
	require.Equal(t, []string{"in first"}, texts(s.Messages()))
	require.False(t, s.Open("missing"))

	s.Clear()
	require.Len(t, s.Conversations(), 1)
	require.Empty(t, s.Messages())
}

func TestLeaveWaitsForReplyBeingStored(t *testing.T) {
	kv := &gatedKV{
		KV:      store.NewMemory(),
		match:   "stored answer",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	replier := replierFunc(func(context.Context, string, string) (string, error) {
		return "stored answer", nil
	})
	s := New(newFakeClient(), conversation.NewStore(kv), replier, Config{Identity: "alice", URL: "ws://relay"})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Send(context.Background(), "hello"))
	<-kv.entered

	// the reply is mid-write, so Leave cannot mark the session closed yet
	require.False(t, s.mu.TryLock())

	left := make(chan struct{})
	go func() {
		s.Leave()
		close(left)
	}()
	close(kv.release)
	<-left

	require.Equal(t, []string{"hello", "stored answer"}, texts(s.Messages()))
	require.False(t, s.Thinking())
}

func TestLoadHistoryBeforeStart(t *testing.T) {
	client := newFakeClient()
	s, _ := newSession(t, client, nil, Config{})

	s.LoadHistory(context.Background())
	require.Len(t, s.Conversations(), 1)
	require.False(t, s.Connected())

	// conversations opened while still joining survive Start
	created := s.NewChat()
	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.Connected())
	require.Len(t, s.Conversations(), 2)
	require.Equal(t, created.ID, s.ActiveID())

	client.deliver(models.Message{Sender: "bob", Text: "hi", Origin: models.OriginRemote})
	require.Equal(t, []string{"hi"}, texts(s.Messages()))
}
