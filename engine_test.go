package rcchat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Test Helpers
// ============================================================================

var baseTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return baseTime.Add(time.Duration(sec) * time.Second) }

func msg(id, sender string, sec int) Message {
	return Message{ID: id, SenderID: sender, Content: "text " + id, Timestamp: at(sec), Kind: MessageText}
}

type fakeGateway struct {
	mu          sync.Mutex
	chatList    *ChatList
	chatListErr error
	pageFn      func(ref ConversationRef, before string, limit int) ([]Message, error)
	sent        []OutboundMessage
	sendErr     error
	typing      []TypingSignal
	stopTyping  []TypingSignal
	random      *User
	randomErr   error
	hits        []SearchHit
	searchErr   error

	fetchCalls  atomic.Int32
	searchCalls atomic.Int32
}

func (f *fakeGateway) FetchMyChats(ctx context.Context, userID string) (*ChatList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatList, f.chatListErr
}

func (f *fakeGateway) FetchPage(ctx context.Context, ref ConversationRef, before string, limit int) ([]Message, error) {
	f.fetchCalls.Add(1)
	if f.pageFn == nil {
		return nil, nil
	}
	return f.pageFn(ref, before, limit)
}

func (f *fakeGateway) Send(ctx context.Context, m OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return f.sendErr
}

func (f *fakeGateway) StartTyping(ctx context.Context, sig TypingSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, sig)
	return nil
}

func (f *fakeGateway) StopTyping(ctx context.Context, sig TypingSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopTyping = append(f.stopTyping, sig)
	return nil
}

func (f *fakeGateway) OpenRandomChat(ctx context.Context, userID string) (*User, error) {
	return f.random, f.randomErr
}

func (f *fakeGateway) Search(ctx context.Context, query string) ([]SearchHit, error) {
	f.searchCalls.Add(1)
	return f.hits, f.searchErr
}

func (f *fakeGateway) Subscribe(buffer int) *Subscription {
	c := make(chan Event, buffer)
	return &Subscription{C: c, c: c}
}

func (f *fakeGateway) Connect(ctx context.Context) error { return nil }
func (f *fakeGateway) Disconnect() error { return nil }

func (f *fakeGateway) sentMessages() []OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

func (f *fakeGateway) stopSignals() []TypingSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.stopTyping)
}

func (f *fakeGateway) typingSignals() []TypingSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.typing)
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *recordingSink) Alert(ctx context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type testEngine struct {
	*Engine
	gw    *fakeGateway
	sink  *recordingSink
	store *MemoryStore
	reg   *prometheus.Registry
}

func newTestEngine(t *testing.T, gw *fakeGateway, opts ...EngineOption) *testEngine {
	t.Helper()
	if gw == nil {
		gw = &fakeGateway{}
	}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	sink := &recordingSink{}
	store := NewMemoryStore()
	all := append([]EngineOption{
		WithMetrics(m),
		WithNotificationPolicy(NewNotificationPolicy(sink, nil, m)),
		withClock(func() time.Time { return baseTime }),
	}, opts...)
	e := NewEngine(gw, store, all...)
	t.Cleanup(e.Close)
	return &testEngine{Engine: e, gw: gw, sink: sink, store: store, reg: reg}
}

// counterValue sums every series of the named counter.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// signInWithChats signs in as u1 and loads a direct chat c1 with u2 and a
// group chat g1 with u1, u2 and u3.
func signInWithChats(t *testing.T, te *testEngine) {
	t.Helper()
	ctx := context.Background()
	te.gw.chatList = &ChatList{
		GroupChats: []RemoteGroupChat{{
			Group: Group{ID: "g1", Name: "gophers", Members: []string{"u1", "u2", "u3"}, CreatedAt: at(-100)},
		}},
		DirectChats: []RemoteDirectChat{{
			ID:   "c1",
			User: &User{ID: "u2", Name: "Bea"},
		}},
	}
	te.SignIn(ctx, User{ID: "u1", Name: "Ada"})
	if err := te.LoadChatList(ctx); err != nil {
		t.Fatalf("LoadChatList: %v", err)
	}
}

func pushPrivate(id, sender, to string, sec int) MessageEvent {
	return MessageEvent{ID: id, Type: MessagePrivate, SenderID: sender, ToUserID: to, Text: "text " + id, CreatedAt: at(sec)}
}

func assertAscending(t *testing.T, window []Message) {
	t.Helper()
	seen := map[string]bool{}
	for i, m := range window {
		if seen[m.ID] {
			t.Fatalf("duplicate id %s in window", m.ID)
		}
		seen[m.ID] = true
		if i > 0 && m.Before(window[i-1]) {
			t.Fatalf("window out of order at %d: %s before %s", i, m.ID, window[i-1].ID)
		}
	}
}

func mustChat(t *testing.T, e *Engine, id string) Chat {
	t.Helper()
	c, ok := e.Chat(id)
	if !ok {
		t.Fatalf("chat %s not found", id)
	}
	return c
}

// ============================================================================
// Scenario
// ============================================================================

func TestEngineDirectChatScenario(t *testing.T) {
	te := newTestEngine(t, nil)
	signInWithChats(t, te)
	ctx := context.Background()

	te.SetOpenConversation("c1")
	if got := te.State().OpenPeerID; got != "u2" {
		t.Fatalf("open peer = %q, want u2", got)
	}

	sent, err := te.SendMessage(ctx, "c1", "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	c := mustChat(t, te.Engine, "c1")
	if len(c.Messages) != 1 || c.Messages[0].SenderID != "u1" || c.Messages[0].Content != "hi" {
		t.Fatalf("window after send = %+v", c.Messages)
	}

	out := te.gw.sentMessages()
	if len(out) != 1 {
		t.Fatalf("sent %d messages, want 1", len(out))
	}
	if out[0].FromUserID != "u1" || out[0].ToUserID != "u2" || out[0].Type != MessagePrivate {
		t.Errorf("outbound = %+v", out[0])
	}
	if out[0].GroupID != "" {
		t.Errorf("private message carries group id %q", out[0].GroupID)
	}
	if out[0].ClientMsgID != sent.ID {
		t.Errorf("clientMsgId = %q, want %q", out[0].ClientMsgID, sent.ID)
	}

	te.MergeIncomingMessage(MessageEvent{
		ID: "m2", Type: MessagePrivate, SenderID: "u2", Text: "hello", CreatedAt: baseTime.Add(time.Second),
	})

	if n := te.sink.count(); n != 0 {
		t.Errorf("alerts = %d, want 0 while chat with sender is open", n)
	}
	c = mustChat(t, te.Engine, "c1")
	if len(c.Messages) != 2 {
		t.Fatalf("window length = %d, want 2", len(c.Messages))
	}
	assertAscending(t, c.Messages)
	if c.Messages[1].ID != "m2" || c.LastMessage == nil || c.LastMessage.ID != "m2" {
		t.Errorf("last message = %+v", c.LastMessage)
	}
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for open chat", c.UnreadCount)
	}
}

// ============================================================================
// MergeIncomingMessage
// ============================================================================

func TestMergeIncomingMessage(t *testing.T) {
	t.Run("repeated ids kept once", func(t *testing.T) {
		te := newTestEngine(t, nil)
		signInWithChats(t, te)
		for range 3 {
			te.MergeIncomingMessage(pushPrivate("m1", "u2", "", 1))
		}
		c := mustChat(t, te.Engine, "c1")
		if len(c.Messages) != 1 {
			t.Fatalf("window length = %d, want 1", len(c.Messages))
		}
		if c.UnreadCount != 1 {
			t.Errorf("unread = %d, want 1", c.UnreadCount)
		}
		if got := counterValue(t, te.reg, "rcchat_messages_duplicate_total"); got != 2 {
			t.Errorf("duplicates = %v, want 2", got)
		}
		if n := te.sink.count(); n != 1 {
			t.Errorf("alerts = %d, want 1", n)
		}
	})

	t.Run("out of order delivery sorted", func(t *testing.T) {
		te := newTestEngine(t, nil)
		signInWithChats(t, te)
		for _, ev := range []MessageEvent{
			pushPrivate("m3", "u2", "", 3),
			pushPrivate("m1", "u2", "", 1),
			pushPrivate("m2", "u1", "u2", 2),
		} {
			te.MergeIncomingMessage(ev)
		}
		c := mustChat(t, te.Engine, "c1")
		assertAscending(t, c.Messages)
		ids := []string{c.Messages[0].ID, c.Messages[1].ID, c.Messages[2].ID}
		if !slices.Equal(ids, []string{"m1", "m2", "m3"}) {
			t.Errorf("order = %v", ids)
		}
		if c.LastMessage.ID != "m3" {
			t.Errorf("last message = %s, want m3", c.LastMessage.ID)
		}
	})

	t.Run("own echo resolves by recipient", func(t *testing.T) {
		te := newTestEngine(t, nil)
		signInWithChats(t, te)
		te.MergeIncomingMessage(pushPrivate("m1", "u1", "u2", 1))
		c := mustChat(t, te.Engine, "c1")
		if len(c.Messages) != 1 {
			t.Fatalf("window length = %d, want 1", len(c.Messages))
		}
		if c.UnreadCount != 0 {
			t.Errorf("own message counted unread")
		}
		if n := te.sink.count(); n != 0 {
			t.Errorf("own message alerted")
		}
	})

	t.Run("unknown conversation dropped", func(t *testing.T) {
		te := newTestEngine(t, nil)
		signInWithChats(t, te)
		before := len(te.State().Chats)
		te.MergeIncomingMessage(pushPrivate("m1", "u9", "", 1))
		te.MergeIncomingMessage(MessageEvent{ID: "m2", Type: MessageGroup, GroupID: "g9", SenderID: "u2", CreatedAt: at(2)})
		if got := len(te.State().Chats); got != before {
			t.Errorf("chats = %d, want %d", got, before)
		}
		if got := counterValue(t, te.reg, "rcchat_events_dropped_total"); got != 2 {
			t.Errorf("dropped = %v, want 2", got)
		}
		if n := te.sink.count(); n != 0 {
			t.Errorf("orphan message alerted")
		}
	})

	t.Run("group message always alerts", func(t *testing.T) {
		te := newTestEngine(t, nil)
		signInWithChats(t, te)
		te.SetOpenConversation("g1")
		te.MergeIncomingMessage(MessageEvent{ID: "m1", Type: MessageGroup, GroupID: "g1", SenderID: "u3", Text: "yo", CreatedAt: at(1)})
		c := mustChat(t, te.Engine, "g1")
		if len(c.Messages) != 1 {
			t.Fatalf("group window = %d, want 1", len(c.Messages))
		}
		if c.UnreadCount != 0 {
			t.Errorf("unread on open group = %d", c.UnreadCount)
		}
		if n := te.sink.count(); n != 1 {
			t.Errorf("alerts = %d, want 1", n)
		}
	})

	t.Run("alert names the sender", func(t *testing.T) {
		te := newTestEngine(t, nil)
		signInWithChats(t, te)
		te.MergeIncomingMessage(pushPrivate("m1", "u2", "", 1))
		te.sink.mu.Lock()
		defer te.sink.mu.Unlock()
		if len(te.sink.alerts) != 1 || te.sink.alerts[0].Title != "New message from Bea" {
			t.Errorf("alerts = %+v", te.sink.alerts)
		}
	})

	t.Run("pending send reconciled", func(t *testing.T) {
		te := newTestEngine(t, nil)
		signInWithChats(t, te)
		local, err := te.SendMessage(context.Background(), "c1", "hi")
		if err != nil {
			t.Fatal(err)
		}
		echo := pushPrivate("srv-1", "u1", "u2", 5)
		echo.ClientMsgID = local.ID
		te.MergeIncomingMessage(echo)

		c := mustChat(t, te.Engine, "c1")
		if len(c.Messages) != 1 {
			t.Fatalf("window = %+v, want the confirmed message only", c.Messages)
		}
		got := c.Messages[0]
		if got.ID != "srv-1" || got.ClientID != "" || !got.Timestamp.Equal(at(5)) {
			t.Errorf("reconciled = %+v", got)
		}
		if c.LastMessage == nil || c.LastMessage.ID != "srv-1" {
			t.Errorf("last message = %+v", c.LastMessage)
		}
	})

	t.Run("persisted", func(t *testing.T) {
		te := newTestEngine(t, nil)
		signInWithChats(t, te)
		te.MergeIncomingMessage(pushPrivate("m1", "u2", "", 1))
		snap, _ := te.store.Load(context.Background())
		i := slices.IndexFunc(snap.Chats, func(c Chat) bool { return c.ID == "c1" })
		if i < 0 || len(snap.Chats[i].Messages) != 1 {
			t.Errorf("stored chats = %+v", snap.Chats)
		}
	})
}

// ============================================================================
// LoadChatList
// ============================================================================

func TestLoadChatList(t *testing.T) {
	t.Run("builds chats and merges users", func(t *testing.T) {
		te := newTestEngine(t, nil)
		ctx := context.Background()
		te.SignIn(ctx, User{ID: "u1"})
		te.MergeUsers(ctx, User{ID: "u2", Phone: "555", Username: "bea"})
		last := msg("m9", "u2", 9)
		te.gw.chatList = &ChatList{
			GroupChats: []RemoteGroupChat{{
				Group: Group{ID: "g1", Name: "gophers", Members: []string{"u1", "u3"}, CreatedAt: at(1)},
			}},
			DirectChats: []RemoteDirectChat{
				{ID: "c1", User: &User{ID: "u2", Name: "Bea"}, LastMessage: &last},
				{ID: "c2"},
			},
		}
		if err := te.LoadChatList(ctx); err != nil {
			t.Fatal(err)
		}

		s := te.State()
		if len(s.Chats) != 2 {
			t.Fatalf("chats = %d, want 2 (record without user skipped)", len(s.Chats))
		}
		g := mustChat(t, te.Engine, "g1")
		if g.Kind != ChatGroup || g.GroupID != "g1" || !g.UpdatedAt.Equal(at(1)) || !slices.Equal(g.Participants, []string{"u1", "u3"}) {
			t.Errorf("group chat = %+v", g)
		}
		d := mustChat(t, te.Engine, "c1")
		if d.Kind != ChatDirect || !slices.Equal(d.Participants, []string{"u1", "u2"}) {
			t.Errorf("direct chat = %+v", d)
		}
		if d.LastMessage == nil || d.LastMessage.ID != "m9" || len(d.Messages) != 0 {
			t.Errorf("direct chat should carry only its last message: %+v", d)
		}

		u, ok := s.User("u2")
		if !ok {
			t.Fatal("u2 not merged")
		}
		if u.Name != "Bea" || u.Phone != "555" || u.Username != "bea" {
			t.Errorf("merged user = %+v", u)
		}
		if _, ok := s.Group("g1"); !ok {
			t.Error("group not merged into groups")
		}
	})

	t.Run("failure keeps state", func(t *testing.T) {
		te := newTestEngine(t, nil)
		signInWithChats(t, te)
		te.gw.chatListErr = errors.New("boom")
		if err := te.LoadChatList(context.Background()); err == nil {
			t.Fatal("expected error")
		}
		if got := len(te.State().Chats); got != 2 {
			t.Errorf("chats = %d, want 2", got)
		}
	})

	t.Run("loaded window survives reload", func(t *testing.T) {
		te := newTestEngine(t, nil)
		signInWithChats(t, te)
		te.MergeIncomingMessage(pushPrivate("m1", "u2", "", 1))
		if err := te.LoadChatList(context.Background()); err != nil {
			t.Fatal(err)
		}
		if c := mustChat(t, te.Engine, "c1"); len(c.Messages) != 1 || c.LastMessage.ID != "m1" {
			t.Errorf("chat after reload = %+v", c)
		}
	})

	t.Run("placeholder replaced by server chat for the same peer", func(t *testing.T) {
		te := newTestEngine(t, nil)
		ctx := context.Background()
		te.SignIn(ctx, User{ID: "u1"})
		id, err := te.StartDirectChat(ctx, "u5")
		if err != nil {
			t.Fatal(err)
		}
		te.SetOpenConversation(id)
		if _, err := te.OpenConversation(ctx, id, PageOptions{}); err != nil {
			t.Fatal(err)
		}
		if _, err := te.SendMessage(ctx, id, "hi"); err != nil {
			t.Fatal(err)
		}

		te.gw.chatList = &ChatList{DirectChats: []RemoteDirectChat{{ID: "c5", User: &User{ID: "u5"}}}}
		if err := te.LoadChatList(ctx); err != nil {
			t.Fatal(err)
		}

		s := te.State()
		if _, ok := s.Chat(id); ok {
			t.Errorf("placeholder %s still listed", id)
		}
		if s.OpenChatID != "c5" {
			t.Errorf("open chat = %q, want c5", s.OpenChatID)
		}
		if st := te.LoadStatus("c5"); st != LoadLoaded {
			t.Errorf("status = %s, want loaded", st)
		}
		c := mustChat(t, te.Engine, "c5")
		if len(c.Messages) != 1 || c.Messages[0].Content != "hi" {
			t.Fatalf("window = %+v", c.Messages)
		}

		te.MergeIncomingMessage(pushPrivate("m7", "u5", "u1", 7))
		c = mustChat(t, te.Engine, "c5")
		if len(c.Messages) != 2 || c.UnreadCount != 0 {
			t.Errorf("after push: %d messages, unread %d", len(c.Messages), c.UnreadCount)
		}
	})

	t.Run("requires sign in", func(t *testing.T) {
		te := newTestEngine(t, nil)
		if err := te.LoadChatList(context.Background()); !errors.Is(err, ErrNotSignedIn) {
			t.Errorf("err = %v", err)
		}
	})
}

// ============================================================================
// OpenConversation
// ============================================================================

// pagedHistory serves 40 messages m01..m40 in pages, newest first.
func pagedHistory(ref ConversationRef, before string, limit int) ([]Message, error) {
	var all []Message
	for i := 1; i <= 40; i++ {
		all = append(all, msg(fmt.Sprintf("m%02d", i), "u2", i))
	}
	end := len(all)
	if before != "" {
		end = slices.IndexFunc(all, func(m Message) bool { return m.ID == before })
		if end < 0 {
			return nil, nil
		}
	}
	start := max(end-limit, 0)
	return all[start:end], nil
}

func TestOpenConversation(t *testing.T) {
	t.Run("pagination", func(t *testing.T) {
		te := newTestEngine(t, &fakeGateway{pageFn: pagedHistory})
		signInWithChats(t, te)
		ctx := context.Background()

		window, err := te.OpenConversation(ctx, "c1", PageOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(window) != 20 || window[0].ID != "m21" {
			t.Fatalf("first page = %d messages starting %s", len(window), window[0].ID)
		}
		if st := te.LoadStatus("c1"); st != LoadLoaded {
			t.Errorf("status = %s, want loaded", st)
		}

		window, err = te.OpenConversation(ctx, "c1", PageOptions{Before: window[0].ID, Limit: 20})
		if err != nil {
			t.Fatal(err)
		}
		if len(window) != 40 {
			t.Fatalf("window = %d, want 40", len(window))
		}
		assertAscending(t, window)
		if window[0].ID != "m01" || window[39].ID != "m40" {
			t.Errorf("window spans %s..%s", window[0].ID, window[39].ID)
		}
	})

	t.Run("load older uses oldest id", func(t *testing.T) {
		var befores []string
		var mu sync.Mutex
		gw := &fakeGateway{pageFn: func(ref ConversationRef, before string, limit int) ([]Message, error) {
			mu.Lock()
			befores = append(befores, before)
			mu.Unlock()
			return pagedHistory(ref, before, limit)
		}}
		te := newTestEngine(t, gw)
		signInWithChats(t, te)
		ctx := context.Background()

		if _, err := te.LoadOlder(ctx, "c1", 10); err != nil {
			t.Fatal(err)
		}
		window, err := te.LoadOlder(ctx, "c1", 10)
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(befores, []string{"", "m31"}) {
			t.Errorf("cursors = %v", befores)
		}
		if len(window) != 20 || window[0].ID != "m21" {
			t.Errorf("window = %d from %s", len(window), window[0].ID)
		}
	})

	t.Run("initial load resets unread", func(t *testing.T) {
		te := newTestEngine(t, &fakeGateway{pageFn: pagedHistory})
		signInWithChats(t, te)
		te.MergeIncomingMessage(pushPrivate("m40", "u2", "", 40))
		if c := mustChat(t, te.Engine, "c1"); c.UnreadCount != 1 {
			t.Fatalf("unread = %d", c.UnreadCount)
		}
		if _, err := te.OpenConversation(context.Background(), "c1", PageOptions{}); err != nil {
			t.Fatal(err)
		}
		c := mustChat(t, te.Engine, "c1")
		if c.UnreadCount != 0 {
			t.Errorf("unread = %d, want 0", c.UnreadCount)
		}
		if len(c.Messages) != 20 {
			t.Errorf("window = %d, want 20 (pushed m40 deduplicated)", len(c.Messages))
		}
	})

	t.Run("group routed by group id", func(t *testing.T) {
		var got ConversationRef
		gw := &fakeGateway{pageFn: func(ref ConversationRef, before string, limit int) ([]Message, error) {
			got = ref
			return nil, nil
		}}
		te := newTestEngine(t, gw)
		signInWithChats(t, te)
		te.OpenConversation(context.Background(), "g1", PageOptions{})
		if got.Kind != ChatGroup || got.GroupID != "g1" || got.UserID != "u1" {
			t.Errorf("ref = %+v", got)
		}
	})

	t.Run("failure keeps window", func(t *testing.T) {
		fail := false
		gw := &fakeGateway{pageFn: func(ref ConversationRef, before string, limit int) ([]Message, error) {
			if fail {
				return nil, errors.New("network down")
			}
			return pagedHistory(ref, before, limit)
		}}
		te := newTestEngine(t, gw)
		signInWithChats(t, te)
		ctx := context.Background()

		first, _ := te.OpenConversation(ctx, "c1", PageOptions{})
		fail = true
		window, err := te.OpenConversation(ctx, "c1", PageOptions{Before: first[0].ID})
		if err != nil {
			t.Fatalf("err = %v, want nil", err)
		}
		if len(window) != len(first) {
			t.Errorf("window = %d, want %d", len(window), len(first))
		}
		if st := te.LoadStatus("c1"); st != LoadLoaded {
			t.Errorf("status = %s, want loaded", st)
		}
		if got := counterValue(t, te.reg, "rcchat_gateway_failures_total"); got != 1 {
			t.Errorf("gateway failures = %v", got)
		}
	})

	t.Run("failed initial load restores status", func(t *testing.T) {
		gw := &fakeGateway{pageFn: func(ConversationRef, string, int) ([]Message, error) {
			return nil, errors.New("boom")
		}}
		te := newTestEngine(t, gw)
		signInWithChats(t, te)
		window, err := te.OpenConversation(context.Background(), "c1", PageOptions{})
		if err != nil || len(window) != 0 {
			t.Errorf("window = %v, err = %v", window, err)
		}
		if st := te.LoadStatus("c1"); st != LoadUnloaded {
			t.Errorf("status = %s, want unloaded", st)
		}
	})

	t.Run("concurrent opens share one fetch", func(t *testing.T) {
		release := make(chan struct{})
		gw := &fakeGateway{pageFn: func(ref ConversationRef, before string, limit int) ([]Message, error) {
			<-release
			return pagedHistory(ref, before, limit)
		}}
		te := newTestEngine(t, gw)
		signInWithChats(t, te)

		var wg sync.WaitGroup
		results := make([][]Message, 5)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], _ = te.OpenConversation(context.Background(), "c1", PageOptions{})
			}()
		}
		deadline := time.Now().Add(time.Second)
		for te.LoadStatus("c1") != LoadLoading && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		if n := gw.fetchCalls.Load(); n != 1 {
			t.Errorf("fetches = %d, want 1", n)
		}
		for i, r := range results {
			if len(r) != 20 {
				t.Errorf("caller %d got %d messages", i, len(r))
			}
		}
	})

	t.Run("push during initial load survives", func(t *testing.T) {
		release := make(chan struct{})
		gw := &fakeGateway{pageFn: func(ConversationRef, string, int) ([]Message, error) {
			<-release
			return []Message{msg("m1", "u2", 1), msg("m2", "u2", 2)}, nil
		}}
		te := newTestEngine(t, gw)
		signInWithChats(t, te)

		done := make(chan error, 1)
		go func() {
			_, err := te.OpenConversation(context.Background(), "c1", PageOptions{})
			done <- err
		}()
		waitFor(t, func() bool { return te.LoadStatus("c1") == LoadLoading })
		te.MergeIncomingMessage(pushPrivate("m3", "u2", "", 3))
		close(release)
		if err := <-done; err != nil {
			t.Fatal(err)
		}
		te.MergeIncomingMessage(pushPrivate("m4", "u2", "", 4))

		c := mustChat(t, te.Engine, "c1")
		assertAscending(t, c.Messages)
		var ids []string
		for _, m := range c.Messages {
			ids = append(ids, m.ID)
		}
		if want := []string{"m1", "m2", "m3", "m4"}; !slices.Equal(ids, want) {
			t.Errorf("window = %v, want %v", ids, want)
		}
		if c.LastMessage == nil || c.LastMessage.ID != "m4" {
			t.Errorf("last message = %+v", c.LastMessage)
		}
	})

	t.Run("initial load replaces older stale messages", func(t *testing.T) {
		te := newTestEngine(t, &fakeGateway{pageFn: pagedHistory})
		signInWithChats(t, te)
		te.MergeIncomingMessage(pushPrivate("stale", "u2", "", 5))
		window, err := te.OpenConversation(context.Background(), "c1", PageOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if len(window) != 20 || window[0].ID != "m21" {
			t.Errorf("window = %d from %s", len(window), window[0].ID)
		}
	})

	t.Run("unknown chat", func(t *testing.T) {
		te := newTestEngine(t, nil)
		signInWithChats(t, te)
		if _, err := te.OpenConversation(context.Background(), "nope", PageOptions{}); !errors.Is(err, ErrUnknownConversation) {
			t.Errorf("err = %v", err)
		}
	})
}

// ============================================================================
// SendMessage
// ============================================================================

func TestSendMessage(t *testing.T) {
	t.Run("send failure stays visible", func(t *testing.T) {
		te := newTestEngine(t, &fakeGateway{sendErr: ErrNotConnected})
		signInWithChats(t, te)
		if _, err := te.SendMessage(context.Background(), "c1", "still here"); err != nil {
			t.Fatalf("err = %v", err)
		}
		c := mustChat(t, te.Engine, "c1")
		if len(c.Messages) != 1 || c.Messages[0].Content != "still here" {
			t.Errorf("window = %+v", c.Messages)
		}
	})

	t.Run("empty text rejected", func(t *testing.T) {
		te := newTestEngine(t, nil)
		signInWithChats(t, te)
		if _, err := te.SendMessage(context.Background(), "c1", "  \n\t"); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("err = %v", err)
		}
		if c := mustChat(t, te.Engine, "c1"); len(c.Messages) != 0 {
			t.Errorf("window changed")
		}
		if len(te.gw.sentMessages()) != 0 {
			t.Errorf("gateway called")
		}
	})

	t.Run("surrounding whitespace trimmed", func(t *testing.T) {
		te := newTestEngine(t, nil)
		signInWithChats(t, te)
		sent, err := te.SendMessage(context.Background(), "c1", "  hi \n")
		if err != nil {
			t.Fatal(err)
		}
		if sent.Content != "hi" {
			t.Errorf("stored content = %q", sent.Content)
		}
		if c := mustChat(t, te.Engine, "c1"); len(c.Messages) != 1 || c.Messages[0].Content != "hi" {
			t.Errorf("window = %+v", c.Messages)
		}
		if out := te.gw.sentMessages(); len(out) != 1 || out[0].Message != "hi" {
			t.Errorf("outbound = %+v", out)
		}
	})

	t.Run("signed out rejected", func(t *testing.T) {
		te := newTestEngine(t, nil)
		if _, err := te.SendMessage(context.Background(), "c1", "hi"); !errors.Is(err, ErrNotSignedIn) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("group framing", func(t *testing.T) {
		te := newTestEngine(t, nil)
		signInWithChats(t, te)
		if _, err := te.SendMessage(context.Background(), "g1", "all"); err != nil {
			t.Fatal(err)
		}
		out := te.gw.sentMessages()[0]
		if out.Type != MessageGroup || out.GroupID != "g1" || out.ToUserID != "" {
			t.Errorf("outbound = %+v", out)
		}
		if len(te.gw.stopSignals()) != 0 {
			t.Errorf("group send sent stop-typing")
		}
	})

	t.Run("stops typing to peer", func(t *testing.T) {
		te := newTestEngine(t, nil)
		signInWithChats(t, te)
		te.SendMessage(context.Background(), "c1", "hi")
		stops := te.gw.stopSignals()
		if len(stops) != 1 || stops[0] != (TypingSignal{FromUserID: "u1", ToUserID: "u2"}) {
			t.Errorf("stop signals = %+v", stops)
		}
	})
}

// ============================================================================
// Navigation, chats and lifecycle
// ============================================================================

func TestSetOpenConversation(t *testing.T) {
	te := newTestEngine(t, nil)
	signInWithChats(t, te)
	te.MergeIncomingMessage(pushPrivate("m1", "u2", "", 1))

	te.SetOpenConversation("c1")
	s := te.State()
	if s.OpenChatID != "c1" || s.OpenPeerID != "u2" {
		t.Errorf("open = %s/%s", s.OpenChatID, s.OpenPeerID)
	}
	if c := mustChat(t, te.Engine, "c1"); c.UnreadCount != 0 {
		t.Errorf("unread = %d", c.UnreadCount)
	}

	te.SetOpenConversation("g1")
	if s := te.State(); s.OpenPeerID != "" {
		t.Errorf("group set peer %q", s.OpenPeerID)
	}

	te.ClearOpenConversation()
	if s := te.State(); s.OpenChatID != "" || s.OpenPeerID != "" {
		t.Errorf("not cleared: %s/%s", s.OpenChatID, s.OpenPeerID)
	}
}

func TestStartChats(t *testing.T) {
	t.Run("direct placeholder", func(t *testing.T) {
		te := newTestEngine(t, nil)
		ctx := context.Background()
		te.SignIn(ctx, User{ID: "u1"})
		id, err := te.StartDirectChat(ctx, "u5")
		if err != nil {
			t.Fatal(err)
		}
		if id != "chat_u1_u5" {
			t.Errorf("id = %s", id)
		}
		again, _ := te.StartDirectChat(ctx, "u5")
		if again != id || len(te.State().Chats) != 1 {
			t.Errorf("second start created another chat")
		}
	})

	t.Run("existing direct chat reused", func(t *testing.T) {
		te := newTestEngine(t, nil)
		signInWithChats(t, te)
		id, _ := te.StartDirectChat(context.Background(), "u2")
		if id != "c1" {
			t.Errorf("id = %s, want c1", id)
		}
	})

	t.Run("random", func(t *testing.T) {
		te := newTestEngine(t, &fakeGateway{random: &User{ID: "u7", Username: "stranger"}})
		ctx := context.Background()
		te.SignIn(ctx, User{ID: "u1"})
		id, err := te.StartRandomChat(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if id != "random_u1_u7" {
			t.Errorf("id = %s", id)
		}
		c := mustChat(t, te.Engine, id)
		if c.Kind != ChatRandom || c.Peer("u1") != "u7" {
			t.Errorf("chat = %+v", c)
		}
		if _, ok := te.State().User("u7"); !ok {
			t.Error("matched user not merged")
		}
	})

	t.Run("random failure", func(t *testing.T) {
		te := newTestEngine(t, &fakeGateway{randomErr: errors.New("no match")})
		te.SignIn(context.Background(), User{ID: "u1"})
		if _, err := te.StartRandomChat(context.Background()); err == nil {
			t.Error("expected error")
		}
		if len(te.State().Chats) != 0 {
			t.Error("chat created on failure")
		}
	})
}

func TestSignOutAndRestore(t *testing.T) {
	te := newTestEngine(t, nil)
	signInWithChats(t, te)
	ctx := context.Background()
	te.MergeIncomingMessage(pushPrivate("m1", "u2", "", 1))
	te.OnPeerOnline("u2")

	restored := NewEngine(&fakeGateway{}, te.store)
	defer restored.Close()
	if err := restored.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	s := restored.State()
	if s.CurrentUser == nil || s.CurrentUser.ID != "u1" {
		t.Fatalf("current user = %+v", s.CurrentUser)
	}
	if c, ok := s.Chat("c1"); !ok || len(c.Messages) != 1 {
		t.Errorf("restored chat = %+v", c)
	}
	if restored.IsOnline("u2") {
		t.Error("presence must not be persisted")
	}

	te.SignOut(ctx)
	if s := te.State(); s.CurrentUser != nil || len(s.Chats) != 0 || te.IsOnline("u2") {
		t.Errorf("state after sign out = %+v", s)
	}
	snap, _ := te.store.Load(ctx)
	if snap.CurrentUser != nil || len(snap.Chats) != 0 {
		t.Errorf("store after sign out = %+v", snap)
	}
}

func TestWatch(t *testing.T) {
	te := newTestEngine(t, nil)
	w := te.Watch(1)
	te.OnPeerOnline("u2")
	te.OnPeerOnline("u3")

	select {
	case s := <-w.C:
		if _, ok := s.Online["u3"]; !ok {
			t.Errorf("watcher did not get the latest state: %v", s.Online)
		}
	case <-time.After(time.Second):
		t.Fatal("no state delivered")
	}

	w.Stop()
	w.Stop()
	if _, ok := <-w.C; ok {
		t.Error("channel open after Stop")
	}
}

func TestRun(t *testing.T) {
	gw := &fakeGateway{}
	te := newTestEngine(t, gw)
	signInWithChats(t, te)
	sub := gw.Subscribe(8)

	done := make(chan error, 1)
	go func() { done <- te.Run(context.Background(), sub) }()

	sub.c <- Event{Kind: EventUserOnline, UserID: "u2"}
	sub.c <- Event{Kind: EventTyping, UserID: "u2"}
	sub.c <- Event{Kind: EventMessage, Message: &MessageEvent{ID: "m1", Type: MessagePrivate, SenderID: "u2", CreatedAt: at(1)}}
	sub.c <- Event{Kind: EventStopTyping, UserID: "u2"}
	sub.Unsubscribe()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after unsubscribe")
	}

	if !te.IsOnline("u2") || te.IsTyping("u2") {
		t.Errorf("online=%v typing=%v", te.IsOnline("u2"), te.IsTyping("u2"))
	}
	if c := mustChat(t, te.Engine, "c1"); len(c.Messages) != 1 {
		t.Errorf("message not applied")
	}
}
