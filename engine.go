package rcchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// State
// ============================================================================

// LoadStatus tracks the history load of one conversation.
type LoadStatus string

const (
	LoadUnloaded LoadStatus = "unloaded"
	LoadLoading  LoadStatus = "loading"
	LoadLoaded   LoadStatus = "loaded"
)

// State is an immutable view of everything the engine knows. Callers must
// not modify it.
type State struct {
	CurrentUser *User
	Users       []User
	Groups      []Group
	Chats       []Chat

	Online map[string]struct{}
	Typing map[string]struct{}

	OpenChatID string
	OpenPeerID string
	Loads      map[string]LoadStatus
}

func (s *State) clone() *State {
	cp := *s
	return &cp
}

func (s *State) chatIndex(id string) int {
	return slices.IndexFunc(s.Chats, func(c Chat) bool { return c.ID == id })
}

// Chat returns the chat with id.
func (s *State) Chat(id string) (Chat, bool) {
	if i := s.chatIndex(id); i >= 0 {
		return s.Chats[i], true
	}
	return Chat{}, false
}

// User returns the known user with id.
func (s *State) User(id string) (User, bool) {
	if s.CurrentUser != nil && s.CurrentUser.ID == id {
		return *s.CurrentUser, true
	}
	if i := slices.IndexFunc(s.Users, func(u User) bool { return u.ID == id }); i >= 0 {
		return s.Users[i], true
	}
	return User{}, false
}

// Group returns the known group with id.
func (s *State) Group(id string) (Group, bool) {
	if i := slices.IndexFunc(s.Groups, func(g Group) bool { return g.ID == id }); i >= 0 {
		return s.Groups[i], true
	}
	return Group{}, false
}

// LoadStatus returns the history load status of chat id.
func (s *State) LoadStatus(id string) LoadStatus {
	if st, ok := s.Loads[id]; ok {
		return st
	}
	return LoadUnloaded
}

// displayName resolves a sender label from known users.
func (s *State) displayName(id string) string {
	if u, ok := s.User(id); ok {
		return u.DisplayName()
	}
	return (*User)(nil).DisplayName()
}

// ============================================================================
// Options
// ============================================================================

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithNotificationPolicy(p *NotificationPolicy) EngineOption {
	return func(e *Engine) { e.policy = p }
}

func WithTypingTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.typingDelay = d }
}

// WithSearchCache overrides the search TTL and debounce.
func WithSearchCache(ttl, debounce time.Duration) EngineOption {
	return func(e *Engine) { e.searchTTL, e.searchDebounce = ttl, debounce }
}

func withClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// ============================================================================
// Engine
// ============================================================================

// Engine reconciles paginated history, pushed events and local actions into
// one ordered, de-duplicated timeline per conversation.
//
// Writers are serialized; readers use State and never block.
type Engine struct {
	gw      Gateway
	store   SnapshotStore
	policy  *NotificationPolicy
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu        sync.Mutex
	state     atomic.Pointer[State]
	persistMu sync.Mutex
	fetches   singleflight.Group

	typingDelay time.Duration
	typing      *typingTimers

	searchTTL      time.Duration
	searchDebounce time.Duration
	userSearch     *SearchCache[User]
	groupSearch    *SearchCache[Group]
	hitSearch      *SearchCache[SearchHit]

	watchMu   sync.Mutex
	watchers  map[uint64]*Watcher
	nextWatch uint64
}

// NewEngine creates an engine with empty state. A nil store keeps state in
// memory only.
func NewEngine(gw Gateway, store SnapshotStore, opts ...EngineOption) *Engine {
	e := &Engine{
		gw:          gw,
		store:       store,
		now:         time.Now,
		typingDelay: DefaultTypingTimeout,
		watchers:    make(map[uint64]*Watcher),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = discardLogger()
	}
	if e.store == nil {
		e.store = NewMemoryStore()
	}
	if e.policy == nil {
		e.policy = NewNotificationPolicy(LogSink{Logger: e.log}, e.log, e.metrics)
	}
	e.typing = newTypingTimers(e.typingDelay)
	e.userSearch = NewSearchCache[User](e.searchTTL, e.searchDebounce, e.log)
	e.groupSearch = NewSearchCache[Group](e.searchTTL, e.searchDebounce, e.log)
	e.hitSearch = NewSearchCache[SearchHit](e.searchTTL, e.searchDebounce, e.log)
	e.state.Store(&State{})
	return e
}

// State returns the current immutable state.
func (e *Engine) State() *State {
	return e.state.Load()
}

// Chat returns a chat by id.
func (e *Engine) Chat(id string) (Chat, bool) {
	return e.state.Load().Chat(id)
}

// LoadStatus returns the history load status of a chat.
func (e *Engine) LoadStatus(id string) LoadStatus {
	return e.state.Load().LoadStatus(id)
}

// Close cancels pending typing timers and closes all watchers.
func (e *Engine) Close() {
	e.typing.stopAll(true)
	e.watchMu.Lock()
	ws := slices.Collect(maps.Values(e.watchers))
	e.watchMu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}

// update applies fn to a copy of the state and publishes it when fn
// reports a change.
func (e *Engine) update(fn func(s *State) bool) *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.state.Load().clone()
	if !fn(next) {
		return nil
	}
	e.publish(next)
	return next
}

// publish must be called with e.mu held.
func (e *Engine) publish(s *State) {
	e.state.Store(s)
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	for _, w := range e.watchers {
		w.offer(s)
	}
}

// ============================================================================
// Watch
// ============================================================================

// Watcher receives each published State. A slow watcher skips intermediate
// states but always gets the latest.
type Watcher struct {
	C <-chan *State

	c    chan *State
	id   uint64
	e    *Engine
	once sync.Once
}

// Watch subscribes to state changes.
func (e *Engine) Watch(buffer int) *Watcher {
	if buffer < 1 {
		buffer = 1
	}
	c := make(chan *State, buffer)
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	e.nextWatch++
	w := &Watcher{C: c, c: c, id: e.nextWatch, e: e}
	e.watchers[w.id] = w
	return w
}

// offer must be called with watchMu held.
func (w *Watcher) offer(s *State) {
	select {
	case w.c <- s:
		return
	default:
	}
	select {
	case <-w.c:
	default:
	}
	select {
	case w.c <- s:
	default:
	}
}

// Stop ends the subscription and closes C. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		w.e.watchMu.Lock()
		delete(w.e.watchers, w.id)
		close(w.c)
		w.e.watchMu.Unlock()
	})
}

// ============================================================================
// Persistence
// ============================================================================

// Saves are best effort and always write the latest state of the slice.

func (e *Engine) persistChats(ctx context.Context) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if err := e.store.SaveChats(ctx, e.state.Load().Chats); err != nil {
		e.metrics.storeFailure(sliceChats)
		e.log.Warn("cannot persist chats", logErr(err))
	}
}

func (e *Engine) persistUsers(ctx context.Context) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if err := e.store.SaveUsers(ctx, e.state.Load().Users); err != nil {
		e.metrics.storeFailure(sliceUsers)
		e.log.Warn("cannot persist users", logErr(err))
	}
}

func (e *Engine) persistGroups(ctx context.Context) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if err := e.store.SaveGroups(ctx, e.state.Load().Groups); err != nil {
		e.metrics.storeFailure(sliceGroups)
		e.log.Warn("cannot persist groups", logErr(err))
	}
}

func (e *Engine) persistCurrentUser(ctx context.Context) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if err := e.store.SaveCurrentUser(ctx, e.state.Load().CurrentUser); err != nil {
		e.metrics.storeFailure(sliceCurrentUser)
		e.log.Warn("cannot persist current user", logErr(err))
	}
}

// ============================================================================
// Identity
// ============================================================================

// Restore loads the persisted snapshot into state. Slices that fail to load
// come back empty; the error is returned after the rest is applied.
func (e *Engine) Restore(ctx context.Context) error {
	snap, err := e.store.Load(ctx)
	if err != nil {
		e.log.Warn("snapshot partially restored", logErr(err))
	}
	e.mu.Lock()
	next := &State{
		CurrentUser: snap.CurrentUser,
		Users:       snap.Users,
		Groups:      snap.Groups,
		Chats:       make([]Chat, 0, len(snap.Chats)),
	}
	for _, c := range snap.Chats {
		c.Messages = normalizeWindow(c.Messages)
		next.Chats = append(next.Chats, c)
	}
	e.publish(next)
	e.mu.Unlock()

	if snap.CurrentUser != nil {
		e.log.Info("snapshot restored", logUser(snap.CurrentUser.ID),
			slog.Int("chats", len(snap.Chats)), slog.Int("users", len(snap.Users)))
	}
	return err
}

// SignIn makes u the current user.
func (e *Engine) SignIn(ctx context.Context, u User) {
	e.update(func(s *State) bool {
		s.CurrentUser = &u
		return true
	})
	e.persistCurrentUser(ctx)
}

// SignOut clears all state, persisted slices included.
func (e *Engine) SignOut(ctx context.Context) {
	e.typing.stopAll(false)
	e.userSearch.Clear()
	e.groupSearch.Clear()
	e.hitSearch.Clear()

	e.mu.Lock()
	e.publish(&State{})
	e.mu.Unlock()

	e.persistCurrentUser(ctx)
	e.persistUsers(ctx)
	e.persistGroups(ctx)
	e.persistChats(ctx)
}

// ============================================================================
// Push merge
// ============================================================================

// resolveChat finds the chat a pushed message belongs to.
func resolveChat(s *State, me string, ev MessageEvent) int {
	if ev.Type == MessageGroup {
		gid := ev.GroupID
		if gid == "" {
			return -1
		}
		return slices.IndexFunc(s.Chats, func(c Chat) bool {
			return c.Kind == ChatGroup && (c.GroupID == gid || c.ID == gid)
		})
	}

	peer := ev.SenderID
	if peer == me {
		peer = ev.ToUserID
	}
	if peer == "" || peer == me {
		return -1
	}
	for _, kind := range []ChatKind{ChatDirect, ChatRandom} {
		i := slices.IndexFunc(s.Chats, func(c Chat) bool {
			return c.Kind == kind && c.HasParticipants(me, peer)
		})
		if i >= 0 {
			return i
		}
	}
	return -1
}

// MergeIncomingMessage applies a pushed message. Messages for unknown
// conversations are dropped.
func (e *Engine) MergeIncomingMessage(ev MessageEvent) {
	ctx := context.Background()

	e.mu.Lock()
	cur := e.state.Load()
	if cur.CurrentUser == nil {
		e.mu.Unlock()
		e.metrics.eventDropped("signed_out")
		return
	}
	me := cur.CurrentUser.ID
	idx := resolveChat(cur, me, ev)
	if idx < 0 {
		e.mu.Unlock()
		e.metrics.eventDropped("unknown_chat")
		e.log.Info("message for unknown chat dropped", logMessage(ev.ID),
			logUser(ev.SenderID), slog.String("group_id", ev.GroupID))
		return
	}

	c := cur.Chats[idx]
	msg := ev.Message()
	known := c.LastMessage
	window, reconciled := reconcileLocal(c.Messages, ev.ClientMsgID, msg)
	inserted := false
	if reconciled {
		if known != nil && known.ClientID == ev.ClientMsgID {
			known = nil
		}
	} else {
		window, inserted = insertMessage(c.Messages, msg)
	}
	if !reconciled && !inserted {
		e.mu.Unlock()
		e.metrics.duplicate()
		return
	}

	fromMe := msg.SenderID == me
	c.Messages = window
	c.LastMessage = latestMessage(window, known)
	c.UpdatedAt = e.now()
	if inserted && !fromMe && cur.OpenChatID != c.ID {
		c.UnreadCount++
	}
	next := cur.clone()
	next.Chats = slices.Clone(cur.Chats)
	next.Chats[idx] = c
	e.publish(next)
	senderName := next.displayName(msg.SenderID)
	openPeer := next.OpenPeerID
	e.mu.Unlock()

	e.metrics.messagesMerged("push", 1)
	e.persistChats(ctx)
	if inserted && !fromMe {
		e.policy.Evaluate(ctx, msg.SenderID, senderName, msg.Content, openPeer)
	}
}

// ============================================================================
// Chat list
// ============================================================================

// mergeUser overlays the non-empty fields of in onto u.
func mergeUser(u, in User) User {
	if in.Name != "" {
		u.Name = in.Name
		u.IsAnonymous = in.IsAnonymous
	}
	if in.Phone != "" {
		u.Phone = in.Phone
	}
	if in.Email != "" {
		u.Email = in.Email
	}
	if in.Username != "" {
		u.Username = in.Username
	}
	if in.Bio != "" {
		u.Bio = in.Bio
	}
	if in.Avatar != "" {
		u.Avatar = in.Avatar
	}
	if in.LastSeen.After(u.LastSeen) {
		u.LastSeen = in.LastSeen
	}
	return u
}

// mergeUsers returns users with incoming merged in by id.
func mergeUsers(users []User, incoming ...User) []User {
	out := slices.Clone(users)
	for _, in := range incoming {
		if in.ID == "" {
			continue
		}
		if i := slices.IndexFunc(out, func(u User) bool { return u.ID == in.ID }); i >= 0 {
			out[i] = mergeUser(out[i], in)
		} else {
			out = append(out, in)
		}
	}
	return out
}

func mergeGroups(groups []Group, incoming ...Group) []Group {
	out := slices.Clone(groups)
	for _, in := range incoming {
		if in.ID == "" {
			continue
		}
		i := slices.IndexFunc(out, func(g Group) bool { return g.ID == in.ID })
		if i < 0 {
			out = append(out, in)
			continue
		}
		g := out[i]
		if in.Name != "" {
			g.Name = in.Name
		}
		if in.Description != "" {
			g.Description = in.Description
		}
		if len(in.Members) > 0 {
			g.Members = slices.Clone(in.Members)
		}
		if in.CreatedBy != "" {
			g.CreatedBy = in.CreatedBy
		}
		if !in.CreatedAt.IsZero() {
			g.CreatedAt = in.CreatedAt
		}
		if in.UpdatedAt.After(g.UpdatedAt) {
			g.UpdatedAt = in.UpdatedAt
		}
		g.IsPrivate = in.IsPrivate
		out[i] = g
	}
	return out
}

// LoadChatList replaces the chat set with the server's view. Chats that
// survive the reload keep their loaded window and unread count.
func (e *Engine) LoadChatList(ctx context.Context) error {
	me := e.state.Load().CurrentUser
	if me == nil {
		return ErrNotSignedIn
	}
	list, err := e.gw.FetchMyChats(ctx, me.ID)
	if err != nil {
		e.metrics.gatewayFailure("my-chats")
		e.log.Warn("cannot load chat list", logUser(me.ID), logErr(err))
		return fmt.Errorf("load chat list: %w", err)
	}

	e.update(func(s *State) bool {
		chats := make([]Chat, 0, len(list.GroupChats)+len(list.DirectChats))
		var groups []Group
		var users []User

		// renamed maps a local placeholder id to the server chat that
		// replaces it.
		renamed := map[string]string{}
		listed := make(map[string]bool, len(list.DirectChats))
		for _, rec := range list.DirectChats {
			listed[rec.ID] = true
		}
		carry := func(c Chat) Chat {
			old, ok := s.Chat(c.ID)
			if !ok && c.Kind == ChatDirect {
				i := slices.IndexFunc(s.Chats, func(o Chat) bool {
					return o.Kind == ChatDirect && !listed[o.ID] && o.HasParticipants(c.Participants...)
				})
				if i >= 0 {
					old, ok = s.Chats[i], true
					renamed[old.ID] = c.ID
				}
			}
			if ok {
				c.Messages = old.Messages
				c.UnreadCount = old.UnreadCount
			}
			c.LastMessage = latestMessage(c.Messages, c.LastMessage)
			return c
		}

		for _, rec := range list.GroupChats {
			g := rec.Group
			groups = append(groups, g)
			chats = append(chats, carry(Chat{
				ID:           g.ID,
				Kind:         ChatGroup,
				Participants: slices.Clone(g.Members),
				GroupID:      g.ID,
				LastMessage:  rec.LastMessage,
				UpdatedAt:    g.CreatedAt,
			}))
		}
		for _, rec := range list.DirectChats {
			if rec.User == nil {
				continue
			}
			users = append(users, *rec.User)
			updated := e.now()
			if rec.LastMessage != nil && !rec.LastMessage.Timestamp.IsZero() {
				updated = rec.LastMessage.Timestamp
			}
			chats = append(chats, carry(Chat{
				ID:           rec.ID,
				Kind:         ChatDirect,
				Participants: []string{me.ID, rec.User.ID},
				LastMessage:  rec.LastMessage,
				UpdatedAt:    updated,
			}))
		}

		loads := make(map[string]LoadStatus, len(s.Loads))
		for _, c := range chats {
			if st, ok := s.Loads[c.ID]; ok {
				loads[c.ID] = st
			}
		}
		for from, to := range renamed {
			if st, ok := s.Loads[from]; ok {
				loads[to] = st
			}
		}
		if to, ok := renamed[s.OpenChatID]; ok {
			s.OpenChatID = to
		}

		s.Chats = chats
		s.Loads = loads
		s.Users = mergeUsers(s.Users, users...)
		s.Groups = mergeGroups(s.Groups, groups...)
		return true
	})

	e.log.Debug("chat list loaded", logUser(me.ID),
		slog.Int("groups", len(list.GroupChats)), slog.Int("direct", len(list.DirectChats)))
	e.persistUsers(ctx)
	e.persistGroups(ctx)
	e.persistChats(ctx)
	return nil
}

// ============================================================================
// History
// ============================================================================

// PageOptions selects a page of history. An empty Before loads the most
// recent page.
type PageOptions struct {
	Before string
	Limit  int
}

// OpenConversation loads a page of history into chatID and returns the
// resulting window. Gateway failures are logged and leave the window as it
// was. Concurrent calls for the same chat share one fetch.
func (e *Engine) OpenConversation(ctx context.Context, chatID string, opts PageOptions) ([]Message, error) {
	s := e.state.Load()
	if s.CurrentUser == nil {
		return nil, ErrNotSignedIn
	}
	if _, ok := s.Chat(chatID); !ok {
		return nil, ErrUnknownConversation
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	v, _, _ := e.fetches.Do(chatID, func() (any, error) {
		return e.fetchPage(ctx, chatID, opts), nil
	})
	window, _ := v.([]Message)
	return window, nil
}

func (e *Engine) setLoadStatus(chatID string, st LoadStatus) LoadStatus {
	var prev LoadStatus
	e.update(func(s *State) bool {
		prev = s.LoadStatus(chatID)
		if prev == st {
			return false
		}
		loads := maps.Clone(s.Loads)
		if loads == nil {
			loads = make(map[string]LoadStatus)
		}
		loads[chatID] = st
		s.Loads = loads
		return true
	})
	return prev
}

func (e *Engine) fetchPage(ctx context.Context, chatID string, opts PageOptions) []Message {
	s := e.state.Load()
	c, ok := s.Chat(chatID)
	if !ok || s.CurrentUser == nil {
		return nil
	}
	ref := ConversationRef{ChatID: c.ID, Kind: c.Kind, GroupID: c.GroupID, UserID: s.CurrentUser.ID}

	prev := e.setLoadStatus(chatID, LoadLoading)
	page, err := e.gw.FetchPage(ctx, ref, opts.Before, opts.Limit)
	if err != nil {
		e.setLoadStatus(chatID, prev)
		e.metrics.gatewayFailure("fetch-page")
		e.log.Warn("cannot load history", logChat(chatID), slog.String("before", opts.Before), logErr(err))
		cur, _ := e.state.Load().Chat(chatID)
		return cur.Messages
	}

	var window []Message
	added := 0
	e.update(func(s *State) bool {
		i := s.chatIndex(chatID)
		if i < 0 {
			return false
		}
		c := s.Chats[i]
		if opts.Before == "" {
			// The page replaces the window, except for sends the server has
			// not echoed yet and messages newer than the page, which arrived
			// while it was in flight.
			fresh := normalizeWindow(page)
			var keep []Message
			for _, m := range c.Messages {
				if m.ClientID != "" || len(fresh) == 0 || compareMessages(m, fresh[len(fresh)-1]) > 0 {
					keep = append(keep, m)
				}
			}
			window, added = mergeMessages(fresh, keep)
			added = len(window) - added
			c.UnreadCount = 0
		} else {
			window, added = mergeMessages(c.Messages, page)
		}
		c.Messages = window
		c.LastMessage = latestMessage(window, c.LastMessage)
		s.Chats = slices.Clone(s.Chats)
		s.Chats[i] = c

		loads := maps.Clone(s.Loads)
		if loads == nil {
			loads = make(map[string]LoadStatus)
		}
		loads[chatID] = LoadLoaded
		s.Loads = loads
		return true
	})
	e.metrics.messagesMerged("page", added)
	e.persistChats(ctx)
	return window
}

// LoadOlder loads the page before the oldest confirmed message of chatID.
func (e *Engine) LoadOlder(ctx context.Context, chatID string, limit int) ([]Message, error) {
	c, ok := e.state.Load().Chat(chatID)
	if !ok {
		return nil, ErrUnknownConversation
	}
	var before string
	for _, m := range c.Messages {
		if m.ClientID == "" {
			before = m.ID
			break
		}
	}
	return e.OpenConversation(ctx, chatID, PageOptions{Before: before, Limit: limit})
}

// ============================================================================
// Sending
// ============================================================================

// SendMessage appends text to chatID locally and hands it to the gateway.
// The local message stays even when the send fails.
func (e *Engine) SendMessage(ctx context.Context, chatID, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	id := uuid.NewString()
	var msg Message
	var chat Chat
	var me string
	e.mu.Lock()
	cur := e.state.Load()
	if cur.CurrentUser == nil {
		e.mu.Unlock()
		return Message{}, ErrNotSignedIn
	}
	me = cur.CurrentUser.ID
	idx := cur.chatIndex(chatID)
	if idx < 0 {
		e.mu.Unlock()
		return Message{}, ErrUnknownConversation
	}
	msg = Message{
		ID:        id,
		SenderID:  me,
		Content:   text,
		Timestamp: e.now(),
		Kind:      MessageText,
		ClientID:  id,
	}
	chat = cur.Chats[idx]
	chat.Messages, _ = insertMessage(chat.Messages, msg)
	chat.LastMessage = latestMessage(chat.Messages, chat.LastMessage)
	chat.UpdatedAt = msg.Timestamp
	next := cur.clone()
	next.Chats = slices.Clone(cur.Chats)
	next.Chats[idx] = chat
	e.publish(next)
	e.mu.Unlock()

	e.metrics.messagesMerged("local", 1)
	e.persistChats(ctx)

	out := OutboundMessage{FromUserID: me, Message: text, ClientMsgID: id}
	peer := chat.Peer(me)
	if chat.Kind.IsPeerToPeer() {
		out.ToUserID = peer
		out.Type = MessagePrivate
	} else {
		out.GroupID = firstNonEmpty(chat.GroupID, chat.ID)
		out.Type = MessageGroup
	}
	if err := e.gw.Send(ctx, out); err != nil {
		e.metrics.gatewayFailure("send")
		e.log.Warn("send failed", logChat(chatID), logMessage(id), logErr(err))
	}
	if peer != "" {
		e.stopTyping(ctx, chatID, peer)
	}
	return msg, nil
}

// ============================================================================
// Navigation
// ============================================================================

// SetOpenConversation records chatID as the conversation on screen. For
// direct and random chats the peer becomes the open peer, which suppresses
// their notifications. Typing timers of other chats are dropped.
func (e *Engine) SetOpenConversation(chatID string) {
	e.update(func(s *State) bool {
		s.OpenChatID = chatID
		s.OpenPeerID = ""
		i := s.chatIndex(chatID)
		if i < 0 {
			return true
		}
		c := s.Chats[i]
		if s.CurrentUser != nil {
			s.OpenPeerID = c.Peer(s.CurrentUser.ID)
		}
		if c.UnreadCount != 0 {
			c.UnreadCount = 0
			s.Chats = slices.Clone(s.Chats)
			s.Chats[i] = c
		}
		return true
	})
	e.dropTypingTimers(chatID)
}

// ClearOpenConversation records that no conversation is on screen and drops
// every pending typing timer.
func (e *Engine) ClearOpenConversation() {
	e.update(func(s *State) bool {
		if s.OpenChatID == "" && s.OpenPeerID == "" {
			return false
		}
		s.OpenChatID, s.OpenPeerID = "", ""
		return true
	})
	e.dropTypingTimers("")
}

func (e *Engine) dropTypingTimers(keep string) {
	for _, id := range e.typing.cancelExcept(keep) {
		e.log.Debug("typing timer cancelled on navigation", logChat(id))
	}
}

// ============================================================================
// Event loop
// ============================================================================

// Run applies events from sub in delivery order until ctx is done or the
// subscription is closed.
func (e *Engine) Run(ctx context.Context, sub *Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev Event) {
	switch ev.Kind {
	case EventMessage:
		if ev.Message != nil {
			e.MergeIncomingMessage(*ev.Message)
		}
	case EventUserOnline:
		e.OnPeerOnline(ev.UserID)
	case EventUserOffline:
		e.OnPeerOffline(ev.UserID)
	case EventTyping:
		e.OnPeerTyping(ev.UserID)
	case EventStopTyping:
		e.OnPeerStopTyping(ev.UserID)
	case EventConnected:
		e.log.Debug("event channel up")
	case EventDisconnected:
		e.log.Debug("event channel down", logErr(ev.Err))
	}
}

// ============================================================================
// Starting chats
// ============================================================================

func placeholderChat(kind ChatKind, me, peer string, now time.Time) Chat {
	prefix := "chat"
	if kind == ChatRandom {
		prefix = "random"
	}
	return Chat{
		ID:           prefix + "_" + me + "_" + peer,
		Kind:         kind,
		Participants: []string{me, peer},
		UpdatedAt:    now,
	}
}

// ensurePeerChat returns the id of the kind chat with peer, creating a
// placeholder when none exists.
func (e *Engine) ensurePeerChat(ctx context.Context, kind ChatKind, peer string) (string, error) {
	var id string
	created := false
	var err error
	e.update(func(s *State) bool {
		if s.CurrentUser == nil {
			err = ErrNotSignedIn
			return false
		}
		me := s.CurrentUser.ID
		if peer == "" || peer == me {
			err = fmt.Errorf("start chat: invalid peer %q", peer)
			return false
		}
		i := slices.IndexFunc(s.Chats, func(c Chat) bool {
			return c.Kind == kind && c.HasParticipants(me, peer)
		})
		if i >= 0 {
			id = s.Chats[i].ID
			return false
		}
		c := placeholderChat(kind, me, peer, e.now())
		id = c.ID
		s.Chats = append(slices.Clone(s.Chats), c)
		created = true
		return true
	})
	if err != nil {
		return "", err
	}
	if created {
		e.persistChats(ctx)
	}
	return id, nil
}

// StartDirectChat returns the direct chat with peerID, creating it locally
// if needed.
func (e *Engine) StartDirectChat(ctx context.Context, peerID string) (string, error) {
	return e.ensurePeerChat(ctx, ChatDirect, peerID)
}

// StartRandomChat asks the server for a random partner and returns the
// random chat with them.
func (e *Engine) StartRandomChat(ctx context.Context) (string, error) {
	me := e.state.Load().CurrentUser
	if me == nil {
		return "", ErrNotSignedIn
	}
	peer, err := e.gw.OpenRandomChat(ctx, me.ID)
	if err != nil {
		e.metrics.gatewayFailure("random-chat")
		e.log.Warn("cannot open random chat", logUser(me.ID), logErr(err))
		return "", fmt.Errorf("start random chat: %w", err)
	}
	if peer == nil || peer.ID == "" {
		return "", errors.New("start random chat: no partner matched")
	}
	e.MergeUsers(ctx, *peer)
	return e.ensurePeerChat(ctx, ChatRandom, peer.ID)
}

// MergeUsers merges users into the known set and persists it.
func (e *Engine) MergeUsers(ctx context.Context, users ...User) {
	e.update(func(s *State) bool {
		s.Users = mergeUsers(s.Users, users...)
		if s.CurrentUser != nil {
			for _, u := range users {
				if u.ID == s.CurrentUser.ID {
					merged := mergeUser(*s.CurrentUser, u)
					s.CurrentUser = &merged
				}
			}
		}
		return true
	})
	e.persistUsers(ctx)
	e.persistCurrentUser(ctx)
}

// MergeGroups merges groups into the known set and persists it.
func (e *Engine) MergeGroups(ctx context.Context, groups ...Group) {
	e.update(func(s *State) bool {
		s.Groups = mergeGroups(s.Groups, groups...)
		return true
	})
	e.persistGroups(ctx)
}
