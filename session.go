package rcchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionConfig wires a Session.
type SessionConfig struct {
	BaseURL    string
	WSURL      string
	HTTPClient *http.Client
	Timeout    time.Duration

	// Store defaults to an in-memory store.
	Store  SnapshotStore
	Logger *slog.Logger
	// Registerer receives the engine metrics when set.
	Registerer prometheus.Registerer
	// AlertSink defaults to logging alerts.
	AlertSink AlertSink

	DisableReconnect bool
	EventBuffer      int
	TypingTimeout    time.Duration
}

// Session owns one signed-in user's client: the HTTP client, the realtime
// channel, the engine and its event loop.
type Session struct {
	log     *slog.Logger
	metrics *Metrics
	api     *Client
	rt      *RealtimeClient
	gw      *RemoteGateway
	engine  *Engine
	buffer  int

	mu         sync.Mutex
	sub        *Subscription
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewSession builds a Session and restores the persisted snapshot.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.WSURL == "" {
		return nil, errors.New("rcchat: websocket url is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	var copts []ClientOption
	if cfg.BaseURL != "" {
		copts = append(copts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		copts = append(copts, WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Timeout > 0 {
		copts = append(copts, WithTimeout(cfg.Timeout))
	}

	metrics := NewMetrics(cfg.Registerer)
	api := NewClient(copts...)
	rt := NewRealtimeClient(RealtimeConfig{
		URL:           cfg.WSURL,
		AutoReconnect: !cfg.DisableReconnect,
		HTTPClient:    cfg.HTTPClient,
		Logger:        logger,
		Metrics:       metrics,
	})
	gw := NewRemoteGateway(api, rt)

	eopts := []EngineOption{
		WithLogger(logger),
		WithMetrics(metrics),
		WithNotificationPolicy(NewNotificationPolicy(cfg.AlertSink, logger, metrics)),
	}
	if cfg.TypingTimeout > 0 {
		eopts = append(eopts, WithTypingTimeout(cfg.TypingTimeout))
	}
	engine := NewEngine(gw, cfg.Store, eopts...)

	s := &Session{
		log:     logger,
		metrics: metrics,
		api:     api,
		rt:      rt,
		gw:      gw,
		engine:  engine,
		buffer:  cfg.EventBuffer,
	}
	if err := engine.Restore(context.Background()); err != nil {
		logger.Warn("starting with partial snapshot", logErr(err))
	}
	s.startLoop()
	return s, nil
}

func (s *Session) Engine() *Engine { return s.engine }
func (s *Session) API() *Client { return s.api }
func (s *Session) Realtime() *RealtimeClient { return s.rt }
func (s *Session) Metrics() *Metrics { return s.metrics }

// CurrentUser returns the signed-in user, if any.
func (s *Session) CurrentUser() *User {
	return s.engine.State().CurrentUser
}

func (s *Session) startLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := s.gw.Subscribe(s.buffer)
	done := make(chan struct{})
	s.sub, s.loopCancel, s.loopDone = sub, cancel, done
	go func() {
		defer close(done)
		s.engine.Run(ctx, sub)
	}()
}

func (s *Session) stopLoop() {
	s.mu.Lock()
	sub, cancel, done := s.sub, s.loopCancel, s.loopDone
	s.sub, s.loopCancel, s.loopDone = nil, nil, nil
	s.mu.Unlock()
	if sub == nil {
		return
	}
	sub.Unsubscribe()
	cancel()
	<-done
}

// ============================================================================
// Account
// ============================================================================

// Register creates a named profile and signs in as it.
func (s *Session) Register(ctx context.Context, name, phone, email string) (*User, error) {
	u, err := s.api.CreateProfile(ctx, name, phone, email)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	s.signIn(ctx, u)
	return u, nil
}

// JoinAnonymous creates an anonymous profile and signs in as it.
func (s *Session) JoinAnonymous(ctx context.Context, name string) (*User, error) {
	u, err := s.api.JoinAnonymous(ctx, name, "", "")
	if err != nil {
		return nil, fmt.Errorf("join anonymous: %w", err)
	}
	s.signIn(ctx, u)
	return u, nil
}

// Resume signs in as an existing user id, refreshing the profile from the
// server when it answers.
func (s *Session) Resume(ctx context.Context, userID string) (*User, error) {
	u, err := s.api.GetProfile(ctx, userID)
	if err != nil {
		if cur := s.CurrentUser(); cur != nil && cur.ID == userID {
			s.log.Warn("profile refresh failed, using stored profile", logUser(userID), logErr(err))
			return cur, nil
		}
		return nil, fmt.Errorf("resume: %w", err)
	}
	s.signIn(ctx, u)
	return u, nil
}

func (s *Session) signIn(ctx context.Context, u *User) {
	s.engine.SignIn(ctx, *u)
	s.startLoop()
	s.log.Info("signed in", logUser(u.ID), slog.Bool("anonymous", u.IsAnonymous))
}

// UpdateProfile changes the current user's handles.
func (s *Session) UpdateProfile(ctx context.Context, p ProfileUpdate) (*User, error) {
	me := s.CurrentUser()
	if me == nil {
		return nil, ErrNotSignedIn
	}
	u, err := s.api.UpdateProfile(ctx, me.ID, p)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	s.engine.MergeUsers(ctx, *u)
	return u, nil
}

// ============================================================================
// Groups
// ============================================================================

func (s *Session) CreateGroup(ctx context.Context, name, description string) (*Group, error) {
	me := s.CurrentUser()
	if me == nil {
		return nil, ErrNotSignedIn
	}
	g, err := s.api.CreateGroup(ctx, name, description, me.ID)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	s.engine.MergeGroups(ctx, *g)
	return g, nil
}

func (s *Session) JoinGroup(ctx context.Context, groupID string) (*Group, error) {
	me := s.CurrentUser()
	if me == nil {
		return nil, ErrNotSignedIn
	}
	g, err := s.api.JoinGroup(ctx, groupID, me.ID)
	if err != nil {
		return nil, fmt.Errorf("join group: %w", err)
	}
	s.engine.MergeGroups(ctx, *g)
	return g, nil
}

// GroupsOverview fetches the trending, new and popular groups.
func (s *Session) GroupsOverview(ctx context.Context) (*GroupsOverview, error) {
	ov, err := s.api.GroupsOverview(ctx)
	if err != nil {
		return nil, fmt.Errorf("groups overview: %w", err)
	}
	all := make([]Group, 0, len(ov.Trending)+len(ov.New)+len(ov.Popular))
	all = append(all, ov.Trending...)
	all = append(all, ov.New...)
	all = append(all, ov.Popular...)
	s.engine.MergeGroups(ctx, all...)
	return ov, nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Connect opens the event channel and announces the current user.
func (s *Session) Connect(ctx context.Context) error {
	me := s.CurrentUser()
	if me == nil {
		return ErrNotSignedIn
	}
	s.startLoop()
	if err := s.gw.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := s.rt.Join(ctx, me.ID); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	return nil
}

// SignOut stops the event loop, disconnects and clears all state.
func (s *Session) SignOut(ctx context.Context) error {
	s.stopLoop()
	s.engine.SignOut(ctx)
	if err := s.gw.Disconnect(); err != nil {
		s.log.Debug("disconnect on sign out", logErr(err))
	}
	s.log.Info("signed out")
	return nil
}

// Close releases the session. State stays persisted.
func (s *Session) Close() error {
	s.stopLoop()
	s.engine.Close()
	return s.gw.Disconnect()
}
