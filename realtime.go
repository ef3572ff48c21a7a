package rcchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Events
// ============================================================================

// EventKind names an event on the realtime channel.
type EventKind string

const (
	EventMessage     EventKind = "message"
	EventUserOnline  EventKind = "user-online"
	EventUserOffline EventKind = "user-offline"
	EventTyping      EventKind = "typing"
	EventStopTyping  EventKind = "stop-typing"

	// Connection meta-events, never sent by the server.
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
)

// Outbound command types.
const (
	cmdJoin        = "join"
	cmdSendMessage = "send-message"
	cmdTyping      = "typing"
	cmdStopTyping  = "stop-typing"
)

// Event is one decoded inbound event.
type Event struct {
	Kind    EventKind
	Message *MessageEvent // EventMessage
	UserID  string        // presence and typing events
	Err     error         // EventDisconnected
}

// RealtimeEnvelope is the wire format for all realtime traffic.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type realtimeCommand struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func decodeEvent(env RealtimeEnvelope) (Event, bool) {
	ev := Event{Kind: EventKind(env.Type)}
	switch ev.Kind {
	case EventMessage:
		var p wirePush
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, false
		}
		m := p.event()
		if m.ID == "" || m.SenderID == "" {
			return ev, false
		}
		ev.Message = &m
	case EventUserOnline, EventUserOffline, EventTyping, EventStopTyping:
		ev.UserID = decodeUserRef(env.Payload)
		if ev.UserID == "" {
			return ev, false
		}
	default:
		return ev, false
	}
	return ev, true
}

// decodeUserRef accepts "u1", {"userId":"u1"} or {"fromUserId":"u1"}.
func decodeUserRef(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		UserID     string `json:"userId"`
		FromUserID string `json:"fromUserId"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return firstNonEmpty(obj.FromUserID, obj.UserID)
	}
	return ""
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	URL                  string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
	Metrics              *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Subscription
// ============================================================================

// Subscription is a handle on the inbound event stream. Events arrive on C
// in the order the server sent them.
type Subscription struct {
	C <-chan Event

	c      chan Event
	id     uint64
	detach func()
	once   sync.Once
}

// Unsubscribe stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		close(s.c)
	})
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// nextDelay grows exponentially with jitter. A connection that stayed up
// for a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the WebSocket event channel with auto-reconnect and
// heartbeat.
type RealtimeClient struct {
	config *RealtimeConfig
	log    *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	joinedUser       string
	runCtx           context.Context
	runCancel        context.CancelFunc
	recon            *reconnector

	subMu  sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// NewRealtimeClient creates a disconnected client.
func NewRealtimeClient(config RealtimeConfig) *RealtimeClient {
	config.defaults()
	return &RealtimeClient{
		config: &config,
		log:    config.Logger.With(slog.String("component", "realtime")),
		state:  StateDisconnected,
		recon:  newReconnector(&config),
		subs:   make(map[uint64]*Subscription),
	}
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Subscribe registers a new event consumer. When its buffer is full, events
// for that consumer are dropped.
func (rc *RealtimeClient) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	c := make(chan Event, buffer)
	rc.subMu.Lock()
	rc.nextID++
	s := &Subscription{C: c, c: c, id: rc.nextID}
	s.detach = func() {
		rc.subMu.Lock()
		delete(rc.subs, s.id)
		rc.subMu.Unlock()
	}
	rc.subs[s.id] = s
	rc.subMu.Unlock()
	return s
}

func (rc *RealtimeClient) deliver(ev Event) {
	rc.subMu.RLock()
	defer rc.subMu.RUnlock()
	for _, s := range rc.subs {
		select {
		case s.c <- ev:
		default:
			rc.config.Metrics.eventDropped("subscriber_full")
			rc.log.Warn("subscriber buffer full, event dropped",
				slog.String("event", string(ev.Kind)), slog.Uint64("subscriber", s.id))
		}
	}
}

// Connect establishes the WebSocket connection. It is a no-op while a
// connection is up or being established.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state != StateDisconnected {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.intentionalClose = false
	rc.runCtx, rc.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	rc.recon.reset()
	rc.mu.Unlock()

	if err := rc.dial(ctx); err != nil {
		rc.mu.Lock()
		rc.state = StateDisconnected
		rc.runCancel()
		rc.mu.Unlock()
		return err
	}
	return nil
}

func (rc *RealtimeClient) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, rc.config.URL, &websocket.DialOptions{
		HTTPClient: rc.config.HTTPClient,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	rc.mu.Lock()
	if rc.intentionalClose {
		rc.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrNotConnected
	}
	rc.conn = conn
	rc.state = StateConnected
	user := rc.joinedUser
	connCtx, cancel := context.WithCancel(rc.runCtx)
	rc.mu.Unlock()
	rc.recon.markConnected()
	rc.log.Info("connected", slog.String("url", rc.config.URL))
	rc.deliver(Event{Kind: EventConnected})

	go rc.readLoop(connCtx, cancel, conn)
	go rc.heartbeatLoop(connCtx, conn)

	if user != "" {
		if err := rc.emit(ctx, cmdJoin, map[string]string{"userId": user}); err != nil {
			rc.log.Warn("re-join failed", logUser(user), logErr(err))
		}
	}
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	rc.joinedUser = ""
	if rc.runCancel != nil {
		rc.runCancel()
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Join announces userID as present. The announcement is repeated after
// every reconnect.
func (rc *RealtimeClient) Join(ctx context.Context, userID string) error {
	rc.mu.Lock()
	rc.joinedUser = userID
	rc.mu.Unlock()
	return rc.emit(ctx, cmdJoin, map[string]string{"userId": userID})
}

// SendMessage emits a send-message command.
func (rc *RealtimeClient) SendMessage(ctx context.Context, msg OutboundMessage) error {
	return rc.emit(ctx, cmdSendMessage, msg)
}

func (rc *RealtimeClient) StartTyping(ctx context.Context, sig TypingSignal) error {
	return rc.emit(ctx, cmdTyping, sig)
}

func (rc *RealtimeClient) StopTyping(ctx context.Context, sig TypingSignal) error {
	return rc.emit(ctx, cmdStopTyping, sig)
}

func (rc *RealtimeClient) emit(ctx context.Context, typ string, payload any) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(realtimeCommand{Type: typ, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	return nil
}

func (rc *RealtimeClient) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			// A loop whose conn was already dropped by Disconnect is stale.
			if rc.intentionalClose || rc.conn != conn {
				rc.mu.Unlock()
				return
			}
			rc.conn = nil
			if rc.config.AutoReconnect {
				rc.state = StateReconnecting
			} else {
				rc.state = StateDisconnected
			}
			rc.mu.Unlock()

			rc.log.Warn("connection lost", logErr(err))
			rc.deliver(Event{Kind: EventDisconnected, Err: err})
			if rc.config.AutoReconnect {
				rc.reconnectLoop()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			rc.config.Metrics.eventDropped("malformed")
			continue
		}
		ev, ok := decodeEvent(env)
		if !ok {
			rc.config.Metrics.eventDropped("unknown")
			rc.log.Debug("ignored event", slog.String("type", env.Type))
			continue
		}
		rc.deliver(ev)
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, rc.config.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// Forces the read loop to fail and reconnect.
				rc.log.Warn("heartbeat failed", logErr(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rc *RealtimeClient) reconnectLoop() {
	rc.mu.Lock()
	runCtx := rc.runCtx
	rc.mu.Unlock()

	for rc.recon.shouldReconnect() {
		delay := rc.recon.nextDelay()
		rc.mu.Lock()
		if rc.intentionalClose {
			rc.mu.Unlock()
			return
		}
		rc.state = StateReconnecting
		rc.mu.Unlock()
		rc.log.Info("reconnecting", slog.Int("attempt", rc.recon.attempts()), slog.Duration("delay", delay))

		select {
		case <-runCtx.Done():
			return
		case <-time.After(delay):
		}

		err := rc.dial(runCtx)
		if err == nil {
			return
		}
		rc.log.Warn("reconnect failed", logErr(err))
	}

	rc.mu.Lock()
	if !rc.intentionalClose {
		rc.state = StateDisconnected
	}
	rc.mu.Unlock()
	rc.log.Error("giving up reconnecting", slog.Int("attempts", rc.recon.attempts()))
}
