package rcchat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultTypingTimeout is how long after the last keystroke stop-typing is sent.
const DefaultTypingTimeout = 2 * time.Second

// typingTimers holds one pending stop-typing timer per chat.
type typingTimers struct {
	mu     sync.Mutex
	delay  time.Duration
	timers map[string]*time.Timer
	closed bool
}

func newTypingTimers(delay time.Duration) *typingTimers {
	return &typingTimers{delay: delay, timers: make(map[string]*time.Timer)}
}

// arm replaces the timer for chatID with one that calls fire after delay.
func (t *typingTimers) arm(chatID string, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if old, ok := t.timers[chatID]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(t.delay, func() {
		t.mu.Lock()
		current := t.timers[chatID] == timer
		if current {
			delete(t.timers, chatID)
		}
		t.mu.Unlock()
		if current {
			fire()
		}
	})
	t.timers[chatID] = timer
}

// cancel stops the timer for chatID and reports whether one was pending.
func (t *typingTimers) cancel(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.timers[chatID]
	if ok {
		timer.Stop()
		delete(t.timers, chatID)
	}
	return ok
}

// cancelExcept stops every timer but keep's and returns the chats it stopped.
func (t *typingTimers) cancelExcept(keep string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stopped []string
	for id, timer := range t.timers {
		if id == keep {
			continue
		}
		timer.Stop()
		delete(t.timers, id)
		stopped = append(stopped, id)
	}
	return stopped
}

func (t *typingTimers) pending(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[chatID]
	return ok
}

// stopAll cancels every timer. A final stop also refuses new timers.
func (t *typingTimers) stopAll(final bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if final {
		t.closed = true
	}
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

// ============================================================================
// Engine typing operations
// ============================================================================

// NotifyTyping tells peerID that we are typing in chatID.
func (e *Engine) NotifyTyping(ctx context.Context, chatID, peerID string) error {
	me := e.state.Load().CurrentUser
	if me == nil {
		return ErrNotSignedIn
	}
	if err := e.gw.StartTyping(ctx, TypingSignal{FromUserID: me.ID, ToUserID: peerID}); err != nil {
		e.metrics.gatewayFailure("typing")
		e.log.Debug("typing signal failed", logChat(chatID), logUser(peerID), logErr(err))
	}
	return nil
}

// NotifyStopTyping tells peerID that we stopped typing in chatID.
func (e *Engine) NotifyStopTyping(ctx context.Context, chatID, peerID string) error {
	me := e.state.Load().CurrentUser
	if me == nil {
		return ErrNotSignedIn
	}
	if err := e.gw.StopTyping(ctx, TypingSignal{FromUserID: me.ID, ToUserID: peerID}); err != nil {
		e.metrics.gatewayFailure("stop-typing")
		e.log.Debug("stop-typing signal failed", logChat(chatID), logUser(peerID), logErr(err))
	}
	return nil
}

// Keystroke reports the current input of chatID. Non-empty input sends
// typing and schedules stop-typing; empty input sends stop-typing now.
// Group chats have no typing indicator.
func (e *Engine) Keystroke(ctx context.Context, chatID, input string) error {
	s := e.state.Load()
	if s.CurrentUser == nil {
		return ErrNotSignedIn
	}
	c, ok := s.Chat(chatID)
	if !ok {
		return ErrUnknownConversation
	}
	peer := c.Peer(s.CurrentUser.ID)
	if peer == "" {
		return nil
	}

	if strings.TrimSpace(input) == "" {
		e.typing.cancel(chatID)
		return e.NotifyStopTyping(ctx, chatID, peer)
	}
	if err := e.NotifyTyping(ctx, chatID, peer); err != nil {
		return err
	}
	e.typing.arm(chatID, func() {
		e.log.Debug("typing timed out", logChat(chatID))
		e.NotifyStopTyping(context.Background(), chatID, peer)
	})
	return nil
}

// CancelTyping drops the pending stop-typing timer for chatID without
// sending anything.
func (e *Engine) CancelTyping(chatID string) {
	if e.typing.cancel(chatID) {
		e.log.Debug("typing timer cancelled", logChat(chatID), slog.Bool("sent", false))
	}
}

// stopTyping cancels the timer and sends stop-typing to peerID.
func (e *Engine) stopTyping(ctx context.Context, chatID, peerID string) {
	e.typing.cancel(chatID)
	e.NotifyStopTyping(ctx, chatID, peerID)
}
