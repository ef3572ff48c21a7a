package rcchat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Alert is one user-visible new-message notification.
type Alert struct {
	Title    string
	Body     string
	SenderID string
	At       time.Time
}

// AlertSink presents alerts to the user.
type AlertSink interface {
	Alert(ctx context.Context, a Alert) error
}

// AlertFunc adapts a function to AlertSink.
type AlertFunc func(ctx context.Context, a Alert) error

func (f AlertFunc) Alert(ctx context.Context, a Alert) error { return f(ctx, a) }

// LogSink writes alerts to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Alert(ctx context.Context, a Alert) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, a.Title, logUser(a.SenderID), slog.String("body", a.Body))
	return nil
}

// TerminalSink rings the terminal bell and prints one line per alert.
type TerminalSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewTerminalSink(w io.Writer) *TerminalSink {
	return &TerminalSink{w: w}
}

func (s *TerminalSink) Alert(ctx context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "\a[%s] %s: %s\n", a.At.Format("15:04:05"), a.Title, a.Body)
	return err
}

// MultiSink fans an alert out to every sink and joins their errors.
type MultiSink []AlertSink

func (m MultiSink) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// NotificationPolicy
// ============================================================================

// NotificationPolicy decides whether an incoming message raises an alert.
type NotificationPolicy struct {
	sink    AlertSink
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewNotificationPolicy(sink AlertSink, logger *slog.Logger, m *Metrics) *NotificationPolicy {
	if logger == nil {
		logger = discardLogger()
	}
	if sink == nil {
		sink = LogSink{Logger: logger}
	}
	return &NotificationPolicy{sink: sink, log: logger, metrics: m, now: time.Now}
}

// Evaluate alerts about a message from senderID unless the user is already
// looking at the conversation with that sender. It reports whether an alert
// was raised.
func (p *NotificationPolicy) Evaluate(ctx context.Context, senderID, senderName, text, openPeerID string) bool {
	if openPeerID != "" && openPeerID == senderID {
		p.metrics.alert(false)
		return false
	}
	if senderName == "" {
		senderName = "Anonymous User"
	}
	a := Alert{
		Title:    "New message from " + senderName,
		Body:     text,
		SenderID: senderID,
		At:       p.now(),
	}
	if err := p.sink.Alert(ctx, a); err != nil {
		p.log.Warn("alert sink failed", logUser(senderID), logErr(err))
	}
	p.metrics.alert(true)
	return true
}
