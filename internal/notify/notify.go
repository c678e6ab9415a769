// Package notify delivers human-facing messages about submission outcomes.
// Delivery is best effort: callers log failures and carry on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/maraichr/gdr/internal/metrics"
)

// Message is one notification.
type Message struct {
	Subject    string
	Submission string
	Lines      []string
}

// Text renders the body.
func (m Message) Text() string {
	var b strings.Builder
	if m.Submission != "" {
		fmt.Fprintf(&b, "Submission: %s\n\n", m.Submission)
	}
	for _, l := range m.Lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

// Notifier sends a message over one channel.
type Notifier interface {
	Channel() string
	Notify(ctx context.Context, msg Message) error
}

// Multi fans a message out to every channel. A failing channel does not stop
// the others.
type Multi struct {
	notifiers []Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewMulti(logger *slog.Logger, m *metrics.Metrics, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, metrics: m, logger: logger}
}

func (m *Multi) Channel() string { return "multi" }

func (m *Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m.notifiers {
		err := n.Notify(ctx, msg)
		m.metrics.Notification(n.Channel(), err)
		if err != nil {
			m.logger.Warn("notification failed",
				slog.String("channel", n.Channel()),
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", n.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// Send delivers msg and logs, rather than returns, any failure.
func Send(ctx context.Context, n Notifier, logger *slog.Logger, msg Message) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, msg); err != nil {
		logger.Warn("notify", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
	}
}

// Recording keeps messages in memory.
type Recording struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recording) Channel() string { return "recording" }

func (r *Recording) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

// Messages returns what was sent.
func (r *Recording) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// Last returns the most recent message.
func (r *Recording) Last() (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return Message{}, false
	}
	return r.msgs[len(r.msgs)-1], true
}

func (r *Recording) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}
