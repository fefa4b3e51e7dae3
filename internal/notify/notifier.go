package notify

import (
	"context"

	"github.com/greenroomhq/greenroom/internal/core"
)

// Notifier pushes operation events to an external destination.
type Notifier interface {
	Send(ctx context.Context, event core.Event) error
}

// MultiNotifier fans an event out to several notifiers. Every notifier is
// attempted; the last error wins.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, event core.Event) error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, event); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, event core.Event) error {
	return nil
}
