package relay

import (
	"context"
)

// Priority bands for operator notices.
const (
	PriorityInfo     = 5
	PriorityWarn     = 7
	PriorityCritical = 9
)

// Notifier posts human-readable notices to the operator chat through the
// delivery queue, so failure storms can never bypass the rate limit.
type Notifier struct {
	queue *Queue
	send  func(ctx context.Context, text string) error
}

func NewNotifier(q *Queue, send func(ctx context.Context, text string) error) *Notifier {
	return &Notifier{queue: q, send: send}
}

// Notify enqueues one notice. Errors mean the notice could not even be
// queued (shutdown, full queue); delivery failures are handled by the
// queue itself.
func (n *Notifier) Notify(priority int, text string) error {
	if n == nil || n.queue == nil || text == "" {
		return nil
	}
	msg := prefixForPriority(priority) + text
	return n.queue.Enqueue(&Item{
		Kind:    "notice",
		Summary: text,
		Action: func(ctx context.Context) error {
			return n.send(ctx, msg)
		},
	})
}

func prefixForPriority(p int) string {
	switch {
	case p >= PriorityCritical:
		return "🚨 "
	case p >= PriorityWarn:
		return "⚠️ "
	case p >= PriorityInfo:
		return "ℹ️ "
	default:
		return ""
	}
}
