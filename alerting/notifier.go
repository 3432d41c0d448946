package alerting

import "context"

// Notifier delivers one message for one claimed instance.
//
// Return nil on success, an error wrapped with Permanent for failures that
// must not be retried (invalid contact, rejected payload), and any other
// error for transient failures. The context carries the per-call timeout;
// exceeding it counts as transient.
type Notifier interface {
	Deliver(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, msg Message) error

func (f NotifierFunc) Deliver(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
