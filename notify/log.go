/*
Package notify provides alerting.Notifier implementations.

PURPOSE:
  The engine treats delivery as an external collaborator. This package
  holds the transports the server ships with and the router that picks
  one per contact.

NOTIFIERS:
  Log:     Writes the message to slog (development default)
  Webhook: POSTs the message as JSON to an HTTP endpoint
  SMTP:    Sends the message as a plain-text email
  Router:  Chooses a notifier from the contact's shape

ERROR CONTRACT:
  nil                     -> delivered
  alerting.Permanent(err) -> never retried (bad contact, rejected payload)
  any other error         -> retried with backoff

SEE ALSO:
  - alerting/notifier.go: Interface definition
  - alerting/dispatcher.go: Error classification
*/
package notify

import (
	"context"
	"log/slog"

	"github.com/warp/renewal-alerts/alerting"
)

// Log delivers by logging. It never fails.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "notify.log")}
}

func (l *Log) Deliver(ctx context.Context, msg alerting.Message) error {
	l.logger.InfoContext(ctx, "alert delivered",
		"instance_id", msg.InstanceID,
		"subscription_id", msg.SubscriptionID,
		"user_id", msg.UserID,
		"contact", msg.Contact,
		"subject", msg.Subject,
		"attempt", msg.Attempt,
	)
	return nil
}
