package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/warp/renewal-alerts/alerting"
)

// Channel is the transport a contact resolves to.
type Channel string

const (
	ChannelWebhook  Channel = "webhook"
	ChannelEmail    Channel = "email"
	ChannelFallback Channel = "fallback"
)

// ChannelFor classifies a contact by shape.
func ChannelFor(contact string) Channel {
	c := strings.ToLower(strings.TrimSpace(contact))
	switch {
	case strings.HasPrefix(c, "http://"), strings.HasPrefix(c, "https://"):
		return ChannelWebhook
	case strings.HasPrefix(c, "mailto:"), strings.Contains(c, "@"):
		return ChannelEmail
	default:
		return ChannelFallback
	}
}

// Router picks a notifier per message. A nil channel notifier falls back
// to Fallback; with no Fallback the contact is undeliverable.
type Router struct {
	Webhook  alerting.Notifier
	Email    alerting.Notifier
	Fallback alerting.Notifier
}

func (r *Router) Deliver(ctx context.Context, msg alerting.Message) error {
	if strings.TrimSpace(msg.Contact) == "" {
		return alerting.Permanent(errors.New("empty contact"))
	}

	var n alerting.Notifier
	switch ChannelFor(msg.Contact) {
	case ChannelWebhook:
		n = r.Webhook
	case ChannelEmail:
		n = r.Email
	}
	if n == nil {
		n = r.Fallback
	}
	if n == nil {
		return alerting.Permanent(errors.New("no notifier configured for contact " + msg.Contact))
	}
	return n.Deliver(ctx, msg)
}
