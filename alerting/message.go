package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Payload is the subscription context snapshotted onto an instance at
// reconcile time, so delivery never has to reach back to the rule.
type Payload struct {
	SubscriptionName string          `json:"subscription_name"`
	Price            decimal.Decimal `json:"price"`
	Currency         string          `json:"currency"`
	AlertOn          AlertOn         `json:"alert_on"`
	Quantity         int             `json:"quantity"`
	Unit             Unit            `json:"unit"`
	TargetDate       string          `json:"target_date"`
}

func (p Payload) Equal(o Payload) bool {
	return p.SubscriptionName == o.SubscriptionName &&
		p.Price.Equal(o.Price) &&
		p.Currency == o.Currency &&
		p.AlertOn == o.AlertOn &&
		p.Quantity == o.Quantity &&
		p.Unit == o.Unit &&
		p.TargetDate == o.TargetDate
}

// NewPayload builds the snapshot for rule against sub at occurrence occ.
func NewPayload(rule AlertRule, sub RenewalState, occ Occurrence) Payload {
	return Payload{
		SubscriptionName: sub.Name,
		Price:            sub.Price,
		Currency:         sub.Currency,
		AlertOn:          rule.AlertOn,
		Quantity:         rule.Quantity,
		Unit:             rule.Unit,
		TargetDate:       occ.CycleKey,
	}
}

// Message is what a Notifier delivers for one claimed instance.
type Message struct {
	InstanceID     InstanceID     `json:"instance_id"`
	AlertRuleID    RuleID         `json:"alert_rule_id"`
	SubscriptionID SubscriptionID `json:"subscription_id"`
	UserID         UserID         `json:"user_id"`
	Contact        string         `json:"contact"`
	Subject        string         `json:"subject"`
	Body           string         `json:"body"`
	Payload        Payload        `json:"payload"`
	Attempt        int            `json:"attempt"`
}

// NewMessage renders the message for inst. Attempt is 1-based.
func NewMessage(inst AlertInstance) Message {
	return Message{
		InstanceID:     inst.ID,
		AlertRuleID:    inst.AlertRuleID,
		SubscriptionID: inst.SubscriptionID,
		UserID:         inst.UserID,
		Contact:        inst.Contact,
		Subject:        subjectFor(inst),
		Body:           bodyFor(inst),
		Payload:        inst.Payload,
		Attempt:        inst.AttemptCount + 1,
	}
}

func subjectFor(inst AlertInstance) string {
	name := displayName(inst)
	if inst.Payload.AlertOn == AlertOnGracePeriod {
		return fmt.Sprintf("%s grace period ends %s", name, inst.TargetDate.Format("Jan 2, 2006"))
	}
	return fmt.Sprintf("%s renews %s", name, inst.TargetDate.Format("Jan 2, 2006"))
}

func bodyFor(inst AlertInstance) string {
	var b strings.Builder
	name := displayName(inst)
	day := inst.TargetDate.Format("Monday, January 2, 2006")

	switch inst.Payload.AlertOn {
	case AlertOnGracePeriod:
		fmt.Fprintf(&b, "The grace period for %s ends on %s.", name, day)
	default:
		fmt.Fprintf(&b, "Your subscription %s renews on %s.", name, day)
	}
	if !inst.Payload.Price.IsZero() {
		fmt.Fprintf(&b, " Amount due: %s %s.", inst.Payload.Price.StringFixed(2), strings.ToUpper(inst.Payload.Currency))
	}
	if d := daysBefore(inst.AlertSendDate, inst.TargetDate); d > 0 {
		fmt.Fprintf(&b, " You asked to be reminded %s ahead.", offsetText(inst.Payload.Quantity, inst.Payload.Unit))
	}
	return b.String()
}

func displayName(inst AlertInstance) string {
	if inst.Payload.SubscriptionName != "" {
		return inst.Payload.SubscriptionName
	}
	return string(inst.SubscriptionID)
}

func daysBefore(from, to time.Time) int {
	return int(DateOf(to).Sub(DateOf(from)).Hours() / 24)
}

func offsetText(quantity int, unit Unit) string {
	if quantity == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", quantity, unit)
}
