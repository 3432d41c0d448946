/*
expander.go - Occurrence Expander

PURPOSE:
  Pure function from (rule, subscription snapshot) to the concrete
  occurrence a rule implies for the subscription's current cycle.

ALGORITHM:
  1. Inactive subscription              -> ErrNotApplicable
  2. Anchor = renewal date, or grace-period end for grace_period rules;
     missing grace-period end           -> ErrNotApplicable
  3. SendDate = Anchor - offset (month offsets clamp to month end)
  4. CycleKey = Anchor as YYYY-MM-DD

  A send date already in the past is returned as-is. The instance is then
  due immediately, so a late-created rule still fires once.

DETERMINISM:
  No clock, no I/O. Same inputs always give the same occurrence.
*/
package alerting

import (
	"time"
)

// Occurrence is the expander's output for one rule and one snapshot.
type Occurrence struct {
	CycleKey   string
	TargetDate time.Time
	SendDate   time.Time
}

// Expand computes the occurrence for rule against sub.
func Expand(rule AlertRule, sub RenewalState) (Occurrence, error) {
	if err := rule.Validate(); err != nil {
		return Occurrence{}, err
	}
	if !sub.Active {
		return Occurrence{}, ErrNotApplicable
	}

	var anchor time.Time
	switch rule.AlertOn {
	case AlertOnPaymentDate:
		anchor = sub.RenewalDate
	case AlertOnGracePeriod:
		if sub.GracePeriodEnd == nil {
			return Occurrence{}, ErrNotApplicable
		}
		anchor = *sub.GracePeriodEnd
	}
	if anchor.IsZero() {
		return Occurrence{}, ErrNotApplicable
	}
	anchor = DateOf(anchor)

	send, err := SubtractOffset(anchor, rule.Quantity, rule.Unit)
	if err != nil {
		return Occurrence{}, err
	}
	return Occurrence{
		CycleKey:   CycleKey(anchor),
		TargetDate: anchor,
		SendDate:   send,
	}, nil
}
