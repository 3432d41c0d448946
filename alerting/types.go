/*
types.go - Core types for the renewal alert engine

PURPOSE:
  Defines the two record kinds the engine owns and the read-only snapshot
  it consumes from the host application:

  AlertRule:     The recurring intent ("warn me 3 days before renewal").
  AlertInstance: One concrete, dated notification for one billing cycle.
  RenewalState:  Subscription snapshot supplied by the Subscription Source.

RULE vs INSTANCE:
  Rules say what the user wants. Instances say what has actually been
  scheduled or sent. They are connected by the idempotency key
  (AlertRuleID, CycleKey). A rule never carries delivery state and an
  instance never changes what a rule means.

INSTANCE STATE MACHINE:
  pending -> dispatching -> sent            [terminal]
  pending -> dispatching -> pending         (transient failure, retry)
  pending -> dispatching -> failed          [terminal]
  pending -> failed                         (cancellation, reason code set)
  dispatching -> pending                    (stuck-claim sweep)

SEE ALSO:
  - expander.go: Rule + RenewalState -> Occurrence
  - reconciler.go: Keeps instances in line with rules
  - dispatcher.go: Claims and delivers due instances
*/
package alerting

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RuleID string
type InstanceID string
type SubscriptionID string
type UserID string

// =============================================================================
// ENUMS
// =============================================================================

// Unit is the calendar unit of a rule's offset.
type Unit string

const (
	UnitDay   Unit = "day"
	UnitWeek  Unit = "week"
	UnitMonth Unit = "month"
)

func (u Unit) Valid() bool {
	switch u {
	case UnitDay, UnitWeek, UnitMonth:
		return true
	}
	return false
}

// AlertOn selects which subscription date a rule is anchored to.
type AlertOn string

const (
	AlertOnPaymentDate AlertOn = "payment_date"
	AlertOnGracePeriod AlertOn = "grace_period"
)

func (a AlertOn) Valid() bool {
	return a == AlertOnPaymentDate || a == AlertOnGracePeriod
}

// Status is the delivery state of an instance.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDispatching Status = "dispatching"
	StatusSent        Status = "sent"
	StatusFailed      Status = "failed"
)

// Terminal reports whether the status is immutable history.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDispatching, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Reason is a deterministic code explaining why an instance left the
// happy path. Free-form notifier error text goes to LastError.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonRuleNotApplicable Reason = "rule_not_applicable"
	ReasonSuperseded        Reason = "superseded"
	ReasonRuleDeleted       Reason = "rule_deleted"
	ReasonTransientFailure  Reason = "transient_failure"
	ReasonPermanentFailure  Reason = "permanent_failure"
	ReasonMaxAttempts       Reason = "max_attempts"
	ReasonClaimExpired      Reason = "claim_expired"
)

// Cancellation reports whether the reason marks an instance that was
// withdrawn before any delivery decision. Such history does not block a
// later instance for the same cycle.
func (r Reason) Cancellation() bool {
	return r == ReasonRuleNotApplicable || r == ReasonSuperseded || r == ReasonRuleDeleted
}

// =============================================================================
// RULE
// =============================================================================

// AlertRule is the recurring notification intent owned by a user.
type AlertRule struct {
	ID             RuleID
	UserID         UserID
	SubscriptionID SubscriptionID
	Quantity       int
	Unit           Unit
	AlertOn        AlertOn
	Contact        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Validate checks the rule at write time. Invalid rules never reach the expander.
func (r AlertRule) Validate() error {
	if r.SubscriptionID == "" {
		return &ValidationError{Field: "subscription_id", Message: "is required"}
	}
	if r.UserID == "" {
		return &ValidationError{Field: "user_id", Message: "is required"}
	}
	if r.Quantity < 1 {
		return &ValidationError{Field: "quantity", Message: "must be at least 1"}
	}
	if !r.Unit.Valid() {
		return &ValidationError{Field: "unit", Message: "must be one of day, week, month"}
	}
	if !r.AlertOn.Valid() {
		return &ValidationError{Field: "alert_on", Message: "must be one of payment_date, grace_period"}
	}
	if r.Contact == "" {
		return &ValidationError{Field: "contact", Message: "is required"}
	}
	return nil
}

// =============================================================================
// SUBSCRIPTION SNAPSHOT
// =============================================================================

// RenewalState is the read-only view of a subscription the engine needs.
type RenewalState struct {
	SubscriptionID SubscriptionID
	UserID         UserID
	Name           string
	RenewalDate    time.Time
	GracePeriodEnd *time.Time // nil when the subscription has no grace period
	Active         bool
	Price          decimal.Decimal
	Currency       string
}

// =============================================================================
// INSTANCE
// =============================================================================

// AlertInstance is one materialized notification for one billing cycle.
type AlertInstance struct {
	ID             InstanceID
	AlertRuleID    RuleID
	SubscriptionID SubscriptionID
	UserID         UserID
	CycleKey       string
	TargetDate     time.Time
	AlertSendDate  time.Time
	Contact        string
	Payload        Payload

	Status        Status
	AttemptCount  int
	NextAttemptAt *time.Time
	LastError     string
	Reason        Reason

	ClaimToken string
	ClaimedAt  *time.Time
	SentAt     *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DueAt is the instant the instance becomes eligible for a claim.
func (i AlertInstance) DueAt() time.Time {
	if i.NextAttemptAt != nil {
		return *i.NextAttemptAt
	}
	return i.AlertSendDate
}

// Active reports whether the instance still holds the (rule, cycle) slot.
func (i AlertInstance) Active() bool {
	return i.Status == StatusPending || i.Status == StatusDispatching
}

// Schedule is the part of an instance the Reconciler is allowed to rewrite
// while the instance is still pending.
type Schedule struct {
	CycleKey      string
	TargetDate    time.Time
	AlertSendDate time.Time
	Contact       string
	Payload       Payload
}

// Schedule returns the instance's current schedule fields.
func (i AlertInstance) Schedule() Schedule {
	return Schedule{
		CycleKey:      i.CycleKey,
		TargetDate:    i.TargetDate,
		AlertSendDate: i.AlertSendDate,
		Contact:       i.Contact,
		Payload:       i.Payload,
	}
}

// Equal compares two schedules field by field.
func (s Schedule) Equal(o Schedule) bool {
	return s.CycleKey == o.CycleKey &&
		s.TargetDate.Equal(o.TargetDate) &&
		s.AlertSendDate.Equal(o.AlertSendDate) &&
		s.Contact == o.Contact &&
		s.Payload.Equal(o.Payload)
}

// InstanceFilter narrows the operator read path. Zero values match everything.
type InstanceFilter struct {
	SubscriptionID SubscriptionID
	UserID         UserID
	RuleID         RuleID
	Statuses       []Status
	Limit          int
}
