/*
store.go - Persistence interfaces for rules and instances

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  never reads-then-writes to change instance state; every state change
  is a conditional write the store performs atomically.

KEY INTERFACES:
  RuleStore:          AlertRule CRUD
  InstanceStore:      AlertInstance lifecycle + operator queries
  SubscriptionSource: Read-only renewal state from the host application

CONDITIONAL WRITES:
  Claim:       pending -> dispatching, only if still pending AND due;
               returns the claimed row
  Reschedule:  schedule fields, only if still pending
  Cancel:      pending -> failed, only if still pending
  Mark*:       dispatching -> *, only if the caller's claim token still owns it

  A write whose condition does not hold returns ErrClaimConflict (claim)
  or ErrNotPending (everything else). Nothing is partially applied.

AT-MOST-ONE-ACTIVE:
  CreateInstance must reject a second pending/dispatching instance for the
  same (rule, cycle key) with ErrDuplicateActiveInstance. SQL backends do
  this with a partial unique index.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - alerting/store/memory.go: In-memory for testing

SEE ALSO:
  - reconciler.go: Uses Create/Reschedule/Cancel
  - dispatcher.go: Uses ListDue/Claim/MarkSent/MarkRetry/MarkFailed/RequeueStuck
*/
package alerting

import (
	"context"
	"time"
)

// =============================================================================
// RULE STORE
// =============================================================================

type RuleStore interface {
	// SaveRule inserts or replaces a rule by ID.
	SaveRule(ctx context.Context, rule AlertRule) error

	// GetRule returns ErrRuleNotFound for unknown ids.
	GetRule(ctx context.Context, id RuleID) (*AlertRule, error)

	// DeleteRule returns ErrRuleNotFound for unknown ids.
	DeleteRule(ctx context.Context, id RuleID) error

	ListRulesBySubscription(ctx context.Context, subID SubscriptionID) ([]AlertRule, error)

	// ListRules returns every rule, ordered by subscription then id.
	ListRules(ctx context.Context) ([]AlertRule, error)
}

// =============================================================================
// INSTANCE STORE
// =============================================================================

type InstanceStore interface {
	// CreateInstance persists a new pending instance.
	CreateInstance(ctx context.Context, inst AlertInstance) error

	GetInstance(ctx context.Context, id InstanceID) (*AlertInstance, error)

	// ActiveInstances returns the rule's pending and dispatching instances.
	ActiveInstances(ctx context.Context, ruleID RuleID) ([]AlertInstance, error)

	// CycleHistory returns every instance, any status, for (rule, cycle key).
	CycleHistory(ctx context.Context, ruleID RuleID, cycleKey string) ([]AlertInstance, error)

	// Reschedule rewrites the schedule of a pending instance.
	Reschedule(ctx context.Context, id InstanceID, sched Schedule, now time.Time) error

	// Cancel moves a pending instance to failed with the given reason.
	Cancel(ctx context.Context, id InstanceID, reason Reason, now time.Time) error

	// ListDue returns pending instances whose due time is <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]AlertInstance, error)

	// Claim atomically moves a due pending instance to dispatching under token
	// and returns the row as claimed. Callers deliver from that row, not from
	// the ListDue copy, which a concurrent Reschedule may have outdated.
	Claim(ctx context.Context, id InstanceID, token string, now time.Time) (*AlertInstance, error)

	// MarkSent records a successful delivery.
	MarkSent(ctx context.Context, id InstanceID, token string, now time.Time) error

	// MarkRetry returns the instance to pending, due again at next.
	MarkRetry(ctx context.Context, id InstanceID, token string, next time.Time, lastErr string, now time.Time) error

	// MarkFailed records a terminal delivery failure.
	MarkFailed(ctx context.Context, id InstanceID, token string, reason Reason, lastErr string, now time.Time) error

	// RequeueStuck returns dispatching instances claimed at or before cutoff
	// to pending (attempt_count+1, due at now). Those reaching maxAttempts
	// fail with ReasonClaimExpired instead.
	RequeueStuck(ctx context.Context, cutoff time.Time, maxAttempts int, now time.Time) (requeued, failed int, err error)

	// QueryInstances serves the operator read path, newest send date first.
	QueryInstances(ctx context.Context, filter InstanceFilter) ([]AlertInstance, error)
}

// =============================================================================
// SUBSCRIPTION SOURCE
// =============================================================================

// SubscriptionSource supplies renewal state. The engine never writes to it.
type SubscriptionSource interface {
	// GetRenewalState returns ErrSubscriptionNotFound for unknown ids.
	GetRenewalState(ctx context.Context, id SubscriptionID) (RenewalState, error)
}
