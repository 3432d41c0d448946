/*
Package storetest is the shared behavioural suite for alerting store
backends.

PURPOSE:
  The engine's guarantees (at most one active instance per cycle, single
  delivery, no lost retries) rest entirely on the conditional writes the
  stores perform. Every backend runs this same suite so that the memory
  store used in tests and the SQLite store used in production cannot
  drift apart.

USAGE:
  func TestContract(t *testing.T) {
      storetest.Run(t, func(t *testing.T) storetest.Backend { ... })
  }
*/
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/renewal-alerts/alerting"
)

// Store is everything a production backend implements.
type Store interface {
	alerting.RuleStore
	alerting.InstanceStore
	alerting.SubscriptionSource
}

// Backend pairs a fresh store with the host-side subscription writer.
type Backend struct {
	Store            Store
	SaveSubscription func(ctx context.Context, state alerting.RenewalState) error
}

// Factory returns an empty backend for one subtest.
type Factory func(t *testing.T) Backend

// Run executes the full suite against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, newBackend(t)) })
	t.Run("RuleCRUD", func(t *testing.T) { testRuleCRUD(t, newBackend(t).Store) })
	t.Run("OneActivePerCycle", func(t *testing.T) { testOneActivePerCycle(t, newBackend(t).Store) })
	t.Run("Reschedule", func(t *testing.T) { testReschedule(t, newBackend(t).Store) })
	t.Run("Cancel", func(t *testing.T) { testCancel(t, newBackend(t).Store) })
	t.Run("ListDue", func(t *testing.T) { testListDue(t, newBackend(t).Store) })
	t.Run("Claim", func(t *testing.T) { testClaim(t, newBackend(t).Store) })
	t.Run("ClaimRace", func(t *testing.T) { testClaimRace(t, newBackend(t).Store) })
	t.Run("CompletionRequiresToken", func(t *testing.T) { testCompletion(t, newBackend(t).Store) })
	t.Run("RequeueStuck", func(t *testing.T) { testRequeueStuck(t, newBackend(t).Store) })
	t.Run("QueryInstances", func(t *testing.T) { testQueryInstances(t, newBackend(t).Store) })
}

var (
	ctx = context.Background()
	t0  = time.Date(2025, time.March, 7, 9, 0, 0, 0, time.UTC)
)

func day(d int) time.Time { return alerting.Date(2025, time.March, d) }

func rule(id, sub string) alerting.AlertRule {
	return alerting.AlertRule{
		ID:             alerting.RuleID(id),
		UserID:         "user-1",
		SubscriptionID: alerting.SubscriptionID(sub),
		Quantity:       3,
		Unit:           alerting.UnitDay,
		AlertOn:        alerting.AlertOnPaymentDate,
		Contact:        "user@example.com",
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
}

// pending builds a pending instance for ruleID whose target is March target.
func pending(id, ruleID string, target int) alerting.AlertInstance {
	targetDate := day(target)
	return alerting.AlertInstance{
		ID:             alerting.InstanceID(id),
		AlertRuleID:    alerting.RuleID(ruleID),
		SubscriptionID: "sub-1",
		UserID:         "user-1",
		CycleKey:       alerting.CycleKey(targetDate),
		TargetDate:     targetDate,
		AlertSendDate:  alerting.SubtractDays(targetDate, 3),
		Contact:        "user@example.com",
		Payload: alerting.Payload{
			SubscriptionName: "Netflix",
			Price:            decimal.RequireFromString("15.99"),
			Currency:         "usd",
			AlertOn:          alerting.AlertOnPaymentDate,
			Quantity:         3,
			Unit:             alerting.UnitDay,
			TargetDate:       alerting.CycleKey(targetDate),
		},
		Status:    alerting.StatusPending,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func create(t *testing.T, s Store, insts ...alerting.AlertInstance) {
	t.Helper()
	for _, inst := range insts {
		require.NoError(t, s.CreateInstance(ctx, inst))
	}
}

func get(t *testing.T, s Store, id string) alerting.AlertInstance {
	t.Helper()
	inst, err := s.GetInstance(ctx, alerting.InstanceID(id))
	require.NoError(t, err)
	return *inst
}

func claim(t *testing.T, s Store, id alerting.InstanceID, token string, at time.Time) alerting.AlertInstance {
	t.Helper()
	inst, err := s.Claim(ctx, id, token, at)
	require.NoError(t, err)
	return *inst
}

func ids(insts []alerting.AlertInstance) []string {
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = string(inst.ID)
	}
	return out
}

func sameTime(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got), "want %s, got %s", want, *got)
}

// =============================================================================
// SUBSCRIPTIONS AND RULES
// =============================================================================

func testSubscriptions(t *testing.T, b Backend) {
	grace := day(24)
	want := alerting.RenewalState{
		SubscriptionID: "sub-1",
		UserID:         "user-1",
		Name:           "Netflix",
		RenewalDate:    day(10),
		GracePeriodEnd: &grace,
		Active:         true,
		Price:          decimal.RequireFromString("15.99"),
		Currency:       "usd",
	}
	require.NoError(t, b.SaveSubscription(ctx, want))

	got, err := b.Store.GetRenewalState(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, want.UserID, got.UserID)
	assert.Equal(t, want.Name, got.Name)
	assert.True(t, want.RenewalDate.Equal(got.RenewalDate))
	sameTime(t, grace, got.GracePeriodEnd)
	assert.True(t, got.Active)
	assert.True(t, want.Price.Equal(got.Price), "price %s", got.Price)
	assert.Equal(t, "usd", got.Currency)

	// host writes replace the snapshot
	want.Active = false
	want.GracePeriodEnd = nil
	require.NoError(t, b.SaveSubscription(ctx, want))
	got, err = b.Store.GetRenewalState(ctx, "sub-1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Nil(t, got.GracePeriodEnd)

	_, err = b.Store.GetRenewalState(ctx, "missing")
	assert.ErrorIs(t, err, alerting.ErrSubscriptionNotFound)
}

func testRuleCRUD(t *testing.T, s Store) {
	require.NoError(t, s.SaveRule(ctx, rule("r-2", "sub-1")))
	require.NoError(t, s.SaveRule(ctx, rule("r-1", "sub-1")))
	require.NoError(t, s.SaveRule(ctx, rule("r-3", "sub-0")))

	got, err := s.GetRule(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, alerting.SubscriptionID("sub-1"), got.SubscriptionID)
	assert.Equal(t, 3, got.Quantity)
	assert.Equal(t, alerting.UnitDay, got.Unit)
	assert.Equal(t, alerting.AlertOnPaymentDate, got.AlertOn)

	// save replaces
	updated := rule("r-1", "sub-1")
	updated.Quantity = 2
	updated.Unit = alerting.UnitWeek
	updated.Contact = "https://hooks.example.com/a"
	require.NoError(t, s.SaveRule(ctx, updated))
	got, err = s.GetRule(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Quantity)
	assert.Equal(t, alerting.UnitWeek, got.Unit)
	assert.Equal(t, "https://hooks.example.com/a", got.Contact)

	bySub, err := s.ListRulesBySubscription(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, bySub, 2)
	assert.Equal(t, alerting.RuleID("r-1"), bySub[0].ID)
	assert.Equal(t, alerting.RuleID("r-2"), bySub[1].ID)

	all, err := s.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, alerting.RuleID("r-3"), all[0].ID)

	require.NoError(t, s.DeleteRule(ctx, "r-1"))
	_, err = s.GetRule(ctx, "r-1")
	assert.ErrorIs(t, err, alerting.ErrRuleNotFound)
	assert.ErrorIs(t, s.DeleteRule(ctx, "r-1"), alerting.ErrRuleNotFound)
}

// =============================================================================
// INSTANCE LIFECYCLE
// =============================================================================

func testOneActivePerCycle(t *testing.T, s Store) {
	create(t, s, pending("i-1", "r-1", 10))

	err := s.CreateInstance(ctx, pending("i-2", "r-1", 10))
	assert.ErrorIs(t, err, alerting.ErrDuplicateActiveInstance)

	// other rules and other cycles are independent
	create(t, s, pending("i-3", "r-2", 10), pending("i-4", "r-1", 20))

	// a dispatching instance still holds the slot
	claim(t, s, "i-1", "tok", day(8))
	err = s.CreateInstance(ctx, pending("i-5", "r-1", 10))
	assert.ErrorIs(t, err, alerting.ErrDuplicateActiveInstance)

	// once terminal, the slot is free again
	require.NoError(t, s.MarkSent(ctx, "i-1", "tok", day(8)))
	create(t, s, pending("i-5", "r-1", 10))

	active, err := s.ActiveInstances(ctx, "r-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"i-4", "i-5"}, ids(active))

	history, err := s.CycleHistory(ctx, "r-1", "2025-03-10")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"i-1", "i-5"}, ids(history))

	_, err = s.GetInstance(ctx, "missing")
	assert.ErrorIs(t, err, alerting.ErrInstanceNotFound)
}

func testReschedule(t *testing.T, s Store) {
	inst := pending("i-1", "r-1", 10)
	inst.AttemptCount = 2
	inst.LastError = "timeout"
	inst.Reason = alerting.ReasonTransientFailure
	retryAt := t0.Add(time.Hour)
	inst.NextAttemptAt = &retryAt
	create(t, s, inst)

	// same cycle: schedule changes, delivery budget kept
	sched := inst.Schedule()
	sched.AlertSendDate = day(8)
	sched.Contact = "ops@example.com"
	require.NoError(t, s.Reschedule(ctx, "i-1", sched, t0))
	got := get(t, s, "i-1")
	assert.True(t, day(8).Equal(got.AlertSendDate))
	assert.Equal(t, "ops@example.com", got.Contact)
	assert.Equal(t, 2, got.AttemptCount)
	sameTime(t, retryAt, got.NextAttemptAt)

	// new cycle: budget reset
	moved := pending("x", "r-1", 15).Schedule()
	require.NoError(t, s.Reschedule(ctx, "i-1", moved, t0))
	got = get(t, s, "i-1")
	assert.Equal(t, "2025-03-15", got.CycleKey)
	assert.True(t, day(12).Equal(got.AlertSendDate))
	assert.True(t, got.Payload.Equal(moved.Payload))
	assert.Zero(t, got.AttemptCount)
	assert.Nil(t, got.NextAttemptAt)
	assert.Empty(t, got.LastError)
	assert.Equal(t, alerting.ReasonNone, got.Reason)
	assert.Equal(t, alerting.StatusPending, got.Status)

	// cannot move onto a cycle another active instance holds
	create(t, s, pending("i-2", "r-1", 20))
	err := s.Reschedule(ctx, "i-1", pending("x", "r-1", 20).Schedule(), t0)
	assert.ErrorIs(t, err, alerting.ErrDuplicateActiveInstance)

	// only pending rows are rewritten
	claim(t, s, "i-1", "tok", day(13))
	err = s.Reschedule(ctx, "i-1", pending("x", "r-1", 25).Schedule(), t0)
	assert.ErrorIs(t, err, alerting.ErrNotPending)
	assert.Equal(t, "2025-03-15", get(t, s, "i-1").CycleKey)

	assert.ErrorIs(t, s.Reschedule(ctx, "missing", moved, t0), alerting.ErrNotPending)
}

func testCancel(t *testing.T, s Store) {
	create(t, s, pending("i-1", "r-1", 10), pending("i-2", "r-1", 20))

	require.NoError(t, s.Cancel(ctx, "i-1", alerting.ReasonRuleDeleted, t0))
	got := get(t, s, "i-1")
	assert.Equal(t, alerting.StatusFailed, got.Status)
	assert.Equal(t, alerting.ReasonRuleDeleted, got.Reason)

	assert.ErrorIs(t, s.Cancel(ctx, "i-1", alerting.ReasonRuleDeleted, t0), alerting.ErrNotPending)

	claim(t, s, "i-2", "tok", day(20))
	assert.ErrorIs(t, s.Cancel(ctx, "i-2", alerting.ReasonSuperseded, t0), alerting.ErrNotPending)
	assert.Equal(t, alerting.StatusDispatching, get(t, s, "i-2").Status)
}

func testListDue(t *testing.T, s Store) {
	late := pending("i-late", "r-1", 9)      // send 03-06
	onTime := pending("i-ontime", "r-2", 10) // send 03-07
	future := pending("i-future", "r-3", 20) // send 03-17
	retry := pending("i-retry", "r-4", 8)    // send 03-05, retry deferred
	next := day(7).Add(12 * time.Hour)
	retry.NextAttemptAt = &next
	early := pending("i-early", "r-5", 25) // send 03-22, retry pulled forward
	soon := day(6)
	early.NextAttemptAt = &soon
	create(t, s, late, onTime, future, retry, early)

	due, err := s.ListDue(ctx, day(7), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"i-early", "i-late", "i-ontime"}, ids(due))

	due, err = s.ListDue(ctx, day(8), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"i-early", "i-late"}, ids(due))

	claim(t, s, "i-late", "tok", day(8))
	due, err = s.ListDue(ctx, day(8), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"i-early", "i-ontime", "i-retry"}, ids(due))
}

func testClaim(t *testing.T, s Store) {
	create(t, s, pending("i-1", "r-1", 10))

	// not yet due
	inst, err := s.Claim(ctx, "i-1", "a", day(6))
	assert.ErrorIs(t, err, alerting.ErrClaimConflict)
	assert.Nil(t, inst)

	// the returned row reflects the claim and the stored schedule
	claimed := claim(t, s, "i-1", "a", t0)
	assert.Equal(t, alerting.StatusDispatching, claimed.Status)
	assert.Equal(t, "a", claimed.ClaimToken)
	sameTime(t, t0, claimed.ClaimedAt)
	assert.Equal(t, "2025-03-10", claimed.CycleKey)
	assert.Equal(t, "user@example.com", claimed.Contact)
	assert.Equal(t, "Netflix", claimed.Payload.SubscriptionName)

	got := get(t, s, "i-1")
	assert.Equal(t, alerting.StatusDispatching, got.Status)
	assert.Equal(t, "a", got.ClaimToken)
	sameTime(t, t0, got.ClaimedAt)

	_, err = s.Claim(ctx, "i-1", "b", t0)
	assert.ErrorIs(t, err, alerting.ErrClaimConflict)
	_, err = s.Claim(ctx, "missing", "b", t0)
	assert.ErrorIs(t, err, alerting.ErrClaimConflict)
}

func testClaimRace(t *testing.T, s Store) {
	create(t, s, pending("i-1", "r-1", 10))

	const workers = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	var won []string
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		token := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Claim(ctx, "i-1", token, t0)
			if err == nil {
				mu.Lock()
				won = append(won, token)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, alerting.ErrClaimConflict)
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, won, 1)
	assert.Equal(t, won[0], get(t, s, "i-1").ClaimToken)
}

func testCompletion(t *testing.T, s Store) {
	create(t, s, pending("i-1", "r-1", 10), pending("i-2", "r-2", 10), pending("i-3", "r-3", 10))
	for _, id := range []alerting.InstanceID{"i-1", "i-2", "i-3"} {
		claim(t, s, id, "tok-"+string(id), t0)
	}

	// a stranger's token changes nothing
	assert.ErrorIs(t, s.MarkSent(ctx, "i-1", "other", t0), alerting.ErrNotPending)
	assert.Equal(t, alerting.StatusDispatching, get(t, s, "i-1").Status)

	later := t0.Add(time.Minute)
	require.NoError(t, s.MarkSent(ctx, "i-1", "tok-i-1", later))
	sent := get(t, s, "i-1")
	assert.Equal(t, alerting.StatusSent, sent.Status)
	assert.Equal(t, 1, sent.AttemptCount)
	sameTime(t, later, sent.SentAt)
	assert.Empty(t, sent.ClaimToken)
	assert.Nil(t, sent.ClaimedAt)

	// the same token cannot complete twice
	assert.ErrorIs(t, s.MarkSent(ctx, "i-1", "tok-i-1", later), alerting.ErrNotPending)

	retryAt := t0.Add(45 * time.Second)
	require.NoError(t, s.MarkRetry(ctx, "i-2", "tok-i-2", retryAt, "503 Service Unavailable", t0))
	retried := get(t, s, "i-2")
	assert.Equal(t, alerting.StatusPending, retried.Status)
	assert.Equal(t, 1, retried.AttemptCount)
	assert.Equal(t, alerting.ReasonTransientFailure, retried.Reason)
	assert.Equal(t, "503 Service Unavailable", retried.LastError)
	sameTime(t, retryAt, retried.NextAttemptAt)
	assert.Empty(t, retried.ClaimToken)

	require.NoError(t, s.MarkFailed(ctx, "i-3", "tok-i-3", alerting.ReasonPermanentFailure, "410 Gone", t0))
	failed := get(t, s, "i-3")
	assert.Equal(t, alerting.StatusFailed, failed.Status)
	assert.Equal(t, alerting.ReasonPermanentFailure, failed.Reason)
	assert.Equal(t, "410 Gone", failed.LastError)
	assert.Nil(t, failed.NextAttemptAt)
}

func testRequeueStuck(t *testing.T, s Store) {
	old := pending("i-old", "r-1", 10)
	poison := pending("i-poison", "r-2", 10)
	poison.AttemptCount = 4
	fresh := pending("i-fresh", "r-3", 10)
	create(t, s, old, poison, fresh)
	claim(t, s, "i-old", "a", t0)
	claim(t, s, "i-poison", "b", t0)
	claim(t, s, "i-fresh", "c", t0.Add(10*time.Minute))

	now := t0.Add(11 * time.Minute)
	requeued, failed, err := s.RequeueStuck(ctx, now.Add(-5*time.Minute), 5, now)

	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, failed)

	got := get(t, s, "i-old")
	assert.Equal(t, alerting.StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, alerting.ReasonClaimExpired, got.Reason)
	assert.NotEmpty(t, got.LastError)
	assert.Empty(t, got.ClaimToken)
	sameTime(t, now, got.NextAttemptAt)

	got = get(t, s, "i-poison")
	assert.Equal(t, alerting.StatusFailed, got.Status)
	assert.Equal(t, 5, got.AttemptCount)
	assert.Equal(t, alerting.ReasonClaimExpired, got.Reason)

	assert.Equal(t, alerting.StatusDispatching, get(t, s, "i-fresh").Status)

	// the stale owner lost the row
	assert.ErrorIs(t, s.MarkSent(ctx, "i-old", "a", now), alerting.ErrNotPending)
	// the live owner still holds its own
	assert.NoError(t, s.MarkSent(ctx, "i-fresh", "c", now))
}

func testQueryInstances(t *testing.T, s Store) {
	a := pending("i-a", "r-1", 10)
	b := pending("i-b", "r-1", 20)
	c := pending("i-c", "r-2", 15)
	c.SubscriptionID = "sub-2"
	d := pending("i-d", "r-3", 12)
	d.UserID = "user-2"
	create(t, s, a, b, c, d)
	require.NoError(t, s.Cancel(ctx, "i-a", alerting.ReasonRuleNotApplicable, t0))

	all, err := s.QueryInstances(ctx, alerting.InstanceFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"i-b", "i-c", "i-d", "i-a"}, ids(all))

	bySub, err := s.QueryInstances(ctx, alerting.InstanceFilter{SubscriptionID: "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"i-b", "i-d", "i-a"}, ids(bySub))

	byUser, err := s.QueryInstances(ctx, alerting.InstanceFilter{UserID: "user-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"i-d"}, ids(byUser))

	byRule, err := s.QueryInstances(ctx, alerting.InstanceFilter{RuleID: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"i-b", "i-a"}, ids(byRule))

	failed, err := s.QueryInstances(ctx, alerting.InstanceFilter{Statuses: []alerting.Status{alerting.StatusFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, alerting.ReasonRuleNotApplicable, failed[0].Reason)

	limited, err := s.QueryInstances(ctx, alerting.InstanceFilter{
		Statuses: []alerting.Status{alerting.StatusPending, alerting.StatusFailed},
		Limit:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"i-b", "i-c"}, ids(limited))
}
