package alerting_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/renewal-alerts/alerting"
)

// =============================================================================
// MATERIALIZATION
// =============================================================================

func TestReconcile_CreatesPendingInstance(t *testing.T) {
	// GIVEN: a subscription renewing 2025-03-10
	e := newEnv(t, date(2025, time.March, 1))
	e.subscription("sub-1", date(2025, time.March, 10))

	// WHEN: a "3 days before payment" rule is created
	rule, res := e.createRule("sub-1", 3, alerting.UnitDay, alerting.AlertOnPaymentDate)

	// THEN: one pending instance fires on 2025-03-07
	assert.Equal(t, alerting.ActionCreated, res.Action)
	insts := e.instances(rule.ID)
	require.Len(t, insts, 1)
	inst := insts[0]
	assert.Equal(t, res.InstanceID, inst.ID)
	assert.Equal(t, alerting.StatusPending, inst.Status)
	assert.Equal(t, date(2025, time.March, 7), inst.AlertSendDate)
	assert.Equal(t, date(2025, time.March, 10), inst.TargetDate)
	assert.Equal(t, "2025-03-10", inst.CycleKey)
	assert.Equal(t, 0, inst.AttemptCount)
	assert.Nil(t, inst.NextAttemptAt)
	assert.Equal(t, "user@example.com", inst.Contact)
	assert.Equal(t, "Netflix", inst.Payload.SubscriptionName)
	assert.Equal(t, "15.99", inst.Payload.Price.String())
}

func TestReconcile_RenewalMovesReschedulesSameInstance(t *testing.T) {
	// GIVEN: the instance for renewal 2025-03-10
	e := newEnv(t, date(2025, time.March, 1))
	e.subscription("sub-1", date(2025, time.March, 10))
	rule, created := e.createRule("sub-1", 3, alerting.UnitDay, alerting.AlertOnPaymentDate)

	// WHEN: the renewal date moves to 2025-03-15 before dispatch
	e.subscription("sub-1", date(2025, time.March, 15))
	results, err := e.reconciler.ReconcileSubscription(e.ctx, "sub-1")

	// THEN: the same row now fires on 2025-03-12; no second row
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, alerting.ActionRescheduled, results[0].Action)
	assert.Equal(t, created.InstanceID, results[0].InstanceID)

	insts := e.instances(rule.ID)
	require.Len(t, insts, 1)
	assert.Equal(t, created.InstanceID, insts[0].ID)
	assert.Equal(t, date(2025, time.March, 12), insts[0].AlertSendDate)
	assert.Equal(t, date(2025, time.March, 15), insts[0].TargetDate)
	assert.Equal(t, "2025-03-15", insts[0].CycleKey)
	assert.Equal(t, alerting.StatusPending, insts[0].Status)
}

func TestReconcile_Idempotent(t *testing.T) {
	// GIVEN: a reconciled rule
	e := newEnv(t, date(2025, time.March, 1))
	e.subscription("sub-1", date(2025, time.March, 10))
	rule, _ := e.createRule("sub-1", 3, alerting.UnitDay, alerting.AlertOnPaymentDate)
	before := e.instances(rule.ID)

	// WHEN: reconciled again, repeatedly, later in the day
	e.clock.Advance(2 * time.Hour)
	for i := 0; i < 3; i++ {
		res, err := e.reconciler.ReconcileRule(e.ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, alerting.ActionUnchanged, res.Action)
	}

	// THEN: nothing observable changed
	assert.Equal(t, before, e.instances(rule.ID))
}

func TestReconcile_ConcurrentTriggersCreateOneInstance(t *testing.T) {
	e := newEnv(t, date(2025, time.March, 1))
	e.subscription("sub-1", date(2025, time.March, 10))
	rule := alerting.AlertRule{
		ID: "rule-x", UserID: "user-1", SubscriptionID: "sub-1",
		Quantity: 3, Unit: alerting.UnitDay, AlertOn: alerting.AlertOnPaymentDate, Contact: "c",
	}
	require.NoError(t, e.store.SaveRule(e.ctx, rule))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.reconciler.ReconcileRule(e.ctx, rule.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, e.instances(rule.ID), 1)
}

func TestReconcile_LateRuleIsDueImmediately(t *testing.T) {
	// GIVEN: it is already 2025-03-09, two days past the send date
	e := newEnv(t, date(2025, time.March, 9))
	e.subscription("sub-1", date(2025, time.March, 10))

	// WHEN
	rule, res := e.createRule("sub-1", 3, alerting.UnitDay, alerting.AlertOnPaymentDate)

	// THEN: created anyway and due now
	assert.Equal(t, alerting.ActionCreated, res.Action)
	due, err := e.store.ListDue(e.ctx, e.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, rule.ID, due[0].AlertRuleID)
}

func TestReconcile_ContactChangeUpdatesPendingSnapshot(t *testing.T) {
	e := newEnv(t, date(2025, time.March, 1))
	e.subscription("sub-1", date(2025, time.March, 10))
	rule, created := e.createRule("sub-1", 3, alerting.UnitDay, alerting.AlertOnPaymentDate)

	_, res, err := e.rules.Update(e.ctx, rule.ID, alerting.RuleInput{
		Quantity: 1, Unit: alerting.UnitWeek, AlertOn: alerting.AlertOnPaymentDate, Contact: "https://hooks.example.com/x",
	})

	require.NoError(t, err)
	assert.Equal(t, alerting.ActionRescheduled, res.Action)
	inst := e.instance(created.InstanceID)
	assert.Equal(t, "https://hooks.example.com/x", inst.Contact)
	assert.Equal(t, date(2025, time.March, 3), inst.AlertSendDate)
	assert.Equal(t, alerting.UnitWeek, inst.Payload.Unit)
}

// =============================================================================
// SUPERSEDE AND CANCEL
// =============================================================================

func TestReconcile_ElapsedCycleIsSuperseded(t *testing.T) {
	// GIVEN: an instance for 2025-03-10 still pending on 2025-03-12
	e := newEnv(t, date(2025, time.March, 1))
	e.subscription("sub-1", date(2025, time.March, 10))
	rule, created := e.createRule("sub-1", 3, alerting.UnitDay, alerting.AlertOnPaymentDate)
	e.clock.Set(date(2025, time.March, 12))

	// WHEN: the subscription rolls over to the next cycle
	e.subscription("sub-1", date(2025, time.April, 10))
	res, err := e.reconciler.ReconcileRule(e.ctx, rule.ID)

	// THEN: the stale row is superseded and a new one created
	require.NoError(t, err)
	assert.Equal(t, alerting.ActionCreated, res.Action)
	assert.Equal(t, 1, res.Superseded)

	old := e.instance(created.InstanceID)
	assert.Equal(t, alerting.StatusFailed, old.Status)
	assert.Equal(t, alerting.ReasonSuperseded, old.Reason)

	fresh := e.instance(res.InstanceID)
	assert.Equal(t, alerting.StatusPending, fresh.Status)
	assert.Equal(t, "2025-04-10", fresh.CycleKey)
	assert.Equal(t, date(2025, time.April, 7), fresh.AlertSendDate)
}

func TestReconcile_InactiveSubscriptionCancelsPending(t *testing.T) {
	e := newEnv(t, date(2025, time.March, 1))
	sub := e.subscription("sub-1", date(2025, time.March, 10))
	rule, created := e.createRule("sub-1", 3, alerting.UnitDay, alerting.AlertOnPaymentDate)

	sub.Active = false
	e.store.PutSubscription(sub)
	res, err := e.reconciler.ReconcileRule(e.ctx, rule.ID)

	require.NoError(t, err)
	assert.Equal(t, alerting.ActionCancelled, res.Action)
	assert.Equal(t, 1, res.Cancelled)
	inst := e.instance(created.InstanceID)
	assert.Equal(t, alerting.StatusFailed, inst.Status)
	assert.Equal(t, alerting.ReasonRuleNotApplicable, inst.Reason)

	// Re-running while inactive is a no-op
	res, err = e.reconciler.ReconcileRule(e.ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, alerting.ActionUnchanged, res.Action)
}

func TestReconcile_ReactivationMaterializesAgain(t *testing.T) {
	e := newEnv(t, date(2025, time.March, 1))
	sub := e.subscription("sub-1", date(2025, time.March, 10))
	rule, created := e.createRule("sub-1", 3, alerting.UnitDay, alerting.AlertOnPaymentDate)

	sub.Active = false
	e.store.PutSubscription(sub)
	_, err := e.reconciler.ReconcileRule(e.ctx, rule.ID)
	require.NoError(t, err)

	sub.Active = true
	e.store.PutSubscription(sub)
	res, err := e.reconciler.ReconcileRule(e.ctx, rule.ID)

	require.NoError(t, err)
	assert.Equal(t, alerting.ActionCreated, res.Action)
	assert.NotEqual(t, created.InstanceID, res.InstanceID)
	assert.Len(t, e.instances(rule.ID), 2)
}

func TestReconcile_MissingSubscriptionIsNotApplicable(t *testing.T) {
	e := newEnv(t, date(2025, time.March, 1))
	e.subscription("sub-1", date(2025, time.March, 10))
	rule := alerting.AlertRule{
		ID: "rule-orphan", UserID: "user-1", SubscriptionID: "sub-gone",
		Quantity: 3, Unit: alerting.UnitDay, AlertOn: alerting.AlertOnPaymentDate, Contact: "c",
	}
	require.NoError(t, e.store.SaveRule(e.ctx, rule))

	res, err := e.reconciler.ReconcileRule(e.ctx, rule.ID)

	require.NoError(t, err)
	assert.Equal(t, alerting.ActionUnchanged, res.Action)
	assert.Empty(t, e.instances(rule.ID))
}

func TestReconcile_GraceRuleWithoutGracePeriod(t *testing.T) {
	e := newEnv(t, date(2025, time.March, 1))
	e.subscription("sub-1", date(2025, time.March, 10))

	rule, res := e.createRule("sub-1", 1, alerting.UnitMonth, alerting.AlertOnGracePeriod)

	assert.Equal(t, alerting.ActionUnchanged, res.Action)
	assert.Empty(t, e.instances(rule.ID))
}

// =============================================================================
// IN-FLIGHT AND FINISHED CYCLES
// =============================================================================

func TestReconcile_DispatchingInstanceUntouched(t *testing.T) {
	// GIVEN: an instance claimed by a dispatcher
	e := newEnv(t, date(2025, time.March, 7))
	sub := e.subscription("sub-1", date(2025, time.March, 10))
	rule, created := e.createRule("sub-1", 3, alerting.UnitDay, alerting.AlertOnPaymentDate)
	e.claim(created.InstanceID, "tok")

	// WHEN: the subscription is cancelled mid-delivery
	sub.Active = false
	e.store.PutSubscription(sub)
	res, err := e.reconciler.ReconcileRule(e.ctx, rule.ID)

	// THEN: delivery is not retracted
	require.NoError(t, err)
	assert.Equal(t, alerting.ActionUnchanged, res.Action)
	inst := e.instance(created.InstanceID)
	assert.Equal(t, alerting.StatusDispatching, inst.Status)
	assert.Equal(t, "tok", inst.ClaimToken)
}

func TestReconcile_DispatchingSameCycleNotRescheduled(t *testing.T) {
	e := newEnv(t, date(2025, time.March, 7))
	e.subscription("sub-1", date(2025, time.March, 10))
	rule, created := e.createRule("sub-1", 3, alerting.UnitDay, alerting.AlertOnPaymentDate)
	e.claim(created.InstanceID, "tok")

	_, _, err := e.rules.Update(e.ctx, rule.ID, alerting.RuleInput{
		Quantity: 2, Unit: alerting.UnitDay, AlertOn: alerting.AlertOnPaymentDate, Contact: "user@example.com",
	})

	require.NoError(t, err)
	inst := e.instance(created.InstanceID)
	assert.Equal(t, alerting.StatusDispatching, inst.Status)
	assert.Equal(t, date(2025, time.March, 7), inst.AlertSendDate)
	assert.Len(t, e.instances(rule.ID), 1)
}

func TestReconcile_SentCycleIsNeverResent(t *testing.T) {
	// GIVEN: the cycle's alert was delivered
	e := newEnv(t, date(2025, time.March, 7))
	e.subscription("sub-1", date(2025, time.March, 10))
	rule, created := e.createRule("sub-1", 3, alerting.UnitDay, alerting.AlertOnPaymentDate)
	e.claim(created.InstanceID, "tok")
	require.NoError(t, e.store.MarkSent(e.ctx, created.InstanceID, "tok", e.clock.Now()))

	// WHEN: reconciled again for the same cycle
	res, err := e.reconciler.ReconcileRule(e.ctx, rule.ID)

	// THEN: skipped, no new instance
	require.NoError(t, err)
	assert.Equal(t, alerting.ActionSkipped, res.Action)
	assert.Len(t, e.instances(rule.ID), 1)
}

func TestReconcile_NextCycleAfterSent(t *testing.T) {
	e := newEnv(t, date(2025, time.March, 7))
	e.subscription("sub-1", date(2025, time.March, 10))
	rule, created := e.createRule("sub-1", 3, alerting.UnitDay, alerting.AlertOnPaymentDate)
	e.claim(created.InstanceID, "tok")
	require.NoError(t, e.store.MarkSent(e.ctx, created.InstanceID, "tok", e.clock.Now()))

	e.clock.Set(date(2025, time.March, 11))
	e.subscription("sub-1", date(2025, time.April, 10))
	res, err := e.reconciler.ReconcileRule(e.ctx, rule.ID)

	require.NoError(t, err)
	assert.Equal(t, alerting.ActionCreated, res.Action)
	assert.Equal(t, alerting.StatusSent, e.instance(created.InstanceID).Status)
	assert.Equal(t, "2025-04-10", e.instance(res.InstanceID).CycleKey)
}

// =============================================================================
// SWEEPS
// =============================================================================

func TestReconcileAll_Summary(t *testing.T) {
	e := newEnv(t, date(2025, time.March, 1))
	e.subscription("sub-1", date(2025, time.March, 10))
	e.subscription("sub-2", date(2025, time.March, 20))
	r1, _ := e.createRule("sub-1", 3, alerting.UnitDay, alerting.AlertOnPaymentDate)
	e.createRule("sub-2", 1, alerting.UnitWeek, alerting.AlertOnPaymentDate)

	e.subscription("sub-1", date(2025, time.March, 17))
	rec := newRecorder()
	reconciler := alerting.NewReconciler(e.store, e.store, e.store,
		alerting.WithClock(e.clock.Now), alerting.WithRecorder(rec))

	summary, err := reconciler.ReconcileAll(e.ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Rules)
	assert.Equal(t, 0, summary.Errors)
	assert.Equal(t, 1, summary.Actions[alerting.ActionRescheduled])
	assert.Equal(t, 1, summary.Actions[alerting.ActionUnchanged])
	assert.Equal(t, 1, rec.actions[alerting.ActionRescheduled])
	assert.Equal(t, date(2025, time.March, 14), e.instances(r1.ID)[0].AlertSendDate)
}

// =============================================================================
// RULE SERVICE
// =============================================================================

func TestRuleService_CreateRejectsInvalid(t *testing.T) {
	e := newEnv(t, date(2025, time.March, 1))

	_, _, err := e.rules.Create(e.ctx, alerting.RuleInput{
		UserID: "user-1", SubscriptionID: "sub-1",
		Quantity: 0, Unit: alerting.UnitDay, AlertOn: alerting.AlertOnPaymentDate, Contact: "c",
	})

	var verr *alerting.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "quantity", verr.Field)
	rules, _ := e.store.ListRules(e.ctx)
	assert.Empty(t, rules)
}

func TestRuleService_UpdateCannotMoveSubscription(t *testing.T) {
	e := newEnv(t, date(2025, time.March, 1))
	e.subscription("sub-1", date(2025, time.March, 10))
	rule, _ := e.createRule("sub-1", 3, alerting.UnitDay, alerting.AlertOnPaymentDate)

	_, _, err := e.rules.Update(e.ctx, rule.ID, alerting.RuleInput{
		SubscriptionID: "sub-2", Quantity: 3, Unit: alerting.UnitDay, AlertOn: alerting.AlertOnPaymentDate, Contact: "c",
	})

	assert.True(t, alerting.IsClientError(err))
}

func TestRuleService_UpdateUnknownRule(t *testing.T) {
	e := newEnv(t, date(2025, time.March, 1))

	_, _, err := e.rules.Update(e.ctx, "missing", alerting.RuleInput{
		Quantity: 3, Unit: alerting.UnitDay, AlertOn: alerting.AlertOnPaymentDate, Contact: "c",
	})

	assert.ErrorIs(t, err, alerting.ErrRuleNotFound)
}

func TestRuleService_DeleteCancelsPendingOnly(t *testing.T) {
	// GIVEN: a rule with a sent instance (last cycle) and a pending one (this cycle)
	e := newEnv(t, date(2025, time.March, 7))
	e.subscription("sub-1", date(2025, time.March, 10))
	rule, first := e.createRule("sub-1", 3, alerting.UnitDay, alerting.AlertOnPaymentDate)
	e.claim(first.InstanceID, "tok")
	require.NoError(t, e.store.MarkSent(e.ctx, first.InstanceID, "tok", e.clock.Now()))
	e.clock.Set(date(2025, time.March, 11))
	e.subscription("sub-1", date(2025, time.April, 10))
	second, err := e.reconciler.ReconcileRule(e.ctx, rule.ID)
	require.NoError(t, err)

	// WHEN
	cancelled, err := e.rules.Delete(e.ctx, rule.ID)

	// THEN: pending cancelled, history kept, rule gone
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, alerting.StatusSent, e.instance(first.InstanceID).Status)
	pending := e.instance(second.InstanceID)
	assert.Equal(t, alerting.StatusFailed, pending.Status)
	assert.Equal(t, alerting.ReasonRuleDeleted, pending.Reason)

	_, err = e.rules.Get(e.ctx, rule.ID)
	assert.ErrorIs(t, err, alerting.ErrRuleNotFound)
}

func TestRuleService_DeleteLeavesDispatchingAlone(t *testing.T) {
	e := newEnv(t, date(2025, time.March, 7))
	e.subscription("sub-1", date(2025, time.March, 10))
	rule, created := e.createRule("sub-1", 3, alerting.UnitDay, alerting.AlertOnPaymentDate)
	e.claim(created.InstanceID, "tok")

	cancelled, err := e.rules.Delete(e.ctx, rule.ID)

	require.NoError(t, err)
	assert.Equal(t, 0, cancelled)
	assert.Equal(t, alerting.StatusDispatching, e.instance(created.InstanceID).Status)
	// the in-flight delivery can still complete
	assert.NoError(t, e.store.MarkSent(e.ctx, created.InstanceID, "tok", e.clock.Now()))
}

func TestRuleService_DeleteUnknown(t *testing.T) {
	e := newEnv(t, date(2025, time.March, 1))

	_, err := e.rules.Delete(e.ctx, "missing")

	assert.True(t, alerting.IsNotFound(err))
}
