package alerting_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/renewal-alerts/alerting"
	"github.com/warp/renewal-alerts/alerting/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func sequence(prefix string) func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s-%d", prefix, n.Add(1)) }
}

// env wires the engine over the in-memory store.
type env struct {
	t          *testing.T
	ctx        context.Context
	store      *store.Memory
	clock      *fakeClock
	reconciler *alerting.Reconciler
	rules      *alerting.RuleService
}

func newEnv(t *testing.T, now time.Time) *env {
	t.Helper()
	m := store.NewMemory()
	clock := newClock(now)
	opts := []alerting.Option{alerting.WithClock(clock.Now), alerting.WithIDGenerator(sequence("id"))}
	rec := alerting.NewReconciler(m, m, m, opts...)
	return &env{
		t:          t,
		ctx:        context.Background(),
		store:      m,
		clock:      clock,
		reconciler: rec,
		rules:      alerting.NewRuleService(m, rec, opts...),
	}
}

func (e *env) subscription(id string, renewal time.Time) alerting.RenewalState {
	s := alerting.RenewalState{
		SubscriptionID: alerting.SubscriptionID(id),
		UserID:         "user-1",
		Name:           "Netflix",
		RenewalDate:    renewal,
		Active:         true,
		Price:          decimal.RequireFromString("15.99"),
		Currency:       "usd",
	}
	e.store.PutSubscription(s)
	return s
}

func (e *env) createRule(subID string, qty int, unit alerting.Unit, on alerting.AlertOn) (*alerting.AlertRule, alerting.Result) {
	e.t.Helper()
	rule, res, err := e.rules.Create(e.ctx, alerting.RuleInput{
		UserID:         "user-1",
		SubscriptionID: alerting.SubscriptionID(subID),
		Quantity:       qty,
		Unit:           unit,
		AlertOn:        on,
		Contact:        "user@example.com",
	})
	require.NoError(e.t, err)
	return rule, res
}

func (e *env) instances(ruleID alerting.RuleID) []alerting.AlertInstance {
	e.t.Helper()
	out, err := e.store.QueryInstances(e.ctx, alerting.InstanceFilter{RuleID: ruleID})
	require.NoError(e.t, err)
	return out
}

func (e *env) instance(id alerting.InstanceID) alerting.AlertInstance {
	e.t.Helper()
	inst, err := e.store.GetInstance(e.ctx, id)
	require.NoError(e.t, err)
	return *inst
}

// claim takes an instance as a worker would, without delivering it.
func (e *env) claim(id alerting.InstanceID, token string) alerting.AlertInstance {
	e.t.Helper()
	inst, err := e.store.Claim(e.ctx, id, token, e.clock.Now())
	require.NoError(e.t, err)
	return *inst
}

func date(y int, m time.Month, d int) time.Time { return alerting.Date(y, m, d) }

// recordingRecorder counts what the engine reports.
type recordingRecorder struct {
	mu       sync.Mutex
	actions  map[alerting.Action]int
	outcomes map[alerting.Outcome]int
	notifies int
	requeued int
	failed   int
}

func newRecorder() *recordingRecorder {
	return &recordingRecorder{
		actions:  make(map[alerting.Action]int),
		outcomes: make(map[alerting.Outcome]int),
	}
}

func (r *recordingRecorder) ReconcileAction(a alerting.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a]++
}

func (r *recordingRecorder) DispatchOutcome(o alerting.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[o]++
}

func (r *recordingRecorder) NotifyDuration(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifies++
}

func (r *recordingRecorder) StuckRequeued(requeued, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requeued += requeued
	r.failed += failed
}
