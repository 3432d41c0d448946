/*
handlers_test.go - HTTP tests for the alert API

Tests for:
- Rule write path (create, update, delete) and its reconcile side effects
- Subscription trigger (renewal date change reschedules)
- Operator read path filters
- Admin dispatch / sweep triggers
- Health and metrics endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/renewal-alerts/alerting"
	"github.com/warp/renewal-alerts/store/sqlite"
	"github.com/warp/renewal-alerts/telemetry"
)

type testServer struct {
	t       *testing.T
	router  http.Handler
	handler *Handler
	now     time.Time
	mu      sync.Mutex
	sent    []alerting.Message
	failing error
}

func newTestServer(t *testing.T, now time.Time) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := &testServer{t: t, now: now}
	notifier := alerting.NotifierFunc(func(_ context.Context, msg alerting.Message) error {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		if ts.failing != nil {
			return ts.failing
		}
		ts.sent = append(ts.sent, msg)
		return nil
	})

	metrics := telemetry.NewMetrics()
	ts.handler = NewHandler(store, notifier, alerting.DefaultDispatcherConfig(), telemetry.NewLogger("error", "text", io.Discard),
		alerting.WithClock(func() time.Time { return ts.now }),
		alerting.WithRecorder(metrics),
	)
	ts.router = NewRouter(ts.handler, metrics.Handler(), nil)
	return ts
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) putSubscription(id, renewal string) {
	ts.t.Helper()
	rec := ts.do(http.MethodPut, "/api/subscriptions/"+id, map[string]any{
		"user_id":      "user-1",
		"name":         "Netflix",
		"renewal_date": renewal,
		"price":        "15.99",
		"currency":     "usd",
	})
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (ts *testServer) createRule(subID string, qty int, unit string) RuleResponse {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/rules", RuleRequest{
		UserID: "user-1", SubscriptionID: subID,
		Quantity: qty, Unit: unit, AlertOn: "payment_date", Contact: "user@example.com",
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[RuleResponse](ts.t, rec)
}

func (ts *testServer) alerts(path string) []InstanceDTO {
	ts.t.Helper()
	rec := ts.do(http.MethodGet, path, nil)
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[[]InstanceDTO](ts.t, rec)
}

var march1 = time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)

// =============================================================================
// RULES
// =============================================================================

func TestCreateRule_MaterializesInstance(t *testing.T) {
	// GIVEN: a subscription renewing 2025-03-10
	ts := newTestServer(t, march1)
	ts.putSubscription("sub-1", "2025-03-10")

	// WHEN: a 3-day rule is created
	resp := ts.createRule("sub-1", 3, "day")

	// THEN: one pending alert for 2025-03-07
	assert.Equal(t, alerting.ActionCreated, resp.Reconcile.Action)
	assert.Equal(t, "sub-1", resp.Rule.SubscriptionID)

	alerts := ts.alerts("/api/subscriptions/sub-1/alerts")
	require.Len(t, alerts, 1)
	assert.Equal(t, "2025-03-07", alerts[0].AlertSendDate)
	assert.Equal(t, "2025-03-10", alerts[0].TargetDate)
	assert.Equal(t, "pending", alerts[0].Status)
	assert.Equal(t, resp.Rule.ID, alerts[0].AlertRuleID)

	got := ts.do(http.MethodGet, "/api/alerts/"+alerts[0].ID, nil)
	assert.Equal(t, http.StatusOK, got.Code)
}

func TestCreateRule_Invalid(t *testing.T) {
	ts := newTestServer(t, march1)

	tests := []struct {
		name string
		body any
	}{
		{"zero quantity", RuleRequest{UserID: "u", SubscriptionID: "s", Quantity: 0, Unit: "day", AlertOn: "payment_date", Contact: "c"}},
		{"bad unit", RuleRequest{UserID: "u", SubscriptionID: "s", Quantity: 1, Unit: "year", AlertOn: "payment_date", Contact: "c"}},
		{"bad anchor", RuleRequest{UserID: "u", SubscriptionID: "s", Quantity: 1, Unit: "day", AlertOn: "trial_end", Contact: "c"}},
		{"missing contact", RuleRequest{UserID: "u", SubscriptionID: "s", Quantity: 1, Unit: "day", AlertOn: "payment_date"}},
		{"not json", "quantity=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/rules", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestRule_NotFound(t *testing.T) {
	ts := newTestServer(t, march1)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/rules/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodDelete, "/api/rules/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPut, "/api/rules/nope", RuleRequest{
		Quantity: 1, Unit: "day", AlertOn: "payment_date", Contact: "c",
	}).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/alerts/nope", nil).Code)
}

func TestUpdateRule_Reschedules(t *testing.T) {
	ts := newTestServer(t, march1)
	ts.putSubscription("sub-1", "2025-03-10")
	created := ts.createRule("sub-1", 3, "day")

	rec := ts.do(http.MethodPut, "/api/rules/"+created.Rule.ID, RuleRequest{
		Quantity: 1, Unit: "week", AlertOn: "payment_date", Contact: "user@example.com",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[RuleResponse](t, rec)
	assert.Equal(t, alerting.ActionRescheduled, resp.Reconcile.Action)
	assert.Equal(t, "week", resp.Rule.Unit)
	alerts := ts.alerts("/api/subscriptions/sub-1/alerts")
	require.Len(t, alerts, 1)
	assert.Equal(t, "2025-03-03", alerts[0].AlertSendDate)
}

func TestDeleteRule_CancelsPending(t *testing.T) {
	ts := newTestServer(t, march1)
	ts.putSubscription("sub-1", "2025-03-10")
	created := ts.createRule("sub-1", 3, "day")

	rec := ts.do(http.MethodDelete, "/api/rules/"+created.Rule.ID, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[DeleteRuleResponse](t, rec).Cancelled)
	alerts := ts.alerts("/api/subscriptions/sub-1/alerts")
	require.Len(t, alerts, 1)
	assert.Equal(t, "failed", alerts[0].Status)
	assert.Equal(t, "rule_deleted", alerts[0].Reason)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/rules/"+created.Rule.ID, nil).Code)
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

func TestPutSubscription_RenewalMoveReschedules(t *testing.T) {
	// GIVEN: a pending alert for renewal 2025-03-10
	ts := newTestServer(t, march1)
	ts.putSubscription("sub-1", "2025-03-10")
	created := ts.createRule("sub-1", 3, "day")

	// WHEN: the host application reports the renewal moved to 2025-03-15
	rec := ts.do(http.MethodPut, "/api/subscriptions/sub-1", map[string]any{
		"user_id": "user-1", "name": "Netflix", "renewal_date": "2025-03-15", "price": "15.99", "currency": "usd",
	})

	// THEN: the same alert now fires 2025-03-12
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ReconcileResponse](t, rec)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, alerting.ActionRescheduled, resp.Results[0].Action)
	assert.Equal(t, created.Reconcile.InstanceID, resp.Results[0].InstanceID)

	alerts := ts.alerts("/api/subscriptions/sub-1/alerts")
	require.Len(t, alerts, 1)
	assert.Equal(t, "2025-03-12", alerts[0].AlertSendDate)
	assert.Equal(t, "2025-03-15", alerts[0].CycleKey)
}

func TestPutSubscription_CancelledSubscription(t *testing.T) {
	ts := newTestServer(t, march1)
	ts.putSubscription("sub-1", "2025-03-10")
	ts.createRule("sub-1", 3, "day")

	rec := ts.do(http.MethodPut, "/api/subscriptions/sub-1", map[string]any{
		"user_id": "user-1", "renewal_date": "2025-03-10", "active": false,
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ReconcileResponse](t, rec)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, alerting.ActionCancelled, resp.Results[0].Action)
	failed := ts.alerts("/api/users/user-1/alerts?status=failed")
	require.Len(t, failed, 1)
	assert.Equal(t, "rule_not_applicable", failed[0].Reason)
}

func TestPutSubscription_Invalid(t *testing.T) {
	ts := newTestServer(t, march1)

	rec := ts.do(http.MethodPut, "/api/subscriptions/sub-1", map[string]any{"user_id": "u", "renewal_date": "10/03/2025"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPut, "/api/subscriptions/sub-1", map[string]any{"renewal_date": "2025-03-10"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSubscriptionRules(t *testing.T) {
	ts := newTestServer(t, march1)
	ts.putSubscription("sub-1", "2025-03-10")
	ts.createRule("sub-1", 3, "day")
	ts.createRule("sub-1", 1, "week")

	rec := ts.do(http.MethodGet, "/api/subscriptions/sub-1/rules", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]RuleDTO](t, rec), 2)
}

// =============================================================================
// READ PATH
// =============================================================================

func TestListAlerts_Filters(t *testing.T) {
	ts := newTestServer(t, march1)
	ts.putSubscription("sub-1", "2025-03-10")
	ts.putSubscription("sub-2", "2025-03-20")
	ts.createRule("sub-1", 3, "day")
	second := ts.createRule("sub-2", 3, "day")
	ts.do(http.MethodDelete, "/api/rules/"+second.Rule.ID, nil)

	assert.Len(t, ts.alerts("/api/users/user-1/alerts"), 2)
	assert.Len(t, ts.alerts("/api/users/user-1/alerts?status=pending"), 1)
	assert.Len(t, ts.alerts("/api/users/user-1/alerts?status=pending,failed"), 2)
	assert.Len(t, ts.alerts("/api/users/user-1/alerts?limit=1"), 1)
	assert.Empty(t, ts.alerts("/api/users/user-2/alerts"))

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/users/user-1/alerts?status=lost", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/users/user-1/alerts?limit=0", nil).Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdminDispatch_DeliversDueAlerts(t *testing.T) {
	// GIVEN: an alert due on 2025-03-07
	ts := newTestServer(t, march1)
	ts.putSubscription("sub-1", "2025-03-10")
	ts.createRule("sub-1", 3, "day")

	// WHEN: dispatched before and on the send date
	early := decode[alerting.PassResult](t, ts.do(http.MethodPost, "/api/admin/dispatch", nil))
	ts.now = time.Date(2025, time.March, 7, 9, 0, 0, 0, time.UTC)
	rec := ts.do(http.MethodPost, "/api/admin/dispatch", nil)

	// THEN: delivered exactly once, on time
	assert.Zero(t, early.Due)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[alerting.PassResult](t, rec)
	assert.Equal(t, 1, res.Sent)
	require.Len(t, ts.sent, 1)
	assert.Equal(t, "Netflix renews Mar 10, 2025", ts.sent[0].Subject)

	again := decode[alerting.PassResult](t, ts.do(http.MethodPost, "/api/admin/dispatch", nil))
	assert.Zero(t, again.Due)
	sent := ts.alerts("/api/users/user-1/alerts?status=sent")
	require.Len(t, sent, 1)
	assert.NotNil(t, sent[0].SentAt)
}

func TestAdminDispatch_TransientFailureRetries(t *testing.T) {
	ts := newTestServer(t, time.Date(2025, time.March, 7, 9, 0, 0, 0, time.UTC))
	ts.putSubscription("sub-1", "2025-03-10")
	ts.createRule("sub-1", 3, "day")
	ts.failing = errors.New("502 Bad Gateway")

	res := decode[alerting.PassResult](t, ts.do(http.MethodPost, "/api/admin/dispatch", nil))

	assert.Equal(t, 1, res.Retried)
	alerts := ts.alerts("/api/users/user-1/alerts")
	require.Len(t, alerts, 1)
	assert.Equal(t, "pending", alerts[0].Status)
	assert.Equal(t, 1, alerts[0].AttemptCount)
	assert.Equal(t, "502 Bad Gateway", alerts[0].LastError)
	assert.NotNil(t, alerts[0].NextAttemptAt)
}

func TestAdminReconcileAndSweep(t *testing.T) {
	ts := newTestServer(t, march1)
	ts.putSubscription("sub-1", "2025-03-10")
	ts.createRule("sub-1", 3, "day")

	rec := ts.do(http.MethodPost, "/api/admin/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[alerting.Summary](t, rec)
	assert.Equal(t, 1, summary.Rules)
	assert.Equal(t, 1, summary.Actions[alerting.ActionUnchanged])

	rec = ts.do(http.MethodPost, "/api/admin/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, SweepResponse{}, decode[SweepResponse](t, rec))
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, march1)
	ts.putSubscription("sub-1", "2025-03-10")
	ts.createRule("sub-1", 3, "day")

	rec := ts.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `renewal_alerts_reconcile_actions_total{action="created"} 1`)
}

func TestScheduler_StartStop(t *testing.T) {
	ts := newTestServer(t, time.Date(2025, time.March, 7, 9, 0, 0, 0, time.UTC))
	ts.putSubscription("sub-1", "2025-03-10")
	ts.createRule("sub-1", 3, "day")

	s := NewScheduler(ts.handler, ScheduleConfig{Reconcile: "@every 1h", StuckSweep: "@every 1m", Dispatch: true}, nil)
	require.NoError(t, s.Start())

	// the dispatcher polls immediately on start
	require.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.sent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	ts := newTestServer(t, march1)
	s := NewScheduler(ts.handler, ScheduleConfig{Reconcile: "every hour"}, nil)
	assert.Error(t, s.Start())
}
