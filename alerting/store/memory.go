// Package store provides in-memory implementations of the alerting stores.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/renewal-alerts/alerting"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements alerting.RuleStore, alerting.InstanceStore and
// alerting.SubscriptionSource. Every conditional write runs under one lock,
// which makes it the in-process equivalent of a single SQL UPDATE.
type Memory struct {
	mu            sync.RWMutex
	rules         map[alerting.RuleID]alerting.AlertRule
	instances     map[alerting.InstanceID]alerting.AlertInstance
	subscriptions map[alerting.SubscriptionID]alerting.RenewalState
}

func NewMemory() *Memory {
	return &Memory{
		rules:         make(map[alerting.RuleID]alerting.AlertRule),
		instances:     make(map[alerting.InstanceID]alerting.AlertInstance),
		subscriptions: make(map[alerting.SubscriptionID]alerting.RenewalState),
	}
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// PutSubscription stands in for the host application's subscription writes.
func (m *Memory) PutSubscription(state alerting.RenewalState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[state.SubscriptionID] = state
}

func (m *Memory) GetRenewalState(_ context.Context, id alerting.SubscriptionID) (alerting.RenewalState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return alerting.RenewalState{}, alerting.ErrSubscriptionNotFound
	}
	return s, nil
}

// =============================================================================
// RULES
// =============================================================================

func (m *Memory) SaveRule(_ context.Context, rule alerting.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule
	return nil
}

func (m *Memory) GetRule(_ context.Context, id alerting.RuleID) (*alerting.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, alerting.ErrRuleNotFound
	}
	return &r, nil
}

func (m *Memory) DeleteRule(_ context.Context, id alerting.RuleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return alerting.ErrRuleNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *Memory) ListRulesBySubscription(_ context.Context, subID alerting.SubscriptionID) ([]alerting.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []alerting.AlertRule
	for _, r := range m.rules {
		if r.SubscriptionID == subID {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out, nil
}

func (m *Memory) ListRules(_ context.Context) ([]alerting.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]alerting.AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sortRules(out)
	return out, nil
}

func sortRules(rules []alerting.AlertRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].SubscriptionID != rules[j].SubscriptionID {
			return rules[i].SubscriptionID < rules[j].SubscriptionID
		}
		return rules[i].ID < rules[j].ID
	})
}

// =============================================================================
// INSTANCES
// =============================================================================

func (m *Memory) CreateInstance(_ context.Context, inst alerting.AlertInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeForCycleLocked(inst.AlertRuleID, inst.CycleKey, "") {
		return alerting.ErrDuplicateActiveInstance
	}
	m.instances[inst.ID] = inst
	return nil
}

func (m *Memory) activeForCycleLocked(ruleID alerting.RuleID, cycleKey string, except alerting.InstanceID) bool {
	for _, i := range m.instances {
		if i.ID != except && i.AlertRuleID == ruleID && i.CycleKey == cycleKey && i.Active() {
			return true
		}
	}
	return false
}

func (m *Memory) GetInstance(_ context.Context, id alerting.InstanceID) (*alerting.AlertInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.instances[id]
	if !ok {
		return nil, alerting.ErrInstanceNotFound
	}
	return &i, nil
}

func (m *Memory) ActiveInstances(_ context.Context, ruleID alerting.RuleID) ([]alerting.AlertInstance, error) {
	return m.filter(func(i alerting.AlertInstance) bool {
		return i.AlertRuleID == ruleID && i.Active()
	}, byCreated), nil
}

func (m *Memory) CycleHistory(_ context.Context, ruleID alerting.RuleID, cycleKey string) ([]alerting.AlertInstance, error) {
	return m.filter(func(i alerting.AlertInstance) bool {
		return i.AlertRuleID == ruleID && i.CycleKey == cycleKey
	}, byCreated), nil
}

func (m *Memory) Reschedule(_ context.Context, id alerting.InstanceID, sched alerting.Schedule, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.instances[id]
	if !ok || i.Status != alerting.StatusPending {
		return alerting.ErrNotPending
	}
	if sched.CycleKey != i.CycleKey {
		if m.activeForCycleLocked(i.AlertRuleID, sched.CycleKey, id) {
			return alerting.ErrDuplicateActiveInstance
		}
		// a new cycle starts with a fresh delivery budget
		i.AttemptCount = 0
		i.NextAttemptAt = nil
		i.LastError = ""
		i.Reason = alerting.ReasonNone
	}
	i.CycleKey = sched.CycleKey
	i.TargetDate = sched.TargetDate
	i.AlertSendDate = sched.AlertSendDate
	i.Contact = sched.Contact
	i.Payload = sched.Payload
	i.UpdatedAt = now
	m.instances[id] = i
	return nil
}

func (m *Memory) Cancel(_ context.Context, id alerting.InstanceID, reason alerting.Reason, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.instances[id]
	if !ok || i.Status != alerting.StatusPending {
		return alerting.ErrNotPending
	}
	i.Status = alerting.StatusFailed
	i.Reason = reason
	i.NextAttemptAt = nil
	i.UpdatedAt = now
	m.instances[id] = i
	return nil
}

func (m *Memory) ListDue(_ context.Context, now time.Time, limit int) ([]alerting.AlertInstance, error) {
	due := m.filter(func(i alerting.AlertInstance) bool {
		return i.Status == alerting.StatusPending && !i.DueAt().After(now)
	}, byDue)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) Claim(_ context.Context, id alerting.InstanceID, token string, now time.Time) (*alerting.AlertInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.instances[id]
	if !ok || i.Status != alerting.StatusPending || i.DueAt().After(now) {
		return nil, alerting.ErrClaimConflict
	}
	i.Status = alerting.StatusDispatching
	i.ClaimToken = token
	i.ClaimedAt = &now
	i.UpdatedAt = now
	m.instances[id] = i
	claimed := i
	return &claimed, nil
}

// complete applies fn to a dispatching instance still owned by token.
func (m *Memory) complete(id alerting.InstanceID, token string, now time.Time, fn func(*alerting.AlertInstance)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.instances[id]
	if !ok || i.Status != alerting.StatusDispatching || i.ClaimToken != token {
		return alerting.ErrNotPending
	}
	i.AttemptCount++
	i.ClaimToken = ""
	i.ClaimedAt = nil
	i.UpdatedAt = now
	fn(&i)
	m.instances[id] = i
	return nil
}

func (m *Memory) MarkSent(_ context.Context, id alerting.InstanceID, token string, now time.Time) error {
	return m.complete(id, token, now, func(i *alerting.AlertInstance) {
		i.Status = alerting.StatusSent
		i.SentAt = &now
		i.NextAttemptAt = nil
	})
}

func (m *Memory) MarkRetry(_ context.Context, id alerting.InstanceID, token string, next time.Time, lastErr string, now time.Time) error {
	return m.complete(id, token, now, func(i *alerting.AlertInstance) {
		i.Status = alerting.StatusPending
		i.NextAttemptAt = &next
		i.LastError = lastErr
		i.Reason = alerting.ReasonTransientFailure
	})
}

func (m *Memory) MarkFailed(_ context.Context, id alerting.InstanceID, token string, reason alerting.Reason, lastErr string, now time.Time) error {
	return m.complete(id, token, now, func(i *alerting.AlertInstance) {
		i.Status = alerting.StatusFailed
		i.NextAttemptAt = nil
		i.LastError = lastErr
		i.Reason = reason
	})
}

func (m *Memory) RequeueStuck(_ context.Context, cutoff time.Time, maxAttempts int, now time.Time) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var requeued, failed int
	for id, i := range m.instances {
		if i.Status != alerting.StatusDispatching || i.ClaimedAt == nil || i.ClaimedAt.After(cutoff) {
			continue
		}
		i.AttemptCount++
		i.ClaimToken = ""
		i.ClaimedAt = nil
		i.Reason = alerting.ReasonClaimExpired
		i.LastError = "claim expired before delivery was recorded"
		i.UpdatedAt = now
		if i.AttemptCount >= maxAttempts {
			i.Status = alerting.StatusFailed
			i.NextAttemptAt = nil
			failed++
		} else {
			i.Status = alerting.StatusPending
			next := now
			i.NextAttemptAt = &next
			requeued++
		}
		m.instances[id] = i
	}
	return requeued, failed, nil
}

func (m *Memory) QueryInstances(_ context.Context, f alerting.InstanceFilter) ([]alerting.AlertInstance, error) {
	out := m.filter(func(i alerting.AlertInstance) bool {
		if f.SubscriptionID != "" && i.SubscriptionID != f.SubscriptionID {
			return false
		}
		if f.UserID != "" && i.UserID != f.UserID {
			return false
		}
		if f.RuleID != "" && i.AlertRuleID != f.RuleID {
			return false
		}
		if len(f.Statuses) > 0 {
			for _, s := range f.Statuses {
				if i.Status == s {
					return true
				}
			}
			return false
		}
		return true
	}, bySendDesc)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

type ordering func(a, b alerting.AlertInstance) bool

func byCreated(a, b alerting.AlertInstance) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func byDue(a, b alerting.AlertInstance) bool {
	if !a.DueAt().Equal(b.DueAt()) {
		return a.DueAt().Before(b.DueAt())
	}
	return a.ID < b.ID
}

func bySendDesc(a, b alerting.AlertInstance) bool {
	if !a.AlertSendDate.Equal(b.AlertSendDate) {
		return a.AlertSendDate.After(b.AlertSendDate)
	}
	return a.ID > b.ID
}

func (m *Memory) filter(keep func(alerting.AlertInstance) bool, less ordering) []alerting.AlertInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []alerting.AlertInstance
	for _, i := range m.instances {
		if keep(i) {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return less(out[a], out[b]) })
	return out
}
