/*
reconciler.go - Keeps materialized instances in line with rules

PURPOSE:
  Re-derives the single active instance each rule should have from the
  current rule and subscription state, and converges the Instance Store
  onto it. Safe to run any number of times: the idempotency key is
  (rule id, cycle key), never the time of invocation.

TRIGGERS:
  - rule created / updated           (RuleService)
  - renewal or grace date changed    (ReconcileSubscription)
  - subscription cancelled           (ReconcileSubscription)
  - periodic safety sweep            (ReconcileAll)

DECISIONS PER RULE:
  not applicable                      -> cancel pending (rule_not_applicable)
  active instance for this cycle      -> reschedule if changed, else nothing
  cycle already delivered/failed      -> nothing (never re-send a cycle)
  pending instance for an upcoming
  older anchor (date moved)           -> reschedule it in place, new cycle key
  pending instance whose anchor
  has already passed                  -> failed/superseded, create new
  nothing                             -> create pending

  Dispatching instances are never touched. Every write is conditional on
  the instance still being pending, so a concurrent claim wins cleanly.
*/
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

type Action string

const (
	ActionCreated     Action = "created"
	ActionRescheduled Action = "rescheduled"
	ActionUnchanged   Action = "unchanged"
	ActionCancelled   Action = "cancelled"
	ActionSkipped     Action = "skipped"
	ActionSuperseded  Action = "superseded"
)

// Result describes what reconciling one rule did.
type Result struct {
	RuleID     RuleID     `json:"rule_id"`
	Action     Action     `json:"action"`
	InstanceID InstanceID `json:"instance_id,omitempty"`
	Superseded int        `json:"superseded,omitempty"`
	Cancelled  int        `json:"cancelled,omitempty"`
}

// Summary aggregates a sweep.
type Summary struct {
	Rules   int            `json:"rules"`
	Actions map[Action]int `json:"actions"`
	Errors  int            `json:"errors"`
}

type Reconciler struct {
	rules     RuleStore
	instances InstanceStore
	source    SubscriptionSource
	logger    *slog.Logger
	recorder  Recorder
	now       Clock
	newID     func() string
}

func NewReconciler(rules RuleStore, instances InstanceStore, source SubscriptionSource, opts ...Option) *Reconciler {
	o := buildOptions(opts)
	return &Reconciler{
		rules:     rules,
		instances: instances,
		source:    source,
		logger:    o.logger.With("component", "reconciler"),
		recorder:  o.recorder,
		now:       o.now,
		newID:     o.newID,
	}
}

// ReconcileRule reconciles a single rule against fresh subscription state.
func (r *Reconciler) ReconcileRule(ctx context.Context, id RuleID) (Result, error) {
	rule, err := r.rules.GetRule(ctx, id)
	if err != nil {
		return Result{}, err
	}
	state, err := r.lookup(ctx, rule.SubscriptionID)
	if err != nil {
		return Result{}, err
	}
	return r.reconcile(ctx, *rule, state)
}

// ReconcileSubscription reconciles every rule of a subscription with one
// source read. A failing rule does not stop the others.
func (r *Reconciler) ReconcileSubscription(ctx context.Context, subID SubscriptionID) ([]Result, error) {
	rules, err := r.rules.ListRulesBySubscription(ctx, subID)
	if err != nil {
		return nil, fmt.Errorf("list rules for subscription %s: %w", subID, err)
	}
	if len(rules) == 0 {
		return nil, nil
	}
	state, err := r.lookup(ctx, subID)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(rules))
	var errs []error
	for _, rule := range rules {
		res, err := r.reconcile(ctx, rule, state)
		if err != nil {
			r.logger.Error("reconcile rule failed", "rule_id", rule.ID, "subscription_id", subID, "error", err)
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// ReconcileAll sweeps every rule. Only a failure to list rules is returned;
// per-rule and per-subscription failures are logged and counted.
func (r *Reconciler) ReconcileAll(ctx context.Context) (Summary, error) {
	rules, err := r.rules.ListRules(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list rules: %w", err)
	}

	summary := Summary{Actions: make(map[Action]int)}
	bySub := make(map[SubscriptionID][]AlertRule)
	var order []SubscriptionID
	for _, rule := range rules {
		if _, seen := bySub[rule.SubscriptionID]; !seen {
			order = append(order, rule.SubscriptionID)
		}
		bySub[rule.SubscriptionID] = append(bySub[rule.SubscriptionID], rule)
	}

	for _, subID := range order {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		group := bySub[subID]
		state, err := r.lookup(ctx, subID)
		if err != nil {
			r.logger.Error("renewal state lookup failed", "subscription_id", subID, "error", err)
			summary.Errors += len(group)
			continue
		}
		for _, rule := range group {
			summary.Rules++
			res, err := r.reconcile(ctx, rule, state)
			if err != nil {
				r.logger.Error("reconcile rule failed", "rule_id", rule.ID, "subscription_id", subID, "error", err)
				summary.Errors++
				continue
			}
			summary.Actions[res.Action]++
		}
	}
	return summary, nil
}

// CancelRule withdraws every pending instance of a rule that is being
// deleted. Dispatching and terminal instances are left alone.
func (r *Reconciler) CancelRule(ctx context.Context, id RuleID) (int, error) {
	active, err := r.instances.ActiveInstances(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("active instances for rule %s: %w", id, err)
	}
	return r.cancelPending(ctx, active, ReasonRuleDeleted)
}

// lookup returns nil state when the subscription no longer exists.
func (r *Reconciler) lookup(ctx context.Context, subID SubscriptionID) (*RenewalState, error) {
	state, err := r.source.GetRenewalState(ctx, subID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("renewal state for %s: %w", subID, err)
	}
	return &state, nil
}

func (r *Reconciler) reconcile(ctx context.Context, rule AlertRule, state *RenewalState) (Result, error) {
	res, err := r.decide(ctx, rule, state)
	if err != nil {
		return res, err
	}
	r.recorder.ReconcileAction(res.Action)
	if res.Action != ActionUnchanged && res.Action != ActionSkipped {
		r.logger.Info("rule reconciled",
			"rule_id", rule.ID,
			"subscription_id", rule.SubscriptionID,
			"action", res.Action,
			"instance_id", res.InstanceID,
			"superseded", res.Superseded,
		)
	}
	return res, nil
}

func (r *Reconciler) decide(ctx context.Context, rule AlertRule, state *RenewalState) (Result, error) {
	res := Result{RuleID: rule.ID, Action: ActionUnchanged}

	active, err := r.instances.ActiveInstances(ctx, rule.ID)
	if err != nil {
		return res, fmt.Errorf("active instances: %w", err)
	}

	var next Occurrence
	expandErr := ErrNotApplicable
	if state != nil {
		next, expandErr = Expand(rule, *state)
	}
	if errors.Is(expandErr, ErrNotApplicable) {
		n, err := r.cancelPending(ctx, active, ReasonRuleNotApplicable)
		if n > 0 {
			res.Action = ActionCancelled
			res.Cancelled = n
		}
		return res, err
	}
	if expandErr != nil {
		return res, expandErr
	}

	sched := Schedule{
		CycleKey:      next.CycleKey,
		TargetDate:    next.TargetDate,
		AlertSendDate: next.SendDate,
		Contact:       rule.Contact,
		Payload:       NewPayload(rule, *state, next),
	}

	var current *AlertInstance
	var others []AlertInstance
	for i := range active {
		if active[i].CycleKey == next.CycleKey {
			current = &active[i]
			continue
		}
		others = append(others, active[i])
	}

	if current != nil {
		res.InstanceID = current.ID
		if current.Status == StatusPending && !current.Schedule().Equal(sched) {
			switch err := r.instances.Reschedule(ctx, current.ID, sched, r.now()); {
			case err == nil:
				res.Action = ActionRescheduled
			case errors.Is(err, ErrNotPending):
				// claimed in the meantime; delivery is in flight
			default:
				return res, fmt.Errorf("reschedule %s: %w", current.ID, err)
			}
		}
		res.Superseded, err = r.supersede(ctx, others)
		return res, err
	}

	finished, err := r.cycleFinished(ctx, rule.ID, next.CycleKey)
	if err != nil {
		return res, err
	}
	if finished {
		res.Action = ActionSkipped
		res.Superseded, err = r.supersede(ctx, others)
		return res, err
	}

	// The anchor moved while an alert for the old, still upcoming anchor
	// was waiting: carry that row over instead of creating a second one.
	today := DateOf(r.now())
	for i, inst := range others {
		if inst.Status != StatusPending || !inst.TargetDate.After(today) {
			continue
		}
		err := r.instances.Reschedule(ctx, inst.ID, sched, r.now())
		if errors.Is(err, ErrNotPending) || errors.Is(err, ErrDuplicateActiveInstance) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("reschedule %s: %w", inst.ID, err)
		}
		res.Action = ActionRescheduled
		res.InstanceID = inst.ID
		rest := append(append([]AlertInstance{}, others[:i]...), others[i+1:]...)
		res.Superseded, err = r.supersede(ctx, rest)
		return res, err
	}

	if res.Superseded, err = r.supersede(ctx, others); err != nil {
		return res, err
	}

	now := r.now()
	inst := AlertInstance{
		ID:             InstanceID(r.newID()),
		AlertRuleID:    rule.ID,
		SubscriptionID: rule.SubscriptionID,
		UserID:         rule.UserID,
		CycleKey:       sched.CycleKey,
		TargetDate:     sched.TargetDate,
		AlertSendDate:  sched.AlertSendDate,
		Contact:        sched.Contact,
		Payload:        sched.Payload,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	switch err := r.instances.CreateInstance(ctx, inst); {
	case err == nil:
		res.Action = ActionCreated
		res.InstanceID = inst.ID
	case errors.Is(err, ErrDuplicateActiveInstance):
		// a concurrent reconcile created it first
	default:
		return res, fmt.Errorf("create instance: %w", err)
	}
	return res, nil
}

// cycleFinished reports whether the cycle already reached a delivery
// decision. Cancelled history does not count.
func (r *Reconciler) cycleFinished(ctx context.Context, ruleID RuleID, cycleKey string) (bool, error) {
	history, err := r.instances.CycleHistory(ctx, ruleID, cycleKey)
	if err != nil {
		return false, fmt.Errorf("cycle history: %w", err)
	}
	for _, inst := range history {
		if inst.Status == StatusSent {
			return true, nil
		}
		if inst.Status == StatusFailed && !inst.Reason.Cancellation() {
			return true, nil
		}
	}
	return false, nil
}

func (r *Reconciler) supersede(ctx context.Context, stale []AlertInstance) (int, error) {
	n, err := r.cancelPending(ctx, stale, ReasonSuperseded)
	for i := 0; i < n; i++ {
		r.recorder.ReconcileAction(ActionSuperseded)
	}
	return n, err
}

func (r *Reconciler) cancelPending(ctx context.Context, instances []AlertInstance, reason Reason) (int, error) {
	var cancelled int
	var errs []error
	for _, inst := range instances {
		if inst.Status != StatusPending {
			continue
		}
		err := r.instances.Cancel(ctx, inst.ID, reason, r.now())
		switch {
		case err == nil:
			cancelled++
			r.logger.Info("instance cancelled", "instance_id", inst.ID, "rule_id", inst.AlertRuleID, "reason", reason)
		case errors.Is(err, ErrNotPending):
			// already claimed; cancellation is best effort
		default:
			errs = append(errs, fmt.Errorf("cancel %s: %w", inst.ID, err))
		}
	}
	return cancelled, errors.Join(errs...)
}
