package alerting

import (
	"context"
	"fmt"
	"log/slog"
)

// RuleInput is the user-editable part of a rule.
type RuleInput struct {
	UserID         UserID
	SubscriptionID SubscriptionID
	Quantity       int
	Unit           Unit
	AlertOn        AlertOn
	Contact        string
}

// RuleService is the rule owner's write path. Every write is followed by
// reconciliation of the affected rule.
type RuleService struct {
	rules      RuleStore
	reconciler *Reconciler
	logger     *slog.Logger
	now        Clock
	newID      func() string
}

func NewRuleService(rules RuleStore, reconciler *Reconciler, opts ...Option) *RuleService {
	o := buildOptions(opts)
	return &RuleService{
		rules:      rules,
		reconciler: reconciler,
		logger:     o.logger.With("component", "rules"),
		now:        o.now,
		newID:      o.newID,
	}
}

func (s *RuleService) Get(ctx context.Context, id RuleID) (*AlertRule, error) {
	return s.rules.GetRule(ctx, id)
}

func (s *RuleService) ListBySubscription(ctx context.Context, subID SubscriptionID) ([]AlertRule, error) {
	return s.rules.ListRulesBySubscription(ctx, subID)
}

// Create validates and stores a rule, then materializes its instance.
// A reconcile failure is logged, not returned: the rule is stored and the
// periodic sweep will converge it.
func (s *RuleService) Create(ctx context.Context, in RuleInput) (*AlertRule, Result, error) {
	now := s.now()
	rule := AlertRule{
		ID:             RuleID(s.newID()),
		UserID:         in.UserID,
		SubscriptionID: in.SubscriptionID,
		Quantity:       in.Quantity,
		Unit:           in.Unit,
		AlertOn:        in.AlertOn,
		Contact:        in.Contact,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := rule.Validate(); err != nil {
		return nil, Result{}, err
	}
	if err := s.rules.SaveRule(ctx, rule); err != nil {
		return nil, Result{}, fmt.Errorf("save rule: %w", err)
	}
	return &rule, s.reconcile(ctx, rule.ID), nil
}

// Update replaces the editable fields of a rule. Moving a rule to another
// subscription is rejected; delete and recreate instead.
func (s *RuleService) Update(ctx context.Context, id RuleID, in RuleInput) (*AlertRule, Result, error) {
	rule, err := s.rules.GetRule(ctx, id)
	if err != nil {
		return nil, Result{}, err
	}
	if in.SubscriptionID != "" && in.SubscriptionID != rule.SubscriptionID {
		return nil, Result{}, &ValidationError{Field: "subscription_id", Message: "cannot be changed"}
	}
	if in.UserID != "" && in.UserID != rule.UserID {
		return nil, Result{}, &ValidationError{Field: "user_id", Message: "cannot be changed"}
	}

	updated := *rule
	updated.Quantity = in.Quantity
	updated.Unit = in.Unit
	updated.AlertOn = in.AlertOn
	updated.Contact = in.Contact
	updated.UpdatedAt = s.now()
	if err := updated.Validate(); err != nil {
		return nil, Result{}, err
	}
	if err := s.rules.SaveRule(ctx, updated); err != nil {
		return nil, Result{}, fmt.Errorf("save rule: %w", err)
	}
	return &updated, s.reconcile(ctx, id), nil
}

// Delete removes the rule, then cancels its pending instances. The rule
// goes first so no later reconcile can materialize a new instance for it.
// Instances already dispatching are not retracted.
func (s *RuleService) Delete(ctx context.Context, id RuleID) (int, error) {
	if err := s.rules.DeleteRule(ctx, id); err != nil {
		return 0, err
	}
	cancelled, err := s.reconciler.CancelRule(ctx, id)
	if err != nil {
		return cancelled, err
	}
	s.logger.Info("rule deleted", "rule_id", id, "cancelled", cancelled)
	return cancelled, nil
}

func (s *RuleService) reconcile(ctx context.Context, id RuleID) Result {
	res, err := s.reconciler.ReconcileRule(ctx, id)
	if err != nil {
		s.logger.Warn("reconcile after rule write failed", "rule_id", id, "error", err)
		return Result{RuleID: id}
	}
	return res
}
