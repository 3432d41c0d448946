/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

DATES:
  Calendar dates are "YYYY-MM-DD"; instants are RFC 3339 UTC.

VALIDATION:
  Validation is done in handlers and the domain, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/renewal-alerts/alerting"
)

const dateLayout = "2006-01-02"

// =============================================================================
// RULES
// =============================================================================

// RuleRequest is the body of POST /api/rules and PUT /api/rules/{id}.
// On update, user_id and subscription_id may be omitted.
type RuleRequest struct {
	UserID         string `json:"user_id"`
	SubscriptionID string `json:"subscription_id"`
	Quantity       int    `json:"quantity"`
	Unit           string `json:"unit"`
	AlertOn        string `json:"alert_on"`
	Contact        string `json:"contact"`
}

func (r RuleRequest) input() alerting.RuleInput {
	return alerting.RuleInput{
		UserID:         alerting.UserID(r.UserID),
		SubscriptionID: alerting.SubscriptionID(r.SubscriptionID),
		Quantity:       r.Quantity,
		Unit:           alerting.Unit(r.Unit),
		AlertOn:        alerting.AlertOn(r.AlertOn),
		Contact:        r.Contact,
	}
}

type RuleDTO struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	SubscriptionID string `json:"subscription_id"`
	Quantity       int    `json:"quantity"`
	Unit           string `json:"unit"`
	AlertOn        string `json:"alert_on"`
	Contact        string `json:"contact"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func toRuleDTO(r alerting.AlertRule) RuleDTO {
	return RuleDTO{
		ID:             string(r.ID),
		UserID:         string(r.UserID),
		SubscriptionID: string(r.SubscriptionID),
		Quantity:       r.Quantity,
		Unit:           string(r.Unit),
		AlertOn:        string(r.AlertOn),
		Contact:        r.Contact,
		CreatedAt:      r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      r.UpdatedAt.Format(time.RFC3339),
	}
}

// RuleResponse pairs a written rule with what reconciling it did.
type RuleResponse struct {
	Rule      RuleDTO         `json:"rule"`
	Reconcile alerting.Result `json:"reconcile"`
}

type DeleteRuleResponse struct {
	ID        string `json:"id"`
	Cancelled int    `json:"cancelled"`
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// SubscriptionRequest mirrors the host application's renewal state.
type SubscriptionRequest struct {
	UserID         string          `json:"user_id"`
	Name           string          `json:"name"`
	RenewalDate    string          `json:"renewal_date"`
	GracePeriodEnd *string         `json:"grace_period_end,omitempty"`
	Active         *bool           `json:"active,omitempty"` // defaults to true
	Price          decimal.Decimal `json:"price"`
	Currency       string          `json:"currency"`
}

type ReconcileResponse struct {
	SubscriptionID string            `json:"subscription_id,omitempty"`
	Results        []alerting.Result `json:"results"`
	Error          string            `json:"error,omitempty"`
}

// =============================================================================
// INSTANCES (operator read path)
// =============================================================================

type InstanceDTO struct {
	ID             string           `json:"id"`
	AlertRuleID    string           `json:"alert_rule_id"`
	SubscriptionID string           `json:"subscription_id"`
	UserID         string           `json:"user_id"`
	CycleKey       string           `json:"cycle_key"`
	TargetDate     string           `json:"target_date"`
	AlertSendDate  string           `json:"alert_send_date"`
	Contact        string           `json:"contact"`
	Status         string           `json:"status"`
	Reason         string           `json:"reason,omitempty"`
	AttemptCount   int              `json:"attempt_count"`
	NextAttemptAt  *string          `json:"next_attempt_at,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	SentAt         *string          `json:"sent_at,omitempty"`
	Payload        alerting.Payload `json:"payload"`
	CreatedAt      string           `json:"created_at"`
	UpdatedAt      string           `json:"updated_at"`
}

func toInstanceDTO(i alerting.AlertInstance) InstanceDTO {
	return InstanceDTO{
		ID:             string(i.ID),
		AlertRuleID:    string(i.AlertRuleID),
		SubscriptionID: string(i.SubscriptionID),
		UserID:         string(i.UserID),
		CycleKey:       i.CycleKey,
		TargetDate:     i.TargetDate.Format(dateLayout),
		AlertSendDate:  i.AlertSendDate.Format(dateLayout),
		Contact:        i.Contact,
		Status:         string(i.Status),
		Reason:         string(i.Reason),
		AttemptCount:   i.AttemptCount,
		NextAttemptAt:  timePtr(i.NextAttemptAt),
		LastError:      i.LastError,
		SentAt:         timePtr(i.SentAt),
		Payload:        i.Payload,
		CreatedAt:      i.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      i.UpdatedAt.Format(time.RFC3339),
	}
}

func toInstanceDTOs(in []alerting.AlertInstance) []InstanceDTO {
	out := make([]InstanceDTO, len(in))
	for i, inst := range in {
		out[i] = toInstanceDTO(inst)
	}
	return out
}

// =============================================================================
// ADMIN
// =============================================================================

type SweepResponse struct {
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
