/*
handlers.go - HTTP API handlers for the renewal alert engine

PURPOSE:
  Exposes the rule write path, the subscription-change trigger, the
  operator read path and admin triggers over REST. Handles HTTP
  request/response and JSON, and delegates to the alerting package.

ENDPOINTS:
  Rules:
    POST   /api/rules                          Create rule (+ reconcile)
    GET    /api/rules/{id}                     Get rule
    PUT    /api/rules/{id}                     Update rule (+ reconcile)
    DELETE /api/rules/{id}                     Delete rule, cancel pending instances

  Subscriptions:
    PUT    /api/subscriptions/{id}             Upsert renewal state (+ reconcile)
    GET    /api/subscriptions/{id}/rules       Rules of a subscription
    POST   /api/subscriptions/{id}/reconcile   Re-run reconciliation
    GET    /api/subscriptions/{id}/alerts      Instances, ?status=pending,failed

  Read path:
    GET    /api/users/{id}/alerts              Instances of a user, ?status=
    GET    /api/alerts/{id}                    One instance

  Admin:
    POST   /api/admin/dispatch                 One dispatch pass
    POST   /api/admin/reconcile                Full reconcile sweep
    POST   /api/admin/sweep                    Recover stuck claims

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Rule, instance or subscription not found
  - 409: Lost a concurrent write
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Deploy behind the host application's gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/renewal-alerts/alerting"
	"github.com/warp/renewal-alerts/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Rules      *alerting.RuleService
	Reconciler *alerting.Reconciler
	Dispatcher *alerting.Dispatcher

	logger *slog.Logger
}

// NewHandler wires the engine over store. The store serves as rule store,
// instance store and subscription source.
func NewHandler(store *sqlite.Store, notifier alerting.Notifier, cfg alerting.DispatcherConfig, logger *slog.Logger, opts ...alerting.Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]alerting.Option{alerting.WithLogger(logger)}, opts...)
	reconciler := alerting.NewReconciler(store, store, store, opts...)
	return &Handler{
		Store:      store,
		Rules:      alerting.NewRuleService(store, reconciler, opts...),
		Reconciler: reconciler,
		Dispatcher: alerting.NewDispatcher(store, notifier, cfg, opts...),
		logger:     logger.With("component", "api"),
	}
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// CreateRule stores a rule and materializes its first instance.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rule, res, err := h.Rules.Create(r.Context(), req.input())
	if err != nil {
		writeDomainError(w, "Failed to create rule", err)
		return
	}

	writeJSON(w, http.StatusCreated, RuleResponse{Rule: toRuleDTO(*rule), Reconcile: res})
}

func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Rules.Get(r.Context(), alerting.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(*rule))
}

func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id := alerting.RuleID(chi.URLParam(r, "id"))
	rule, res, err := h.Rules.Update(r.Context(), id, req.input())
	if err != nil {
		writeDomainError(w, "Failed to update rule", err)
		return
	}

	writeJSON(w, http.StatusOK, RuleResponse{Rule: toRuleDTO(*rule), Reconcile: res})
}

// DeleteRule removes a rule. Pending instances are cancelled; history and
// in-flight deliveries are kept.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := h.Rules.Delete(r.Context(), alerting.RuleID(id))
	if err != nil {
		writeDomainError(w, "Failed to delete rule", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteRuleResponse{ID: id, Cancelled: cancelled})
}

// =============================================================================
// SUBSCRIPTION HANDLERS
// =============================================================================

// PutSubscription records the host application's renewal state and
// reconciles every rule on the subscription.
func (h *Handler) PutSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	subID := chi.URLParam(r, "id")
	state := alerting.RenewalState{
		SubscriptionID: alerting.SubscriptionID(subID),
		UserID:         alerting.UserID(req.UserID),
		Name:           req.Name,
		Active:         req.Active == nil || *req.Active,
		Price:          req.Price,
		Currency:       req.Currency,
	}
	if req.RenewalDate != "" {
		d, err := time.Parse(dateLayout, req.RenewalDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid renewal_date format (use YYYY-MM-DD)", err)
			return
		}
		state.RenewalDate = d
	}
	if req.GracePeriodEnd != nil && *req.GracePeriodEnd != "" {
		d, err := time.Parse(dateLayout, *req.GracePeriodEnd)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid grace_period_end format (use YYYY-MM-DD)", err)
			return
		}
		state.GracePeriodEnd = &d
	}

	if err := h.Store.SaveSubscription(r.Context(), state); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save subscription", err)
		return
	}

	h.reconcileSubscription(w, r, subID)
}

func (h *Handler) ReconcileSubscription(w http.ResponseWriter, r *http.Request) {
	h.reconcileSubscription(w, r, chi.URLParam(r, "id"))
}

// reconcileSubscription answers 200 even when single rules fail; those
// are reported in the body and retried by the periodic sweep.
func (h *Handler) reconcileSubscription(w http.ResponseWriter, r *http.Request, subID string) {
	results, err := h.Reconciler.ReconcileSubscription(r.Context(), alerting.SubscriptionID(subID))
	resp := ReconcileResponse{SubscriptionID: subID, Results: results}
	if resp.Results == nil {
		resp.Results = []alerting.Result{}
	}
	if err != nil {
		if len(results) == 0 {
			writeError(w, http.StatusInternalServerError, "Failed to reconcile subscription", err)
			return
		}
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListSubscriptionRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Rules.ListBySubscription(r.Context(), alerting.SubscriptionID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules", err)
		return
	}
	dtos := make([]RuleDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = toRuleDTO(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// READ PATH
// =============================================================================

func (h *Handler) ListSubscriptionAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseInstanceFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}
	filter.SubscriptionID = alerting.SubscriptionID(chi.URLParam(r, "id"))
	h.listAlerts(w, r, filter)
}

func (h *Handler) ListUserAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseInstanceFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}
	filter.UserID = alerting.UserID(chi.URLParam(r, "id"))
	h.listAlerts(w, r, filter)
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request, filter alerting.InstanceFilter) {
	instances, err := h.Store.QueryInstances(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceDTOs(instances))
}

func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	inst, err := h.Store.GetInstance(r.Context(), alerting.InstanceID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get alert", err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceDTO(*inst))
}

// parseInstanceFilter reads ?status=a,b and ?limit=n.
func parseInstanceFilter(r *http.Request) (alerting.InstanceFilter, error) {
	var f alerting.InstanceFilter
	q := r.URL.Query()
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := alerting.Status(strings.TrimSpace(s))
			if !st.Valid() {
				return f, errors.New("unknown status " + strconv.Quote(string(st)))
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = n
	}
	return f, nil
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) TriggerDispatch(w http.ResponseWriter, r *http.Request) {
	res, err := h.Dispatcher.RunOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Dispatch pass failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Reconciler.ReconcileAll(r.Context())
	if err != nil && summary.Rules == 0 {
		writeError(w, http.StatusInternalServerError, "Reconcile sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	requeued, failed, err := h.Dispatcher.SweepStuck(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Stuck sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Requeued: requeued, Failed: failed})
}

// Health pings the database.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case alerting.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case alerting.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case alerting.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
