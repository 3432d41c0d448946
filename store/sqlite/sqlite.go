/*
Package sqlite provides a SQLite-backed implementation of the alerting stores.

PURPOSE:
  Implements alerting.RuleStore, alerting.InstanceStore and
  alerting.SubscriptionSource using SQLite. The same statements run on
  PostgreSQL with only placeholder and upsert dialect changes.

KEY TABLES:
  alert_rules:     Recurring intent, one row per rule
  alert_instances: Materialized notifications; terminal rows are never deleted
  subscriptions:   Read mirror of the host application's renewal state

INVARIANTS ENFORCED BY THE SCHEMA:
  - idx_alert_instances_active_cycle: partial UNIQUE index on
    (alert_rule_id, cycle_key) WHERE status IN ('pending','dispatching').
    At most one active instance per cycle, whatever the caller does.
  - CHECK constraints on enums and quantity >= 1.

CONDITIONAL WRITES:
  Every state change is one UPDATE with its precondition in the WHERE
  clause, and RowsAffected decides the outcome. There is no
  read-then-write anywhere on the claim path:

    UPDATE alert_instances SET status='dispatching', claim_token=?, ...
    WHERE id=? AND status='pending'
      AND COALESCE(next_attempt_at, alert_send_date) <= ?

TIME STORAGE:
  Timestamps are UTC text in a fixed-width layout, so string comparison in
  SQL orders the same way as time comparison.

USAGE:
  store, err := sqlite.New("./data/alerts.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - alerting/store.go: Interface definitions
  - alerting/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/renewal-alerts/alerting"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all alerting storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases are per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Subscription renewal state (owned by the host application)
	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		renewal_date TEXT,
		grace_period_end TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		price TEXT NOT NULL DEFAULT '0',
		currency TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	-- Alert rules (recurring intent)
	CREATE TABLE IF NOT EXISTS alert_rules (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		subscription_id TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 1),
		unit TEXT NOT NULL CHECK (unit IN ('day', 'week', 'month')),
		alert_on TEXT NOT NULL CHECK (alert_on IN ('payment_date', 'grace_period')),
		contact TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_alert_rules_subscription
		ON alert_rules(subscription_id);

	-- Alert instances (materialized, never deleted)
	CREATE TABLE IF NOT EXISTS alert_instances (
		id TEXT PRIMARY KEY,
		alert_rule_id TEXT NOT NULL,
		subscription_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		cycle_key TEXT NOT NULL,
		target_date TEXT NOT NULL,
		alert_send_date TEXT NOT NULL,
		contact TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'dispatching', 'sent', 'failed')),
		attempt_count INTEGER NOT NULL DEFAULT 0 CHECK (attempt_count >= 0),
		next_attempt_at TEXT,
		last_error TEXT,
		reason TEXT NOT NULL DEFAULT '',
		claim_token TEXT,
		claimed_at TEXT,
		sent_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: at most one non-terminal instance per (rule, cycle)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_alert_instances_active_cycle
		ON alert_instances(alert_rule_id, cycle_key)
		WHERE status IN ('pending', 'dispatching');

	-- Due scan (hot path)
	CREATE INDEX IF NOT EXISTS idx_alert_instances_due
		ON alert_instances(status, COALESCE(next_attempt_at, alert_send_date));

	-- Stuck-claim sweep
	CREATE INDEX IF NOT EXISTS idx_alert_instances_claimed
		ON alert_instances(status, claimed_at);

	CREATE INDEX IF NOT EXISTS idx_alert_instances_rule
		ON alert_instances(alert_rule_id, status);

	-- Operator read path
	CREATE INDEX IF NOT EXISTS idx_alert_instances_subscription
		ON alert_instances(subscription_id, alert_send_date DESC);
	CREATE INDEX IF NOT EXISTS idx_alert_instances_user
		ON alert_instances(user_id, alert_send_date DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SUBSCRIPTIONS (alerting.SubscriptionSource)
// =============================================================================

// SaveSubscription upserts renewal state on behalf of the host application.
func (s *Store) SaveSubscription(ctx context.Context, st alerting.RenewalState) error {
	query := `
		INSERT INTO subscriptions
		(id, user_id, name, renewal_date, grace_period_end, active, price, currency, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			name = excluded.name,
			renewal_date = excluded.renewal_date,
			grace_period_end = excluded.grace_period_end,
			active = excluded.active,
			price = excluded.price,
			currency = excluded.currency,
			updated_at = excluded.updated_at
	`
	var renewal sql.NullString
	if !st.RenewalDate.IsZero() {
		renewal = sql.NullString{String: formatTime(st.RenewalDate), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		st.SubscriptionID,
		st.UserID,
		st.Name,
		renewal,
		nullTime(st.GracePeriodEnd),
		st.Active,
		st.Price.String(),
		st.Currency,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// GetRenewalState implements alerting.SubscriptionSource.
func (s *Store) GetRenewalState(ctx context.Context, id alerting.SubscriptionID) (alerting.RenewalState, error) {
	query := `
		SELECT id, user_id, name, renewal_date, grace_period_end, active, price, currency
		FROM subscriptions WHERE id = ?
	`
	var st alerting.RenewalState
	var renewal, grace sql.NullString
	var price string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&st.SubscriptionID, &st.UserID, &st.Name, &renewal, &grace, &st.Active, &price, &st.Currency,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return alerting.RenewalState{}, alerting.ErrSubscriptionNotFound
	}
	if err != nil {
		return alerting.RenewalState{}, fmt.Errorf("failed to load subscription: %w", err)
	}
	if renewal.Valid {
		st.RenewalDate = parseTime(renewal.String)
	}
	st.GracePeriodEnd = parseNullTime(grace)
	if st.Price, err = decimal.NewFromString(price); err != nil {
		return alerting.RenewalState{}, fmt.Errorf("invalid price for subscription %s: %w", id, err)
	}
	return st, nil
}

// =============================================================================
// RULES (alerting.RuleStore)
// =============================================================================

const ruleColumns = `id, user_id, subscription_id, quantity, unit, alert_on, contact, created_at, updated_at`

func (s *Store) SaveRule(ctx context.Context, r alerting.AlertRule) error {
	query := `
		INSERT INTO alert_rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			quantity = excluded.quantity,
			unit = excluded.unit,
			alert_on = excluded.alert_on,
			contact = excluded.contact,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.UserID, r.SubscriptionID, r.Quantity, r.Unit, r.AlertOn, r.Contact,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, id alerting.RuleID) (*alerting.AlertRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE id = ?`
	r, err := scanRule(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alerting.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}
	return &r, nil
}

func (s *Store) DeleteRule(ctx context.Context, id alerting.RuleID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return alerting.ErrRuleNotFound
	}
	return nil
}

func (s *Store) ListRulesBySubscription(ctx context.Context, subID alerting.SubscriptionID) ([]alerting.AlertRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules WHERE subscription_id = ? ORDER BY id`
	return s.queryRules(ctx, query, subID)
}

func (s *Store) ListRules(ctx context.Context) ([]alerting.AlertRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alert_rules ORDER BY subscription_id, id`
	return s.queryRules(ctx, query)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]alerting.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []alerting.AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (alerting.AlertRule, error) {
	var r alerting.AlertRule
	var createdAt, updatedAt string
	if err := row.Scan(
		&r.ID, &r.UserID, &r.SubscriptionID, &r.Quantity, &r.Unit, &r.AlertOn, &r.Contact,
		&createdAt, &updatedAt,
	); err != nil {
		return alerting.AlertRule{}, err
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// =============================================================================
// INSTANCES (alerting.InstanceStore)
// =============================================================================

const instanceColumns = `id, alert_rule_id, subscription_id, user_id, cycle_key, target_date,
	alert_send_date, contact, payload_json, status, attempt_count, next_attempt_at,
	last_error, reason, claim_token, claimed_at, sent_at, created_at, updated_at`

func (s *Store) CreateInstance(ctx context.Context, inst alerting.AlertInstance) error {
	payload, err := json.Marshal(inst.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	query := `
		INSERT INTO alert_instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		inst.ID,
		inst.AlertRuleID,
		inst.SubscriptionID,
		inst.UserID,
		inst.CycleKey,
		formatTime(inst.TargetDate),
		formatTime(inst.AlertSendDate),
		inst.Contact,
		string(payload),
		inst.Status,
		inst.AttemptCount,
		nullTime(inst.NextAttemptAt),
		nullString(inst.LastError),
		inst.Reason,
		nullString(inst.ClaimToken),
		nullTime(inst.ClaimedAt),
		nullTime(inst.SentAt),
		formatTime(inst.CreatedAt),
		formatTime(inst.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return alerting.ErrDuplicateActiveInstance
		}
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id alerting.InstanceID) (*alerting.AlertInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM alert_instances WHERE id = ?`
	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alerting.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	return &inst, nil
}

func (s *Store) ActiveInstances(ctx context.Context, ruleID alerting.RuleID) ([]alerting.AlertInstance, error) {
	query := `
		SELECT ` + instanceColumns + ` FROM alert_instances
		WHERE alert_rule_id = ? AND status IN ('pending', 'dispatching')
		ORDER BY created_at, id
	`
	return s.queryInstances(ctx, query, ruleID)
}

func (s *Store) CycleHistory(ctx context.Context, ruleID alerting.RuleID, cycleKey string) ([]alerting.AlertInstance, error) {
	query := `
		SELECT ` + instanceColumns + ` FROM alert_instances
		WHERE alert_rule_id = ? AND cycle_key = ?
		ORDER BY created_at, id
	`
	return s.queryInstances(ctx, query, ruleID, cycleKey)
}

// Reschedule rewrites a pending instance's schedule. Moving to another
// cycle key resets the delivery budget; the CASE expressions read the
// row's old values.
func (s *Store) Reschedule(ctx context.Context, id alerting.InstanceID, sched alerting.Schedule, now time.Time) error {
	payload, err := json.Marshal(sched.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	query := `
		UPDATE alert_instances SET
			attempt_count   = CASE WHEN cycle_key <> ? THEN 0 ELSE attempt_count END,
			next_attempt_at = CASE WHEN cycle_key <> ? THEN NULL ELSE next_attempt_at END,
			last_error      = CASE WHEN cycle_key <> ? THEN NULL ELSE last_error END,
			reason          = CASE WHEN cycle_key <> ? THEN '' ELSE reason END,
			cycle_key = ?,
			target_date = ?,
			alert_send_date = ?,
			contact = ?,
			payload_json = ?,
			updated_at = ?
		WHERE id = ? AND status = 'pending'
	`
	res, err := s.db.ExecContext(ctx, query,
		sched.CycleKey, sched.CycleKey, sched.CycleKey, sched.CycleKey,
		sched.CycleKey,
		formatTime(sched.TargetDate),
		formatTime(sched.AlertSendDate),
		sched.Contact,
		string(payload),
		formatTime(now),
		id,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return alerting.ErrDuplicateActiveInstance
		}
		return fmt.Errorf("failed to reschedule instance: %w", err)
	}
	return expectOne(res, alerting.ErrNotPending)
}

func (s *Store) Cancel(ctx context.Context, id alerting.InstanceID, reason alerting.Reason, now time.Time) error {
	query := `
		UPDATE alert_instances
		SET status = 'failed', reason = ?, next_attempt_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`
	res, err := s.db.ExecContext(ctx, query, reason, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to cancel instance: %w", err)
	}
	return expectOne(res, alerting.ErrNotPending)
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]alerting.AlertInstance, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT ` + instanceColumns + ` FROM alert_instances
		WHERE status = 'pending' AND COALESCE(next_attempt_at, alert_send_date) <= ?
		ORDER BY COALESCE(next_attempt_at, alert_send_date), id
		LIMIT ?
	`
	return s.queryInstances(ctx, query, formatTime(now), limit)
}

// Claim is the single conditional write granting delivery rights. RETURNING
// hands back the row as it stood at the moment of the claim.
func (s *Store) Claim(ctx context.Context, id alerting.InstanceID, token string, now time.Time) (*alerting.AlertInstance, error) {
	query := `
		UPDATE alert_instances
		SET status = 'dispatching', claim_token = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
		  AND COALESCE(next_attempt_at, alert_send_date) <= ?
		RETURNING ` + instanceColumns
	ts := formatTime(now)
	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, token, ts, ts, id, ts))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alerting.ErrClaimConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim instance: %w", err)
	}
	return &inst, nil
}

// completion is the set of columns a finished attempt writes. Nil fields
// keep the stored value.
type completion struct {
	status    alerting.Status
	next      *time.Time
	lastError *string
	reason    *alerting.Reason
	sentAt    *time.Time
}

func (s *Store) complete(ctx context.Context, id alerting.InstanceID, token string, now time.Time, c completion) error {
	query := `
		UPDATE alert_instances SET
			status = ?,
			attempt_count = attempt_count + 1,
			next_attempt_at = ?,
			last_error = COALESCE(?, last_error),
			reason = COALESCE(?, reason),
			sent_at = COALESCE(?, sent_at),
			claim_token = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE id = ? AND status = 'dispatching' AND claim_token = ?
	`
	var lastErr, reason sql.NullString
	if c.lastError != nil {
		lastErr = sql.NullString{String: *c.lastError, Valid: true}
	}
	if c.reason != nil {
		reason = sql.NullString{String: string(*c.reason), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, query,
		c.status, nullTime(c.next), lastErr, reason, nullTime(c.sentAt), formatTime(now), id, token,
	)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", c.status, err)
	}
	return expectOne(res, alerting.ErrNotPending)
}

func (s *Store) MarkSent(ctx context.Context, id alerting.InstanceID, token string, now time.Time) error {
	return s.complete(ctx, id, token, now, completion{status: alerting.StatusSent, sentAt: &now})
}

func (s *Store) MarkRetry(ctx context.Context, id alerting.InstanceID, token string, next time.Time, lastErr string, now time.Time) error {
	reason := alerting.ReasonTransientFailure
	return s.complete(ctx, id, token, now, completion{
		status:    alerting.StatusPending,
		next:      &next,
		lastError: &lastErr,
		reason:    &reason,
	})
}

func (s *Store) MarkFailed(ctx context.Context, id alerting.InstanceID, token string, reason alerting.Reason, lastErr string, now time.Time) error {
	return s.complete(ctx, id, token, now, completion{
		status:    alerting.StatusFailed,
		lastError: &lastErr,
		reason:    &reason,
	})
}

// RequeueStuck recovers claims older than cutoff in one transaction. Rows
// whose next attempt would reach maxAttempts fail first; the rest requeue.
func (s *Store) RequeueStuck(ctx context.Context, cutoff time.Time, maxAttempts int, now time.Time) (int, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const msg = "claim expired before delivery was recorded"
	ts := formatTime(now)
	cut := formatTime(cutoff)

	res, err := tx.ExecContext(ctx, `
		UPDATE alert_instances SET
			status = 'failed',
			attempt_count = attempt_count + 1,
			next_attempt_at = NULL,
			last_error = ?,
			reason = ?,
			claim_token = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE status = 'dispatching' AND claimed_at <= ? AND attempt_count + 1 >= ?
	`, msg, alerting.ReasonClaimExpired, ts, cut, maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fail expired claims: %w", err)
	}
	failed, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		UPDATE alert_instances SET
			status = 'pending',
			attempt_count = attempt_count + 1,
			next_attempt_at = ?,
			last_error = ?,
			reason = ?,
			claim_token = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE status = 'dispatching' AND claimed_at <= ?
	`, ts, msg, alerting.ReasonClaimExpired, ts, cut)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to requeue expired claims: %w", err)
	}
	requeued, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit requeue: %w", err)
	}
	return int(requeued), int(failed), nil
}

// QueryInstances serves the operator read path.
func (s *Store) QueryInstances(ctx context.Context, f alerting.InstanceFilter) ([]alerting.AlertInstance, error) {
	var where []string
	var args []any
	if f.SubscriptionID != "" {
		where = append(where, "subscription_id = ?")
		args = append(args, f.SubscriptionID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.RuleID != "" {
		where = append(where, "alert_rule_id = ?")
		args = append(args, f.RuleID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + instanceColumns + ` FROM alert_instances`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY alert_send_date DESC, id DESC LIMIT ?`
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)
	return s.queryInstances(ctx, query, args...)
}

func (s *Store) queryInstances(ctx context.Context, query string, args ...any) ([]alerting.AlertInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var out []alerting.AlertInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(row scanner) (alerting.AlertInstance, error) {
	var inst alerting.AlertInstance
	var target, send, payload, createdAt, updatedAt string
	var next, lastErr, token, claimedAt, sentAt sql.NullString
	if err := row.Scan(
		&inst.ID, &inst.AlertRuleID, &inst.SubscriptionID, &inst.UserID, &inst.CycleKey,
		&target, &send, &inst.Contact, &payload, &inst.Status, &inst.AttemptCount,
		&next, &lastErr, &inst.Reason, &token, &claimedAt, &sentAt, &createdAt, &updatedAt,
	); err != nil {
		return alerting.AlertInstance{}, err
	}
	if err := json.Unmarshal([]byte(payload), &inst.Payload); err != nil {
		return alerting.AlertInstance{}, fmt.Errorf("invalid payload for instance %s: %w", inst.ID, err)
	}
	inst.TargetDate = parseTime(target)
	inst.AlertSendDate = parseTime(send)
	inst.NextAttemptAt = parseNullTime(next)
	inst.LastError = lastErr.String
	inst.ClaimToken = token.String
	inst.ClaimedAt = parseNullTime(claimedAt)
	inst.SentAt = parseNullTime(sentAt)
	inst.CreatedAt = parseTime(createdAt)
	inst.UpdatedAt = parseTime(updatedAt)
	return inst, nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func expectOne(res sql.Result, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n != 1 {
		return otherwise
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
