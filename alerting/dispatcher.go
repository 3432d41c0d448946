/*
dispatcher.go - Claims due instances and delivers them

PURPOSE:
  Polls the Instance Store for due instances, claims each one with a
  single conditional write, calls the Notifier, and records the outcome.
  Any number of dispatchers may run against the same store; the claim is
  the only thing standing between them and a double send.

STATE MACHINE:
  pending     --claim (due)-------------------> dispatching
  dispatching --success-----------------------> sent      [terminal]
  dispatching --transient, attempts < max-----> pending   (next_attempt_at = now + backoff)
  dispatching --transient, attempts == max----> failed    [terminal, max_attempts]
  dispatching --permanent---------------------> failed    [terminal, permanent_failure]
  dispatching --claim older than ClaimTimeout-> pending   (SweepStuck)

FAILURE ISOLATION:
  Every outcome is local to one instance. A store error on one instance
  is logged and the pass continues with the next.

SEE ALSO:
  - backoff.go: Retry delay policy
  - store.go: Claim / MarkSent / MarkRetry / MarkFailed / RequeueStuck contracts
*/
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Outcome is the result of processing one due instance.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeRetried  Outcome = "retried"
	OutcomeFailed   Outcome = "failed"
	OutcomeConflict Outcome = "conflict"
	OutcomeError    Outcome = "error"
)

// DispatcherConfig holds the delivery policy. All of it is configuration.
type DispatcherConfig struct {
	Workers       int
	BatchSize     int
	PollInterval  time.Duration
	MaxAttempts   int
	Backoff       Backoff
	NotifyTimeout time.Duration
	ClaimTimeout  time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:       4,
		BatchSize:     50,
		PollInterval:  15 * time.Second,
		MaxAttempts:   5,
		Backoff:       Backoff{Base: time.Minute, Cap: 6 * time.Hour},
		NotifyTimeout: 10 * time.Second,
		ClaimTimeout:  5 * time.Minute,
	}
}

// PassResult counts what one RunOnce did.
type PassResult struct {
	Due       int `json:"due"`
	Sent      int `json:"sent"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

func (p *PassResult) add(o Outcome) {
	switch o {
	case OutcomeSent:
		p.Sent++
	case OutcomeRetried:
		p.Retried++
	case OutcomeFailed:
		p.Failed++
	case OutcomeConflict:
		p.Conflicts++
	case OutcomeError:
		p.Errors++
	}
}

type Dispatcher struct {
	store    InstanceStore
	notifier Notifier
	cfg      DispatcherConfig
	logger   *slog.Logger
	recorder Recorder
	now      Clock
	newID    func() string
}

func NewDispatcher(store InstanceStore, notifier Notifier, cfg DispatcherConfig, opts ...Option) *Dispatcher {
	o := buildOptions(opts)
	def := DefaultDispatcherConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff.Base <= 0 || cfg.Backoff.Cap < cfg.Backoff.Base {
		cfg.Backoff = def.Backoff
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = def.ClaimTimeout
	}
	// A worker holds its claim through one NotifyTimeout delivering and
	// another recording the outcome.
	if floor := 2 * cfg.NotifyTimeout; cfg.ClaimTimeout <= floor {
		cfg.ClaimTimeout = floor + cfg.PollInterval
	}
	return &Dispatcher{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   o.logger.With("component", "dispatcher"),
		recorder: o.recorder,
		now:      o.now,
		newID:    o.newID,
	}
}

func (d *Dispatcher) Config() DispatcherConfig { return d.cfg }

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce processes one batch of due instances on a bounded worker pool.
// Only a failure to list due instances is returned.
func (d *Dispatcher) RunOnce(ctx context.Context) (PassResult, error) {
	due, err := d.store.ListDue(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return PassResult{}, fmt.Errorf("list due instances: %w", err)
	}

	result := PassResult{Due: len(due)}
	if len(due) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for _, inst := range due {
		inst := inst
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			outcome := d.Process(gctx, inst)
			mu.Lock()
			result.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if result.Sent+result.Retried+result.Failed+result.Errors > 0 {
		d.logger.Info("dispatch pass complete",
			"due", result.Due,
			"sent", result.Sent,
			"retried", result.Retried,
			"failed", result.Failed,
			"conflicts", result.Conflicts,
			"errors", result.Errors,
		)
	}
	return result, nil
}

// Process claims and delivers a single instance.
func (d *Dispatcher) Process(ctx context.Context, inst AlertInstance) Outcome {
	outcome := d.process(ctx, inst)
	d.recorder.DispatchOutcome(outcome)
	return outcome
}

func (d *Dispatcher) process(ctx context.Context, inst AlertInstance) Outcome {
	log := d.logger.With("instance_id", inst.ID, "rule_id", inst.AlertRuleID)

	token := d.newID()
	claimed, err := d.store.Claim(ctx, inst.ID, token, d.now())
	if err != nil {
		if errors.Is(err, ErrClaimConflict) {
			log.Debug("claim lost")
			return OutcomeConflict
		}
		log.Error("claim failed", "error", err)
		return OutcomeError
	}
	// The row may have been rescheduled since ListDue read it.
	inst = *claimed

	sendErr := d.deliver(ctx, inst)

	// Record the outcome even if the caller is shutting down.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.NotifyTimeout)
	defer cancel()
	now := d.now()
	attempts := inst.AttemptCount + 1

	var outcome Outcome
	switch {
	case sendErr == nil:
		outcome = OutcomeSent
		err = d.store.MarkSent(rctx, inst.ID, token, now)
	case IsPermanent(sendErr):
		outcome = OutcomeFailed
		err = d.store.MarkFailed(rctx, inst.ID, token, ReasonPermanentFailure, sendErr.Error(), now)
	case attempts >= d.cfg.MaxAttempts:
		outcome = OutcomeFailed
		err = d.store.MarkFailed(rctx, inst.ID, token, ReasonMaxAttempts, sendErr.Error(), now)
	default:
		outcome = OutcomeRetried
		next := now.Add(d.cfg.Backoff.Delay(string(inst.ID), inst.AttemptCount))
		err = d.store.MarkRetry(rctx, inst.ID, token, next, sendErr.Error(), now)
	}

	if err != nil {
		// A sweep may have requeued us; the newer owner's state stands.
		log.Error("record delivery outcome failed", "outcome", outcome, "error", err)
		return OutcomeError
	}

	switch outcome {
	case OutcomeSent:
		log.Info("alert sent", "attempt", attempts)
	case OutcomeRetried:
		log.Warn("alert delivery failed, will retry", "attempt", attempts, "error", sendErr)
	default:
		log.Error("alert delivery failed", "attempt", attempts, "permanent", IsPermanent(sendErr), "error", sendErr)
	}
	return outcome
}

func (d *Dispatcher) deliver(ctx context.Context, inst AlertInstance) (err error) {
	nctx, cancel := context.WithTimeout(ctx, d.cfg.NotifyTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		d.recorder.NotifyDuration(time.Since(start))
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()

	err = d.notifier.Deliver(nctx, NewMessage(inst))
	if err != nil && errors.Is(nctx.Err(), context.DeadlineExceeded) && !IsPermanent(err) {
		err = fmt.Errorf("notifier exceeded %s: %w", d.cfg.NotifyTimeout, err)
	}
	return err
}

// SweepStuck requeues instances whose claim outlived ClaimTimeout,
// recovering from workers that crashed mid-delivery.
func (d *Dispatcher) SweepStuck(ctx context.Context) (requeued, failed int, err error) {
	now := d.now()
	requeued, failed, err = d.store.RequeueStuck(ctx, now.Add(-d.cfg.ClaimTimeout), d.cfg.MaxAttempts, now)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stuck instances: %w", err)
	}
	if requeued+failed > 0 {
		d.recorder.StuckRequeued(requeued, failed)
		d.logger.Warn("stuck dispatches recovered", "requeued", requeued, "failed", failed)
	}
	return requeued, failed, nil
}
