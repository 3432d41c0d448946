package alerting

import (
	"log/slog"

	"github.com/google/uuid"
)

type options struct {
	logger   *slog.Logger
	recorder Recorder
	now      Clock
	newID    func() string
}

// Option configures a Reconciler, RuleService or Dispatcher.
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.now = c
		}
	}
}

// WithIDGenerator overrides uuid-based ids for rules, instances and claim tokens.
func WithIDGenerator(f func() string) Option {
	return func(o *options) {
		if f != nil {
			o.newID = f
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   slog.Default(),
		recorder: nopRecorder{},
		now:      systemClock,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
