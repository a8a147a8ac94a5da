// Package retry wraps single document store calls in bounded retry policies.
package retry

import (
	"context"
	"time"

	awsretry "github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/docstore"
	"github.com/ehr/fhirstore/internal/platform/metrics"
)

// Options bounds a retry policy. MaxWaitTime caps the total time spent
// sleeping between attempts, not the duration of the attempts themselves.
type Options struct {
	MaxNumberOfRetries int
	MaxWaitTime        time.Duration
}

// DefaultOptions is the profile used for interactive calls.
func DefaultOptions() Options {
	return Options{MaxNumberOfRetries: 3, MaxWaitTime: 5 * time.Second}
}

// DefaultBatchOptions is the more generous profile for batch and
// individual-item background work.
func DefaultBatchOptions() Options {
	return Options{MaxNumberOfRetries: 18, MaxWaitTime: 90 * time.Second}
}

// Policy retries transient document store failures with exponential jitter
// backoff.
type Policy struct {
	name      string
	opts      Options
	backoff   awsretry.BackoffDelayer
	retryable func(error) bool
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewPolicy creates a policy that retries docstore.IsTransient failures.
func NewPolicy(name string, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Policy {
	maxBackoff := opts.MaxWaitTime
	if maxBackoff <= 0 {
		maxBackoff = time.Second
	}
	return &Policy{
		name:      name,
		opts:      opts,
		backoff:   awsretry.NewExponentialJitterBackoff(maxBackoff),
		retryable: docstore.IsTransient,
		now:       time.Now,
		sleep:     sleepContext,
		metrics:   m,
		logger:    logger,
	}
}

// Name returns the policy's profile name.
func (p *Policy) Name() string { return p.name }

// Options returns the policy's bounds.
func (p *Policy) Options() Options { return p.opts }

// Execute runs fn until it succeeds, fails with a non-transient error, or the
// retry budget is spent. A delay that would cross the context deadline ends
// the loop early with the last error.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var waited time.Duration
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !p.retryable(err) || attempt >= p.opts.MaxNumberOfRetries {
			return err
		}

		delay := docstore.RetryAfter(err)
		if delay <= 0 {
			d, berr := p.backoff.BackoffDelay(attempt+1, err)
			if berr != nil {
				return err
			}
			delay = d
		}
		if waited+delay > p.opts.MaxWaitTime {
			return err
		}
		if deadline, ok := ctx.Deadline(); ok && p.now().Add(delay).After(deadline) {
			return err
		}

		p.metrics.RecordRetry(p.name)
		p.logger.Debug().
			Err(err).
			Str("policy", p.name).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retrying document store call")

		if serr := p.sleep(ctx, delay); serr != nil {
			return serr
		}
		waited += delay
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Factory hands out the interactive and batch retry policies.
type Factory struct {
	interactive *Policy
	batch       *Policy
}

// NewFactory creates both policy profiles.
func NewFactory(interactive, batch Options, m *metrics.Metrics, logger zerolog.Logger) *Factory {
	return &Factory{
		interactive: NewPolicy("interactive", interactive, m, logger),
		batch:       NewPolicy("batch", batch, m, logger),
	}
}

// Policy returns the policy for interactive requests.
func (f *Factory) Policy() *Policy { return f.interactive }

// BatchPolicy returns the policy for batch and individual-item operations.
func (f *Factory) BatchPolicy() *Policy { return f.batch }
