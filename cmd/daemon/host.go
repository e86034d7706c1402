package main

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	mdnsd "github.com/devgianlu/go-mdnsd"
)

// Activity is what a LifecycleHost drives: every successful or failed Activate is
// paired with exactly one Deactivate.
type Activity interface {
	Activate(ctx context.Context) error
	Deactivate()
}

// LifecycleHost decides when the registration is live.
type LifecycleHost interface {
	Run(ctx context.Context, activity Activity) error
}

// DaemonHost activates once and deactivates when the context is done.
type DaemonHost struct {
	log mdnsd.Logger
}

func NewDaemonHost(log mdnsd.Logger) *DaemonHost {
	return &DaemonHost{log: mdnsd.LoggerOrNull(log)}
}

func (h *DaemonHost) Run(ctx context.Context, activity Activity) error {
	defer activity.Deactivate()

	if err := activity.Activate(ctx); err != nil {
		// stay up, a network change or an explicit restart may fix this
		h.log.WithError(err).Errorf("failed activating registration")
	}

	<-ctx.Done()
	return nil
}

// JobHost runs the registration as a periodic job: every run holds the
// registration for a lease, then waits for the next run. Failed activations are
// retried with an exponential backoff instead of waiting a full interval.
type JobHost struct {
	log      mdnsd.Logger
	lease    time.Duration
	interval time.Duration
	clock    clock.Clock
	backoff  *backoff.ExponentialBackOff
}

func NewJobHost(log mdnsd.Logger, lease, interval time.Duration, clk clock.Clock) *JobHost {
	if clk == nil {
		clk = clock.New()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 2 * time.Minute
	b.MaxElapsedTime = 0
	b.Clock = clk
	b.Reset()

	return &JobHost{
		log:      mdnsd.LoggerOrNull(log),
		lease:    lease,
		interval: interval,
		clock:    clk,
		backoff:  b,
	}
}

func (h *JobHost) Run(ctx context.Context, activity Activity) error {
	for run := 1; ; run++ {
		wait, err := h.runOnce(ctx, activity)
		if err != nil {
			h.log.WithError(err).Warnf("job run %d failed, retrying in %s", run, wait)
		} else {
			h.log.Debugf("job run %d completed, next in %s", run, wait)
		}

		if !h.sleep(ctx, wait) {
			return nil
		}
	}
}

// runOnce activates, holds the lease and deactivates. It returns how long to wait
// before the next run.
func (h *JobHost) runOnce(ctx context.Context, activity Activity) (time.Duration, error) {
	defer activity.Deactivate()

	if err := activity.Activate(ctx); err != nil {
		return h.backoff.NextBackOff(), err
	}

	h.backoff.Reset()
	h.sleep(ctx, h.lease)
	return h.interval, nil
}

func (h *JobHost) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := h.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
