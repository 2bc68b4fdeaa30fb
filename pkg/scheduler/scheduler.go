// Package scheduler drives the select and upload cycle until cancelled.
package scheduler

import (
	"context"
	"time"

	"github.com/ethpandaops/segmentoor/pkg/metrics"
	"github.com/ethpandaops/segmentoor/pkg/segment"
	"github.com/ethpandaops/segmentoor/pkg/upload"
	"github.com/sirupsen/logrus"
)

// Selector picks the next artifact to upload. A nil task means there is
// nothing pending.
type Selector interface {
	SelectNext() (*segment.Task, error)
}

// Uploader runs a single upload attempt.
type Uploader interface {
	Upload(ctx context.Context, task segment.Task) upload.Result
}

// Compile-time interface checks.
var (
	_ Selector = (*segment.Scanner)(nil)
	_ Uploader = (*upload.Executor)(nil)
)

// Options configures a Scheduler.
type Options struct {
	IdleInterval time.Duration
	BackoffBase  time.Duration

	// BackoffMax caps the retry delay. Zero leaves it unbounded.
	BackoffMax time.Duration

	Metrics metrics.Metrics
}

// Scheduler runs uploads strictly one at a time.
type Scheduler struct {
	log      logrus.FieldLogger
	selector Selector
	uploader Uploader
	idle     time.Duration
	backoff  *Backoff
	metrics  metrics.Metrics
	sleep    func(ctx context.Context, d time.Duration) bool
}

// New creates a scheduler.
func New(log logrus.FieldLogger, selector Selector, uploader Uploader, opts Options) *Scheduler {
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}

	return &Scheduler{
		log:      log.WithField("component", "scheduler"),
		selector: selector,
		uploader: uploader,
		idle:     opts.IdleInterval,
		backoff:  NewBackoff(opts.BackoffBase, opts.BackoffMax),
		metrics:  m,
		sleep:    sleepContext,
	}
}

// Run loops until ctx is cancelled. Cancellation is observed between
// attempts and during sleeps; an attempt already started runs to
// completion, so callers wanting a faster exit abort the transfer itself.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"idle_interval": s.idle,
		"backoff_base":  s.backoff.base,
		"backoff_max":   s.backoff.ceiling,
	}).Info("Scheduler started")

	s.metrics.SetBackoff(s.backoff.Current().Seconds())

	for ctx.Err() == nil {
		if !s.step(ctx) {
			break
		}
	}

	s.log.Info("Scheduler stopped")

	return nil
}

// step performs one cycle and reports whether the loop should continue.
func (s *Scheduler) step(ctx context.Context) bool {
	task, err := s.selector.SelectNext()
	if err != nil {
		s.log.WithError(err).Warn("Failed to list segments")

		task = nil
	}

	// Every rescan after an idle period starts from the base delay.
	if task == nil {
		s.backoff.Reset()
		s.metrics.SetBackoff(s.backoff.Current().Seconds())

		s.log.WithField("interval", s.idle).Debug("Nothing to upload")

		return s.sleep(ctx, s.idle)
	}

	res := s.uploader.Upload(context.WithoutCancel(ctx), *task)

	if res.Success {
		s.backoff.Reset()
		s.metrics.SetBackoff(s.backoff.Current().Seconds())

		return true
	}

	delay := s.backoff.Next()
	s.metrics.SetBackoff(s.backoff.Current().Seconds())

	s.log.WithFields(logrus.Fields{
		"key":     res.Task.Key,
		"outcome": res.Outcome,
		"delay":   delay,
	}).Info("Upload failed, backing off")

	return s.sleep(ctx, delay)
}

// sleepContext waits for d and returns false if ctx ended first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
