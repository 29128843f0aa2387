// Package reporter republishes the latest snapshot to a remote endpoint on
// a fixed interval while a pull is running.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"pullwatch/pkg/metrics"
)

const DefaultInterval = 10 * time.Second

// ErrNoSnapshot means there was nothing to send on this tick.
var ErrNoSnapshot = errors.New("snapshot not readable")

// Source supplies the bytes to publish.
type Source interface {
	Read() ([]byte, error)
}

type Reporter struct {
	target   string
	source   Source
	interval time.Duration
	client   *resty.Client
	log      logrus.FieldLogger
	metrics  *metrics.PullMetrics
}

type Option func(*Reporter)

func WithInterval(d time.Duration) Option {
	return func(r *Reporter) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Reporter) {
		r.log = log
	}
}

func WithMetrics(m *metrics.PullMetrics) Option {
	return func(r *Reporter) {
		r.metrics = m
	}
}

// New returns a reporter that POSTs whatever source yields to target.
func New(target string, source Source, opts ...Option) *Reporter {
	r := &Reporter{
		target:   target,
		source:   source,
		interval: DefaultInterval,
		log:      logrus.StandardLogger(),
		metrics:  metrics.NewPullMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("target", target)

	// A hung endpoint must not hold up more than one tick.
	r.client = resty.New().
		SetTimeout(r.interval).
		SetLogger(r.log)
	return r
}

// Start runs the reporting loop in the background and returns immediately.
// The first attempt happens right away. The loop only ends when ctx is done.
func (r *Reporter) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Reporter) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.Report(ctx); err != nil {
			if errors.Is(err, ErrNoSnapshot) {
				r.log.WithError(err).Debug("Skipping report")
			} else {
				r.metrics.ReportsFailed.Add(1)
				r.log.WithError(err).Debug("Report delivery failed")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Report makes a single delivery attempt.
func (r *Reporter) Report(ctx context.Context) error {
	data, err := r.source.Read()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoSnapshot, err)
	}

	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(data).
		Post(r.target)
	if err != nil {
		return fmt.Errorf("failed to post snapshot: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("report endpoint returned %s", resp.Status())
	}

	r.metrics.ReportsSent.Add(1)
	r.log.WithField("bytes", len(data)).Debug("Snapshot reported")
	return nil
}
