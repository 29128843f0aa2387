// Package puller drives an image pull over the daemon's unix socket and
// keeps the snapshot file current while the daemon streams progress.
package puller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pullwatch/pkg/chunk"
	"pullwatch/pkg/config"
	"pullwatch/pkg/metrics"
	"pullwatch/pkg/progress"
	"pullwatch/pkg/reference"
	"pullwatch/pkg/reporter"
	"pullwatch/pkg/snapshot"
)

// DialFunc opens the transport to the daemon.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Puller struct {
	config     *config.Config
	dial       DialFunc
	log        logrus.FieldLogger
	metrics    *metrics.PullMetrics
	newBackOff func() backoff.BackOff
	reportURL  string
}

type Option func(*Puller)

func WithDialer(dial DialFunc) Option {
	return func(p *Puller) {
		p.dial = dial
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Puller) {
		p.log = log
	}
}

func WithMetrics(m *metrics.PullMetrics) Option {
	return func(p *Puller) {
		p.metrics = m
	}
}

// WithBackOff sets the policy used between failed reads.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(p *Puller) {
		p.newBackOff = newBackOff
	}
}

// WithReportURL enables the reporter for every pull.
func WithReportURL(url string) Option {
	return func(p *Puller) {
		p.reportURL = url
	}
}

func New(cfg *config.Config, opts ...Option) *Puller {
	p := &Puller{
		config:     cfg,
		dial:       (&net.Dialer{}).DialContext,
		log:        logrus.StandardLogger(),
		metrics:    metrics.NewPullMetrics(),
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Pull pulls refString and returns nil once the daemon reports the image
// as downloaded or up to date. When a report URL is configured the reporter
// is started before the request and keeps running until ctx ends, even
// after Pull returns.
func (p *Puller) Pull(ctx context.Context, refString string) error {
	ref, err := reference.Normalize(refString)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}

	log := p.log.WithFields(logrus.Fields{
		"run_id": uuid.New().String(),
		"image":  ref,
	})
	if registry, err := reference.Registry(ref); err == nil {
		log = log.WithField("registry", registry)
	}
	timer := metrics.NewTimer(log, "Pull "+ref)
	defer timer.Stop()
	defer p.metrics.LogResourceUsage(log)

	store := snapshot.NewStore(p.config.BaseDir, ref)

	conn, err := p.dial(ctx, "unix", p.config.Socket)
	if err != nil {
		log.WithError(err).Error("Failed to connect to daemon")
		return fmt.Errorf("%w %s: %w", ErrConnect, p.config.Socket, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if p.reportURL != "" {
		reporter.New(p.reportURL, store,
			reporter.WithInterval(p.config.ReportInterval),
			reporter.WithLogger(log),
			reporter.WithMetrics(p.metrics),
		).Start(ctx)
	}

	if err := store.EnsureDir(); err != nil {
		log.WithError(err).Error("Failed to create snapshot directory")
		return err
	}

	if _, err := io.WriteString(conn, buildRequest(p.config.APIVersion, ref)); err != nil {
		log.WithError(err).Error("Failed to write pull request")
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	log.WithField("snapshot", store.Path()).Info("Pull requested")

	if err := p.stream(ctx, conn, store, log); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func buildRequest(apiVersion, ref string) string {
	return fmt.Sprintf("POST /%s/images/create?fromImage=%s HTTP/1.1\r\nHost: localhost\r\n\r\n", apiVersion, ref)
}

// stream runs the read -> decode -> merge -> save cycle until a terminal
// condition.
func (p *Puller) stream(ctx context.Context, conn io.Reader, store *snapshot.Store, log logrus.FieldLogger) error {
	doc := progress.NewDocument()
	decoder := chunk.NewDecoder()
	markers := newMarkerScanner()
	var head statusLine
	retry := p.newBackOff()
	buf := make([]byte, p.config.ReadBuffer)

	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			retry.Reset()
			data := buf[:n]
			p.metrics.Reads.Add(1)
			p.metrics.Bytes.Add(int64(n))
			log.WithField("bytes", n).Tracef("Read %q", data)

			p.apply(decoder, doc, data, log)

			if err := store.Save(doc); err != nil {
				log.WithError(err).Error("Failed to save snapshot")
				return err
			}
			p.metrics.Saves.Add(1)

			switch markers.Scan(data) {
			case markerTimeout:
				log.Error("Daemon reported a timeout")
				return ErrTimeout
			case markerSuccess:
				log.WithField("progress", doc.Summary().String()).Info("Pull complete")
				return nil
			}

			// A refused pull answers with a plain body that carries no
			// frames or markers and leaves the connection open.
			if code, ok := head.Feed(data); ok && code >= http.StatusBadRequest {
				log.WithField("http_status", code).Error("Daemon rejected the pull")
				return fmt.Errorf("%w: HTTP %d", ErrRejected, code)
			}

			if decoder.Done() {
				log.WithField("progress", doc.Summary().String()).Warn("Response ended without completion marker")
				return fmt.Errorf("%w: response body ended", ErrIncomplete)
			}
		}

		switch {
		case readErr == nil && n == 0, isClosed(readErr):
			log.Warn("Connection closed before completion marker")
			return fmt.Errorf("%w: connection closed", ErrIncomplete)
		case readErr != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.metrics.ReadErrors.Add(1)
			wait := retry.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("%w: %w", ErrIncomplete, readErr)
			}
			log.WithError(readErr).WithField("retry_in", wait.String()).Warn("Read failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// apply decodes one read and merges every well-formed frame into doc.
func (p *Puller) apply(decoder *chunk.Decoder, doc *progress.Document, data []byte, log logrus.FieldLogger) {
	frames, err := decoder.Feed(data)
	if err != nil {
		log.WithError(err).Warn("Discarding oversized partial chunk")
	}

	for _, f := range frames {
		p.metrics.Frames.Add(1)
		if f.Err != nil {
			p.metrics.ParseErrors.Add(1)
			log.WithError(f.Err).WithField("payload", string(f.Payload)).Warn("Skipping malformed progress object")
			continue
		}
		if !doc.Merge(f.Value) {
			p.metrics.Dropped.Add(1)
		}
	}
	log.WithField("progress", doc.Summary().String()).Debug("Snapshot updated")
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET)
}
