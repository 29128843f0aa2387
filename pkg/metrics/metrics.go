package metrics

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// PullMetrics counts what happened during one pull. The reporter goroutine
// updates it concurrently with the pull loop.
type PullMetrics struct {
	StartTime time.Time

	Reads         atomic.Int64
	Bytes         atomic.Int64
	ReadErrors    atomic.Int64
	Frames        atomic.Int64
	ParseErrors   atomic.Int64
	Dropped       atomic.Int64
	Saves         atomic.Int64
	ReportsSent   atomic.Int64
	ReportsFailed atomic.Int64
}

// NewPullMetrics creates a new metrics instance
func NewPullMetrics() *PullMetrics {
	return &PullMetrics{
		StartTime: time.Now(),
	}
}

// Fields returns the counters as log fields.
func (m *PullMetrics) Fields() logrus.Fields {
	return logrus.Fields{
		"uptime":         time.Since(m.StartTime).Round(time.Millisecond).String(),
		"reads":          m.Reads.Load(),
		"bytes":          m.Bytes.Load(),
		"read_errors":    m.ReadErrors.Load(),
		"frames":         m.Frames.Load(),
		"parse_errors":   m.ParseErrors.Load(),
		"dropped":        m.Dropped.Load(),
		"saves":          m.Saves.Load(),
		"reports_sent":   m.ReportsSent.Load(),
		"reports_failed": m.ReportsFailed.Load(),
	}
}

// LogResourceUsage logs the counters together with current memory usage
func (m *PullMetrics) LogResourceUsage(log logrus.FieldLogger) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	log.WithFields(m.Fields()).
		WithField("memory_mb", float64(mem.Alloc)/1024/1024).
		Debug("Resource usage")
}

// Timer provides a simple way to measure operation duration
type Timer struct {
	name  string
	start time.Time
	log   logrus.FieldLogger
}

// NewTimer creates a new timer for an operation
func NewTimer(log logrus.FieldLogger, operation string) *Timer {
	log.Debugf("Starting %s", operation)
	return &Timer{
		name:  operation,
		start: time.Now(),
		log:   log,
	}
}

// Stop stops the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)

	entry := t.log.WithField("duration", duration.Round(time.Millisecond).String())
	if duration > 5*time.Minute {
		entry.Warnf("%s took longer than expected", t.name)
	} else {
		entry.Infof("%s completed", t.name)
	}
	return duration
}
