package reporter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pullwatch/pkg/metrics"
)

type fakeSource struct {
	mu   sync.Mutex
	data []byte
	err  error
}

func (f *fakeSource) Read() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte(nil), f.data...), nil
}

func (f *fakeSource) set(data []byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data, f.err = data, err
}

type captured struct {
	contentType string
	accept      string
	method      string
	body        string
}

func newEndpoint(t *testing.T, status int) (*httptest.Server, <-chan captured) {
	t.Helper()
	got := make(chan captured, 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{
			contentType: r.Header.Get("Content-Type"),
			accept:      r.Header.Get("Accept"),
			method:      r.Method,
			body:        string(body),
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func quietLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

func TestReporter_Report(t *testing.T) {
	srv, got := newEndpoint(t, http.StatusOK)
	m := metrics.NewPullMetrics()
	source := &fakeSource{data: []byte(`{"L1":{"id":"L1"}}`)}

	r := New(srv.URL, source, WithLogger(quietLogger()), WithMetrics(m))
	require.NoError(t, r.Report(context.Background()))

	req := <-got
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "application/json", req.contentType)
	assert.Equal(t, "application/json", req.accept)
	assert.Equal(t, `{"L1":{"id":"L1"}}`, req.body)
	assert.Equal(t, int64(1), m.ReportsSent.Load())
}

func TestReporter_ReportErrors(t *testing.T) {
	t.Run("missing snapshot", func(t *testing.T) {
		srv, got := newEndpoint(t, http.StatusOK)
		source := &fakeSource{err: os.ErrNotExist}

		err := New(srv.URL, source, WithLogger(quietLogger())).Report(context.Background())
		assert.ErrorIs(t, err, ErrNoSnapshot)
		assert.Empty(t, got)
	})

	t.Run("endpoint rejects", func(t *testing.T) {
		srv, _ := newEndpoint(t, http.StatusInternalServerError)
		source := &fakeSource{data: []byte(`{}`)}

		err := New(srv.URL, source, WithLogger(quietLogger())).Report(context.Background())
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoSnapshot)
	})

	t.Run("endpoint unreachable", func(t *testing.T) {
		srv, _ := newEndpoint(t, http.StatusOK)
		url := srv.URL
		srv.Close()

		err := New(url, &fakeSource{data: []byte(`{}`)}, WithLogger(quietLogger())).Report(context.Background())
		assert.Error(t, err)
	})
}

func TestReporter_Start(t *testing.T) {
	t.Run("skips ticks until the snapshot exists", func(t *testing.T) {
		srv, got := newEndpoint(t, http.StatusOK)
		source := &fakeSource{err: os.ErrNotExist}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		New(srv.URL, source, WithInterval(10*time.Millisecond), WithLogger(quietLogger())).Start(ctx)

		time.Sleep(30 * time.Millisecond)
		assert.Empty(t, got)

		source.set([]byte(`{"a":{"id":"a"}}`), nil)
		select {
		case req := <-got:
			assert.Equal(t, `{"a":{"id":"a"}}`, req.body)
		case <-time.After(2 * time.Second):
			t.Fatal("no report delivered after snapshot appeared")
		}
	})

	t.Run("keeps going after delivery failures", func(t *testing.T) {
		var calls atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		m := metrics.NewPullMetrics()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		New(srv.URL, &fakeSource{data: []byte(`{}`)},
			WithInterval(10*time.Millisecond), WithLogger(quietLogger()), WithMetrics(m)).Start(ctx)

		require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
		assert.GreaterOrEqual(t, m.ReportsFailed.Load(), int64(2))
	})

	t.Run("stops when the context ends", func(t *testing.T) {
		var calls atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		New(srv.URL, &fakeSource{data: []byte(`{}`)},
			WithInterval(5*time.Millisecond), WithLogger(quietLogger())).Start(ctx)

		require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
		cancel()
		time.Sleep(20 * time.Millisecond)
		settled := calls.Load()
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, settled, calls.Load())
	})
}

func TestWithInterval_IgnoresNonPositive(t *testing.T) {
	r := New("http://example.invalid", &fakeSource{err: errors.New("x")}, WithInterval(0))
	assert.Equal(t, DefaultInterval, r.interval)
}
