package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/byline-digest/byline/config"
	"github.com/ZanzyTHEbar/byline-digest/byline/digest"
	"github.com/ZanzyTHEbar/byline-digest/byline/generation"
	"github.com/ZanzyTHEbar/byline-digest/byline/generation/harness"
	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
	"github.com/ZanzyTHEbar/byline-digest/byline/observability"
)

type stubGenerator struct {
	err error

	mu   sync.Mutex
	seen []ports.Interest
}

func (g *stubGenerator) Generate(ctx context.Context, in ports.Interest) (*harness.Result, error) {
	g.mu.Lock()
	g.seen = append(g.seen, in)
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return &harness.Result{RunID: "run-1", State: harness.StateDone, Rounds: 1, ToolCalls: 1, ResultCount: 2, Text: "<h3>" + in.Topic + "</h3>"}, nil
}

func (g *stubGenerator) GenerateAll(ctx context.Context, interests []ports.Interest) []generation.Section {
	return nil
}

type blockingRunner struct {
	release chan struct{}
	started chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context) (digest.Report, error) {
	close(r.started)
	<-r.release
	return digest.Report{Users: 2, Delivered: 1, Skipped: 1}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestHealthz(t *testing.T) {
	h := New(&stubGenerator{}, nil, nil, "1.2.3", zerolog.Nop()).Routes()
	rec := do(t, h, http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"1.2.3"}`, rec.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	collector := observability.NewCollector("byline")
	collector.Delivery("delivered")

	h := New(&stubGenerator{}, nil, collector.Handler(), "dev", zerolog.Nop()).Routes()
	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `byline_deliveries_total{outcome="delivered"} 1`)

	noMetrics := New(&stubGenerator{}, nil, nil, "dev", zerolog.Nop()).Routes()
	assert.Equal(t, http.StatusNotFound, do(t, noMetrics, http.MethodGet, "/metrics", "").Code)
}

func TestPreview(t *testing.T) {
	gen := &stubGenerator{}
	h := New(gen, nil, nil, "dev", zerolog.Nop()).Routes()

	rec := do(t, h, http.MethodPost, "/v1/preview", `{"interest":" Robotics ","subinterests":["humanoids",""]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp previewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, previewResponse{
		RunID: "run-1", Interest: "Robotics", State: "done", Rounds: 1, ToolCalls: 1, Results: 2, HTML: "<h3>Robotics</h3>",
	}, resp)
	assert.Equal(t, []ports.Interest{ports.MustInterest("Robotics", "humanoids")}, gen.seen)
}

func TestPreview_BadRequests(t *testing.T) {
	h := New(&stubGenerator{}, nil, nil, "dev", zerolog.Nop()).Routes()

	for _, body := range []string{`not json`, `{"interest":""}`, `{"interest":"x","extra":1}`} {
		rec := do(t, h, http.MethodPost, "/v1/preview", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Contains(t, rec.Body.String(), `"error"`)
	}
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/v1/preview", "").Code)
}

func TestPreview_ModelErrorIsBadGateway(t *testing.T) {
	gen := &stubGenerator{err: &ports.ModelError{Provider: "openai", StatusCode: 429, Err: errors.New("rate limited")}}
	h := New(gen, nil, nil, "dev", zerolog.Nop()).Routes()

	rec := do(t, h, http.MethodPost, "/v1/preview", `{"interest":"AI"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate limited")
}

func TestRunDigest_RefusesOverlap(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{}), started: make(chan struct{})}
	h := New(&stubGenerator{}, runner, nil, "dev", zerolog.Nop()).Routes()

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- do(t, h, http.MethodPost, "/v1/digest/run", "") }()

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
	}
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/v1/digest/run", "").Code)

	close(runner.release)
	rec := <-done
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"users":2,"delivered":1,"failed":0,"skipped":1}`, rec.Body.String())
}

func TestHTTPServer(t *testing.T) {
	srv := New(&stubGenerator{}, nil, nil, "dev", zerolog.Nop()).HTTPServer(config.ServerConfig{Addr: ":9999", ReadTimeout: time.Second, WriteTimeout: time.Minute})
	assert.Equal(t, ":9999", srv.Addr)
	assert.Equal(t, time.Minute, srv.WriteTimeout)
	assert.NotNil(t, srv.Handler)
}
