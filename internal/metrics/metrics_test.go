package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/e7canasta/orion-mirror/internal/producer"
	"github.com/e7canasta/orion-mirror/internal/scheduler"
)

func testSnapshot() Snapshot {
	return Snapshot{
		Scheduler: scheduler.Stats{
			Subject:   scheduler.StreamStats{Submitted: 30, Dropped: 4, Processed: 26, Misses: 2, AvgLatencyMS: 12.5},
			Reference: scheduler.StreamStats{Submitted: 20, Processed: 20, Errors: 1},
			IsRunning: true,
		},
		Producers: []producer.Stats{
			{Stream: producer.Subject, FrameCount: 90, FPSReal: 29.9},
			{Stream: producer.Reference, FrameCount: 60, FPSReal: 30},
		},
		SyncSeeks:  3,
		SyncStalls: 7,
	}
}

func TestPipelineCollector(t *testing.T) {
	c := newPipelineCollector(testSnapshot)

	// 6 per stream, 2 per producer, 2 sync, 1 running
	if n := testutil.CollectAndCount(c); n != 12+4+2+1 {
		t.Errorf("collected %d metrics, want 19", n)
	}

	expected := `
# HELP mirror_pose_requests_dropped_total Frames overwritten in the mailbox before estimation
# TYPE mirror_pose_requests_dropped_total counter
mirror_pose_requests_dropped_total{stream="reference"} 0
mirror_pose_requests_dropped_total{stream="subject"} 4
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "mirror_pose_requests_dropped_total"); err != nil {
		t.Error(err)
	}

	expected = `
# HELP mirror_media_sync_corrections_total Audio drift corrections
# TYPE mirror_media_sync_corrections_total counter
mirror_media_sync_corrections_total{kind="seek"} 3
mirror_media_sync_corrections_total{kind="stall"} 7
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "mirror_media_sync_corrections_total"); err != nil {
		t.Error(err)
	}
	t.Logf("✅ pipeline snapshot exported")
}

func TestObserveScore(t *testing.T) {
	m := New(nil)
	m.ObserveScore(84)
	m.ObserveScore(70)

	if got := testutil.ToFloat64(m.LiveScore); got != 70 {
		t.Errorf("live score = %v, want 70", got)
	}
	if got := testutil.ToFloat64(m.Ticks); got != 2 {
		t.Errorf("ticks = %v, want 2", got)
	}

	m.ObserveExport("redis", nil)
	m.ObserveExport("redis", io.EOF)
	if got := testutil.ToFloat64(m.Exports.WithLabelValues("redis", "error")); got != 1 {
		t.Errorf("redis errors = %v", got)
	}
}

func TestHealthEndpoints(t *testing.T) {
	var status atomic.Value
	status.Store(StatusHealthy)
	m := New(testSnapshot)
	s := NewServer(":0", m,
		func() HealthStatus { return HealthStatus{Status: status.Load().(string), Phase: "training"} },
		func() any { return map[string]any{"subject": map[string]any{"seq": 5}} },
	)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	get := func(t *testing.T, path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	tests := []struct {
		name     string
		path     string
		status   string
		wantCode int
		contains string
	}{
		{"liveness", "/health", StatusHealthy, http.StatusOK, `"alive"`},
		{"ready", "/readiness", StatusHealthy, http.StatusOK, `"training"`},
		{"degraded is ready", "/readiness", StatusDegraded, http.StatusOK, `"degraded"`},
		{"unhealthy", "/readiness", StatusUnhealthy, http.StatusServiceUnavailable, `"unhealthy"`},
		{"display", "/display", StatusHealthy, http.StatusOK, `"seq":5`},
		{"metrics", "/metrics", StatusHealthy, http.StatusOK, "mirror_pose_estimations_total"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status.Store(tt.status)
			code, body := get(t, tt.path)
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if !strings.Contains(body, tt.contains) {
				t.Errorf("body %q does not contain %q", body, tt.contains)
			}
		})
	}

	// readiness body decodes into HealthStatus
	status.Store(StatusHealthy)
	_, body := get(t, "/readiness")
	var h HealthStatus
	if err := json.Unmarshal([]byte(body), &h); err != nil {
		t.Fatal(err)
	}
	if h.Phase != "training" {
		t.Errorf("phase = %q", h.Phase)
	}
}

func TestDisplayDisabled(t *testing.T) {
	s := NewServer(":0", nil, func() HealthStatus { return HealthStatus{} }, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/display", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d", rec.Code)
	}
}
