package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/me/gocycle/pkg/model"
)

func TestSetPool(t *testing.T) {
	m := New()
	m.SetPool(model.StateTotals{model.TaskStateRunning: 3}, 1)
	m.SetPool(model.StateTotals{model.TaskStateWaiting: 2}, 0)

	tests := []struct {
		state model.TaskState
		want  float64
	}{
		{model.TaskStateRunning, 0},
		{model.TaskStateWaiting, 2},
		{model.TaskStateExpired, 0},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.TaskInstances.WithLabelValues(tt.state.String())); got != tt.want {
			t.Errorf("task_instances{state=%q} = %v, want %v", tt.state, got, tt.want)
		}
	}
	if got := testutil.ToFloat64(m.HeldInstances); got != 0 {
		t.Errorf("held_instances = %v, want 0", got)
	}
}

func TestObserveCall(t *testing.T) {
	m := New()
	m.ObserveCall("sim", "submit", time.Millisecond, nil)
	m.ObserveCall("sim", "submit", time.Millisecond, errors.New("boom"))
	if got := testutil.ToFloat64(m.BackendCallErrors.WithLabelValues("sim", "submit")); got != 1 {
		t.Errorf("backend_call_errors_total = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.BackendCalls); n != 1 {
		t.Errorf("backend_call_duration_seconds series = %d, want 1", n)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveTick(10*time.Millisecond, 2)
	m.ObserveRequest(http.MethodGet, http.StatusOK, time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"gocycle_ticks_total 1",
		"gocycle_tick_errors_total 2",
		`gocycle_http_requests_total{code="200",method="GET"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
