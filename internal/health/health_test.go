package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

type mockBackend struct {
	devices []rdma.VerbsDeviceInfo
	err     error
}

func (m *mockBackend) GetDeviceList() ([]rdma.VerbsDeviceInfo, error) {
	return m.devices, m.err
}

type mockState struct {
	accepting bool
	running   string
}

func (m *mockState) Accepting() bool     { return m.accepting }
func (m *mockState) RunningTest() string { return m.running }

func healthyBackend() *mockBackend {
	return &mockBackend{devices: []rdma.VerbsDeviceInfo{{Name: "mlx5_0"}, {Name: "mlx5_1"}}}
}

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		name    string
		backend *mockBackend
		state   *mockState
		want    Status
		checks  map[string]string
	}{
		{
			name:    "healthy idle",
			backend: healthyBackend(),
			state:   &mockState{accepting: true},
			want:    StatusHealthy,
			checks:  map[string]string{"backend": "2 RDMA devices", "test": "idle"},
		},
		{
			name:    "healthy while serving",
			backend: healthyBackend(),
			state:   &mockState{accepting: true, running: "rc_bw"},
			want:    StatusHealthy,
			checks:  map[string]string{"test": "running rc_bw"},
		},
		{
			name:    "no devices is degraded",
			backend: &mockBackend{},
			state:   &mockState{accepting: true},
			want:    StatusDegraded,
			checks:  map[string]string{"backend": "no RDMA devices"},
		},
		{
			name:    "device query failure",
			backend: &mockBackend{err: errors.New("verbs not initialized")},
			state:   &mockState{accepting: true},
			want:    StatusUnhealthy,
			checks:  map[string]string{"backend": "device query failed: verbs not initialized"},
		},
		{
			name:    "listener closed",
			backend: healthyBackend(),
			state:   &mockState{},
			want:    StatusUnhealthy,
			checks:  map[string]string{"listener": "listener closed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := NewChecker(tt.backend, tt.state).Check(context.Background())

			assert.Equal(t, tt.want, status.Status)
			assert.Len(t, status.Checks, 3)

			for name, msg := range tt.checks {
				assert.Equal(t, msg, status.Checks[name].Message, name)
			}
		})
	}
}

func TestCheckUninitialized(t *testing.T) {
	checker := NewChecker(nil, nil)
	status := checker.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "verbs backend not initialized", status.Checks["backend"].Message)
	assert.False(t, checker.IsReady(context.Background()))
	assert.True(t, checker.IsLive(context.Background()))
}

func TestIsReady(t *testing.T) {
	state := &mockState{accepting: true}
	checker := NewChecker(healthyBackend(), state)
	ctx := context.Background()

	assert.True(t, checker.IsReady(ctx))

	state.running = "rc_lat"
	assert.False(t, checker.IsReady(ctx))

	state.running = ""
	state.accepting = false
	assert.False(t, checker.IsReady(ctx))
}

func TestCaching(t *testing.T) {
	state := &mockState{accepting: true}
	checker := NewChecker(healthyBackend(), state)
	checker.cacheTTL = 100 * time.Millisecond
	ctx := context.Background()

	status1 := checker.Check(ctx)

	state.accepting = false
	status2 := checker.Check(ctx)
	assert.Equal(t, status1.Timestamp, status2.Timestamp)
	assert.Equal(t, StatusHealthy, status2.Status)

	time.Sleep(150 * time.Millisecond)

	status3 := checker.Check(ctx)
	assert.NotEqual(t, status1.Timestamp, status3.Timestamp)
	assert.Equal(t, StatusUnhealthy, status3.Status)
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name         string
		checker      *Checker
		expectedCode int
		expected     string
	}{
		{
			name:         "healthy",
			checker:      NewChecker(healthyBackend(), &mockState{accepting: true}),
			expectedCode: http.StatusOK,
			expected:     "healthy",
		},
		{
			name:         "degraded",
			checker:      NewChecker(&mockBackend{}, &mockState{accepting: true}),
			expectedCode: http.StatusOK,
			expected:     "degraded",
		},
		{
			name:         "unhealthy",
			checker:      NewChecker(nil, nil),
			expectedCode: http.StatusServiceUnavailable,
			expected:     "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(tt.checker)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()

			handler.HealthHandler(w, req)

			assert.Equal(t, tt.expectedCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var response map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, tt.expected, response["status"])
		})
	}
}

func TestLiveAndReadyHandlers(t *testing.T) {
	state := &mockState{accepting: true, running: "ud_bw"}
	handler := NewHandler(NewChecker(healthyBackend(), state))

	w := httptest.NewRecorder()
	handler.LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = httptest.NewRecorder()
	handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"not ready"}`, w.Body.String())

	state.running = ""
	w = httptest.NewRecorder()
	handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDetailedHandler(t *testing.T) {
	handler := NewHandler(NewChecker(healthyBackend(), &mockState{accepting: true}))

	w := httptest.NewRecorder()
	handler.DetailedHandler(w, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["listener"].Status)
	assert.Equal(t, "accepting control connections", status.Checks["listener"].Message)
}
