package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/exportguard/internal/auth"
	"github.com/mbd888/exportguard/internal/config"
	"github.com/mbd888/exportguard/internal/exportrisk"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type capturedAlert struct {
	target exportrisk.User
	alert  exportrisk.Alert
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []capturedAlert
}

func (n *captureNotifier) SendSecurityAlert(_ context.Context, target exportrisk.User, alert exportrisk.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, capturedAlert{target: target, alert: alert})
	return nil
}

func (n *captureNotifier) alerts() []capturedAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]capturedAlert(nil), n.sent...)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		LogFormat:        "json",
		AdminFanout:      4,
		SerializePerUser: true,
	}
}

var (
	analyst = exportrisk.User{ID: 1, Email: "analyst@example.com", Name: "Analyst"}
	admin   = exportrisk.User{ID: 100, Email: "admin@example.com", Name: "Admin", IsAdmin: true}
)

// newTestServer creates an in-memory server with a capturing notifier
func newTestServer(t *testing.T, cfg *config.Config) (*Server, *captureNotifier) {
	t.Helper()
	n := &captureNotifier{}
	s, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithNotifier(n),
		WithUsers(analyst, admin),
		WithDrainDelay(0),
	)
	require.NoError(t, err)
	return s, n
}

func do(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func checkBody(userID int64) map[string]any {
	return map[string]any{"userId": userID, "exportType": "contacts", "recordCount": 25, "format": "csv"}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := do(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Empty(t, resp.Checks, "in-memory storage has nothing to ping")
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	w := do(s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := do(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	s.ready.Store(true)
	w = do(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestExportCheckFlow(t *testing.T) {
	s, n := newTestServer(t, testConfig())

	w := do(s, http.MethodPost, "/v1/exports/check", checkBody(analyst.ID))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var first struct {
		Decision exportrisk.Decision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.True(t, first.Decision.Allowed)
	assert.Equal(t, exportrisk.ActionAllowed, first.Decision.Action)

	// A second export within the rapid-export window is blocked.
	w = do(s, http.MethodPost, "/v1/exports/check", checkBody(analyst.ID))
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

	var second struct {
		Decision exportrisk.Decision `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, exportrisk.ActionExportBlocked, second.Decision.Action)
	assert.Contains(t, second.Decision.SuspiciousPatterns, exportrisk.PatternRapidSequential)

	alerts := n.alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, admin.ID, alerts[0].target.ID)
	assert.Equal(t, exportrisk.AlertAdminSuspiciousExport, alerts[0].alert.Type)

	w = do(s, http.MethodGet, "/v1/users/1/security-logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logs struct {
		SecurityLogs []exportrisk.AuditRecord `json:"securityLogs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs.SecurityLogs, 1)
	assert.Equal(t, exportrisk.AuditKindSuspiciousExport, logs.SecurityLogs[0].Kind)

	w = do(s, http.MethodGet, "/v1/exports/usage/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var usage struct {
		Usage exportrisk.Usage `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &usage))
	assert.Equal(t, 2, usage.Usage.HourlyUsed)
}

func TestExportCheckValidation(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := do(s, http.MethodPost, "/v1/exports/check", map[string]any{"userId": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestIDPropagated(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))

	w = do(s, http.MethodGet, "/health/live", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

func TestServiceKeyRequired(t *testing.T) {
	raw, hash, err := auth.GenerateKey()
	require.NoError(t, err)
	cfg := testConfig()
	cfg.APIKeyHashes = []string{hash}
	s, _ := newTestServer(t, cfg)

	w := do(s, http.MethodGet, "/v1/exports/usage/1", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/exports/usage/1", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code, "health stays public")
}

func TestMalformedKeyHash(t *testing.T) {
	cfg := testConfig()
	cfg.APIKeyHashes = []string{"zz"}
	_, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithNotifier(&captureNotifier{}))
	assert.Error(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	w := do(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "exportguard_")
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	w := do(s, http.MethodGet, "/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRedisHistory(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr() + "/0"

	s, _ := newTestServer(t, cfg)
	t.Cleanup(func() { s.closeStores() })

	w := do(s, http.MethodPost, "/v1/exports/check", checkBody(analyst.ID))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, mr.Exists("exportguard:history:1"))

	w = do(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "redis", resp.Checks[0].Name)
	assert.True(t, resp.Checks[0].Healthy)

	mr.Close()
	w = do(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestApplyPolicy_LookbackBoundedByRedisRetention(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr() + "/0"

	s, _ := newTestServer(t, cfg)
	t.Cleanup(func() { s.closeStores() })

	longer := s.Engine().Thresholds()
	longer.Lookback = 30 * 24 * time.Hour
	require.ErrorIs(t, s.applyPolicy(longer), exportrisk.ErrInvalidThresholds)
	assert.Equal(t, 7*24*time.Hour, s.Engine().Thresholds().Lookback, "rejected reload leaves the old policy")

	within := s.Engine().Thresholds()
	within.Lookback = 8 * 24 * time.Hour
	within.MaxExportsPerHour = 4
	require.NoError(t, s.applyPolicy(within))
	assert.Equal(t, 4, s.Engine().Thresholds().MaxExportsPerHour)
}

func TestApplyPolicy_NoRedisAcceptsLongLookback(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	longer := s.Engine().Thresholds()
	longer.Lookback = 30 * 24 * time.Hour
	require.NoError(t, s.applyPolicy(longer))
	assert.Equal(t, 30*24*time.Hour, s.Engine().Thresholds().Lookback)
}

func TestRedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.RedisURL = "redis://127.0.0.1:1/0"
	_, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithNotifier(&captureNotifier{}))
	assert.Error(t, err)
}

func TestPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_exports_per_hour: 7\ntimezone: UTC\n"), 0o600))

	cfg := testConfig()
	cfg.PolicyFile = path
	s, _ := newTestServer(t, cfg)
	assert.Equal(t, 7, s.Engine().Thresholds().MaxExportsPerHour)

	require.NoError(t, os.WriteFile(path, []byte("warning_threshold: 0.95\nblock_threshold: 0.5\n"), 0o600))
	_, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithNotifier(&captureNotifier{}))
	assert.ErrorIs(t, err, exportrisk.ErrInvalidThresholds)
}

func TestRunAndShutdown(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.ready.Load, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.False(t, s.ready.Load())
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://guard:***@db:5432/exportguard", maskDSN("postgres://guard:hunter2@db:5432/exportguard"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
