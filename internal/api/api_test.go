package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qingchang/werewolf-auto-host/internal/agents"
	"github.com/qingchang/werewolf-auto-host/internal/audit"
	"github.com/qingchang/werewolf-auto-host/internal/auth"
	"github.com/qingchang/werewolf-auto-host/internal/broker"
	gamebus "github.com/qingchang/werewolf-auto-host/internal/bus"
	"github.com/qingchang/werewolf-auto-host/internal/llm"
	"github.com/qingchang/werewolf-auto-host/internal/narrator"
	"github.com/qingchang/werewolf-auto-host/internal/observability"
	"github.com/qingchang/werewolf-auto-host/internal/realtime"
	"github.com/qingchang/werewolf-auto-host/internal/scheduler"
	"github.com/qingchang/werewolf-auto-host/internal/store"
)

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *audit.Log) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := zap.NewNop()
	st := store.NewMemoryStore()
	b := gamebus.New(logger, metrics)
	log := audit.NewLog(st, logger)
	br := broker.New(b, logger, metrics)
	streamer := llm.NewScripted()
	host := narrator.New(streamer, b, log, logger, metrics)
	runner := agents.NewRunner(streamer, logger, metrics)
	mgr := scheduler.NewManager(context.Background(), scheduler.DefaultConfig(), scheduler.Deps{
		Bus: b, Broker: br, Narrator: host, Agents: runner,
		Log: log, Store: st, Logger: logger, Metrics: metrics,
	})
	t.Cleanup(mgr.Close)

	jwtMgr := auth.NewJWTManager("test-secret", time.Hour)
	ws := realtime.NewWSServer(jwtMgr, b, log, mgr, logger, metrics)
	return NewServer(jwtMgr, mgr, log, ws, logger, opts...), log
}

type stubHealth struct{ err error }

func (s stubHealth) HealthCheck() error { return s.err }

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestHealthProbesQueue(t *testing.T) {
	s, _ := newTestServer(t, WithQueueHealth(stubHealth{}))
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queue":"ok"`)

	s, _ = newTestServer(t, WithQueueHealth(stubHealth{err: errors.New("connection closed")}))
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestIssueTokenAndFetchLogs(t *testing.T) {
	s, log := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/games/ROOM01/token", strings.NewReader(`{"seat":4}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	var tokenResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokenResp))
	require.NotEmpty(t, tokenResp["token"])

	log.Append(context.Background(), audit.Entry{RoomCode: "ROOM01", Type: "host_announcement", Content: "Dawn breaks.", Visibility: audit.VisPublic})
	log.Append(context.Background(), audit.Entry{RoomCode: "ROOM01", Type: "seer_check", Seat: 4, Content: "seat 1 is IS_WEREWOLF", Visibility: audit.VisSeatPrivate})

	// Anonymous fetch: public entries only.
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/games/ROOM01/logs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "host_announcement")
	assert.NotContains(t, rec.Body.String(), "seer_check")

	// Level ALL without a token is refused.
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/games/ROOM01/logs?level=ALL", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Level ALL with the seat's token includes the private entry.
	req := httptest.NewRequest("GET", "/v1/games/ROOM01/logs?level=ALL", nil)
	req.Header.Set("Authorization", "Bearer "+tokenResp["token"])
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "seer_check")
}

func TestControlPlaneUnknownRoom(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{"/v1/games/NOROOM/pause", "/v1/games/NOROOM/resume", "/v1/games/NOROOM/stop"} {
		rec := httptest.NewRecorder()
		s.Router.ServeHTTP(rec, httptest.NewRequest("POST", path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestStartGameRejectsBadSeatCount(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/games/ROOM01/start", strings.NewReader(`{"seats":[]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
