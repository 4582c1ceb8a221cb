package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarch/pyramid/internal/clock"
	"github.com/quantarch/pyramid/internal/config"
	"github.com/quantarch/pyramid/internal/domain"
	"github.com/quantarch/pyramid/internal/engine"
	"github.com/quantarch/pyramid/internal/ha"
	"github.com/quantarch/pyramid/internal/metrics"
	"github.com/quantarch/pyramid/internal/persistence"
)

var serverEpoch = time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

// scriptedEngine returns a canned outcome or error.
type scriptedEngine struct {
	outcome engine.Outcome
	err     error
	signals []*domain.Signal
}

func (s *scriptedEngine) ProcessSignal(_ context.Context, sig *domain.Signal, _ []byte) (engine.Outcome, error) {
	s.signals = append(s.signals, sig)
	return s.outcome, s.err
}

type stubLeaderInfo struct {
	info ha.LeaderInfo
	err  error
}

func (s *stubLeaderInfo) LeaderInfo(context.Context) (ha.LeaderInfo, error) {
	return s.info, s.err
}

// pingStore overrides Ping; everything else panics if touched.
type pingStore struct {
	persistence.Store
	pingErr error
}

func (p *pingStore) Ping(context.Context) error { return p.pingErr }

type serverFixture struct {
	server *Server
	engine *scriptedEngine
	store  *pingStore
	redis  redismock.ClientMock
	leader *stubLeaderInfo
	m      *metrics.Metrics
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	cfg := config.DefaultConfig()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	eng := &scriptedEngine{outcome: engine.Outcome{
		Status:      domain.SignalStatusExecuted,
		Fingerprint: "abcdef123456",
		Lots:        3,
	}}
	store := &pingStore{}
	rdb, mock := redismock.NewClientMock()
	leader := &stubLeaderInfo{info: ha.LeaderInfo{
		LeaseHolder: "uuid-1-42", DBLeader: "uuid-1-42", IsSelf: true, IsLeader: true,
	}}

	return &serverFixture{
		server: NewServer(cfg, eng, store, rdb, leader, clock.NewFake(serverEpoch), m, reg, zerolog.Nop()),
		engine: eng,
		store:  store,
		redis:  mock,
		leader: leader,
		m:      m,
	}
}

func entryPayload() string {
	return fmt.Sprintf(`{
		"type": "BASE_ENTRY",
		"instrument": "BANKNIFTY",
		"position": "Long_1",
		"price": 52000,
		"stop": 51650,
		"atr": 210,
		"er": 0.45,
		"timestamp": %q
	}`, serverEpoch.Add(-2*time.Second).Format(time.RFC3339))
}

func (f *serverFixture) post(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:50000"
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestWebhook_ExecutedSignal(t *testing.T) {
	f := newServerFixture(t)

	rec := f.post(entryPayload())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "executed", resp.Status)
	assert.Len(t, resp.RequestID, 8)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 3, resp.Result.Lots)

	require.Len(t, f.engine.signals, 1)
	assert.Equal(t, domain.SignalBaseEntry, f.engine.signals[0].Type)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), resp.RequestID)
}

func TestWebhook_MalformedJSON(t *testing.T) {
	f := newServerFixture(t)

	rec := f.post(`{"type": "BASE_ENTRY",`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.engine.signals)
}

func TestWebhook_MissingFieldNamed(t *testing.T) {
	f := newServerFixture(t)

	rec := f.post(`{"type": "BASE_ENTRY", "instrument": "BANKNIFTY", "price": 52000}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "position")
}

func TestWebhook_FollowerRejectsAtOK(t *testing.T) {
	f := newServerFixture(t)
	f.engine.outcome = engine.Outcome{
		Status: domain.SignalStatusRejected,
		Reason: engine.ReasonNotLeader,
	}

	rec := f.post(entryPayload())
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rejected", resp.Status)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "not_leader", resp.Result.Reason)
}

func TestWebhook_PayloadTooLarge(t *testing.T) {
	f := newServerFixture(t)

	big := fmt.Sprintf(`{"type": "BASE_ENTRY", "reason": %q}`, strings.Repeat("x", 11*1024))
	rec := f.post(big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, f.engine.signals)
}

func TestWebhook_RateLimited(t *testing.T) {
	f := newServerFixture(t)
	f.server.limits = newIPLimiter(2)

	body := entryPayload()
	assert.Equal(t, http.StatusOK, f.post(body).Code)
	assert.Equal(t, http.StatusOK, f.post(body).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.post(body).Code)
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReady_AllDependenciesUp(t *testing.T) {
	f := newServerFixture(t)
	f.redis.ExpectPing().SetVal("PONG")

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReady_DatabaseDown(t *testing.T) {
	f := newServerFixture(t)
	f.store.pingErr = fmt.Errorf("connection refused")
	f.redis.ExpectPing().SetVal("PONG")

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var checks map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &checks))
	assert.Contains(t, checks["database"], "connection refused")
}

func TestLeaderEndpoint(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/coordinator/leader", nil)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var info ha.LeaderInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "uuid-1-42", info.LeaseHolder)
	assert.Equal(t, "uuid-1-42", info.DBLeader)
	assert.True(t, info.IsSelf)
	assert.True(t, info.IsLeader)
	assert.False(t, info.SplitBrain)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.m.SignalsReceived.WithLabelValues("BASE_ENTRY").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pm_signals_received_total")
}
