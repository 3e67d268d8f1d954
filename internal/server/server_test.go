package server_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgebot/internal/domain"
	"github.com/alanyoungcy/hedgebot/internal/governor"
	"github.com/alanyoungcy/hedgebot/internal/scheduler"
	"github.com/alanyoungcy/hedgebot/internal/server"
	"github.com/alanyoungcy/hedgebot/internal/server/handler"
	"github.com/alanyoungcy/hedgebot/internal/server/middleware"
	"github.com/alanyoungcy/hedgebot/internal/server/ws"
	"github.com/alanyoungcy/hedgebot/internal/service"
)

type fakePositions struct {
	positions []domain.Position
	opened    []domain.EntrySignal
}

func (f *fakePositions) List() []domain.Position { return f.positions }

func (f *fakePositions) Get(_ context.Context, id string) (service.Detail, error) {
	for _, p := range f.positions {
		if p.ID == id {
			return service.Detail{Position: p, Live: true}, nil
		}
	}
	return service.Detail{}, domain.ErrNotFound
}

func (f *fakePositions) Reconcile(context.Context) (service.ReconcileReport, error) {
	return service.ReconcileReport{Missing: []string{"x"}}, nil
}

func (f *fakePositions) Open(_ context.Context, sig domain.EntrySignal) (domain.Position, error) {
	for _, s := range f.opened {
		if s.Symbol == sig.Symbol {
			return domain.Position{ID: "dup", Symbol: sig.Symbol}, domain.ErrAlreadyExists
		}
	}
	if sig.Symbol == "" {
		return domain.Position{}, domain.ErrInvalidOrder
	}
	f.opened = append(f.opened, sig)
	return domain.Position{ID: "new", Symbol: sig.Symbol}, nil
}

type env struct {
	srv       *httptest.Server
	positions *fakePositions
	healthy   *bool
	hub       *ws.Hub
}

func newEnv(t *testing.T, cfg server.Config) env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fp := &fakePositions{positions: []domain.Position{
		{ID: "a", Symbol: "BTCUSDT", State: domain.StateRunning},
		{ID: "b", Symbol: "ETHUSDT", State: domain.StateHedgeHold},
	}}
	healthy := true
	hub := ws.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()

	s := server.NewServer(cfg, server.Handlers{
		Health: handler.NewHealthHandler(handler.Check{Name: "persistence", Probe: func() (bool, string) {
			return healthy, "5 consecutive flush failures"
		}}),
		Positions: handler.NewPositionHandler(fp, logger),
		Signals:   handler.NewSignalHandler(fp, logger),
		Governor: handler.NewGovernorHandler(
			func() governor.Status { return governor.Status{PoolSize: 4} },
			func() scheduler.Stats { return scheduler.Stats{Completed: 9} },
			func() int { return 2 },
		),
	}, hub, middleware.NewLocalLimiter(), logger)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return env{srv: ts, positions: fp, healthy: &healthy, hub: hub}
}

func do(t *testing.T, method, url, body string, hdr map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	e := newEnv(t, server.Config{})
	resp, body := do(t, http.MethodGet, e.srv.URL+"/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))

	*e.healthy = false
	resp, body = do(t, http.MethodGet, e.srv.URL+"/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	assert.Contains(t, body["reasons"], "persistence")
}

func TestPositions(t *testing.T) {
	e := newEnv(t, server.Config{})
	resp, body := do(t, http.MethodGet, e.srv.URL+"/api/positions?state=HEDGE_HOLD", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, _ = do(t, http.MethodGet, e.srv.URL+"/api/positions?state=NOPE", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, e.srv.URL+"/api/positions/a", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["live"])

	resp, _ = do(t, http.MethodGet, e.srv.URL+"/api/positions/zzz", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodPost, e.srv.URL+"/api/reconcile", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"x"}, body["missing"])
}

func TestPostSignal(t *testing.T) {
	e := newEnv(t, server.Config{})
	sig := `{"symbol":"BTCUSDT","side":"BUY","source":"ema","candle_time":"2026-03-01T12:00:00Z"}`

	resp, _ := do(t, http.MethodPost, e.srv.URL+"/api/signals", sig, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := do(t, http.MethodPost, e.srv.URL+"/api/signals", sig, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])

	resp, _ = do(t, http.MethodPost, e.srv.URL+"/api/signals", `{"symbol":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, e.srv.URL+"/api/signals", `{"bogus":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, e.positions.opened, 1)
}

func TestGovernor(t *testing.T) {
	e := newEnv(t, server.Config{})
	resp, body := do(t, http.MethodGet, e.srv.URL+"/api/governor", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["workers"])
	assert.Equal(t, float64(9), body["scheduler"].(map[string]any)["completed"])
}

func TestAuthExemptsHealth(t *testing.T) {
	e := newEnv(t, server.Config{APIKey: "k"})
	resp, _ := do(t, http.MethodGet, e.srv.URL+"/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, e.srv.URL+"/api/positions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, e.srv.URL+"/api/positions", "", map[string]string{"Authorization": "Bearer k"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, server.Config{RateLimitPerMin: 2})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, _ := do(t, http.MethodGet, e.srv.URL+"/api/governor", "", nil)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestWebsocketReceivesBroadcast(t *testing.T) {
	e := newEnv(t, server.Config{})
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return e.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	e.hub.Broadcast("positions", []byte(`{"stage":"close"}`))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Channel string         `json:"channel"`
		Data    map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "positions", msg.Channel)
	assert.Equal(t, "close", msg.Data["stage"])
}
