package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/veilbook/internal/cache/local"
	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/alanyoungcy/veilbook/internal/server/handler"
	"github.com/alanyoungcy/veilbook/internal/server/middleware"
	"github.com/alanyoungcy/veilbook/internal/service"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOrders struct{}

func (stubOrders) Submit(context.Context, service.SubmitRequest) (service.SubmitResult, error) {
	return service.SubmitResult{RequestID: "r", Order: domain.SubmittedOrder{ID: "o"}}, nil
}
func (stubOrders) Cancel(_ context.Context, _, id string) (service.CancelResult, error) {
	return service.CancelResult{OrderID: id, Outcome: domain.CancelConfirmed}, nil
}
func (stubOrders) Orders(string) []domain.SubmittedOrder      { return nil }
func (stubOrders) Cancellable(string) []domain.SubmittedOrder { return nil }
func (stubOrders) Counts(string) domain.OrderCounts           { return domain.OrderCounts{} }

type stubPositions struct{}

func (stubPositions) Open(context.Context, service.OpenPositionRequest) (service.OpenPositionResult, error) {
	return service.OpenPositionResult{}, nil
}
func (stubPositions) Positions(string) []domain.Position { return nil }

type stubTracker struct{}

func (stubTracker) List() []domain.PendingComputation { return nil }
func (stubTracker) Get(string) (domain.PendingComputation, bool) {
	return domain.PendingComputation{}, false
}
func (stubTracker) Counts() domain.ComputationCounts                          { return domain.ComputationCounts{} }
func (stubTracker) EstimateRemaining(domain.PendingComputation) time.Duration { return 0 }

type stubMarkets struct{}

func (stubMarkets) Markets() []domain.Market {
	return []domain.Market{{Pair: "SOL/USDC", BaseMint: "SOL", QuoteMint: "USDC"}}
}
func (stubMarkets) MarketReady(context.Context, string) (bool, error) { return false, nil }

type observed struct {
	method, route string
	status        int
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []observed
}

func (o *recordingObserver) ObserveHTTP(method, route string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, observed{method, route, status})
}

func newTestServer(t *testing.T, cfg Config, obs middleware.HTTPObserver) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handlers := Handlers{
		Health:       handler.NewHealthHandler(nil, logger),
		Orders:       handler.NewOrderHandler(stubOrders{}, "0xaa", logger),
		Positions:    handler.NewPositionHandler(stubPositions{}, "0xaa", logger),
		Computations: handler.NewComputationHandler(stubTracker{}, logger),
		Markets:      handler.NewMarketHandler(stubMarkets{}, logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, "# metrics\n")
		}),
	}
	srv := NewServer(cfg, handlers, nil, Deps{Limiter: local.NewRateLimiter(), Observer: obs}, logger)
	return srv.Handler()
}

func do(h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Auth(t *testing.T) {
	h := newTestServer(t, Config{APIKey: "secret"}, nil)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/metrics", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/orders", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(h, http.MethodGet, "/api/orders", "", map[string]string{"X-API-Key": "wrong"}).Code)
	assert.Equal(t, http.StatusOK,
		do(h, http.MethodGet, "/api/orders", "", map[string]string{"Authorization": "Bearer secret"}).Code)
	assert.Equal(t, http.StatusOK,
		do(h, http.MethodGet, "/api/positions", "", map[string]string{"X-API-Key": "secret"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/markets", "", nil).Code)
	assert.Equal(t, http.StatusOK,
		do(h, http.MethodGet, "/api/markets", "", map[string]string{"X-API-Key": "secret"}).Code)
}

func TestServer_RequestID(t *testing.T) {
	h := newTestServer(t, Config{}, nil)

	rec := do(h, http.MethodGet, "/api/computations", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := uuid.Parse(rec.Header().Get(middleware.RequestIDHeader))
	assert.NoError(t, err)

	id := uuid.NewString()
	rec = do(h, http.MethodGet, "/api/computations", "", map[string]string{middleware.RequestIDHeader: id})
	assert.Equal(t, id, rec.Header().Get(middleware.RequestIDHeader))

	rec = do(h, http.MethodGet, "/api/computations", "", map[string]string{middleware.RequestIDHeader: "not-a-uuid"})
	assert.NotEqual(t, "not-a-uuid", rec.Header().Get(middleware.RequestIDHeader))
}

func TestServer_RateLimitOnlyMutations(t *testing.T) {
	h := newTestServer(t, Config{RateLimit: 1, RateWindow: time.Minute}, nil)
	body := `{"pair":"SOL/USDC","side":"buy","kind":"market","quantity":"1"}`

	assert.Equal(t, http.StatusCreated, do(h, http.MethodPost, "/api/orders", body, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodPost, "/api/orders", body, nil).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/orders", "", nil).Code)
}

func TestServer_MetricsUseRoutePatterns(t *testing.T) {
	obs := &recordingObserver{}
	h := newTestServer(t, Config{}, obs)

	do(h, http.MethodDelete, "/api/orders/abc", "", nil)
	do(h, http.MethodDelete, "/api/orders/def", "", nil)
	do(h, http.MethodGet, "/nowhere", "", nil)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.seen, 3)
	assert.Equal(t, observed{http.MethodDelete, "DELETE /api/orders/{id}", http.StatusOK}, obs.seen[0])
	assert.Equal(t, obs.seen[0], obs.seen[1])
	assert.Equal(t, "unmatched", obs.seen[2].route)
	assert.Equal(t, http.StatusNotFound, obs.seen[2].status)
}

func TestServer_CORSPreflight(t *testing.T) {
	h := newTestServer(t, Config{CORSOrigins: []string{"https://app.example"}, APIKey: "secret"}, nil)

	rec := do(h, http.MethodOptions, "/api/orders", "", map[string]string{"Origin": "https://app.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(h, http.MethodOptions, "/api/orders", "", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
