package storefront

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfront/freshness"
	"github.com/shopfront/freshness/internal/realtimetest"
	"github.com/shopfront/freshness/internal/testenv"
	"github.com/shopfront/freshness/pkg/dataapi"
	"github.com/shopfront/freshness/pkg/logger"
	"github.com/shopfront/freshness/pkg/realtime"
)

// backend is a minimal REST data API over in-memory rows.
type backend struct {
	mu         sync.Mutex
	tables     map[string][]map[string]any
	orderCount int
	requests   int
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests++

	if fn, ok := strings.CutPrefix(r.URL.Path, "/rest/v1/rpc/"); ok {
		if fn != freshness.OrderCountFunc {
			http.Error(w, "unknown function", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(b.orderCount)
		return
	}

	table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
	rows := []map[string]any{}
	for _, row := range b.tables[table] {
		match := true
		for col, vals := range r.URL.Query() {
			switch col {
			case "select", "order", "limit":
				continue
			}
			if "eq."+toString(row[col]) != vals[0] {
				match = false
			}
		}
		if match {
			rows = append(rows, row)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func (b *backend) Requests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests
}

type fixture struct {
	server  *Server
	handler http.Handler
	client  *freshness.Client
	rt      *realtimetest.Client
	backend *backend
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	b := &backend{
		tables: map[string][]map[string]any{
			freshness.TableProducts: {
				{"id": "p1", "store_id": "s1", "name": "Mug", "price_cents": 1299, "stock": 4, "active": true},
				{"id": "p2", "store_id": "s1", "name": "Cup", "price_cents": 899, "stock": 0, "active": true},
			},
			freshness.TableOrders: {
				{"id": "o1", "store_id": "s1", "status": "new", "total_cents": 1299},
			},
		},
		orderCount: 1,
	}
	api := httptest.NewServer(b)
	t.Cleanup(api.Close)

	log := logger.New(testenv.NewTestLogHandler(testenv.WithIgnoreDebug()))

	cfg := freshness.DefaultConfig()
	cfg.Health.CheckInterval = time.Hour
	cfg.Health.HeartbeatInterval = 0
	rt := realtimetest.NewClient()

	client, err := freshness.New(cfg,
		freshness.WithLogger(log),
		freshness.WithRealtimeClient(rt),
		freshness.WithDataAPI(dataapi.New(api.URL, "anon", dataapi.WithLogger(log))),
	)
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	s := New(client, append([]Option{WithLogger(log)}, opts...)...)
	t.Cleanup(s.Close)

	return &fixture{server: s, handler: s.Router(), client: client, rt: rt, backend: b}
}

func (f *fixture) do(t *testing.T, method, target string) (int, map[string]any) {
	t.Helper()

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, target, http.NoBody))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return rec.Code, out
}

func TestProductIsServedFromCacheAfterFirstRequest(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/products/p1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "product:p1", body["key"])
	assert.Equal(t, "push", body["mode"])
	assert.Equal(t, "Mug", body["data"].(map[string]any)["name"])
	assert.Equal(t, 1, f.backend.Requests())

	code, _ = f.do(t, http.MethodGet, "/products/p1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, f.backend.Requests())
	assert.Equal(t, 1, f.server.Watches())
}

func TestPushUpdatesReachLaterRequests(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodGet, "/products/p1/stock")
	assert.EqualValues(t, 4, body["data"])

	f.rt.Deliver(realtime.ChangeEvent{
		Schema: "public",
		Table:  freshness.TableProducts,
		Type:   realtime.EventUpdate,
		Record: map[string]any{"id": "p1", "store_id": "s1", "stock": float64(2)},
	})

	_, body = f.do(t, http.MethodGet, "/products/p1/stock")
	assert.EqualValues(t, 2, body["data"])
	assert.Equal(t, 1, f.backend.Requests())
}

func TestStoreResources(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/stores/s1/products")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 2)

	code, body = f.do(t, http.MethodGet, "/stores/s1/orders")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 1)

	code, body = f.do(t, http.MethodGet, "/stores/s1/orders/count")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["data"])
}

func TestMissingProductIsNotFound(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/products/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not found", body["error"])
}

func TestMaxWatchesClosesOneOffQueries(t *testing.T) {
	f := newFixture(t, WithMaxWatches(1))

	f.do(t, http.MethodGet, "/products/p1")
	code, _ := f.do(t, http.MethodGet, "/products/p2")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, f.server.Watches())
	assert.Len(t, f.client.Registrations(), 1)
}

func TestDebugCache(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/products/p1")
	f.do(t, http.MethodGet, "/products/p2")
	f.do(t, http.MethodGet, "/stores/s1/products")

	code, body := f.do(t, http.MethodGet, "/debug/cache?prefix=product:")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"product:p1", "product:p2"}, body["keys"])
	assert.EqualValues(t, 3, body["stats"].(map[string]any)["Entries"])

	code, body = f.do(t, http.MethodDelete, "/debug/cache?prefix=product:")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["invalidated"])
	assert.Equal(t, 1, f.client.Cache().Len())

	_, body = f.do(t, http.MethodDelete, "/debug/cache")
	assert.EqualValues(t, 1, body["invalidated"])
	assert.Zero(t, f.client.Cache().Len())
}

func TestDebugRealtime(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/products/p1")
	f.do(t, http.MethodGet, "/products/p1/stock")

	code, body := f.do(t, http.MethodGet, "/debug/realtime")
	require.Equal(t, http.StatusOK, code)

	health := body["health"].(map[string]any)
	assert.Equal(t, true, health["healthy"])
	assert.Equal(t, "HEALTHY", health["state"])

	regs := body["registrations"].([]any)
	require.Len(t, regs, 2)
	assert.Equal(t, "product-p1", regs[0].(map[string]any)["name"])
	assert.Equal(t, "table:products", regs[1].(map[string]any)["name"])
	assert.EqualValues(t, 2, body["watches"])

	code, body = f.do(t, http.MethodPost, "/debug/realtime/resubscribe")
	assert.Equal(t, http.StatusAccepted, code)
	assert.EqualValues(t, 2, body["registrations"])

	code, body = f.do(t, http.MethodPost, "/debug/realtime/reprobe")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["healthy"])
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, http.MethodGet, "/health")
	assert.Equal(t, "healthy", body["status"])
}
