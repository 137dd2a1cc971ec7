// Package storefront serves cached storefront data over HTTP. Every resource
// is backed by a live freshness query, kept open after the first request so
// later requests are answered from the cache while push updates or polling
// keep it fresh.
package storefront

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/shopfront/freshness"
	"github.com/shopfront/freshness/pkg/cache"
	"github.com/shopfront/freshness/pkg/dataapi"
	"github.com/shopfront/freshness/pkg/logger"
)

// DefaultMaxWatches bounds the number of queries kept open.
const DefaultMaxWatches = 1000

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.logger = logger.OrNop(l) }
}

// WithMaxWatches sets how many queries are kept open. Requests beyond that
// are answered with a one-off query.
func WithMaxWatches(n int) Option {
	return func(s *Server) { s.maxWatches = n }
}

type Server struct {
	client     *freshness.Client
	logger     logger.Logger
	maxWatches int

	mu      sync.Mutex
	watches map[string]*watch
	closed  bool
}

type watch struct {
	view  func() queryView
	close func()
}

type queryView struct {
	Key       string    `json:"key"`
	Data      any       `json:"data"`
	Mode      string    `json:"mode"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`

	ok  bool
	err error
}

func New(client *freshness.Client, opts ...Option) *Server {
	s := &Server{
		client:     client,
		logger:     logger.Nop(),
		maxWatches: DefaultMaxWatches,
		watches:    make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the HTTP routes:
//
//	GET    /health
//	GET    /products/{id}
//	GET    /products/{id}/stock
//	GET    /stores/{id}/products
//	GET    /stores/{id}/orders
//	GET    /stores/{id}/orders/count
//	GET    /debug/cache?prefix=
//	DELETE /debug/cache?prefix=
//	GET    /debug/realtime
//	POST   /debug/realtime/reprobe
//	POST   /debug/realtime/resubscribe
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	router.HandleFunc("/products/{id}", s.handleProduct).Methods(http.MethodGet)
	router.HandleFunc("/products/{id}/stock", s.handleProductStock).Methods(http.MethodGet)
	router.HandleFunc("/stores/{id}/products", s.handleStoreProducts).Methods(http.MethodGet)
	router.HandleFunc("/stores/{id}/orders", s.handleStoreOrders).Methods(http.MethodGet)
	router.HandleFunc("/stores/{id}/orders/count", s.handleOrderCount).Methods(http.MethodGet)

	debug := router.PathPrefix("/debug").Subrouter()
	debug.HandleFunc("/cache", s.handleCacheStats).Methods(http.MethodGet)
	debug.HandleFunc("/cache", s.handleCacheInvalidate).Methods(http.MethodDelete)
	debug.HandleFunc("/realtime", s.handleRealtime).Methods(http.MethodGet)
	debug.HandleFunc("/realtime/reprobe", s.handleReprobe).Methods(http.MethodPost)
	debug.HandleFunc("/realtime/resubscribe", s.handleResubscribe).Methods(http.MethodPost)

	return router
}

// Close closes every open query.
func (s *Server) Close() {
	s.mu.Lock()
	watches := s.watches
	s.watches = make(map[string]*watch)
	s.closed = true
	s.mu.Unlock()

	for _, w := range watches {
		w.close()
	}
}

// Watches returns the number of open queries.
func (s *Server) Watches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

func watchOf[T any](q *freshness.Query[T], key string) *watch {
	return &watch{
		close: q.Close,
		view: func() queryView {
			v, ok := q.Value()
			view := queryView{
				Key:       key,
				Mode:      q.Mode().String(),
				UpdatedAt: q.UpdatedAt(),
				ok:        ok,
				err:       q.Err(),
			}
			if ok {
				view.Data = v
			}
			if view.err != nil {
				view.Error = view.err.Error()
			}
			return view
		},
	}
}

type opener func(ctx context.Context) (*watch, error)

// serve answers from the open query of key, opening one if needed.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, key string, open opener) {
	s.mu.Lock()
	existing, ok := s.watches[key]
	s.mu.Unlock()

	if ok {
		s.respondView(w, existing.view())
		return
	}

	opened, err := open(r.Context())
	if err != nil {
		s.logger.Error("storefront.Server failed to open query", "key", key, "error", err)
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.mu.Lock()
	keep := !s.closed && len(s.watches) < s.maxWatches
	if existing, ok := s.watches[key]; ok {
		// Another request opened the same key meanwhile.
		s.mu.Unlock()
		opened.close()
		s.respondView(w, existing.view())
		return
	}
	if keep {
		s.watches[key] = opened
	}
	s.mu.Unlock()

	view := opened.view()
	if !keep {
		opened.close()
	}
	s.respondView(w, view)
}

func (s *Server) respondView(w http.ResponseWriter, view queryView) {
	if view.ok {
		respondJSON(w, http.StatusOK, view)
		return
	}
	if errors.Is(view.err, dataapi.ErrEmptyResult) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	msg := "no data available"
	if view.err != nil {
		msg = view.err.Error()
	}
	respondError(w, http.StatusServiceUnavailable, msg)
}

func (s *Server) handleProduct(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	key := cache.Keys.Product(id)
	s.serve(w, r, key, func(ctx context.Context) (*watch, error) {
		q, err := freshness.WatchProduct(ctx, s.client, id, nil)
		if err != nil {
			return nil, err
		}
		return watchOf(q, key), nil
	})
}

func (s *Server) handleProductStock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	key := cache.Keys.ProductStock(id)
	s.serve(w, r, key, func(ctx context.Context) (*watch, error) {
		q, err := freshness.WatchProductStock(ctx, s.client, id, nil)
		if err != nil {
			return nil, err
		}
		return watchOf(q, key), nil
	})
}

func (s *Server) handleStoreProducts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	key := cache.Keys.StoreProducts(id)
	s.serve(w, r, key, func(ctx context.Context) (*watch, error) {
		q, err := freshness.WatchStoreProducts(ctx, s.client, id, nil)
		if err != nil {
			return nil, err
		}
		return watchOf(q, key), nil
	})
}

func (s *Server) handleStoreOrders(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	key := cache.Keys.StoreOrders(id)
	s.serve(w, r, key, func(ctx context.Context) (*watch, error) {
		q, err := freshness.WatchOrders(ctx, s.client, id, nil)
		if err != nil {
			return nil, err
		}
		return watchOf(q, key), nil
	})
}

func (s *Server) handleOrderCount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	key := cache.Keys.OrderCount(id)
	s.serve(w, r, key, func(ctx context.Context) (*watch, error) {
		q, err := freshness.WatchOrderCount(ctx, s.client, id, nil)
		if err != nil {
			return nil, err
		}
		return watchOf(q, key), nil
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !s.client.IsRealtimeConnectionHealthy() {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"realtime": s.client.Health().State.String(),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	respondJSON(w, http.StatusOK, map[string]any{
		"stats": s.client.Cache().Stats(),
		"keys":  s.client.Cache().KeysByPrefix(prefix),
	})
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		n := s.client.Cache().Len()
		s.client.Cache().Clear()
		respondJSON(w, http.StatusOK, map[string]int{"invalidated": n})
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{
		"invalidated": s.client.Cache().InvalidateByPrefix(prefix),
	})
}

type registrationView struct {
	Name           string    `json:"name"`
	Kind           string    `json:"kind"`
	Physical       string    `json:"physical,omitempty"`
	State          string    `json:"state"`
	Subscribers    int       `json:"subscribers"`
	Polling        int       `json:"polling"`
	RetryCount     int       `json:"retry_count"`
	BackoffAttempt int       `json:"backoff_attempt"`
	LastActivity   time.Time `json:"last_activity"`
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	h := s.client.Health()
	regs := s.client.Registrations()
	views := make([]registrationView, 0, len(regs))
	for _, reg := range regs {
		views = append(views, registrationView{
			Name:           reg.Name,
			Kind:           reg.Kind.String(),
			Physical:       reg.Physical,
			State:          reg.State.String(),
			Subscribers:    reg.Subscribers,
			Polling:        reg.Polling,
			RetryCount:     reg.RetryCount,
			BackoffAttempt: reg.BackoffAttempt,
			LastActivity:   reg.LastActivity,
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"health": map[string]any{
			"state":                          h.State.String(),
			"healthy":                        h.Healthy(),
			"connected":                      h.Connected,
			"initial_connection_established": h.InitialConnectionEstablished,
			"connection_attempts":            h.ConnectionAttempts,
			"given_up":                       h.GivenUp,
		},
		"registrations": views,
		"polling":       s.client.ActivePolls(),
		"watches":       s.Watches(),
	})
}

func (s *Server) handleReprobe(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"healthy": s.client.Reprobe(r.Context())})
}

func (s *Server) handleResubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.client.IsRealtimeConnectionHealthy() {
		respondError(w, http.StatusConflict, "realtime connection is not healthy")
		return
	}
	s.client.ResubscribeAll(context.WithoutCancel(r.Context()))
	respondJSON(w, http.StatusAccepted, map[string]int{"registrations": len(s.client.Registrations())})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
