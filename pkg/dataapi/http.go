package dataapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/shopfront/freshness/pkg/logger"
)

const DefaultTimeout = 30 * time.Second

// HTTPClient talks to a REST data API: rows are read with
// GET {base}/rest/v1/{table} and procedures are called with
// POST {base}/rest/v1/rpc/{fn}.
type HTTPClient struct {
	BaseURL string
	APIKey  string

	httpClient *http.Client
	logger     logger.Logger

	mu    sync.RWMutex
	token string
}

var _ API = (*HTTPClient)(nil)

type Option func(*HTTPClient)

func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.httpClient = c }
}

func WithLogger(l logger.Logger) Option {
	return func(h *HTTPClient) { h.logger = logger.OrNop(l) }
}

// WithToken sets the bearer token. Without one the API key is used.
func WithToken(token string) Option {
	return func(h *HTTPClient) { h.token = token }
}

func New(baseURL, apiKey string, opts ...Option) *HTTPClient {
	h := &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		logger:  logger.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.httpClient == nil {
		h.httpClient = &http.Client{
			Timeout: DefaultTimeout,
		}
	}
	return h
}

// SetToken replaces the bearer token, e.g. after the session was refreshed.
func (h *HTTPClient) SetToken(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = token
}

func (h *HTTPClient) bearer() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.token != "" {
		return h.token
	}
	return h.APIKey
}

func (h *HTTPClient) Select(ctx context.Context, table string, q Query, dst any) error {
	if h.BaseURL == "" {
		return ErrNoBaseURL
	}

	values := url.Values{}
	if q.Columns != "" {
		values.Set("select", q.Columns)
	}
	for col, v := range q.Eq {
		values.Set(col, "eq."+fmt.Sprint(v))
	}
	if q.Order != "" {
		values.Set("order", q.Order)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}

	u := h.BaseURL + "/rest/v1/" + url.PathEscape(table)
	if len(values) > 0 {
		u += "?" + values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return err
	}

	body, err := h.MakeRequest(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("dataapi: decode %s rows: %w", table, err)
	}
	return nil
}

func (h *HTTPClient) RPC(ctx context.Context, fn string, params any, dst any) error {
	if h.BaseURL == "" {
		return ErrNoBaseURL
	}

	if params == nil {
		params = map[string]any{}
	}
	reqBody, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("dataapi: encode %s params: %w", fn, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/rest/v1/rpc/"+url.PathEscape(fn), bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := h.MakeRequest(req)
	if err != nil {
		return err
	}
	if dst == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("dataapi: decode %s result: %w", fn, err)
	}
	return nil
}

// MakeRequest sends req with the auth headers and returns the body of a 2xx
// response. Other responses are returned as *Error.
func (h *HTTPClient) MakeRequest(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if h.APIKey != "" {
		req.Header.Set("apikey", h.APIKey)
	}
	if token := h.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dataapi: error making HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dataapi: read response: %w", err)
	}

	h.logger.Debug("dataapi.HTTPClient request", "method", req.Method, "path", req.URL.Path,
		"status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBytes, nil
	}

	apiErr := &Error{Status: resp.StatusCode}
	contentType := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	if contentType == "application/json" && json.Unmarshal(respBytes, apiErr) == nil {
		return nil, apiErr
	}
	apiErr.Message = strings.TrimSpace(string(respBytes))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return nil, apiErr
}
