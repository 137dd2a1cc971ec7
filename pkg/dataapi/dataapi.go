// Package dataapi is the request/response side of the backing store: point
// reads of table rows and remote procedure calls, used to fetch
// authoritative values on a cache miss or revalidation.
package dataapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
)

var (
	// ErrEmptyResult is returned when a single row was expected and none
	// matched.
	ErrEmptyResult = errors.New("dataapi: empty result")
	ErrNoBaseURL   = errors.New("dataapi: base URL is not set")
)

// Error is the error envelope returned by the data API.
type Error struct {
	// Status is the HTTP status code of the response.
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request failed"
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return "dataapi: " + strconv.Itoa(e.Status) + " " + msg
}

// Query selects rows of a table.
type Query struct {
	// Columns is the select list. Empty selects every column.
	Columns string
	// Eq holds column equality filters.
	Eq map[string]any
	// Order is an ordering such as "created_at.desc".
	Order string
	// Limit caps the number of rows. Zero means no limit.
	Limit int
}

// API reads rows and calls remote procedures. Results are decoded into dst,
// which must be a pointer.
type API interface {
	Select(ctx context.Context, table string, q Query, dst any) error
	RPC(ctx context.Context, fn string, params any, dst any) error
}

// SelectInto returns the rows of table matching q.
func SelectInto[T any](ctx context.Context, api API, table string, q Query) ([]T, error) {
	var rows []T
	if err := api.Select(ctx, table, q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// SelectOne returns the single row of table matching q. It returns
// ErrEmptyResult if there is none and an error if there are several.
func SelectOne[T any](ctx context.Context, api API, table string, q Query) (T, error) {
	var zero T

	q.Limit = 2
	var rows []json.RawMessage
	if err := api.Select(ctx, table, q, &rows); err != nil {
		return zero, err
	}
	switch len(rows) {
	case 0:
		return zero, fmt.Errorf("%w: %s", ErrEmptyResult, table)
	case 1:
	default:
		return zero, fmt.Errorf("dataapi: %s: expected one row, got %d", table, len(rows))
	}

	var row T
	if err := json.Unmarshal(rows[0], &row); err != nil {
		return zero, fmt.Errorf("dataapi: decode %s row: %w", table, err)
	}
	return row, nil
}

// CallInto calls the remote procedure fn and decodes its result as T.
func CallInto[T any](ctx context.Context, api API, fn string, params any) (T, error) {
	var res T
	if err := api.RPC(ctx, fn, params, &res); err != nil {
		var zero T
		return zero, err
	}
	return res, nil
}
