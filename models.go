package freshness

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Product is a row of the products table.
type Product struct {
	ID          string    `json:"id"`
	StoreID     string    `json:"store_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	PriceCents  int64     `json:"price_cents"`
	Stock       int       `json:"stock"`
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Order is a row of the orders table.
type Order struct {
	ID         string    `json:"id"`
	StoreID    string    `json:"store_id"`
	Status     string    `json:"status"`
	TotalCents int64     `json:"total_cents"`
	CreatedAt  time.Time `json:"created_at"`
}

type stockRow struct {
	ID    string `json:"id"`
	Stock int    `json:"stock"`
}

// decodeRow converts a change-event row into T.
func decodeRow[T any](row map[string]any) (T, error) {
	var v T
	if row == nil {
		return v, fmt.Errorf("freshness: empty row")
	}
	b, err := json.Marshal(row)
	if err != nil {
		return v, fmt.Errorf("freshness: encode row: %w", err)
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("freshness: decode row: %w", err)
	}
	return v, nil
}
