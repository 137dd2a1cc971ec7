package freshness

import (
	"context"
	"slices"

	"github.com/shopfront/freshness/pkg/cache"
	"github.com/shopfront/freshness/pkg/dataapi"
	"github.com/shopfront/freshness/pkg/multiplex"
	"github.com/shopfront/freshness/pkg/realtime"
)

const (
	TableProducts = "products"
	TableOrders   = "orders"

	// OrderCountFunc is the remote procedure returning the order count of a
	// store.
	OrderCountFunc = "get_store_order_count"

	// RecentOrdersLimit caps WatchOrders.
	RecentOrdersLimit = 50
)

// WatchProduct keeps a single product fresh over its own robust channel.
func WatchProduct(ctx context.Context, c *Client, productID string, onChange func(Product)) (*Query[Product], error) {
	return Watch(ctx, c, WatchOptions[Product]{
		Key:       cache.Keys.Product(productID),
		TTL:       cache.TTLMedium,
		StaleTime: cache.TTLLong,
		Fetch: func(ctx context.Context) (Product, error) {
			return dataapi.SelectOne[Product](ctx, c.api, TableProducts, dataapi.Query{
				Eq: map[string]any{"id": productID},
			})
		},
		Channel: "product-" + productID,
		Specs: []realtime.ChangeSpec{{
			Event:  realtime.EventAll,
			Schema: c.cfg.Multiplex.Schema,
			Table:  TableProducts,
			Filter: "id=eq." + productID,
		}},
		Apply: func(prev Product, hasPrev bool, ev realtime.ChangeEvent) (Product, bool) {
			if ev.Type == realtime.EventDelete {
				return prev, false
			}
			p, err := decodeRow[Product](ev.Record)
			if err != nil {
				c.logger.Warn("freshness.WatchProduct undecodable change", "product", productID, "error", err)
				return prev, false
			}
			return p, true
		},
		OnChange: onChange,
	})
}

// WatchProductStock keeps the stock level of a product fresh from the shared
// products channel. Stock is volatile and never mirrored to durable storage.
func WatchProductStock(ctx context.Context, c *Client, productID string, onChange func(int)) (*Query[int], error) {
	return Watch(ctx, c, WatchOptions[int]{
		Key:       cache.Keys.ProductStock(productID),
		TTL:       cache.TTLRealtime,
		StaleTime: cache.TTLRealtime,
		Fetch: func(ctx context.Context) (int, error) {
			row, err := dataapi.SelectOne[stockRow](ctx, c.api, TableProducts, dataapi.Query{
				Columns: "id,stock",
				Eq:      map[string]any{"id": productID},
			})
			return row.Stock, err
		},
		Table:  TableProducts,
		Filter: multiplex.Filter{"id": productID},
		Apply: func(prev int, hasPrev bool, ev realtime.ChangeEvent) (int, bool) {
			if ev.Type == realtime.EventDelete {
				return 0, true
			}
			row, err := decodeRow[stockRow](ev.Record)
			if err != nil {
				return prev, false
			}
			return row.Stock, true
		},
		OnChange: onChange,
	})
}

// WatchStoreProducts keeps the product list of a store fresh. Any change to
// the store's products triggers a refetch.
func WatchStoreProducts(ctx context.Context, c *Client, storeID string, onChange func([]Product)) (*Query[[]Product], error) {
	return Watch(ctx, c, WatchOptions[[]Product]{
		Key:       cache.Keys.StoreProducts(storeID),
		TTL:       cache.TTLShort,
		StaleTime: cache.TTLMedium,
		Fetch: func(ctx context.Context) ([]Product, error) {
			return dataapi.SelectInto[Product](ctx, c.api, TableProducts, dataapi.Query{
				Eq:    map[string]any{"store_id": storeID},
				Order: "name.asc",
			})
		},
		Table:    TableProducts,
		Filter:   multiplex.Filter{"store_id": storeID},
		OnChange: onChange,
	})
}

// WatchOrderCount keeps the order count of a store fresh, adjusting it on
// inserts and deletes without a refetch.
func WatchOrderCount(ctx context.Context, c *Client, storeID string, onChange func(int)) (*Query[int], error) {
	return Watch(ctx, c, WatchOptions[int]{
		Key:       cache.Keys.OrderCount(storeID),
		TTL:       cache.TTLRealtime,
		StaleTime: cache.TTLShort,
		Fetch: func(ctx context.Context) (int, error) {
			return dataapi.CallInto[int](ctx, c.api, OrderCountFunc, map[string]any{"p_store_id": storeID})
		},
		Table:  TableOrders,
		Filter: multiplex.Filter{"store_id": storeID},
		Apply: func(prev int, hasPrev bool, ev realtime.ChangeEvent) (int, bool) {
			if !hasPrev {
				return prev, false
			}
			switch ev.Type {
			case realtime.EventInsert:
				return prev + 1, true
			case realtime.EventDelete:
				return max(prev-1, 0), true
			default:
				return prev, true
			}
		},
		OnChange: onChange,
	})
}

// WatchOrders keeps the most recent orders of a store fresh, newest first.
func WatchOrders(ctx context.Context, c *Client, storeID string, onChange func([]Order)) (*Query[[]Order], error) {
	return Watch(ctx, c, WatchOptions[[]Order]{
		Key:       cache.Keys.StoreOrders(storeID),
		TTL:       cache.TTLShort,
		StaleTime: cache.TTLMedium,
		Fetch: func(ctx context.Context) ([]Order, error) {
			return dataapi.SelectInto[Order](ctx, c.api, TableOrders, dataapi.Query{
				Eq:    map[string]any{"store_id": storeID},
				Order: "created_at.desc",
				Limit: RecentOrdersLimit,
			})
		},
		Table:  TableOrders,
		Filter: multiplex.Filter{"store_id": storeID},
		Apply: func(prev []Order, hasPrev bool, ev realtime.ChangeEvent) ([]Order, bool) {
			if !hasPrev {
				return prev, false
			}
			o, err := decodeRow[Order](ev.Row())
			if err != nil || o.ID == "" {
				return prev, false
			}
			return applyOrderChange(prev, ev.Type, o), true
		},
		OnChange: onChange,
	})
}

// applyOrderChange returns a new slice; prev may be shared with the cache.
func applyOrderChange(prev []Order, typ realtime.EventType, o Order) []Order {
	idx := slices.IndexFunc(prev, func(p Order) bool { return p.ID == o.ID })

	switch typ {
	case realtime.EventDelete:
		if idx < 0 {
			return prev
		}
		return slices.Delete(slices.Clone(prev), idx, idx+1)
	case realtime.EventInsert:
		if idx >= 0 {
			next := slices.Clone(prev)
			next[idx] = o
			return next
		}
		next := append([]Order{o}, prev...)
		if len(next) > RecentOrdersLimit {
			next = next[:RecentOrdersLimit]
		}
		return next
	default:
		if idx < 0 {
			return prev
		}
		next := slices.Clone(prev)
		next[idx] = o
		return next
	}
}
