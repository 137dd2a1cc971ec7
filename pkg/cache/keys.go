package cache

import "time"

// TTL presets for storefront data.
const (
	// TTLRealtime suits values that also receive push updates (stock, order counts).
	TTLRealtime = 30 * time.Second
	TTLShort    = 2 * time.Minute
	TTLMedium   = 10 * time.Minute
	TTLLong     = time.Hour
)

type keyBuilder struct{}

// Keys builds the cache keys used by the storefront consumers.
var Keys keyBuilder

func (keyBuilder) Product(productID string) string {
	return "product:" + productID
}

func (keyBuilder) ProductStock(productID string) string {
	return "product_stock:" + productID
}

func (keyBuilder) StoreProducts(storeID string) string {
	return "store_products:" + storeID
}

func (keyBuilder) StoreOrders(storeID string) string {
	return "store_orders:" + storeID
}

func (keyBuilder) OrderCount(storeID string) string {
	return "order_count:" + storeID
}
