// Package freshness keeps storefront data fresh on the client side.
//
// Reads go through a stale-while-revalidate [cache.Store]: fresh values are
// served as is, stale values are served while they are refetched in the
// background, and misses are fetched before returning. Values are kept fresh
// by push updates from a change feed, multiplexed over shared channels. When
// the feed is unhealthy, or a channel keeps failing, subscribers fall back to
// polling the data API until push recovers.
//
// # Components
//
// A [Client] owns one of each component and should be shared by the whole
// process:
//
//   - [github.com/shopfront/freshness/pkg/cache] holds values with TTLs, a
//     stale window and an optional durable mirror.
//   - [github.com/shopfront/freshness/pkg/health] tracks whether the change
//     feed transport is connected and reconnects it with backoff.
//   - [github.com/shopfront/freshness/pkg/multiplex] shares channels between
//     subscribers, resubscribes dropped channels and decides when to poll.
//   - [github.com/shopfront/freshness/pkg/polling] runs one poller per key no
//     matter how many subscribers need it.
//
// # Queries
//
// [Watch] is the building block of every consumer. The storefront hooks
// ([WatchProduct], [WatchProductStock], [WatchStoreProducts],
// [WatchOrderCount] and [WatchOrders]) are thin wrappers around it.
//
// [cache.Store]: https://pkg.go.dev/github.com/shopfront/freshness/pkg/cache#Store
package freshness
