// Package cache implements the in-process stale-while-revalidate cache.
//
// Every entry has a fresh window and an optional stale window. A read inside
// the fresh window is served as-is, a read inside the stale window is served
// but flagged for background revalidation, and anything later is a miss.
// Entries are kept in LRU order and bounded by count and encoded size.
//
// Long-lived entries are mirrored into a [storage.Storage] so they survive a
// restart. Mirroring is best effort: storage failures never affect the
// in-memory value.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/shopfront/freshness/internal/codec"
	"github.com/shopfront/freshness/pkg/logger"
	"github.com/shopfront/freshness/pkg/storage"
)

// ErrMalformedEntry is reported when a durable entry cannot be decoded.
var ErrMalformedEntry = errors.New("cache: malformed persisted entry")

// pruneFraction of the durable entries, oldest first, are dropped when the
// storage reports that its quota is exhausted.
const pruneFraction = 0.25

// Store is a bounded LRU cache with fresh/stale windows and a durable mirror.
// It is safe for concurrent use.
type Store struct {
	cfg     Config
	clock   clock.Clock
	logger  logger.Logger
	codec   codec.Codec
	storage storage.Storage

	mu      sync.Mutex
	entries map[string]*list.Element
	// lru holds *item values, most recently used at the front.
	lru   *list.List
	bytes int
	stats Stats
}

type item struct {
	key   string
	entry *Entry
}

// Stats are counters describing cache behavior since construction.
type Stats struct {
	Entries         int
	Bytes           int
	Hits            int64
	StaleHits       int64
	Misses          int64
	Evictions       int64
	Persisted       int64
	PersistFailures int64
	Pruned          int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for all timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.logger = logger.OrNop(l) }
}

// WithStorage sets the durable mirror. Without it nothing is persisted.
func WithStorage(st storage.Storage) Option {
	return func(s *Store) { s.storage = st }
}

// New creates a Store and eagerly loads the still-servable entries found in
// the durable mirror, deleting expired and malformed ones.
func New(cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		cfg:     cfg,
		clock:   clock.WallClock,
		logger:  logger.Nop(),
		codec:   codec.NewCBOR(),
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.storage != nil {
		s.load()
	}

	return s, nil
}

// Result is the outcome of a typed read.
type Result[T any] struct {
	Value T
	// OK is false on a miss, on a fully expired entry, and when the cached
	// value cannot be represented as T.
	OK bool
	// NeedsRevalidation is true for stale hits and for misses.
	NeedsRevalidation bool
}

// Get reads key as a T and refreshes its LRU recency.
func Get[T any](s *Store, key string) Result[T] {
	var res Result[T]

	e, freshness := s.lookup(key, true)
	if e == nil || freshness == Expired {
		res.NeedsRevalidation = true
		return res
	}

	v, ok := decodeAs[T](s, key, e)
	if !ok {
		res.NeedsRevalidation = true
		return res
	}

	res.Value = v
	res.OK = true
	res.NeedsRevalidation = freshness == Stale
	return res
}

// Peek returns the value held for key even if it is fully expired, without
// touching recency or counters. It reports false only when nothing usable is
// held in memory.
func Peek[T any](s *Store, key string) (T, bool) {
	e, _ := s.lookup(key, false)
	if e == nil {
		var zero T
		return zero, false
	}
	return decodeAs[T](s, key, e)
}

// Get is the untyped form of [Get]. Values restored from durable storage are
// decoded into generic Go values (maps, slices, strings, numbers).
func (s *Store) Get(key string) (value any, ok, needsRevalidation bool) {
	res := Get[any](s, key)
	return res.Value, res.OK, res.NeedsRevalidation
}

// Entry returns a copy of the entry metadata for key without touching recency.
func (s *Store) Entry(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *el.Value.(*item).entry, true
}

func (s *Store) lookup(key string, touch bool) (*Entry, Freshness) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		if touch {
			s.stats.Misses++
		}
		return nil, Expired
	}

	e := el.Value.(*item).entry
	freshness := e.FreshnessAt(s.clock.Now())

	if touch {
		s.lru.MoveToFront(el)
		switch freshness {
		case Fresh:
			s.stats.Hits++
		case Stale:
			s.stats.StaleHits++
		default:
			s.stats.Misses++
		}
	}

	return e, freshness
}

// decodeAs converts the entry value to T, decoding the raw durable form on
// first use. The decoded value replaces the entry so later reads are cheap.
func decodeAs[T any](s *Store, key string, e *Entry) (T, bool) {
	var zero T

	if e.raw == nil {
		v, ok := e.Value.(T)
		if !ok && e.Value != nil {
			s.logger.Warn("cache.Store value has unexpected type", "key", key, "type", fmt.Sprintf("%T", e.Value))
		}
		return v, ok
	}

	var v T
	if err := s.codec.Unmarshal(e.raw, &v); err != nil {
		s.logger.Warn("cache.Store failed to decode restored value", "key", key, "error", err)
		return zero, false
	}

	decoded := *e
	decoded.Value = v
	decoded.raw = nil
	s.replaceIfSame(key, e, &decoded)

	return v, true
}

// replaceIfSame swaps the entry for key only if it is still old.
func (s *Store) replaceIfSame(key string, old, replacement *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return
	}
	it := el.Value.(*item)
	if it.entry == old {
		it.entry = replacement
	}
}

type setOptions struct {
	staleTime time.Duration
	persist   *bool
}

// SetOption tunes a single Set call.
type SetOption func(*setOptions)

// WithStaleTime adds a stale window of d after the fresh window.
func WithStaleTime(d time.Duration) SetOption {
	return func(o *setOptions) { o.staleTime = d }
}

// WithPersist forces (true) or forbids (false) mirroring to durable storage.
// Without it the store persists entries whose TTL exceeds the realtime
// threshold and whose key matches no volatile pattern.
func WithPersist(persist bool) SetOption {
	return func(o *setOptions) { o.persist = &persist }
}

// Set stores value under key, fresh for ttl.
// It evicts from the LRU tail first when the store is full.
func (s *Store) Set(key string, value any, ttl time.Duration, opts ...SetOption) {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	encoded, err := s.codec.Marshal(value)
	if err != nil {
		s.logger.Debug("cache.Store cannot encode value, it will not be persisted", "key", key, "error", err)
		encoded = nil
	}

	now := s.clock.Now()
	e := &Entry{
		Value:      value,
		WrittenAt:  now,
		FreshUntil: now.Add(ttl),
		size:       len(key) + len(encoded),
	}
	if o.staleTime > 0 {
		e.StaleUntil = e.FreshUntil.Add(o.staleTime)
	}

	persist := s.shouldPersist(key, ttl, o.persist) && encoded != nil && s.storage != nil

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxBytes > 0 && e.size > s.cfg.MaxBytes {
		// The previous value of key is superseded even though the new one
		// cannot be held.
		if el, ok := s.entries[key]; ok {
			s.removeElement(el)
		}
		s.removeDurable(key)
		s.logger.Warn("cache.Store value exceeds the size budget and is not cached", "key", key, "size", e.size)
		return
	}

	wasPersisted := false
	if el, ok := s.entries[key]; ok {
		wasPersisted = el.Value.(*item).entry.persisted
		s.removeElement(el)
	}

	for s.lru.Len() > 0 && (s.lru.Len() >= s.cfg.MaxEntries || (s.cfg.MaxBytes > 0 && s.bytes+e.size > s.cfg.MaxBytes)) {
		s.evictTail()
	}

	if persist {
		e.persisted = s.persist(key, e, encoded)
	}
	if wasPersisted && !e.persisted {
		s.removeDurable(key)
	}

	s.entries[key] = s.lru.PushFront(&item{key: key, entry: e})
	s.bytes += e.size
}

func (s *Store) shouldPersist(key string, ttl time.Duration, explicit *bool) bool {
	if explicit != nil {
		return *explicit
	}
	if ttl <= s.cfg.RealtimeThreshold {
		return false
	}
	for _, p := range s.cfg.VolatilePatterns {
		if p != "" && strings.Contains(key, p) {
			return false
		}
	}
	return true
}

// Invalidate removes key from memory and from the durable mirror.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		s.removeElement(el)
	}
	s.removeDurable(key)
}

// InvalidateByPrefix removes every key starting with prefix from memory and
// from the durable mirror, and reports how many in-memory entries it removed.
func (s *Store) InvalidateByPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, el := range s.entries {
		if strings.HasPrefix(key, prefix) {
			s.removeElement(el)
			removed++
		}
	}

	for _, key := range s.durableKeys() {
		if strings.HasPrefix(key, prefix) {
			s.removeDurable(key)
		}
	}

	return removed
}

// Clear drops everything, including the durable mirror.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*list.Element)
	s.lru.Init()
	s.bytes = 0

	for _, key := range s.durableKeys() {
		s.removeDurable(key)
	}
}

// KeysByPrefix returns the in-memory keys starting with prefix, sorted.
func (s *Store) KeysByPrefix(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0)
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of in-memory entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.Entries = s.lru.Len()
	st.Bytes = s.bytes
	return st
}

// removeElement must be called with mu held.
func (s *Store) removeElement(el *list.Element) {
	it := el.Value.(*item)
	s.lru.Remove(el)
	delete(s.entries, it.key)
	s.bytes -= it.entry.size
}

// evictTail must be called with mu held.
func (s *Store) evictTail() {
	el := s.lru.Back()
	if el == nil {
		return
	}
	it := el.Value.(*item)
	s.removeElement(el)
	s.stats.Evictions++

	if it.entry.persisted {
		s.removeDurable(it.key)
	}
	s.logger.Debug("cache.Store evicted entry", "key", it.key)
}
