package cache

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopfront/freshness/pkg/storage"
)

// The durable mirror is only touched with mu held, which keeps the mirror in
// the same order as memory.

func (s *Store) storageKey(key string) string {
	return s.cfg.Namespace + key
}

// persist writes e to storage and reports whether it is now mirrored.
func (s *Store) persist(key string, e *Entry, encoded []byte) bool {
	rec := persistedEntry{
		Key:        key,
		Value:      encoded,
		WrittenAt:  e.WrittenAt,
		FreshUntil: e.FreshUntil,
	}
	if e.HasStaleWindow() {
		staleUntil := e.StaleUntil
		rec.StaleUntil = &staleUntil
	}

	data, err := s.codec.Marshal(&rec)
	if err != nil {
		s.stats.PersistFailures++
		s.logger.Warn("cache.Store failed to encode entry for persistence", "key", key, "error", err)
		return false
	}

	err = s.storage.SetItem(s.storageKey(key), data)
	if err == nil {
		s.stats.Persisted++
		return true
	}

	s.stats.PersistFailures++
	if errors.Is(err, storage.ErrQuotaExceeded) {
		pruned := s.pruneOldest()
		s.logger.Warn("cache.Store storage quota exceeded, pruned oldest persisted entries",
			"key", key, "pruned", pruned)
		return false
	}

	s.logger.Warn("cache.Store failed to persist entry", "key", key, "error", err)
	return false
}

func (s *Store) removeDurable(key string) {
	if s.storage == nil {
		return
	}
	if err := s.storage.RemoveItem(s.storageKey(key)); err != nil {
		s.logger.Warn("cache.Store failed to remove persisted entry", "key", key, "error", err)
	}
}

// durableKeys lists cache keys (namespace stripped) present in storage.
func (s *Store) durableKeys() []string {
	if s.storage == nil {
		return nil
	}
	storageKeys, err := storage.KeysWithPrefix(s.storage, s.cfg.Namespace)
	if err != nil {
		s.logger.Warn("cache.Store failed to list persisted entries", "error", err)
		return nil
	}
	keys := make([]string, 0, len(storageKeys))
	for _, sk := range storageKeys {
		keys = append(keys, strings.TrimPrefix(sk, s.cfg.Namespace))
	}
	return keys
}

func (s *Store) readDurable(key string) (*persistedEntry, error) {
	data, err := s.storage.GetItem(s.storageKey(key))
	if err != nil {
		return nil, err
	}
	var rec persistedEntry
	if err := s.codec.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEntry, key, err)
	}
	if rec.Key != key {
		return nil, fmt.Errorf("%w: %s: stored under key %q", ErrMalformedEntry, key, rec.Key)
	}
	return &rec, nil
}

// pruneOldest drops the oldest quarter (at least one) of the durable entries
// by write time. Malformed entries found on the way are dropped as well.
// It returns the number of entries removed from storage.
func (s *Store) pruneOldest() int {
	type aged struct {
		key       string
		writtenAt time.Time
	}

	var (
		candidates []aged
		removed    int
	)
	for _, key := range s.durableKeys() {
		rec, err := s.readDurable(key)
		if err != nil {
			s.removeDurable(key)
			removed++
			continue
		}
		candidates = append(candidates, aged{key: key, writtenAt: rec.WrittenAt})
	}

	if len(candidates) == 0 {
		s.stats.Pruned += int64(removed)
		return removed
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].writtenAt.Before(candidates[j].writtenAt)
	})

	n := int(math.Ceil(float64(len(candidates)) * pruneFraction))
	for _, c := range candidates[:n] {
		s.removeDurable(c.key)
		if el, ok := s.entries[c.key]; ok {
			// keep the in-memory value, it is just no longer mirrored
			el.Value.(*item).entry = withPersisted(el.Value.(*item).entry, false)
		}
		removed++
	}

	s.stats.Pruned += int64(removed)
	return removed
}

func withPersisted(e *Entry, persisted bool) *Entry {
	c := *e
	c.persisted = persisted
	return &c
}

// load restores still-servable durable entries into memory, oldest first so
// the newest end up most recently used.
func (s *Store) load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	type restored struct {
		key   string
		entry *Entry
	}
	var live []restored

	for _, key := range s.durableKeys() {
		rec, err := s.readDurable(key)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("cache.Store dropping unreadable persisted entry", "key", key, "error", err)
				s.removeDurable(key)
			}
			continue
		}

		e := rec.toEntry()
		if !now.Before(e.expiresAt()) {
			s.removeDurable(key)
			continue
		}
		live = append(live, restored{key: key, entry: e})
	}

	sort.Slice(live, func(i, j int) bool {
		return live[i].entry.WrittenAt.Before(live[j].entry.WrittenAt)
	})

	for _, r := range live {
		for s.lru.Len() > 0 && (s.lru.Len() >= s.cfg.MaxEntries || (s.cfg.MaxBytes > 0 && s.bytes+r.entry.size > s.cfg.MaxBytes)) {
			s.evictTail()
		}
		s.entries[r.key] = s.lru.PushFront(&item{key: r.key, entry: r.entry})
		s.bytes += r.entry.size
	}

	if len(live) > 0 {
		s.logger.Debug("cache.Store restored persisted entries", "count", len(live))
	}
}
