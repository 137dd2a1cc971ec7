package cache

import "time"

// Entry is an immutable snapshot of a cached value.
//
// WrittenAt <= FreshUntil <= StaleUntil holds whenever StaleUntil is set.
type Entry struct {
	Value      any
	WrittenAt  time.Time
	FreshUntil time.Time
	// StaleUntil is the zero time when the entry has no stale window.
	StaleUntil time.Time

	// raw holds the encoded value for entries restored from durable storage,
	// which are decoded lazily into the type the caller asks for.
	raw []byte

	size      int
	persisted bool
}

// Freshness is the three-way classification of an entry at a point in time.
type Freshness int

const (
	Fresh Freshness = iota
	Stale
	Expired
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	default:
		return "invalid"
	}
}

// HasStaleWindow reports whether the entry was written with a stale window.
func (e *Entry) HasStaleWindow() bool {
	return !e.StaleUntil.IsZero()
}

// FreshnessAt classifies the entry at now.
func (e *Entry) FreshnessAt(now time.Time) Freshness {
	if now.Before(e.FreshUntil) {
		return Fresh
	}
	if e.HasStaleWindow() && now.Before(e.StaleUntil) {
		return Stale
	}
	return Expired
}

// expiresAt is the instant after which the entry cannot be served at all.
func (e *Entry) expiresAt() time.Time {
	if e.HasStaleWindow() {
		return e.StaleUntil
	}
	return e.FreshUntil
}

// persistedEntry is the durable representation of an Entry.
type persistedEntry struct {
	Key        string     `cbor:"k"`
	Value      []byte     `cbor:"v"`
	WrittenAt  time.Time  `cbor:"w"`
	FreshUntil time.Time  `cbor:"f"`
	StaleUntil *time.Time `cbor:"s,omitempty"`
}

func (p *persistedEntry) toEntry() *Entry {
	e := &Entry{
		WrittenAt:  p.WrittenAt,
		FreshUntil: p.FreshUntil,
		raw:        p.Value,
		size:       len(p.Key) + len(p.Value),
		persisted:  true,
	}
	if p.StaleUntil != nil {
		e.StaleUntil = *p.StaleUntil
	}
	return e
}
