package multiplex

import (
	"fmt"
	"math"

	"github.com/shopfront/freshness/pkg/realtime"
)

// Filter selects rows of a shared table channel. A row matches when every
// key is present on the row with an equal value. Values are compared by
// their fmt.Sprint form, so the float64 of a decoded JSON number matches an
// int in the filter.
type Filter map[string]any

// Matches reports whether row satisfies f. An empty filter matches every row.
func (f Filter) Matches(row map[string]any) bool {
	for k, want := range f {
		got, ok := row[k]
		if !ok {
			return false
		}
		if !equalValues(want, got) {
			return false
		}
	}
	return true
}

// MatchesEvent applies f to the row ev is about.
func (f Filter) MatchesEvent(ev realtime.ChangeEvent) bool {
	if len(f) == 0 {
		return true
	}
	return f.Matches(ev.Row())
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return canonical(a) == canonical(b)
}

func canonical(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if math.Abs(x) < 1<<53 && x == math.Trunc(x) {
			return fmt.Sprint(int64(x))
		}
		return fmt.Sprint(x)
	case float32:
		return canonical(float64(x))
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}
