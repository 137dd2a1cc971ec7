package multiplex

import (
	"fmt"
	"time"

	"github.com/juju/clock"

	"github.com/shopfront/freshness/pkg/backoff"
	"github.com/shopfront/freshness/pkg/polling"
	"github.com/shopfront/freshness/pkg/realtime"
)

// Kind tells the two multiplexing strategies apart.
type Kind int

const (
	// KindRobust is one physical channel per logical name, usually one per
	// tracked entity.
	KindRobust Kind = iota
	// KindTable is one physical channel per table, shared by subscribers
	// that differ only in their row filter.
	KindTable
)

func (k Kind) String() string {
	if k == KindTable {
		return "table"
	}
	return "robust"
}

// RegistrationState is the lifecycle state of a logical name.
type RegistrationState int

const (
	// StateIdle means no physical channel was opened yet.
	StateIdle RegistrationState = iota
	// StateOpening means a channel was asked to subscribe and has not
	// answered.
	StateOpening
	StateSubscribed
	// StateRetrying means the channel dropped and a resubscription is
	// scheduled.
	StateRetrying
	// StateWaitingForHealth means no channel is opened because the
	// transport is unhealthy. Health recovery reopens it.
	StateWaitingForHealth
	// StateGivenUp means the per-name retry cap was exceeded. Only the next
	// Subscribe on the name reopens it.
	StateGivenUp
)

func (s RegistrationState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOpening:
		return "OPENING"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateRetrying:
		return "RETRYING"
	case StateWaitingForHealth:
		return "WAITING_FOR_HEALTH"
	case StateGivenUp:
		return "GIVEN_UP"
	default:
		return "INVALID"
	}
}

// RegistrationInfo describes one logical name.
type RegistrationInfo struct {
	Name           string
	Kind           Kind
	Physical       string
	State          RegistrationState
	Subscribers    int
	Polling        int
	RetryCount     int
	BackoffAttempt int
	LastActivity   time.Time
}

type subscriber struct {
	id       string
	handler  realtime.Handler
	filter   Filter
	status   realtime.StatusFunc
	fallback *Fallback
	// poll is set while the fallback is polling.
	poll *polling.Subscription
}

func (s *subscriber) wants(ev realtime.ChangeEvent) bool {
	return s.filter.MatchesEvent(ev)
}

type registration struct {
	name       string
	kind       Kind
	specs      []realtime.ChangeSpec
	maxRetries int
	retryer    backoff.Retryer

	// subs is ordered by subscribe time so dispatch order is stable.
	subs []*subscriber

	state    RegistrationState
	channel  realtime.Channel
	physical string
	// generation identifies the current physical channel. Callbacks from
	// older channels carry an older generation and are dropped.
	generation     uint64
	backoffAttempt int
	retryTimer     clock.Timer
	lastActivity   time.Time
}

func (r *registration) physicalName(retry int) string {
	if retry == 0 {
		return r.name
	}
	return fmt.Sprintf("%s-retry-%d", r.name, retry)
}

func (r *registration) remove(id string) (*subscriber, bool) {
	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return s, true
		}
	}
	return nil, false
}

func (r *registration) stopTimer() {
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
}

func (r *registration) polling() int {
	n := 0
	for _, s := range r.subs {
		if s.poll != nil {
			n++
		}
	}
	return n
}

// retryWindow is the per-name failure count. It outlives registrations so
// that unsubscribing and resubscribing does not clear it.
type retryWindow struct {
	count       int
	lastFailure time.Time
}
