// Package metrics defines the typed lifecycle events the pool, session
// pool manager, and session store emit, and the Collector sink interface
// that receives them. Collectors are advisory: Record must never panic or
// block the caller meaningfully, since the core components only ever emit,
// never read back their own events.
package metrics

import "time"

// Kind tags which variant an Event carries.
type Kind string

const (
	KindPoolAcquire          Kind = "pool_acquire"
	KindPoolRelease          Kind = "pool_release"
	KindPoolFailure          Kind = "pool_failure"
	KindPoolExhausted        Kind = "pool_exhausted"
	KindPoolBrowserCreated   Kind = "pool_browser_created"
	KindPoolBrowserDestroyed Kind = "pool_browser_destroyed"
)

// DestroyReason tags why an entry left the pool.
type DestroyReason string

const (
	ReasonIdle         DestroyReason = "idle"
	ReasonDrain        DestroyReason = "drain"
	ReasonError        DestroyReason = "error"
	ReasonDisconnected DestroyReason = "disconnected"
)

// Event is a tagged variant of one lifecycle occurrence. Only the fields
// relevant to Kind are populated; the rest are zero.
type Event struct {
	Kind        Kind
	Timestamp   time.Time
	DurationMs  int64
	Reused      bool
	PoolSize    int
	MaxSize     int
	WaitMs      int64
	Error       string
	Reason      DestroyReason
	SessionName string // empty when the pool is not session-scoped
}

// Collector receives events emitted by the core components.
type Collector interface {
	Record(Event)
}

// Subscribable is implemented by collectors that also let external code
// observe the event stream (e.g. for test assertions or a status page).
type Subscribable interface {
	Subscribe(func(Event)) (unsubscribe func())
}

// Noop discards every event. It is the default collector so components
// never need a nil check.
type Noop struct{}

func (Noop) Record(Event) {}

var _ Collector = Noop{}
