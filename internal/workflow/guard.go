package workflow

import (
	"sync"
	"sync/atomic"
	"time"
)

// Run kinds held in the Guard slot.
const (
	KindBackup = "backup"
	KindClone  = "clone"
)

// ActiveRun describes the run that currently holds a Guard.
type ActiveRun struct {
	Kind      string
	SiteID    string
	StartedAt time.Time
}

// Guard is a single-slot try-lock shared by backup and clone. At most one
// guarded run is in progress at a time.
type Guard struct {
	mu      sync.Mutex
	current *ActiveRun
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{}
}

// TryAcquire claims the slot for a run. It returns ok=false without
// blocking if another run holds it. The returned release func clears the
// slot; calling it more than once has no further effect.
func (g *Guard) TryAcquire(kind, siteID string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != nil {
		return nil, false
	}
	run := &ActiveRun{Kind: kind, SiteID: siteID, StartedAt: time.Now()}
	g.current = run

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.current == run {
				g.current = nil
			}
		})
	}, true
}

// Current returns the run holding the slot, if any.
func (g *Guard) Current() (ActiveRun, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current == nil {
		return ActiveRun{}, false
	}
	return *g.current, true
}

// Flag is a boolean try-lock for the migration job.
type Flag struct {
	set atomic.Bool
}

// TrySet sets the flag and reports whether it was previously clear.
func (f *Flag) TrySet() bool {
	return f.set.CompareAndSwap(false, true)
}

// Clear resets the flag.
func (f *Flag) Clear() {
	f.set.Store(false)
}

// IsSet reports whether the flag is set.
func (f *Flag) IsSet() bool {
	return f.set.Load()
}
