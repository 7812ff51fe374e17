// Package rendezvous provides named barriers VUs use to synchronize at a
// point before proceeding together.
package rendezvous

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry holds the named barriers of one test run.
type Registry struct {
	logger logrus.FieldLogger

	mu       sync.Mutex
	barriers map[string]*barrier
}

type barrier struct {
	mu      sync.Mutex
	arrived int
	release chan struct{}
}

// NewRegistry creates an empty barrier registry.
func NewRegistry(logger logrus.FieldLogger) *Registry {
	return &Registry{
		logger:   logger,
		barriers: make(map[string]*barrier),
	}
}

func (r *Registry) get(name string) *barrier {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.barriers[name]
	if !ok {
		b = &barrier{release: make(chan struct{})}
		r.barriers[name] = b
	}
	return b
}

// Await blocks until parties waiters have arrived at the named barrier, the
// timeout elapses (when positive), or ctx is cancelled. It returns true when
// the barrier tripped and false when the waiter gave up. The barrier resets
// after each trip, so it is reusable across iterations.
func (r *Registry) Await(ctx context.Context, name string, parties int, timeout time.Duration) bool {
	if parties <= 1 {
		return true
	}

	b := r.get(name)

	b.mu.Lock()
	b.arrived++
	if b.arrived >= parties {
		close(b.release)
		b.arrived = 0
		b.release = make(chan struct{})
		b.mu.Unlock()
		r.logger.WithFields(logrus.Fields{"barrier": name, "parties": parties}).Debug("rendezvous tripped")
		return true
	}
	release := b.release
	b.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-release:
		return true
	case <-timeoutCh:
		b.abandon(release)
		r.logger.WithField("barrier", name).Warn("rendezvous wait timed out")
		return false
	case <-ctx.Done():
		b.abandon(release)
		return false
	}
}

// abandon removes a departing waiter from the count, unless the barrier
// already tripped into a new generation.
func (b *barrier) abandon(release chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.release == release && b.arrived > 0 {
		b.arrived--
	}
}

// Reset clears every barrier, releasing any leftover waiters. The runner
// calls it when a test initializes.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.barriers {
		b.mu.Lock()
		close(b.release)
		b.arrived = 0
		b.release = make(chan struct{})
		b.mu.Unlock()
	}
	r.barriers = make(map[string]*barrier)
}
