package pattern

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stampedehq/stampede/internal/metrics"
	"github.com/stampedehq/stampede/internal/vu"
)

// VUFactory builds ready virtual users. Create must return a VU that can
// immediately run scenario passes, including any per-VU setup such as
// priming data providers.
type VUFactory interface {
	Create(id int) (*vu.VU, error)
}

// FactoryFunc adapts a function to the VUFactory interface.
type FactoryFunc func(id int) (*vu.VU, error)

// Create implements VUFactory.
func (f FactoryFunc) Create(id int) (*vu.VU, error) { return f(id) }

// Pool owns the VUs of a run. The runner constructs one Pool and hands it to
// each phase's pattern, so VU ids stay unique across phases. Spawn is called
// from a single pacing goroutine per phase; the snapshot accessors and stop
// methods are safe from anywhere.
type Pool struct {
	factory   VUFactory
	collector *metrics.Collector
	log       logrus.FieldLogger

	nextID atomic.Int32

	mu  sync.RWMutex
	vus []*vu.VU // creation order
}

// NewPool creates an empty pool.
func NewPool(factory VUFactory, collector *metrics.Collector, logger logrus.FieldLogger) *Pool {
	return &Pool{
		factory:   factory,
		collector: collector,
		log:       logger,
	}
}

// Spawn creates the next VU and starts its run loop on a new goroutine. The
// VU stops when ctx is cancelled, when lifetime (if positive) elapses, or
// when it is stopped explicitly. Creation order is the RecordVUStart order.
func (p *Pool) Spawn(ctx context.Context, lifetime time.Duration) (*vu.VU, error) {
	id := int(p.nextID.Add(1))
	v, err := p.factory.Create(id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.vus = append(p.vus, v)
	p.mu.Unlock()

	p.collector.RecordVUStart(v.ID())
	p.log.WithField("vu_id", v.ID()).Debug("vu started")

	go func() {
		runCtx := ctx
		cancel := context.CancelFunc(func() {})
		if lifetime > 0 {
			runCtx, cancel = context.WithTimeout(ctx, lifetime)
		}
		defer cancel()
		v.Run(runCtx)
	}()
	return v, nil
}

// SpawnOnce creates the next VU and runs a single scenario pass on a new
// goroutine; the VU stops itself afterwards. Arrivals phases without a
// per-VU lifetime spawn sessions this way.
func (p *Pool) SpawnOnce(ctx context.Context) (*vu.VU, error) {
	id := int(p.nextID.Add(1))
	v, err := p.factory.Create(id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.vus = append(p.vus, v)
	p.mu.Unlock()

	p.collector.RecordVUStart(v.ID())
	p.log.WithField("vu_id", v.ID()).Debug("vu session started")

	go v.RunOnce(ctx)
	return v, nil
}

// Live returns the VUs that are still schedulable, in creation order. VUs
// that are stopping or stopped (explicitly or by data exhaustion) are
// excluded.
func (p *Pool) Live() []*vu.VU {
	p.mu.RLock()
	defer p.mu.RUnlock()

	live := make([]*vu.VU, 0, len(p.vus))
	for _, v := range p.vus {
		switch v.State() {
		case vu.StateStopping, vu.StateStopped:
		default:
			live = append(live, v)
		}
	}
	return live
}

// Size returns the total number of VUs ever spawned.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.vus)
}

// StopAll requests a stop on every VU. It does not wait; pair with WaitAll.
func (p *Pool) StopAll() {
	for _, v := range p.snapshot() {
		v.RequestStop()
	}
}

// StopNewest requests a stop on the n most recently created live VUs.
func (p *Pool) StopNewest(n int) {
	live := p.Live()
	for i := len(live) - 1; i >= 0 && n > 0; i-- {
		live[i].RequestStop()
		n--
	}
}

// WaitAll blocks until every spawned VU has fully stopped, including per-VU
// handler cleanup, or the timeout elapses. It returns the number of VUs
// still running at the deadline.
func (p *Pool) WaitAll(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)

	stragglers := 0
	for _, v := range p.snapshot() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if v.State() != vu.StateStopped {
				stragglers++
			}
			continue
		}
		if !v.WaitForStop(remaining) {
			stragglers++
		}
	}
	return stragglers
}

func (p *Pool) snapshot() []*vu.VU {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*vu.VU, len(p.vus))
	copy(out, p.vus)
	return out
}
