package pattern

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stampedehq/stampede/internal/clock"
	"github.com/stampedehq/stampede/internal/plan"
)

// Arrivals is the open model: new VUs arrive at a constant mean rate for
// the phase duration, independent of how long each one takes. Pacing is
// arithmetic: the next creation is scheduled at last + 1/rate seconds, so a
// slow create catches up instead of dragging the rate down.
//
// Each arrival either loops scenario passes for vu_duration, or runs a
// single pass when no vu_duration is configured. The phase returns once the
// duration has elapsed and every spawned VU has finished.
type Arrivals struct {
	log logrus.FieldLogger
}

var _ Pattern = (*Arrivals)(nil)

// Name implements Pattern.
func (a *Arrivals) Name() string { return plan.PatternArrivals }

// Run implements Pattern.
func (a *Arrivals) Run(ctx context.Context, phase plan.LoadPhase, pool *Pool) error {
	duration := phase.Duration.D()
	vuLifetime := phase.VUDuration.D()
	interval := time.Duration(float64(time.Second) / phase.Rate)

	log := a.log.WithFields(logrus.Fields{
		"pattern":  plan.PatternArrivals,
		"rate":     phase.Rate,
		"duration": duration,
	})
	log.Info("phase started")

	// VUs may outlive the spawn window up to their own lifetime, so they
	// run on the phase's parent context; only the pacing loop is bounded
	// by the duration.
	deadline := clock.Now().Add(duration)
	next := clock.Now()
	spawned := 0

	for clock.Now().Before(deadline) && ctx.Err() == nil {
		if wait := next.Sub(clock.Now()); wait > 0 {
			if !clock.Sleep(ctx, wait) {
				break
			}
			if !clock.Now().Before(deadline) {
				break
			}
		}

		var err error
		if vuLifetime > 0 {
			_, err = pool.Spawn(ctx, vuLifetime)
		} else {
			_, err = pool.SpawnOnce(ctx)
		}
		if err != nil {
			log.WithError(err).Error("vu create failed")
		} else {
			spawned++
		}
		next = next.Add(interval)
	}

	grace := defaultStopGrace + vuLifetime
	if n := pool.WaitAll(grace); n > 0 {
		pool.StopAll()
		if n := pool.WaitAll(defaultStopGrace); n > 0 {
			log.WithField("stragglers", n).Warn("vus still running after stop grace")
		}
	}
	log.WithField("spawned", spawned).Info("phase finished")
	return nil
}
