// Package pattern drives virtual user creation and teardown for load
// phases. Three shapes are supported: basic (ramp to a fixed count and
// hold), stepping (a staircase of counts), and arrivals (an open model
// spawning VUs at a constant rate).
package pattern

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stampedehq/stampede/internal/plan"
)

// defaultStopGrace bounds how long a pattern waits for its VUs after
// requesting a stop. Stragglers are logged and abandoned.
const defaultStopGrace = 10 * time.Second

// Pattern runs one load phase to completion. Run blocks until the phase is
// over and every VU it started has stopped or the stop grace expired.
// Cancelling ctx ends the phase early; that is not an error.
type Pattern interface {
	Name() string
	Run(ctx context.Context, phase plan.LoadPhase, pool *Pool) error
}

// New returns the pattern implementation for a phase. The phase is assumed
// to have passed plan validation.
func New(name string, logger logrus.FieldLogger) (Pattern, error) {
	switch name {
	case plan.PatternBasic:
		return &Basic{log: logger}, nil
	case plan.PatternStepping:
		return &Stepping{log: logger}, nil
	case plan.PatternArrivals:
		return &Arrivals{log: logger}, nil
	default:
		return nil, fmt.Errorf("unknown load pattern: %q", name)
	}
}
