package hooks

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/stampedehq/stampede/internal/clock"
	"github.com/stampedehq/stampede/internal/lib"
)

// newRuntime builds a fresh sandbox bound to one VU context. The runtime
// exposes context (variables and extracted are live references, so script
// mutations write through), setVariable/getVariable, and a utils namespace.
// The returned cleanup releases the interrupt watchers.
func (e *Engine) newRuntime(ctx context.Context, timeout time.Duration, vuCtx *lib.VUContext) (*goja.Runtime, func()) {
	rt := goja.New()

	sctx, cancel := context.WithTimeoutCause(ctx, timeout, errHookTimeout)
	stopWatch := context.AfterFunc(sctx, func() {
		rt.Interrupt(context.Cause(sctx))
	})

	rt.Set("context", map[string]interface{}{
		"vu_id":     vuCtx.VUID,
		"iteration": vuCtx.Iteration,
		"scenario":  vuCtx.ScenarioName,
		"variables": vuCtx.Variables,
		"extracted": vuCtx.Extracted,
	})

	setVariable := func(name string, value goja.Value) {
		vuCtx.Variables[name] = value.Export()
	}
	getVariable := func(name string) interface{} {
		v, _ := vuCtx.Lookup(name)
		return v
	}
	rt.Set("setVariable", setVariable)
	rt.Set("getVariable", getVariable)

	utils := utilsNamespace(sctx)
	rt.Set("utils", utils)

	// File hooks receive helpers as their second argument: the variable
	// accessors plus everything in utils.
	helpers := map[string]interface{}{
		"setVariable": setVariable,
		"getVariable": getVariable,
	}
	for k, v := range utils {
		helpers[k] = v
	}
	rt.Set("helpers", helpers)

	cleanup := func() {
		stopWatch()
		cancel()
		rt.ClearInterrupt()
	}
	return rt, cleanup
}

// utilsNamespace builds the utility functions scripts call. sleep honors the
// sandbox deadline, so a sleeping hook still times out on schedule.
func utilsNamespace(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{
		"randomInt": func(min, max int) int {
			if max < min {
				min, max = max, min
			}
			return min + rand.Intn(max-min+1)
		},
		"randomChoice": func(items ...interface{}) interface{} {
			if len(items) == 0 {
				return nil
			}
			return items[rand.Intn(len(items))]
		},
		"uuid": uuid.NewString,
		"sleep": func(ms float64) {
			clock.Sleep(ctx, time.Duration(ms*float64(time.Millisecond)))
		},
		"timestamp": func(format string) string {
			now := time.Now()
			switch format {
			case "iso":
				return now.Format(time.RFC3339)
			case "readable":
				return now.Format("2006-01-02 15:04:05")
			case "file":
				return now.Format("20060102_150405")
			default:
				return strconv.FormatInt(now.Unix(), 10)
			}
		},
		"isoDate": func(daysOffset int) string {
			return time.Now().AddDate(0, 0, daysOffset).Format("2006-01-02")
		},
	}
}
