package tracehook

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/kzs0/tracehook/hook"
	"github.com/kzs0/tracehook/integration"
	"github.com/kzs0/tracehook/propagation"
	"github.com/kzs0/tracehook/trace"
)

var (
	noopInstance *Engine
	noopOnce     sync.Once
)

// noopEngine returns a singleton engine that hooks nothing.
// This is used when no Engine is found in the context.
func noopEngine() *Engine {
	noopOnce.Do(func() {
		reg := hook.NewRegistry()
		reg.Seal()
		caps := integration.NewCapabilities()

		noopInstance = &Engine{
			config:     Config{Service: "noop"},
			logger:     logr.Discard(),
			tracer:     trace.NewTracer(trace.Config{Service: "noop"}),
			propagator: trace.NewPropagator(propagation.DefaultConfig()),
			registry:   reg,
			caps:       caps,
			manager:    integration.NewManager(reg, caps),
			booted:     true,
			isNoop:     true,
		}
	})
	return noopInstance
}
