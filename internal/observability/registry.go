package observability

import (
	"context"
	"time"

	"github.com/haasonsaas/chorus/internal/tools"
)

// InstrumentRegistry returns a registry whose tools record execution count
// and latency around the original handlers. Validation and context
// injection run once, in the returned registry. A nil metrics returns reg
// unwrapped.
func InstrumentRegistry(reg *tools.Registry, metrics *Metrics) *tools.Registry {
	if metrics == nil || reg == nil {
		return reg
	}
	wrapped := tools.NewRegistry()
	for _, def := range reg.List() {
		name := def.Name
		inner := def.Handler
		// Schemas compiled once in reg, so re-registering cannot fail.
		wrapped.MustRegister(&tools.Definition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
			Handler: func(ctx context.Context, inv tools.Invocation) (string, error) {
				start := time.Now()
				out, err := inner(ctx, inv)
				status := "success"
				if err != nil {
					status = "error"
				}
				metrics.RecordToolExecution(name, status, time.Since(start).Seconds())
				return out, err
			},
		})
	}
	return wrapped
}
