// Package observability exposes Prometheus metrics for the Chorus runtime
// and the HTTP server that serves them.
//
// # Overview
//
// Every metric lives on a single Metrics struct so call sites share one set
// of collectors. The package tracks:
//
//   - Branch lifecycle: starts, completions by outcome, and a live gauge
//   - Agent loop iterations (one per LLM round trip)
//   - LLM request latency, outcome counts, and token consumption
//   - Tool execution counts and latencies
//   - Background process spawns and exits
//   - Hook callback fires and suppressed notifications
//   - Store query latency by operation
//
// # Usage
//
// Construct once at startup and hand the pointer to whoever records:
//
//	metrics := observability.New(nil) // default Prometheus registry
//	metrics.BranchStarted("helper")
//	defer metrics.BranchCompleted("helper", "completed")
//
// Every record method is safe on a nil receiver, so components accept an
// optional *Metrics and call it unconditionally:
//
//	var m *observability.Metrics // metrics disabled
//	m.LoopIteration("helper")    // no-op
//
// # Instrumentation
//
// Rather than threading the Metrics pointer through every layer, the hot
// paths are wrapped at their seams:
//
//	provider = observability.InstrumentProvider(provider, metrics)
//	registry = observability.InstrumentRegistry(registry, metrics)
//	st = observability.InstrumentStore(st, metrics)
//
// Each wrapper times the underlying call and records outcome labels. Passing
// a nil Metrics returns the value unwrapped.
//
// # Serving
//
// Server binds an address and serves /metrics plus a /healthz liveness
// endpoint:
//
//	srv := observability.NewServer(":9090", nil, logger)
//	if err := srv.Start(); err != nil { ... }
//	defer srv.Stop(ctx)
//
// # Testing
//
// New accepts a prometheus.Registerer, so tests build isolated registries
// and assert with prometheus/testutil:
//
//	reg := prometheus.NewRegistry()
//	m := observability.New(reg)
//	m.RecordToolExecution("bash", "success", 0.2)
//	testutil.CollectAndCount(m.ToolExecutionCounter)
package observability
