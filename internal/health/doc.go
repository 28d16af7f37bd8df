// Package health provides liveness and readiness probes for the ops server.
//
// Probes compose with [All]; [CheckFunc] adapts a plain function. [Cached]
// keeps an upstream check (the content store) from being hit on every scrape.
//
// [ShutdownGate] fails readiness as soon as shutdown starts so the load
// balancer stops routing before in-flight writes are drained.
package health
