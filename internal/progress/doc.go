// Package progress provides the event primitives and the non-blocking hub the
// coordinator uses to report run progress. Events are batched on a background
// goroutine and fanned out to sinks such as Prometheus, the run ledger, the
// result publisher and the terminal dashboard.
package progress
