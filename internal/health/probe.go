package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

// Probe is evaluated at request time. nil means OK.
type Probe interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	err := xerrors.New(reason)
	return func(context.Context) error { return err }
}

// All passes only if every non-nil probe passes; the first failure wins.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Cached runs p at most once per ttl and replays its last result in between.
// Concurrent callers during a refresh wait for it rather than piling on.
func Cached(p Probe, ttl time.Duration) CheckFunc {
	var (
		mu      sync.Mutex
		checked time.Time
		last    error
	)
	return func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if !checked.IsZero() && time.Since(checked) < ttl {
			return last
		}
		last = p.Check(ctx)
		checked = time.Now()
		return last
	}
}

// ShutdownGate flips readiness to false during drain/shutdown.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set starts draining; an empty reason reports "draining".
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

func (g *ShutdownGate) Draining() bool { return g.reason.Load() != nil }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}
