// Package inflight deduplicates concurrent work for the same key.
//
// While a call for a key is outstanding, later callers for that key wait for
// its result instead of starting their own. The entry is dropped once the
// call returns, successfully or not, so the next call after that runs again.
package inflight

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Group tracks outstanding calls by key.
type Group struct {
	sf          singleflight.Group
	outstanding atomic.Int64
}

// New returns an empty group.
func New() *Group {
	return &Group{}
}

var defaultGroup = sync.OnceValue(New)

// Default returns the process-wide group. It is created on first use and
// lives for the rest of the process.
func Default() *Group {
	return defaultGroup()
}

// InFlight reports how many keys have an outstanding call.
func (g *Group) InFlight() int {
	return int(g.outstanding.Load())
}

// Do runs fn once per key among concurrent callers. shared reports whether
// the result was delivered to more than one caller.
//
// fn runs under a context detached from the first caller's cancellation, so
// a caller that stops waiting never fails the others. Each caller still
// returns early with its own ctx.Err() when its ctx is done.
func Do[T any](ctx context.Context, g *Group, key string, fn func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	if g == nil {
		g = Default()
	}
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	detached := context.WithoutCancel(ctx)
	ch := g.sf.DoChan(key, func() (value any, err error) {
		g.outstanding.Add(1)
		defer g.outstanding.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("in-flight call %q panicked: %v", key, r)
			}
		}()
		return fn(detached)
	})

	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		value, _ := res.Val.(T)
		return value, res.Shared, nil
	}
}
