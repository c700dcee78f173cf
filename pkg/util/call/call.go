// Package call runs blocking collaborator calls against a context
package call

import (
	"context"
	"fmt"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

// Race runs fn in its own goroutine and returns when it finishes or ctx
// is done, whichever comes first. fn keeps running after an abandoned
// race; its result is discarded. A panic in fn becomes an error
func Race[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, core.TimeoutFromContext(ctx)
	}

	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		v, err := fn()
		ch <- result{val: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		return zero, core.TimeoutFromContext(ctx)
	}
}

// RaceErr is Race for calls that only return an error
func RaceErr(ctx context.Context, fn func() error) error {
	_, err := Race(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
