// Package concurrent provides the small parallel-execution helpers used
// during store initialization.
package concurrent

import (
	"context"
	"sync"
)

// EachResult runs fn on every item in parallel and returns one error slot
// per item, index-aligned with the input. Unlike a fail-fast group, every
// item is always attempted: the caller decides what a partial failure
// means.
func EachResult[T any](ctx context.Context, items []T, fn func(ctx context.Context, item T) error) []error {
	errs := make([]error, len(items))
	if len(items) == 0 {
		return errs
	}
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(idx int, val T) {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				errs[idx] = err
				return
			}
			errs[idx] = fn(ctx, val)
		}(i, item)
	}
	wg.Wait()
	return errs
}
