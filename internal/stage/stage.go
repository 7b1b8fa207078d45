// Package stage runs one unit operation over many independent items with a
// bounded number of workers, keeping each item's outcome separate.
package stage

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/johndauphine/scan-migrate/internal/logging"
)

// Result holds per-item outcomes. Every submitted item lands in exactly one
// of Values or Failures.
type Result[K comparable, V any] struct {
	Name     string
	Values   map[K]V
	Failures map[K]error
}

// Total is the number of items that were run.
func (r Result[K, V]) Total() int { return len(r.Values) + len(r.Failures) }

// Succeeded is the number of items that produced a value.
func (r Result[K, V]) Succeeded() int { return len(r.Values) }

// Failed is the number of items that returned an error.
func (r Result[K, V]) Failed() int { return len(r.Failures) }

// SuccessRatio is Succeeded/Total, or 1 for an empty stage.
func (r Result[K, V]) SuccessRatio() float64 {
	if r.Total() == 0 {
		return 1
	}
	return float64(r.Succeeded()) / float64(r.Total())
}

// Acceptable reports whether enough items succeeded to move on.
func (r Result[K, V]) Acceptable(minRatio float64) bool {
	return r.SuccessRatio() >= minRatio
}

// Workers caps n by the number of items, with a floor of one.
func Workers(limit, items int) int {
	if limit <= 0 {
		limit = 1
	}
	return max(1, min(limit, items))
}

// Run applies op to every item using at most workers goroutines and waits
// for all of them. Item failures are recorded, never propagated, and do not
// cancel siblings. Items not started before ctx is cancelled are recorded
// as failed with ctx.Err(). Duplicate keys run once.
func Run[K comparable, V any](ctx context.Context, name string, items []K, workers int, op func(context.Context, K) (V, error)) Result[K, V] {
	res := Result[K, V]{
		Name:     name,
		Values:   make(map[K]V, len(items)),
		Failures: make(map[K]error),
	}
	if len(items) == 0 {
		return res
	}

	var (
		mu   sync.Mutex
		g    errgroup.Group
		seen = make(map[K]struct{}, len(items))
	)
	g.SetLimit(Workers(workers, len(items)))

	for _, item := range items {
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}

		g.Go(func() error {
			var (
				v   V
				err error
			)
			if err = ctx.Err(); err == nil {
				v, err = safeCall(ctx, item, op)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failures[item] = err
				logging.ErrorFields(logging.Fields{"stage": name, "item": item, "error": err}, "%s failed for %v", name, item)
				return nil
			}
			res.Values[item] = v
			return nil
		})
	}
	_ = g.Wait()

	logging.Debug("%s: %d/%d succeeded", name, res.Succeeded(), res.Total())
	return res
}

func safeCall[K comparable, V any](ctx context.Context, item K, op func(context.Context, K) (V, error)) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return op(ctx, item)
}
