package clenzy

import (
	"context"
	"fmt"
)

// Mutation describes one optimistic change to the value cached under Key.
//
// Apply and Reconcile must return new values rather than modify the ones
// they receive; the pre-mutation snapshot shares memory with the cache.
type Mutation[V, R any] struct {
	// Key is the cache entry the mutation changes.
	Key Key
	// Apply computes the optimistic value. It runs only when a V is cached.
	Apply func(current V) V
	// Call performs the network request.
	Call func(ctx context.Context) (R, error)
	// Reconcile optionally folds the server's answer into the cached value
	// after a successful call. Returning false leaves the value untouched.
	Reconcile func(current V, result R) (V, bool)
	// Invalidate lists extra keys marked stale once the mutation settles.
	Invalidate []Key
}

// Mutate runs m against c:
//
//  1. cancel any fetch in flight for m.Key and snapshot its value;
//  2. apply the optimistic value, if one is cached;
//  3. run m.Call;
//  4. on failure restore the snapshot, on success optionally reconcile, and
//     in both cases mark m.Key and m.Invalidate stale.
//
// The snapshot belongs to this call alone. Concurrent mutations of one key
// are not serialized: whichever settles last decides the cached value.
// A failed call's error is returned wrapped.
func Mutate[V, R any](ctx context.Context, c *Cache, m Mutation[V, R]) (R, error) {
	c.CancelInFlight(m.Key)
	snap := c.Snapshot(m.Key)

	applied := false
	if m.Apply != nil {
		applied = UpdateAs(c, m.Key, m.Apply)
	}

	result, err := m.Call(ctx)

	outcome := outcomeCommitted
	if err != nil {
		outcome = outcomeRolledBack
		if applied {
			c.Restore(snap)
		}
		c.logger.Debug("mutation rolled back", "key", m.Key.String(), "applied", applied, "error", err)
	} else if m.Reconcile != nil {
		c.Update(m.Key, func(current any) (any, bool) {
			v, ok := current.(V)
			if !ok {
				return nil, false
			}
			return m.Reconcile(v, result)
		})
	}

	c.Invalidate(m.Key)
	for _, k := range m.Invalidate {
		c.Invalidate(k)
	}
	c.metrics.mutationSettled(ctx, m.Key, outcome)

	if err != nil {
		return result, fmt.Errorf("mutation %s: %w", m.Key, err)
	}
	return result, nil
}
