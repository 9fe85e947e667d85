// Package sf is a typed wrapper around golang.org/x/sync/singleflight.
package sf

import "golang.org/x/sync/singleflight"

// Group deduplicates concurrent calls with the same key: one caller runs
// fn, the rest receive its result.
type Group[V any] struct {
	g singleflight.Group
}

// Do executes fn under key, collapsing duplicate in-flight calls. shared
// reports whether the result was handed to more than one caller.
func (g *Group[V]) Do(key string, fn func() (V, error)) (v V, shared bool, err error) {
	res, err, shared := g.g.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return v, shared, err
	}
	return res.(V), shared, nil
}

// Forget drops the in-flight record for key so the next Do runs fn again.
func (g *Group[V]) Forget(key string) { g.g.Forget(key) }
