// Package cache provides the small caching surface the core packages use,
// backed by hashicorp/golang-lru. The interface exists so hot paths can be
// handed a no-op cache in tests.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a bounded key/value cache. Implementations are safe for
// concurrent use.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Add(key K, value V)
	Remove(key K)
	Purge()
	Len() int
}

type lruCache[K comparable, V any] struct {
	c *lru.Cache[K, V]
}

// NewLRU returns a fixed-size cache with LRU eviction.
func NewLRU[K comparable, V any](size int) (Cache[K, V], error) {
	c, err := lru.New[K, V](size)
	if err != nil {
		return nil, err
	}
	return &lruCache[K, V]{c: c}, nil
}

func (l *lruCache[K, V]) Get(key K) (V, bool) { return l.c.Get(key) }
func (l *lruCache[K, V]) Add(key K, value V)  { l.c.Add(key, value) }
func (l *lruCache[K, V]) Remove(key K)        { l.c.Remove(key) }
func (l *lruCache[K, V]) Purge()              { l.c.Purge() }
func (l *lruCache[K, V]) Len() int            { return l.c.Len() }

type expirableCache[K comparable, V any] struct {
	c *expirable.LRU[K, V]
}

// NewExpirableLRU returns an LRU cache whose entries also expire after ttl.
func NewExpirableLRU[K comparable, V any](size int, ttl time.Duration) Cache[K, V] {
	return &expirableCache[K, V]{c: expirable.NewLRU[K, V](size, nil, ttl)}
}

func (e *expirableCache[K, V]) Get(key K) (V, bool) { return e.c.Get(key) }
func (e *expirableCache[K, V]) Add(key K, value V)  { e.c.Add(key, value) }
func (e *expirableCache[K, V]) Remove(key K)        { e.c.Remove(key) }
func (e *expirableCache[K, V]) Purge()              { e.c.Purge() }
func (e *expirableCache[K, V]) Len() int            { return e.c.Len() }

type nopCache[K comparable, V any] struct{}

// Nop returns a cache that stores nothing.
func Nop[K comparable, V any]() Cache[K, V] { return nopCache[K, V]{} }

func (nopCache[K, V]) Get(K) (v V, ok bool) { return v, false }
func (nopCache[K, V]) Add(K, V)             {}
func (nopCache[K, V]) Remove(K)             {}
func (nopCache[K, V]) Purge()               {}
func (nopCache[K, V]) Len() int             { return 0 }
