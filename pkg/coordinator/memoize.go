package coordinator

import (
	"context"
	"time"

	"github.com/taskmesh/substrate/pkg/cache"
)

// KeyFunc derives a cache key from a call's argument.
type KeyFunc[T any] func(arg T) string

// Fn is the memoized computation itself.
type Fn[T any] func(ctx context.Context, arg T) ([]byte, error)

// Memoize wraps fn in a cache-then-call pattern: a hit on keyFn(arg)
// returns immediately, a miss calls fn and stores its result under ttl.
// This is the explicit equivalent of a cache-decorated function call.
func Memoize[T any](c *cache.Cache, keyFn KeyFunc[T], fn Fn[T], ttl time.Duration) Fn[T] {
	return func(ctx context.Context, arg T) ([]byte, error) {
		key := keyFn(arg)
		if value, ok := c.Get(key); ok {
			return value, nil
		}
		value, err := fn(ctx, arg)
		if err != nil {
			return nil, err
		}
		if err := c.Set(key, value, ttl, cache.Hot); err != nil {
			return value, err
		}
		return value, nil
	}
}
