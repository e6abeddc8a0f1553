package kvstore

import (
	"context"
	"errors"
)

var ErrEmptyKey = errors.New("kvstore: empty key")

// Store is a string key/value store. A missing key is never an error; errors
// report backend failures only.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	// Durable reports whether entries survive a page reload.
	Durable() bool
}

// Conditional is implemented by stores that can write a key atomically only
// when it is absent.
type Conditional interface {
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
}

type Logger interface {
	Printf(format string, v ...any)
}

// SetIfAbsent uses the store's atomic primitive when it has one and falls back
// to check-then-set otherwise.
func SetIfAbsent(ctx context.Context, s Store, key, value string) (bool, error) {
	if c, ok := s.(Conditional); ok {
		return c.SetIfAbsent(ctx, key, value)
	}
	exists, err := s.Has(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := s.Set(ctx, key, value); err != nil {
		return false, err
	}
	return true, nil
}
