// Package memo computes content-addressed values at most once.
package memo

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/nhle/messaging-manager/internal/lock"
)

// LockError reports that the lock guarding a key could not be acquired,
// typically because another holder outlived the caller's deadline.
type LockError struct {
	Key string
	Err error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("locking %s: %v", e.Key, e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// LoadFunc looks up an existing value. ok is false when none exists.
type LoadFunc[T any] func(ctx context.Context) (v T, ok bool, err error)

// CreateFunc computes and persists a new value.
type CreateFunc[T any] func(ctx context.Context) (T, error)

// Once deduplicates the creation of keyed values. Callers in the same
// process share one in-flight computation per key; callers across
// processes are serialized by the Locker and re-check under the lock.
type Once[T any] struct {
	group  singleflight.Group
	locker lock.Locker
	prefix string
}

// NewOnce creates a Once whose lock keys are prefixed with prefix.
func NewOnce[T any](locker lock.Locker, prefix string) *Once[T] {
	return &Once[T]{locker: locker, prefix: prefix}
}

type outcome[T any] struct {
	value   T
	created bool
}

// Do returns the value stored under key, creating it if load finds none.
// created reports whether this call's group ran create. Concurrent
// callers joining an in-flight computation observe the first caller's
// context.
func (o *Once[T]) Do(
	ctx context.Context,
	key string,
	load LoadFunc[T],
	create CreateFunc[T],
) (value T, created bool, err error) {
	res, err, _ := o.group.Do(key, func() (interface{}, error) {
		if v, ok, err := load(ctx); err != nil || ok {
			return outcome[T]{value: v}, err
		}

		release, err := o.locker.Acquire(ctx, o.prefix+key)
		if err != nil {
			return outcome[T]{}, &LockError{Key: key, Err: err}
		}
		defer release()

		if v, ok, err := load(ctx); err != nil || ok {
			return outcome[T]{value: v}, err
		}

		v, err := create(ctx)
		return outcome[T]{value: v, created: err == nil}, err
	})

	out, _ := res.(outcome[T])
	return out.value, out.created, err
}
