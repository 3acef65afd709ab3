// Package store defines the key/value storage that gasfree keeps challenge
// sessions and verification journals in, along with a registry of
// pluggable backends.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when the store implementation cannot find the value
	// for a given key.
	ErrNotFound = errors.New("store: key not found")

	// ErrCantDecode is returned when a store adaptor cannot decode the store format
	// to a value used by the code.
	ErrCantDecode = errors.New("store: can't decode value")

	// ErrCantEncode is returned when a store adaptor cannot encode the value into
	// the format that the store uses.
	ErrCantEncode = errors.New("store: can't encode value")

	// ErrBadConfig is returned when a store adaptor's configuration is invalid.
	ErrBadConfig = errors.New("store: configuration is invalid")
)

// Interface defines the calls that gasfree uses for storage in a local or
// remote datastore. This can be implemented with an in-memory, on-disk, or
// in-database storage backend.
type Interface interface {
	// Delete removes a value from the store by key.
	Delete(ctx context.Context, key string) error

	// Get returns the value of a key assuming that value exists and has not expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set puts a value into the store that expires according to its expiry.
	Set(ctx context.Context, key string, value []byte, expiry time.Duration) error

	// Consume reads the value of key and hands it to remove. If remove
	// returns true the key is deleted in the same atomic operation as the
	// read. For a given stored value at most one concurrent Consume call
	// can observe it and delete it. Missing or expired keys yield
	// ErrNotFound and remove is not called.
	Consume(ctx context.Context, key string, remove func([]byte) bool) ([]byte, error)
}

func z[T any]() T { return *new(T) }

// JSON wraps an Interface and stores values of T encoded as JSON, with an
// optional key prefix so that several logical tables can share one backend.
type JSON[T any] struct {
	Underlying Interface
	Prefix     string
}

func (j *JSON[T]) key(key string) string {
	if j.Prefix != "" {
		return j.Prefix + key
	}
	return key
}

func (j *JSON[T]) Delete(ctx context.Context, key string) error {
	return j.Underlying.Delete(ctx, j.key(key))
}

func (j *JSON[T]) Get(ctx context.Context, key string) (T, error) {
	data, err := j.Underlying.Get(ctx, j.key(key))
	if err != nil {
		return z[T](), err
	}

	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return z[T](), fmt.Errorf("%w: %w", ErrCantDecode, err)
	}

	return result, nil
}

func (j *JSON[T]) Set(ctx context.Context, key string, value T, expiry time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCantEncode, err)
	}

	if err := j.Underlying.Set(ctx, j.key(key), data, expiry); err != nil {
		return err
	}

	return nil
}

// Consume decodes the stored value and passes it to remove. Values that
// cannot be decoded are deleted and reported as ErrCantDecode.
func (j *JSON[T]) Consume(ctx context.Context, key string, remove func(T) bool) (T, error) {
	var (
		result    T
		decodeErr error
	)

	if _, err := j.Underlying.Consume(ctx, j.key(key), func(data []byte) bool {
		result = z[T]()
		if err := json.Unmarshal(data, &result); err != nil {
			decodeErr = fmt.Errorf("%w: %w", ErrCantDecode, err)
			return true
		}
		decodeErr = nil
		return remove(result)
	}); err != nil {
		return z[T](), err
	}

	if decodeErr != nil {
		return z[T](), decodeErr
	}

	return result, nil
}
