package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gasfree-labs/gasfree/lib/store"
	_ "github.com/gasfree-labs/gasfree/lib/store/all"
)

var (
	ErrNoStoreBackend      = errors.New("config.Store: no backend defined")
	ErrUnknownStoreBackend = errors.New("config.Store: unknown backend")
)

// Store names a storage backend and its backend-specific parameters.
type Store struct {
	Backend    string          `json:"backend"`
	Parameters json.RawMessage `json:"parameters"`
}

func (s *Store) Valid() error {
	var errs []error

	if len(s.Backend) == 0 {
		errs = append(errs, ErrNoStoreBackend)
	}

	fac, ok := store.Get(s.Backend)
	switch ok {
	case true:
		if err := fac.Valid(s.Parameters); err != nil {
			errs = append(errs, err)
		}
	case false:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownStoreBackend, s.Backend))
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Open builds the configured backend. Background work started by the
// backend stops when ctx is cancelled.
func (s *Store) Open(ctx context.Context) (store.Interface, error) {
	return store.Open(ctx, s.Backend, s.Parameters)
}

// Same reports whether s and other name the same backend with the same
// parameters. Stores that are the Same must be opened once and shared,
// since backends like bbolt hold an exclusive lock on their file.
func (s *Store) Same(other *Store) bool {
	if s.Backend != other.Backend {
		return false
	}

	return bytes.Equal(compactParameters(s.Parameters), compactParameters(other.Parameters))
}

func compactParameters(params json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, params); err != nil {
		return params
	}

	switch buf.String() {
	case "", "null", "{}":
		return nil
	}

	return buf.Bytes()
}
