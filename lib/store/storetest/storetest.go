// Package storetest holds the conformance suite every store backend must
// pass.
package storetest

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gasfree-labs/gasfree/lib/store"
)

func Common(t *testing.T, f store.Factory, config json.RawMessage) {
	if err := f.Valid(config); err != nil {
		t.Fatal(err)
	}

	s, err := f.Build(t.Context(), config)
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name string
		doer func(t *testing.T, s store.Interface) error
		err  error
	}{
		{
			name: "basic get set delete",
			doer: func(t *testing.T, s store.Interface) error {
				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to not exist in store but it exists anyways", t.Name())
				}

				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 5*time.Minute); err != nil {
					return err
				}

				val, err := s.Get(t.Context(), t.Name())
				if errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to exist in store but it does not: %v", t.Name(), err)
				} else if err != nil {
					t.Error(err)
				}

				if !bytes.Equal(val, []byte(t.Name())) {
					t.Logf("want: %q", t.Name())
					t.Logf("got:  %q", string(val))
					t.Error("wrong value returned")
				}

				if err := s.Delete(t.Context(), t.Name()); err != nil {
					return err
				}

				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Error("wanted test to not exist in store but it exists anyways")
				}

				if err := s.Delete(t.Context(), t.Name()); err == nil {
					t.Errorf("key %q does not exist and Delete did not return non-nil", t.Name())
				}

				return nil
			},
		},
		{
			name: "overwrite",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte("first"), time.Minute); err != nil {
					return err
				}

				if err := s.Set(t.Context(), t.Name(), []byte("second"), time.Minute); err != nil {
					return err
				}

				val, err := s.Get(t.Context(), t.Name())
				if err != nil {
					return err
				}

				if string(val) != "second" {
					t.Errorf("wanted the second value to win, got %q", string(val))
				}

				return nil
			},
		},
		{
			name: "expires",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 150*time.Millisecond); err != nil {
					return err
				}

				//nosleep:bypass backends keep their own wall clock
				time.Sleep(155 * time.Millisecond)

				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to not exist in store but it exists anyways", t.Name())
				}

				if _, err := s.Consume(t.Context(), t.Name(), func([]byte) bool { return true }); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted consume of expired %s to fail with ErrNotFound, got %v", t.Name(), err)
				}

				return nil
			},
		},
		{
			name: "consume keeps value when told to",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte("kept"), time.Minute); err != nil {
					return err
				}

				val, err := s.Consume(t.Context(), t.Name(), func(data []byte) bool {
					if string(data) != "kept" {
						t.Errorf("remove saw %q, wanted %q", string(data), "kept")
					}
					return false
				})
				if err != nil {
					return err
				}

				if string(val) != "kept" {
					t.Errorf("wanted consume to return %q, got %q", "kept", string(val))
				}

				if _, err := s.Get(t.Context(), t.Name()); err != nil {
					t.Errorf("value was removed even though remove returned false: %v", err)
				}

				return nil
			},
		},
		{
			name: "consume removes value",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte("taken"), time.Minute); err != nil {
					return err
				}

				val, err := s.Consume(t.Context(), t.Name(), func([]byte) bool { return true })
				if err != nil {
					return err
				}

				if string(val) != "taken" {
					t.Errorf("wanted consume to return %q, got %q", "taken", string(val))
				}

				_, err = s.Consume(t.Context(), t.Name(), func([]byte) bool { return true })
				return err
			},
			err: store.ErrNotFound,
		},
		{
			name: "consume missing key",
			doer: func(t *testing.T, s store.Interface) error {
				_, err := s.Consume(t.Context(), t.Name(), func([]byte) bool {
					t.Error("remove was called for a missing key")
					return true
				})
				return err
			},
			err: store.ErrNotFound,
		},
		{
			name: "concurrent consume has one winner",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte("prize"), time.Minute); err != nil {
					return err
				}

				var (
					wg      sync.WaitGroup
					winners atomic.Int32
					others  atomic.Int32
				)

				for range 16 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := s.Consume(t.Context(), t.Name(), func([]byte) bool { return true })
						switch {
						case err == nil:
							winners.Add(1)
						case !errors.Is(err, store.ErrNotFound):
							others.Add(1)
							t.Logf("unexpected consume error: %v", err)
						}
					}()
				}
				wg.Wait()

				if got := winners.Load(); got != 1 {
					t.Errorf("wanted exactly one consumer to win, got %d", got)
				}

				if got := others.Load(); got != 0 {
					t.Errorf("wanted losers to see ErrNotFound, %d saw something else", got)
				}

				return nil
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.doer(t, s); !errors.Is(err, tt.err) {
				t.Logf("want: %v", tt.err)
				t.Logf("got:  %v", err)
				t.Error("wrong error")
			}
		})
	}
}
