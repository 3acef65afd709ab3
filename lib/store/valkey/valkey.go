package valkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gasfree-labs/gasfree/lib/store"
	valkey "github.com/redis/go-redis/v9"
)

// consumeRetries bounds how often Consume retries when another client
// touched the key between WATCH and EXEC.
const consumeRetries = 8

type Store struct {
	rdb *valkey.Client
}

func (s *Store) Delete(ctx context.Context, key string) error {
	n, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("can't delete from valkey: %w", err)
	}

	switch n {
	case 0:
		return fmt.Errorf("%w: %d key(s) deleted", store.ErrNotFound, n)
	default:
		return nil
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, fmt.Errorf("%w: %w", store.ErrNotFound, err)
		}

		return nil, fmt.Errorf("can't fetch from valkey: %w", err)
	}

	return result, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	if _, err := s.rdb.Set(ctx, key, value, expiry).Result(); err != nil {
		return fmt.Errorf("can't set %q in valkey: %w", key, err)
	}

	return nil
}

// Consume uses optimistic locking: the key is WATCHed, read, and deleted in a
// MULTI/EXEC block. If another client changes the key in between, EXEC
// aborts and the whole read is retried, so two clients can never both
// delete the same value.
func (s *Store) Consume(ctx context.Context, key string, remove func([]byte) bool) ([]byte, error) {
	var result []byte

	txf := func(tx *valkey.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, valkey.Nil) {
				return fmt.Errorf("%w: %w", store.ErrNotFound, err)
			}
			return fmt.Errorf("can't fetch from valkey: %w", err)
		}

		result = val
		if !remove(val) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe valkey.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	for range consumeRetries {
		err := s.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, valkey.TxFailedErr):
			continue
		default:
			return nil, err
		}
	}

	return nil, fmt.Errorf("can't consume %q from valkey: too much contention", key)
}
