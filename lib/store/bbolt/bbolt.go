package bbolt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gasfree-labs/gasfree/lib/store"
	"go.etcd.io/bbolt"
)

// Sentinel error values used for testing and in admin-visible error messages.
var (
	ErrBucketDoesNotExist = errors.New("bbolt: bucket does not exist")
	ErrNotExists          = errors.New("bbolt: value does not exist in store")
)

// CleanupInterval is how often expired buckets are removed from disk.
const CleanupInterval = 5 * time.Minute

// Store implements store.Interface backed by bbolt[1].
//
// Every value in the store is given its own bucket with two keys:
//
// 1. data - The raw data, usually in JSON
// 2. expiry - The expiry time formatted as a time.RFC3339Nano timestamp string
//
// This allows the cleanup phase to iterate over every bucket in the database
// and only scan the expiry times without having to decode the entire record.
//
// bbolt takes an exclusive file lock, so only one gasfree process can use a
// given database. For shared sessions across replicas, use the valkey
// storage backend.
//
// [1]: https://github.com/etcd-io/bbolt
type Store struct {
	bdb *bbolt.DB
}

// Delete a key from the datastore. If the key does not exist, return an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(key)) == nil {
			return fmt.Errorf("%w: %w: %q", store.ErrNotFound, ErrNotExists, key)
		}

		return tx.DeleteBucket([]byte(key))
	})
}

// readBucket returns a copy of the data in a value bucket and whether it has
// expired as of now.
func readBucket(key string, itemBucket *bbolt.Bucket, now time.Time) ([]byte, bool, error) {
	expiryStr := itemBucket.Get([]byte("expiry"))
	if expiryStr == nil {
		return nil, false, fmt.Errorf("[unexpected] %w: %q (expiry is nil)", store.ErrNotFound, key)
	}

	expiry, err := time.Parse(time.RFC3339Nano, string(expiryStr))
	if err != nil {
		return nil, false, fmt.Errorf("[unexpected] %w: %w", store.ErrCantDecode, err)
	}

	if now.After(expiry) {
		return nil, true, nil
	}

	dataStr := itemBucket.Get([]byte("data"))
	if dataStr == nil {
		return nil, false, fmt.Errorf("[unexpected] %w: %q (data is nil)", store.ErrNotFound, key)
	}

	// bbolt memory is only valid for the life of the transaction.
	result := make([]byte, len(dataStr))
	copy(result, dataStr)

	return result, false, nil
}

// Get a value from the datastore. Expired values are reported as not found
// and removed in the background.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte

	if err := s.bdb.View(func(tx *bbolt.Tx) error {
		itemBucket := tx.Bucket([]byte(key))
		if itemBucket == nil {
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		data, expired, err := readBucket(key, itemBucket, time.Now())
		if err != nil {
			return err
		}

		if expired {
			go s.Delete(context.Background(), key)
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		result = data
		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// Set a value into the store with a given expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	expires := time.Now().Add(expiry)

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		valueBkt, err := tx.CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return fmt.Errorf("%w: %w: %q (create bucket)", store.ErrCantEncode, err, key)
		}

		if err := valueBkt.Put([]byte("expiry"), []byte(expires.Format(time.RFC3339Nano))); err != nil {
			return fmt.Errorf("%w: %q (expiry)", store.ErrCantEncode, key)
		}

		if err := valueBkt.Put([]byte("data"), value); err != nil {
			return fmt.Errorf("%w: %q (data)", store.ErrCantEncode, key)
		}

		return nil
	})
}

// Consume reads and conditionally deletes a value inside a single read-write
// transaction. bbolt allows one writer at a time, which makes the whole
// operation atomic with respect to other Consume calls.
func (s *Store) Consume(ctx context.Context, key string, remove func([]byte) bool) ([]byte, error) {
	var (
		result []byte
		gone   bool
	)

	if err := s.bdb.Update(func(tx *bbolt.Tx) error {
		itemBucket := tx.Bucket([]byte(key))
		if itemBucket == nil {
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		data, expired, err := readBucket(key, itemBucket, time.Now())
		if err != nil {
			return err
		}

		if expired {
			if err := tx.DeleteBucket([]byte(key)); err != nil {
				return fmt.Errorf("can't delete expired bucket %q: %w", key, err)
			}
			// Returning an error would roll back the deletion.
			gone = true
			return nil
		}

		result = data
		if remove(data) {
			return tx.DeleteBucket([]byte(key))
		}

		return nil
	}); err != nil {
		return nil, err
	}

	if gone {
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	return result, nil
}

func (s *Store) cleanup(ctx context.Context) error {
	now := time.Now()

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		var expired [][]byte

		if err := tx.ForEach(func(key []byte, valueBkt *bbolt.Bucket) error {
			expiryStr := valueBkt.Get([]byte("expiry"))
			if expiryStr == nil {
				slog.Warn("while running cleanup, expiry is not set somehow, file a bug?", "key", string(key))
				return nil
			}

			expiry, err := time.Parse(time.RFC3339Nano, string(expiryStr))
			if err != nil {
				return fmt.Errorf("[unexpected] %w in bucket %q: %w", store.ErrCantDecode, string(key), err)
			}

			if now.After(expiry) {
				expired = append(expired, append([]byte(nil), key...))
			}

			return nil
		}); err != nil {
			return err
		}

		// Buckets can't be deleted while ForEach is iterating over them.
		for _, key := range expired {
			if err := tx.DeleteBucket(key); err != nil {
				return fmt.Errorf("can't delete expired bucket %q: %w", string(key), err)
			}
		}

		if len(expired) != 0 {
			slog.Debug("bbolt cleanup removed expired values", "count", len(expired))
		}

		return nil
	})
}

func (s *Store) cleanupThread(ctx context.Context) {
	t := time.NewTicker(CleanupInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.bdb.Close(); err != nil {
				slog.Error("can't close bbolt database", "err", err)
			}
			return
		case <-t.C:
			if err := s.cleanup(ctx); err != nil {
				slog.Error("error during bbolt cleanup", "err", err)
			}
		}
	}
}
