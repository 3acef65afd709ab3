package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gasfree-labs/gasfree/lib/store"
	"go.etcd.io/bbolt"
)

var (
	ErrMissingPath     = errors.New("bbolt: path is missing from config")
	ErrCantWriteToPath = errors.New("bbolt: can't write to path")
	ErrBadLockTimeout  = errors.New("bbolt: lockTimeout is not a valid duration")
)

// DefaultLockTimeout is how long Build waits for the database file lock
// when the configuration does not say otherwise.
const DefaultLockTimeout = 5 * time.Second

func init() {
	store.Register("bbolt", Factory{})
}

// Factory builds new instances of the bbolt storage backend according to
// configuration passed via a json.RawMessage.
type Factory struct{}

// Build parses and validates the bbolt storage backend Config and creates
// a new instance of it. The database is closed when ctx is cancelled.
func (Factory) Build(ctx context.Context, data json.RawMessage) (store.Interface, error) {
	config, err := parseConfig(data)
	if err != nil {
		return nil, err
	}

	bdb, err := bbolt.Open(config.Path, 0600, &bbolt.Options{Timeout: config.lockTimeout()})
	if err != nil {
		return nil, fmt.Errorf("can't open bbolt database %s: %w", config.Path, err)
	}

	result := &Store{
		bdb: bdb,
	}

	go result.cleanupThread(ctx)

	return result, nil
}

// Valid parses and validates the bbolt store Config or returns
// an error.
func (Factory) Valid(data json.RawMessage) error {
	_, err := parseConfig(data)
	return err
}

func parseConfig(data json.RawMessage) (*Config, error) {
	var config Config
	if err := json.Unmarshal([]byte(data), &config); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrBadConfig, err)
	}

	if err := config.Valid(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrBadConfig, err)
	}

	return &config, nil
}

// Config is the bbolt storage backend configuration.
type Config struct {
	// Path is the filesystem path of the database. The folder must be writable by gasfree.
	Path string `json:"path"`

	// LockTimeout is how long to wait for the file lock, as a Go duration
	// string. Empty means DefaultLockTimeout.
	LockTimeout string `json:"lockTimeout,omitempty"`
}

func (c Config) lockTimeout() time.Duration {
	if c.LockTimeout == "" {
		return DefaultLockTimeout
	}

	// Already checked by Valid.
	d, _ := time.ParseDuration(c.LockTimeout)
	return d
}

// Valid validates the configuration including checking if its containing folder is writable.
func (c Config) Valid() error {
	var errs []error

	if c.Path == "" {
		errs = append(errs, ErrMissingPath)
	} else {
		dir := filepath.Dir(c.Path)
		if err := os.WriteFile(filepath.Join(dir, ".test-file"), []byte(""), 0600); err != nil {
			errs = append(errs, ErrCantWriteToPath)
		}
		os.Remove(filepath.Join(dir, ".test-file"))
	}

	if c.LockTimeout != "" {
		if d, err := time.ParseDuration(c.LockTimeout); err != nil || d < 0 {
			errs = append(errs, ErrBadLockTimeout)
		}
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}
