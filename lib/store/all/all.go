// Package all registers every store backend. Import it for its side
// effects wherever a backend is picked by name from configuration.
package all

import (
	_ "github.com/gasfree-labs/gasfree/lib/store/bbolt"
	_ "github.com/gasfree-labs/gasfree/lib/store/memory"
	_ "github.com/gasfree-labs/gasfree/lib/store/valkey"
)
