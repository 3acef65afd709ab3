package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// SHA256sum computes a cryptographic hash. Used where the digest ends up in
// a store key derived from caller-supplied text.
func SHA256sum(text string) string {
	hash := sha256.New()
	hash.Write([]byte(text))
	return hex.EncodeToString(hash.Sum(nil))
}

// FastHash is a non-cryptographic hash used to give classifier rules a
// stable identity in logs and metrics.
func FastHash(text string) string {
	h := xxhash.Sum64String(text)
	return strconv.FormatUint(h, 16)
}
