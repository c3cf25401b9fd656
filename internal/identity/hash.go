// Package identity computes the stable per-node hashes used both as the
// freshness key of a node's tags and as its lock key.
package identity

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/minio/highwayhash"
)

var key = []byte("deptags:identity:highwayhash:key")

// Hash identifies a node's source content or version. Equal hashes are
// treated as the same node for caching and locking.
type Hash uint64

// String renders the hash as 16 lowercase hex digits; this is also the lock
// file name.
func (h Hash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// ParseHash parses the String form of a Hash.
func ParseHash(s string) (Hash, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("invalid hash %q: expected 16 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return Hash(v), nil
}

// Sum hashes the given parts. Each part is length-prefixed so that
// ("ab", "c") and ("a", "bc") hash differently.
func Sum(parts ...string) Hash {
	h, err := highwayhash.New64(key)
	if err != nil {
		// only possible with a key that is not 32 bytes long
		panic(err)
	}
	var size [8]byte
	for _, part := range parts {
		binary.LittleEndian.PutUint64(size[:], uint64(len(part)))
		h.Write(size[:])
		h.Write([]byte(part))
	}
	return Hash(h.Sum64())
}

// Combine derives a build key from a node's own hash, a configuration salt
// and the build keys of its direct dependencies, in order.
func Combine(own Hash, salt string, deps ...Hash) Hash {
	parts := make([]string, 0, len(deps)+3)
	parts = append(parts, "build", own.String(), salt)
	for _, dep := range deps {
		parts = append(parts, dep.String())
	}
	return Sum(parts...)
}
