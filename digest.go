package datastorex

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Digest algorithm names understood by ChunkDetail.Hashes
const (
	HashMD5     = "md5"
	HashSHA256  = "sha256"
	HashMurmur3 = "murmur3"
)

// DigestSet computes several digests over a single pass of the data
type DigestSet struct {
	hashes map[string]hash.Hash
}

// NewDigestSet creates a digest set for the given algorithms.
// With no arguments it tracks every supported algorithm.
func NewDigestSet(algorithms ...string) (*DigestSet, error) {
	if len(algorithms) == 0 {
		algorithms = []string{HashMD5, HashSHA256, HashMurmur3}
	}

	ds := &DigestSet{hashes: make(map[string]hash.Hash, len(algorithms))}
	for _, alg := range algorithms {
		h, err := newHash(alg)
		if err != nil {
			return nil, err
		}
		ds.hashes[strings.ToLower(alg)] = h
	}
	return ds, nil
}

func newHash(alg string) (hash.Hash, error) {
	switch strings.ToLower(alg) {
	case HashMD5:
		return md5.New(), nil
	case HashSHA256:
		return sha256.New(), nil
	case HashMurmur3:
		return murmur3.New128(), nil
	default:
		return nil, fmt.Errorf("%w: unknown hash algorithm %q", ErrUnsupported, alg)
	}
}

// Write feeds every tracked hash. It never fails.
func (d *DigestSet) Write(p []byte) (int, error) {
	for _, h := range d.hashes {
		h.Write(p)
	}
	return len(p), nil
}

// Sums returns hex digests keyed by algorithm
func (d *DigestSet) Sums() map[string]string {
	out := make(map[string]string, len(d.hashes))
	for alg, h := range d.hashes {
		out[alg] = hex.EncodeToString(h.Sum(nil))
	}
	return out
}

// Digests returns hex digests of data for the given algorithms
func Digests(data []byte, algorithms ...string) (map[string]string, error) {
	ds, err := NewDigestSet(algorithms...)
	if err != nil {
		return nil, err
	}
	_, _ = ds.Write(data)
	return ds.Sums(), nil
}

// VerifyChunk compares the digests a caller expects against the digests
// recorded when the chunk was written. Algorithms the provider did not
// record are rejected rather than skipped.
func VerifyChunk(chunk ChunkDetail, recorded map[string]string) error {
	for alg, want := range chunk.Hashes {
		got, ok := recorded[strings.ToLower(alg)]
		if !ok {
			return fmt.Errorf("%w: chunk %q: algorithm %q not recorded", ErrIntegrity, chunk.ID, alg)
		}
		if !strings.EqualFold(got, want) {
			return fmt.Errorf("%w: chunk %q: %s mismatch", ErrIntegrity, chunk.ID, alg)
		}
	}
	return nil
}
