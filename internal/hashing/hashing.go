// Package hashing implements the keyed one-way hashers used for research
// IDs and change detection.
//
// Three hashers are always present: primary (PID→RID), master (MPID→MRID)
// and change (row content hashes). Extra hashers may be declared in config
// and referenced by tag from the data dictionary's hash alter method.
package hashing

import (
	"crypto/hmac"
	"crypto/md5" // #nosec G501 -- HMAC-MD5 is an accepted keyed-hash option here, not a signature scheme
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// Algorithm selects the HMAC construction for a hasher.
type Algorithm string

const (
	HMACMD5    Algorithm = "HMAC_MD5"
	HMACSHA256 Algorithm = "HMAC_SHA256"
	HMACSHA512 Algorithm = "HMAC_SHA512"
)

// ParseAlgorithm maps a config string to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case HMACMD5, HMACSHA256, HMACSHA512:
		return Algorithm(s), nil
	}
	return "", fmt.Errorf("unknown hash algorithm %q", s)
}

// A Hasher produces a fixed-length lowercase hex digest of its input.
// Equal inputs always produce equal digests for the same key.
type Hasher interface {
	Hash(text string) string
	// OutputLen is the digest length in hex characters. Destination RID,
	// MRID and source-hash columns are sized to this width.
	OutputLen() int
}

type hmacHasher struct {
	algo Algorithm
	key  []byte
	size int // hex chars
}

// NewHMACHasher builds a keyed hasher. An empty key is a configuration
// error: research IDs generated with a guessable key are reversible.
func NewHMACHasher(algo Algorithm, key string) (Hasher, error) {
	if key == "" {
		return nil, fmt.Errorf("hasher %s: empty key", algo)
	}
	var size int
	switch algo {
	case HMACMD5:
		size = 32
	case HMACSHA256:
		size = 64
	case HMACSHA512:
		size = 128
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", algo)
	}
	return &hmacHasher{algo: algo, key: []byte(key), size: size}, nil
}

func (h *hmacHasher) newMAC() hash.Hash {
	switch h.algo {
	case HMACMD5:
		return hmac.New(md5.New, h.key)
	case HMACSHA512:
		return hmac.New(sha512.New, h.key)
	default:
		return hmac.New(sha256.New, h.key)
	}
}

func (h *hmacHasher) Hash(text string) string {
	mac := h.newMAC()
	mac.Write([]byte(text))
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *hmacHasher) OutputLen() int { return h.size }

// DigestHasher is the keyed BLAKE2b hasher used for scrubber fingerprints.
// Only equality of digests matters, so the algorithm is not configurable.
type DigestHasher struct {
	key []byte
}

// NewDigestHasher builds the scrubber-digest hasher. BLAKE2b accepts keys
// up to 64 bytes; longer keys are pre-hashed down.
func NewDigestHasher(key string) (*DigestHasher, error) {
	if key == "" {
		return nil, fmt.Errorf("digest hasher: empty key")
	}
	k := []byte(key)
	if len(k) > 64 {
		sum := sha256.Sum256(k)
		k = sum[:]
	}
	return &DigestHasher{key: k}, nil
}

// Hash returns the 64-char lowercase hex BLAKE2b-256 digest of text.
func (d *DigestHasher) Hash(text string) string {
	h, _ := blake2b.New256(d.key)
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Set bundles the run's hashers by purpose.
type Set struct {
	Primary Hasher // PID → RID
	Master  Hasher // MPID → MRID
	Change  Hasher // row content and scrubber-source change detection
	Digest  *DigestHasher
	Extra   map[string]Hasher // by tag, for hash alter methods
}

// ExtraHasher returns the named extra hasher, or an error naming the tag.
func (s *Set) ExtraHasher(tag string) (Hasher, error) {
	h, ok := s.Extra[tag]
	if !ok {
		return nil, fmt.Errorf("no hasher declared with tag %q", tag)
	}
	return h, nil
}
