// Package types defines the core entities witnessed by the aggregator: hash
// imprints, commitments, aggregator records, blocks and block records.
package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

// HashAlgorithm tags a digest with the algorithm that produced it.
type HashAlgorithm uint16

// Supported hash algorithms.
const (
	Sha256 HashAlgorithm = 0x0000
)

// ImprintTagSize is the number of leading algorithm tag bytes in an imprint.
const ImprintTagSize = 2

func (a HashAlgorithm) String() string {
	switch a {
	case Sha256:
		return "SHA-256"
	default:
		return "UNKNOWN"
	}
}

// digestSize returns the digest length of the algorithm, or 0 when unknown.
func (a HashAlgorithm) digestSize() int {
	if a == Sha256 {
		return sha256.Size
	}
	return 0
}

// Imprint is an algorithm-tagged digest: two big-endian tag bytes followed
// by the raw digest. Equality is tag-and-bytes.
type Imprint []byte

// NewImprint tags the given digest.
func NewImprint(algo HashAlgorithm, digest []byte) Imprint {
	out := make(Imprint, ImprintTagSize+len(digest))
	binary.BigEndian.PutUint16(out[:ImprintTagSize], uint16(algo))
	copy(out[ImprintTagSize:], digest)
	return out
}

// Sha256Imprint hashes the concatenation of the given chunks and returns the
// tagged result.
func Sha256Imprint(chunks ...[]byte) Imprint {
	h := sha256.New()
	for _, c := range chunks {
		h.Write(c)
	}
	return NewImprint(Sha256, h.Sum(nil))
}

// ImprintFromHex parses a hex string, with or without 0x prefix.
func ImprintFromHex(s string) (Imprint, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "invalid imprint hex")
	}
	im := Imprint(b)
	if err := im.Validate(); err != nil {
		return nil, err
	}
	return im, nil
}

// Algorithm returns the tag of the imprint. Call Validate first on untrusted
// input.
func (i Imprint) Algorithm() HashAlgorithm {
	return HashAlgorithm(binary.BigEndian.Uint16(i[:ImprintTagSize]))
}

// Digest returns the raw digest bytes without the tag.
func (i Imprint) Digest() []byte {
	return i[ImprintTagSize:]
}

// Validate checks the tag is known and the digest has the expected length.
func (i Imprint) Validate() error {
	if len(i) < ImprintTagSize {
		return errors.New("imprint shorter than algorithm tag")
	}
	algo := i.Algorithm()
	size := algo.digestSize()
	if size == 0 {
		return errors.Errorf("unknown hash algorithm tag 0x%04x", uint16(algo))
	}
	if len(i.Digest()) != size {
		return errors.Errorf("%s imprint digest must be %d bytes, got %d", algo, size, len(i.Digest()))
	}
	return nil
}

// Equal reports tag-and-bytes equality.
func (i Imprint) Equal(other Imprint) bool {
	return bytes.Equal(i, other)
}

// Big returns the 256-bit big-endian numeric value of the digest. It is the
// SMT path of a request id.
func (i Imprint) Big() *big.Int {
	return new(big.Int).SetBytes(i.Digest())
}

func (i Imprint) String() string {
	return "0x" + hex.EncodeToString(i)
}

// MarshalJSON encodes the imprint as a 0x-prefixed hex string.
func (i Imprint) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

// UnmarshalJSON decodes and validates a hex-encoded imprint.
func (i *Imprint) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "imprint must be a hex string")
	}
	im, err := ImprintFromHex(s)
	if err != nil {
		return err
	}
	*i = im
	return nil
}
