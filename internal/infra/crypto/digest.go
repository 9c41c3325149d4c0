package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	DigestSHA256 = "sha256"
	DigestBLAKE3 = "blake3"
)

// Digester produces the content hash used for record hashes and manifest
// entries. Every implementation yields a 256-bit digest so the ledger genesis
// sentinel stays the same regardless of the configured algorithm.
type Digester interface {
	Name() string
	Sum(input []byte) string
	Size() int
}

type sha256Digester struct{}

func (sha256Digester) Name() string { return DigestSHA256 }

func (sha256Digester) Size() int { return sha256.Size }

func (sha256Digester) Sum(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

type blake3Digester struct{}

func (blake3Digester) Name() string { return DigestBLAKE3 }

func (blake3Digester) Size() int { return 32 }

func (blake3Digester) Sum(input []byte) string {
	sum := blake3.Sum256(input)
	return hex.EncodeToString(sum[:])
}

var (
	SHA256 Digester = sha256Digester{}
	BLAKE3 Digester = blake3Digester{}
)

func NewDigester(name string) (Digester, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DigestSHA256:
		return SHA256, nil
	case DigestBLAKE3:
		return BLAKE3, nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", name)
	}
}

// ZeroDigest is the genesis sentinel for d: the all-zero hex digest.
func ZeroDigest(d Digester) string {
	if d == nil {
		d = SHA256
	}
	return strings.Repeat("0", d.Size()*2)
}

// ContentHash is the canonical-bytes hash helper shared by the ledger and the
// manifest builder.
func ContentHash(d Digester, value any) (string, []byte, error) {
	if d == nil {
		d = SHA256
	}
	canonical, err := CanonicalizeAny(value)
	if err != nil {
		return "", nil, err
	}
	return d.Sum(canonical), canonical, nil
}
