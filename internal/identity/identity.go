// ABOUTME: Client identity keypairs and opaque member addresses
// ABOUTME: Addresses compare case-insensitively; key bundles round-trip a client identity

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidBundle is returned when a key bundle cannot be decoded.
var ErrInvalidBundle = errors.New("invalid key bundle")

// Identity is a client's cryptographic identity. The address is derived
// from the public key and uniquely identifies a member on the network.
type Identity struct {
	address string
	priv    ed25519.PrivateKey
}

// NewRandom generates a fresh identity keypair.
func NewRandom() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating identity key: %w", err)
	}
	return &Identity{
		address: AddressFromPublicKey(pub),
		priv:    priv,
	}, nil
}

// FromKeyBundle reconstructs an identity from an exported bundle.
func FromKeyBundle(bundle string) (*Identity, error) {
	seed, err := base64.StdEncoding.DecodeString(bundle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidBundle, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{
		address: AddressFromPublicKey(priv.Public().(ed25519.PublicKey)),
		priv:    priv,
	}, nil
}

// Address returns the display form of this identity's address.
func (i *Identity) Address() string {
	return i.address
}

// ExportKeyBundle serializes the identity for later reconstruction with
// FromKeyBundle. The bundle contains the private seed and must be treated
// as a secret.
func (i *Identity) ExportKeyBundle() string {
	return base64.StdEncoding.EncodeToString(i.priv.Seed())
}

// AddressFromPublicKey derives the member address for a public key:
// "0x" plus the first 20 bytes of the key's SHA-256 digest, hex encoded.
func AddressFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "0x" + hex.EncodeToString(sum[:20])
}

// Equal reports whether two addresses identify the same member.
// Comparison is case-insensitive; storage keeps the display casing.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Normalize returns the canonical (lowercased) form of an address,
// used for map keys and database lookups.
func Normalize(addr string) string {
	return strings.ToLower(addr)
}

// Contains reports whether addrs includes addr, comparing case-insensitively.
func Contains(addrs []string, addr string) bool {
	for _, a := range addrs {
		if Equal(a, addr) {
			return true
		}
	}
	return false
}
