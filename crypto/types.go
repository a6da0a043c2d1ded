// Package crypto holds the fixed-size key and hash types of the chain and
// the primitives the consensus code relies on: Keccak hashing, the
// CryptoNote tree hash, ed25519 point checks, key derivation and
// single-key signatures.
package crypto

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Hash is a 32-byte Keccak digest. Hashes order lexicographically.
type Hash [32]byte

// ShortHash is the 8-byte payment id of integrated addresses.
type ShortHash [8]byte

// PublicKey is a compressed ed25519 point.
type PublicKey [32]byte

// SecretKey is a reduced ed25519 scalar.
type SecretKey [32]byte

// KeyImage is the linking tag of a spent output.
type KeyImage [32]byte

// KeyDerivation is the shared point 8·r·A of a transaction output.
type KeyDerivation [32]byte

// Signature is a (c, r) scalar pair.
type Signature [64]byte

// NullHash is the all-zero hash.
var NullHash Hash

func (h Hash) String() string      { return hex.EncodeToString(h[:]) }
func (h ShortHash) String() string { return hex.EncodeToString(h[:]) }
func (k PublicKey) String() string { return hex.EncodeToString(k[:]) }
func (k KeyImage) String() string  { return hex.EncodeToString(k[:]) }
func (s Signature) String() string { return hex.EncodeToString(s[:]) }

// IsZero reports whether h is the null hash.
func (h Hash) IsZero() bool { return h == NullHash }

// Less orders hashes by byte value.
func (h Hash) Less(o Hash) bool { return bytes.Compare(h[:], o[:]) < 0 }

// Compare orders key images by byte value, as required for tx inputs.
func (k KeyImage) Compare(o KeyImage) int { return bytes.Compare(k[:], o[:]) }

// IsZero reports whether the key is all zero bytes.
func (k PublicKey) IsZero() bool { return k == PublicKey{} }

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	return decodeHex(h[:], string(text))
}

// MarshalText implements encoding.TextMarshaler.
func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PublicKey) UnmarshalText(text []byte) error {
	return decodeHex(k[:], string(text))
}

// HashFromHex parses a 64 character hex string.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	err := decodeHex(h[:], s)
	return h, err
}

// PublicKeyFromHex parses a 64 character hex string.
func PublicKeyFromHex(s string) (PublicKey, error) {
	var k PublicKey
	err := decodeHex(k[:], s)
	return k, err
}

func decodeHex(dst []byte, s string) error {
	if len(s) != 2*len(dst) {
		return fmt.Errorf("invalid hex length: got %d, want %d", len(s), 2*len(dst))
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}
