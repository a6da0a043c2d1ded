package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

var (
	ErrInvalidPoint  = errors.New("invalid curve point")
	ErrInvalidScalar = errors.New("invalid scalar")
)

var (
	scalarOne      = mustScalar([32]byte{1})
	scalarMinusOne = edwards25519.NewScalar().Negate(scalarOne)
)

func mustScalar(b [32]byte) *edwards25519.Scalar {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b[:])
	if err != nil {
		panic(err)
	}
	return s
}

// reduce32 interprets b as a little-endian 256-bit integer and reduces it
// modulo the group order.
func reduce32(b []byte) *edwards25519.Scalar {
	var wide [64]byte
	copy(wide[:], b)
	s, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		panic(err)
	}
	return s
}

// HashToScalar hashes data and reduces the digest to a scalar.
func HashToScalar(data ...[]byte) [32]byte {
	h := Keccak256(data...)
	var out [32]byte
	copy(out[:], reduce32(h[:]).Bytes())
	return out
}

func decodePoint(b [32]byte) (*edwards25519.Point, error) {
	p, err := new(edwards25519.Point).SetBytes(b[:])
	if err != nil {
		return nil, ErrInvalidPoint
	}
	return p, nil
}

// CheckKey reports whether pk decodes to a point on the curve.
func CheckKey(pk PublicKey) bool {
	_, err := decodePoint(pk)
	return err == nil
}

// KeyImageInMainSubgroup reports whether ki is a valid point of the prime
// order subgroup. Key images with a torsion component would allow the same
// output to be spent under several images.
func KeyImageInMainSubgroup(ki KeyImage) bool {
	p, err := decodePoint(ki)
	if err != nil {
		return false
	}
	// (l-1)·P + P == l·P == identity iff P has no torsion component.
	q := new(edwards25519.Point).ScalarMult(scalarMinusOne, p)
	q.Add(q, p)
	return q.Equal(edwards25519.NewIdentityPoint()) == 1
}

// SecretKeyToPublicKey returns sec·G.
func SecretKeyToPublicKey(sec SecretKey) (PublicKey, error) {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(sec[:])
	if err != nil {
		return PublicKey{}, ErrInvalidScalar
	}
	var pk PublicKey
	copy(pk[:], new(edwards25519.Point).ScalarBaseMult(s).Bytes())
	return pk, nil
}

// GenerateKeys returns a random keypair.
func GenerateKeys() (PublicKey, SecretKey, error) {
	var seed [64]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return PublicKey{}, SecretKey{}, fmt.Errorf("failed to read entropy: %w", err)
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(seed[:])
	if err != nil {
		return PublicKey{}, SecretKey{}, err
	}
	var sec SecretKey
	copy(sec[:], s.Bytes())
	pub, err := SecretKeyToPublicKey(sec)
	return pub, sec, err
}

// DeterministicKeypairFromHeight is the well-known keypair miner
// transactions use for their tx public key: the secret is the little-endian
// height.
func DeterministicKeypairFromHeight(height uint64) (PublicKey, SecretKey) {
	var sec SecretKey
	binary.LittleEndian.PutUint64(sec[:8], height)
	pub, err := SecretKeyToPublicKey(sec)
	if err != nil {
		// A little-endian uint64 is always below the group order.
		panic(err)
	}
	return pub, sec
}

// GenerateKeyDerivation computes 8·sec·pub.
func GenerateKeyDerivation(pub PublicKey, sec SecretKey) (KeyDerivation, error) {
	p, err := decodePoint(pub)
	if err != nil {
		return KeyDerivation{}, err
	}
	s, err := edwards25519.NewScalar().SetCanonicalBytes(sec[:])
	if err != nil {
		return KeyDerivation{}, ErrInvalidScalar
	}
	d := new(edwards25519.Point).ScalarMult(s, p)
	d.MultByCofactor(d)

	var out KeyDerivation
	copy(out[:], d.Bytes())
	return out, nil
}

// DerivationToScalar is Hs(derivation || varint(index)).
func DerivationToScalar(d KeyDerivation, index uint64) [32]byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], index)
	return HashToScalar(d[:], buf[:n])
}

// DerivePublicKey computes Hs(derivation || index)·G + base, the one-time
// output key paid to base.
func DerivePublicKey(d KeyDerivation, index uint64, base PublicKey) (PublicKey, error) {
	b, err := decodePoint(base)
	if err != nil {
		return PublicKey{}, err
	}
	sb := DerivationToScalar(d, index)
	s := mustScalar(sb)
	p := new(edwards25519.Point).ScalarBaseMult(s)
	p.Add(p, b)

	var out PublicKey
	copy(out[:], p.Bytes())
	return out, nil
}

// GenerateSignature signs prefixHash with sec, whose public key is pub.
func GenerateSignature(prefixHash Hash, pub PublicKey, sec SecretKey) (Signature, error) {
	x, err := edwards25519.NewScalar().SetCanonicalBytes(sec[:])
	if err != nil {
		return Signature{}, ErrInvalidScalar
	}
	var seed [64]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return Signature{}, fmt.Errorf("failed to read entropy: %w", err)
	}
	k, err := edwards25519.NewScalar().SetUniformBytes(seed[:])
	if err != nil {
		return Signature{}, err
	}
	comm := new(edwards25519.Point).ScalarBaseMult(k)
	cb := HashToScalar(prefixHash[:], pub[:], comm.Bytes())
	c := mustScalar(cb)
	r := edwards25519.NewScalar().Subtract(k, edwards25519.NewScalar().Multiply(c, x))

	var sig Signature
	copy(sig[:32], c.Bytes())
	copy(sig[32:], r.Bytes())
	return sig, nil
}

// CheckSignature verifies a signature produced by GenerateSignature.
func CheckSignature(prefixHash Hash, pub PublicKey, sig Signature) bool {
	p, err := decodePoint(pub)
	if err != nil {
		return false
	}
	c, err := edwards25519.NewScalar().SetCanonicalBytes(sig[:32])
	if err != nil {
		return false
	}
	r, err := edwards25519.NewScalar().SetCanonicalBytes(sig[32:])
	if err != nil {
		return false
	}
	comm := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(c, p, r)
	if comm.Equal(edwards25519.NewIdentityPoint()) == 1 {
		return false
	}
	want := HashToScalar(prefixHash[:], pub[:], comm.Bytes())
	return mustScalar(want).Equal(c) == 1
}

// amountBase is H, the second Pedersen commitment generator.
var amountBase = func() *edwards25519.Point {
	h, err := PublicKeyFromHex("8b655970153799af2aeadc9ff1add0ea6c7251d54154cfa92c173a0dd39c1f94")
	if err != nil {
		panic(err)
	}
	p, err := decodePoint(h)
	if err != nil {
		panic(err)
	}
	return p
}()

// ZeroCommit is the commitment to amount with a unit mask, G + amount·H.
// Cleartext outputs are given this commitment so they can sit in RingCT
// rings.
func ZeroCommit(amount uint64) PublicKey {
	var b [32]byte
	binary.LittleEndian.PutUint64(b[:8], amount)
	p := new(edwards25519.Point).ScalarMult(mustScalar(b), amountBase)
	p.Add(p, edwards25519.NewGeneratorPoint())
	var out PublicKey
	copy(out[:], p.Bytes())
	return out
}
