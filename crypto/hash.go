package crypto

import (
	"golang.org/x/crypto/sha3"
)

// Keccak256 is the original (pre-NIST padding) Keccak-256, the chain's
// "fast hash".
func Keccak256(data ...[]byte) Hash {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

func hashPair(a, b Hash) Hash {
	return Keccak256(a[:], b[:])
}

// TreeHash computes the CryptoNote merkle root of hashes. The first level
// folds the surplus over the largest power of two below the count so every
// later level is a perfect binary tree.
func TreeHash(hashes []Hash) Hash {
	switch len(hashes) {
	case 0:
		return NullHash
	case 1:
		return hashes[0]
	case 2:
		return hashPair(hashes[0], hashes[1])
	}

	count := len(hashes)
	cnt := 1
	for cnt*2 < count {
		cnt *= 2
	}

	ints := make([]Hash, cnt)
	copy(ints, hashes[:2*cnt-count])
	for i, j := 2*cnt-count, 2*cnt-count; j < cnt; i, j = i+2, j+1 {
		ints[j] = hashPair(hashes[i], hashes[i+1])
	}
	for cnt > 2 {
		cnt /= 2
		for i, j := 0, 0; j < cnt; i, j = i+2, j+1 {
			ints[j] = hashPair(ints[i], ints[i+1])
		}
	}
	return hashPair(ints[0], ints[1])
}
