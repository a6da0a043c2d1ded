package pow

import (
	"golang.org/x/crypto/argon2"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
)

// Argon2Hasher computes every variant with Argon2id. Each variant and each
// RandomX seed gets its own salt, so the variants stay distinct functions.
type Argon2Hasher struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultArgon2Hasher is sized for devnets: a few milliseconds per hash.
func DefaultArgon2Hasher() Argon2Hasher {
	return Argon2Hasher{Time: 1, MemoryKiB: 8 * 1024, Threads: 1}
}

func (a Argon2Hasher) hash(data, salt []byte) crypto.Hash {
	var out crypto.Hash
	copy(out[:], argon2.IDKey(data, salt, a.Time, a.MemoryKiB, a.Threads, uint32(len(out))))
	return out
}

func (a Argon2Hasher) RxSlowHash(ctx RxContext, data []byte) (crypto.Hash, error) {
	salt := crypto.Keccak256([]byte(RandomX.String()), ctx.SeedHash[:])
	return a.hash(data, salt[:]), nil
}

func (a Argon2Hasher) CnSlowHash(data []byte, v Variant) (crypto.Hash, error) {
	salt := crypto.Keccak256([]byte(v.String()))
	return a.hash(data, salt[:]), nil
}
