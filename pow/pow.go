// Package pow selects and evaluates the proof-of-work function of a mined
// block and computes the difficulty the next block must meet.
//
// The slow hash functions themselves are external: callers supply a Hasher.
// Argon2Hasher is a software backend used on private networks and in tests.
package pow

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/logging"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

var log = logging.Category("pow")

// Variant is the slow hash a block's PoW is computed with.
type Variant uint8

const (
	RandomX Variant = iota
	CNHeavyV1
	CNHeavyV2
	CNTurtleLiteV2
)

func (v Variant) String() string {
	switch v {
	case RandomX:
		return "randomx"
	case CNHeavyV1:
		return "cn_heavy_v1"
	case CNHeavyV2:
		return "cn_heavy_v2"
	case CNTurtleLiteV2:
		return "cn_turtle_lite_v2"
	default:
		return fmt.Sprintf("variant(%d)", uint8(v))
	}
}

// VariantFor returns the PoW variant of blocks with major version on net.
func VariantFor(net params.NetType, version params.HF) Variant {
	switch {
	case net == params.Fakechain:
		return CNTurtleLiteV2
	case version >= params.HF12Checkpointing:
		return RandomX
	case version >= params.HF11InfiniteStaking:
		return CNTurtleLiteV2
	case version >= params.HF7:
		return CNHeavyV2
	default:
		return CNHeavyV1
	}
}

// RandomX seed epochs.
const (
	SeedHashEpochBlocks = 2048
	SeedHashEpochLag    = 64
)

// SeedHeight is the height of the block whose hash seeds the RandomX
// dataset used at height.
func SeedHeight(height uint64) uint64 {
	if height <= SeedHashEpochBlocks+SeedHashEpochLag {
		return 0
	}
	return (height - SeedHashEpochLag - 1) &^ (SeedHashEpochBlocks - 1)
}

// RxContext carries the chain state a RandomX hash depends on.
type RxContext struct {
	CurrentHeight uint64
	SeedHeight    uint64
	SeedHash      crypto.Hash
}

// Hasher computes the slow hashes.
type Hasher interface {
	RxSlowHash(ctx RxContext, data []byte) (crypto.Hash, error)
	CnSlowHash(data []byte, v Variant) (crypto.Hash, error)
}

// LongHash computes the PoW hash of b. rx is only consulted for RandomX
// blocks.
func LongHash(h Hasher, net params.NetType, b *cryptonote.Block, rx RxContext) (crypto.Hash, error) {
	blob, err := b.HashingBlob()
	if err != nil {
		return crypto.Hash{}, err
	}
	v := VariantFor(net, params.HF(b.MajorVersion))
	if v == RandomX {
		return h.RxSlowHash(rx, blob)
	}
	return h.CnSlowHash(blob, v)
}

// CheckHash reports whether hash meets difficulty: read as a little-endian
// 256-bit integer, hash·difficulty must fit in 256 bits.
func CheckHash(hash crypto.Hash, difficulty uint64) bool {
	var carry uint64
	for i := 0; i < 4; i++ {
		w := binary.LittleEndian.Uint64(hash[i*8:])
		hi, lo := bits.Mul64(w, difficulty)
		_, c := bits.Add64(lo, carry, 0)
		carry = hi + c
	}
	return carry == 0
}

// CheckHashWithGrace is CheckHash for blocks in the historic window where
// mainnet accepted hashes 0.2% short of the required difficulty.
func CheckHashWithGrace(hash crypto.Hash, difficulty uint64) bool {
	if CheckHash(hash, difficulty) {
		return true
	}
	relaxed := difficulty / params.DifficultyBuggyGraceDenominator * params.DifficultyBuggyGraceNumerator
	if relaxed == 0 {
		return false
	}
	ok := CheckHash(hash, relaxed)
	if ok {
		log.WithField("difficulty", difficulty).Debug("accepted hash under the difficulty grace")
	}
	return ok
}
