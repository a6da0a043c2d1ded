package cryptonote

import (
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

// bulletproofBase is the notional size of a two output bulletproof,
// normalized to one output.
const bulletproofBase = 32 * (9 + 7*2) / 2

// TxWeight is the consensus weight of a transaction whose serialized size
// is blobSize. Aggregated bulletproofs are smaller than the sum of single
// output proofs, so multi-output bulletproof transactions are charged back
// most of the difference.
func TxWeight(tx *Transaction, blobSize uint64) uint64 {
	if tx.Version < params.TxVersion2RingCT || !tx.RCT.Type.IsBulletproof() {
		return blobSize
	}
	return blobSize + bulletproofClawback(len(tx.Vout))
}

func bulletproofClawback(outputs int) uint64 {
	nlr := 0
	for 1<<nlr < outputs {
		nlr++
	}
	padded := uint64(1) << nlr
	if padded <= 2 {
		return 0
	}
	size := uint64(32 * (9 + 2*(nlr+6)))
	return (bulletproofBase*padded - size) * 4 / 5
}
