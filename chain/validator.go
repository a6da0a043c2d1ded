package chain

import (
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/mempool"
)

// poolValidator is the chain seen by a pool call made without the chain
// lock. Each call takes the read lock.
type poolValidator struct{ bc *Blockchain }

func (v poolValidator) Height() uint64 {
	h, _ := v.bc.Height()
	return h
}

func (v poolValidator) BlockWeightLimit() uint64 { return v.bc.BlockWeightLimit() }

func (v poolValidator) KeyImageSpent(ki crypto.KeyImage) bool {
	v.bc.mu.RLock()
	defer v.bc.mu.RUnlock()
	return lockedValidator(v).KeyImageSpent(ki)
}

func (v poolValidator) CheckTx(tx *cryptonote.Transaction, id crypto.Hash, weight uint64, opts mempool.TxOptions) (uint64, error) {
	v.bc.mu.RLock()
	defer v.bc.mu.RUnlock()
	return lockedValidator(v).CheckTx(tx, id, weight, opts)
}

// lockedValidator is the chain seen by a pool call made while the chain
// lock is already held.
type lockedValidator struct{ bc *Blockchain }

func (v lockedValidator) Height() uint64 {
	h, _ := v.bc.db.Height()
	return h
}

func (v lockedValidator) BlockWeightLimit() uint64 { return v.bc.weights.limit }

func (v lockedValidator) KeyImageSpent(ki crypto.KeyImage) bool {
	spent, err := v.bc.db.HasKeyImage(ki)
	if err != nil {
		log.WithError(err).Error("failed to look up key image")
		return true
	}
	return spent
}

func (v lockedValidator) CheckTx(tx *cryptonote.Transaction, id crypto.Hash, weight uint64, opts mempool.TxOptions) (uint64, error) {
	maxUsed, err := v.bc.checkTxLocked(tx, weight, opts)
	if err != nil {
		r := ReasonOf(err)
		log.WithField("tx", id.String()).WithField("reason", r).Debug("tx failed validation")
		return 0, mempool.Reject(poolReason(r), "%v", err)
	}
	return maxUsed, nil
}
