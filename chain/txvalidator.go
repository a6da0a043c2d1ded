package chain

import (
	"errors"

	"github.com/x-vinnci/saferun-core-sub001/blockdb"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/mempool"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
	"github.com/x-vinnci/saferun-core-sub001/servicenodes"
)

// rctWindow is the span of hard forks a RingCT type is accepted in.
type rctWindow struct {
	from params.HF
	// until is the first version refusing the type, 0 when none does.
	until params.HF
	// grace is how many blocks into until the type is still accepted.
	grace uint64
	// heightOnly refuses the type by height alone, even in versions after
	// until.
	heightOnly bool
}

var rctWindows = map[cryptonote.RCTType]rctWindow{
	cryptonote.RCTTypeFull:         {from: params.HF7, until: params.HF10Bulletproofs, grace: 1, heightOnly: true},
	cryptonote.RCTTypeSimple:       {from: params.HF7, until: params.HF10Bulletproofs, grace: 1, heightOnly: true},
	cryptonote.RCTTypeBulletproof:  {from: params.HF10Bulletproofs, until: params.HF12Checkpointing},
	cryptonote.RCTTypeBulletproof2: {from: params.HF11InfiniteStaking, until: params.HF16Pulse, grace: 10},
	cryptonote.RCTTypeCLSAG:        {from: params.HF16Pulse},
}

// rctTypeAllowed reports whether a transfer at height, running version,
// may be signed with typ.
func rctTypeAllowed(net params.NetType, typ cryptonote.RCTType, version params.HF, height uint64) bool {
	w, ok := rctWindows[typ]
	if !ok || version < w.from {
		return false
	}
	if w.until == 0 || version < w.until {
		return true
	}
	if version > w.until && !w.heightOnly {
		return false
	}
	begins, ok := params.HardForkBegins(net, w.until)
	return ok && height < begins+w.grace
}

// checkTxOutputsLocked checks the outputs of a transaction joining the
// block at height.
func (bc *Blockchain) checkTxOutputsLocked(tx *cryptonote.Transaction, version params.HF, height uint64) error {
	for i, out := range tx.Vout {
		if tx.Version >= params.TxVersion2RingCT && out.Amount != 0 {
			return invalid(ReasonInvalidOutput, "output %d has a cleartext amount", i)
		}
		if !crypto.CheckKey(out.Key) {
			return invalid(ReasonInvalidOutput, "output %d key is not a curve point", i)
		}
	}
	if tx.RCT.Type.IsBulletproof() && len(tx.Vout) > params.TxBulletproofMaxOutputs {
		return invalid(ReasonTooManyOutputs, "%d outputs, bulletproofs cover at most %d", len(tx.Vout), params.TxBulletproofMaxOutputs)
	}
	if version < params.HF10Bulletproofs && tx.RCT.Type.IsBulletproof() {
		for _, bp := range tx.RCT.P.Bulletproofs {
			if bp.Amounts() != 1 {
				return invalid(ReasonInvalidOutput, "multi-output bulletproof before %s", params.HF10Bulletproofs)
			}
		}
	}
	if tx.RCT.Type != cryptonote.RCTTypeNull && !rctTypeAllowed(bc.opts.Net, tx.RCT.Type, version, height) {
		return invalid(ReasonInvalidOutput, "ringct type %s not accepted at %s height %d", tx.RCT.Type, version, height)
	}
	return nil
}

// isOutputUnlocked applies an output's unlock time at chain height.
func (bc *Blockchain) isOutputUnlocked(unlockTime, height uint64) bool {
	if unlockTime < params.MaxBlockNumber {
		return unlockTime <= height
	}
	return bc.now()+params.LockedTxAllowedDeltaSeconds >= unlockTime
}

// checkTxInputsLocked validates the inputs of tx against the main chain
// and returns the greatest height its rings reference.
func (bc *Blockchain) checkTxInputsLocked(tx *cryptonote.Transaction) (uint64, error) {
	height, err := bc.db.Height()
	if err != nil {
		return 0, err
	}
	version := bc.version(height)

	if tx.Version < params.MinTxVersion(version) || tx.Version > params.MaxTxVersion(version) {
		return 0, invalid(ReasonBadVersion, "tx version %d outside [%d, %d] at %s", tx.Version, params.MinTxVersion(version), params.MaxTxVersion(version), version)
	}
	if tx.Type >= params.TxTypeCount || tx.Type > params.MaxTxType(version) {
		return 0, invalid(ReasonBadType, "tx type %s not accepted at %s", tx.Type, version)
	}

	if !tx.Type.IsTransfer() {
		return 0, bc.checkServiceNodeTxLocked(tx, version, height)
	}

	if tx.Type != params.TxTypeOxenNameSystem && version >= params.FeatureMin2Outputs && len(tx.Vout) < 2 {
		return 0, invalid(ReasonTooFewOutputs, "%d outputs, at least 2 required", len(tx.Vout))
	}
	if len(tx.Vin) == 0 {
		return 0, invalid(ReasonInvalidInput, "transfer without inputs")
	}

	var (
		maxUsed uint64
		lastKI  *crypto.KeyImage
		rings   = make([][]cryptonote.OutputKey, 0, len(tx.Vin))
	)
	blacklist := map[crypto.KeyImage]struct{}{}
	if version >= params.HF11InfiniteStaking {
		for _, b := range bc.sn.BlacklistedKeyImages() {
			blacklist[b.KeyImage] = struct{}{}
		}
	}

	for i, vin := range tx.Vin {
		in, ok := vin.(*cryptonote.TxInToKey)
		if !ok {
			return 0, invalid(ReasonInvalidInput, "input %d is not a to_key input", i)
		}
		if len(in.KeyOffsets) == 0 {
			return 0, invalid(ReasonInvalidInput, "input %d has an empty ring", i)
		}
		if len(in.KeyOffsets)-1 != params.TxOutputDecoys {
			return 0, invalid(ReasonLowMixin, "input %d has ring size %d, need %d", i, len(in.KeyOffsets), params.RingSize)
		}
		if !crypto.KeyImageInMainSubgroup(in.KeyImage) {
			return 0, invalid(ReasonInvalidInput, "input %d key image is outside the main subgroup", i)
		}
		if lastKI != nil && in.KeyImage.Compare(*lastKI) >= 0 {
			return 0, invalid(ReasonUnsortedInputs, "input %d key image is not below its predecessor", i)
		}
		lastKI = &in.KeyImage

		spent, err := bc.db.HasKeyImage(in.KeyImage)
		if err != nil {
			return 0, err
		}
		if spent {
			return 0, invalid(ReasonDoubleSpend, "key image %s already spent", in.KeyImage)
		}

		ring, err := bc.db.OutputKeys(in.Amount, in.AbsoluteOffsets())
		if errors.Is(err, blockdb.ErrOutputNotFound) {
			return 0, invalid(ReasonInvalidOutput, "input %d references a missing output", i)
		}
		if err != nil {
			return 0, err
		}
		for j, member := range ring {
			if !bc.isOutputUnlocked(member.UnlockTime, height) {
				return 0, invalid(ReasonInvalidOutput, "input %d ring member %d is still locked", i, j)
			}
			maxUsed = max(maxUsed, member.Height)
		}
		rings = append(rings, ring)

		if version >= params.HF11InfiniteStaking {
			if _, ok := blacklist[in.KeyImage]; ok {
				return 0, invalid(ReasonKeyImageBlacklisted, "key image %s belongs to a deregistered service node", in.KeyImage)
			}
			if locked, _, _ := bc.sn.IsKeyImageLocked(in.KeyImage); locked {
				return 0, invalid(ReasonKeyImageLockedBySN, "key image %s is locked in a stake", in.KeyImage)
			}
		}
	}

	if version >= params.FeatureEnforceMinAge && maxUsed+params.DefaultTxSpendableAge > height {
		return 0, invalid(ReasonOutputTooYoung, "ring member from %d is younger than %d blocks", maxUsed, params.DefaultTxSpendableAge)
	}

	if err := bc.checkRingSignaturesLocked(tx, rings); err != nil {
		return 0, err
	}

	if tx.Type == params.TxTypeOxenNameSystem {
		if _, err := bc.ons.ValidateTx(version, height, tx); err != nil {
			return 0, invalid(ReasonOnsValidation, "%v", err)
		}
	}
	return maxUsed, nil
}

func (bc *Blockchain) checkRingSignaturesLocked(tx *cryptonote.Transaction, rings [][]cryptonote.OutputKey) error {
	p := &tx.RCT.P
	switch tx.RCT.Type {
	case cryptonote.RCTTypeNull:
		return invalid(ReasonBadRingSig, "transfer without ringct signature")
	case cryptonote.RCTTypeSimple, cryptonote.RCTTypeBulletproof, cryptonote.RCTTypeBulletproof2:
		if len(p.MGs) != len(tx.Vin) {
			return invalid(ReasonBadRingSig, "%d MLSAGs for %d inputs", len(p.MGs), len(tx.Vin))
		}
	case cryptonote.RCTTypeCLSAG:
		if len(p.CLSAGs) != len(tx.Vin) {
			return invalid(ReasonBadRingSig, "%d CLSAGs for %d inputs", len(p.CLSAGs), len(tx.Vin))
		}
	case cryptonote.RCTTypeFull:
		if len(p.MGs) != 1 {
			return invalid(ReasonBadRingSig, "full ringct with %d MLSAGs", len(p.MGs))
		}
	default:
		return invalid(ReasonBadRingSig, "unknown ringct type %d", tx.RCT.Type)
	}
	if !bc.opts.RingCT.VerifyNonSemantics(tx, rings) {
		return invalid(ReasonBadRingSig, "ringct signature does not verify")
	}
	return nil
}

// checkServiceNodeTxLocked validates the payload of a transaction that
// moves no funds.
func (bc *Blockchain) checkServiceNodeTxLocked(tx *cryptonote.Transaction, version params.HF, height uint64) error {
	if len(tx.Vin) != 0 {
		return invalid(ReasonInvalidInput, "%s tx with inputs", tx.Type)
	}
	if tx.RCT.TxnFee != 0 {
		return invalid(ReasonInvalidInput, "%s tx with a fee", tx.Type)
	}

	switch tx.Type {
	case params.TxTypeStateChange:
		change, ok := cryptonote.StateChange(tx)
		if !ok {
			return invalid(ReasonStateChangeInvalid, "missing state change payload")
		}
		q, ok := bc.sn.Quorum(servicenodes.QuorumObligations, change.BlockHeight)
		if !ok {
			return invalid(ReasonStateChangeInvalid, "no obligations quorum at %d", change.BlockHeight)
		}
		if err := servicenodes.VerifyStateChange(&change, q, height); err != nil {
			return invalid(ReasonStateChangeInvalid, "%v", err)
		}
		target := q.Workers[change.ServiceNodeIndex]
		if err := bc.sn.CanTransitionState(&change, target); err != nil {
			if errors.Is(err, servicenodes.ErrUnknownNode) && version < params.HF12Checkpointing {
				log.WithField("node", target.String()).Debug("accepting state change for a node already gone")
				return nil
			}
			return invalid(ReasonStateChangeInvalid, "%v", err)
		}
		return nil

	case params.TxTypeKeyImageUnlock:
		unlock, ok := cryptonote.KeyImageUnlock(tx)
		if !ok {
			return invalid(ReasonUnlockNotLocked, "missing unlock payload")
		}
		locked, unlockHeight, contribution := bc.sn.IsKeyImageLocked(unlock.KeyImage)
		if !locked {
			return invalid(ReasonUnlockNotLocked, "key image %s is not staked", unlock.KeyImage)
		}
		if !crypto.CheckSignature(unlock.UnlockHash(), contribution.KeyImagePubKey, unlock.Signature) {
			return invalid(ReasonBadRingSig, "unlock signature does not verify")
		}
		if unlockHeight != params.KeyImageAwaitingUnlockHeight {
			return invalid(ReasonUnlockAlreadyRequested, "unlock of %s already requested for %d", unlock.KeyImage, unlockHeight)
		}
		return nil

	default:
		return invalid(ReasonBadType, "%s tx cannot be validated", tx.Type)
	}
}

// checkTxLocked is pool admission: semantics, outputs, inputs and fee.
func (bc *Blockchain) checkTxLocked(tx *cryptonote.Transaction, weight uint64, opts mempool.TxOptions) (uint64, error) {
	height, err := bc.db.Height()
	if err != nil {
		return 0, err
	}
	version := bc.version(height)

	if tx.Type.IsTransfer() && !bc.opts.RingCT.VerifySemantics(tx) {
		return 0, invalid(ReasonBadRingSig, "ringct semantics do not verify")
	}
	if err := bc.checkTxOutputsLocked(tx, version, height); err != nil {
		return 0, err
	}
	maxUsed, err := bc.checkTxInputsLocked(tx)
	if err != nil {
		return 0, err
	}
	if !opts.KeptByBlock && tx.Type.IsTransfer() {
		if err := bc.checkFeeLocked(version, weight, len(tx.Vout), tx.Fee(), cryptonote.BurnAmount(tx), opts); err != nil {
			return 0, err
		}
	}
	return maxUsed, nil
}

// CheckTxInputs validates tx's inputs against the main chain.
func (bc *Blockchain) CheckTxInputs(tx *cryptonote.Transaction) (TxVerificationContext, uint64, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	maxUsed, err := bc.checkTxInputsLocked(tx)
	return txContext(err), maxUsed, err
}
