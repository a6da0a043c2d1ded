package chain

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/x-vinnci/saferun-core-sub001/blockdb"
	"github.com/x-vinnci/saferun-core-sub001/checkpoints"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/mempool"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

// altBlock is a stored alternative block.
type altBlock struct {
	hash  crypto.Hash
	block *cryptonote.Block
	rec   *blockdb.AltBlock
}

func (a *altBlock) info() blockdb.BlockInfo {
	return blockdb.BlockInfo{
		Hash:                 a.hash,
		Height:               a.rec.Height,
		Timestamp:            a.block.Timestamp,
		Weight:               a.rec.Weight,
		LongTermWeight:       a.rec.Weight,
		CumulativeDifficulty: a.rec.CumulativeDifficulty,
		GeneratedCoins:       a.rec.AlreadyGeneratedCoins,
		PulseRound:           a.block.Pulse.Round,
		Pulse:                a.block.HasPulseComponents(),
	}
}

// forkWeight is what a block adds to its chain in pulse era fork choice.
// Mined blocks only count for length.
func forkWeight(pulse bool, round uint8) uint64 {
	w := params.PulseMinWeightIncrement
	if pulse {
		w += params.PulseBaseWeight / (1 + uint64(round))
	}
	return w
}

// altChain is an alternative chain from the block after the split to its
// tip, with the checkpoints counted on each side of the split.
type altChain struct {
	blocks []*altBlock
	// altCheckpoints are the checkpoints the alternative blocks carry or
	// match.
	altCheckpoints int
	// mainCheckpoints are stored checkpoints at alternative heights naming
	// other blocks.
	mainCheckpoints int
}

func (c *altChain) hashes() []crypto.Hash {
	out := make([]crypto.Hash, len(c.blocks))
	for i, a := range c.blocks {
		out[i] = a.hash
	}
	return out
}

var errAltDisconnected = errors.New("alternative chain does not connect to the main chain")

// buildAltChainLocked walks the stored alternative blocks back from tip
// until it reaches the main chain.
func (bc *Blockchain) buildAltChainLocked(tip crypto.Hash) (altChain, error) {
	var chain altChain
	for hash := tip; ; {
		rec, err := bc.db.AltBlock(hash)
		if err != nil {
			return chain, err
		}
		if rec == nil {
			break
		}
		b, err := rec.Block()
		if err != nil {
			return chain, fmt.Errorf("stored alt block %s: %w", hash, err)
		}

		if rec.Checkpointed {
			chain.altCheckpoints++
		}
		res, err := bc.cps.CheckBlock(rec.Height, hash)
		if err != nil {
			return chain, err
		}
		switch {
		case res.IsCheckpointed && res.Matches && !rec.Checkpointed:
			cp, err := bc.cps.Checkpoint(rec.Height)
			if err != nil {
				return chain, err
			}
			rec.Checkpointed, rec.Checkpoint = cp != nil, cp
			if cp != nil {
				chain.altCheckpoints++
			}
		case !res.Matches && !res.ServiceNode:
			chain.blocks = append(chain.blocks, &altBlock{hash: hash, block: b, rec: rec})
			return chain, invalid(ReasonCheckpointMismatch, "alt block %s at %d contradicts a hardcoded checkpoint", hash, rec.Height)
		case !res.Matches:
			chain.mainCheckpoints++
		}

		chain.blocks = append(chain.blocks, &altBlock{hash: hash, block: b, rec: rec})
		hash = b.PrevID
	}
	slices.Reverse(chain.blocks)

	if len(chain.blocks) == 0 {
		return chain, nil
	}
	front := chain.blocks[0]
	height, err := bc.db.Height()
	if err != nil {
		return chain, err
	}
	if front.rec.Height == 0 || front.rec.Height > height {
		return chain, fmt.Errorf("%w: starts at %d with %d main blocks", errAltDisconnected, front.rec.Height, height)
	}
	parent, err := bc.db.BlockHashFromHeight(front.rec.Height - 1)
	if err != nil {
		return chain, err
	}
	if parent != front.block.PrevID {
		return chain, fmt.Errorf("%w: %s is not main block %d", errAltDisconnected, front.block.PrevID, front.rec.Height-1)
	}
	return chain, nil
}

// dropAltChainLocked removes the given alternative blocks and remembers
// them as invalid.
func (bc *Blockchain) dropAltChainLocked(hashes []crypto.Hash) {
	for _, h := range hashes {
		bc.markInvalid(h)
		if err := bc.db.RemoveAltBlock(h); err != nil {
			log.WithError(err).WithField("hash", h.String()).Warn("failed to remove alt block")
		}
	}
}

// altOutcome is where handleAlternativeBlockLocked put a block.
type altOutcome uint8

const (
	altStored altOutcome = iota
	altOrphaned
	altSwitched
)

// altBlockTxsLocked gathers the transactions of an alternative block from
// the pool and the main chain and returns them with the block's weight.
func (bc *Blockchain) altBlockTxsLocked(l *mempool.Locked, b *cryptonote.Block) ([]*cryptonote.Transaction, uint64, error) {
	_, minerBlob, err := b.MinerTx.HashAndBlob()
	if err != nil {
		return nil, 0, err
	}
	weight := cryptonote.TxWeight(&b.MinerTx, uint64(len(minerBlob)))
	txs := make([]*cryptonote.Transaction, 0, len(b.TxHashes))
	for _, id := range b.TxHashes {
		if e, ok := l.Get(id); ok {
			txs = append(txs, e.Tx)
			weight += e.Weight
			continue
		}
		entry, _, err := bc.db.Tx(id)
		if errors.Is(err, blockdb.ErrTxNotFound) {
			return nil, 0, invalid(ReasonMissingTx, "alt block refers to unknown tx %s", id)
		}
		if err != nil {
			return nil, 0, err
		}
		txs = append(txs, entry.Tx)
		weight += cryptonote.TxWeight(entry.Tx, uint64(len(entry.Blob)))
	}
	return txs, weight, nil
}

// handleAlternativeBlockLocked stores b, whose parent is not the main chain
// tip, on its alternative chain and switches to that chain when it beats
// the main chain.
func (bc *Blockchain) handleAlternativeBlockLocked(l *mempool.Locked, b *cryptonote.Block, hash crypto.Hash, cp *checkpoints.Checkpoint) (altOutcome, error) {
	parentAlt, err := bc.db.AltBlock(b.PrevID)
	if err != nil {
		return altStored, err
	}
	parentMain, err := bc.db.BlockExists(b.PrevID)
	if err != nil {
		return altStored, err
	}
	if parentAlt == nil && !parentMain {
		log.WithFields(logrus.Fields{"hash": hash.String(), "prev": b.PrevID.String()}).Info("block recognized as orphaned")
		return altOrphaned, nil
	}

	chain, err := bc.buildAltChainLocked(b.PrevID)
	if err != nil {
		if ReasonOf(err) == ReasonInternal && !errors.Is(err, errAltDisconnected) {
			return altStored, err
		}
		bc.dropAltChainLocked(append(chain.hashes(), hash))
		if errors.Is(err, errAltDisconnected) {
			return altStored, invalid(ReasonAltChainRefused, "%v", err)
		}
		return altStored, err
	}

	var split uint64
	if len(chain.blocks) > 0 {
		split = chain.blocks[0].rec.Height
	} else {
		parent, err := bc.db.BlockHeight(b.PrevID)
		if err != nil {
			return altStored, err
		}
		split = parent + 1
	}
	chainHeight, err := bc.db.Height()
	if err != nil {
		return altStored, err
	}
	allowed, err := bc.cps.IsAlternativeBlockAllowed(chainHeight, split)
	if err != nil {
		return altStored, err
	}
	if !allowed {
		bc.dropAltChainLocked(append(chain.hashes(), hash))
		return altStored, invalid(ReasonAltChainRefused, "alternative chain from %d is outside the reorg window at %d", split, chainHeight)
	}

	v := chainView{bc: bc, split: split, alt: chain.blocks}
	height := v.top()
	if err := bc.checkHeader(v, b, height); err != nil {
		return altStored, err
	}
	if err := bc.prevalidateMinerTx(b, height); err != nil {
		return altStored, err
	}

	if cp != nil && (cp.Height != height || cp.BlockHash != hash) {
		cp = nil
	}
	res, err := bc.cps.CheckBlock(height, hash)
	if err != nil {
		return altStored, err
	}
	switch {
	case !res.Matches && !res.ServiceNode:
		return altStored, invalid(ReasonCheckpointMismatch, "alt block %s at %d contradicts a hardcoded checkpoint", hash, height)
	case !res.Matches:
		chain.mainCheckpoints++
	case cp == nil && res.IsCheckpointed:
		if cp, err = bc.cps.Checkpoint(height); err != nil {
			return altStored, err
		}
	}
	if cp != nil {
		chain.altCheckpoints++
	}

	difficulty, err := bc.blockDifficulty(v, b, height)
	if err != nil {
		return altStored, err
	}
	verifyPulse := len(chain.blocks) == 0 && bc.sn.StateHistoryExists(height-1)
	if err := bc.checkProducer(v, b, hash, height, difficulty, verifyPulse); err != nil {
		return altStored, err
	}

	prev, err := v.info(height - 1)
	if err != nil {
		return altStored, err
	}
	txs, weight, err := bc.altBlockTxsLocked(l, b)
	if err != nil {
		return altStored, err
	}
	if err := bc.runAltHooks(BlockAddInfo{Block: b, Txs: txs, Checkpoint: cp}); err != nil {
		return altStored, fmt.Errorf("alt block hook refused %s: %w", hash, err)
	}

	blob, err := b.Serialize()
	if err != nil {
		return altStored, err
	}
	paid, _ := b.MinerTx.OutputsSum()
	generated := prev.GeneratedCoins + paid
	if paid >= params.MoneySupply-prev.GeneratedCoins {
		generated = params.MoneySupply
	}
	rec := &blockdb.AltBlock{
		Blob:                  blob,
		Height:                height,
		Weight:                weight,
		CumulativeDifficulty:  prev.CumulativeDifficulty + difficulty,
		AlreadyGeneratedCoins: generated,
		Checkpointed:          cp != nil,
		Checkpoint:            cp,
	}
	if err := bc.db.AddAltBlock(hash, rec); err != nil {
		return altStored, fmt.Errorf("failed to store alt block %s: %w", hash, err)
	}
	bc.metrics.alt.Inc()
	chain.blocks = append(chain.blocks, &altBlock{hash: hash, block: b, rec: rec})

	wins, keep, err := bc.altChainWinsLocked(&chain, chainHeight)
	if err != nil {
		return altStored, err
	}
	fields := logrus.Fields{
		"height":     height,
		"hash":       hash.String(),
		"split":      split,
		"difficulty": difficulty,
		"pulse":      b.HasPulseComponents(),
	}
	if !wins {
		log.WithFields(fields).Info("block added as alternative")
		return altStored, nil
	}
	log.WithFields(fields).WithField("main_height", chainHeight).Info("alternative chain wins, reorganizing")
	if err := bc.switchToAltChainLocked(l, chain.blocks, keep); err != nil {
		return altStored, err
	}
	return altSwitched, nil
}

// altChainWinsLocked is the fork choice. keep reports whether the displaced
// main chain blocks should be kept as an alternative chain.
func (bc *Blockchain) altChainWinsLocked(chain *altChain, chainHeight uint64) (wins, keep bool, err error) {
	tip := chain.blocks[len(chain.blocks)-1]
	version := params.HF(tip.block.MajorVersion)
	more := chain.altCheckpoints > chain.mainCheckpoints
	equal := chain.altCheckpoints == chain.mainCheckpoints

	if version >= params.HF16Pulse {
		if more {
			return true, false, nil
		}
		if !equal {
			return false, false, nil
		}
		var altWeight, mainWeight uint64
		for _, a := range chain.blocks {
			altWeight += forkWeight(a.block.HasPulseComponents(), a.block.Pulse.Round)
		}
		err := bc.db.ForAllBlocks(chain.blocks[0].rec.Height, func(info blockdb.BlockInfo) error {
			mainWeight += forkWeight(info.Pulse, info.PulseRound)
			return nil
		})
		if err != nil {
			return false, false, err
		}
		return altWeight > mainWeight, false, nil
	}

	top, err := bc.db.BlockInfo(chainHeight - 1)
	if err != nil {
		return false, false, err
	}
	heavier := tip.rec.CumulativeDifficulty > top.CumulativeDifficulty
	if version >= params.HF13EnforceCheckpoints {
		return more || (equal && heavier), !more, nil
	}
	return heavier, true, nil
}

// displacedBlock is a main chain block popped by a chain switch.
type displacedBlock struct {
	block *cryptonote.Block
	txs   []blockdb.TxEntry
	info  blockdb.BlockInfo
	cp    *checkpoints.Checkpoint
}

// popToLocked pops main chain blocks until height remain and returns them
// oldest first. Their transactions go back to the pool.
func (bc *Blockchain) popToLocked(l *mempool.Locked, height uint64) ([]displacedBlock, error) {
	var out []displacedBlock
	for {
		h, err := bc.db.Height()
		if err != nil {
			return out, err
		}
		if h <= height {
			break
		}
		info, err := bc.db.BlockInfo(h - 1)
		if err != nil {
			return out, err
		}
		cp, err := bc.cps.Checkpoint(h - 1)
		if err != nil {
			return out, err
		}
		if cp != nil && cp.BlockHash != info.Hash {
			cp = nil
		}
		b, txs, err := bc.popTopLocked()
		if err != nil {
			return out, err
		}
		out = append(out, displacedBlock{block: b, txs: txs, info: info, cp: cp})
	}
	slices.Reverse(out)
	for _, d := range out {
		returnTxs(l, d.txs)
	}
	return out, bc.updateWeightLimitLocked()
}

// returnTxs hands the transactions of a popped block back to the pool.
func returnTxs(l *mempool.Locked, txs []blockdb.TxEntry) {
	for _, e := range txs {
		if l.Have(e.Hash) {
			continue
		}
		if err := l.AddTx(e.Tx, e.Blob, mempool.FromBlock()); err != nil {
			log.WithField("tx", e.Hash.String()).WithError(err).Info("tx of a popped block not returned to the pool")
		}
	}
}

// switchToAltChainLocked makes blocks, an alternative chain connecting to
// the main chain, the main chain. When a block fails the original chain is
// restored and that block and its descendants are marked invalid.
func (bc *Blockchain) switchToAltChainLocked(l *mempool.Locked, blocks []*altBlock, keep bool) error {
	split := blocks[0].rec.Height
	displaced, err := bc.popToLocked(l, split)
	if err != nil {
		return fmt.Errorf("failed to pop main chain to %d: %w", split, err)
	}
	bc.detachedLocked(split, false)

	queued := len(bc.postAdd)
	for i, a := range blocks {
		err := bc.handleBlockToMainChainLocked(l, a.block, a.hash, a.rec.Checkpoint, i == 0)
		if err == nil {
			continue
		}
		log.WithError(err).WithFields(logrus.Fields{"height": a.rec.Height, "hash": a.hash.String()}).Error("failed to switch to alternative chain")
		bc.postAdd = bc.postAdd[:queued]
		if rerr := bc.rollbackSwitchLocked(l, split, displaced); rerr != nil {
			log.WithError(rerr).Error("failed to restore the main chain")
			return fmt.Errorf("%w: %v", ErrRollbackFailed, rerr)
		}
		rest := make([]crypto.Hash, 0, len(blocks)-i)
		for _, bad := range blocks[i:] {
			rest = append(rest, bad.hash)
		}
		bc.dropAltChainLocked(rest)
		return err
	}

	if keep {
		for _, d := range displaced {
			blob, err := d.block.Serialize()
			if err != nil {
				log.WithError(err).Warn("failed to keep displaced block")
				continue
			}
			rec := &blockdb.AltBlock{
				Blob:                  blob,
				Height:                d.info.Height,
				Weight:                d.info.Weight,
				CumulativeDifficulty:  d.info.CumulativeDifficulty,
				AlreadyGeneratedCoins: d.info.GeneratedCoins,
				Checkpointed:          d.cp != nil,
				Checkpoint:            d.cp,
			}
			if err := bc.db.AddAltBlock(d.info.Hash, rec); err != nil {
				log.WithError(err).WithField("height", d.info.Height).Warn("failed to keep displaced block as alternative")
			}
		}
	}
	for _, a := range blocks {
		if err := bc.db.RemoveAltBlock(a.hash); err != nil {
			log.WithError(err).WithField("hash", a.hash.String()).Warn("failed to remove switched alt block")
		}
	}

	height, _ := bc.db.Height()
	bc.metrics.reorgs.Inc()
	log.WithFields(logrus.Fields{
		"split":     split,
		"height":    height,
		"displaced": len(displaced),
	}).Warn("reorganized onto alternative chain")
	return nil
}

// rollbackSwitchLocked pops whatever a failed switch attached above split
// and replays the displaced blocks.
func (bc *Blockchain) rollbackSwitchLocked(l *mempool.Locked, split uint64, displaced []displacedBlock) error {
	if _, err := bc.popToLocked(l, split); err != nil {
		return err
	}
	bc.detachedLocked(split, false)
	for i, d := range displaced {
		hash := d.info.Hash
		for _, e := range d.txs {
			if !l.Have(e.Hash) {
				if err := l.AddTx(e.Tx, e.Blob, mempool.FromBlock()); err != nil {
					return fmt.Errorf("tx %s of block %d: %w", e.Hash, d.info.Height, err)
				}
			}
		}
		if err := bc.handleBlockToMainChainLocked(l, d.block, hash, d.cp, i == 0); err != nil {
			return fmt.Errorf("block %d: %w", d.info.Height, err)
		}
	}
	log.WithField("split", split).WithField("blocks", len(displaced)).Info("restored the main chain")
	return nil
}
