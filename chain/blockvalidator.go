package chain

import (
	"errors"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/x-vinnci/saferun-core-sub001/batchdb"
	"github.com/x-vinnci/saferun-core-sub001/blockdb"
	"github.com/x-vinnci/saferun-core-sub001/checkpoints"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/mempool"
	"github.com/x-vinnci/saferun-core-sub001/pow"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
	"github.com/x-vinnci/saferun-core-sub001/reward"
)

// ============================================================================
// Chain views
// ============================================================================

// chainView is the chain a block builds on: the main chain below split and
// the alternative blocks from split up.
type chainView struct {
	bc    *Blockchain
	split uint64
	alt   []*altBlock
}

func (bc *Blockchain) mainView() (chainView, error) {
	height, err := bc.db.Height()
	return chainView{bc: bc, split: height}, err
}

// top is the number of blocks in the view.
func (v chainView) top() uint64 { return v.split + uint64(len(v.alt)) }

func (v chainView) info(height uint64) (blockdb.BlockInfo, error) {
	if height >= v.split {
		i := height - v.split
		if i >= uint64(len(v.alt)) {
			return blockdb.BlockInfo{}, fmt.Errorf("%w: %d", blockdb.ErrBlockNotFound, height)
		}
		return v.alt[i].info(), nil
	}
	return v.bc.db.BlockInfo(height)
}

// window returns the timestamps and cumulative difficulties of the last n
// blocks below height, oldest first.
func (v chainView) window(height, n uint64) (timestamps, cumulative []uint64, err error) {
	start := height - min(n, height)
	timestamps = make([]uint64, 0, height-start)
	cumulative = make([]uint64, 0, height-start)
	for h := start; h < height; h++ {
		info, err := v.info(h)
		if err != nil {
			return nil, nil, err
		}
		timestamps = append(timestamps, info.Timestamp)
		cumulative = append(cumulative, info.CumulativeDifficulty)
	}
	return timestamps, cumulative, nil
}

// ============================================================================
// Difficulty and proof of work
// ============================================================================

// difficultyFor is the difficulty a mined block at height on v must meet.
func (bc *Blockchain) difficultyFor(v chainView, height uint64) (uint64, error) {
	if bc.opts.FixedDifficulty != 0 {
		return bc.opts.FixedDifficulty, nil
	}
	version := bc.version(height)
	ts, cum, err := v.window(height, params.DifficultyBlocksCount(version))
	if err != nil {
		return 0, err
	}
	return pow.NextDifficulty(ts, cum, uint64(params.TargetBlockTime.Seconds()), pow.ModeFor(bc.opts.Net, height)), nil
}

// blockDifficulty is the difficulty b is credited with: fixed for pulse
// blocks, the next difficulty otherwise.
func (bc *Blockchain) blockDifficulty(v chainView, b *cryptonote.Block, height uint64) (uint64, error) {
	if bc.opts.FixedDifficulty == 0 && params.HF(b.MajorVersion) >= params.FeaturePulse && b.HasPulseComponents() {
		return params.PulseFixedDifficulty, nil
	}
	return bc.difficultyFor(v, height)
}

// inDifficultyGrace reports whether mined blocks at height may fall 0.2%
// short of their difficulty.
func (bc *Blockchain) inDifficultyGrace(height uint64) bool {
	if bc.opts.Net != params.Mainnet || height < params.DifficultyBuggyGraceHeight {
		return false
	}
	pulse, ok := params.HardForkBegins(bc.opts.Net, params.HF16Pulse)
	return !ok || height < pulse
}

// checkProducer verifies the pulse quorum signatures of a pulse block, or
// the proof of work of a mined one. verifyPulse is false for alternative
// blocks whose quorum is not known yet.
func (bc *Blockchain) checkProducer(v chainView, b *cryptonote.Block, hash crypto.Hash, height, difficulty uint64, verifyPulse bool) error {
	version := params.HF(b.MajorVersion)
	if b.HasPulseComponents() {
		if version < params.FeaturePulse {
			return invalid(ReasonBadPulseSignature, "pulse data in a %s block", version)
		}
		if !verifyPulse {
			return nil
		}
		if err := bc.sn.VerifyPulseSignatures(b); err != nil {
			return invalid(ReasonBadPulseSignature, "%v", err)
		}
		return nil
	}

	rx := pow.RxContext{CurrentHeight: height, SeedHeight: pow.SeedHeight(height)}
	if pow.VariantFor(bc.opts.Net, version) == pow.RandomX {
		seed, err := v.info(rx.SeedHeight)
		if err != nil {
			return fmt.Errorf("failed to read seed block %d: %w", rx.SeedHeight, err)
		}
		rx.SeedHash = seed.Hash
	}
	key := powKey{block: hash, seed: rx.SeedHash}
	powHash, cached := bc.powCache.Get(key)
	if !cached {
		var err error
		if powHash, err = pow.LongHash(bc.opts.Hasher, bc.opts.Net, b, rx); err != nil {
			return fmt.Errorf("failed to compute pow hash: %w", err)
		}
	}
	ok := pow.CheckHash(powHash, difficulty)
	if !ok && bc.inDifficultyGrace(height) {
		ok = pow.CheckHashWithGrace(powHash, difficulty)
	}
	if !ok {
		return invalid(ReasonLowDifficulty, "pow hash %s does not meet difficulty %d", powHash, difficulty)
	}
	return nil
}

// powKey identifies a cached proof of work hash. RandomX hashes depend on
// the seed of the chain the block sits on.
type powKey struct {
	block crypto.Hash
	seed  crypto.Hash
}

// ============================================================================
// Header and miner tx checks
// ============================================================================

// checkHeader checks b's version and timestamp against the chain it builds
// on. b.Height is set to height.
func (bc *Blockchain) checkHeader(v chainView, b *cryptonote.Block, height uint64) error {
	version := params.HF(b.MajorVersion)
	if version >= params.HF19RewardBatching && b.Height != height {
		return invalid(ReasonBadVersion, "block declares height %d at %d", b.Height, height)
	}
	b.Height = height
	if !params.IsValidBlockVersion(bc.opts.Net, height, b.MajorVersion, b.MinorVersion) {
		return invalid(ReasonBadVersion, "version %d.%d at height %d, expected %s", b.MajorVersion, b.MinorVersion, height, bc.version(height))
	}

	if b.Timestamp > bc.now()+params.BlockFutureTimeLimit {
		return invalid(ReasonBadTimestamp, "timestamp %d is too far in the future", b.Timestamp)
	}
	ts, _, err := v.window(height, params.BlockchainTimestampCheckWindow)
	if err != nil {
		return err
	}
	if len(ts) >= params.BlockchainTimestampCheckWindow {
		if m := median(ts); b.Timestamp < m {
			return invalid(ReasonBadTimestamp, "timestamp %d is below the median %d of the last %d blocks", b.Timestamp, m, len(ts))
		}
	}
	return nil
}

// prevalidateMinerTx checks the shape of b's miner tx.
func (bc *Blockchain) prevalidateMinerTx(b *cryptonote.Block, height uint64) error {
	version := params.HF(b.MajorVersion)
	tx := &b.MinerTx

	declared, ok := b.MinerTxHeight()
	if !ok {
		return invalid(ReasonBadMinerTx, "miner tx needs exactly one gen input")
	}
	if declared != height {
		return invalid(ReasonBadMinerTx, "miner tx height %d at block height %d", declared, height)
	}
	if tx.Type != params.TxTypeStandard {
		return invalid(ReasonBadMinerTx, "miner tx of type %s", tx.Type)
	}
	if want := params.MaxTxVersion(version); tx.Version != want {
		return invalid(ReasonBadMinerTx, "miner tx version %d, expected %d", tx.Version, want)
	}

	unlock := height + params.MinedMoneyUnlockWindow
	if tx.UnlockTime != unlock {
		return invalid(ReasonBadMinerTx, "miner tx unlock time %d, expected %d", tx.UnlockTime, unlock)
	}
	if tx.Version >= params.TxVersion3PerOutputUnlockTimes {
		if len(tx.OutputUnlockTimes) != len(tx.Vout) {
			return invalid(ReasonBadMinerTx, "%d unlock times for %d outputs", len(tx.OutputUnlockTimes), len(tx.Vout))
		}
		for i, u := range tx.OutputUnlockTimes {
			if u != unlock {
				return invalid(ReasonBadMinerTx, "output %d unlocks at %d, expected %d", i, u, unlock)
			}
		}
	}
	if version >= params.FeatureRejectSigsInCoinbase && tx.RCT.Type != cryptonote.RCTTypeNull {
		return invalid(ReasonBadMinerTx, "miner tx carries ringct signatures")
	}
	if _, ok := tx.OutputsSum(); !ok {
		return invalid(ReasonBadMinerTx, "miner tx outputs overflow")
	}
	return nil
}

// batchedGovernanceLocked is the governance reward the block at height
// must pay out: the interval's accrued share on governance heights.
func (bc *Blockchain) batchedGovernanceLocked(version params.HF, height uint64) (uint64, error) {
	if version < params.HF10Bulletproofs || !reward.HeightHasGovernanceOutput(bc.opts.Net, version, height) {
		return 0, nil
	}
	interval := params.Config(bc.opts.Net).GovernanceRewardIntervalInBlocks
	if version >= params.HF15ONS {
		return interval * reward.GovernanceRewardFormula(version, 0), nil
	}

	start := height - min(interval, height)
	var total uint64
	for h := start; h < height; h++ {
		b, err := bc.db.BlockFromHeight(h)
		if err != nil {
			return 0, err
		}
		b.Height = h
		if params.HF(b.MajorVersion) < params.HF10Bulletproofs {
			continue
		}
		gov, err := reward.DeriveGovernanceFromBlockReward(bc.opts.Net, b, version)
		if err != nil {
			return 0, err
		}
		total += gov
	}
	return total, nil
}

// minerTxCheck is what validateMinerTxLocked learnt about a block.
type minerTxCheck struct {
	parts reward.Parts
	// generated is the emission up to and including the block.
	generated uint64
}

// validateMinerTxLocked checks b's miner tx pays what the reward rules
// allow for a block of weight bytes collecting fee.
func (bc *Blockchain) validateMinerTxLocked(b *cryptonote.Block, weight, fee uint64) (minerTxCheck, error) {
	height := b.Height
	version := params.HF(b.MajorVersion)

	var alreadyGenerated uint64
	if height > 0 {
		var err error
		if alreadyGenerated, err = bc.generatedCoinsLocked(height - 1); err != nil {
			return minerTxCheck{}, err
		}
	}

	leader := reward.NullLeader
	if version >= params.HF9ServiceNodes {
		leader = bc.sn.BlockLeader()
		if version < params.HF19RewardBatching {
			winner, _ := cryptonote.ServiceNodeWinner(&b.MinerTx)
			if winner != leader.Key {
				return minerTxCheck{}, invalid(ReasonBadMinerTx, "miner tx pays node %s, the leader is %s", winner, leader.Key)
			}
		} else if b.ServiceNodeWinnerKey != leader.Key {
			return minerTxCheck{}, invalid(ReasonBadMinerTx, "block pays node %s, the leader is %s", b.ServiceNodeWinnerKey, leader.Key)
		}
	}

	governance, err := bc.batchedGovernanceLocked(version, height)
	if err != nil {
		return minerTxCheck{}, err
	}

	parts, err := reward.BlockReward(bc.weights.median, weight, alreadyGenerated, version, reward.Context{
		Fee:               fee,
		Height:            height,
		LeaderPayouts:     leader.Payouts,
		BatchedGovernance: governance,
	})
	if errors.Is(err, reward.ErrBlockTooBig) {
		return minerTxCheck{}, invalid(ReasonOverweight, "%v", err)
	}
	if err != nil {
		return minerTxCheck{}, invalid(ReasonWrongReward, "%v", err)
	}

	ctx := reward.MinerTxContext{
		Net:               bc.opts.Net,
		Pulse:             b.HasPulseComponents(),
		Leader:            leader,
		Producer:          leader,
		BatchedGovernance: governance,
	}

	var batchPayments []reward.Payment
	if version >= params.HF19RewardBatching {
		if batchPayments, err = bc.ledger.GetSNPayments(height); err != nil {
			return minerTxCheck{}, fmt.Errorf("failed to read batch payments due at %d: %w", height, err)
		}
		if err := batchdb.ValidateBatchPayment(b.MinerTx.Vout, batchPayments, height); err != nil {
			return minerTxCheck{}, invalid(ReasonBadMinerTx, "%v", err)
		}
		if b.Reward > reward.MaxBlockReward(parts) {
			return minerTxCheck{}, invalid(ReasonWrongReward, "block reward %d above %d", b.Reward, reward.MaxBlockReward(parts))
		}
	} else if err := reward.ValidateMinerTxOutputs(height, alreadyGenerated, version, &b.MinerTx, parts, ctx); err != nil {
		return minerTxCheck{}, invalid(ReasonBadMinerTx, "%v", err)
	}

	paid, _ := b.MinerTx.OutputsSum()
	if limit := reward.MaxMoneyInUse(version, parts, batchPayments); paid > limit {
		return minerTxCheck{}, invalid(ReasonWrongReward, "miner tx pays %d, at most %d allowed", paid, limit)
	}

	emitted := parts.BaseMiner + parts.ServiceNodeTotal + parts.GovernanceDue
	generated := alreadyGenerated + emitted
	if generated < alreadyGenerated {
		generated = params.MoneySupply
	}
	return minerTxCheck{parts: parts, generated: generated}, nil
}

// ============================================================================
// Main chain attachment
// ============================================================================

// pendingTxs are transactions taken from the pool for a block being
// attached.
type pendingTxs struct {
	l       *mempool.Locked
	entries []*mempool.Entry
}

// giveBack returns the taken transactions to the pool.
func (p *pendingTxs) giveBack() {
	for _, e := range p.entries {
		if err := p.l.AddTx(e.Tx, e.Blob, mempool.FromBlock()); err != nil {
			log.WithField("tx", e.ID.String()).WithError(err).Debug("tx of a rejected block not returned to the pool")
		}
	}
	p.entries = nil
}

func (p *pendingTxs) txs() []*cryptonote.Transaction {
	out := make([]*cryptonote.Transaction, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.Tx
	}
	return out
}

// takeBlockTxsLocked pulls b's transactions out of the pool and validates
// them unless the block is checkpointed. It returns their weight and fees.
func (bc *Blockchain) takeBlockTxsLocked(pending *pendingTxs, b *cryptonote.Block, checkpointed bool) (weight, fee uint64, err error) {
	version := params.HF(b.MajorVersion)
	seen := make(map[crypto.Hash]struct{}, len(b.TxHashes))
	spent := make(map[crypto.KeyImage]struct{})

	for _, id := range b.TxHashes {
		if _, dup := seen[id]; dup {
			return 0, 0, invalid(ReasonDoubleSpend, "tx %s listed twice", id)
		}
		seen[id] = struct{}{}

		exists, err := bc.db.TxExists(id)
		if err != nil {
			return 0, 0, err
		}
		if exists {
			return 0, 0, invalid(ReasonDoubleSpend, "tx %s is already in the chain", id)
		}

		e, ok := pending.l.TakeTx(id)
		if !ok {
			return 0, 0, invalid(ReasonMissingTx, "tx %s is not in the pool", id)
		}
		pending.entries = append(pending.entries, e)

		for _, ki := range e.Tx.KeyImages() {
			if _, dup := spent[ki]; dup {
				return 0, 0, invalid(ReasonDoubleSpend, "key image %s spent twice in block", ki)
			}
			spent[ki] = struct{}{}
		}
		if !checkpointed {
			if err := bc.checkTxOutputsLocked(e.Tx, version, b.Height); err != nil {
				return 0, 0, err
			}
			if _, err := bc.checkTxInputsLocked(e.Tx); err != nil {
				return 0, 0, err
			}
		}
		weight += e.Weight
		fee += e.Fee
	}
	return weight, fee, nil
}

// handleBlockToMainChainLocked validates b as the next main chain block
// and commits it. On failure the block's transactions are back in the pool
// and nothing was committed.
func (bc *Blockchain) handleBlockToMainChainLocked(l *mempool.Locked, b *cryptonote.Block, hash crypto.Hash, cp *checkpoints.Checkpoint, reorg bool) error {
	v, err := bc.mainView()
	if err != nil {
		return err
	}
	height := v.split
	if height > 0 {
		top, err := bc.db.TopBlockHash()
		if err != nil {
			return err
		}
		if b.PrevID != top {
			return invalid(ReasonWrongPrev, "block %s builds on %s, the top is %s", hash, b.PrevID, top)
		}
	}
	if err := bc.checkHeader(v, b, height); err != nil {
		return err
	}
	version := params.HF(b.MajorVersion)

	cpRes, err := bc.cps.CheckBlock(height, hash)
	if err != nil {
		return err
	}
	if !cpRes.Matches && (!cpRes.ServiceNode || version >= params.HF13EnforceCheckpoints) {
		return invalid(ReasonCheckpointMismatch, "block %s at %d contradicts a checkpoint", hash, height)
	}
	if err := bc.prevalidateMinerTx(b, height); err != nil {
		return err
	}

	difficulty, err := bc.blockDifficulty(v, b, height)
	if err != nil {
		return err
	}
	trusted := cpRes.IsCheckpointed && !cpRes.ServiceNode
	if !trusted {
		if err := bc.checkProducer(v, b, hash, height, difficulty, true); err != nil {
			return err
		}
	}

	pending := &pendingTxs{l: l}
	fail := func(err error) error {
		pending.giveBack()
		return err
	}

	txWeight, fee, err := bc.takeBlockTxsLocked(pending, b, trusted)
	if err != nil {
		return fail(err)
	}
	_, minerBlob, err := b.MinerTx.HashAndBlob()
	if err != nil {
		return fail(err)
	}
	weight := cryptonote.TxWeight(&b.MinerTx, uint64(len(minerBlob))) + txWeight
	if weight > bc.weights.limit {
		return fail(invalid(ReasonOverweight, "block weight %d over limit %d", weight, bc.weights.limit))
	}

	check, err := bc.validateMinerTxLocked(b, weight, fee)
	if err != nil {
		return fail(err)
	}

	var cumulative uint64
	if height > 0 {
		prev, err := bc.db.BlockInfo(height - 1)
		if err != nil {
			return fail(err)
		}
		cumulative = prev.CumulativeDifficulty
	}
	cumulative += difficulty
	longTerm, err := bc.nextLongTermWeightLocked(version, weight)
	if err != nil {
		return fail(err)
	}

	entries := make([]blockdb.TxEntry, len(pending.entries))
	for i, e := range pending.entries {
		entries[i] = blockdb.TxEntry{Hash: e.ID, Blob: e.Blob, Tx: e.Tx}
	}
	if err := bc.commitBlockLocked(b, hash, cp, weight, longTerm, cumulative, check.generated, entries); err != nil {
		return fail(err)
	}

	bc.postAdd = append(bc.postAdd, BlockPostAddInfo{Block: b, Reorg: reorg})
	bc.metrics.added.Inc()
	log.WithFields(logrus.Fields{
		"height":     height,
		"hash":       hash.String(),
		"txs":        len(entries),
		"weight":     weight,
		"difficulty": difficulty,
		"reward":     check.parts.BaseMiner + check.parts.MinerFee,
	}).Info("block added to the main chain")
	return nil
}

// commitBlockLocked appends b to the block store and hands it to the
// service node list, the name system, the ledger, the checkpoints and the
// block add hooks. When any of them refuses, the block is detached again.
func (bc *Blockchain) commitBlockLocked(b *cryptonote.Block, hash crypto.Hash, cp *checkpoints.Checkpoint, weight, longTerm, cumulative, generated uint64, entries []blockdb.TxEntry) error {
	height := b.Height
	version := params.HF(b.MajorVersion)

	var contributors []reward.Payment
	if version >= params.HF19RewardBatching {
		var err error
		if contributors, err = bc.sn.WinnerContributors(b); err != nil {
			return invalid(ReasonBadMinerTx, "%v", err)
		}
	}

	if err := bc.db.AddBlock(b, weight, longTerm, cumulative, generated, entries); err != nil {
		if errors.Is(err, blockdb.ErrKeyImageExists) {
			return invalid(ReasonDoubleSpend, "%v", err)
		}
		return fmt.Errorf("failed to store block %d: %w", height, err)
	}

	txs := make([]*cryptonote.Transaction, len(entries))
	for i, e := range entries {
		txs[i] = e.Tx
	}
	if cp != nil && (cp.Height != height || cp.BlockHash != hash) {
		log.WithField("height", height).Warn("dropping checkpoint that does not match its block")
		cp = nil
	}

	attach := func() error {
		if err := bc.sn.BlockAdd(b, txs, cp); err != nil {
			return fmt.Errorf("service node list refused block %d: %w", height, err)
		}
		if cp != nil {
			if err := bc.sn.VerifyCheckpoint(cp); err != nil {
				log.WithError(err).WithField("height", height).Info("dropping unverifiable checkpoint")
				cp = nil
			}
		}
		if err := bc.ons.AddBlock(b, txs); err != nil {
			return invalid(ReasonOnsValidation, "%v", err)
		}
		if err := bc.ledger.AddBlock(b, contributors); err != nil {
			return invalid(ReasonBadMinerTx, "batch ledger refused block %d: %v", height, err)
		}
		if err := bc.cps.BlockAdded(height, version, cp); err != nil {
			return fmt.Errorf("failed to record checkpoint at %d: %w", height, err)
		}
		return bc.runBlockAddHooks(BlockAddInfo{Block: b, Txs: txs, Checkpoint: cp})
	}
	if err := attach(); err != nil {
		log.WithError(err).WithField("height", height).Warn("block refused while attaching, detaching it")
		if log.Logger.IsLevelEnabled(logrus.TraceLevel) {
			log.Trace(spew.Sdump(b))
		}
		if _, _, derr := bc.popTopLocked(); derr != nil {
			log.WithError(derr).WithField("height", height).Error("failed to detach refused block")
			return fmt.Errorf("%w (detaching: %v)", err, derr)
		}
		return err
	}
	return bc.updateWeightLimitLocked()
}

// popTopLocked removes the top main chain block from the block store and
// rewinds the ledger, the service node list, the name system and the
// checkpoints to the block below it. Detached hooks are left to the caller.
func (bc *Blockchain) popTopLocked() (*cryptonote.Block, []blockdb.TxEntry, error) {
	height, err := bc.db.Height()
	if err != nil {
		return nil, nil, err
	}
	if height == 0 {
		return nil, nil, blockdb.ErrEmptyChain
	}
	top, err := bc.db.BlockFromHeight(height - 1)
	if err != nil {
		return nil, nil, err
	}

	var contributors []reward.Payment
	if params.HF(top.MajorVersion) >= params.HF19RewardBatching {
		if contributors, err = bc.sn.WinnerContributors(top); err != nil {
			return nil, nil, fmt.Errorf("failed to find contributors of block %d: %w", top.Height, err)
		}
	}
	if err := bc.ledger.PopBlock(top, contributors); err != nil {
		return nil, nil, fmt.Errorf("failed to pop block %d from the batch ledger: %w", top.Height, err)
	}
	b, txs, err := bc.db.PopBlock()
	if err != nil {
		return nil, nil, err
	}

	newHeight := height - 1
	if err := bc.sn.BlockchainDetached(newHeight); err != nil {
		log.WithError(err).WithField("height", newHeight).Warn("service node list could not rewind")
	}
	bc.ons.BlockDetach(newHeight)
	if err := bc.cps.BlockchainDetached(newHeight); err != nil {
		return nil, nil, fmt.Errorf("failed to rewind checkpoints to %d: %w", newHeight, err)
	}
	return b, txs, nil
}
