package chain

import (
	"github.com/x-vinnci/saferun-core-sub001/arith"
	"github.com/x-vinnci/saferun-core-sub001/blockdb"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/mempool"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
	"github.com/x-vinnci/saferun-core-sub001/reward"
)

// weightState is the block weight limit of the next block and the cached
// long-term median it derives from.
type weightState struct {
	// limit is the most the next block may weigh.
	limit uint64
	// median is the effective median the next block's penalty uses.
	median            uint64
	longTermEffective uint64

	lt       *RollingMedian
	ltHeight uint64
	ltTip    crypto.Hash
}

// FullRewardZone is the block weight below which no penalty applies.
func FullRewardZone(params.HF) uint64 { return params.MinBlockWeight }

// recentWeightsLocked returns the weights of the last n blocks below
// height, oldest first.
func (bc *Blockchain) recentWeightsLocked(height, n uint64) ([]uint64, error) {
	start := height - min(n, height)
	out := make([]uint64, 0, height-start)
	for h := start; h < height; h++ {
		info, err := bc.db.BlockInfo(h)
		if err != nil {
			return nil, err
		}
		out = append(out, info.Weight)
	}
	return out, nil
}

// longTermMedianLocked is the median of the long-term weights of the last
// LongTermBlockWeightWindowSize main chain blocks. The window is cached
// and advanced one block at a time while the chain only grows.
func (bc *Blockchain) longTermMedianLocked() (uint64, error) {
	height, err := bc.db.Height()
	if err != nil || height == 0 {
		return 0, err
	}
	tip, err := bc.db.TopBlockHash()
	if err != nil {
		return 0, err
	}

	w := &bc.weights
	if w.lt != nil && w.ltHeight == height && w.ltTip == tip {
		return w.lt.Median(), nil
	}
	if w.lt != nil && w.ltHeight > 0 && w.ltHeight+1 == height {
		prev, err := bc.db.BlockHashFromHeight(w.ltHeight - 1)
		if err == nil && prev == w.ltTip {
			info, err := bc.db.BlockInfo(height - 1)
			if err != nil {
				return 0, err
			}
			w.lt.Insert(info.LongTermWeight)
			w.ltHeight, w.ltTip = height, tip
			return w.lt.Median(), nil
		}
	}

	if w.lt == nil {
		w.lt = NewRollingMedian(params.LongTermBlockWeightWindowSize)
	}
	w.lt.Clear()
	start := height - min(uint64(params.LongTermBlockWeightWindowSize), height)
	err = bc.db.ForAllBlocks(start, func(info blockdb.BlockInfo) error {
		w.lt.Insert(info.LongTermWeight)
		return nil
	})
	if err != nil {
		w.lt = nil
		return 0, err
	}
	w.ltHeight, w.ltTip = height, tip
	log.WithField("height", height).WithField("blocks", w.lt.Size()).Debug("rebuilt long-term weight median")
	return w.lt.Median(), nil
}

// nextLongTermWeightLocked caps a block's weight to what it contributes to
// the long-term median.
func (bc *Blockchain) nextLongTermWeightLocked(version params.HF, weight uint64) (uint64, error) {
	if version < params.FeatureLongTermBlockWeight {
		return weight, nil
	}
	lt, err := bc.longTermMedianLocked()
	if err != nil {
		return 0, err
	}
	eff := max(lt, params.MinBlockWeight)
	return min(weight, eff+eff*2/5), nil
}

// updateWeightLimitLocked recomputes the weight limit of the next block.
func (bc *Blockchain) updateWeightLimitLocked() error {
	height, err := bc.db.Height()
	if err != nil {
		return err
	}
	version := bc.version(height)
	weights, err := bc.recentWeightsLocked(height, params.RewardBlocksWindow)
	if err != nil {
		return err
	}
	short := median(weights)

	w := &bc.weights
	if version < params.FeatureLongTermBlockWeight {
		m := max(short, params.MinBlockWeight)
		w.median, w.longTermEffective = m, m
		w.limit = 2 * m
		return nil
	}

	lt, err := bc.longTermMedianLocked()
	if err != nil {
		return err
	}
	ltEff := max(lt, params.MinBlockWeight)
	eff := min(max(short, params.MinBlockWeight), params.ShortTermBlockWeightSurgeFactor*ltEff)
	w.median, w.longTermEffective = eff, ltEff
	w.limit = 2 * eff
	return nil
}

// BlockWeightLimit is the most the next block may weigh.
func (bc *Blockchain) BlockWeightLimit() uint64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.weights.limit
}

// BlockWeightMedian is the effective median weight the next block is
// penalized against.
func (bc *Blockchain) BlockWeightMedian() uint64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.weights.median
}

// generatedCoinsLocked is the emission up to and including the block at
// height.
func (bc *Blockchain) generatedCoinsLocked(height uint64) (uint64, error) {
	info, err := bc.db.BlockInfo(height)
	if err != nil {
		return 0, err
	}
	return info.GeneratedCoins, nil
}

// DynamicBaseFee returns the base fee per byte (per kB before per-byte
// fees) and per output for a given base reward and median weight.
func DynamicBaseFee(blockReward, medianWeight uint64, version params.HF) (perByte, perOutput uint64) {
	medianWeight = max(medianWeight, params.MinBlockWeight)

	if version >= params.FeaturePerOutputFee {
		perOutput = params.FeePerOutputV13
		if version >= params.HF18 {
			perOutput = params.FeePerOutputV18
		}
		return params.FeePerByteV13, perOutput
	}

	if version >= params.FeaturePerByteFee {
		ref := uint64(params.DynamicFeeReferenceTxWeight)
		if version >= params.FeatureIncreaseFee {
			ref = params.DynamicFeeReferenceTxWeightV12
		}
		hi, lo := arith.Mul128(blockReward, ref)
		hi, lo, _ = arith.Div128By64(hi, lo, params.MinBlockWeight)
		hi, lo, _ = arith.Div128By64(hi, lo, medianWeight)
		_, lo, _ = arith.Div128By64(hi, lo, 5)
		return lo, 0
	}

	unscaled := params.DynamicFeePerKBBaseFeeV5 * params.MinBlockWeight / medianWeight
	hi, lo := arith.Mul128(unscaled, blockReward)
	hi, lo, _ = arith.Div128By64(hi, lo, 1_000_000)
	_, lo, _ = arith.Div128By64(hi, lo, params.DynamicFeePerKBBaseBlockReward/1_000_000)
	return roundUpToMask(lo), 0
}

func roundUpToMask(fee uint64) uint64 {
	const mask = params.FeeQuantizationMask
	return (fee + mask - 1) / mask * mask
}

// checkFeeLocked verifies a transaction pays the dynamic fee and burns
// what opts demand.
func (bc *Blockchain) checkFeeLocked(version params.HF, weight uint64, outputs int, fee, burned uint64, opts mempool.TxOptions) error {
	height, err := bc.db.Height()
	if err != nil {
		return err
	}
	if height == 0 {
		return ErrNoGenesis
	}
	median := bc.weights.limit / 2
	gen, err := bc.generatedCoinsLocked(height - 1)
	if err != nil {
		return err
	}
	base, _, err := reward.BaseReward(median, 1, gen, version, height)
	if err != nil {
		return invalid(ReasonFeeTooLow, "failed to compute base reward: %v", err)
	}

	var needed uint64
	if version >= params.FeaturePerByteFee {
		m := median
		if version >= params.FeatureLongTermBlockWeight {
			m = min(median, bc.weights.longTermEffective)
		}
		perByte, perOutput := DynamicBaseFee(base, m, version)
		needed = roundUpToMask(weight*perByte + uint64(outputs)*perOutput)
	} else {
		perKB, _ := DynamicBaseFee(base, median, version)
		needed = (weight + 1023) / 1024 * perKB
	}

	// Fees up to 2% short of the requirement pass.
	needed -= needed / 50
	baseMinerFee := needed
	if needed, err = arith.MulDiv(needed, max(opts.FeePercent, 100), 100); err != nil {
		return invalid(ReasonFeeTooLow, "fee requirement overflows: %v", err)
	}
	if fee < needed {
		return invalid(ReasonFeeTooLow, "fee %d is below the required %d", fee, needed)
	}

	if opts.BurnFixed > 0 || opts.BurnPercent > 0 {
		needBurn := opts.BurnFixed + baseMinerFee*opts.BurnPercent/100
		if burned < needBurn {
			return invalid(ReasonFeeTooLow, "burned %d is below the required %d", burned, needBurn)
		}
	}
	return nil
}

// CheckFee verifies a transaction of weight bytes with outputs outputs
// pays enough fee and burns enough for opts.
func (bc *Blockchain) CheckFee(weight uint64, outputs int, fee, burned uint64, opts mempool.TxOptions) error {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	height, err := bc.db.Height()
	if err != nil {
		return err
	}
	return bc.checkFeeLocked(bc.version(height), weight, outputs, fee, burned, opts)
}

// DynamicBaseFeeEstimate is the fee per byte and per output wallets should
// pay, computed as if graceBlocks blocks of minimum weight were about to
// join the median window.
func (bc *Blockchain) DynamicBaseFeeEstimate(graceBlocks uint64) (perByte, perOutput uint64, err error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	height, err := bc.db.Height()
	if err != nil {
		return 0, 0, err
	}
	if height == 0 {
		return 0, 0, ErrNoGenesis
	}
	version := bc.version(height)
	graceBlocks = min(graceBlocks, params.RewardBlocksWindow-1)

	weights, err := bc.recentWeightsLocked(height, params.RewardBlocksWindow-graceBlocks)
	if err != nil {
		return 0, 0, err
	}
	for i := uint64(0); i < graceBlocks; i++ {
		weights = append(weights, params.MinBlockWeight)
	}
	m := max(median(weights), params.MinBlockWeight)

	gen, err := bc.generatedCoinsLocked(height - 1)
	if err != nil {
		return 0, 0, err
	}
	base, _, err := reward.BaseReward(bc.weights.limit/2, 1, gen, version, height)
	if err != nil {
		base = params.BlockRewardOverestimate
	}
	if version >= params.FeatureLongTermBlockWeight {
		m = min(m, bc.weights.longTermEffective)
	}
	perByte, perOutput = DynamicBaseFee(base, m, version)
	return perByte, perOutput, nil
}
