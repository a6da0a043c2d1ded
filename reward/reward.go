// Package reward implements the emission schedule and the split of each
// block's reward between the block producer, service nodes and governance.
package reward

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/x-vinnci/saferun-core-sub001/arith"
	"github.com/x-vinnci/saferun-core-sub001/logging"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

var log = logging.Category("reward")

var (
	ErrBlockTooBig = errors.New("block weight exceeds twice the median")
	ErrZeroReward  = errors.New("unexpected base reward of 0")
	ErrAllocation  = errors.New("reward allocation does not match the base reward")
)

// Parts is a block's reward broken down by recipient class.
type Parts struct {
	// OriginalBaseReward is the reward the governance and service node
	// shares are computed from.
	OriginalBaseReward uint64
	BaseMiner          uint64
	MinerFee           uint64
	ServiceNodeTotal   uint64
	GovernanceDue      uint64
	GovernancePaid     uint64
}

// Context carries the per-block inputs of BlockReward.
type Context struct {
	Fee               uint64
	Height            uint64
	LeaderPayouts     []Payout
	BatchedGovernance uint64
}

// EmissionV7 is the hf7 smooth emission curve. The supply component wraps
// like the 64-bit arithmetic it was specified in.
func EmissionV7(alreadyGenerated uint64) uint64 {
	supply := alreadyGenerated * params.EmissionSupplyMultiplier / params.EmissionSupplyDivisor
	if supply > params.EmissionLinearBase {
		return 0
	}
	return (params.EmissionLinearBase - supply) / params.EmissionDivisor
}

// EmissionV8 halves the variable part of the reward every 90 days.
func EmissionV8(height uint64) uint64 {
	return uint64(28_000_000_000.0 + 100_000_000_000.0/math.Exp2(float64(height)/(720.0*90)))
}

func unpenalizedReward(version params.HF, alreadyGenerated, height uint64) uint64 {
	switch {
	case version >= params.HF21:
		return params.BlockRewardHF21
	case version >= params.HF17:
		return params.BlockRewardHF17
	case version >= params.HF15ONS:
		return params.BlockRewardHF15
	case version >= params.HF8:
		return EmissionV8(height)
	default:
		return EmissionV7(alreadyGenerated)
	}
}

// Penalize applies the quadratic weight penalty to base. median is raised
// to the full reward zone first.
func Penalize(base, median, current uint64) (uint64, error) {
	if median < params.MinBlockWeight {
		median = params.MinBlockWeight
	}
	if current <= median {
		return base, nil
	}
	if current > 2*median {
		return 0, fmt.Errorf("%w: %d > 2*%d", ErrBlockTooBig, current, median)
	}
	if median >= math.MaxUint32 || current >= math.MaxUint32 {
		return 0, fmt.Errorf("%w: weights out of range", ErrBlockTooBig)
	}

	multiplicand := (2*median - current) * current
	hi, lo := arith.Mul128(base, multiplicand)
	hi, lo, _ = arith.Div128By32(hi, lo, uint32(median))
	hi, lo, _ = arith.Div128By32(hi, lo, uint32(median))
	if hi != 0 || lo >= base {
		return 0, fmt.Errorf("penalty arithmetic out of range: %d:%d", hi, lo)
	}
	return lo, nil
}

// BaseReward returns the penalized and unpenalized base reward of a block
// of weight current.
func BaseReward(median, current, alreadyGenerated uint64, version params.HF, height uint64) (reward, unpenalized uint64, err error) {
	if alreadyGenerated == 0 {
		return params.PremineReward, params.PremineReward, nil
	}

	base := unpenalizedReward(version, alreadyGenerated, height)
	reward, err = Penalize(base, median, current)
	if err != nil {
		return 0, 0, err
	}
	return reward, base, nil
}

// GovernanceRewardFormula is the governance share of a block.
func GovernanceRewardFormula(version params.HF, base uint64) uint64 {
	switch {
	case version >= params.HF21:
		return params.FoundationRewardHF21
	case version >= params.HF17:
		return params.FoundationRewardHF17
	case version >= params.HF16Pulse:
		return params.FoundationRewardHF15 + params.ChainflipLiquidityHF16
	case version >= params.HF15ONS:
		return params.FoundationRewardHF15
	default:
		return base / 20
	}
}

// ServiceNodeRewardFormula is the share of a block that goes to the winning
// service node.
func ServiceNodeRewardFormula(base uint64, version params.HF) uint64 {
	switch {
	case version >= params.HF21:
		return params.ServiceNodeRewardHF21
	case version >= params.HF15ONS:
		return params.ServiceNodeRewardHF15
	case version >= params.HF9ServiceNodes:
		return base / 2
	default:
		return 0
	}
}

// HeightHasGovernanceOutput reports whether the miner tx at height carries
// the governance output. From hf19 the governance share is credited to the
// batch ledger and paid like any other batched payment.
func HeightHasGovernanceOutput(net params.NetType, version params.HF, height uint64) bool {
	if height == 0 || version >= params.HF19RewardBatching {
		return false
	}
	if version <= params.HF9ServiceNodes {
		return true
	}
	return height%params.Config(net).GovernanceRewardIntervalInBlocks == 0
}

// BlockReward splits a block's reward. It fails when the weight is
// oversized or, from hf16, when the fixed allocation does not add up.
func BlockReward(median, current, alreadyGenerated uint64, version params.HF, ctx Context) (Parts, error) {
	var parts Parts
	base, unpenalized, err := BaseReward(median, current, alreadyGenerated, version, ctx.Height)
	if err != nil {
		return Parts{}, err
	}
	if base == 0 {
		return Parts{}, ErrZeroReward
	}

	if alreadyGenerated == 0 {
		parts.OriginalBaseReward = base
		parts.BaseMiner = base
		return parts, nil
	}

	// Before hf13 the shares were computed from the penalized reward.
	parts.OriginalBaseReward = base
	if version >= params.HF13EnforceCheckpoints {
		parts.OriginalBaseReward = unpenalized
	}

	parts.GovernanceDue = GovernanceRewardFormula(version, parts.OriginalBaseReward)
	parts.GovernancePaid = parts.GovernanceDue
	if version >= params.HF10Bulletproofs {
		parts.GovernancePaid = ctx.BatchedGovernance
	}

	snReward := ServiceNodeRewardFormula(parts.OriginalBaseReward, version)
	if version < params.HF16Pulse {
		parts.ServiceNodeTotal = SumOfPortions(ctx.LeaderPayouts, snReward)
		nonMiner := parts.GovernanceDue + parts.ServiceNodeTotal
		if base > nonMiner {
			parts.BaseMiner = base - nonMiner
		}
		parts.MinerFee = ctx.Fee
		return parts, nil
	}

	parts.ServiceNodeTotal = snReward
	// From hf16 any penalty is paid out of the producer's fees.
	penalty := unpenalized - base
	if penalty < ctx.Fee {
		parts.MinerFee = ctx.Fee - penalty
	}

	allocated := parts.GovernanceDue + parts.ServiceNodeTotal
	if allocated != unpenalized {
		log.WithFields(logrus.Fields{
			"allocated": allocated,
			"available": unpenalized,
			"version":   version,
		}).Error("block reward allocation mismatch")
		return Parts{}, fmt.Errorf("%w: allocated %d of %d", ErrAllocation, allocated, unpenalized)
	}
	return parts, nil
}
