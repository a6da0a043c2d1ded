package params

import "math"

// Atomic units.
const (
	Coin          = uint64(1_000_000_000)
	MoneySupply   = uint64(math.MaxUint64)
	PremineReward = 210_000_000 * Coin
)

// Emission curve (hf7).
const (
	EmissionLinearBase       = uint64(1) << 58
	EmissionSupplyMultiplier = 19
	EmissionSupplyDivisor    = 10
	EmissionDivisor          = 2_000_000
)

// Fixed block rewards.
const (
	BlockRewardHF15        = 25 * Coin
	ServiceNodeRewardHF15  = BlockRewardHF15 * 66 / 100
	FoundationRewardHF15   = BlockRewardHF15 * 10 / 100
	ChainflipLiquidityHF16 = BlockRewardHF15 * 24 / 100
	BlockRewardHF17        = 18_333_333_333
	FoundationRewardHF17   = 1_833_333_333
	BlockRewardHF21        = 21 * Coin
	ServiceNodeRewardHF21  = BlockRewardHF21 * 90 / 100
	FoundationRewardHF21   = BlockRewardHF21 * 10 / 100
)

// Staking.
const (
	StakingPortions     = uint64(0xfffffffffffffffc)
	MaxContributorsV1   = 4
	MaxContributorsHF19 = 10
	BatchRewardFactor   = 1000
)

// ONS burn amounts.
const (
	ONSBasicFeeHF18 = 7 * Coin
	ONSBasicFeeHF16 = 15 * Coin
	ONSBasicFee     = 20 * Coin
)

// MaxContributors is the number of stake contributors a node may have at
// version.
func MaxContributors(version HF) int {
	if version >= HF19RewardBatching {
		return MaxContributorsHF19
	}
	return MaxContributorsV1
}
