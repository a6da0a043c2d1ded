package params

import "time"

// Block and transaction limits.
const (
	MaxBlockNumber = 500_000_000
	MaxTxSize      = 1_000_000
	MaxTxPerBlock  = 0x10000000

	MinedMoneyUnlockWindow = 30
	DefaultTxSpendableAge  = 10
	TxOutputDecoys         = 9
	RingSize               = TxOutputDecoys + 1

	TxBulletproofMaxOutputs = 16

	BlockchainTimestampCheckWindow = 60
	BlockFutureTimeLimit           = 60 * 10

	RewardBlocksWindow               = 100
	MinBlockWeight                   = 300_000 // full reward zone
	LongTermBlockWeightWindowSize    = 100_000
	ShortTermBlockWeightSurgeFactor  = 50
	CoinbaseBlobReservedSize         = 600
	HashOfHashesStep                 = 256
	FindBlockchainSupplementMaxSize  = 100 * 1024 * 1024
	DifficultyWindow                 = 59
	PulseFixedDifficulty             = 1_000_000
	DifficultyBuggyGraceHeight       = 526_483
	DifficultyBuggyGraceNumerator    = 998
	DifficultyBuggyGraceDenominator  = 1000
	BlockSizeGrowthFavoredZoneFactor = 2
	// LockedTxAllowedDeltaSeconds is the clock skew tolerated for
	// time-locked outputs.
	LockedTxAllowedDeltaSeconds = 120
)

// Timing.
const (
	TargetBlockTime = 2 * time.Minute
	BlocksPerHour   = uint64(time.Hour / TargetBlockTime)
	BlocksPerDay    = 24 * BlocksPerHour

	MempoolTxLivetime              = 3 * 24 * time.Hour
	MempoolTxFromAltBlockLivetime  = 7 * 24 * time.Hour
	DefaultMempoolMaxWeight        = uint64(72*time.Hour/TargetBlockTime) * MinBlockWeight
	MempoolPruneNonStandardTxAfter = 2 * time.Hour
)

// Fees.
const (
	FeePerByteV13                  = 215
	FeePerOutputV13                = 20_000_000
	FeePerOutputV18                = 5_000_000
	DynamicFeeReferenceTxWeight    = 3_000
	DynamicFeeReferenceTxWeightV12 = 240_000
	DynamicFeePerKBBaseFeeV5       = 400_000_000
	DynamicFeePerKBBaseBlockReward = 10_000_000_000_000
	FeeQuantizationDecimals        = 8
	DisplayDecimalPoint            = 9

	// BlockRewardOverestimate stands in for the base reward when a fee
	// estimate cannot compute it.
	BlockRewardOverestimate = 10 * 1_000_000_000_000

	// Fees are rounded up to a multiple of 10^(DisplayDecimalPoint-FeeQuantizationDecimals).
	FeeQuantizationMask = 10

	BlinkMinerTxFeePercent   = 100
	BlinkBurnFixed           = 0
	BlinkBurnTxFeePercentV15 = 150
	BlinkBurnTxFeePercentV18 = 200
)

// DifficultyBlocksCount is the number of blocks fed to the difficulty
// algorithm for a chain running version.
func DifficultyBlocksCount(version HF) uint64 {
	if version >= HF16Pulse {
		return DifficultyWindow + 1
	}
	return DifficultyWindow + 2
}

// BlinkBurnTxFeePercent is the share of the base fee a blink tx must burn.
func BlinkBurnTxFeePercent(version HF) uint64 {
	if version >= HF18 {
		return BlinkBurnTxFeePercentV18
	}
	return BlinkBurnTxFeePercentV15
}

// ReorgWindow bounds how far below the tip an alternative block may fork.
const ReorgWindow = BlocksPerDay
