package params

import (
	"fmt"
	"sync"
)

// HF names a consensus epoch. Every validation rule is gated by an ordered
// comparison against one of these values.
type HF uint8

const (
	HF7 HF = iota + 7
	HF8
	HF9ServiceNodes
	HF10Bulletproofs
	HF11InfiniteStaking
	HF12Checkpointing
	HF13EnforceCheckpoints
	HF14Blink
	HF15ONS
	HF16Pulse
	HF17
	HF18
	HF19RewardBatching
	HF20
	HF21
)

// Feature gates. A feature is active when the block's hard fork is >= the gate.
const (
	FeaturePerByteFee                        = HF10Bulletproofs
	FeatureSmallerBP                         = HF11InfiniteStaking
	FeatureLongTermBlockWeight               = HF11InfiniteStaking
	FeatureIncreaseFee                       = HF12Checkpointing
	FeaturePerOutputFee                      = HF13EnforceCheckpoints
	FeatureFeeBurning                        = HF14Blink
	FeatureBlink                             = HF14Blink
	FeatureMin2Outputs                       = HF16Pulse
	FeatureRejectSigsInCoinbase              = HF16Pulse
	FeatureEnforceMinAge                     = HF16Pulse
	FeatureEffectiveShortTermMedianInPenalty = HF16Pulse
	FeaturePulse                             = HF16Pulse
	FeatureCLSAG                             = HF16Pulse
	FeatureProofBTEnc                        = HF18
)

func (v HF) String() string {
	return fmt.Sprintf("hf%d", uint8(v))
}

// HardFork is one row of a network's fork table.
type HardFork struct {
	Version       HF
	SnodeRevision uint8
	Height        uint64
}

var mainnetHardForks = []HardFork{
	{HF7, 0, 0},
	{HF8, 0, 64324},
	{HF9ServiceNodes, 0, 101250},
	{HF10Bulletproofs, 0, 161849},
	{HF11InfiniteStaking, 0, 234767},
	{HF12Checkpointing, 0, 321467},
	{HF13EnforceCheckpoints, 0, 385824},
	{HF14Blink, 0, 442333},
	{HF15ONS, 0, 496969},
	{HF16Pulse, 0, 641111},
	{HF17, 0, 770711},
	{HF18, 0, 785000},
	{HF18, 1, 839009},
	{HF19RewardBatching, 0, 1080149},
	{HF19RewardBatching, 1, 1090229},
	{HF19RewardBatching, 2, 1146479},
	{HF19RewardBatching, 3, 1253039},
	{HF19RewardBatching, 4, 1523759},
}

var testnetHardForks = []HardFork{
	{HF7, 0, 0},
	{HF11InfiniteStaking, 0, 2},
	{HF12Checkpointing, 0, 3},
	{HF13EnforceCheckpoints, 0, 4},
	{HF14Blink, 0, 5},
	{HF15ONS, 0, 6},
	{HF16Pulse, 0, 200},
	{HF17, 0, 251},
	{HF18, 0, 252},
	{HF19RewardBatching, 0, 253},
	{HF19RewardBatching, 1, 254},
	{HF19RewardBatching, 2, 62885},
	{HF19RewardBatching, 3, 161000},
	{HF19RewardBatching, 4, 440900},
}

var (
	fakechainMu        sync.RWMutex
	fakechainHardForks = []HardFork{{HF7, 0, 0}}
)

var devnetHardForks = []HardFork{
	{HF7, 0, 0},
	{HF11InfiniteStaking, 0, 2},
	{HF12Checkpointing, 0, 3},
	{HF13EnforceCheckpoints, 0, 4},
	{HF14Blink, 0, 5},
	{HF15ONS, 0, 6},
	{HF16Pulse, 0, 100},
	{HF17, 0, 151},
	{HF18, 0, 152},
	{HF19RewardBatching, 0, 153},
	{HF19RewardBatching, 1, 154},
}

// HardForks returns the fork table for net. Fakechain tables are whatever
// was installed with SetFakechainHardForks; by default every height runs
// hf7 rules.
func HardForks(net NetType) []HardFork {
	switch net {
	case Mainnet:
		return mainnetHardForks
	case Testnet:
		return testnetHardForks
	case Devnet:
		return devnetHardForks
	default:
		fakechainMu.RLock()
		defer fakechainMu.RUnlock()
		return fakechainHardForks
	}
}

// SetFakechainHardForks installs the fork table used by the fakechain
// network. The table must be non-empty, start at height 0 and be sorted by
// height and version.
func SetFakechainHardForks(forks []HardFork) error {
	if len(forks) == 0 {
		return fmt.Errorf("empty fork table")
	}
	if forks[0].Height != 0 {
		return fmt.Errorf("fork table must start at height 0")
	}
	for i := 1; i < len(forks); i++ {
		if forks[i].Height <= forks[i-1].Height || forks[i].Version < forks[i-1].Version {
			return fmt.Errorf("fork table out of order at index %d", i)
		}
	}
	cp := make([]HardFork, len(forks))
	copy(cp, forks)

	fakechainMu.Lock()
	fakechainHardForks = cp
	fakechainMu.Unlock()
	return nil
}

// NetworkVersion returns the hard fork active at height.
func NetworkVersion(net NetType, height uint64) HF {
	forks := HardForks(net)
	result := forks[0].Version
	for _, f := range forks {
		if f.Height > height {
			break
		}
		result = f.Version
	}
	return result
}

// NetworkVersionRevision returns the hard fork and snode revision active at
// height.
func NetworkVersionRevision(net NetType, height uint64) (HF, uint8) {
	forks := HardForks(net)
	ver, rev := forks[0].Version, forks[0].SnodeRevision
	for _, f := range forks {
		if f.Height > height {
			break
		}
		ver, rev = f.Version, f.SnodeRevision
	}
	return ver, rev
}

// HardForkBegins returns the first height running version, or false when the
// network never activates it. When a version is skipped the height of the
// next higher version is returned.
func HardForkBegins(net NetType, version HF) (uint64, bool) {
	for _, f := range HardForks(net) {
		if f.Version >= version {
			return f.Height, true
		}
	}
	return 0, false
}

// IdealMinorVersion is the minor version a freshly produced block at height
// should carry.
func IdealMinorVersion(net NetType, height uint64) uint8 {
	ver, rev := NetworkVersionRevision(net, height)
	if ver < HF19RewardBatching {
		forks := HardForks(net)
		return uint8(forks[len(forks)-1].Version)
	}
	return rev
}

// IsValidBlockVersion reports whether a block at height may carry the given
// major/minor version pair.
func IsValidBlockVersion(net NetType, height uint64, major, minor uint8) bool {
	ver := NetworkVersion(net, height)
	if HF(major) != ver {
		return false
	}
	if ver < HF19RewardBatching {
		return minor >= major
	}
	return true
}

// MinTxVersion is the lowest transaction version accepted at version.
func MinTxVersion(version HF) TxVersion {
	if version >= HF11InfiniteStaking {
		return TxVersion4TxTypes
	}
	return TxVersion2RingCT
}

// MaxTxVersion is the highest transaction version accepted at version.
func MaxTxVersion(version HF) TxVersion {
	switch {
	case version <= HF8:
		return TxVersion2RingCT
	case version <= HF10Bulletproofs:
		return TxVersion3PerOutputUnlockTimes
	default:
		return TxVersion4TxTypes
	}
}

// MaxTxType is the highest transaction type accepted at version.
func MaxTxType(version HF) TxType {
	switch {
	case version >= HF15ONS:
		return TxTypeOxenNameSystem
	case version >= HF14Blink:
		return TxTypeStake
	case version >= HF11InfiniteStaking:
		return TxTypeKeyImageUnlock
	case version >= HF9ServiceNodes:
		return TxTypeStateChange
	default:
		return TxTypeStandard
	}
}

// TxVersion is the transaction serialization version.
type TxVersion uint64

const (
	TxVersion1                     TxVersion = 1
	TxVersion2RingCT               TxVersion = 2
	TxVersion3PerOutputUnlockTimes TxVersion = 3
	TxVersion4TxTypes              TxVersion = 4
)

// TxType is the v4+ transaction type tag.
type TxType uint16

const (
	TxTypeStandard TxType = iota
	TxTypeStateChange
	TxTypeKeyImageUnlock
	TxTypeStake
	TxTypeOxenNameSystem
	TxTypeCount
)

func (t TxType) String() string {
	switch t {
	case TxTypeStandard:
		return "standard"
	case TxTypeStateChange:
		return "state_change"
	case TxTypeKeyImageUnlock:
		return "key_image_unlock"
	case TxTypeStake:
		return "stake"
	case TxTypeOxenNameSystem:
		return "oxen_name_system"
	default:
		return fmt.Sprintf("tx_type(%d)", uint16(t))
	}
}

// IsTransfer reports whether transactions of this type move funds (have
// inputs and pay fees).
func (t TxType) IsTransfer() bool {
	return t == TxTypeStandard || t == TxTypeStake || t == TxTypeOxenNameSystem
}
