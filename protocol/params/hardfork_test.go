package params

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNetworkVersionMainnet(t *testing.T) {
	tests := []struct {
		height uint64
		want   HF
	}{
		{0, HF7},
		{64323, HF7},
		{64324, HF8},
		{321467, HF12Checkpointing},
		{641110, HF15ONS},
		{641111, HF16Pulse},
		{839009, HF18},
		{1080149, HF19RewardBatching},
		{10_000_000, HF19RewardBatching},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, NetworkVersion(Mainnet, tt.height), "height %d", tt.height)
	}
}

func TestNetworkVersionRevision(t *testing.T) {
	ver, rev := NetworkVersionRevision(Mainnet, 1146479)
	require.Equal(t, HF19RewardBatching, ver)
	require.Equal(t, uint8(2), rev)

	ver, rev = NetworkVersionRevision(Testnet, 1)
	require.Equal(t, HF7, ver)
	require.Equal(t, uint8(0), rev)
}

func TestHardForkBeginsSkipsMissingVersions(t *testing.T) {
	h, ok := HardForkBegins(Testnet, HF9ServiceNodes)
	require.True(t, ok)
	require.Equal(t, uint64(2), h, "testnet jumps from hf7 straight to hf11")

	h, ok = HardForkBegins(Mainnet, HF16Pulse)
	require.True(t, ok)
	require.Equal(t, uint64(641111), h)

	_, ok = HardForkBegins(Devnet, HF21)
	require.False(t, ok)
}

func TestIsValidBlockVersion(t *testing.T) {
	require.True(t, IsValidBlockVersion(Mainnet, 100, 7, 7))
	require.True(t, IsValidBlockVersion(Mainnet, 100, 7, 9))
	require.False(t, IsValidBlockVersion(Mainnet, 100, 7, 6))
	require.False(t, IsValidBlockVersion(Mainnet, 100, 8, 8))
	require.True(t, IsValidBlockVersion(Mainnet, 1080149, 19, 0))
}

func TestTxVersionBounds(t *testing.T) {
	require.Equal(t, TxVersion2RingCT, MinTxVersion(HF10Bulletproofs))
	require.Equal(t, TxVersion4TxTypes, MinTxVersion(HF11InfiniteStaking))
	require.Equal(t, TxVersion2RingCT, MaxTxVersion(HF8))
	require.Equal(t, TxVersion3PerOutputUnlockTimes, MaxTxVersion(HF9ServiceNodes))
	require.Equal(t, TxVersion4TxTypes, MaxTxVersion(HF16Pulse))

	require.Equal(t, TxTypeStandard, MaxTxType(HF8))
	require.Equal(t, TxTypeStateChange, MaxTxType(HF10Bulletproofs))
	require.Equal(t, TxTypeKeyImageUnlock, MaxTxType(HF13EnforceCheckpoints))
	require.Equal(t, TxTypeStake, MaxTxType(HF14Blink))
	require.Equal(t, TxTypeOxenNameSystem, MaxTxType(HF19RewardBatching))
}

func TestSetFakechainHardForks(t *testing.T) {
	orig := HardForks(Fakechain)
	t.Cleanup(func() { require.NoError(t, SetFakechainHardForks(orig)) })

	require.Error(t, SetFakechainHardForks(nil))
	require.Error(t, SetFakechainHardForks([]HardFork{{HF7, 0, 5}}))
	require.Error(t, SetFakechainHardForks([]HardFork{{HF8, 0, 0}, {HF7, 0, 10}}))

	require.NoError(t, SetFakechainHardForks([]HardFork{{HF7, 0, 0}, {HF16Pulse, 0, 10}}))
	require.Equal(t, HF7, NetworkVersion(Fakechain, 9))
	require.Equal(t, HF16Pulse, NetworkVersion(Fakechain, 10))
}

func TestGovernanceWalletSwitch(t *testing.T) {
	cfg := Config(Mainnet)
	require.Equal(t, cfg.GovernanceWalletAddress[0], cfg.GovernanceWallet(HF10Bulletproofs))
	require.Equal(t, cfg.GovernanceWalletAddress[1], cfg.GovernanceWallet(HF11InfiniteStaking))
	require.Equal(t, uint64(5040), cfg.GovernanceRewardIntervalInBlocks)
	require.Equal(t, uint64(20), Config(Fakechain).BatchingInterval)
}

func TestDerivedConstants(t *testing.T) {
	require.Equal(t, uint64(720), BlocksPerDay)
	require.Equal(t, uint64(11), uint64(ReorgSafetyBufferBlocksPostHF12))
	require.Equal(t, uint64(16_500_000_000), ServiceNodeRewardHF15)
	require.Equal(t, uint64(BlockRewardHF17), ServiceNodeRewardHF15+FoundationRewardHF17)
}
