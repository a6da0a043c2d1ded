package chain

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/mempool"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
	"github.com/x-vinnci/saferun-core-sub001/reward"
	"github.com/x-vinnci/saferun-core-sub001/servicenodes"
)

func TestRingCTTypeWindows(t *testing.T) {
	net := params.Mainnet
	hf10, ok := params.HardForkBegins(net, params.HF10Bulletproofs)
	require.True(t, ok)
	hf16, ok := params.HardForkBegins(net, params.HF16Pulse)
	require.True(t, ok)

	cases := []struct {
		typ     cryptonote.RCTType
		version params.HF
		height  uint64
		want    bool
	}{
		{cryptonote.RCTTypeSimple, params.HF7, 1, true},
		{cryptonote.RCTTypeSimple, params.HF10Bulletproofs, hf10, true},
		{cryptonote.RCTTypeSimple, params.HF10Bulletproofs, hf10 + 1, false},
		{cryptonote.RCTTypeFull, params.HF11InfiniteStaking, hf10, true},
		{cryptonote.RCTTypeBulletproof, params.HF7, 1, false},
		{cryptonote.RCTTypeBulletproof, params.HF10Bulletproofs, hf10 + 5, true},
		{cryptonote.RCTTypeBulletproof2, params.HF16Pulse, hf16 + 9, true},
		{cryptonote.RCTTypeBulletproof2, params.HF16Pulse, hf16 + 10, false},
		{cryptonote.RCTTypeBulletproof2, params.HF17, hf16 + 1, false},
		{cryptonote.RCTTypeCLSAG, params.HF15ONS, hf16 - 1, false},
		{cryptonote.RCTTypeCLSAG, params.HF16Pulse, hf16, true},
		{cryptonote.RCTTypeNull, params.HF16Pulse, hf16, false},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%s/%s/%d", c.typ, c.version, c.height), func(t *testing.T) {
			require.Equal(t, c.want, rctTypeAllowed(net, c.typ, c.version, c.height))
		})
	}
}

func TestDynamicBaseFeeFromHF13(t *testing.T) {
	perByte, perOutput := DynamicBaseFee(1, 1, params.HF13EnforceCheckpoints)
	require.Equal(t, uint64(params.FeePerByteV13), perByte)
	require.Equal(t, uint64(params.FeePerOutputV13), perOutput)

	_, perOutput = DynamicBaseFee(1, 1, params.HF18)
	require.Equal(t, uint64(params.FeePerOutputV18), perOutput)
}

func TestDynamicBaseFeeScalesWithReward(t *testing.T) {
	low, _ := DynamicBaseFee(10*params.Coin, params.MinBlockWeight, params.HF7)
	high, _ := DynamicBaseFee(20*params.Coin, params.MinBlockWeight, params.HF7)
	require.Greater(t, high, low)
	require.Zero(t, high%params.FeeQuantizationMask)

	// A fuller median lowers the fee.
	crowded, _ := DynamicBaseFee(20*params.Coin, 4*params.MinBlockWeight, params.HF7)
	require.Less(t, crowded, high)
}

// inputRulesNode is a node whose next block is the first hf16 block, with
// old unlocked outputs to spend and one output young enough to break the
// minimum age.
func inputRulesNode(t *testing.T) (n *testNode, stub *stubList, young uint64) {
	t.Helper()
	useForks(t, params.HardFork{Version: params.HF7}, params.HardFork{Version: params.HF16Pulse, Height: 45})
	n, stub = newStubNode(t, params.Fakechain, newTestClock(testEpoch))

	n.mineBlocks(40)
	tx, blob, _ := transferTx(t, testKeyImage(t), n.spendableRing(), params.Coin)
	require.NoError(t, n.pool.AddTx(tx, blob, mempool.TxOptions{}))
	b := n.mine()
	require.Len(t, b.TxHashes, 1)
	total, err := n.db.NumOutputs(0)
	require.NoError(t, err)
	young = total - 1

	n.mineBlocks(3)
	require.Equal(t, uint64(45), n.height())
	require.Equal(t, params.HF16Pulse, n.bc.version(n.height()))
	return n, stub, young
}

// spendTx is a transfer accepted at hf16 spending one key image per ring,
// inputs in the given order.
func spendTx(t *testing.T, rings [][]uint64, kis ...crypto.KeyImage) *cryptonote.Transaction {
	t.Helper()
	tx, _, _ := transferTx(t, kis[0], rings[0], params.Coin)
	tx.Version = params.TxVersion4TxTypes
	mg := tx.RCT.P.MGs[0]
	for i, ki := range kis[1:] {
		tx.Vin = append(tx.Vin, &cryptonote.TxInToKey{KeyOffsets: keyOffsets(rings[i+1]), KeyImage: ki})
		tx.RCT.P.MGs = append(tx.RCT.P.MGs, mg)
		tx.RCT.PseudoOuts = append(tx.RCT.PseudoOuts, cryptonote.Key{5})
	}
	return tx
}

func TestTxInputRules(t *testing.T) {
	n, stub, young := inputRulesNode(t)
	ring := n.spendableRing()
	withYoung := append(slices.Clone(ring[:len(ring)-1]), young)

	hi, lo := testKeyImage(t), testKeyImage(t)
	if hi.Compare(lo) < 0 {
		hi, lo = lo, hi
	}

	cases := []struct {
		name    string
		tx      *cryptonote.Transaction
		setup   func()
		want    Reason
		wantErr string
	}{
		{
			name: "valid",
			tx:   spendTx(t, [][]uint64{ring, ring}, hi, lo),
		},
		{
			name:    "ring of nine",
			tx:      spendTx(t, [][]uint64{ring[:9]}, hi),
			want:    ReasonLowMixin,
			wantErr: "low_mixin: input 0 has ring size 9, need 10",
		},
		{
			name:    "ascending key images",
			tx:      spendTx(t, [][]uint64{ring, ring}, lo, hi),
			want:    ReasonUnsortedInputs,
			wantErr: "unsorted_inputs: input 1 key image is not below its predecessor",
		},
		{
			name: "repeated key image",
			tx:   spendTx(t, [][]uint64{ring, ring}, hi, hi),
			want: ReasonUnsortedInputs,
		},
		{
			name:  "blacklisted key image",
			tx:    spendTx(t, [][]uint64{ring, ring}, hi, lo),
			setup: func() { stub.blacklist = []servicenodes.BlacklistedKeyImage{{KeyImage: lo, UnlockHeight: 100}} },
			want:  ReasonKeyImageBlacklisted,
		},
		{
			name:  "staked key image",
			tx:    spendTx(t, [][]uint64{ring}, hi),
			setup: func() { stub.locked = map[crypto.KeyImage]bool{hi: true} },
			want:  ReasonKeyImageLockedBySN,
		},
		{
			name: "ring member younger than the minimum age",
			tx:   spendTx(t, [][]uint64{withYoung}, hi),
			want: ReasonOutputTooYoung,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			stub.blacklist, stub.locked = nil, nil
			if c.setup != nil {
				c.setup()
			}
			ctx, _, err := n.bc.CheckTxInputs(c.tx)
			if c.want == ReasonNone {
				require.NoError(t, err)
				require.False(t, ctx.VerificationFailed)
				return
			}
			require.True(t, ctx.VerificationFailed)
			require.Equal(t, c.want, ctx.Reason)
			if c.wantErr != "" {
				require.EqualError(t, err, c.wantErr)
			}
		})
	}
}

func TestBlacklistAndStakesIgnoredBeforeHF11(t *testing.T) {
	n, stub := newStubNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mineBlocks(40)
	ki := testKeyImage(t)
	stub.blacklist = []servicenodes.BlacklistedKeyImage{{KeyImage: ki}}
	stub.locked = map[crypto.KeyImage]bool{ki: true}

	tx, _, _ := transferTx(t, ki, n.spendableRing(), params.Coin)
	ctx, _, err := n.bc.CheckTxInputs(tx)
	require.NoError(t, err)
	require.False(t, ctx.VerificationFailed)
}

func TestFeeThresholds(t *testing.T) {
	useForks(t, params.HardFork{Version: params.HF7}, params.HardFork{Version: params.HF13EnforceCheckpoints, Height: 1})
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mineBlocks(2)

	const weight, outputs = 1001, 2
	perByte, perOutput := DynamicBaseFee(1, 1, params.HF13EnforceCheckpoints)
	raw := weight*perByte + outputs*perOutput
	require.NotZero(t, raw%params.FeeQuantizationMask)
	full := roundUpToMask(raw)
	require.Greater(t, full, raw)
	least := full - full/50

	check := func(fee, burned uint64, opts mempool.TxOptions) Reason {
		return ReasonOf(n.bc.CheckFee(weight, outputs, fee, burned, opts))
	}

	t.Run("two percent short passes", func(t *testing.T) {
		require.Equal(t, ReasonNone, check(full, 0, mempool.TxOptions{}))
		require.Equal(t, ReasonNone, check(least, 0, mempool.TxOptions{}))
		require.Equal(t, ReasonFeeTooLow, check(least-1, 0, mempool.TxOptions{}))
	})

	t.Run("requirement is rounded before the allowance", func(t *testing.T) {
		require.Less(t, raw-raw/50, least)
		require.Equal(t, ReasonFeeTooLow, check(raw-raw/50, 0, mempool.TxOptions{}))
	})

	t.Run("fee percent", func(t *testing.T) {
		opts := mempool.TxOptions{FeePercent: 300}
		require.Equal(t, ReasonNone, check(3*least, 0, opts))
		require.Equal(t, ReasonFeeTooLow, check(3*least-1, 0, opts))

		// Below 100 percent the plain requirement holds.
		opts.FeePercent = 50
		require.Equal(t, ReasonFeeTooLow, check(least-1, 0, opts))
	})

	t.Run("burn", func(t *testing.T) {
		opts := mempool.TxOptions{BurnFixed: 1_000, BurnPercent: 50}
		need := 1_000 + least*50/100
		require.Equal(t, ReasonNone, check(least, need, opts))
		require.Equal(t, ReasonFeeTooLow, check(least, need-1, opts))
		require.Equal(t, ReasonFeeTooLow, check(least-1, need, opts), "burning does not excuse a short fee")
	})
}

func TestFeePerKilobyteBeforeHF10(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mineBlocks(2)

	median := n.bc.weights.limit / 2
	info, err := n.db.BlockInfo(n.height() - 1)
	require.NoError(t, err)
	base, _, err := reward.BaseReward(median, 1, info.GeneratedCoins, params.HF7, n.height())
	require.NoError(t, err)
	perKB, _ := DynamicBaseFee(base, median, params.HF7)

	// 1025 bytes pay for two kilobytes.
	two := 2 * perKB
	least := two - two/50
	require.NoError(t, n.bc.CheckFee(1025, 2, least, 0, mempool.TxOptions{}))
	err = n.bc.CheckFee(1025, 2, least-1, 0, mempool.TxOptions{})
	require.Equal(t, ReasonFeeTooLow, ReasonOf(err))
	require.NoError(t, n.bc.CheckFee(1024, 2, perKB-perKB/50, 0, mempool.TxOptions{}))
}
