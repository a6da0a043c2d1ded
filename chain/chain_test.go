package chain

import (
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/x-vinnci/saferun-core-sub001/blockdb"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/mempool"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

func TestGenesisAndTwoEmptyBlocks(t *testing.T) {
	n := newTestNode(t, params.Testnet, newTestClock(1525306361))
	require.Equal(t, uint64(1), n.height())

	for i, ts := range []uint64{1525306361, 1525306421} {
		prev := n.top()
		tmpl, err := n.bc.CreateBlockTemplate(n.miner, 0)
		require.NoError(t, err)
		b := tmpl.Block
		require.Empty(t, b.TxHashes)
		require.Equal(t, prev, b.PrevID)
		b.Timestamp = ts

		ctx := n.submit(b)
		require.True(t, ctx.AddedToMainChain, "block %d rejected: %s", i+1, ctx.Reason)
		require.Equal(t, uint64(i+2), n.height())
		require.Equal(t, blockHash(t, b), n.top())
	}

	first, err := n.db.BlockInfo(1)
	require.NoError(t, err)
	second, err := n.db.BlockInfo(2)
	require.NoError(t, err)
	require.Greater(t, second.GeneratedCoins, first.GeneratedCoins)
	require.Equal(t, first.CumulativeDifficulty+1, second.CumulativeDifficulty)
}

func TestBlocksLinkToTheirParents(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mineBlocks(12)

	for h := uint64(1); h < n.height(); h++ {
		b, err := n.db.BlockFromHeight(h)
		require.NoError(t, err)
		parent, err := n.db.BlockHashFromHeight(h - 1)
		require.NoError(t, err)
		require.Equal(t, parent, b.PrevID, "height %d", h)
	}
	require.Equal(t, uint64(12), n.sn.Height())
	require.Equal(t, uint64(12), n.names.Height())
	require.Equal(t, uint64(12), n.ledger.Height())
}

func TestMinerTxPaysNoMoreThanAllowed(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mine()

	b := n.template()
	b.MinerTx.Vout[0].Amount += 1_000 * params.Coin
	ctx := n.submit(b)
	require.True(t, ctx.VerificationFailed)
	require.Contains(t, []Reason{ReasonBadMinerTx, ReasonWrongReward}, ctx.Reason)
	require.True(t, n.bc.IsInvalid(blockHash(t, b)))

	ctx = n.submit(b)
	require.True(t, ctx.VerificationFailed)
	require.Equal(t, ReasonKnownInvalid, ctx.Reason)
	require.Equal(t, uint64(2), n.height())

	// An honest block at the same height still goes in.
	n.mine()
	require.Equal(t, uint64(3), n.height())
}

func TestAddExistingBlock(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	b := n.mine()
	ctx := n.submit(b)
	require.True(t, ctx.AlreadyExists)
	require.False(t, ctx.VerificationFailed)
	require.Equal(t, uint64(2), n.height())
}

func TestOrphanBlock(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mine()
	b := n.template()
	b.PrevID = crypto.Hash{1, 2, 3}
	ctx := n.submit(b)
	require.True(t, ctx.MarkedAsOrphaned)
	require.False(t, ctx.AddedToMainChain)
	require.False(t, n.bc.IsInvalid(blockHash(t, b)))
}

func TestFutureTimestampRejected(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	b := n.template()
	b.Timestamp = uint64(n.clock.Now().Unix()) + params.BlockFutureTimeLimit + 1
	ctx := n.submit(b)
	require.True(t, ctx.VerificationFailed)
	require.Equal(t, ReasonBadTimestamp, ctx.Reason)
}

func TestPopAndReaddRestoresState(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mineBlocks(5)

	before, err := n.db.BlockInfo(5)
	require.NoError(t, err)
	b, err := n.db.BlockFromHeight(5)
	require.NoError(t, err)
	limit := n.bc.BlockWeightLimit()

	var detachedAt []uint64
	n.bc.HookBlockchainDetached(func(height uint64, byPop bool) {
		require.True(t, byPop)
		detachedAt = append(detachedAt, height)
	})

	popped, err := n.bc.PopBlocks(1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), popped)
	require.Equal(t, uint64(5), n.height())
	require.Equal(t, []uint64{5}, detachedAt)
	require.Equal(t, uint64(4), n.sn.Height())
	require.Equal(t, uint64(4), n.names.Height())
	require.Equal(t, uint64(4), n.ledger.Height())

	ctx := n.submit(b)
	require.True(t, ctx.AddedToMainChain, "re-adding popped block failed: %s", ctx.Reason)

	after, err := n.db.BlockInfo(5)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, limit, n.bc.BlockWeightLimit())
	require.Equal(t, uint64(5), n.sn.Height())
	require.Equal(t, uint64(5), n.names.Height())
	require.Equal(t, uint64(5), n.ledger.Height())
}

func TestPopBlocksKeepsGenesis(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mineBlocks(3)
	genesis, err := n.db.BlockHashFromHeight(0)
	require.NoError(t, err)

	popped, err := n.bc.PopBlocks(100)
	require.NoError(t, err)
	require.Equal(t, uint64(3), popped)
	require.Equal(t, uint64(1), n.height())
	require.Equal(t, genesis, n.top())

	popped, err = n.bc.PopBlocks(1)
	require.NoError(t, err)
	require.Zero(t, popped)
}

func TestPostAddHooksRunPerBlock(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	var seen []uint64
	n.bc.HookBlockPostAdd(func(info BlockPostAddInfo) {
		seen = append(seen, info.Block.Height)
	})
	var vetted int
	n.bc.HookBlockAdd(func(info BlockAddInfo) error {
		vetted++
		return nil
	})

	n.mineBlocks(3)
	require.Equal(t, []uint64{1, 2, 3}, seen)
	require.Equal(t, 3, vetted)
}

func TestResetAndSetGenesis(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mineBlocks(4)

	g, err := GenesisBlock(params.Fakechain)
	require.NoError(t, err)
	require.NoError(t, n.bc.ResetAndSetGenesis(g))
	require.Equal(t, uint64(1), n.height())
	require.Equal(t, blockHash(t, g), n.top())
	require.Zero(t, n.sn.Height())
	require.Zero(t, n.ledger.Height())

	n.mineBlocks(2)
	require.Equal(t, uint64(3), n.height())
}

func TestRestartCatchesUpSubsystems(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mineBlocks(6)

	// A fresh service node list and name system replay the stored blocks.
	n.sn.Reset()
	n.names.BlockDetach(0)
	require.NoError(t, n.bc.loadMissingBlocksLocked())
	require.Equal(t, uint64(6), n.sn.Height())
	require.Equal(t, uint64(6), n.names.Height())
}

func TestDoubleSpend(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mineBlocks(40)

	ki := testKeyImage(t)
	ring := n.spendableRing()
	tx1, blob1, id1 := transferTx(t, ki, ring, params.Coin)
	require.NoError(t, n.pool.AddTx(tx1, blob1, mempool.TxOptions{}))
	require.True(t, n.pool.Have(id1))

	// A second spend of the same key image conflicts in the pool.
	tx2, blob2, id2 := transferTx(t, ki, ring, 2*params.Coin)
	err := n.pool.AddTx(tx2, blob2, mempool.TxOptions{})
	require.Error(t, err)
	require.Equal(t, mempool.ReasonDoubleSpend, mempool.ReasonOf(err))

	b := n.mine()
	require.Equal(t, []crypto.Hash{id1}, b.TxHashes)
	require.False(t, n.pool.Have(id1))
	spent, err := n.db.HasKeyImage(ki)
	require.NoError(t, err)
	require.True(t, spent)

	ctx, _, err := n.bc.CheckTxInputs(tx2)
	require.Error(t, err)
	require.True(t, ctx.VerificationFailed)
	require.Equal(t, ReasonDoubleSpend, ctx.Reason)

	err = n.pool.AddTx(tx2, blob2, mempool.TxOptions{})
	require.Error(t, err)
	require.Equal(t, mempool.ReasonDoubleSpend, mempool.ReasonOf(err))
	require.False(t, n.pool.Have(id2))
}

func TestPoppedTxsReturnToPool(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mineBlocks(40)

	tx, blob, id := transferTx(t, testKeyImage(t), n.spendableRing(), params.Coin)
	require.NoError(t, n.pool.AddTx(tx, blob, mempool.TxOptions{}))
	n.mine()
	require.False(t, n.pool.Have(id))

	_, err := n.bc.PopBlocks(1)
	require.NoError(t, err)
	require.True(t, n.pool.Have(id))
	exists, err := n.db.TxExists(id)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestBlockWithUnknownTxIsNotMarkedInvalid(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mine()
	b := n.template()
	b.TxHashes = []crypto.Hash{{9, 9, 9}}
	ctx := n.submit(b)
	require.True(t, ctx.VerificationFailed)
	require.Equal(t, ReasonMissingTx, ctx.Reason)
	require.False(t, n.bc.IsInvalid(blockHash(t, b)))
}

func TestSyncQueries(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mineBlocks(30)

	history, err := n.bc.ShortChainHistory()
	require.NoError(t, err)
	genesis, err := n.db.BlockHashFromHeight(0)
	require.NoError(t, err)
	require.Equal(t, n.top(), history[0])
	require.Equal(t, genesis, history[len(history)-1])

	// A peer that knows blocks up to 20 gets the rest.
	known, err := n.db.BlockHashFromHeight(20)
	require.NoError(t, err)
	start, total, hashes, err := n.bc.FindBlockchainSupplement([]crypto.Hash{{7}, known, genesis}, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(20), start)
	require.Equal(t, uint64(31), total)
	require.Len(t, hashes, 11)
	require.Equal(t, n.top(), hashes[len(hashes)-1])

	_, _, _, err = n.bc.FindBlockchainSupplement([]crypto.Hash{known}, 0)
	require.Error(t, err, "history must end with our genesis")

	blobs, err := n.bc.BlockBlobs(start, 5)
	require.NoError(t, err)
	require.Len(t, blobs, 5)

	prepared, err := n.bc.PrepareIncomingBlocks(context.Background(), blobs)
	require.NoError(t, err)
	for i, p := range prepared {
		want, err := n.db.BlockHashFromHeight(start + uint64(i))
		require.NoError(t, err)
		require.Equal(t, want, p.Hash)
	}

	_, err = n.bc.PrepareIncomingBlocks(context.Background(), [][]byte{{0xff}})
	require.Equal(t, ReasonParseFailed, ReasonOf(err))
}

func TestOverweightBlockRejected(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mine()
	limit := n.bc.BlockWeightLimit()
	require.GreaterOrEqual(t, limit, uint64(2*params.MinBlockWeight))

	b := n.template()
	b.MinerTx.Extra = append(b.MinerTx.Extra, make([]byte, limit)...)
	ctx := n.submit(b)
	require.True(t, ctx.VerificationFailed)
	require.Equal(t, ReasonOverweight, ctx.Reason)
	require.Equal(t, uint64(2), n.height())
}

func TestMissingRingCTVerifierIsLogged(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	hook := logtest.NewLocal(log.Logger)
	defer hook.Reset()

	warnings := func() int {
		var count int
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "no RingCT verifier") {
				count++
			}
		}
		return count
	}
	deps := Deps{DB: blockdb.NewMemory(), Pool: n.pool, ServiceNodes: n.sn, ONS: n.names, Ledger: n.ledger}

	opts := DefaultOptions(params.Fakechain)
	opts.RingCT = trustingRingCT{}
	_, err := New(deps, opts)
	require.NoError(t, err)
	require.Zero(t, warnings())

	_, err = New(deps, DefaultOptions(params.Fakechain))
	require.NoError(t, err)
	require.Equal(t, 1, warnings())

	opts.RingCT = nil
	_, err = New(deps, opts)
	require.NoError(t, err)
	require.Equal(t, 2, warnings())
}

func TestBatchedMinerTxChecks(t *testing.T) {
	useForks(t, params.HardFork{Version: params.HF7}, params.HardFork{Version: params.HF19RewardBatching, Height: 1})
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mineBlocks(3)

	extra := n.template()
	require.Empty(t, extra.MinerTx.Vout, "no batch payment is due yet")
	key, _, err := crypto.GenerateKeys()
	require.NoError(t, err)
	extra.MinerTx.Vout = append(extra.MinerTx.Vout, cryptonote.TxOut{Amount: params.Coin, Key: key})
	extra.MinerTx.OutputUnlockTimes = append(extra.MinerTx.OutputUnlockTimes, extra.MinerTx.UnlockTime)
	ctx := n.submit(extra)
	require.True(t, ctx.VerificationFailed)
	require.Equal(t, ReasonBadMinerTx, ctx.Reason)

	greedy := n.template()
	greedy.Reward += 1_000 * params.Coin
	ctx = n.submit(greedy)
	require.True(t, ctx.VerificationFailed)
	require.Equal(t, ReasonWrongReward, ctx.Reason)
	require.Equal(t, uint64(4), n.height())

	b := n.mine()
	require.NotZero(t, b.Reward)
	require.Equal(t, uint64(4), n.ledger.Height())
}
