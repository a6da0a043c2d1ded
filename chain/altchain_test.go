package chain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x-vinnci/saferun-core-sub001/checkpoints"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/mempool"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

// feed hands blocks mined elsewhere to n, all of which must be accepted
// somewhere.
func (n *testNode) feed(blocks []*cryptonote.Block) []BlockVerificationContext {
	n.t.Helper()
	out := make([]BlockVerificationContext, len(blocks))
	for i, b := range blocks {
		out[i] = n.submit(b)
		require.False(n.t, out[i].VerificationFailed, "block %d rejected: %s", i, out[i].Reason)
	}
	return out
}

func TestReorgByDifficulty(t *testing.T) {
	clock := newTestClock(testEpoch)
	main := newTestNode(t, params.Fakechain, clock)
	rival := newTestNode(t, params.Fakechain, clock)

	shared := main.mineBlocks(40)
	rival.feed(shared)
	require.Equal(t, main.top(), rival.top())

	tx, blob, id := transferTx(t, testKeyImage(t), main.spendableRing(), params.Coin)
	require.NoError(t, main.pool.AddTx(tx, blob, mempool.TxOptions{}))
	displaced := main.mineBlocks(2)
	require.Equal(t, []crypto.Hash{id}, displaced[0].TxHashes)
	require.False(t, main.pool.Have(id))

	topBefore, err := main.db.BlockInfo(main.height() - 1)
	require.NoError(t, err)

	var altSeen, reorgs int
	main.bc.HookAltBlockAdd(func(BlockAddInfo) error {
		altSeen++
		return nil
	})
	main.bc.HookBlockPostAdd(func(info BlockPostAddInfo) {
		if info.Reorg {
			reorgs++
		}
	})

	winners := rival.mineBlocks(3)
	ctxs := main.feed(winners[:2])
	for _, ctx := range ctxs {
		require.True(t, ctx.AddedToAltChain)
		require.False(t, ctx.AddedToMainChain)
	}
	require.Equal(t, blockHash(t, displaced[1]), main.top(), "equal work does not reorganize")

	ctx := main.submit(winners[2])
	require.True(t, ctx.SwitchedToAltChain)
	require.True(t, ctx.AddedToMainChain)
	require.Equal(t, rival.top(), main.top())
	require.Equal(t, uint64(44), main.height())
	require.Equal(t, 3, altSeen)
	require.Equal(t, 1, reorgs)

	topAfter, err := main.db.BlockInfo(main.height() - 1)
	require.NoError(t, err)
	require.Greater(t, topAfter.CumulativeDifficulty, topBefore.CumulativeDifficulty)

	// The old main blocks are alternatives now and their transaction is
	// back in the pool.
	for _, b := range displaced {
		rec, err := main.db.AltBlock(blockHash(t, b))
		require.NoError(t, err)
		require.NotNil(t, rec)
	}
	for _, b := range winners {
		rec, err := main.db.AltBlock(blockHash(t, b))
		require.NoError(t, err)
		require.Nil(t, rec)
	}
	require.True(t, main.pool.Have(id))
	exists, err := main.db.TxExists(id)
	require.NoError(t, err)
	require.False(t, exists)

	require.Equal(t, uint64(43), main.sn.Height())
	require.Equal(t, uint64(43), main.ledger.Height())
}

func TestDisplacedBlocksStayKnown(t *testing.T) {
	clock := newTestClock(testEpoch)
	main := newTestNode(t, params.Fakechain, clock)
	rival := newTestNode(t, params.Fakechain, clock)

	rival.feed(main.mineBlocks(5))
	mine := main.mineBlocks(2)
	main.feed(rival.mineBlocks(3))
	require.Equal(t, rival.top(), main.top())

	for _, b := range mine {
		have, err := main.bc.HaveBlock(blockHash(t, b))
		require.NoError(t, err)
		require.True(t, have)
		require.True(t, main.submit(b).AlreadyExists)

		stored, onMain, err := main.bc.BlockByHash(blockHash(t, b))
		require.NoError(t, err)
		require.False(t, onMain)
		require.Equal(t, b.Height, stored.Height)
	}
}

func TestAltChainPastHardcodedCheckpointIsDropped(t *testing.T) {
	clock := newTestClock(testEpoch)
	main := newTestNode(t, params.Fakechain, clock)
	rival := newTestNode(t, params.Fakechain, clock)

	rival.feed(main.mineBlocks(3))
	ours := main.mineBlocks(7)
	theirs := rival.mineBlocks(8)

	// Heights 4 to 9 of the rival are stored as a losing alternative.
	for _, ctx := range main.feed(theirs[:6]) {
		require.True(t, ctx.AddedToAltChain)
	}
	tip := main.top()

	hash5 := blockHash(t, ours[1])
	require.NoError(t, main.bc.Checkpoints().AddCheckpoint(5, hash5, checkpoints.Hardcoded))

	ctx := main.submit(theirs[6])
	require.True(t, ctx.VerificationFailed)
	require.Equal(t, ReasonCheckpointMismatch, ctx.Reason)
	require.Equal(t, tip, main.top())

	for _, b := range theirs[1:7] {
		hash := blockHash(t, b)
		rec, err := main.db.AltBlock(hash)
		require.NoError(t, err)
		require.Nil(t, rec, "alt block at %d kept", b.Height)
		require.True(t, main.bc.IsInvalid(hash))
	}
}

func TestAltBlockBelowImmutableHeightRefused(t *testing.T) {
	clock := newTestClock(testEpoch)
	main := newTestNode(t, params.Fakechain, clock)
	rival := newTestNode(t, params.Fakechain, clock)

	ours := main.mineBlocks(10)
	theirs := rival.mineBlocks(12)
	require.NoError(t, main.bc.Checkpoints().AddCheckpoint(5, blockHash(t, ours[4]), checkpoints.Hardcoded))
	tip := main.top()

	ctx := main.submit(theirs[0])
	require.True(t, ctx.VerificationFailed)
	require.Equal(t, ReasonAltChainRefused, ctx.Reason)
	have, err := main.bc.HaveBlock(blockHash(t, theirs[0]))
	require.NoError(t, err)
	require.False(t, have)
	require.True(t, main.bc.IsInvalid(blockHash(t, theirs[0])))

	// Its descendants have nothing to attach to.
	ctx = main.submit(theirs[1])
	require.True(t, ctx.MarkedAsOrphaned)
	require.Equal(t, tip, main.top())
}

func TestMainBlockContradictingCheckpointRejected(t *testing.T) {
	n := newTestNode(t, params.Fakechain, newTestClock(testEpoch))
	n.mineBlocks(2)
	require.NoError(t, n.bc.Checkpoints().AddCheckpoint(3, crypto.Hash{1}, checkpoints.Hardcoded))

	b := n.template()
	ctx := n.submit(b)
	require.True(t, ctx.VerificationFailed)
	require.Equal(t, ReasonCheckpointMismatch, ctx.Reason)
	require.Equal(t, uint64(3), n.height())
}

func TestCheckpointedAltChainWinsWhileShorter(t *testing.T) {
	useForks(t, params.HardFork{Version: params.HF7}, params.HardFork{Version: params.HF13EnforceCheckpoints, Height: 1})
	clock := newTestClock(testEpoch)
	main := newTestNode(t, params.Fakechain, clock)
	rival := newTestNode(t, params.Fakechain, clock)

	rival.feed(main.mineBlocks(5))
	ours := main.mineBlocks(3)
	theirs := rival.mineBlocks(2)

	hash := blockHash(t, theirs[0])
	cp := &checkpoints.Checkpoint{Type: checkpoints.ServiceNode, Height: theirs[0].Height, BlockHash: hash}
	ctx, err := main.bc.AddNewBlock(theirs[0], cp)
	require.NoError(t, err)
	require.True(t, ctx.SwitchedToAltChain, "one checkpoint beats three heavier blocks")
	require.Equal(t, hash, main.top())
	require.Equal(t, uint64(7), main.height())

	// Blocks displaced by a checkpoint are not kept.
	for _, b := range ours {
		have, err := main.bc.HaveBlock(blockHash(t, b))
		require.NoError(t, err)
		require.False(t, have, "displaced block at %d kept", b.Height)
	}

	main.feed(theirs[1:])
	require.Equal(t, rival.top(), main.top())
}

func TestEnforcedCheckpointFork(t *testing.T) {
	useForks(t, params.HardFork{Version: params.HF7}, params.HardFork{Version: params.HF13EnforceCheckpoints, Height: 1})

	t.Run("heavier with fewer checkpoints loses", func(t *testing.T) {
		clock := newTestClock(testEpoch)
		main := newTestNode(t, params.Fakechain, clock)
		rival := newTestNode(t, params.Fakechain, clock)

		rival.feed(main.mineBlocks(5))
		ours := main.mineBlocks(3)
		require.NoError(t, main.bc.Checkpoints().AddCheckpoint(ours[1].Height, blockHash(t, ours[1]), checkpoints.ServiceNode))
		tip := main.top()

		for _, ctx := range main.feed(rival.mineBlocks(5)) {
			require.True(t, ctx.AddedToAltChain)
		}
		require.Equal(t, tip, main.top())
		require.Equal(t, uint64(9), main.height())
	})

	t.Run("equal checkpoints and heavier wins", func(t *testing.T) {
		clock := newTestClock(testEpoch)
		main := newTestNode(t, params.Fakechain, clock)
		rival := newTestNode(t, params.Fakechain, clock)

		rival.feed(main.mineBlocks(5))
		ours := main.mineBlocks(3)
		theirs := rival.mineBlocks(4)

		for _, ctx := range main.feed(theirs[:3]) {
			require.True(t, ctx.AddedToAltChain)
		}
		require.True(t, main.submit(theirs[3]).SwitchedToAltChain)
		require.Equal(t, rival.top(), main.top())

		// Blocks displaced by weight alone stay as an alternative.
		for _, b := range ours {
			rec, err := main.db.AltBlock(blockHash(t, b))
			require.NoError(t, err)
			require.NotNil(t, rec, "displaced block at %d dropped", b.Height)
		}
	})
}

func TestPulseWeightDecidesEqualLengthReorg(t *testing.T) {
	useForks(t, params.HardFork{Version: params.HF7}, params.HardFork{Version: params.HF19RewardBatching, Height: 1})
	clock := newTestClock(testEpoch)
	main, _ := newStubNode(t, params.Fakechain, clock)
	rival, _ := newStubNode(t, params.Fakechain, clock)

	rival.feed(main.mineBlocks(5))
	ours := main.mineBlocks(3)
	theirs := rival.mineBlocks(2)
	theirs = append(theirs, rival.minePulse(1))

	for _, ctx := range main.feed(theirs[:2]) {
		require.True(t, ctx.AddedToAltChain)
	}
	ctx := main.submit(theirs[2])
	require.True(t, ctx.SwitchedToAltChain, "three blocks with a pulse block outweigh three mined blocks")
	require.Equal(t, rival.top(), main.top())
	require.Equal(t, uint64(9), main.height())

	for _, b := range ours {
		have, err := main.bc.HaveBlock(blockHash(t, b))
		require.NoError(t, err)
		require.False(t, have, "displaced block at %d kept", b.Height)
	}
	require.Equal(t, uint64(8), main.sn.Height())
	require.Equal(t, uint64(8), main.ledger.Height())
}

func TestFailedSwitchRestoresMainChain(t *testing.T) {
	useForks(t, params.HardFork{Version: params.HF7}, params.HardFork{Version: params.HF19RewardBatching, Height: 1})
	clock := newTestClock(testEpoch)
	main, stub := newStubNode(t, params.Fakechain, clock)
	rival, _ := newStubNode(t, params.Fakechain, clock)
	const forgedBitset = 0xbad
	stub.badPulse = forgedBitset

	rival.feed(main.mineBlocks(5))
	ours := []*cryptonote.Block{main.minePulse(1), main.minePulse(1)}
	tip := main.top()

	// Only the first block of an alternative chain has its pulse
	// signatures checked on arrival, so the forged block is stored.
	good := rival.mine()
	forged := rival.minePulse(forgedBitset)
	last := rival.minePulse(1)
	for _, ctx := range main.feed([]*cryptonote.Block{good, forged}) {
		require.True(t, ctx.AddedToAltChain)
	}

	ctx := main.submit(last)
	require.True(t, ctx.VerificationFailed)
	require.Equal(t, ReasonBadPulseSignature, ctx.Reason)
	require.Equal(t, tip, main.top())
	require.Equal(t, uint64(8), main.height())
	for _, b := range ours {
		_, onMain, err := main.bc.BlockByHash(blockHash(t, b))
		require.NoError(t, err)
		require.True(t, onMain)
	}
	require.Equal(t, uint64(7), main.sn.Height())
	require.Equal(t, uint64(7), main.ledger.Height())

	for _, b := range []*cryptonote.Block{forged, last} {
		hash := blockHash(t, b)
		require.True(t, main.bc.IsInvalid(hash), "block at %d not marked invalid", b.Height)
		rec, err := main.db.AltBlock(hash)
		require.NoError(t, err)
		require.Nil(t, rec)
	}
	rec, err := main.db.AltBlock(blockHash(t, good))
	require.NoError(t, err)
	require.NotNil(t, rec, "the valid block below the forged one stays an alternative")
	require.False(t, main.bc.IsInvalid(blockHash(t, good)))

	main.mine()
	require.Equal(t, uint64(9), main.height())
}
