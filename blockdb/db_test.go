package blockdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/x-vinnci/saferun-core-sub001/checkpoints"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
)

func TestAddPopRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		genesis := testBlock(t, crypto.Hash{}, 0)
		g := mustAddBlock(t, db, genesis)

		tx1 := testTransfer(t, keyImage(1))
		tx2 := testTransfer(t, keyImage(2), keyImage(3))
		b1 := testBlock(t, g, 1, tx1, tx2)
		h1 := mustAddBlock(t, db, b1, tx1, tx2)

		height, err := db.Height()
		require.NoError(t, err)
		require.Equal(t, uint64(2), height)
		top, err := db.TopBlockHash()
		require.NoError(t, err)
		require.Equal(t, h1, top)

		got, err := db.BlockByHash(g)
		require.NoError(t, err)
		require.Equal(t, uint64(0), got.Height)
		bh, err := db.BlockHeight(h1)
		require.NoError(t, err)
		require.Equal(t, uint64(1), bh)

		info, err := db.BlockInfo(1)
		require.NoError(t, err)
		require.Equal(t, uint64(2), info.CumulativeDifficulty)
		require.Equal(t, b1.Timestamp, info.Timestamp)

		for _, b := range []byte{1, 2, 3} {
			spent, err := db.HasKeyImage(keyImage(b))
			require.NoError(t, err)
			require.True(t, spent)
		}
		exists, err := db.TxExists(tx2.Hash)
		require.NoError(t, err)
		require.True(t, exists)
		entry, txHeight, err := db.Tx(tx1.Hash)
		require.NoError(t, err)
		require.Equal(t, uint64(1), txHeight)
		require.Equal(t, tx1.Blob, entry.Blob)

		// Two miner outputs and two RingCT outputs, all indexed under 0.
		n, err := db.NumOutputs(0)
		require.NoError(t, err)
		require.Equal(t, uint64(4), n)
		out, err := db.OutputKey(0, 0)
		require.NoError(t, err)
		require.Equal(t, genesis.MinerTx.Vout[0].Key, out.Key)
		require.Equal(t, cryptonote.Key(crypto.ZeroCommit(1_000)), out.Commitment)
		require.Equal(t, genesis.MinerTx.UnlockTime, out.UnlockTime)
		_, err = db.OutputKeys(0, []uint64{0, 4})
		require.ErrorIs(t, err, ErrOutputNotFound)

		popped, txs, err := db.PopBlock()
		require.NoError(t, err)
		poppedHash, err := popped.Hash()
		require.NoError(t, err)
		require.Equal(t, h1, poppedHash)
		require.Len(t, txs, 2)
		require.Equal(t, tx2.Hash, txs[1].Hash)

		spent, err := db.HasKeyImage(keyImage(2))
		require.NoError(t, err)
		require.False(t, spent)
		n, err = db.NumOutputs(0)
		require.NoError(t, err)
		require.Equal(t, uint64(1), n)
		_, _, err = db.Tx(tx1.Hash)
		require.ErrorIs(t, err, ErrTxNotFound)

		require.NoError(t, db.AddBlock(popped, 100, 100, 2, 2_000, txs))
		top, err = db.TopBlockHash()
		require.NoError(t, err)
		require.Equal(t, h1, top)
	})
}

func TestAddBlockRejects(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		g := mustAddBlock(t, db, testBlock(t, crypto.Hash{}, 0))

		require.Error(t, db.AddBlock(testBlock(t, crypto.Hash{1}, 1), 0, 0, 0, 0, nil), "wrong prev")
		require.Error(t, db.AddBlock(testBlock(t, g, 2), 0, 0, 0, 0, nil), "wrong height")

		tx1 := testTransfer(t, keyImage(9))
		mustAddBlock(t, db, testBlock(t, g, 1, tx1), tx1)
		top, err := db.TopBlockHash()
		require.NoError(t, err)

		dup := testTransfer(t, keyImage(9))
		err = db.AddBlock(testBlock(t, top, 2, dup), 0, 0, 0, 0, []TxEntry{dup})
		require.ErrorIs(t, err, ErrKeyImageExists)

		height, err := db.Height()
		require.NoError(t, err)
		require.Equal(t, uint64(2), height, "failed add leaves no trace")
		n, err := db.NumOutputs(0)
		require.NoError(t, err)
		require.Equal(t, uint64(3), n)
	})
}

func TestBatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		require.ErrorIs(t, db.BatchStop(), ErrNoBatch)

		require.NoError(t, db.BatchStart())
		require.ErrorIs(t, db.BatchStart(), ErrBatchActive)

		ctx, cancel := context.WithTimeout(context.Background(), 3*BatchRetryInterval)
		defer cancel()
		start := time.Now()
		require.ErrorIs(t, BatchStartRetry(ctx, db), context.DeadlineExceeded)
		require.GreaterOrEqual(t, time.Since(start), BatchRetryInterval)

		mustAddBlock(t, db, testBlock(t, crypto.Hash{}, 0))
		height, err := db.Height()
		require.NoError(t, err)
		require.Equal(t, uint64(1), height, "batch reads see batch writes")
		require.NoError(t, db.BatchAbort())

		height, err = db.Height()
		require.NoError(t, err)
		require.Zero(t, height)

		require.NoError(t, BatchStartRetry(context.Background(), db))
		g := mustAddBlock(t, db, testBlock(t, crypto.Hash{}, 0))
		require.NoError(t, db.BatchStop())
		top, err := db.TopBlockHash()
		require.NoError(t, err)
		require.Equal(t, g, top)
	})
}

func TestRejectedAddInsideBatchWritesNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		g := mustAddBlock(t, db, testBlock(t, crypto.Hash{}, 0))
		tx1 := testTransfer(t, keyImage(1))
		h1 := mustAddBlock(t, db, testBlock(t, g, 1, tx1), tx1)

		require.NoError(t, db.BatchStart())
		spent := testTransfer(t, keyImage(1))
		err := db.AddBlock(testBlock(t, h1, 2, spent), 0, 0, 0, 0, []TxEntry{spent})
		require.ErrorIs(t, err, ErrKeyImageExists)

		// Two txs in one block spending the same key image.
		a, b := testTransfer(t, keyImage(5)), testTransfer(t, keyImage(6), keyImage(5))
		err = db.AddBlock(testBlock(t, h1, 2, a, b), 0, 0, 0, 0, []TxEntry{a, b})
		require.ErrorIs(t, err, ErrKeyImageExists)

		again := testTransfer(t, keyImage(7))
		again.Hash, again.Blob = tx1.Hash, tx1.Blob
		err = db.AddBlock(testBlock(t, h1, 2, again), 0, 0, 0, 0, []TxEntry{again})
		require.ErrorIs(t, err, ErrTxExists)
		require.NoError(t, db.BatchStop())

		height, err := db.Height()
		require.NoError(t, err)
		require.Equal(t, uint64(2), height)
		top, err := db.TopBlockHash()
		require.NoError(t, err)
		require.Equal(t, h1, top)
		for _, tx := range []TxEntry{spent, a, b} {
			exists, err := db.TxExists(tx.Hash)
			require.NoError(t, err)
			require.False(t, exists)
		}
		for _, ki := range []byte{5, 6, 7} {
			spent, err := db.HasKeyImage(keyImage(ki))
			require.NoError(t, err)
			require.False(t, spent)
		}
		n, err := db.NumOutputs(0)
		require.NoError(t, err)
		require.Equal(t, uint64(3), n)

		// The chain still extends normally after the rejections.
		ok := testTransfer(t, keyImage(8))
		mustAddBlock(t, db, testBlock(t, h1, 2, ok), ok)
	})
}

func TestCheckpointsRange(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		for _, h := range []uint64{4, 8, 12, 16} {
			require.NoError(t, db.UpdateCheckpoint(&checkpoints.Checkpoint{
				Type:       checkpoints.ServiceNode,
				Height:     h,
				BlockHash:  crypto.Hash{byte(h)},
				Signatures: []cryptonote.QuorumSignature{{VoterIndex: uint16(h)}},
			}))
		}
		heights := func(cps []*checkpoints.Checkpoint) []uint64 {
			var out []uint64
			for _, cp := range cps {
				out = append(out, cp.Height)
			}
			return out
		}

		cps, err := db.CheckpointsRange(5, 16, 0)
		require.NoError(t, err)
		require.Equal(t, []uint64{8, 12, 16}, heights(cps))

		cps, err = db.CheckpointsRange(15, 0, 2)
		require.NoError(t, err)
		require.Equal(t, []uint64{12, 8}, heights(cps))

		cps, err = db.CheckpointsRange(100, 9, 0)
		require.NoError(t, err)
		require.Equal(t, []uint64{16, 12}, heights(cps))

		cp, err := db.Checkpoint(12)
		require.NoError(t, err)
		require.Equal(t, uint16(12), cp.Signatures[0].VoterIndex)

		require.NoError(t, db.RemoveCheckpoint(12))
		cp, err = db.Checkpoint(12)
		require.NoError(t, err)
		require.Nil(t, cp)
	})
}

func TestAltBlocks(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		b := testBlock(t, crypto.Hash{7}, 5)
		blob, err := b.Serialize()
		require.NoError(t, err)
		hash, err := b.Hash()
		require.NoError(t, err)

		ab := &AltBlock{
			Blob:                  blob,
			Height:                5,
			Weight:                321,
			CumulativeDifficulty:  99,
			AlreadyGeneratedCoins: 12345,
			Checkpointed:          true,
			Checkpoint:            &checkpoints.Checkpoint{Type: checkpoints.ServiceNode, Height: 5, BlockHash: hash},
		}
		require.NoError(t, db.AddAltBlock(hash, ab))

		got, err := db.AltBlock(hash)
		require.NoError(t, err)
		require.Equal(t, ab, got)
		decoded, err := got.Block()
		require.NoError(t, err)
		require.Equal(t, uint64(5), decoded.Height)

		missing, err := db.AltBlock(crypto.Hash{1})
		require.NoError(t, err)
		require.Nil(t, missing)

		var seen int
		require.NoError(t, db.ForAllAltBlocks(func(h crypto.Hash, _ *AltBlock) error {
			require.Equal(t, hash, h)
			seen++
			return nil
		}))
		require.Equal(t, 1, seen)

		require.NoError(t, db.DropAltBlocks())
		got, err = db.AltBlock(hash)
		require.NoError(t, err)
		require.Nil(t, got)
	})
}
