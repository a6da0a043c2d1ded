package blockdb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

func mustKey(t *testing.T) crypto.PublicKey {
	t.Helper()
	pub, _, err := crypto.GenerateKeys()
	require.NoError(t, err)
	return pub
}

func testMinerTx(t *testing.T, height, amount uint64) cryptonote.Transaction {
	t.Helper()
	key := mustKey(t)
	return cryptonote.Transaction{
		Version:           params.TxVersion4TxTypes,
		Type:              params.TxTypeStandard,
		UnlockTime:        height + params.MinedMoneyUnlockWindow,
		OutputUnlockTimes: []uint64{height + params.MinedMoneyUnlockWindow},
		Vin:               []cryptonote.TxInput{&cryptonote.TxInGen{Height: height}},
		Vout:              []cryptonote.TxOut{{Amount: amount, Key: key}},
		Extra:             cryptonote.AppendExtra(nil, cryptonote.ExtraPubKey{Key: mustKey(t)}),
	}
}

func testTransfer(t *testing.T, kis ...crypto.KeyImage) TxEntry {
	t.Helper()
	tx := &cryptonote.Transaction{
		Version:           params.TxVersion4TxTypes,
		Type:              params.TxTypeStandard,
		OutputUnlockTimes: []uint64{0},
		Vout:              []cryptonote.TxOut{{Key: mustKey(t)}},
	}
	for _, ki := range kis {
		tx.Vin = append(tx.Vin, &cryptonote.TxInToKey{KeyOffsets: []uint64{0}, KeyImage: ki})
	}
	hash, blob, err := tx.HashAndBlob()
	require.NoError(t, err)
	return TxEntry{Hash: hash, Blob: blob, Tx: tx}
}

func testBlock(t *testing.T, prev crypto.Hash, height uint64, txs ...TxEntry) *cryptonote.Block {
	t.Helper()
	b := &cryptonote.Block{
		BlockHeader: cryptonote.BlockHeader{
			MajorVersion: uint8(params.HF7),
			MinorVersion: uint8(params.HF7),
			Timestamp:    1_000 + height,
			PrevID:       prev,
		},
		MinerTx: testMinerTx(t, height, 1_000),
		Height:  height,
	}
	for _, tx := range txs {
		b.TxHashes = append(b.TxHashes, tx.Hash)
	}
	return b
}

func keyImage(b byte) crypto.KeyImage {
	var ki crypto.KeyImage
	ki[0] = b
	return ki
}

// forEachBackend runs fn against the in-memory store and a bbolt store.
func forEachBackend(t *testing.T, fn func(t *testing.T, db *DB)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("bolt", func(t *testing.T) {
		db, err := OpenBolt(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		fn(t, db)
	})
}

func mustAddBlock(t *testing.T, db *DB, b *cryptonote.Block, txs ...TxEntry) crypto.Hash {
	t.Helper()
	require.NoError(t, db.AddBlock(b, 100, 100, b.Height+1, 1_000*(b.Height+1), txs))
	hash, err := b.Hash()
	require.NoError(t, err)
	return hash
}
