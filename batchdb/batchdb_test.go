package batchdb

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
	"github.com/x-vinnci/saferun-core-sub001/reward"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDir(t.TempDir(), params.Testnet)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func testAddress(t *testing.T) cryptonote.Address {
	t.Helper()
	spend, _, err := crypto.GenerateKeys()
	require.NoError(t, err)
	view, _, err := crypto.GenerateKeys()
	require.NoError(t, err)
	return cryptonote.Address{Spend: spend, View: view}
}

// ledgerBlock builds a block at height whose miner tx pays due.
func ledgerBlock(t *testing.T, height uint64, version params.HF, blockReward uint64, due []reward.Payment) *cryptonote.Block {
	t.Helper()
	b := &cryptonote.Block{
		BlockHeader: cryptonote.BlockHeader{MajorVersion: uint8(version), MinorVersion: uint8(version)},
		Height:      height,
		Reward:      blockReward,
	}
	_, sec := crypto.DeterministicKeypairFromHeight(height)
	for i, p := range due {
		key, err := reward.DeterministicOutputKey(p.Address, sec, uint64(i))
		require.NoError(t, err)
		b.MinerTx.Vout = append(b.MinerTx.Vout, cryptonote.TxOut{Amount: p.Amount / params.BatchRewardFactor, Key: key})
	}
	return b
}

// advance feeds pre-batching blocks until the ledger is at height.
func advance(t *testing.T, db *DB, height uint64) {
	t.Helper()
	for h := db.Height() + 1; h <= height; h++ {
		require.NoError(t, db.AddBlock(ledgerBlock(t, h, params.HF18, 0, nil), nil))
	}
}

func TestLedgerAddPopRoundTrip(t *testing.T) {
	db := openTest(t)
	require.NoError(t, db.AddBlock(&cryptonote.Block{}, nil))

	contributors := []reward.Payment{
		{Address: testAddress(t), Amount: 2},
		{Address: testAddress(t), Amount: 1},
	}

	snapshots := map[uint64][]Balance{0: nil}
	var (
		blocks  []*cryptonote.Block
		payouts int
	)
	for h := uint64(1); h <= 80; h++ {
		due, err := db.GetSNPayments(h)
		require.NoError(t, err)
		require.True(t, sortedByAddress(due), "height %d", h)

		b := ledgerBlock(t, h, params.HF19RewardBatching, params.ServiceNodeRewardHF15, due)
		require.NoError(t, db.AddBlock(b, contributors), "height %d", h)
		require.NoError(t, db.Conservation())

		snapshots[h], err = db.Balances()
		require.NoError(t, err)
		blocks = append(blocks, b)
		payouts += len(due)
	}
	require.Equal(t, uint64(80), db.Height())
	require.NotZero(t, payouts, "balances fall due within the run")

	for i := len(blocks) - 1; i >= 0; i-- {
		require.NoError(t, db.PopBlock(blocks[i], contributors))
		require.NoError(t, db.Conservation())
		bal, err := db.Balances()
		require.NoError(t, err)
		require.Equal(t, snapshots[uint64(i)], bal, "after popping to %d", i)
	}
	require.Zero(t, db.Height())
}

func sortedByAddress(ps []reward.Payment) bool {
	for i := 1; i < len(ps); i++ {
		if bytes.Compare(ps[i-1].Address.Bytes(), ps[i].Address.Bytes()) >= 0 {
			return false
		}
	}
	return true
}

func TestLedgerCreditsContributors(t *testing.T) {
	db := openTest(t)
	a, b := testAddress(t), testAddress(t)
	contributors := []reward.Payment{{Address: a, Amount: 2}, {Address: b, Amount: 1}}

	require.NoError(t, db.AddBlock(ledgerBlock(t, 1, params.HF19RewardBatching, 1_000, nil), contributors))

	bal, err := db.Balances()
	require.NoError(t, err)
	amounts := map[string]uint64{}
	for _, x := range bal {
		amounts[string(x.Address.Bytes())] = x.Amount
		require.Equal(t, uint64(1), x.Height)
	}
	require.Equal(t, uint64(666_667), amounts[string(a.Bytes())])
	require.Equal(t, uint64(333_333), amounts[string(b.Bytes())])

	gov, err := reward.GovernanceAddress(params.Testnet, params.HF19RewardBatching)
	require.NoError(t, err)
	require.Equal(t, uint64(params.FoundationRewardHF17*params.BatchRewardFactor), amounts[string(gov.Bytes())])
}

func TestLedgerPreBatchingBlocksOnlyAdvance(t *testing.T) {
	db := openTest(t)
	advance(t, db, 5)
	require.Equal(t, uint64(5), db.Height())
	bal, err := db.Balances()
	require.NoError(t, err)
	require.Empty(t, bal)

	require.NoError(t, db.PopBlock(ledgerBlock(t, 5, params.HF18, 0, nil), nil))
	require.Equal(t, uint64(4), db.Height())
}

func TestLedgerHeightMismatch(t *testing.T) {
	db := openTest(t)
	err := db.AddBlock(ledgerBlock(t, 2, params.HF19RewardBatching, 0, nil), nil)
	require.ErrorIs(t, err, ErrHeightMismatch)

	advance(t, db, 3)
	require.ErrorIs(t, db.PopBlock(ledgerBlock(t, 2, params.HF18, 0, nil), nil), ErrHeightMismatch)
	require.NoError(t, db.PopBlock(ledgerBlock(t, 9, params.HF18, 0, nil), nil), "blocks above the ledger are ignored")
	require.Equal(t, uint64(3), db.Height())
}

func TestLedgerRejectsWrongPayout(t *testing.T) {
	db := openTest(t)
	addr := testAddress(t)
	require.NoError(t, db.AddSNPayments([]reward.Payment{{Address: addr, Amount: 5_000_000_000_123}}, 1))

	payAt := addr.NextPayoutHeight(21, params.Config(params.Testnet).BatchingInterval)
	advance(t, db, payAt-1)

	due, err := db.GetSNPayments(payAt)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, addr, due[0].Address)
	before, err := db.Balances()
	require.NoError(t, err)

	short := ledgerBlock(t, payAt, params.HF19RewardBatching, 0, due)
	short.MinerTx.Vout[0].Amount--
	require.ErrorIs(t, db.AddBlock(short, nil), ErrPaymentMismatch)

	wrongKey := ledgerBlock(t, payAt, params.HF19RewardBatching, 0, due)
	wrongKey.MinerTx.Vout[0].Key = addr.Spend
	require.ErrorIs(t, db.AddBlock(wrongKey, nil), ErrPaymentMismatch)

	missing := ledgerBlock(t, payAt, params.HF19RewardBatching, 0, nil)
	require.ErrorIs(t, db.AddBlock(missing, nil), ErrPaymentMismatch)

	after, err := db.Balances()
	require.NoError(t, err)
	require.Equal(t, before, after, "failed blocks leave the ledger untouched")
	require.Equal(t, payAt-1, db.Height())

	require.NoError(t, db.AddBlock(ledgerBlock(t, payAt, params.HF19RewardBatching, 0, due), nil))
	after, err = db.Balances()
	require.NoError(t, err)
	for _, b := range after {
		if b.Address == addr {
			require.Equal(t, uint64(123), b.Amount, "sub-unit dust stays in the ledger")
		}
	}
	require.NoError(t, db.Conservation())
}

func TestGetSNPaymentsSelection(t *testing.T) {
	db := openTest(t)
	interval := params.Config(params.Testnet).BatchingInterval
	minAmount := params.Config(params.Testnet).MinBatchPaymentAmount * params.BatchRewardFactor

	// A zero view key puts every address in slot 0 of the schedule.
	var payments []reward.Payment
	for i := 0; i < 20; i++ {
		var addr cryptonote.Address
		addr.Spend[0] = byte(20 - i)
		payments = append(payments, reward.Payment{Address: addr, Amount: minAmount})
	}
	var small cryptonote.Address
	small.Spend[0] = 0xff
	payments = append(payments, reward.Payment{Address: small, Amount: minAmount - 1})
	require.NoError(t, db.AddSNPayments(payments, 1))

	due, err := db.GetSNPayments(interval)
	require.NoError(t, err)
	require.Empty(t, due, "rows younger than the batching interval wait")

	due, err = db.GetSNPayments(2*interval + 1)
	require.NoError(t, err)
	require.Empty(t, due, "not this address's slot")

	due, err = db.GetSNPayments(2 * interval)
	require.NoError(t, err)
	require.Len(t, due, int(params.Config(params.Testnet).LimitBatchOutputs))
	require.True(t, sortedByAddress(due))
	require.Equal(t, byte(1), due[0].Address.Spend[0])
	for _, p := range due {
		require.NotEqual(t, small, p.Address)
	}
}

func TestSNPaymentsArithmetic(t *testing.T) {
	db := openTest(t)
	a, b := testAddress(t), testAddress(t)

	err := db.AddSNPayments([]reward.Payment{{Address: a, Amount: 1}, {Address: a, Amount: 2}}, 1)
	require.ErrorIs(t, err, ErrDuplicateAddress)

	require.NoError(t, db.AddSNPayments([]reward.Payment{{Address: a, Amount: 100}, {Address: b, Amount: 50}}, 1))
	require.NoError(t, db.AddSNPayments([]reward.Payment{{Address: a, Amount: 10}}, 2))

	err = db.SubtractSNPayments([]reward.Payment{{Address: b, Amount: 50}, {Address: a, Amount: 111}}, 3)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	bal, err := db.Balances()
	require.NoError(t, err)
	require.Len(t, bal, 2, "a failed subtraction changes nothing")

	require.NoError(t, db.SubtractSNPayments([]reward.Payment{{Address: b, Amount: 50}}, 3))
	bal, err = db.Balances()
	require.NoError(t, err)
	require.Len(t, bal, 1, "emptied rows are deleted")
	require.Equal(t, a, bal[0].Address)
	require.Equal(t, uint64(110), bal[0].Amount)
	require.Equal(t, uint64(1), bal[0].Height)
	require.NoError(t, db.Conservation())
}

func TestLedgerPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFilename)
	db, err := Open(path, params.Testnet)
	require.NoError(t, err)
	addr := testAddress(t)
	require.NoError(t, db.AddBlock(ledgerBlock(t, 1, params.HF19RewardBatching, 10, nil), []reward.Payment{{Address: addr, Amount: 1}}))
	require.NoError(t, db.Close())

	db, err = Open(path, params.Testnet)
	require.NoError(t, err)
	defer db.Close()
	require.Equal(t, uint64(1), db.Height())
	require.NoError(t, db.Conservation())

	require.NoError(t, db.Reset())
	require.Zero(t, db.Height())
	bal, err := db.Balances()
	require.NoError(t, err)
	require.Empty(t, bal)
}
