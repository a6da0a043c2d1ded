package batchdb

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
	"github.com/x-vinnci/saferun-core-sub001/reward"
)

var (
	ErrHeightMismatch      = errors.New("block height out of sync with batch ledger")
	ErrInsufficientBalance = errors.New("batch ledger balance too low")
	ErrPaymentMismatch     = errors.New("batch payment mismatch")
	ErrDuplicateAddress    = errors.New("duplicate address in batch payments")
	ErrConservation        = errors.New("batch ledger does not balance")
)

// Balance is one outstanding ledger row.
type Balance struct {
	Address cryptonote.Address
	// Amount is in ledger units.
	Amount uint64
	// Height is when the row was first credited.
	Height uint64
}

// due is a balance selected for payout at some height.
type due struct {
	reward.Payment
	rowHeight uint64
}

// Height returns the height of the last block applied to the ledger.
func (d *DB) Height() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.height
}

func toInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("ledger amount %d out of range", v)
	}
	return int64(v), nil
}

func balanceOf(tx *sql.Tx, addr []byte) (amount uint64, ok bool, err error) {
	err = tx.QueryRow("SELECT amount FROM batch_sn_payments WHERE address = ?", addr).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return amount, err == nil, err
}

func adjustNet(tx *sql.Tx, delta int64) error {
	_, err := tx.Exec("UPDATE batch_sn_info SET net = net + ?", delta)
	return err
}

// credit adds amount to addr's balance. A new row records rowHeight.
func credit(tx *sql.Tx, addr cryptonote.Address, amount, rowHeight uint64) error {
	key := addr.Bytes()
	prev, ok, err := balanceOf(tx, key)
	if err != nil {
		return err
	}
	if prev+amount < prev {
		return fmt.Errorf("balance of %x overflows", key)
	}
	a, err := toInt64(prev + amount)
	if err != nil {
		return err
	}
	if ok {
		_, err = tx.Exec("UPDATE batch_sn_payments SET amount = ? WHERE address = ?", a, key)
	} else {
		h, herr := toInt64(rowHeight)
		if herr != nil {
			return herr
		}
		_, err = tx.Exec("INSERT INTO batch_sn_payments (address, amount, height) VALUES (?, ?, ?)", key, a, h)
	}
	if err != nil {
		return err
	}
	return adjustNet(tx, int64(amount))
}

// debit takes amount from addr's balance. A row that reaches zero is
// deleted by the schema trigger.
func debit(tx *sql.Tx, addr cryptonote.Address, amount uint64) error {
	key := addr.Bytes()
	prev, ok, err := balanceOf(tx, key)
	if err != nil {
		return err
	}
	if !ok || prev < amount {
		return fmt.Errorf("%w: %x has %d, debiting %d", ErrInsufficientBalance, key, prev, amount)
	}
	if _, err := tx.Exec("UPDATE batch_sn_payments SET amount = ? WHERE address = ?", int64(prev-amount), key); err != nil {
		return err
	}
	return adjustNet(tx, -int64(amount))
}

func checkUnique(payments []reward.Payment) error {
	keys := make([][]byte, len(payments))
	for i := range payments {
		keys[i] = payments[i].Address.Bytes()
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	for i := 1; i < len(keys); i++ {
		if bytes.Equal(keys[i-1], keys[i]) {
			return fmt.Errorf("%w: %x", ErrDuplicateAddress, keys[i])
		}
	}
	return nil
}

// AddSNPayments credits payments, in ledger units, at height. Addresses
// must be unique.
func (d *DB) AddSNPayments(payments []reward.Payment, height uint64) error {
	if err := checkUnique(payments); err != nil {
		log.WithError(err).Warn("refusing batch credits")
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.withTx(func(tx *sql.Tx) error {
		for _, p := range payments {
			if err := credit(tx, p.Address, p.Amount, height); err != nil {
				return err
			}
		}
		return nil
	})
}

// SubtractSNPayments debits payments, in ledger units. It fails without
// changing anything if any balance is too low.
func (d *DB) SubtractSNPayments(payments []reward.Payment, height uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.withTx(func(tx *sql.Tx) error {
		for _, p := range payments {
			if err := debit(tx, p.Address, p.Amount); err != nil {
				log.WithField("height", height).Debug("failed to subtract batch payment")
				return err
			}
		}
		return nil
	})
}

// GetSNPayments returns the balances due at height, in ledger units and
// ordered by address.
func (d *DB) GetSNPayments(height uint64) ([]reward.Payment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []reward.Payment
	err := d.withTx(func(tx *sql.Tx) error {
		due, err := d.duePayments(tx, height)
		for _, p := range due {
			out = append(out, p.Payment)
		}
		return err
	})
	return out, err
}

// duePayments selects the rows paid out at height: rows at least one
// batching interval old holding the minimum payment, whose address is
// scheduled at height, capped at the output limit.
func (d *DB) duePayments(tx *sql.Tx, height uint64) ([]due, error) {
	conf := params.Config(d.net)
	if height == 0 || height < conf.BatchingInterval {
		return nil, nil
	}
	minAmount, err := toInt64(conf.MinBatchPaymentAmount * params.BatchRewardFactor)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(
		"SELECT address, amount, height FROM batch_sn_payments WHERE height <= ? AND amount >= ? ORDER BY address",
		int64(height-conf.BatchingInterval), minAmount,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []due
	for rows.Next() && uint64(len(out)) < conf.LimitBatchOutputs {
		var (
			key []byte
			p   due
		)
		if err := rows.Scan(&key, &p.Amount, &p.rowHeight); err != nil {
			return nil, err
		}
		if p.Address, err = cryptonote.AddressFromBytes(key); err != nil {
			log.WithField("address", fmt.Sprintf("%x", key)).Error("invalid address in batch ledger")
			return nil, err
		}
		if p.Address.NextPayoutHeight(height, conf.BatchingInterval) != height {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ValidateBatchPayment checks that vouts pay exactly the due payments, in
// order, each to its deterministic output key for height.
func ValidateBatchPayment(vouts []cryptonote.TxOut, calculated []reward.Payment, height uint64) error {
	if len(vouts) != len(calculated) {
		return fmt.Errorf("%w: %d outputs for %d payments due", ErrPaymentMismatch, len(vouts), len(calculated))
	}
	_, sec := crypto.DeterministicKeypairFromHeight(height)
	for i, p := range calculated {
		want := p.Amount / params.BatchRewardFactor
		if vouts[i].Amount != want {
			return fmt.Errorf("%w: output %d pays %d, should be %d", ErrPaymentMismatch, i, vouts[i].Amount, want)
		}
		key, err := reward.DeterministicOutputKey(p.Address, sec, uint64(i))
		if err != nil {
			return fmt.Errorf("failed to derive output %d key: %w", i, err)
		}
		if key != vouts[i].Key {
			return fmt.Errorf("%w: output %d key mismatch", ErrPaymentMismatch, i)
		}
	}
	return nil
}

// blockCredits is what block b adds to the ledger: its reward split over
// the winner's contributors, and the governance share.
func (d *DB) blockCredits(b *cryptonote.Block, contributors []reward.Payment) ([]reward.Payment, error) {
	version := params.HF(b.MajorVersion)
	var credits []reward.Payment
	if b.Reward > 0 {
		if b.Reward > math.MaxUint64/params.BatchRewardFactor {
			return nil, fmt.Errorf("block reward %d out of range", b.Reward)
		}
		shares, err := reward.CalculateContributorRewards(b.Reward*params.BatchRewardFactor, contributors)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", b.Height, err)
		}
		credits = append(credits, shares...)
	}

	gov, err := reward.GovernanceAddress(d.net, version)
	if err != nil {
		return nil, err
	}
	credits = append(credits, reward.Payment{
		Address: gov,
		Amount:  reward.GovernanceRewardFormula(version, 0) * params.BatchRewardFactor,
	})

	// Merge repeated addresses so each is credited once.
	merged := credits[:0]
	index := make(map[string]int, len(credits))
	for _, c := range credits {
		k := string(c.Address.Bytes())
		if i, ok := index[k]; ok {
			merged[i].Amount += c.Amount
			continue
		}
		index[k] = len(merged)
		merged = append(merged, c)
	}
	return merged, nil
}

func setHeight(tx *sql.Tx, height uint64) error {
	h, err := toInt64(height)
	if err != nil {
		return err
	}
	_, err = tx.Exec("UPDATE batch_sn_info SET height = ?", h)
	return err
}

// AddBlock applies block b: it checks and records the batched payouts of
// its miner tx, debits them, and credits the block's reward. Blocks before
// hf19 only advance the height. Adding the genesis block resets the ledger.
func (d *DB) AddBlock(b *cryptonote.Block, contributors []reward.Payment) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b.Height == 0 {
		return d.resetLocked()
	}
	if b.Height != d.height+1 {
		log.WithFields(logrus.Fields{"block": b.Height, "ledger": d.height}).Error("block height out of sync with batch ledger")
		return fmt.Errorf("%w: block %d, ledger at %d", ErrHeightMismatch, b.Height, d.height)
	}

	err := d.withTx(func(tx *sql.Tx) error {
		if params.HF(b.MajorVersion) >= params.HF19RewardBatching {
			if err := d.applyPayouts(tx, b); err != nil {
				return err
			}
			credits, err := d.blockCredits(b, contributors)
			if err != nil {
				return err
			}
			for _, c := range credits {
				if err := credit(tx, c.Address, c.Amount, b.Height); err != nil {
					return err
				}
			}
		}
		return setHeight(tx, b.Height)
	})
	if err != nil {
		return err
	}
	d.height = b.Height
	return nil
}

func (d *DB) applyPayouts(tx *sql.Tx, b *cryptonote.Block) error {
	due, err := d.duePayments(tx, b.Height)
	if err != nil {
		return err
	}
	calculated := make([]reward.Payment, len(due))
	for i := range due {
		calculated[i] = due[i].Payment
	}
	if err := ValidateBatchPayment(b.MinerTx.Vout, calculated, b.Height); err != nil {
		return err
	}

	for i, p := range due {
		paid := p.Amount / params.BatchRewardFactor
		_, err := tx.Exec(
			"INSERT INTO block_payments (address, amount, height, vout_index, row_height) VALUES (?, ?, ?, ?, ?)",
			p.Address.Bytes(), int64(paid), int64(b.Height), i, int64(p.rowHeight),
		)
		if err != nil {
			return err
		}
		if err := debit(tx, p.Address, paid*params.BatchRewardFactor); err != nil {
			return err
		}
	}
	return nil
}

// PopBlock reverts AddBlock for the ledger's top block. contributors must
// be the ones the block was added with. A block above the ledger height is
// ignored.
func (d *DB) PopBlock(b *cryptonote.Block, contributors []reward.Payment) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b.Height > d.height {
		log.WithField("height", b.Height).Debug("block above batch ledger height, skipping pop")
		return nil
	}
	if b.Height != d.height || b.Height == 0 {
		return fmt.Errorf("%w: popping block %d, ledger at %d", ErrHeightMismatch, b.Height, d.height)
	}

	err := d.withTx(func(tx *sql.Tx) error {
		if params.HF(b.MajorVersion) >= params.HF19RewardBatching {
			credits, err := d.blockCredits(b, contributors)
			if err != nil {
				return err
			}
			for _, c := range credits {
				if err := debit(tx, c.Address, c.Amount); err != nil {
					return err
				}
			}
			if err := restorePayouts(tx, b); err != nil {
				return err
			}
		}
		return setHeight(tx, b.Height-1)
	})
	if err != nil {
		return err
	}
	d.height = b.Height - 1
	return nil
}

func restorePayouts(tx *sql.Tx, b *cryptonote.Block) error {
	rows, err := tx.Query(
		"SELECT address, amount, row_height FROM block_payments WHERE height = ? ORDER BY vout_index",
		int64(b.Height),
	)
	if err != nil {
		return err
	}
	type paid struct {
		addr      cryptonote.Address
		amount    uint64
		rowHeight uint64
	}
	var payouts []paid
	for rows.Next() {
		var (
			key []byte
			p   paid
		)
		if err := rows.Scan(&key, &p.amount, &p.rowHeight); err != nil {
			rows.Close()
			return err
		}
		if p.addr, err = cryptonote.AddressFromBytes(key); err != nil {
			rows.Close()
			return err
		}
		payouts = append(payouts, p)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(payouts) != len(b.MinerTx.Vout) {
		return fmt.Errorf("%w: block %d recorded %d payouts, miner tx has %d outputs",
			ErrPaymentMismatch, b.Height, len(payouts), len(b.MinerTx.Vout))
	}
	for i, p := range payouts {
		if b.MinerTx.Vout[i].Amount != p.amount {
			return fmt.Errorf("%w: output %d of block %d", ErrPaymentMismatch, i, b.Height)
		}
		if err := credit(tx, p.addr, p.amount*params.BatchRewardFactor, p.rowHeight); err != nil {
			return err
		}
	}
	_, err = tx.Exec("DELETE FROM block_payments WHERE height = ?", int64(b.Height))
	return err
}

// Reset empties the ledger.
func (d *DB) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resetLocked()
}

func (d *DB) resetLocked() error {
	err := d.withTx(func(tx *sql.Tx) error {
		for _, q := range []string{
			"DELETE FROM batch_sn_payments",
			"DELETE FROM block_payments",
			"UPDATE batch_sn_info SET height = 0, net = 0",
		} {
			if _, err := tx.Exec(q); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.height = 0
	log.Info("batch ledger reset")
	return nil
}

// Balances lists every outstanding row ordered by address.
func (d *DB) Balances() ([]Balance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.Query("SELECT address, amount, height FROM batch_sn_payments ORDER BY address")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Balance
	for rows.Next() {
		var (
			key []byte
			b   Balance
		)
		if err := rows.Scan(&key, &b.Amount, &b.Height); err != nil {
			return nil, err
		}
		if b.Address, err = cryptonote.AddressFromBytes(key); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Conservation checks that every credit minus every debit ever applied
// equals the sum of the outstanding balances.
func (d *DB) Conservation() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var net, outstanding int64
	if err := d.db.QueryRow("SELECT net FROM batch_sn_info").Scan(&net); err != nil {
		return err
	}
	if err := d.db.QueryRow("SELECT COALESCE(SUM(amount), 0) FROM batch_sn_payments").Scan(&outstanding); err != nil {
		return err
	}
	if net != outstanding {
		return fmt.Errorf("%w: net credits %d, outstanding %d", ErrConservation, net, outstanding)
	}
	return nil
}
