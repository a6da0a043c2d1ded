package blockdb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/x-vinnci/saferun-core-sub001/checkpoints"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

// Bucket names
var (
	bucketBlocks       = []byte("blocks")        // height -> block blob
	bucketBlockInfo    = []byte("block_info")    // height -> BlockInfo
	bucketBlockHeights = []byte("block_heights") // hash -> height
	bucketTxs          = []byte("txs")           // tx hash -> height || tx blob
	bucketOutputs      = []byte("outputs")       // amount || global index -> output
	bucketOutputCounts = []byte("output_counts") // amount -> number of outputs
	bucketKeyImages    = []byte("key_images")    // key image -> height
	bucketAltBlocks    = []byte("alt_blocks")    // hash -> AltBlock
	bucketCheckpoints  = []byte("checkpoints")   // height -> Checkpoint

	allBuckets = [][]byte{
		bucketBlocks, bucketBlockInfo, bucketBlockHeights, bucketTxs, bucketOutputs,
		bucketOutputCounts, bucketKeyImages, bucketAltBlocks, bucketCheckpoints,
	}
)

var errCorrupt = errors.New("corrupt block store record")

// DB implements BlockchainDB on a key-value engine.
type DB struct {
	kv kvStore
}

var _ BlockchainDB = (*DB)(nil)

func newDB(kv kvStore) *DB {
	return &DB{kv: kv}
}

// NewMemory returns an empty block store held in memory.
func NewMemory() *DB {
	return newDB(newMemStore())
}

func u64Key(v uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), v)
}

func outputKey(amount, index uint64) []byte {
	key := make([]byte, 0, 16)
	key = binary.BigEndian.AppendUint64(key, amount)
	return binary.BigEndian.AppendUint64(key, index)
}

const blockInfoSize = 32 + 6*8 + 2

func encodeBlockInfo(bi *BlockInfo) []byte {
	buf := make([]byte, 0, blockInfoSize)
	buf = append(buf, bi.Hash[:]...)
	for _, v := range []uint64{bi.Height, bi.Timestamp, bi.Weight, bi.LongTermWeight, bi.CumulativeDifficulty, bi.GeneratedCoins} {
		buf = binary.BigEndian.AppendUint64(buf, v)
	}
	pulse := byte(0)
	if bi.Pulse {
		pulse = 1
	}
	return append(buf, bi.PulseRound, pulse)
}

func decodeBlockInfo(data []byte) (BlockInfo, error) {
	var bi BlockInfo
	if len(data) != blockInfoSize {
		return bi, fmt.Errorf("%w: block info of %d bytes", errCorrupt, len(data))
	}
	copy(bi.Hash[:], data[:32])
	fields := []*uint64{&bi.Height, &bi.Timestamp, &bi.Weight, &bi.LongTermWeight, &bi.CumulativeDifficulty, &bi.GeneratedCoins}
	for i, f := range fields {
		*f = binary.BigEndian.Uint64(data[32+8*i:])
	}
	bi.PulseRound = data[80]
	bi.Pulse = data[81] == 1
	return bi, nil
}

const outputSize = 32 + 32 + 8 + 8

func encodeOutput(o *cryptonote.OutputKey) []byte {
	buf := make([]byte, 0, outputSize)
	buf = append(buf, o.Key[:]...)
	buf = append(buf, o.Commitment[:]...)
	buf = binary.BigEndian.AppendUint64(buf, o.Height)
	return binary.BigEndian.AppendUint64(buf, o.UnlockTime)
}

func decodeOutput(data []byte) (cryptonote.OutputKey, error) {
	var o cryptonote.OutputKey
	if len(data) != outputSize {
		return o, fmt.Errorf("%w: output of %d bytes", errCorrupt, len(data))
	}
	copy(o.Key[:], data[:32])
	copy(o.Commitment[:], data[32:64])
	o.Height = binary.BigEndian.Uint64(data[64:])
	o.UnlockTime = binary.BigEndian.Uint64(data[72:])
	return o, nil
}

func encodeAltBlock(ab *AltBlock) ([]byte, error) {
	buf := make([]byte, 0, 41+len(ab.Blob))
	for _, v := range []uint64{ab.Height, ab.Weight, ab.CumulativeDifficulty, ab.AlreadyGeneratedCoins} {
		buf = binary.BigEndian.AppendUint64(buf, v)
	}
	if ab.Checkpointed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var cp []byte
	if ab.Checkpoint != nil {
		var err error
		if cp, err = ab.Checkpoint.MarshalBinary(); err != nil {
			return nil, err
		}
	}
	buf = cryptonote.PutVarint(buf, uint64(len(cp)))
	buf = append(buf, cp...)
	return append(buf, ab.Blob...), nil
}

func decodeAltBlock(data []byte) (*AltBlock, error) {
	if len(data) < 33 {
		return nil, fmt.Errorf("%w: alt block of %d bytes", errCorrupt, len(data))
	}
	ab := &AltBlock{
		Height:                binary.BigEndian.Uint64(data[0:]),
		Weight:                binary.BigEndian.Uint64(data[8:]),
		CumulativeDifficulty:  binary.BigEndian.Uint64(data[16:]),
		AlreadyGeneratedCoins: binary.BigEndian.Uint64(data[24:]),
		Checkpointed:          data[32] == 1,
	}
	n, used, err := cryptonote.ReadVarint(data[33:])
	if err != nil || uint64(len(data)-33-used) < n {
		return nil, fmt.Errorf("%w: alt block checkpoint", errCorrupt)
	}
	rest := data[33+used:]
	if n > 0 {
		ab.Checkpoint = new(checkpoints.Checkpoint)
		if err := ab.Checkpoint.UnmarshalBinary(rest[:n]); err != nil {
			return nil, err
		}
	}
	ab.Blob = append([]byte(nil), rest[n:]...)
	return ab, nil
}

func chainHeight(tx kvTx) (uint64, error) {
	var height uint64
	err := tx.descend(bucketBlockInfo, nil, func(k, _ []byte) (bool, error) {
		height = binary.BigEndian.Uint64(k) + 1
		return false, nil
	})
	return height, err
}

func blockInfoAt(tx kvTx, height uint64) (BlockInfo, error) {
	data := tx.get(bucketBlockInfo, u64Key(height))
	if data == nil {
		return BlockInfo{}, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
	}
	return decodeBlockInfo(data)
}

func blockAt(tx kvTx, height uint64) (*cryptonote.Block, error) {
	blob := tx.get(bucketBlocks, u64Key(height))
	if blob == nil {
		return nil, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
	}
	b, err := cryptonote.DeserializeBlock(blob)
	if err != nil {
		return nil, fmt.Errorf("stored block %d: %w", height, err)
	}
	b.Height = height
	return b, nil
}

// Height returns the number of blocks on the main chain.
func (d *DB) Height() (uint64, error) {
	var h uint64
	err := d.kv.view(func(tx kvTx) (err error) {
		h, err = chainHeight(tx)
		return err
	})
	return h, err
}

// TopBlockHash returns the hash of the top main chain block.
func (d *DB) TopBlockHash() (crypto.Hash, error) {
	var hash crypto.Hash
	err := d.kv.view(func(tx kvTx) error {
		h, err := chainHeight(tx)
		if err != nil {
			return err
		}
		if h == 0 {
			return ErrEmptyChain
		}
		bi, err := blockInfoAt(tx, h-1)
		hash = bi.Hash
		return err
	})
	return hash, err
}

// BlockFromHeight returns the main chain block at height.
func (d *DB) BlockFromHeight(height uint64) (*cryptonote.Block, error) {
	var b *cryptonote.Block
	err := d.kv.view(func(tx kvTx) (err error) {
		b, err = blockAt(tx, height)
		return err
	})
	return b, err
}

// BlockBlobFromHeight returns the serialized main chain block at height.
func (d *DB) BlockBlobFromHeight(height uint64) ([]byte, error) {
	var blob []byte
	err := d.kv.view(func(tx kvTx) error {
		data := tx.get(bucketBlocks, u64Key(height))
		if data == nil {
			return fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
		}
		blob = append([]byte(nil), data...)
		return nil
	})
	return blob, err
}

// BlockByHash returns the main chain block with the given hash.
func (d *DB) BlockByHash(hash crypto.Hash) (*cryptonote.Block, error) {
	var b *cryptonote.Block
	err := d.kv.view(func(tx kvTx) error {
		hk := tx.get(bucketBlockHeights, hash[:])
		if hk == nil {
			return fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
		}
		var err error
		b, err = blockAt(tx, binary.BigEndian.Uint64(hk))
		return err
	})
	return b, err
}

// BlockHeight returns the height of the main chain block with the given
// hash.
func (d *DB) BlockHeight(hash crypto.Hash) (uint64, error) {
	var height uint64
	err := d.kv.view(func(tx kvTx) error {
		hk := tx.get(bucketBlockHeights, hash[:])
		if hk == nil {
			return fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
		}
		height = binary.BigEndian.Uint64(hk)
		return nil
	})
	return height, err
}

// BlockExists reports whether hash is on the main chain.
func (d *DB) BlockExists(hash crypto.Hash) (bool, error) {
	var ok bool
	err := d.kv.view(func(tx kvTx) error {
		ok = tx.get(bucketBlockHeights, hash[:]) != nil
		return nil
	})
	return ok, err
}

// BlockHashFromHeight returns the hash of the main chain block at height.
func (d *DB) BlockHashFromHeight(height uint64) (crypto.Hash, error) {
	bi, err := d.BlockInfo(height)
	return bi.Hash, err
}

// BlockInfo returns the metadata of the main chain block at height.
func (d *DB) BlockInfo(height uint64) (BlockInfo, error) {
	var bi BlockInfo
	err := d.kv.view(func(tx kvTx) (err error) {
		bi, err = blockInfoAt(tx, height)
		return err
	})
	return bi, err
}

type indexedOutput struct {
	amount uint64
	out    cryptonote.OutputKey
}

// txOutputs lists the ring entries a transaction's outputs add, with the
// amount they are indexed under. RingCT outputs and every output of a v2+
// miner tx are indexed under amount 0.
func txOutputs(tx *cryptonote.Transaction, height uint64, miner bool) []indexedOutput {
	res := make([]indexedOutput, len(tx.Vout))
	for i, vout := range tx.Vout {
		o := cryptonote.OutputKey{Key: vout.Key, Height: height, UnlockTime: tx.UnlockTimeOf(i)}
		amount := vout.Amount
		switch {
		case tx.Version == params.TxVersion1:
			o.Commitment = cryptonote.Key(crypto.ZeroCommit(vout.Amount))
		case miner || tx.RCT.Type == cryptonote.RCTTypeNull:
			o.Commitment = cryptonote.Key(crypto.ZeroCommit(vout.Amount))
			amount = 0
		default:
			if i < len(tx.RCT.OutPk) {
				o.Commitment = tx.RCT.OutPk[i]
			}
			amount = 0
		}
		res[i] = indexedOutput{amount: amount, out: o}
	}
	return res
}

func addOutputs(tx kvTx, t *cryptonote.Transaction, height uint64, miner bool) error {
	for _, o := range txOutputs(t, height, miner) {
		var count uint64
		if c := tx.get(bucketOutputCounts, u64Key(o.amount)); c != nil {
			count = binary.BigEndian.Uint64(c)
		}
		if err := tx.put(bucketOutputs, outputKey(o.amount, count), encodeOutput(&o.out)); err != nil {
			return err
		}
		if err := tx.put(bucketOutputCounts, u64Key(o.amount), u64Key(count+1)); err != nil {
			return err
		}
	}
	return nil
}

func removeOutputs(tx kvTx, t *cryptonote.Transaction, height uint64, miner bool) error {
	outs := txOutputs(t, height, miner)
	for i := len(outs) - 1; i >= 0; i-- {
		amount := outs[i].amount
		c := tx.get(bucketOutputCounts, u64Key(amount))
		if c == nil || binary.BigEndian.Uint64(c) == 0 {
			return fmt.Errorf("%w: no outputs of amount %d to remove", errCorrupt, amount)
		}
		last := binary.BigEndian.Uint64(c) - 1
		if err := tx.del(bucketOutputs, outputKey(amount, last)); err != nil {
			return err
		}
		if last == 0 {
			if err := tx.del(bucketOutputCounts, u64Key(amount)); err != nil {
				return err
			}
		} else if err := tx.put(bucketOutputCounts, u64Key(amount), u64Key(last)); err != nil {
			return err
		}
	}
	return nil
}

func putTx(tx kvTx, hash crypto.Hash, blob []byte, height uint64) error {
	if tx.get(bucketTxs, hash[:]) != nil {
		return fmt.Errorf("%w: %s", ErrTxExists, hash)
	}
	val := make([]byte, 0, 8+len(blob))
	val = binary.BigEndian.AppendUint64(val, height)
	return tx.put(bucketTxs, hash[:], append(val, blob...))
}

// AddBlock appends b at the top of the main chain.
func (d *DB) AddBlock(b *cryptonote.Block, weight, longTermWeight, cumulativeDifficulty, generatedCoins uint64, txs []TxEntry) error {
	if b == nil {
		return fmt.Errorf("cannot add nil block")
	}
	if len(txs) != len(b.TxHashes) {
		return fmt.Errorf("block has %d tx hashes but %d txs were given", len(b.TxHashes), len(txs))
	}
	hash, err := b.Hash()
	if err != nil {
		return err
	}
	blob, err := b.Serialize()
	if err != nil {
		return err
	}
	minerHash, minerBlob, err := b.MinerTx.HashAndBlob()
	if err != nil {
		return err
	}

	return d.kv.update(func(tx kvTx) error {
		height, err := chainHeight(tx)
		if err != nil {
			return err
		}
		if b.Height != height {
			return fmt.Errorf("block height %d does not extend chain of height %d", b.Height, height)
		}
		if height > 0 {
			top, err := blockInfoAt(tx, height-1)
			if err != nil {
				return err
			}
			if b.PrevID != top.Hash {
				return fmt.Errorf("block prev %s does not match top %s", b.PrevID, top.Hash)
			}
		}
		if tx.get(bucketBlockHeights, hash[:]) != nil {
			return fmt.Errorf("%w: %s", ErrBlockExists, hash)
		}
		// Inside a batch nothing rolls back a half-written block, so every
		// check runs before the first put.
		if err := checkBlockTxs(tx, b, minerHash, txs); err != nil {
			return err
		}

		hk := u64Key(height)
		info := BlockInfo{
			Hash:                 hash,
			Height:               height,
			Timestamp:            b.Timestamp,
			Weight:               weight,
			LongTermWeight:       longTermWeight,
			CumulativeDifficulty: cumulativeDifficulty,
			GeneratedCoins:       generatedCoins,
			PulseRound:           b.Pulse.Round,
			Pulse:                b.HasPulseComponents(),
		}
		if err := tx.put(bucketBlocks, hk, blob); err != nil {
			return err
		}
		if err := tx.put(bucketBlockInfo, hk, encodeBlockInfo(&info)); err != nil {
			return err
		}
		if err := tx.put(bucketBlockHeights, hash[:], hk); err != nil {
			return err
		}

		if err := putTx(tx, minerHash, minerBlob, height); err != nil {
			return err
		}
		if err := addOutputs(tx, &b.MinerTx, height, true); err != nil {
			return err
		}
		for _, t := range txs {
			if err := putTx(tx, t.Hash, t.Blob, height); err != nil {
				return err
			}
			if err := addOutputs(tx, t.Tx, height, false); err != nil {
				return err
			}
			for _, ki := range t.Tx.KeyImages() {
				if err := tx.put(bucketKeyImages, ki[:], hk); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// checkBlockTxs refuses txs that do not match b's tx hashes, that are
// already stored, or that spend a key image spent before or earlier in b.
func checkBlockTxs(tx kvTx, b *cryptonote.Block, minerHash crypto.Hash, txs []TxEntry) error {
	if tx.get(bucketTxs, minerHash[:]) != nil {
		return fmt.Errorf("%w: %s", ErrTxExists, minerHash)
	}
	seenTxs := map[crypto.Hash]struct{}{minerHash: {}}
	seenKIs := make(map[crypto.KeyImage]struct{})
	for i, t := range txs {
		if t.Hash != b.TxHashes[i] {
			return fmt.Errorf("tx %d is %s, block lists %s", i, t.Hash, b.TxHashes[i])
		}
		if _, dup := seenTxs[t.Hash]; dup || tx.get(bucketTxs, t.Hash[:]) != nil {
			return fmt.Errorf("%w: %s", ErrTxExists, t.Hash)
		}
		seenTxs[t.Hash] = struct{}{}
		for _, ki := range t.Tx.KeyImages() {
			if _, dup := seenKIs[ki]; dup || tx.get(bucketKeyImages, ki[:]) != nil {
				return fmt.Errorf("%w: %s", ErrKeyImageExists, ki)
			}
			seenKIs[ki] = struct{}{}
		}
	}
	return nil
}

// PopBlock removes the top main chain block, its txs, outputs and key
// images.
func (d *DB) PopBlock() (*cryptonote.Block, []TxEntry, error) {
	var (
		b   *cryptonote.Block
		txs []TxEntry
	)
	err := d.kv.update(func(tx kvTx) error {
		height, err := chainHeight(tx)
		if err != nil {
			return err
		}
		if height == 0 {
			return ErrEmptyChain
		}
		top := height - 1
		if b, err = blockAt(tx, top); err != nil {
			return err
		}
		info, err := blockInfoAt(tx, top)
		if err != nil {
			return err
		}

		txs = make([]TxEntry, len(b.TxHashes))
		for i := len(b.TxHashes) - 1; i >= 0; i-- {
			h := b.TxHashes[i]
			val := tx.get(bucketTxs, h[:])
			if len(val) < 8 {
				return fmt.Errorf("%w: %s", ErrTxNotFound, h)
			}
			blob := append([]byte(nil), val[8:]...)
			t, err := cryptonote.DeserializeTx(blob)
			if err != nil {
				return fmt.Errorf("stored tx %s: %w", h, err)
			}
			txs[i] = TxEntry{Hash: h, Blob: blob, Tx: t}

			for _, ki := range t.KeyImages() {
				if err := tx.del(bucketKeyImages, ki[:]); err != nil {
					return err
				}
			}
			if err := removeOutputs(tx, t, top, false); err != nil {
				return err
			}
			if err := tx.del(bucketTxs, h[:]); err != nil {
				return err
			}
		}

		if err := removeOutputs(tx, &b.MinerTx, top, true); err != nil {
			return err
		}
		minerHash, err := b.MinerTx.Hash()
		if err != nil {
			return err
		}
		hk := u64Key(top)
		for _, del := range []struct{ bucket, key []byte }{
			{bucketTxs, minerHash[:]},
			{bucketBlockHeights, info.Hash[:]},
			{bucketBlockInfo, hk},
			{bucketBlocks, hk},
		} {
			if err := tx.del(del.bucket, del.key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return b, txs, nil
}

// OutputKey returns the output with global index index among outputs of
// amount.
func (d *DB) OutputKey(amount, index uint64) (cryptonote.OutputKey, error) {
	var o cryptonote.OutputKey
	err := d.kv.view(func(tx kvTx) error {
		data := tx.get(bucketOutputs, outputKey(amount, index))
		if data == nil {
			return fmt.Errorf("%w: amount %d index %d", ErrOutputNotFound, amount, index)
		}
		var err error
		o, err = decodeOutput(data)
		return err
	})
	return o, err
}

// OutputKeys resolves several global indices of the same amount.
func (d *DB) OutputKeys(amount uint64, indices []uint64) ([]cryptonote.OutputKey, error) {
	out := make([]cryptonote.OutputKey, len(indices))
	err := d.kv.view(func(tx kvTx) error {
		for i, idx := range indices {
			data := tx.get(bucketOutputs, outputKey(amount, idx))
			if data == nil {
				return fmt.Errorf("%w: amount %d index %d", ErrOutputNotFound, amount, idx)
			}
			o, err := decodeOutput(data)
			if err != nil {
				return err
			}
			out[i] = o
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NumOutputs returns how many outputs of amount exist.
func (d *DB) NumOutputs(amount uint64) (uint64, error) {
	var n uint64
	err := d.kv.view(func(tx kvTx) error {
		if c := tx.get(bucketOutputCounts, u64Key(amount)); c != nil {
			n = binary.BigEndian.Uint64(c)
		}
		return nil
	})
	return n, err
}

// HasKeyImage reports whether ki was spent on the main chain.
func (d *DB) HasKeyImage(ki crypto.KeyImage) (bool, error) {
	var ok bool
	err := d.kv.view(func(tx kvTx) error {
		ok = tx.get(bucketKeyImages, ki[:]) != nil
		return nil
	})
	return ok, err
}

// TxExists reports whether hash was committed on the main chain.
func (d *DB) TxExists(hash crypto.Hash) (bool, error) {
	var ok bool
	err := d.kv.view(func(tx kvTx) error {
		ok = tx.get(bucketTxs, hash[:]) != nil
		return nil
	})
	return ok, err
}

// Tx returns a committed transaction and the height of its block.
func (d *DB) Tx(hash crypto.Hash) (TxEntry, uint64, error) {
	var (
		entry  TxEntry
		height uint64
	)
	err := d.kv.view(func(tx kvTx) error {
		val := tx.get(bucketTxs, hash[:])
		if len(val) < 8 {
			return fmt.Errorf("%w: %s", ErrTxNotFound, hash)
		}
		height = binary.BigEndian.Uint64(val)
		entry.Hash = hash
		entry.Blob = append([]byte(nil), val[8:]...)
		var err error
		entry.Tx, err = cryptonote.DeserializeTx(entry.Blob)
		return err
	})
	return entry, height, err
}

// AltBlock returns the alternative block with the given hash, or nil.
func (d *DB) AltBlock(hash crypto.Hash) (*AltBlock, error) {
	var ab *AltBlock
	err := d.kv.view(func(tx kvTx) error {
		data := tx.get(bucketAltBlocks, hash[:])
		if data == nil {
			return nil
		}
		var err error
		ab, err = decodeAltBlock(data)
		return err
	})
	return ab, err
}

// AddAltBlock stores an alternative block under hash.
func (d *DB) AddAltBlock(hash crypto.Hash, ab *AltBlock) error {
	data, err := encodeAltBlock(ab)
	if err != nil {
		return err
	}
	return d.kv.update(func(tx kvTx) error {
		return tx.put(bucketAltBlocks, hash[:], data)
	})
}

// RemoveAltBlock deletes an alternative block.
func (d *DB) RemoveAltBlock(hash crypto.Hash) error {
	return d.kv.update(func(tx kvTx) error {
		return tx.del(bucketAltBlocks, hash[:])
	})
}

// DropAltBlocks deletes every alternative block.
func (d *DB) DropAltBlocks() error {
	return d.kv.update(func(tx kvTx) error {
		var keys [][]byte
		err := tx.ascend(bucketAltBlocks, nil, func(k, _ []byte) (bool, error) {
			keys = append(keys, append([]byte(nil), k...))
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := tx.del(bucketAltBlocks, k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ForAllAltBlocks visits every alternative block.
func (d *DB) ForAllAltBlocks(fn func(hash crypto.Hash, ab *AltBlock) error) error {
	return d.kv.view(func(tx kvTx) error {
		return tx.ascend(bucketAltBlocks, nil, func(k, v []byte) (bool, error) {
			var hash crypto.Hash
			copy(hash[:], k)
			ab, err := decodeAltBlock(v)
			if err != nil {
				return false, err
			}
			return true, fn(hash, ab)
		})
	})
}

// ForAllKeyImages visits every spent key image.
func (d *DB) ForAllKeyImages(fn func(ki crypto.KeyImage) error) error {
	return d.kv.view(func(tx kvTx) error {
		return tx.ascend(bucketKeyImages, nil, func(k, _ []byte) (bool, error) {
			var ki crypto.KeyImage
			copy(ki[:], k)
			return true, fn(ki)
		})
	})
}

// ForAllBlocks visits the metadata of every main chain block from height
// from upwards.
func (d *DB) ForAllBlocks(from uint64, fn func(info BlockInfo) error) error {
	return d.kv.view(func(tx kvTx) error {
		return tx.ascend(bucketBlockInfo, u64Key(from), func(_, v []byte) (bool, error) {
			bi, err := decodeBlockInfo(v)
			if err != nil {
				return false, err
			}
			return true, fn(bi)
		})
	})
}

// Checkpoint returns the stored checkpoint at height, or nil.
func (d *DB) Checkpoint(height uint64) (*checkpoints.Checkpoint, error) {
	var cp *checkpoints.Checkpoint
	err := d.kv.view(func(tx kvTx) error {
		data := tx.get(bucketCheckpoints, u64Key(height))
		if data == nil {
			return nil
		}
		cp = new(checkpoints.Checkpoint)
		return cp.UnmarshalBinary(data)
	})
	return cp, err
}

// UpdateCheckpoint stores cp, replacing any checkpoint at its height.
func (d *DB) UpdateCheckpoint(cp *checkpoints.Checkpoint) error {
	data, err := cp.MarshalBinary()
	if err != nil {
		return err
	}
	return d.kv.update(func(tx kvTx) error {
		return tx.put(bucketCheckpoints, u64Key(cp.Height), data)
	})
}

// RemoveCheckpoint deletes the checkpoint at height.
func (d *DB) RemoveCheckpoint(height uint64) error {
	return d.kv.update(func(tx kvTx) error {
		return tx.del(bucketCheckpoints, u64Key(height))
	})
}

// CheckpointsRange implements checkpoints.Store.
func (d *DB) CheckpointsRange(start, end uint64, limit int) ([]*checkpoints.Checkpoint, error) {
	var out []*checkpoints.Checkpoint
	collect := func(_, v []byte) (bool, error) {
		cp := new(checkpoints.Checkpoint)
		if err := cp.UnmarshalBinary(v); err != nil {
			return false, err
		}
		if (start <= end && cp.Height > end) || (start > end && cp.Height < end) {
			return false, nil
		}
		out = append(out, cp)
		return limit == 0 || len(out) < limit, nil
	}
	err := d.kv.view(func(tx kvTx) error {
		if start <= end {
			return tx.ascend(bucketCheckpoints, u64Key(start), collect)
		}
		return tx.descend(bucketCheckpoints, u64Key(start), collect)
	})
	return out, err
}

// BatchStart opens a write batch. Every update until BatchStop or
// BatchAbort is part of it.
func (d *DB) BatchStart() error { return d.kv.batchStart() }

// BatchStop commits the active batch.
func (d *DB) BatchStop() error { return d.kv.batchStop() }

// BatchAbort discards the active batch.
func (d *DB) BatchAbort() error { return d.kv.batchAbort() }

// Sync flushes the store to disk.
func (d *DB) Sync() error { return d.kv.sync() }

// Close closes the store, discarding any active batch.
func (d *DB) Close() error { return d.kv.close() }
