package cryptonote

import (
	"fmt"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

// Input and output variant tags.
const (
	tagTxInGen   = 0xff
	tagTxInToKey = 0x02
	tagTxOutKey  = 0x02
)

// TxInput is either a TxInGen or a TxInToKey.
type TxInput interface {
	isTxInput()
}

// TxInGen is the coinbase input of a miner transaction.
type TxInGen struct {
	Height uint64
}

// TxInToKey spends one of a ring of outputs. KeyOffsets are relative: the
// first is an absolute global output index, the rest are deltas.
type TxInToKey struct {
	Amount     uint64
	KeyOffsets []uint64
	KeyImage   crypto.KeyImage
}

func (*TxInGen) isTxInput()   {}
func (*TxInToKey) isTxInput() {}

// AbsoluteOffsets converts the relative key offsets to global indexes.
func (in *TxInToKey) AbsoluteOffsets() []uint64 {
	out := make([]uint64, len(in.KeyOffsets))
	var sum uint64
	for i, o := range in.KeyOffsets {
		sum += o
		out[i] = sum
	}
	return out
}

// RelativeOffsets converts sorted global indexes to the relative form.
func RelativeOffsets(abs []uint64) []uint64 {
	out := make([]uint64, len(abs))
	var prev uint64
	for i, a := range abs {
		out[i] = a - prev
		prev = a
	}
	return out
}

// TxOut pays Amount to the one-time key Key. RingCT outputs carry amount 0.
type TxOut struct {
	Amount uint64
	Key    crypto.PublicKey
}

// Transaction is a decoded transaction. Signatures is only used by v1
// transactions; later versions carry RCT.
type Transaction struct {
	Version           params.TxVersion
	Type              params.TxType
	UnlockTime        uint64
	OutputUnlockTimes []uint64
	Vin               []TxInput
	Vout              []TxOut
	Extra             []byte

	Signatures [][]crypto.Signature
	RCT        RctSig
}

// IsTransfer reports whether the transaction moves funds.
func (tx *Transaction) IsTransfer() bool { return tx.Type.IsTransfer() }

// UnlockTimeOf returns the unlock time of output i.
func (tx *Transaction) UnlockTimeOf(i int) uint64 {
	if tx.Version >= params.TxVersion3PerOutputUnlockTimes && i < len(tx.OutputUnlockTimes) {
		return tx.OutputUnlockTimes[i]
	}
	return tx.UnlockTime
}

// KeyImages returns the key images of all to_key inputs in order.
func (tx *Transaction) KeyImages() []crypto.KeyImage {
	var out []crypto.KeyImage
	for _, in := range tx.Vin {
		if k, ok := in.(*TxInToKey); ok {
			out = append(out, k.KeyImage)
		}
	}
	return out
}

// OutputsSum returns the sum of output amounts, or false on overflow.
func (tx *Transaction) OutputsSum() (uint64, bool) {
	var sum uint64
	for _, o := range tx.Vout {
		if sum+o.Amount < sum {
			return 0, false
		}
		sum += o.Amount
	}
	return sum, true
}

// Fee is the declared transaction fee. Pre-RingCT transactions pay the
// difference between inputs and outputs.
func (tx *Transaction) Fee() uint64 {
	if tx.Version >= params.TxVersion2RingCT {
		return tx.RCT.TxnFee
	}
	var in uint64
	for _, vin := range tx.Vin {
		if k, ok := vin.(*TxInToKey); ok {
			in += k.Amount
		}
	}
	out, _ := tx.OutputsSum()
	if in < out {
		return 0
	}
	return in - out
}

// mixin is the ring size minus one, taken from the first input.
func (tx *Transaction) mixin() int {
	if len(tx.Vin) == 0 {
		return 0
	}
	if k, ok := tx.Vin[0].(*TxInToKey); ok && len(k.KeyOffsets) > 0 {
		return len(k.KeyOffsets) - 1
	}
	return 0
}

// ============================================================================
// Encoding
// ============================================================================

// SerializePrefix encodes the transaction prefix.
func (tx *Transaction) SerializePrefix() ([]byte, error) {
	return tx.appendPrefix(nil)
}

func (tx *Transaction) appendPrefix(buf []byte) ([]byte, error) {
	if tx.Version < params.TxVersion1 || tx.Version > params.TxVersion4TxTypes {
		return nil, fmt.Errorf("%w: tx version %d", ErrUnsupported, tx.Version)
	}
	buf = PutVarint(buf, uint64(tx.Version))
	if tx.Version >= params.TxVersion3PerOutputUnlockTimes {
		if len(tx.OutputUnlockTimes) != len(tx.Vout) {
			return nil, fmt.Errorf("output unlock times: have %d, want %d", len(tx.OutputUnlockTimes), len(tx.Vout))
		}
		buf = PutVarint(buf, uint64(len(tx.OutputUnlockTimes)))
		for _, t := range tx.OutputUnlockTimes {
			buf = PutVarint(buf, t)
		}
		if tx.Version == params.TxVersion3PerOutputUnlockTimes {
			var sc byte
			if tx.Type == params.TxTypeStateChange {
				sc = 1
			}
			buf = append(buf, sc)
		}
	}
	buf = PutVarint(buf, tx.UnlockTime)

	buf = PutVarint(buf, uint64(len(tx.Vin)))
	for _, in := range tx.Vin {
		switch in := in.(type) {
		case *TxInGen:
			buf = append(buf, tagTxInGen)
			buf = PutVarint(buf, in.Height)
		case *TxInToKey:
			buf = append(buf, tagTxInToKey)
			buf = PutVarint(buf, in.Amount)
			buf = PutVarint(buf, uint64(len(in.KeyOffsets)))
			for _, o := range in.KeyOffsets {
				buf = PutVarint(buf, o)
			}
			buf = append(buf, in.KeyImage[:]...)
		default:
			return nil, fmt.Errorf("%w: input %T", ErrBadTag, in)
		}
	}

	buf = PutVarint(buf, uint64(len(tx.Vout)))
	for _, out := range tx.Vout {
		buf = PutVarint(buf, out.Amount)
		buf = append(buf, tagTxOutKey)
		buf = append(buf, out.Key[:]...)
	}

	buf = PutVarint(buf, uint64(len(tx.Extra)))
	buf = append(buf, tx.Extra...)

	if tx.Version >= params.TxVersion4TxTypes {
		if tx.Type >= params.TxTypeCount {
			return nil, fmt.Errorf("%w: tx type %d", ErrUnsupported, tx.Type)
		}
		buf = PutVarint(buf, uint64(tx.Type))
	}
	return buf, nil
}

// txLayout records where the prefix and unprunable parts end inside a
// serialized transaction.
type txLayout struct {
	prefixSize     int
	unprunableSize int
}

// Serialize encodes the full transaction.
func (tx *Transaction) Serialize() ([]byte, error) {
	buf, _, err := tx.serialize(nil)
	return buf, err
}

func (tx *Transaction) serialize(buf []byte) ([]byte, txLayout, error) {
	var lay txLayout
	start := len(buf)
	buf, err := tx.appendPrefix(buf)
	if err != nil {
		return nil, lay, err
	}
	lay.prefixSize = len(buf) - start

	if tx.Version == params.TxVersion1 {
		lay.unprunableSize = lay.prefixSize
		if len(tx.Signatures) != 0 && len(tx.Signatures) != len(tx.Vin) {
			return nil, lay, fmt.Errorf("signatures: have %d sets, want %d", len(tx.Signatures), len(tx.Vin))
		}
		for i, sigs := range tx.Signatures {
			if want := signatureCount(tx.Vin[i]); len(sigs) != want {
				return nil, lay, fmt.Errorf("input %d signatures: have %d, want %d", i, len(sigs), want)
			}
			for _, s := range sigs {
				buf = append(buf, s[:]...)
			}
		}
		return buf, lay, nil
	}

	lay.unprunableSize = lay.prefixSize
	if len(tx.Vin) == 0 {
		return buf, lay, nil
	}
	buf, err = tx.RCT.appendBase(buf, len(tx.Vin), len(tx.Vout))
	if err != nil {
		return nil, lay, err
	}
	lay.unprunableSize = len(buf) - start
	buf, err = tx.RCT.appendPrunable(buf, len(tx.Vin), len(tx.Vout), tx.mixin())
	if err != nil {
		return nil, lay, err
	}
	return buf, lay, nil
}

func signatureCount(in TxInput) int {
	if k, ok := in.(*TxInToKey); ok {
		return len(k.KeyOffsets)
	}
	return 0
}

// DeserializeTx decodes a transaction and rejects trailing bytes.
func DeserializeTx(data []byte) (*Transaction, error) {
	r := newReader(data)
	tx, _ := r.transaction()
	if err := r.done(); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

func (r *reader) transaction() (*Transaction, txLayout) {
	var lay txLayout
	start := r.off
	tx := &Transaction{}

	version := r.varint()
	if r.err == nil && (version < uint64(params.TxVersion1) || version > uint64(params.TxVersion4TxTypes)) {
		r.fail(fmt.Errorf("%w: tx version %d", ErrUnsupported, version))
	}
	tx.Version = params.TxVersion(version)
	if tx.Version >= params.TxVersion3PerOutputUnlockTimes {
		n := r.count(1)
		tx.OutputUnlockTimes = make([]uint64, n)
		for i := range tx.OutputUnlockTimes {
			tx.OutputUnlockTimes[i] = r.varint()
		}
		if tx.Version == params.TxVersion3PerOutputUnlockTimes {
			switch r.u8() {
			case 0:
				tx.Type = params.TxTypeStandard
			case 1:
				tx.Type = params.TxTypeStateChange
			default:
				r.fail(fmt.Errorf("%w: is_state_change", ErrBadTag))
			}
		}
	}
	tx.UnlockTime = r.varint()

	nin := r.count(2)
	tx.Vin = make([]TxInput, 0, nin)
	for i := 0; i < nin && r.err == nil; i++ {
		switch tag := r.u8(); tag {
		case tagTxInGen:
			tx.Vin = append(tx.Vin, &TxInGen{Height: r.varint()})
		case tagTxInToKey:
			in := &TxInToKey{Amount: r.varint()}
			n := r.count(1)
			in.KeyOffsets = make([]uint64, n)
			for j := range in.KeyOffsets {
				in.KeyOffsets[j] = r.varint()
			}
			in.KeyImage = r.key32()
			tx.Vin = append(tx.Vin, in)
		default:
			r.fail(fmt.Errorf("%w: input tag 0x%02x", ErrBadTag, tag))
		}
	}

	nout := r.count(34)
	tx.Vout = make([]TxOut, nout)
	for i := range tx.Vout {
		tx.Vout[i].Amount = r.varint()
		if tag := r.u8(); r.err == nil && tag != tagTxOutKey {
			r.fail(fmt.Errorf("%w: output tag 0x%02x", ErrBadTag, tag))
		}
		tx.Vout[i].Key = r.key32()
	}
	if r.err == nil && tx.Version >= params.TxVersion3PerOutputUnlockTimes && len(tx.Vout) != len(tx.OutputUnlockTimes) {
		r.fail(fmt.Errorf("%w: %d output unlock times for %d outputs", ErrBadTag, len(tx.OutputUnlockTimes), len(tx.Vout)))
	}

	if extra := r.bytes(r.count(1)); extra != nil {
		tx.Extra = append([]byte(nil), extra...)
	}

	if tx.Version >= params.TxVersion4TxTypes {
		t := r.varint()
		if r.err == nil && t >= uint64(params.TxTypeCount) {
			r.fail(fmt.Errorf("%w: tx type %d", ErrUnsupported, t))
		}
		tx.Type = params.TxType(t)
	}
	lay.prefixSize = r.off - start
	lay.unprunableSize = lay.prefixSize
	if r.err != nil {
		return nil, lay
	}

	if tx.Version == params.TxVersion1 {
		tx.Signatures = make([][]crypto.Signature, len(tx.Vin))
		for i, in := range tx.Vin {
			n := signatureCount(in)
			if n > r.remaining()/64 {
				r.fail(ErrTruncated)
				return nil, lay
			}
			tx.Signatures[i] = make([]crypto.Signature, n)
			for j := range tx.Signatures[i] {
				tx.Signatures[i][j] = r.sig64()
			}
		}
		return tx, lay
	}

	if len(tx.Vin) == 0 {
		return tx, lay
	}
	r.rctBase(&tx.RCT, len(tx.Vin), len(tx.Vout))
	lay.unprunableSize = r.off - start
	r.rctPrunable(&tx.RCT, len(tx.Vin), len(tx.Vout), tx.mixin())
	if r.err != nil {
		return nil, lay
	}
	return tx, lay
}

// ============================================================================
// Hashing
// ============================================================================

// PrefixHash is the hash of the transaction prefix, the message signed by
// v1 ring signatures and by tx extra proofs.
func (tx *Transaction) PrefixHash() (crypto.Hash, error) {
	prefix, err := tx.SerializePrefix()
	if err != nil {
		return crypto.Hash{}, err
	}
	return crypto.Keccak256(prefix), nil
}

// Hash computes the transaction id. Version 1 hashes the whole blob; later
// versions hash the concatenation of the prefix, RingCT base and RingCT
// prunable hashes, with a null prunable hash for Null signatures.
func (tx *Transaction) Hash() (crypto.Hash, error) {
	blob, lay, err := tx.serialize(nil)
	if err != nil {
		return crypto.Hash{}, err
	}
	return hashFromLayout(tx, blob, lay), nil
}

// HashAndBlob returns the id and the serialized transaction together.
func (tx *Transaction) HashAndBlob() (crypto.Hash, []byte, error) {
	blob, lay, err := tx.serialize(nil)
	if err != nil {
		return crypto.Hash{}, nil, err
	}
	return hashFromLayout(tx, blob, lay), blob, nil
}

func hashFromLayout(tx *Transaction, blob []byte, lay txLayout) crypto.Hash {
	if tx.Version == params.TxVersion1 {
		return crypto.Keccak256(blob)
	}
	var parts [3]crypto.Hash
	parts[0] = crypto.Keccak256(blob[:lay.prefixSize])
	parts[1] = crypto.Keccak256(blob[lay.prefixSize:lay.unprunableSize])
	if tx.RCT.Type != RCTTypeNull {
		parts[2] = crypto.Keccak256(blob[lay.unprunableSize:])
	}
	return crypto.Keccak256(parts[0][:], parts[1][:], parts[2][:])
}

// ParseTx decodes a transaction blob and returns it with its id.
func ParseTx(blob []byte) (*Transaction, crypto.Hash, error) {
	r := newReader(blob)
	tx, lay := r.transaction()
	if err := r.done(); err != nil {
		return nil, crypto.Hash{}, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, hashFromLayout(tx, blob, lay), nil
}
