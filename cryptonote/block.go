package cryptonote

import (
	"fmt"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

// PulseRandomValue is the entropy a pulse block leader commits to.
type PulseRandomValue [16]byte

// PulseHeader is present on blocks of hf16 and later. Mined blocks leave it
// zeroed.
type PulseHeader struct {
	RandomValue     PulseRandomValue
	Round           uint8
	ValidatorBitset uint16
}

// QuorumSignature is a pulse validator's signature over the block hash.
type QuorumSignature struct {
	VoterIndex uint16
	Signature  crypto.Signature
}

// BlockHeader is the hashed block header.
type BlockHeader struct {
	MajorVersion uint8
	MinorVersion uint8
	Timestamp    uint64
	PrevID       crypto.Hash
	Nonce        uint32
	Pulse        PulseHeader
}

// Block is a decoded block. Height, ServiceNodeWinnerKey and Reward are
// only serialized from hf19; for older blocks Height is filled in by the
// chain from the block's position.
type Block struct {
	BlockHeader
	MinerTx              Transaction
	TxHashes             []crypto.Hash
	Signatures           []QuorumSignature
	Height               uint64
	ServiceNodeWinnerKey crypto.PublicKey
	Reward               uint64
}

func (h *BlockHeader) appendTo(buf []byte) []byte {
	buf = append(buf, h.MajorVersion)
	buf = PutVarint(buf, uint64(h.MinorVersion))
	buf = PutVarint(buf, h.Timestamp)
	buf = append(buf, h.PrevID[:]...)
	buf = appendU32(buf, h.Nonce)
	if params.HF(h.MajorVersion) >= params.HF16Pulse {
		buf = append(buf, h.Pulse.RandomValue[:]...)
		buf = append(buf, h.Pulse.Round)
		buf = appendU16(buf, h.Pulse.ValidatorBitset)
	}
	return buf
}

func (r *reader) blockHeader(h *BlockHeader) {
	h.MajorVersion = r.u8()
	minor := r.varint()
	if r.err == nil && minor > 0xff {
		r.fail(fmt.Errorf("%w: minor version %d", ErrOverflow, minor))
	}
	h.MinorVersion = uint8(minor)
	h.Timestamp = r.varint()
	h.PrevID = r.key32()
	h.Nonce = r.u32()
	if params.HF(h.MajorVersion) >= params.HF16Pulse {
		copy(h.Pulse.RandomValue[:], r.bytes(16))
		h.Pulse.Round = r.u8()
		h.Pulse.ValidatorBitset = r.u16()
	}
}

// Serialize encodes the block.
func (b *Block) Serialize() ([]byte, error) {
	if len(b.TxHashes) > params.MaxTxPerBlock {
		return nil, fmt.Errorf("too many transactions in block: %d", len(b.TxHashes))
	}
	buf := b.BlockHeader.appendTo(nil)
	buf, _, err := b.MinerTx.serialize(buf)
	if err != nil {
		return nil, fmt.Errorf("miner tx: %w", err)
	}
	buf = PutVarint(buf, uint64(len(b.TxHashes)))
	for _, h := range b.TxHashes {
		buf = append(buf, h[:]...)
	}
	if params.HF(b.MajorVersion) >= params.HF16Pulse {
		buf = PutVarint(buf, uint64(len(b.Signatures)))
		for _, s := range b.Signatures {
			buf = appendU16(buf, s.VoterIndex)
			buf = append(buf, s.Signature[:]...)
		}
	}
	if params.HF(b.MajorVersion) >= params.HF19RewardBatching {
		buf = b.appendBatchingFields(buf)
	}
	return buf, nil
}

func (b *Block) appendBatchingFields(buf []byte) []byte {
	buf = PutVarint(buf, b.Height)
	buf = append(buf, b.ServiceNodeWinnerKey[:]...)
	return appendU64(buf, b.Reward)
}

// DeserializeBlock decodes a block and rejects trailing bytes.
func DeserializeBlock(data []byte) (*Block, error) {
	r := newReader(data)
	b := &Block{}
	r.blockHeader(&b.BlockHeader)
	if tx, _ := r.transaction(); tx != nil {
		b.MinerTx = *tx
	}

	n := r.count(32)
	if r.err == nil && n > params.MaxTxPerBlock {
		r.fail(fmt.Errorf("too many transactions in block: %d", n))
	}
	b.TxHashes = make([]crypto.Hash, n)
	for i := range b.TxHashes {
		b.TxHashes[i] = r.key32()
	}

	if params.HF(b.MajorVersion) >= params.HF16Pulse {
		n := r.count(66)
		b.Signatures = make([]QuorumSignature, n)
		for i := range b.Signatures {
			b.Signatures[i].VoterIndex = r.u16()
			b.Signatures[i].Signature = r.sig64()
		}
	}
	if params.HF(b.MajorVersion) >= params.HF19RewardBatching {
		b.Height = r.varint()
		b.ServiceNodeWinnerKey = r.key32()
		b.Reward = r.u64()
	}
	if err := r.done(); err != nil {
		return nil, fmt.Errorf("failed to decode block: %w", err)
	}
	if params.HF(b.MajorVersion) < params.HF19RewardBatching {
		b.Height, _ = b.MinerTxHeight()
	}
	return b, nil
}

// HashingBlob is the block's hashed representation: the header, the tree
// hash of all transaction ids including the miner tx, the transaction count
// and, from hf19, the batching fields. Signatures are never part of it.
// The same blob is the PoW input.
func (b *Block) HashingBlob() ([]byte, error) {
	minerHash, err := b.MinerTx.Hash()
	if err != nil {
		return nil, fmt.Errorf("miner tx: %w", err)
	}
	ids := make([]crypto.Hash, 0, len(b.TxHashes)+1)
	ids = append(ids, minerHash)
	ids = append(ids, b.TxHashes...)
	root := crypto.TreeHash(ids)

	buf := b.BlockHeader.appendTo(nil)
	buf = append(buf, root[:]...)
	buf = PutVarint(buf, uint64(len(ids)))
	if params.HF(b.MajorVersion) >= params.HF19RewardBatching {
		buf = b.appendBatchingFields(buf)
	}
	return buf, nil
}

// Hash returns the block id: the hash of the varint-length-prefixed hashing
// blob.
func (b *Block) Hash() (crypto.Hash, error) {
	blob, err := b.HashingBlob()
	if err != nil {
		return crypto.Hash{}, err
	}
	return crypto.Keccak256(PutVarint(nil, uint64(len(blob))), blob), nil
}

// MustHash is Hash for blocks already known to serialize.
func (b *Block) MustHash() crypto.Hash {
	h, err := b.Hash()
	if err != nil {
		panic(fmt.Sprintf("hashing valid block: %v", err))
	}
	return h
}

// HasPulseComponents reports whether the block carries any pulse data.
// Such a block was produced by a pulse quorum rather than mined.
func (b *Block) HasPulseComponents() bool {
	var zero PulseRandomValue
	return b.Pulse.RandomValue != zero || b.Pulse.ValidatorBitset != 0 || len(b.Signatures) > 0
}

// MinerTxHeight returns the height declared by the miner tx's Gen input.
func (b *Block) MinerTxHeight() (uint64, bool) {
	if len(b.MinerTx.Vin) != 1 {
		return 0, false
	}
	gen, ok := b.MinerTx.Vin[0].(*TxInGen)
	if !ok {
		return 0, false
	}
	return gen.Height, true
}
