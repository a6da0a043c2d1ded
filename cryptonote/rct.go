package cryptonote

import (
	"encoding/binary"
	"fmt"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
)

// RCTType is the RingCT signature variant of a transaction.
type RCTType uint8

const (
	RCTTypeNull RCTType = iota
	RCTTypeFull
	RCTTypeSimple
	RCTTypeBulletproof
	RCTTypeBulletproof2
	RCTTypeCLSAG
)

func (t RCTType) String() string {
	switch t {
	case RCTTypeNull:
		return "null"
	case RCTTypeFull:
		return "full"
	case RCTTypeSimple:
		return "simple"
	case RCTTypeBulletproof:
		return "bulletproof"
	case RCTTypeBulletproof2:
		return "bulletproof2"
	case RCTTypeCLSAG:
		return "clsag"
	default:
		return fmt.Sprintf("rct_type(%d)", uint8(t))
	}
}

// IsBulletproof reports whether range proofs are bulletproofs.
func (t RCTType) IsBulletproof() bool {
	return t == RCTTypeBulletproof || t == RCTTypeBulletproof2 || t == RCTTypeCLSAG
}

// compactEcdh reports whether ecdh info carries only the 8-byte amount.
func (t RCTType) compactEcdh() bool {
	return t == RCTTypeBulletproof2 || t == RCTTypeCLSAG
}

// Key is a 32-byte RingCT point or scalar.
type Key [32]byte

// EcdhTuple holds the encrypted amount of an output. Mask is empty for the
// compact (8-byte amount) variants.
type EcdhTuple struct {
	Mask   Key
	Amount Key
}

// BoroSig is a Borromean range signature.
type BoroSig struct {
	S0 [64]Key
	S1 [64]Key
	Ee Key
}

// RangeSig is the pre-bulletproof range proof of one output.
type RangeSig struct {
	Asig BoroSig
	Ci   [64]Key
}

// Bulletproof is an aggregated range proof. V is not serialized; it is the
// commitments the proof covers, reconstructed from outPk by the verifier.
type Bulletproof struct {
	A, S, T1, T2 Key
	Taux, Mu     Key
	L, R         []Key
	Aa, B, T     Key
}

// Amounts is the number of (padded) outputs the proof covers.
func (bp *Bulletproof) Amounts() int {
	if len(bp.L) < 6 || len(bp.L) > 6+4 {
		return 0
	}
	return 1 << (len(bp.L) - 6)
}

// MGSig is an MLSAG ring signature.
type MGSig struct {
	SS [][]Key
	CC Key
}

// CLSAG is a CLSAG ring signature. The key image I is not serialized.
type CLSAG struct {
	S  []Key
	C1 Key
	D  Key
}

// RctPrunable is the part of the signature that pruned nodes drop.
type RctPrunable struct {
	RangeSigs    []RangeSig
	Bulletproofs []Bulletproof
	MGs          []MGSig
	CLSAGs       []CLSAG
	PseudoOuts   []Key
}

// RctSig is the RingCT signature of a v2+ transaction.
type RctSig struct {
	Type       RCTType
	TxnFee     uint64
	PseudoOuts []Key // simple type only
	EcdhInfo   []EcdhTuple
	OutPk      []Key
	P          RctPrunable
}

const rangeSigSize = (64 + 64 + 1 + 64) * 32

func appendKeys(buf []byte, keys []Key) []byte {
	for _, k := range keys {
		buf = append(buf, k[:]...)
	}
	return buf
}

func (r *reader) keys(n int) []Key {
	if r.err != nil {
		return nil
	}
	if n > r.remaining()/32 {
		r.fail(ErrTruncated)
		return nil
	}
	out := make([]Key, n)
	for i := range out {
		out[i] = r.key32()
	}
	return out
}

func (r *reader) keyVector() []Key {
	return r.keys(r.count(32))
}

// appendRctBase writes the unprunable part of the signature.
func (rv *RctSig) appendBase(buf []byte, inputs, outputs int) ([]byte, error) {
	buf = append(buf, byte(rv.Type))
	if rv.Type == RCTTypeNull {
		return buf, nil
	}
	if rv.Type > RCTTypeCLSAG {
		return nil, fmt.Errorf("%w: rct type %d", ErrBadTag, rv.Type)
	}
	buf = PutVarint(buf, rv.TxnFee)
	if rv.Type == RCTTypeSimple {
		if len(rv.PseudoOuts) != inputs {
			return nil, fmt.Errorf("pseudoOuts: have %d, want %d", len(rv.PseudoOuts), inputs)
		}
		buf = appendKeys(buf, rv.PseudoOuts)
	}
	if len(rv.EcdhInfo) != outputs || len(rv.OutPk) != outputs {
		return nil, fmt.Errorf("rct outputs: have ecdh %d, outPk %d, want %d", len(rv.EcdhInfo), len(rv.OutPk), outputs)
	}
	for _, e := range rv.EcdhInfo {
		if rv.Type.compactEcdh() {
			buf = append(buf, e.Amount[:8]...)
		} else {
			buf = append(buf, e.Mask[:]...)
			buf = append(buf, e.Amount[:]...)
		}
	}
	return appendKeys(buf, rv.OutPk), nil
}

func (r *reader) rctBase(rv *RctSig, inputs, outputs int) {
	rv.Type = RCTType(r.u8())
	if r.err != nil || rv.Type == RCTTypeNull {
		return
	}
	if rv.Type > RCTTypeCLSAG {
		r.fail(fmt.Errorf("%w: rct type %d", ErrBadTag, rv.Type))
		return
	}
	rv.TxnFee = r.varint()
	if rv.Type == RCTTypeSimple {
		rv.PseudoOuts = r.keys(inputs)
	}
	if r.err != nil {
		return
	}
	ecdhSize := 64
	if rv.Type.compactEcdh() {
		ecdhSize = 8
	}
	if outputs > r.remaining()/ecdhSize {
		r.fail(ErrTruncated)
		return
	}
	rv.EcdhInfo = make([]EcdhTuple, outputs)
	for i := range rv.EcdhInfo {
		if rv.Type.compactEcdh() {
			copy(rv.EcdhInfo[i].Amount[:8], r.bytes(8))
		} else {
			rv.EcdhInfo[i].Mask = r.key32()
			rv.EcdhInfo[i].Amount = r.key32()
		}
	}
	rv.OutPk = r.keys(outputs)
}

func (rv *RctSig) appendPrunable(buf []byte, inputs, outputs, mixin int) ([]byte, error) {
	p := &rv.P
	switch rv.Type {
	case RCTTypeNull:
		return buf, nil
	case RCTTypeBulletproof, RCTTypeBulletproof2, RCTTypeCLSAG:
		if rv.Type == RCTTypeBulletproof {
			buf = appendU32(buf, uint32(len(p.Bulletproofs)))
		} else {
			buf = PutVarint(buf, uint64(len(p.Bulletproofs)))
		}
		for i := range p.Bulletproofs {
			bp := &p.Bulletproofs[i]
			buf = appendKeys(buf, []Key{bp.A, bp.S, bp.T1, bp.T2, bp.Taux, bp.Mu})
			buf = PutVarint(buf, uint64(len(bp.L)))
			buf = appendKeys(buf, bp.L)
			buf = PutVarint(buf, uint64(len(bp.R)))
			buf = appendKeys(buf, bp.R)
			buf = appendKeys(buf, []Key{bp.Aa, bp.B, bp.T})
		}
	default:
		if len(p.RangeSigs) != outputs {
			return nil, fmt.Errorf("rangeSigs: have %d, want %d", len(p.RangeSigs), outputs)
		}
		for i := range p.RangeSigs {
			rs := &p.RangeSigs[i]
			buf = appendKeys(buf, rs.Asig.S0[:])
			buf = appendKeys(buf, rs.Asig.S1[:])
			buf = append(buf, rs.Asig.Ee[:]...)
			buf = appendKeys(buf, rs.Ci[:])
		}
	}

	if rv.Type == RCTTypeCLSAG {
		if len(p.CLSAGs) != inputs {
			return nil, fmt.Errorf("CLSAGs: have %d, want %d", len(p.CLSAGs), inputs)
		}
		for _, c := range p.CLSAGs {
			if len(c.S) != mixin+1 {
				return nil, fmt.Errorf("CLSAG size: have %d, want %d", len(c.S), mixin+1)
			}
			buf = appendKeys(buf, c.S)
			buf = append(buf, c.C1[:]...)
			buf = append(buf, c.D[:]...)
		}
	} else {
		rows, cols := mixin+1, 2
		wantMGs := inputs
		if rv.Type == RCTTypeFull {
			cols, wantMGs = inputs+1, 1
		}
		if len(p.MGs) != wantMGs {
			return nil, fmt.Errorf("MGs: have %d, want %d", len(p.MGs), wantMGs)
		}
		for _, mg := range p.MGs {
			if len(mg.SS) != rows {
				return nil, fmt.Errorf("MG rows: have %d, want %d", len(mg.SS), rows)
			}
			for _, row := range mg.SS {
				if len(row) != cols {
					return nil, fmt.Errorf("MG cols: have %d, want %d", len(row), cols)
				}
				buf = appendKeys(buf, row)
			}
			buf = append(buf, mg.CC[:]...)
		}
	}

	if rv.Type.IsBulletproof() {
		if len(p.PseudoOuts) != inputs {
			return nil, fmt.Errorf("pseudoOuts: have %d, want %d", len(p.PseudoOuts), inputs)
		}
		buf = appendKeys(buf, p.PseudoOuts)
	}
	return buf, nil
}

func (r *reader) rctPrunable(rv *RctSig, inputs, outputs, mixin int) {
	p := &rv.P
	switch rv.Type {
	case RCTTypeNull:
		return
	case RCTTypeBulletproof, RCTTypeBulletproof2, RCTTypeCLSAG:
		var nbp int
		if rv.Type == RCTTypeBulletproof {
			nbp = int(r.u32())
		} else {
			nbp = int(r.varint())
		}
		if r.err != nil {
			return
		}
		if nbp > outputs || nbp < 0 {
			r.fail(fmt.Errorf("%w: %d bulletproofs for %d outputs", ErrBadTag, nbp, outputs))
			return
		}
		p.Bulletproofs = make([]Bulletproof, nbp)
		for i := range p.Bulletproofs {
			bp := &p.Bulletproofs[i]
			bp.A, bp.S, bp.T1, bp.T2 = Key(r.key32()), Key(r.key32()), Key(r.key32()), Key(r.key32())
			bp.Taux, bp.Mu = Key(r.key32()), Key(r.key32())
			bp.L = r.keyVector()
			bp.R = r.keyVector()
			bp.Aa, bp.B, bp.T = Key(r.key32()), Key(r.key32()), Key(r.key32())
		}
	default:
		if outputs > r.remaining()/rangeSigSize {
			r.fail(ErrTruncated)
			return
		}
		p.RangeSigs = make([]RangeSig, outputs)
		for i := range p.RangeSigs {
			rs := &p.RangeSigs[i]
			copy(rs.Asig.S0[:], r.keys(64))
			copy(rs.Asig.S1[:], r.keys(64))
			rs.Asig.Ee = r.key32()
			copy(rs.Ci[:], r.keys(64))
		}
	}
	if r.err != nil {
		return
	}

	if rv.Type == RCTTypeCLSAG {
		if inputs > r.remaining()/((mixin+3)*32) {
			r.fail(ErrTruncated)
			return
		}
		p.CLSAGs = make([]CLSAG, inputs)
		for i := range p.CLSAGs {
			p.CLSAGs[i].S = r.keys(mixin + 1)
			p.CLSAGs[i].C1 = r.key32()
			p.CLSAGs[i].D = r.key32()
		}
	} else {
		rows, cols, n := mixin+1, 2, inputs
		if rv.Type == RCTTypeFull {
			cols, n = inputs+1, 1
		}
		if n > r.remaining()/((rows*cols+1)*32) {
			r.fail(ErrTruncated)
			return
		}
		p.MGs = make([]MGSig, n)
		for i := range p.MGs {
			p.MGs[i].SS = make([][]Key, rows)
			for j := range p.MGs[i].SS {
				p.MGs[i].SS[j] = r.keys(cols)
			}
			p.MGs[i].CC = r.key32()
		}
	}

	if rv.Type.IsBulletproof() {
		p.PseudoOuts = r.keys(inputs)
	}
}

// RingCTVerifier is the external RingCT verification backend. Semantics
// checks are context free (range proofs, balance); non-semantics checks
// verify the ring signatures of tx against the resolved ring members, one
// ring per input.
type RingCTVerifier interface {
	VerifySemantics(tx *Transaction) bool
	VerifyNonSemantics(tx *Transaction, rings [][]OutputKey) bool
}

// OutputKey is a ring member: the output's one-time key and its amount
// commitment.
type OutputKey struct {
	Key        crypto.PublicKey
	Commitment Key
	Height     uint64
	UnlockTime uint64
}

// NullRingCTVerifier accepts only Null signatures. It is the verifier used
// when no backend is configured, so nodes without one cannot accept
// transfers by accident.
type NullRingCTVerifier struct{}

func (NullRingCTVerifier) VerifySemantics(tx *Transaction) bool {
	return tx.RCT.Type == RCTTypeNull
}

func (NullRingCTVerifier) VerifyNonSemantics(tx *Transaction, _ [][]OutputKey) bool {
	return tx.RCT.Type == RCTTypeNull
}

func amountMask(shared [32]byte) [8]byte {
	h := crypto.Keccak256([]byte("amount"), shared[:])
	var m [8]byte
	copy(m[:], h[:8])
	return m
}

// EcdhEncodeAmount hides amount for the compact ecdh variants. shared is
// the output's derivation scalar.
func EcdhEncodeAmount(amount uint64, shared [32]byte) EcdhTuple {
	var t EcdhTuple
	binary.LittleEndian.PutUint64(t.Amount[:8], amount)
	m := amountMask(shared)
	for i := range m {
		t.Amount[i] ^= m[i]
	}
	return t
}

// EcdhDecodeAmount reverses EcdhEncodeAmount.
func EcdhDecodeAmount(t EcdhTuple, shared [32]byte) uint64 {
	var b [8]byte
	m := amountMask(shared)
	for i := range b {
		b[i] = t.Amount[i] ^ m[i]
	}
	return binary.LittleEndian.Uint64(b[:])
}
