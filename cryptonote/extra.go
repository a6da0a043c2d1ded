package cryptonote

import (
	"encoding/binary"
	"fmt"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
)

// tx_extra field tags.
const (
	ExtraTagPadding              = 0x00
	ExtraTagPubKey               = 0x01
	ExtraTagNonce                = 0x02
	ExtraTagMergeMining          = 0x03
	ExtraTagAdditionalPubKeys    = 0x04
	ExtraTagServiceNodeRegister  = 0x70
	ExtraTagServiceNodeDeregOld  = 0x71
	ExtraTagServiceNodeWinner    = 0x72
	ExtraTagServiceNodeContrib   = 0x73
	ExtraTagServiceNodePubKey    = 0x74
	ExtraTagTxSecretKey          = 0x75
	ExtraTagTxKeyImageProofs     = 0x76
	ExtraTagTxKeyImageUnlock     = 0x77
	ExtraTagServiceNodeStateChng = 0x78
	ExtraTagBurn                 = 0x79
	ExtraTagOxenNameSystem       = 0x7a

	maxExtraPadding = 255
	maxExtraNonce   = 255
)

// ExtraField is one parsed tx_extra entry.
type ExtraField interface {
	extraTag() byte
}

type ExtraPadding struct{ Size int }
type ExtraPubKey struct{ Key crypto.PublicKey }
type ExtraNonce struct{ Nonce []byte }
type ExtraMergeMining struct{ Data []byte }
type ExtraAdditionalPubKeys struct{ Keys []crypto.PublicKey }
type ExtraServiceNodeWinner struct{ Key crypto.PublicKey }
type ExtraServiceNodePubKey struct{ Key crypto.PublicKey }
type ExtraTxSecretKey struct{ Key crypto.SecretKey }

// ExtraServiceNodeContributor names the wallet a stake is credited to.
type ExtraServiceNodeContributor struct {
	Spend crypto.PublicKey
	View  crypto.PublicKey
}

// ExtraServiceNodeRegister is a registration's operator terms.
type ExtraServiceNodeRegister struct {
	SpendKeys           []crypto.PublicKey
	ViewKeys            []crypto.PublicKey
	PortionsForOperator uint64
	Portions            []uint64
	Expiration          uint64
	Signature           crypto.Signature
}

// KeyImageProof proves ownership of a staked output's key image.
type KeyImageProof struct {
	KeyImage  crypto.KeyImage
	Signature crypto.Signature
}

type ExtraTxKeyImageProofs struct{ Proofs []KeyImageProof }

// ExtraTxKeyImageUnlock requests the unlock of a stake. Signature is made
// with the key image's registered stake key over the unlock hash.
type ExtraTxKeyImageUnlock struct {
	KeyImage  crypto.KeyImage
	Signature crypto.Signature
	Nonce     uint32
}

// StateChangeVote is one quorum member's vote on a state change.
type StateChangeVote struct {
	ValidatorIndex uint32
	Signature      crypto.Signature
}

// ServiceNodeState is the proposed new state of a service node.
type ServiceNodeState uint8

const (
	StateDeregister ServiceNodeState = iota
	StateDecommission
	StateRecommission
	StateIPChangePenalty
	stateCount
)

func (s ServiceNodeState) String() string {
	switch s {
	case StateDeregister:
		return "deregister"
	case StateDecommission:
		return "decommission"
	case StateRecommission:
		return "recommission"
	case StateIPChangePenalty:
		return "ip_change_penalty"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ExtraServiceNodeStateChange is a quorum decision about one service node.
type ExtraServiceNodeStateChange struct {
	State              ServiceNodeState
	BlockHeight        uint64
	ServiceNodeIndex   uint32
	ReasonConsensusAll uint16
	ReasonConsensusAny uint16
	Votes              []StateChangeVote
}

type ExtraBurn struct{ Amount uint64 }

// ONS extra field flags.
const (
	ONSFieldOwner          = 1 << 0
	ONSFieldBackupOwner    = 1 << 1
	ONSFieldSignature      = 1 << 2
	ONSFieldEncryptedValue = 1 << 3

	ONSFieldsBuy         = ONSFieldOwner | ONSFieldBackupOwner | ONSFieldEncryptedValue
	ONSFieldsBuyNoBackup = ONSFieldOwner | ONSFieldEncryptedValue
)

// ONSOwner is a wallet owner of an ONS record.
type ONSOwner struct {
	Type         uint8
	Spend        crypto.PublicKey
	View         crypto.PublicKey
	IsSubaddress bool
}

// ExtraOxenNameSystem is an ONS buy, renew or update.
type ExtraOxenNameSystem struct {
	Version        uint8
	Type           uint8
	NameHash       crypto.Hash
	PrevTxID       crypto.Hash
	Fields         uint8
	Owner          ONSOwner
	BackupOwner    ONSOwner
	Signature      crypto.Signature
	EncryptedValue []byte
}

// IsBuy reports whether the entry purchases a new mapping.
func (e *ExtraOxenNameSystem) IsBuy() bool {
	return e.Fields == ONSFieldsBuy || e.Fields == ONSFieldsBuyNoBackup
}

// IsRenew reports whether the entry only extends an existing mapping.
func (e *ExtraOxenNameSystem) IsRenew() bool {
	return e.Fields == 0 && !e.PrevTxID.IsZero()
}

func (ExtraPadding) extraTag() byte                { return ExtraTagPadding }
func (ExtraPubKey) extraTag() byte                 { return ExtraTagPubKey }
func (ExtraNonce) extraTag() byte                  { return ExtraTagNonce }
func (ExtraMergeMining) extraTag() byte            { return ExtraTagMergeMining }
func (ExtraAdditionalPubKeys) extraTag() byte      { return ExtraTagAdditionalPubKeys }
func (ExtraServiceNodeRegister) extraTag() byte    { return ExtraTagServiceNodeRegister }
func (ExtraServiceNodeWinner) extraTag() byte      { return ExtraTagServiceNodeWinner }
func (ExtraServiceNodeContributor) extraTag() byte { return ExtraTagServiceNodeContrib }
func (ExtraServiceNodePubKey) extraTag() byte      { return ExtraTagServiceNodePubKey }
func (ExtraTxSecretKey) extraTag() byte            { return ExtraTagTxSecretKey }
func (ExtraTxKeyImageProofs) extraTag() byte       { return ExtraTagTxKeyImageProofs }
func (ExtraTxKeyImageUnlock) extraTag() byte       { return ExtraTagTxKeyImageUnlock }
func (ExtraServiceNodeStateChange) extraTag() byte { return ExtraTagServiceNodeStateChng }
func (ExtraBurn) extraTag() byte                   { return ExtraTagBurn }
func (ExtraOxenNameSystem) extraTag() byte         { return ExtraTagOxenNameSystem }

// ParseExtra decodes every field of a tx_extra blob. Parsing stops with an
// error at the first malformed or unknown field; the fields decoded so far
// are returned alongside it.
func ParseExtra(extra []byte) ([]ExtraField, error) {
	r := newReader(extra)
	var fields []ExtraField
	for r.remaining() > 0 && r.err == nil {
		tag := r.u8()
		var f ExtraField
		switch tag {
		case ExtraTagPadding:
			// Padding runs to the end of extra and must be all zero.
			size := 1 + r.remaining()
			if size > maxExtraPadding {
				r.fail(fmt.Errorf("%w: padding of %d bytes", ErrBadTag, size))
				break
			}
			for _, b := range r.bytes(r.remaining()) {
				if b != 0 {
					r.fail(fmt.Errorf("%w: non-zero padding", ErrBadTag))
				}
			}
			f = ExtraPadding{Size: size}
		case ExtraTagPubKey:
			f = ExtraPubKey{Key: r.key32()}
		case ExtraTagNonce:
			n := r.count(1)
			if n > maxExtraNonce {
				r.fail(fmt.Errorf("%w: nonce of %d bytes", ErrBadTag, n))
			}
			f = ExtraNonce{Nonce: append([]byte(nil), r.bytes(n)...)}
		case ExtraTagMergeMining:
			f = ExtraMergeMining{Data: append([]byte(nil), r.bytes(r.count(1))...)}
		case ExtraTagAdditionalPubKeys:
			keys := r.keys(r.count(32))
			pks := make([]crypto.PublicKey, len(keys))
			for i, k := range keys {
				pks[i] = crypto.PublicKey(k)
			}
			f = ExtraAdditionalPubKeys{Keys: pks}
		case ExtraTagServiceNodeRegister:
			f = r.extraRegister()
		case ExtraTagServiceNodeWinner:
			f = ExtraServiceNodeWinner{Key: r.key32()}
		case ExtraTagServiceNodeContrib:
			f = ExtraServiceNodeContributor{Spend: r.key32(), View: r.key32()}
		case ExtraTagServiceNodePubKey:
			f = ExtraServiceNodePubKey{Key: r.key32()}
		case ExtraTagTxSecretKey:
			f = ExtraTxSecretKey{Key: r.key32()}
		case ExtraTagTxKeyImageProofs:
			n := r.count(96)
			proofs := make([]KeyImageProof, n)
			for i := range proofs {
				proofs[i].KeyImage = r.key32()
				proofs[i].Signature = r.sig64()
			}
			f = ExtraTxKeyImageProofs{Proofs: proofs}
		case ExtraTagTxKeyImageUnlock:
			f = ExtraTxKeyImageUnlock{KeyImage: r.key32(), Signature: r.sig64(), Nonce: r.u32()}
		case ExtraTagServiceNodeStateChng:
			f = r.extraStateChange()
		case ExtraTagBurn:
			f = ExtraBurn{Amount: r.u64()}
		case ExtraTagOxenNameSystem:
			f = r.extraONS()
		default:
			r.fail(fmt.Errorf("%w: tx extra tag 0x%02x", ErrBadTag, tag))
		}
		if r.err == nil {
			fields = append(fields, f)
		}
	}
	return fields, r.err
}

func (r *reader) pubKeys() []crypto.PublicKey {
	keys := r.keys(r.count(32))
	out := make([]crypto.PublicKey, len(keys))
	for i, k := range keys {
		out[i] = crypto.PublicKey(k)
	}
	return out
}

func (r *reader) extraRegister() ExtraServiceNodeRegister {
	var e ExtraServiceNodeRegister
	e.SpendKeys = r.pubKeys()
	e.ViewKeys = r.pubKeys()
	e.PortionsForOperator = r.u64()
	n := r.count(1)
	e.Portions = make([]uint64, n)
	for i := range e.Portions {
		e.Portions[i] = r.varint()
	}
	e.Expiration = r.u64()
	e.Signature = r.sig64()
	return e
}

func (r *reader) extraStateChange() ExtraServiceNodeStateChange {
	var e ExtraServiceNodeStateChange
	e.State = ServiceNodeState(r.u8())
	if r.err == nil && e.State >= stateCount {
		r.fail(fmt.Errorf("%w: service node state %d", ErrBadTag, e.State))
	}
	e.BlockHeight = r.varint()
	e.ServiceNodeIndex = uint32(r.varint())
	e.ReasonConsensusAll = r.u16()
	e.ReasonConsensusAny = r.u16()
	n := r.count(68)
	e.Votes = make([]StateChangeVote, n)
	for i := range e.Votes {
		e.Votes[i].ValidatorIndex = r.u32()
		e.Votes[i].Signature = r.sig64()
	}
	return e
}

func (r *reader) onsOwner() ONSOwner {
	return ONSOwner{Type: r.u8(), Spend: r.key32(), View: r.key32(), IsSubaddress: r.u8() != 0}
}

func (r *reader) extraONS() ExtraOxenNameSystem {
	var e ExtraOxenNameSystem
	e.Version = r.u8()
	e.Type = r.u8()
	e.NameHash = r.key32()
	e.PrevTxID = r.key32()
	e.Fields = r.u8()
	if e.Fields&ONSFieldOwner != 0 {
		e.Owner = r.onsOwner()
	}
	if e.Fields&ONSFieldBackupOwner != 0 {
		e.BackupOwner = r.onsOwner()
	}
	if e.Fields&ONSFieldSignature != 0 {
		e.Signature = r.sig64()
	}
	if e.Fields&ONSFieldEncryptedValue != 0 {
		e.EncryptedValue = append([]byte(nil), r.bytes(r.count(1))...)
	}
	return e
}

// AppendExtra encodes fields onto extra.
func AppendExtra(extra []byte, fields ...ExtraField) []byte {
	for _, f := range fields {
		extra = append(extra, f.extraTag())
		switch f := f.(type) {
		case ExtraPadding:
			extra = append(extra, make([]byte, max(f.Size-1, 0))...)
		case ExtraPubKey:
			extra = append(extra, f.Key[:]...)
		case ExtraNonce:
			extra = PutVarint(extra, uint64(len(f.Nonce)))
			extra = append(extra, f.Nonce...)
		case ExtraMergeMining:
			extra = PutVarint(extra, uint64(len(f.Data)))
			extra = append(extra, f.Data...)
		case ExtraAdditionalPubKeys:
			extra = appendPubKeys(extra, f.Keys)
		case ExtraServiceNodeRegister:
			extra = appendPubKeys(extra, f.SpendKeys)
			extra = appendPubKeys(extra, f.ViewKeys)
			extra = appendU64(extra, f.PortionsForOperator)
			extra = PutVarint(extra, uint64(len(f.Portions)))
			for _, p := range f.Portions {
				extra = PutVarint(extra, p)
			}
			extra = appendU64(extra, f.Expiration)
			extra = append(extra, f.Signature[:]...)
		case ExtraServiceNodeWinner:
			extra = append(extra, f.Key[:]...)
		case ExtraServiceNodeContributor:
			extra = append(extra, f.Spend[:]...)
			extra = append(extra, f.View[:]...)
		case ExtraServiceNodePubKey:
			extra = append(extra, f.Key[:]...)
		case ExtraTxSecretKey:
			extra = append(extra, f.Key[:]...)
		case ExtraTxKeyImageProofs:
			extra = PutVarint(extra, uint64(len(f.Proofs)))
			for _, p := range f.Proofs {
				extra = append(extra, p.KeyImage[:]...)
				extra = append(extra, p.Signature[:]...)
			}
		case ExtraTxKeyImageUnlock:
			extra = append(extra, f.KeyImage[:]...)
			extra = append(extra, f.Signature[:]...)
			extra = appendU32(extra, f.Nonce)
		case ExtraServiceNodeStateChange:
			extra = append(extra, byte(f.State))
			extra = PutVarint(extra, f.BlockHeight)
			extra = PutVarint(extra, uint64(f.ServiceNodeIndex))
			extra = appendU16(extra, f.ReasonConsensusAll)
			extra = appendU16(extra, f.ReasonConsensusAny)
			extra = PutVarint(extra, uint64(len(f.Votes)))
			for _, v := range f.Votes {
				extra = appendU32(extra, v.ValidatorIndex)
				extra = append(extra, v.Signature[:]...)
			}
		case ExtraBurn:
			extra = appendU64(extra, f.Amount)
		case ExtraOxenNameSystem:
			extra = append(extra, f.Version, f.Type)
			extra = append(extra, f.NameHash[:]...)
			extra = append(extra, f.PrevTxID[:]...)
			extra = append(extra, f.Fields)
			if f.Fields&ONSFieldOwner != 0 {
				extra = appendONSOwner(extra, f.Owner)
			}
			if f.Fields&ONSFieldBackupOwner != 0 {
				extra = appendONSOwner(extra, f.BackupOwner)
			}
			if f.Fields&ONSFieldSignature != 0 {
				extra = append(extra, f.Signature[:]...)
			}
			if f.Fields&ONSFieldEncryptedValue != 0 {
				extra = PutVarint(extra, uint64(len(f.EncryptedValue)))
				extra = append(extra, f.EncryptedValue...)
			}
		}
	}
	return extra
}

func appendPubKeys(buf []byte, keys []crypto.PublicKey) []byte {
	buf = PutVarint(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = append(buf, k[:]...)
	}
	return buf
}

func appendONSOwner(buf []byte, o ONSOwner) []byte {
	buf = append(buf, o.Type)
	buf = append(buf, o.Spend[:]...)
	buf = append(buf, o.View[:]...)
	if o.IsSubaddress {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// findExtra returns the first field of type T in tx's extra.
func findExtra[T ExtraField](tx *Transaction) (T, bool) {
	var zero T
	fields, _ := ParseExtra(tx.Extra)
	for _, f := range fields {
		if v, ok := f.(T); ok {
			return v, true
		}
	}
	return zero, false
}

// TxPublicKey returns the transaction public key from extra.
func TxPublicKey(tx *Transaction) (crypto.PublicKey, bool) {
	f, ok := findExtra[ExtraPubKey](tx)
	return f.Key, ok
}

// BurnAmount returns the amount tx declares as burned, or 0.
func BurnAmount(tx *Transaction) uint64 {
	f, _ := findExtra[ExtraBurn](tx)
	return f.Amount
}

// ServiceNodeWinner returns the winner key of a miner tx.
func ServiceNodeWinner(tx *Transaction) (crypto.PublicKey, bool) {
	f, ok := findExtra[ExtraServiceNodeWinner](tx)
	return f.Key, ok
}

// StateChange returns the state change carried by tx.
func StateChange(tx *Transaction) (ExtraServiceNodeStateChange, bool) {
	return findExtra[ExtraServiceNodeStateChange](tx)
}

// KeyImageUnlock returns the unlock request carried by tx.
func KeyImageUnlock(tx *Transaction) (ExtraTxKeyImageUnlock, bool) {
	return findExtra[ExtraTxKeyImageUnlock](tx)
}

// OxenNameSystem returns the ONS entry carried by tx.
func OxenNameSystem(tx *Transaction) (ExtraOxenNameSystem, bool) {
	return findExtra[ExtraOxenNameSystem](tx)
}

// ServiceNodePubKey returns the service node key a stake or registration
// names.
func ServiceNodePubKey(tx *Transaction) (crypto.PublicKey, bool) {
	f, ok := findExtra[ExtraServiceNodePubKey](tx)
	return f.Key, ok
}

// ServiceNodeContributor returns the wallet a stake is credited to.
func ServiceNodeContributor(tx *Transaction) (ExtraServiceNodeContributor, bool) {
	return findExtra[ExtraServiceNodeContributor](tx)
}

// TxSecretKey returns the tx secret key a stake discloses.
func TxSecretKey(tx *Transaction) (crypto.SecretKey, bool) {
	f, ok := findExtra[ExtraTxSecretKey](tx)
	return f.Key, ok
}

// KeyImageProofs returns the stake key image proofs carried by tx.
func KeyImageProofs(tx *Transaction) ([]KeyImageProof, bool) {
	f, ok := findExtra[ExtraTxKeyImageProofs](tx)
	return f.Proofs, ok
}

// UnlockHash is the message signed by a key image unlock request: the
// little-endian nonce repeated to fill a hash.
func (u *ExtraTxKeyImageUnlock) UnlockHash() crypto.Hash {
	var h crypto.Hash
	for i := 0; i < len(h); i += 4 {
		binary.LittleEndian.PutUint32(h[i:], u.Nonce)
	}
	return h
}

// StateChangeHash is the message every quorum voter signs.
func (e *ExtraServiceNodeStateChange) StateChangeHash() crypto.Hash {
	buf := PutVarint(nil, e.BlockHeight)
	buf = PutVarint(buf, uint64(e.ServiceNodeIndex))
	buf = append(buf, byte(e.State))
	return crypto.Keccak256(buf)
}
