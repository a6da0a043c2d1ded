package ons

import (
	"fmt"
	"sync"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

type recordKey struct {
	typ  MappingType
	name crypto.Hash
}

// DB is an in-memory ONS database. Every version of a record is kept with
// the height it was written at, so detaching a block range restores the
// versions that came before it.
type DB struct {
	mu       sync.RWMutex
	net      params.NetType
	height   uint64
	versions map[recordKey][]Record
}

// NewDB returns an empty ONS database for net.
func NewDB(net params.NetType) *DB {
	return &DB{net: net, versions: make(map[recordKey][]Record)}
}

// Height is the height of the last block added.
func (d *DB) Height() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.height
}

func (d *DB) latest(k recordKey) *Record {
	v := d.versions[k]
	if len(v) == 0 {
		return nil
	}
	return &v[len(v)-1]
}

// Lookup returns the record for a name if it is active at the current
// height.
func (d *DB) Lookup(t MappingType, name crypto.Hash) (*Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r := d.latest(recordKey{t.stored(), name})
	if r == nil || !r.Active(d.height) {
		return nil, false
	}
	out := *r
	return &out, true
}

// ValidateTx checks an ONS transaction for inclusion at height and returns
// its entry. Failures wrap ErrInvalid.
func (d *DB) ValidateTx(version params.HF, height uint64, tx *cryptonote.Transaction) (*cryptonote.ExtraOxenNameSystem, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.validate(version, height, tx)
}

func (d *DB) validate(version params.HF, height uint64, tx *cryptonote.Transaction) (*cryptonote.ExtraOxenNameSystem, error) {
	if tx.Type != params.TxTypeOxenNameSystem {
		return nil, invalid("tx type %s is not an ONS transaction", tx.Type)
	}
	e, ok := cryptonote.OxenNameSystem(tx)
	if !ok {
		return nil, invalid("missing ONS extra")
	}
	if e.Version != 0 {
		return nil, invalid("unsupported ONS version %d", e.Version)
	}
	t := MappingType(e.Type)
	if !TypeAllowed(version, t) {
		return nil, invalid("mapping type %s not allowed at hf%d", t, version)
	}
	if e.NameHash.IsZero() {
		return nil, invalid("empty name hash")
	}
	if len(e.EncryptedValue) > MaxEncryptedValueSize {
		return nil, invalid("encrypted value of %d bytes", len(e.EncryptedValue))
	}

	cur := d.latest(recordKey{t.stored(), e.NameHash})
	if cur != nil && !cur.Active(height) {
		cur = nil
	}
	burned := cryptonote.BurnAmount(tx)

	switch {
	case e.IsBuy():
		if cur != nil {
			return nil, invalid("name already registered at height %d", cur.RegisterHeight)
		}
		if len(e.EncryptedValue) == 0 {
			return nil, invalid("buy without a value")
		}
		if e.Fields&cryptonote.ONSFieldBackupOwner != 0 && e.BackupOwner == e.Owner {
			return nil, invalid("backup owner equals owner")
		}
		if need := BurnNeeded(version, t); burned < need {
			return nil, invalid("burned %d, need %d", burned, need)
		}
	case e.IsRenew():
		if !t.IsLokinet() {
			return nil, invalid("only lokinet records renew")
		}
		if cur == nil {
			return nil, invalid("renewal of an unknown name")
		}
		if e.PrevTxID != cur.TxID {
			return nil, invalid("renewal does not follow the record's last tx")
		}
		if need := BurnNeeded(version, t); burned < need {
			return nil, invalid("burned %d, need %d", burned, need)
		}
	default:
		if e.Fields&cryptonote.ONSFieldSignature == 0 || e.Fields == cryptonote.ONSFieldSignature {
			return nil, invalid("update without a signature or a change")
		}
		if cur == nil {
			return nil, invalid("update of an unknown name")
		}
		if e.PrevTxID != cur.TxID {
			return nil, invalid("update does not follow the record's last tx")
		}
		msg := UpdateHash(&e)
		signed := crypto.CheckSignature(msg, cur.Owner.Spend, e.Signature)
		if !signed && cur.BackupOwner != nil {
			signed = crypto.CheckSignature(msg, cur.BackupOwner.Spend, e.Signature)
		}
		if !signed {
			return nil, invalid("update not signed by an owner")
		}
	}
	return &e, nil
}

// AddBlock applies the ONS transactions of a block. It fails on the first
// invalid one; blocks reaching here were validated already, so that means
// the database fell out of step with the chain.
func (d *DB) AddBlock(b *cryptonote.Block, txs []*cryptonote.Transaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b.Height == 0 {
		d.versions = make(map[recordKey][]Record)
	} else if b.Height != d.height+1 {
		return fmt.Errorf("ONS db at height %d cannot add block %d", d.height, b.Height)
	}
	version := params.HF(b.MajorVersion)

	for _, tx := range txs {
		if tx.Type != params.TxTypeOxenNameSystem {
			continue
		}
		e, err := d.validate(version, b.Height, tx)
		if err != nil {
			return fmt.Errorf("block %d: %w", b.Height, err)
		}
		txid, err := tx.Hash()
		if err != nil {
			return err
		}
		d.apply(b.Height, txid, e)
	}
	d.height = b.Height
	return nil
}

func (d *DB) apply(height uint64, txid crypto.Hash, e *cryptonote.ExtraOxenNameSystem) {
	t := MappingType(e.Type)
	k := recordKey{t.stored(), e.NameHash}
	var next Record
	if cur := d.latest(k); cur != nil && !e.IsBuy() {
		next = *cur
	} else {
		next = Record{Type: t.stored(), NameHash: e.NameHash, RegisterHeight: height}
	}
	next.TxID = txid
	next.UpdateHeight = height

	lifetime := func() uint64 { return t.years() * RegistrationYearDays * params.BlocksPerDay }
	switch {
	case e.IsBuy():
		if t.IsLokinet() {
			next.ExpirationHeight = height + lifetime()
		}
	case e.IsRenew():
		// Renewing early extends from the current expiry.
		next.ExpirationHeight = max(next.ExpirationHeight, height) + lifetime()
	}
	if e.Fields&cryptonote.ONSFieldOwner != 0 {
		next.Owner = e.Owner
	}
	if e.Fields&cryptonote.ONSFieldBackupOwner != 0 {
		bo := e.BackupOwner
		next.BackupOwner = &bo
	}
	if e.Fields&cryptonote.ONSFieldEncryptedValue != 0 {
		next.EncryptedValue = append([]byte(nil), e.EncryptedValue...)
	}
	d.versions[k] = append(d.versions[k], next)
	log.WithField("name", e.NameHash.String()).WithField("type", t.String()).WithField("height", height).Debug("applied ONS record")
}

// BlockDetach drops every record version written at or above height.
func (d *DB) BlockDetach(height uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range d.versions {
		n := len(v)
		for n > 0 && v[n-1].UpdateHeight >= height {
			n--
		}
		if n == 0 {
			delete(d.versions, k)
			continue
		}
		d.versions[k] = v[:n]
	}
	if height == 0 {
		d.height = 0
		return
	}
	d.height = min(d.height, height-1)
}
