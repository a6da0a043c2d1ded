// Package mempool holds transactions waiting to be mined.
//
// The pool does not validate transactions against the chain itself: every
// admission goes through a Validator, which the chain implements. Callers
// that need both the pool and the chain locked take the pool lock first.
package mempool

import (
	"errors"
	"fmt"
	"time"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/debug"
	"github.com/x-vinnci/saferun-core-sub001/logging"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"

	"github.com/prometheus/client_golang/prometheus"
)

var log = logging.Category("txpool")

// Reason classifies why a transaction was refused.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonInvalid
	ReasonTooLow
	ReasonDoubleSpend
	ReasonOverweight
	ReasonBadSignature
	ReasonAgeNotYetMet
	ReasonBlacklistedKeyImage
	ReasonSNKeyImageLocked
	ReasonPoolFull
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonInvalid:
		return "invalid"
	case ReasonTooLow:
		return "fee_too_low"
	case ReasonDoubleSpend:
		return "double_spend"
	case ReasonOverweight:
		return "overweight"
	case ReasonBadSignature:
		return "bad_signature"
	case ReasonAgeNotYetMet:
		return "age_not_yet_met"
	case ReasonBlacklistedKeyImage:
		return "blacklisted_key_image"
	case ReasonSNKeyImageLocked:
		return "sn_key_image_locked"
	case ReasonPoolFull:
		return "pool_full"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// RejectError is returned for every transaction the pool refuses.
type RejectError struct {
	Reason Reason
	Err    error
}

func (e *RejectError) Error() string { return fmt.Sprintf("tx rejected (%s): %v", e.Reason, e.Err) }
func (e *RejectError) Unwrap() error { return e.Err }

// Reject builds a RejectError.
func Reject(r Reason, format string, args ...any) error {
	return &RejectError{Reason: r, Err: fmt.Errorf(format, args...)}
}

// ReasonOf extracts the rejection reason from err. Errors that are not
// rejections count as ReasonInvalid.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonInvalid
}

// TxOptions are the per-transaction admission options.
type TxOptions struct {
	// KeptByBlock marks a transaction returned from a popped block. It may
	// conflict with the pool and is never relayed again.
	KeptByBlock bool
	Relayed     bool
	DoNotRelay  bool
	// Blink marks a quorum-approved blink transaction.
	Blink bool

	FeePercent  uint64
	BurnFixed   uint64
	BurnPercent uint64
}

// StandardOptions are the options of a transaction received from a peer or
// a wallet.
func StandardOptions() TxOptions { return TxOptions{FeePercent: 100} }

// FromBlock are the options of a transaction returned from a popped block.
func FromBlock() TxOptions {
	return TxOptions{KeptByBlock: true, Relayed: true, FeePercent: 100}
}

// BlinkOptions are the options of an approved blink transaction.
func BlinkOptions(version params.HF) TxOptions {
	return TxOptions{
		Blink:       true,
		FeePercent:  params.BlinkMinerTxFeePercent,
		BurnFixed:   params.BlinkBurnFixed,
		BurnPercent: params.BlinkBurnTxFeePercent(version),
	}
}

// Validator checks transactions against the chain.
type Validator interface {
	Height() uint64
	// BlockWeightLimit is the current cumulative block weight limit.
	BlockWeightLimit() uint64
	KeyImageSpent(ki crypto.KeyImage) bool
	// CheckTx validates tx's inputs, outputs, fee and burn and returns the
	// greatest chain height its inputs reference.
	CheckTx(tx *cryptonote.Transaction, id crypto.Hash, weight uint64, opts TxOptions) (maxUsedHeight uint64, err error)
}

// Entry is a pooled transaction.
type Entry struct {
	Tx     *cryptonote.Transaction
	ID     crypto.Hash
	Blob   []byte
	Weight uint64
	Fee    uint64
	Burned uint64

	ReceiveTime     time.Time
	LastRelayedTime time.Time
	Relayed         bool
	DoNotRelay      bool
	KeptByBlock     bool
	Blink           bool
	DoubleSpendSeen bool

	MaxUsedHeight    uint64
	LastFailedHeight uint64
}

func (e *Entry) clone() *Entry {
	c := *e
	return &c
}

// feeDensityLess orders entries for block templates and pruning: blinks
// first, then by fee per weight, then oldest first.
func feeDensityLess(a, b *Entry) bool {
	if a.Blink != b.Blink {
		return a.Blink
	}
	// a.Fee/a.Weight > b.Fee/b.Weight without division.
	l, r := mul128(a.Fee, b.Weight), mul128(b.Fee, a.Weight)
	if l != r {
		return l.greater(r)
	}
	if !a.ReceiveTime.Equal(b.ReceiveTime) {
		return a.ReceiveTime.Before(b.ReceiveTime)
	}
	return a.ID.Less(b.ID)
}

// Config configures a Pool.
type Config struct {
	MaxWeight        uint64
	Livetime         time.Duration
	AltBlockLivetime time.Duration
	NonStandardLife  time.Duration
	// Registerer receives the pool metrics when set.
	Registerer prometheus.Registerer
}

// DefaultConfig returns the mainnet pool limits.
func DefaultConfig() Config {
	return Config{
		MaxWeight:        params.DefaultMempoolMaxWeight,
		Livetime:         params.MempoolTxLivetime,
		AltBlockLivetime: params.MempoolTxFromAltBlockLivetime,
		NonStandardLife:  params.MempoolPruneNonStandardTxAfter,
	}
}

// Pool is the transaction pool.
type Pool struct {
	mu      *debug.Mutex
	cfg     Config
	v       Validator
	metrics *metrics
	now     func() time.Time

	entries map[crypto.Hash]*Entry
	spent   map[crypto.KeyImage]map[crypto.Hash]struct{}
	weight  uint64
	height  uint64

	blinkMu *debug.RWMutex
	blinks  map[crypto.Hash]*Blink
}

// New returns an empty pool. v may be nil until SetValidator is called.
func New(cfg Config, v Validator) *Pool {
	return &Pool{
		mu:      debug.NewMutex("txpool"),
		cfg:     cfg,
		v:       v,
		metrics: newMetrics(cfg.Registerer),
		now:     time.Now,
		entries: make(map[crypto.Hash]*Entry),
		spent:   make(map[crypto.KeyImage]map[crypto.Hash]struct{}),
		blinkMu: debug.NewRWMutex("txpool.blink"),
		blinks:  make(map[crypto.Hash]*Blink),
	}
}

// SetValidator installs the chain validator.
func (p *Pool) SetValidator(v Validator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.v = v
}

// Locked is the pool with its lock held, handed out by WithLock.
type Locked struct {
	p *Pool
	v Validator
}

// WithLock runs fn holding the pool lock. Pool calls made through the
// Locked view validate with v, which lets a caller that already holds the
// chain lock pass a validator that does not take it again.
func (p *Pool) WithLock(v Validator, fn func(*Locked) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(&Locked{p: p, v: v})
}

func (l *Locked) AddTx(tx *cryptonote.Transaction, blob []byte, opts TxOptions) error {
	return l.p.addTx(l.v, tx, blob, opts)
}

func (l *Locked) TakeTx(id crypto.Hash) (*Entry, bool) { return l.p.takeTx(id) }

func (l *Locked) Have(id crypto.Hash) bool {
	_, ok := l.p.entries[id]
	return ok
}

// Get returns a copy of a pooled entry.
func (l *Locked) Get(id crypto.Hash) (*Entry, bool) {
	e, ok := l.p.entries[id]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// AddTx validates tx and adds it to the pool. Adding a transaction that is
// already pooled is a no-op.
func (p *Pool) AddTx(tx *cryptonote.Transaction, blob []byte, opts TxOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addTx(p.v, tx, blob, opts)
}

func (p *Pool) addTx(v Validator, tx *cryptonote.Transaction, blob []byte, opts TxOptions) (err error) {
	defer func() {
		if err != nil {
			p.metrics.rejected.WithLabelValues(ReasonOf(err).String()).Inc()
		}
	}()

	if v == nil {
		return errors.New("txpool has no validator")
	}
	if len(tx.Vin) > 0 {
		if _, gen := tx.Vin[0].(*cryptonote.TxInGen); gen {
			return Reject(ReasonInvalid, "miner transaction")
		}
	}
	if len(blob) == 0 {
		if blob, err = tx.Serialize(); err != nil {
			return Reject(ReasonInvalid, "serialize: %v", err)
		}
	}
	if len(blob) > params.MaxTxSize {
		return Reject(ReasonOverweight, "tx blob of %d bytes", len(blob))
	}
	id, err := tx.Hash()
	if err != nil {
		return Reject(ReasonInvalid, "hash: %v", err)
	}
	if _, ok := p.entries[id]; ok {
		return nil
	}

	weight := cryptonote.TxWeight(tx, uint64(len(blob)))
	if limit := v.BlockWeightLimit(); weight+params.CoinbaseBlobReservedSize > limit {
		return Reject(ReasonOverweight, "tx weight %d over block limit %d", weight, limit)
	}

	conflicts, err := p.conflicts(tx, id, opts)
	if err != nil {
		return err
	}

	maxUsed, err := v.CheckTx(tx, id, weight, opts)
	if err != nil {
		if opts.KeptByBlock {
			log.WithField("tx", id.String()).WithError(err).Info("dropping tx from popped block")
		}
		return err
	}

	for _, c := range conflicts {
		log.WithField("tx", c.String()).WithField("blink", id.String()).Info("removing tx conflicting with blink")
		p.removeLocked(c)
	}

	e := &Entry{
		Tx:            tx,
		ID:            id,
		Blob:          blob,
		Weight:        weight,
		Fee:           tx.Fee(),
		Burned:        cryptonote.BurnAmount(tx),
		ReceiveTime:   p.now(),
		Relayed:       opts.Relayed,
		DoNotRelay:    opts.DoNotRelay,
		KeptByBlock:   opts.KeptByBlock,
		Blink:         opts.Blink,
		MaxUsedHeight: maxUsed,
	}
	if opts.Relayed {
		e.LastRelayedTime = e.ReceiveTime
	}
	p.insert(e)
	if opts.Blink {
		p.blinkMu.Lock()
		p.blinks[id] = &Blink{TxID: id, Height: v.Height(), Approved: true}
		p.blinkMu.Unlock()
	}

	log.WithField("tx", id.String()).WithField("weight", weight).WithField("fee", e.Fee).Debug("added tx to pool")
	p.pruneLocked(id)
	return nil
}

// conflicts checks tx's key images and non-standard payload against the
// pool. Blinks evict the conflicting non-blink transactions, which are
// returned.
func (p *Pool) conflicts(tx *cryptonote.Transaction, id crypto.Hash, opts TxOptions) ([]crypto.Hash, error) {
	var evict []crypto.Hash
	for _, ki := range tx.KeyImages() {
		for other := range p.spent[ki] {
			o := p.entries[other]
			switch {
			case opts.KeptByBlock:
				o.DoubleSpendSeen = true
			case opts.Blink && !o.Blink && !o.KeptByBlock:
				evict = append(evict, other)
			default:
				o.DoubleSpendSeen = true
				return nil, Reject(ReasonDoubleSpend, "key image %s already spent by pooled tx %s", ki, other)
			}
		}
	}
	if tx.Type.IsTransfer() {
		return evict, nil
	}
	for other, o := range p.entries {
		if other != id && duplicateNonStandard(tx, o.Tx) {
			return nil, Reject(ReasonDoubleSpend, "duplicate %s tx %s in pool", tx.Type, other)
		}
	}
	return evict, nil
}

// duplicateNonStandard reports whether a and b are non-transfer
// transactions with the same effect.
func duplicateNonStandard(a, b *cryptonote.Transaction) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case params.TxTypeStateChange:
		sa, ok1 := cryptonote.StateChange(a)
		sb, ok2 := cryptonote.StateChange(b)
		return ok1 && ok2 && sa.BlockHeight == sb.BlockHeight && sa.ServiceNodeIndex == sb.ServiceNodeIndex && sa.State == sb.State
	case params.TxTypeKeyImageUnlock:
		ua, ok1 := cryptonote.KeyImageUnlock(a)
		ub, ok2 := cryptonote.KeyImageUnlock(b)
		return ok1 && ok2 && ua.KeyImage == ub.KeyImage
	case params.TxTypeOxenNameSystem:
		na, ok1 := cryptonote.OxenNameSystem(a)
		nb, ok2 := cryptonote.OxenNameSystem(b)
		return ok1 && ok2 && na.Type == nb.Type && na.NameHash == nb.NameHash
	default:
		return false
	}
}

func (p *Pool) insert(e *Entry) {
	p.entries[e.ID] = e
	for _, ki := range e.Tx.KeyImages() {
		ids := p.spent[ki]
		if ids == nil {
			ids = make(map[crypto.Hash]struct{})
			p.spent[ki] = ids
		}
		ids[e.ID] = struct{}{}
	}
	p.weight += e.Weight
	p.metrics.update(len(p.entries), p.weight)
}

func (p *Pool) removeLocked(id crypto.Hash) (*Entry, bool) {
	e, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	delete(p.entries, id)
	for _, ki := range e.Tx.KeyImages() {
		ids := p.spent[ki]
		delete(ids, id)
		if len(ids) == 0 {
			delete(p.spent, ki)
		}
	}
	p.weight -= e.Weight
	if e.Blink {
		p.blinkMu.Lock()
		delete(p.blinks, id)
		p.blinkMu.Unlock()
	}
	p.metrics.update(len(p.entries), p.weight)
	return e, true
}

func (p *Pool) takeTx(id crypto.Hash) (*Entry, bool) {
	e, ok := p.removeLocked(id)
	if ok {
		log.WithField("tx", id.String()).Trace("took tx from pool")
	}
	return e, ok
}

// TakeTx removes a transaction and returns it.
func (p *Pool) TakeTx(id crypto.Hash) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.takeTx(id)
}

// Remove drops a transaction from the pool.
func (p *Pool) Remove(id crypto.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.removeLocked(id)
	return ok
}

// Have reports whether id is pooled.
func (p *Pool) Have(id crypto.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

// Get returns a copy of a pooled entry.
func (p *Pool) Get(id crypto.Hash) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Transactions returns copies of every pooled entry in template order.
func (p *Pool) Transactions() []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedLocked()
}

func (p *Pool) sortedLocked() []*Entry {
	out := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.clone())
	}
	sortEntries(out)
	return out
}

// KeyImagesInPool maps every key image spent by a pooled transaction to
// the transactions spending it.
func (p *Pool) KeyImagesInPool() map[crypto.KeyImage][]crypto.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[crypto.KeyImage][]crypto.Hash, len(p.spent))
	for ki, ids := range p.spent {
		for id := range ids {
			out[ki] = append(out[ki], id)
		}
	}
	return out
}

// HaveKeyImage reports whether a pooled transaction spends ki.
func (p *Pool) HaveKeyImage(ki crypto.KeyImage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.spent[ki]) > 0
}

// Len is the number of pooled transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Weight is the total weight of pooled transactions.
func (p *Pool) Weight() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.weight
}
