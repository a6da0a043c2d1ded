package mempool

import (
	"math/bits"
	"sort"
	"time"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
)

type u128 struct{ hi, lo uint64 }

func mul128(a, b uint64) u128 {
	hi, lo := bits.Mul64(a, b)
	return u128{hi, lo}
}

func (x u128) greater(y u128) bool {
	return x.hi > y.hi || (x.hi == y.hi && x.lo > y.lo)
}

func sortEntries(es []*Entry) {
	sort.Slice(es, func(i, j int) bool { return feeDensityLess(es[i], es[j]) })
}

// pruneLocked drops the lowest fee density transactions until the pool
// fits its weight limit. Transactions kept from popped blocks, blinks and
// keep itself are never pruned.
func (p *Pool) pruneLocked(keep crypto.Hash) {
	if p.cfg.MaxWeight == 0 || p.weight <= p.cfg.MaxWeight {
		return
	}
	candidates := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.ID != keep && !e.KeptByBlock && !e.Blink {
			candidates = append(candidates, e)
		}
	}
	sortEntries(candidates)
	for i := len(candidates) - 1; i >= 0 && p.weight > p.cfg.MaxWeight; i-- {
		e := candidates[i]
		p.removeLocked(e.ID)
		log.WithField("tx", e.ID.String()).WithField("pool_weight", p.weight).Info("pruned tx from full pool")
	}
}

// RemoveExpired drops transactions older than their livetime and returns
// how many were dropped.
func (p *Pool) RemoveExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var stale []crypto.Hash
	for id, e := range p.entries {
		age := now.Sub(e.ReceiveTime)
		life := p.cfg.Livetime
		if e.KeptByBlock {
			life = p.cfg.AltBlockLivetime
		}
		if !e.Tx.Type.IsTransfer() && p.cfg.NonStandardLife > 0 && p.cfg.NonStandardLife < life {
			life = p.cfg.NonStandardLife
		}
		if life > 0 && age > life {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		p.removeLocked(id)
		log.WithField("tx", id.String()).Info("removed expired tx from pool")
	}
	return len(stale)
}

// Relay delays grow with a transaction's age.
const (
	minRelayDelay = 2 * time.Minute
	maxRelayDelay = 4 * time.Hour
)

func relayDelay(age time.Duration) time.Duration {
	return min(max(age/4, minRelayDelay), maxRelayDelay)
}

// RelayableTxes returns the transactions due to be relayed to peers.
func (p *Pool) RelayableTxes() []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var out []*Entry
	for _, e := range p.entries {
		if e.DoNotRelay || e.KeptByBlock {
			continue
		}
		if e.Relayed && now.Sub(e.LastRelayedTime) < relayDelay(now.Sub(e.ReceiveTime)) {
			continue
		}
		out = append(out, e.clone())
	}
	sortEntries(out)
	return out
}

// SetRelayed records that ids were relayed.
func (p *Pool) SetRelayed(ids []crypto.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, id := range ids {
		if e, ok := p.entries[id]; ok {
			e.Relayed = true
			e.LastRelayedTime = now
		}
	}
}

// OnBlockchainInc is called after the chain grows to height.
func (p *Pool) OnBlockchainInc(height uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.height = height
}

// OnBlockchainDec is called after the chain shrinks to height. Failures
// recorded above it no longer hold.
func (p *Pool) OnBlockchainDec(height uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.height = height
	for _, e := range p.entries {
		if e.LastFailedHeight >= height {
			e.LastFailedHeight = 0
		}
	}
}

// Stats summarises the pool.
type Stats struct {
	Count        int
	Weight       uint64
	TotalFee     uint64
	MinFee       uint64
	MaxFee       uint64
	NotRelayed   int
	DoubleSpends int
	Blinks       int
	Oldest       time.Time
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Count: len(p.entries), Weight: p.weight}
	for _, e := range p.entries {
		s.TotalFee += e.Fee
		if s.MinFee == 0 || e.Fee < s.MinFee {
			s.MinFee = e.Fee
		}
		s.MaxFee = max(s.MaxFee, e.Fee)
		if !e.Relayed {
			s.NotRelayed++
		}
		if e.DoubleSpendSeen {
			s.DoubleSpends++
		}
		if e.Blink {
			s.Blinks++
		}
		if s.Oldest.IsZero() || e.ReceiveTime.Before(s.Oldest) {
			s.Oldest = e.ReceiveTime
		}
	}
	return s
}
