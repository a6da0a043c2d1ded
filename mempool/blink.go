package mempool

import (
	"github.com/x-vinnci/saferun-core-sub001/crypto"
)

// Blink records a blink transaction the quorum has voted on.
type Blink struct {
	TxID     crypto.Hash
	Height   uint64
	Approved bool
}

// BlinkSharedLock locks the blink set for reading and returns the unlock
// function. HasBlink and Blinks may be called while it is held.
func (p *Pool) BlinkSharedLock() func() {
	p.blinkMu.RLock()
	return p.blinkMu.RUnlock
}

// BlinkExclusiveLock locks the blink set for writing and returns the
// unlock function. AddBlink requires it.
func (p *Pool) BlinkExclusiveLock() func() {
	p.blinkMu.Lock()
	return p.blinkMu.Unlock
}

// AddBlink records b. The caller holds the exclusive blink lock.
func (p *Pool) AddBlink(b *Blink) bool {
	if _, ok := p.blinks[b.TxID]; ok {
		return false
	}
	c := *b
	p.blinks[b.TxID] = &c
	return true
}

// HasBlink reports whether a blink is known for id. The caller holds a
// blink lock.
func (p *Pool) HasBlink(id crypto.Hash) (Blink, bool) {
	b, ok := p.blinks[id]
	if !ok {
		return Blink{}, false
	}
	return *b, true
}

// Blinks lists the approved blinks at or above height. The caller holds a
// blink lock.
func (p *Pool) Blinks(height uint64) []crypto.Hash {
	var out []crypto.Hash
	for id, b := range p.blinks {
		if b.Approved && b.Height >= height {
			out = append(out, id)
		}
	}
	return out
}
