package mempool

import (
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
	"github.com/x-vinnci/saferun-core-sub001/reward"
)

// TemplateRequest describes the block a template is filled for.
type TemplateRequest struct {
	MedianWeight          uint64
	AlreadyGeneratedCoins uint64
	Version               params.HF
	Height                uint64
}

// Template is the transaction selection for a block.
type Template struct {
	TxIDs       []crypto.Hash
	TotalWeight uint64
	TotalFee    uint64
	// ExpectedReward is the penalized base reward plus fees.
	ExpectedReward uint64
}

// FillBlockTemplate selects transactions for a new block by fee density,
// blinks first. A transaction is only added when it does not lower the
// block's total reward once the weight penalty is applied.
func (p *Pool) FillBlockTemplate(req TemplateRequest) (Template, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fillLocked(p.v, req)
}

// FillBlockTemplate is Pool.FillBlockTemplate for a caller already holding
// the pool lock.
func (l *Locked) FillBlockTemplate(req TemplateRequest) (Template, error) {
	return l.p.fillLocked(l.v, req)
}

func (p *Pool) fillLocked(v Validator, req TemplateRequest) (Template, error) {
	median := max(req.MedianWeight, params.MinBlockWeight)
	maxTotal := 2*median - params.CoinbaseBlobReservedSize

	best, _, err := reward.BaseReward(median, params.CoinbaseBlobReservedSize, req.AlreadyGeneratedCoins, req.Version, req.Height)
	if err != nil {
		return Template{}, err
	}
	t := Template{ExpectedReward: best}

	candidates := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		candidates = append(candidates, e)
	}
	sortEntries(candidates)

	used := make(map[crypto.KeyImage]struct{})
	for _, e := range candidates {
		if t.TotalWeight+e.Weight > maxTotal {
			continue
		}
		if e.LastFailedHeight != 0 && e.LastFailedHeight == req.Height {
			continue
		}
		if !readyLocked(v, e, used, req.Height) {
			continue
		}
		base, _, err := reward.BaseReward(median, t.TotalWeight+e.Weight, req.AlreadyGeneratedCoins, req.Version, req.Height)
		if err != nil {
			continue
		}
		coinbase := base + t.TotalFee + e.Fee
		if coinbase < t.ExpectedReward && !e.Blink {
			continue
		}
		for _, ki := range e.Tx.KeyImages() {
			used[ki] = struct{}{}
		}
		t.TxIDs = append(t.TxIDs, e.ID)
		t.TotalWeight += e.Weight
		t.TotalFee += e.Fee
		t.ExpectedReward = coinbase
	}

	log.WithField("height", req.Height).WithField("txs", len(t.TxIDs)).WithField("weight", t.TotalWeight).
		WithField("fee", t.TotalFee).Debug("filled block template")
	return t, nil
}

// readyLocked reports whether e can go into the next block: none of its
// key images is spent on chain or by a transaction already selected.
func readyLocked(v Validator, e *Entry, used map[crypto.KeyImage]struct{}, height uint64) bool {
	for _, ki := range e.Tx.KeyImages() {
		if _, dup := used[ki]; dup {
			return false
		}
		if v != nil && v.KeyImageSpent(ki) {
			e.LastFailedHeight = height
			return false
		}
	}
	return true
}
