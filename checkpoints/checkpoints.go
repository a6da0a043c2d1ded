// Package checkpoints keeps the hardcoded and service node voted block
// checkpoints and decides how far back the chain may still reorganize.
package checkpoints

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/logging"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

var log = logging.Category("checkpoints")

// ErrConflict is returned when a checkpoint disagrees with one already
// stored at the same height.
var ErrConflict = errors.New("conflicting checkpoint")

// Store persists checkpoints. The block store implements it.
type Store interface {
	// Checkpoint returns the checkpoint at height, or nil.
	Checkpoint(height uint64) (*Checkpoint, error)
	UpdateCheckpoint(cp *Checkpoint) error
	RemoveCheckpoint(height uint64) error
	// CheckpointsRange returns up to limit checkpoints between start and
	// end inclusive, ordered from start towards end. start may be above
	// end. A limit of 0 means no limit.
	CheckpointsRange(start, end uint64, limit int) ([]*Checkpoint, error)
}

// Result is the outcome of CheckBlock.
type Result struct {
	// Matches is false only when a checkpoint exists with another hash.
	Matches        bool
	IsCheckpointed bool
	ServiceNode    bool
}

// Checkpoints is the checkpoint store.
type Checkpoints struct {
	mu sync.Mutex
	db Store

	immutableHeight uint64
	lastCullHeight  uint64
}

// New returns a checkpoint store on top of db.
func New(db Store) *Checkpoints {
	return &Checkpoints{db: db}
}

// AddCheckpoint records hash at height. A checkpoint that disagrees with
// the one stored at its height is refused. A hardcoded checkpoint agreeing
// with a voted one takes over its provenance.
func (c *Checkpoints) AddCheckpoint(height uint64, hash crypto.Hash, typ Type) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.db.Checkpoint(height)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint at %d: %w", height, err)
	}
	if existing != nil {
		if existing.BlockHash != hash {
			log.WithFields(logrus.Fields{
				"height":   height,
				"have":     existing.BlockHash,
				"have_src": existing.Type,
				"want":     hash,
			}).Warn("refusing conflicting checkpoint")
			return fmt.Errorf("%w at height %d", ErrConflict, height)
		}
		if typ == ServiceNode || existing.Type == Hardcoded {
			return nil
		}
	}
	return c.db.UpdateCheckpoint(&Checkpoint{Type: typ, Height: height, BlockHash: hash})
}

// UpdateCheckpoint stores a voted checkpoint. It never replaces a hardcoded
// checkpoint, and never replaces a checkpoint for the same block with one
// carrying fewer votes.
func (c *Checkpoints) UpdateCheckpoint(cp *Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateLocked(cp)
}

func (c *Checkpoints) updateLocked(cp *Checkpoint) error {
	existing, err := c.db.Checkpoint(cp.Height)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint at %d: %w", cp.Height, err)
	}
	if existing != nil {
		if existing.Type == Hardcoded {
			if existing.BlockHash != cp.BlockHash {
				log.WithField("height", cp.Height).Info("dropping voted checkpoint conflicting with hardcoded checkpoint")
			}
			return nil
		}
		if existing.BlockHash == cp.BlockHash && len(existing.Signatures) > len(cp.Signatures) {
			return nil
		}
	}
	return c.db.UpdateCheckpoint(cp)
}

// CheckBlock compares a block against the checkpoint at its height.
func (c *Checkpoints) CheckBlock(height uint64, hash crypto.Hash) (Result, error) {
	cp, err := c.db.Checkpoint(height)
	if err != nil {
		return Result{}, err
	}
	if cp == nil {
		return Result{Matches: true}, nil
	}
	res := Result{
		Matches:        cp.BlockHash == hash,
		IsCheckpointed: true,
		ServiceNode:    cp.Type == ServiceNode,
	}
	if !res.Matches {
		log.WithFields(logrus.Fields{"height": height, "expected": cp.BlockHash, "got": hash}).Warn("checkpoint mismatch")
	}
	return res, nil
}

// Checkpoint returns the checkpoint at height, if any.
func (c *Checkpoints) Checkpoint(height uint64) (*Checkpoint, error) {
	return c.db.Checkpoint(height)
}

// ImmutableHeight returns the highest height at or below top that can no
// longer be reorganized: the newest checkpoint if it is hardcoded, the
// older of the two newest checkpoints otherwise.
func (c *Checkpoints) ImmutableHeight(top uint64) (uint64, bool, error) {
	cp, err := c.immutableCheckpoint(top)
	if err != nil || cp == nil {
		return 0, false, err
	}
	return cp.Height, true, nil
}

func (c *Checkpoints) immutableCheckpoint(top uint64) (*Checkpoint, error) {
	cps, err := c.db.CheckpointsRange(top, 0, params.CheckpointNumCheckpointsForChainFinality)
	if err != nil {
		return nil, err
	}
	switch {
	case len(cps) == 0:
		return nil, nil
	case cps[0].Type == Hardcoded:
		return cps[0], nil
	case len(cps) < params.CheckpointNumCheckpointsForChainFinality:
		return nil, nil
	default:
		return cps[len(cps)-1], nil
	}
}

// IsAlternativeBlockAllowed reports whether a block at altHeight may start
// or extend an alternative chain while the main chain has chainHeight
// blocks.
func (c *Checkpoints) IsAlternativeBlockAllowed(chainHeight, altHeight uint64) (bool, error) {
	if altHeight == 0 {
		return false, nil
	}
	if chainHeight > altHeight && chainHeight-altHeight >= params.ReorgWindow {
		return false, nil
	}

	first, err := c.db.CheckpointsRange(0, chainHeight, 1)
	if err != nil {
		return false, err
	}
	if len(first) == 0 {
		return true, nil
	}

	cp, err := c.immutableCheckpoint(chainHeight)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cp != nil && cp.Height > c.immutableHeight {
		c.immutableHeight = cp.Height
	}
	return altHeight > c.immutableHeight, nil
}

// CountInRange counts the checkpoints between start and end inclusive.
func (c *Checkpoints) CountInRange(start, end uint64) (int, error) {
	cps, err := c.db.CheckpointsRange(start, end, 0)
	if err != nil {
		return 0, err
	}
	return len(cps), nil
}

// Top returns the newest checkpoint, or nil.
func (c *Checkpoints) Top() (*Checkpoint, error) {
	cps, err := c.db.CheckpointsRange(math.MaxUint64, 0, 1)
	if err != nil || len(cps) == 0 {
		return nil, err
	}
	return cps[0], nil
}

// BlockAdded culls the voted checkpoints that have become immutable,
// except those on the persistent interval, then stores the checkpoint that
// came with the block.
func (c *Checkpoints) BlockAdded(height uint64, version params.HF, cp *Checkpoint) error {
	if height < params.CheckpointStorePersistentlyInterval || version < params.HF12Checkpointing {
		return nil
	}

	immutable, err := c.immutableCheckpoint(height + 1)
	if err != nil {
		return err
	}
	var endCull uint64
	if immutable != nil {
		endCull = immutable.Height
	}
	var startCull uint64
	if endCull >= params.CheckpointStorePersistentlyInterval {
		startCull = endCull - params.CheckpointStorePersistentlyInterval
	}
	if r := startCull % params.CheckpointInterval; r > 0 {
		startCull += params.CheckpointInterval - r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if startCull > c.lastCullHeight {
		c.lastCullHeight = startCull
	}
	for ; c.lastCullHeight < endCull; c.lastCullHeight += params.CheckpointInterval {
		if c.lastCullHeight%params.CheckpointStorePersistentlyInterval == 0 {
			continue
		}
		existing, err := c.db.Checkpoint(c.lastCullHeight)
		if err != nil {
			return err
		}
		if existing == nil || existing.Type == Hardcoded {
			continue
		}
		if err := c.db.RemoveCheckpoint(c.lastCullHeight); err != nil {
			log.WithError(err).WithField("height", c.lastCullHeight).Error("failed to cull checkpoint")
		}
	}

	if cp != nil {
		return c.updateLocked(cp)
	}
	return nil
}

// BlockchainDetached removes the voted checkpoints at or above height after
// the chain was popped back below it.
func (c *Checkpoints) BlockchainDetached(height uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if height < c.lastCullHeight {
		c.lastCullHeight = height
	}
	if height <= c.immutableHeight {
		c.immutableHeight = 0
	}

	cps, err := c.db.CheckpointsRange(math.MaxUint64, height, 0)
	if err != nil {
		return err
	}
	for _, cp := range cps {
		if cp.Type == Hardcoded {
			continue
		}
		if err := c.db.RemoveCheckpoint(cp.Height); err != nil {
			return fmt.Errorf("failed to remove checkpoint at %d: %w", cp.Height, err)
		}
	}
	return nil
}
