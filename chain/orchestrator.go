package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/x-vinnci/saferun-core-sub001/blockdb"
	"github.com/x-vinnci/saferun-core-sub001/checkpoints"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/mempool"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
	"github.com/x-vinnci/saferun-core-sub001/reward"
)

// GenesisBlock builds the genesis block of net.
func GenesisBlock(net params.NetType) (*cryptonote.Block, error) {
	cfg := params.Config(net)
	blob, err := hex.DecodeString(cfg.GenesisTx)
	if err != nil {
		return nil, fmt.Errorf("bad genesis tx hex: %w", err)
	}
	tx, err := cryptonote.DeserializeTx(blob)
	if err != nil {
		return nil, fmt.Errorf("bad genesis tx: %w", err)
	}
	return &cryptonote.Block{
		BlockHeader: cryptonote.BlockHeader{
			MajorVersion: uint8(params.HF7),
			MinorVersion: uint8(params.HF7),
			Nonce:        cfg.GenesisNonce,
		},
		MinerTx: *tx,
	}, nil
}

// addGenesisLocked commits g to an empty chain.
func (bc *Blockchain) addGenesisLocked(g *cryptonote.Block) error {
	g.Height = 0
	hash, err := g.Hash()
	if err != nil {
		return err
	}
	_, minerBlob, err := g.MinerTx.HashAndBlob()
	if err != nil {
		return err
	}
	generated, ok := g.MinerTx.OutputsSum()
	if !ok {
		return fmt.Errorf("genesis outputs overflow")
	}
	weight := cryptonote.TxWeight(&g.MinerTx, uint64(len(minerBlob)))
	if err := bc.commitBlockLocked(g, hash, nil, weight, weight, 1, generated, nil); err != nil {
		return fmt.Errorf("failed to add genesis block: %w", err)
	}
	bc.postAdd = append(bc.postAdd, BlockPostAddInfo{Block: g})
	log.WithField("hash", hash.String()).Info("genesis block added")
	return nil
}

// loadMissingBlocksLocked replays stored blocks into the service node
// list, the name system and the ledger until all three reach the tip.
func (bc *Blockchain) loadMissingBlocksLocked() error {
	height, err := bc.db.Height()
	if err != nil || height == 0 {
		return err
	}
	top := height - 1

	next := func(at uint64, known bool) uint64 {
		if !known || at == 0 {
			return 0
		}
		return min(at+1, height)
	}
	snNext := next(bc.sn.Height(), bc.sn.StateHistoryExists(bc.sn.Height()))
	onsNext := next(bc.ons.Height(), true)
	ledgerNext := next(bc.ledger.Height(), true)
	start := min(snNext, onsNext, ledgerNext)
	if start > top {
		return nil
	}

	log.WithFields(logrus.Fields{
		"from":   start,
		"to":     top,
		"sn":     snNext,
		"ons":    onsNext,
		"ledger": ledgerNext,
	}).Info("loading blocks into subsystems")
	for h := start; h <= top; h++ {
		b, err := bc.db.BlockFromHeight(h)
		if err != nil {
			return err
		}
		txs := make([]*cryptonote.Transaction, len(b.TxHashes))
		for i, id := range b.TxHashes {
			e, _, err := bc.db.Tx(id)
			if err != nil {
				return fmt.Errorf("block %d tx %s: %w", h, id, err)
			}
			txs[i] = e.Tx
		}

		if h >= snNext {
			hash, err := bc.db.BlockHashFromHeight(h)
			if err != nil {
				return err
			}
			cp, err := bc.cps.Checkpoint(h)
			if err != nil {
				return err
			}
			if cp != nil && cp.BlockHash != hash {
				cp = nil
			}
			if err := bc.sn.BlockAdd(b, txs, cp); err != nil {
				return fmt.Errorf("service node list refused stored block %d: %w", h, err)
			}
		}
		if h >= onsNext {
			if err := bc.ons.AddBlock(b, txs); err != nil {
				return fmt.Errorf("name system refused stored block %d: %w", h, err)
			}
		}
		if h >= ledgerNext {
			var contributors []reward.Payment
			if params.HF(b.MajorVersion) >= params.HF19RewardBatching {
				if contributors, err = bc.sn.WinnerContributors(b); err != nil {
					return err
				}
			}
			if err := bc.ledger.AddBlock(b, contributors); err != nil {
				return fmt.Errorf("batch ledger refused stored block %d: %w", h, err)
			}
		}
		if h%1000 == 0 && h > start {
			log.WithField("height", h).Info("loading blocks into subsystems")
		}
	}
	return nil
}

// lockChain takes the pool lock and then the chain write lock and runs fn
// inside a block store batch. Internal errors abort the batch. Post-add
// hooks queued by fn run once both locks are released.
func (bc *Blockchain) lockChain(fn func(l *mempool.Locked) error) error {
	var (
		posts       []BlockPostAddInfo
		hooks       []BlockPostAddHook
		height      uint64
		lowest      uint64
		detached    bool
		heightKnown bool
	)
	err := bc.pool.WithLock(lockedValidator{bc}, func(l *mempool.Locked) error {
		bc.mu.Lock()
		defer bc.mu.Unlock()
		if bc.closed {
			return ErrClosed
		}
		bc.postAdd, bc.detached = nil, false

		if err := blockdb.BatchStartRetry(context.Background(), bc.db); err != nil {
			return err
		}
		err := fn(l)
		if err != nil && (ReasonOf(err) == ReasonInternal || errors.Is(err, ErrRollbackFailed)) {
			if aerr := bc.db.BatchAbort(); aerr != nil {
				log.WithError(aerr).Error("failed to abort block store batch")
			}
			bc.postAdd = nil
		} else if serr := bc.db.BatchStop(); serr != nil {
			return fmt.Errorf("failed to commit block store batch: %w", serr)
		}

		posts, hooks = bc.postAdd, bc.hooks.postAdd
		lowest, detached = bc.lowest, bc.detached
		bc.postAdd, bc.detached = nil, false
		if h, herr := bc.db.Height(); herr == nil {
			height, heightKnown = h, true
			bc.metrics.height.Set(float64(h))
		}
		return err
	})

	if detached {
		bc.pool.OnBlockchainDec(lowest)
	}
	if heightKnown {
		bc.pool.OnBlockchainInc(height)
	}
	for _, info := range posts {
		for _, fn := range hooks {
			fn(info)
		}
	}
	return err
}

// AddNewBlock validates b and attaches it to the main chain or to an
// alternative chain. cp is the checkpoint that came with it, if any.
// Broken consensus rules are reported in the returned context; the error
// is only set when the node itself failed.
func (bc *Blockchain) AddNewBlock(b *cryptonote.Block, cp *checkpoints.Checkpoint) (BlockVerificationContext, error) {
	var ctx BlockVerificationContext
	start := time.Now()
	defer func() { bc.metrics.processing.Observe(time.Since(start).Seconds()) }()

	hash, err := b.Hash()
	if err != nil {
		ctx.fail(invalid(ReasonParseFailed, "%v", err))
		return ctx, nil
	}
	if bc.IsInvalid(hash) {
		ctx.fail(invalid(ReasonKnownInvalid, "block %s was rejected before", hash))
		return ctx, nil
	}

	var rejected error
	err = bc.lockChain(func(l *mempool.Locked) error {
		exists, err := bc.db.BlockExists(hash)
		if err != nil {
			return err
		}
		if !exists {
			alt, err := bc.db.AltBlock(hash)
			if err != nil {
				return err
			}
			exists = alt != nil
		}
		if exists {
			ctx.AlreadyExists = true
			return nil
		}

		top, err := bc.db.TopBlockHash()
		if err != nil {
			return err
		}
		if b.PrevID == top {
			err = bc.handleBlockToMainChainLocked(l, b, hash, cp, false)
			ctx.AddedToMainChain = err == nil
		} else {
			var outcome altOutcome
			outcome, err = bc.handleAlternativeBlockLocked(l, b, hash, cp)
			if err == nil {
				switch outcome {
				case altOrphaned:
					ctx.MarkedAsOrphaned = true
				case altSwitched:
					ctx.AddedToMainChain, ctx.SwitchedToAltChain = true, true
				default:
					ctx.AddedToAltChain = true
				}
			}
		}
		if err == nil {
			return nil
		}
		if r := ReasonOf(err); r == ReasonInternal || errors.Is(err, ErrRollbackFailed) {
			return err
		} else if r != ReasonMissingTx {
			bc.markInvalid(hash)
		}
		rejected = err
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("hash", hash.String()).Error("failed to handle block")
		ctx.fail(err)
		return ctx, err
	}
	if rejected != nil {
		ctx.fail(rejected)
		log.WithFields(logrus.Fields{
			"hash":   hash.String(),
			"reason": ctx.Reason.String(),
		}).WithError(rejected).Info("block rejected")
	}
	return ctx, nil
}

// AddNewBlockBlob parses blob and hands the block to AddNewBlock.
func (bc *Blockchain) AddNewBlockBlob(blob []byte, cp *checkpoints.Checkpoint) (BlockVerificationContext, error) {
	b, err := cryptonote.DeserializeBlock(blob)
	if err != nil {
		var ctx BlockVerificationContext
		ctx.fail(invalid(ReasonParseFailed, "%v", err))
		return ctx, nil
	}
	return bc.AddNewBlock(b, cp)
}

// HaveBlock reports whether hash is a main chain or alternative block.
func (bc *Blockchain) HaveBlock(hash crypto.Hash) (bool, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	exists, err := bc.db.BlockExists(hash)
	if err != nil || exists {
		return exists, err
	}
	alt, err := bc.db.AltBlock(hash)
	return alt != nil, err
}

// PopBlocks removes up to n blocks from the top of the main chain, never
// the genesis block, and returns their transactions to the pool. It
// returns the number of blocks removed.
func (bc *Blockchain) PopBlocks(n uint64) (uint64, error) {
	var popped uint64
	err := bc.lockChain(func(l *mempool.Locked) error {
		height, err := bc.db.Height()
		if err != nil {
			return err
		}
		if height <= 1 {
			return nil
		}
		n = min(n, height-1)
		displaced, err := bc.popToLocked(l, height-n)
		popped = uint64(len(displaced))
		if popped > 0 {
			bc.detachedLocked(height-popped, true)
		}
		return err
	})
	if err != nil {
		return popped, fmt.Errorf("failed to pop blocks: %w", err)
	}
	log.WithField("blocks", popped).Info("popped blocks")
	return popped, nil
}

// ResetAndSetGenesis drops the whole chain, the alternative blocks and the
// subsystem state, and starts over from g.
func (bc *Blockchain) ResetAndSetGenesis(g *cryptonote.Block) error {
	return bc.lockChain(func(l *mempool.Locked) error {
		for {
			height, err := bc.db.Height()
			if err != nil {
				return err
			}
			if height == 0 {
				break
			}
			if _, _, err := bc.db.PopBlock(); err != nil {
				return err
			}
		}
		if err := bc.db.DropAltBlocks(); err != nil {
			return err
		}
		if err := bc.sn.BlockchainDetached(0); err != nil {
			return err
		}
		bc.ons.BlockDetach(0)
		if err := bc.ledger.Reset(); err != nil {
			return err
		}
		if err := bc.cps.BlockchainDetached(0); err != nil {
			return err
		}
		bc.invalid.Purge()
		bc.weights = weightState{}
		bc.detachedLocked(0, true)

		if err := bc.runInitHooks(); err != nil {
			return err
		}
		return bc.addGenesisLocked(g)
	})
}
