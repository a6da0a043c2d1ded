// Package blockdb stores the main chain, its outputs and key images, the
// alternative blocks and the checkpoints.
package blockdb

import (
	"context"
	"errors"
	"time"

	"github.com/x-vinnci/saferun-core-sub001/checkpoints"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/logging"
)

var log = logging.Category("blockchain.db")

var (
	ErrBlockNotFound  = errors.New("block not found")
	ErrBlockExists    = errors.New("block already exists")
	ErrKeyImageExists = errors.New("key image already spent")
	ErrOutputNotFound = errors.New("output not found")
	ErrTxNotFound     = errors.New("transaction not found")
	ErrTxExists       = errors.New("transaction already exists")
	ErrBatchActive    = errors.New("a write batch is already active")
	ErrNoBatch        = errors.New("no write batch is active")
	ErrEmptyChain     = errors.New("blockchain is empty")
)

// BatchRetryInterval is how long BatchStartRetry sleeps between attempts.
const BatchRetryInterval = 100 * time.Millisecond

// BlockInfo is the per-height metadata stored next to each main chain
// block.
type BlockInfo struct {
	Hash                 crypto.Hash
	Height               uint64
	Timestamp            uint64
	Weight               uint64
	LongTermWeight       uint64
	CumulativeDifficulty uint64
	// GeneratedCoins is the total emission up to and including this block.
	GeneratedCoins uint64
	PulseRound     uint8
	Pulse          bool
}

// TxEntry is a transaction committed with a block.
type TxEntry struct {
	Hash crypto.Hash
	Blob []byte
	Tx   *cryptonote.Transaction
}

// AltBlock is a block kept off the main chain.
type AltBlock struct {
	Blob                  []byte
	Height                uint64
	Weight                uint64
	CumulativeDifficulty  uint64
	AlreadyGeneratedCoins uint64
	Checkpointed          bool
	Checkpoint            *checkpoints.Checkpoint
}

// Block decodes the stored block blob.
func (a *AltBlock) Block() (*cryptonote.Block, error) {
	b, err := cryptonote.DeserializeBlock(a.Blob)
	if err != nil {
		return nil, err
	}
	b.Height = a.Height
	return b, nil
}

// BlockchainDB is the block store the chain runs on. Heights count blocks:
// Height() is one more than the top block's height.
type BlockchainDB interface {
	checkpoints.Store

	Height() (uint64, error)
	TopBlockHash() (crypto.Hash, error)
	BlockFromHeight(height uint64) (*cryptonote.Block, error)
	BlockBlobFromHeight(height uint64) ([]byte, error)
	BlockByHash(hash crypto.Hash) (*cryptonote.Block, error)
	BlockHeight(hash crypto.Hash) (uint64, error)
	BlockExists(hash crypto.Hash) (bool, error)
	BlockHashFromHeight(height uint64) (crypto.Hash, error)
	BlockInfo(height uint64) (BlockInfo, error)

	// AddBlock appends b, whose txs are given in tx_hashes order.
	AddBlock(b *cryptonote.Block, weight, longTermWeight, cumulativeDifficulty, generatedCoins uint64, txs []TxEntry) error
	// PopBlock removes the top block and returns it with its txs.
	PopBlock() (*cryptonote.Block, []TxEntry, error)

	OutputKey(amount, index uint64) (cryptonote.OutputKey, error)
	OutputKeys(amount uint64, indices []uint64) ([]cryptonote.OutputKey, error)
	NumOutputs(amount uint64) (uint64, error)
	HasKeyImage(ki crypto.KeyImage) (bool, error)
	TxExists(hash crypto.Hash) (bool, error)
	Tx(hash crypto.Hash) (TxEntry, uint64, error)

	AltBlock(hash crypto.Hash) (*AltBlock, error)
	AddAltBlock(hash crypto.Hash, ab *AltBlock) error
	RemoveAltBlock(hash crypto.Hash) error
	DropAltBlocks() error
	ForAllAltBlocks(fn func(hash crypto.Hash, ab *AltBlock) error) error
	ForAllKeyImages(fn func(ki crypto.KeyImage) error) error
	ForAllBlocks(from uint64, fn func(info BlockInfo) error) error

	BatchStart() error
	BatchStop() error
	BatchAbort() error
	Sync() error
	Close() error
}

// BatchStartRetry starts a write batch, retrying every BatchRetryInterval
// while another batch is active.
func BatchStartRetry(ctx context.Context, db BlockchainDB) error {
	for {
		err := db.BatchStart()
		if !errors.Is(err, ErrBatchActive) {
			return err
		}
		log.Debug("write batch busy, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(BatchRetryInterval):
		}
	}
}
