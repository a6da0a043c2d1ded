// Package chain validates blocks and transactions and maintains the main
// chain together with the alternative chains competing with it.
//
// The service node list, the name system and the batch payment ledger
// follow the main chain tip through the chain: every block added or popped
// is forwarded to them while the chain's write lock is held.
//
// Callers that need both the transaction pool and the chain locked take the
// pool lock first.
package chain

import (
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/x-vinnci/saferun-core-sub001/blockdb"
	"github.com/x-vinnci/saferun-core-sub001/checkpoints"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/debug"
	"github.com/x-vinnci/saferun-core-sub001/logging"
	"github.com/x-vinnci/saferun-core-sub001/mempool"
	"github.com/x-vinnci/saferun-core-sub001/pow"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
	"github.com/x-vinnci/saferun-core-sub001/reward"
	"github.com/x-vinnci/saferun-core-sub001/servicenodes"
)

var log = logging.Category("blockchain")

var (
	ErrRollbackFailed = errors.New("failed to restore the original chain after a failed reorganization")
	ErrNoGenesis      = errors.New("blockchain has no genesis block")
	ErrClosed         = errors.New("blockchain is closed")
)

// Ledger is the batch payment ledger.
type Ledger interface {
	Height() uint64
	AddBlock(b *cryptonote.Block, contributors []reward.Payment) error
	PopBlock(b *cryptonote.Block, contributors []reward.Payment) error
	// GetSNPayments lists the balances due to be paid out by the block at
	// height.
	GetSNPayments(height uint64) ([]reward.Payment, error)
	Reset() error
}

// NameSystem is the ONS database.
type NameSystem interface {
	Height() uint64
	ValidateTx(version params.HF, height uint64, tx *cryptonote.Transaction) (*cryptonote.ExtraOxenNameSystem, error)
	AddBlock(b *cryptonote.Block, txs []*cryptonote.Transaction) error
	// BlockDetach drops everything recorded at or above height.
	BlockDetach(height uint64)
}

// Deps are the stores and subsystems the chain drives.
type Deps struct {
	DB           blockdb.BlockchainDB
	Pool         *mempool.Pool
	ServiceNodes servicenodes.List
	ONS          NameSystem
	Ledger       Ledger
}

// Options tune a Blockchain.
type Options struct {
	Net params.NetType
	// FixedDifficulty replaces the difficulty algorithm when non-zero.
	FixedDifficulty uint64
	// PrepareThreads bounds the workers hashing incoming blocks.
	PrepareThreads   int
	InvalidCacheSize int

	Hasher pow.Hasher
	RingCT cryptonote.RingCTVerifier
	// Registerer receives the chain metrics when set.
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// DefaultOptions returns the options of a node on net.
func DefaultOptions(net params.NetType) Options {
	return Options{
		Net:              net,
		PrepareThreads:   4,
		InvalidCacheSize: 4096,
		Hasher:           pow.DefaultArgon2Hasher(),
		RingCT:           cryptonote.NullRingCTVerifier{},
		Now:              time.Now,
	}
}

// BlockAddInfo describes a block being attached to the main chain.
type BlockAddInfo struct {
	Block      *cryptonote.Block
	Txs        []*cryptonote.Transaction
	Checkpoint *checkpoints.Checkpoint
}

// BlockPostAddInfo describes a block attached to the main chain. Reorg is
// set for the first block of a chain switch.
type BlockPostAddInfo struct {
	Block *cryptonote.Block
	Reorg bool
}

type (
	// InitHook runs when the chain is (re)initialized.
	InitHook func() error
	// BlockAddHook runs before a block is committed; an error rejects it.
	BlockAddHook func(BlockAddInfo) error
	// BlockPostAddHook runs after a block was committed.
	BlockPostAddHook func(BlockPostAddInfo)
	// DetachedHook runs after the chain was truncated to height. byPop is
	// set when blocks were popped on request rather than by a reorg.
	DetachedHook func(height uint64, byPop bool)
	// AltBlockAddHook runs before an alternative block is stored; an error
	// rejects it.
	AltBlockAddHook func(BlockAddInfo) error
)

type hooks struct {
	init     []InitHook
	add      []BlockAddHook
	postAdd  []BlockPostAddHook
	detached []DetachedHook
	alt      []AltBlockAddHook
}

// Blockchain is the main chain and the alternative chains competing with
// it.
type Blockchain struct {
	mu   *debug.RWMutex
	opts Options

	db     blockdb.BlockchainDB
	pool   *mempool.Pool
	sn     servicenodes.List
	ons    NameSystem
	ledger Ledger
	cps    *checkpoints.Checkpoints

	invalid  *lru.Cache[crypto.Hash, struct{}]
	powCache *lru.Cache[powKey, crypto.Hash]
	metrics  *metrics
	hooks    hooks

	weights weightState
	// postAdd queues the blocks committed by the current call until the
	// locks are released.
	postAdd []BlockPostAddInfo
	// lowest is the lowest height the chain was detached to by the
	// current call, if detached is set.
	lowest   uint64
	detached bool
	closed   bool
}

// New wires a Blockchain over deps. Init must be called before use.
func New(deps Deps, opts Options) (*Blockchain, error) {
	if deps.DB == nil || deps.Pool == nil || deps.ServiceNodes == nil || deps.ONS == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("blockchain needs a block store, a pool, a service node list, a name system and a ledger")
	}
	if opts.Hasher == nil {
		opts.Hasher = pow.DefaultArgon2Hasher()
	}
	if opts.RingCT == nil {
		opts.RingCT = cryptonote.NullRingCTVerifier{}
	}
	if _, ok := opts.RingCT.(cryptonote.NullRingCTVerifier); ok {
		log.Warn("no RingCT verifier configured, every transfer carrying RingCT signatures will be rejected")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PrepareThreads <= 0 {
		opts.PrepareThreads = 1
	}
	if opts.InvalidCacheSize <= 0 {
		opts.InvalidCacheSize = 4096
	}
	invalid, err := lru.New[crypto.Hash, struct{}](opts.InvalidCacheSize)
	if err != nil {
		return nil, err
	}
	powCache, err := lru.New[powKey, crypto.Hash](opts.InvalidCacheSize)
	if err != nil {
		return nil, err
	}

	bc := &Blockchain{
		mu:       debug.NewRWMutex("blockchain"),
		opts:     opts,
		db:       deps.DB,
		pool:     deps.Pool,
		sn:       deps.ServiceNodes,
		ons:      deps.ONS,
		ledger:   deps.Ledger,
		cps:      checkpoints.New(deps.DB),
		invalid:  invalid,
		powCache: powCache,
		metrics:  newMetrics(opts.Registerer),
	}
	deps.Pool.SetValidator(poolValidator{bc})
	return bc, nil
}

// HookInit registers fn to run on Init and on ResetAndSetGenesis.
func (bc *Blockchain) HookInit(fn InitHook) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.hooks.init = append(bc.hooks.init, fn)
}

// HookBlockAdd registers fn to vet every block joining the main chain.
func (bc *Blockchain) HookBlockAdd(fn BlockAddHook) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.hooks.add = append(bc.hooks.add, fn)
}

// HookBlockPostAdd registers fn to run after each main chain block.
func (bc *Blockchain) HookBlockPostAdd(fn BlockPostAddHook) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.hooks.postAdd = append(bc.hooks.postAdd, fn)
}

// HookBlockchainDetached registers fn to run after the chain shrinks.
func (bc *Blockchain) HookBlockchainDetached(fn DetachedHook) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.hooks.detached = append(bc.hooks.detached, fn)
}

// HookAltBlockAdd registers fn to vet every alternative block.
func (bc *Blockchain) HookAltBlockAdd(fn AltBlockAddHook) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.hooks.alt = append(bc.hooks.alt, fn)
}

func (bc *Blockchain) runInitHooks() error {
	for _, fn := range bc.hooks.init {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func (bc *Blockchain) runBlockAddHooks(info BlockAddInfo) error {
	for _, fn := range bc.hooks.add {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

func (bc *Blockchain) runPostAddHooks(info BlockPostAddInfo) {
	for _, fn := range bc.hooks.postAdd {
		fn(info)
	}
}

// detachedLocked runs the detached hooks and records the lowest height
// the chain shrank to.
func (bc *Blockchain) detachedLocked(height uint64, byPop bool) {
	if !bc.detached || height < bc.lowest {
		bc.lowest, bc.detached = height, true
	}
	for _, fn := range bc.hooks.detached {
		fn(height, byPop)
	}
}

func (bc *Blockchain) runAltHooks(info BlockAddInfo) error {
	for _, fn := range bc.hooks.alt {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// Init opens the chain. An empty store gets the network's genesis block;
// otherwise the service node list, the name system and the ledger are
// brought up to the stored tip.
func (bc *Blockchain) Init() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if err := bc.runInitHooks(); err != nil {
		return err
	}
	height, err := bc.db.Height()
	if err != nil {
		return err
	}
	if height == 0 {
		log.WithField("net", bc.opts.Net).Info("blockchain not loaded, generating genesis block")
		g, err := GenesisBlock(bc.opts.Net)
		if err != nil {
			return err
		}
		if err := bc.addGenesisLocked(g); err != nil {
			return err
		}
	} else if err := bc.loadMissingBlocksLocked(); err != nil {
		return err
	}
	if err := bc.updateWeightLimitLocked(); err != nil {
		return err
	}
	bc.postAdd = nil

	height, err = bc.db.Height()
	if err != nil {
		return err
	}
	bc.pool.OnBlockchainInc(height)
	bc.metrics.height.Set(float64(height))
	top, _ := bc.db.TopBlockHash()
	log.WithField("height", height).WithField("top", top.String()).Info("blockchain initialized")
	return nil
}

// Deinit syncs and closes the block store.
func (bc *Blockchain) Deinit() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.closed {
		return nil
	}
	bc.closed = true
	if err := bc.db.Sync(); err != nil {
		log.WithError(err).Warn("failed to sync block store on close")
	}
	return bc.db.Close()
}

// Net is the network the chain runs on.
func (bc *Blockchain) Net() params.NetType { return bc.opts.Net }

// Checkpoints is the checkpoint store.
func (bc *Blockchain) Checkpoints() *checkpoints.Checkpoints { return bc.cps }

// DB is the block store.
func (bc *Blockchain) DB() blockdb.BlockchainDB { return bc.db }

// Height is the number of blocks in the main chain.
func (bc *Blockchain) Height() (uint64, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.db.Height()
}

// Tail returns the height and hash of the top block.
func (bc *Blockchain) Tail() (uint64, crypto.Hash, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	height, err := bc.db.Height()
	if err != nil {
		return 0, crypto.Hash{}, err
	}
	if height == 0 {
		return 0, crypto.Hash{}, ErrNoGenesis
	}
	top, err := bc.db.TopBlockHash()
	return height - 1, top, err
}

// BlockByHash returns a main chain or alternative block.
func (bc *Blockchain) BlockByHash(hash crypto.Hash) (*cryptonote.Block, bool, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	b, err := bc.db.BlockByHash(hash)
	if err == nil {
		return b, true, nil
	}
	if !errors.Is(err, blockdb.ErrBlockNotFound) {
		return nil, false, err
	}
	ab, err := bc.db.AltBlock(hash)
	if err != nil || ab == nil {
		return nil, false, err
	}
	b, err = ab.Block()
	return b, false, err
}

// IsInvalid reports whether hash was rejected before.
func (bc *Blockchain) IsInvalid(hash crypto.Hash) bool {
	return bc.invalid.Contains(hash)
}

func (bc *Blockchain) markInvalid(hash crypto.Hash) {
	bc.invalid.Add(hash, struct{}{})
}

// now is the adjusted wall clock in seconds.
func (bc *Blockchain) now() uint64 {
	return uint64(bc.opts.Now().Unix())
}

func (bc *Blockchain) version(height uint64) params.HF {
	return params.NetworkVersion(bc.opts.Net, height)
}
