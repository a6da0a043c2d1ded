package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/x-vinnci/saferun-core-sub001/batchdb"
	"github.com/x-vinnci/saferun-core-sub001/blockdb"
	"github.com/x-vinnci/saferun-core-sub001/chain"
	"github.com/x-vinnci/saferun-core-sub001/checkpoints"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/logging"
	"github.com/x-vinnci/saferun-core-sub001/mempool"
	"github.com/x-vinnci/saferun-core-sub001/ons"
	"github.com/x-vinnci/saferun-core-sub001/pow"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
	"github.com/x-vinnci/saferun-core-sub001/servicenodes"
)

var log = logging.Category("daemon")

// Node owns the chain and every store and subsystem it drives.
type Node struct {
	cfg Config
	net params.NetType

	chain  *chain.Blockchain
	db     *blockdb.DB
	pool   *mempool.Pool
	sn     *servicenodes.Registry
	names  *ons.DB
	ledger *batchdb.DB
	miner  *Miner

	registry *prometheus.Registry
	metrics  *http.Server

	// Block notifications for anything following the tip
	blockSubs   []chan *cryptonote.Block
	blockSubsMu sync.Mutex

	scratchDir string

	// fatal stops the process when the chain can no longer be trusted.
	fatal func(error)

	startTime time.Time
	started   bool
	closeOnce sync.Once
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NodeOption adjusts the chain options a node is built with.
type NodeOption func(*chain.Options)

// WithHasher replaces the proof of work backend.
func WithHasher(h pow.Hasher) NodeOption {
	return func(o *chain.Options) { o.Hasher = h }
}

// WithRingCT replaces the RingCT signature verifier.
func WithRingCT(v cryptonote.RingCTVerifier) NodeOption {
	return func(o *chain.Options) { o.RingCT = v }
}

// NewNode opens the stores under cfg's data directory and initializes the
// chain on them, creating the genesis block on an empty store.
func NewNode(cfg Config, opts ...NodeOption) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	net, _ := cfg.NetType()
	if cfg.FixedDifficulty != 0 && net == params.Mainnet {
		return nil, fmt.Errorf("fixed difficulty is not allowed on %s", net)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		net:      net,
		registry: prometheus.NewRegistry(),
		fatal: func(err error) {
			log.WithError(err).Fatal("chain state is inconsistent, refusing to continue")
		},
		ctx:    ctx,
		cancel: cancel,
	}
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	dir := cfg.ChainDir()
	if cfg.DBBackend == "memory" {
		// Nothing may outlive the process, so the ledger goes to a
		// scratch directory.
		tmp, err := os.MkdirTemp("", "saferun-ledger-")
		if err != nil {
			cancel()
			return nil, err
		}
		dir, n.scratchDir = tmp, tmp
		n.db = blockdb.NewMemory()
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		db, err := blockdb.OpenBolt(dir)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open block store: %w", err)
		}
		n.db = db
	}

	ledger, err := batchdb.OpenDir(dir, net)
	if err != nil {
		n.db.Close()
		n.removeScratch()
		cancel()
		return nil, fmt.Errorf("failed to open batch ledger: %w", err)
	}
	n.ledger = ledger

	poolCfg := mempool.DefaultConfig()
	poolCfg.MaxWeight = cfg.MempoolMaxWeight
	poolCfg.Livetime = cfg.MempoolLivetime
	poolCfg.Registerer = n.registry
	n.pool = mempool.New(poolCfg, nil)
	n.sn = servicenodes.NewRegistry(net)
	n.names = ons.NewDB(net)

	chainOpts := chain.DefaultOptions(net)
	chainOpts.FixedDifficulty = cfg.FixedDifficulty
	chainOpts.PrepareThreads = cfg.MaxPrepareBlocksThreads
	chainOpts.Registerer = n.registry
	for _, opt := range opts {
		opt(&chainOpts)
	}
	bc, err := chain.New(chain.Deps{
		DB:           n.db,
		Pool:         n.pool,
		ServiceNodes: n.sn,
		ONS:          n.names,
		Ledger:       n.ledger,
	}, chainOpts)
	if err != nil {
		n.closeStores()
		cancel()
		return nil, err
	}
	n.chain = bc

	if err := n.loadCheckpoints(ctx); err != nil {
		n.closeStores()
		cancel()
		return nil, err
	}

	bc.HookBlockPostAdd(n.onBlockAdded)
	bc.HookBlockchainDetached(n.onDetached)

	if err := bc.Init(); err != nil {
		n.closeStores()
		cancel()
		return nil, fmt.Errorf("failed to initialize blockchain: %w", err)
	}

	if addr, ok, _ := cfg.Miner(); ok {
		n.miner = NewMiner(n, MinerConfig{
			Address: addr,
			Threads: cfg.MiningThreads,
			Hasher:  chainOpts.Hasher,
		})
	}
	return n, nil
}

// loadCheckpoints fetches the checkpoint file if it is missing and adds
// its entries as hardcoded checkpoints.
func (n *Node) loadCheckpoints(ctx context.Context) error {
	path := n.cfg.CheckpointsFile
	if path == "" {
		path = checkpoints.Path(n.cfg.ChainDir())
	}
	if !n.cfg.Offline && n.cfg.DBBackend != "memory" {
		downloaded, err := checkpoints.EnsureFile(ctx, path, checkpoints.URL(n.cfg.CheckpointsURL))
		if err != nil {
			log.WithError(err).Warn("checkpoint file download failed, continuing without it")
		} else if downloaded {
			log.WithField("path", path).Info("downloaded checkpoint file")
		}
	}
	if _, err := n.chain.Checkpoints().LoadFile(path); err != nil {
		return fmt.Errorf("failed to load checkpoints: %w", err)
	}
	return nil
}

func (n *Node) closeStores() {
	if err := n.ledger.Close(); err != nil {
		log.WithError(err).Warn("failed to close batch ledger")
	}
	if err := n.db.Close(); err != nil {
		log.WithError(err).Warn("failed to close block store")
	}
	n.removeScratch()
}

func (n *Node) removeScratch() {
	if n.scratchDir == "" {
		return
	}
	if err := os.RemoveAll(n.scratchDir); err != nil {
		log.WithError(err).Warn("failed to remove scratch dir")
	}
}

// SubscribeBlocks returns a channel receiving every block attached to the
// main chain. Slow readers miss blocks rather than stall the chain.
func (n *Node) SubscribeBlocks() chan *cryptonote.Block {
	n.blockSubsMu.Lock()
	defer n.blockSubsMu.Unlock()

	ch := make(chan *cryptonote.Block, 10)
	n.blockSubs = append(n.blockSubs, ch)
	return ch
}

func (n *Node) notifyBlock(b *cryptonote.Block) {
	n.blockSubsMu.Lock()
	defer n.blockSubsMu.Unlock()

	for _, ch := range n.blockSubs {
		select {
		case ch <- b:
		default:
		}
	}
}

func (n *Node) onBlockAdded(info chain.BlockPostAddInfo) {
	if info.Reorg {
		log.WithField("height", info.Block.Height).Warn("switched to an alternative chain")
	}
	n.notifyBlock(info.Block)
	if n.miner != nil {
		n.miner.NotifyNewBlock()
	}
}

func (n *Node) onDetached(height uint64, byPop bool) {
	log.WithField("height", height).WithField("pop", byPop).Info("blockchain detached")
	if n.miner != nil {
		n.miner.NotifyNewBlock()
	}
}

// Start launches the background executor, the metrics server and, when
// configured, the built-in miner.
func (n *Node) Start() error {
	if n.started {
		return errors.New("node already started")
	}
	n.started = true
	n.startTime = time.Now()

	if n.cfg.MetricsListen != "" {
		n.metrics = &http.Server{
			Addr:              n.cfg.MetricsListen,
			Handler:           n.metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			log.WithField("addr", n.cfg.MetricsListen).Info("serving metrics")
			if err := n.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runMaintenance(n.ctx)
	}()

	if n.miner != nil {
		n.miner.Start(n.ctx)
	}
	return nil
}

func (n *Node) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	return mux
}

// runMaintenance is the background executor: pool expiry and periodic
// block store flushes.
func (n *Node) runMaintenance(ctx context.Context) {
	prune := time.NewTicker(n.cfg.PruneInterval)
	defer prune.Stop()
	flush := time.NewTicker(n.cfg.DBSyncInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-prune.C:
			if removed := n.pool.RemoveExpired(); removed > 0 {
				log.WithField("count", removed).Debug("removed expired pool transactions")
			}
		case <-flush.C:
			if err := n.db.Sync(); err != nil {
				log.WithError(err).Warn("failed to sync block store")
			}
		}
	}
}

// Close stops the background work, waits for it to finish and closes the
// stores. It is safe to call more than once.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.cancel()
		if n.miner != nil {
			n.miner.Stop()
		}
		if n.metrics != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if serr := n.metrics.Shutdown(shutdownCtx); serr != nil {
				log.WithError(serr).Warn("failed to stop metrics server")
			}
			cancel()
		}
		n.wg.Wait()

		err = n.chain.Deinit()
		if lerr := n.ledger.Close(); lerr != nil && err == nil {
			err = lerr
		}
		n.removeScratch()
	})
	return err
}

// SubmitBlock hands a block to the chain. A failed rollback after a
// rejected reorganization leaves the stores unusable and stops the node.
func (n *Node) SubmitBlock(b *cryptonote.Block) (chain.BlockVerificationContext, error) {
	start := time.Now()
	ctx, err := n.chain.AddNewBlock(b, nil)
	if errors.Is(err, chain.ErrRollbackFailed) {
		n.fatal(err)
	}
	if err != nil {
		return ctx, err
	}
	entry := log.WithField("height", b.Height).WithField("took", time.Since(start).Round(time.Millisecond))
	switch {
	case ctx.VerificationFailed:
		entry.WithField("reason", ctx.Reason).Info("block rejected")
	case ctx.MarkedAsOrphaned:
		entry.Debug("orphan block")
	case ctx.AddedToAltChain:
		entry.Debug("block added to an alternative chain")
	}
	return ctx, nil
}

// SubmitTx adds a relayed transaction blob to the pool.
func (n *Node) SubmitTx(blob []byte) (crypto.Hash, error) {
	tx, id, err := cryptonote.ParseTx(blob)
	if err != nil {
		return crypto.Hash{}, fmt.Errorf("invalid transaction: %w", err)
	}
	return id, n.pool.AddTx(tx, blob, mempool.StandardOptions())
}

// PopBlocks removes up to count blocks from the top of the chain.
func (n *Node) PopBlocks(count uint64) (uint64, error) {
	popped, err := n.chain.PopBlocks(count)
	if errors.Is(err, chain.ErrRollbackFailed) {
		n.fatal(err)
	}
	return popped, err
}

// BlockAt returns the main chain block at height.
func (n *Node) BlockAt(height uint64) (*cryptonote.Block, error) {
	return n.db.BlockFromHeight(height)
}

// NodeStats is a snapshot of the node's state.
type NodeStats struct {
	Network              params.NetType
	Height               uint64
	TopHash              crypto.Hash
	CumulativeDifficulty uint64
	GeneratedCoins       uint64
	WeightLimit          uint64
	Pool                 mempool.Stats
	ServiceNodes         int
	Mining               bool
	Uptime               time.Duration
}

// Stats reports the current chain tip and pool.
func (n *Node) Stats() (NodeStats, error) {
	top, hash, err := n.chain.Tail()
	if err != nil {
		return NodeStats{}, err
	}
	info, err := n.db.BlockInfo(top)
	if err != nil {
		return NodeStats{}, err
	}
	s := NodeStats{
		Network:              n.net,
		Height:               top + 1,
		TopHash:              hash,
		CumulativeDifficulty: info.CumulativeDifficulty,
		GeneratedCoins:       info.GeneratedCoins,
		WeightLimit:          n.chain.BlockWeightLimit(),
		Pool:                 n.pool.Stats(),
		ServiceNodes:         len(n.sn.Nodes()),
		Mining:               n.miner != nil && n.miner.IsRunning(),
	}
	if n.started {
		s.Uptime = time.Since(n.startTime)
	}
	return s, nil
}

func (n *Node) Chain() *chain.Blockchain { return n.chain }
func (n *Node) Mempool() *mempool.Pool   { return n.pool }
func (n *Node) Ledger() *batchdb.DB      { return n.ledger }
func (n *Node) Miner() *Miner            { return n.miner }
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}
