package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/x-vinnci/saferun-core-sub001/chain"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/pow"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

// MinerConfig holds mining configuration
type MinerConfig struct {
	// Address receives the block rewards.
	Address cryptonote.Address
	// Threads is the number of mining threads (0 = 1)
	Threads int
	// Hasher must be the one the chain verifies blocks with.
	Hasher pow.Hasher
}

// MinerStats holds mining statistics
type MinerStats struct {
	HashCount    uint64
	BlocksFound  uint64
	StartTime    time.Time
	LastHashTime time.Time
}

// templateSource is the part of the chain the miner builds on.
type templateSource interface {
	CreateBlockTemplate(miner cryptonote.Address, reserveSize int) (*chain.BlockTemplate, error)
	Net() params.NetType
}

// Miner solves proof of work for block templates on the local chain.
type Miner struct {
	config MinerConfig
	chain  templateSource
	submit func(*cryptonote.Block) (chain.BlockVerificationContext, error)

	hashCount   atomic.Uint64
	blocksFound atomic.Uint64
	statsMu     sync.Mutex
	startTime   time.Time
	lastFound   time.Time

	threads  atomic.Int32
	running  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	newBlock chan struct{} // signals miner to restart on new chain tip
}

// NewMiner creates a miner submitting its blocks to n.
func NewMiner(n *Node, config MinerConfig) *Miner {
	if config.Hasher == nil {
		config.Hasher = pow.DefaultArgon2Hasher()
	}
	m := &Miner{
		config:   config,
		chain:    n.chain,
		submit:   n.SubmitBlock,
		newBlock: make(chan struct{}, 1),
	}
	m.SetThreads(config.Threads)
	return m
}

// NotifyNewBlock tells the miner the tip changed so it should abandon the
// current solve and rebuild against the new tip.
func (m *Miner) NotifyNewBlock() {
	select {
	case m.newBlock <- struct{}{}:
	default: // already signalled
	}
}

var (
	// errNewBlock is returned by MineBlock when the tip moved under the
	// current template.
	errNewBlock = errors.New("new block received, restarting")
	// errNonceSpace is returned when every nonce failed; the next template
	// gets a fresh timestamp.
	errNonceSpace = errors.New("nonce space exhausted")
)

// MineBlock builds a template on the current tip and searches for a nonce
// meeting its difficulty. The solved block is returned unsubmitted.
func (m *Miner) MineBlock(ctx context.Context) (*cryptonote.Block, error) {
	tmpl, err := m.chain.CreateBlockTemplate(m.config.Address, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create block template: %w", err)
	}
	rx := pow.RxContext{
		CurrentHeight: tmpl.Height,
		SeedHeight:    tmpl.SeedHeight,
		SeedHash:      tmpl.SeedHash,
	}
	net := m.chain.Net()
	numThreads := m.Threads()

	resultChan := make(chan uint32, 1)
	mineCtx, cancel := context.WithCancel(ctx)
	var (
		wg        sync.WaitGroup
		exhausted atomic.Int32
	)
	allExhausted := make(chan struct{})

	for t := 0; t < numThreads; t++ {
		wg.Add(1)
		go func(threadID int) {
			defer wg.Done()
			local := *tmpl.Block
			step := uint64(numThreads)

			for nonce := uint64(threadID); nonce <= math.MaxUint32; nonce += step {
				select {
				case <-mineCtx.Done():
					return
				default:
				}

				// Keep other goroutines responsive
				if nonce%(step*16) == uint64(threadID) {
					runtime.Gosched()
				}

				local.Nonce = uint32(nonce)
				hash, err := pow.LongHash(m.config.Hasher, net, &local, rx)
				if err != nil {
					continue
				}
				m.hashCount.Add(1)

				if pow.CheckHash(hash, tmpl.Difficulty) {
					select {
					case resultChan <- uint32(nonce):
					default:
					}
					return
				}
			}
			if int(exhausted.Add(1)) == numThreads {
				close(allExhausted)
			}
		}(t)
	}

	stopWorkers := func() {
		cancel()
		wg.Wait()
	}

	select {
	case <-ctx.Done():
		stopWorkers()
		return nil, ctx.Err()
	case <-m.newBlock:
		stopWorkers()
		return nil, errNewBlock
	case <-allExhausted:
		stopWorkers()
		return nil, errNonceSpace
	case nonce := <-resultChan:
		stopWorkers()
		block := *tmpl.Block
		block.Nonce = nonce
		return &block, nil
	}
}

// Start begins mining in a background goroutine. Found blocks are
// submitted to the chain.
func (m *Miner) Start(ctx context.Context) {
	if m.running.Swap(true) {
		return
	}

	m.hashCount.Store(0)
	m.blocksFound.Store(0)
	m.statsMu.Lock()
	m.startTime = time.Now()
	m.lastFound = time.Time{}
	m.statsMu.Unlock()

	mineCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	log.WithField("threads", m.Threads()).Info("miner started")

	go func() {
		defer close(m.done)
		defer m.running.Store(false)
		defer cancel()

		for {
			select {
			case <-mineCtx.Done():
				return
			default:
			}

			// Drain any pending new-block signal before building
			select {
			case <-m.newBlock:
			default:
			}

			block, err := m.MineBlock(mineCtx)
			if err != nil {
				if mineCtx.Err() != nil {
					return
				}
				if errors.Is(err, errNewBlock) || errors.Is(err, errNonceSpace) {
					continue
				}
				log.WithError(err).Warn("mining error")
				select {
				case <-mineCtx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			vctx, err := m.submit(block)
			if err != nil {
				log.WithError(err).Error("failed to submit mined block")
				continue
			}
			if !vctx.AddedToMainChain {
				log.WithField("reason", vctx.Reason).Warn("mined block was not added to the main chain")
				continue
			}
			m.blocksFound.Add(1)
			m.statsMu.Lock()
			m.lastFound = time.Now()
			m.statsMu.Unlock()
			log.WithField("height", block.Height).Info("mined block")
		}
	}()
}

// Stop stops the miner and waits for it to exit.
func (m *Miner) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	if m.done != nil {
		<-m.done
	}
}

// IsRunning returns true if miner is running
func (m *Miner) IsRunning() bool {
	return m.running.Load()
}

// SetThreads updates the number of mining threads. A running miner
// restarts its current attempt with the new count.
func (m *Miner) SetThreads(n int) {
	if n < 1 {
		n = 1
	}
	prev := int(m.threads.Swap(int32(n)))
	if prev != n && m.IsRunning() {
		m.NotifyNewBlock()
	}
}

// Threads returns the current thread count
func (m *Miner) Threads() int {
	n := int(m.threads.Load())
	if n < 1 {
		return 1
	}
	return n
}

// Stats returns current mining statistics
func (m *Miner) Stats() MinerStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return MinerStats{
		HashCount:    m.hashCount.Load(),
		BlocksFound:  m.blocksFound.Load(),
		StartTime:    m.startTime,
		LastHashTime: m.lastFound,
	}
}

// HashRate returns the current hash rate (hashes per second)
func (m *Miner) HashRate() float64 {
	stats := m.Stats()
	elapsed := time.Since(stats.StartTime).Seconds()
	if elapsed < 1 {
		return 0
	}
	return float64(stats.HashCount) / elapsed
}
