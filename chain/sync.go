package chain

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/pow"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

// maxSupplementBlocks bounds the hashes FindBlockchainSupplement returns.
const maxSupplementBlocks = 10000

// ShortChainHistory lists main chain block hashes from the tip backwards:
// the ten newest, then with doubling gaps, always ending with genesis.
func (bc *Blockchain) ShortChainHistory() ([]crypto.Hash, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	height, err := bc.db.Height()
	if err != nil || height == 0 {
		return nil, err
	}
	var (
		out  []crypto.Hash
		step uint64 = 1
		i    uint64
	)
	current := height - 1
	for {
		h, err := bc.db.BlockHashFromHeight(current)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
		if current == 0 {
			return out, nil
		}
		i++
		if i >= 10 {
			step *= 2
		}
		if current < step {
			current = 0
		} else {
			current -= step
		}
	}
}

// FindBlockchainSupplement finds the newest of ids, a peer's short chain
// history, on the main chain and lists up to maxCount main chain hashes
// from there. It returns the height of the first listed hash and the
// current chain height.
func (bc *Blockchain) FindBlockchainSupplement(ids []crypto.Hash, maxCount int) (start, total uint64, hashes []crypto.Hash, err error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	if len(ids) == 0 {
		return 0, 0, nil, errors.New("empty chain history")
	}
	genesis, err := bc.db.BlockHashFromHeight(0)
	if err != nil {
		return 0, 0, nil, err
	}
	if ids[len(ids)-1] != genesis {
		return 0, 0, nil, fmt.Errorf("chain history ends with %s, not our genesis %s", ids[len(ids)-1], genesis)
	}

	for _, id := range ids {
		h, err := bc.db.BlockHeight(id)
		if err == nil {
			start = h
			break
		}
	}
	if total, err = bc.db.Height(); err != nil {
		return 0, 0, nil, err
	}
	if maxCount <= 0 || maxCount > maxSupplementBlocks {
		maxCount = maxSupplementBlocks
	}
	end := min(total, start+uint64(maxCount))
	hashes = make([]crypto.Hash, 0, end-start)
	for h := start; h < end; h++ {
		hash, err := bc.db.BlockHashFromHeight(h)
		if err != nil {
			return 0, 0, nil, err
		}
		hashes = append(hashes, hash)
	}
	return start, total, hashes, nil
}

// BlockBlobs returns the main chain block blobs from start, at most count
// of them and no more than FindBlockchainSupplementMaxSize bytes. The
// first blob is always returned.
func (bc *Blockchain) BlockBlobs(start uint64, count int) ([][]byte, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	height, err := bc.db.Height()
	if err != nil {
		return nil, err
	}
	var (
		out  [][]byte
		size int
	)
	for h := start; h < height && len(out) < count; h++ {
		blob, err := bc.db.BlockBlobFromHeight(h)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 && size+len(blob) > params.FindBlockchainSupplementMaxSize {
			break
		}
		size += len(blob)
		out = append(out, blob)
	}
	return out, nil
}

// HashesOfHashes hashes each complete group of HashOfHashesStep main chain
// block hashes, starting at genesis. Syncing nodes use them to download
// whole groups before verifying them.
func (bc *Blockchain) HashesOfHashes() ([]crypto.Hash, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	height, err := bc.db.Height()
	if err != nil {
		return nil, err
	}
	groups := height / params.HashOfHashesStep
	out := make([]crypto.Hash, 0, groups)
	buf := make([]byte, 0, params.HashOfHashesStep*len(crypto.Hash{}))
	for g := uint64(0); g < groups; g++ {
		buf = buf[:0]
		for h := g * params.HashOfHashesStep; h < (g+1)*params.HashOfHashesStep; h++ {
			hash, err := bc.db.BlockHashFromHeight(h)
			if err != nil {
				return nil, err
			}
			buf = append(buf, hash[:]...)
		}
		out = append(out, crypto.Keccak256(buf))
	}
	return out, nil
}

// PreparedBlock is an incoming block parsed and hashed ahead of
// AddNewBlock.
type PreparedBlock struct {
	Block *cryptonote.Block
	Hash  crypto.Hash
}

// PrepareIncomingBlocks parses blobs and hashes them on up to
// PrepareThreads workers. Mined blocks whose RandomX seed is already on the
// main chain also get their proof of work hash computed and cached for
// AddNewBlock. Cancelling ctx stops the workers.
func (bc *Blockchain) PrepareIncomingBlocks(ctx context.Context, blobs [][]byte) ([]PreparedBlock, error) {
	out := make([]PreparedBlock, len(blobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bc.opts.PrepareThreads)

	for i, blob := range blobs {
		i, blob := i, blob
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := cryptonote.DeserializeBlock(blob)
			if err != nil {
				return invalid(ReasonParseFailed, "block %d of %d: %v", i, len(blobs), err)
			}
			hash, err := b.Hash()
			if err != nil {
				return invalid(ReasonParseFailed, "block %d of %d: %v", i, len(blobs), err)
			}
			out[i] = PreparedBlock{Block: b, Hash: hash}
			return bc.precomputePoW(b, hash)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// precomputePoW fills the proof of work cache for a mined block building
// on a known main chain block.
func (bc *Blockchain) precomputePoW(b *cryptonote.Block, hash crypto.Hash) error {
	if b.HasPulseComponents() || bc.IsInvalid(hash) {
		return nil
	}
	height, ok := b.MinerTxHeight()
	if !ok {
		return nil
	}
	rx := pow.RxContext{CurrentHeight: height, SeedHeight: pow.SeedHeight(height)}
	if pow.VariantFor(bc.opts.Net, params.HF(b.MajorVersion)) == pow.RandomX {
		bc.mu.RLock()
		top, err := bc.db.Height()
		if err == nil && rx.SeedHeight < top {
			rx.SeedHash, err = bc.db.BlockHashFromHeight(rx.SeedHeight)
		} else if err == nil {
			err = errSeedUnknown
		}
		bc.mu.RUnlock()
		if errors.Is(err, errSeedUnknown) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	powHash, err := pow.LongHash(bc.opts.Hasher, bc.opts.Net, b, rx)
	if err != nil {
		return nil
	}
	bc.powCache.Add(powKey{block: hash, seed: rx.SeedHash}, powHash)
	return nil
}

var errSeedUnknown = errors.New("seed block not on the main chain yet")
