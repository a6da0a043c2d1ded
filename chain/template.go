package chain

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/mempool"
	"github.com/x-vinnci/saferun-core-sub001/pow"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
	"github.com/x-vinnci/saferun-core-sub001/reward"
)

// BlockTemplate is a block ready for mining.
type BlockTemplate struct {
	Block      *cryptonote.Block
	Height     uint64
	Difficulty uint64
	// ExpectedReward is what the miner tx pays out, or credits to the
	// ledger from HF19.
	ExpectedReward uint64
	SeedHeight     uint64
	SeedHash       crypto.Hash
}

// CreateBlockTemplate builds the next main chain block paying miner, with
// reserveSize zero bytes in the miner tx extra nonce for the miner to use.
func (bc *Blockchain) CreateBlockTemplate(miner cryptonote.Address, reserveSize int) (*BlockTemplate, error) {
	var tmpl *BlockTemplate
	err := bc.pool.WithLock(lockedValidator{bc}, func(l *mempool.Locked) error {
		bc.mu.RLock()
		defer bc.mu.RUnlock()
		var err error
		tmpl, err = bc.createTemplateLocked(l, miner, reserveSize)
		return err
	})
	return tmpl, err
}

func (bc *Blockchain) createTemplateLocked(l *mempool.Locked, miner cryptonote.Address, reserveSize int) (*BlockTemplate, error) {
	v, err := bc.mainView()
	if err != nil {
		return nil, err
	}
	height := v.top()
	if height == 0 {
		return nil, ErrNoGenesis
	}
	prev, err := bc.db.BlockInfo(height - 1)
	if err != nil {
		return nil, err
	}
	version := bc.version(height)

	b := &cryptonote.Block{
		BlockHeader: cryptonote.BlockHeader{
			MajorVersion: uint8(version),
			MinorVersion: params.IdealMinorVersion(bc.opts.Net, height),
			Timestamp:    bc.now(),
			PrevID:       prev.Hash,
		},
		Height: height,
	}
	ts, _, err := v.window(height, params.BlockchainTimestampCheckWindow)
	if err != nil {
		return nil, err
	}
	if len(ts) >= params.BlockchainTimestampCheckWindow {
		b.Timestamp = max(b.Timestamp, median(ts))
	}

	selected, err := l.FillBlockTemplate(mempool.TemplateRequest{
		MedianWeight:          bc.weights.median,
		AlreadyGeneratedCoins: prev.GeneratedCoins,
		Version:               version,
		Height:                height,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fill block template: %w", err)
	}
	b.TxHashes = selected.TxIDs

	leader := reward.NullLeader
	if version >= params.HF9ServiceNodes {
		leader = bc.sn.BlockLeader()
	}
	governance, err := bc.batchedGovernanceLocked(version, height)
	if err != nil {
		return nil, err
	}
	var batch []reward.Payment
	if version >= params.HF19RewardBatching {
		if batch, err = bc.ledger.GetSNPayments(height); err != nil {
			return nil, err
		}
	}

	req := reward.MinerTxRequest{
		Height:           height,
		MedianWeight:     bc.weights.median,
		AlreadyGenerated: prev.GeneratedCoins,
		Fee:              selected.TotalFee,
		Version:          version,
		ExtraNonce:       make([]byte, reserveSize),
		BatchPayments:    batch,
	}
	ctx := reward.MinerTxContext{
		Net:               bc.opts.Net,
		Leader:            leader,
		Producer:          leader,
		Miner:             miner,
		BatchedGovernance: governance,
	}

	// Rebuild until the miner tx was built for its own weight.
	var mtx *reward.MinerTx
	req.BlockWeight = selected.TotalWeight + params.CoinbaseBlobReservedSize
	for try := 0; try < 4; try++ {
		if mtx, err = reward.ConstructMinerTx(req, ctx); err != nil {
			return nil, err
		}
		_, blob, err := mtx.Tx.HashAndBlob()
		if err != nil {
			return nil, err
		}
		weight := selected.TotalWeight + cryptonote.TxWeight(mtx.Tx, uint64(len(blob)))
		if weight == req.BlockWeight {
			break
		}
		req.BlockWeight = weight
	}
	b.MinerTx = *mtx.Tx
	if version >= params.HF19RewardBatching {
		b.ServiceNodeWinnerKey = leader.Key
		b.Reward = mtx.BlockReward
	}

	difficulty, err := bc.difficultyFor(v, height)
	if err != nil {
		return nil, err
	}
	tmpl := &BlockTemplate{
		Block:          b,
		Height:         height,
		Difficulty:     difficulty,
		ExpectedReward: mtx.Parts.BaseMiner + mtx.Parts.MinerFee,
		SeedHeight:     pow.SeedHeight(height),
	}
	if version >= params.HF19RewardBatching {
		tmpl.ExpectedReward = mtx.BlockReward
	}
	if seed, err := v.info(tmpl.SeedHeight); err == nil {
		tmpl.SeedHash = seed.Hash
	}
	log.WithFields(logrus.Fields{
		"height":     height,
		"txs":        len(b.TxHashes),
		"weight":     req.BlockWeight,
		"difficulty": difficulty,
	}).Debug("created block template")
	return tmpl, nil
}
