package reward

import (
	"errors"
	"fmt"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

// ErrMinerTx is wrapped by every miner tx construction or validation
// failure.
var ErrMinerTx = errors.New("invalid miner transaction")

// maxRewardOutputs bounds the outputs of a pre-batching miner tx: a miner,
// a pulse producer's and a leader's four contributors, and governance.
const maxRewardOutputs = 9

// MinerTxContext identifies who produced a block and who it pays.
type MinerTxContext struct {
	Net   params.NetType
	Pulse bool
	// Leader is the service node at the head of the payment queue.
	Leader Leader
	// Producer is the pulse block producer, which differs from Leader on
	// alternative rounds. Unused for mined blocks.
	Producer Leader
	// Miner receives the miner share of mined blocks.
	Miner             cryptonote.Address
	BatchedGovernance uint64
}

// MinerTxRequest holds the block level inputs of a miner tx.
type MinerTxRequest struct {
	Height           uint64
	MedianWeight     uint64
	AlreadyGenerated uint64
	BlockWeight      uint64
	Fee              uint64
	Version          params.HF
	ExtraNonce       []byte
	// BatchPayments are the ledger balances due at Height, in ledger
	// units. Only used from hf19.
	BatchPayments []Payment
}

// MinerTx is a constructed coinbase transaction.
type MinerTx struct {
	Tx    *cryptonote.Transaction
	Parts Parts
	// BlockReward is the block.reward field: the atomic amount credited to
	// the batch ledger by this block. Zero before hf19.
	BlockReward uint64
}

type outputKind uint8

const (
	outputMiner outputKind = iota
	outputServiceNode
	outputGovernance
)

type plannedOutput struct {
	kind    outputKind
	address cryptonote.Address
	amount  uint64
}

// planOutputs lists the outputs a pre-batching miner tx pays, in order.
func planOutputs(version params.HF, alreadyGenerated uint64, parts Parts, ctx *MinerTxContext) ([]plannedOutput, error) {
	var out []plannedOutput
	addSplit := func(payouts []Payout, total uint64, remainder bool) {
		split := DistributeRewardByPortions(payouts, total, remainder)
		for i, p := range payouts {
			if split[i] > 0 {
				out = append(out, plannedOutput{outputServiceNode, p.Address, split[i]})
			}
		}
	}

	if version >= params.HF9ServiceNodes && len(ctx.Leader.Payouts) == 0 {
		return nil, fmt.Errorf("%w: block leader has no payouts", ErrMinerTx)
	}

	if ctx.Pulse {
		if version < params.HF16Pulse {
			return nil, fmt.Errorf("%w: pulse block before %s", ErrMinerTx, params.HF16Pulse)
		}
		if len(ctx.Producer.Payouts) == 0 || ctx.Producer.Key.IsZero() {
			return nil, fmt.Errorf("%w: pulse block without a producer", ErrMinerTx)
		}
		leaderReward := parts.ServiceNodeTotal
		if ctx.Leader.Key == ctx.Producer.Key {
			leaderReward += parts.MinerFee
		} else if parts.MinerFee > 0 {
			addSplit(ctx.Producer.Payouts, parts.MinerFee, true)
		}
		addSplit(ctx.Leader.Payouts, leaderReward, true)
	} else {
		if amount := parts.BaseMiner + parts.MinerFee; amount > 0 {
			out = append(out, plannedOutput{kind: outputMiner, address: ctx.Miner, amount: amount})
		}
		if version >= params.HF9ServiceNodes {
			addSplit(ctx.Leader.Payouts, parts.ServiceNodeTotal, version >= params.HF16Pulse)
		}
	}

	if alreadyGenerated != 0 {
		if parts.GovernancePaid == 0 {
			if version < params.HF10Bulletproofs {
				return nil, fmt.Errorf("%w: governance reward is zero before %s", ErrMinerTx, params.HF10Bulletproofs)
			}
		} else {
			gov, err := GovernanceAddress(ctx.Net, version)
			if err != nil {
				return nil, err
			}
			out = append(out, plannedOutput{outputGovernance, gov, parts.GovernancePaid})
		}
	}

	if len(out) == 0 || len(out) > maxRewardOutputs {
		return nil, fmt.Errorf("%w: %d reward outputs", ErrMinerTx, len(out))
	}
	return out, nil
}

// batchedReward is the amount a hf19+ block credits to the ledger.
func batchedReward(parts Parts) uint64 {
	return parts.BaseMiner + parts.MinerFee + parts.ServiceNodeTotal
}

// ConstructMinerTx builds the coinbase transaction for a block at
// req.Height.
func ConstructMinerTx(req MinerTxRequest, ctx MinerTxContext) (*MinerTx, error) {
	txPub, txSec, err := crypto.GenerateKeys()
	if err != nil {
		return nil, err
	}
	govPub, govSec := crypto.DeterministicKeypairFromHeight(req.Height)

	tx := &cryptonote.Transaction{
		Version: params.MaxTxVersion(req.Version),
		Type:    params.TxTypeStandard,
	}
	if tx.Version >= params.TxVersion3PerOutputUnlockTimes {
		tx.OutputUnlockTimes = []uint64{}
	}

	fields := []cryptonote.ExtraField{cryptonote.ExtraPubKey{Key: txPub}}
	if len(req.ExtraNonce) > 0 {
		if len(req.ExtraNonce) > 255 {
			return nil, fmt.Errorf("%w: extra nonce of %d bytes", ErrMinerTx, len(req.ExtraNonce))
		}
		fields = append(fields, cryptonote.ExtraNonce{Nonce: req.ExtraNonce})
	}
	if req.AlreadyGenerated != 0 {
		fields = append(fields, cryptonote.ExtraPubKey{Key: govPub})
	}
	fields = append(fields, cryptonote.ExtraServiceNodeWinner{Key: ctx.Leader.Key})
	tx.Extra = cryptonote.AppendExtra(nil, fields...)

	parts, err := BlockReward(req.MedianWeight, req.BlockWeight, req.AlreadyGenerated, req.Version, Context{
		Fee:               req.Fee,
		Height:            req.Height,
		LeaderPayouts:     ctx.Leader.Payouts,
		BatchedGovernance: ctx.BatchedGovernance,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to calculate block reward: %w", err)
	}

	var planned []plannedOutput
	result := &MinerTx{Tx: tx, Parts: parts}
	if req.Version >= params.HF19RewardBatching {
		for _, p := range req.BatchPayments {
			planned = append(planned, plannedOutput{outputServiceNode, p.Address, p.Amount / params.BatchRewardFactor})
		}
		result.BlockReward = batchedReward(parts)
	} else {
		planned, err = planOutputs(req.Version, req.AlreadyGenerated, parts, &ctx)
		if err != nil {
			return nil, err
		}
	}

	for i, p := range planned {
		sec := govSec
		if p.kind == outputMiner {
			sec = txSec
		}
		key, err := DeterministicOutputKey(p.address, sec, uint64(i))
		if err != nil {
			return nil, fmt.Errorf("failed to derive output %d key: %w", i, err)
		}
		tx.Vout = append(tx.Vout, cryptonote.TxOut{Amount: p.amount, Key: key})
		if tx.Version >= params.TxVersion3PerOutputUnlockTimes {
			tx.OutputUnlockTimes = append(tx.OutputUnlockTimes, req.Height+params.MinedMoneyUnlockWindow)
		}
	}

	tx.UnlockTime = req.Height + params.MinedMoneyUnlockWindow
	tx.Vin = []cryptonote.TxInput{&cryptonote.TxInGen{Height: req.Height}}
	return result, nil
}

// ValidateMinerTxOutputs checks the outputs of a pre-batching miner tx
// against the reward split: service node and governance outputs must pay
// exactly their share to the deterministic key, the miner output may claim
// less than it is owed.
func ValidateMinerTxOutputs(height, alreadyGenerated uint64, version params.HF, tx *cryptonote.Transaction, parts Parts, ctx MinerTxContext) error {
	if version >= params.HF19RewardBatching {
		return nil
	}
	planned, err := planOutputs(version, alreadyGenerated, parts, &ctx)
	if err != nil {
		return err
	}
	if len(tx.Vout) != len(planned) {
		return fmt.Errorf("%w: %d outputs, expected %d", ErrMinerTx, len(tx.Vout), len(planned))
	}

	_, govSec := crypto.DeterministicKeypairFromHeight(height)
	for i, p := range planned {
		out := tx.Vout[i]
		if p.kind == outputMiner {
			if out.Amount > p.amount {
				return fmt.Errorf("%w: miner output pays %d, allowed %d", ErrMinerTx, out.Amount, p.amount)
			}
			continue
		}
		if out.Amount != p.amount {
			return fmt.Errorf("%w: output %d pays %d, expected %d", ErrMinerTx, i, out.Amount, p.amount)
		}
		key, err := DeterministicOutputKey(p.address, govSec, uint64(i))
		if err != nil {
			return err
		}
		if key != out.Key {
			if p.kind == outputGovernance {
				return fmt.Errorf("%w: governance output key mismatch", ErrMinerTx)
			}
			return fmt.Errorf("%w: output %d key mismatch", ErrMinerTx, i)
		}
	}
	return nil
}

// MaxMoneyInUse is the most a miner tx may pay out: the base reward plus
// fees plus governance, with one atomic unit of rounding tolerance. From
// hf19 the base is the batch payments due instead.
func MaxMoneyInUse(version params.HF, parts Parts, batchPayments []Payment) uint64 {
	limit := parts.GovernancePaid + 1
	if version >= params.HF19RewardBatching {
		for _, p := range batchPayments {
			limit += p.Amount / params.BatchRewardFactor
		}
	} else {
		limit += parts.BaseMiner + parts.ServiceNodeTotal
	}
	return limit + parts.MinerFee
}

// MaxBlockReward bounds the block.reward field of a hf19+ block.
func MaxBlockReward(parts Parts) uint64 {
	return batchedReward(parts)
}
