package reward

import (
	"errors"
	"fmt"

	"github.com/x-vinnci/saferun-core-sub001/arith"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

// Payout is one recipient of a service node's reward, weighted in
// StakingPortions.
type Payout struct {
	Address  cryptonote.Address
	Portions uint64
}

// Leader is the service node a block's reward is credited to, with its
// payout split.
type Leader struct {
	Key     crypto.PublicKey
	Payouts []Payout
}

// NullLeader is used when no service node is eligible. The whole service
// node share goes to the null address.
var NullLeader = Leader{Payouts: []Payout{{Portions: params.StakingPortions}}}

// Payment is an amount owed to an address. In the batch ledger amounts are
// scaled by params.BatchRewardFactor.
type Payment struct {
	Address cryptonote.Address
	Amount  uint64
}

// PortionOfReward is floor(total·portions / StakingPortions).
func PortionOfReward(portions, total uint64) uint64 {
	return arith.MustMulDiv(total, portions, params.StakingPortions)
}

// DistributeRewardByPortions splits total by each payout's portions. With
// distributeRemainder the rounding dust goes to the first payout.
func DistributeRewardByPortions(payouts []Payout, total uint64, distributeRemainder bool) []uint64 {
	out := make([]uint64, len(payouts))
	var paid uint64
	for i, p := range payouts {
		out[i] = PortionOfReward(p.Portions, total)
		paid += out[i]
	}
	if distributeRemainder && len(out) > 0 {
		out[0] += total - paid
	}
	return out
}

// SumOfPortions is what DistributeRewardByPortions pays out without the
// remainder.
func SumOfPortions(payouts []Payout, total uint64) uint64 {
	var sum uint64
	for _, p := range payouts {
		sum += PortionOfReward(p.Portions, total)
	}
	return sum
}

// CalculateContributorRewards splits amount between contributors in
// proportion to their stake. The remainder left by flooring goes to the
// first contributor, so the result always sums to amount.
func CalculateContributorRewards(amount uint64, contributors []Payment) ([]Payment, error) {
	var staked uint64
	for _, c := range contributors {
		if arith.AddOverflows(staked, c.Amount) {
			return nil, errors.New("contributor stakes overflow")
		}
		staked += c.Amount
	}
	if len(contributors) == 0 || staked == 0 {
		return nil, errors.New("no stake to distribute over")
	}

	out := make([]Payment, len(contributors))
	var paid uint64
	for i, c := range contributors {
		share, err := arith.MulDiv(c.Amount, amount, staked)
		if err != nil {
			return nil, err
		}
		out[i] = Payment{Address: c.Address, Amount: share}
		paid += share
	}
	out[0].Amount += amount - paid
	return out, nil
}

// DeterministicOutputKey derives the one-time key paying addr at index from
// the tx secret sec.
func DeterministicOutputKey(addr cryptonote.Address, sec crypto.SecretKey, index uint64) (crypto.PublicKey, error) {
	d, err := crypto.GenerateKeyDerivation(addr.View, sec)
	if err != nil {
		return crypto.PublicKey{}, fmt.Errorf("key derivation: %w", err)
	}
	return crypto.DerivePublicKey(d, index, addr.Spend)
}

// GovernanceAddress decodes the governance wallet in force at version.
func GovernanceAddress(net params.NetType, version params.HF) (cryptonote.Address, error) {
	return cryptonote.DecodeAddress(net, params.Config(net).GovernanceWallet(version))
}

// ValidateGovernanceKey reports whether key is the governance output key
// for the miner tx at height.
func ValidateGovernanceKey(net params.NetType, version params.HF, height uint64, index int, key crypto.PublicKey) bool {
	addr, err := GovernanceAddress(net, version)
	if err != nil {
		log.WithError(err).Error("governance wallet address does not decode")
		return false
	}
	_, sec := crypto.DeterministicKeypairFromHeight(height)
	want, err := DeterministicOutputKey(addr, sec, uint64(index))
	if err != nil {
		return false
	}
	return want == key
}

// DeriveGovernanceFromBlockReward recovers the governance share of a
// historical block from its service node outputs. Before hf15 the service
// nodes got half of the base reward, so the base can be rebuilt from them.
func DeriveGovernanceFromBlockReward(net params.NetType, b *cryptonote.Block, version params.HF) (uint64, error) {
	if version >= params.HF15ONS {
		return GovernanceRewardFormula(version, 0), nil
	}

	end := len(b.MinerTx.Vout)
	if HeightHasGovernanceOutput(net, params.HF(b.MajorVersion), b.Height) {
		end--
	}
	var snode uint64
	for i := 1; i < end; i++ {
		snode += b.MinerTx.Vout[i].Amount
	}

	base := snode * 2
	governance := GovernanceRewardFormula(version, base)
	actual, ok := b.MinerTx.OutputsSum()
	if !ok || base-governance > actual {
		return 0, fmt.Errorf("derived reward %d exceeds the %d paid at height %d", base-governance, actual, b.Height)
	}
	return governance, nil
}
