// Package servicenodes defines the service node list the chain consults
// while validating blocks and transactions, and an in-memory Registry that
// implements it.
package servicenodes

import (
	"errors"
	"fmt"

	"github.com/x-vinnci/saferun-core-sub001/checkpoints"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/logging"
	"github.com/x-vinnci/saferun-core-sub001/reward"
)

var log = logging.Category("service_nodes")

var (
	ErrNoHistory       = errors.New("no service node state for height")
	ErrUnknownNode     = errors.New("unknown service node")
	ErrNoQuorum        = errors.New("no quorum for height")
	ErrBadPulse        = errors.New("invalid pulse signatures")
	ErrBadCheckpoint   = errors.New("invalid checkpoint signatures")
	ErrBadStateChange  = errors.New("invalid state change")
	ErrInvalidTransfer = errors.New("state transition not allowed")
	ErrHeightMismatch  = errors.New("block does not extend the service node state")
)

// QuorumType selects one of the per-height quorums.
type QuorumType uint8

const (
	QuorumObligations QuorumType = iota
	QuorumCheckpointing
	QuorumBlink
	QuorumPulse
)

func (q QuorumType) String() string {
	switch q {
	case QuorumObligations:
		return "obligations"
	case QuorumCheckpointing:
		return "checkpointing"
	case QuorumBlink:
		return "blink"
	case QuorumPulse:
		return "pulse"
	default:
		return fmt.Sprintf("quorum(%d)", uint8(q))
	}
}

// Quorum is a deterministic selection of service nodes. Validators vote;
// workers are the nodes being judged, or the block producer for pulse.
type Quorum struct {
	Validators []crypto.PublicKey
	Workers    []crypto.PublicKey
}

// Contribution is one locked stake output.
type Contribution struct {
	KeyImage crypto.KeyImage
	// KeyImagePubKey is the staked output's one-time key. Unlock requests
	// are signed with it.
	KeyImagePubKey crypto.PublicKey
	Amount         uint64
}

// Contributor is a wallet staking into a node.
type Contributor struct {
	Address cryptonote.Address
	Amount  uint64
	Locked  []Contribution
}

// NodeState is whether a node is currently earning rewards.
type NodeState uint8

const (
	StateActive NodeState = iota
	StateDecommissioned
)

// Info is a registered service node.
type Info struct {
	Key                   crypto.PublicKey
	RegistrationHeight    uint64
	Operator              cryptonote.Address
	Contributors          []Contributor
	State                 NodeState
	LastRewardHeight      uint64
	LastStateChangeHeight uint64
	// RequestedUnlockHeight is non-zero once a contributor asked for the
	// stake back; the node leaves the list at that height.
	RequestedUnlockHeight uint64
	DecommissionCount     uint32
}

// TotalStake is the sum of all contributions.
func (i *Info) TotalStake() uint64 {
	var sum uint64
	for _, c := range i.Contributors {
		sum += c.Amount
	}
	return sum
}

func (i *Info) clone() *Info {
	out := *i
	out.Contributors = make([]Contributor, len(i.Contributors))
	for j, c := range i.Contributors {
		c.Locked = append([]Contribution(nil), c.Locked...)
		out.Contributors[j] = c
	}
	return &out
}

// BlacklistedKeyImage is the stake of a deregistered node, unspendable
// until UnlockHeight.
type BlacklistedKeyImage struct {
	KeyImage     crypto.KeyImage
	UnlockHeight uint64
}

// Proof is the latest uptime proof a node sent.
type Proof struct {
	Timestamp uint64
	Version   [3]uint16
	PublicIP  string
}

// List is what the chain needs from the service node list. Every mutating
// call happens inside the chain's write lock.
type List interface {
	// BlockAdd applies a committed block. cp is the block's checkpoint, if
	// one came with it.
	BlockAdd(b *cryptonote.Block, txs []*cryptonote.Transaction, cp *checkpoints.Checkpoint) error
	// BlockchainDetached rewinds the list to the state before height.
	BlockchainDetached(height uint64) error
	StateHistoryExists(height uint64) bool
	Height() uint64
	Quorum(typ QuorumType, height uint64) (*Quorum, bool)
	IsKeyImageLocked(ki crypto.KeyImage) (locked bool, unlockHeight uint64, contribution Contribution)
	BlacklistedKeyImages() []BlacklistedKeyImage
	// BlockLeader is the node the next block pays.
	BlockLeader() reward.Leader
	AccessProof(pk crypto.PublicKey, fn func(*Proof)) bool
	// WinnerContributors returns the stakes the batch ledger splits b's
	// reward over.
	WinnerContributors(b *cryptonote.Block) ([]reward.Payment, error)
	NodeInfo(pk crypto.PublicKey) (*Info, bool)
	CanTransitionState(change *cryptonote.ExtraServiceNodeStateChange, target crypto.PublicKey) error
	VerifyPulseSignatures(b *cryptonote.Block) error
	VerifyCheckpoint(cp *checkpoints.Checkpoint) error
}
