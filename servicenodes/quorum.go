package servicenodes

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"

	"github.com/x-vinnci/saferun-core-sub001/checkpoints"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

// shuffle permutes keys in place with a Fisher-Yates shuffle driven by a
// Keccak stream over seed.
func shuffle(keys []crypto.PublicKey, seed crypto.Hash) {
	var (
		block   crypto.Hash
		counter uint64
		used    = len(block)
	)
	next := func() uint64 {
		if used+8 > len(block) {
			block = crypto.Keccak256(seed[:], binary.LittleEndian.AppendUint64(nil, counter))
			counter++
			used = 0
		}
		v := binary.LittleEndian.Uint64(block[used:])
		used += 8
		return v
	}
	for i := len(keys) - 1; i > 0; i-- {
		j := int(next() % uint64(i+1))
		keys[i], keys[j] = keys[j], keys[i]
	}
}

func sortKeys(keys []crypto.PublicKey) {
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
}

func quorumSeed(blockHash crypto.Hash, typ QuorumType, round uint8) crypto.Hash {
	return crypto.Keccak256(blockHash[:], []byte{byte(typ), round})
}

// buildQuorum selects the quorum of typ from st. Pulse quorums exclude the
// leader, who is the only worker.
func buildQuorum(st *state, typ QuorumType, round uint8) (*Quorum, bool) {
	var active, inactive []crypto.PublicKey
	for k, info := range st.nodes {
		if info.State == StateActive {
			active = append(active, k)
		} else {
			inactive = append(inactive, k)
		}
	}
	sortKeys(active)
	sortKeys(inactive)

	size := 0
	switch typ {
	case QuorumObligations:
		size = params.StateChangeQuorumSize
	case QuorumCheckpointing:
		if st.height%params.CheckpointInterval != 0 {
			return nil, false
		}
		size = params.CheckpointQuorumSize
	case QuorumBlink:
		size = params.BlinkSubquorumSize
	case QuorumPulse:
		leader, ok := st.leader()
		if !ok {
			return nil, false
		}
		pool := active[:0:0]
		for _, k := range active {
			if k != leader.Key {
				pool = append(pool, k)
			}
		}
		if len(pool) < params.PulseQuorumNumValidators {
			return nil, false
		}
		shuffle(pool, quorumSeed(st.blockHash, typ, round))
		return &Quorum{
			Validators: pool[:params.PulseQuorumNumValidators],
			Workers:    []crypto.PublicKey{leader.Key},
		}, true
	default:
		return nil, false
	}

	if len(active) == 0 {
		return nil, false
	}
	shuffle(active, quorumSeed(st.blockHash, typ, 0))
	n := min(size, len(active))
	q := &Quorum{Validators: active[:n:n]}
	if typ == QuorumObligations {
		q.Workers = append(append([]crypto.PublicKey(nil), active[n:]...), inactive...)
	}
	return q, true
}

// checkVotes verifies that sigs are at least need distinct validators of q
// signing msg, in increasing voter order.
func checkVotes(q *Quorum, msg crypto.Hash, sigs []cryptonote.QuorumSignature, need int) error {
	if len(sigs) < need {
		return fmt.Errorf("%d signatures, need %d", len(sigs), need)
	}
	for i, s := range sigs {
		if int(s.VoterIndex) >= len(q.Validators) {
			return fmt.Errorf("voter index %d out of range", s.VoterIndex)
		}
		if i > 0 && s.VoterIndex <= sigs[i-1].VoterIndex {
			return fmt.Errorf("voter index %d out of order", s.VoterIndex)
		}
		if !crypto.CheckSignature(msg, q.Validators[s.VoterIndex], s.Signature) {
			return fmt.Errorf("bad signature from voter %d", s.VoterIndex)
		}
	}
	return nil
}

// VerifyStateChange checks a state change against the obligations quorum
// it names: enough distinct validator votes over its hash, a valid target,
// and a vote height that is neither stale nor in the future.
func VerifyStateChange(change *cryptonote.ExtraServiceNodeStateChange, q *Quorum, chainHeight uint64) error {
	if change.BlockHeight+params.StateChangeTxLifetimeInBlocks < chainHeight {
		return fmt.Errorf("%w: vote at %d expired at %d", ErrBadStateChange, change.BlockHeight, chainHeight)
	}
	if change.BlockHeight >= chainHeight+params.VoteOrTxVerifyHeightBuffer {
		return fmt.Errorf("%w: vote height %d is in the future", ErrBadStateChange, change.BlockHeight)
	}
	if int(change.ServiceNodeIndex) >= len(q.Workers) {
		return fmt.Errorf("%w: worker index %d out of range", ErrBadStateChange, change.ServiceNodeIndex)
	}
	sigs := make([]cryptonote.QuorumSignature, len(change.Votes))
	for i, v := range change.Votes {
		if v.ValidatorIndex > 0xffff {
			return fmt.Errorf("%w: validator index %d", ErrBadStateChange, v.ValidatorIndex)
		}
		sigs[i] = cryptonote.QuorumSignature{VoterIndex: uint16(v.ValidatorIndex), Signature: v.Signature}
	}
	if err := checkVotes(q, change.StateChangeHash(), sigs, params.StateChangeMinVotesToChange); err != nil {
		return fmt.Errorf("%w: %v", ErrBadStateChange, err)
	}
	return nil
}

func verifyCheckpoint(st *state, cp *checkpoints.Checkpoint) error {
	if cp.Type == checkpoints.Hardcoded {
		return nil
	}
	q, ok := buildQuorum(st, QuorumCheckpointing, 0)
	if !ok {
		return fmt.Errorf("%w: no checkpoint quorum at %d", ErrBadCheckpoint, cp.Height)
	}
	if err := checkVotes(q, cp.BlockHash, cp.Signatures, params.CheckpointMinVotes); err != nil {
		return fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
	}
	return nil
}

func verifyPulse(st *state, b *cryptonote.Block, hash crypto.Hash) error {
	q, ok := buildQuorum(st, QuorumPulse, b.Pulse.Round)
	if !ok {
		return fmt.Errorf("%w: no pulse quorum for height %d", ErrBadPulse, b.Height)
	}
	if len(b.Signatures) != params.PulseBlockRequiredSignatures {
		return fmt.Errorf("%w: %d signatures, want %d", ErrBadPulse, len(b.Signatures), params.PulseBlockRequiredSignatures)
	}
	bitset := b.Pulse.ValidatorBitset
	if bitset>>params.PulseQuorumNumValidators != 0 || bits.OnesCount16(bitset) != params.PulseBlockRequiredSignatures {
		return fmt.Errorf("%w: validator bitset %016b", ErrBadPulse, bitset)
	}
	for _, s := range b.Signatures {
		if bitset&(1<<s.VoterIndex) == 0 {
			return fmt.Errorf("%w: voter %d not in bitset", ErrBadPulse, s.VoterIndex)
		}
	}
	if err := checkVotes(q, hash, b.Signatures, params.PulseBlockRequiredSignatures); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPulse, err)
	}
	if params.HF(b.MajorVersion) >= params.HF19RewardBatching && b.ServiceNodeWinnerKey != q.Workers[0] {
		return fmt.Errorf("%w: winner %s is not the leader", ErrBadPulse, b.ServiceNodeWinnerKey)
	}
	return nil
}
