package servicenodes

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x-vinnci/saferun-core-sub001/arith"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

type keypair struct {
	pub crypto.PublicKey
	sec crypto.SecretKey
}

func newKeypair(t *testing.T) keypair {
	t.Helper()
	pub, sec, err := crypto.GenerateKeys()
	require.NoError(t, err)
	return keypair{pub, sec}
}

type wallet struct {
	spend, view keypair
}

func newWallet(t *testing.T) wallet {
	return wallet{newKeypair(t), newKeypair(t)}
}

func (w wallet) address() cryptonote.Address {
	return cryptonote.Address{Spend: w.spend.pub, View: w.view.pub}
}

func testBlock(height uint64, version params.HF) *cryptonote.Block {
	return &cryptonote.Block{
		BlockHeader: cryptonote.BlockHeader{MajorVersion: uint8(version), MinorVersion: uint8(version), Timestamp: 1_000 + height},
		MinerTx: cryptonote.Transaction{
			Version: params.TxVersion4TxTypes,
			Vin:     []cryptonote.TxInput{&cryptonote.TxInGen{Height: height}},
		},
		Height: height,
	}
}

// stakeOutput pays amount to w under a fresh tx secret and returns the
// output with its encrypted amount.
func stakeOutput(t *testing.T, w wallet, txSec crypto.SecretKey, index uint64, amount uint64) (cryptonote.TxOut, cryptonote.EcdhTuple) {
	t.Helper()
	d, err := crypto.GenerateKeyDerivation(w.view.pub, txSec)
	require.NoError(t, err)
	key, err := crypto.DerivePublicKey(d, index, w.spend.pub)
	require.NoError(t, err)
	return cryptonote.TxOut{Key: key}, cryptonote.EcdhEncodeAmount(amount, crypto.DerivationToScalar(d, index))
}

func registrationTx(t *testing.T, node keypair, operator wallet, stake uint64, ki crypto.KeyImage) *cryptonote.Transaction {
	t.Helper()
	txKey := newKeypair(t)
	out, ecdh := stakeOutput(t, operator, txKey.sec, 0, stake)

	reg := cryptonote.ExtraServiceNodeRegister{
		SpendKeys:           []crypto.PublicKey{operator.spend.pub},
		ViewKeys:            []crypto.PublicKey{operator.view.pub},
		PortionsForOperator: params.StakingPortions,
		Portions:            []uint64{params.StakingPortions},
		Expiration:          1 << 40,
	}
	sig, err := crypto.GenerateSignature(RegistrationHash(&reg), node.pub, node.sec)
	require.NoError(t, err)
	reg.Signature = sig

	return &cryptonote.Transaction{
		Version:           params.TxVersion4TxTypes,
		Type:              params.TxTypeStake,
		Vout:              []cryptonote.TxOut{out},
		OutputUnlockTimes: []uint64{0},
		Extra: cryptonote.AppendExtra(nil,
			cryptonote.ExtraPubKey{Key: txKey.pub},
			cryptonote.ExtraServiceNodePubKey{Key: node.pub},
			cryptonote.ExtraTxSecretKey{Key: txKey.sec},
			reg,
			cryptonote.ExtraTxKeyImageProofs{Proofs: []cryptonote.KeyImageProof{{KeyImage: ki}}},
		),
		RCT: cryptonote.RctSig{Type: cryptonote.RCTTypeCLSAG, EcdhInfo: []cryptonote.EcdhTuple{ecdh}},
	}
}

func contributionTx(t *testing.T, node crypto.PublicKey, from wallet, stake uint64, ki crypto.KeyImage) *cryptonote.Transaction {
	t.Helper()
	txKey := newKeypair(t)
	out, ecdh := stakeOutput(t, from, txKey.sec, 0, stake)
	return &cryptonote.Transaction{
		Version:           params.TxVersion4TxTypes,
		Type:              params.TxTypeStake,
		Vout:              []cryptonote.TxOut{out},
		OutputUnlockTimes: []uint64{0},
		Extra: cryptonote.AppendExtra(nil,
			cryptonote.ExtraServiceNodePubKey{Key: node},
			cryptonote.ExtraServiceNodeContributor{Spend: from.spend.pub, View: from.view.pub},
			cryptonote.ExtraTxSecretKey{Key: txKey.sec},
			cryptonote.ExtraTxKeyImageProofs{Proofs: []cryptonote.KeyImageProof{{KeyImage: ki}}},
		),
		RCT: cryptonote.RctSig{Type: cryptonote.RCTTypeCLSAG, EcdhInfo: []cryptonote.EcdhTuple{ecdh}},
	}
}

// addBlocks appends empty blocks until the registry is at height.
func addBlocks(t *testing.T, r *Registry, height uint64) {
	t.Helper()
	for h := r.Height() + 1; h <= height; h++ {
		require.NoError(t, r.BlockAdd(testBlock(h, params.HF19RewardBatching), nil, nil))
	}
}

// registerNodes starts a registry at genesis and registers n nodes in
// block 1.
func registerNodes(t *testing.T, n int) (*Registry, map[crypto.PublicKey]crypto.SecretKey) {
	t.Helper()
	r := NewRegistry(params.Fakechain)
	require.NoError(t, r.BlockAdd(testBlock(0, params.HF7), nil, nil))

	secrets := make(map[crypto.PublicKey]crypto.SecretKey, n)
	var txs []*cryptonote.Transaction
	for i := 0; i < n; i++ {
		node := newKeypair(t)
		secrets[node.pub] = node.sec
		txs = append(txs, registrationTx(t, node, newWallet(t), 100, crypto.KeyImage{byte(i), 0xaa}))
	}
	require.NoError(t, r.BlockAdd(testBlock(1, params.HF19RewardBatching), txs, nil))
	require.Len(t, r.Nodes(), n)
	return r, secrets
}

func TestRegistrationAndStakes(t *testing.T) {
	r := NewRegistry(params.Fakechain)
	require.NoError(t, r.BlockAdd(testBlock(0, params.HF7), nil, nil))

	node := newKeypair(t)
	operator, backer := newWallet(t), newWallet(t)
	ki1, ki2 := crypto.KeyImage{1}, crypto.KeyImage{2}

	reg := registrationTx(t, node, operator, 100, ki1)
	require.NoError(t, r.BlockAdd(testBlock(1, params.HF19RewardBatching), []*cryptonote.Transaction{reg}, nil))

	info, ok := r.NodeInfo(node.pub)
	require.True(t, ok)
	require.Equal(t, operator.address(), info.Operator)
	require.Equal(t, uint64(100), info.TotalStake())

	locked, unlockAt, c := r.IsKeyImageLocked(ki1)
	require.True(t, locked)
	require.Zero(t, unlockAt)
	require.Equal(t, reg.Vout[0].Key, c.KeyImagePubKey)
	require.Equal(t, uint64(100), c.Amount)

	require.NoError(t, r.BlockAdd(testBlock(2, params.HF19RewardBatching),
		[]*cryptonote.Transaction{contributionTx(t, node.pub, backer, 50, ki2)}, nil))

	winner := testBlock(3, params.HF19RewardBatching)
	winner.ServiceNodeWinnerKey = node.pub
	contributors, err := r.WinnerContributors(winner)
	require.NoError(t, err)
	require.Len(t, contributors, 2)
	require.Equal(t, operator.address(), contributors[0].Address)
	require.Equal(t, uint64(100), contributors[0].Amount)
	require.Equal(t, backer.address(), contributors[1].Address)
	require.Equal(t, uint64(50), contributors[1].Amount)

	leader := r.BlockLeader()
	require.Equal(t, node.pub, leader.Key)
	require.Len(t, leader.Payouts, 2)
	require.Equal(t, arith.MustMulDiv(params.StakingPortions, 100, 150), leader.Payouts[0].Portions)

	unlock := &cryptonote.Transaction{
		Version: params.TxVersion4TxTypes,
		Type:    params.TxTypeKeyImageUnlock,
		Extra:   cryptonote.AppendExtra(nil, cryptonote.ExtraTxKeyImageUnlock{KeyImage: ki1, Nonce: 7}),
	}
	require.NoError(t, r.BlockAdd(winner, []*cryptonote.Transaction{unlock}, nil))

	want := 3 + params.StakingNumLockBlocks(params.Fakechain)/2
	locked, unlockAt, _ = r.IsKeyImageLocked(ki1)
	require.True(t, locked)
	require.Equal(t, want, unlockAt)
	info, _ = r.NodeInfo(node.pub)
	require.Equal(t, uint64(3), info.LastRewardHeight)

	addBlocks(t, r, want)
	_, ok = r.NodeInfo(node.pub)
	require.False(t, ok, "the node leaves the list at its unlock height")
	locked, _, _ = r.IsKeyImageLocked(ki2)
	require.False(t, locked)
	require.True(t, r.BlockLeader().Key.IsZero())

	require.True(t, r.StateHistoryExists(5))
	require.NoError(t, r.BlockchainDetached(5))
	require.Equal(t, uint64(4), r.Height())
	_, ok = r.NodeInfo(node.pub)
	require.True(t, ok, "detaching restores the earlier state")
	require.False(t, r.StateHistoryExists(5))
	require.ErrorIs(t, r.BlockAdd(testBlock(7, params.HF19RewardBatching), nil, nil), ErrHeightMismatch)
}

func TestIgnoresBadRegistrations(t *testing.T) {
	r := NewRegistry(params.Fakechain)
	require.NoError(t, r.BlockAdd(testBlock(0, params.HF7), nil, nil))

	node, other := newKeypair(t), newKeypair(t)
	forged := registrationTx(t, other, newWallet(t), 100, crypto.KeyImage{1})
	// Claim a key the signature was not made with.
	fields, err := cryptonote.ParseExtra(forged.Extra)
	require.NoError(t, err)
	var extra []byte
	for _, f := range fields {
		if _, ok := f.(cryptonote.ExtraServiceNodePubKey); ok {
			f = cryptonote.ExtraServiceNodePubKey{Key: node.pub}
		}
		extra = cryptonote.AppendExtra(extra, f)
	}
	forged.Extra = extra

	require.NoError(t, r.BlockAdd(testBlock(1, params.HF19RewardBatching), []*cryptonote.Transaction{forged}, nil))
	require.Empty(t, r.Nodes())

	contributors, err := r.WinnerContributors(testBlock(2, params.HF19RewardBatching))
	require.NoError(t, err)
	require.Len(t, contributors, 1)
	require.Equal(t, cryptonote.Address{}, contributors[0].Address, "no winner credits the null address")
}

func signVotes(t *testing.T, q *Quorum, secrets map[crypto.PublicKey]crypto.SecretKey, msg crypto.Hash, n int) []cryptonote.StateChangeVote {
	t.Helper()
	votes := make([]cryptonote.StateChangeVote, n)
	for i := 0; i < n; i++ {
		v := q.Validators[i]
		sig, err := crypto.GenerateSignature(msg, v, secrets[v])
		require.NoError(t, err)
		votes[i] = cryptonote.StateChangeVote{ValidatorIndex: uint32(i), Signature: sig}
	}
	return votes
}

func TestQuorumsAndStateChanges(t *testing.T) {
	r, secrets := registerNodes(t, params.StateChangeQuorumSize+2)

	q, ok := r.Quorum(QuorumObligations, 1)
	require.True(t, ok)
	require.Len(t, q.Validators, params.StateChangeQuorumSize)
	require.Len(t, q.Workers, 2)
	again, _ := r.Quorum(QuorumObligations, 1)
	require.Equal(t, q, again, "quorums are deterministic")

	_, ok = r.Quorum(QuorumCheckpointing, 1)
	require.False(t, ok, "checkpoint quorums only exist on the interval")
	_, ok = r.Quorum(QuorumObligations, 9)
	require.False(t, ok)

	change := cryptonote.ExtraServiceNodeStateChange{State: cryptonote.StateDecommission, BlockHeight: 1}
	change.Votes = signVotes(t, q, secrets, change.StateChangeHash(), params.StateChangeMinVotesToChange-1)
	require.ErrorIs(t, VerifyStateChange(&change, q, 2), ErrBadStateChange)
	change.Votes = signVotes(t, q, secrets, change.StateChangeHash(), params.StateChangeMinVotesToChange)
	require.NoError(t, VerifyStateChange(&change, q, 2))
	require.ErrorIs(t, VerifyStateChange(&change, q, 2+params.StateChangeTxLifetimeInBlocks), ErrBadStateChange, "expired")

	target := q.Workers[0]
	require.NoError(t, r.CanTransitionState(&change, target))

	tx := &cryptonote.Transaction{
		Version: params.TxVersion4TxTypes,
		Type:    params.TxTypeStateChange,
		Extra:   cryptonote.AppendExtra(nil, change),
	}
	require.NoError(t, r.BlockAdd(testBlock(2, params.HF19RewardBatching), []*cryptonote.Transaction{tx}, nil))

	info, ok := r.NodeInfo(target)
	require.True(t, ok)
	require.Equal(t, StateDecommissioned, info.State)
	require.Equal(t, uint32(1), info.DecommissionCount)
	require.ErrorIs(t, r.CanTransitionState(&change, target), ErrInvalidTransfer, "already applied")
	require.NotEqual(t, target, r.BlockLeader().Key)

	recommission := cryptonote.ExtraServiceNodeStateChange{State: cryptonote.StateRecommission, BlockHeight: 2}
	require.NoError(t, r.CanTransitionState(&recommission, target))

	addBlocks(t, r, 4)
	cq, ok := r.Quorum(QuorumCheckpointing, 4)
	require.True(t, ok)
	require.Len(t, cq.Validators, params.StateChangeQuorumSize+1, "every active node validates a small network's checkpoints")
}

func TestDeregisterBlacklistsStake(t *testing.T) {
	r, secrets := registerNodes(t, params.StateChangeQuorumSize+1)
	q, ok := r.Quorum(QuorumObligations, 1)
	require.True(t, ok)
	target := q.Workers[0]
	info, _ := r.NodeInfo(target)
	stake := info.Contributors[0].Locked[0].KeyImage

	change := cryptonote.ExtraServiceNodeStateChange{State: cryptonote.StateDeregister, BlockHeight: 1}
	change.Votes = signVotes(t, q, secrets, change.StateChangeHash(), params.StateChangeMinVotesToChange)
	tx := &cryptonote.Transaction{Version: params.TxVersion4TxTypes, Type: params.TxTypeStateChange, Extra: cryptonote.AppendExtra(nil, change)}
	require.NoError(t, r.BlockAdd(testBlock(2, params.HF19RewardBatching), []*cryptonote.Transaction{tx}, nil))

	_, ok = r.NodeInfo(target)
	require.False(t, ok)
	require.Equal(t, []BlacklistedKeyImage{{KeyImage: stake, UnlockHeight: 2 + params.StakingNumLockBlocks(params.Fakechain)}}, r.BlacklistedKeyImages())

	addBlocks(t, r, 2+params.StakingNumLockBlocks(params.Fakechain))
	require.Empty(t, r.BlacklistedKeyImages())
}

func TestVerifyPulseSignatures(t *testing.T) {
	r, secrets := registerNodes(t, params.PulseQuorumNumValidators+2)
	q, ok := r.Quorum(QuorumPulse, 1)
	require.True(t, ok)
	require.Len(t, q.Validators, params.PulseQuorumNumValidators)
	leader := r.BlockLeader().Key
	require.Equal(t, leader, q.Workers[0])
	require.NotContains(t, q.Validators, leader)

	b := testBlock(2, params.HF19RewardBatching)
	b.ServiceNodeWinnerKey = leader
	b.Pulse.ValidatorBitset = 1<<params.PulseBlockRequiredSignatures - 1
	hash, err := b.Hash()
	require.NoError(t, err)
	for i := 0; i < params.PulseBlockRequiredSignatures; i++ {
		v := q.Validators[i]
		sig, err := crypto.GenerateSignature(hash, v, secrets[v])
		require.NoError(t, err)
		b.Signatures = append(b.Signatures, cryptonote.QuorumSignature{VoterIndex: uint16(i), Signature: sig})
	}
	require.NoError(t, r.VerifyPulseSignatures(b))

	short := *b
	short.Signatures = b.Signatures[1:]
	require.ErrorIs(t, r.VerifyPulseSignatures(&short), ErrBadPulse)

	swapped := *b
	swapped.Signatures = append([]cryptonote.QuorumSignature(nil), b.Signatures...)
	swapped.Signatures[0].Signature = b.Signatures[1].Signature
	require.ErrorIs(t, r.VerifyPulseSignatures(&swapped), ErrBadPulse)

	// A different winner changes the hash, so the signatures no longer
	// cover the block either.
	usurper := *b
	usurper.ServiceNodeWinnerKey = q.Validators[0]
	require.ErrorIs(t, r.VerifyPulseSignatures(&usurper), ErrBadPulse)
}

func TestProofs(t *testing.T) {
	r, secrets := registerNodes(t, 1)
	var pk crypto.PublicKey
	for k := range secrets {
		pk = k
	}
	require.False(t, r.HandleUptimeProof(crypto.PublicKey{9}, Proof{Timestamp: 1}), "unknown nodes are ignored")
	require.True(t, r.HandleUptimeProof(pk, Proof{Timestamp: 10, Version: [3]uint16{10, 4, 0}}))
	require.False(t, r.HandleUptimeProof(pk, Proof{Timestamp: 9}), "older proofs are ignored")

	var seen uint64
	require.True(t, r.AccessProof(pk, func(p *Proof) { seen = p.Timestamp }))
	require.Equal(t, uint64(10), seen)
	require.False(t, r.AccessProof(crypto.PublicKey{9}, func(*Proof) {}))
}
