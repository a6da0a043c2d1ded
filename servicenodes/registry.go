package servicenodes

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/x-vinnci/saferun-core-sub001/arith"
	"github.com/x-vinnci/saferun-core-sub001/checkpoints"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
	"github.com/x-vinnci/saferun-core-sub001/reward"
)

// state is the list after a block.
type state struct {
	height    uint64
	blockHash crypto.Hash
	nodes     map[crypto.PublicKey]*Info
	blacklist []BlacklistedKeyImage
}

func (s *state) clone() *state {
	out := &state{
		height:    s.height,
		blockHash: s.blockHash,
		nodes:     make(map[crypto.PublicKey]*Info, len(s.nodes)),
		blacklist: append([]BlacklistedKeyImage(nil), s.blacklist...),
	}
	for k, v := range s.nodes {
		out.nodes[k] = v.clone()
	}
	return out
}

// leader is the active node that has waited longest for a reward. Ties go
// to the lower key.
func (s *state) leader() (*Info, bool) {
	var best *Info
	for _, info := range s.nodes {
		if info.State != StateActive {
			continue
		}
		if best == nil || info.LastRewardHeight < best.LastRewardHeight ||
			(info.LastRewardHeight == best.LastRewardHeight && bytes.Compare(info.Key[:], best.Key[:]) < 0) {
			best = info
		}
	}
	return best, best != nil
}

func (s *state) lockedKeyImage(ki crypto.KeyImage) (*Info, Contribution, bool) {
	for _, info := range s.nodes {
		for _, c := range info.Contributors {
			for _, l := range c.Locked {
				if l.KeyImage == ki {
					return info, l, true
				}
			}
		}
	}
	return nil, Contribution{}, false
}

// Registry is an in-memory List. It keeps the state after each of the
// last HistoryDepth blocks so it can follow reorgs.
type Registry struct {
	mu           sync.RWMutex
	net          params.NetType
	cur          *state
	history      map[uint64]*state
	proofs       map[crypto.PublicKey]Proof
	historyDepth uint64
}

// HistoryDepth is how many past states a Registry keeps.
const HistoryDepth = params.ReorgWindow + params.ReorgSafetyBufferBlocksPreHF12

var _ List = (*Registry)(nil)

// NewRegistry returns an empty registry for net.
func NewRegistry(net params.NetType) *Registry {
	return &Registry{
		net:          net,
		history:      make(map[uint64]*state),
		proofs:       make(map[crypto.PublicKey]Proof),
		historyDepth: HistoryDepth,
	}
}

// Height is the height of the last block applied.
func (r *Registry) Height() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cur == nil {
		return 0
	}
	return r.cur.height
}

// Reset drops all state, ready for a new genesis block.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur = nil
	r.history = make(map[uint64]*state)
	r.proofs = make(map[crypto.PublicKey]Proof)
}

func (r *Registry) BlockAdd(b *cryptonote.Block, txs []*cryptonote.Transaction, cp *checkpoints.Checkpoint) error {
	hash, err := b.Hash()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var next *state
	switch {
	case b.Height == 0:
		next = &state{nodes: make(map[crypto.PublicKey]*Info)}
		r.history = make(map[uint64]*state)
	case r.cur == nil || r.cur.height+1 != b.Height:
		return fmt.Errorf("%w: block %d", ErrHeightMismatch, b.Height)
	default:
		next = r.cur.clone()
	}
	next.height = b.Height
	next.blockHash = hash

	if cp != nil && cp.Height == b.Height {
		if err := verifyCheckpoint(next, cp); err != nil {
			log.WithError(err).WithField("height", b.Height).Warn("block arrived with an unverifiable checkpoint")
		}
	}

	r.applyRewardWinner(next, b)
	for _, tx := range txs {
		r.applyTx(next, b, tx)
	}
	r.expire(next)

	r.cur = next
	r.history[b.Height] = next
	if b.Height > r.historyDepth {
		delete(r.history, b.Height-r.historyDepth-1)
	}
	return nil
}

// winnerKey is the node b paid: the header field from hf19, the miner tx
// extra before.
func winnerKey(b *cryptonote.Block) crypto.PublicKey {
	if params.HF(b.MajorVersion) >= params.HF19RewardBatching {
		return b.ServiceNodeWinnerKey
	}
	k, _ := cryptonote.ServiceNodeWinner(&b.MinerTx)
	return k
}

func (r *Registry) applyRewardWinner(st *state, b *cryptonote.Block) {
	if info, ok := st.nodes[winnerKey(b)]; ok {
		info.LastRewardHeight = b.Height
	}
}

func (r *Registry) applyTx(st *state, b *cryptonote.Block, tx *cryptonote.Transaction) {
	switch {
	case tx.Type == params.TxTypeStateChange:
		r.applyStateChange(st, b.Height, tx)
	case tx.Type == params.TxTypeKeyImageUnlock:
		r.applyUnlock(st, b.Height, tx)
	default:
		if reg, ok := findRegistration(tx); ok {
			r.applyRegistration(st, b, tx, reg)
			return
		}
		if _, ok := cryptonote.ServiceNodeContributor(tx); ok {
			r.applyContribution(st, tx)
		}
	}
}

func findRegistration(tx *cryptonote.Transaction) (cryptonote.ExtraServiceNodeRegister, bool) {
	fields, _ := cryptonote.ParseExtra(tx.Extra)
	for _, f := range fields {
		if reg, ok := f.(cryptonote.ExtraServiceNodeRegister); ok {
			return reg, true
		}
	}
	return cryptonote.ExtraServiceNodeRegister{}, false
}

// RegistrationHash is the message a node signs with its service node key
// to register.
func RegistrationHash(reg *cryptonote.ExtraServiceNodeRegister) crypto.Hash {
	var buf []byte
	for i := range reg.SpendKeys {
		buf = append(buf, reg.SpendKeys[i][:]...)
		if i < len(reg.ViewKeys) {
			buf = append(buf, reg.ViewKeys[i][:]...)
		}
	}
	buf = cryptonote.PutVarint(buf, reg.PortionsForOperator)
	for _, p := range reg.Portions {
		buf = cryptonote.PutVarint(buf, p)
	}
	buf = cryptonote.PutVarint(buf, reg.Expiration)
	return crypto.Keccak256(buf)
}

// stakedAmount recovers the amount tx stakes to addr: the outputs the tx
// secret key derives for addr, decoded with the compact ecdh scheme.
func stakedAmount(tx *cryptonote.Transaction, addr cryptonote.Address) (uint64, []int) {
	sec, ok := cryptonote.TxSecretKey(tx)
	if !ok {
		return 0, nil
	}
	d, err := crypto.GenerateKeyDerivation(addr.View, sec)
	if err != nil {
		return 0, nil
	}
	var (
		total   uint64
		outputs []int
	)
	for i, out := range tx.Vout {
		key, err := crypto.DerivePublicKey(d, uint64(i), addr.Spend)
		if err != nil || key != out.Key {
			continue
		}
		amount := out.Amount
		if tx.Version >= params.TxVersion2RingCT && i < len(tx.RCT.EcdhInfo) {
			amount = cryptonote.EcdhDecodeAmount(tx.RCT.EcdhInfo[i], crypto.DerivationToScalar(d, uint64(i)))
		}
		if arith.AddOverflows(total, amount) {
			return 0, nil
		}
		total += amount
		outputs = append(outputs, i)
	}
	return total, outputs
}

// lockProofs locks the key images proven in tx against the staked outputs,
// pairing proofs with outputs in order.
func lockProofs(tx *cryptonote.Transaction, outputs []int, amount uint64) []Contribution {
	proofs, _ := cryptonote.KeyImageProofs(tx)
	var locked []Contribution
	for i, p := range proofs {
		if i >= len(outputs) {
			break
		}
		c := Contribution{KeyImage: p.KeyImage, KeyImagePubKey: tx.Vout[outputs[i]].Key}
		if i == 0 {
			c.Amount = amount
		}
		locked = append(locked, c)
	}
	return locked
}

func (r *Registry) applyRegistration(st *state, b *cryptonote.Block, tx *cryptonote.Transaction, reg cryptonote.ExtraServiceNodeRegister) {
	key, ok := cryptonote.ServiceNodePubKey(tx)
	if !ok {
		return
	}
	l := log.WithField("key", key.String()).WithField("height", b.Height)
	switch {
	case st.nodes[key] != nil:
		l.Debug("ignoring registration of an already registered node")
		return
	case len(reg.SpendKeys) == 0 || len(reg.SpendKeys) != len(reg.ViewKeys) || len(reg.Portions) != len(reg.SpendKeys):
		l.Debug("ignoring malformed registration")
		return
	case len(reg.SpendKeys) > params.MaxContributors(params.HF(b.MajorVersion)):
		l.Debug("ignoring registration with too many contributors")
		return
	case reg.Expiration < b.Timestamp:
		l.Debug("ignoring expired registration")
		return
	case !crypto.CheckSignature(RegistrationHash(&reg), key, reg.Signature):
		l.Debug("ignoring registration with a bad signature")
		return
	}

	info := &Info{
		Key:                key,
		RegistrationHeight: b.Height,
		LastRewardHeight:   b.Height,
		Operator:           cryptonote.Address{Spend: reg.SpendKeys[0], View: reg.ViewKeys[0]},
	}
	for i := range reg.SpendKeys {
		info.Contributors = append(info.Contributors, Contributor{
			Address: cryptonote.Address{Spend: reg.SpendKeys[i], View: reg.ViewKeys[i]},
		})
	}
	amount, outputs := stakedAmount(tx, info.Operator)
	info.Contributors[0].Amount = amount
	info.Contributors[0].Locked = lockProofs(tx, outputs, amount)
	st.nodes[key] = info
	l.WithField("stake", amount).Info("service node registered")
}

func (r *Registry) applyContribution(st *state, tx *cryptonote.Transaction) {
	key, ok := cryptonote.ServiceNodePubKey(tx)
	if !ok {
		return
	}
	info := st.nodes[key]
	if info == nil {
		return
	}
	c, _ := cryptonote.ServiceNodeContributor(tx)
	addr := cryptonote.Address{Spend: c.Spend, View: c.View}
	amount, outputs := stakedAmount(tx, addr)
	if amount == 0 {
		return
	}
	locked := lockProofs(tx, outputs, amount)
	for i := range info.Contributors {
		if info.Contributors[i].Address == addr {
			info.Contributors[i].Amount += amount
			info.Contributors[i].Locked = append(info.Contributors[i].Locked, locked...)
			return
		}
	}
	if len(info.Contributors) >= params.MaxContributorsHF19 {
		return
	}
	info.Contributors = append(info.Contributors, Contributor{Address: addr, Amount: amount, Locked: locked})
}

func (r *Registry) applyStateChange(st *state, height uint64, tx *cryptonote.Transaction) {
	change, ok := cryptonote.StateChange(tx)
	if !ok {
		return
	}
	hist := r.history[change.BlockHeight]
	if hist == nil {
		return
	}
	q, ok := buildQuorum(hist, QuorumObligations, 0)
	if !ok || int(change.ServiceNodeIndex) >= len(q.Workers) {
		return
	}
	target := q.Workers[change.ServiceNodeIndex]
	info := st.nodes[target]
	if info == nil || canTransition(info, &change) != nil {
		return
	}
	l := log.WithField("key", target.String()).WithField("height", height).WithField("state", change.State.String())

	switch change.State {
	case cryptonote.StateDeregister:
		unlock := height + params.StakingNumLockBlocks(r.net)
		for _, c := range info.Contributors {
			for _, lk := range c.Locked {
				st.blacklist = append(st.blacklist, BlacklistedKeyImage{KeyImage: lk.KeyImage, UnlockHeight: unlock})
			}
		}
		delete(st.nodes, target)
	case cryptonote.StateDecommission:
		info.State = StateDecommissioned
		info.DecommissionCount++
	case cryptonote.StateRecommission:
		info.State = StateActive
		info.LastRewardHeight = height
	case cryptonote.StateIPChangePenalty:
		info.LastRewardHeight = height
	}
	info.LastStateChangeHeight = change.BlockHeight
	l.Info("applied service node state change")
}

func (r *Registry) applyUnlock(st *state, height uint64, tx *cryptonote.Transaction) {
	unlock, ok := cryptonote.KeyImageUnlock(tx)
	if !ok {
		return
	}
	info, _, ok := st.lockedKeyImage(unlock.KeyImage)
	if !ok || info.RequestedUnlockHeight != params.KeyImageAwaitingUnlockHeight {
		return
	}
	info.RequestedUnlockHeight = height + params.StakingNumLockBlocks(r.net)/2
	log.WithField("key", info.Key.String()).WithField("unlock_height", info.RequestedUnlockHeight).Info("stake unlock requested")
}

// expire drops nodes whose unlock height arrived and blacklist entries
// that ran out.
func (r *Registry) expire(st *state) {
	for k, info := range st.nodes {
		if info.RequestedUnlockHeight != 0 && info.RequestedUnlockHeight <= st.height {
			delete(st.nodes, k)
		}
	}
	kept := st.blacklist[:0]
	for _, b := range st.blacklist {
		if b.UnlockHeight > st.height {
			kept = append(kept, b)
		}
	}
	st.blacklist = kept
}

func (r *Registry) BlockchainDetached(height uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if height == 0 {
		r.cur = nil
		r.history = make(map[uint64]*state)
		return nil
	}
	st, ok := r.history[height-1]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoHistory, height-1)
	}
	for h := range r.history {
		if h >= height {
			delete(r.history, h)
		}
	}
	r.cur = st
	return nil
}

func (r *Registry) StateHistoryExists(height uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.history[height]
	return ok
}

func (r *Registry) Quorum(typ QuorumType, height uint64) (*Quorum, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.history[height]
	if !ok {
		return nil, false
	}
	return buildQuorum(st, typ, 0)
}

func (r *Registry) IsKeyImageLocked(ki crypto.KeyImage) (bool, uint64, Contribution) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cur == nil {
		return false, 0, Contribution{}
	}
	info, c, ok := r.cur.lockedKeyImage(ki)
	if !ok {
		return false, 0, Contribution{}
	}
	return true, info.RequestedUnlockHeight, c
}

func (r *Registry) BlacklistedKeyImages() []BlacklistedKeyImage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cur == nil {
		return nil
	}
	return append([]BlacklistedKeyImage(nil), r.cur.blacklist...)
}

// Payouts splits a node's reward by stake, in StakingPortions.
func Payouts(info *Info) []reward.Payout {
	total := info.TotalStake()
	out := make([]reward.Payout, 0, len(info.Contributors))
	for _, c := range info.Contributors {
		if c.Amount == 0 {
			continue
		}
		out = append(out, reward.Payout{Address: c.Address, Portions: arith.MustMulDiv(params.StakingPortions, c.Amount, total)})
	}
	if len(out) == 0 {
		return []reward.Payout{{Address: info.Operator, Portions: params.StakingPortions}}
	}
	return out
}

func (r *Registry) BlockLeader() reward.Leader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cur == nil {
		return reward.NullLeader
	}
	info, ok := r.cur.leader()
	if !ok {
		return reward.NullLeader
	}
	return reward.Leader{Key: info.Key, Payouts: Payouts(info)}
}

// HandleUptimeProof records pk's latest proof. Only registered nodes are
// tracked.
func (r *Registry) HandleUptimeProof(pk crypto.PublicKey, p Proof) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil || r.cur.nodes[pk] == nil {
		return false
	}
	if old, ok := r.proofs[pk]; ok && old.Timestamp >= p.Timestamp {
		return false
	}
	r.proofs[pk] = p
	return true
}

func (r *Registry) AccessProof(pk crypto.PublicKey, fn func(*Proof)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proofs[pk]
	if !ok {
		return false
	}
	fn(&p)
	r.proofs[pk] = p
	return true
}

// WinnerContributors returns the stakes of b's winner as they stood before
// b. A block without a registered winner credits the null address.
func (r *Registry) WinnerContributors(b *cryptonote.Block) ([]reward.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := winnerKey(b)
	null := []reward.Payment{{Amount: 1}}
	if key.IsZero() {
		return null, nil
	}
	st := r.history[b.Height-1]
	if b.Height == 0 || st == nil {
		st = r.cur
	}
	if st == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoHistory, b.Height-1)
	}
	info := st.nodes[key]
	if info == nil {
		return nil, fmt.Errorf("%w: winner %s", ErrUnknownNode, key)
	}
	var out []reward.Payment
	for _, c := range info.Contributors {
		if c.Amount > 0 {
			out = append(out, reward.Payment{Address: c.Address, Amount: c.Amount})
		}
	}
	if len(out) == 0 {
		return []reward.Payment{{Address: info.Operator, Amount: 1}}, nil
	}
	return out, nil
}

func (r *Registry) NodeInfo(pk crypto.PublicKey) (*Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cur == nil {
		return nil, false
	}
	info, ok := r.cur.nodes[pk]
	if !ok {
		return nil, false
	}
	return info.clone(), true
}

// Nodes lists all registered nodes ordered by key.
func (r *Registry) Nodes() []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cur == nil {
		return nil
	}
	out := make([]*Info, 0, len(r.cur.nodes))
	for _, info := range r.cur.nodes {
		out = append(out, info.clone())
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key[:], out[j].Key[:]) < 0 })
	return out
}

func canTransition(info *Info, change *cryptonote.ExtraServiceNodeStateChange) error {
	if change.BlockHeight < info.RegistrationHeight || (info.LastStateChangeHeight != 0 && change.BlockHeight <= info.LastStateChangeHeight) {
		return fmt.Errorf("%w: vote at %d predates the node's last change", ErrInvalidTransfer, change.BlockHeight)
	}
	switch change.State {
	case cryptonote.StateDeregister:
		return nil
	case cryptonote.StateDecommission, cryptonote.StateIPChangePenalty:
		if info.State != StateActive {
			return fmt.Errorf("%w: %s of an inactive node", ErrInvalidTransfer, change.State)
		}
	case cryptonote.StateRecommission:
		if info.State != StateDecommissioned {
			return fmt.Errorf("%w: recommission of an active node", ErrInvalidTransfer)
		}
	default:
		return fmt.Errorf("%w: unknown state %d", ErrInvalidTransfer, change.State)
	}
	return nil
}

func (r *Registry) CanTransitionState(change *cryptonote.ExtraServiceNodeStateChange, target crypto.PublicKey) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cur == nil {
		return ErrUnknownNode
	}
	info := r.cur.nodes[target]
	if info == nil {
		return fmt.Errorf("%w: %s", ErrUnknownNode, target)
	}
	return canTransition(info, change)
}

func (r *Registry) VerifyPulseSignatures(b *cryptonote.Block) error {
	hash, err := b.Hash()
	if err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b.Height == 0 {
		return fmt.Errorf("%w: genesis", ErrBadPulse)
	}
	st, ok := r.history[b.Height-1]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoHistory, b.Height-1)
	}
	return verifyPulse(st, b, hash)
}

func (r *Registry) VerifyCheckpoint(cp *checkpoints.Checkpoint) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cp.Type == checkpoints.Hardcoded {
		return nil
	}
	st, ok := r.history[cp.Height]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoHistory, cp.Height)
	}
	return verifyCheckpoint(st, cp)
}
