package chain

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/x-vinnci/saferun-core-sub001/batchdb"
	"github.com/x-vinnci/saferun-core-sub001/blockdb"
	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/mempool"
	"github.com/x-vinnci/saferun-core-sub001/ons"
	"github.com/x-vinnci/saferun-core-sub001/pow"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
	"github.com/x-vinnci/saferun-core-sub001/servicenodes"
)

// testEpoch is the wall clock the test chains start at.
const testEpoch = 1_600_000_000

// testClock is a wall clock that only moves when told to. Nodes sharing a
// clock agree on which timestamps are in the future.
type testClock struct{ unix atomic.Int64 }

func newTestClock(start int64) *testClock {
	c := &testClock{}
	c.unix.Store(start)
	return c
}

func (c *testClock) Now() time.Time { return time.Unix(c.unix.Load(), 0) }

func (c *testClock) advance(d time.Duration) { c.unix.Add(int64(d / time.Second)) }

// keccakHasher stands in for the slow hashes. With a fixed difficulty of
// one every hash passes.
type keccakHasher struct{}

func (keccakHasher) RxSlowHash(ctx pow.RxContext, data []byte) (crypto.Hash, error) {
	return crypto.Keccak256(ctx.SeedHash[:], data), nil
}

func (keccakHasher) CnSlowHash(data []byte, v pow.Variant) (crypto.Hash, error) {
	return crypto.Keccak256([]byte{byte(v)}, data), nil
}

// trustingRingCT accepts every well formed RingCT signature.
type trustingRingCT struct{}

func (trustingRingCT) VerifySemantics(tx *cryptonote.Transaction) bool {
	return tx.RCT.Type != cryptonote.RCTTypeNull
}

func (trustingRingCT) VerifyNonSemantics(tx *cryptonote.Transaction, _ [][]cryptonote.OutputKey) bool {
	return tx.RCT.Type != cryptonote.RCTTypeNull
}

type testNode struct {
	t      *testing.T
	bc     *Blockchain
	db     *blockdb.DB
	pool   *mempool.Pool
	sn     *servicenodes.Registry
	names  *ons.DB
	ledger *batchdb.DB
	clock  *testClock
	miner  cryptonote.Address
}

func newTestNode(t *testing.T, net params.NetType, clock *testClock) *testNode {
	t.Helper()
	return buildTestNode(t, net, clock, nil)
}

// newStubNode is a test node whose service node list has pulse signatures
// and key image state overridden by the returned stub.
func newStubNode(t *testing.T, net params.NetType, clock *testClock) (*testNode, *stubList) {
	t.Helper()
	var stub *stubList
	n := buildTestNode(t, net, clock, func(r *servicenodes.Registry) servicenodes.List {
		stub = &stubList{Registry: r}
		return stub
	})
	return n, stub
}

func buildTestNode(t *testing.T, net params.NetType, clock *testClock, wrap func(*servicenodes.Registry) servicenodes.List) *testNode {
	t.Helper()

	ledger, err := batchdb.Open(filepath.Join(t.TempDir(), batchdb.DefaultFilename), net)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ledger.Close()) })

	n := &testNode{
		t:      t,
		db:     blockdb.NewMemory(),
		pool:   mempool.New(mempool.DefaultConfig(), nil),
		sn:     servicenodes.NewRegistry(net),
		names:  ons.NewDB(net),
		ledger: ledger,
		clock:  clock,
		miner:  testAddress(t),
	}
	opts := DefaultOptions(net)
	opts.FixedDifficulty = 1
	opts.Hasher = keccakHasher{}
	opts.RingCT = trustingRingCT{}
	opts.Now = clock.Now
	var list servicenodes.List = n.sn
	if wrap != nil {
		list = wrap(n.sn)
	}
	n.bc, err = New(Deps{
		DB:           n.db,
		Pool:         n.pool,
		ServiceNodes: list,
		ONS:          n.names,
		Ledger:       n.ledger,
	}, opts)
	require.NoError(t, err)
	require.NoError(t, n.bc.Init())
	t.Cleanup(func() { _ = n.bc.Deinit() })
	return n
}

// useForks installs forks as the fakechain fork table until the test ends.
// Install it before building nodes.
func useForks(t *testing.T, forks ...params.HardFork) {
	t.Helper()
	orig := params.HardForks(params.Fakechain)
	require.NoError(t, params.SetFakechainHardForks(forks))
	t.Cleanup(func() { require.NoError(t, params.SetFakechainHardForks(orig)) })
}

// stubList accepts pulse blocks without a quorum, except those whose
// validator bitset is badPulse, and reports the key images it is given as
// blacklisted or staked.
type stubList struct {
	*servicenodes.Registry
	badPulse  uint16
	blacklist []servicenodes.BlacklistedKeyImage
	locked    map[crypto.KeyImage]bool
}

func (s *stubList) VerifyPulseSignatures(b *cryptonote.Block) error {
	if s.badPulse != 0 && b.Pulse.ValidatorBitset == s.badPulse {
		return fmt.Errorf("%w: bitset %016b", servicenodes.ErrBadPulse, b.Pulse.ValidatorBitset)
	}
	return nil
}

func (s *stubList) BlacklistedKeyImages() []servicenodes.BlacklistedKeyImage {
	return s.blacklist
}

func (s *stubList) IsKeyImageLocked(ki crypto.KeyImage) (bool, uint64, servicenodes.Contribution) {
	if s.locked[ki] {
		return true, params.KeyImageAwaitingUnlockHeight, servicenodes.Contribution{}
	}
	return false, 0, servicenodes.Contribution{}
}

func testAddress(t *testing.T) cryptonote.Address {
	t.Helper()
	spend, _, err := crypto.GenerateKeys()
	require.NoError(t, err)
	view, _, err := crypto.GenerateKeys()
	require.NoError(t, err)
	return cryptonote.Address{Spend: spend, View: view}
}

func (n *testNode) height() uint64 {
	n.t.Helper()
	h, err := n.bc.Height()
	require.NoError(n.t, err)
	return h
}

func (n *testNode) top() crypto.Hash {
	n.t.Helper()
	_, hash, err := n.bc.Tail()
	require.NoError(n.t, err)
	return hash
}

// template advances the clock by one block and builds on the tip.
func (n *testNode) template() *cryptonote.Block {
	n.t.Helper()
	n.clock.advance(params.TargetBlockTime)
	tmpl, err := n.bc.CreateBlockTemplate(n.miner, 8)
	require.NoError(n.t, err)
	return tmpl.Block
}

func (n *testNode) submit(b *cryptonote.Block) BlockVerificationContext {
	n.t.Helper()
	ctx, err := n.bc.AddNewBlock(b, nil)
	require.NoError(n.t, err)
	return ctx
}

func (n *testNode) mine() *cryptonote.Block {
	n.t.Helper()
	b := n.template()
	ctx := n.submit(b)
	require.True(n.t, ctx.AddedToMainChain, "block rejected: %s", ctx.Reason)
	return b
}

func (n *testNode) mineBlocks(count int) []*cryptonote.Block {
	n.t.Helper()
	out := make([]*cryptonote.Block, count)
	for i := range out {
		out[i] = n.mine()
	}
	return out
}

// pulseTemplate is a template carrying pulse components, marked with
// bitset.
func (n *testNode) pulseTemplate(bitset uint16) *cryptonote.Block {
	n.t.Helper()
	b := n.template()
	b.Pulse = cryptonote.PulseHeader{RandomValue: cryptonote.PulseRandomValue{1}, ValidatorBitset: bitset}
	return b
}

func (n *testNode) minePulse(bitset uint16) *cryptonote.Block {
	n.t.Helper()
	b := n.pulseTemplate(bitset)
	ctx := n.submit(b)
	require.True(n.t, ctx.AddedToMainChain, "pulse block rejected: %s", ctx.Reason)
	return b
}

func blockHash(t *testing.T, b *cryptonote.Block) crypto.Hash {
	t.Helper()
	h, err := b.Hash()
	require.NoError(t, err)
	return h
}

// spendableRing picks RingSize unlocked amount 0 outputs, oldest first.
func (n *testNode) spendableRing() []uint64 {
	n.t.Helper()
	height := n.height()
	total, err := n.db.NumOutputs(0)
	require.NoError(n.t, err)

	var ring []uint64
	for i := uint64(0); i < total && len(ring) < params.RingSize; i++ {
		out, err := n.db.OutputKey(0, i)
		require.NoError(n.t, err)
		if out.UnlockTime <= height && out.UnlockTime < params.MaxBlockNumber {
			ring = append(ring, i)
		}
	}
	require.Len(n.t, ring, params.RingSize, "not enough unlocked outputs, mine more blocks")
	return ring
}

func testKeyImage(t *testing.T) crypto.KeyImage {
	t.Helper()
	pub, _, err := crypto.GenerateKeys()
	require.NoError(t, err)
	return crypto.KeyImage(pub)
}

// keyOffsets turns ascending global output indices into relative ring
// offsets.
func keyOffsets(ring []uint64) []uint64 {
	offsets := make([]uint64, len(ring))
	var prev uint64
	for i, idx := range ring {
		offsets[i] = idx - prev
		prev = idx
	}
	return offsets
}

// transferTx spends ki over the given ring with placeholder RingCT
// signatures, which trustingRingCT accepts.
func transferTx(t *testing.T, ki crypto.KeyImage, ring []uint64, fee uint64) (*cryptonote.Transaction, []byte, crypto.Hash) {
	t.Helper()
	offsets := keyOffsets(ring)
	txPub, _, err := crypto.GenerateKeys()
	require.NoError(t, err)
	out1, _, err := crypto.GenerateKeys()
	require.NoError(t, err)
	out2, _, err := crypto.GenerateKeys()
	require.NoError(t, err)

	tx := &cryptonote.Transaction{
		Version: params.TxVersion2RingCT,
		Type:    params.TxTypeStandard,
		Vin:     []cryptonote.TxInput{&cryptonote.TxInToKey{KeyOffsets: offsets, KeyImage: ki}},
		Vout:    []cryptonote.TxOut{{Key: out1}, {Key: out2}},
		Extra:   cryptonote.AppendExtra(nil, cryptonote.ExtraPubKey{Key: txPub}),
	}
	mg := cryptonote.MGSig{SS: make([][]cryptonote.Key, len(ring))}
	for i := range mg.SS {
		mg.SS[i] = make([]cryptonote.Key, 2)
	}
	tx.RCT = cryptonote.RctSig{
		Type:       cryptonote.RCTTypeSimple,
		TxnFee:     fee,
		PseudoOuts: []cryptonote.Key{{5}},
		EcdhInfo:   make([]cryptonote.EcdhTuple, 2),
		OutPk:      []cryptonote.Key{{3}, {4}},
		P: cryptonote.RctPrunable{
			RangeSigs: make([]cryptonote.RangeSig, 2),
			MGs:       []cryptonote.MGSig{mg},
		},
	}
	blob, err := tx.Serialize()
	require.NoError(t, err)
	id, err := tx.Hash()
	require.NoError(t, err)
	return tx, blob, id
}
