package main

import (
	"context"
	"testing"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

// testConfig is a fakechain node in dataDir where every hash meets the
// difficulty.
func testConfig(t *testing.T, dataDir string) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DataDir = dataDir
	cfg.Network = params.Fakechain.String()
	cfg.FixedDifficulty = 1
	cfg.Offline = true
	return cfg
}

func mustCreateTestNode(t *testing.T, cfg Config) *Node {
	t.Helper()

	n, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}
	t.Cleanup(func() {
		if err := n.Close(); err != nil {
			t.Errorf("failed to close node: %v", err)
		}
	})
	return n
}

func mustTestAddress(t *testing.T) cryptonote.Address {
	t.Helper()

	spend, _, err := crypto.GenerateKeys()
	if err != nil {
		t.Fatalf("failed to generate spend key: %v", err)
	}
	view, _, err := crypto.GenerateKeys()
	if err != nil {
		t.Fatalf("failed to generate view key: %v", err)
	}
	return cryptonote.Address{Spend: spend, View: view}
}

func mustHeight(t *testing.T, n *Node) uint64 {
	t.Helper()

	s, err := n.Stats()
	if err != nil {
		t.Fatalf("failed to read stats: %v", err)
	}
	return s.Height
}

// mustMineBlocks solves and submits count blocks paying to addr.
func mustMineBlocks(t *testing.T, n *Node, addr cryptonote.Address, count int) []*cryptonote.Block {
	t.Helper()

	m := NewMiner(n, MinerConfig{Address: addr, Threads: 1})
	var out []*cryptonote.Block
	for i := 0; i < count; i++ {
		b, err := m.MineBlock(context.Background())
		if err != nil {
			t.Fatalf("failed to mine block %d: %v", i, err)
		}
		ctx, err := n.SubmitBlock(b)
		if err != nil {
			t.Fatalf("failed to submit block %d: %v", i, err)
		}
		if !ctx.AddedToMainChain {
			t.Fatalf("block %d not added: %s", i, ctx.Reason)
		}
		out = append(out, b)
	}
	return out
}
