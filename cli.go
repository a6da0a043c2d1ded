package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

var (
	runCommand = cli.Command{
		Name:   "run",
		Usage:  "run the node until interrupted",
		Action: runNode,
	}
	statusCommand = cli.Command{
		Name:   "status",
		Usage:  "print the chain tip and pool summary",
		Action: withNode(cmdStatus),
	}
	popBlocksCommand = cli.Command{
		Name:      "pop-blocks",
		Usage:     "remove blocks from the top of the chain",
		ArgsUsage: "N",
		Action:    withNode(cmdPopBlocks),
	}
	printBlockCommand = cli.Command{
		Name:      "print-block",
		Usage:     "dump a main chain block by height or hash",
		ArgsUsage: "HEIGHT|HASH",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "blob",
				Usage: "print the serialized block as hex instead",
			},
		},
		Action: withNode(cmdPrintBlock),
	}
	ledgerCommand = cli.Command{
		Name:   "ledger",
		Usage:  "list the batched service node balances",
		Action: withNode(cmdLedger),
	}
	versionCommand = cli.Command{
		Name:  "version",
		Usage: "print the version",
		Action: func(ctx *cli.Context) error {
			fmt.Fprintf(ctx.App.Writer, "%s v%s\n", ctx.App.Name, Version)
			return nil
		},
	}
)

// openNode builds a node from the command line. One-shot commands never
// go online.
func openNode(ctx *cli.Context, oneShot bool) (*Node, error) {
	cfg, err := configFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := setupLogging(cfg); err != nil {
		return nil, err
	}
	if oneShot {
		cfg.Offline = true
		cfg.MinerAddress = ""
		cfg.MetricsListen = ""
	}
	return NewNode(cfg)
}

// withNode runs fn against an opened node and closes it afterwards.
func withNode(fn func(ctx *cli.Context, n *Node) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		n, err := openNode(ctx, true)
		if err != nil {
			return err
		}
		runErr := fn(ctx, n)
		if err := n.Close(); err != nil && runErr == nil {
			runErr = fmt.Errorf("failed to close node: %w", err)
		}
		return runErr
	}
}

func runNode(ctx *cli.Context) error {
	n, err := openNode(ctx, false)
	if err != nil {
		return err
	}

	// Handle Ctrl+C gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := n.Start(); err != nil {
		n.Close()
		return fmt.Errorf("failed to start node: %w", err)
	}
	stats, err := n.Stats()
	if err == nil {
		log.WithField("net", stats.Network).
			WithField("height", stats.Height).
			WithField("top", stats.TopHash.String()).
			Info("node running, press Ctrl+C to stop")
	}

	<-sigChan
	log.Info("shutting down")
	if err := n.Close(); err != nil {
		return fmt.Errorf("shutdown encountered errors: %w", err)
	}
	return nil
}

func sectionHead(w io.Writer, title string) {
	fmt.Fprintf(w, "\n# %s\n", title)
}

func cmdStatus(ctx *cli.Context, n *Node) error {
	s, err := n.Stats()
	if err != nil {
		return err
	}
	w := ctx.App.Writer
	sectionHead(w, "Chain")
	fmt.Fprintf(w, "  Network:       %s\n", s.Network)
	fmt.Fprintf(w, "  Height:        %d\n", s.Height)
	fmt.Fprintf(w, "  Top:           %s\n", s.TopHash)
	fmt.Fprintf(w, "  Cumul. diff.:  %d\n", s.CumulativeDifficulty)
	fmt.Fprintf(w, "  Emission:      %s\n", formatAmount(s.GeneratedCoins))
	fmt.Fprintf(w, "  Weight limit:  %d\n", s.WeightLimit)
	fmt.Fprintf(w, "  Service nodes: %d\n", s.ServiceNodes)
	sectionHead(w, "Pool")
	fmt.Fprintf(w, "  Transactions:  %d\n", s.Pool.Count)
	fmt.Fprintf(w, "  Weight:        %d\n", s.Pool.Weight)
	fmt.Fprintf(w, "  Fees:          %s\n", formatAmount(s.Pool.TotalFee))
	if !s.Pool.Oldest.IsZero() {
		fmt.Fprintf(w, "  Oldest:        %s ago\n", time.Since(s.Pool.Oldest).Round(time.Second))
	}
	return nil
}

func cmdPopBlocks(ctx *cli.Context, n *Node) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: pop-blocks N")
	}
	count, err := strconv.ParseUint(ctx.Args().First(), 10, 64)
	if err != nil || count == 0 {
		return fmt.Errorf("invalid block count %q", ctx.Args().First())
	}
	popped, err := n.PopBlocks(count)
	if err != nil {
		return err
	}
	s, err := n.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "Popped %d blocks, new height %d\n", popped, s.Height)
	return nil
}

// lookupBlock resolves a height or a 64 character block hash.
func lookupBlock(n *Node, arg string) (*cryptonote.Block, error) {
	arg = strings.TrimSpace(arg)
	if len(arg) == 2*len(crypto.Hash{}) {
		hash, err := crypto.HashFromHex(arg)
		if err != nil {
			return nil, err
		}
		b, onMain, err := n.Chain().BlockByHash(hash)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, fmt.Errorf("block %s not found", hash)
		}
		if !onMain {
			log.WithField("hash", hash.String()).Info("block is on an alternative chain")
		}
		return b, nil
	}
	height, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid height or hash %q", arg)
	}
	return n.BlockAt(height)
}

func cmdPrintBlock(ctx *cli.Context, n *Node) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: print-block HEIGHT|HASH")
	}
	b, err := lookupBlock(n, ctx.Args().First())
	if err != nil {
		return err
	}
	w := ctx.App.Writer
	if ctx.Bool("blob") {
		blob, err := b.Serialize()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, hex.EncodeToString(blob))
		return nil
	}
	hash, err := b.Hash()
	if err != nil {
		return err
	}
	sectionHead(w, fmt.Sprintf("Block %d", b.Height))
	fmt.Fprintf(w, "  Hash: %s\n", hash)
	cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, DisableCapacities: true, SortKeys: true}
	cfg.Fdump(w, b)
	return nil
}

func cmdLedger(ctx *cli.Context, n *Node) error {
	balances, err := n.Ledger().Balances()
	if err != nil {
		return err
	}
	w := ctx.App.Writer
	sectionHead(w, fmt.Sprintf("Batched balances at height %d", n.Ledger().Height()))
	if len(balances) == 0 {
		fmt.Fprintln(w, "  None")
	}
	for _, b := range balances {
		fmt.Fprintf(w, "  %s  %s  (since %d)\n",
			cryptonote.EncodeAddress(n.net, b.Address),
			formatAmount(b.Amount/params.BatchRewardFactor),
			b.Height)
	}
	if err := n.Ledger().Conservation(); err != nil {
		return fmt.Errorf("ledger check failed: %w", err)
	}
	return nil
}

// formatAmount renders atomic units with trailing zeros trimmed.
func formatAmount(atomicUnits uint64) string {
	whole := atomicUnits / params.Coin
	frac := atomicUnits % params.Coin
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	fracStr := fmt.Sprintf("%0*d", params.DisplayDecimalPoint, frac)
	return fmt.Sprintf("%d.%s", whole, strings.TrimRight(fracStr, "0"))
}
