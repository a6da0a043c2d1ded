package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/x-vinnci/saferun-core-sub001/logging"
)

const Version = "0.3.0"

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "saferund"
	app.Version = Version
	app.Usage = "saferun blockchain node"
	app.Flags = globalFlags
	app.Commands = []cli.Command{
		runCommand,
		statusCommand,
		popBlocksCommand,
		printBlockCommand,
		ledgerCommand,
		versionCommand,
	}
	app.Action = runNode
	return app
}

// setupLogging applies the logging part of cfg.
func setupLogging(cfg Config) error {
	if err := logging.SetFormat(cfg.LogFormat); err != nil {
		return err
	}
	return logging.SetLevels(cfg.LogLevel)
}
