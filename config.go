package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli"

	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

// Config is the node configuration. It is read from a TOML file and then
// overridden by any command line flag that was set explicitly.
type Config struct {
	DataDir   string `toml:"data_dir"`
	Network   string `toml:"network"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	// DBBackend is "bolt" or "memory".
	DBBackend      string        `toml:"db_backend"`
	DBSyncInterval time.Duration `toml:"db_sync_interval"`

	CheckpointsFile string `toml:"checkpoints_file"`
	CheckpointsURL  string `toml:"checkpoints_url"`

	MempoolMaxWeight uint64        `toml:"mempool_max_weight"`
	MempoolLivetime  time.Duration `toml:"mempool_livetime"`
	PruneInterval    time.Duration `toml:"prune_interval"`

	MaxPrepareBlocksThreads int    `toml:"max_prepare_blocks_threads"`
	MetricsListen           string `toml:"metrics_listen"`
	FixedDifficulty         uint64 `toml:"fixed_difficulty"`
	// Offline disables every outgoing connection, including the checkpoint
	// file download.
	Offline bool `toml:"offline"`

	// MinerAddress enables the built-in miner, paying to this address.
	MinerAddress  string `toml:"miner_address"`
	MiningThreads int    `toml:"mining_threads"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		DataDir:                 "./data",
		Network:                 params.Mainnet.String(),
		LogLevel:                "info",
		LogFormat:               "text",
		DBBackend:               "bolt",
		DBSyncInterval:          time.Minute,
		MempoolMaxWeight:        params.DefaultMempoolMaxWeight,
		MempoolLivetime:         params.MempoolTxLivetime,
		PruneInterval:           30 * time.Second,
		MaxPrepareBlocksThreads: 4,
		MiningThreads:           1,
	}
}

// LoadConfig reads path over the defaults. An empty path returns the
// defaults. Unknown keys are an error so typos do not go unnoticed.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// NetType is the parsed network name.
func (c *Config) NetType() (params.NetType, error) {
	return params.ParseNetType(c.Network)
}

// ChainDir is where the network's stores live. Mainnet uses the data
// directory itself; other networks get a subdirectory.
func (c *Config) ChainDir() string {
	net, err := c.NetType()
	if err != nil || net == params.Mainnet {
		return c.DataDir
	}
	return filepath.Join(c.DataDir, net.String())
}

// Miner decodes MinerAddress. ok is false when mining is not configured.
func (c *Config) Miner() (addr cryptonote.Address, ok bool, err error) {
	if c.MinerAddress == "" {
		return addr, false, nil
	}
	net, err := c.NetType()
	if err != nil {
		return addr, false, err
	}
	addr, err = cryptonote.DecodeAddress(net, c.MinerAddress)
	if err != nil {
		return addr, false, fmt.Errorf("invalid miner address: %w", err)
	}
	return addr, true, nil
}

// Validate checks the values a node cannot start with.
func (c *Config) Validate() error {
	if _, err := c.NetType(); err != nil {
		return err
	}
	switch c.DBBackend {
	case "bolt", "memory":
	default:
		return fmt.Errorf("unknown db backend %q (want bolt or memory)", c.DBBackend)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", c.LogFormat)
	}
	if c.DataDir == "" && c.DBBackend != "memory" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.MaxPrepareBlocksThreads < 1 {
		return fmt.Errorf("max_prepare_blocks_threads must be at least 1")
	}
	if c.MiningThreads < 1 {
		return fmt.Errorf("mining_threads must be at least 1")
	}
	if c.PruneInterval <= 0 || c.DBSyncInterval <= 0 {
		return fmt.Errorf("prune_interval and db_sync_interval must be positive")
	}
	_, _, err := c.Miner()
	return err
}

// Command line flags. Each one overrides the config key of the same name
// with dashes in place of underscores.
var (
	configFileFlag = cli.StringFlag{
		Name:      "config-file",
		Usage:     "TOML configuration file",
		TakesFile: true,
	}
	dataDirFlag = cli.StringFlag{
		Name:      "data-dir",
		Usage:     "directory holding the chain databases",
		TakesFile: true,
	}
	networkFlag = cli.StringFlag{
		Name:  "network",
		Usage: "mainnet, testnet, devnet or fakechain",
	}
	logLevelFlag = cli.StringFlag{
		Name:  "log-level",
		Usage: `level spec, e.g. "warning,blockchain:debug"`,
	}
	logFormatFlag = cli.StringFlag{
		Name:  "log-format",
		Usage: "text or json",
	}
	dbBackendFlag = cli.StringFlag{
		Name:  "db-backend",
		Usage: "bolt or memory",
	}
	dbSyncIntervalFlag = cli.DurationFlag{
		Name:  "db-sync-interval",
		Usage: "how often the block store is flushed to disk",
	}
	checkpointsFileFlag = cli.StringFlag{
		Name:      "checkpoints-file",
		Usage:     "checkpoint file, defaults to checkpoints.dat in the data directory",
		TakesFile: true,
	}
	checkpointsURLFlag = cli.StringFlag{
		Name:  "checkpoints-url",
		Usage: "where to download the checkpoint file from when it is missing",
	}
	mempoolMaxWeightFlag = cli.Uint64Flag{
		Name:  "mempool-max-weight",
		Usage: "pool weight above which the cheapest transactions are dropped",
	}
	mempoolLivetimeFlag = cli.DurationFlag{
		Name:  "mempool-livetime",
		Usage: "how long a transaction may stay in the pool",
	}
	pruneIntervalFlag = cli.DurationFlag{
		Name:  "prune-interval",
		Usage: "how often expired pool transactions are removed",
	}
	prepareThreadsFlag = cli.IntFlag{
		Name:  "max-prepare-blocks-threads",
		Usage: "workers hashing incoming blocks",
	}
	metricsListenFlag = cli.StringFlag{
		Name:  "metrics-listen",
		Usage: "host:port serving /metrics, empty to disable",
	}
	fixedDifficultyFlag = cli.Uint64Flag{
		Name:  "fixed-difficulty",
		Usage: "use a constant difficulty (fakechain and devnet only)",
	}
	offlineFlag = cli.BoolFlag{
		Name:  "offline",
		Usage: "make no outgoing connections",
	}
	minerAddressFlag = cli.StringFlag{
		Name:  "miner-address",
		Usage: "run the built-in miner paying to this address",
	}
	miningThreadsFlag = cli.IntFlag{
		Name:  "mining-threads",
		Usage: "built-in miner threads",
	}
)

var globalFlags = []cli.Flag{
	configFileFlag,
	dataDirFlag,
	networkFlag,
	logLevelFlag,
	logFormatFlag,
	dbBackendFlag,
	dbSyncIntervalFlag,
	checkpointsFileFlag,
	checkpointsURLFlag,
	mempoolMaxWeightFlag,
	mempoolLivetimeFlag,
	pruneIntervalFlag,
	prepareThreadsFlag,
	metricsListenFlag,
	fixedDifficultyFlag,
	offlineFlag,
	minerAddressFlag,
	miningThreadsFlag,
}

// configFromContext loads the config file named on the command line and
// applies the flags that were set.
func configFromContext(ctx *cli.Context) (Config, error) {
	cfg, err := LoadConfig(ctx.GlobalString(configFileFlag.Name))
	if err != nil {
		return cfg, err
	}
	set := ctx.GlobalIsSet
	if set(dataDirFlag.Name) {
		cfg.DataDir = ctx.GlobalString(dataDirFlag.Name)
	}
	if set(networkFlag.Name) {
		cfg.Network = ctx.GlobalString(networkFlag.Name)
	}
	if set(logLevelFlag.Name) {
		cfg.LogLevel = ctx.GlobalString(logLevelFlag.Name)
	}
	if set(logFormatFlag.Name) {
		cfg.LogFormat = ctx.GlobalString(logFormatFlag.Name)
	}
	if set(dbBackendFlag.Name) {
		cfg.DBBackend = ctx.GlobalString(dbBackendFlag.Name)
	}
	if set(dbSyncIntervalFlag.Name) {
		cfg.DBSyncInterval = ctx.GlobalDuration(dbSyncIntervalFlag.Name)
	}
	if set(checkpointsFileFlag.Name) {
		cfg.CheckpointsFile = ctx.GlobalString(checkpointsFileFlag.Name)
	}
	if set(checkpointsURLFlag.Name) {
		cfg.CheckpointsURL = ctx.GlobalString(checkpointsURLFlag.Name)
	}
	if set(mempoolMaxWeightFlag.Name) {
		cfg.MempoolMaxWeight = ctx.GlobalUint64(mempoolMaxWeightFlag.Name)
	}
	if set(mempoolLivetimeFlag.Name) {
		cfg.MempoolLivetime = ctx.GlobalDuration(mempoolLivetimeFlag.Name)
	}
	if set(pruneIntervalFlag.Name) {
		cfg.PruneInterval = ctx.GlobalDuration(pruneIntervalFlag.Name)
	}
	if set(prepareThreadsFlag.Name) {
		cfg.MaxPrepareBlocksThreads = ctx.GlobalInt(prepareThreadsFlag.Name)
	}
	if set(metricsListenFlag.Name) {
		cfg.MetricsListen = ctx.GlobalString(metricsListenFlag.Name)
	}
	if set(fixedDifficultyFlag.Name) {
		cfg.FixedDifficulty = ctx.GlobalUint64(fixedDifficultyFlag.Name)
	}
	if set(offlineFlag.Name) {
		cfg.Offline = ctx.GlobalBool(offlineFlag.Name)
	}
	if set(minerAddressFlag.Name) {
		cfg.MinerAddress = ctx.GlobalString(minerAddressFlag.Name)
	}
	if set(miningThreadsFlag.Name) {
		cfg.MiningThreads = ctx.GlobalInt(miningThreadsFlag.Name)
	}
	return cfg, cfg.Validate()
}
