package params

import (
	"fmt"
	"strings"
)

// NetType selects one of the parallel networks.
type NetType uint8

const (
	Mainnet NetType = iota
	Testnet
	Devnet
	Fakechain
)

func (n NetType) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Devnet:
		return "devnet"
	case Fakechain:
		return "fakechain"
	default:
		return fmt.Sprintf("nettype(%d)", uint8(n))
	}
}

// ParseNetType parses a network name as accepted on the command line.
func ParseNetType(s string) (NetType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mainnet":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	case "devnet":
		return Devnet, nil
	case "fakechain", "regtest":
		return Fakechain, nil
	default:
		return 0, fmt.Errorf("unknown network %q", s)
	}
}

// NetworkConfig holds the per-network constants that are not hard fork
// gated.
type NetworkConfig struct {
	Name string

	AddressPrefix           uint64
	IntegratedAddressPrefix uint64
	SubaddressPrefix        uint64

	P2PDefaultPort uint16
	RPCDefaultPort uint16

	GenesisTx    string
	GenesisNonce uint32

	GovernanceRewardIntervalInBlocks uint64
	GovernanceWalletAddress          [2]string // [0] before the wallet switch, [1] after

	// Hard fork at which the second governance wallet takes over.
	GovernanceWalletSwitch HF

	BatchingInterval              uint64
	MinBatchPaymentAmount         uint64
	LimitBatchOutputs             uint64
	ServiceNodePayableAfterBlocks uint64
}

var mainnetConfig = NetworkConfig{
	Name:                               "mainnet",
	AddressPrefix:                      114,
	IntegratedAddressPrefix:            115,
	SubaddressPrefix:                   116,
	P2PDefaultPort:                     22022,
	RPCDefaultPort:                     22023,
	GenesisTx: "021e01ff000380808d93f5d771027c4fd4553bc9886f1f49e3f76d945bf71e8632a94e6c177b19cbc780e7e6bdb48080b4ccd4dfc60302c8b9f6461f58ef3f2107e577c7425d06af584a1c7482bf19060e84059c98b4c3808088fccdbcc32302732b53b0b0db706fcc3087074fb4b786da5ab72b2065699f9453448b0db27f892101ed71f2ce3fc70d7b2036f8a4e4b3fb75c66c12184b55a908e7d1a1d6995566cf00",
	GenesisNonce:                     1022201,
	GovernanceRewardIntervalInBlocks: 7 * BlocksPerDay,
	GovernanceWalletAddress: [2]string{
		"LCFxT37LAogDn1jLQKf4y7aAqfi21DjovX9qyijaLYQSdrxY1U5VGcnMJMjWrD9RhjeK5Lym67wZ73uh9AujXLQ1RKmXEyL",
		"LDBEN6Ut4NkMwyaXWZ7kBEAx8X64o6YtDhLXUP26uLHyYT4nFmcaPU2Z2fauqrhTLh4Qfr61pUUZVLaTHqAdycETKM1STrz",
	},
	GovernanceWalletSwitch:        HF11InfiniteStaking,
	BatchingInterval:              2520,
	MinBatchPaymentAmount:         1_000_000_000,
	LimitBatchOutputs:             15,
	ServiceNodePayableAfterBlocks: 720,
}

var testnetConfig = NetworkConfig{
	Name:                               "testnet",
	AddressPrefix:                      156,
	IntegratedAddressPrefix:            157,
	SubaddressPrefix:                   158,
	P2PDefaultPort:                     38156,
	RPCDefaultPort:                     38157,
	GenesisTx:                          "04011e1e01ff00018080c9db97f4fb2702fa27e905f604faa4eb084ee675faca77b0cfea9adec1526da33cae5e286f31624201dae05bf3fa1662b7fd373c92426763d921cf3745e10ee43edb510f690c656f247200000000000000000000000000000000000000000000000000000000000000000000",
	GenesisNonce:                       12345,
	GovernanceRewardIntervalInBlocks:   1000,
	GovernanceWalletAddress: [2]string{
		"T6Tnu9YUgVcSzswBgVioqFNTfcqGopvTrcYjs4YDLHUfU64DuHxFoEmbwoyipTidGiTXx5EuYdgzZhDLMTo9uEv82M482ypm7",
		"T6Tnu9YUgVcSzswBgVioqFNTfcqGopvTrcYjs4YDLHUfU64DuHxFoEmbwoyipTidGiTXx5EuYdgzZhDLMTo9uEv82M482ypm7",
	},
	GovernanceWalletSwitch:        HF10Bulletproofs,
	BatchingInterval:              20,
	MinBatchPaymentAmount:         1_000_000_000,
	LimitBatchOutputs:             15,
	ServiceNodePayableAfterBlocks: 4,
}

var devnetConfig = func() NetworkConfig {
	c := testnetConfig
	c.Name = "devnet"
	c.AddressPrefix = 3930
	c.IntegratedAddressPrefix = 4442
	c.SubaddressPrefix = 5850
	c.P2PDefaultPort = 38856
	c.RPCDefaultPort = 38857
	c.GovernanceRewardIntervalInBlocks = 7 * BlocksPerDay
	c.GovernanceWalletAddress = [2]string{
		"dV3EhSE1xXgSzswBgVioqFNTfcqGopvTrcYjs4YDLHUfU64DuHxFoEmbwoyipTidGiTXx5EuYdgzZhDLMTo9uEv82M4A7Uimp",
		"dV3EhSE1xXgSzswBgVioqFNTfcqGopvTrcYjs4YDLHUfU64DuHxFoEmbwoyipTidGiTXx5EuYdgzZhDLMTo9uEv82M4A7Uimp",
	}
	return c
}()

var fakechainConfig = func() NetworkConfig {
	c := mainnetConfig
	c.Name = "fakechain"
	c.GovernanceRewardIntervalInBlocks = 100
	c.BatchingInterval = testnetConfig.BatchingInterval
	c.MinBatchPaymentAmount = testnetConfig.MinBatchPaymentAmount
	c.LimitBatchOutputs = testnetConfig.LimitBatchOutputs
	c.ServiceNodePayableAfterBlocks = testnetConfig.ServiceNodePayableAfterBlocks
	return c
}()

// Config returns the constants for net.
func Config(net NetType) *NetworkConfig {
	switch net {
	case Mainnet:
		return &mainnetConfig
	case Testnet:
		return &testnetConfig
	case Devnet:
		return &devnetConfig
	default:
		return &fakechainConfig
	}
}

// GovernanceWallet returns the governance wallet address in force at
// version.
func (c *NetworkConfig) GovernanceWallet(version HF) string {
	if version >= c.GovernanceWalletSwitch {
		return c.GovernanceWalletAddress[1]
	}
	return c.GovernanceWalletAddress[0]
}
