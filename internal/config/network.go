package config

import (
	"fmt"
	"strings"
)

// cfaForwarder is deployed at the same address on every Superfluid network.
const cfaForwarder = "0xcfA132E353cB4E398080B9700609bb008eceB125"

type networkPreset struct {
	chainID     int64
	rpcURL      string
	subgraphURL string
}

var networks = map[string]networkPreset{
	"optimism": {
		chainID:     10,
		rpcURL:      "https://mainnet.optimism.io",
		subgraphURL: "https://subgraph-endpoints.superfluid.dev/optimism-mainnet/vesting-scheduler",
	},
	"optimism-sepolia": {
		chainID:     11155420,
		rpcURL:      "https://sepolia.optimism.io",
		subgraphURL: "https://subgraph-endpoints.superfluid.dev/optimism-sepolia/vesting-scheduler",
	},
}

// ApplyNetwork fills chain settings left blank from a named preset.
// Supported networks:
// - optimism:         OP mainnet (chain 10)
// - optimism-sepolia: OP Sepolia (chain 11155420)
// Token and scheduler addresses are never preset.
func ApplyNetwork(cfg *Config, name string) error {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return nil
	}
	if n == "op-sepolia" {
		n = "optimism-sepolia"
	}
	preset, ok := networks[n]
	if !ok {
		return fmt.Errorf("unknown network %q (supported: optimism|optimism-sepolia)", name)
	}
	if cfg.Chain.ChainID != 0 && cfg.Chain.ChainID != preset.chainID {
		return fmt.Errorf("network %s is chain %d but chain.chain_id is %d", n, preset.chainID, cfg.Chain.ChainID)
	}

	cfg.Network = n
	cfg.Chain.ChainID = preset.chainID
	fillString(&cfg.Chain.RPCURL, preset.rpcURL)
	fillString(&cfg.Subgraph.URL, preset.subgraphURL)
	fillString(&cfg.Chain.CFAForwarder, cfaForwarder)
	return nil
}

func fillString(v *string, def string) {
	if strings.TrimSpace(*v) == "" {
		*v = def
	}
}
