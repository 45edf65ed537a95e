// Package genesis validates a GenesisConfig and constructs the chain's
// first block and its initial UTXO allocation, per spec §4.1/§4.8. It is
// grounded on pkg/chain/chain.go's createGenesisBlock/createCoinbaseTransaction
// shape, reworked: the genesis block carries zero transactions and the
// initial allocations are synthesized directly as UTXOs rather than routed
// through a coinbase transaction, per spec's S1 scenario.
package genesis

import (
	"fmt"
	"regexp"
	"time"

	"github.com/gochain/gochain/pkg/block"
	"github.com/gochain/gochain/pkg/goerr"
	"github.com/gochain/gochain/pkg/utxo"
)

// NetworkType is the declared deployment tier for a genesis config.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Devnet  NetworkType = "devnet"
	Private NetworkType = "private"
)

// Allocation is one initial balance credited at genesis.
type Allocation struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

// NetworkParams bounds the chain's consensus parameters, re-parameterizing
// the teacher's hardcoded Bitcoin-style constants from genesis config.
type NetworkParams struct {
	InitialDifficulty uint32        `json:"initial_difficulty"`
	TargetBlockTime   time.Duration `json:"target_block_time"`
	AdjustmentPeriod  int           `json:"adjustment_period"`
	MaxDifficultyRatio float64      `json:"max_difficulty_ratio"`
	MaxBlockSize      int64         `json:"max_block_size"`
	MiningReward      uint64        `json:"mining_reward"`
	HalvingInterval   uint64        `json:"halving_interval"`
}

// Metadata is descriptive, non-consensus genesis information.
type Metadata struct {
	Timestamp   int64       `json:"timestamp"` // ms since epoch
	Description string      `json:"description"`
	Creator     string      `json:"creator"`
	NetworkType NetworkType `json:"network_type"`
}

// Config is the full genesis declaration spec §4.1 describes.
type Config struct {
	ChainID            string        `json:"chain_id"`
	NetworkName        string        `json:"network_name"`
	Version            string        `json:"version"` // semver
	InitialAllocations []Allocation  `json:"initial_allocations"`
	TotalSupply        uint64        `json:"total_supply"`
	NetworkParams      NetworkParams `json:"network_params"`
	Metadata           Metadata      `json:"metadata"`
}

const (
	minChainIDLen    = 3
	minDescriptionLen = 10
	minCreatorLen    = 3
)

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

// Validate checks every GenesisConfig invariant spec §4.1 lists, returning
// every violation found rather than stopping at the first, matching
// pkg/block's accumulate-all-violations validation style.
func (c *Config) Validate(now time.Time) []error {
	var errs []error

	if len(c.ChainID) < minChainIDLen {
		errs = append(errs, fmt.Errorf("chain_id must be at least %d characters", minChainIDLen))
	}
	if c.NetworkName == "" {
		errs = append(errs, fmt.Errorf("network_name must not be empty"))
	}
	if !semverRe.MatchString(c.Version) {
		errs = append(errs, fmt.Errorf("version %q is not valid semver", c.Version))
	}

	seen := make(map[string]bool, len(c.InitialAllocations))
	var sum uint64
	for _, a := range c.InitialAllocations {
		if seen[a.Address] {
			errs = append(errs, fmt.Errorf("duplicate allocation address %q", a.Address))
		}
		seen[a.Address] = true
		if a.Amount == 0 {
			errs = append(errs, fmt.Errorf("allocation for %q must be positive", a.Address))
		}
		sum += a.Amount
	}
	if sum > c.TotalSupply {
		errs = append(errs, fmt.Errorf("sum of initial allocations (%d) exceeds total_supply (%d)", sum, c.TotalSupply))
	}

	np := c.NetworkParams
	if np.InitialDifficulty < 1 {
		errs = append(errs, fmt.Errorf("initial_difficulty must be >=1"))
	}
	if np.TargetBlockTime < 60*time.Second || np.TargetBlockTime > 1800*time.Second {
		errs = append(errs, fmt.Errorf("target_block_time must be between 60s and 1800s"))
	}
	if np.AdjustmentPeriod < 1 || np.AdjustmentPeriod > 100 {
		errs = append(errs, fmt.Errorf("adjustment_period must be between 1 and 100"))
	}
	if np.MaxDifficultyRatio < 2 || np.MaxDifficultyRatio > 10 {
		errs = append(errs, fmt.Errorf("max_difficulty_ratio must be between 2 and 10"))
	}
	if np.MaxBlockSize < 1024 || np.MaxBlockSize > 32*1024*1024 {
		errs = append(errs, fmt.Errorf("max_block_size must be between 1KiB and 32MiB"))
	}
	if np.MiningReward == 0 {
		errs = append(errs, fmt.Errorf("mining_reward must be >0"))
	}

	md := c.Metadata
	if md.Timestamp > now.UnixMilli() {
		errs = append(errs, fmt.Errorf("metadata.timestamp must not be in the future"))
	}
	if len(md.Description) < minDescriptionLen {
		errs = append(errs, fmt.Errorf("metadata.description must be at least %d characters", minDescriptionLen))
	}
	if len(md.Creator) < minCreatorLen {
		errs = append(errs, fmt.Errorf("metadata.creator must be at least %d characters", minCreatorLen))
	}
	switch md.NetworkType {
	case Mainnet, Testnet, Devnet, Private:
	default:
		errs = append(errs, fmt.Errorf("metadata.network_type %q is not one of mainnet/testnet/devnet/private", md.NetworkType))
	}

	return errs
}

// Result bundles the constructed genesis block and the UTXOs it seeds.
type Result struct {
	Block *block.Block
	UTXOs []*utxo.UTXO
}

// genesisTxIDPrefix names the synthetic transaction id allocation UTXOs are
// keyed under, matching the S1 scenario's "genesis-0-*" id shape.
const genesisTxIDPrefix = "genesis-0"

// Build validates cfg and, if valid, constructs the genesis block (index 0,
// previous_hash "0", zero transactions, difficulty from
// network_params.initial_difficulty) plus one UTXO per initial allocation,
// each keyed by a synthetic genesis-0-<n> transaction id at output index 0.
func Build(cfg *Config, now time.Time) (*Result, error) {
	if errs := cfg.Validate(now); len(errs) > 0 {
		return nil, goerr.New(goerr.InvalidConfig, "", fmt.Sprintf("invalid genesis config: %v", errs), nil)
	}

	b := block.New(0, cfg.Metadata.Timestamp, "0", cfg.NetworkParams.InitialDifficulty, []*block.Transaction{})
	b.Mine()

	utxos := make([]*utxo.UTXO, 0, len(cfg.InitialAllocations))
	for i, a := range cfg.InitialAllocations {
		utxos = append(utxos, &utxo.UTXO{
			TxID:          fmt.Sprintf("%s-%d", genesisTxIDPrefix, i),
			OutputIndex:   0,
			Value:         a.Amount,
			LockingScript: []byte(a.Address),
			BlockHeight:   0,
		})
	}

	return &Result{Block: b, UTXOs: utxos}, nil
}

// Seed applies a built Result's UTXOs into set, for wiring into pkg/node's
// startup path.
func Seed(set *utxo.Set, res *Result) {
	for _, u := range res.UTXOs {
		set.Put(u)
	}
}
