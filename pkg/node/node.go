// Package node wires the block chain, UTXO set, pending-transaction pool,
// and priority/duty-cycle/mesh components into the read-only accessor
// contract spec §6 describes for an external (out-of-scope) HTTP adapter.
// It is grounded on pkg/chain/chain.go's read accessors (GetBlock,
// GetHeight, GetDifficulty) and pkg/consensus.go's difficulty bookkeeping,
// generalized to the UTXO-only chain model in pkg/block/pkg/utxo. Block
// acceptance delegates proof-of-work, timestamp, and difficulty-adjustment
// rules to pkg/consensus, with Node itself satisfying consensus.ChainReader.
package node

import (
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/gochain/gochain/pkg/block"
	"github.com/gochain/gochain/pkg/cache"
	"github.com/gochain/gochain/pkg/consensus"
	"github.com/gochain/gochain/pkg/genesis"
	"github.com/gochain/gochain/pkg/goerr"
	"github.com/gochain/gochain/pkg/logger"
	"github.com/gochain/gochain/pkg/utxo"
)

// BlockchainInfo summarizes chain tip state for get_blockchain_info().
type BlockchainInfo struct {
	Height          uint64
	TipHash         string
	Difficulty      uint32
	TargetBlockTime time.Duration
}

// ReadAPI is the read-only contract an external REST router consumes, per
// spec §6. submit_transaction is the sole write path; everything else is a
// pure accessor over chain state.
type ReadAPI interface {
	GetBlocks(offset, limit int) []*block.Block
	GetBlockchainInfo() BlockchainInfo
	GetDifficulty() uint32
	GetHashrateEstimate() float64
	SubmitTransaction(tx *block.Transaction) error
	GetUTXOsForAddress(address string) []*utxo.UTXO
}

// Node owns the in-memory chain, UTXO set, and pending transaction pool for
// one running process. Mutation is serialized behind mu, per spec §5's
// single-writer-per-resource rule.
type Node struct {
	mu            sync.RWMutex
	id            string
	blocks        []*block.Block
	utxos         *utxo.Set
	pending       []*block.Transaction
	networkParams genesis.NetworkParams
	algo          utxo.Algorithm
	log           *logger.Logger
	consensus     *consensus.Consensus
	// utxoCache memoizes GetUTXOsForAddress lookups, which a LoRa node's
	// wallet/balance queries hit repeatedly against the same handful of
	// addresses; cleared entirely on every AppendBlock.
	utxoCache *cache.AdvancedCache
}

// Config bundles the parameters needed to construct a Node from a built
// genesis result.
type Config struct {
	NodeID        string
	Genesis       *genesis.Result
	NetworkParams genesis.NetworkParams
	Algorithm     utxo.Algorithm
	Logger        *logger.Logger
}

// New constructs a Node seeded with cfg.Genesis's block and allocations.
func New(cfg Config) *Node {
	log := cfg.Logger
	if log == nil {
		log = logger.NewLogger(logger.DefaultConfig())
	}
	set := utxo.NewSet()
	var blocks []*block.Block
	if cfg.Genesis != nil {
		genesis.Seed(set, cfg.Genesis)
		blocks = append(blocks, cfg.Genesis.Block)
	}
	n := &Node{
		id:            cfg.NodeID,
		blocks:        blocks,
		utxos:         set,
		networkParams: cfg.NetworkParams,
		algo:          cfg.Algorithm,
		log:           log,
		utxoCache:     cache.NewAdvancedCache(cache.DefaultCacheConfig()),
	}
	n.consensus = consensus.NewConsensus(consensus.DefaultConsensusConfig(cfg.NetworkParams), n)
	return n
}

// Close releases background resources (the UTXO lookup cache's maintenance
// worker). Safe to call once a Node is no longer in use.
func (n *Node) Close() {
	n.utxoCache.Close()
}

// AppendBlock validates b against the current tip, applies it to the UTXO
// set, and extends the local chain. It is the only path that advances
// chain height, per spec §5.
func (n *Node) AppendBlock(b *block.Block) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	tip := n.tipLocked()
	if tip != nil {
		if b.Index != tip.Index+1 {
			return goerr.New(goerr.InvalidBlock, "", "block index is not sequential with the current tip", nil)
		}
		if b.PreviousHash != tip.Hash {
			return goerr.New(goerr.InvalidBlock, "", "block does not link to the current tip hash", nil)
		}
	}
	if err := n.consensus.ValidateBlock(b, tip); err != nil {
		return goerr.New(goerr.InvalidBlock, "", "block failed consensus validation", err)
	}

	if err := n.utxos.ApplyBlock(b); err != nil {
		return err
	}
	n.blocks = append(n.blocks, b)
	n.prunePendingLocked(b)
	// Every applied block can spend or create UTXOs for any address; a
	// per-address invalidation would need to decode each locking script,
	// so the simpler-and-correct move is to drop the whole lookup cache.
	n.utxoCache.Clear()
	return nil
}

func (n *Node) tipLocked() *block.Block {
	if len(n.blocks) == 0 {
		return nil
	}
	return n.blocks[len(n.blocks)-1]
}

// prunePendingLocked removes transactions from the pending pool that were
// included in b, mirroring the teacher's mempool-eviction-on-block idiom.
func (n *Node) prunePendingLocked(b *block.Block) {
	if len(n.pending) == 0 {
		return
	}
	included := make(map[string]bool, len(b.Transactions))
	for _, tx := range b.Transactions {
		included[tx.ComputeID()] = true
	}
	kept := n.pending[:0]
	for _, tx := range n.pending {
		if !included[tx.ComputeID()] {
			kept = append(kept, tx)
		}
	}
	n.pending = kept
}

// GetBlocks returns up to limit blocks starting at offset, oldest first.
func (n *Node) GetBlocks(offset, limit int) []*block.Block {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if offset < 0 || offset >= len(n.blocks) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(n.blocks) {
		end = len(n.blocks)
	}
	out := make([]*block.Block, end-offset)
	copy(out, n.blocks[offset:end])
	return out
}

// GetBlockchainInfo reports the current tip summary.
func (n *Node) GetBlockchainInfo() BlockchainInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	tip := n.tipLocked()
	info := BlockchainInfo{TargetBlockTime: n.networkParams.TargetBlockTime}
	if tip == nil {
		return info
	}
	info.Height = tip.Index
	info.TipHash = tip.Hash
	info.Difficulty = tip.Difficulty
	return info
}

// GetDifficulty returns the current tip's difficulty.
func (n *Node) GetDifficulty() uint32 {
	return n.GetBlockchainInfo().Difficulty
}

// GetHashrateEstimate estimates the network hashrate implied by the current
// difficulty and the configured target block time: difficulty expressed as
// required leading hex zero nibbles implies an expected
// 16^difficulty hash attempts per solved block.
func (n *Node) GetHashrateEstimate() float64 {
	n.mu.RLock()
	target := n.networkParams.TargetBlockTime
	difficulty := n.GetDifficulty()
	n.mu.RUnlock()
	if target <= 0 {
		return 0
	}
	expectedHashes := math.Pow(16, float64(difficulty))
	return expectedHashes / target.Seconds()
}

// SubmitTransaction validates tx against the current UTXO set and, if
// valid, appends it to the pending pool.
func (n *Node) SubmitTransaction(tx *block.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.utxos.ValidateTransaction(tx, n.algo); err != nil {
		return err
	}
	n.pending = append(n.pending, tx)
	return nil
}

// PendingTransactions returns a snapshot of the unconfirmed pool, used by
// the priority calculator/queue to admit transactions onto the mesh.
func (n *Node) PendingTransactions() []*block.Transaction {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*block.Transaction, len(n.pending))
	copy(out, n.pending)
	return out
}

// GetUTXOsForAddress proxies to the UTXO set, caching results in the L1
// layer of utxoCache since wallet/balance queries hammer the same address
// repeatedly between blocks.
func (n *Node) GetUTXOsForAddress(address string) []*utxo.UTXO {
	cacheKey := "utxos:" + address
	if cached, ok := n.utxoCache.Get(cacheKey); ok {
		return cached.([]*utxo.UTXO)
	}
	result := n.utxos.UTXOsForAddress(address)
	n.utxoCache.Set(cacheKey, result, cache.LevelL1)
	return result
}

// UTXOSet returns the node's underlying UTXO set, e.g. for the sync state
// machine to apply a peer-sourced snapshot/delta or block body against the
// node's real ledger rather than a throwaway copy.
func (n *Node) UTXOSet() *utxo.Set {
	return n.utxos
}

// UTXOCompleteness reports 1.0 once the node has any blocks applied, and
// 0.0 before genesis has been seeded, feeding pkg/priority's
// NetworkContext.UTXOCompleteness factor during initial sync.
func (n *Node) UTXOCompleteness() float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(n.blocks) == 0 {
		return 0.0
	}
	return 1.0
}

// GetHeight, GetBlockByHeight, GetBlock, and GetAccumulatedDifficulty
// satisfy consensus.ChainReader. They do not acquire n.mu: AppendBlock calls
// them through consensus while already holding it, and sync.RWMutex is not
// reentrant. Other callers (the CLI's GetHeight calls) run them without the
// lock.

// GetHeight returns the current tip's index, or 0 before genesis is seeded.
func (n *Node) GetHeight() uint64 {
	tip := n.tipLocked()
	if tip == nil {
		return 0
	}
	return tip.Index
}

// GetBlockByHeight returns the block at the given index, or nil.
func (n *Node) GetBlockByHeight(height uint64) *block.Block {
	for _, b := range n.blocks {
		if b.Index == height {
			return b
		}
	}
	return nil
}

// GetBlock returns the block with the given hash, or nil.
func (n *Node) GetBlock(hash string) *block.Block {
	for _, b := range n.blocks {
		if b.Hash == hash {
			return b
		}
	}
	return nil
}

// GetAccumulatedDifficulty sums the difficulty of every block from height 1
// to height, inclusive; the genesis block is not counted.
func (n *Node) GetAccumulatedDifficulty(height uint64) (*big.Int, error) {
	acc := big.NewInt(0)
	for _, b := range n.blocks {
		if b.Index == 0 || b.Index > height {
			continue
		}
		acc.Add(acc, big.NewInt(int64(b.Difficulty)))
	}
	return acc, nil
}

var _ consensus.ChainReader = (*Node)(nil)
var _ ReadAPI = (*Node)(nil)
