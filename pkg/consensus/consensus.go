package consensus

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gochain/gochain/pkg/block"
	"github.com/gochain/gochain/pkg/genesis"
)

// ChainReader defines the methods from the chain that the consensus package needs
// to interact with the blockchain state without creating circular dependencies.
type ChainReader interface {
	GetHeight() uint64
	GetBlockByHeight(height uint64) *block.Block
	GetBlock(hash string) *block.Block
	GetAccumulatedDifficulty(height uint64) (*big.Int, error)
}

// Consensus manages difficulty adjustment, proof-of-work validation, block
// mining, and finality rules for the hex-leading-zero-nibble PoW scheme
// pkg/block implements. Parameters come from the chain's genesis
// network_params rather than the hardcoded Bitcoin-style constants the
// teacher shipped with.
type Consensus struct {
	mu             sync.RWMutex
	params         genesis.NetworkParams
	difficulty     uint32
	lastAdjustment time.Time
	blockTimes     []time.Duration
	chain          ChainReader

	finalityDepth uint64
	checkpoints   map[uint64]string
}

// ConsensusConfig holds the tunables a Consensus is constructed from.
type ConsensusConfig struct {
	Params             genesis.NetworkParams
	FinalityDepth      uint64 // blocks behind tip before a height is considered final
	CheckpointInterval uint64 // height interval at which checkpoints are recorded
}

// DefaultConsensusConfig returns sensible finality/checkpoint defaults for the
// given network parameters.
func DefaultConsensusConfig(params genesis.NetworkParams) *ConsensusConfig {
	return &ConsensusConfig{
		Params:             params,
		FinalityDepth:      100,
		CheckpointInterval: 10000,
	}
}

// NewConsensus creates a new consensus instance seeded at the network's
// initial difficulty.
func NewConsensus(config *ConsensusConfig, chain ChainReader) *Consensus {
	return &Consensus{
		params:         config.Params,
		difficulty:     config.Params.InitialDifficulty,
		lastAdjustment: time.Now(),
		blockTimes:     make([]time.Duration, 0),
		chain:          chain,
		finalityDepth:  config.FinalityDepth,
		checkpoints:    make(map[uint64]string),
	}
}

// IsBlockFinal checks if a block at the given height is considered final.
// A block is final if it's at least finalityDepth blocks behind the current tip.
func (c *Consensus) IsBlockFinal(height uint64) bool {
	currentHeight := c.chain.GetHeight()
	return currentHeight >= height+c.finalityDepth
}

// GetFinalityDepth returns the current finality depth setting.
func (c *Consensus) GetFinalityDepth() uint64 {
	return c.finalityDepth
}

// AddCheckpoint adds a checkpoint at the given height.
func (c *Consensus) AddCheckpoint(height uint64, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints[height] = hash
}

func (c *Consensus) hasCheckpoint(height uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.checkpoints[height]
	return exists
}

// ValidateCheckpoint validates that a block at the given height matches the
// expected checkpoint hash. Returns false for heights without a checkpoint.
func (c *Consensus) ValidateCheckpoint(height uint64, hash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if expected, exists := c.checkpoints[height]; exists {
		return expected == hash
	}
	return false
}

// GetAccumulatedDifficulty sums the difficulty of every block from height 1
// up to and including height (the genesis block is not counted), used for
// fork choice and finality determination.
func (c *Consensus) GetAccumulatedDifficulty(height uint64) (*big.Int, error) {
	if height == 0 {
		return big.NewInt(0), nil
	}
	accumulated := big.NewInt(0)
	for h := uint64(1); h <= height; h++ {
		b := c.chain.GetBlockByHeight(h)
		if b == nil {
			return nil, fmt.Errorf("block not found at height %d", h)
		}
		accumulated.Add(accumulated, big.NewInt(int64(b.Difficulty)))
	}
	return accumulated, nil
}

// calculateExpectedDifficulty calculates the expected difficulty for a given
// block height, by ratio-adjusting against the actual time the previous
// adjustment period took relative to the network's target_block_time,
// clamped by max_difficulty_ratio.
func (c *Consensus) calculateExpectedDifficulty(blockHeight uint64) (uint32, error) {
	if blockHeight == 0 {
		return c.params.InitialDifficulty, nil
	}

	period := uint64(c.params.AdjustmentPeriod)
	if blockHeight%period != 0 {
		prevBlock := c.chain.GetBlockByHeight(blockHeight - 1)
		if prevBlock == nil {
			return 0, fmt.Errorf("previous block not found for height %d", blockHeight-1)
		}
		return prevBlock.Difficulty, nil
	}

	currentBlock := c.chain.GetBlockByHeight(blockHeight - 1)
	if currentBlock == nil {
		return 0, fmt.Errorf("current block not found for height %d", blockHeight-1)
	}
	oldBlockHeight := blockHeight - period
	oldBlock := c.chain.GetBlockByHeight(oldBlockHeight)
	if oldBlock == nil {
		return 0, fmt.Errorf("old block not found for height %d", oldBlockHeight)
	}

	actualTime := time.Duration(currentBlock.Timestamp-oldBlock.Timestamp) * time.Millisecond
	expectedTime := time.Duration(period) * c.params.TargetBlockTime

	return adjustDifficulty(oldBlock.Difficulty, actualTime, expectedTime, c.params.MaxDifficultyRatio), nil
}

// adjustDifficulty scales oldDifficulty by expectedTime/actualTime (faster
// blocks raise difficulty, slower blocks lower it), clamped to at most
// maxRatio in either direction, floored at 1.
func adjustDifficulty(oldDifficulty uint32, actualTime, expectedTime time.Duration, maxRatio float64) uint32 {
	if actualTime <= 0 {
		actualTime = time.Nanosecond
	}
	ratio := float64(expectedTime) / float64(actualTime)
	if ratio > maxRatio {
		ratio = maxRatio
	}
	if ratio < 1/maxRatio {
		ratio = 1 / maxRatio
	}
	next := uint32(float64(oldDifficulty) * ratio)
	if next < 1 {
		next = 1
	}
	return next
}

// ValidateBlock validates a block according to consensus rules: hash
// integrity, proof of work, timestamp ordering, difficulty, merkle root,
// basic transaction shape, and any checkpoint at that height. Signature and
// UTXO-conservation validation of individual transactions belongs to
// pkg/utxo's ApplyBlock/ValidateTransaction, not here.
func (c *Consensus) ValidateBlock(b *block.Block, prevBlock *block.Block) error {
	if b == nil {
		return fmt.Errorf("block is nil")
	}

	if b.Hash != b.ComputeHash() {
		return fmt.Errorf("block hash does not match its recomputed hash")
	}

	if !block.MeetsDifficulty(b.Hash, b.Difficulty, b.Index) {
		return fmt.Errorf("invalid proof of work")
	}

	if prevBlock != nil {
		if b.Timestamp < prevBlock.Timestamp {
			return fmt.Errorf("block timestamp %d is before previous block %d", b.Timestamp, prevBlock.Timestamp)
		}
		maxFuture := time.Now().Add(2 * time.Hour).UnixMilli()
		if b.Timestamp > maxFuture {
			return fmt.Errorf("block timestamp %d is too far in the future", b.Timestamp)
		}
	}

	expectedDifficulty, err := c.calculateExpectedDifficulty(b.Index)
	if err != nil {
		return fmt.Errorf("failed to calculate expected difficulty: %w", err)
	}
	if b.Difficulty != expectedDifficulty {
		return fmt.Errorf("block difficulty %d does not match expected %d", b.Difficulty, expectedDifficulty)
	}

	if got := b.ComputeMerkleRoot(); got != b.MerkleRoot {
		return fmt.Errorf("merkle root mismatch: computed %s, header %s", got, b.MerkleRoot)
	}

	if err := validateBlockTransactionShape(b); err != nil {
		return fmt.Errorf("transaction validation failed: %w", err)
	}

	if c.hasCheckpoint(b.Index) && !c.ValidateCheckpoint(b.Index, b.Hash) {
		return fmt.Errorf("block hash does not match checkpoint at height %d", b.Index)
	}

	return nil
}

// validateBlockTransactionShape checks that every transaction in the block
// is at least structurally well-formed (non-coinbase transactions must carry
// inputs and outputs). Full signature and double-spend checks happen against
// the UTXO set, which this package does not hold a reference to.
func validateBlockTransactionShape(b *block.Block) error {
	for i, tx := range b.Transactions {
		if tx == nil {
			return fmt.Errorf("transaction %d is nil", i)
		}
		if tx.IsCoinbase() {
			continue
		}
		if len(tx.Outputs) == 0 {
			return fmt.Errorf("transaction %d has no outputs", i)
		}
	}
	return nil
}

// MineBlock mines a block by finding a nonce that satisfies the proof-of-work
// requirement, honoring stopChan for cancellation. Unlike block.Block.Mine,
// which runs to completion synchronously, this lets a long-running node
// process abandon a search when a competing block arrives.
func (c *Consensus) MineBlock(b *block.Block, stopChan <-chan struct{}) error {
	if b.Index == 0 {
		b.Mine()
		return nil
	}
	for nonce := uint64(0); ; nonce++ {
		select {
		case <-stopChan:
			return fmt.Errorf("mining stopped")
		default:
		}
		b.Nonce = nonce
		hash := b.ComputeHash()
		if block.MeetsDifficulty(hash, b.Difficulty, b.Index) {
			b.Hash = hash
			return nil
		}
	}
}

// UpdateDifficulty records a block's mining time and triggers a difficulty
// adjustment once a full adjustment period's worth of samples has accumulated.
func (c *Consensus) UpdateDifficulty(blockTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.blockTimes = append(c.blockTimes, blockTime)
	period := int(c.params.AdjustmentPeriod)
	if len(c.blockTimes) > period {
		c.blockTimes = c.blockTimes[1:]
	}
	if len(c.blockTimes) == period {
		c.adjustDifficultyLocked()
	}
}

func (c *Consensus) adjustDifficultyLocked() {
	currentHeight := c.chain.GetHeight()
	period := uint64(c.params.AdjustmentPeriod)
	if currentHeight < period {
		return
	}
	currentBlock := c.chain.GetBlockByHeight(currentHeight)
	if currentBlock == nil {
		return
	}
	oldBlock := c.chain.GetBlockByHeight(currentHeight - period)
	if oldBlock == nil {
		return
	}

	actualTime := time.Duration(currentBlock.Timestamp-oldBlock.Timestamp) * time.Millisecond
	expectedTime := time.Duration(period) * c.params.TargetBlockTime

	c.difficulty = adjustDifficulty(c.difficulty, actualTime, expectedTime, c.params.MaxDifficultyRatio)
	c.lastAdjustment = time.Now()
}

// GetDifficulty returns the current mining difficulty.
func (c *Consensus) GetDifficulty() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.difficulty
}

// GetNextDifficulty calculates what the next difficulty would be based on
// collected block times, without mutating the current difficulty.
func (c *Consensus) GetNextDifficulty() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	period := int(c.params.AdjustmentPeriod)
	if len(c.blockTimes) != period {
		return c.difficulty
	}
	var total time.Duration
	for _, bt := range c.blockTimes {
		total += bt
	}
	expectedTime := c.params.TargetBlockTime * time.Duration(period)
	return adjustDifficulty(c.difficulty, total, expectedTime, c.params.MaxDifficultyRatio)
}

// GetStats returns a map of current consensus statistics.
func (c *Consensus) GetStats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"difficulty":        c.difficulty,
		"next_difficulty":   c.GetNextDifficulty(),
		"block_times_count": len(c.blockTimes),
		"last_adjustment":   c.lastAdjustment,
		"target_block_time": c.params.TargetBlockTime,
		"adjustment_period": c.params.AdjustmentPeriod,
	}
}

// String returns a human-readable string representation of the consensus state.
func (c *Consensus) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("Consensus{Difficulty: %d, BlockTimes: %d}", c.difficulty, len(c.blockTimes))
}
