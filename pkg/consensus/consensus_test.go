package consensus

import (
	"math/big"
	"testing"
	"time"

	"github.com/gochain/gochain/pkg/block"
	"github.com/gochain/gochain/pkg/genesis"
)

// MockChainReader implements ChainReader for testing.
type MockChainReader struct {
	blocks map[uint64]*block.Block
	height uint64
}

func (m *MockChainReader) GetHeight() uint64 { return m.height }

func (m *MockChainReader) GetBlockByHeight(height uint64) *block.Block {
	return m.blocks[height]
}

func (m *MockChainReader) GetBlock(hash string) *block.Block {
	for _, b := range m.blocks {
		if b.Hash == hash {
			return b
		}
	}
	return nil
}

func (m *MockChainReader) GetAccumulatedDifficulty(height uint64) (*big.Int, error) {
	acc := big.NewInt(0)
	for h := uint64(1); h <= height; h++ {
		b, ok := m.blocks[h]
		if !ok {
			continue
		}
		acc.Add(acc, big.NewInt(int64(b.Difficulty)))
	}
	return acc, nil
}

func testParams() genesis.NetworkParams {
	return genesis.NetworkParams{
		InitialDifficulty: 2,
		TargetBlockTime:   10 * time.Second,
		AdjustmentPeriod:  5,
		MaxDifficultyRatio: 4,
	}
}

func minedBlock(index uint64, timestamp int64, prevHash string, difficulty uint32) *block.Block {
	b := block.New(index, timestamp, prevHash, difficulty, nil)
	b.Mine()
	return b
}

func TestNewConsensus(t *testing.T) {
	params := testParams()
	chain := &MockChainReader{height: 0}
	c := NewConsensus(DefaultConsensusConfig(params), chain)

	if c.GetDifficulty() != params.InitialDifficulty {
		t.Fatalf("want initial difficulty %d, got %d", params.InitialDifficulty, c.GetDifficulty())
	}
}

func TestIsBlockFinal(t *testing.T) {
	chain := &MockChainReader{height: 150}
	c := NewConsensus(DefaultConsensusConfig(testParams()), chain)

	if !c.IsBlockFinal(40) {
		t.Fatal("block 40 should be final at height 150 with depth 100")
	}
	if c.IsBlockFinal(100) {
		t.Fatal("block 100 should not yet be final at height 150 with depth 100")
	}
}

func TestAddAndValidateCheckpoint(t *testing.T) {
	c := NewConsensus(DefaultConsensusConfig(testParams()), &MockChainReader{})
	c.AddCheckpoint(10, "deadbeef")

	if !c.ValidateCheckpoint(10, "deadbeef") {
		t.Fatal("checkpoint should validate against the recorded hash")
	}
	if c.ValidateCheckpoint(10, "wronghash") {
		t.Fatal("checkpoint should reject a mismatched hash")
	}
	if c.ValidateCheckpoint(11, "anything") {
		t.Fatal("height without a checkpoint should never validate")
	}
}

func TestGetAccumulatedDifficulty(t *testing.T) {
	chain := &MockChainReader{blocks: map[uint64]*block.Block{
		1: {Difficulty: 2},
		2: {Difficulty: 3},
		3: {Difficulty: 4},
	}}
	c := NewConsensus(DefaultConsensusConfig(testParams()), chain)

	got, err := c.GetAccumulatedDifficulty(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("want accumulated difficulty 9, got %s", got.String())
	}
}

func TestValidateBlockAcceptsWellFormedChain(t *testing.T) {
	genesisBlock := minedBlock(0, 1000, "", 2)
	chain := &MockChainReader{height: 0, blocks: map[uint64]*block.Block{0: genesisBlock}}
	c := NewConsensus(DefaultConsensusConfig(testParams()), chain)

	next := minedBlock(1, 2000, genesisBlock.Hash, 2)
	if err := c.ValidateBlock(next, genesisBlock); err != nil {
		t.Fatalf("expected valid block, got: %v", err)
	}
}

func TestValidateBlockRejectsBadProofOfWork(t *testing.T) {
	genesisBlock := minedBlock(0, 1000, "", 2)
	chain := &MockChainReader{height: 0, blocks: map[uint64]*block.Block{0: genesisBlock}}
	c := NewConsensus(DefaultConsensusConfig(testParams()), chain)

	bad := block.New(1, 2000, genesisBlock.Hash, 2, nil)
	bad.Hash = bad.ComputeHash() // never actually mined; almost certainly fails the difficulty prefix
	if err := c.ValidateBlock(bad, genesisBlock); err == nil {
		t.Fatal("expected unmined block to fail proof-of-work validation")
	}
}

func TestValidateBlockRejectsStaleTimestamp(t *testing.T) {
	genesisBlock := minedBlock(0, 5000, "", 2)
	chain := &MockChainReader{height: 0, blocks: map[uint64]*block.Block{0: genesisBlock}}
	c := NewConsensus(DefaultConsensusConfig(testParams()), chain)

	stale := minedBlock(1, 1000, genesisBlock.Hash, 2)
	if err := c.ValidateBlock(stale, genesisBlock); err == nil {
		t.Fatal("expected block timestamped before its parent to fail validation")
	}
}

func TestValidateBlockRejectsCheckpointMismatch(t *testing.T) {
	genesisBlock := minedBlock(0, 1000, "", 2)
	chain := &MockChainReader{height: 0, blocks: map[uint64]*block.Block{0: genesisBlock}}
	c := NewConsensus(DefaultConsensusConfig(testParams()), chain)
	c.AddCheckpoint(1, "0000000000000000000000000000000000000000000000000000000000deadbeef")

	next := minedBlock(1, 2000, genesisBlock.Hash, 2)
	if err := c.ValidateBlock(next, genesisBlock); err == nil {
		t.Fatal("expected checkpoint mismatch to fail validation")
	}
}

func TestCalculateExpectedDifficultyHoldsBetweenAdjustments(t *testing.T) {
	params := testParams() // AdjustmentPeriod: 5
	chain := &MockChainReader{blocks: map[uint64]*block.Block{
		1: {Difficulty: 3},
	}}
	c := NewConsensus(DefaultConsensusConfig(params), chain)

	got, err := c.calculateExpectedDifficulty(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 3 {
		t.Fatalf("want difficulty to hold at 3 between adjustment periods, got %d", got)
	}
}

func TestCalculateExpectedDifficultyAdjustsOnPeriodBoundary(t *testing.T) {
	params := testParams() // AdjustmentPeriod: 5, TargetBlockTime: 10s
	// Blocks 0..4 each took 5s (faster than the 10s target): difficulty should rise.
	chain := &MockChainReader{blocks: map[uint64]*block.Block{
		0: {Difficulty: 2, Timestamp: 0},
		4: {Difficulty: 2, Timestamp: 20_000}, // 4 intervals * 5s = 20s actual vs 50s expected
	}}
	c := NewConsensus(DefaultConsensusConfig(params), chain)

	got, err := c.calculateExpectedDifficulty(5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got <= 2 {
		t.Fatalf("want difficulty to rise after a fast period, got %d", got)
	}
}

func TestAdjustDifficultyClampsToMaxRatio(t *testing.T) {
	// Actual time far below expected: ratio should clamp at maxRatio, not run away.
	got := adjustDifficulty(2, time.Second, 100*time.Second, 4)
	if got != 8 {
		t.Fatalf("want difficulty clamped to 2*4=8, got %d", got)
	}
}

func TestAdjustDifficultyNeverDropsBelowOne(t *testing.T) {
	got := adjustDifficulty(1, 100*time.Second, time.Second, 4)
	if got < 1 {
		t.Fatalf("want difficulty floored at 1, got %d", got)
	}
}

func TestMineBlockHonorsStopChannel(t *testing.T) {
	c := NewConsensus(DefaultConsensusConfig(testParams()), &MockChainReader{})
	b := block.New(1, time.Now().UnixMilli(), "prevhash", 64, nil) // unreachable difficulty
	stop := make(chan struct{})
	close(stop)

	if err := c.MineBlock(b, stop); err == nil {
		t.Fatal("expected mining to abort once stopChan is closed")
	}
}

func TestUpdateDifficultyAccumulatesSamplesBeforeAdjusting(t *testing.T) {
	params := testParams() // AdjustmentPeriod: 5
	chain := &MockChainReader{height: 5, blocks: map[uint64]*block.Block{
		0: {Difficulty: 2, Timestamp: 0},
		5: {Difficulty: 2, Timestamp: 10_000},
	}}
	c := NewConsensus(DefaultConsensusConfig(params), chain)

	for i := 0; i < params.AdjustmentPeriod-1; i++ {
		c.UpdateDifficulty(2 * time.Second)
	}
	if c.GetDifficulty() != params.InitialDifficulty {
		t.Fatal("difficulty should not adjust before a full period of samples")
	}

	c.UpdateDifficulty(2 * time.Second)
	if c.GetDifficulty() == params.InitialDifficulty {
		t.Fatal("difficulty should adjust once a full period of samples has accumulated")
	}
}

func TestGetStats(t *testing.T) {
	c := NewConsensus(DefaultConsensusConfig(testParams()), &MockChainReader{})
	stats := c.GetStats()
	if stats["difficulty"] != testParams().InitialDifficulty {
		t.Fatalf("unexpected difficulty in stats: %v", stats["difficulty"])
	}
}
