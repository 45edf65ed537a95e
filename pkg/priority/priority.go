// Package priority scores mesh messages by type, fee, and network context
// into one of four priority levels, and queues them for transmission in a
// four-level FIFO structure with an emergency reserve, per spec §4.6.
package priority

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Level is a mesh message's transmission priority. Lower numeric value is
// higher priority and is dequeued first.
type Level int

const (
	Critical Level = iota
	High
	Normal
	Low
)

func (l Level) String() string {
	switch l {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Normal:
		return "NORMAL"
	case Low:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

func clampLevel(l Level) Level {
	if l < Critical {
		return Critical
	}
	if l > Low {
		return Low
	}
	return l
}

// MessageType classifies the payload for base-priority assignment.
type MessageType int

const (
	MsgBlock MessageType = iota
	MsgTransaction
	MsgMerkleProof
	MsgSync
	MsgDiscovery
	MsgOther
)

// Message is the minimal shape the calculator needs from a mesh message.
type Message struct {
	Type          MessageType
	Timestamp     int64
	PayloadPrefix []byte // first bytes of the serialized payload, for cache keying
	Fee           uint64
	Inputs        int
	Outputs       int
	BlockIndex    uint64
	EmergencyFlag bool
}

// NetworkContext is the set of live conditions the contextual factors read.
type NetworkContext struct {
	AvgFeePerByte    float64
	Congestion       float64 // 0..1
	BatteryLevel     float64 // 0..1
	EmergencyMode    bool
	UTXOCompleteness float64 // 0..1
}

// FeePerByte computes fee / (148*inputs + 34*outputs + 10), per spec §4.6.
// Invalid transactions or a zero denominator yield 0.
func FeePerByte(fee uint64, inputs, outputs int) float64 {
	denom := 148*inputs + 34*outputs + 10
	if denom <= 0 {
		return 0
	}
	return float64(fee) / float64(denom)
}

// significantChange reports whether ctx has drifted from prev enough to
// invalidate a cached score, per spec §4.6's cache invalidation rule.
func significantChange(prev, cur NetworkContext) bool {
	if prev.AvgFeePerByte != 0 {
		if absf(cur.AvgFeePerByte-prev.AvgFeePerByte)/prev.AvgFeePerByte > 0.10 {
			return true
		}
	} else if cur.AvgFeePerByte != 0 {
		return true
	}
	if absf(cur.Congestion-prev.Congestion) > 0.20 {
		return true
	}
	if absf(cur.BatteryLevel-prev.BatteryLevel) > 0.10 {
		return true
	}
	if absf(cur.UTXOCompleteness-prev.UTXOCompleteness) > 0.05 {
		return true
	}
	if cur.EmergencyMode != prev.EmergencyMode {
		return true
	}
	return false
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Factor is one named, weighted contextual scoring function.
type Factor struct {
	Name   string
	Weight float64
	Score  func(msg Message, ctx NetworkContext) float64
}

// Config bundles the fee thresholds and contextual factor weights the
// calculator uses, with defaults matching spec §4.6's table.
type Config struct {
	HighFeeSatPerByte            float64
	NormalFeeSatPerByte          float64
	BlockPriorityBoost           float64
	MerkleProofPriorityThreshold Level
	Factors                      []Factor
	CacheTTL                     time.Duration
	CacheCapacity                int
}

// DefaultConfig returns spec §4.6's default thresholds and factor weights.
func DefaultConfig() Config {
	return Config{
		HighFeeSatPerByte:            20,
		NormalFeeSatPerByte:          5,
		BlockPriorityBoost:           1.0,
		MerkleProofPriorityThreshold: High,
		CacheTTL:                     60 * time.Second,
		CacheCapacity:                1000,
		Factors: []Factor{
			{Name: "fee_per_byte", Weight: 1.0, Score: func(msg Message, ctx NetworkContext) float64 {
				if msg.Type != MsgTransaction || ctx.AvgFeePerByte <= 0 {
					return 1.0
				}
				return minf(FeePerByte(msg.Fee, msg.Inputs, msg.Outputs)/ctx.AvgFeePerByte, 2.0)
			}},
			{Name: "network_congestion", Weight: 0.3, Score: func(msg Message, ctx NetworkContext) float64 {
				if msg.Type == MsgBlock {
					return 1.0
				}
				return maxf(0.5, 1-0.5*ctx.Congestion)
			}},
			{Name: "battery_level", Weight: 0.2, Score: func(msg Message, ctx NetworkContext) float64 {
				if msg.Type == MsgTransaction && ctx.BatteryLevel < 0.2 {
					return 0.8
				}
				return 1.0
			}},
			{Name: "emergency_mode", Weight: 2.0, Score: func(msg Message, ctx NetworkContext) float64 {
				if ctx.EmergencyMode {
					return 1.5
				}
				return 1.0
			}},
			{Name: "utxo_completeness", Weight: 0.1, Score: func(msg Message, ctx NetworkContext) float64 {
				if ctx.UTXOCompleteness >= 0.9 {
					return 1.0
				}
				if msg.Type == MsgSync {
					return 1.2
				}
				return 0.9
			}},
		},
	}
}

type cacheEntry struct {
	level     Level
	score     float64
	ctx       NetworkContext
	expiresAt time.Time
}

// Calculator scores messages into priority levels using Config's base
// assignment rules, contextual factors, and a bounded result cache.
type Calculator struct {
	mu     sync.Mutex
	cfg    Config
	cache  *lru.Cache[string, cacheEntry]
	height func() uint64
}

// NewCalculator builds a Calculator using cfg, with currentHeight supplying
// the chain tip used for the block-demotion rule.
func NewCalculator(cfg Config, currentHeight func() uint64) *Calculator {
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 1000
	}
	c, _ := lru.New[string, cacheEntry](cfg.CacheCapacity)
	if currentHeight == nil {
		currentHeight = func() uint64 { return 0 }
	}
	return &Calculator{cfg: cfg, cache: c, height: currentHeight}
}

// cacheKey hashes message type, timestamp, and a payload prefix into a
// stable key, per spec §4.6.
func cacheKey(msg Message) string {
	sum := sha256.New()
	var typBuf [8]byte
	binary.LittleEndian.PutUint64(typBuf[:], uint64(msg.Type))
	sum.Write(typBuf[:])
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(msg.Timestamp))
	sum.Write(tsBuf[:])
	sum.Write(msg.PayloadPrefix)
	return hex.EncodeToString(sum.Sum(nil))
}

// basePriority assigns the starting level per spec §4.6's by-type table.
func (c *Calculator) basePriority(msg Message) Level {
	switch msg.Type {
	case MsgBlock:
		height := c.height()
		if height > msg.BlockIndex && height-msg.BlockIndex > 10 {
			return High
		}
		return Critical
	case MsgMerkleProof, MsgSync:
		return High
	case MsgDiscovery:
		return Normal
	case MsgTransaction:
		fpb := FeePerByte(msg.Fee, msg.Inputs, msg.Outputs)
		switch {
		case fpb >= c.cfg.HighFeeSatPerByte:
			return High
		case fpb >= c.cfg.NormalFeeSatPerByte:
			return Normal
		default:
			return Low
		}
	default:
		return Low
	}
}

// score computes the weighted average of configured factors for msg/ctx.
func (c *Calculator) score(msg Message, ctx NetworkContext) float64 {
	var total, weightSum float64
	for _, f := range c.cfg.Factors {
		total += f.Weight * f.Score(msg, ctx)
		weightSum += f.Weight
	}
	if weightSum == 0 {
		return 1.0
	}
	return total / weightSum
}

// Calculate returns msg's priority level under ctx, consulting and
// populating the result cache.
func (c *Calculator) Calculate(msg Message, ctx NetworkContext) Level {
	key := cacheKey(msg)

	c.mu.Lock()
	if entry, ok := c.cache.Get(key); ok {
		if time.Now().Before(entry.expiresAt) && !significantChange(entry.ctx, ctx) {
			c.mu.Unlock()
			return entry.level
		}
		c.cache.Remove(key)
	}
	c.mu.Unlock()

	base := c.basePriority(msg)
	s := c.score(msg, ctx)

	level := base
	switch {
	case s > 1.3:
		level = clampLevel(level - 1)
	case s < 0.7:
		level = clampLevel(level + 1)
	}

	if ctx.EmergencyMode && (msg.Type == MsgTransaction || msg.Type == MsgBlock) && level > High {
		level = High
	}
	if msg.Type == MsgBlock && c.cfg.BlockPriorityBoost > 1 {
		level = Critical
	}
	if msg.Type == MsgSync {
		level = c.cfg.MerkleProofPriorityThreshold
	}

	ttl := c.cfg.CacheTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	c.mu.Lock()
	c.cache.Add(key, cacheEntry{level: level, score: s, ctx: ctx, expiresAt: time.Now().Add(ttl)})
	c.mu.Unlock()

	return level
}

// ScoreOnly exposes the raw weighted score for callers that want the
// numeric value (tests, diagnostics) without the level-clamping step.
func (c *Calculator) ScoreOnly(msg Message, ctx NetworkContext) float64 {
	return c.score(msg, ctx)
}
