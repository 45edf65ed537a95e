package priority

import (
	"testing"
	"time"
)

func TestFeePerByteEmptyTxUsesFlatOverhead(t *testing.T) {
	if FeePerByte(100, 0, 0) != 100.0/10.0 {
		t.Fatalf("fee per byte with zero in/out should divide by the flat 10-byte overhead only")
	}
}

func TestS4FeeOrdering(t *testing.T) {
	calc := NewCalculator(DefaultConfig(), func() uint64 { return 100 })
	ctx := NetworkContext{AvgFeePerByte: 10, Congestion: 0.1, BatteryLevel: 1.0, UTXOCompleteness: 1.0}

	highFeeTx := Message{Type: MsgTransaction, Timestamp: 1, Fee: 100_000, Inputs: 1, Outputs: 2, PayloadPrefix: []byte("tx-high")}
	lowFeeTx := Message{Type: MsgTransaction, Timestamp: 1, Fee: 1_000, Inputs: 1, Outputs: 2, PayloadPrefix: []byte("tx-low")}
	blockMsg := Message{Type: MsgBlock, Timestamp: 1, BlockIndex: 99, PayloadPrefix: []byte("blk")}

	highLevel := calc.Calculate(highFeeTx, ctx)
	lowLevel := calc.Calculate(lowFeeTx, ctx)
	blockLevel := calc.Calculate(blockMsg, ctx)

	if !(blockLevel <= highLevel && highLevel <= lowLevel) {
		t.Fatalf("expected block <= high-fee <= low-fee priority ordering, got block=%v high=%v low=%v", blockLevel, highLevel, lowLevel)
	}
	if highLevel == lowLevel {
		t.Fatalf("high and low fee transactions should not land on the same priority here")
	}

	q := NewQueue(nil, 0)
	now := time.Now()
	q.Enqueue(&Entry{QueueID: "block", Priority: blockLevel, CreatedAt: now})
	q.Enqueue(&Entry{QueueID: "low", Priority: lowLevel, CreatedAt: now.Add(time.Millisecond)})
	q.Enqueue(&Entry{QueueID: "high", Priority: highLevel, CreatedAt: now.Add(2 * time.Millisecond)})

	first, _ := q.Dequeue()
	if first.QueueID != "block" {
		t.Fatalf("want block dequeued first, got %s", first.QueueID)
	}
	second, _ := q.Dequeue()
	if second.QueueID != "high" {
		t.Fatalf("want high-fee tx dequeued second, got %s", second.QueueID)
	}
	third, _ := q.Dequeue()
	if third.QueueID != "low" {
		t.Fatalf("want low-fee tx dequeued third, got %s", third.QueueID)
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := NewQueue(nil, 0)
	q.Enqueue(&Entry{QueueID: "a", Priority: Normal})
	q.Enqueue(&Entry{QueueID: "b", Priority: Normal})
	q.Enqueue(&Entry{QueueID: "c", Priority: Normal})

	for _, want := range []string{"a", "b", "c"} {
		e, ok := q.Dequeue()
		if !ok || e.QueueID != want {
			t.Fatalf("want %s, got %v ok=%v", want, e, ok)
		}
	}
}

func TestQueueExpiredNeverReturned(t *testing.T) {
	q := NewQueue(nil, 0)
	past := time.Now().Add(-time.Hour)
	q.Enqueue(&Entry{QueueID: "stale", Priority: Normal, TTL: time.Second, CreatedAt: past})
	q.Enqueue(&Entry{QueueID: "fresh", Priority: Normal, TTL: time.Hour, CreatedAt: time.Now()})

	e, ok := q.Dequeue()
	if !ok || e.QueueID != "fresh" {
		t.Fatalf("want fresh entry after skipping expired one, got %v ok=%v", e, ok)
	}
	if q.Stats().ExpiredMessages != 1 {
		t.Fatalf("want 1 expired message counted, got %d", q.Stats().ExpiredMessages)
	}
}

func TestQueueCapacityAndEmergencyReserve(t *testing.T) {
	q := NewQueue(map[Level]int{Low: 1}, 1)
	if !q.Enqueue(&Entry{QueueID: "first", Priority: Low}) {
		t.Fatalf("first enqueue at capacity 1 should succeed")
	}
	if q.Enqueue(&Entry{QueueID: "second", Priority: Low}) {
		t.Fatalf("non-emergency enqueue over capacity should be rejected")
	}
	if !q.Enqueue(&Entry{QueueID: "emergency", Priority: Low, EmergencyFlag: true}) {
		t.Fatalf("emergency-flagged enqueue should draw on the reserve")
	}
	if q.Enqueue(&Entry{QueueID: "emergency2", Priority: Low, EmergencyFlag: true}) {
		t.Fatalf("second emergency enqueue should exhaust the 1-slot reserve")
	}
}

func TestQueueSnapshotRestore(t *testing.T) {
	q := NewQueue(nil, 0)
	q.Enqueue(&Entry{QueueID: "a", Priority: Critical})
	q.Enqueue(&Entry{QueueID: "b", Priority: High})
	snap := q.Snapshot()

	q2 := NewQueue(nil, 0)
	if err := q2.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	e, _ := q2.Dequeue()
	if e.QueueID != "a" {
		t.Fatalf("restored queue should preserve priority order, got %s first", e.QueueID)
	}
}

func TestSignificantContextChangeInvalidatesCache(t *testing.T) {
	calc := NewCalculator(DefaultConfig(), func() uint64 { return 0 })
	msg := Message{Type: MsgTransaction, Timestamp: 5, Fee: 50_000, Inputs: 1, Outputs: 1, PayloadPrefix: []byte("p")}

	ctx1 := NetworkContext{AvgFeePerByte: 10, UTXOCompleteness: 1.0}
	lvl1 := calc.Calculate(msg, ctx1)

	ctx2 := NetworkContext{AvgFeePerByte: 10, UTXOCompleteness: 1.0, EmergencyMode: true}
	lvl2 := calc.Calculate(msg, ctx2)

	if lvl2 > lvl1 {
		t.Fatalf("emergency mode toggling should never lower priority: got %v then %v", lvl1, lvl2)
	}
	if lvl2 == lvl1 {
		t.Fatalf("cached level %v reused after emergency mode toggled", lvl1)
	}
}
