package priority

import (
	"container/list"
	"sync"
	"time"

	"github.com/gochain/gochain/pkg/goerr"
)

// Entry is one prioritized mesh message awaiting transmission.
type Entry struct {
	QueueID       string
	Priority      Level
	Payload       []byte
	TTL           time.Duration
	CreatedAt     time.Time
	RetryCount    int
	MaxRetries    int
	EmergencyFlag bool

	tookReserve bool // internal: whether this entry consumed the emergency reserve on enqueue
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// QueueStats summarizes queue occupancy and lifetime counters.
type QueueStats struct {
	Lengths         map[Level]int
	EmergencyInUse  int
	ExpiredMessages int
	Enqueued        int
	Dequeued        int
	Rejected        int
}

// Queue is the four-level FIFO priority queue spec §4.6 describes: one
// bounded sub-queue per Level plus a shared emergency reserve that
// emergency-flagged entries may draw on once their level's capacity is
// exhausted. Only Enqueue, Dequeue, SweepExpired, and Restore (through
// Enqueue) mutate state, per spec §5; Snapshot only reads.
type Queue struct {
	mu               sync.Mutex
	subqueues        map[Level]*list.List
	capacity         map[Level]int
	emergencyReserve int
	emergencyUsed    int
	expiredMessages  int
	enqueued         int
	dequeued         int
	rejected         int
	now              func() time.Time
}

// DefaultCapacity is applied per level when the caller doesn't specify one.
const DefaultCapacity = 256

// DefaultEmergencyReserve is the default shared reserve for emergency
// entries once a level's own capacity is full.
const DefaultEmergencyReserve = 32

// NewQueue builds a Queue with per-level capacities (nil selects
// DefaultCapacity for every level) and an emergency reserve size.
func NewQueue(capacity map[Level]int, emergencyReserve int) *Queue {
	q := &Queue{
		subqueues:        make(map[Level]*list.List),
		capacity:         make(map[Level]int),
		emergencyReserve: emergencyReserve,
		now:              time.Now,
	}
	if q.emergencyReserve <= 0 {
		q.emergencyReserve = DefaultEmergencyReserve
	}
	for _, lvl := range []Level{Critical, High, Normal, Low} {
		q.subqueues[lvl] = list.New()
		if capacity != nil {
			if c, ok := capacity[lvl]; ok {
				q.capacity[lvl] = c
				continue
			}
		}
		q.capacity[lvl] = DefaultCapacity
	}
	return q
}

// Enqueue adds e to its priority's sub-queue. It is rejected (returns
// false) once that level's capacity is full, unless e is emergency-flagged
// and the shared emergency reserve still has room.
func (q *Queue) Enqueue(e *Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	lvl := clampLevel(e.Priority)
	sub := q.subqueues[lvl]
	if sub.Len() >= q.capacity[lvl] {
		if !e.EmergencyFlag || q.emergencyUsed >= q.emergencyReserve {
			q.rejected++
			return false
		}
		q.emergencyUsed++
		e.tookReserve = true
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = q.now()
	}
	sub.PushBack(e)
	q.enqueued++
	return true
}

// Dequeue pops the oldest entry from the lowest-numbered priority with
// waiting, non-expired items: strict preemption across levels, FIFO within
// a level. Expired entries are dropped (never returned) and counted.
func (q *Queue) Dequeue() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, lvl := range []Level{Critical, High, Normal, Low} {
		sub := q.subqueues[lvl]
		for sub.Len() > 0 {
			front := sub.Front()
			e := front.Value.(*Entry)
			sub.Remove(front)
			if e.expired(now) {
				q.expiredMessages++
				q.releaseEmergencySlot(e)
				continue
			}
			q.dequeued++
			q.releaseEmergencySlot(e)
			return e, true
		}
	}
	return nil, false
}

func (q *Queue) releaseEmergencySlot(e *Entry) {
	if e.tookReserve && q.emergencyUsed > 0 {
		q.emergencyUsed--
		e.tookReserve = false
	}
}

// SweepExpired removes expired entries from every sub-queue without
// dequeuing live ones, incrementing ExpiredMessages for each drop. Intended
// to run on a periodic timer independent of Dequeue traffic.
func (q *Queue) SweepExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	dropped := 0
	for _, lvl := range []Level{Critical, High, Normal, Low} {
		sub := q.subqueues[lvl]
		var next *list.Element
		for el := sub.Front(); el != nil; el = next {
			next = el.Next()
			e := el.Value.(*Entry)
			if e.expired(now) {
				sub.Remove(el)
				q.expiredMessages++
				dropped++
				q.releaseEmergencySlot(e)
			}
		}
	}
	return dropped
}

// Stats returns a snapshot of queue occupancy and lifetime counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	lengths := make(map[Level]int, 4)
	for _, lvl := range []Level{Critical, High, Normal, Low} {
		lengths[lvl] = q.subqueues[lvl].Len()
	}
	return QueueStats{
		Lengths:         lengths,
		EmergencyInUse:  q.emergencyUsed,
		ExpiredMessages: q.expiredMessages,
		Enqueued:        q.enqueued,
		Dequeued:        q.dequeued,
		Rejected:        q.rejected,
	}
}

// snapshotEntry is the persisted shape of one queue entry, used by
// Snapshot/Restore to survive a node shutdown.
type snapshotEntry struct {
	QueueID       string    `msgpack:"queue_id"`
	Priority      int       `msgpack:"priority"`
	Payload       []byte    `msgpack:"payload"`
	TTL           int64     `msgpack:"ttl_ns"`
	CreatedAt     time.Time `msgpack:"created_at"`
	RetryCount    int       `msgpack:"retry_count"`
	MaxRetries    int       `msgpack:"max_retries"`
	EmergencyFlag bool      `msgpack:"emergency_flag"`
}

// Snapshot captures every live entry across all levels, in priority then
// FIFO order, for persistence by the caller; no package in this module
// persists it.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Entry
	for _, lvl := range []Level{Critical, High, Normal, Low} {
		for el := q.subqueues[lvl].Front(); el != nil; el = el.Next() {
			out = append(out, *el.Value.(*Entry))
		}
	}
	return out
}

// Restore re-populates the queue from a prior Snapshot, preserving order
// within each level. It does not re-run capacity admission checks beyond
// the ordinary Enqueue path, so a snapshot taken under one capacity config
// and restored under a smaller one may reject surplus entries.
func (q *Queue) Restore(entries []Entry) error {
	for i := range entries {
		e := entries[i]
		if !q.Enqueue(&e) {
			return goerr.New(goerr.Exhausted, "", "queue capacity exceeded while restoring snapshot", nil)
		}
	}
	return nil
}
