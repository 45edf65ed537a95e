// Package storage implements the sublevel-scoped key-value persistence
// abstraction: a fixed closed set of sublevels with normative key prefixes,
// atomic per-sublevel batches, and a lazy/restartable iterator. Three
// implementations are provided — BadgerStore and LevelDBStore (disk) and
// MemoryStore (in-memory, used for tests and standalone operation) — all
// satisfying the same Store contract.
package storage

import (
	"sort"

	"github.com/gochain/gochain/pkg/goerr"
)

// Sublevel is one of the fixed, closed set of logical namespaces spec §4.3
// requires. Each sublevel's keys carry a normative prefix.
type Sublevel string

const (
	Blocks           Sublevel = "blocks"
	UTXOTransactions Sublevel = "utxo_transactions"
	UTXOSetLevel     Sublevel = "utxo_set"
	PendingUTXOTx    Sublevel = "pending_utxo_tx"
	Metadata         Sublevel = "metadata"
	Config           Sublevel = "config"
	Nodes            Sublevel = "nodes"
	CryptoKeys       Sublevel = "crypto_keys"
)

// KeyPrefix returns the normative key prefix for sl.
func KeyPrefix(sl Sublevel) string {
	switch sl {
	case Blocks:
		return "block:"
	case UTXOTransactions:
		return "utxo_tx:"
	case UTXOSetLevel:
		return "utxo:"
	case PendingUTXOTx:
		return "pending:"
	case Metadata:
		return "meta:"
	case Config:
		return "config:"
	case Nodes:
		return "node:"
	case CryptoKeys:
		return "keypair:"
	default:
		return ""
	}
}

// GenesisKeyPrefix and friends cover the genesis-specific prefixes spec §4.3
// names alongside the per-sublevel ones above.
const (
	GenesisBlockPrefix = "genesis:"
	GenesisMetaPrefix  = "gen_meta:"
	GenesisUTXOPrefix  = "gen_utxo:"
)

// Op is one operation within a Batch.
type Op struct {
	Sublevel Sublevel
	Key      string
	Value    []byte // nil means delete
}

// KeyValue is one entry yielded by an Iterator.
type KeyValue struct {
	Key   string
	Value []byte
}

// Options controls value framing.
type Options struct {
	Compression bool // gzip-frame values when true
}

// Store is the sublevel-scoped KV contract every backend implements.
type Store interface {
	Get(sl Sublevel, key string) ([]byte, error)
	Put(sl Sublevel, key string, value []byte) error
	Delete(sl Sublevel, key string) error
	// Batch applies ops atomically per-sublevel; ops spanning multiple
	// sublevels are grouped and applied one sublevel-batch at a time —
	// cross-sublevel atomicity is not guaranteed, per spec §4.3/§5.
	Batch(ops []Op) error
	// Iterator yields key/value pairs in [start,end) lexicographic order
	// (or reverse), capped at limit (0 = unbounded). The returned
	// iterator is a lazy, restartable sequence: calling Iterator again
	// with a new start cursor resumes from that point.
	Iterator(sl Sublevel, start, end string, limit int, reverse bool) (Iterator, error)
	Close() error
}

// Iterator is a lazy sequence of KeyValue pairs.
type Iterator interface {
	Next() (KeyValue, bool)
	Close()
}

// sliceIterator is the shared Iterator implementation used by MemoryStore,
// BadgerStore and LevelDBStore once they've materialized a page of results —
// persistence engines differ in how they scan, not in how callers consume
// the result.
type sliceIterator struct {
	items []KeyValue
	pos   int
}

func (it *sliceIterator) Next() (KeyValue, bool) {
	if it.pos >= len(it.items) {
		return KeyValue{}, false
	}
	kv := it.items[it.pos]
	it.pos++
	return kv, true
}

func (it *sliceIterator) Close() {}

func newSliceIterator(items []KeyValue) *sliceIterator {
	return &sliceIterator{items: items}
}

func filterRange(all map[string][]byte, start, end string, limit int, reverse bool) []KeyValue {
	keys := make([]string, 0, len(all))
	for k := range all {
		if start != "" && k < start {
			continue
		}
		if end != "" && k >= end {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyValue{Key: k, Value: all[k]})
	}
	return out
}

// groupBySublevel partitions ops for per-sublevel atomic application.
func groupBySublevel(ops []Op) map[Sublevel][]Op {
	groups := make(map[Sublevel][]Op)
	for _, op := range ops {
		groups[op.Sublevel] = append(groups[op.Sublevel], op)
	}
	return groups
}

// corruptGuard wraps a decode error as goerr.Corrupt and downgrades it to
// NotFound before GetValue returns it to callers — deserialization
// failures on persisted values are never fatal, per spec §7.
func corruptGuard(err error) error {
	if err == nil {
		return nil
	}
	return goerr.DowngradeCorrupt(goerr.Wrap(goerr.Corrupt, "failed to decode stored value", err))
}
