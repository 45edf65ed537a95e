package storage

import (
	"sync"

	"github.com/gochain/gochain/pkg/goerr"
)

// MemoryStore is the in-memory Store implementation spec §4.3 requires for
// tests and standalone operation — identical semantics to the disk-backed
// stores, no persistence.
type MemoryStore struct {
	mu   sync.RWMutex
	opts Options
	data map[Sublevel]map[string][]byte
}

func NewMemoryStore(opts Options) *MemoryStore {
	data := make(map[Sublevel]map[string][]byte)
	for _, sl := range allSublevels {
		data[sl] = make(map[string][]byte)
	}
	return &MemoryStore{opts: opts, data: data}
}

var allSublevels = []Sublevel{
	Blocks, UTXOTransactions, UTXOSetLevel, PendingUTXOTx,
	Metadata, Config, Nodes, CryptoKeys,
}

func (m *MemoryStore) Get(sl Sublevel, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket, ok := m.data[sl]
	if !ok {
		return nil, goerr.New(goerr.NotFound, "", "unknown sublevel", nil)
	}
	v, ok := bucket[key]
	if !ok {
		return nil, goerr.New(goerr.NotFound, "", "key not found: "+string(sl)+"/"+key, nil)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Put(sl Sublevel, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.data[sl]
	if !ok {
		return goerr.New(goerr.NotFound, "", "unknown sublevel", nil)
	}
	v := make([]byte, len(value))
	copy(v, value)
	bucket[key] = v
	return nil
}

func (m *MemoryStore) Delete(sl Sublevel, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.data[sl]
	if !ok {
		return goerr.New(goerr.NotFound, "", "unknown sublevel", nil)
	}
	delete(bucket, key)
	return nil
}

// Batch applies ops atomically per-sublevel: each sublevel's slice of ops is
// applied under a single lock acquisition, but different sublevels are not
// synchronized with each other.
func (m *MemoryStore) Batch(ops []Op) error {
	for sl, group := range groupBySublevel(ops) {
		m.mu.Lock()
		bucket, ok := m.data[sl]
		if !ok {
			m.mu.Unlock()
			return goerr.New(goerr.NotFound, "", "unknown sublevel", nil)
		}
		for _, op := range group {
			if op.Value == nil {
				delete(bucket, op.Key)
				continue
			}
			v := make([]byte, len(op.Value))
			copy(v, op.Value)
			bucket[op.Key] = v
		}
		m.mu.Unlock()
	}
	return nil
}

func (m *MemoryStore) Iterator(sl Sublevel, start, end string, limit int, reverse bool) (Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket, ok := m.data[sl]
	if !ok {
		return nil, goerr.New(goerr.NotFound, "", "unknown sublevel", nil)
	}
	snapshot := make(map[string][]byte, len(bucket))
	for k, v := range bucket {
		snapshot[k] = v
	}
	return newSliceIterator(filterRange(snapshot, start, end, limit, reverse)), nil
}

func (m *MemoryStore) Close() error { return nil }
