package storage

import (
	"errors"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/gochain/gochain/pkg/goerr"
)

// BadgerStore is the default disk-backed Store, built on a single Badger
// database shared across all sublevels — each sublevel's key prefix keeps
// its keyspace disjoint within the one LSM tree.
type BadgerStore struct {
	db   *badger.DB
	opts Options
}

// OpenBadgerStore opens (creating if absent) a Badger database at dir.
func OpenBadgerStore(dir string, opts Options) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, goerr.Wrap(goerr.IOFailure, "open badger store", err)
	}
	return &BadgerStore{db: db, opts: opts}, nil
}

func fullKey(sl Sublevel, key string) []byte {
	return []byte(KeyPrefix(sl) + key)
}

func (b *BadgerStore) Get(sl Sublevel, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fullKey(sl, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte{}, val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, goerr.New(goerr.NotFound, "", "key not found: "+string(sl)+"/"+key, nil)
	}
	if err != nil {
		return nil, goerr.Wrap(goerr.IOFailure, "badger get", err)
	}
	return out, nil
}

func (b *BadgerStore) Put(sl Sublevel, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fullKey(sl, key), value)
	})
	if err != nil {
		return goerr.Wrap(goerr.IOFailure, "badger put", err)
	}
	return nil
}

func (b *BadgerStore) Delete(sl Sublevel, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(fullKey(sl, key))
	})
	if err != nil {
		return goerr.Wrap(goerr.IOFailure, "badger delete", err)
	}
	return nil
}

// Batch applies ops grouped by sublevel, one Badger transaction per
// sublevel group — atomic within a sublevel, not across sublevels, matching
// the Store contract.
func (b *BadgerStore) Batch(ops []Op) error {
	for sl, group := range groupBySublevel(ops) {
		err := b.db.Update(func(txn *badger.Txn) error {
			for _, op := range group {
				k := fullKey(sl, op.Key)
				if op.Value == nil {
					if err := txn.Delete(k); err != nil {
						return err
					}
					continue
				}
				if err := txn.Set(k, op.Value); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return goerr.Wrap(goerr.IOFailure, "badger batch", err)
		}
	}
	return nil
}

func (b *BadgerStore) Iterator(sl Sublevel, start, end string, limit int, reverse bool) (Iterator, error) {
	prefix := []byte(KeyPrefix(sl))
	var items []KeyValue
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Reverse = reverse
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		seekKey := prefix
		if reverse {
			seekKey = append(append([]byte{}, prefix...), 0xFF)
		}
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			full := string(item.KeyCopy(nil))
			k := full[len(prefix):]
			if start != "" && k < start {
				continue
			}
			if end != "" && k >= end {
				continue
			}
			var val []byte
			if err := item.Value(func(v []byte) error {
				val = append([]byte{}, v...)
				return nil
			}); err != nil {
				return err
			}
			items = append(items, KeyValue{Key: k, Value: val})
			if limit > 0 && len(items) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(goerr.IOFailure, "badger iterator", err)
	}
	return newSliceIterator(items), nil
}

func (b *BadgerStore) Close() error {
	if err := b.db.Close(); err != nil {
		return goerr.Wrap(goerr.IOFailure, "close badger store", err)
	}
	return nil
}
