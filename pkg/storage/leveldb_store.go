package storage

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/gochain/gochain/pkg/goerr"
)

// LevelDBStore is the alternate disk-backed Store, for deployments that
// prefer goleveldb's compaction profile over Badger's. Same prefix-per-
// sublevel addressing as BadgerStore.
type LevelDBStore struct {
	db *leveldb.DB
}

func OpenLevelDBStore(dir string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, goerr.Wrap(goerr.IOFailure, "open leveldb store", err)
	}
	return &LevelDBStore{db: db}, nil
}

func (l *LevelDBStore) Get(sl Sublevel, key string) ([]byte, error) {
	v, err := l.db.Get(fullKey(sl, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, goerr.New(goerr.NotFound, "", "key not found: "+string(sl)+"/"+key, nil)
	}
	if err != nil {
		return nil, goerr.Wrap(goerr.IOFailure, "leveldb get", err)
	}
	return v, nil
}

func (l *LevelDBStore) Put(sl Sublevel, key string, value []byte) error {
	if err := l.db.Put(fullKey(sl, key), value, nil); err != nil {
		return goerr.Wrap(goerr.IOFailure, "leveldb put", err)
	}
	return nil
}

func (l *LevelDBStore) Delete(sl Sublevel, key string) error {
	if err := l.db.Delete(fullKey(sl, key), nil); err != nil {
		return goerr.Wrap(goerr.IOFailure, "leveldb delete", err)
	}
	return nil
}

func (l *LevelDBStore) Batch(ops []Op) error {
	for sl, group := range groupBySublevel(ops) {
		batch := new(leveldb.Batch)
		for _, op := range group {
			k := fullKey(sl, op.Key)
			if op.Value == nil {
				batch.Delete(k)
				continue
			}
			batch.Put(k, op.Value)
		}
		if err := l.db.Write(batch, nil); err != nil {
			return goerr.Wrap(goerr.IOFailure, "leveldb batch", err)
		}
	}
	return nil
}

func (l *LevelDBStore) Iterator(sl Sublevel, start, end string, limit int, reverse bool) (Iterator, error) {
	prefix := KeyPrefix(sl)
	rng := util.BytesPrefix([]byte(prefix))
	it := l.db.NewIterator(rng, nil)
	defer it.Release()

	var items []KeyValue
	for it.Next() {
		full := string(it.Key())
		k := full[len(prefix):]
		if start != "" && k < start {
			continue
		}
		if end != "" && k >= end {
			continue
		}
		val := append([]byte{}, it.Value()...)
		items = append(items, KeyValue{Key: k, Value: val})
	}
	if err := it.Error(); err != nil {
		return nil, goerr.Wrap(goerr.IOFailure, "leveldb iterator", err)
	}
	if reverse {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return newSliceIterator(items), nil
}

func (l *LevelDBStore) Close() error {
	if err := l.db.Close(); err != nil {
		return goerr.Wrap(goerr.IOFailure, "close leveldb store", err)
	}
	return nil
}
