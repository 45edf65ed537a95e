package storage

import "github.com/gochain/gochain/pkg/goerr"

// PutValue msgpack-encodes v (gzip-framed per opts) and stores it.
func PutValue(s Store, sl Sublevel, key string, v interface{}, opts Options) error {
	framed, err := encodeValue(v, opts)
	if err != nil {
		return goerr.Wrap(Invalid(sl), "encode value", err)
	}
	return s.Put(sl, key, framed)
}

// GetValue fetches and decodes the value at (sl,key) into dst. A decode
// failure is reported as goerr.NotFound (downgraded from Corrupt), never
// fatal, per spec §7.
func GetValue(s Store, sl Sublevel, key string, dst interface{}, opts Options) error {
	raw, err := s.Get(sl, key)
	if err != nil {
		return err
	}
	if err := decodeValue(raw, dst, opts); err != nil {
		return corruptGuard(err)
	}
	return nil
}

// Invalid maps a sublevel to the goerr.Kind used when encoding a value
// destined for it fails — there's no InvalidSublevel kind, so this falls
// back to the closest taxonomy member per sublevel.
func Invalid(sl Sublevel) goerr.Kind {
	switch sl {
	case Blocks:
		return goerr.InvalidBlock
	case UTXOTransactions, PendingUTXOTx:
		return goerr.InvalidTransaction
	case Config:
		return goerr.InvalidConfig
	default:
		return goerr.Corrupt
	}
}
