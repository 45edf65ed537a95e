package block

import "fmt"

// ValidationResult accumulates every violation found rather than stopping at
// the first, per spec §4.1/§8 property 9 ("validation is total").
type ValidationResult struct {
	Valid  bool
	Errors []string
}

func newResult() *ValidationResult {
	return &ValidationResult{Valid: true}
}

func (r *ValidationResult) fail(format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Validate checks b against prev (nil for genesis) and returns every
// detectable violation: non-negative/sequential index, previous_hash
// linkage, hash correctness, merkle root correctness, difficulty sanity,
// PoW (non-genesis only), and per-transaction validity.
func (b *Block) Validate(prev *Block) *ValidationResult {
	r := newResult()

	if prev == nil {
		if b.Index != 0 {
			r.fail("non-genesis block %d has no previous block", b.Index)
		}
	} else {
		if b.Index != prev.Index+1 {
			r.fail("index %d is not sequential after previous index %d", b.Index, prev.Index)
		}
		if b.PreviousHash != prev.Hash {
			r.fail("previous_hash %s does not match previous block hash %s", b.PreviousHash, prev.Hash)
		}
	}

	recomputedHash := b.ComputeHash()
	if b.Hash != recomputedHash {
		r.fail("hash %s does not match recomputed hash %s", b.Hash, recomputedHash)
	}

	recomputedRoot := b.ComputeMerkleRoot()
	if b.MerkleRoot != recomputedRoot {
		r.fail("merkle_root %s does not match recomputed root %s", b.MerkleRoot, recomputedRoot)
	}

	if b.Difficulty < 1 {
		r.fail("difficulty %d must be >= 1", b.Difficulty)
	}

	if b.Index != 0 && !MeetsDifficulty(b.Hash, b.Difficulty, b.Index) {
		r.fail("hash %s does not meet difficulty %d", b.Hash, b.Difficulty)
	}

	for i, tx := range b.Transactions {
		for _, msg := range ValidateTransactionShape(tx) {
			r.fail("transaction %d: %s", i, msg)
		}
	}

	return r
}

// ValidateTransactionShape checks structural invariants that don't require
// UTXO set lookups (ledger-level validation — input/output sum, signature
// verification — lives in pkg/utxo, which has access to the set).
func ValidateTransactionShape(tx *Transaction) []string {
	var errs []string
	if tx == nil {
		return []string{"transaction is nil"}
	}
	if len(tx.Outputs) == 0 {
		errs = append(errs, "transaction must have at least one output")
	}
	for i, out := range tx.Outputs {
		if out.Value == 0 {
			errs = append(errs, fmt.Sprintf("output %d has zero value", i))
		}
		if len(out.LockingScript) == 0 {
			errs = append(errs, fmt.Sprintf("output %d has empty locking script", i))
		}
	}
	if !tx.IsCoinbase() {
		for i, in := range tx.Inputs {
			if len(in.PreviousTxID) == 0 {
				errs = append(errs, fmt.Sprintf("input %d has empty previous_tx_id", i))
			}
		}
	}
	if tx.ID != "" && tx.ID != tx.ComputeID() {
		errs = append(errs, "id does not match recomputed transaction hash")
	}
	return errs
}
