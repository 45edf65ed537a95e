package block

import (
	"encoding/hex"
	"testing"
)

func sampleTx(fee uint64) *Transaction {
	tx := &Transaction{
		Inputs: []*TxInput{
			{PreviousTxID: "aa", OutputIndex: 0, UnlockingScript: []byte("sig"), Sequence: 0},
		},
		Outputs: []*TxOutput{
			{Value: 1000, LockingScript: []byte("lora1dest"), OutputIndex: 0},
		},
		LockTime:  0,
		Timestamp: 1_700_000_000_000,
		Fee:       fee,
	}
	tx.ID = tx.ComputeID()
	return tx
}

func TestHashDeterminism(t *testing.T) {
	b := New(1, 1_700_000_000_000, "prevhash", 1, []*Transaction{sampleTx(10)})
	h1 := b.ComputeHash()
	h2 := b.ComputeHash()
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}

	other := New(1, 1_700_000_000_000, "prevhash", 1, []*Transaction{sampleTx(11)})
	if other.ComputeHash() == h1 {
		t.Fatalf("differing transactions produced identical hash")
	}
}

func TestMineSatisfiesDifficulty(t *testing.T) {
	b := New(1, 1_700_000_000_000, "00genesis", 2, []*Transaction{sampleTx(10)})
	before := *b
	b.Mine()
	if b.Hash[:2] != "00" {
		t.Fatalf("mined hash %s does not start with 00", b.Hash)
	}
	if b.Index != before.Index || b.PreviousHash != before.PreviousHash || b.Difficulty != before.Difficulty {
		t.Fatalf("mine mutated fields other than nonce/hash")
	}
}

func TestGenesisBypassesPoW(t *testing.T) {
	b := New(0, 1_700_000_000_000, "0", 5, nil)
	b.Mine()
	if b.Nonce != 0 {
		t.Fatalf("genesis block should not search for a nonce, got %d", b.Nonce)
	}
	res := b.Validate(nil)
	if !res.Valid {
		t.Fatalf("genesis block should validate despite high difficulty: %v", res.Errors)
	}
}

func TestValidationIsTotal(t *testing.T) {
	prev := New(0, 0, "0", 1, nil)
	prev.Mine()

	bad := New(1, 0, "wrong-prev-hash", 1, []*Transaction{
		{Outputs: nil}, // zero outputs -> invalid
	})
	bad.Hash = "not-the-real-hash" // wrong hash
	bad.MerkleRoot = "not-the-real-root"
	bad.Difficulty = 0 // invalid difficulty

	res := bad.Validate(prev)
	if res.Valid {
		t.Fatalf("expected invalid block")
	}
	if len(res.Errors) < 3 {
		t.Fatalf("expected at least 3 accumulated errors, got %d: %v", len(res.Errors), res.Errors)
	}
}

func TestMerkleRootSingleLeafEqualsHash(t *testing.T) {
	tx := sampleTx(5)
	b := New(1, 0, "x", 1, []*Transaction{tx})
	if b.MerkleRoot != hex.EncodeToString(tx.HashBytes()) {
		t.Fatalf("single-leaf merkle root %s should equal the transaction hash %s", b.MerkleRoot, tx.ComputeID())
	}
}
