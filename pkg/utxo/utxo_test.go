package utxo

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/ed25519"

	"github.com/gochain/gochain/pkg/block"
)

func secp256k1Pair(t *testing.T) (*btcec.PrivateKey, []byte, []byte) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub := priv.PubKey().SerializeCompressed()
	hash := sha256.Sum256(pub)
	return priv, pub, hash[len(hash)-20:]
}

func signSecp256k1(t *testing.T, priv *btcec.PrivateKey, pub []byte, digest []byte) []byte {
	t.Helper()
	r, s, err := ecdsa.Sign(rand.Reader, priv.ToECDSA(), digest)
	if err != nil {
		t.Fatal(err)
	}
	rb, sb := r.Bytes(), s.Bytes()
	rs := make([]byte, 64)
	copy(rs[32-len(rb):32], rb)
	copy(rs[64-len(sb):], sb)
	out := append([]byte{}, pub...)
	return append(out, rs...)
}

func TestUTXOConservationAfterApplyBlock(t *testing.T) {
	priv, pub, pubHash := secp256k1Pair(t)

	coinbase := &block.Transaction{
		Outputs: []*block.TxOutput{{Value: 1_000_000, LockingScript: pubHash, OutputIndex: 0}},
	}
	coinbase.ID = coinbase.ComputeID()

	genesis := block.New(0, 0, "0", 1, []*block.Transaction{coinbase})
	genesis.Mine()

	set := NewSet()
	if err := set.ApplyBlock(genesis); err != nil {
		t.Fatal(err)
	}
	if got := set.Count(); got != 1 {
		t.Fatalf("expected 1 unspent utxo after genesis, got %d", got)
	}

	spend := &block.Transaction{
		Inputs: []*block.TxInput{{PreviousTxID: coinbase.ID, OutputIndex: 0}},
		Outputs: []*block.TxOutput{
			{Value: 990_000, LockingScript: pubHash, OutputIndex: 0},
		},
		Fee: 10_000,
	}
	spend.ID = spend.ComputeID()
	digest := sha256.Sum256(spend.HashBytes())
	spend.Inputs[0].UnlockingScript = signSecp256k1(t, priv, pub, digest[:])

	if err := set.ValidateTransaction(spend, Secp256k1); err != nil {
		t.Fatalf("expected valid spend, got %v", err)
	}

	next := block.New(1, 0, genesis.Hash, 1, []*block.Transaction{spend})
	next.Mine()
	if err := set.ApplyBlock(next); err != nil {
		t.Fatal(err)
	}

	if got := set.Count(); got != 1 {
		t.Fatalf("expected 1 unspent utxo after spend (the change output), got %d", got)
	}
	if got := set.TotalValue(hex.EncodeToString(pubHash)); got != 990_000 {
		t.Fatalf("expected remaining value 990000, got %d", got)
	}
}

func TestRebuildFromBlocksMatchesIncrementalApply(t *testing.T) {
	_, _, pubHash := secp256k1Pair(t)
	coinbase := &block.Transaction{
		Outputs: []*block.TxOutput{{Value: 500, LockingScript: pubHash, OutputIndex: 0}},
	}
	coinbase.ID = coinbase.ComputeID()
	genesis := block.New(0, 0, "0", 1, []*block.Transaction{coinbase})
	genesis.Mine()

	incremental := NewSet()
	incremental.ApplyBlock(genesis)

	rebuilt := NewSet()
	rebuilt.RebuildFromBlocks([]*block.Block{genesis})

	if incremental.Count() != rebuilt.Count() {
		t.Fatalf("rebuild produced different UTXO count: %d vs %d", rebuilt.Count(), incremental.Count())
	}
}

func TestValidateTransactionRejectsBadSignature(t *testing.T) {
	priv, pub, pubHash := secp256k1Pair(t)
	_ = priv
	coinbase := &block.Transaction{
		Outputs: []*block.TxOutput{{Value: 1000, LockingScript: pubHash, OutputIndex: 0}},
	}
	coinbase.ID = coinbase.ComputeID()
	genesis := block.New(0, 0, "0", 1, []*block.Transaction{coinbase})
	genesis.Mine()

	set := NewSet()
	set.ApplyBlock(genesis)

	spend := &block.Transaction{
		Inputs:  []*block.TxInput{{PreviousTxID: coinbase.ID, OutputIndex: 0}},
		Outputs: []*block.TxOutput{{Value: 900, LockingScript: pubHash, OutputIndex: 0}},
		Fee:     100,
	}
	spend.ID = spend.ComputeID()
	// Forge a bogus signature that decodes but doesn't verify.
	bogus := append([]byte{}, pub...)
	bogus = append(bogus, make([]byte, 64)...)
	bogus[33] = 1
	bogus[65] = 1
	spend.Inputs[0].UnlockingScript = bogus

	if err := set.ValidateTransaction(spend, Secp256k1); err == nil {
		t.Fatalf("expected validation failure on forged signature")
	}
}

func TestValidateTransactionEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hash := sha256.Sum256(pub)
	pubHash := hash[len(hash)-20:]

	coinbase := &block.Transaction{
		Outputs: []*block.TxOutput{{Value: 1000, LockingScript: pubHash, OutputIndex: 0}},
	}
	coinbase.ID = coinbase.ComputeID()
	genesis := block.New(0, 0, "0", 1, []*block.Transaction{coinbase})
	genesis.Mine()

	set := NewSet()
	set.ApplyBlock(genesis)

	spend := &block.Transaction{
		Inputs:  []*block.TxInput{{PreviousTxID: coinbase.ID, OutputIndex: 0}},
		Outputs: []*block.TxOutput{{Value: 900, LockingScript: pubHash, OutputIndex: 0}},
		Fee:     100,
	}
	spend.ID = spend.ComputeID()
	sig := ed25519.Sign(priv, spend.HashBytes())
	unlocking := append([]byte{}, pub...)
	unlocking = append(unlocking, sig...)
	spend.Inputs[0].UnlockingScript = unlocking

	if err := set.ValidateTransaction(spend, Ed25519); err != nil {
		t.Fatalf("expected valid ed25519 spend, got %v", err)
	}
}
