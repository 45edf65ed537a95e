// Package utxo tracks the set of unspent transaction outputs and validates
// UTXO transactions against it: input existence, signature verification
// under the configured algorithm, and the input-sum ≥ output-sum + fee
// invariant.
package utxo

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/ed25519"

	"github.com/gochain/gochain/pkg/block"
	"github.com/gochain/gochain/pkg/goerr"
)

// Algorithm selects the signature scheme an unlocking script is verified
// under, per spec §3's "configured signature algorithm (secp256k1 or
// ed25519)".
type Algorithm int

const (
	Secp256k1 Algorithm = iota
	Ed25519
)

// UTXO is one unspent (or previously spent) output, keyed by (TxID, OutputIndex).
type UTXO struct {
	TxID          string `json:"tx_id"`
	OutputIndex   uint32 `json:"output_index"`
	Value         uint64 `json:"value"`
	LockingScript []byte `json:"locking_script"`
	BlockHeight   uint64 `json:"block_height"`
	IsSpent       bool   `json:"is_spent"`
}

// Set is the mutable UTXO ledger. All mutation goes through a single
// RWMutex-guarded path, per spec §5's single-writer-per-resource rule.
type Set struct {
	mu    sync.RWMutex
	utxos map[string]*UTXO // key: "txID:index"
}

func NewSet() *Set {
	return &Set{utxos: make(map[string]*UTXO)}
}

func key(txID string, index uint32) string {
	return fmt.Sprintf("%s:%d", txID, index)
}

// Get returns the UTXO at (txID, index), or nil if absent.
func (s *Set) Get(txID string, index uint32) *UTXO {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.utxos[key(txID, index)]
}

// Put inserts or replaces a UTXO.
func (s *Set) Put(u *UTXO) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(u)
}

func (s *Set) put(u *UTXO) {
	s.utxos[key(u.TxID, u.OutputIndex)] = u
}

// MarkSpent flags the UTXO at (txID, index) as spent. Returns NotFound if it
// does not exist.
func (s *Set) MarkSpent(txID string, index uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.utxos[key(txID, index)]
	if !ok {
		return goerr.New(goerr.NotFound, "", fmt.Sprintf("utxo %s:%d not found", txID, index), nil)
	}
	u.IsSpent = true
	return nil
}

// UTXOsForAddress returns every unspent UTXO locked to address, sorted by
// value descending.
func (s *Set) UTXOsForAddress(address string) []*UTXO {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*UTXO
	for _, u := range s.utxos {
		if !u.IsSpent && hex.EncodeToString(u.LockingScript) == address {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value > out[j].Value })
	return out
}

// TotalValue sums the value of every unspent UTXO for address.
func (s *Set) TotalValue(address string) uint64 {
	var total uint64
	for _, u := range s.UTXOsForAddress(address) {
		total += u.Value
	}
	return total
}

// Count returns the number of unspent UTXOs in the set.
func (s *Set) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, u := range s.utxos {
		if !u.IsSpent {
			n++
		}
	}
	return n
}

// ApplyBlock creates outputs for every transaction in b and marks the
// outputs referenced by its inputs as spent.
func (s *Set) ApplyBlock(b *block.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range b.Transactions {
		s.applyTransaction(tx, b.Index)
	}
	return nil
}

func (s *Set) applyTransaction(tx *block.Transaction, height uint64) {
	for _, in := range tx.Inputs {
		if u, ok := s.utxos[key(in.PreviousTxID, in.OutputIndex)]; ok {
			u.IsSpent = true
		}
	}
	for _, out := range tx.Outputs {
		s.put(&UTXO{
			TxID:          tx.ID,
			OutputIndex:   out.OutputIndex,
			Value:         out.Value,
			LockingScript: out.LockingScript,
			BlockHeight:   height,
			IsSpent:       false,
		})
	}
}

// RebuildFromBlocks discards the current set and replays blocks in order —
// the recovery path after corruption, per spec §4.2.
func (s *Set) RebuildFromBlocks(blocks []*block.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utxos = make(map[string]*UTXO)
	for _, b := range blocks {
		for _, tx := range b.Transactions {
			s.applyTransaction(tx, b.Index)
		}
	}
	return nil
}

// ValidateTransaction checks tx against the current set under algo: every
// input references an existing unspent UTXO, the unlocking script verifies
// against the referenced UTXO's locking script, input sum ≥ output sum, and
// fee = inputs - outputs ≥ 0. Coinbase transactions (no inputs) are only
// checked for well-formed outputs.
func (s *Set) ValidateTransaction(tx *block.Transaction, algo Algorithm) error {
	if tx == nil {
		return goerr.New(goerr.InvalidTransaction, "", "transaction is nil", nil)
	}
	if tx.IsCoinbase() {
		if len(tx.Outputs) == 0 {
			return goerr.New(goerr.InvalidTransaction, "", "coinbase transaction has no outputs", nil)
		}
		return nil
	}

	seen := make(map[string]bool)
	var totalIn uint64
	for i, in := range tx.Inputs {
		k := key(in.PreviousTxID, in.OutputIndex)
		if seen[k] {
			return goerr.New(goerr.InvalidTransaction, "", fmt.Sprintf("duplicate input %s", k), nil)
		}
		seen[k] = true

		u := s.Get(in.PreviousTxID, in.OutputIndex)
		if u == nil || u.IsSpent {
			return goerr.New(goerr.InvalidTransaction, "", fmt.Sprintf("input %d references missing or spent utxo %s", i, k), nil)
		}
		if err := verifyUnlockingScript(algo, in.UnlockingScript, u.LockingScript, tx); err != nil {
			return goerr.New(goerr.Unauthorized, "", fmt.Sprintf("input %d: %v", i, err), err)
		}
		totalIn += u.Value
	}

	var totalOut uint64
	for _, out := range tx.Outputs {
		totalOut += out.Value
	}
	if totalOut > totalIn {
		return goerr.New(goerr.InvalidTransaction, "", fmt.Sprintf("outputs %d exceed inputs %d", totalOut, totalIn), nil)
	}
	fee := totalIn - totalOut
	if tx.Fee != fee {
		return goerr.New(goerr.InvalidTransaction, "", fmt.Sprintf("declared fee %d does not match computed fee %d", tx.Fee, fee), nil)
	}
	return nil
}

// verifyUnlockingScript checks that unlockingScript authorizes spending an
// output locked by lockingScript, under algo. Unlocking script layout:
// secp256k1: 33-byte compressed pubkey || 64-byte raw r||s signature.
// ed25519:   32-byte pubkey || 64-byte signature.
// Locking script layout (both algorithms): hex-decoded 20-byte pubkey hash
// (SHA-256 truncated to its last 20 bytes), matching pkg/wallet addressing.
func verifyUnlockingScript(algo Algorithm, unlocking, locking []byte, tx *block.Transaction) error {
	preimage := tx.HashBytes()
	switch algo {
	case Secp256k1:
		if len(unlocking) < 33+64 {
			return fmt.Errorf("unlocking script too short for secp256k1: %d bytes", len(unlocking))
		}
		pubBytes := unlocking[:33]
		rs := unlocking[33:97]
		pubKey, err := btcec.ParsePubKey(pubBytes)
		if err != nil {
			return fmt.Errorf("parse pubkey: %w", err)
		}
		hash := sha256.Sum256(pubBytes)
		pubKeyHash := hash[len(hash)-20:]
		if hex.EncodeToString(pubKeyHash) != hex.EncodeToString(locking) {
			return fmt.Errorf("pubkey hash does not match locking script")
		}
		r := new(big.Int).SetBytes(rs[:32])
		s := new(big.Int).SetBytes(rs[32:64])
		if r.Sign() <= 0 || s.Sign() <= 0 {
			return fmt.Errorf("invalid signature components")
		}
		digest := sha256.Sum256(preimage)
		if !ecdsa.Verify(pubKey.ToECDSA(), digest[:], r, s) {
			return fmt.Errorf("signature verification failed")
		}
		return nil
	case Ed25519:
		if len(unlocking) < ed25519.PublicKeySize+ed25519.SignatureSize {
			return fmt.Errorf("unlocking script too short for ed25519: %d bytes", len(unlocking))
		}
		pub := ed25519.PublicKey(unlocking[:ed25519.PublicKeySize])
		sig := unlocking[ed25519.PublicKeySize : ed25519.PublicKeySize+ed25519.SignatureSize]
		hash := sha256.Sum256(pub)
		pubKeyHash := hash[len(hash)-20:]
		if hex.EncodeToString(pubKeyHash) != hex.EncodeToString(locking) {
			return fmt.Errorf("pubkey hash does not match locking script")
		}
		if !ed25519.Verify(pub, preimage, sig) {
			return fmt.Errorf("signature verification failed")
		}
		return nil
	default:
		return fmt.Errorf("unknown signature algorithm %d", algo)
	}
}
