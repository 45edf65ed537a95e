// Package block implements the UTXO block/transaction data model: canonical
// hashing, proof-of-work mining, and totality-preserving validation.
package block

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gochain/gochain/pkg/merkle"
)

// Block is a header plus an ordered list of UTXO transactions.
type Block struct {
	Index         uint64         `json:"index"`
	Timestamp     int64          `json:"timestamp"` // ms since epoch
	PreviousHash  string         `json:"previous_hash"`
	Hash          string         `json:"hash"`
	Nonce         uint64         `json:"nonce"`
	Difficulty    uint32         `json:"difficulty"`
	MerkleRoot    string         `json:"merkle_root"`
	Validator     string         `json:"validator,omitempty"`
	Transactions  []*Transaction `json:"transactions"`
}

// New builds an unmined block linking to previous, with the merkle root
// already computed from transactions. Hash/Nonce are left zero until Mine is
// called.
func New(index uint64, timestamp int64, previousHash string, difficulty uint32, txs []*Transaction) *Block {
	b := &Block{
		Index:        index,
		Timestamp:    timestamp,
		PreviousHash: previousHash,
		Difficulty:   difficulty,
		Transactions: txs,
	}
	b.MerkleRoot = b.ComputeMerkleRoot()
	return b
}

// ComputeMerkleRoot recomputes the merkle root from the current transaction
// set using the transaction id as leaf hash.
func (b *Block) ComputeMerkleRoot() string {
	leaves := make([][]byte, len(b.Transactions))
	for i, tx := range b.Transactions {
		leaves[i] = tx.HashBytes()
	}
	return hex.EncodeToString(merkle.Root(leaves))
}

// CanonicalPreimage returns the normative byte preimage hashed to produce
// Hash: SHA-256 of a canonical JSON-like serialization of the header fields
// in the fixed order index, timestamp, transactions, previous_hash, nonce,
// merkle_root, difficulty, validator — the Validator key is elided entirely
// when empty, never emitted as null or "".
func (b *Block) CanonicalPreimage() []byte {
	var sb strings.Builder
	sb.WriteByte('{')
	fmt.Fprintf(&sb, `"index":%d,`, b.Index)
	fmt.Fprintf(&sb, `"timestamp":%d,`, b.Timestamp)
	sb.WriteString(`"transactions":[`)
	for i, tx := range b.Transactions {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.Write(tx.CanonicalPreimage())
	}
	sb.WriteString(`],`)
	fmt.Fprintf(&sb, `"previous_hash":%q,`, b.PreviousHash)
	fmt.Fprintf(&sb, `"nonce":%d,`, b.Nonce)
	fmt.Fprintf(&sb, `"merkle_root":%q,`, b.MerkleRoot)
	fmt.Fprintf(&sb, `"difficulty":%d`, b.Difficulty)
	if b.Validator != "" {
		fmt.Fprintf(&sb, `,"validator":%q`, b.Validator)
	}
	sb.WriteByte('}')
	return []byte(sb.String())
}

// ComputeHash returns the hex-encoded SHA-256 of CanonicalPreimage. It does
// not mutate the block.
func (b *Block) ComputeHash() string {
	sum := sha256.Sum256(b.CanonicalPreimage())
	return hex.EncodeToString(sum[:])
}

// Mine performs proof-of-work: increments Nonce from 0 until Hash starts with
// Difficulty hex zero nibbles, and sets Hash to the winning value. Genesis
// blocks (Index == 0) are exempt from the PoW search — Hash is simply
// computed once and Nonce stays 0.
func (b *Block) Mine() {
	if b.Index == 0 {
		b.Nonce = 0
		b.Hash = b.ComputeHash()
		return
	}
	prefix := strings.Repeat("0", int(b.Difficulty))
	for nonce := uint64(0); ; nonce++ {
		b.Nonce = nonce
		h := b.ComputeHash()
		if strings.HasPrefix(h, prefix) {
			b.Hash = h
			return
		}
	}
}

// MeetsDifficulty reports whether hash starts with difficulty hex zero
// nibbles. Genesis blocks always meet it trivially.
func MeetsDifficulty(hash string, difficulty uint32, index uint64) bool {
	if index == 0 {
		return true
	}
	return strings.HasPrefix(hash, strings.Repeat("0", int(difficulty)))
}

// String implements fmt.Stringer for logging.
func (b *Block) String() string {
	return fmt.Sprintf("Block{Index:%d Hash:%s Txs:%d}", b.Index, b.Hash, len(b.Transactions))
}
