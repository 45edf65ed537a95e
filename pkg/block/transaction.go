package block

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// TxInput spends a prior output identified by (PreviousTxID, OutputIndex).
type TxInput struct {
	PreviousTxID    string `json:"previous_tx_id"`
	OutputIndex     uint32 `json:"output_index"`
	UnlockingScript []byte `json:"unlocking_script"`
	Sequence        uint32 `json:"sequence"`
}

// TxOutput creates a new spendable value locked to LockingScript.
type TxOutput struct {
	Value         uint64 `json:"value"`
	LockingScript []byte `json:"locking_script"`
	OutputIndex   uint32 `json:"output_index"`
}

// Transaction is a UTXO transaction: it consumes Inputs and creates Outputs.
type Transaction struct {
	ID        string      `json:"id"`
	Inputs    []*TxInput  `json:"inputs"`
	Outputs   []*TxOutput `json:"outputs"`
	LockTime  uint64      `json:"lock_time"`
	Timestamp int64       `json:"timestamp"`
	Fee       uint64      `json:"fee"`
}

// CanonicalPreimage returns the fixed-order byte preimage used both to
// compute the transaction id/hash and as a Merkle leaf input. Field order:
// inputs, outputs, lock_time, timestamp, fee. Unlocking scripts are
// deliberately excluded: a signature covers the transaction it authorizes,
// and that transaction's hash must stay fixed both before and after the
// signature is written into the input that carries it.
func (tx *Transaction) CanonicalPreimage() []byte {
	var sb strings.Builder
	sb.WriteByte('{')
	sb.WriteString(`"inputs":[`)
	for i, in := range tx.Inputs {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, `{"previous_tx_id":%q,"output_index":%d,"sequence":%d}`,
			in.PreviousTxID, in.OutputIndex, in.Sequence)
	}
	sb.WriteString(`],"outputs":[`)
	for i, out := range tx.Outputs {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, `{"value":%d,"locking_script":%q,"output_index":%d}`,
			out.Value, hex.EncodeToString(out.LockingScript), out.OutputIndex)
	}
	fmt.Fprintf(&sb, `],"lock_time":%d,"timestamp":%d,"fee":%d}`, tx.LockTime, tx.Timestamp, tx.Fee)
	return []byte(sb.String())
}

// HashBytes returns the raw SHA-256 digest of CanonicalPreimage.
func (tx *Transaction) HashBytes() []byte {
	sum := sha256.Sum256(tx.CanonicalPreimage())
	return sum[:]
}

// ComputeID returns the hex-encoded transaction hash; by convention ID is
// set to this value once inputs/outputs are finalized.
func (tx *Transaction) ComputeID() string {
	return hex.EncodeToString(tx.HashBytes())
}

// IsCoinbase reports whether tx has no inputs (genesis / mining-reward txs).
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 0
}
