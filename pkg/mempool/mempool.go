package mempool

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gochain/gochain/pkg/block"
	"github.com/gochain/gochain/pkg/utxo"
)

// Mempool represents the transaction memory pool.
// It stores unconfirmed transactions and prioritizes them for inclusion in blocks.
type Mempool struct {
	mu           sync.RWMutex                 // mu protects concurrent access to mempool fields.
	transactions map[string]*TransactionEntry // transactions stores all transactions in the mempool, keyed by tx ID.
	byFee        *TransactionHeapMin          // byFee is a min-heap for transactions, ordered by fee rate (lowest first).
	byTime       *TransactionHeap             // byTime is a TransactionHeap like any other: a max-heap ordered by fee rate (highest first), not by timestamp.
	maxSize      uint64                       // maxSize is the maximum allowed size of the mempool in bytes.
	currentSize  uint64                       // currentSize is the current total size of transactions in the mempool.
	minFeeRate   uint64                       // minFeeRate is the minimum fee per byte required for a transaction to enter the mempool.
	utxoSet      *utxo.Set                    // utxoSet is used for transaction validation.
	algo         utxo.Algorithm               // algo is the signature algorithm unlocking scripts are verified under.
	maxTxSize    uint64                       // maxTxSize is the maximum allowed transaction size in bytes.
	testMode     bool                         // testMode allows skipping UTXO validation for testing.
}

// TransactionEntry wraps a transaction with metadata used for mempool management.
type TransactionEntry struct {
	Transaction *block.Transaction // Transaction is the actual pending transaction.
	FeeRate     uint64             // FeeRate is the transaction fee per byte.
	Size        uint64             // Size is the approximate size of the transaction in bytes.
	Timestamp   time.Time          // Timestamp is when the transaction was added to the mempool.
	index       int                // index is used by the heap.Interface implementation.
}

// TransactionHeap implements heap.Interface for transaction prioritization based on fee rate (max-heap).
type TransactionHeap []*TransactionEntry

// MempoolConfig holds configuration parameters for the mempool.
type MempoolConfig struct {
	MaxSize    uint64         // MaxSize is the maximum allowed size of the mempool in bytes.
	MinFeeRate uint64         // MinFeeRate is the minimum fee per byte required for a transaction.
	MaxTxSize  uint64         // MaxTxSize is the maximum allowed transaction size in bytes.
	Algorithm  utxo.Algorithm // Algorithm is the signature scheme unlocking scripts are verified under.
	TestMode   bool           // TestMode allows skipping UTXO validation for testing.
}

// DefaultMempoolConfig returns the default mempool configuration.
func DefaultMempoolConfig() *MempoolConfig {
	return &MempoolConfig{
		MaxSize:    100000, // 100KB
		MinFeeRate: 1,      // 1 unit per byte
		MaxTxSize:  100000, // 100KB max transaction size
		Algorithm:  utxo.Secp256k1,
		TestMode:   false, // Production mode by default
	}
}

// TestMempoolConfig returns a mempool configuration suitable for testing.
// It enables test mode to skip UTXO validation and uses smaller limits.
func TestMempoolConfig() *MempoolConfig {
	return &MempoolConfig{
		MaxSize:    10000, // 10KB for testing
		MinFeeRate: 1,     // Minimum fee rate of 1 per byte for testing (accounts for default validation)
		MaxTxSize:  10000, // 10KB max transaction size for testing
		Algorithm:  utxo.Secp256k1,
		TestMode:   true, // Test mode enabled
	}
}

// NewMempool creates a new transaction mempool instance.
// It initializes the internal data structures and heaps for transaction prioritization.
func NewMempool(config *MempoolConfig) *Mempool {
	mp := &Mempool{
		transactions: make(map[string]*TransactionEntry),
		byFee:        &TransactionHeapMin{},
		byTime:       &TransactionHeap{},
		maxSize:      config.MaxSize,
		minFeeRate:   config.MinFeeRate,
		maxTxSize:    config.MaxTxSize,
		algo:         config.Algorithm,
		testMode:     config.TestMode,
	}

	heap.Init(mp.byFee)
	heap.Init(mp.byTime)

	return mp
}

// SetUTXOSet sets the UTXO set used for transaction validation.
func (mp *Mempool) SetUTXOSet(utxoSet *utxo.Set) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.utxoSet = utxoSet
}

// AddTransaction adds a transaction to the mempool.
// It validates the transaction, calculates its fee rate, and adds it to the internal data structures.
// If the mempool is full, it attempts to evict lower-fee transactions.
func (mp *Mempool) AddTransaction(tx *block.Transaction) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if tx.ID == "" {
		tx.ID = tx.ComputeID()
	}
	if _, exists := mp.transactions[tx.ID]; exists {
		return fmt.Errorf("transaction already in mempool")
	}

	if err := mp.isTransactionValidLocked(tx); err != nil {
		return fmt.Errorf("transaction validation failed: %w", err)
	}

	size := mp.calculateTransactionSize(tx)
	feeRate := mp.calculateFeeRate(tx, size)

	if mp.currentSize+size > mp.maxSize {
		if !mp.evictLowFeeTransactions(size) {
			return fmt.Errorf("mempool full and cannot evict enough transactions")
		}
	}

	entry := &TransactionEntry{
		Transaction: tx,
		FeeRate:     feeRate,
		Size:        size,
		Timestamp:   time.Now(),
	}

	mp.transactions[tx.ID] = entry
	mp.currentSize += size

	heap.Push(mp.byFee, entry)
	heap.Push(mp.byTime, entry)

	return nil
}

// RemoveTransaction removes a transaction from the mempool given its ID.
// It returns true if the transaction was found and removed, false otherwise.
func (mp *Mempool) RemoveTransaction(txID string) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	entry, exists := mp.transactions[txID]
	if !exists {
		return false
	}

	delete(mp.transactions, txID)
	mp.currentSize -= entry.Size

	mp.byFee.Remove(entry)
	mp.byTime.Remove(entry)

	return true
}

// GetTransaction returns a transaction from the mempool by its ID.
// It returns nil if the transaction is not found.
func (mp *Mempool) GetTransaction(txID string) *block.Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	entry, exists := mp.transactions[txID]
	if !exists {
		return nil
	}

	return entry.Transaction
}

// GetTransactionsForBlock returns a list of transactions suitable for inclusion in a new block.
// Transactions are prioritized by fee rate (highest first) and limited by the given maxSize.
func (mp *Mempool) GetTransactionsForBlock(maxSize uint64) []*block.Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	var transactions []*block.Transaction
	currentSize := uint64(0)

	// byFee/byTime are live heaps whose entries carry a heap-position index
	// shared between the two; sorting a detached copy by fee rate avoids
	// disturbing either heap's bookkeeping.
	candidates := make([]*TransactionEntry, mp.byFee.Len())
	copy(candidates, *mp.byFee)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].FeeRate > candidates[j].FeeRate
	})

	for _, entry := range candidates {
		if currentSize >= maxSize {
			break
		}
		if _, exists := mp.transactions[entry.Transaction.ID]; !exists {
			continue
		}
		if currentSize+entry.Size > maxSize {
			break
		}

		transactions = append(transactions, entry.Transaction)
		currentSize += entry.Size
	}

	return transactions
}

// GetSize returns the current total size of transactions in the mempool in bytes.
func (mp *Mempool) GetSize() uint64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.currentSize
}

// GetTransactionCount returns the number of transactions currently in the mempool.
func (mp *Mempool) GetTransactionCount() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.transactions)
}

// Clear removes all transactions from the mempool.
func (mp *Mempool) Clear() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.transactions = make(map[string]*TransactionEntry)
	mp.byFee = &TransactionHeapMin{}
	mp.byTime = &TransactionHeap{}
	mp.currentSize = 0

	heap.Init(mp.byFee)
	heap.Init(mp.byTime)
}

// evictLowFeeTransactions evicts transactions with the lowest fee rates to free up
// space in the mempool. It continues to evict until requiredSize is met or no more
// transactions can be evicted.
func (mp *Mempool) evictLowFeeTransactions(requiredSize uint64) bool {
	evictedSize := uint64(0)

	for mp.byFee.Len() > 0 && evictedSize < requiredSize {
		entry := heap.Pop(mp.byFee).(*TransactionEntry)

		delete(mp.transactions, entry.Transaction.ID)
		mp.currentSize -= entry.Size
		evictedSize += entry.Size

		mp.byTime.Remove(entry)
	}

	return evictedSize >= requiredSize
}

// calculateTransactionSize calculates the approximate size of a transaction in bytes.
func (mp *Mempool) calculateTransactionSize(tx *block.Transaction) uint64 {
	size := uint64(0)

	// LockTime + Timestamp + Fee
	size += 8 + 8 + 8

	// Input count + output count
	size += 4 + 4

	for _, input := range tx.Inputs {
		size += uint64(len(input.PreviousTxID)) + 4 + uint64(len(input.UnlockingScript)) + 4
	}

	for _, output := range tx.Outputs {
		size += 8 + uint64(len(output.LockingScript)) + 4
	}

	return size
}

// calculateFeeRate calculates the fee rate (fee per byte) of a transaction.
func (mp *Mempool) calculateFeeRate(tx *block.Transaction, size uint64) uint64 {
	if size == 0 {
		return 0
	}
	return tx.Fee / size
}

// validateFeeRate performs fee-rate sanity checks: a dust threshold on outputs,
// a minimum fee rate, an absolute maximum of 40x that minimum plus a maximum
// that rises with pool utilization (50x, 100x, 200x), and a cap on how far the
// declared fee may diverge from the input value it actually spends.
func (mp *Mempool) validateFeeRate(tx *block.Transaction, feeRate uint64) error {
	const dustThreshold = 546

	for i, output := range tx.Outputs {
		if output.Value < dustThreshold {
			return fmt.Errorf("output %d value %d below dust threshold", i, output.Value)
		}
	}

	if mp.minFeeRate > 0 {
		if feeRate < mp.minFeeRate {
			return fmt.Errorf("fee rate %d below minimum %d", feeRate, mp.minFeeRate)
		}

		// Absolute cap regardless of utilization, to bound fee-based DoS.
		absoluteMaxFeeRate := mp.minFeeRate * 40
		if feeRate > absoluteMaxFeeRate {
			return fmt.Errorf("fee rate %d exceeds maximum allowed rate %d (absolute limit)",
				feeRate, absoluteMaxFeeRate)
		}

		utilization := float64(mp.currentSize) / float64(mp.maxSize)
		var maxAllowedFeeRate uint64
		switch {
		case utilization > 0.8:
			maxAllowedFeeRate = mp.minFeeRate * 200
		case utilization > 0.5:
			maxAllowedFeeRate = mp.minFeeRate * 100
		default:
			maxAllowedFeeRate = mp.minFeeRate * 50
		}

		if feeRate > maxAllowedFeeRate {
			return fmt.Errorf("fee rate %d exceeds maximum allowed rate %d (utilization: %.2f)",
				feeRate, maxAllowedFeeRate, utilization)
		}
	}

	txSize := mp.calculateTransactionSize(tx)
	if tx.Fee > txSize*1000 {
		return fmt.Errorf("fee %d is excessively high relative to transaction size %d", tx.Fee, txSize)
	}

	minFeePerByte := mp.minFeeRate
	if minFeePerByte == 0 {
		minFeePerByte = 1
	}
	if tx.Fee < txSize*minFeePerByte {
		return fmt.Errorf("fee %d is too low for transaction size %d (minimum: %d)",
			tx.Fee, txSize, txSize*minFeePerByte)
	}

	if len(tx.Inputs) > 0 && mp.utxoSet != nil && !mp.testMode {
		var totalInput uint64
		for _, input := range tx.Inputs {
			if u := mp.utxoSet.Get(input.PreviousTxID, input.OutputIndex); u != nil {
				totalInput += u.Value
			}
		}
		if totalInput > 0 && tx.Fee > totalInput*9/10 {
			return fmt.Errorf("fee %d exceeds 90%% of input value %d", tx.Fee, totalInput)
		}
	}

	return nil
}

// Remove removes a TransactionEntry from the TransactionHeap.
func (h *TransactionHeap) Remove(entry *TransactionEntry) {
	if entry.index >= 0 && entry.index < h.Len() {
		heap.Remove(h, entry.index)
	}
}

func (h TransactionHeap) Len() int { return len(h) }

func (h TransactionHeap) Less(i, j int) bool {
	return h[i].FeeRate > h[j].FeeRate
}

func (h TransactionHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *TransactionHeap) Push(x interface{}) {
	n := len(*h)
	entry := x.(*TransactionEntry)
	entry.index = n
	*h = append(*h, entry)
}

func (h *TransactionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[0 : n-1]
	return entry
}

// TransactionHeapMin implements heap.Interface for transaction prioritization based on fee rate (min-heap).
type TransactionHeapMin []*TransactionEntry

func (h TransactionHeapMin) Len() int { return len(h) }

func (h TransactionHeapMin) Less(i, j int) bool {
	return h[i].FeeRate < h[j].FeeRate
}

func (h TransactionHeapMin) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *TransactionHeapMin) Push(x interface{}) {
	n := len(*h)
	entry := x.(*TransactionEntry)
	entry.index = n
	*h = append(*h, entry)
}

func (h *TransactionHeapMin) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[0 : n-1]
	return entry
}

// Remove removes a TransactionEntry from the TransactionHeapMin.
func (h *TransactionHeapMin) Remove(entry *TransactionEntry) {
	if entry.index >= 0 && entry.index < h.Len() {
		heap.Remove(h, entry.index)
	}
}

// IsTransactionValid validates a transaction for inclusion in the mempool,
// including signature verification, UTXO checks, and fee validation.
func (mp *Mempool) IsTransactionValid(tx *block.Transaction) error {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.isTransactionValidLocked(tx)
}

func (mp *Mempool) isTransactionValidLocked(tx *block.Transaction) error {
	if tx == nil {
		return fmt.Errorf("transaction is nil")
	}
	if !tx.IsCoinbase() && len(tx.Outputs) == 0 {
		return fmt.Errorf("transaction has no outputs")
	}

	size := mp.calculateTransactionSize(tx)
	if size > mp.maxTxSize {
		return fmt.Errorf("transaction size %d exceeds maximum allowed size %d", size, mp.maxTxSize)
	}

	if err := mp.validateTransactionSecurity(tx); err != nil {
		return fmt.Errorf("security validation failed: %w", err)
	}

	if !tx.IsCoinbase() {
		for i, input := range tx.Inputs {
			if mp.isUTXOSpentInMempool(input.PreviousTxID, input.OutputIndex) {
				return fmt.Errorf("input %d references UTXO already spent in mempool", i)
			}
		}
	}

	if mp.utxoSet != nil && !mp.testMode {
		if err := mp.utxoSet.ValidateTransaction(tx, mp.algo); err != nil {
			return fmt.Errorf("transaction validation failed: %w", err)
		}
	}

	feeRate := mp.calculateFeeRate(tx, size)
	if feeRate < mp.minFeeRate {
		return fmt.Errorf("fee rate %d below minimum %d", feeRate, mp.minFeeRate)
	}
	if err := mp.validateFeeRate(tx, feeRate); err != nil {
		return fmt.Errorf("fee rate validation failed: %w", err)
	}

	return nil
}

// isUTXOSpentInMempool checks if a UTXO is already spent by another transaction
// pending in the mempool. Callers must already hold mp.mu.
func (mp *Mempool) isUTXOSpentInMempool(txID string, outputIndex uint32) bool {
	for _, entry := range mp.transactions {
		for _, input := range entry.Transaction.Inputs {
			if input.PreviousTxID == txID && input.OutputIndex == outputIndex {
				return true
			}
		}
	}
	return false
}

// validateTransactionSecurity performs lightweight DoS-resistance checks
// independent of UTXO-set availability.
func (mp *Mempool) validateTransactionSecurity(tx *block.Transaction) error {
	if len(tx.Inputs) > 1000 {
		return fmt.Errorf("transaction has too many inputs: %d (max: 1000)", len(tx.Inputs))
	}
	if len(tx.Outputs) > 1000 {
		return fmt.Errorf("transaction has too many outputs: %d (max: 1000)", len(tx.Outputs))
	}
	if len(tx.Inputs) == 0 && len(tx.Outputs) == 0 {
		return fmt.Errorf("transaction has no inputs or outputs")
	}
	if tx.LockTime > 0 {
		currentTime := uint64(time.Now().Unix())
		if tx.LockTime > currentTime {
			return fmt.Errorf("transaction locktime %d is in the future (current: %d)", tx.LockTime, currentTime)
		}
	}
	return nil
}

// GetTransactionStats returns statistics about the mempool for monitoring and DoS detection.
func (mp *Mempool) GetTransactionStats() map[string]interface{} {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	var totalFee, totalSize uint64
	var feeRates []uint64
	for _, entry := range mp.transactions {
		totalFee += entry.Transaction.Fee
		totalSize += entry.Size
		feeRates = append(feeRates, entry.FeeRate)
	}

	var avgFeeRate uint64
	if len(feeRates) > 0 {
		var sum uint64
		for _, rate := range feeRates {
			sum += rate
		}
		avgFeeRate = sum / uint64(len(feeRates))
	}

	utilization := float64(0)
	if mp.maxSize > 0 {
		utilization = float64(mp.currentSize) / float64(mp.maxSize)
	}

	return map[string]interface{}{
		"transaction_count": len(mp.transactions),
		"total_size":        mp.currentSize,
		"max_size":          mp.maxSize,
		"min_fee_rate":      mp.minFeeRate,
		"avg_fee_rate":      avgFeeRate,
		"total_fees":        totalFee,
		"utilization":       utilization,
	}
}

// IsUnderDoS returns true if the mempool appears to be under a DoS attack.
func (mp *Mempool) IsUnderDoS() bool {
	stats := mp.GetTransactionStats()

	utilization := stats["utilization"].(float64)
	txCount := stats["transaction_count"].(int)

	if utilization > 0.9 && txCount > 1000 {
		return true
	}

	avgFeeRate := stats["avg_fee_rate"].(uint64)
	if avgFeeRate < mp.minFeeRate*2 && txCount > 500 {
		return true
	}

	return false
}

// CleanupExpiredTransactions removes transactions that have been in the mempool
// too long, bounding memory growth from stale or abandoned transactions.
func (mp *Mempool) CleanupExpiredTransactions(maxAge time.Duration) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	now := time.Now()
	removed := 0

	for id, entry := range mp.transactions {
		if now.Sub(entry.Timestamp) > maxAge {
			delete(mp.transactions, id)
			mp.currentSize -= entry.Size
			mp.byFee.Remove(entry)
			mp.byTime.Remove(entry)
			removed++
		}
	}

	return removed
}

// String returns a string representation of the mempool.
func (mp *Mempool) String() string {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return fmt.Sprintf("Mempool{Size: %d/%d, Transactions: %d, MinFeeRate: %d}",
		mp.currentSize, mp.maxSize, len(mp.transactions), mp.minFeeRate)
}
