package sync

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gochain/gochain/pkg/block"
	"github.com/gochain/gochain/pkg/goerr"
	"github.com/gochain/gochain/pkg/mempool"
	"github.com/gochain/gochain/pkg/utxo"
)

// State is one state of the node's chain-synchronization state machine,
// per spec §4.8.
type State int

const (
	Discovering State = iota
	Negotiating
	HeaderSync
	UTXOSetSync
	BlockSync
	MempoolSync
	Synchronized
	ReorgHandling
)

func (s State) String() string {
	switch s {
	case Discovering:
		return "DISCOVERING"
	case Negotiating:
		return "NEGOTIATING"
	case HeaderSync:
		return "HEADER_SYNC"
	case UTXOSetSync:
		return "UTXO_SET_SYNC"
	case BlockSync:
		return "BLOCK_SYNC"
	case MempoolSync:
		return "MEMPOOL_SYNC"
	case Synchronized:
		return "SYNCHRONIZED"
	case ReorgHandling:
		return "REORG_HANDLING"
	default:
		return "UNKNOWN"
	}
}

// NegotiatingMinPeers and NegotiatingTimeout gate the DISCOVERING ->
// NEGOTIATING transition, per spec §4.8.
const (
	NegotiatingMinPeers = 3
	NegotiatingTimeout  = 30 * time.Second
)

// HeaderSyncProtocolVersion and HeaderSyncCapability gate the NEGOTIATING ->
// HEADER_SYNC transition: at least one peer must advertise this protocol
// version and capability.
const (
	HeaderSyncProtocolVersion = "2.0.0"
	HeaderSyncCapability      = "utxo_sync"
)

// blockSyncChunkSize is the body range handed to a single direct/internet
// peer per StrategyParallel work unit.
const blockSyncChunkSize = 50

// meshBlockSyncChunkSize is the body range handed to a single mesh peer:
// one block at a time, since a body travels the radio link fragmented per
// pkg/fragment's MaxFrameSize ceiling and a LoRa duty cycle punishes large
// parallel bursts.
const meshBlockSyncChunkSize = 1

// NetworkType selects the UTXO_SET_SYNC strategy: a fresh testnet/devnet
// pulls a full snapshot, an established mainnet applies deltas on top of a
// local base.
type NetworkType int

const (
	NetworkMainnet NetworkType = iota
	NetworkTestnet
	NetworkDevnet
)

// BlockSyncStrategy selects how BLOCK_SYNC retrieves block bodies.
type BlockSyncStrategy int

const (
	StrategyParallel BlockSyncStrategy = iota
	StrategyFragmented
	StrategyHybrid
)

// PeerTransport tags how a peer is reachable, per spec §1's hybrid
// LoRa-mesh/internet topology: a peer reachable over the internet can serve
// large parallel ranges, a mesh-only peer can only serve what fits
// fragmented over the radio link.
type PeerTransport int

const (
	TransportDirect PeerTransport = iota
	TransportMesh
)

// PeerCapabilities is what NEGOTIATING learns about one discovered peer.
type PeerCapabilities struct {
	PeerID          string
	ProtocolVersion string
	Capabilities    []string
	Height          uint64
	Transport       PeerTransport
}

func (p PeerCapabilities) hasCapability(want string) bool {
	for _, c := range p.Capabilities {
		if c == want {
			return true
		}
	}
	return false
}

// Checkpoint is the resumable progress marker persisted across a stop and
// later resume of the state machine, per spec §4.8's stop/resume contract.
type Checkpoint struct {
	State             State
	HeaderHeight      uint64
	HeaderHash        string
	UTXOSetComplete   bool
	BlockSyncHeight   uint64
	MempoolReconciled bool
}

// Transition is one recorded state change, used for diagnostics and tests.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// UTXOSnapshot is a full unspent-output set as pulled for UTXO_SET_SYNC
// against a testnet/devnet, per spec §4.8.
type UTXOSnapshot struct {
	Entries []*utxo.UTXO
}

// UTXORef identifies one output by its (TxID, OutputIndex) key.
type UTXORef struct {
	TxID        string
	OutputIndex uint32
}

// UTXODelta is an incremental UTXO_SET_SYNC payload applied on top of an
// existing local set against mainnet: new or updated outputs plus outputs
// to mark spent, per spec §4.8.
type UTXODelta struct {
	Upserts []*utxo.UTXO
	Spent   []UTXORef
}

// BlockRange is one planned contiguous span of block bodies to fetch during
// BLOCK_SYNC.
type BlockRange struct {
	From, To   uint64
	PeerID     string
	Fragmented bool
}

// MempoolDiff is the pending-transaction set difference MEMPOOL_SYNC
// computes between the local mempool and a peer's advertised transaction
// ids, per spec §4.8.
type MempoolDiff struct {
	// Missing holds ids the peer has that the local mempool doesn't; these
	// must be fetched and handed to CompleteMempoolSync.
	Missing []string
	// Stale holds ids the local mempool has that the peer doesn't, reported
	// for diagnostics only — CompleteMempoolSync never evicts on these.
	Stale []string
}

// Machine drives the node through spec §4.8's seven-state synchronization
// protocol. It holds no transport of its own: callers fetch headers, UTXO
// payloads, block bodies, and mempool transactions over whatever link is
// available (mesh or direct) and hand the results to the Complete* methods,
// which validate them against chain rules before advancing state.
type Machine struct {
	mu          sync.Mutex
	state       State
	since       time.Time
	peers       []PeerCapabilities
	network     NetworkType
	strategy    BlockSyncStrategy
	checkpoint  Checkpoint
	headers     map[uint64]*block.Block
	transitions []Transition
	now         func() time.Time
}

// NewMachine constructs a Machine starting in DISCOVERING.
func NewMachine(network NetworkType, strategy BlockSyncStrategy) *Machine {
	return &Machine{
		state:    Discovering,
		since:    time.Now(),
		network:  network,
		strategy: strategy,
		headers:  make(map[uint64]*block.Block),
		now:      time.Now,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Checkpoint returns the current resumable progress marker.
func (m *Machine) Checkpoint() Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint
}

// Transitions returns every recorded state change, oldest first.
func (m *Machine) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

func (m *Machine) transitionLocked(to State) {
	m.transitions = append(m.transitions, Transition{From: m.state, To: to, At: m.now()})
	m.state = to
	m.since = m.now()
	m.checkpoint.State = to
}

// ObservePeer records a discovered peer's capabilities. Called repeatedly
// while in DISCOVERING or NEGOTIATING as the neighbor table grows.
func (m *Machine) ObservePeer(p PeerCapabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.peers {
		if existing.PeerID == p.PeerID {
			m.peers[i] = p
			return
		}
	}
	m.peers = append(m.peers, p)
}

// TryNegotiate attempts the DISCOVERING -> NEGOTIATING transition: it
// requires at least NegotiatingMinPeers known peers, or NegotiatingTimeout
// to have elapsed since entering DISCOVERING (a lone node on a fresh mesh
// must still make progress). Returns false if the machine isn't currently
// in DISCOVERING, or neither precondition holds yet.
func (m *Machine) TryNegotiate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Discovering {
		return false
	}
	if len(m.peers) < NegotiatingMinPeers && m.now().Sub(m.since) < NegotiatingTimeout {
		return false
	}
	m.transitionLocked(Negotiating)
	return true
}

// TryHeaderSync attempts NEGOTIATING -> HEADER_SYNC: at least one peer must
// advertise HeaderSyncProtocolVersion and HeaderSyncCapability.
func (m *Machine) TryHeaderSync() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Negotiating {
		return false, goerr.New(goerr.InvalidConfig, "", "not in NEGOTIATING", nil)
	}
	for _, p := range m.peers {
		if p.ProtocolVersion == HeaderSyncProtocolVersion && p.hasCapability(HeaderSyncCapability) {
			m.transitionLocked(HeaderSync)
			return true, nil
		}
	}
	return false, nil
}

// validateHeaderBatch checks a contiguous batch of headers links onto
// (startIndex, prevHash) in order: monotonic index, previous_hash linkage,
// and proof-of-work meeting each header's declared difficulty. Header
// entries carry no transactions yet, so the full content hash cannot be
// recomputed here — that check happens in CompleteBlockSync once bodies
// arrive.
func validateHeaderBatch(headers []*block.Block, startIndex uint64, prevHash string) error {
	if len(headers) == 0 {
		return goerr.New(goerr.InvalidBlock, "", "empty header batch", nil)
	}
	wantIndex := startIndex
	for i, h := range headers {
		if h.Index != wantIndex {
			return goerr.New(goerr.InvalidBlock, "", fmt.Sprintf("header %d: want index %d, got %d", i, wantIndex, h.Index), nil)
		}
		if h.PreviousHash != prevHash {
			return goerr.New(goerr.InvalidBlock, "", fmt.Sprintf("header %d: previous_hash %q does not link to %q", i, h.PreviousHash, prevHash), nil)
		}
		if h.Hash == "" {
			return goerr.New(goerr.InvalidBlock, "", fmt.Sprintf("header %d: missing hash", i), nil)
		}
		if !block.MeetsDifficulty(h.Hash, h.Difficulty, h.Index) {
			return goerr.New(goerr.InvalidBlock, "", fmt.Sprintf("header %d: hash does not meet declared difficulty", i), nil)
		}
		prevHash = h.Hash
		wantIndex++
	}
	return nil
}

// CompleteHeaderSync validates headers as a batch continuing from whatever
// has already been synced (chain linkage and proof-of-work, per spec
// §4.8's header-sync requirement) and advances HEADER_SYNC -> UTXO_SET_SYNC
// once the batch's tip reaches a block with no further headers pending.
// Callers drive HEADER_SYNC by calling this repeatedly with successive
// batches; the machine stays in HEADER_SYNC until the caller reports no
// more headers remain by passing complete=true.
func (m *Machine) CompleteHeaderSync(headers []*block.Block, complete bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != HeaderSync {
		return goerr.New(goerr.InvalidConfig, "", "not in HEADER_SYNC", nil)
	}

	startIndex := uint64(0)
	prevHash := ""
	if m.checkpoint.HeaderHash != "" {
		startIndex = m.checkpoint.HeaderHeight + 1
		prevHash = m.checkpoint.HeaderHash
	}

	if len(headers) > 0 {
		if err := validateHeaderBatch(headers, startIndex, prevHash); err != nil {
			return err
		}
		for _, h := range headers {
			m.headers[h.Index] = h
		}
		last := headers[len(headers)-1]
		m.checkpoint.HeaderHeight = last.Index
		m.checkpoint.HeaderHash = last.Hash
	}

	if !complete {
		return nil
	}
	m.transitionLocked(UTXOSetSync)
	return nil
}

// UTXOSyncMode reports whether this network type pulls a full snapshot or
// applies deltas on top of an existing local set, per spec §4.8.
func (m *Machine) UTXOSyncMode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.network == NetworkMainnet {
		return "delta"
	}
	return "snapshot"
}

// CompleteUTXOSetSync applies the payload matching UTXOSyncMode to set
// (exactly one of snapshot/delta must be non-nil, matching the mode) and
// advances UTXO_SET_SYNC -> BLOCK_SYNC.
func (m *Machine) CompleteUTXOSetSync(set *utxo.Set, snapshot *UTXOSnapshot, delta *UTXODelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != UTXOSetSync {
		return goerr.New(goerr.InvalidConfig, "", "not in UTXO_SET_SYNC", nil)
	}

	mode := "snapshot"
	if m.network == NetworkMainnet {
		mode = "delta"
	}

	switch mode {
	case "snapshot":
		if snapshot == nil {
			return goerr.New(goerr.InvalidConfig, "", "utxo_set_sync in snapshot mode requires a snapshot payload", nil)
		}
		if delta != nil {
			return goerr.New(goerr.InvalidConfig, "", "utxo_set_sync in snapshot mode does not accept a delta payload", nil)
		}
		for _, u := range snapshot.Entries {
			set.Put(u)
		}
	case "delta":
		if delta == nil {
			return goerr.New(goerr.InvalidConfig, "", "utxo_set_sync in delta mode requires a delta payload", nil)
		}
		if snapshot != nil {
			return goerr.New(goerr.InvalidConfig, "", "utxo_set_sync in delta mode does not accept a snapshot payload", nil)
		}
		for _, u := range delta.Upserts {
			set.Put(u)
		}
		for _, ref := range delta.Spent {
			if err := set.MarkSpent(ref.TxID, ref.OutputIndex); err != nil {
				return goerr.New(goerr.InvalidConfig, "", fmt.Sprintf("mark spent %s:%d: %v", ref.TxID, ref.OutputIndex, err), err)
			}
		}
	}

	m.checkpoint.UTXOSetComplete = true
	m.transitionLocked(BlockSync)
	return nil
}

// BlockSyncStrategy reports the configured body-retrieval strategy.
func (m *Machine) BlockSyncStrategy() BlockSyncStrategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strategy
}

func chunkRange(from, to uint64, peers []string, size uint64, fragmented bool) []BlockRange {
	if len(peers) == 0 || from > to {
		return nil
	}
	var out []BlockRange
	i := 0
	for cur := from; cur <= to; cur += size {
		end := cur + size - 1
		if end > to {
			end = to
		}
		out = append(out, BlockRange{From: cur, To: end, PeerID: peers[i%len(peers)], Fragmented: fragmented})
		i++
	}
	return out
}

// PlanBlockSync partitions the body range still needed (from the last
// completed body height up to the already-validated header height) into
// fetch units according to the configured BlockSyncStrategy and the known
// peers' advertised transports, per spec §4.8's parallel/fragmented/hybrid
// retrieval modes:
//
//   - StrategyParallel splits the range into blockSyncChunkSize chunks
//     round-robined across direct (internet-reachable) peers.
//   - StrategyFragmented fetches the whole range sequentially from one
//     peer, one fragmented frame-pipe at a time.
//   - StrategyHybrid splits the range in two: the portion proportional to
//     the number of direct peers goes out in parallel chunks, the rest goes
//     to mesh peers one block at a time, fragmented.
func (m *Machine) PlanBlockSync() ([]BlockRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != BlockSync {
		return nil, goerr.New(goerr.InvalidConfig, "", "not in BLOCK_SYNC", nil)
	}
	to := m.checkpoint.HeaderHeight
	start := m.checkpoint.BlockSyncHeight + 1
	if start < 1 {
		start = 1 // genesis (index 0) is never re-synced
	}
	if start > to {
		return nil, nil
	}

	var direct, mesh []string
	for _, p := range m.peers {
		if p.Height < to {
			continue
		}
		if p.Transport == TransportMesh {
			mesh = append(mesh, p.PeerID)
		} else {
			direct = append(direct, p.PeerID)
		}
	}

	switch m.strategy {
	case StrategyParallel:
		if len(direct) == 0 {
			return nil, goerr.New(goerr.Timeout, "", "no direct peers available for parallel block sync", nil)
		}
		return chunkRange(start, to, direct, blockSyncChunkSize, false), nil
	case StrategyFragmented:
		peers := mesh
		if len(peers) == 0 {
			peers = direct
		}
		if len(peers) == 0 {
			return nil, goerr.New(goerr.Timeout, "", "no peers available for fragmented block sync", nil)
		}
		return []BlockRange{{From: start, To: to, PeerID: peers[0], Fragmented: true}}, nil
	default: // StrategyHybrid
		if len(direct) == 0 && len(mesh) == 0 {
			return nil, goerr.New(goerr.Timeout, "", "no peers available for hybrid block sync", nil)
		}
		if len(mesh) == 0 {
			return chunkRange(start, to, direct, blockSyncChunkSize, false), nil
		}
		if len(direct) == 0 {
			return chunkRange(start, to, mesh, meshBlockSyncChunkSize, true), nil
		}
		span := to - start + 1
		directSpan := span * uint64(len(direct)) / uint64(len(direct)+len(mesh))
		if directSpan == 0 {
			directSpan = 1
		}
		split := start + directSpan - 1
		if split > to {
			split = to
		}
		out := chunkRange(start, split, direct, blockSyncChunkSize, false)
		out = append(out, chunkRange(split+1, to, mesh, meshBlockSyncChunkSize, true)...)
		return out, nil
	}
}

// CompleteBlockSync validates blocks (sorted by Index ascending, contiguous
// from the last completed body height) against the headers already
// accepted in HEADER_SYNC — full content hash, merkle root, and
// proof-of-work all recomputed now that transactions are present — applies
// each to set, and advances BLOCK_SYNC -> MEMPOOL_SYNC once bodies reach
// the synced header height.
func (m *Machine) CompleteBlockSync(blocks []*block.Block, set *utxo.Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != BlockSync {
		return goerr.New(goerr.InvalidConfig, "", "not in BLOCK_SYNC", nil)
	}

	want := m.checkpoint.BlockSyncHeight + 1
	if want < 1 {
		want = 1
	}
	for i, b := range blocks {
		if b.Index != want {
			return goerr.New(goerr.InvalidBlock, "", fmt.Sprintf("block %d: want index %d, got %d", i, want, b.Index), nil)
		}
		header, ok := m.headers[b.Index]
		if !ok {
			return goerr.New(goerr.InvalidBlock, "", fmt.Sprintf("block %d: no synced header for index %d", i, b.Index), nil)
		}
		if header.PreviousHash != b.PreviousHash {
			return goerr.New(goerr.InvalidBlock, "", fmt.Sprintf("block %d: previous_hash does not match synced header", i), nil)
		}
		if header.Hash != b.Hash {
			return goerr.New(goerr.IntegrityViolation, "", fmt.Sprintf("block %d: body hash %s does not match synced header hash %s", i, b.Hash, header.Hash), nil)
		}
		if header.Nonce != b.Nonce || header.Difficulty != b.Difficulty {
			return goerr.New(goerr.IntegrityViolation, "", fmt.Sprintf("block %d: nonce/difficulty does not match synced header", i), nil)
		}
		if got := b.ComputeMerkleRoot(); got != header.MerkleRoot {
			return goerr.New(goerr.IntegrityViolation, "", fmt.Sprintf("block %d: merkle root %s computed from transactions does not match header's %s", i, got, header.MerkleRoot), nil)
		}
		if got := b.ComputeHash(); got != header.Hash {
			return goerr.New(goerr.IntegrityViolation, "", fmt.Sprintf("block %d: content hash %s recomputed from full body does not match synced header hash %s", i, got, header.Hash), nil)
		}
		if !block.MeetsDifficulty(b.Hash, b.Difficulty, b.Index) {
			return goerr.New(goerr.InvalidBlock, "", fmt.Sprintf("block %d: does not meet declared difficulty", i), nil)
		}
		if err := set.ApplyBlock(b); err != nil {
			return goerr.New(goerr.InvalidBlock, "", fmt.Sprintf("block %d: apply to utxo set: %v", i, err), err)
		}
		m.checkpoint.BlockSyncHeight = b.Index
		want++
	}

	if m.checkpoint.BlockSyncHeight < m.checkpoint.HeaderHeight {
		return nil
	}
	m.transitionLocked(MempoolSync)
	return nil
}

// ReconcileMempool computes the pending-transaction set difference between
// the local mempool's known ids and a peer's advertised ids, per spec
// §4.8's MEMPOOL_SYNC requirement.
func ReconcileMempool(localIDs, peerIDs []string) MempoolDiff {
	local := make(map[string]bool, len(localIDs))
	for _, id := range localIDs {
		local[id] = true
	}
	peer := make(map[string]bool, len(peerIDs))
	for _, id := range peerIDs {
		peer[id] = true
	}

	var diff MempoolDiff
	for id := range peer {
		if !local[id] {
			diff.Missing = append(diff.Missing, id)
		}
	}
	for id := range local {
		if !peer[id] {
			diff.Stale = append(diff.Stale, id)
		}
	}
	sort.Strings(diff.Missing)
	sort.Strings(diff.Stale)
	return diff
}

// CompleteMempoolSync inserts fetched (the transactions corresponding to a
// prior ReconcileMempool's Missing ids) into mp and advances
// MEMPOOL_SYNC -> SYNCHRONIZED. A transaction mp rejects (e.g. it spends an
// output already spent locally) fails the whole reconciliation, leaving the
// machine in MEMPOOL_SYNC for the caller to retry with a corrected set.
func (m *Machine) CompleteMempoolSync(mp *mempool.Mempool, fetched []*block.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != MempoolSync {
		return goerr.New(goerr.InvalidConfig, "", "not in MEMPOOL_SYNC", nil)
	}
	for _, tx := range fetched {
		if err := mp.AddTransaction(tx); err != nil {
			return goerr.New(goerr.InvalidTransaction, "", fmt.Sprintf("reconciled transaction %s rejected: %v", tx.ID, err), err)
		}
	}
	m.checkpoint.MempoolReconciled = true
	m.transitionLocked(Synchronized)
	return nil
}

// DetectReorg transitions out of any state into REORG_HANDLING, per spec
// §4.8's rule that a reorg can be observed from any state.
func (m *Machine) DetectReorg() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitionLocked(ReorgHandling)
}

// ResolveReorg moves REORG_HANDLING back into HEADER_SYNC to re-validate
// the chain from forkHeight forward: headers and bodies at or above
// forkHeight are discarded so CompleteHeaderSync/CompleteBlockSync re-fetch
// and re-validate them.
func (m *Machine) ResolveReorg(forkHeight uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != ReorgHandling {
		return goerr.New(goerr.InvalidConfig, "", "not in REORG_HANDLING", nil)
	}
	for idx := range m.headers {
		if idx >= forkHeight {
			delete(m.headers, idx)
		}
	}
	if forkHeight == 0 {
		m.checkpoint.HeaderHeight = 0
		m.checkpoint.HeaderHash = ""
	} else if h, ok := m.headers[forkHeight-1]; ok {
		m.checkpoint.HeaderHeight = forkHeight - 1
		m.checkpoint.HeaderHash = h.Hash
	}
	if m.checkpoint.BlockSyncHeight >= forkHeight {
		m.checkpoint.BlockSyncHeight = forkHeight - 1
	}
	m.transitionLocked(HeaderSync)
	return nil
}

// Resume restores a Machine to a previously persisted checkpoint's state,
// for the stop/resume contract spec §5 requires. The synced-header cache
// used to cross-validate block bodies during BLOCK_SYNC is not part of the
// checkpoint and is not restored; a resume landing inside BLOCK_SYNC must
// re-run HEADER_SYNC for the range it still needs bodies for.
func Resume(cp Checkpoint, network NetworkType, strategy BlockSyncStrategy) *Machine {
	m := NewMachine(network, strategy)
	m.state = cp.State
	m.checkpoint = cp
	m.since = m.now()
	return m
}
