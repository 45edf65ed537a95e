package fragment

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gochain/gochain/pkg/block"
	"github.com/gochain/gochain/pkg/merkle"
)

// Outcome is the result of feeding one fragment to the Reassembler.
type Outcome int

const (
	FragmentAdded Outcome = iota
	DuplicateFragment
	InvalidFragment
	MessageComplete
)

func (o Outcome) String() string {
	switch o {
	case FragmentAdded:
		return "FragmentAdded"
	case DuplicateFragment:
		return "DuplicateFragment"
	case InvalidFragment:
		return "InvalidFragment"
	case MessageComplete:
		return "MessageComplete"
	default:
		return "Unknown"
	}
}

const (
	// DefaultSessionTimeout evicts a partially-reassembled message that
	// has gone quiet, per spec §4.4/§5.
	DefaultSessionTimeout = 30 * time.Second
	// DefaultMaxSessions bounds concurrent in-flight reassembly sessions.
	DefaultMaxSessions = 1024
)

type session struct {
	total     uint16
	received  []bool
	slab      [][]byte
	gotCount  int
	createdAt time.Time
	lastSeen  time.Time
}

// Reassembler accumulates fragments per message_id into complete payloads.
// Each session has a single writer (the caller driving Add), matching
// spec §5's single-writer-per-buffer rule.
type Reassembler struct {
	mu       sync.Mutex
	sessions map[[MessageIDSize]byte]*session
	timeout  time.Duration
	maxSess  int
	macKey   []byte
}

// NewReassembler builds a Reassembler evicting sessions idle past timeout
// and refusing new sessions once maxSessions are in flight. A nil/empty
// macKey disables per-fragment authentication-tag verification (used when
// the mesh network key isn't yet provisioned, e.g. during discovery).
func NewReassembler(timeout time.Duration, maxSessions int, macKey []byte) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Reassembler{
		sessions: make(map[[MessageIDSize]byte]*session),
		timeout:  timeout,
		maxSess:  maxSessions,
		macKey:   macKey,
	}
}

// Add feeds one fragment into its session, returning the resulting Outcome
// and, when Outcome == MessageComplete, the reassembled payload bytes.
func (r *Reassembler) Add(f *Fragment) (Outcome, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictExpiredLocked()

	if err := Validate(f, r.macKey); err != nil {
		return InvalidFragment, nil
	}

	s, exists := r.sessions[f.Header.MessageID]
	if !exists {
		if len(r.sessions) >= r.maxSess {
			return InvalidFragment, nil
		}
		s = &session{
			total:     f.Header.TotalFragments,
			received:  make([]bool, f.Header.TotalFragments),
			slab:      make([][]byte, f.Header.TotalFragments),
			createdAt: time.Now(),
		}
		r.sessions[f.Header.MessageID] = s
	}

	// Two fragments with the same message_id but inconsistent
	// total_fragments invalidate the session, per spec §4.4.
	if s.total != f.Header.TotalFragments {
		delete(r.sessions, f.Header.MessageID)
		return InvalidFragment, nil
	}

	s.lastSeen = time.Now()
	if int(f.Header.SequenceNumber) >= len(s.received) {
		return InvalidFragment, nil
	}
	if s.received[f.Header.SequenceNumber] {
		return DuplicateFragment, nil
	}

	s.received[f.Header.SequenceNumber] = true
	s.slab[f.Header.SequenceNumber] = f.Payload
	s.gotCount++

	if s.gotCount < int(s.total) {
		return FragmentAdded, nil
	}

	var out []byte
	for _, chunk := range s.slab {
		out = append(out, chunk...)
	}
	delete(r.sessions, f.Header.MessageID)
	return MessageComplete, out
}

// evictExpiredLocked drops sessions idle past r.timeout. Callers must hold
// r.mu. A dropped partial session never resurrects, per spec §4.4.
func (r *Reassembler) evictExpiredLocked() {
	now := time.Now()
	for id, s := range r.sessions {
		ref := s.lastSeen
		if ref.IsZero() {
			ref = s.createdAt
		}
		if now.Sub(ref) > r.timeout {
			delete(r.sessions, id)
		}
	}
}

// PendingSessions reports the number of in-flight reassembly sessions.
func (r *Reassembler) PendingSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// PayloadKind tags which of the three fragmentable message types a
// dispatched payload decoded to.
type PayloadKind int

const (
	PayloadUnknown PayloadKind = iota
	PayloadTransaction
	PayloadBlock
	PayloadMerkleProof
)

// Dispatch decodes a reassembled payload as whichever of UTXOTransaction,
// Block, or CompressedMerkleProof its JSON shape matches, per spec §4.4's
// "dispatched... choosing the variant whose deserializer accepts the
// bytes." Discrimination uses each type's distinguishing required field
// rather than blind unmarshal-and-hope, since json.Unmarshal silently
// zero-fills missing fields and would otherwise accept any of the three
// shapes for any input.
func Dispatch(payload []byte) (PayloadKind, interface{}, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return PayloadUnknown, nil, err
	}

	switch {
	case hasKeys(probe, "MerkleRoot", "DirectionBits", "Hashes"):
		var p merkle.CompressedProof
		if err := json.Unmarshal(payload, &p); err != nil {
			return PayloadUnknown, nil, err
		}
		return PayloadMerkleProof, &p, nil
	case hasKeys(probe, "previous_hash", "merkle_root", "transactions"):
		var b block.Block
		if err := json.Unmarshal(payload, &b); err != nil {
			return PayloadUnknown, nil, err
		}
		return PayloadBlock, &b, nil
	case hasKeys(probe, "inputs", "outputs"):
		var tx block.Transaction
		if err := json.Unmarshal(payload, &tx); err != nil {
			return PayloadUnknown, nil, err
		}
		return PayloadTransaction, &tx, nil
	default:
		return PayloadUnknown, nil, errUnrecognizedPayload
	}
}

func hasKeys(m map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

var errUnrecognizedPayload = unrecognizedPayloadErr{}

type unrecognizedPayloadErr struct{}

func (unrecognizedPayloadErr) Error() string {
	return "fragment: reassembled payload matches no known message type"
}
