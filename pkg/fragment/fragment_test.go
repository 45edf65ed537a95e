package fragment

import (
	"bytes"
	cryptorand "crypto/rand"
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/gochain/gochain/pkg/block"
)

func testMACKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := cryptorand.Read(key); err != nil {
		t.Fatalf("generate mac key: %v", err)
	}
	return key
}

func twoInTwoOutTx() *block.Transaction {
	tx := &block.Transaction{
		Inputs: []*block.TxInput{
			{PreviousTxID: "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1", OutputIndex: 0, UnlockingScript: bytes.Repeat([]byte{1}, 97), Sequence: 0},
			{PreviousTxID: "b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2", OutputIndex: 1, UnlockingScript: bytes.Repeat([]byte{2}, 97), Sequence: 0},
		},
		Outputs: []*block.TxOutput{
			{Value: 500_000, LockingScript: bytes.Repeat([]byte{3}, 20), OutputIndex: 0},
			{Value: 490_000, LockingScript: bytes.Repeat([]byte{4}, 20), OutputIndex: 1},
		},
		Timestamp: 1_700_000_000_000,
		Fee:       10_000,
	}
	tx.ID = tx.ComputeID()
	return tx
}

func TestFragmentS3RoundTrip(t *testing.T) {
	tx := twoInTwoOutTx()
	payload, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("marshal tx: %v", err)
	}
	if len(payload) < 320 {
		t.Fatalf("test fixture payload too small: %d bytes, want >=320", len(payload))
	}

	key := testMACKey(t)
	fr := NewFragmenter(key)
	frags, err := fr.Fragment(payload)
	if err != nil {
		t.Fatalf("fragment: %v", err)
	}
	if len(frags) < 2 {
		t.Fatalf("expected >=2 fragments for %d byte payload, got %d", len(payload), len(frags))
	}
	for _, f := range frags {
		if len(f.Encode()) > MaxFrameSize {
			t.Fatalf("fragment frame exceeds %d bytes", MaxFrameSize)
		}
	}

	shuffled := append([]*Fragment{}, frags...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	reasm := NewReassembler(0, 0, nil)
	var result []byte
	for i, f := range shuffled {
		outcome, data := reasm.Add(f)
		if i < len(shuffled)-1 {
			if outcome != FragmentAdded {
				t.Fatalf("fragment %d: want FragmentAdded, got %v", i, outcome)
			}
		} else {
			if outcome != MessageComplete {
				t.Fatalf("final fragment: want MessageComplete, got %v", outcome)
			}
			result = data
		}
	}
	if !bytes.Equal(result, payload) {
		t.Fatalf("reassembled payload differs from original")
	}

	kind, decoded, err := Dispatch(result)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if kind != PayloadTransaction {
		t.Fatalf("dispatch: want PayloadTransaction, got %v", kind)
	}
	if decoded.(*block.Transaction).ID != tx.ID {
		t.Fatalf("dispatched transaction id mismatch")
	}
}

func TestFragmentIdempotenceDroppedFragment(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 500)
	key := testMACKey(t)
	fr := NewFragmenter(key)
	frags, err := fr.Fragment(payload)
	if err != nil {
		t.Fatalf("fragment: %v", err)
	}
	if len(frags) < 3 {
		t.Fatalf("want >=3 fragments, got %d", len(frags))
	}

	reasm := NewReassembler(0, 0, nil)
	for _, f := range frags[:len(frags)-1] {
		outcome, _ := reasm.Add(f)
		if outcome != FragmentAdded {
			t.Fatalf("want FragmentAdded, got %v", outcome)
		}
	}
	if reasm.PendingSessions() != 1 {
		t.Fatalf("want 1 pending session with a fragment missing, got %d", reasm.PendingSessions())
	}
}

func TestFragmentDuplicateDelivery(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 400)
	key := testMACKey(t)
	fr := NewFragmenter(key)
	frags, _ := fr.Fragment(payload)

	reasm := NewReassembler(0, 0, nil)
	first, _ := reasm.Add(frags[0])
	if first != FragmentAdded {
		t.Fatalf("want FragmentAdded, got %v", first)
	}
	dup, _ := reasm.Add(frags[0])
	if dup != DuplicateFragment {
		t.Fatalf("want DuplicateFragment, got %v", dup)
	}
}

func TestFragmentInconsistentTotalInvalidatesSession(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 400)
	key := testMACKey(t)
	fr := NewFragmenter(key)
	frags, _ := fr.Fragment(payload)

	reasm := NewReassembler(0, 0, nil)
	reasm.Add(frags[0])

	tampered := *frags[1]
	tampered.Header.TotalFragments = frags[1].Header.TotalFragments + 1
	outcome, _ := reasm.Add(&tampered)
	if outcome != InvalidFragment {
		t.Fatalf("want InvalidFragment on inconsistent total_fragments, got %v", outcome)
	}
	if reasm.PendingSessions() != 0 {
		t.Fatalf("want session dropped after inconsistency, got %d pending", reasm.PendingSessions())
	}
}

func TestFragmentSizeCeiling(t *testing.T) {
	key := testMACKey(t)
	fr := NewFragmenter(key)
	for _, f := range mustFragment(t, fr, bytes.Repeat([]byte("a"), MaxPayloadSize*3+17)) {
		if len(f.Encode()) > MaxFrameSize {
			t.Fatalf("fragment exceeds 256-byte frame ceiling: %d", len(f.Encode()))
		}
		if int(f.Header.FragmentSize) == 0 || int(f.Header.FragmentSize) > MaxPayloadSize {
			t.Fatalf("fragment_size %d out of (0,%d]", f.Header.FragmentSize, MaxPayloadSize)
		}
	}
}

func mustFragment(t *testing.T, fr *Fragmenter, payload []byte) []*Fragment {
	t.Helper()
	frags, err := fr.Fragment(payload)
	if err != nil {
		t.Fatalf("fragment: %v", err)
	}
	return frags
}

func TestIsFragmentClassifiesJSONAsNonFragment(t *testing.T) {
	plain := []byte(`{"type":"discovery","node_id":"abc"}`)
	if IsFragment(plain) {
		t.Fatalf("plain JSON message misclassified as a fragment")
	}
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	key := testMACKey(t)
	fr := NewFragmenter(key)
	frags := mustFragment(t, fr, bytes.Repeat([]byte("w"), 400))

	f := frags[0]
	for i := range f.Header.Signature {
		f.Header.Signature[i] ^= 0xFF
	}
	if err := Validate(f, key); err == nil {
		t.Fatalf("want error validating a fragment with a tampered signature")
	}
}

func TestValidateRejectsForgedNonZeroSignature(t *testing.T) {
	key := testMACKey(t)
	fr := NewFragmenter(key)
	frags := mustFragment(t, fr, bytes.Repeat([]byte("w"), 400))

	f := frags[0]
	for i := range f.Header.Signature {
		f.Header.Signature[i] = 0x41
	}
	if err := Validate(f, key); err == nil {
		t.Fatalf("want error validating a fragment with an arbitrary non-zero forged signature")
	}
}

func TestValidateRejectsWrongNetworkKey(t *testing.T) {
	key := testMACKey(t)
	other := testMACKey(t)
	fr := NewFragmenter(key)
	frags := mustFragment(t, fr, bytes.Repeat([]byte("w"), 400))

	if err := Validate(frags[0], other); err == nil {
		t.Fatalf("want error validating a fragment against a different network key")
	}
}

func TestValidateAcceptsGenuineSignature(t *testing.T) {
	key := testMACKey(t)
	fr := NewFragmenter(key)
	frags := mustFragment(t, fr, bytes.Repeat([]byte("w"), 400))

	for _, f := range frags {
		if err := Validate(f, key); err != nil {
			t.Fatalf("unexpected error validating a genuinely signed fragment: %v", err)
		}
	}
}

func TestReassemblerRejectsTamperedFragment(t *testing.T) {
	key := testMACKey(t)
	fr := NewFragmenter(key)
	frags := mustFragment(t, fr, bytes.Repeat([]byte("v"), 400))

	tampered := *frags[0]
	tampered.Payload = append([]byte(nil), frags[0].Payload...)
	tampered.Payload[0] ^= 0xFF

	reasm := NewReassembler(0, 0, key)
	outcome, _ := reasm.Add(&tampered)
	if outcome != InvalidFragment {
		t.Fatalf("want InvalidFragment for a payload tampered after signing, got %v", outcome)
	}
}
