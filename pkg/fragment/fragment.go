// Package fragment implements the wire-level chunking protocol that lets a
// node slice an arbitrarily large typed payload (UTXO transaction, block, or
// compressed Merkle proof) into sub-256-byte authenticated fragments for
// transport over LoRa, and reassemble them on the far side despite loss,
// duplication, and out-of-order delivery.
package fragment

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/gochain/gochain/pkg/goerr"
)

const (
	// HeaderSize is the fixed 59-byte fragment header length, normative
	// per spec §4.4/§6.
	HeaderSize = 59
	// MaxFrameSize is the hard LoRa frame ceiling: header + payload.
	MaxFrameSize = 256
	// MaxPayloadSize is MaxFrameSize - HeaderSize.
	MaxPayloadSize = MaxFrameSize - HeaderSize

	// SignatureSize is the HMAC-SHA256 authentication tag carried per
	// fragment (Open Question 3's resolution: a pre-shared mesh network
	// key authenticates fragments the way a LoRaWAN NwkSKey authenticates
	// frames, rather than an asymmetric signature truncated below the
	// point where it can still be verified).
	SignatureSize = 32
	// MessageIDSize is the per-message nonce length.
	MessageIDSize = 16
)

// Flag bits within the header's single flags byte.
const (
	FlagLast        uint8 = 1 << 0
	FlagRequiresAck uint8 = 1 << 1
)

// Header is the fixed 59-byte fragment header.
type Header struct {
	MessageID      [MessageIDSize]byte
	SequenceNumber uint16
	TotalFragments uint16
	FragmentSize   uint16
	Flags          uint8
	Checksum       uint32
	Signature      [SignatureSize]byte
}

// Fragment is a decoded header plus its payload slice.
type Fragment struct {
	Header  Header
	Payload []byte
}

// signPreimage builds message_id || sequence_number(LE u16) || payload, the
// exact preimage the per-fragment signature covers per spec §4.4.
func signPreimage(messageID [MessageIDSize]byte, seq uint16, payload []byte) []byte {
	buf := make([]byte, MessageIDSize+2+len(payload))
	copy(buf, messageID[:])
	binary.LittleEndian.PutUint16(buf[MessageIDSize:], seq)
	copy(buf[MessageIDSize+2:], payload)
	return buf
}

// Encode serializes f into its 59-byte-header-plus-payload wire form.
func (f *Fragment) Encode() []byte {
	out := make([]byte, HeaderSize+len(f.Payload))
	copy(out[0:16], f.Header.MessageID[:])
	binary.LittleEndian.PutUint16(out[16:18], f.Header.SequenceNumber)
	binary.LittleEndian.PutUint16(out[18:20], f.Header.TotalFragments)
	binary.LittleEndian.PutUint16(out[20:22], f.Header.FragmentSize)
	out[22] = f.Header.Flags
	binary.LittleEndian.PutUint32(out[23:27], f.Header.Checksum)
	copy(out[27:59], f.Header.Signature[:])
	copy(out[HeaderSize:], f.Payload)
	return out
}

// Decode parses raw into a Fragment without validating consistency; use
// IsFragment first to classify a frame, and Validate to check invariants.
func Decode(raw []byte) (*Fragment, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("fragment: frame too short: %d bytes", len(raw))
	}
	var h Header
	copy(h.MessageID[:], raw[0:16])
	h.SequenceNumber = binary.LittleEndian.Uint16(raw[16:18])
	h.TotalFragments = binary.LittleEndian.Uint16(raw[18:20])
	h.FragmentSize = binary.LittleEndian.Uint16(raw[20:22])
	h.Flags = raw[22]
	h.Checksum = binary.LittleEndian.Uint32(raw[23:27])
	copy(h.Signature[:], raw[27:59])
	payload := raw[HeaderSize:]
	return &Fragment{Header: h, Payload: payload}, nil
}

// IsFragment classifies raw as a fragment iff it is long enough and every
// header field is internally consistent, per spec §4.4's detection
// heuristic. Frames failing this test are treated as self-contained JSON
// mesh messages by the caller.
func IsFragment(raw []byte) bool {
	if len(raw) < HeaderSize {
		return false
	}
	f, err := Decode(raw)
	if err != nil {
		return false
	}
	if int(f.Header.FragmentSize) != len(f.Payload) {
		return false
	}
	if f.Header.TotalFragments == 0 {
		return false
	}
	if f.Header.SequenceNumber >= f.Header.TotalFragments {
		return false
	}
	if f.Header.FragmentSize == 0 || f.Header.FragmentSize > MaxFrameSize {
		return false
	}
	return true
}

// Validate checks f against spec §4.4's invariants plus checksum and
// authentication-tag verification. macKey is the pre-shared mesh network
// key fragments in this trust domain are authenticated under.
func Validate(f *Fragment, macKey []byte) error {
	if int(f.Header.FragmentSize) != len(f.Payload) {
		return goerr.New(goerr.InvalidFragment, "", "fragment_size does not match payload length", nil)
	}
	if f.Header.TotalFragments == 0 || f.Header.SequenceNumber >= f.Header.TotalFragments {
		return goerr.New(goerr.InvalidFragment, "", "sequence_number/total_fragments inconsistent", nil)
	}
	if f.Header.FragmentSize == 0 || int(f.Header.FragmentSize) > MaxPayloadSize {
		return goerr.New(goerr.InvalidFragment, "", "fragment_size out of range", nil)
	}
	if crc32.ChecksumIEEE(f.Payload) != f.Header.Checksum {
		return goerr.New(goerr.InvalidFragment, "", "checksum mismatch", nil)
	}
	if len(macKey) > 0 {
		preimage := signPreimage(f.Header.MessageID, f.Header.SequenceNumber, f.Payload)
		if !verifyMAC(macKey, preimage, f.Header.Signature[:]) {
			return goerr.New(goerr.Unauthorized, "", "fragment signature invalid", nil)
		}
	}
	return nil
}

// verifyMAC recomputes the HMAC-SHA256 tag over preimage under macKey and
// compares it against tag in constant time, per Open Question 3's
// resolution: authentication uses a pre-shared symmetric network key
// (the mesh-wide trust model spec §4.4 assumes, mirroring how LoRaWAN
// authenticates frames with a shared NwkSKey) rather than a truncated
// asymmetric signature, which cannot be verified from a public key alone
// once truncated below its full length.
func verifyMAC(macKey, preimage, tag []byte) bool {
	if len(tag) != SignatureSize {
		return false
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write(preimage)
	expected := mac.Sum(nil)
	return hmac.Equal(expected, tag)
}

// Fragmenter slices a serialized payload into an ordered Fragment list.
type Fragmenter struct {
	macKey []byte
}

// NewFragmenter builds a Fragmenter that tags fragments with an
// HMAC-SHA256 authentication code under the mesh's pre-shared network key.
// A nil/empty macKey produces all-zero tags (used when no network key has
// been provisioned yet, e.g. during initial discovery).
func NewFragmenter(macKey []byte) *Fragmenter {
	return &Fragmenter{macKey: macKey}
}

// Fragment splits payload into fragments of at most MaxPayloadSize bytes
// each, sharing one random message_id. It refuses to emit any fragment
// whose full encoded frame would exceed MaxFrameSize.
func (fr *Fragmenter) Fragment(payload []byte) ([]*Fragment, error) {
	if len(payload) == 0 {
		return nil, goerr.New(goerr.InvalidFragment, "", "cannot fragment empty payload", nil)
	}
	total := (len(payload) + MaxPayloadSize - 1) / MaxPayloadSize
	if total > int(^uint16(0)) {
		return nil, goerr.New(goerr.InvalidFragment, "", "payload too large to fragment", nil)
	}
	var msgID [MessageIDSize]byte
	id, err := uuid.NewRandom()
	if err != nil {
		if _, rerr := rand.Read(msgID[:]); rerr != nil {
			return nil, fmt.Errorf("fragment: generate message id: %w", rerr)
		}
	} else {
		copy(msgID[:], id[:])
	}

	fragments := make([]*Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxPayloadSize
		end := start + MaxPayloadSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]

		var flags uint8
		if i == total-1 {
			flags |= FlagLast
		}
		h := Header{
			MessageID:      msgID,
			SequenceNumber: uint16(i),
			TotalFragments: uint16(total),
			FragmentSize:   uint16(len(chunk)),
			Flags:          flags,
			Checksum:       crc32.ChecksumIEEE(chunk),
		}
		sig := fr.sign(h.MessageID, h.SequenceNumber, chunk)
		copy(h.Signature[:], sig)

		f := &Fragment{Header: h, Payload: chunk}
		if HeaderSize+len(f.Payload) > MaxFrameSize {
			return nil, goerr.New(goerr.InvalidFragment, "", "fragment frame would exceed 256 bytes", nil)
		}
		fragments = append(fragments, f)
	}
	return fragments, nil
}

// sign returns the HMAC-SHA256 tag over message_id||sequence_number||payload
// under fr.macKey, per Open Question 3's resolution.
func (fr *Fragmenter) sign(messageID [MessageIDSize]byte, seq uint16, payload []byte) []byte {
	if len(fr.macKey) == 0 {
		return make([]byte, SignatureSize)
	}
	mac := hmac.New(sha256.New, fr.macKey)
	mac.Write(signPreimage(messageID, seq, payload))
	return mac.Sum(nil)
}
