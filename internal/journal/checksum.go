package journal

// ============================================================================
// Checksum
// Responsibility: integrity hash over type + recordedAt + data
// ============================================================================

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// checksumDomain separates event hashes from blob hashes.
const checksumDomain = "procjournal/event/v1"

// recordedAtLayout fixes the textual form of RecordedAt inside the checksum input.
const recordedAtLayout = "2006-01-02T15:04:05.000Z07:00"

// RefPrefix is the scheme of content-addressed blob references.
const RefPrefix = "sha256:"

// CalculateChecksum computes the checksum of an event.
//
// Input: SHA256(domain + 0x00 + canonical({"data":...,"recordedAt":...,"type":...})).
// The store position is deliberately absent, so an event hashes the same wherever it sits.
func CalculateChecksum(ev Event) (string, error) {
	input, err := ChecksumInput(ev)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(checksumDomain))
	h.Write([]byte{0x00})
	h.Write(input)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumInput returns the canonical bytes hashed by CalculateChecksum.
func ChecksumInput(ev Event) ([]byte, error) {
	data := ev.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	envelope := map[string]json.RawMessage{
		"type":       mustJSON(string(ev.Type)),
		"recordedAt": mustJSON(ev.RecordedAt.UTC().Format(recordedAtLayout)),
		"data":       data,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("checksum input: %w", err)
	}
	return Canonicalize(raw)
}

// VerifyChecksum recomputes the checksum of an event read at the given position.
func VerifyChecksum(seq uint64, ev Event) error {
	expected, err := CalculateChecksum(ev)
	if err != nil {
		return &CorruptionError{Seq: seq, Cause: err}
	}
	if expected != ev.Checksum {
		return &ChecksumError{Seq: seq, Expected: expected, Actual: ev.Checksum}
	}
	return nil
}

// BlobRef returns the content-addressed reference of a blob.
func BlobRef(data []byte) string {
	sum := sha256.Sum256(data)
	return RefPrefix + hex.EncodeToString(sum[:])
}

// parseRef returns the hex digest of a reference.
func parseRef(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, RefPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return digest, nil
}

// verifyBlob checks that data hashes to ref.
func verifyBlob(ref string, data []byte) error {
	if got := BlobRef(data); got != ref {
		return &IntegrityError{Reason: fmt.Sprintf("blob %s hashes to %s", ref, got)}
	}
	return nil
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
