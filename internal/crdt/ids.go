// Package crdt implements the engine's document layer: content-addressed
// changes, map/text/bytes values with a merge operation that is
// commutative, associative and idempotent, and document handles exposing
// read snapshots, read-write transactions, and change notification. Maps
// merge per key as last-writer-wins registers (nested maps merge
// recursively); text merges at character granularity via an RGA.
package crdt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DocumentID is an opaque, globally unique identifier for a CRDT document.
type DocumentID struct {
	id uuid.UUID
}

// NewDocumentID allocates a fresh, random DocumentID.
func NewDocumentID() DocumentID {
	return DocumentID{id: uuid.New()}
}

// ParseDocumentID round-trips a DocumentID from its string form.
func ParseDocumentID(s string) (DocumentID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DocumentID{}, fmt.Errorf("invalid document id %q: %w", s, err)
	}
	return DocumentID{id: u}, nil
}

// String renders the DocumentID in its canonical, URL-safe form.
func (d DocumentID) String() string {
	return d.id.String()
}

// IsZero reports whether d is the zero-value DocumentID.
func (d DocumentID) IsZero() bool {
	return d.id == uuid.Nil
}

// Equal reports whether two DocumentIDs denote the same document.
func (d DocumentID) Equal(other DocumentID) bool {
	return d.id == other.id
}

const automergeURLPrefix = "automerge:"

// FormatLinkURL renders the `automerge:<id>` URL form used by FileEntry.url.
func FormatLinkURL(id DocumentID) string {
	return automergeURLPrefix + id.String()
}

// ParseLinkURL parses an `automerge:<id>` URL, returning ok=false on any
// malformed input. The prefix match is case-sensitive.
func ParseLinkURL(url string) (DocumentID, bool) {
	if !strings.HasPrefix(url, automergeURLPrefix) {
		return DocumentID{}, false
	}
	id, err := ParseDocumentID(strings.TrimPrefix(url, automergeURLPrefix))
	if err != nil {
		return DocumentID{}, false
	}
	return id, true
}

// ChangeHash is the content-addressed identifier of a Change.
type ChangeHash [32]byte

// String renders the hash as lowercase hex.
func (h ChangeHash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseChangeHash parses a hex-encoded ChangeHash.
func ParseChangeHash(s string) (ChangeHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(ChangeHash{}) {
		return ChangeHash{}, fmt.Errorf("invalid change hash %q", s)
	}
	var h ChangeHash
	copy(h[:], b)
	return h, nil
}

func hashChange(actor string, seq uint64, deps []ChangeHash, payload []byte) ChangeHash {
	h := sha256.New()
	h.Write([]byte(actor))
	var seqBuf [8]byte
	for i := 0; i < 8; i++ {
		seqBuf[i] = byte(seq >> (8 * i))
	}
	h.Write(seqBuf[:])
	for _, d := range deps {
		h.Write(d[:])
	}
	h.Write(payload)
	var out ChangeHash
	copy(out[:], h.Sum(nil))
	return out
}
