// Package project defines the shape of the CRDT documents this engine
// manages (the branches metadata document and per-branch project
// documents) and the typed accessors everything else reads and writes them
// through.
package project

import (
	"sort"

	"github.com/patchkit/projectd/internal/crdt"
	"github.com/patchkit/projectd/internal/projerrors"
)

// Branch is one entry of the metadata document's branches map. IsMerged is
// monotonic: it latches true and never goes back.
type Branch struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsMerged bool   `json:"is_merged"`
}

const (
	mainDocIDKey = "main_doc_id"
	branchesKey  = "branches"
	filesKey     = "files"
	stateKey     = "state"
	contentKey   = "content"
	urlKey       = "url"
)

// InitMetadata seeds a fresh branches metadata document: the immutable
// main_doc_id plus a branches map holding main itself, keyed by its real
// document id.
func InitMetadata(tx *crdt.Tx, mainID crdt.DocumentID) {
	tx.SetString(nil, mainDocIDKey, mainID.String())
	WriteBranch(tx, Branch{ID: mainID.String(), Name: "main", IsMerged: true})
}

// WriteBranch upserts one branch entry in the metadata document.
func WriteBranch(tx *crdt.Tx, b Branch) {
	path := []string{branchesKey, b.ID}
	tx.SetString(path, "id", b.ID)
	tx.SetString(path, "name", b.Name)
	if b.IsMerged {
		tx.SetInt64(path, "is_merged", 1)
	} else {
		tx.SetInt64(path, "is_merged", 0)
	}
}

// ReadMainDocID reads the metadata document's immutable main branch id.
func ReadMainDocID(r *crdt.Reader) (crdt.DocumentID, error) {
	s, ok := r.GetString(nil, mainDocIDKey)
	if !ok {
		return crdt.DocumentID{}, projerrors.NewMalformedDocumentError("metadata document has no main_doc_id")
	}
	id, err := crdt.ParseDocumentID(s)
	if err != nil {
		return crdt.DocumentID{}, projerrors.NewMalformedDocumentError("metadata document main_doc_id does not parse").
			WithMetadata("raw", s)
	}
	return id, nil
}

// ReadBranches hydrates the metadata document's branches map.
func ReadBranches(r *crdt.Reader) map[string]Branch {
	out := make(map[string]Branch)
	for _, id := range r.Keys([]string{branchesKey}) {
		path := []string{branchesKey, id}
		b := Branch{ID: id}
		if name, ok := r.GetString(path, "name"); ok {
			b.Name = name
		}
		if merged, ok := r.GetInt64(path, "is_merged"); ok {
			b.IsMerged = merged != 0
		}
		out[id] = b
	}
	return out
}

// InitProjectDoc seeds a fresh project document with its two top-level
// maps.
func InitProjectDoc(tx *crdt.Tx) {
	tx.EnsureMap(nil, filesKey)
	tx.EnsureMap(nil, stateKey)
}

// Content is a file payload: exactly one of text or binary.
type Content interface {
	isContent()
}

// TextContent carries a textual file body.
type TextContent struct {
	Text string
}

// BinaryContent carries an opaque byte blob.
type BinaryContent struct {
	Bytes []byte
}

func (TextContent) isContent()   {}
func (BinaryContent) isContent() {}

// WriteTextFile stores text content for path, dropping any url the entry
// carried so the entry never holds both.
func WriteTextFile(tx *crdt.Tx, path, text string) {
	entryPath := []string{filesKey, path}
	tx.EnsureMap([]string{filesKey}, path)
	if tx.Reader().Has(entryPath, urlKey) {
		tx.Delete(entryPath, urlKey)
	}
	tx.SetText(entryPath, contentKey, text)
}

// WriteLinkedFile points path at a linked binary document, dropping any
// text content the entry carried.
func WriteLinkedFile(tx *crdt.Tx, path string, linked crdt.DocumentID) {
	entryPath := []string{filesKey, path}
	tx.EnsureMap([]string{filesKey}, path)
	if tx.Reader().Has(entryPath, contentKey) {
		tx.Delete(entryPath, contentKey)
	}
	tx.SetString(entryPath, urlKey, crdt.FormatLinkURL(linked))
}

// WriteBinaryDoc seeds a fresh binary document's single content field.
func WriteBinaryDoc(tx *crdt.Tx, data []byte) {
	tx.SetBytes(nil, contentKey, data)
}

// ReadBinaryDoc reads a binary document's content.
func ReadBinaryDoc(r *crdt.Reader) ([]byte, bool) {
	return r.GetBytes(nil, contentKey)
}

// ReadFileText reads path's text content from a project document snapshot.
func ReadFileText(r *crdt.Reader, path string) (string, bool) {
	return r.GetText([]string{filesKey, path}, contentKey)
}

// ReadFileURL reads path's linked document id, if the entry carries a url.
func ReadFileURL(r *crdt.Reader, path string) (crdt.DocumentID, bool) {
	raw, ok := r.GetString([]string{filesKey, path}, urlKey)
	if !ok {
		return crdt.DocumentID{}, false
	}
	return crdt.ParseLinkURL(raw)
}

// ListFiles returns every file path in the project document, sorted.
func ListFiles(r *crdt.Reader) []string {
	return r.Keys([]string{filesKey})
}

// HasFiles reports whether the document carries the files map at all; a
// project document without one is malformed.
func HasFiles(r *crdt.Reader) bool {
	return r.Has(nil, filesKey)
}

// LinkedDocIDs is the linked-doc resolver: the one place that defines what
// a branch depends on. It walks every file entry and collects the document
// ids of well-formed automerge: urls; malformed urls contribute nothing.
// New link-bearing fields must extend this walk and the materialization
// rule together.
func LinkedDocIDs(r *crdt.Reader) []crdt.DocumentID {
	var out []crdt.DocumentID
	seen := make(map[crdt.DocumentID]bool)
	for _, path := range ListFiles(r) {
		id, ok := ReadFileURL(r, path)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// WriteState writes one runtime-state scalar, creating intermediate maps.
func WriteState(tx *crdt.Tx, entity, prop string, value int64) {
	tx.SetInt64([]string{stateKey, entity}, prop, value)
}

// ReadState reads one runtime-state scalar; absent at any level reads as
// not-ok.
func ReadState(r *crdt.Reader, entity, prop string) (int64, bool) {
	return r.GetInt64([]string{stateKey, entity}, prop)
}

// State is the driver's view of an initialized project: the metadata
// handle, the main branch handle, whichever branch is checked out, and an
// in-memory mirror of the branches map.
type State struct {
	MetadataHandle   crdt.DocHandle
	MainHandle       crdt.DocHandle
	CheckedOutHandle crdt.DocHandle
	Branches         map[string]Branch
}

// AddBranch writes the branch into the metadata document and the mirror.
func (s *State) AddBranch(b Branch) error {
	_, err := s.MetadataHandle.Doc().WithDocMut(func(tx *crdt.Tx) error {
		WriteBranch(tx, b)
		return nil
	})
	if err != nil {
		return err
	}
	s.Branches[b.ID] = b
	return nil
}

// RefreshBranches re-hydrates the mirror from the metadata document, used
// when a remote change lands on the metadata handle.
func (s *State) RefreshBranches() {
	s.MetadataHandle.Doc().WithDoc(func(r *crdt.Reader) {
		s.Branches = ReadBranches(r)
	})
}
