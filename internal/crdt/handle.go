package crdt

import "context"

// DocHandle is a cheap-to-clone live reference to a Doc, carrying its
// DocumentID alongside the document itself.
type DocHandle struct {
	id  DocumentID
	doc *Doc
}

// NewHandle wraps doc under id.
func NewHandle(id DocumentID, doc *Doc) DocHandle {
	return DocHandle{id: id, doc: doc}
}

// ID returns the handle's DocumentID.
func (h DocHandle) ID() DocumentID { return h.id }

// Doc exposes the underlying document for WithDoc/WithDocMut/Heads/Merge.
func (h DocHandle) Doc() *Doc { return h.doc }

// IsZero reports whether h is the zero-value handle (no document).
func (h DocHandle) IsZero() bool { return h.doc == nil }

// AwaitNextChange blocks until the handle's document heads next advance, or
// ctx is cancelled.
func (h DocHandle) AwaitNextChange(ctx context.Context) error {
	ch := h.doc.NextChange()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
