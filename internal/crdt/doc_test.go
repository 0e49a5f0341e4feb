package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoc_WithDocMut_CommitsChange(t *testing.T) {
	doc := NewDoc("a")

	change, err := doc.WithDocMut(func(tx *Tx) error {
		tx.SetString(nil, "k", "v")
		return nil
	})

	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Len(t, doc.Heads(), 1)
	assert.Equal(t, change.Hash, doc.Heads()[0])

	doc.WithDoc(func(r *Reader) {
		v, ok := r.GetString(nil, "k")
		require.True(t, ok)
		assert.Equal(t, "v", v)
	})
}

func TestDoc_WithDocMut_EmptyTxCommitsNothing(t *testing.T) {
	doc := NewDoc("a")

	change, err := doc.WithDocMut(func(tx *Tx) error { return nil })

	require.NoError(t, err)
	assert.Nil(t, change)
	assert.Empty(t, doc.Heads())
}

func TestDoc_WithDocMut_ErrorRollsBack(t *testing.T) {
	doc := NewDoc("a")
	_, err := doc.WithDocMut(func(tx *Tx) error {
		tx.SetString(nil, "k", "v")
		return nil
	})
	require.NoError(t, err)

	_, err = doc.WithDocMut(func(tx *Tx) error {
		tx.SetString(nil, "k", "changed")
		return assert.AnError
	})

	require.Error(t, err)
	doc.WithDoc(func(r *Reader) {
		v, _ := r.GetString(nil, "k")
		assert.Equal(t, "v", v)
	})
	assert.Len(t, doc.Heads(), 1)
}

func TestDoc_NestedMapsAndDelete(t *testing.T) {
	doc := NewDoc("a")

	_, err := doc.WithDocMut(func(tx *Tx) error {
		tx.SetString([]string{"files", "a.txt"}, "content", "hello")
		tx.SetInt64([]string{"state", "player"}, "score", 42)
		return nil
	})
	require.NoError(t, err)

	doc.WithDoc(func(r *Reader) {
		assert.Equal(t, []string{"a.txt"}, r.Keys([]string{"files"}))
		score, ok := r.GetInt64([]string{"state", "player"}, "score")
		require.True(t, ok)
		assert.Equal(t, int64(42), score)
	})

	_, err = doc.WithDocMut(func(tx *Tx) error {
		tx.Delete([]string{"files"}, "a.txt")
		return nil
	})
	require.NoError(t, err)

	doc.WithDoc(func(r *Reader) {
		assert.Empty(t, r.Keys([]string{"files"}))
		assert.False(t, r.Has([]string{"files"}, "a.txt"))
	})
}

func TestDoc_MergeIsCommutative(t *testing.T) {
	base := NewDoc("base")
	_, err := base.WithDocMut(func(tx *Tx) error {
		tx.SetString(nil, "shared", "origin")
		return nil
	})
	require.NoError(t, err)

	a := base.Clone("a")
	b := base.Clone("b")

	_, err = a.WithDocMut(func(tx *Tx) error {
		tx.SetString(nil, "from_a", "1")
		return nil
	})
	require.NoError(t, err)
	_, err = b.WithDocMut(func(tx *Tx) error {
		tx.SetString(nil, "from_b", "2")
		return nil
	})
	require.NoError(t, err)

	ab := a.Clone("a")
	require.NoError(t, ab.Merge(b))
	ba := b.Clone("b")
	require.NoError(t, ba.Merge(a))

	assert.Equal(t, ab.Heads(), ba.Heads())
	for _, key := range []string{"shared", "from_a", "from_b"} {
		var v1, v2 string
		ab.WithDoc(func(r *Reader) { v1, _ = r.GetString(nil, key) })
		ba.WithDoc(func(r *Reader) { v2, _ = r.GetString(nil, key) })
		assert.Equal(t, v1, v2, "key %s diverged", key)
	}
}

func TestDoc_MergeIsIdempotent(t *testing.T) {
	a := NewDoc("a")
	_, err := a.WithDocMut(func(tx *Tx) error {
		tx.SetString(nil, "k", "v")
		return nil
	})
	require.NoError(t, err)

	b := a.Clone("b")
	headsBefore := b.Heads()

	require.NoError(t, b.Merge(a))
	assert.Equal(t, headsBefore, b.Heads())

	// Merging a subset must not wake listeners.
	select {
	case <-b.NextChange():
		t.Fatal("merge of already-known changes signalled a change")
	default:
	}
}

func TestDoc_TextMergePreservesConcurrentEdits(t *testing.T) {
	base := NewDoc("base")
	_, err := base.WithDocMut(func(tx *Tx) error {
		tx.SetText(nil, "t", "hello world")
		return nil
	})
	require.NoError(t, err)

	a := base.Clone("a")
	b := base.Clone("b")

	_, err = a.WithDocMut(func(tx *Tx) error {
		tx.SetText(nil, "t", "hello brave world")
		return nil
	})
	require.NoError(t, err)
	_, err = b.WithDocMut(func(tx *Tx) error {
		tx.SetText(nil, "t", "hello world!")
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, a.Merge(b))
	require.NoError(t, b.Merge(a))

	var ta, tb string
	a.WithDoc(func(r *Reader) { ta, _ = r.GetText(nil, "t") })
	b.WithDoc(func(r *Reader) { tb, _ = r.GetText(nil, "t") })

	assert.Equal(t, ta, tb)
	assert.Contains(t, ta, "brave")
	assert.Contains(t, ta, "!")
}

func TestDoc_SetTextMinimalEdit(t *testing.T) {
	doc := NewDoc("a")
	_, err := doc.WithDocMut(func(tx *Tx) error {
		tx.SetText(nil, "t", "abcdef")
		return nil
	})
	require.NoError(t, err)

	_, err = doc.WithDocMut(func(tx *Tx) error {
		tx.SetText(nil, "t", "abXYef")
		return nil
	})
	require.NoError(t, err)

	doc.WithDoc(func(r *Reader) {
		v, ok := r.GetText(nil, "t")
		require.True(t, ok)
		assert.Equal(t, "abXYef", v)
	})
}

func TestDoc_SerializeRoundTrip(t *testing.T) {
	doc := NewDoc("a")
	_, err := doc.WithDocMut(func(tx *Tx) error {
		tx.SetString([]string{"files", "a.txt"}, "content", "hello")
		tx.SetText([]string{"files", "b.txt"}, "content", "text body")
		tx.SetBytes(nil, "blob", []byte{0xDE, 0xAD, 0xBE, 0xEF})
		tx.SetInt64([]string{"state", "e"}, "p", 7)
		return nil
	})
	require.NoError(t, err)

	data, err := doc.Serialize()
	require.NoError(t, err)

	restored, err := DeserializeDoc(data)
	require.NoError(t, err)

	assert.Equal(t, doc.Heads(), restored.Heads())
	restored.WithDoc(func(r *Reader) {
		v, _ := r.GetString([]string{"files", "a.txt"}, "content")
		assert.Equal(t, "hello", v)
		txt, _ := r.GetText([]string{"files", "b.txt"}, "content")
		assert.Equal(t, "text body", txt)
		blob, _ := r.GetBytes(nil, "blob")
		assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, blob)
	})

	// A deserialized replica keeps merging cleanly.
	_, err = restored.WithDocMut(func(tx *Tx) error {
		tx.SetString(nil, "after", "restore")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, doc.Merge(restored))
	doc.WithDoc(func(r *Reader) {
		v, ok := r.GetString(nil, "after")
		require.True(t, ok)
		assert.Equal(t, "restore", v)
	})
}

func TestDoc_DiffReportsOnlyNewOps(t *testing.T) {
	doc := NewDoc("a")
	_, err := doc.WithDocMut(func(tx *Tx) error {
		tx.SetString(nil, "k1", "v1")
		return nil
	})
	require.NoError(t, err)
	before := doc.Heads()

	_, err = doc.WithDocMut(func(tx *Tx) error {
		tx.SetString(nil, "k2", "v2")
		return nil
	})
	require.NoError(t, err)
	after := doc.Heads()

	ops := doc.Diff(before, after)
	require.Len(t, ops, 1)
	assert.Equal(t, "k2", ops[0].Key)

	assert.Empty(t, doc.Diff(after, after))
}

func TestDoc_WithDocMutAt_AnchorsAtHistoricalHeads(t *testing.T) {
	doc := NewDoc("a")
	_, err := doc.WithDocMut(func(tx *Tx) error {
		tx.SetString(nil, "base", "1")
		return nil
	})
	require.NoError(t, err)
	baseline := doc.Heads()

	_, err = doc.WithDocMut(func(tx *Tx) error {
		tx.SetString(nil, "later", "2")
		return nil
	})
	require.NoError(t, err)
	concurrent := doc.Heads()

	change, err := doc.WithDocMutAt(baseline, func(tx *Tx) error {
		tx.SetString(nil, "anchored", "3")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, baseline, change.Deps)

	// The concurrent head stays a head alongside the anchored change.
	heads := doc.Heads()
	assert.Len(t, heads, 2)
	assert.Contains(t, heads, concurrent[0])
	assert.Contains(t, heads, change.Hash)
}

func TestDoc_WithDocMutAt_RejectsUnknownHeads(t *testing.T) {
	doc := NewDoc("a")
	_, err := doc.WithDocMutAt([]ChangeHash{{1, 2, 3}}, func(tx *Tx) error {
		tx.SetString(nil, "k", "v")
		return nil
	})
	assert.Error(t, err)
}

func TestDoc_ReaderAt_ReconstructsHistoricalState(t *testing.T) {
	doc := NewDoc("a")
	_, err := doc.WithDocMut(func(tx *Tx) error {
		tx.SetText([]string{"files", "a.txt"}, "content", "v1")
		return nil
	})
	require.NoError(t, err)
	v1Heads := doc.Heads()

	_, err = doc.WithDocMut(func(tx *Tx) error {
		tx.SetText([]string{"files", "a.txt"}, "content", "v2")
		return nil
	})
	require.NoError(t, err)

	r, err := doc.ReaderAt(v1Heads)
	require.NoError(t, err)
	v, ok := r.GetText([]string{"files", "a.txt"}, "content")
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	doc.WithDoc(func(cur *Reader) {
		v, _ := cur.GetText([]string{"files", "a.txt"}, "content")
		assert.Equal(t, "v2", v)
	})
}

func TestDoc_ChangesAreCausallyOrdered(t *testing.T) {
	doc := NewDoc("a")
	for i := 0; i < 3; i++ {
		_, err := doc.WithDocMut(func(tx *Tx) error {
			tx.SetInt64(nil, "n", int64(i))
			return nil
		})
		require.NoError(t, err)
	}

	changes := doc.Changes()
	require.Len(t, changes, 3)
	seen := map[ChangeHash]bool{}
	for _, c := range changes {
		for _, dep := range c.Deps {
			assert.True(t, seen[dep], "dependency emitted after dependent")
		}
		seen[c.Hash] = true
	}
}

func TestDocumentID_RoundTrip(t *testing.T) {
	id := NewDocumentID()
	parsed, err := ParseDocumentID(id.String())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))

	_, err = ParseDocumentID("not-a-document-id")
	assert.Error(t, err)
}

func TestParseLinkURL(t *testing.T) {
	id := NewDocumentID()

	got, ok := ParseLinkURL(FormatLinkURL(id))
	require.True(t, ok)
	assert.True(t, id.Equal(got))

	_, ok = ParseLinkURL("Automerge:" + id.String())
	assert.False(t, ok, "prefix match is case-sensitive")
	_, ok = ParseLinkURL("automerge:junk")
	assert.False(t, ok)
	_, ok = ParseLinkURL(id.String())
	assert.False(t, ok)
}
