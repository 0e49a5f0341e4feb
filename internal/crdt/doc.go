package crdt

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Op records one field-level mutation performed inside a transaction, used
// both to reconstruct a Change's payload for hashing and to drive patch
// interpretation (C3) for the host event callback.
type Op struct {
	Path  []string
	Key   string
	Kind  string // "set_string" | "set_int64" | "set_bytes" | "set_text" | "ensure_map" | "delete"
	Value interface{}
}

// Change is one committed batch of operations, content-addressed by Hash.
type Change struct {
	Hash      ChangeHash
	Deps      []ChangeHash
	Actor     string
	Seq       uint64
	Ops       []Op
	Timestamp time.Time
}

// Doc is a single CRDT document: a root object plus the append-only log of
// Changes that produced its current state.
type Doc struct {
	mu       sync.Mutex
	actor    string
	counter  uint64
	seq      uint64
	root     *mapValue
	changes  map[ChangeHash]*Change
	heads    map[ChangeHash]struct{}
	changeCh chan struct{}
}

// NewDoc creates an empty document. actor distinguishes concurrent writers
// for LWW/RGA tie-breaking; it need not be globally unique beyond this
// process's lifetime.
func NewDoc(actor string) *Doc {
	return &Doc{
		actor:    actor,
		root:     newMapValue(),
		changes:  make(map[ChangeHash]*Change),
		heads:    make(map[ChangeHash]struct{}),
		changeCh: make(chan struct{}),
	}
}

// Heads returns the current antichain of change hashes.
func (d *Doc) Heads() []ChangeHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headsLocked()
}

func (d *Doc) headsLocked() []ChangeHash {
	out := make([]ChangeHash, 0, len(d.heads))
	for h := range d.heads {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Reader is a read-only view over a map-valued CRDT node.
type Reader struct {
	m *mapValue
}

func (r *Reader) navigate(path []string) (*mapValue, bool) {
	cur := r.m
	for _, seg := range path {
		e, ok := cur.entries[seg]
		if !ok || e.deleted || e.kind != kindMap {
			return nil, false
		}
		cur = e.mapVal
	}
	return cur, true
}

// Has reports whether path/key resolves to a live (non-deleted) entry.
func (r *Reader) Has(path []string, key string) bool {
	m, ok := r.navigate(path)
	if !ok {
		return false
	}
	e, ok := m.entries[key]
	return ok && !e.deleted
}

// GetString reads a string-valued entry.
func (r *Reader) GetString(path []string, key string) (string, bool) {
	m, ok := r.navigate(path)
	if !ok {
		return "", false
	}
	e, ok := m.entries[key]
	if !ok || e.deleted || e.kind != kindString {
		return "", false
	}
	return e.str, true
}

// GetText reads a text-CRDT-valued entry as its linearized string.
func (r *Reader) GetText(path []string, key string) (string, bool) {
	m, ok := r.navigate(path)
	if !ok {
		return "", false
	}
	e, ok := m.entries[key]
	if !ok || e.deleted || e.kind != kindText {
		return "", false
	}
	return e.textVal.String(), true
}

// GetBytes reads a bytes-valued entry.
func (r *Reader) GetBytes(path []string, key string) ([]byte, bool) {
	m, ok := r.navigate(path)
	if !ok {
		return nil, false
	}
	e, ok := m.entries[key]
	if !ok || e.deleted || e.kind != kindBytes {
		return nil, false
	}
	return append([]byte(nil), e.bytes...), true
}

// GetInt64 reads an int64-valued entry.
func (r *Reader) GetInt64(path []string, key string) (int64, bool) {
	m, ok := r.navigate(path)
	if !ok {
		return 0, false
	}
	e, ok := m.entries[key]
	if !ok || e.deleted || e.kind != kindInt64 {
		return 0, false
	}
	return e.i64, true
}

// Keys lists the live keys of the map at path.
func (r *Reader) Keys(path []string) []string {
	m, ok := r.navigate(path)
	if !ok {
		return nil
	}
	keys := m.keys()
	sort.Strings(keys)
	return keys
}

// Sub returns a Reader scoped to the nested map at path/key.
func (r *Reader) Sub(path []string, key string) (*Reader, bool) {
	m, ok := r.navigate(path)
	if !ok {
		return nil, false
	}
	e, ok := m.entries[key]
	if !ok || e.deleted || e.kind != kindMap {
		return nil, false
	}
	return &Reader{m: e.mapVal}, true
}

// WithDoc provides read-only access to the document's current state.
func (d *Doc) WithDoc(fn func(r *Reader)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&Reader{m: d.root})
}

// Tx is the mutable view passed to WithDocMut.
type Tx struct {
	doc  *Doc
	root *mapValue
	ops  []Op
}

func (tx *Tx) nextCounter() uint64 {
	tx.doc.counter++
	return tx.doc.counter
}

// Reader exposes the in-progress state for reads inside the transaction.
func (tx *Tx) Reader() *Reader { return &Reader{m: tx.root} }

func (tx *Tx) ensurePath(path []string) *mapValue {
	cur := tx.root
	for _, seg := range path {
		e, ok := cur.entries[seg]
		if !ok || e.deleted || e.kind != kindMap {
			e = &entry{kind: kindMap, mapVal: newMapValue(), counter: tx.nextCounter(), actor: tx.doc.actor}
			cur.entries[seg] = e
		}
		cur = e.mapVal
	}
	return cur
}

func fullPath(path []string, key string) []string {
	out := make([]string, 0, len(path)+1)
	out = append(out, path...)
	out = append(out, key)
	return out
}

// SetString writes a scalar string at path/key.
func (tx *Tx) SetString(path []string, key, value string) {
	parent := tx.ensurePath(path)
	parent.entries[key] = &entry{kind: kindString, str: value, counter: tx.nextCounter(), actor: tx.doc.actor}
	tx.ops = append(tx.ops, Op{Path: path, Key: key, Kind: "set_string", Value: value})
}

// SetInt64 writes a scalar integer at path/key.
func (tx *Tx) SetInt64(path []string, key string, value int64) {
	parent := tx.ensurePath(path)
	parent.entries[key] = &entry{kind: kindInt64, i64: value, counter: tx.nextCounter(), actor: tx.doc.actor}
	tx.ops = append(tx.ops, Op{Path: path, Key: key, Kind: "set_int64", Value: value})
}

// SetBytes writes an immutable byte blob at path/key.
func (tx *Tx) SetBytes(path []string, key string, value []byte) {
	parent := tx.ensurePath(path)
	parent.entries[key] = &entry{kind: kindBytes, bytes: append([]byte(nil), value...), counter: tx.nextCounter(), actor: tx.doc.actor}
	tx.ops = append(tx.ops, Op{Path: path, Key: key, Kind: "set_bytes", Value: value})
}

// SetText overwrites the text CRDT at path/key with value, computing a
// minimal edit script (common-prefix/suffix trim) against the prior text.
func (tx *Tx) SetText(path []string, key, value string) {
	parent := tx.ensurePath(path)
	e, ok := parent.entries[key]
	if !ok || e.deleted || e.kind != kindText {
		e = &entry{kind: kindText, textVal: newTextValue(), actor: tx.doc.actor}
		parent.entries[key] = e
	}
	e.textVal.setText(value, tx.doc.actor, &tx.doc.counter)
	e.counter = tx.nextCounter()
	e.actor = tx.doc.actor
	e.deleted = false
	tx.ops = append(tx.ops, Op{Path: path, Key: key, Kind: "set_text", Value: value})
}

// Delete tombstones path/key if present; a no-op on an absent key.
func (tx *Tx) Delete(path []string, key string) {
	m, ok := func() (*mapValue, bool) {
		cur := tx.root
		for _, seg := range path {
			e, ok := cur.entries[seg]
			if !ok || e.deleted || e.kind != kindMap {
				return nil, false
			}
			cur = e.mapVal
		}
		return cur, true
	}()
	if !ok {
		return
	}
	e, ok := m.entries[key]
	if !ok || e.deleted {
		return
	}
	e.deleted = true
	e.counter = tx.nextCounter()
	e.actor = tx.doc.actor
	tx.ops = append(tx.ops, Op{Path: path, Key: key, Kind: "delete"})
}

// EnsureMap ensures a map exists at path/key without otherwise changing
// its entries.
func (tx *Tx) EnsureMap(path []string, key string) {
	tx.ensurePath(fullPath(path, key))
	tx.ops = append(tx.ops, Op{Path: path, Key: key, Kind: "ensure_map"})
}

// WithDocMut runs fn inside a transaction against the document's live
// state, then commits a new Change recording every Op fn performed. If fn
// returns an error, no Change is committed and the document's value is
// restored from a snapshot taken before fn ran (the lock is held for the
// whole call, so no other goroutine sees the partial state either way).
func (d *Doc) WithDocMut(fn func(tx *Tx) error) (*Change, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snapshot := d.root.clone()
	tx := &Tx{doc: d, root: d.root}
	if err := fn(tx); err != nil {
		d.root = snapshot
		return nil, err
	}
	if len(tx.ops) == 0 {
		return nil, nil
	}
	return d.commitLocked(d.headsLocked(), tx.ops), nil
}

// WithDocMutAt is WithDocMut anchored at historical heads: the committed
// Change's dependencies are the given heads rather than the current ones,
// so the edit reads as "made as if we were at that version" and concurrent
// changes made since remain siblings in the change DAG. The mutation itself
// applies to the current state (LWW registers resolve the overlap). Every
// given head must be a known change.
func (d *Doc) WithDocMutAt(heads []ChangeHash, fn func(tx *Tx) error) (*Change, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, h := range heads {
		if _, ok := d.changes[h]; !ok {
			return nil, fmt.Errorf("unknown head %s", h)
		}
	}

	snapshot := d.root.clone()
	tx := &Tx{doc: d, root: d.root}
	if err := fn(tx); err != nil {
		d.root = snapshot
		return nil, err
	}
	if len(tx.ops) == 0 {
		return nil, nil
	}
	deps := append([]ChangeHash(nil), heads...)
	sort.Slice(deps, func(i, j int) bool { return deps[i].String() < deps[j].String() })
	return d.commitLocked(deps, tx.ops), nil
}

// commitLocked seals ops into a Change depending on deps and advances the
// heads: heads that are ancestors of the new change drop out, the rest stay
// (a historically-anchored commit leaves concurrent heads in place).
func (d *Doc) commitLocked(deps []ChangeHash, ops []Op) *Change {
	d.seq++
	hash := hashChange(d.actor, d.seq, deps, encodeOps(ops))
	change := &Change{Hash: hash, Deps: deps, Actor: d.actor, Seq: d.seq, Ops: ops, Timestamp: time.Now()}
	d.changes[hash] = change

	ancestors := make(map[ChangeHash]bool)
	var mark func(h ChangeHash)
	mark = func(h ChangeHash) {
		if ancestors[h] {
			return
		}
		ancestors[h] = true
		if c, ok := d.changes[h]; ok {
			for _, dep := range c.Deps {
				mark(dep)
			}
		}
	}
	for _, dep := range deps {
		mark(dep)
	}
	newHeads := map[ChangeHash]struct{}{hash: {}}
	for h := range d.heads {
		if !ancestors[h] {
			newHeads[h] = struct{}{}
		}
	}
	d.heads = newHeads

	close(d.changeCh)
	d.changeCh = make(chan struct{})
	return change
}

func encodeOps(ops []Op) []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(ops)
	return buf.Bytes()
}

// NextChange returns a channel closed the next time the document's heads
// advance (locally or via Merge).
func (d *Doc) NextChange() <-chan struct{} {
	d.mu.Lock()
	ch := d.changeCh
	d.mu.Unlock()
	return ch
}

// Merge applies every Change from other into d. Both the root object and
// the change log are merged: the resulting heads are the leaves of the
// union of both change DAGs.
func (d *Doc) Merge(other *Doc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	before := d.headsLocked()

	mergeMap(d.root, other.root)
	if other.counter > d.counter {
		d.counter = other.counter
	}

	childOf := make(map[ChangeHash]bool)
	for _, c := range d.changes {
		for _, dep := range c.Deps {
			childOf[dep] = true
		}
	}
	for hash, c := range other.changes {
		if _, ok := d.changes[hash]; !ok {
			d.changes[hash] = c
		}
		for _, dep := range c.Deps {
			childOf[dep] = true
		}
	}
	newHeads := make(map[ChangeHash]struct{})
	for hash := range d.changes {
		if !childOf[hash] {
			newHeads[hash] = struct{}{}
		}
	}
	if len(newHeads) == 0 {
		newHeads = d.heads
	}
	d.heads = newHeads

	// Merging a subset of what we already have must not wake listeners;
	// an unconditional notify here would ping-pong between gossiping peers
	// forever.
	if !hashesEqual(before, d.headsLocked()) {
		close(d.changeCh)
		d.changeCh = make(chan struct{})
	}
	return nil
}

// HashesEqual reports whether two sorted head-sets are identical.
func HashesEqual(a, b []ChangeHash) bool { return hashesEqual(a, b) }

func hashesEqual(a, b []ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Clone deep-copies the document's current state and change log under a
// (possibly new) actor id, as used by CreateBranch to fork main into a new
// ProjectDoc.
func (d *Doc) Clone(actor string) *Doc {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := NewDoc(actor)
	out.root = d.root.clone()
	for h, c := range d.changes {
		out.changes[h] = c
	}
	for h := range d.heads {
		out.heads[h] = struct{}{}
	}
	out.seq = d.seq
	out.counter = d.counter
	return out
}

// Changes returns every Change reachable from the current heads, in a
// deterministic causal order (dependencies before dependents; ties broken
// by hash) — this is what get_changes() surfaces to the host.
func (d *Doc) Changes() []*Change {
	d.mu.Lock()
	defer d.mu.Unlock()

	visited := make(map[ChangeHash]bool)
	var order []*Change
	var visit func(h ChangeHash)
	visit = func(h ChangeHash) {
		if visited[h] {
			return
		}
		visited[h] = true
		c, ok := d.changes[h]
		if !ok {
			return
		}
		for _, dep := range c.Deps {
			visit(dep)
		}
		order = append(order, c)
	}
	for _, h := range d.headsLocked() {
		visit(h)
	}
	return order
}

// Diff returns the Ops of every Change reachable from after but not from
// before, in causal order — used to interpret what changed between two
// head-sets for patch-level event emission (C3) and for the materialization
// diff-emptiness check the change listener relies on.
func (d *Doc) Diff(before, after []ChangeHash) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	excluded := make(map[ChangeHash]bool)
	var markExcluded func(h ChangeHash)
	markExcluded = func(h ChangeHash) {
		if excluded[h] {
			return
		}
		excluded[h] = true
		if c, ok := d.changes[h]; ok {
			for _, dep := range c.Deps {
				markExcluded(dep)
			}
		}
	}
	for _, h := range before {
		markExcluded(h)
	}

	visited := make(map[ChangeHash]bool)
	var order []*Change
	var visit func(h ChangeHash)
	visit = func(h ChangeHash) {
		if visited[h] || excluded[h] {
			return
		}
		visited[h] = true
		c, ok := d.changes[h]
		if !ok {
			return
		}
		for _, dep := range c.Deps {
			visit(dep)
		}
		order = append(order, c)
	}
	sortedAfter := append([]ChangeHash(nil), after...)
	sort.Slice(sortedAfter, func(i, j int) bool { return sortedAfter[i].String() < sortedAfter[j].String() })
	for _, h := range sortedAfter {
		visit(h)
	}

	var ops []Op
	for _, c := range order {
		ops = append(ops, c.Ops...)
	}
	return ops
}

// gobDoc is the on-wire/on-disk serialization envelope for a Doc.
type gobDoc struct {
	Actor   string
	Counter uint64
	Seq     uint64
	Changes map[ChangeHash]*Change
	Heads   []ChangeHash
	Root    []byte
}

// Serialize encodes the document (current value plus full change log) for
// storage or transmission over the sync transport.
func (d *Doc) Serialize() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rootBytes, err := encodeMap(d.root)
	if err != nil {
		return nil, fmt.Errorf("encode root: %w", err)
	}
	gd := gobDoc{
		Actor:   d.actor,
		Counter: d.counter,
		Seq:     d.seq,
		Changes: d.changes,
		Heads:   d.headsLocked(),
		Root:    rootBytes,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gd); err != nil {
		return nil, fmt.Errorf("encode doc: %w", err)
	}
	return buf.Bytes(), nil
}

// DeserializeDoc decodes a Doc previously produced by Serialize.
func DeserializeDoc(data []byte) (*Doc, error) {
	var gd gobDoc
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&gd); err != nil {
		return nil, fmt.Errorf("decode doc: %w", err)
	}
	root, err := decodeMap(gd.Root)
	if err != nil {
		return nil, fmt.Errorf("decode root: %w", err)
	}
	d := &Doc{
		actor:    gd.Actor,
		counter:  gd.Counter,
		seq:      gd.Seq,
		root:     root,
		changes:  gd.Changes,
		heads:    make(map[ChangeHash]struct{}),
		changeCh: make(chan struct{}),
	}
	for _, h := range gd.Heads {
		d.heads[h] = struct{}{}
	}
	if gd.Changes == nil {
		d.changes = make(map[ChangeHash]*Change)
	}
	return d, nil
}

// ReaderAt reconstructs the document state as of the given heads by
// replaying every reachable Change's ops into a scratch value tree, and
// returns a Reader over it. Replay order is the same deterministic causal
// order Diff uses, so two peers with the same change DAG reconstruct the
// same state. Unknown heads yield an error.
func (d *Doc) ReaderAt(heads []ChangeHash) (*Reader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, h := range heads {
		if _, ok := d.changes[h]; !ok {
			return nil, fmt.Errorf("unknown head %s", h)
		}
	}

	visited := make(map[ChangeHash]bool)
	var order []*Change
	var visit func(h ChangeHash)
	visit = func(h ChangeHash) {
		if visited[h] {
			return
		}
		visited[h] = true
		c, ok := d.changes[h]
		if !ok {
			return
		}
		for _, dep := range c.Deps {
			visit(dep)
		}
		order = append(order, c)
	}
	sorted := append([]ChangeHash(nil), heads...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })
	for _, h := range sorted {
		visit(h)
	}

	root := newMapValue()
	var counter uint64
	for _, c := range order {
		for _, op := range c.Ops {
			applyOp(root, c.Actor, &counter, op)
		}
	}
	return &Reader{m: root}, nil
}

// applyOp replays one recorded Op into a scratch tree. Replay runs in a
// single causal order, so plain sequential application (each op taking a
// fresh counter) reproduces the LWW outcome of that order.
func applyOp(root *mapValue, actor string, counter *uint64, op Op) {
	cur := root
	for _, seg := range op.Path {
		e, ok := cur.entries[seg]
		if !ok || e.deleted || e.kind != kindMap {
			*counter++
			e = &entry{kind: kindMap, mapVal: newMapValue(), counter: *counter, actor: actor}
			cur.entries[seg] = e
		}
		cur = e.mapVal
	}
	switch op.Kind {
	case "ensure_map":
		e, ok := cur.entries[op.Key]
		if !ok || e.deleted || e.kind != kindMap {
			*counter++
			cur.entries[op.Key] = &entry{kind: kindMap, mapVal: newMapValue(), counter: *counter, actor: actor}
		}
	case "set_string":
		if v, ok := op.Value.(string); ok {
			*counter++
			cur.entries[op.Key] = &entry{kind: kindString, str: v, counter: *counter, actor: actor}
		}
	case "set_int64":
		if v, ok := op.Value.(int64); ok {
			*counter++
			cur.entries[op.Key] = &entry{kind: kindInt64, i64: v, counter: *counter, actor: actor}
		}
	case "set_bytes":
		if v, ok := op.Value.([]byte); ok {
			*counter++
			cur.entries[op.Key] = &entry{kind: kindBytes, bytes: append([]byte(nil), v...), counter: *counter, actor: actor}
		}
	case "set_text":
		if v, ok := op.Value.(string); ok {
			e, ok := cur.entries[op.Key]
			if !ok || e.deleted || e.kind != kindText {
				e = &entry{kind: kindText, textVal: newTextValue(), actor: actor}
				cur.entries[op.Key] = e
			}
			e.textVal.setText(v, actor, counter)
			*counter++
			e.counter = *counter
			e.actor = actor
			e.deleted = false
		}
	case "delete":
		if e, ok := cur.entries[op.Key]; ok {
			*counter++
			e.deleted = true
			e.counter = *counter
			e.actor = actor
		}
	}
}
