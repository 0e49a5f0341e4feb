package crdt

import (
	"bytes"
	"encoding/gob"
)

// The wire* types are plain, fully-exported mirrors of the unexported
// mapValue/entry/textValue tree, needed because gob cannot encode
// unexported struct fields. Conversion is a straightforward recursive walk.

type wireEntry struct {
	Kind    kind
	Str     string
	I64     int64
	Bytes   []byte
	Map     *wireMap
	Text    *wireText
	Counter uint64
	Actor   string
	Deleted bool
}

type wireMap struct {
	Entries map[string]*wireEntry
}

type wireElem struct {
	Actor      string
	Counter    uint64
	AfterActor string
	AfterCtr   uint64
	HasAfter   bool
	Ch         rune
	Deleted    bool
}

type wireText struct {
	Nodes []wireElem
}

func toWireMap(m *mapValue) *wireMap {
	w := &wireMap{Entries: make(map[string]*wireEntry, len(m.entries))}
	for k, e := range m.entries {
		w.Entries[k] = toWireEntry(e)
	}
	return w
}

func toWireEntry(e *entry) *wireEntry {
	w := &wireEntry{
		Kind:    e.kind,
		Str:     e.str,
		I64:     e.i64,
		Counter: e.counter,
		Actor:   e.actor,
		Deleted: e.deleted,
	}
	if e.bytes != nil {
		w.Bytes = append([]byte(nil), e.bytes...)
	}
	if e.mapVal != nil {
		w.Map = toWireMap(e.mapVal)
	}
	if e.textVal != nil {
		w.Text = toWireText(e.textVal)
	}
	return w
}

func toWireText(t *textValue) *wireText {
	w := &wireText{}
	for _, n := range t.nodes {
		w.Nodes = append(w.Nodes, wireElem{
			Actor:      n.ID.Actor,
			Counter:    n.ID.Counter,
			AfterActor: n.After.Actor,
			AfterCtr:   n.After.Counter,
			HasAfter:   n.HasAfter,
			Ch:         n.Ch,
			Deleted:    n.Deleted,
		})
	}
	return w
}

func fromWireMap(w *wireMap) *mapValue {
	m := newMapValue()
	for k, we := range w.Entries {
		m.entries[k] = fromWireEntry(we)
	}
	return m
}

func fromWireEntry(w *wireEntry) *entry {
	e := &entry{
		kind:    w.Kind,
		str:     w.Str,
		i64:     w.I64,
		bytes:   w.Bytes,
		counter: w.Counter,
		actor:   w.Actor,
		deleted: w.Deleted,
	}
	if w.Map != nil {
		e.mapVal = fromWireMap(w.Map)
	}
	if w.Text != nil {
		e.textVal = fromWireText(w.Text)
	}
	return e
}

func fromWireText(w *wireText) *textValue {
	t := newTextValue()
	for _, n := range w.Nodes {
		id := elemID{Actor: n.Actor, Counter: n.Counter}
		t.nodes[id] = &rgaElem{
			ID:       id,
			After:    elemID{Actor: n.AfterActor, Counter: n.AfterCtr},
			HasAfter: n.HasAfter,
			Ch:       n.Ch,
			Deleted:  n.Deleted,
		}
	}
	return t
}

func encodeMap(m *mapValue) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(toWireMap(m)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMap(data []byte) (*mapValue, error) {
	var w wireMap
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, err
	}
	return fromWireMap(&w), nil
}

func init() {
	gob.Register("")
	gob.Register(int64(0))
	gob.Register([]byte(nil))
}
