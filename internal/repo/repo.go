// Package repo implements the CRDT repository: it owns every live document
// handle in the process, persists documents through the content-addressed
// store, and gossips document state with connected sync peers.
package repo

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patchkit/projectd/internal/crdt"
	"github.com/patchkit/projectd/internal/docstore"
	"github.com/patchkit/projectd/internal/projerrors"
	"github.com/patchkit/projectd/pkg/metrics"
)

// Outbound is one message the repository wants delivered to a sync peer:
// either a full document announcement or a request for a document this
// peer does not hold.
type Outbound struct {
	Kind string // "doc" | "request"
	ID   crdt.DocumentID
	Data []byte // serialized document for Kind == "doc"
}

// Repo owns the process's document handles and their persistence. One
// instance per process.
type Repo struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	storage docstore.Backend
	actor   string

	mu          sync.Mutex
	docs        map[crdt.DocumentID]crdt.DocHandle
	pending     map[crdt.DocumentID][]chan crdt.DocHandle
	subscribers map[int]chan Outbound
	nextSub     int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a repository over the given storage backend. The repository's
// actor id seeds every document it creates, so LWW tie-breaks are stable
// per process.
func New(storage docstore.Backend, logger *zap.Logger, m *metrics.Metrics) *Repo {
	ctx, cancel := context.WithCancel(context.Background())
	return &Repo{
		logger:      logger,
		metrics:     m,
		storage:     storage,
		actor:       uuid.NewString(),
		docs:        make(map[crdt.DocumentID]crdt.DocHandle),
		pending:     make(map[crdt.DocumentID][]chan crdt.DocHandle),
		subscribers: make(map[int]chan Outbound),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Actor returns the repository's actor id.
func (r *Repo) Actor() string { return r.actor }

// NewDocument allocates a fresh empty document, registers its handle, and
// starts persisting it.
func (r *Repo) NewDocument() crdt.DocHandle {
	handle := crdt.NewHandle(crdt.NewDocumentID(), crdt.NewDoc(r.actor))
	r.register(handle)
	return handle
}

// NewDocumentFrom allocates a fresh document seeded with a deep copy of
// src's state and change log, under a new DocumentID. This is how branches
// fork from main.
func (r *Repo) NewDocumentFrom(src crdt.DocHandle) crdt.DocHandle {
	handle := crdt.NewHandle(crdt.NewDocumentID(), src.Doc().Clone(r.actor))
	r.register(handle)
	return handle
}

// Get looks up a registered handle.
func (r *Repo) Get(id crdt.DocumentID) (crdt.DocHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.docs[id]
	return h, ok
}

// DocumentIDs lists every registered document.
func (r *Repo) DocumentIDs() []crdt.DocumentID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]crdt.DocumentID, 0, len(r.docs))
	for id := range r.docs {
		out = append(out, id)
	}
	return out
}

// register inserts the handle if its id is unknown, persists the initial
// state, starts the watch goroutine, and announces the document to peers.
// Idempotent on id.
func (r *Repo) register(handle crdt.DocHandle) bool {
	r.mu.Lock()
	if _, ok := r.docs[handle.ID()]; ok {
		r.mu.Unlock()
		return false
	}
	r.docs[handle.ID()] = handle
	n := len(r.docs)
	waiters := r.pending[handle.ID()]
	delete(r.pending, handle.ID())
	r.mu.Unlock()

	r.metrics.SetDocumentsTracked(n)
	for _, w := range waiters {
		w <- handle
	}

	last := handle.Doc().Heads()
	r.persist(handle)
	r.announce(handle)

	r.wg.Add(1)
	go r.watch(handle, last)
	return true
}

// watch persists and re-announces the document every time its heads
// advance past last, until the repository stops.
func (r *Repo) watch(handle crdt.DocHandle, last []crdt.ChangeHash) {
	defer r.wg.Done()
	for {
		ch := handle.Doc().NextChange()
		heads := handle.Doc().Heads()
		if !crdt.HashesEqual(last, heads) {
			last = heads
			r.metrics.RecordChangeApplied()
			r.persist(handle)
			r.announce(handle)
			continue
		}
		select {
		case <-r.ctx.Done():
			return
		case <-ch:
		}
	}
}

func (r *Repo) persist(handle crdt.DocHandle) {
	data, err := handle.Doc().Serialize()
	if err != nil {
		r.logger.Error("serialize document", zap.String("doc_id", handle.ID().String()), zap.Error(err))
		return
	}
	if err := r.storage.Put(r.ctx, handle.ID().String(), data); err != nil {
		r.logger.Error("persist document", zap.String("doc_id", handle.ID().String()), zap.Error(err))
	}
}

func (r *Repo) announce(handle crdt.DocHandle) {
	data, err := handle.Doc().Serialize()
	if err != nil {
		r.logger.Error("serialize document", zap.String("doc_id", handle.ID().String()), zap.Error(err))
		return
	}
	r.broadcast(Outbound{Kind: "doc", ID: handle.ID(), Data: data})
}

// broadcast fans msg out to every subscribed peer session, dropping for a
// session whose buffer is full rather than blocking the caller.
func (r *Repo) broadcast(msg Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subscribers {
		select {
		case ch <- msg:
		default:
			r.logger.Warn("peer session buffer full, dropping message",
				zap.Int("subscriber", id),
				zap.String("kind", msg.Kind),
				zap.String("doc_id", msg.ID.String()))
		}
	}
}

// Subscribe registers a peer session's outbound channel. The session
// immediately receives a "doc" announcement for every document currently
// held, then every future announcement, until the returned cancel func
// runs.
func (r *Repo) Subscribe(ch chan Outbound) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = ch
	handles := make([]crdt.DocHandle, 0, len(r.docs))
	for _, h := range r.docs {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		data, err := h.Doc().Serialize()
		if err != nil {
			r.logger.Error("serialize document", zap.String("doc_id", h.ID().String()), zap.Error(err))
			continue
		}
		select {
		case ch <- Outbound{Kind: "doc", ID: h.ID(), Data: data}:
		default:
			r.logger.Warn("peer session buffer full during initial announce",
				zap.String("doc_id", h.ID().String()))
		}
	}

	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

func (r *Repo) peerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// RequestDocument resolves a document id to a handle: from memory, then
// from storage, then by asking connected peers and waiting for the
// document to arrive. With no peer connected a miss fails immediately;
// with peers the wait is unbounded (cancel via ctx), matching the
// no-per-command-timeout policy.
func (r *Repo) RequestDocument(ctx context.Context, id crdt.DocumentID) (crdt.DocHandle, error) {
	if h, ok := r.Get(id); ok {
		return h, nil
	}

	data, err := r.storage.Get(ctx, id.String())
	if err == nil {
		doc, derr := crdt.DeserializeDoc(data)
		if derr != nil {
			return crdt.DocHandle{}, projerrors.NewRequestFailedError("stored document is corrupt", derr).
				WithMetadata("doc_id", id.String())
		}
		handle := crdt.NewHandle(id, doc)
		r.register(handle)
		// register is idempotent; a concurrent delivery may have won.
		h, _ := r.Get(id)
		return h, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return crdt.DocHandle{}, projerrors.NewRequestFailedError("storage lookup failed", err).
			WithMetadata("doc_id", id.String())
	}

	if r.peerCount() == 0 {
		return crdt.DocHandle{}, projerrors.NewRequestFailedError("document not found locally and no peer connected", nil).
			WithMetadata("doc_id", id.String())
	}

	waiter := make(chan crdt.DocHandle, 1)
	r.mu.Lock()
	if h, ok := r.docs[id]; ok {
		r.mu.Unlock()
		return h, nil
	}
	r.pending[id] = append(r.pending[id], waiter)
	r.mu.Unlock()

	r.broadcast(Outbound{Kind: "request", ID: id})

	select {
	case h := <-waiter:
		return h, nil
	case <-ctx.Done():
		return crdt.DocHandle{}, projerrors.NewRequestFailedError("request cancelled", ctx.Err()).
			WithMetadata("doc_id", id.String())
	case <-r.ctx.Done():
		return crdt.DocHandle{}, projerrors.ErrShutdown
	}
}

// Deliver feeds a serialized document received from a peer into the
// repository: merged into the existing handle if the id is known,
// registered as a new handle otherwise. Pending RequestDocument waiters
// are fulfilled either way.
func (r *Repo) Deliver(id crdt.DocumentID, data []byte) {
	incoming, err := crdt.DeserializeDoc(data)
	if err != nil {
		r.logger.Warn("dropping undecodable document from peer",
			zap.String("doc_id", id.String()), zap.Error(err))
		return
	}

	if h, ok := r.Get(id); ok {
		if err := h.Doc().Merge(incoming); err != nil {
			r.logger.Error("merge delivered document", zap.String("doc_id", id.String()), zap.Error(err))
		}
		return
	}
	r.register(crdt.NewHandle(id, incoming))
}

// HandleRequest answers a peer's request for a document, if held. Unknown
// documents are ignored; the requester is fulfilled later by the normal
// announcement gossip once some peer obtains the document.
func (r *Repo) HandleRequest(id crdt.DocumentID, reply func(Outbound) bool) {
	h, ok := r.Get(id)
	if !ok {
		return
	}
	data, err := h.Doc().Serialize()
	if err != nil {
		r.logger.Error("serialize document", zap.String("doc_id", id.String()), zap.Error(err))
		return
	}
	if !reply(Outbound{Kind: "doc", ID: id, Data: data}) {
		r.logger.Warn("peer session buffer full, dropping reply", zap.String("doc_id", id.String()))
	}
}

// Stop cancels every watch goroutine and closes the storage backend.
func (r *Repo) Stop() {
	r.cancel()
	r.wg.Wait()
	if err := r.storage.Close(); err != nil {
		r.logger.Error("close storage", zap.Error(err))
	}
}
