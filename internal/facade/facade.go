// Package facade is the host-facing surface of the engine: synchronous
// queries answered from cached snapshots, fire-and-forget commands
// forwarded to the driver, and a process tick that drains driver events
// into host callbacks.
package facade

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/patchkit/projectd/internal/crdt"
	"github.com/patchkit/projectd/internal/driver"
	"github.com/patchkit/projectd/internal/project"
	"github.com/patchkit/projectd/internal/projerrors"
	"github.com/patchkit/projectd/internal/repo"
	"github.com/patchkit/projectd/internal/scene"
)

// Signal names delivered to the host callback.
const (
	SignalInitialized      = "initialized"
	SignalFilesChanged     = "files_changed"
	SignalCheckedOutBranch = "checked_out_branch"
	SignalBranchesChanged  = "branches_changed"
	SignalFileChanged      = "file_changed"
)

// Callback receives one host signal with its argument array.
type Callback func(signal string, args []interface{})

// MainBranchLiteral is resolved to the real main document id at the
// command boundary; the branches map itself is never keyed by it.
const MainBranchLiteral = "main"

// SceneFileName is the scene file node-level commands operate on.
const SceneFileName = "main.tscn"

// Facade forwards commands to one driver and caches the last-known
// snapshot of its output for pull-style host queries.
type Facade struct {
	drv        *driver.Driver
	repository *repo.Repo
	logger     *zap.Logger
	callback   Callback

	// Caches are written only from Process and read from host queries;
	// mu is held only for map/field access, never across anything blocking.
	mu          sync.Mutex
	initialized bool
	branches    map[string]project.Branch
	metadata    crdt.DocHandle
	main        crdt.DocHandle
	checkedOut  crdt.DocHandle
	handles     map[string]crdt.DocHandle
	lastHeads   map[string][]crdt.ChangeHash
}

// New wires a facade to a running driver.
func New(drv *driver.Driver, repository *repo.Repo, logger *zap.Logger) *Facade {
	f := &Facade{
		drv:        drv,
		repository: repository,
		logger:     logger,
		branches:   make(map[string]project.Branch),
		handles:    make(map[string]crdt.DocHandle),
		lastHeads:  make(map[string][]crdt.ChangeHash),
	}
	return f
}

// SetCallback installs the host signal callback; pass nil to clear it.
func (f *Facade) SetCallback(cb Callback) {
	f.mu.Lock()
	f.callback = cb
	f.mu.Unlock()
}

func (f *Facade) send(ev driver.InputEvent) {
	f.drv.Input() <- ev
}

// Init triggers project initialization: from scratch with an empty id,
// from a shared metadata document otherwise.
func (f *Facade) Init(metadataID string) error {
	if metadataID == "" {
		f.send(driver.InitBranchesMetadataDoc{})
		return nil
	}
	id, err := crdt.ParseDocumentID(metadataID)
	if err != nil {
		return projerrors.NewInvalidDocumentIDError(metadataID)
	}
	f.send(driver.InitBranchesMetadataDoc{DocID: &id})
	return nil
}

// Stop drops the driver and the repository.
func (f *Facade) Stop() {
	f.drv.Stop()
	f.repository.Stop()
}

// CreateBranch forks main under the given name; the new branch id arrives
// via the subsequent checked_out_branch signal.
func (f *Facade) CreateBranch(name string) {
	f.send(driver.CreateBranch{Name: name})
}

// resolveBranchID maps the "main" literal to the cached main document id
// and parses anything else as a document id.
func (f *Facade) resolveBranchID(raw string) (crdt.DocumentID, error) {
	if raw == MainBranchLiteral {
		f.mu.Lock()
		main := f.main
		f.mu.Unlock()
		if main.IsZero() {
			return crdt.DocumentID{}, projerrors.NewNotInitializedError("main branch is not known yet")
		}
		return main.ID(), nil
	}
	id, err := crdt.ParseDocumentID(raw)
	if err != nil {
		return crdt.DocumentID{}, projerrors.NewInvalidDocumentIDError(raw)
	}
	return id, nil
}

// CheckoutBranch requests a checkout; the switch is visible once the
// checked_out_branch signal fires.
func (f *Facade) CheckoutBranch(branchID string) error {
	id, err := f.resolveBranchID(branchID)
	if err != nil {
		return err
	}
	f.send(driver.CheckoutBranch{BranchDocID: id})
	return nil
}

// MergeBranch merges the branch into main.
func (f *Facade) MergeBranch(branchID string) error {
	id, err := f.resolveBranchID(branchID)
	if err != nil {
		return err
	}
	f.send(driver.MergeBranch{BranchDocID: id})
	return nil
}

// parseHeads splits a comma-joined head list; empty means "current heads".
func parseHeads(headsStr string) ([]crdt.ChangeHash, error) {
	if headsStr == "" {
		return nil, nil
	}
	parts := strings.Split(headsStr, ",")
	out := make([]crdt.ChangeHash, 0, len(parts))
	for _, p := range parts {
		h, err := crdt.ParseChangeHash(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// SaveFileText writes text content at path, optionally anchored at
// historical heads. Scene files are parsed up front so a malformed scene
// reports back synchronously with no mutation sent.
func (f *Facade) SaveFileText(path, headsStr, text string) error {
	heads, err := parseHeads(headsStr)
	if err != nil {
		return projerrors.NewParseError("malformed heads list", err)
	}
	if driver.IsSceneFile(path) {
		if _, err := scene.Parse(text); err != nil {
			return err
		}
	}
	f.send(driver.SaveFile{Path: path, Heads: heads, Content: project.TextContent{Text: text}})
	return nil
}

// SaveFileBinary writes binary content at path.
func (f *Facade) SaveFileBinary(path, headsStr string, data []byte) error {
	heads, err := parseHeads(headsStr)
	if err != nil {
		return projerrors.NewParseError("malformed heads list", err)
	}
	f.send(driver.SaveFile{Path: path, Heads: heads, Content: project.BinaryContent{Bytes: data}})
	return nil
}

// DeleteNode removes a node (with descendants) from the scene file's
// projection. Node deletion is always this explicit command, never
// inferred from a text save.
func (f *Facade) DeleteNode(nodePath string) {
	f.send(driver.DeleteNode{FilePath: SceneFileName, NodePath: nodePath})
}

// SetStateInt writes one runtime-state scalar.
func (f *Facade) SetStateInt(entity, prop string, value int64) {
	f.send(driver.SetStateInt{Entity: entity, Prop: prop, Value: value})
}

// GetStateInt reads one runtime-state scalar from the checked-out branch
// snapshot.
func (f *Facade) GetStateInt(entity, prop string) (int64, bool) {
	co := f.checkedOutHandle()
	if co.IsZero() {
		return 0, false
	}
	var v int64
	var ok bool
	co.Doc().WithDoc(func(r *crdt.Reader) {
		v, ok = project.ReadState(r, entity, prop)
	})
	return v, ok
}

func (f *Facade) checkedOutHandle() crdt.DocHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkedOut
}

// lookupHandle resolves a document id through the announced-handle cache,
// the driver registry, and finally the repository (documents gossiped in
// but never surfaced through an event yet).
func (f *Facade) lookupHandle(id crdt.DocumentID) (crdt.DocHandle, bool) {
	f.mu.Lock()
	h, ok := f.handles[id.String()]
	f.mu.Unlock()
	if ok {
		return h, true
	}
	if h, ok := f.drv.Registry().Get(id); ok {
		return h, true
	}
	return f.repository.Get(id)
}

// GetFile reads path from the checked-out branch: text content if present,
// the linked document's bytes otherwise. Not-found covers both an absent
// entry and a linked document not materialized on this peer.
func (f *Facade) GetFile(path string) (project.Content, bool) {
	co := f.checkedOutHandle()
	if co.IsZero() {
		return nil, false
	}
	var text string
	var hasText bool
	var linkID crdt.DocumentID
	var hasLink bool
	co.Doc().WithDoc(func(r *crdt.Reader) {
		text, hasText = project.ReadFileText(r, path)
		if !hasText {
			linkID, hasLink = project.ReadFileURL(r, path)
		}
	})
	if hasText {
		return project.TextContent{Text: text}, true
	}
	if !hasLink {
		return nil, false
	}
	linked, ok := f.lookupHandle(linkID)
	if !ok {
		return nil, false
	}
	var data []byte
	var hasData bool
	linked.Doc().WithDoc(func(r *crdt.Reader) {
		data, hasData = project.ReadBinaryDoc(r)
	})
	if !hasData {
		return nil, false
	}
	return project.BinaryContent{Bytes: data}, true
}

// GetFileAt reads path's text as of the given historical heads.
func (f *Facade) GetFileAt(path string, heads []string) (string, bool) {
	co := f.checkedOutHandle()
	if co.IsZero() {
		return "", false
	}
	parsed := make([]crdt.ChangeHash, 0, len(heads))
	for _, s := range heads {
		h, err := crdt.ParseChangeHash(s)
		if err != nil {
			return "", false
		}
		parsed = append(parsed, h)
	}
	r, err := co.Doc().ReaderAt(parsed)
	if err != nil {
		f.logger.Warn("historical read failed", zap.String("path", path), zap.Error(err))
		return "", false
	}
	return project.ReadFileText(r, path)
}

// ListAllFiles returns every file path on the checked-out branch.
func (f *Facade) ListAllFiles() []string {
	co := f.checkedOutHandle()
	if co.IsZero() {
		return nil
	}
	var out []string
	co.Doc().WithDoc(func(r *crdt.Reader) {
		out = project.ListFiles(r)
	})
	return out
}

// GetHeads returns the checked-out branch's current heads as strings.
func (f *Facade) GetHeads() []string {
	co := f.checkedOutHandle()
	if co.IsZero() {
		return nil
	}
	heads := co.Doc().Heads()
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	return out
}

// GetChanges returns the checked-out branch's change hashes in causal
// order.
func (f *Facade) GetChanges() []string {
	co := f.checkedOutHandle()
	if co.IsZero() {
		return nil
	}
	changes := co.Doc().Changes()
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Hash.String()
	}
	return out
}

// GetBranches lists the known branches, sorted by name then id.
func (f *Facade) GetBranches() []project.Branch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]project.Branch, 0, len(f.branches))
	for _, b := range f.branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetCheckedOutBranchID returns the checked-out branch's document id, or
// empty before initialization.
func (f *Facade) GetCheckedOutBranchID() string {
	co := f.checkedOutHandle()
	if co.IsZero() {
		return ""
	}
	return co.ID().String()
}

// GetDocID returns the metadata document's id: the shareable project id.
func (f *Facade) GetDocID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metadata.IsZero() {
		return ""
	}
	return f.metadata.ID().String()
}

// IsInitialized reports whether the initialized event has been observed.
func (f *Facade) IsInitialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// Process drains all pending driver events, updates the caches, and fires
// host callbacks. Call once per host frame. Returns the number of events
// drained.
func (f *Facade) Process() int {
	n := 0
	for {
		select {
		case ev := <-f.drv.Output():
			f.apply(ev)
			n++
		default:
			return n
		}
	}
}

func (f *Facade) apply(ev driver.OutputEvent) {
	switch e := ev.(type) {
	case driver.Initialized:
		f.mu.Lock()
		f.initialized = true
		f.branches = e.Branches
		f.metadata = e.Metadata
		f.main = e.Main
		f.checkedOut = e.CheckedOut
		f.handles[e.Metadata.ID().String()] = e.Metadata
		f.handles[e.Main.ID().String()] = e.Main
		f.handles[e.CheckedOut.ID().String()] = e.CheckedOut
		f.lastHeads[e.CheckedOut.ID().String()] = e.CheckedOut.Doc().Heads()
		f.lastHeads[e.Metadata.ID().String()] = e.Metadata.Doc().Heads()
		cb := f.callback
		f.mu.Unlock()
		f.fire(cb, SignalInitialized, nil)

	case driver.BranchesUpdated:
		f.mu.Lock()
		f.branches = e.Branches
		cb := f.callback
		f.mu.Unlock()
		f.fire(cb, SignalBranchesChanged, nil)

	case driver.CheckedOutBranch:
		f.mu.Lock()
		f.checkedOut = e.Handle
		f.handles[e.Handle.ID().String()] = e.Handle
		f.lastHeads[e.Handle.ID().String()] = e.Handle.Doc().Heads()
		cb := f.callback
		f.mu.Unlock()
		f.fire(cb, SignalCheckedOutBranch, []interface{}{e.Handle.ID().String()})

	case driver.DocHandleChanged:
		f.applyDocChanged(e.Handle)
	}
}

func (f *Facade) applyDocChanged(handle crdt.DocHandle) {
	id := handle.ID().String()

	f.mu.Lock()
	f.handles[id] = handle
	isCheckedOut := !f.checkedOut.IsZero() && f.checkedOut.ID().String() == id
	isMetadata := !f.metadata.IsZero() && f.metadata.ID().String() == id
	before := f.lastHeads[id]
	after := handle.Doc().Heads()
	f.lastHeads[id] = after
	cb := f.callback
	f.mu.Unlock()

	if isMetadata {
		var branches map[string]project.Branch
		handle.Doc().WithDoc(func(r *crdt.Reader) {
			branches = project.ReadBranches(r)
		})
		f.mu.Lock()
		f.branches = branches
		f.mu.Unlock()
		f.fire(cb, SignalBranchesChanged, nil)
	}

	if !isCheckedOut {
		return
	}

	f.fire(cb, SignalFilesChanged, nil)

	ops := handle.Doc().Diff(before, after)
	var events []scene.FileEvent
	handle.Doc().WithDoc(func(r *crdt.Reader) {
		events = scene.InterpretOps(r, ops)
	})
	for _, sev := range events {
		args := []interface{}{
			"file_path", sev.FilePath,
			"node_path", sev.NodePath,
			"type", sev.Type,
			"key", sev.Key,
			"value", sev.Value,
		}
		if sev.InstancePath != "" {
			args = append(args, "instance_path", sev.InstancePath)
		} else if sev.InstanceType != "" {
			args = append(args, "instance_type", sev.InstanceType)
		}
		f.fire(cb, SignalFileChanged, args)
	}
}

func (f *Facade) fire(cb Callback, signal string, args []interface{}) {
	if cb == nil {
		return
	}
	cb(signal, args)
}
