// Package driver contains the project-state actor: one goroutine that owns
// every tracked document handle and all project state, consumes host
// commands from an input channel, and emits output events describing each
// state transition.
package driver

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/patchkit/projectd/internal/crdt"
	"github.com/patchkit/projectd/internal/project"
	"github.com/patchkit/projectd/internal/projerrors"
	"github.com/patchkit/projectd/internal/repo"
	"github.com/patchkit/projectd/internal/scene"
	"github.com/patchkit/projectd/pkg/metrics"
)

const (
	inputBuffer  = 256
	outputBuffer = 1024
	changeBuffer = 64
)

// Driver is the project-state actor. All fields below the channels are
// touched only from the actor goroutine.
type Driver struct {
	repository *repo.Repo
	registry   *Registry
	logger     *zap.Logger
	metrics    *metrics.Metrics

	inputCh  chan InputEvent
	outputCh chan OutputEvent
	changeCh chan crdt.DocHandle

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state   *project.State
	pending []InputEvent
}

// New creates a driver over the repository. Call Run to start the actor.
func New(repository *repo.Repo, logger *zap.Logger, m *metrics.Metrics) *Driver {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		repository: repository,
		logger:     logger,
		metrics:    m,
		inputCh:    make(chan InputEvent, inputBuffer),
		outputCh:   make(chan OutputEvent, outputBuffer),
		changeCh:   make(chan crdt.DocHandle, changeBuffer),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	d.registry = NewRegistry(d.listen)
	return d
}

// Input returns the channel host commands are sent on.
func (d *Driver) Input() chan<- InputEvent { return d.inputCh }

// Output returns the channel output events arrive on.
func (d *Driver) Output() <-chan OutputEvent { return d.outputCh }

// Registry exposes the handle registry for the facade's synchronous reads.
func (d *Driver) Registry() *Registry { return d.registry }

// Run starts the actor goroutine.
func (d *Driver) Run() {
	go d.loop()
}

// Stop ends the actor and waits for it to exit.
func (d *Driver) Stop() {
	d.cancel()
	<-d.done
}

func (d *Driver) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.inputCh:
			d.handleInput(ev)
		case h := <-d.changeCh:
			d.handleDocChanged(h)
		}
	}
}

// listen attaches a change listener to a newly registered handle: an
// edge-triggered stream that forwards the handle whenever its heads advance
// with a non-empty diff. Runs until the driver stops.
func (d *Driver) listen(handle crdt.DocHandle) {
	before := handle.Doc().Heads()
	go func() {
		for {
			ch := handle.Doc().NextChange()
			after := handle.Doc().Heads()
			if crdt.HashesEqual(before, after) {
				select {
				case <-d.ctx.Done():
					return
				case <-ch:
				}
				continue
			}
			if len(handle.Doc().Diff(before, after)) > 0 {
				select {
				case <-d.ctx.Done():
					return
				case d.changeCh <- handle:
				}
			}
			before = after
		}
	}()
}

func (d *Driver) emit(ev OutputEvent) {
	d.metrics.RecordEvent(ev.Name())
	select {
	case <-d.ctx.Done():
	case d.outputCh <- ev:
	}
}

func (d *Driver) handleDocChanged(handle crdt.DocHandle) {
	if d.state != nil && handle.ID().Equal(d.state.MetadataHandle.ID()) {
		d.state.RefreshBranches()
	}
	d.emit(DocHandleChanged{Handle: handle})
}

// handleInput dispatches one command. Commands arriving before a
// successful initialization are buffered and replayed afterwards; only a
// repeat init is rejected outright. A Shutdown error from the repository
// stops the actor.
func (d *Driver) handleInput(ev InputEvent) {
	if d.ctx.Err() != nil {
		return
	}
	init, isInit := ev.(InitBranchesMetadataDoc)

	if d.state == nil && !isInit {
		d.pending = append(d.pending, ev)
		return
	}
	if d.state != nil && isInit {
		d.logger.Warn("ignoring init, project already initialized")
		d.metrics.RecordCommand(ev.name(), "rejected")
		return
	}

	var err error
	if isInit {
		err = d.handleInit(init)
	} else {
		err = d.dispatch(ev)
	}

	if err != nil {
		d.logger.Error("command failed", zap.String("command", ev.name()), zap.Error(err))
		d.metrics.RecordCommand(ev.name(), "error")
		if errors.Is(err, projerrors.ErrShutdown) {
			d.cancel()
		}
		return
	}
	d.metrics.RecordCommand(ev.name(), "ok")

	if isInit && d.state != nil {
		replay := d.pending
		d.pending = nil
		for _, buffered := range replay {
			d.handleInput(buffered)
		}
	}
}

func (d *Driver) dispatch(ev InputEvent) error {
	switch e := ev.(type) {
	case CheckoutBranch:
		return d.handleCheckout(e)
	case CreateBranch:
		return d.handleCreateBranch(e)
	case MergeBranch:
		return d.handleMergeBranch(e)
	case SaveFile:
		return d.handleSaveFile(e)
	case DeleteNode:
		return d.handleDeleteNode(e)
	case SetStateInt:
		return d.handleSetState(e)
	default:
		d.logger.Warn("unknown input event")
		return nil
	}
}

func (d *Driver) handleInit(ev InitBranchesMetadataDoc) error {
	if ev.DocID == nil {
		main := d.repository.NewDocument()
		if _, err := main.Doc().WithDocMut(func(tx *crdt.Tx) error {
			project.InitProjectDoc(tx)
			return nil
		}); err != nil {
			return err
		}

		meta := d.repository.NewDocument()
		if _, err := meta.Doc().WithDocMut(func(tx *crdt.Tx) error {
			project.InitMetadata(tx, main.ID())
			return nil
		}); err != nil {
			return err
		}

		d.registry.Add(meta)
		d.registry.Add(main)
		d.state = &project.State{
			MetadataHandle:   meta,
			MainHandle:       main,
			CheckedOutHandle: main,
			Branches:         make(map[string]project.Branch),
		}
		d.state.RefreshBranches()
		d.emit(Initialized{
			Branches:   d.branchesCopy(),
			Metadata:   meta,
			Main:       main,
			CheckedOut: main,
		})
		return nil
	}

	meta, err := d.repository.RequestDocument(d.ctx, *ev.DocID)
	if err != nil {
		return err
	}
	var mainID crdt.DocumentID
	var readErr error
	meta.Doc().WithDoc(func(r *crdt.Reader) {
		mainID, readErr = project.ReadMainDocID(r)
	})
	if readErr != nil {
		return readErr
	}

	main, err := d.repository.RequestDocument(d.ctx, mainID)
	if err != nil {
		return err
	}
	if err := d.materializeLinked(main); err != nil {
		return err
	}

	d.registry.Add(meta)
	d.registry.Add(main)
	d.state = &project.State{
		MetadataHandle:   meta,
		MainHandle:       main,
		CheckedOutHandle: main,
		Branches:         make(map[string]project.Branch),
	}
	d.state.RefreshBranches()
	d.emit(Initialized{
		Branches:   d.branchesCopy(),
		Metadata:   meta,
		Main:       main,
		CheckedOut: main,
	})
	return nil
}

// materializeLinked requests every linked document the branch references
// and registers the results, so a branch is never observable with dangling
// asset references. Any failed request fails the whole materialization.
func (d *Driver) materializeLinked(branch crdt.DocHandle) error {
	var malformed error
	var linked []crdt.DocumentID
	branch.Doc().WithDoc(func(r *crdt.Reader) {
		if !project.HasFiles(r) {
			malformed = projerrors.NewMalformedDocumentError("project document has no files map").
				WithMetadata("doc_id", branch.ID().String())
			return
		}
		linked = project.LinkedDocIDs(r)
	})
	if malformed != nil {
		return malformed
	}
	for _, id := range linked {
		h, err := d.repository.RequestDocument(d.ctx, id)
		if err != nil {
			return err
		}
		d.registry.Add(h)
	}
	return nil
}

func (d *Driver) handleCheckout(ev CheckoutBranch) error {
	branch, ok := d.registry.Get(ev.BranchDocID)
	if !ok {
		var err error
		branch, err = d.repository.RequestDocument(d.ctx, ev.BranchDocID)
		if err != nil {
			return err
		}
	}
	if err := d.materializeLinked(branch); err != nil {
		return err
	}
	d.registry.Add(branch)
	d.state.CheckedOutHandle = branch
	d.emit(CheckedOutBranch{Handle: branch})
	return nil
}

func (d *Driver) handleCreateBranch(ev CreateBranch) error {
	branch := d.repository.NewDocumentFrom(d.state.MainHandle)
	d.registry.Add(branch)

	if err := d.state.AddBranch(project.Branch{
		ID:       branch.ID().String(),
		Name:     ev.Name,
		IsMerged: false,
	}); err != nil {
		return err
	}
	d.state.CheckedOutHandle = branch

	d.emit(BranchesUpdated{Branches: d.branchesCopy()})
	d.emit(CheckedOutBranch{Handle: branch})
	return nil
}

func (d *Driver) handleMergeBranch(ev MergeBranch) error {
	id := ev.BranchDocID.String()
	b, ok := d.state.Branches[id]
	if !ok {
		return projerrors.NewRequestFailedError("unknown branch", nil).WithMetadata("branch_id", id)
	}
	branch, ok := d.registry.Get(ev.BranchDocID)
	if !ok {
		var err error
		branch, err = d.repository.RequestDocument(d.ctx, ev.BranchDocID)
		if err != nil {
			return err
		}
		d.registry.Add(branch)
	}

	if err := d.state.MainHandle.Doc().Merge(branch.Doc()); err != nil {
		return err
	}
	d.metrics.RecordMerge()

	b.IsMerged = true
	if err := d.state.AddBranch(b); err != nil {
		return err
	}

	d.emit(BranchesUpdated{Branches: d.branchesCopy()})
	return nil
}

// IsSceneFile reports whether path holds scene text subject to the
// structured projection.
func IsSceneFile(path string) bool {
	return strings.HasSuffix(path, ".tscn")
}

func (d *Driver) handleSaveFile(ev SaveFile) error {
	co := d.state.CheckedOutHandle

	var hasFiles bool
	var upToDate bool
	co.Doc().WithDoc(func(r *crdt.Reader) {
		hasFiles = project.HasFiles(r)
		switch c := ev.Content.(type) {
		case project.TextContent:
			if existing, ok := project.ReadFileText(r, ev.Path); ok && existing == c.Text {
				upToDate = true
			}
		case project.BinaryContent:
			id, ok := project.ReadFileURL(r, ev.Path)
			if !ok {
				return
			}
			linked, ok := d.registry.Get(id)
			if !ok {
				return
			}
			linked.Doc().WithDoc(func(lr *crdt.Reader) {
				if existing, ok := project.ReadBinaryDoc(lr); ok && string(existing) == string(c.Bytes) {
					upToDate = true
				}
			})
		}
	})
	if !hasFiles {
		d.logger.Panic("project document has no files map", zap.String("doc_id", co.ID().String()))
	}
	if upToDate {
		return nil
	}

	var mutate func(tx *crdt.Tx) error
	switch c := ev.Content.(type) {
	case project.TextContent:
		var parsed *scene.PackedScene
		if IsSceneFile(ev.Path) {
			var err error
			parsed, err = scene.Parse(c.Text)
			if err != nil {
				return err
			}
		}
		mutate = func(tx *crdt.Tx) error {
			project.WriteTextFile(tx, ev.Path, c.Text)
			if parsed != nil {
				scene.Reconcile(tx, scene.StructuredBase(ev.Path), parsed)
			}
			return nil
		}
	case project.BinaryContent:
		contentDoc := d.repository.NewDocument()
		if _, err := contentDoc.Doc().WithDocMut(func(tx *crdt.Tx) error {
			project.WriteBinaryDoc(tx, c.Bytes)
			return nil
		}); err != nil {
			return err
		}
		d.registry.Add(contentDoc)
		mutate = func(tx *crdt.Tx) error {
			project.WriteLinkedFile(tx, ev.Path, contentDoc.ID())
			return nil
		}
	default:
		return nil
	}

	var err error
	if ev.Heads != nil {
		_, err = co.Doc().WithDocMutAt(ev.Heads, mutate)
	} else {
		_, err = co.Doc().WithDocMut(mutate)
	}
	return err
}

func (d *Driver) handleDeleteNode(ev DeleteNode) error {
	co := d.state.CheckedOutHandle
	filePath := ev.FilePath
	_, err := co.Doc().WithDocMut(func(tx *crdt.Tx) error {
		base := scene.StructuredBase(filePath)
		deleted := scene.DeleteNode(tx, base, ev.NodePath)
		if len(deleted) == 0 {
			return projerrors.NewRequestFailedError("no such scene node", nil).
				WithMetadata("node_path", ev.NodePath)
		}
		remaining := scene.Hydrate(tx.Reader(), base)
		project.WriteTextFile(tx, filePath, scene.Serialize(remaining))
		return nil
	})
	return err
}

func (d *Driver) handleSetState(ev SetStateInt) error {
	_, err := d.state.CheckedOutHandle.Doc().WithDocMut(func(tx *crdt.Tx) error {
		project.WriteState(tx, ev.Entity, ev.Prop, ev.Value)
		return nil
	})
	return err
}

func (d *Driver) branchesCopy() map[string]project.Branch {
	out := make(map[string]project.Branch, len(d.state.Branches))
	for k, v := range d.state.Branches {
		out[k] = v
	}
	return out
}
