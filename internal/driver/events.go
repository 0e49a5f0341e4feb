package driver

import (
	"github.com/patchkit/projectd/internal/crdt"
	"github.com/patchkit/projectd/internal/project"
)

// InputEvent is one host command sent into the driver's input channel.
type InputEvent interface {
	isInput()
	name() string
}

// InitBranchesMetadataDoc initializes the project graph: from scratch when
// DocID is nil, from a shared metadata document otherwise.
type InitBranchesMetadataDoc struct {
	DocID *crdt.DocumentID
}

// CheckoutBranch switches the checked-out branch once the branch document
// and all its linked documents are materialized.
type CheckoutBranch struct {
	BranchDocID crdt.DocumentID
}

// CreateBranch forks main into a new branch document.
type CreateBranch struct {
	Name string
}

// MergeBranch merges a branch document into main and latches its is_merged
// flag.
type MergeBranch struct {
	BranchDocID crdt.DocumentID
}

// SaveFile writes a file on the checked-out branch. Heads, when non-nil,
// anchors the change at that historical version.
type SaveFile struct {
	Path    string
	Heads   []crdt.ChangeHash
	Content project.Content
}

// DeleteNode removes a scene node (and its descendants) from the checked-out
// branch's scene projection and re-serializes the scene text.
type DeleteNode struct {
	FilePath string
	NodePath string
}

// SetStateInt writes one runtime-state scalar on the checked-out branch.
type SetStateInt struct {
	Entity string
	Prop   string
	Value  int64
}

func (InitBranchesMetadataDoc) isInput() {}
func (CheckoutBranch) isInput()          {}
func (CreateBranch) isInput()            {}
func (MergeBranch) isInput()             {}
func (SaveFile) isInput()                {}
func (DeleteNode) isInput()              {}
func (SetStateInt) isInput()             {}

func (InitBranchesMetadataDoc) name() string { return "init" }
func (CheckoutBranch) name() string          { return "checkout_branch" }
func (CreateBranch) name() string            { return "create_branch" }
func (MergeBranch) name() string             { return "merge_branch" }
func (SaveFile) name() string                { return "save_file" }
func (DeleteNode) name() string              { return "delete_node" }
func (SetStateInt) name() string             { return "set_state_int" }

// OutputEvent is one driver state transition surfaced to the facade.
// Events are totally ordered per driver.
type OutputEvent interface {
	isOutput()
	Name() string
}

// Initialized reports a completed initialization with the project's
// handles and branch set.
type Initialized struct {
	Branches   map[string]project.Branch
	Metadata   crdt.DocHandle
	Main       crdt.DocHandle
	CheckedOut crdt.DocHandle
}

// DocHandleChanged reports that a tracked document's heads advanced with a
// non-empty diff.
type DocHandleChanged struct {
	Handle crdt.DocHandle
}

// BranchesUpdated reports a change to the branch set.
type BranchesUpdated struct {
	Branches map[string]project.Branch
}

// CheckedOutBranch reports that the checked-out branch switched; its handle
// and every linked document are materialized at emission time.
type CheckedOutBranch struct {
	Handle crdt.DocHandle
}

func (Initialized) isOutput()      {}
func (DocHandleChanged) isOutput() {}
func (BranchesUpdated) isOutput()  {}
func (CheckedOutBranch) isOutput() {}

func (Initialized) Name() string      { return "initialized" }
func (DocHandleChanged) Name() string { return "doc_handle_changed" }
func (BranchesUpdated) Name() string  { return "branches_updated" }
func (CheckedOutBranch) Name() string { return "checked_out_branch" }
