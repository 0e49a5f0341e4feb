package scene

import (
	"strings"

	"github.com/patchkit/projectd/internal/crdt"
)

// The structured projection of a scene file lives next to its text under
// the file entry: files[path].structured.{nodes,ext_resources}.
const (
	StructuredKey   = "structured"
	nodesKey        = "nodes"
	extResourcesKey = "ext_resources"
)

// StructuredBase returns the CRDT path of the structured projection for a
// file entry.
func StructuredBase(filePath string) []string {
	return []string{"files", filePath, StructuredKey}
}

func reconcileSection(tx *crdt.Tx, base []string, key string, node *SceneNode) {
	r := tx.Reader()
	attrPath := append(append([]string{}, base...), key, "attributes")
	for k, v := range node.Attributes {
		if existing, ok := r.GetString(attrPath, k); !ok || existing != v {
			tx.SetString(attrPath, k, v)
		}
	}
	propPath := append(append([]string{}, base...), key, "properties")
	for k, v := range node.Properties {
		if existing, ok := r.GetString(propPath, k); !ok || existing != v {
			tx.SetString(propPath, k, v)
		}
	}
}

// Reconcile writes the scene into the CRDT under base: every attribute and
// property is inserted or overwritten where it differs. Keys present in the
// CRDT but absent from the scene are left alone; deletion is an explicit
// command, never inferred from a save.
func Reconcile(tx *crdt.Tx, base []string, scene *PackedScene) {
	nodesBase := append(append([]string{}, base...), nodesKey)
	for path, node := range scene.Nodes {
		reconcileSection(tx, nodesBase, path, node)
	}
	resBase := append(append([]string{}, base...), extResourcesKey)
	for id, res := range scene.ExternalResources {
		reconcileSection(tx, resBase, id, res)
	}
}

func hydrateSection(r *crdt.Reader, base []string, key string) *SceneNode {
	node := newSceneNode()
	attrPath := append(append([]string{}, base...), key, "attributes")
	for _, k := range r.Keys(attrPath) {
		if v, ok := r.GetString(attrPath, k); ok {
			node.Attributes[k] = v
		}
	}
	propPath := append(append([]string{}, base...), key, "properties")
	for _, k := range r.Keys(propPath) {
		if v, ok := r.GetString(propPath, k); ok {
			node.Properties[k] = v
		}
	}
	return node
}

// Hydrate reads the structured projection under base back into a
// PackedScene.
func Hydrate(r *crdt.Reader, base []string) *PackedScene {
	scene := NewPackedScene()
	nodesBase := append(append([]string{}, base...), nodesKey)
	for _, path := range r.Keys(nodesBase) {
		scene.Nodes[path] = hydrateSection(r, nodesBase, path)
	}
	resBase := append(append([]string{}, base...), extResourcesKey)
	for _, id := range r.Keys(resBase) {
		scene.ExternalResources[id] = hydrateSection(r, resBase, id)
	}
	return scene
}

// DeleteNode tombstones nodes[nodePath] and every descendant path under
// base, returning the deleted paths.
func DeleteNode(tx *crdt.Tx, base []string, nodePath string) []string {
	nodesBase := append(append([]string{}, base...), nodesKey)
	var deleted []string
	for _, p := range tx.Reader().Keys(nodesBase) {
		if p == nodePath || strings.HasPrefix(p, nodePath+"/") {
			tx.Delete(nodesBase, p)
			deleted = append(deleted, p)
		}
	}
	return deleted
}

// FileEvent is one scene-granular change surfaced to the host callback.
type FileEvent struct {
	FilePath     string
	NodePath     string
	Type         string // "property_changed" | "attribute_changed" | "node_deleted"
	Key          string
	Value        string
	InstancePath string
	InstanceType string
}

// InterpretOps translates CRDT ops on a branch document into scene-level
// host events. Ops outside any structured projection yield nothing.
func InterpretOps(r *crdt.Reader, ops []crdt.Op) []FileEvent {
	var events []FileEvent
	for _, op := range ops {
		p := op.Path
		// files/<file>/structured/nodes/<node>/(attributes|properties)
		if len(p) == 6 && p[0] == "files" && p[2] == StructuredKey && p[3] == nodesKey &&
			(p[5] == "attributes" || p[5] == "properties") && op.Kind == "set_string" {
			ev := FileEvent{
				FilePath: p[1],
				NodePath: p[4],
				Key:      op.Key,
			}
			if p[5] == "attributes" {
				ev.Type = "attribute_changed"
			} else {
				ev.Type = "property_changed"
			}
			if v, ok := op.Value.(string); ok {
				ev.Value = v
			}
			attrPath := []string{"files", p[1], StructuredKey, nodesKey, p[4], "attributes"}
			if inst, ok := r.GetString(attrPath, "instance"); ok {
				ev.InstancePath = Unquote(inst)
			} else if typ, ok := r.GetString(attrPath, "type"); ok {
				ev.InstanceType = Unquote(typ)
			}
			events = append(events, ev)
			continue
		}
		// files/<file>/structured/nodes, delete <node>
		if len(p) == 4 && p[0] == "files" && p[2] == StructuredKey && p[3] == nodesKey &&
			op.Kind == "delete" {
			events = append(events, FileEvent{
				FilePath: p[1],
				NodePath: op.Key,
				Type:     "node_deleted",
			})
		}
	}
	return events
}
