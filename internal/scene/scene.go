// Package scene parses and serializes the sectioned scene text format and
// projects parsed scenes into the CRDT so concurrent edits merge at
// per-attribute granularity.
package scene

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/patchkit/projectd/internal/projerrors"
)

// SceneNode is one section of the scene text: header attributes plus body
// properties. Values are kept raw, quotes included, so serialization is
// bit-exact.
type SceneNode struct {
	Attributes map[string]string
	Properties map[string]string
}

func newSceneNode() *SceneNode {
	return &SceneNode{
		Attributes: make(map[string]string),
		Properties: make(map[string]string),
	}
}

// PackedScene is the parsed projection of one scene file: nodes keyed by
// their computed path and external resources keyed by id.
type PackedScene struct {
	Nodes             map[string]*SceneNode
	ExternalResources map[string]*SceneNode
}

// NewPackedScene returns an empty scene.
func NewPackedScene() *PackedScene {
	return &PackedScene{
		Nodes:             make(map[string]*SceneNode),
		ExternalResources: make(map[string]*SceneNode),
	}
}

var (
	sectionRe = regexp.MustCompile(`^\[(\w+)(?:\s+(.*?))?\s*\]$`)
	attrRe    = regexp.MustCompile(`(\w+)=("(?:[^"\\]|\\.)*"|\S+)`)
	propRe    = regexp.MustCompile(`^(\S+)\s*=\s*(.*)$`)
	extResRe  = regexp.MustCompile(`^ExtResource\("(.*)"\)$`)
)

// Unquote strips one pair of surrounding double quotes, if present.
func Unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}

// externalResourceToPath resolves an ExtResource("<id>") reference against
// the resources parsed so far, returning the resource's unquoted path.
func externalResourceToPath(value string, scene *PackedScene) (string, bool) {
	m := extResRe.FindStringSubmatch(value)
	if m == nil {
		return "", false
	}
	res, ok := scene.ExternalResources[m[1]]
	if !ok {
		return "", false
	}
	path, ok := res.Attributes["path"]
	if !ok {
		return "", false
	}
	return Unquote(path), true
}

// nodePath computes where a node lives in the tree: its unquoted name,
// prefixed by its parent's path when the parent resolves in the scene. The
// "." or missing parent denotes a root-level node.
func nodePath(scene *PackedScene, node *SceneNode) (string, bool) {
	rawName, ok := node.Attributes["name"]
	if !ok {
		return "", false
	}
	name := Unquote(rawName)
	rawParent, ok := node.Attributes["parent"]
	if !ok {
		return name, true
	}
	parent := Unquote(rawParent)
	if parent == "." || parent == "" {
		return name, true
	}
	if _, ok := scene.Nodes[parent]; ok {
		return parent + "/" + name, true
	}
	return name, true
}

// Parse reads scene text into a PackedScene. Sections other than node and
// ext_resource (gd_scene, sub_resource, connections) are scanned past; a
// line that opens a section but does not match the grammar fails the whole
// parse.
func Parse(text string) (*PackedScene, error) {
	scene := NewPackedScene()

	var current *SceneNode
	var currentSection string
	var lastPropKey string

	flush := func() {
		if current == nil {
			return
		}
		switch currentSection {
		case "node":
			for k, raw := range current.Attributes {
				if path, ok := externalResourceToPath(raw, scene); ok {
					current.Attributes[k] = path
				}
			}
			if path, ok := nodePath(scene, current); ok {
				scene.Nodes[path] = current
			}
		case "ext_resource":
			if rawID, ok := current.Attributes["id"]; ok {
				scene.ExternalResources[Unquote(rawID)] = current
			}
		}
		current = nil
		lastPropKey = ""
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, "[") {
			m := sectionRe.FindStringSubmatch(trimmed)
			if m == nil {
				return nil, projerrors.NewParseError("malformed section header: "+trimmed, nil)
			}
			flush()
			currentSection = m[1]
			current = newSceneNode()
			for _, attr := range attrRe.FindAllStringSubmatch(m[2], -1) {
				current.Attributes[attr[1]] = attr[2]
			}
			continue
		}

		if current == nil {
			continue
		}
		if m := propRe.FindStringSubmatch(trimmed); m != nil {
			value := m[2]
			if currentSection == "node" {
				if path, ok := externalResourceToPath(value, scene); ok {
					value = path
				}
			}
			current.Properties[m[1]] = value
			lastPropKey = m[1]
			continue
		}
		// Continuation of a multi-line value (arrays, dictionaries).
		if lastPropKey != "" {
			current.Properties[lastPropKey] += "\n" + trimmed
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, projerrors.NewParseError("scan scene text", err)
	}
	flush()

	return scene, nil
}
