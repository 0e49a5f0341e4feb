package scene

import (
	"sort"
	"strings"
)

// headerAttrOrder fixes the leading attribute positions so serialized
// headers read the way hand-written scene files do; remaining attributes
// follow sorted.
var headerAttrOrder = []string{"id", "name", "type", "path", "parent", "instance"}

func orderedAttrKeys(attrs map[string]string) []string {
	used := make(map[string]bool, len(attrs))
	var keys []string
	for _, k := range headerAttrOrder {
		if _, ok := attrs[k]; ok {
			keys = append(keys, k)
			used[k] = true
		}
	}
	var rest []string
	for k := range attrs {
		if !used[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func writeSection(b *strings.Builder, section string, node *SceneNode) {
	b.WriteString("[")
	b.WriteString(section)
	for _, k := range orderedAttrKeys(node.Attributes) {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(node.Attributes[k])
	}
	b.WriteString("]\n")

	propKeys := make([]string, 0, len(node.Properties))
	for k := range node.Properties {
		propKeys = append(propKeys, k)
	}
	sort.Strings(propKeys)
	for _, k := range propKeys {
		b.WriteString(k)
		b.WriteString(" = ")
		b.WriteString(node.Properties[k])
		b.WriteString("\n")
	}
}

// Serialize renders the scene back to text: ext_resource sections by id,
// then node sections in lexicographic path order, which places every parent
// (a strict path prefix) before its children so the result re-parses to the
// same node paths.
func Serialize(scene *PackedScene) string {
	var b strings.Builder

	resIDs := make([]string, 0, len(scene.ExternalResources))
	for id := range scene.ExternalResources {
		resIDs = append(resIDs, id)
	}
	sort.Strings(resIDs)
	for i, id := range resIDs {
		if i > 0 {
			b.WriteString("\n")
		}
		writeSection(&b, "ext_resource", scene.ExternalResources[id])
	}

	paths := make([]string, 0, len(scene.Nodes))
	for p := range scene.Nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for i, p := range paths {
		if i > 0 || len(resIDs) > 0 {
			b.WriteString("\n")
		}
		writeSection(&b, "node", scene.Nodes[p])
	}

	return b.String()
}
