package scene

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchkit/projectd/internal/crdt"
)

const sampleScene = `[gd_scene load_steps=3 format=3 uid="uid://abc123"]

[ext_resource type="Script" path="res://player.gd" id="1_player"]
[ext_resource type="PackedScene" path="res://enemy.tscn" id="2_enemy"]

[node name="Root" type="Node2D"]

[node name="Player" type="CharacterBody2D" parent="."]
position = Vector2(100, 200)
script = ExtResource("1_player")

[node name="Sprite" type="Sprite2D" parent="Player"]
texture = "res://sprite.png"

[node name="Enemy" parent="." instance=ExtResource("2_enemy")]
position = Vector2(300, 400)
`

func TestParse_NodePaths(t *testing.T) {
	parsed, err := Parse(sampleScene)
	require.NoError(t, err)

	assert.Len(t, parsed.Nodes, 4)
	assert.Contains(t, parsed.Nodes, "Root")
	assert.Contains(t, parsed.Nodes, "Player")
	assert.Contains(t, parsed.Nodes, "Player/Sprite")
	assert.Contains(t, parsed.Nodes, "Enemy")
}

func TestParse_AttributesKeepQuotes(t *testing.T) {
	parsed, err := Parse(sampleScene)
	require.NoError(t, err)

	root := parsed.Nodes["Root"]
	assert.Equal(t, `"Root"`, root.Attributes["name"])
	assert.Equal(t, `"Node2D"`, root.Attributes["type"])
}

func TestParse_ExtResourceSubstitution(t *testing.T) {
	parsed, err := Parse(sampleScene)
	require.NoError(t, err)

	// Property references resolve to the resource's unquoted path.
	player := parsed.Nodes["Player"]
	assert.Equal(t, "res://player.gd", player.Properties["script"])

	// The instance attribute resolves the same way.
	enemy := parsed.Nodes["Enemy"]
	assert.Equal(t, "res://enemy.tscn", enemy.Attributes["instance"])
}

func TestParse_ExternalResources(t *testing.T) {
	parsed, err := Parse(sampleScene)
	require.NoError(t, err)

	require.Len(t, parsed.ExternalResources, 2)
	res, ok := parsed.ExternalResources["1_player"]
	require.True(t, ok)
	assert.Equal(t, `"res://player.gd"`, res.Attributes["path"])
}

func TestParse_MalformedSectionHeader(t *testing.T) {
	_, err := Parse("[node name=\"X\"\nbroken")
	assert.Error(t, err)
}

func TestParse_MultiLineValue(t *testing.T) {
	text := "[node name=\"A\"]\npoints = [Vector2(0, 0),\nVector2(1, 1)]\n"
	parsed, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, "[Vector2(0, 0),\nVector2(1, 1)]", parsed.Nodes["A"].Properties["points"])
}

func TestSerialize_Reparses(t *testing.T) {
	parsed, err := Parse(sampleScene)
	require.NoError(t, err)

	again, err := Parse(Serialize(parsed))
	require.NoError(t, err)

	require.Len(t, again.Nodes, len(parsed.Nodes))
	for path, node := range parsed.Nodes {
		got, ok := again.Nodes[path]
		require.True(t, ok, "node %s lost in round trip", path)
		assert.Equal(t, node.Attributes, got.Attributes, "attributes of %s", path)
		assert.Equal(t, node.Properties, got.Properties, "properties of %s", path)
	}
}

func TestReconcileHydrate_RoundTrip(t *testing.T) {
	parsed, err := Parse(sampleScene)
	require.NoError(t, err)

	doc := crdt.NewDoc("test")
	base := StructuredBase("main.tscn")
	_, err = doc.WithDocMut(func(tx *crdt.Tx) error {
		Reconcile(tx, base, parsed)
		return nil
	})
	require.NoError(t, err)

	var hydrated *PackedScene
	doc.WithDoc(func(r *crdt.Reader) {
		hydrated = Hydrate(r, base)
	})

	require.Len(t, hydrated.Nodes, len(parsed.Nodes))
	for path, node := range parsed.Nodes {
		got, ok := hydrated.Nodes[path]
		require.True(t, ok)
		assert.Equal(t, node.Attributes, got.Attributes)
		assert.Equal(t, node.Properties, got.Properties)
	}
	require.Len(t, hydrated.ExternalResources, len(parsed.ExternalResources))
}

func TestReconcile_SecondPassIsNoOp(t *testing.T) {
	parsed, err := Parse(sampleScene)
	require.NoError(t, err)

	doc := crdt.NewDoc("test")
	base := StructuredBase("main.tscn")
	_, err = doc.WithDocMut(func(tx *crdt.Tx) error {
		Reconcile(tx, base, parsed)
		return nil
	})
	require.NoError(t, err)

	change, err := doc.WithDocMut(func(tx *crdt.Tx) error {
		Reconcile(tx, base, parsed)
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, change, "reconciling an identical scene wrote ops")
}

func TestReconcile_DoesNotDeleteMissingKeys(t *testing.T) {
	doc := crdt.NewDoc("test")
	base := StructuredBase("main.tscn")

	full, err := Parse("[node name=\"A\"]\nx = 1\ny = 2\n")
	require.NoError(t, err)
	_, err = doc.WithDocMut(func(tx *crdt.Tx) error {
		Reconcile(tx, base, full)
		return nil
	})
	require.NoError(t, err)

	partial, err := Parse("[node name=\"A\"]\nx = 9\n")
	require.NoError(t, err)
	_, err = doc.WithDocMut(func(tx *crdt.Tx) error {
		Reconcile(tx, base, partial)
		return nil
	})
	require.NoError(t, err)

	doc.WithDoc(func(r *crdt.Reader) {
		hydrated := Hydrate(r, base)
		node := hydrated.Nodes["A"]
		assert.Equal(t, "9", node.Properties["x"])
		assert.Equal(t, "2", node.Properties["y"], "missing key was deleted by reconcile")
	})
}

func TestDeleteNode_RemovesDescendants(t *testing.T) {
	parsed, err := Parse(sampleScene)
	require.NoError(t, err)

	doc := crdt.NewDoc("test")
	base := StructuredBase("main.tscn")
	_, err = doc.WithDocMut(func(tx *crdt.Tx) error {
		Reconcile(tx, base, parsed)
		return nil
	})
	require.NoError(t, err)

	_, err = doc.WithDocMut(func(tx *crdt.Tx) error {
		deleted := DeleteNode(tx, base, "Player")
		assert.ElementsMatch(t, []string{"Player", "Player/Sprite"}, deleted)
		return nil
	})
	require.NoError(t, err)

	doc.WithDoc(func(r *crdt.Reader) {
		hydrated := Hydrate(r, base)
		assert.NotContains(t, hydrated.Nodes, "Player")
		assert.NotContains(t, hydrated.Nodes, "Player/Sprite")
		assert.Contains(t, hydrated.Nodes, "Root")
		assert.Contains(t, hydrated.Nodes, "Enemy")
	})
}

func TestInterpretOps_PropertyAndAttributeChanges(t *testing.T) {
	parsed, err := Parse(sampleScene)
	require.NoError(t, err)

	doc := crdt.NewDoc("test")
	base := StructuredBase("main.tscn")
	_, err = doc.WithDocMut(func(tx *crdt.Tx) error {
		Reconcile(tx, base, parsed)
		return nil
	})
	require.NoError(t, err)
	before := doc.Heads()

	_, err = doc.WithDocMut(func(tx *crdt.Tx) error {
		tx.SetString([]string{"files", "main.tscn", StructuredKey, "nodes", "Player", "properties"}, "position", "Vector2(5, 5)")
		return nil
	})
	require.NoError(t, err)

	ops := doc.Diff(before, doc.Heads())
	var events []FileEvent
	doc.WithDoc(func(r *crdt.Reader) {
		events = InterpretOps(r, ops)
	})

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "property_changed", ev.Type)
	assert.Equal(t, "main.tscn", ev.FilePath)
	assert.Equal(t, "Player", ev.NodePath)
	assert.Equal(t, "position", ev.Key)
	assert.Equal(t, "Vector2(5, 5)", ev.Value)
	assert.Equal(t, "CharacterBody2D", ev.InstanceType)

	before = doc.Heads()
	_, err = doc.WithDocMut(func(tx *crdt.Tx) error {
		tx.SetString([]string{"files", "main.tscn", StructuredKey, "nodes", "Player", "attributes"}, "visible", "false")
		return nil
	})
	require.NoError(t, err)

	ops = doc.Diff(before, doc.Heads())
	doc.WithDoc(func(r *crdt.Reader) {
		events = InterpretOps(r, ops)
	})

	require.Len(t, events, 1)
	assert.Equal(t, "attribute_changed", events[0].Type)
	assert.Equal(t, "Player", events[0].NodePath)
	assert.Equal(t, "visible", events[0].Key)
	assert.Equal(t, "false", events[0].Value)
}

func TestInterpretOps_NodeDeleted(t *testing.T) {
	parsed, err := Parse(sampleScene)
	require.NoError(t, err)

	doc := crdt.NewDoc("test")
	base := StructuredBase("main.tscn")
	_, err = doc.WithDocMut(func(tx *crdt.Tx) error {
		Reconcile(tx, base, parsed)
		return nil
	})
	require.NoError(t, err)
	before := doc.Heads()

	_, err = doc.WithDocMut(func(tx *crdt.Tx) error {
		DeleteNode(tx, base, "Enemy")
		return nil
	})
	require.NoError(t, err)

	ops := doc.Diff(before, doc.Heads())
	var events []FileEvent
	doc.WithDoc(func(r *crdt.Reader) {
		events = InterpretOps(r, ops)
	})

	require.Len(t, events, 1)
	assert.Equal(t, "node_deleted", events[0].Type)
	assert.Equal(t, "Enemy", events[0].NodePath)
}

func TestInterpretOps_InstancePathPreferred(t *testing.T) {
	parsed, err := Parse(sampleScene)
	require.NoError(t, err)

	doc := crdt.NewDoc("test")
	base := StructuredBase("main.tscn")
	_, err = doc.WithDocMut(func(tx *crdt.Tx) error {
		Reconcile(tx, base, parsed)
		return nil
	})
	require.NoError(t, err)
	before := doc.Heads()

	_, err = doc.WithDocMut(func(tx *crdt.Tx) error {
		tx.SetString([]string{"files", "main.tscn", StructuredKey, "nodes", "Enemy", "properties"}, "position", "Vector2(1, 1)")
		return nil
	})
	require.NoError(t, err)

	ops := doc.Diff(before, doc.Heads())
	var events []FileEvent
	doc.WithDoc(func(r *crdt.Reader) {
		events = InterpretOps(r, ops)
	})

	require.Len(t, events, 1)
	assert.Equal(t, "res://enemy.tscn", events[0].InstancePath)
	assert.Empty(t, events[0].InstanceType)
}
