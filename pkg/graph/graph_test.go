package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func linearModel() *Def {
	return &Def{
		Producer:    27,
		MinConsumer: 12,
		Nodes: []*Node{
			{Name: "inputs/x-input", Op: "Placeholder"},
			{Name: "model/W", Op: "VariableV2", Device: "/device:CPU:0"},
			{Name: "model/b", Op: "VariableV2"},
			{Name: "inference/MatMul", Op: "MatMul", Inputs: []string{"inputs/x-input", "model/W/read"}},
			{Name: "inference/inference", Op: "Add", Inputs: []string{"inference/MatMul:0", "model/b/read", "^init"}},
		},
	}
}

func TestParseReadsNodeTable(t *testing.T) {
	def, err := Parse(Marshal(linearModel()))
	require.NoError(t, err)

	require.Len(t, def.Nodes, 5)
	assert.Equal(t, int32(27), def.Producer)
	assert.Equal(t, int32(12), def.MinConsumer)

	w := def.Node("model/W")
	require.NotNil(t, w)
	assert.Equal(t, "VariableV2", w.Op)
	assert.Equal(t, "/device:CPU:0", w.Device)

	out := def.Node("inference/inference")
	require.NotNil(t, out)
	assert.Equal(t, []string{"inference/MatMul:0", "model/b/read", "^init"}, out.Inputs)
	assert.Equal(t, []string{"Add=1", "MatMul=1", "Placeholder=1", "VariableV2=2"}, def.OpCounts())
}

func TestParseSkipsUnknownFields(t *testing.T) {
	data := Marshal(linearModel())
	// library (field 2) and a node attr (field 5) must be skipped.
	data = protowire.AppendTag(data, 2, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte{0x0a, 0x00})

	node := protowire.AppendTag(nil, fieldNodeName, protowire.BytesType)
	node = protowire.AppendString(node, "with_attr")
	node = protowire.AppendTag(node, 5, protowire.BytesType)
	node = protowire.AppendBytes(node, []byte("opaque"))
	data = protowire.AppendTag(data, fieldGraphNode, protowire.BytesType)
	data = protowire.AppendBytes(data, node)

	def, err := Parse(data)
	require.NoError(t, err)
	assert.Len(t, def.Nodes, 6)
	assert.NotNil(t, def.Node("with_attr"))
}

func TestParseEmptyGraph(t *testing.T) {
	def, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, def.Nodes)
	assert.Nil(t, def.Node("anything"))
}

func TestParseRejectsMalformed(t *testing.T) {
	dup := Marshal(&Def{Nodes: []*Node{{Name: "a", Op: "Const"}, {Name: "a", Op: "Const"}}})

	unnamed := protowire.AppendTag(nil, fieldGraphNode, protowire.BytesType)
	unnamed = protowire.AppendBytes(unnamed, protowire.AppendString(protowire.AppendTag(nil, fieldNodeOp, protowire.BytesType), "Const"))

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated length", []byte{0x0a, 0xff}},
		{"truncated node", []byte{0x0a, 0x05, 0x0a}},
		{"duplicate node", dup},
		{"unnamed node", unnamed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestResolve(t *testing.T) {
	def := linearModel()

	node, index, err := def.Resolve("model/W:0")
	require.NoError(t, err)
	assert.Equal(t, "model/W", node.Name)
	assert.Equal(t, 0, index)

	node, index, err = def.Resolve("inference/inference:1")
	require.NoError(t, err)
	assert.Equal(t, "inference/inference", node.Name)
	assert.Equal(t, 1, index)

	_, _, err = def.Resolve("model/missing:0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model/missing")
}

func TestParseTensorName(t *testing.T) {
	op, index, err := ParseTensorName("inputs/x-input:0")
	require.NoError(t, err)
	assert.Equal(t, "inputs/x-input", op)
	assert.Equal(t, 0, index)

	op, index, err = ParseTensorName("split:2")
	require.NoError(t, err)
	assert.Equal(t, "split", op)
	assert.Equal(t, 2, index)

	op, index, err = ParseTensorName("model/b")
	require.NoError(t, err)
	assert.Equal(t, "model/b", op)
	assert.Equal(t, 0, index)

	for _, bad := range []string{"", "^init", ":0", "op:x", "op:-1"} {
		_, _, err := ParseTensorName(bad)
		assert.Error(t, err, bad)
	}
}
