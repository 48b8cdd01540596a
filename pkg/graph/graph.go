// Package graph reads and writes the node table of a serialized TensorFlow
// GraphDef without depending on the TensorFlow runtime.
//
// Only the fields needed to address tensors are decoded: node name, op type,
// inputs and device, plus the producer versions. Attributes and the function
// library are skipped on read and never written.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// GraphDef field numbers (tensorflow/core/framework/graph.proto).
const (
	fieldGraphNode     protowire.Number = 1
	fieldGraphVersions protowire.Number = 4

	fieldNodeName   protowire.Number = 1
	fieldNodeOp     protowire.Number = 2
	fieldNodeInput  protowire.Number = 3
	fieldNodeDevice protowire.Number = 4

	fieldVersionProducer    protowire.Number = 1
	fieldVersionMinConsumer protowire.Number = 2
)

var ErrMalformed = errors.New("malformed graph def")

// Node is one operation in the graph.
type Node struct {
	Name   string
	Op     string
	Inputs []string
	Device string
}

// Def is the decoded node table of a GraphDef.
type Def struct {
	Nodes       []*Node
	Producer    int32
	MinConsumer int32

	index map[string]*Node
}

// Parse decodes a binary GraphDef.
func Parse(data []byte) (*Def, error) {
	def := &Def{index: make(map[string]*Node)}
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldGraphNode && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: node %d: %v", ErrMalformed, len(def.Nodes), protowire.ParseError(m))
			}
			node, err := parseNode(v)
			if err != nil {
				return nil, fmt.Errorf("%w: node %d: %v", ErrMalformed, len(def.Nodes), err)
			}
			if _, dup := def.index[node.Name]; dup {
				return nil, fmt.Errorf("%w: duplicate node %q", ErrMalformed, node.Name)
			}
			def.index[node.Name] = node
			def.Nodes = append(def.Nodes, node)
			b = b[m:]

		case num == fieldGraphVersions && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: versions: %v", ErrMalformed, protowire.ParseError(m))
			}
			if err := def.parseVersions(v); err != nil {
				return nil, fmt.Errorf("%w: versions: %v", ErrMalformed, err)
			}
			b = b[m:]

		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return def, nil
}

func parseNode(b []byte) (*Node, error) {
	node := &Node{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if typ == protowire.BytesType && num >= fieldNodeName && num <= fieldNodeDevice {
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			switch num {
			case fieldNodeName:
				node.Name = string(v)
			case fieldNodeOp:
				node.Op = string(v)
			case fieldNodeInput:
				node.Inputs = append(node.Inputs, string(v))
			case fieldNodeDevice:
				node.Device = string(v)
			}
			b = b[m:]
			continue
		}

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return nil, protowire.ParseError(m)
		}
		b = b[m:]
	}
	if node.Name == "" {
		return nil, errors.New("node without a name")
	}
	return node, nil
}

func (d *Def) parseVersions(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ == protowire.VarintType && (num == fieldVersionProducer || num == fieldVersionMinConsumer) {
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if num == fieldVersionProducer {
				d.Producer = int32(v)
			} else {
				d.MinConsumer = int32(v)
			}
			b = b[m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

// Marshal encodes the node table and versions as a binary GraphDef.
func Marshal(def *Def) []byte {
	var b []byte
	for _, node := range def.Nodes {
		b = protowire.AppendTag(b, fieldGraphNode, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalNode(node))
	}
	if def.Producer != 0 || def.MinConsumer != 0 {
		var v []byte
		if def.Producer != 0 {
			v = protowire.AppendTag(v, fieldVersionProducer, protowire.VarintType)
			v = protowire.AppendVarint(v, uint64(def.Producer))
		}
		if def.MinConsumer != 0 {
			v = protowire.AppendTag(v, fieldVersionMinConsumer, protowire.VarintType)
			v = protowire.AppendVarint(v, uint64(def.MinConsumer))
		}
		b = protowire.AppendTag(b, fieldGraphVersions, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	}
	return b
}

func marshalNode(node *Node) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldNodeName, protowire.BytesType)
	b = protowire.AppendString(b, node.Name)
	if node.Op != "" {
		b = protowire.AppendTag(b, fieldNodeOp, protowire.BytesType)
		b = protowire.AppendString(b, node.Op)
	}
	for _, in := range node.Inputs {
		b = protowire.AppendTag(b, fieldNodeInput, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	if node.Device != "" {
		b = protowire.AppendTag(b, fieldNodeDevice, protowire.BytesType)
		b = protowire.AppendString(b, node.Device)
	}
	return b
}

// Node returns the node with the given name, or nil.
func (d *Def) Node(name string) *Node {
	if d.index == nil {
		d.index = make(map[string]*Node, len(d.Nodes))
		for _, n := range d.Nodes {
			d.index[n.Name] = n
		}
	}
	return d.index[name]
}

// Resolve finds the node producing the named tensor ("op:index").
func (d *Def) Resolve(tensor string) (*Node, int, error) {
	op, index, err := ParseTensorName(tensor)
	if err != nil {
		return nil, 0, err
	}
	node := d.Node(op)
	if node == nil {
		return nil, 0, fmt.Errorf("no node named %q in graph", op)
	}
	return node, index, nil
}

// OpCounts returns "op=count" pairs sorted by op type.
func (d *Def) OpCounts() []string {
	counts := make(map[string]int)
	for _, n := range d.Nodes {
		counts[n.Op]++
	}
	out := make([]string, 0, len(counts))
	for op, c := range counts {
		out = append(out, op+"="+strconv.Itoa(c))
	}
	sort.Strings(out)
	return out
}

// ParseTensorName splits "scope/op:1" into its op name and output index.
// A bare op name addresses output 0. Control inputs ("^op") are not tensors.
func ParseTensorName(name string) (string, int, error) {
	if name == "" {
		return "", 0, errors.New("empty tensor name")
	}
	if strings.HasPrefix(name, "^") {
		return "", 0, fmt.Errorf("%q is a control input, not a tensor", name)
	}
	i := strings.LastIndexByte(name, ':')
	if i < 0 {
		return name, 0, nil
	}
	op, idx := name[:i], name[i+1:]
	if op == "" {
		return "", 0, fmt.Errorf("tensor name %q has no op", name)
	}
	index, err := strconv.Atoi(idx)
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("tensor name %q has invalid output index %q", name, idx)
	}
	return op, index, nil
}
