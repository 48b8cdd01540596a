//go:build tensorflow

package executor

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	tf "github.com/wamuir/graft/tensorflow"

	"github.com/kunal/graph-predictor/pkg/graph"
)

// refTypeOffset is the distance between a dtype and its reference variant
// (DT_FLOAT_REF = DT_FLOAT + 100), as produced by VariableV2 outputs.
const refTypeOffset = 100

// TensorFlow runs graphs through libtensorflow.
// Build with: go build -tags tensorflow
type TensorFlow struct{}

func NewTensorFlow() *TensorFlow {
	return &TensorFlow{}
}

func (b *TensorFlow) Name() string {
	return "tensorflow-" + tf.Version()
}

func (b *TensorFlow) Import(def []byte) (Graph, error) {
	g := tf.NewGraph()
	if err := g.Import(def, ""); err != nil {
		return nil, fmt.Errorf("import graph def: %w", err)
	}
	return &tfGraph{g: g}, nil
}

// CheckpointDigest hashes the checkpoint's .index file, which records the
// checksum of every stored tensor. A missing index yields a nil digest and
// leaves the restore to report the problem.
func (b *TensorFlow) CheckpointDigest(prefix string) ([]byte, error) {
	data, err := os.ReadFile(prefix + ".index")
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

type tfGraph struct {
	g *tf.Graph
}

func (g *tfGraph) Output(name string) (Output, error) {
	opName, index, err := graph.ParseTensorName(name)
	if err != nil {
		return nil, err
	}
	op := g.g.Operation(opName)
	if op == nil {
		return nil, fmt.Errorf("operation %q not found", opName)
	}
	if index >= op.NumOutputs() {
		return nil, fmt.Errorf("operation %q has %d outputs, %q requested", opName, op.NumOutputs(), name)
	}
	return &tfOutput{name: name, out: op.Output(index)}, nil
}

func (g *tfGraph) NewSession() (Session, error) {
	s, err := tf.NewSession(g.g, nil)
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return &tfSession{graph: g.g, s: s}, nil
}

type tfOutput struct {
	name string
	out  tf.Output
}

func (o *tfOutput) Name() string { return o.name }

func (o *tfOutput) Shape() []int64 {
	shape := o.out.Shape()
	rank := shape.NumDimensions()
	if rank < 0 {
		return nil
	}
	dims := make([]int64, rank)
	for i := range dims {
		dims[i] = shape.Size(i)
	}
	return dims
}

type tfSession struct {
	mu       sync.Mutex // guards graph mutation in Restore
	graph    *tf.Graph
	s        *tf.Session
	restores int
}

func (s *tfSession) Restore(prefix string, params []Output) error {
	vars := make([]tf.Output, len(params))
	names := make([]string, len(params))
	dtypes := make([]tf.DataType, len(params))
	for i, p := range params {
		out, err := unwrap(p)
		if err != nil {
			return err
		}
		dt, err := variableType(out)
		if err != nil {
			return fmt.Errorf("variable %q: %w", p.Name(), err)
		}
		vars[i] = out
		names[i] = out.Op.Name()
		dtypes[i] = dt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.restores++
	scope := fmt.Sprintf("graph_predictor/restore_%d", s.restores)

	prefixOut, err := s.constant(scope+"/prefix", prefix)
	if err != nil {
		return err
	}
	namesOut, err := s.constant(scope+"/tensor_names", names)
	if err != nil {
		return err
	}
	slicesOut, err := s.constant(scope+"/shape_and_slices", make([]string, len(names)))
	if err != nil {
		return err
	}
	restore, err := s.graph.AddOperation(tf.OpSpec{
		Type:  "RestoreV2",
		Name:  scope + "/RestoreV2",
		Input: []tf.Input{prefixOut, namesOut, slicesOut},
		Attrs: map[string]interface{}{"dtypes": dtypes},
	})
	if err != nil {
		return fmt.Errorf("add RestoreV2: %w", err)
	}

	targets := make([]*tf.Operation, len(vars))
	for i, v := range vars {
		spec := tf.OpSpec{
			Name:  fmt.Sprintf("%s/assign_%d", scope, i),
			Input: []tf.Input{v, restore.Output(i)},
		}
		if v.Op.Type() == "VarHandleOp" {
			spec.Type = "AssignVariableOp"
			spec.Attrs = map[string]interface{}{"dtype": dtypes[i]}
		} else {
			spec.Type = "Assign"
		}
		op, err := s.graph.AddOperation(spec)
		if err != nil {
			return fmt.Errorf("add assign for %q: %w", names[i], err)
		}
		targets[i] = op
	}

	if _, err := s.s.Run(nil, nil, targets); err != nil {
		return fmt.Errorf("restore from %q: %w", prefix, err)
	}
	return nil
}

func (s *tfSession) constant(name string, value interface{}) (tf.Output, error) {
	t, err := tf.NewTensor(value)
	if err != nil {
		return tf.Output{}, fmt.Errorf("tensor for %s: %w", name, err)
	}
	op, err := s.graph.AddOperation(tf.OpSpec{
		Type:  "Const",
		Name:  name,
		Attrs: map[string]interface{}{"dtype": t.DataType(), "value": t},
	})
	if err != nil {
		return tf.Output{}, fmt.Errorf("add const %s: %w", name, err)
	}
	return op.Output(0), nil
}

func (s *tfSession) Run(feed Output, rows [][]float64, fetch Output) (*Matrix, error) {
	in, err := unwrap(feed)
	if err != nil {
		return nil, err
	}
	out, err := unwrap(fetch)
	if err != nil {
		return nil, err
	}

	var value interface{}
	switch in.DataType() {
	case tf.Double:
		value = rows
	case tf.Float:
		value = ToFloat32(rows)
	default:
		return nil, fmt.Errorf("input %q has unsupported dtype %v", feed.Name(), in.DataType())
	}
	t, err := tf.NewTensor(value)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}

	res, err := s.s.Run(map[tf.Output]*tf.Tensor{in: t}, []tf.Output{out}, nil)
	if err != nil {
		return nil, err
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("expected 1 fetched tensor, got %d", len(res))
	}

	switch v := res[0].Value().(type) {
	case [][]float32:
		return FromFloat32(v), nil
	case [][]float64:
		return &Matrix{Rows: v, BitSize: 64}, nil
	default:
		return nil, fmt.Errorf("fetch %q returned unsupported value %T", fetch.Name(), v)
	}
}

func (s *tfSession) Close() error {
	return s.s.Close()
}

func unwrap(o Output) (tf.Output, error) {
	t, ok := o.(*tfOutput)
	if !ok {
		return tf.Output{}, fmt.Errorf("output %q does not belong to a tensorflow graph", o.Name())
	}
	return t.out, nil
}

func variableType(v tf.Output) (tf.DataType, error) {
	switch v.Op.Type() {
	case "VarHandleOp":
		attr, err := v.Op.Attr("dtype")
		if err != nil {
			return 0, err
		}
		dt, ok := attr.(tf.DataType)
		if !ok {
			return 0, fmt.Errorf("dtype attr is %T", attr)
		}
		return dt, nil
	case "VariableV2", "Variable":
		dt := v.DataType()
		if dt > refTypeOffset {
			dt -= refTypeOffset
		}
		return dt, nil
	default:
		return 0, fmt.Errorf("op type %q is not a variable", v.Op.Type())
	}
}
