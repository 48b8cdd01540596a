// Package executortest provides an in-memory backend for tests.
//
// The backend understands any GraphDef that pkg/graph can parse and treats
// the graph as the affine map y = xW + b, where W and b are the first and
// second restored parameters. Checkpoints live in memory, keyed by prefix.
package executortest

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/kunal/graph-predictor/pkg/executor"
	"github.com/kunal/graph-predictor/pkg/graph"
)

// Param is a checkpointed variable value.
type Param struct {
	Shape  []int
	Values []float64
}

// Backend is the affine stub backend.
type Backend struct {
	mu          sync.Mutex
	checkpoints map[string]map[string]Param

	// RunErr, when set, is returned by every Run.
	RunErr error

	// BitSize of fetched values; 32 unless set.
	BitSize int

	// Runs counts forward passes across all sessions.
	Runs atomic.Int64
}

func New() *Backend {
	return &Backend{checkpoints: make(map[string]map[string]Param)}
}

// AddCheckpoint registers variable values under a checkpoint prefix.
func (b *Backend) AddCheckpoint(prefix string, params map[string]Param) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkpoints[prefix] = params
}

func (b *Backend) Name() string { return "affine-stub" }

func (b *Backend) Import(def []byte) (executor.Graph, error) {
	d, err := graph.Parse(def)
	if err != nil {
		return nil, err
	}
	return &stubGraph{backend: b, def: d}, nil
}

// CheckpointDigest hashes the parameter values stored under prefix.
func (b *Backend) CheckpointDigest(prefix string) ([]byte, error) {
	params, ok := b.checkpoint(prefix)
	if !ok {
		return nil, nil
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	var buf [8]byte
	for _, name := range names {
		h.Write([]byte(name))
		p := params[name]
		for _, d := range p.Shape {
			binary.BigEndian.PutUint64(buf[:], uint64(d))
			h.Write(buf[:])
		}
		for _, v := range p.Values {
			binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
			h.Write(buf[:])
		}
	}
	return h.Sum(nil), nil
}

var _ executor.CheckpointDigester = (*Backend)(nil)

func (b *Backend) checkpoint(prefix string) (map[string]Param, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.checkpoints[prefix]
	return c, ok
}

type stubGraph struct {
	backend *Backend
	def     *graph.Def
}

func (g *stubGraph) Output(name string) (executor.Output, error) {
	node, index, err := g.def.Resolve(name)
	if err != nil {
		return nil, err
	}
	return &stubOutput{name: name, op: node.Name, index: index}, nil
}

func (g *stubGraph) NewSession() (executor.Session, error) {
	return &stubSession{backend: g.backend}, nil
}

type stubOutput struct {
	name  string
	op    string
	index int
}

func (o *stubOutput) Name() string   { return o.name }
func (o *stubOutput) Shape() []int64 { return nil }

type stubSession struct {
	backend *Backend
	params  []Param
	closed  bool
}

func (s *stubSession) Restore(prefix string, params []executor.Output) error {
	ckpt, ok := s.backend.checkpoint(prefix)
	if !ok {
		return fmt.Errorf("unsuccessful TensorSliceReader constructor: failed to find any matching files for %s", prefix)
	}
	if len(params) != 2 {
		return fmt.Errorf("affine graph needs 2 parameters, got %d", len(params))
	}
	restored := make([]Param, len(params))
	for i, p := range params {
		out, ok := p.(*stubOutput)
		if !ok {
			return fmt.Errorf("foreign output %q", p.Name())
		}
		v, ok := ckpt[out.op]
		if !ok {
			return fmt.Errorf("key %s not found in checkpoint", out.op)
		}
		restored[i] = v
	}
	w, bias := restored[0], restored[1]
	if len(w.Shape) != 2 || w.Shape[0]*w.Shape[1] != len(w.Values) {
		return fmt.Errorf("weights shape %v does not match %d values", w.Shape, len(w.Values))
	}
	if len(bias.Shape) != 1 || bias.Shape[0] != w.Shape[1] || len(bias.Values) != bias.Shape[0] {
		return fmt.Errorf("bias shape %v does not match weights %v", bias.Shape, w.Shape)
	}
	s.params = restored
	return nil
}

func (s *stubSession) Run(feed executor.Output, rows [][]float64, fetch executor.Output) (*executor.Matrix, error) {
	if s.closed {
		return nil, errors.New("session is closed")
	}
	if s.params == nil {
		return nil, errors.New("attempting to use uninitialized value model/W")
	}
	s.backend.Runs.Add(1)
	if s.backend.RunErr != nil {
		return nil, s.backend.RunErr
	}

	w, bias := s.params[0], s.params[1]
	in, width := w.Shape[0], w.Shape[1]
	out := make([][]float64, len(rows))
	for r, row := range rows {
		if len(row) != in {
			return nil, fmt.Errorf("matrix size-incompatible: In[0]: [1,%d], In[1]: [%d,%d]", len(row), in, width)
		}
		y := make([]float64, width)
		for j := 0; j < width; j++ {
			sum := bias.Values[j]
			for i := 0; i < in; i++ {
				sum += row[i] * w.Values[i*width+j]
			}
			y[j] = sum
		}
		out[r] = y
	}

	bits := s.backend.BitSize
	if bits == 0 {
		bits = 32
	}
	if bits == 32 {
		return executor.FromFloat32(executor.ToFloat32(out)), nil
	}
	return &executor.Matrix{Rows: out, BitSize: bits}, nil
}

func (s *stubSession) Close() error {
	s.closed = true
	return nil
}

// LinearGraph is the node table of a one-layer model laid out like the
// graphs the predictor serves in production.
func LinearGraph() []byte {
	return graph.Marshal(&graph.Def{
		Producer: 27,
		Nodes: []*graph.Node{
			{Name: "inputs/x-input", Op: "Placeholder"},
			{Name: "model/W", Op: "VariableV2"},
			{Name: "model/b", Op: "VariableV2"},
			{Name: "inference/MatMul", Op: "MatMul", Inputs: []string{"inputs/x-input", "model/W"}},
			{Name: "inference/inference", Op: "Add", Inputs: []string{"inference/MatMul", "model/b"}},
		},
	})
}

// WriteLinearGraph writes LinearGraph to dir/graph.pb and returns the path.
func WriteLinearGraph(dir string) (string, error) {
	path := filepath.Join(dir, "graph.pb")
	if err := os.WriteFile(path, LinearGraph(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Identity returns W = I and b = bias for a square model of width len(bias).
func Identity(bias ...float64) map[string]Param {
	n := len(bias)
	w := make([]float64, n*n)
	for i := 0; i < n; i++ {
		w[i*n+i] = 1
	}
	return map[string]Param{
		"model/W": {Shape: []int{n, n}, Values: w},
		"model/b": {Shape: []int{n}, Values: bias},
	}
}
