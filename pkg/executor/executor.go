package executor

import "errors"

// ErrUnavailable is returned by backends that were not compiled in.
var ErrUnavailable = errors.New("graph backend unavailable")

// Backend loads serialized computation graphs.
// Implementations can target TensorFlow (cgo) or an in-memory stub.
type Backend interface {
	// Import parses a serialized GraphDef and makes its nodes addressable.
	Import(def []byte) (Graph, error)

	// Name returns the backend type for logging.
	Name() string
}

// CheckpointDigester is implemented by backends that can summarise the
// contents stored under a checkpoint prefix. The digest changes whenever
// the checkpoint is rewritten, even under the same prefix.
type CheckpointDigester interface {
	CheckpointDigest(prefix string) ([]byte, error)
}

// Graph is an imported, immutable computation graph.
type Graph interface {
	// Output resolves a tensor by "op:index" name.
	Output(name string) (Output, error)

	// NewSession creates an execution session bound to the graph.
	NewSession() (Session, error)
}

// Output is a handle to one tensor produced by a graph node.
type Output interface {
	Name() string

	// Shape returns the static dimensions, -1 for unknown ones.
	// A nil shape means the rank itself is unknown.
	Shape() []int64
}

// Session executes a graph. A Session is not safe for concurrent use.
type Session interface {
	// Restore assigns checkpointed values to the given variables.
	// Each variable is looked up in the checkpoint by its op name.
	Restore(prefix string, params []Output) error

	// Run binds rows to feed and returns the value of fetch.
	Run(feed Output, rows [][]float64, fetch Output) (*Matrix, error)

	Close() error
}

// Matrix is a row-major batch fetched from a graph.
type Matrix struct {
	Rows [][]float64

	// BitSize is the float width the graph produced: 32 or 64.
	BitSize int
}

// FromFloat32 copies a float32 batch into a Matrix.
func FromFloat32(rows [][]float32) *Matrix {
	m := &Matrix{Rows: make([][]float64, len(rows)), BitSize: 32}
	for i, row := range rows {
		m.Rows[i] = make([]float64, len(row))
		for j, v := range row {
			m.Rows[i][j] = float64(v)
		}
	}
	return m
}

// ToFloat32 narrows a float64 batch for float32 placeholders.
func ToFloat32(rows [][]float64) [][]float32 {
	out := make([][]float32, len(rows))
	for i, row := range rows {
		out[i] = make([]float32, len(row))
		for j, v := range row {
			out[i][j] = float32(v)
		}
	}
	return out
}
