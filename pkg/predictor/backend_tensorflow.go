//go:build tensorflow

package predictor

import "github.com/kunal/graph-predictor/pkg/executor"

// newBackend returns the TensorFlow backend.
// Build with: go build -tags tensorflow
func newBackend() executor.Backend {
	return executor.NewTensorFlow()
}
