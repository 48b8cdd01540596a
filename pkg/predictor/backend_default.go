//go:build !tensorflow

package predictor

import "github.com/kunal/graph-predictor/pkg/executor"

// newBackend returns the unavailable backend (default build).
// For real inference, build with: go build -tags tensorflow
func newBackend() executor.Backend {
	return executor.NewUnavailable("built without -tags tensorflow")
}
