// Package model adapts a pre-trained graph to a named-feature prediction
// call.
//
// Construction loads the GraphDef, restores the parameter tensors from a
// checkpoint and keeps the session for the adapter's lifetime. Predict maps
// the input features onto the graph's input vector in Spec order, runs one
// forward pass and maps the output vector back onto the output feature names.
package model

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kunal/graph-predictor/pkg/executor"
	"github.com/kunal/graph-predictor/pkg/graph"
)

// Adapter serves predictions from one restored graph.
//
// An Adapter is not safe for concurrent use: Predict, PredictBatch and Close
// share one session without locking, so callers must serialise them. The
// predictor server does this by running every forward pass on its batcher
// goroutine.
type Adapter struct {
	spec        Spec
	backend     string
	fingerprint string

	session   executor.Session
	input     executor.Output
	inference executor.Output

	closeOnce sync.Once
	closeErr  error
	closed    bool

	log *zap.SugaredLogger
}

// NewDefault builds an adapter from DefaultSpec.
func NewDefault(backend executor.Backend, logger *zap.SugaredLogger) (*Adapter, error) {
	return New(backend, DefaultSpec(), logger)
}

// New loads spec.GraphFile into backend and restores its parameters.
// On error no session is left open.
func New(backend executor.Backend, spec Spec, logger *zap.SugaredLogger) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := spec.Validate(); err != nil {
		return nil, newError(ErrConfig, "", err)
	}

	data, err := os.ReadFile(spec.GraphFile)
	if err != nil {
		return nil, newError(ErrLoad, spec.GraphFile, err)
	}
	def, err := graph.Parse(data)
	if err != nil {
		return nil, newError(ErrParse, spec.GraphFile, err)
	}
	g, err := backend.Import(data)
	if err != nil {
		if errors.Is(err, executor.ErrUnavailable) {
			return nil, newError(ErrLoad, spec.GraphFile, err)
		}
		return nil, newError(ErrParse, spec.GraphFile, err)
	}

	params := make([]executor.Output, len(spec.ParamTensors))
	for i, name := range spec.ParamTensors {
		if params[i], err = resolve(def, g, name); err != nil {
			return nil, err
		}
	}

	session, err := g.NewSession()
	if err != nil {
		return nil, newError(ErrLoad, spec.GraphFile, err)
	}
	ok := false
	defer func() {
		if !ok {
			if cerr := session.Close(); cerr != nil {
				logger.Warnf("closing session after failed load: %v", cerr)
			}
		}
	}()

	var digest []byte
	if d, ok := backend.(executor.CheckpointDigester); ok {
		if digest, err = d.CheckpointDigest(spec.CheckpointPrefix); err != nil {
			return nil, newError(ErrRestore, spec.CheckpointPrefix, err)
		}
	}
	if err := session.Restore(spec.CheckpointPrefix, params); err != nil {
		return nil, newError(ErrRestore, spec.CheckpointPrefix, err)
	}

	input, err := resolve(def, g, spec.InputTensor)
	if err != nil {
		return nil, err
	}
	if err := checkWidth(input, len(spec.InputFeatures)); err != nil {
		return nil, newError(ErrResolution, spec.InputTensor, err)
	}
	inference, err := resolve(def, g, spec.InferenceTensor)
	if err != nil {
		return nil, err
	}
	if err := checkWidth(inference, len(spec.OutputFeatures)); err != nil {
		return nil, newError(ErrResolution, spec.InferenceTensor, err)
	}

	a := &Adapter{
		spec:        spec.clone(),
		backend:     backend.Name(),
		fingerprint: fingerprint(data, digest, spec),
		session:     session,
		input:       input,
		inference:   inference,
		log:         logger,
	}
	ok = true

	logger.Infof("🧠 Model loaded: graph=%s nodes=%d ops=%v checkpoint=%s backend=%s",
		spec.GraphFile, len(def.Nodes), def.OpCounts(), spec.CheckpointPrefix, a.backend)
	return a, nil
}

// fingerprint covers everything that decides a prediction: the graph
// bytes, the checkpoint contents and the whole spec.
func fingerprint(graphDef, checkpoint []byte, spec Spec) string {
	h := sha256.New()
	field := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	list := func(names []string) {
		field([]byte(strconv.Itoa(len(names))))
		for _, name := range names {
			field([]byte(name))
		}
	}

	field(graphDef)
	field(checkpoint)
	field([]byte(spec.CheckpointPrefix))
	list(spec.ParamTensors)
	field([]byte(spec.InputTensor))
	field([]byte(spec.InferenceTensor))
	list(spec.InputFeatures)
	list(spec.OutputFeatures)
	field([]byte(strconv.Itoa(int(spec.Precision))))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func resolve(def *graph.Def, g executor.Graph, name string) (executor.Output, error) {
	if _, _, err := def.Resolve(name); err != nil {
		return nil, newError(ErrResolution, name, err)
	}
	out, err := g.Output(name)
	if err != nil {
		return nil, newError(ErrResolution, name, err)
	}
	return out, nil
}

// checkWidth compares the last static dimension with the feature count.
// Unknown shapes are accepted; the forward pass checks them instead.
func checkWidth(out executor.Output, want int) error {
	shape := out.Shape()
	if len(shape) == 0 {
		return nil
	}
	if got := shape[len(shape)-1]; got >= 0 && got != int64(want) {
		return fmt.Errorf("tensor width is %d but %d features are configured", got, want)
	}
	return nil
}

// Spec returns the configuration the adapter was built from.
func (a *Adapter) Spec() Spec { return a.spec.clone() }

func (a *Adapter) InputFeatures() []string { return slices.Clone(a.spec.InputFeatures) }

func (a *Adapter) OutputFeatures() []string { return slices.Clone(a.spec.OutputFeatures) }

// Backend names the executor backend running the graph.
func (a *Adapter) Backend() string { return a.backend }

// Fingerprint identifies the graph bytes and checkpoint prefix.
func (a *Adapter) Fingerprint() string { return a.fingerprint }

// Validate reports the first input feature missing from features.
func (a *Adapter) Validate(features map[string]float64) error {
	_, err := a.vector(features)
	return err
}

func (a *Adapter) vector(features map[string]float64) ([]float64, error) {
	row := make([]float64, len(a.spec.InputFeatures))
	for i, name := range a.spec.InputFeatures {
		v, ok := features[name]
		if !ok {
			return nil, newError(ErrMissingFeature, name, nil)
		}
		row[i] = v
	}
	return row, nil
}

// Predict runs one forward pass and returns a value for every output
// feature. Keys of features outside the input list are ignored.
func (a *Adapter) Predict(features map[string]float64) (map[string]decimal.Decimal, error) {
	out, err := a.PredictBatch([]map[string]float64{features})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// PredictBatch runs the rows through a single forward pass.
func (a *Adapter) PredictBatch(batch []map[string]float64) ([]map[string]decimal.Decimal, error) {
	if a.closed {
		return nil, newError(ErrExecution, "", ErrClosed)
	}
	if len(batch) == 0 {
		return nil, nil
	}

	rows := make([][]float64, len(batch))
	for i, features := range batch {
		row, err := a.vector(features)
		if err != nil {
			if len(batch) > 1 {
				var e *Error
				errors.As(err, &e)
				e.Err = fmt.Errorf("row %d", i)
			}
			return nil, err
		}
		rows[i] = row
	}

	res, err := a.session.Run(a.input, rows, a.inference)
	if err != nil {
		return nil, newError(ErrExecution, a.spec.InferenceTensor, err)
	}
	if len(res.Rows) != len(rows) {
		return nil, newError(ErrExecution, a.spec.InferenceTensor,
			fmt.Errorf("fed %d rows, fetched %d", len(rows), len(res.Rows)))
	}

	out := make([]map[string]decimal.Decimal, len(res.Rows))
	for r, values := range res.Rows {
		if len(values) != len(a.spec.OutputFeatures) {
			return nil, newError(ErrExecution, a.spec.InferenceTensor,
				fmt.Errorf("output width is %d but %d features are configured", len(values), len(a.spec.OutputFeatures)))
		}
		m := make(map[string]decimal.Decimal, len(values))
		for i, v := range values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, newError(ErrExecution, a.spec.OutputFeatures[i],
					fmt.Errorf("row %d produced %v", r, v))
			}
			m[a.spec.OutputFeatures[i]] = a.toDecimal(v, res.BitSize)
		}
		out[r] = m
	}
	return out, nil
}

// toDecimal goes through the shortest string that round-trips the graph's
// own float width, so float32 outputs don't pick up float64 noise digits.
func (a *Adapter) toDecimal(v float64, bitSize int) decimal.Decimal {
	var d decimal.Decimal
	if bitSize == 32 {
		d = decimal.NewFromFloat32(float32(v))
	} else {
		d = decimal.NewFromFloat(v)
	}
	if a.spec.Precision >= 0 {
		d = d.Round(a.spec.Precision)
	}
	return d
}

// Close releases the session. Further predictions fail with ErrClosed.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.closed = true
		a.closeErr = a.session.Close()
		a.log.Infof("🛑 Model session closed: graph=%s", a.spec.GraphFile)
	})
	return a.closeErr
}
