package model

import (
	"errors"
	"fmt"
	"slices"
)

// Spec fixes where the graph lives and how its unnamed vector slots map to
// feature names. Feature order is the positional contract with the graph.
type Spec struct {
	GraphFile        string   `yaml:"graph_file"`
	CheckpointPrefix string   `yaml:"checkpoint_prefix"`
	ParamTensors     []string `yaml:"param_tensors"`
	InputTensor      string   `yaml:"input_tensor"`
	InferenceTensor  string   `yaml:"inference_tensor"`
	InputFeatures    []string `yaml:"input_features"`
	OutputFeatures   []string `yaml:"output_features"`

	// Precision rounds outputs to this many decimal places; -1 keeps the
	// shortest representation that round-trips the graph's float.
	Precision int32 `yaml:"precision"`
}

// DefaultSpec is the layout of the exported linear model: weights and bias
// under model/, a placeholder under inputs/ and the output under inference/.
func DefaultSpec() Spec {
	return Spec{
		GraphFile:        "graph.pb",
		CheckpointPrefix: "model",
		ParamTensors:     []string{"model/W:0", "model/b:0"},
		InputTensor:      "inputs/x-input:0",
		InferenceTensor:  "inference/inference:0",
		InputFeatures:    []string{"feature_1", "feature_2"},
		OutputFeatures:   []string{"output_1", "output_2"},
		Precision:        -1,
	}
}

func (s Spec) clone() Spec {
	s.ParamTensors = slices.Clone(s.ParamTensors)
	s.InputFeatures = slices.Clone(s.InputFeatures)
	s.OutputFeatures = slices.Clone(s.OutputFeatures)
	return s
}

// Validate checks the spec for values no graph could satisfy.
func (s Spec) Validate() error {
	var errs []error
	if s.GraphFile == "" {
		errs = append(errs, errors.New("graph file is required"))
	}
	if s.CheckpointPrefix == "" {
		errs = append(errs, errors.New("checkpoint prefix is required"))
	}
	if len(s.ParamTensors) == 0 {
		errs = append(errs, errors.New("at least one parameter tensor is required"))
	}
	for i, name := range s.ParamTensors {
		if name == "" {
			errs = append(errs, fmt.Errorf("parameter tensor %d is empty", i))
		}
	}
	if s.InputTensor == "" {
		errs = append(errs, errors.New("input tensor is required"))
	}
	if s.InferenceTensor == "" {
		errs = append(errs, errors.New("inference tensor is required"))
	}
	if err := checkNames("input", s.InputFeatures); err != nil {
		errs = append(errs, err)
	}
	if err := checkNames("output", s.OutputFeatures); err != nil {
		errs = append(errs, err)
	}
	if s.Precision < -1 {
		errs = append(errs, fmt.Errorf("precision %d is below -1", s.Precision))
	}
	return errors.Join(errs...)
}

func checkNames(kind string, names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("%s features are required", kind)
	}
	seen := make(map[string]struct{}, len(names))
	for i, name := range names {
		if name == "" {
			return fmt.Errorf("%s feature %d is empty", kind, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%s feature %q is listed twice", kind, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
