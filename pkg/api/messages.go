package api

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/types/known/structpb"
)

// PredictRequest asks for one forward pass over a feature mapping.
// Higher Priority is served first.
type PredictRequest struct {
	RequestID string             `json:"request_id,omitempty"`
	Priority  int32              `json:"priority,omitempty"`
	Features  map[string]float64 `json:"features"`
}

// PredictResponse carries output features as decimal strings.
type PredictResponse struct {
	RequestID   string            `json:"request_id,omitempty"`
	Outputs     map[string]string `json:"outputs"`
	WorkerID    string            `json:"worker_id,omitempty"`
	BatchSize   int32             `json:"batch_size"`
	QueueWaitMs int64             `json:"queue_wait_ms"`
	LatencyNs   int64             `json:"latency_ns"`
	Cached      bool              `json:"cached,omitempty"`
}

// WorkerMetrics is what a predictor reports to the router.
type WorkerMetrics struct {
	WorkerID      string  `json:"worker_id"`
	Backend       string  `json:"backend"`
	Fingerprint   string  `json:"fingerprint"`
	QueueDepth    int32   `json:"queue_depth"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	CurrentBatch  int32   `json:"current_batch"`
	TotalBatches  int64   `json:"total_batches"`
	TotalRequests int64   `json:"total_requests"`
	TotalErrors   int64   `json:"total_errors"`
	CacheHits     int64   `json:"cache_hits"`
	Healthy       bool    `json:"healthy"`
}

// ErrorRate is the share of requests that failed.
func (m *WorkerMetrics) ErrorRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.TotalErrors) / float64(m.TotalRequests)
}

func (r *PredictRequest) Struct() (*structpb.Struct, error) {
	features := make(map[string]interface{}, len(r.Features))
	for k, v := range r.Features {
		features[k] = v
	}
	return structpb.NewStruct(map[string]interface{}{
		"request_id": r.RequestID,
		"priority":   float64(r.Priority),
		"features":   features,
	})
}

// ParsePredictRequest decodes a request; every feature must be a number.
func ParsePredictRequest(s *structpb.Struct) (*PredictRequest, error) {
	if s == nil {
		return nil, errors.New("empty request")
	}
	fields := s.GetFields()
	req := &PredictRequest{
		RequestID: fields["request_id"].GetStringValue(),
		Priority:  int32(fields["priority"].GetNumberValue()),
	}
	fv, ok := fields["features"]
	if !ok {
		return nil, errors.New("request has no features")
	}
	fs := fv.GetStructValue()
	if fs == nil {
		return nil, errors.New("features must be an object")
	}
	req.Features = make(map[string]float64, len(fs.GetFields()))
	for name, v := range fs.GetFields() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("feature %q is not a number", name)
		}
		req.Features[name] = n.NumberValue
	}
	return req, nil
}

func (r *PredictResponse) Struct() (*structpb.Struct, error) {
	outputs := make(map[string]interface{}, len(r.Outputs))
	for k, v := range r.Outputs {
		outputs[k] = v
	}
	return structpb.NewStruct(map[string]interface{}{
		"request_id":    r.RequestID,
		"outputs":       outputs,
		"worker_id":     r.WorkerID,
		"batch_size":    float64(r.BatchSize),
		"queue_wait_ms": float64(r.QueueWaitMs),
		"latency_ns":    float64(r.LatencyNs),
		"cached":        r.Cached,
	})
}

func ParsePredictResponse(s *structpb.Struct) (*PredictResponse, error) {
	if s == nil {
		return nil, errors.New("empty response")
	}
	fields := s.GetFields()
	resp := &PredictResponse{
		RequestID:   fields["request_id"].GetStringValue(),
		WorkerID:    fields["worker_id"].GetStringValue(),
		BatchSize:   int32(fields["batch_size"].GetNumberValue()),
		QueueWaitMs: int64(fields["queue_wait_ms"].GetNumberValue()),
		LatencyNs:   int64(fields["latency_ns"].GetNumberValue()),
		Cached:      fields["cached"].GetBoolValue(),
	}
	outputs := fields["outputs"].GetStructValue()
	if outputs == nil {
		return nil, errors.New("response has no outputs")
	}
	resp.Outputs = make(map[string]string, len(outputs.GetFields()))
	for name, v := range outputs.GetFields() {
		resp.Outputs[name] = v.GetStringValue()
	}
	return resp, nil
}

// Decimals parses the output strings.
func (r *PredictResponse) Decimals() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(r.Outputs))
	for name, s := range r.Outputs {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		out[name] = d
	}
	return out, nil
}

// DecimalStrings renders adapter outputs for the wire.
func DecimalStrings(outputs map[string]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(outputs))
	for name, d := range outputs {
		out[name] = d.String()
	}
	return out
}

func (m *WorkerMetrics) Struct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"worker_id":      structpb.NewStringValue(m.WorkerID),
		"backend":        structpb.NewStringValue(m.Backend),
		"fingerprint":    structpb.NewStringValue(m.Fingerprint),
		"queue_depth":    structpb.NewNumberValue(float64(m.QueueDepth)),
		"avg_latency_ms": structpb.NewNumberValue(m.AvgLatencyMs),
		"current_batch":  structpb.NewNumberValue(float64(m.CurrentBatch)),
		"total_batches":  structpb.NewNumberValue(float64(m.TotalBatches)),
		"total_requests": structpb.NewNumberValue(float64(m.TotalRequests)),
		"total_errors":   structpb.NewNumberValue(float64(m.TotalErrors)),
		"cache_hits":     structpb.NewNumberValue(float64(m.CacheHits)),
		"healthy":        structpb.NewBoolValue(m.Healthy),
	}}
}

func ParseWorkerMetrics(s *structpb.Struct) *WorkerMetrics {
	f := s.GetFields()
	return &WorkerMetrics{
		WorkerID:      f["worker_id"].GetStringValue(),
		Backend:       f["backend"].GetStringValue(),
		Fingerprint:   f["fingerprint"].GetStringValue(),
		QueueDepth:    int32(f["queue_depth"].GetNumberValue()),
		AvgLatencyMs:  f["avg_latency_ms"].GetNumberValue(),
		CurrentBatch:  int32(f["current_batch"].GetNumberValue()),
		TotalBatches:  int64(f["total_batches"].GetNumberValue()),
		TotalRequests: int64(f["total_requests"].GetNumberValue()),
		TotalErrors:   int64(f["total_errors"].GetNumberValue()),
		CacheHits:     int64(f["cache_hits"].GetNumberValue()),
		Healthy:       f["healthy"].GetBoolValue(),
	}
}
