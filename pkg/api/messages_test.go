package api

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestPredictRequestStruct(t *testing.T) {
	req := &PredictRequest{
		RequestID: "r-1",
		Priority:  3,
		Features:  map[string]float64{"feature_1": 1.5, "feature_2": -2},
	}
	s, err := req.Struct()
	require.NoError(t, err)

	got, err := ParsePredictRequest(s)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestParsePredictRequestRejects(t *testing.T) {
	_, err := ParsePredictRequest(nil)
	assert.Error(t, err)

	s, err := structpb.NewStruct(map[string]interface{}{"request_id": "x"})
	require.NoError(t, err)
	_, err = ParsePredictRequest(s)
	assert.ErrorContains(t, err, "no features")

	s, err = structpb.NewStruct(map[string]interface{}{"features": "feature_1=1"})
	require.NoError(t, err)
	_, err = ParsePredictRequest(s)
	assert.ErrorContains(t, err, "object")

	s, err = structpb.NewStruct(map[string]interface{}{
		"features": map[string]interface{}{"feature_1": "1.0"},
	})
	require.NoError(t, err)
	_, err = ParsePredictRequest(s)
	assert.ErrorContains(t, err, `"feature_1" is not a number`)
}

func TestPredictResponseDecimals(t *testing.T) {
	resp := &PredictResponse{
		RequestID:   "r-2",
		Outputs:     DecimalStrings(map[string]decimal.Decimal{"output_1": decimal.RequireFromString("1.5")}),
		WorkerID:    "predictor-0",
		BatchSize:   4,
		QueueWaitMs: 2,
		LatencyNs:   125000,
		Cached:      true,
	}
	s, err := resp.Struct()
	require.NoError(t, err)

	got, err := ParsePredictResponse(s)
	require.NoError(t, err)
	assert.Equal(t, resp, got)

	d, err := got.Decimals()
	require.NoError(t, err)
	assert.True(t, d["output_1"].Equal(decimal.NewFromFloat(1.5)))

	got.Outputs["output_1"] = "one and a half"
	_, err = got.Decimals()
	assert.Error(t, err)
}

func TestWorkerMetrics(t *testing.T) {
	m := &WorkerMetrics{
		WorkerID:      "predictor-1",
		Backend:       "affine-stub",
		Fingerprint:   "0123456789abcdef",
		QueueDepth:    5,
		AvgLatencyMs:  1.25,
		CurrentBatch:  8,
		TotalBatches:  10,
		TotalRequests: 40,
		TotalErrors:   4,
		CacheHits:     2,
		Healthy:       true,
	}
	assert.Equal(t, m, ParseWorkerMetrics(m.Struct()))
	assert.InDelta(t, 0.1, m.ErrorRate(), 1e-9)
	assert.Zero(t, (&WorkerMetrics{}).ErrorRate())
}
