package predictor

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal/graph-predictor/pkg/api"
)

func newHTTPServer(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	s.RegisterHTTP(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestHTTPPredict(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	ts := newHTTPServer(t, s)

	res, err := http.Post(ts.URL+"/v1/predict", "application/json",
		strings.NewReader(`{"request_id":"h-1","features":{"feature_1":1.0,"feature_2":2.0}}`))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var resp api.PredictResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	assert.Equal(t, "h-1", resp.RequestID)
	assert.Equal(t, map[string]string{"output_1": "1.5", "output_2": "1.75"}, resp.Outputs)
}

func TestHTTPPredictErrors(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	ts := newHTTPServer(t, s)

	cases := []struct {
		name    string
		body    string
		code    int
		missing string
	}{
		{"missing feature", `{"features":{"feature_1":1.0}}`, http.StatusBadRequest, "feature_2"},
		{"not json", `feature_1=1`, http.StatusBadRequest, ""},
		{"string feature", `{"features":{"feature_1":"1","feature_2":2}}`, http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := http.Post(ts.URL+"/v1/predict", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer res.Body.Close()
			assert.Equal(t, tc.code, res.StatusCode)

			var body errorBody
			require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
			assert.Equal(t, tc.missing, body.MissingFeature)
		})
	}

	res, err := http.Get(ts.URL + "/v1/predict")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

func TestHTTPHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	ts := newHTTPServer(t, s)

	res, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `predictor_queue_depth{worker="predictor-test"} 0`)
	assert.Contains(t, string(body), `backend="affine-stub"`)

	res, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	require.NoError(t, s.Stop())
	res, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestWebSocketStream(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	ts := newHTTPServer(t, s)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(api.PredictRequest{RequestID: "w-1", Features: sample}))
	var resp api.PredictResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "w-1", resp.RequestID)
	assert.Equal(t, "1.75", resp.Outputs["output_2"])

	require.NoError(t, conn.WriteJSON(api.PredictRequest{RequestID: "w-2", Features: map[string]float64{"feature_2": 1}}))
	var body errorBody
	require.NoError(t, conn.ReadJSON(&body))
	assert.Equal(t, "w-2", body.RequestID)
	assert.Equal(t, "feature_1", body.MissingFeature)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	body = errorBody{}
	require.NoError(t, conn.ReadJSON(&body))
	assert.Contains(t, body.Error, "invalid request")

	require.NoError(t, conn.WriteJSON(api.PredictRequest{RequestID: "w-3", Features: sample}))
	resp = api.PredictResponse{}
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "w-3", resp.RequestID)
}
