package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/kunal/graph-predictor/pkg/api"
	"github.com/kunal/graph-predictor/pkg/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// errorBody is the JSON error payload of the HTTP and websocket endpoints.
type errorBody struct {
	RequestID      string `json:"request_id,omitempty"`
	Error          string `json:"error"`
	MissingFeature string `json:"missing_feature,omitempty"`
}

func newErrorBody(requestID string, err error) errorBody {
	body := errorBody{RequestID: requestID, Error: err.Error()}
	if name, ok := model.MissingFeature(err); ok {
		body.MissingFeature = name
	}
	return body
}

// RegisterHTTP registers /metrics, /health, /v1/predict and /ws.
func (s *Server) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", s.metrics.ServePrometheus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/predict", s.handlePredict)
	mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		http.Error(w, "stopped", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req api.PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request: " + err.Error()})
		return
	}
	resp, err := s.Submit(r.Context(), &req)
	if err != nil {
		writeJSON(w, httpStatus(err), newErrorBody(req.RequestID, err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWS streams predictions: every text frame is a PredictRequest and is
// answered by one PredictResponse or error frame, in order.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("⚠️  WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	s.log.Debugf("🔌 Prediction stream opened from %s", r.RemoteAddr)

	ctx := r.Context()
	for {
		var req api.PredictRequest
		if err := conn.ReadJSON(&req); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				if werr := conn.WriteJSON(errorBody{Error: "invalid request: " + err.Error()}); werr != nil {
					return
				}
				continue
			}
			return
		}

		resp, err := s.Submit(ctx, &req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			err = conn.WriteJSON(newErrorBody(req.RequestID, err))
		} else {
			err = conn.WriteJSON(resp)
		}
		if err != nil {
			return
		}
	}
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrMissingFeature):
		return http.StatusBadRequest
	case errors.Is(err, ErrStopped), errors.Is(err, model.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
