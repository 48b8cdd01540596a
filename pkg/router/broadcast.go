package router

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Broadcaster pushes cluster state to connected dashboard clients via WebSocket.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	log     *zap.SugaredLogger
}

func NewBroadcaster(logger *zap.SugaredLogger) *Broadcaster {
	return &Broadcaster{
		clients: make(map[*websocket.Conn]bool),
		log:     logger,
	}
}

// HandleWS is the WebSocket upgrade handler for /ws.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warnf("⚠️  WebSocket upgrade failed: %v", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	n := len(b.clients)
	b.mu.Unlock()
	b.log.Infof("📊 Dashboard client connected (%d total)", n)

	// Read loop (to detect disconnect)
	go func() {
		defer b.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (b *Broadcaster) remove(conn *websocket.Conn) {
	b.mu.Lock()
	_, ok := b.clients[conn]
	delete(b.clients, conn)
	n := len(b.clients)
	b.mu.Unlock()
	conn.Close()
	if ok {
		b.log.Infof("📊 Dashboard client disconnected (%d remain)", n)
	}
}

// Clients returns the number of connected dashboard clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ClusterState is the JSON payload pushed to the dashboard.
type ClusterState struct {
	Workers             []WorkerState    `json:"workers"`
	RoutingDistribution map[string]int64 `json:"routing_distribution"`
	TotalRequests       int64            `json:"total_requests"`
	FailedRequests      int64            `json:"failed_requests"`
}

type WorkerState struct {
	ID            string  `json:"id"`
	Address       string  `json:"address"`
	Backend       string  `json:"backend"`
	Fingerprint   string  `json:"fingerprint"`
	Score         float64 `json:"score"`
	QueueDepth    int32   `json:"queue_depth"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	CurrentBatch  int32   `json:"current_batch"`
	TotalRequests int64   `json:"total_requests"`
	ErrorRate     float64 `json:"error_rate"`
	CacheHits     int64   `json:"cache_hits"`
	Healthy       bool    `json:"healthy"`
}

// Broadcast sends the cluster state to all connected WebSocket clients.
func (b *Broadcaster) Broadcast(state *ClusterState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(b.clients, conn)
		}
	}
}
