package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/sam2-worker/internal/apperr"
	"github.com/raaihank/sam2-worker/internal/config"
	"github.com/raaihank/sam2-worker/internal/logger"
	"github.com/raaihank/sam2-worker/internal/worker"
)

// RouterFactory builds the pipeline of one connection around sink.
type RouterFactory func(sink worker.Sink, log *zap.Logger) *worker.Router

// Client is one WebSocket connection with its own pipeline.
type Client struct {
	ID          string
	IP          string
	UserAgent   string
	ConnectedAt time.Time

	conn   *websocket.Conn
	send   chan worker.Outbound
	router *worker.Router
	ctx    context.Context
	cancel context.CancelFunc
}

// HubStats tracks WebSocket hub statistics
type HubStats struct {
	TotalConnections   int64     `json:"total_connections"`
	ActiveConnections  int64     `json:"active_connections"`
	TotalMessages      int64     `json:"total_messages"`
	RejectedMessages   int64     `json:"rejected_messages"`
	LastConnectionTime time.Time `json:"last_connection_time"`
	LastDisconnectTime time.Time `json:"last_disconnect_time"`
}

// Hub maintains the set of active clients
type Hub struct {
	config     *config.WebSocketConfig
	newRouter  RouterFactory
	limiter    *RateLimiter
	upgrader   websocket.Upgrader
	logger     *logger.Logger
	pongWait   time.Duration
	pingPeriod time.Duration
	writeWait  time.Duration

	mu      sync.RWMutex
	clients map[*Client]bool
	stats   HubStats
}

// NewHub creates a new WebSocket hub
func NewHub(cfg *config.WebSocketConfig, newRouter RouterFactory, log *logger.Logger) *Hub {
	h := &Hub{
		config:     cfg,
		newRouter:  newRouter,
		limiter:    NewRateLimiter(cfg.RateLimit.Enabled, cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		logger:     log,
		pongWait:   cfg.PongTimeout,
		pingPeriod: cfg.PingInterval,
		writeWait:  cfg.WriteTimeout,
		clients:    make(map[*Client]bool),
	}
	if h.writeWait <= 0 {
		h.writeWait = 10 * time.Second
	}
	if h.pongWait <= 0 {
		h.pongWait = 60 * time.Second
	}
	if h.pingPeriod <= 0 || h.pingPeriod >= h.pongWait {
		h.pingPeriod = (h.pongWait * 9) / 10
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the request and starts the connection's pipeline.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !checkBasicAuth(r, h.config.Username, h.config.Password) {
		w.Header().Set("WWW-Authenticate", `Basic realm="sam2-worker"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if limit := h.config.MaxConnections; limit > 0 && h.activeConnections() >= limit {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		ID:          requestID(r.Context()),
		IP:          getClientIP(r),
		UserAgent:   r.UserAgent(),
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan worker.Outbound, 64),
		ctx:         ctx,
		cancel:      cancel,
	}
	log := h.logger.WithRequestID(client.ID)
	client.router = h.newRouter(worker.SinkFunc(func(m worker.Outbound) {
		select {
		case client.send <- m:
		case <-ctx.Done():
		}
	}), log.Logger)

	h.register(client)

	go func() {
		if err := client.router.Run(ctx); err != nil && err != context.Canceled {
			log.Warn("Router stopped", zap.Error(err))
		}
	}()
	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	h.stats.TotalConnections++
	h.stats.ActiveConnections++
	h.stats.LastConnectionTime = time.Now()

	h.logger.Info("Client connected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int64("active_connections", h.stats.ActiveConnections),
	)
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.cancel()
	h.limiter.Forget(client.ID)
	h.stats.ActiveConnections--
	h.stats.LastDisconnectTime = time.Now()

	h.logger.Info("Client disconnected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int64("active_connections", h.stats.ActiveConnections),
	)
}

// writePump writes router output and keepalive pings to the peer.
func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := client.conn.WriteJSON(msg); err != nil {
				h.logger.Error("Failed to write WebSocket message",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
				h.unregister(client)
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(client)
				return
			}

		case <-client.ctx.Done():
			client.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump feeds inbound frames to the router queue.
func (h *Hub) readPump(client *Client) {
	defer func() {
		h.unregister(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(h.config.MaxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(h.pongWait))
		return nil
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Error("WebSocket error",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
			}
			return
		}
		h.countMessage(false)

		var msg worker.Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.countMessage(true)
			client.router.Reject(msg, fmt.Errorf("%w: malformed frame: %v", apperr.ErrProtocol, err))
			continue
		}
		if !h.limiter.Allow(client.ID) {
			h.countMessage(true)
			client.router.Reject(msg, fmt.Errorf("%w: %w", apperr.ErrProtocol, apperr.ErrRateLimited))
			continue
		}
		if err := client.router.Submit(msg); err != nil {
			h.countMessage(true)
		}
	}
}

func (h *Hub) countMessage(rejected bool) {
	h.mu.Lock()
	if rejected {
		h.stats.RejectedMessages++
	} else {
		h.stats.TotalMessages++
	}
	h.mu.Unlock()
}

func (h *Hub) activeConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := h.stats
	stats.ActiveConnections = int64(len(h.clients))
	return stats
}
