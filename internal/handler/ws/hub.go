package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/middleware"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/internal/repository"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/constants"
	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/logger"
	"github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	sendBuffer     = 256
	maxInboundSize = 64 << 10
)

// Frame is the envelope of every server-to-client WebSocket message
type Frame struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Error     *FrameError `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// FrameError mirrors the HTTP error envelope
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Hub upgrades connections, bounds how many are open and tracks who is online
type Hub struct {
	upgrader websocket.Upgrader
	presence repository.PresenceRepository
	metrics  *metrics.Metrics

	semaphore chan struct{}

	mu          sync.Mutex
	connections map[string]int
}

// NewHub creates a new hub. presence and m may be nil.
func NewHub(policy middleware.OriginPolicy, presence repository.PresenceRepository, m *metrics.Metrics, maxConnections int) *Hub {
	if maxConnections <= 0 {
		maxConnections = 1000
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.CheckOrigin,
		},
		presence:    presence,
		metrics:     m,
		semaphore:   make(chan struct{}, maxConnections),
		connections: make(map[string]int),
	}
}

// Client is one upgraded connection of an authenticated participant
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Frame
	userID string
	kind   string

	ctx      context.Context
	cancel   context.CancelFunc
	finished chan struct{}
}

// Context is cancelled once the socket is gone
func (c *Client) Context() context.Context {
	return c.ctx
}

// UserID of the authenticated participant
func (c *Client) UserID() string {
	return c.userID
}

// Send queues a frame. It reports false when the client is gone or too slow.
func (c *Client) Send(frameType string, data interface{}) bool {
	return c.push(Frame{Type: frameType, Data: data, Timestamp: time.Now().UTC()})
}

// SendError queues an error frame carrying the AppError code of err
func (c *Client) SendError(err error) bool {
	appErr := apperrors.GetAppError(err)
	message := appErr.Message
	if !apperrors.IsAppError(err) {
		message = "Internal server error"
	}
	return c.push(Frame{
		Type:      "error",
		Error:     &FrameError{Code: string(appErr.Code), Message: message},
		Timestamp: time.Now().UTC(),
	})
}

func (c *Client) push(f Frame) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	case <-c.ctx.Done():
		return false
	default:
		logger.Warn("WebSocket client too slow, closing",
			zap.String("user_id", c.userID),
			zap.String("kind", c.kind))
		if c.hub.metrics != nil {
			c.hub.metrics.RecordWebSocketError("slow_consumer")
		}
		c.cancel()
		return false
	}
}

// Serve upgrades the request and runs the session until either side stops.
// run owns the client's outbound stream; onFrame receives every inbound text frame.
func (h *Hub) Serve(c *gin.Context, kind string, run func(*Client), onFrame func(*Client, []byte)) {
	userID := middleware.ParticipantID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	select {
	case h.semaphore <- struct{}{}:
		defer func() { <-h.semaphore }()
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", cap(h.semaphore)))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID),
			zap.String("kind", kind),
			zap.Error(err))
		return
	}

	// The request context ends with the handler; the socket outlives the upgrade call.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan Frame, sendBuffer),
		userID:   userID,
		kind:     kind,
		ctx:      ctx,
		cancel:   cancel,
		finished: make(chan struct{}),
	}

	h.connected(client)
	defer h.disconnected(client)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		client.writePump()
	}()
	go func() {
		defer wg.Done()
		client.readPump(onFrame)
	}()

	run(client)
	close(client.finished)
	wg.Wait()
	cancel()
}

func (h *Hub) connected(c *Client) {
	if h.metrics != nil {
		h.metrics.WebSocketConnected()
	}

	h.mu.Lock()
	h.connections[c.userID]++
	first := h.connections[c.userID] == 1
	h.mu.Unlock()

	if first && h.presence != nil {
		if err := h.presence.SetOnline(c.ctx, c.userID); err != nil {
			logger.Warn("Failed to mark participant online", zap.String("user_id", c.userID), zap.Error(err))
		}
	}
}

func (h *Hub) disconnected(c *Client) {
	if h.metrics != nil {
		h.metrics.WebSocketDisconnected()
	}

	h.mu.Lock()
	h.connections[c.userID]--
	last := h.connections[c.userID] <= 0
	if last {
		delete(h.connections, c.userID)
	}
	h.mu.Unlock()

	if last && h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		defer cancel()
		if err := h.presence.SetOffline(ctx, c.userID); err != nil {
			logger.Warn("Failed to mark participant offline", zap.String("user_id", c.userID), zap.Error(err))
		}
	}
}

// Online reports whether the participant has an open socket on this replica
func (h *Hub) Online(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connections[userID] > 0
}

// readPump reads frames until the socket closes, then cancels the session
func (c *Client) readPump(onFrame func(*Client, []byte)) {
	defer c.cancel()

	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID),
					zap.String("kind", c.kind),
					zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage || onFrame == nil {
			continue
		}
		if c.hub.metrics != nil {
			c.hub.metrics.RecordWebSocketMessage(c.kind, "inbound")
		}
		onFrame(c, message)
	}
}

// writePump writes queued frames and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.closeWrite()
			return

		case <-c.finished:
			c.flush()
			c.closeWrite()
			return

		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.cancel()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *Client) write(frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		logger.Error("Failed to marshal WebSocket frame", zap.String("type", frame.Type), zap.Error(err))
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}
	if c.hub.metrics != nil {
		c.hub.metrics.RecordWebSocketMessage(c.kind, "outbound")
	}
	return nil
}

// flush writes whatever the session queued before it finished
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) closeWrite() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// inbound is the envelope of every client-to-server frame
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func decode(c *Client, raw []byte) (inbound, bool) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Type == "" {
		c.SendError(apperrors.ValidationError("Invalid frame"))
		return in, false
	}
	return in, true
}
