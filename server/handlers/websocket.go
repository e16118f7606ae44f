package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/san-kum/rider-fcw/server/processor"
	"github.com/san-kum/rider-fcw/server/telemetry"
)

const (
	wsReadLimit  = 10 * 1024 * 1024
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsWriteWait  = 10 * time.Second
)

type WebSocketHandler struct {
	processor *processor.FrameProcessor
	feed      *telemetry.Feed
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

type ClientMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// TelemetryMessage is the data of a "telemetry" message. Sentence carries a
// raw NMEA line; Payload carries speed or IMU JSON.
type TelemetryMessage struct {
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Sentence string          `json:"sentence,omitempty"`
}

func NewWebSocketHandler(fp *processor.FrameProcessor, feed *telemetry.Feed, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		processor: fp,
		feed:      feed,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// wsConn is one connected stream. Frames go through a LatestSlot so a slow
// evaluation never builds a backlog; replies share one write lock.
type wsConn struct {
	h         *WebSocketHandler
	conn      *websocket.Conn
	writeMu   sync.Mutex
	sessionID string
	profile   string
	ephemeral bool
	slot      *processor.LatestSlot
	ctx       context.Context
	logger    *zap.Logger
}

// HandleWebSocket serves /ws. The session query parameter lets a client resume
// its session across reconnects; without it the connection gets a fresh id
// and its session ends with the connection.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())

	ws := &wsConn{
		h:         h,
		conn:      conn,
		sessionID: c.Query("session"),
		profile:   c.Query("profile"),
		ctx:       ctx,
	}
	if ws.sessionID == "" {
		ws.sessionID = uuid.NewString()
		ws.ephemeral = true
	}
	ws.logger = h.logger.With(zap.String("session", ws.sessionID), zap.String("client_ip", c.ClientIP()))
	ws.slot = processor.NewLatestSlot(ws.evaluate, h.processor.FrameDropped, ws.logger)

	ws.logger.Info("WebSocket client connected")
	defer ws.close()
	defer cancel()

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go ws.pingRoutine(done)

	ws.send("session", gin.H{"session_id": ws.sessionID, "profile": ws.profile})

	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}
		ws.handleMessage(&message)
	}
}

func (ws *wsConn) close() {
	if err := ws.slot.Shutdown(2 * time.Second); err != nil {
		ws.logger.Warn("Frame worker did not stop", zap.Error(err))
	}
	if ws.ephemeral {
		ws.h.processor.EndSession(ws.sessionID)
	}
	stats := ws.slot.Stats()
	ws.logger.Info("WebSocket client disconnected",
		zap.Uint64("frames", stats.Offered),
		zap.Uint64("dropped", stats.Dropped))
}

func (ws *wsConn) handleMessage(message *ClientMessage) {
	switch message.Type {
	case "frame":
		ws.enqueueFrame(message)
	case "telemetry":
		ws.ingestTelemetry(message)
	case "reset":
		ws.send("reset", gin.H{"session_id": ws.sessionID, "reset": ws.h.processor.ResetSession(ws.sessionID)})
	case "ping":
		ws.send("pong", gin.H{"timestamp": time.Now().UnixMilli()})
	default:
		ws.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		ws.sendError("invalid_request", "Unknown message type: "+message.Type)
	}
}

func (ws *wsConn) enqueueFrame(message *ClientMessage) {
	var upload FrameUpload
	if err := json.Unmarshal(message.Data, &upload); err != nil {
		ws.sendError("invalid_request", "Invalid frame format")
		return
	}
	req, err := upload.Request()
	if err != nil {
		ws.sendError("invalid_request", err.Error())
		return
	}
	req.SessionID = ws.sessionID
	if req.Profile == "" {
		req.Profile = ws.profile
	}
	if req.Timestamp == 0 {
		req.Timestamp = message.Timestamp
	}

	if _, ok := ws.slot.Offer(&processor.QueueItem{Request: req, ReceivedAt: time.Now()}); !ok {
		ws.sendError("unavailable", "Connection is closing")
	}
}

func (ws *wsConn) evaluate(item *processor.QueueItem) {
	decision, err := ws.h.processor.ProcessFrame(ws.ctx, item.Request)
	if err != nil {
		ws.logger.Warn("Frame processing failed", zap.Error(err))
		_, code := statusFor(err)
		ws.sendError(code, err.Error())
		return
	}
	ws.send("decision", decision)
}

func (ws *wsConn) ingestTelemetry(message *ClientMessage) {
	if ws.h.feed == nil {
		ws.sendError("unavailable", "Telemetry feed disabled")
		return
	}
	var t TelemetryMessage
	if err := json.Unmarshal(message.Data, &t); err != nil {
		ws.sendError("invalid_request", "Invalid telemetry format")
		return
	}
	payload := []byte(t.Payload)
	if t.Kind == telemetry.KindNMEA {
		payload = []byte(t.Sentence)
	}
	if err := ws.h.feed.Ingest(ws.sessionID, t.Kind, payload); err != nil {
		ws.sendError("invalid_request", err.Error())
	}
}

func (ws *wsConn) send(messageType string, data any) {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := ws.conn.WriteJSON(ServerMessage{Type: messageType, Data: data}); err != nil {
		ws.logger.Debug("Failed to send WebSocket message", zap.String("type", messageType), zap.Error(err))
	}
}

func (ws *wsConn) sendError(code, message string) {
	ws.send("error", gin.H{
		"code":      code,
		"message":   message,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (ws *wsConn) pingRoutine(done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ws.writeMu.Lock()
			err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			ws.writeMu.Unlock()
			if err != nil {
				ws.logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}
