package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"echo-vault/internal/metrics"
	"echo-vault/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 256
)

// Connection one websocket subscriber
type Connection struct {
	ID     string          `json:"id"`
	Sender string          `json:"sender"` // lowercase sender filter, empty = every transfer
	Conn   *websocket.Conn `json:"-"`
	Send   chan []byte     `json:"-"`
}

// PushMessage message pushed to subscribers
type PushMessage struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	MessageID string      `json:"message_id"`
	Data      interface{} `json:"data"`
}

// WebSocketPushService pushes transfer record transitions to websocket clients
type WebSocketPushService struct {
	connections map[string]*Connection
	mutex       sync.RWMutex
	logger      *logrus.Logger
}

// NewWebSocketPushService Create push service
func NewWebSocketPushService(logger *logrus.Logger) *WebSocketPushService {
	return &WebSocketPushService{
		connections: make(map[string]*Connection),
		logger:      logger,
	}
}

// NewConnection builds a subscriber for conn filtered on sender
func NewConnection(conn *websocket.Conn, sender string) *Connection {
	return &Connection{
		ID:     uuid.New().String(),
		Sender: strings.ToLower(strings.TrimSpace(sender)),
		Conn:   conn,
		Send:   make(chan []byte, wsSendBuffer),
	}
}

// Register adds conn to the broadcast set
func (s *WebSocketPushService) Register(conn *Connection) {
	s.mutex.Lock()
	s.connections[conn.ID] = conn
	count := len(s.connections)
	s.mutex.Unlock()

	metrics.WebSocketClients.Set(float64(count))
	s.logger.WithFields(logrus.Fields{
		"conn_id": conn.ID,
		"sender":  conn.Sender,
	}).Info("📱 [WebSocket] client registered")
}

// Unregister removes conn; its Send channel is closed once
func (s *WebSocketPushService) Unregister(conn *Connection) {
	s.mutex.Lock()
	_, ok := s.connections[conn.ID]
	if ok {
		delete(s.connections, conn.ID)
		close(conn.Send)
	}
	count := len(s.connections)
	s.mutex.Unlock()

	if ok {
		metrics.WebSocketClients.Set(float64(count))
		s.logger.WithField("conn_id", conn.ID).Info("📱 [WebSocket] client unregistered")
	}
}

// ConnectionCount number of registered clients
func (s *WebSocketPushService) ConnectionCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.connections)
}

// PublishTransferEvent queues event for every matching client without blocking.
// Clients whose buffer is full miss the message.
func (s *WebSocketPushService) PublishTransferEvent(ctx context.Context, event *models.TransferEvent) error {
	data, err := json.Marshal(PushMessage{
		Type:      "transfer_update",
		Timestamp: time.Unix(event.Timestamp, 0).UTC().Format(time.RFC3339),
		MessageID: event.ID,
		Data:      event,
	})
	if err != nil {
		return err
	}

	sender := ""
	if event.Record != nil {
		sender = strings.ToLower(event.Record.From)
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	dropped := 0
	for _, conn := range s.connections {
		if conn.Sender != "" && conn.Sender != sender {
			continue
		}
		select {
		case conn.Send <- data:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		metrics.EventsPublishFailed.WithLabelValues("websocket").Add(float64(dropped))
		s.logger.WithFields(logrus.Fields{
			"event_id": event.ID,
			"dropped":  dropped,
		}).Warn("⚠️ [WebSocket] client buffers full, message dropped")
	}
	return nil
}

// Serve pumps messages to conn until the client goes away. It blocks.
func (s *WebSocketPushService) Serve(conn *Connection) {
	s.Register(conn)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readLoop(conn)
	}()
	s.writeLoop(conn, done)
	s.Unregister(conn)
	conn.Conn.Close()
}

// readLoop drains client frames so pongs and close frames are processed
func (s *WebSocketPushService) readLoop(conn *Connection) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("❌ [WebSocket] read loop panicked")
		}
	}()
	conn.Conn.SetReadLimit(512)
	conn.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).WithField("conn_id", conn.ID).Debug("🔌 [WebSocket] read error")
			}
			return
		}
	}
}

func (s *WebSocketPushService) writeLoop(conn *Connection, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.WithError(err).WithField("conn_id", conn.ID).Warn("❌ [WebSocket] write failed")
				return
			}
		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
