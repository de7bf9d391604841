package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/fieldstore/internal/broker"
	"github.com/devrev/pairdb/fieldstore/internal/model"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = feedPongWait * 9 / 10
)

// Notifications is the source of changed and deleted documents
type Notifications interface {
	Changed() *broker.Subscription[*model.Document]
	Deleted() *broker.Subscription[*model.Document]
}

// FeedMessage is pushed to websocket clients for every notification
type FeedMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Rev      string `json:"rev,omitempty"`
	Category string `json:"category,omitempty"`
	// Conflicted is set when the document has open conflicts
	Conflicted bool `json:"conflicted,omitempty"`
}

// FeedHandler streams document notifications over websockets
type FeedHandler struct {
	source   Notifications
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewFeedHandler creates a feed handler over source
func NewFeedHandler(source Notifications, logger *zap.Logger) *FeedHandler {
	return &FeedHandler{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the connection and streams until the client leaves
func (h *FeedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	changed := h.source.Changed()
	defer changed.Unsubscribe()
	deleted := h.source.Deleted()
	defer deleted.Unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.readLoop(conn, cancel)

	h.logger.Debug("Feed client connected", zap.String("remote_addr", r.RemoteAddr))
	defer h.logger.Debug("Feed client disconnected", zap.String("remote_addr", r.RemoteAddr))

	ping := time.NewTicker(feedPingPeriod)
	defer ping.Stop()

	for {
		var msg FeedMessage
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(feedWriteWait))
			return
		case <-changed.Done():
			return
		case <-deleted.Done():
			return
		case doc := <-changed.C():
			msg = FeedMessage{
				Type:       "changed",
				ID:         doc.ID(),
				Rev:        doc.Rev,
				Category:   doc.Resource.Category,
				Conflicted: doc.HasConflicts(),
			}
		case doc := <-deleted.C():
			msg = FeedMessage{Type: "deleted", ID: doc.ID()}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return
			}
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Debug("Feed write failed", zap.Error(err))
			return
		}
	}
}

// readLoop consumes control frames and cancels when the client goes away
func (h *FeedHandler) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
