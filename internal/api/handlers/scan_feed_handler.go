package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/apk-analysis/apk-rgb-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const feedWriteTimeout = 5 * time.Second

// ScanFeedHandler 通过 WebSocket 推送扫描事件
type ScanFeedHandler struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[*websocket.Conn]struct{}
	clientMutex sync.RWMutex
	broadcast   chan service.ScanEvent
}

// NewScanFeedHandler 创建扫描事件推送处理器
func NewScanFeedHandler(logger *logrus.Logger) *ScanFeedHandler {
	return &ScanFeedHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源（生产环境需要限制）
			},
		},
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan service.ScanEvent, 100),
	}
}

// Start 启动广播循环，ctx 取消后关闭所有连接
func (h *ScanFeedHandler) Start(ctx context.Context) {
	go h.run(ctx)
}

func (h *ScanFeedHandler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case event := <-h.broadcast:
			h.send(event)
		}
	}
}

func (h *ScanFeedHandler) send(event service.ScanEvent) {
	h.clientMutex.RLock()
	var dead []*websocket.Conn
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		if err := conn.WriteJSON(event); err != nil {
			h.logger.WithError(err).Warn("Failed to write to WebSocket client")
			dead = append(dead, conn)
		}
	}
	h.clientMutex.RUnlock()

	for _, conn := range dead {
		h.remove(conn)
	}
}

func (h *ScanFeedHandler) remove(conn *websocket.Conn) {
	h.clientMutex.Lock()
	delete(h.clients, conn)
	h.clientMutex.Unlock()
	conn.Close()
}

func (h *ScanFeedHandler) closeAll() {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// PublishScan 非阻塞投递，通道满时丢弃
func (h *ScanFeedHandler) PublishScan(event service.ScanEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Broadcast channel is full, dropping scan event")
	}
}

// ClientCount 当前连接数
func (h *ScanFeedHandler) ClientCount() int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket GET /ws/scans
func (h *ScanFeedHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	h.clientMutex.Lock()
	h.clients[conn] = struct{}{}
	h.clientMutex.Unlock()
	h.logger.Info("WebSocket client connected")

	// 只读取以检测断开，客户端消息忽略
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.remove(conn)
	h.logger.Info("WebSocket client disconnected")
}
