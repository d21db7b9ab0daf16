package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// BusStats 虛擬匯流排統計
type BusStats struct {
	Clients       int    `json:"clients"`
	FramesRelayed uint64 `json:"frames_relayed"`
	Connects      uint64 `json:"connects"`
}

type busClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// BusHub 虛擬匯流排：把每個 binary frame 轉送給其他所有連線
type BusHub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*busClient

	relayed  atomic.Uint64
	connects atomic.Uint64

	server *http.Server
}

// NewBusHub 建立虛擬匯流排
func NewBusHub(logger *zap.Logger) *BusHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BusHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*busClient),
	}
}

// ServeHTTP 升級為 websocket 並加入匯流排
func (h *BusHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket 升級失敗", zap.Error(err))
		return
	}

	c := &busClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.connects.Add(1)

	h.logger.Info("節點已連線",
		zap.String("client", c.id),
		zap.String("remote", r.RemoteAddr),
	)

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *BusHub) readLoop(c *busClient) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		close(c.send)
		c.conn.Close()
		h.logger.Info("節點已離線", zap.String("client", c.id))
	}()

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		h.broadcast(c.id, data)
	}
}

func (h *BusHub) writeLoop(c *busClient) {
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			h.logger.Debug("轉送失敗", zap.String("client", c.id), zap.Error(err))
			c.conn.Close()
			// 繼續消耗通道直到 readLoop 關閉它
		}
	}
}

func (h *BusHub) broadcast(from string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, c := range h.clients {
		if id == from {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("節點佇列已滿，丟棄報文", zap.String("client", id))
		}
	}
	h.relayed.Add(1)
}

// Stats 取得統計
func (h *BusHub) Stats() BusStats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return BusStats{
		Clients:       n,
		FramesRelayed: h.relayed.Load(),
		Connects:      h.connects.Load(),
	}
}

// ListenAndServe 啟動 HTTP 服務
func (h *BusHub) ListenAndServe(listen, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, h)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK clients=%d\n", h.Stats().Clients)
	})

	h.server = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	h.logger.Info("虛擬匯流排已啟動", zap.String("listen", listen), zap.String("path", path))

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("虛擬匯流排服務失敗: %w", err)
	}
	return nil
}

// Shutdown 停止服務並關閉所有連線
func (h *BusHub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	for _, c := range h.clients {
		c.conn.Close()
	}
	h.mu.RUnlock()
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}
