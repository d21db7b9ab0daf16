package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// Connection 串列埠或 WebSocket 的位元組通道
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// SerialConnection 串列埠
type SerialConnection struct {
	port serial.Port
}

func (s *SerialConnection) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *SerialConnection) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *SerialConnection) Close() error                { return s.port.Close() }

// OpenSerialConnection 開啟 TP1 串列埠 (8E1)
func OpenSerialConnection(portName string, baudRate int) (Connection, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("開啟串列埠 %s 失敗: %w", portName, err)
	}
	return &SerialConnection{port: port}, nil
}

var ErrConnectionClosed = errors.New("websocket 連線已關閉")

// WebSocketConnection 每次 Write 送出一個 binary message
type WebSocketConnection struct {
	conn   *websocket.Conn
	buf    []byte
	off    int
	closed bool
	wmu    sync.Mutex
}

// NewWebSocketConnection 包裝已建立的 websocket 連線
func NewWebSocketConnection(conn *websocket.Conn) *WebSocketConnection {
	return &WebSocketConnection{conn: conn}
}

func (w *WebSocketConnection) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}
	if w.off < len(w.buf) {
		n := copy(p, w.buf[w.off:])
		w.off += n
		return n, nil
	}
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		w.buf = data
		n := copy(p, w.buf)
		w.off = n
		return n, nil
	}
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}

// DialWebSocketConnection 連線到虛擬匯流排
func DialWebSocketConnection(ctx context.Context, wsURL string) (Connection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("無效的 URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("不支援的 URL scheme: %s (請使用 ws:// 或 wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket 連線失敗 (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket 連線失敗: %w", err)
	}
	return NewWebSocketConnection(conn), nil
}

// LinkStats 鏈路統計
type LinkStats struct {
	FramesRx       uint64 `json:"frames_rx"`
	FramesTx       uint64 `json:"frames_tx"`
	DecodeErrors   uint64 `json:"decode_errors"`
	DroppedInbound uint64 `json:"dropped_inbound"`
	WriteErrors    uint64 `json:"write_errors"`
}

type linkItem struct {
	ev TransceiverEvent
	t  *Telegram
}

const linkInboundSize = 64

// LinkTransceiver 透過 Connection 收發報文
//
// 讀取 goroutine 只負責解碼並放進有界通道，事件一律在 RunReceiveStep 內回呼。
type LinkTransceiver struct {
	dial   func() (Connection, error)
	logger *zap.Logger

	mu          sync.Mutex
	conn        Connection
	done        chan struct{}
	handler     EventHandler
	pending     []byte
	initialized bool

	inbound chan linkItem

	framesRx       atomic.Uint64
	framesTx       atomic.Uint64
	decodeErrors   atomic.Uint64
	droppedInbound atomic.Uint64
	writeErrors    atomic.Uint64
}

// NewLinkTransceiver 建立鏈路收發器，dial 於每次 Reset 時建立連線
func NewLinkTransceiver(dial func() (Connection, error), logger *zap.Logger) *LinkTransceiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinkTransceiver{
		dial:    dial,
		logger:  logger,
		inbound: make(chan linkItem, linkInboundSize),
	}
}

// Reset 關閉舊連線並重新建立
func (l *LinkTransceiver) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closeLocked()
	l.initialized = false
	l.pending = nil
	l.drainInbound()

	conn, err := l.dial()
	if err != nil {
		return fmt.Errorf("收發器重置失敗: %w", err)
	}
	l.conn = conn
	l.done = make(chan struct{})
	go l.readLoop(conn, l.done)
	return nil
}

func (l *LinkTransceiver) Init() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initialized = true
}

func (l *LinkTransceiver) Attach(h EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *LinkTransceiver) SendTelegram(t *Telegram) error {
	frame, err := t.Encode()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending != nil {
		return ErrTransceiverBusy
	}
	l.pending = frame
	return nil
}

// RunReceiveStep 每次最多處理一筆事件
func (l *LinkTransceiver) RunReceiveStep() {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h == nil {
		return
	}
	select {
	case it := <-l.inbound:
		h.HandleEvent(it.ev, it.t)
	default:
	}
}

// RunTransmitStep 寫出等待中的幀並回報確認
func (l *LinkTransceiver) RunTransmitStep() {
	l.mu.Lock()
	frame := l.pending
	conn := l.conn
	h := l.handler
	l.pending = nil
	l.mu.Unlock()

	if frame == nil || h == nil {
		return
	}
	if conn == nil {
		h.HandleTxAck(TxAckResetBeforeAck)
		return
	}
	if _, err := conn.Write(frame); err != nil {
		l.writeErrors.Add(1)
		l.logger.Warn("寫出報文失敗", zap.Error(err))
		h.HandleTxAck(TxAckNack)
		return
	}
	l.framesTx.Add(1)
	h.HandleTxAck(TxAckOK)
}

func (l *LinkTransceiver) IsActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initialized && l.conn != nil
}

func (l *LinkTransceiver) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initialized = false
	return l.closeLocked()
}

func (l *LinkTransceiver) closeLocked() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	done := l.done
	l.done = nil
	// 讀取 goroutine 可能正阻塞在通道上，先解鎖等它結束
	l.mu.Unlock()
	<-done
	l.mu.Lock()
	return err
}

// Stats 鏈路統計
func (l *LinkTransceiver) Stats() LinkStats {
	return LinkStats{
		FramesRx:       l.framesRx.Load(),
		FramesTx:       l.framesTx.Load(),
		DecodeErrors:   l.decodeErrors.Load(),
		DroppedInbound: l.droppedInbound.Load(),
		WriteErrors:    l.writeErrors.Load(),
	}
}

func (l *LinkTransceiver) drainInbound() {
	for {
		select {
		case <-l.inbound:
		default:
			return
		}
	}
}

func (l *LinkTransceiver) push(it linkItem) {
	select {
	case l.inbound <- it:
	default:
		l.droppedInbound.Add(1)
	}
}

func (l *LinkTransceiver) readLoop(conn Connection, done chan struct{}) {
	defer close(done)

	var dec TelegramDecoder
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		for _, b := range buf[:n] {
			t, derr := dec.DecodeByte(b)
			if derr != nil {
				l.decodeErrors.Add(1)
				l.logger.Debug("報文解碼失敗", zap.Error(derr))
				l.push(linkItem{ev: EventReceptionError})
				continue
			}
			if t != nil {
				l.framesRx.Add(1)
				l.push(linkItem{ev: EventTelegramReceived, t: t})
			}
		}
		if err != nil {
			l.logger.Debug("鏈路讀取結束", zap.Error(err))
			l.push(linkItem{ev: EventReset})
			return
		}
	}
}
