package main

import (
	"errors"
	"sync"
)

// TransceiverEvent 收發器事件
type TransceiverEvent uint8

const (
	EventReset TransceiverEvent = iota
	EventTelegramReceived
	EventReceptionError
	EventStateIndication
)

func (e TransceiverEvent) String() string {
	switch e {
	case EventReset:
		return "reset"
	case EventTelegramReceived:
		return "telegram_received"
	case EventReceptionError:
		return "reception_error"
	case EventStateIndication:
		return "state_indication"
	default:
		return "unknown"
	}
}

// TxAck 發送確認結果
type TxAck uint8

const (
	TxAckOK TxAck = iota
	TxAckNack
	TxAckTimeout
	TxAckResetBeforeAck
)

func (a TxAck) String() string {
	switch a {
	case TxAckOK:
		return "ack"
	case TxAckNack:
		return "nack"
	case TxAckTimeout:
		return "timeout"
	case TxAckResetBeforeAck:
		return "reset_before_ack"
	default:
		return "unknown"
	}
}

// EventHandler 收發器回呼
type EventHandler interface {
	HandleEvent(ev TransceiverEvent, t *Telegram)
	HandleTxAck(ack TxAck)
}

// Transceiver 匯流排收發器
//
// 回呼只會在 Reset、RunReceiveStep、RunTransmitStep 之中被呼叫。
type Transceiver interface {
	Reset() error
	Init()
	Attach(h EventHandler)
	SendTelegram(t *Telegram) error
	RunReceiveStep()
	RunTransmitStep()
	IsActive() bool
	Close() error
}

var ErrTransceiverBusy = errors.New("收發器正在發送")

type injected struct {
	ev TransceiverEvent
	t  *Telegram
}

// LoopbackTransceiver 記憶體收發器，用於測試與單機執行
type LoopbackTransceiver struct {
	mu sync.Mutex

	handler     EventHandler
	inbound     []injected
	pending     *Telegram
	sent        []*Telegram
	ack         TxAck
	resetFails  int
	resetCalls  int
	initialized bool
	closed      bool

	// OnSend 每送出一幀時呼叫 (在 RunTransmitStep 內)
	OnSend func(t *Telegram)
}

// NewLoopbackTransceiver 建立記憶體收發器
func NewLoopbackTransceiver() *LoopbackTransceiver {
	return &LoopbackTransceiver{ack: TxAckOK}
}

// SetAckOutcome 設定後續發送的確認結果
func (l *LoopbackTransceiver) SetAckOutcome(ack TxAck) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ack = ack
}

// FailResets 讓接下來 n 次 Reset 失敗
func (l *LoopbackTransceiver) FailResets(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetFails = n
}

// ResetCalls Reset 被呼叫次數
func (l *LoopbackTransceiver) ResetCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resetCalls
}

// Inject 排入一筆收到的報文
func (l *LoopbackTransceiver) Inject(t *Telegram) {
	l.InjectEvent(EventTelegramReceived, t)
}

// InjectEvent 排入任意事件
func (l *LoopbackTransceiver) InjectEvent(ev TransceiverEvent, t *Telegram) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inbound = append(l.inbound, injected{ev: ev, t: t})
}

// Sent 已送出的報文
func (l *LoopbackTransceiver) Sent() []*Telegram {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Telegram, len(l.sent))
	copy(out, l.sent)
	return out
}

// Pending 是否有等待發送的報文
func (l *LoopbackTransceiver) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending != nil
}

func (l *LoopbackTransceiver) Reset() error {
	l.mu.Lock()
	l.resetCalls++
	if l.resetFails > 0 {
		l.resetFails--
		l.mu.Unlock()
		return errors.New("收發器重置失敗")
	}
	l.initialized = false
	l.pending = nil
	l.closed = false
	l.mu.Unlock()
	return nil
}

func (l *LoopbackTransceiver) Init() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initialized = true
}

func (l *LoopbackTransceiver) Attach(h EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *LoopbackTransceiver) SendTelegram(t *Telegram) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending != nil {
		return ErrTransceiverBusy
	}
	l.pending = t
	return nil
}

// RunReceiveStep 每次最多送出一筆事件
func (l *LoopbackTransceiver) RunReceiveStep() {
	l.mu.Lock()
	if len(l.inbound) == 0 || l.handler == nil {
		l.mu.Unlock()
		return
	}
	in := l.inbound[0]
	l.inbound = l.inbound[1:]
	h := l.handler
	l.mu.Unlock()

	h.HandleEvent(in.ev, in.t)
}

// RunTransmitStep 送出等待中的報文並回報確認結果
func (l *LoopbackTransceiver) RunTransmitStep() {
	l.mu.Lock()
	t := l.pending
	if t == nil || l.handler == nil {
		l.mu.Unlock()
		return
	}
	l.pending = nil
	l.sent = append(l.sent, t)
	ack := l.ack
	h := l.handler
	onSend := l.OnSend
	l.mu.Unlock()

	if onSend != nil {
		onSend(t)
	}
	h.HandleTxAck(ack)
}

func (l *LoopbackTransceiver) IsActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initialized && !l.closed
}

func (l *LoopbackTransceiver) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.inbound = nil
	l.pending = nil
	return nil
}
