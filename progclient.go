package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrProgTimeout 等待回覆逾時
var ErrProgTimeout = errors.New("等待編程回覆逾時")

// DeviceInfo 裝置資訊回覆
type DeviceInfo struct {
	Manufacturer      uint16 `json:"manufacturer"`
	DeviceID          uint8  `json:"device_id"`
	Revision          uint8  `json:"revision"`
	Flags             byte   `json:"flags"`
	IndividualAddress uint16 `json:"individual_address"`
}

// Factory 是否仍為出廠狀態
func (i DeviceInfo) Factory() bool {
	return i.Flags&DeviceFlagFactory != 0
}

// ObjectAddress 物件編號與群組位址
type ObjectAddress struct {
	Index   uint8  `json:"index"`
	Address uint16 `json:"address"`
}

// ProgClient 編程工具端，透過匯流排連線對裝置物件 0 發送請求
type ProgClient struct {
	conn   Connection
	source uint16
	logger *zap.Logger

	frames chan []byte
	done   chan struct{}

	wmu    sync.Mutex
	reqMu  sync.Mutex
	errMu  sync.Mutex
	rerr   error
	closed bool
}

// NewProgClient 建立編程客戶端，source 為工具自身的個別位址
func NewProgClient(conn Connection, source uint16, logger *zap.Logger) *ProgClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ProgClient{
		conn:   conn,
		source: source,
		logger: logger,
		frames: make(chan []byte, 32),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close 關閉連線
func (c *ProgClient) Close() error {
	c.errMu.Lock()
	if c.closed {
		c.errMu.Unlock()
		return nil
	}
	c.closed = true
	c.errMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

func (c *ProgClient) readLoop() {
	defer close(c.done)
	defer close(c.frames)

	var dec TelegramDecoder
	buf := make([]byte, 256)
	for {
		n, err := c.conn.Read(buf)
		for _, b := range buf[:n] {
			t, derr := dec.DecodeByte(b)
			if derr != nil {
				c.logger.Debug("報文解碼失敗", zap.Error(derr))
				continue
			}
			if t == nil || !isProgTelegram(t) {
				continue
			}
			select {
			case c.frames <- t.Data:
			default:
				c.logger.Debug("回覆通道已滿，丟棄", zap.Binary("frame", t.Data))
			}
		}
		if err != nil {
			c.errMu.Lock()
			c.rerr = err
			c.errMu.Unlock()
			return
		}
	}
}

func isProgTelegram(t *Telegram) bool {
	return t.Group &&
		t.Destination == ProgObjectAddress &&
		t.Command == CommandValueWrite &&
		!t.Short &&
		len(t.Data) == ProgFrameLength &&
		t.Data[0] == ProgProtocolVersion
}

func newProgRequest(t MsgType) []byte {
	f := make([]byte, ProgFrameLength)
	f[0] = ProgProtocolVersion
	f[1] = byte(t)
	return f
}

func (c *ProgClient) send(frame []byte) error {
	t := NewGroupTelegram(c.source, ProgObjectAddress, CommandValueWrite)
	t.SetValue(frame, false)
	raw, err := t.Encode()
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(raw); err != nil {
		return fmt.Errorf("送出編程幀失敗: %w", err)
	}
	c.logger.Debug("送出編程幀",
		zap.Stringer("msg_type", MsgType(frame[1])),
		zap.Binary("frame", frame),
	)
	return nil
}

func (c *ProgClient) readErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.rerr != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, c.rerr)
	}
	return ErrConnectionClosed
}

// request 送出請求並等待第一個 accept 為真的回覆
func (c *ProgClient) request(ctx context.Context, frame []byte, accept func(f []byte) bool) ([]byte, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	// 丟棄先前殘留的回覆
	for drained := false; !drained; {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return nil, c.readErr()
			}
		default:
			drained = true
		}
	}

	if err := c.send(frame); err != nil {
		return nil, err
	}
	if accept == nil {
		return nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrProgTimeout, MsgType(frame[1]))
		case f, ok := <-c.frames:
			if !ok {
				return nil, c.readErr()
			}
			if accept(f) {
				return f, nil
			}
		}
	}
}

func acceptType(types ...MsgType) func([]byte) bool {
	return func(f []byte) bool {
		for _, t := range types {
			if MsgType(f[1]) == t {
				return true
			}
		}
		return false
	}
}

// ackError 將 ACK 幀轉換為錯誤
func ackError(f []byte, op string) error {
	if f[2] == 0x00 {
		return nil
	}
	return fmt.Errorf("%w (index %d)", deviceError(Status(f[3]), op), f[4])
}

// ReadDeviceInfo 讀取裝置識別資訊
func (c *ProgClient) ReadDeviceInfo(ctx context.Context) (DeviceInfo, error) {
	f, err := c.request(ctx, newProgRequest(MsgReadDeviceInfo), acceptType(MsgAnswerDeviceInfo))
	if err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{
		Manufacturer:      uint16(f[2])<<8 | uint16(f[3]),
		DeviceID:          f[4],
		Revision:          f[5],
		Flags:             f[6],
		IndividualAddress: uint16(f[7])<<8 | uint16(f[8]),
	}, nil
}

// WriteProgrammingMode 切換指定裝置的編程模式
func (c *ProgClient) WriteProgrammingMode(ctx context.Context, ia uint16, on bool) error {
	req := newProgRequest(MsgWriteProgrammingMode)
	req[2] = byte(ia >> 8)
	req[3] = byte(ia)
	if on {
		req[4] = 0x01
	}
	f, err := c.request(ctx, req, acceptType(MsgAck))
	if err != nil {
		return err
	}
	return ackError(f, "write programming mode")
}

// ReadProgrammingMode 取得處於編程模式的裝置位址
func (c *ProgClient) ReadProgrammingMode(ctx context.Context) (uint16, error) {
	f, err := c.request(ctx, newProgRequest(MsgReadProgrammingMode), acceptType(MsgAnswerProgrammingMode))
	if err != nil {
		return 0, err
	}
	return uint16(f[2])<<8 | uint16(f[3]), nil
}

// Restart 要求裝置重新啟動 (無回覆)
func (c *ProgClient) Restart(ctx context.Context, ia uint16) error {
	req := newProgRequest(MsgRestart)
	req[2] = byte(ia >> 8)
	req[3] = byte(ia)
	_, err := c.request(ctx, req, nil)
	return err
}

// WriteIndividualAddress 寫入編程模式中裝置的個別位址
func (c *ProgClient) WriteIndividualAddress(ctx context.Context, ia uint16) error {
	req := newProgRequest(MsgWriteIndividualAddress)
	req[2] = byte(ia >> 8)
	req[3] = byte(ia)
	f, err := c.request(ctx, req, acceptType(MsgAck))
	if err != nil {
		return err
	}
	return ackError(f, "write individual address")
}

// ReadIndividualAddress 讀取個別位址
func (c *ProgClient) ReadIndividualAddress(ctx context.Context) (uint16, error) {
	f, err := c.request(ctx, newProgRequest(MsgReadIndividualAddress), acceptType(MsgAnswerIndividualAddr))
	if err != nil {
		return 0, err
	}
	return uint16(f[2])<<8 | uint16(f[3]), nil
}

// WriteParameter 寫入參數 (big-endian，最多 11 bytes)
func (c *ProgClient) WriteParameter(ctx context.Context, index uint8, value []byte) error {
	if len(value) > ProgPayloadLength {
		return fmt.Errorf("參數值過長: %d bytes", len(value))
	}
	req := newProgRequest(MsgWriteParameter)
	req[2] = index
	copy(req[3:], value)
	f, err := c.request(ctx, req, acceptType(MsgAck))
	if err != nil {
		return err
	}
	return ackError(f, "write parameter")
}

// ReadParameter 讀取參數，回傳 11 bytes 的值區 (由寬度決定有效長度)
func (c *ProgClient) ReadParameter(ctx context.Context, index uint8) ([]byte, error) {
	req := newProgRequest(MsgReadParameter)
	req[2] = index
	f, err := c.request(ctx, req, acceptType(MsgAnswerParameter, MsgAck))
	if err != nil {
		return nil, err
	}
	if MsgType(f[1]) == MsgAck {
		if err := ackError(f, "read parameter"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("未預期的 ACK 回覆")
	}
	out := make([]byte, ProgPayloadLength)
	copy(out, f[3:])
	return out, nil
}

// WriteComObjects 寫入物件群組位址，每幀最多 3 筆
func (c *ProgClient) WriteComObjects(ctx context.Context, entries []ObjectAddress) error {
	for start := 0; start < len(entries); start += ProgMaxTuples {
		chunk := entries[start:min(start+ProgMaxTuples, len(entries))]
		req := newProgRequest(MsgWriteComObject)
		req[2] = byte(len(chunk))
		for i, e := range chunk {
			off := 3 + i*3
			req[off] = e.Index
			req[off+1] = byte(e.Address >> 8)
			req[off+2] = byte(e.Address)
		}
		f, err := c.request(ctx, req, acceptType(MsgAck))
		if err != nil {
			return err
		}
		if err := ackError(f, "write com object"); err != nil {
			return err
		}
	}
	return nil
}

// ReadComObjects 讀取物件群組位址，每幀最多 3 筆
func (c *ProgClient) ReadComObjects(ctx context.Context, ids []uint8) ([]ObjectAddress, error) {
	out := make([]ObjectAddress, 0, len(ids))
	for start := 0; start < len(ids); start += ProgMaxTuples {
		chunk := ids[start:min(start+ProgMaxTuples, len(ids))]
		req := newProgRequest(MsgReadComObject)
		req[2] = byte(len(chunk))
		copy(req[3:], chunk)
		f, err := c.request(ctx, req, acceptType(MsgAnswerComObject, MsgAck))
		if err != nil {
			return nil, err
		}
		if MsgType(f[1]) == MsgAck {
			if err := ackError(f, "read com object"); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("未預期的 ACK 回覆")
		}
		n := min(int(f[2]), ProgMaxTuples)
		for i := 0; i < n; i++ {
			off := 3 + i*3
			out = append(out, ObjectAddress{
				Index:   f[off],
				Address: uint16(f[off+1])<<8 | uint16(f[off+2]),
			})
		}
	}
	return out, nil
}
