package main

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// DeviceIdentity 裝置識別資訊 (出廠固定)
type DeviceIdentity struct {
	Manufacturer uint16
	DeviceID     uint8
	Revision     uint8
}

// progHost Programmer 需要的執行期能力，由 Device 實作
//
// 所有方法都在 Device 的互斥鎖內被呼叫。
type progHost interface {
	objectCount() int
	objectAddress(i int) uint16
	setObjectAddress(i int, addr uint16)
	sendProgFrame(frame []byte)
	requestRestart()
}

// ProgStats 編程協議統計
type ProgStats struct {
	FramesHandled atomic.Uint64
	FramesIgnored atomic.Uint64
	Replies       atomic.Uint64
}

// Programmer 編程協議處理器 (物件 0)
type Programmer struct {
	identity  DeviceIdentity
	flags     byte
	ia        uint16
	progMode  bool
	params    *ParameterStore
	host      progHost
	indicator func(bool)
	logger    *zap.Logger

	stats ProgStats
}

// NewProgrammer 建立編程協議處理器
func NewProgrammer(identity DeviceIdentity, params *ParameterStore, host progHost, logger *zap.Logger) *Programmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Programmer{
		identity: identity,
		flags:    0xFF,
		ia:       FactoryIndividualAddress,
		params:   params,
		host:     host,
		logger:   logger,
	}
}

// Load 從 NVM 載入裝置旗標、個別位址與物件位址
func (p *Programmer) Load() {
	p.flags = p.params.DeviceFlags()
	if p.factory() {
		p.ia = FactoryIndividualAddress
		p.logger.Info("裝置處於出廠狀態",
			zap.String("ia", FormatIndividualAddress(p.ia)),
		)
		return
	}

	p.ia = p.params.LoadIndividualAddress()
	for k := 1; k < p.host.objectCount(); k++ {
		p.host.setObjectAddress(k, p.params.LoadObjectAddress(k))
	}
	p.logger.Info("已從 NVM 載入位址",
		zap.String("ia", FormatIndividualAddress(p.ia)),
		zap.Int("objects", p.host.objectCount()-1),
	)
}

func (p *Programmer) factory() bool {
	return p.flags&DeviceFlagFactory != 0
}

// IndividualAddress 目前的個別位址
func (p *Programmer) IndividualAddress() uint16 {
	return p.ia
}

// DeviceFlags 目前的裝置旗標
func (p *Programmer) DeviceFlags() byte {
	return p.flags
}

// ProgMode 是否處於編程模式
func (p *Programmer) ProgMode() bool {
	return p.progMode
}

// SetProgMode 設定編程模式並驅動指示燈
func (p *Programmer) SetProgMode(on bool) {
	if p.progMode != on {
		p.logger.Info("編程模式變更", zap.Bool("prog_mode", on))
	}
	p.progMode = on
	if p.indicator != nil {
		p.indicator(on)
	}
}

// ToggleProgMode 編程按鈕
func (p *Programmer) ToggleProgMode() {
	p.SetProgMode(!p.progMode)
}

// HandleFrame 處理物件 0 收到的幀；物件 0 的內容一律由此消化
func (p *Programmer) HandleFrame(frame []byte) bool {
	if len(frame) < 2 {
		p.stats.FramesIgnored.Add(1)
		p.logger.Debug("編程幀長度不足", zap.Binary("frame", frame))
		return true
	}
	if frame[0] != ProgProtocolVersion {
		p.stats.FramesIgnored.Add(1)
		p.logger.Debug("編程協議版本不符，忽略",
			zap.Uint8("version", frame[0]),
			zap.Binary("frame", frame),
		)
		return true
	}

	msg := make([]byte, ProgFrameLength)
	copy(msg, frame)
	t := MsgType(msg[1])

	if isGated(t) && !p.progMode {
		p.stats.FramesIgnored.Add(1)
		p.logger.Debug("未處於編程模式，忽略", zap.Stringer("msg_type", t))
		return true
	}

	p.logger.Debug("收到編程幀",
		zap.Stringer("msg_type", t),
		zap.Binary("frame", msg),
	)

	switch t {
	case MsgAck, MsgAnswerDeviceInfo, MsgAnswerProgrammingMode, MsgAnswerIndividualAddr,
		MsgAnswerParameter, MsgAnswerComObject:
		// 其他裝置的回覆
		p.stats.FramesIgnored.Add(1)
		p.logger.Debug("忽略回覆訊息", zap.Stringer("msg_type", t))
		return true
	case MsgReadDeviceInfo:
		p.handleReadDeviceInfo()
	case MsgRestart:
		p.handleRestart(msg)
	case MsgWriteProgrammingMode:
		p.handleWriteProgrammingMode(msg)
	case MsgReadProgrammingMode:
		p.handleReadProgrammingMode()
	case MsgWriteIndividualAddress:
		p.handleWriteIndividualAddress(msg)
	case MsgReadIndividualAddress:
		p.handleReadIndividualAddress()
	case MsgWriteParameter:
		p.handleWriteParameter(msg)
	case MsgReadParameter:
		p.handleReadParameter(msg)
	case MsgWriteComObject:
		p.handleWriteComObject(msg)
	case MsgReadComObject:
		p.handleReadComObject(msg)
	default:
		p.stats.FramesIgnored.Add(1)
		p.logger.Warn("不支援的編程訊息類型", zap.Uint8("msg_type", msg[1]))
		return true
	}
	p.stats.FramesHandled.Add(1)
	return true
}

func isGated(t MsgType) bool {
	switch t {
	case MsgWriteIndividualAddress, MsgWriteParameter, MsgWriteComObject:
		return true
	default:
		return false
	}
}

func (p *Programmer) newFrame(t MsgType) []byte {
	f := make([]byte, ProgFrameLength)
	f[0] = ProgProtocolVersion
	f[1] = byte(t)
	return f
}

func (p *Programmer) send(frame []byte) {
	p.stats.Replies.Add(1)
	p.host.sendProgFrame(frame)
}

// sendAck [v, 0x00, status, error code, index, 0...]
func (p *Programmer) sendAck(status Status, index byte) {
	f := p.newFrame(MsgAck)
	if status != StatusOK {
		f[2] = 0xFF
	}
	f[3] = byte(status)
	f[4] = index
	p.send(f)
}

func (p *Programmer) handleReadDeviceInfo() {
	f := p.newFrame(MsgAnswerDeviceInfo)
	f[2] = byte(p.identity.Manufacturer >> 8)
	f[3] = byte(p.identity.Manufacturer)
	f[4] = p.identity.DeviceID
	f[5] = p.identity.Revision
	f[6] = p.flags
	f[7] = byte(p.ia >> 8)
	f[8] = byte(p.ia)
	p.send(f)
}

func frameAddress(msg []byte) uint16 {
	return uint16(msg[2])<<8 | uint16(msg[3])
}

func (p *Programmer) handleRestart(msg []byte) {
	if frameAddress(msg) != p.ia {
		return
	}
	p.logger.Info("收到重新啟動要求")
	p.host.requestRestart()
}

func (p *Programmer) handleWriteProgrammingMode(msg []byte) {
	if frameAddress(msg) == p.ia {
		p.SetProgMode(msg[4] == 0x01)
	}
	p.sendAck(StatusOK, 0)
}

func (p *Programmer) handleReadProgrammingMode() {
	if !p.progMode {
		return
	}
	f := p.newFrame(MsgAnswerProgrammingMode)
	f[2] = byte(p.ia >> 8)
	f[3] = byte(p.ia)
	p.send(f)
}

func (p *Programmer) handleWriteIndividualAddress(msg []byte) {
	p.ia = frameAddress(msg)
	if p.factory() {
		p.leaveFactory()
	} else {
		p.params.StoreIndividualAddress(p.ia)
	}
	p.commit()

	p.logger.Info("個別位址已變更", zap.String("ia", FormatIndividualAddress(p.ia)))
	p.sendAck(StatusOK, 0)
}

func (p *Programmer) handleReadIndividualAddress() {
	f := p.newFrame(MsgAnswerIndividualAddr)
	f[2] = byte(p.ia >> 8)
	f[3] = byte(p.ia)
	p.send(f)
}

func (p *Programmer) handleWriteParameter(msg []byte) {
	idx := msg[2]
	if int(idx) >= p.params.Count() {
		p.logger.Debug("參數索引超出範圍", zap.Uint8("index", idx))
		p.sendAck(StatusInvalidIndex, idx)
		return
	}
	width := p.params.Width(int(idx))
	_ = p.params.Write(int(idx), msg[3:3+width])
	p.commit()

	p.logger.Debug("參數已寫入",
		zap.Uint8("index", idx),
		zap.Binary("value", msg[3:3+width]),
	)
	p.sendAck(StatusOK, 0)
}

func (p *Programmer) handleReadParameter(msg []byte) {
	idx := msg[2]
	value, err := p.params.Bytes(int(idx))
	if err != nil {
		p.sendAck(StatusOf(err), idx)
		return
	}
	f := p.newFrame(MsgAnswerParameter)
	f[2] = idx
	copy(f[3:], value)
	p.send(f)
}

func tupleCount(msg []byte) int {
	n := int(msg[2])
	if n > ProgMaxTuples {
		n = ProgMaxTuples
	}
	return n
}

func (p *Programmer) validObjectID(id byte) bool {
	return id != ProgObjectIndex && int(id) < p.host.objectCount()
}

func (p *Programmer) handleWriteComObject(msg []byte) {
	n := tupleCount(msg)
	status := StatusOK
	var badID byte
	changed := false

	for i := 0; i < n; i++ {
		off := 3 + i*3
		id := msg[off]
		addr := uint16(msg[off+1])<<8 | uint16(msg[off+2])
		if !p.validObjectID(id) {
			if status == StatusOK {
				status, badID = StatusInvalidIndex, id
			}
			continue
		}
		p.host.setObjectAddress(int(id), addr)
		if !p.factory() {
			p.params.StoreObjectAddress(int(id), addr)
		}
		changed = true
		p.logger.Debug("物件位址已變更",
			zap.Uint8("object", id),
			zap.String("ga", FormatGroupAddress(addr)),
		)
	}

	if changed {
		if p.factory() {
			p.leaveFactory()
		}
		p.commit()
	}
	p.sendAck(status, badID)
}

func (p *Programmer) handleReadComObject(msg []byte) {
	n := tupleCount(msg)
	f := p.newFrame(MsgAnswerComObject)
	f[2] = byte(n)
	for i := 0; i < n; i++ {
		id := msg[3+i]
		if !p.validObjectID(id) {
			p.sendAck(StatusInvalidIndex, id)
			return
		}
		addr := p.host.objectAddress(int(id))
		off := 3 + i*3
		f[off] = id
		f[off+1] = byte(addr >> 8)
		f[off+2] = byte(addr)
	}
	p.send(f)
}

// leaveFactory 第一次指定位址時寫入所有位址並清除出廠旗標
func (p *Programmer) leaveFactory() {
	p.params.StoreIndividualAddress(p.ia)
	for k := 1; k < p.host.objectCount(); k++ {
		p.params.StoreObjectAddress(k, p.host.objectAddress(k))
	}
	p.flags &^= DeviceFlagFactory
	p.params.StoreDeviceFlags(p.flags)
	p.logger.Info("裝置已離開出廠狀態", zap.Uint8("flags", p.flags))
}

func (p *Programmer) commit() {
	if err := p.params.commit(); err != nil {
		p.logger.Warn("NVM 落盤失敗", zap.Error(err))
	}
}
