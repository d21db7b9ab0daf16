package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ParamType 參數寬度與有號性
type ParamType struct {
	Width  int
	Signed bool
}

var (
	ParamUint8  = ParamType{Width: 1}
	ParamInt8   = ParamType{Width: 1, Signed: true}
	ParamUint16 = ParamType{Width: 2}
	ParamInt16  = ParamType{Width: 2, Signed: true}
	ParamUint32 = ParamType{Width: 4}
	ParamInt32  = ParamType{Width: 4, Signed: true}
)

// ParseParamType 解析 uint8/int8/uint16/int16/uint32/int32
func ParseParamType(s string) (ParamType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uint8", "u8":
		return ParamUint8, nil
	case "int8", "i8":
		return ParamInt8, nil
	case "uint16", "u16":
		return ParamUint16, nil
	case "int16", "i16":
		return ParamInt16, nil
	case "uint32", "u32":
		return ParamUint32, nil
	case "int32", "i32":
		return ParamInt32, nil
	default:
		return ParamType{}, fmt.Errorf("未知的參數類型: %q", s)
	}
}

func (p ParamType) String() string {
	prefix := "uint"
	if p.Signed {
		prefix = "int"
	}
	return fmt.Sprintf("%s%d", prefix, p.Width*8)
}

// ParameterStore 參數表與位址的持久化存取
type ParameterStore struct {
	store  NonVolatileStore
	types  []ParamType
	base   int
	logger *zap.Logger
}

// NewParameterStore 參數表從 base 開始
func NewParameterStore(store NonVolatileStore, types []ParamType, base int, logger *zap.Logger) *ParameterStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := make([]ParamType, len(types))
	copy(t, types)
	return &ParameterStore{store: store, types: t, base: base, logger: logger}
}

// Count 宣告的參數數量
func (p *ParameterStore) Count() int {
	return len(p.types)
}

// Type 參數類型
func (p *ParameterStore) Type(i int) (ParamType, bool) {
	if i < 0 || i >= len(p.types) {
		return ParamType{}, false
	}
	return p.types[i], true
}

// Width 參數寬度，超出範圍為 0
func (p *ParameterStore) Width(i int) int {
	t, ok := p.Type(i)
	if !ok {
		return 0
	}
	return t.Width
}

// ByteOffset 參數 i 之前所有參數寬度總和
func (p *ParameterStore) ByteOffset(i int) int {
	off := 0
	for j := 0; j < i && j < len(p.types); j++ {
		off += p.types[j].Width
	}
	return off
}

// Read 讀取參數位元組到 out，超出範圍時不動 out
func (p *ParameterStore) Read(i int, out []byte) error {
	if i < 0 || i >= len(p.types) {
		return deviceError(StatusInvalidIndex, fmt.Sprintf("read parameter %d", i))
	}
	start := p.base + p.ByteOffset(i)
	for j := 0; j < p.types[i].Width && j < len(out); j++ {
		out[j] = p.store.ReadByte(start + j)
	}
	return nil
}

// Bytes 讀出參數的完整位元組
func (p *ParameterStore) Bytes(i int) ([]byte, error) {
	w := p.Width(i)
	out := make([]byte, w)
	if err := p.Read(i, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Write 寫入參數，只寫入宣告寬度內的資料
func (p *ParameterStore) Write(i int, data []byte) error {
	if i < 0 || i >= len(p.types) {
		return deviceError(StatusInvalidIndex, fmt.Sprintf("write parameter %d", i))
	}
	start := p.base + p.ByteOffset(i)
	for j := 0; j < p.types[i].Width && j < len(data); j++ {
		p.store.WriteByteIfChanged(start+j, data[j])
	}
	return nil
}

// typed 讀取並檢查寬度；不符時記錄並回傳 nil
func (p *ParameterStore) typed(i int, want ParamType) []byte {
	t, ok := p.Type(i)
	if !ok || t.Width != want.Width {
		p.logger.Warn("參數類型不符，回傳 0",
			zap.Int("index", i),
			zap.String("declared", t.String()),
			zap.String("requested", want.String()),
		)
		return nil
	}
	buf := make([]byte, t.Width)
	_ = p.Read(i, buf)
	return buf
}

// Uint8 讀取 uint8 參數
func (p *ParameterStore) Uint8(i int) uint8 {
	b := p.typed(i, ParamUint8)
	if b == nil {
		return 0
	}
	return b[0]
}

// Int8 讀取 int8 參數
func (p *ParameterStore) Int8(i int) int8 {
	b := p.typed(i, ParamInt8)
	if b == nil {
		return 0
	}
	return int8(b[0])
}

// Uint16 讀取 uint16 參數 (big-endian)
func (p *ParameterStore) Uint16(i int) uint16 {
	b := p.typed(i, ParamUint16)
	if b == nil {
		return 0
	}
	return uint16(b[0])<<8 | uint16(b[1])
}

// Int16 讀取 int16 參數
func (p *ParameterStore) Int16(i int) int16 {
	b := p.typed(i, ParamInt16)
	if b == nil {
		return 0
	}
	return int16(uint16(b[0])<<8 | uint16(b[1]))
}

// Uint32 讀取 uint32 參數
func (p *ParameterStore) Uint32(i int) uint32 {
	b := p.typed(i, ParamUint32)
	if b == nil {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Int32 讀取 int32 參數
func (p *ParameterStore) Int32(i int) int32 {
	b := p.typed(i, ParamInt32)
	if b == nil {
		return 0
	}
	return int32(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}

// --- 位址持久化 ---

// DeviceFlags 讀取裝置旗標
func (p *ParameterStore) DeviceFlags() byte {
	return p.store.ReadByte(nvmDeviceFlags)
}

// StoreDeviceFlags 寫入裝置旗標
func (p *ParameterStore) StoreDeviceFlags(flags byte) {
	p.store.WriteByteIfChanged(nvmDeviceFlags, flags)
}

// LoadIndividualAddress 讀取個別位址
func (p *ParameterStore) LoadIndividualAddress() uint16 {
	return uint16(p.store.ReadByte(nvmIndividualAddrHi))<<8 | uint16(p.store.ReadByte(nvmIndividualAddrLo))
}

// StoreIndividualAddress 寫入個別位址
func (p *ParameterStore) StoreIndividualAddress(addr uint16) {
	p.store.WriteByteIfChanged(nvmIndividualAddrHi, byte(addr>>8))
	p.store.WriteByteIfChanged(nvmIndividualAddrLo, byte(addr))
}

// LoadObjectAddress 讀取物件 k 的位址
func (p *ParameterStore) LoadObjectAddress(k int) uint16 {
	slot := comObjectSlot(k)
	return uint16(p.store.ReadByte(slot))<<8 | uint16(p.store.ReadByte(slot+1))
}

// StoreObjectAddress 寫入物件 k 的位址
func (p *ParameterStore) StoreObjectAddress(k int, addr uint16) {
	slot := comObjectSlot(k)
	p.store.WriteByteIfChanged(slot, byte(addr>>8))
	p.store.WriteByteIfChanged(slot+1, byte(addr))
}

// commit 若底層支援則落盤
func (p *ParameterStore) commit() error {
	if c, ok := p.store.(Committer); ok {
		return c.Commit()
	}
	return nil
}
