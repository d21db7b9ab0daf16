package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// KNX 協議常數
const (
	// 報文命令 (APCI 4 bits)
	CommandValueRead     = 0x0
	CommandValueResponse = 0x1
	CommandValueWrite    = 0x2
	CommandMemoryWrite   = 0xA

	// 報文限制
	MaxPayloadLength  = 14 // 標準幀最大值長度 (bytes)
	TelegramHeaderLen = 6  // ctrl + src(2) + dst(2) + length
	DefaultHopCount   = 6

	// 動作佇列容量
	ActionQueueSize = 16

	// 排程節奏
	initReadInterval = 500 * time.Millisecond
	rxTaskInterval   = 400 * time.Microsecond
	txTaskInterval   = 800 * time.Microsecond

	// 收發器重置失敗後的重試間隔
	resetRetryInterval = 100 * time.Millisecond
)

// Priority 報文優先權
type Priority uint8

const (
	PrioritySystem Priority = iota
	PriorityHigh
	PriorityAlarm
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PrioritySystem:
		return "system"
	case PriorityHigh:
		return "high"
	case PriorityAlarm:
		return "alarm"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Status 裝置操作結果 (也會出現在編程 ACK 幀上)
type Status uint8

const (
	StatusOK             Status = 0
	StatusInvalidIndex   Status = 1
	StatusNotImplemented Status = 254
	StatusError          Status = 255
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidIndex:
		return "invalid_index"
	case StatusNotImplemented:
		return "not_implemented"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ObjectFlags 通訊物件存取旗標
type ObjectFlags uint8

const (
	FlagCommunication ObjectFlags = 1 << iota // C
	FlagRead                                  // R
	FlagWrite                                 // W
	FlagTransmit                              // T
	FlagUpdate                                // U
	FlagInit                                  // I: 啟動時從匯流排讀取
)

var flagLetters = []struct {
	flag   ObjectFlags
	letter byte
}{
	{FlagCommunication, 'C'},
	{FlagRead, 'R'},
	{FlagWrite, 'W'},
	{FlagTransmit, 'T'},
	{FlagUpdate, 'U'},
	{FlagInit, 'I'},
}

// Has 檢查是否具有指定旗標
func (f ObjectFlags) Has(flag ObjectFlags) bool {
	return f&flag == flag
}

func (f ObjectFlags) String() string {
	var sb strings.Builder
	for _, fl := range flagLetters {
		if f.Has(fl.flag) {
			sb.WriteByte(fl.letter)
		}
	}
	return sb.String()
}

// ParseObjectFlags 解析旗標字串，例如 "CRWTU"
func ParseObjectFlags(s string) (ObjectFlags, error) {
	var flags ObjectFlags
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		found := false
		for _, fl := range flagLetters {
			if byte(r) == fl.letter {
				flags |= fl.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("未知的物件旗標: %q", r)
		}
	}
	return flags, nil
}

// --- 位址 ---

// GroupAddr 三層群組位址 main/mid/sub
func GroupAddr(main, mid, sub uint8) uint16 {
	return uint16(main&0x1F)<<11 | uint16(mid&0x07)<<8 | uint16(sub)
}

// GroupAddr2 兩層群組位址 main/sub
func GroupAddr2(main uint8, sub uint16) uint16 {
	return uint16(main&0x1F)<<11 | sub&0x07FF
}

// PhysicalAddr 個別位址 area.line.device
func PhysicalAddr(area, line, device uint8) uint16 {
	return uint16(area&0x0F)<<12 | uint16(line&0x0F)<<8 | uint16(device)
}

// FormatGroupAddress 以三層格式輸出群組位址
func FormatGroupAddress(addr uint16) string {
	return fmt.Sprintf("%d/%d/%d", addr>>11, (addr>>8)&0x07, addr&0xFF)
}

// FormatIndividualAddress 輸出個別位址
func FormatIndividualAddress(addr uint16) string {
	return fmt.Sprintf("%d.%d.%d", addr>>12, (addr>>8)&0x0F, addr&0xFF)
}

// ParseGroupAddress 解析 "1/2/3" 或 "1/515"
func ParseGroupAddress(s string) (uint16, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	switch len(parts) {
	case 3:
		main, err := parseAddrPart(parts[0], 31)
		if err != nil {
			return 0, fmt.Errorf("無效的群組位址 %q: %w", s, err)
		}
		mid, err := parseAddrPart(parts[1], 7)
		if err != nil {
			return 0, fmt.Errorf("無效的群組位址 %q: %w", s, err)
		}
		sub, err := parseAddrPart(parts[2], 255)
		if err != nil {
			return 0, fmt.Errorf("無效的群組位址 %q: %w", s, err)
		}
		return GroupAddr(uint8(main), uint8(mid), uint8(sub)), nil
	case 2:
		main, err := parseAddrPart(parts[0], 31)
		if err != nil {
			return 0, fmt.Errorf("無效的群組位址 %q: %w", s, err)
		}
		sub, err := parseAddrPart(parts[1], 2047)
		if err != nil {
			return 0, fmt.Errorf("無效的群組位址 %q: %w", s, err)
		}
		return GroupAddr2(uint8(main), uint16(sub)), nil
	default:
		return 0, fmt.Errorf("無效的群組位址 %q", s)
	}
}

// ParseIndividualAddress 解析 "1.1.254"
func ParseIndividualAddress(s string) (uint16, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("無效的個別位址 %q", s)
	}
	area, err := parseAddrPart(parts[0], 15)
	if err != nil {
		return 0, fmt.Errorf("無效的個別位址 %q: %w", s, err)
	}
	line, err := parseAddrPart(parts[1], 15)
	if err != nil {
		return 0, fmt.Errorf("無效的個別位址 %q: %w", s, err)
	}
	dev, err := parseAddrPart(parts[2], 255)
	if err != nil {
		return 0, fmt.Errorf("無效的個別位址 %q: %w", s, err)
	}
	return PhysicalAddr(uint8(area), uint8(line), uint8(dev)), nil
}

func parseAddrPart(s string, max uint64) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	if v > max {
		return 0, fmt.Errorf("%d 超出範圍 (最大 %d)", v, max)
	}
	return v, nil
}

// --- 編程協議 (物件 0) ---

const (
	ProgProtocolVersion = 0x00
	ProgFrameLength     = 14
	ProgPayloadLength   = ProgFrameLength - 3 // 類型相關資料最大長度
	ProgMaxTuples       = ProgPayloadLength / 3

	// 編程物件使用的群組位址 15/7/255
	ProgObjectAddress = 0x7FFF
	ProgObjectIndex   = 0

	// 出廠個別位址 1.1.254
	FactoryIndividualAddress = 0x11FE

	// 裝置旗標 bit 7: 出廠狀態
	DeviceFlagFactory = 0x80
)

// MsgType 編程訊息類型
type MsgType uint8

const (
	MsgAck                    MsgType = 0x00
	MsgReadDeviceInfo         MsgType = 0x01
	MsgAnswerDeviceInfo       MsgType = 0x02
	MsgRestart                MsgType = 0x09
	MsgWriteProgrammingMode   MsgType = 0x0A
	MsgReadProgrammingMode    MsgType = 0x0B
	MsgAnswerProgrammingMode  MsgType = 0x0C
	MsgWriteIndividualAddress MsgType = 0x0D
	MsgReadIndividualAddress  MsgType = 0x0E
	MsgAnswerIndividualAddr   MsgType = 0x0F
	MsgWriteParameter         MsgType = 0x1E
	MsgReadParameter          MsgType = 0x1F
	MsgAnswerParameter        MsgType = 0x20
	MsgWriteComObject         MsgType = 0x28
	MsgReadComObject          MsgType = 0x29
	MsgAnswerComObject        MsgType = 0x2A
)

func (m MsgType) String() string {
	switch m {
	case MsgAck:
		return "Ack"
	case MsgReadDeviceInfo:
		return "ReadDeviceInfo"
	case MsgAnswerDeviceInfo:
		return "AnswerDeviceInfo"
	case MsgRestart:
		return "Restart"
	case MsgWriteProgrammingMode:
		return "WriteProgrammingMode"
	case MsgReadProgrammingMode:
		return "ReadProgrammingMode"
	case MsgAnswerProgrammingMode:
		return "AnswerProgrammingMode"
	case MsgWriteIndividualAddress:
		return "WriteIndividualAddress"
	case MsgReadIndividualAddress:
		return "ReadIndividualAddress"
	case MsgAnswerIndividualAddr:
		return "AnswerIndividualAddress"
	case MsgWriteParameter:
		return "WriteParameter"
	case MsgReadParameter:
		return "ReadParameter"
	case MsgAnswerParameter:
		return "AnswerParameter"
	case MsgWriteComObject:
		return "WriteComObject"
	case MsgReadComObject:
		return "ReadComObject"
	case MsgAnswerComObject:
		return "AnswerComObject"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", uint8(m))
	}
}

// 非揮發記憶體配置
const (
	nvmDeviceFlags         = 0
	nvmIndividualAddrHi    = 1
	nvmIndividualAddrLo    = 2
	nvmComObjectTableStart = 10

	DefaultNVMSize = 1024
)

// comObjectSlot 物件 k 的位址在 NVM 中的位置 (slot 0 保留給編程物件)
func comObjectSlot(index int) int {
	return nvmComObjectTableStart + index*2
}

// paramTableStart 參數表起點，緊接在物件位址表之後
func paramTableStart(objectCount int) int {
	return nvmComObjectTableStart + objectCount*2
}
