package main

import (
	"errors"
	"fmt"
)

var (
	ErrTelegramChecksum = errors.New("報文校驗碼錯誤")
	ErrTelegramTooLong  = errors.New("報文長度超出限制")
	ErrTelegramShort    = errors.New("報文長度不足")
)

// Telegram TP1 標準幀
type Telegram struct {
	Priority    Priority
	Source      uint16
	Destination uint16
	Group       bool
	Hops        uint8
	Command     uint8
	Short       bool   // 值放在 APCI 低 6 bits
	Data        []byte // Short 時只有一個 byte
}

// NewGroupTelegram 建立群組報文
func NewGroupTelegram(src, dst uint16, cmd uint8) *Telegram {
	return &Telegram{
		Priority:    PriorityLow,
		Source:      src,
		Destination: dst,
		Group:       true,
		Hops:        DefaultHopCount,
		Command:     cmd,
		Short:       true,
		Data:        []byte{0},
	}
}

// SetValue 依格式放入物件值
func (t *Telegram) SetValue(value []byte, short bool) {
	t.Short = short
	if short {
		var b byte
		if len(value) > 0 {
			b = value[0] & 0x3F
		}
		t.Data = []byte{b}
		return
	}
	t.Data = make([]byte, len(value))
	copy(t.Data, value)
}

// Value 報文攜帶的值
func (t *Telegram) Value() []byte {
	out := make([]byte, len(t.Data))
	copy(out, t.Data)
	return out
}

// lengthField 第 6 個 byte 的長度欄位 (APCI 之後的 byte 數)
func (t *Telegram) lengthField() int {
	if t.Short {
		return 1
	}
	return 1 + len(t.Data)
}

// Encode 編碼為線上位元組
func (t *Telegram) Encode() ([]byte, error) {
	if !t.Short && len(t.Data) > MaxPayloadLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrTelegramTooLong, len(t.Data))
	}
	n := t.lengthField()
	frame := make([]byte, 0, TelegramHeaderLen+2+n)
	frame = append(frame,
		0xB0|byte(t.Priority&0x03)<<2,
		byte(t.Source>>8), byte(t.Source),
		byte(t.Destination>>8), byte(t.Destination),
	)
	lenByte := byte(t.Hops&0x07)<<4 | byte(n)
	if t.Group {
		lenByte |= 0x80
	}
	frame = append(frame, lenByte, (t.Command>>2)&0x03)

	apciLo := (t.Command & 0x03) << 6
	if t.Short {
		var b byte
		if len(t.Data) > 0 {
			b = t.Data[0] & 0x3F
		}
		frame = append(frame, apciLo|b)
	} else {
		frame = append(frame, apciLo)
		frame = append(frame, t.Data...)
	}
	frame = append(frame, checksum(frame))
	return frame, nil
}

// DecodeTelegram 解析完整的一幀
func DecodeTelegram(frame []byte) (*Telegram, error) {
	if len(frame) < TelegramHeaderLen+3 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTelegramShort, len(frame))
	}
	n := int(frame[5] & 0x0F)
	if n == 0 {
		return nil, fmt.Errorf("%w: 缺少 APCI", ErrTelegramShort)
	}
	total := TelegramHeaderLen + 2 + n
	if len(frame) != total {
		return nil, fmt.Errorf("%w: 預期 %d bytes，實際 %d", ErrTelegramShort, total, len(frame))
	}
	if checksum(frame[:total-1]) != frame[total-1] {
		return nil, ErrTelegramChecksum
	}

	t := &Telegram{
		Priority:    Priority((frame[0] >> 2) & 0x03),
		Source:      uint16(frame[1])<<8 | uint16(frame[2]),
		Destination: uint16(frame[3])<<8 | uint16(frame[4]),
		Group:       frame[5]&0x80 != 0,
		Hops:        (frame[5] >> 4) & 0x07,
		Command:     (frame[6]&0x03)<<2 | frame[7]>>6,
	}
	if n == 1 {
		t.Short = true
		t.Data = []byte{frame[7] & 0x3F}
	} else {
		t.Data = make([]byte, n-1)
		copy(t.Data, frame[8:total-1])
	}
	return t, nil
}

// checksum NOT XOR
func checksum(b []byte) byte {
	var x byte
	for _, v := range b {
		x ^= v
	}
	return ^x
}

// TelegramDecoder 從位元組流重組報文
type TelegramDecoder struct {
	buf []byte
}

// DecodeByte 逐 byte 輸入；完成一幀時回傳報文
func (d *TelegramDecoder) DecodeByte(b byte) (*Telegram, error) {
	if len(d.buf) == 0 && b&0xD3 != 0x90 {
		// 非控制字元，等待幀起點
		return nil, nil
	}
	d.buf = append(d.buf, b)
	if len(d.buf) < TelegramHeaderLen {
		return nil, nil
	}
	total := TelegramHeaderLen + 2 + int(d.buf[5]&0x0F)
	if len(d.buf) < total {
		return nil, nil
	}
	frame := d.buf
	d.buf = nil
	return DecodeTelegram(frame)
}

// Reset 丟棄未完成的幀
func (d *TelegramDecoder) Reset() {
	d.buf = nil
}
