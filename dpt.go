package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Format 數值在線上的編碼格式
type Format uint8

const (
	FormatB1    Format = iota // 1 bit
	FormatB2                  // 2 bits
	FormatB4                  // 4 bits (DPT 3 控制+步進)
	FormatU8                  // 8 bit 無號
	FormatV8                  // 8 bit 有號
	FormatU16                 // 16 bit 無號
	FormatV16                 // 16 bit 有號
	FormatF16                 // 16 bit 浮點 (0.01·M·2^E)
	FormatU32                 // 32 bit 無號
	FormatV32                 // 32 bit 有號
	FormatF32                 // IEEE 754 單精度，不支援
	FormatRaw14               // 14 bytes 原始資料
)

var formatNames = map[Format]string{
	FormatB1:    "B1",
	FormatB2:    "B2",
	FormatB4:    "B4",
	FormatU8:    "U8",
	FormatV8:    "V8",
	FormatU16:   "U16",
	FormatV16:   "V16",
	FormatF16:   "F16",
	FormatU32:   "U32",
	FormatV32:   "V32",
	FormatF32:   "F32",
	FormatRaw14: "RAW14",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "unknown"
}

// Size 值的位元組長度
func (f Format) Size() int {
	switch f {
	case FormatB1, FormatB2, FormatB4, FormatU8, FormatV8:
		return 1
	case FormatU16, FormatV16, FormatF16:
		return 2
	case FormatU32, FormatV32, FormatF32:
		return 4
	case FormatRaw14:
		return MaxPayloadLength
	default:
		return 1
	}
}

// Short 值可放進 APCI 低 6 bits
func (f Format) Short() bool {
	return f == FormatB1 || f == FormatB2 || f == FormatB4
}

func (f Format) shortMask() byte {
	switch f {
	case FormatB1:
		return 0x01
	case FormatB2:
		return 0x03
	case FormatB4:
		return 0x0F
	default:
		return 0xFF
	}
}

// DPT 資料點類型，例如 9.001
type DPT struct {
	Main uint16
	Sub  uint16
}

// DPTProgramming 編程物件使用的類型
var DPTProgramming = DPT{Main: 60000, Sub: 60000}

// ParseDPT 解析 "9.001" 或 "9"
func ParseDPT(s string) (DPT, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.ToLower(s), "dpt"))
	mainPart, subPart, hasSub := strings.Cut(s, ".")
	main, err := strconv.ParseUint(mainPart, 10, 16)
	if err != nil {
		return DPT{}, fmt.Errorf("無效的 DPT %q: %w", s, err)
	}
	d := DPT{Main: uint16(main)}
	if hasSub {
		sub, err := strconv.ParseUint(subPart, 10, 16)
		if err != nil {
			return DPT{}, fmt.Errorf("無效的 DPT %q: %w", s, err)
		}
		d.Sub = uint16(sub)
	}
	if _, err := d.Format(); err != nil {
		return DPT{}, err
	}
	return d, nil
}

func (d DPT) String() string {
	return fmt.Sprintf("%d.%03d", d.Main, d.Sub)
}

// Format 由主編號決定線上格式
func (d DPT) Format() (Format, error) {
	switch d.Main {
	case 1:
		return FormatB1, nil
	case 2:
		return FormatB2, nil
	case 3:
		return FormatB4, nil
	case 5:
		return FormatU8, nil
	case 6:
		return FormatV8, nil
	case 7:
		return FormatU16, nil
	case 8:
		return FormatV16, nil
	case 9:
		return FormatF16, nil
	case 12:
		return FormatU32, nil
	case 13:
		return FormatV32, nil
	case 14:
		return FormatF32, nil
	case 16, 60000:
		return FormatRaw14, nil
	default:
		return 0, fmt.Errorf("不支援的 DPT 主編號: %d", d.Main)
	}
}

// Decode 將原始位元組轉為數值
func Decode(raw []byte, f Format) (float64, error) {
	if f == FormatF32 {
		return 0, deviceError(StatusNotImplemented, "decode F32")
	}
	if f == FormatRaw14 {
		return 0, deviceError(StatusError, "decode raw")
	}
	if len(raw) < f.Size() {
		return 0, deviceError(StatusError, fmt.Sprintf("decode %s: 長度 %d 不足", f, len(raw)))
	}

	switch f {
	case FormatB1, FormatB2, FormatB4:
		return float64(raw[0] & f.shortMask()), nil
	case FormatU8:
		return float64(raw[0]), nil
	case FormatV8:
		return float64(int8(raw[0])), nil
	case FormatU16:
		return float64(binary.BigEndian.Uint16(raw)), nil
	case FormatV16:
		return float64(int16(binary.BigEndian.Uint16(raw))), nil
	case FormatU32:
		return float64(binary.BigEndian.Uint32(raw)), nil
	case FormatV32:
		return float64(int32(binary.BigEndian.Uint32(raw))), nil
	case FormatF16:
		return decodeF16(raw), nil
	default:
		return 0, deviceError(StatusError, "decode")
	}
}

// Encode 將數值轉為原始位元組
func Encode(v float64, f Format) ([]byte, error) {
	if f == FormatF32 {
		return nil, deviceError(StatusNotImplemented, "encode F32")
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, deviceError(StatusError, "encode "+f.String())
	}
	if f == FormatF16 {
		return encodeF16(v), nil
	}

	lo, hi, ok := integerRange(f)
	if !ok {
		return nil, deviceError(StatusError, "encode "+f.String())
	}
	n := math.Round(v)
	if n < lo || n > hi {
		return nil, deviceError(StatusError, fmt.Sprintf("encode %s: %v 超出範圍", f, v))
	}

	out := make([]byte, f.Size())
	switch f {
	case FormatB1, FormatB2, FormatB4, FormatU8:
		out[0] = byte(n)
	case FormatV8:
		out[0] = byte(int8(n))
	case FormatU16:
		binary.BigEndian.PutUint16(out, uint16(n))
	case FormatV16:
		binary.BigEndian.PutUint16(out, uint16(int16(n)))
	case FormatU32:
		binary.BigEndian.PutUint32(out, uint32(n))
	case FormatV32:
		binary.BigEndian.PutUint32(out, uint32(int32(n)))
	}
	return out, nil
}

func integerRange(f Format) (lo, hi float64, ok bool) {
	switch f {
	case FormatB1, FormatB2, FormatB4:
		return 0, float64(f.shortMask()), true
	case FormatU8:
		return 0, math.MaxUint8, true
	case FormatV8:
		return math.MinInt8, math.MaxInt8, true
	case FormatU16:
		return 0, math.MaxUint16, true
	case FormatV16:
		return math.MinInt16, math.MaxInt16, true
	case FormatU32:
		return 0, math.MaxUint32, true
	case FormatV32:
		return math.MinInt32, math.MaxInt32, true
	default:
		return 0, 0, false
	}
}

const (
	f16MantissaMin = -2048
	f16MantissaMax = 2047
	f16ExponentMax = 15
)

func decodeF16(raw []byte) float64 {
	word := binary.BigEndian.Uint16(raw)
	exp := int((word >> 11) & 0x0F)
	mant := int(word & 0x07FF)
	if word&0x8000 != 0 {
		mant -= 2048
	}
	return 0.01 * float64(mant) * math.Pow(2, float64(exp))
}

// encodeF16 以最小指數編碼，捨去位元做四捨五入，超過 E=15 則飽和
func encodeF16(v float64) []byte {
	scaled := math.Round(v * 100)
	var mant int64
	exp := 0
	switch {
	case scaled > math.MaxInt32:
		mant, exp = f16MantissaMax, f16ExponentMax
	case scaled < math.MinInt32:
		mant, exp = f16MantissaMin, f16ExponentMax
	default:
		n := int64(scaled)
		for ; exp <= f16ExponentMax; exp++ {
			mant = n
			if exp > 0 {
				mant = ((n >> (exp - 1)) + 1) >> 1
			}
			if mant >= f16MantissaMin && mant <= f16MantissaMax {
				break
			}
		}
		if exp > f16ExponentMax {
			exp = f16ExponentMax
			if n < 0 {
				mant = f16MantissaMin
			} else {
				mant = f16MantissaMax
			}
		}
	}

	word := uint16(exp)<<11 | uint16(mant)&0x07FF
	if mant < 0 {
		word |= 0x8000
	}
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, word)
	return out
}
