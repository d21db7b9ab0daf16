package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testObjectSpecs() []ObjectSpec {
	return []ObjectSpec{
		{Name: "switch", Address: GroupAddr(1, 1, 1), DPT: DPT{1, 1}, Flags: FlagCommunication | FlagWrite | FlagUpdate},
		{Name: "status", Address: GroupAddr(1, 1, 2), DPT: DPT{1, 1}, Flags: FlagCommunication | FlagRead | FlagTransmit},
		{Name: "temperature", Address: GroupAddr(2, 1, 1), DPT: DPT{9, 1}, Flags: FlagCommunication | FlagRead | FlagTransmit},
		{Name: "setpoint", Address: GroupAddr(2, 1, 2), DPT: DPT{9, 1}, Flags: FlagCommunication | FlagWrite | FlagUpdate | FlagInit},
		{Name: "counter", Address: GroupAddr(3, 1, 1), DPT: DPT{12, 1}, Flags: FlagCommunication | FlagRead | FlagTransmit},
	}
}

func TestNewObjectTable(t *testing.T) {
	table, err := NewObjectTable(testObjectSpecs())
	require.NoError(t, err)

	assert.Equal(t, 6, table.Len())

	prog, ok := table.Object(ProgObjectIndex)
	require.True(t, ok)
	assert.Equal(t, FormatRaw14, prog.Format)
	assert.Equal(t, uint16(ProgObjectAddress), table.Address(0))
	assert.Equal(t, 14, table.Length(0))
	assert.True(t, table.Flags(0).Has(FlagWrite|FlagTransmit))

	assert.Equal(t, 1, table.Length(1))
	assert.Equal(t, 2, table.Length(3))
	assert.Equal(t, 4, table.Length(5))

	// I 旗標物件啟動時無效
	assert.True(t, table.Valid(3))
	assert.False(t, table.Valid(4))
}

func TestNewObjectTable_Errors(t *testing.T) {
	_, err := NewObjectTable([]ObjectSpec{{Name: "bad", DPT: DPT{4, 1}}})
	assert.Error(t, err)

	specs := make([]ObjectSpec, 256)
	for i := range specs {
		specs[i] = ObjectSpec{DPT: DPT{1, 1}}
	}
	_, err = NewObjectTable(specs)
	assert.Error(t, err)
}

func TestObjectTable_SetGet(t *testing.T) {
	table, err := NewObjectTable(testObjectSpecs())
	require.NoError(t, err)

	require.NoError(t, table.Set(4, []byte{0x0C, 0x1A}))
	v, err := table.Get(4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0C, 0x1A}, v)
	assert.True(t, table.Valid(4))

	// 不足部分補零
	require.NoError(t, table.Set(5, []byte{0x01}))
	v, _ = table.Get(5)
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, v)

	// 超出長度的資料被截斷
	require.NoError(t, table.Set(3, []byte{0x01, 0x02, 0x03}))
	v, _ = table.Get(3)
	assert.Equal(t, []byte{0x01, 0x02}, v)

	// 短物件遮罩
	require.NoError(t, table.Set(1, []byte{0x3F}))
	v, _ = table.Get(1)
	assert.Equal(t, []byte{0x01}, v)

	// Get 回傳副本
	v[0] = 0xAA
	again, _ := table.Get(1)
	assert.Equal(t, []byte{0x01}, again)
}

func TestObjectTable_InvalidIndex(t *testing.T) {
	table, err := NewObjectTable(testObjectSpecs())
	require.NoError(t, err)

	_, err = table.Get(6)
	assert.True(t, errors.Is(err, ErrInvalidIndex))
	assert.True(t, errors.Is(table.Set(-1, []byte{1}), ErrInvalidIndex))
	assert.Equal(t, 0, table.Length(42))
	assert.Equal(t, uint16(0), table.Address(42))
	assert.False(t, table.Valid(42))
	_, ok := table.Object(42)
	assert.False(t, ok)
}

func TestObjectTable_IndexOf(t *testing.T) {
	table, err := NewObjectTable(testObjectSpecs())
	require.NoError(t, err)

	idx, ok := table.IndexOf(GroupAddr(2, 1, 1))
	require.True(t, ok)
	assert.Equal(t, 3, idx)

	idx, ok = table.IndexOf(ProgObjectAddress)
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	_, ok = table.IndexOf(GroupAddr(9, 9&7, 9))
	assert.False(t, ok)

	// 重複位址時取最小索引
	table.setAddress(5, GroupAddr(1, 1, 1))
	idx, ok = table.IndexOf(GroupAddr(1, 1, 1))
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestObjectTable_InvalidateInit(t *testing.T) {
	table, err := NewObjectTable(testObjectSpecs())
	require.NoError(t, err)

	require.NoError(t, table.Set(4, []byte{0x00, 0x10}))
	require.True(t, table.Valid(4))

	table.invalidateInit()
	assert.False(t, table.Valid(4))
	assert.True(t, table.Valid(1))
}

func TestObjectTable_Snapshot(t *testing.T) {
	table, err := NewObjectTable(testObjectSpecs())
	require.NoError(t, err)
	require.NoError(t, table.Set(3, []byte{0x0C, 0x1A}))

	snap := table.Snapshot()
	require.Len(t, snap, 6)

	o := snap[3]
	assert.Equal(t, "temperature", o.Name)
	assert.Equal(t, "2/1/1", o.Address)
	assert.Equal(t, "9.001", o.DPT)
	assert.Equal(t, "CRT", o.Flags)
	assert.Equal(t, 2, o.Length)
	assert.Equal(t, []byte{0x0C, 0x1A}, o.Value)
	assert.Equal(t, FormatF16, o.format)
	assert.True(t, o.flags.Has(FlagTransmit))
}
