package main

import (
	"fmt"
)

// ObjectSpec 通訊物件宣告
type ObjectSpec struct {
	Name    string
	Address uint16
	DPT     DPT
	Flags   ObjectFlags
}

// ComObject 通訊物件
type ComObject struct {
	Name   string
	DPT    DPT
	Flags  ObjectFlags
	Format Format

	addr  uint16
	value []byte // 長度建立後固定
	valid bool
}

// ObjectInfo 物件快照 (供 metrics/CLI 使用)
type ObjectInfo struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Address string `json:"address"`
	DPT     string `json:"dpt"`
	Flags   string `json:"flags"`
	Length  int    `json:"length"`
	Valid   bool   `json:"valid"`
	Value   []byte `json:"value"`

	flags  ObjectFlags
	format Format
}

// ObjectTable 通訊物件表，索引 0 固定為編程物件
//
// ObjectTable 本身不加鎖，由 Device 的互斥鎖保護。
type ObjectTable struct {
	objects []*ComObject
}

// progObjectSpec 編程物件宣告 15/7/255, CWTU, 14 bytes
func progObjectSpec() ObjectSpec {
	return ObjectSpec{
		Name:    "programming",
		Address: ProgObjectAddress,
		DPT:     DPTProgramming,
		Flags:   FlagCommunication | FlagWrite | FlagTransmit | FlagUpdate,
	}
}

// NewObjectTable 依宣告建立物件表，並在最前面加入編程物件
func NewObjectTable(specs []ObjectSpec) (*ObjectTable, error) {
	all := append([]ObjectSpec{progObjectSpec()}, specs...)
	if len(all) > 256 {
		return nil, fmt.Errorf("物件數量過多: %d (最大 255 個應用物件)", len(specs))
	}

	t := &ObjectTable{objects: make([]*ComObject, 0, len(all))}
	for i, s := range all {
		f, err := s.DPT.Format()
		if err != nil {
			return nil, fmt.Errorf("物件 %d (%s): %w", i, s.Name, err)
		}
		t.objects = append(t.objects, &ComObject{
			Name:   s.Name,
			DPT:    s.DPT,
			Flags:  s.Flags,
			Format: f,
			addr:   s.Address,
			value:  make([]byte, f.Size()),
			valid:  !s.Flags.Has(FlagInit),
		})
	}
	return t, nil
}

// Len 物件數量 (含編程物件)
func (t *ObjectTable) Len() int {
	return len(t.objects)
}

func (t *ObjectTable) inRange(i int) bool {
	return i >= 0 && i < len(t.objects)
}

// Object 取得物件
func (t *ObjectTable) Object(i int) (*ComObject, bool) {
	if !t.inRange(i) {
		return nil, false
	}
	return t.objects[i], true
}

// Get 取得物件值的副本
func (t *ObjectTable) Get(i int) ([]byte, error) {
	if !t.inRange(i) {
		return nil, deviceError(StatusInvalidIndex, fmt.Sprintf("get object %d", i))
	}
	out := make([]byte, len(t.objects[i].value))
	copy(out, t.objects[i].value)
	return out, nil
}

// Set 複製恰好物件長度的資料並標記為有效，不足部分補零
func (t *ObjectTable) Set(i int, raw []byte) error {
	if !t.inRange(i) {
		return deviceError(StatusInvalidIndex, fmt.Sprintf("set object %d", i))
	}
	o := t.objects[i]
	n := copy(o.value, raw)
	for j := n; j < len(o.value); j++ {
		o.value[j] = 0
	}
	if o.Format.Short() {
		o.value[0] &= o.Format.shortMask()
	}
	o.valid = true
	return nil
}

// Length 物件值長度
func (t *ObjectTable) Length(i int) int {
	if !t.inRange(i) {
		return 0
	}
	return len(t.objects[i].value)
}

// Address 物件群組位址
func (t *ObjectTable) Address(i int) uint16 {
	if !t.inRange(i) {
		return 0
	}
	return t.objects[i].addr
}

// setAddress 直接改寫位址，不檢查裝置狀態
func (t *ObjectTable) setAddress(i int, addr uint16) {
	if t.inRange(i) {
		t.objects[i].addr = addr
	}
}

// IndexOf 依群組位址找物件
func (t *ObjectTable) IndexOf(addr uint16) (int, bool) {
	for i, o := range t.objects {
		if o.addr == addr {
			return i, true
		}
	}
	return 0, false
}

// Valid 物件是否已初始化
func (t *ObjectTable) Valid(i int) bool {
	return t.inRange(i) && t.objects[i].valid
}

// Flags 物件旗標
func (t *ObjectTable) Flags(i int) ObjectFlags {
	if !t.inRange(i) {
		return 0
	}
	return t.objects[i].Flags
}

// invalidateInit 重新啟動時將 I 旗標物件設回未初始化
func (t *ObjectTable) invalidateInit() {
	for _, o := range t.objects {
		if o.Flags.Has(FlagInit) {
			o.valid = false
		}
	}
}

// Snapshot 所有物件的快照
func (t *ObjectTable) Snapshot() []ObjectInfo {
	out := make([]ObjectInfo, 0, len(t.objects))
	for i, o := range t.objects {
		v := make([]byte, len(o.value))
		copy(v, o.value)
		out = append(out, ObjectInfo{
			Index:   i,
			Name:    o.Name,
			Address: FormatGroupAddress(o.addr),
			DPT:     o.DPT.String(),
			Flags:   o.Flags.String(),
			Length:  len(o.value),
			Valid:   o.valid,
			Value:   v,
			flags:   o.Flags,
			format:  o.Format,
		})
	}
	return out
}
