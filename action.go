package main

// ActionKind 待處理動作類型
type ActionKind uint8

const (
	ActionRead ActionKind = iota
	ActionWrite
	ActionResponse
)

func (k ActionKind) String() string {
	switch k {
	case ActionRead:
		return "read"
	case ActionWrite:
		return "write"
	case ActionResponse:
		return "response"
	default:
		return "unknown"
	}
}

// ActionValue 動作攜帶的值：1 byte 物件用 inline，較寬的物件持有自己的 buffer
type ActionValue struct {
	inline byte
	owned  []byte
	wide   bool
}

// InlineValue 建立 1 byte 值
func InlineValue(b byte) ActionValue {
	return ActionValue{inline: b}
}

// OwnedValue 複製一份資料，之後由動作獨佔
func OwnedValue(data []byte) ActionValue {
	buf := make([]byte, len(data))
	copy(buf, data)
	return ActionValue{owned: buf, wide: true}
}

// NewActionValue 依物件長度選擇 inline 或 owned
func NewActionValue(data []byte, length int) ActionValue {
	if length <= 1 {
		var b byte
		if len(data) > 0 {
			b = data[0]
		}
		return InlineValue(b)
	}
	return OwnedValue(data)
}

// Wide 是否為 owned buffer
func (v ActionValue) Wide() bool {
	return v.wide
}

// Bytes 值內容；inline 值回傳單一 byte
func (v ActionValue) Bytes() []byte {
	if v.wide {
		return v.owned
	}
	return []byte{v.inline}
}

// Release 釋放 owned buffer
func (v *ActionValue) Release() {
	v.owned = nil
	v.wide = false
	v.inline = 0
}

// Action 一筆待送出的匯流排操作
type Action struct {
	Kind  ActionKind
	Index int
	Value ActionValue
}

// ActionQueue 固定容量 FIFO 環形佇列，滿了就丟棄新動作
type ActionQueue struct {
	buf   [ActionQueueSize]Action
	head  int
	count int
}

// Append 加入動作，佇列已滿時回傳 false 且不改變佇列
func (q *ActionQueue) Append(a Action) bool {
	if q.count == len(q.buf) {
		a.Value.Release()
		return false
	}
	q.buf[(q.head+q.count)%len(q.buf)] = a
	q.count++
	return true
}

// Pop 取出最舊的動作；呼叫端使用完 Value 後必須 Release
func (q *ActionQueue) Pop() (Action, bool) {
	if q.count == 0 {
		return Action{}, false
	}
	a := q.buf[q.head]
	q.buf[q.head] = Action{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return a, true
}

// Len 目前數量
func (q *ActionQueue) Len() int {
	return q.count
}

// Cap 容量
func (q *ActionQueue) Cap() int {
	return len(q.buf)
}

// Clear 清空並釋放所有 owned buffer
func (q *ActionQueue) Clear() {
	for q.count > 0 {
		a, _ := q.Pop()
		a.Value.Release()
	}
	q.head = 0
}
