package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeviceState 裝置執行狀態
type DeviceState int32

const (
	StateInit DeviceState = iota
	StateIdle
	StateTxOngoing
)

func (s DeviceState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIdle:
		return "idle"
	case StateTxOngoing:
		return "tx_ongoing"
	default:
		return "unknown"
	}
}

// DeviceSpec 裝置宣告
type DeviceSpec struct {
	Identity DeviceIdentity
	Objects  []ObjectSpec
	Params   []ParamType
}

// Clock 自由計數的毫秒/微秒時鐘，允許回繞
type Clock interface {
	Millis() uint32
	Micros() uint32
}

type systemClock struct {
	start time.Time
}

func (c systemClock) Millis() uint32 { return uint32(time.Since(c.start).Milliseconds()) }
func (c systemClock) Micros() uint32 { return uint32(time.Since(c.start).Microseconds()) }

// ObjectListener 物件被匯流排更新時通知應用層
type ObjectListener interface {
	ObjectUpdated(index int)
}

// ListenerFunc 函式型 listener
type ListenerFunc func(index int)

func (f ListenerFunc) ObjectUpdated(index int) { f(index) }

// DeviceStats 裝置統計
type DeviceStats struct {
	StartTime       time.Time
	TelegramsRx     atomic.Uint64
	TelegramsTx     atomic.Uint64
	AcksOK          atomic.Uint64
	AcksNack        atomic.Uint64
	AcksTimeout     atomic.Uint64
	AcksReset       atomic.Uint64
	DroppedActions  atomic.Uint64
	ReceptionErrors atomic.Uint64
	ResetFailures   atomic.Uint64
	Restarts        atomic.Uint64
}

// DeviceStatsSnapshot 可序列化的統計快照
type DeviceStatsSnapshot struct {
	State           string `json:"state"`
	Session         string `json:"session"`
	IndividualAddr  string `json:"individual_address"`
	ProgMode        bool   `json:"prog_mode"`
	InitCompleted   bool   `json:"init_completed"`
	QueueLength     int    `json:"queue_length"`
	TelegramsRx     uint64 `json:"telegrams_rx"`
	TelegramsTx     uint64 `json:"telegrams_tx"`
	AcksOK          uint64 `json:"acks_ok"`
	AcksNack        uint64 `json:"acks_nack"`
	AcksTimeout     uint64 `json:"acks_timeout"`
	AcksReset       uint64 `json:"acks_reset_before_ack"`
	DroppedActions  uint64 `json:"dropped_actions"`
	ReceptionErrors uint64 `json:"reception_errors"`
	ResetFailures   uint64 `json:"reset_failures"`
	Restarts        uint64 `json:"restarts"`
	ProgHandled     uint64 `json:"prog_frames_handled"`
	ProgIgnored     uint64 `json:"prog_frames_ignored"`
	ProgReplies     uint64 `json:"prog_replies"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

// Device 單一 KNX 節點
type Device struct {
	mu sync.Mutex

	state atomic.Int32

	objects *ObjectTable
	queue   ActionQueue
	tx      Transceiver
	params  *ParameterStore
	prog    *Programmer

	clock     Clock
	listeners []ObjectListener
	indicator func(bool)
	logger    *zap.Logger
	sessionID string

	initIndex     int
	initCompleted bool
	lastInitRead  uint32
	lastRxStep    uint32
	lastTxStep    uint32

	resetPending   bool
	lastResetTry   uint32
	restartPending bool
	progButton     chan struct{}
	notify         []int

	stats DeviceStats
}

// DeviceOption 裝置配置選項
type DeviceOption func(*Device)

// WithLogger 設定日誌
func WithLogger(logger *zap.Logger) DeviceOption {
	return func(d *Device) {
		d.logger = logger
	}
}

// WithClock 設定時鐘 (測試用)
func WithClock(c Clock) DeviceOption {
	return func(d *Device) {
		d.clock = c
	}
}

// WithListener 加入物件更新 listener
func WithListener(l ObjectListener) DeviceOption {
	return func(d *Device) {
		d.listeners = append(d.listeners, l)
	}
}

// WithProgIndicator 設定編程指示燈
func WithProgIndicator(f func(bool)) DeviceOption {
	return func(d *Device) {
		d.indicator = f
	}
}

// WithSessionID 設定執行 session id
func WithSessionID(id string) DeviceOption {
	return func(d *Device) {
		d.sessionID = id
	}
}

// NewDevice 建立裝置，需呼叫 Start 後才開始運作
func NewDevice(spec DeviceSpec, store NonVolatileStore, tx Transceiver, opts ...DeviceOption) (*Device, error) {
	objects, err := NewObjectTable(spec.Objects)
	if err != nil {
		return nil, err
	}

	d := &Device{
		objects:    objects,
		tx:         tx,
		progButton: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.clock == nil {
		d.clock = systemClock{start: time.Now()}
	}
	if d.sessionID == "" {
		d.sessionID = uuid.New().String()
	}
	d.logger = d.logger.With(zap.String("session", d.sessionID))

	base := paramTableStart(objects.Len())
	need := base
	for _, t := range spec.Params {
		need += t.Width
	}
	if need > store.Size() {
		return nil, fmt.Errorf("NVM 容量不足: 需要 %d bytes，實際 %d bytes", need, store.Size())
	}

	d.params = NewParameterStore(store, spec.Params, base, d.logger)
	d.prog = NewProgrammer(spec.Identity, d.params, d, d.logger.Named("prog"))
	d.prog.indicator = d.indicator
	return d, nil
}

// Start 載入 NVM、重置收發器並進入 IDLE
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() != StateInit {
		return deviceError(StatusError, "start")
	}

	d.prog.Load()
	if err := d.tx.Reset(); err != nil {
		d.logger.Error("收發器重置失敗", zap.Error(err))
		return fmt.Errorf("%w: %v", deviceError(StatusError, "start"), err)
	}
	d.tx.Attach(deviceEvents{d})
	d.tx.Init()

	d.initIndex = 0
	d.initCompleted = false
	d.primeTimers()
	d.stats.StartTime = time.Now()
	d.setState(StateIdle)

	d.logger.Info("裝置已啟動",
		zap.String("ia", FormatIndividualAddress(d.prog.IndividualAddress())),
		zap.Int("objects", d.objects.Len()),
		zap.Int("params", d.params.Count()),
	)
	return nil
}

// Stop 回到 INIT 並清空佇列
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() == StateInit {
		return nil
	}
	d.queue.Clear()
	d.initIndex = 0
	d.initCompleted = false
	d.resetPending = false
	d.restartPending = false
	d.notify = nil
	d.setState(StateInit)

	err := d.tx.Close()
	d.logger.Info("裝置已停止", zap.Duration("uptime", time.Since(d.stats.StartTime)))
	return err
}

func (d *Device) primeTimers() {
	d.lastInitRead = d.clock.Millis()
	now := d.clock.Micros()
	d.lastRxStep = now
	d.lastTxStep = now
}

// State 目前狀態
func (d *Device) State() DeviceState {
	return DeviceState(d.state.Load())
}

func (d *Device) setState(s DeviceState) {
	d.state.Store(int32(s))
}

// Task 排程 tick，由外部驅動迴圈反覆呼叫
func (d *Device) Task() {
	d.mu.Lock()
	if d.State() == StateInit {
		d.mu.Unlock()
		return
	}
	d.taskLocked()
	notify := d.notify
	d.notify = nil
	listeners := d.listeners
	d.mu.Unlock()

	for _, idx := range notify {
		for _, l := range listeners {
			l.ObjectUpdated(idx)
		}
	}
}

func (d *Device) taskLocked() {
	// 重置成功前不處理其他工作
	if d.resetPending {
		if d.clock.Millis()-d.lastResetTry < uint32(resetRetryInterval/time.Millisecond) {
			return
		}
		d.recoverTransceiver()
		if d.resetPending {
			return
		}
	}

	select {
	case <-d.progButton:
		d.prog.ToggleProgMode()
	default:
	}

	// 初始化掃描
	if !d.initCompleted {
		now := d.clock.Millis()
		if now-d.lastInitRead > uint32(initReadInterval/time.Millisecond) {
			for d.initIndex < d.objects.Len() && d.objects.Valid(d.initIndex) {
				d.initIndex++
			}
			if d.initIndex == d.objects.Len() {
				d.initCompleted = true
				d.logger.Debug("初始化掃描完成")
			} else {
				d.enqueue(Action{Kind: ActionRead, Index: d.initIndex})
				d.lastInitRead = d.clock.Millis()
			}
		}
	}

	// 接收
	now := d.clock.Micros()
	if now-d.lastRxStep > uint32(rxTaskInterval/time.Microsecond) {
		d.lastRxStep = now
		d.tx.RunReceiveStep()
	}
	if d.resetPending {
		return
	}

	// 發送派送
	if d.State() == StateIdle {
		if a, ok := d.queue.Pop(); ok {
			d.dispatch(a)
		}
	}

	// 發送節奏
	now = d.clock.Micros()
	if now-d.lastTxStep > uint32(txTaskInterval/time.Microsecond) {
		d.lastTxStep = now
		d.tx.RunTransmitStep()
	}

	if d.restartPending {
		d.restartPending = false
		d.restartLocked()
	}
}

func (d *Device) dispatch(a Action) {
	defer a.Value.Release()

	addr := d.objects.Address(a.Index)
	o, ok := d.objects.Object(a.Index)
	if !ok {
		return
	}

	switch a.Kind {
	case ActionRead:
		t := NewGroupTelegram(d.prog.IndividualAddress(), addr, CommandValueRead)
		d.send(t)

	case ActionResponse:
		t := NewGroupTelegram(d.prog.IndividualAddress(), addr, CommandValueResponse)
		v, _ := d.objects.Get(a.Index)
		t.SetValue(v, o.Format.Short())
		d.send(t)

	case ActionWrite:
		_ = d.objects.Set(a.Index, a.Value.Bytes())
		if !o.Flags.Has(FlagTransmit) {
			return
		}
		t := NewGroupTelegram(d.prog.IndividualAddress(), addr, CommandValueWrite)
		v, _ := d.objects.Get(a.Index)
		t.SetValue(v, o.Format.Short())
		d.send(t)
	}
}

func (d *Device) send(t *Telegram) {
	if err := d.tx.SendTelegram(t); err != nil {
		d.logger.Warn("送出報文失敗",
			zap.String("dst", FormatGroupAddress(t.Destination)),
			zap.Error(err),
		)
		return
	}
	d.stats.TelegramsTx.Add(1)
	d.setState(StateTxOngoing)
	d.logger.Debug("送出報文",
		zap.String("dst", FormatGroupAddress(t.Destination)),
		zap.Uint8("command", t.Command),
		zap.Binary("data", t.Data),
	)
}

func (d *Device) enqueue(a Action) {
	if d.queue.Append(a) {
		return
	}
	d.stats.DroppedActions.Add(1)
	d.logger.Warn("動作佇列已滿，丟棄動作",
		zap.Stringer("kind", a.Kind),
		zap.Int("index", a.Index),
	)
}

// recoverTransceiver 重置收發器，失敗時於 resetRetryInterval 後再試
func (d *Device) recoverTransceiver() {
	if err := d.tx.Reset(); err != nil {
		d.resetPending = true
		d.lastResetTry = d.clock.Millis()
		d.stats.ResetFailures.Add(1)
		d.logger.Warn("收發器重置失敗，稍後重試", zap.Error(err))
		return
	}
	d.resetPending = false
	d.tx.Attach(deviceEvents{d})
	d.tx.Init()
	d.setState(StateIdle)
	d.logger.Info("收發器已重置")
}

// restartLocked 模擬重新開機：清空佇列、重新載入 NVM 並重新掃描
func (d *Device) restartLocked() {
	d.queue.Clear()
	d.objects.invalidateInit()
	d.initIndex = 0
	d.initCompleted = false
	d.prog.SetProgMode(false)
	d.prog.Load()
	d.stats.Restarts.Add(1)
	d.logger.Info("裝置重新啟動")

	d.recoverTransceiver()
	d.primeTimers()
}

// --- 收發器回呼 ---

type deviceEvents struct {
	d *Device
}

func (e deviceEvents) HandleEvent(ev TransceiverEvent, t *Telegram) {
	d := e.d
	switch ev {
	case EventTelegramReceived:
		d.handleTelegram(t)
	case EventReset:
		d.logger.Info("匯流排重置")
		d.recoverTransceiver()
	case EventReceptionError:
		d.stats.ReceptionErrors.Add(1)
		d.logger.Debug("接收錯誤")
	case EventStateIndication:
		d.logger.Debug("收發器狀態通知")
	}
}

func (e deviceEvents) HandleTxAck(ack TxAck) {
	d := e.d
	switch ack {
	case TxAckOK:
		d.stats.AcksOK.Add(1)
	case TxAckNack:
		d.stats.AcksNack.Add(1)
	case TxAckTimeout:
		d.stats.AcksTimeout.Add(1)
	case TxAckResetBeforeAck:
		d.stats.AcksReset.Add(1)
	}
	if ack != TxAckOK {
		d.logger.Debug("發送未確認", zap.Stringer("ack", ack))
	}
	d.setState(StateIdle)
}

func (d *Device) handleTelegram(t *Telegram) {
	if t == nil || !t.Group {
		return
	}
	idx, ok := d.objects.IndexOf(t.Destination)
	if !ok {
		return
	}
	d.stats.TelegramsRx.Add(1)
	d.setState(StateIdle)

	flags := d.objects.Flags(idx)
	switch t.Command {
	case CommandValueRead:
		if flags.Has(FlagRead) {
			d.enqueue(Action{Kind: ActionResponse, Index: idx})
		}
	case CommandValueResponse:
		if flags.Has(FlagUpdate) {
			d.applyReceived(idx, t)
		}
	case CommandValueWrite:
		if flags.Has(FlagWrite) {
			d.applyReceived(idx, t)
		}
	}
}

func (d *Device) applyReceived(idx int, t *Telegram) {
	_ = d.objects.Set(idx, t.Value())
	if idx == ProgObjectIndex {
		v, _ := d.objects.Get(idx)
		if d.prog.HandleFrame(v) {
			return
		}
	}
	d.notify = append(d.notify, idx)
}

// --- progHost ---

func (d *Device) objectCount() int { return d.objects.Len() }

func (d *Device) objectAddress(i int) uint16 { return d.objects.Address(i) }

func (d *Device) setObjectAddress(i int, addr uint16) { d.objects.setAddress(i, addr) }

func (d *Device) sendProgFrame(frame []byte) {
	d.enqueue(Action{Kind: ActionWrite, Index: ProgObjectIndex, Value: OwnedValue(frame)})
}

func (d *Device) requestRestart() { d.restartPending = true }

// --- 公開 API ---

// Read 物件值的第一個 byte (短物件)
func (d *Device) Read(i int) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.objects.Get(i)
	if err != nil || len(v) == 0 {
		return 0
	}
	return v[0]
}

// ReadBytes 物件原始值
func (d *Device) ReadBytes(i int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.objects.Get(i)
}

// ReadValue 依 DPT 解碼物件值
func (d *Device) ReadValue(i int) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects.Object(i)
	if !ok {
		return 0, deviceError(StatusInvalidIndex, fmt.Sprintf("read object %d", i))
	}
	v, _ := d.objects.Get(i)
	return Decode(v, o.Format)
}

// WriteValue 依 DPT 編碼後排入寫入動作
func (d *Device) WriteValue(i int, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects.Object(i)
	if !ok {
		return deviceError(StatusInvalidIndex, fmt.Sprintf("write object %d", i))
	}
	raw, err := Encode(value, o.Format)
	if err != nil {
		return err
	}
	d.enqueue(Action{Kind: ActionWrite, Index: i, Value: NewActionValue(raw, len(o.value))})
	return nil
}

// WriteBytes 排入原始值寫入動作，長度不得超過物件長度
func (d *Device) WriteBytes(i int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects.Object(i)
	if !ok {
		return deviceError(StatusInvalidIndex, fmt.Sprintf("write object %d", i))
	}
	if len(data) == 0 || len(data) > len(o.value) {
		return deviceError(StatusError, fmt.Sprintf("write object %d: 長度 %d 不符", i, len(data)))
	}
	d.enqueue(Action{Kind: ActionWrite, Index: i, Value: NewActionValue(data, len(o.value))})
	return nil
}

// Update 要求從匯流排讀取物件值，結果經由 listener 通知
func (d *Device) Update(i int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.objects.Object(i); !ok {
		return deviceError(StatusInvalidIndex, fmt.Sprintf("update object %d", i))
	}
	d.enqueue(Action{Kind: ActionRead, Index: i})
	return nil
}

// IsActive 是否仍有收發活動
func (d *Device) IsActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx.IsActive() || d.State() == StateTxOngoing || d.queue.Len() > 0
}

// SetObjectAddress 只允許在 INIT 狀態改寫物件位址
func (d *Device) SetObjectAddress(i int, addr uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() != StateInit {
		return deviceError(StatusError, "set object address")
	}
	if _, ok := d.objects.Object(i); !ok {
		return deviceError(StatusInvalidIndex, fmt.Sprintf("set object address %d", i))
	}
	d.objects.setAddress(i, addr)
	return nil
}

// ObjectAddress 物件位址
func (d *Device) ObjectAddress(i int) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.objects.Address(i)
}

// ObjectCount 物件數量 (含編程物件)
func (d *Device) ObjectCount() int {
	return d.objects.Len()
}

// Objects 物件快照
func (d *Device) Objects() []ObjectInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.objects.Snapshot()
}

// ProgMode 是否處於編程模式
func (d *Device) ProgMode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prog.ProgMode()
}

// PressProgButton 編程按鈕事件，於下一個 tick 處理
func (d *Device) PressProgButton() {
	select {
	case d.progButton <- struct{}{}:
	default:
	}
}

// IndividualAddress 個別位址
func (d *Device) IndividualAddress() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prog.IndividualAddress()
}

// Params 參數表
func (d *Device) Params() *ParameterStore {
	return d.params
}

// SessionID 執行 session id
func (d *Device) SessionID() string {
	return d.sessionID
}

// AddListener 加入物件更新 listener
func (d *Device) AddListener(l ObjectListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Stats 統計快照
func (d *Device) Stats() DeviceStatsSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	var uptime int64
	if !d.stats.StartTime.IsZero() {
		uptime = int64(time.Since(d.stats.StartTime).Seconds())
	}
	return DeviceStatsSnapshot{
		State:           d.State().String(),
		Session:         d.sessionID,
		IndividualAddr:  FormatIndividualAddress(d.prog.IndividualAddress()),
		ProgMode:        d.prog.ProgMode(),
		InitCompleted:   d.initCompleted,
		QueueLength:     d.queue.Len(),
		TelegramsRx:     d.stats.TelegramsRx.Load(),
		TelegramsTx:     d.stats.TelegramsTx.Load(),
		AcksOK:          d.stats.AcksOK.Load(),
		AcksNack:        d.stats.AcksNack.Load(),
		AcksTimeout:     d.stats.AcksTimeout.Load(),
		AcksReset:       d.stats.AcksReset.Load(),
		DroppedActions:  d.stats.DroppedActions.Load(),
		ReceptionErrors: d.stats.ReceptionErrors.Load(),
		ResetFailures:   d.stats.ResetFailures.Load(),
		Restarts:        d.stats.Restarts.Load(),
		ProgHandled:     d.prog.stats.FramesHandled.Load(),
		ProgIgnored:     d.prog.stats.FramesIgnored.Load(),
		ProgReplies:     d.prog.stats.Replies.Load(),
		UptimeSeconds:   uptime,
	}
}
