package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EngineState 引擎狀態
type EngineState int32

const (
	EngineStateStopped EngineState = iota
	EngineStateStarting
	EngineStateRunning
	EngineStateStopping
)

func (s EngineState) String() string {
	switch s {
	case EngineStateStopped:
		return "stopped"
	case EngineStateStarting:
		return "starting"
	case EngineStateRunning:
		return "running"
	case EngineStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Engine 組裝儲存、收發器、裝置、閘道與場景，並驅動 tick 迴圈
type Engine struct {
	mu sync.RWMutex

	config *Config
	state  atomic.Int32
	logger *zap.Logger

	sessionID string
	store     NonVolatileStore
	tx        Transceiver
	device    *Device
	gateway   *Gateway
	scenario  *ScenarioRunner

	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats EngineStats
}

// EngineStats 引擎統計資訊
type EngineStats struct {
	StartTime time.Time
	Ticks     atomic.Uint64
}

// NewEngine 建立新的引擎
func NewEngine(config *Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		config: config,
		logger: logger,
	}
}

// OpenStore 依配置開啟 NVM
func OpenStore(cfg StorageConfig) (NonVolatileStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(cfg.Size), nil
	case "file":
		return OpenFileStore(cfg.Path, cfg.Size)
	default:
		return nil, fmt.Errorf("未知的儲存類型: %q", cfg.Type)
	}
}

// NewTransceiver 依配置建立收發器
func NewTransceiver(cfg TransceiverConfig, logger *zap.Logger) (Transceiver, error) {
	switch cfg.Type {
	case "loopback":
		return NewLoopbackTransceiver(), nil
	case "serial":
		return NewLinkTransceiver(func() (Connection, error) {
			return OpenSerialConnection(cfg.Port, cfg.BaudRate)
		}, logger), nil
	case "websocket":
		return NewLinkTransceiver(func() (Connection, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return DialWebSocketConnection(ctx, cfg.URL)
		}, logger), nil
	default:
		return nil, fmt.Errorf("未知的收發器類型: %q", cfg.Type)
	}
}

// Start 啟動引擎
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(EngineStateStopped), int32(EngineStateStarting)) {
		return fmt.Errorf("引擎已經在運行中")
	}
	if err := e.start(ctx); err != nil {
		e.state.Store(int32(EngineStateStopped))
		return err
	}
	e.state.Store(int32(EngineStateRunning))
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	spec, err := e.config.DeviceSpec()
	if err != nil {
		return fmt.Errorf("裝置宣告錯誤: %w", err)
	}

	e.sessionID = uuid.New().String()
	logger := e.logger.With(zap.String("session", e.sessionID))

	store, err := OpenStore(e.config.Storage)
	if err != nil {
		return err
	}
	tx, err := NewTransceiver(e.config.Transceiver, logger.Named("link"))
	if err != nil {
		return err
	}

	device, err := NewDevice(spec, store, tx,
		WithLogger(e.logger.Named("device")),
		WithSessionID(e.sessionID),
		WithProgIndicator(func(on bool) {
			logger.Info("編程指示燈", zap.Bool("on", on))
		}),
	)
	if err != nil {
		return fmt.Errorf("建立裝置失敗: %w", err)
	}
	if err := device.Start(); err != nil {
		return fmt.Errorf("啟動裝置失敗: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	var gateway *Gateway
	if e.config.Gateway.Enabled {
		gateway = NewGateway(device, e.config.Gateway, logger.Named("gateway"))
		if err := gateway.Start(runCtx); err != nil {
			cancel()
			device.Stop()
			return err
		}
	}

	scenario := NewScenarioRunner(device, e.config.Scenario.UpdateInterval, logger.Named("scenario"))
	st, err := ParseScenarioType(e.config.Scenario.Name)
	if err != nil {
		logger.Warn("未知的情境，改用 idle", zap.String("scenario", e.config.Scenario.Name))
		st = ScenarioIdle
	}
	if err := scenario.SetScenario(st, e.config.Scenario.Params); err != nil {
		logger.Warn("套用情境失敗", zap.String("scenario", st.String()), zap.Error(err))
	}

	e.mu.Lock()
	e.store = store
	e.tx = tx
	e.device = device
	e.gateway = gateway
	e.scenario = scenario
	e.cancel = cancel
	e.mu.Unlock()

	e.stats.StartTime = time.Now()

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.driveLoop(runCtx, device)
	}()
	go func() {
		defer e.wg.Done()
		scenario.Run(runCtx)
	}()

	e.logger.Info("引擎已啟動",
		zap.String("session", e.sessionID),
		zap.String("transceiver", e.config.Transceiver.Type),
		zap.String("storage", e.config.Storage.Type),
		zap.Duration("tick", e.config.Runtime.TickInterval),
		zap.Bool("gateway", gateway != nil),
		zap.String("scenario", st.String()),
	)
	return nil
}

// driveLoop 以固定間隔呼叫 Device.Task
func (e *Engine) driveLoop(ctx context.Context, device *Device) {
	ticker := time.NewTicker(e.config.Runtime.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			device.Task()
			e.stats.Ticks.Add(1)
		}
	}
}

// Stop 停止引擎
func (e *Engine) Stop(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(EngineStateRunning), int32(EngineStateStopping)) {
		return nil // 已經停止
	}
	defer e.state.Store(int32(EngineStateStopped))

	e.mu.Lock()
	cancel := e.cancel
	gateway := e.gateway
	device := e.device
	store := e.store
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("等待迴圈結束逾時")
	}

	if gateway != nil {
		gateway.Stop()
	}
	if device != nil {
		if err := device.Stop(); err != nil {
			e.logger.Warn("關閉收發器失敗", zap.Error(err))
		}
	}
	if c, ok := store.(Committer); ok {
		if err := c.Commit(); err != nil {
			return fmt.Errorf("NVM 落盤失敗: %w", err)
		}
	}

	e.logger.Info("引擎已停止",
		zap.Duration("uptime", time.Since(e.stats.StartTime)),
		zap.Uint64("ticks", e.stats.Ticks.Load()),
	)
	return nil
}

// State 取得當前狀態
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

// Device 取得裝置
func (e *Engine) Device() *Device {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.device
}

// Gateway 取得 Modbus 閘道 (未啟用時為 nil)
func (e *Engine) Gateway() *Gateway {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gateway
}

// Transceiver 取得收發器
func (e *Engine) Transceiver() Transceiver {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tx
}

// SessionID 執行 session id
func (e *Engine) SessionID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionID
}

// Ticks 已執行的 tick 數
func (e *Engine) Ticks() uint64 {
	return e.stats.Ticks.Load()
}

// ApplyScenario 套用場景
func (e *Engine) ApplyScenario(t ScenarioType, params ScenarioParams) error {
	e.mu.RLock()
	runner := e.scenario
	e.mu.RUnlock()
	if runner == nil {
		return fmt.Errorf("引擎尚未啟動")
	}
	if err := runner.SetScenario(t, params); err != nil {
		return err
	}
	e.logger.Info("已套用場景", zap.String("scenario", t.String()))
	return nil
}

// GetScenario 取得當前場景
func (e *Engine) GetScenario() ScenarioType {
	e.mu.RLock()
	runner := e.scenario
	e.mu.RUnlock()
	if runner == nil {
		return ScenarioIdle
	}
	t, _ := runner.GetScenario()
	return t
}
