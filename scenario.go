package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ScenarioType 場景類型
type ScenarioType int

const (
	ScenarioIdle ScenarioType = iota
	ScenarioSensor
	ScenarioToggle
)

func (s ScenarioType) String() string {
	switch s {
	case ScenarioIdle:
		return "idle"
	case ScenarioSensor:
		return "sensor"
	case ScenarioToggle:
		return "toggle"
	default:
		return "unknown"
	}
}

// ParseScenarioType 解析場景類型
func ParseScenarioType(s string) (ScenarioType, error) {
	for _, t := range ListScenarioTypes() {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("未知的場景: %q", s)
}

// ScenarioTarget 場景操作的裝置介面
type ScenarioTarget interface {
	Objects() []ObjectInfo
	Read(i int) byte
	WriteValue(i int, value float64) error
}

// ScenarioHandler 場景處理介面
type ScenarioHandler interface {
	Type() ScenarioType
	Update(target ScenarioTarget, params ScenarioParams) error
	Reset()
}

// 場景處理器註冊表 (每次取得新實例)
var (
	scenarioFactories   = make(map[ScenarioType]func() ScenarioHandler)
	scenarioFactoriesMu sync.RWMutex
)

func init() {
	RegisterScenarioHandler(ScenarioIdle, func() ScenarioHandler { return &IdleScenario{} })
	RegisterScenarioHandler(ScenarioSensor, func() ScenarioHandler { return &SensorScenario{} })
	RegisterScenarioHandler(ScenarioToggle, func() ScenarioHandler { return &ToggleScenario{} })
}

// RegisterScenarioHandler 註冊場景處理器
func RegisterScenarioHandler(t ScenarioType, factory func() ScenarioHandler) {
	scenarioFactoriesMu.Lock()
	defer scenarioFactoriesMu.Unlock()
	scenarioFactories[t] = factory
}

// GetScenarioHandler 取得場景處理器
func GetScenarioHandler(t ScenarioType) ScenarioHandler {
	scenarioFactoriesMu.RLock()
	defer scenarioFactoriesMu.RUnlock()
	factory, ok := scenarioFactories[t]
	if !ok {
		return nil
	}
	return factory()
}

// ListScenarioTypes 列出所有場景類型
func ListScenarioTypes() []ScenarioType {
	return []ScenarioType{
		ScenarioIdle,
		ScenarioSensor,
		ScenarioToggle,
	}
}

// --- Idle Scenario ---

// IdleScenario 不做任何事，物件只由匯流排更新
type IdleScenario struct{}

func (s *IdleScenario) Type() ScenarioType { return ScenarioIdle }

func (s *IdleScenario) Update(ScenarioTarget, ScenarioParams) error { return nil }

func (s *IdleScenario) Reset() {}

// --- Sensor Scenario ---

// SensorScenario 週期性寫入 base±variance 到所有可傳送的數值物件
type SensorScenario struct {
	rnd *rand.Rand
}

func (s *SensorScenario) Type() ScenarioType { return ScenarioSensor }

func sensorFormat(f Format) bool {
	switch f {
	case FormatU8, FormatV8, FormatU16, FormatV16, FormatF16, FormatU32, FormatV32:
		return true
	default:
		return false
	}
}

func (s *SensorScenario) Update(target ScenarioTarget, params ScenarioParams) error {
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	for _, o := range target.Objects() {
		if o.Index == ProgObjectIndex || !o.flags.Has(FlagTransmit) || !sensorFormat(o.format) {
			continue
		}
		v := params.Base + (s.rnd.Float64()*2-1)*params.Variance
		if v < 0 && (o.format == FormatU8 || o.format == FormatU16 || o.format == FormatU32) {
			v = 0
		}
		if err := target.WriteValue(o.Index, v); err != nil {
			return fmt.Errorf("物件 %d (%s): %w", o.Index, o.Name, err)
		}
	}
	return nil
}

func (s *SensorScenario) Reset() { s.rnd = nil }

// --- Toggle Scenario ---

// ToggleScenario 翻轉所有可傳送的 1 bit 物件
type ToggleScenario struct{}

func (s *ToggleScenario) Type() ScenarioType { return ScenarioToggle }

func (s *ToggleScenario) Update(target ScenarioTarget, _ ScenarioParams) error {
	for _, o := range target.Objects() {
		if !o.flags.Has(FlagTransmit) || o.format != FormatB1 {
			continue
		}
		next := float64(1 - target.Read(o.Index)&0x01)
		if err := target.WriteValue(o.Index, next); err != nil {
			return fmt.Errorf("物件 %d (%s): %w", o.Index, o.Name, err)
		}
	}
	return nil
}

func (s *ToggleScenario) Reset() {}

// ScenarioRunner 場景執行器 (管理場景切換和定時更新)
type ScenarioRunner struct {
	mu sync.RWMutex

	target         ScenarioTarget
	currentType    ScenarioType
	currentHandler ScenarioHandler
	params         ScenarioParams
	updateInterval time.Duration
	logger         *zap.Logger
}

// NewScenarioRunner 建立場景執行器
func NewScenarioRunner(target ScenarioTarget, updateInterval time.Duration, logger *zap.Logger) *ScenarioRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScenarioRunner{
		target:         target,
		currentType:    ScenarioIdle,
		currentHandler: GetScenarioHandler(ScenarioIdle),
		updateInterval: updateInterval,
		logger:         logger,
	}
}

// SetScenario 設定場景
func (r *ScenarioRunner) SetScenario(t ScenarioType, params ScenarioParams) error {
	handler := GetScenarioHandler(t)
	if handler == nil {
		return fmt.Errorf("未知的場景: %d", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentHandler != nil {
		r.currentHandler.Reset()
	}
	r.currentType = t
	r.currentHandler = handler
	r.params = params
	return nil
}

// GetScenario 取得當前場景
func (r *ScenarioRunner) GetScenario() (ScenarioType, ScenarioParams) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentType, r.params
}

// Update 執行一次場景更新
func (r *ScenarioRunner) Update() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentHandler == nil {
		return nil
	}
	return r.currentHandler.Update(r.target, r.params)
}

// Run 依更新間隔執行直到 ctx 結束
func (r *ScenarioRunner) Run(ctx context.Context) {
	if r.updateInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Update(); err != nil {
				r.logger.Warn("場景更新失敗", zap.Error(err))
			}
		}
	}
}
