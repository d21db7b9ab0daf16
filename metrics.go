package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector 指標收集器
type MetricsCollector struct {
	mu sync.RWMutex

	// 引擎指標
	engineStartTime time.Time
	engineState     string

	// 裝置指標
	device DeviceStatsSnapshot

	// 場景指標
	currentScenario string

	// 歷史記錄 (用於計算速率)
	telegramHistory []telegramSample
	maxHistory      int

	server *http.Server

	// 參照
	engine *Engine
	logger *zap.Logger
}

type telegramSample struct {
	timestamp time.Time
	rx        uint64
	tx        uint64
}

// MetricsSnapshot 指標快照
type MetricsSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	Uptime          string    `json:"uptime"`
	EngineState     string    `json:"engine_state"`
	CurrentScenario string    `json:"current_scenario"`
	Ticks           uint64    `json:"ticks"`

	Device DeviceStatsSnapshot `json:"device"`

	RxPerSec float64 `json:"rx_per_sec"`
	TxPerSec float64 `json:"tx_per_sec"`

	Link    *LinkStats    `json:"link,omitempty"`
	Gateway *GatewayCount `json:"gateway,omitempty"`
}

// GatewayCount 閘道計數快照
type GatewayCount struct {
	Reads    uint64 `json:"reads"`
	Writes   uint64 `json:"writes"`
	Rejected uint64 `json:"rejected"`
	Syncs    uint64 `json:"syncs"`
}

// NewMetricsCollector 建立指標收集器
func NewMetricsCollector(engine *Engine, logger *zap.Logger) *MetricsCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsCollector{
		engine:          engine,
		logger:          logger,
		engineStartTime: time.Now(),
		maxHistory:      60, // 保留 60 個樣本
	}
}

// Handler 指標 HTTP 路由
func (m *MetricsCollector) Handler(endpoint string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, m.handleMetrics)
	mux.HandleFunc("/objects", m.handleObjects)
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)
	return mux
}

// Start 啟動指標收集
func (m *MetricsCollector) Start(ctx context.Context, endpoint string, port int) error {
	m.engineStartTime = time.Now()

	// 啟動背景收集
	go m.collectLoop(ctx)

	addr := fmt.Sprintf(":%d", port)
	m.server = &http.Server{
		Addr:              addr,
		Handler:           m.Handler(endpoint),
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.logger.Info("啟動指標伺服器", zap.String("addr", addr))

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	return nil
}

// Stop 關閉指標伺服器
func (m *MetricsCollector) Stop(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// collectLoop 背景收集迴圈
func (m *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

// collect 收集指標
func (m *MetricsCollector) collect() {
	if m.engine == nil {
		return
	}
	device := m.engine.Device()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.engineState = m.engine.State().String()
	m.currentScenario = m.engine.GetScenario().String()
	if device == nil {
		return
	}
	m.device = device.Stats()

	// 記錄歷史
	m.telegramHistory = append(m.telegramHistory, telegramSample{
		timestamp: time.Now(),
		rx:        m.device.TelegramsRx,
		tx:        m.device.TelegramsTx,
	})
	if len(m.telegramHistory) > m.maxHistory {
		m.telegramHistory = m.telegramHistory[1:]
	}
}

// Snapshot 取得指標快照
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	snapshot := MetricsSnapshot{
		Timestamp:       time.Now(),
		Uptime:          time.Since(m.engineStartTime).String(),
		EngineState:     m.engineState,
		CurrentScenario: m.currentScenario,
		Device:          m.device,
	}

	// 計算每秒報文數
	if len(m.telegramHistory) >= 2 {
		first := m.telegramHistory[0]
		last := m.telegramHistory[len(m.telegramHistory)-1]
		duration := last.timestamp.Sub(first.timestamp).Seconds()
		if duration > 0 {
			snapshot.RxPerSec = float64(last.rx-first.rx) / duration
			snapshot.TxPerSec = float64(last.tx-first.tx) / duration
		}
	}
	m.mu.RUnlock()

	if m.engine == nil {
		return snapshot
	}
	snapshot.Ticks = m.engine.Ticks()
	if lt, ok := m.engine.Transceiver().(*LinkTransceiver); ok {
		ls := lt.Stats()
		snapshot.Link = &ls
	}
	if g := m.engine.Gateway(); g != nil {
		snapshot.Gateway = &GatewayCount{
			Reads:    g.stats.Reads.Load(),
			Writes:   g.stats.Writes.Load(),
			Rejected: g.stats.Rejected.Load(),
			Syncs:    g.stats.Syncs.Load(),
		}
	}
	return snapshot
}

// handleMetrics 處理 /metrics 請求
func (m *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m.collect()
	snapshot := m.Snapshot()

	// 檢查 Accept header
	accept := r.Header.Get("Accept")
	if accept == "application/json" || r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
		return
	}

	// Prometheus 格式
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	writePrometheus(w, snapshot, time.Since(m.engineStartTime))
}

func writeMetric(w io.Writer, name, kind, help string, value any) {
	fmt.Fprintf(w, "# HELP knxsim_%s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE knxsim_%s %s\n", name, kind)
	switch v := value.(type) {
	case float64:
		fmt.Fprintf(w, "knxsim_%s %f\n\n", name, v)
	case bool:
		b := 0
		if v {
			b = 1
		}
		fmt.Fprintf(w, "knxsim_%s %d\n\n", name, b)
	default:
		fmt.Fprintf(w, "knxsim_%s %d\n\n", name, v)
	}
}

func writePrometheus(w io.Writer, s MetricsSnapshot, uptime time.Duration) {
	d := s.Device
	writeMetric(w, "uptime_seconds", "gauge", "Uptime in seconds", uptime.Seconds())
	writeMetric(w, "ticks_total", "counter", "Device task ticks", s.Ticks)
	writeMetric(w, "prog_mode", "gauge", "Programming mode active", d.ProgMode)
	writeMetric(w, "init_completed", "gauge", "Init scan finished", d.InitCompleted)
	writeMetric(w, "queue_length", "gauge", "Pending actions", d.QueueLength)
	writeMetric(w, "telegrams_received_total", "counter", "Telegrams received", d.TelegramsRx)
	writeMetric(w, "telegrams_sent_total", "counter", "Telegrams sent", d.TelegramsTx)
	writeMetric(w, "telegrams_received_per_second", "gauge", "Telegrams received per second", s.RxPerSec)
	writeMetric(w, "telegrams_sent_per_second", "gauge", "Telegrams sent per second", s.TxPerSec)
	writeMetric(w, "acks_ok_total", "counter", "Positive acknowledgements", d.AcksOK)
	writeMetric(w, "acks_nack_total", "counter", "Negative acknowledgements", d.AcksNack)
	writeMetric(w, "acks_timeout_total", "counter", "Acknowledgement timeouts", d.AcksTimeout)
	writeMetric(w, "acks_reset_total", "counter", "Transceiver resets before acknowledgement", d.AcksReset)
	writeMetric(w, "dropped_actions_total", "counter", "Actions dropped on full queue", d.DroppedActions)
	writeMetric(w, "reception_errors_total", "counter", "Reception errors", d.ReceptionErrors)
	writeMetric(w, "reset_failures_total", "counter", "Failed transceiver resets", d.ResetFailures)
	writeMetric(w, "restarts_total", "counter", "Device restarts", d.Restarts)
	writeMetric(w, "prog_frames_handled_total", "counter", "Programming frames handled", d.ProgHandled)
	writeMetric(w, "prog_frames_ignored_total", "counter", "Programming frames ignored", d.ProgIgnored)
	writeMetric(w, "prog_replies_total", "counter", "Programming replies sent", d.ProgReplies)

	if s.Link != nil {
		writeMetric(w, "link_frames_rx_total", "counter", "Frames read from the link", s.Link.FramesRx)
		writeMetric(w, "link_frames_tx_total", "counter", "Frames written to the link", s.Link.FramesTx)
		writeMetric(w, "link_decode_errors_total", "counter", "Link decode errors", s.Link.DecodeErrors)
		writeMetric(w, "link_dropped_inbound_total", "counter", "Inbound events dropped", s.Link.DroppedInbound)
	}
	if s.Gateway != nil {
		writeMetric(w, "gateway_reads_total", "counter", "Modbus register reads", s.Gateway.Reads)
		writeMetric(w, "gateway_writes_total", "counter", "Modbus register writes", s.Gateway.Writes)
		writeMetric(w, "gateway_rejected_total", "counter", "Rejected Modbus requests", s.Gateway.Rejected)
	}
}

// handleObjects 處理 /objects 請求
func (m *MetricsCollector) handleObjects(w http.ResponseWriter, r *http.Request) {
	var objects []ObjectInfo
	if m.engine != nil {
		if d := m.engine.Device(); d != nil {
			objects = d.Objects()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(objects)
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReady 處理 /ready 請求
func (m *MetricsCollector) handleReady(w http.ResponseWriter, r *http.Request) {
	if m.engine == nil || m.engine.State() != EngineStateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
