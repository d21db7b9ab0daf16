package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// 每個物件佔用的保持暫存器數 (14 bytes 需要 7 個)
const registersPerObject = 8

// GatewayTarget 閘道操作的裝置介面
type GatewayTarget interface {
	Objects() []ObjectInfo
	WriteBytes(i int, data []byte) error
}

// GatewayStats 閘道統計
type GatewayStats struct {
	Reads    atomic.Uint64
	Writes   atomic.Uint64
	Rejected atomic.Uint64
	Syncs    atomic.Uint64
}

// Gateway 以 Modbus TCP 保持暫存器映射通訊物件
//
// 物件 i 對應暫存器 [i*8, i*8+ceil(len/2))，big-endian，不足補零。
type Gateway struct {
	target       GatewayTarget
	listen       string
	syncInterval time.Duration
	logger       *zap.Logger

	mu       sync.RWMutex
	regs     []uint16
	lengths  []int
	writable []bool

	server *mbserver.Server
	cancel context.CancelFunc
	done   chan struct{}

	stats GatewayStats
}

// NewGateway 建立閘道
func NewGateway(target GatewayTarget, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		target:       target,
		listen:       cfg.Listen,
		syncInterval: cfg.SyncInterval,
		logger:       logger,
	}
}

// Start 監聽並開始同步
func (g *Gateway) Start(ctx context.Context) error {
	g.Sync()

	server := mbserver.NewServer()
	server.RegisterFunctionHandler(3, g.handleReadRegisters)
	server.RegisterFunctionHandler(4, g.handleReadRegisters)
	server.RegisterFunctionHandler(6, g.handleWriteSingleRegister)
	server.RegisterFunctionHandler(16, g.handleWriteMultipleRegisters)

	if err := server.ListenTCP(g.listen); err != nil {
		return fmt.Errorf("監聽 %s 失敗: %w", g.listen, err)
	}
	g.server = server

	syncCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	go g.syncLoop(syncCtx)

	g.logger.Info("Modbus 閘道已啟動",
		zap.String("listen", g.listen),
		zap.Int("registers", len(g.regs)),
	)
	return nil
}

// Stop 停止閘道
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
		<-g.done
		g.cancel = nil
	}
	if g.server != nil {
		g.server.Close()
		g.server = nil
	}
}

func (g *Gateway) syncLoop(ctx context.Context) {
	defer close(g.done)
	if g.syncInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(g.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sync()
		}
	}
}

// Sync 把物件值複製到暫存器鏡像
func (g *Gateway) Sync() {
	objs := g.target.Objects()
	regs := make([]uint16, len(objs)*registersPerObject)
	lengths := make([]int, len(objs))
	writable := make([]bool, len(objs))
	for _, o := range objs {
		base := o.Index * registersPerObject
		copy(regs[base:base+registersPerObject], bytesToRegisters(o.Value))
		lengths[o.Index] = o.Length
		writable[o.Index] = o.Index != ProgObjectIndex && o.flags.Has(FlagWrite)
	}

	g.mu.Lock()
	g.regs = regs
	g.lengths = lengths
	g.writable = writable
	g.mu.Unlock()
	g.stats.Syncs.Add(1)
}

// Registers 讀取鏡像 (測試與 CLI 使用)
func (g *Gateway) Registers(start, count int) ([]uint16, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if start < 0 || count < 0 || start+count > len(g.regs) {
		return nil, fmt.Errorf("暫存器位址超出範圍: %d-%d", start, start+count-1)
	}
	out := make([]uint16, count)
	copy(out, g.regs[start:start+count])
	return out, nil
}

func (g *Gateway) handleReadRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	count := int(binary.BigEndian.Uint16(data[2:4]))
	if count < 1 || count > 125 {
		return []byte{}, &mbserver.IllegalDataValue
	}

	regs, err := g.Registers(start, count)
	if err != nil {
		g.stats.Rejected.Add(1)
		return []byte{}, &mbserver.IllegalDataAddress
	}
	g.stats.Reads.Add(1)

	out := make([]byte, 1+count*2)
	out[0] = byte(count * 2)
	copy(out[1:], registersToBytes(regs))
	return out, &mbserver.Success
}

func (g *Gateway) handleWriteSingleRegister(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	value := binary.BigEndian.Uint16(data[2:4])
	if ex := g.applyWrite(start, []uint16{value}); ex != nil {
		return []byte{}, ex
	}
	return data[0:4], &mbserver.Success
}

func (g *Gateway) handleWriteMultipleRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 5 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	count := int(binary.BigEndian.Uint16(data[2:4]))
	byteCount := int(data[4])
	if count < 1 || byteCount != count*2 || len(data) < 5+byteCount {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if ex := g.applyWrite(start, bytesToRegisters(data[5:5+byteCount])); ex != nil {
		return []byte{}, ex
	}
	return data[0:4], &mbserver.Success
}

// applyWrite 依物件分組寫回裝置，只接受 W 旗標物件
func (g *Gateway) applyWrite(start int, values []uint16) *mbserver.Exception {
	g.mu.Lock()
	end := start + len(values)
	if start < 0 || end > len(g.regs) {
		g.mu.Unlock()
		g.stats.Rejected.Add(1)
		return &mbserver.IllegalDataAddress
	}

	first := start / registersPerObject
	last := (end - 1) / registersPerObject
	for i := first; i <= last; i++ {
		objEnd := i*registersPerObject + (g.lengths[i]+1)/2
		if !g.writable[i] || min(end, (i+1)*registersPerObject) > objEnd {
			g.mu.Unlock()
			g.stats.Rejected.Add(1)
			g.logger.Debug("拒絕 Modbus 寫入",
				zap.Int("object", i),
				zap.Int("start", start),
				zap.Int("count", len(values)),
			)
			return &mbserver.IllegalDataAddress
		}
	}

	copy(g.regs[start:end], values)
	pending := make(map[int][]byte, last-first+1)
	for i := first; i <= last; i++ {
		base := i * registersPerObject
		raw := registersToBytes(g.regs[base : base+registersPerObject])
		pending[i] = raw[:g.lengths[i]]
	}
	g.mu.Unlock()

	for i := first; i <= last; i++ {
		if err := g.target.WriteBytes(i, pending[i]); err != nil {
			g.logger.Warn("寫入物件失敗", zap.Int("object", i), zap.Error(err))
			return &mbserver.SlaveDeviceFailure
		}
	}
	g.stats.Writes.Add(1)
	return nil
}

// registersToBytes 將暫存器值轉換為位元組陣列 (Big Endian)
func registersToBytes(registers []uint16) []byte {
	out := make([]byte, len(registers)*2)
	for i, reg := range registers {
		binary.BigEndian.PutUint16(out[i*2:], reg)
	}
	return out
}

// bytesToRegisters 將位元組陣列轉換為暫存器值 (Big Endian)，奇數長度補零
func bytesToRegisters(data []byte) []uint16 {
	regs := make([]uint16, (len(data)+1)/2)
	for i := range regs {
		hi := data[i*2]
		var lo byte
		if i*2+1 < len(data) {
			lo = data[i*2+1]
		}
		regs[i] = uint16(hi)<<8 | uint16(lo)
	}
	return regs
}
