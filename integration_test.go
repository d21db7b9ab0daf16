//go:build integration

package main

import (
	"context"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGatewayIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	logger, _ := zap.NewDevelopment()
	cfg := DefaultConfig()
	cfg.Storage.Type = "memory"
	cfg.Runtime.TickInterval = time.Millisecond
	cfg.Gateway.Enabled = true
	cfg.Gateway.Listen = "127.0.0.1:5502" // 使用非特權埠
	cfg.Gateway.SyncInterval = 10 * time.Millisecond

	engine := NewEngine(cfg, logger)
	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop(ctx)

	device := engine.Device()
	require.NoError(t, device.WriteValue(3, 21.0))

	// 等待伺服器啟動
	time.Sleep(100 * time.Millisecond)

	handler := modbus.NewTCPClientHandler("127.0.0.1:5502")
	handler.Timeout = 5 * time.Second
	require.NoError(t, handler.Connect())
	defer handler.Close()

	client := modbus.NewClient(handler)

	// 讀取溫度物件 (物件 3 -> 暫存器 24)
	t.Run("ReadHoldingRegisters", func(t *testing.T) {
		require.Eventually(t, func() bool {
			results, err := client.ReadHoldingRegisters(3*registersPerObject, 1)
			return err == nil && len(results) == 2 && results[0] == 0x0C && results[1] == 0x1A
		}, time.Second, 20*time.Millisecond)
	})

	t.Run("ReadInputRegisters", func(t *testing.T) {
		results, err := client.ReadInputRegisters(3*registersPerObject, 2)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x0C, 0x1A, 0x00, 0x00}, results)
	})

	// 寫入設定值物件 (物件 4，W 旗標)
	t.Run("WriteSingleRegister", func(t *testing.T) {
		_, err := client.WriteSingleRegister(4*registersPerObject, 0x07D0)
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			v, err := device.ReadValue(4)
			return err == nil && v > 19.99 && v < 20.01
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("WriteMultipleRegisters", func(t *testing.T) {
		_, err := client.WriteMultipleRegisters(1*registersPerObject, 1, []byte{0x01, 0x00})
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return device.Read(1) == 0x01 }, time.Second, 5*time.Millisecond)
	})

	t.Run("RejectReadOnlyObject", func(t *testing.T) {
		_, err := client.WriteSingleRegister(3*registersPerObject, 0x0001)
		assert.Error(t, err)
	})

	t.Run("RejectProgrammingObject", func(t *testing.T) {
		_, err := client.WriteSingleRegister(0, 0x0001)
		assert.Error(t, err)
	})

	t.Run("OutOfRange", func(t *testing.T) {
		_, err := client.ReadHoldingRegisters(1000, 1)
		assert.Error(t, err)
	})

	assert.Greater(t, engine.Gateway().stats.Rejected.Load(), uint64(0))
}

func TestBusIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	hub := NewBusHub(zap.NewNop())
	go hub.ListenAndServe("127.0.0.1:18765", "/bus")
	defer hub.Shutdown(context.Background())
	time.Sleep(100 * time.Millisecond)

	newCfg := func() *Config {
		cfg := DefaultConfig()
		cfg.Storage.Type = "memory"
		cfg.Runtime.TickInterval = 500 * time.Microsecond
		cfg.Transceiver.Type = "websocket"
		cfg.Transceiver.URL = "ws://127.0.0.1:18765/bus"
		return cfg
	}

	sender := NewEngine(newCfg(), zap.NewNop())
	receiver := NewEngine(newCfg(), zap.NewNop())
	ctx := context.Background()
	require.NoError(t, sender.Start(ctx))
	defer sender.Stop(ctx)
	require.NoError(t, receiver.Start(ctx))
	defer receiver.Stop(ctx)

	// 發送端 SwitchStatus (1/1/2, T) 寫到接收端同位址的物件，
	// 接收端 Switch 改指向 1/1/2 後即可收到
	require.NoError(t, receiver.Device().Stop())
	require.NoError(t, receiver.Device().SetObjectAddress(1, GroupAddr(1, 1, 2)))
	require.NoError(t, receiver.Device().Start())

	require.NoError(t, sender.Device().WriteValue(2, 1))
	assert.Eventually(t, func() bool { return receiver.Device().Read(1) == 0x01 }, 2*time.Second, 10*time.Millisecond)
}
