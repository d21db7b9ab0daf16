package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testEngineConfig() *Config {
	cfg := DefaultConfig()
	cfg.Storage.Type = "memory"
	cfg.Runtime.TickInterval = time.Millisecond
	cfg.Scenario.UpdateInterval = 10 * time.Millisecond
	return cfg
}

func startTestEngine(t *testing.T, cfg *Config) *Engine {
	t.Helper()
	e := NewEngine(cfg, zap.NewNop())
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Stop(context.Background()) })
	return e
}

func TestOpenStore(t *testing.T) {
	store, err := OpenStore(StorageConfig{Type: "memory", Size: 64})
	require.NoError(t, err)
	assert.Equal(t, 64, store.Size())

	path := filepath.Join(t.TempDir(), "nvm.cbor")
	store, err = OpenStore(StorageConfig{Type: "file", Path: path, Size: 64})
	require.NoError(t, err)
	_, ok := store.(Committer)
	assert.True(t, ok)

	_, err = OpenStore(StorageConfig{Type: "flash"})
	assert.Error(t, err)
}

func TestNewTransceiver(t *testing.T) {
	tx, err := NewTransceiver(TransceiverConfig{Type: "loopback"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LoopbackTransceiver{}, tx)

	tx, err = NewTransceiver(TransceiverConfig{Type: "serial", Port: "/dev/null", BaudRate: 19200}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LinkTransceiver{}, tx)

	tx, err = NewTransceiver(TransceiverConfig{Type: "websocket", URL: "ws://127.0.0.1:1/bus"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LinkTransceiver{}, tx)

	_, err = NewTransceiver(TransceiverConfig{Type: "usb"}, nil)
	assert.Error(t, err)
}

func TestEngine_Lifecycle(t *testing.T) {
	e := NewEngine(testEngineConfig(), zap.NewNop())
	assert.Equal(t, EngineStateStopped, e.State())
	assert.Nil(t, e.Device())
	assert.Equal(t, ScenarioIdle, e.GetScenario())
	assert.Error(t, e.ApplyScenario(ScenarioSensor, ScenarioParams{}))

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, EngineStateRunning, e.State())
	assert.Error(t, e.Start(context.Background()), "second start must fail")

	d := e.Device()
	require.NotNil(t, d)
	assert.Equal(t, StateIdle, d.State())
	assert.Equal(t, e.SessionID(), d.SessionID())
	assert.Nil(t, e.Gateway())

	assert.Eventually(t, func() bool { return e.Ticks() > 5 }, time.Second, time.Millisecond)

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, EngineStateStopped, e.State())
	assert.Equal(t, StateInit, d.State())
	assert.NoError(t, e.Stop(context.Background()))
}

func TestEngine_StartFailsOnBadConfig(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Storage.Size = 8

	e := NewEngine(cfg, nil)
	assert.Error(t, e.Start(context.Background()))
	assert.Equal(t, EngineStateStopped, e.State())
}

func TestEngine_ScenarioDrivesDevice(t *testing.T) {
	e := startTestEngine(t, testEngineConfig())

	require.NoError(t, e.ApplyScenario(ScenarioSensor, ScenarioParams{Base: 22.5}))
	assert.Equal(t, ScenarioSensor, e.GetScenario())

	assert.Eventually(t, func() bool {
		v, err := e.Device().ReadValue(3)
		return err == nil && v > 22.4 && v < 22.6
	}, time.Second, 5*time.Millisecond)

	loop, ok := e.Transceiver().(*LoopbackTransceiver)
	require.True(t, ok)
	assert.Eventually(t, func() bool { return len(loop.Sent()) > 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_StopCommitsFileStore(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Storage.Type = "file"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "eeprom.cbor")

	e := NewEngine(cfg, nil)
	require.NoError(t, e.Start(context.Background()))
	e.Device().Params().StoreIndividualAddress(0x1105)
	require.NoError(t, e.Stop(context.Background()))

	_, err := os.Stat(cfg.Storage.Path)
	require.NoError(t, err)

	reopened, err := OpenFileStore(cfg.Storage.Path, cfg.Storage.Size)
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), reopened.ReadByte(nvmIndividualAddrHi))
	assert.Equal(t, byte(0x05), reopened.ReadByte(nvmIndividualAddrLo))
}

func TestEngine_WithGateway(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Gateway.Enabled = true
	cfg.Gateway.Listen = "127.0.0.1:0"
	cfg.Gateway.SyncInterval = 5 * time.Millisecond

	e := startTestEngine(t, cfg)
	g := e.Gateway()
	require.NotNil(t, g)
	assert.Eventually(t, func() bool { return g.stats.Syncs.Load() > 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_UnknownScenarioFallsBackToIdle(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cfg := testEngineConfig()
	cfg.Scenario.Name = "brownout"

	e := NewEngine(cfg, zap.New(core))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	assert.Equal(t, ScenarioIdle, e.GetScenario())
	entries := logs.FilterField(zap.String("scenario", "brownout")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
}
