package main

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newProgBench 以 net.Pipe 串接裝置與編程客戶端，並在背景驅動裝置
func newProgBench(t *testing.T) (*Device, *ProgClient) {
	t.Helper()
	devEnd, toolEnd := net.Pipe()

	tx := NewLinkTransceiver(func() (Connection, error) { return devEnd, nil }, zap.NewNop())
	spec := DeviceSpec{
		Identity: testIdentity,
		Objects:  testObjectSpecs(),
		Params:   []ParamType{ParamUint8, ParamUint16},
	}
	d, err := NewDevice(spec, NewMemoryStore(128), tx)
	require.NoError(t, err)
	require.NoError(t, d.Start())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			d.Task()
			time.Sleep(100 * time.Microsecond)
		}
	}()

	client := NewProgClient(toolEnd, PhysicalAddr(15, 15, 250), zap.NewNop())
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		client.Close()
		d.Stop()
	})
	return d, client
}

func reqCtx(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestProgClient_EndToEnd(t *testing.T) {
	d, client := newProgBench(t)
	timeout := 2 * time.Second

	info, err := client.ReadDeviceInfo(reqCtx(t, timeout))
	require.NoError(t, err)
	assert.Equal(t, uint16(0xDEAD), info.Manufacturer)
	assert.Equal(t, uint8(0x01), info.DeviceID)
	assert.Equal(t, uint8(0x02), info.Revision)
	assert.True(t, info.Factory())
	assert.Equal(t, uint16(FactoryIndividualAddress), info.IndividualAddress)

	// 未進入編程模式前不回應
	err = client.WriteIndividualAddress(reqCtx(t, 200*time.Millisecond), 0x1105)
	assert.True(t, errors.Is(err, ErrProgTimeout))

	require.NoError(t, client.WriteProgrammingMode(reqCtx(t, timeout), FactoryIndividualAddress, true))
	assert.True(t, d.ProgMode())

	ia, err := client.ReadProgrammingMode(reqCtx(t, timeout))
	require.NoError(t, err)
	assert.Equal(t, uint16(FactoryIndividualAddress), ia)

	require.NoError(t, client.WriteIndividualAddress(reqCtx(t, timeout), 0x1105))
	ia, err = client.ReadIndividualAddress(reqCtx(t, timeout))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1105), ia)
	assert.Equal(t, uint16(0x1105), d.IndividualAddress())

	require.NoError(t, client.WriteParameter(reqCtx(t, timeout), 1, []byte{0x12, 0x34}))
	value, err := client.ReadParameter(reqCtx(t, timeout), 1)
	require.NoError(t, err)
	assert.Len(t, value, ProgPayloadLength)
	assert.Equal(t, []byte{0x12, 0x34}, value[:2])
	assert.Equal(t, uint16(0x1234), d.Params().Uint16(1))

	_, err = client.ReadParameter(reqCtx(t, timeout), 9)
	assert.True(t, errors.Is(err, ErrInvalidIndex))

	entries := []ObjectAddress{
		{Index: 1, Address: GroupAddr(5, 0, 1)},
		{Index: 2, Address: GroupAddr(5, 0, 2)},
		{Index: 3, Address: GroupAddr(5, 0, 3)},
		{Index: 4, Address: GroupAddr(5, 0, 4)},
	}
	require.NoError(t, client.WriteComObjects(reqCtx(t, timeout), entries))
	got, err := client.ReadComObjects(reqCtx(t, timeout), []uint8{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, entries, got)
	assert.Equal(t, GroupAddr(5, 0, 4), d.ObjectAddress(4))

	err = client.WriteComObjects(reqCtx(t, timeout), []ObjectAddress{{Index: 9, Address: 1}})
	assert.True(t, errors.Is(err, ErrInvalidIndex))

	require.NoError(t, client.WriteProgrammingMode(reqCtx(t, timeout), 0x1105, false))
	assert.False(t, d.ProgMode())

	info, err = client.ReadDeviceInfo(reqCtx(t, timeout))
	require.NoError(t, err)
	assert.False(t, info.Factory())
	assert.Equal(t, uint16(0x1105), info.IndividualAddress)
}

func TestProgClient_RestartSendsWithoutReply(t *testing.T) {
	toolEnd, busEnd := net.Pipe()
	client := NewProgClient(toolEnd, PhysicalAddr(15, 15, 250), nil)
	t.Cleanup(func() {
		busEnd.Close()
		client.Close()
	})

	received := make(chan *Telegram, 1)
	go func() {
		var dec TelegramDecoder
		buf := make([]byte, 64)
		for {
			n, err := busEnd.Read(buf)
			for _, b := range buf[:n] {
				if tg, _ := dec.DecodeByte(b); tg != nil {
					received <- tg
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	require.NoError(t, client.Restart(reqCtx(t, time.Second), 0x1105))

	select {
	case tg := <-received:
		assert.Equal(t, uint16(ProgObjectAddress), tg.Destination)
		assert.Equal(t, PhysicalAddr(15, 15, 250), tg.Source)
		assert.Equal(t, progFrame(MsgRestart, 0x11, 0x05), tg.Data)
	case <-time.After(time.Second):
		t.Fatal("restart frame not received")
	}
}

func TestProgClient_ParameterTooLong(t *testing.T) {
	toolEnd, busEnd := net.Pipe()
	client := NewProgClient(toolEnd, 0xFFFA, nil)
	t.Cleanup(func() {
		busEnd.Close()
		client.Close()
	})

	err := client.WriteParameter(context.Background(), 0, make([]byte, ProgPayloadLength+1))
	assert.Error(t, err)
}

func TestProgClient_ClosedConnection(t *testing.T) {
	toolEnd, busEnd := net.Pipe()
	client := NewProgClient(toolEnd, 0xFFFA, nil)
	require.NoError(t, busEnd.Close())
	<-client.done

	_, err := client.ReadIndividualAddress(reqCtx(t, time.Second))
	assert.True(t, errors.Is(err, ErrConnectionClosed))
	assert.NoError(t, client.Close())
}

func TestAckError(t *testing.T) {
	assert.NoError(t, ackError(progFrame(MsgAck, 0x00, 0x00, 0x00), "op"))

	err := ackError(progFrame(MsgAck, 0xFF, byte(StatusInvalidIndex), 7), "op")
	assert.True(t, errors.Is(err, ErrInvalidIndex))
	assert.Contains(t, err.Error(), "index 7")
}
