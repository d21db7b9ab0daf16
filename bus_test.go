package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startTestBus(t *testing.T) (*BusHub, string) {
	t.Helper()
	hub := NewBusHub(zap.NewNop())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Shutdown(context.Background())
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialBus(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBusHub_BroadcastExcludesSender(t *testing.T) {
	hub, url := startTestBus(t)

	a := dialBus(t, url)
	b := dialBus(t, url)
	c := dialBus(t, url)
	require.Eventually(t, func() bool { return hub.Stats().Clients == 3 }, time.Second, 5*time.Millisecond)

	frame := []byte{0xBC, 0x11, 0x01, 0x09, 0x01, 0xE1, 0x00, 0x81, 0x00}
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, frame))

	for _, peer := range []*websocket.Conn{b, c} {
		peer.SetReadDeadline(time.Now().Add(time.Second))
		mt, data, err := peer.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		assert.Equal(t, frame, data)
	}

	a.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, _, err := a.ReadMessage()
	assert.Error(t, err, "sender must not receive its own frame")

	stats := hub.Stats()
	assert.Equal(t, uint64(1), stats.FramesRelayed)
	assert.Equal(t, uint64(3), stats.Connects)
}

func TestBusHub_IgnoresTextMessages(t *testing.T) {
	hub, url := startTestBus(t)

	a := dialBus(t, url)
	b := dialBus(t, url)
	require.Eventually(t, func() bool { return hub.Stats().Clients == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte{0x01}))

	b.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, data)
}

func TestBusHub_ClientLeaves(t *testing.T) {
	hub, url := startTestBus(t)

	a := dialBus(t, url)
	require.Eventually(t, func() bool { return hub.Stats().Clients == 1 }, time.Second, 5*time.Millisecond)

	a.Close()
	assert.Eventually(t, func() bool { return hub.Stats().Clients == 0 }, time.Second, 5*time.Millisecond)
}

func TestBusHub_LinksTwoTransceivers(t *testing.T) {
	hub, url := startTestBus(t)

	dial := func() (Connection, error) {
		return DialWebSocketConnection(context.Background(), url)
	}
	left := NewLinkTransceiver(dial, nil)
	right := NewLinkTransceiver(dial, nil)
	lh, rh := &recordingHandler{}, &recordingHandler{}
	for _, p := range []struct {
		l *LinkTransceiver
		h *recordingHandler
	}{{left, lh}, {right, rh}} {
		require.NoError(t, p.l.Reset())
		p.l.Attach(p.h)
		p.l.Init()
	}
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	require.Eventually(t, func() bool { return hub.Stats().Clients == 2 }, time.Second, 5*time.Millisecond)

	tg := NewGroupTelegram(0x1101, GroupAddr(1, 1, 1), CommandValueWrite)
	tg.SetValue([]byte{1}, true)
	require.NoError(t, left.SendTelegram(tg))
	left.RunTransmitStep()

	assert.Eventually(t, func() bool {
		right.RunReceiveStep()
		return rh.has(EventTelegramReceived)
	}, time.Second, 5*time.Millisecond)

	rh.mu.Lock()
	got := rh.telegrams[0]
	rh.mu.Unlock()
	assert.Equal(t, GroupAddr(1, 1, 1), got.Destination)
	assert.Equal(t, []byte{1}, got.Data)
	assert.Equal(t, []TxAck{TxAckOK}, lh.acks)
}

func TestDialWebSocketConnection_RejectsScheme(t *testing.T) {
	_, err := DialWebSocketConnection(context.Background(), "http://localhost:1/bus")
	assert.Error(t, err)
}
