package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snowgate/internal/ledger"
)

// mockConn is an in-memory Connection. Reads block on a channel; writes are
// recorded for inspection.
type mockConn struct {
	mu       sync.Mutex
	inbound  chan []byte
	written  [][]byte
	closed   bool
	pongFunc func(string) error
}

func newMockConn() *mockConn {
	return &mockConn{inbound: make(chan []byte, 8)}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("connection closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.written = append(m.written, cp)
	return nil
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	data, ok := <-m.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, data, nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.inbound)
	}
	return nil
}

func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }
func (m *mockConn) SetReadLimit(limit int64)           {}
func (m *mockConn) SetPongHandler(h func(string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pongFunc = h
}
func (m *mockConn) RemoteAddr() string { return "127.0.0.1:0" }

func (m *mockConn) writtenMessages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

// recordingControl records heartbeat and disconnect calls.
type recordingControl struct {
	mu          sync.Mutex
	heartbeats  []string
	disconnects []string
}

func (r *recordingControl) Heartbeat(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats = append(r.heartbeats, sessionID)
	return nil
}

func (r *recordingControl) Disconnect(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, sessionID)
	return nil
}

func (r *recordingControl) heartbeatCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.heartbeats)
}

func (r *recordingControl) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnects)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHubRegisterUnregister(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	defer hub.Stop()

	control := &recordingControl{}
	client := NewClient(hub, newMockConn(), control, "s1", "ACME", "developer", nil)

	hub.Register(client)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.Unregister(client)
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHubSeatUsageBroadcastScopedToOrganization(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	defer hub.Stop()

	control := &recordingControl{}
	acme := NewClient(hub, newMockConn(), control, "s1", "ACME", "developer", nil)
	globex := NewClient(hub, newMockConn(), control, "s2", "GLOBEX", "developer", nil)
	hub.Register(acme)
	hub.Register(globex)
	waitFor(t, func() bool { return hub.ClientCount() == 2 })

	hub.BroadcastSeatUsage("ACME", []*ledger.Usage{
		{Role: "developer", Used: 1, Limit: 5},
	})

	waitFor(t, func() bool { return len(acme.send) == 1 })

	var env Envelope
	require.NoError(t, json.Unmarshal(<-acme.send, &env))
	assert.Equal(t, TypeSeatUsage, env.Type)
	assert.Equal(t, "ACME", env.OrganizationID)

	assert.Empty(t, globex.send)
}

func TestClientHeartbeatFrameTouchesSession(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	defer hub.Stop()

	conn := newMockConn()
	control := &recordingControl{}
	client := NewClient(hub, conn, control, "s1", "ACME", "developer", nil)
	hub.Register(client)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	go client.ReadPump()

	conn.inbound <- []byte(`{"type":"heartbeat"}`)
	waitFor(t, func() bool { return control.heartbeatCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return control.disconnectCount() == 1 })
	assert.Equal(t, "s1", control.disconnects[0])
}

func TestClientCloseDisconnectsSession(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	defer hub.Stop()

	conn := newMockConn()
	control := &recordingControl{}
	client := NewClient(hub, conn, control, "s9", "ACME", "stakeholder", nil)
	hub.Register(client)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	go client.ReadPump()
	conn.Close()

	waitFor(t, func() bool { return control.disconnectCount() == 1 })
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestClientIgnoresGarbageFrames(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	defer hub.Stop()

	conn := newMockConn()
	control := &recordingControl{}
	client := NewClient(hub, conn, control, "s1", "ACME", "developer", nil)
	hub.Register(client)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	go client.ReadPump()

	conn.inbound <- []byte(`not json`)
	conn.inbound <- []byte(`{"type":"heartbeat"}`)
	waitFor(t, func() bool { return control.heartbeatCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return control.disconnectCount() == 1 })
}

func TestHubStopClosesClients(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()

	control := &recordingControl{}
	client := NewClient(hub, newMockConn(), control, "s1", "ACME", "developer", nil)
	hub.Register(client)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.Stop()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })

	_, ok := <-client.send
	assert.False(t, ok, "send channel should be closed")
}

func TestHubRegisterAfterStopDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	hub.Stop()

	control := &recordingControl{}
	client := NewClient(hub, newMockConn(), control, "s1", "ACME", "developer", nil)

	done := make(chan struct{})
	go func() {
		hub.Register(client)
		hub.Unregister(client)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Register/Unregister blocked after hub stop")
	}
	assert.Equal(t, 0, hub.ClientCount())
}
