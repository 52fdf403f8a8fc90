package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// echoServer upgrades incoming connections and echoes every message back.
type echoServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	received []Message
	conns    []*websocket.Conn
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	e := &echoServer{}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		e.mu.Lock()
		e.conns = append(e.conns, conn)
		e.mu.Unlock()
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			e.mu.Lock()
			e.received = append(e.received, msg)
			e.mu.Unlock()
			_ = conn.WriteJSON(msg)
		}
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *echoServer) url() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http")
}

func (e *echoServer) dropConnections() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, conn := range e.conns {
		_ = conn.Close()
	}
	e.conns = nil
}

func dialTest(t *testing.T, e *echoServer) *Client {
	t.Helper()
	c, err := Dial(context.Background(), e.url(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSendAndDispatchRoundTrip(t *testing.T) {
	e := newEchoServer(t)
	c := dialTest(t, e)

	var mu sync.Mutex
	var got []json.RawMessage
	c.On(MsgReaction, func(data json.RawMessage) {
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
	})

	require.NoError(t, c.Send(MsgReaction, map[string]string{"type": "fire"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var payload map[string]string
	require.NoError(t, json.Unmarshal(got[0], &payload))
	assert.Equal(t, "fire", payload["type"])
}

func TestDispatchOnlyMatchingType(t *testing.T) {
	e := newEchoServer(t)
	c := dialTest(t, e)

	var mu sync.Mutex
	counts := map[string]int{}
	for _, typ := range []string{MsgReaction, MsgSyncEvent} {
		typ := typ
		c.On(typ, func(json.RawMessage) {
			mu.Lock()
			counts[typ]++
			mu.Unlock()
		})
	}

	require.NoError(t, c.Send(MsgSyncEvent, map[string]string{"type": "seek_change"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts[MsgSyncEvent] == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, counts[MsgReaction])
}

func TestConnectionChangeFiresOnServerClose(t *testing.T) {
	e := newEchoServer(t)
	c := dialTest(t, e)

	var mu sync.Mutex
	var notifications []bool
	c.OnConnectionChange(func(connected bool) {
		mu.Lock()
		notifications = append(notifications, connected)
		mu.Unlock()
	})

	// server drops the connection out from under the client
	e.dropConnections()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notifications) == 1 && !notifications[0]
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendAfterCloseFails(t *testing.T) {
	e := newEchoServer(t)
	c := dialTest(t, e)

	require.NoError(t, c.Close())
	assert.Error(t, c.Send(MsgReaction, map[string]string{"type": "clap"}))
}

func TestDialRejectsUnreachableServer(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/ws", nil)
	assert.Error(t, err)
}
