package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  4,
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitForState(t *testing.T, tr *Transport, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transport never reached state %s (now %s)", want, tr.State())
}

func TestBackoffDelayFollowsFormula(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
	}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{9, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(cfg, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestConnectAndReceive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.done"}`))
		// hold the socket open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	got := make(chan []byte, 1)
	tr := NewTransport(wsURL(srv), nil, testBackoff())
	tr.OnMessage(func(data []byte) { got <- data })

	require.NoError(t, tr.Connect())
	defer tr.Disconnect()

	assert.Equal(t, StateConnected, tr.State())

	select {
	case data := <-got:
		assert.JSONEq(t, `{"type":"response.done"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message never arrived")
	}
}

func TestConnectWhileConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr := NewTransport(wsURL(srv), nil, testBackoff())
	require.NoError(t, tr.Connect())
	defer tr.Disconnect()

	assert.ErrorIs(t, tr.Connect(), ErrAlreadyConnected)
}

func TestConnectExhaustionRejectsOnce(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "no", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewTransport(wsURL(srv), nil, testBackoff())
	err := tr.Connect()
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, tr.State())
	assert.Equal(t, int32(4), dials.Load(), "every configured attempt should dial once")

	// A fresh connect after exhaustion starts a new attempt cycle.
	err = tr.Connect()
	require.Error(t, err)
	assert.Equal(t, int32(8), dials.Load())
}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// Abnormal close on the first connection forces a reconnect.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"), time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr := NewTransport(wsURL(srv), nil, testBackoff())
	require.NoError(t, tr.Connect())
	defer tr.Disconnect()

	waitForState(t, tr, StateConnected)
	deadline := time.Now().Add(2 * time.Second)
	for dials.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, dials.Load(), int32(2), "transport should have redialed")
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
	}))
	defer srv.Close()

	tr := NewTransport(wsURL(srv), nil, testBackoff())
	require.NoError(t, tr.Connect())

	waitForState(t, tr, StateDisconnected)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), dials.Load(), "normal close must not trigger reconnect")
}

func TestRemoteNormalCloseNotifiesOwner(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session over"), time.Now().Add(time.Second))
		_ = conn.Close()
	}))
	defer srv.Close()

	terminal := make(chan error, 1)
	states := make(chan State, 8)
	tr := NewTransport(wsURL(srv), nil, testBackoff())
	tr.OnTerminalError(func(err error) { terminal <- err })
	tr.OnStateChange(func(s State) { states <- s })

	require.NoError(t, tr.Connect())

	// The owner hears about the remote hangup instead of a silent hang.
	select {
	case err := <-terminal:
		assert.ErrorContains(t, err, "remote closed session")
	case <-time.After(2 * time.Second):
		t.Fatal("terminal callback never fired after remote close")
	}

	seen := map[State]bool{}
	for len(states) > 0 {
		seen[<-states] = true
	}
	assert.True(t, seen[StateConnected])
	assert.True(t, seen[StateDisconnected], "disconnected transition must be observable")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), dials.Load(), "remote close still must not reconnect")
	assert.ErrorIs(t, tr.Send(struct{}{}), ErrNotConnected)
}

func TestTerminalErrorAfterResolvedConnect(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		if n > 1 {
			// Later dials fail at the handshake until attempts run out.
			http.Error(w, "no", http.StatusInternalServerError)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"), time.Now().Add(time.Second))
		_ = conn.Close()
	}))
	defer srv.Close()

	terminal := make(chan error, 1)
	tr := NewTransport(wsURL(srv), nil, testBackoff())
	tr.OnTerminalError(func(err error) { terminal <- err })

	require.NoError(t, tr.Connect())

	select {
	case err := <-terminal:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("terminal error never surfaced")
	}
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestSendWhenNotConnected(t *testing.T) {
	tr := NewTransport("ws://127.0.0.1:0", nil, testBackoff())
	assert.ErrorIs(t, tr.Send(bufferCommitEvent{Type: typeBufferCommit}), ErrNotConnected)
}

func TestDisconnectIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr := NewTransport(wsURL(srv), nil, testBackoff())
	require.NoError(t, tr.Connect())

	tr.Disconnect()
	tr.Disconnect()
	assert.Equal(t, StateDisconnected, tr.State())
	assert.ErrorIs(t, tr.Send(bufferCommitEvent{Type: typeBufferCommit}), ErrNotConnected)
}
