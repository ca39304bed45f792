package realtime

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyConnected = errors.New("transport already connected")
	ErrConnectInFlight  = errors.New("connect already in flight")
	ErrNotConnected     = errors.New("transport not connected")
	ErrDisconnected     = errors.New("transport disconnected")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// BackoffConfig controls reconnection pacing after abnormal closes.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
	}
}

// backoffDelay returns the delay to wait after the given failed attempt
// (1-based): min(maxDelay, initialDelay * multiplier^(attempt-1)).
func backoffDelay(cfg BackoffConfig, attempt int) time.Duration {
	d := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1)))
	if d > cfg.MaxDelay || d < 0 {
		d = cfg.MaxDelay
	}
	return d
}

type connectResult struct {
	done chan struct{}
	err  error
}

// Transport owns exactly one live websocket to the remote service and hides
// reconnection from callers. Inbound frames go to the OnMessage handler;
// reconnect exhaustion after a once-successful connect goes to OnTerminalError.
type Transport struct {
	url     string
	header  http.Header
	backoff BackoffConfig
	dialer  *websocket.Dialer

	onMessage  func([]byte)
	onTerminal func(error)
	onState    func(State)

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	attempt        int
	pending        *connectResult
	resolvedOnce   bool
	reconnectTimer *time.Timer

	writeMu sync.Mutex
}

func NewTransport(url string, header http.Header, cfg BackoffConfig) *Transport {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Transport{
		url:     url,
		header:  header,
		backoff: cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// OnMessage installs the inbound frame handler. Must be set before Connect.
func (t *Transport) OnMessage(fn func([]byte)) { t.onMessage = fn }

// OnTerminalError installs the handler for reconnect exhaustion that happens
// after the original connect already resolved. Must be set before Connect.
func (t *Transport) OnTerminalError(fn func(error)) { t.onTerminal = fn }

// OnStateChange installs an observer for state transitions, used for
// instrumentation. Must be set before Connect.
func (t *Transport) OnStateChange(fn func(State)) { t.onState = fn }

func (t *Transport) notifyState(s State) {
	if t.onState != nil {
		t.onState(s)
	}
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Connected() bool { return t.State() == StateConnected }

// Connect dials the remote service and blocks until the socket is open or
// retries are exhausted. A second call while a connect is in flight waits on
// the same in-flight result; a call while connected fails immediately.
func (t *Transport) Connect() error {
	t.mu.Lock()
	switch t.state {
	case StateConnected:
		t.mu.Unlock()
		return ErrAlreadyConnected
	case StateConnecting, StateReconnecting:
		p := t.pending
		t.mu.Unlock()
		if p == nil {
			return ErrConnectInFlight
		}
		<-p.done
		return p.err
	}
	p := &connectResult{done: make(chan struct{})}
	t.pending = p
	t.state = StateConnecting
	t.attempt = 0
	t.resolvedOnce = false
	t.mu.Unlock()

	log.Info().Str("module", "realtime.transport").Str("url", t.url).Msg("connecting")
	go t.dial()

	<-p.done
	return p.err
}

func (t *Transport) dial() {
	t.mu.Lock()
	if t.state == StateDisconnected {
		t.mu.Unlock()
		return
	}
	attempt := t.attempt + 1
	t.mu.Unlock()

	conn, _, err := t.dialer.Dial(t.url, t.header)
	if err != nil {
		t.handleFailure(fmt.Errorf("dial: %w", err))
		return
	}

	t.mu.Lock()
	if t.state == StateDisconnected {
		// Disconnect raced the dial; drop the socket.
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.state = StateConnected
	t.attempt = 0
	t.resolvedOnce = true
	p := t.pending
	t.pending = nil
	t.mu.Unlock()

	log.Info().Str("module", "realtime.transport").Int("attempt", attempt).Msg("socket open")
	t.notifyState(StateConnected)
	go t.readPump(conn)

	if p != nil {
		p.err = nil
		close(p.done)
	}
}

func (t *Transport) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(err)
			return
		}
		if t.onMessage != nil {
			t.onMessage(data)
		}
	}
}

func (t *Transport) handleClose(err error) {
	t.mu.Lock()
	if t.state == StateDisconnected {
		// Deliberate disconnect; nothing to do.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		// The remote ended the session on purpose; no reconnect, but the
		// owner still has to learn the call is over.
		resolved := t.resolvedOnce
		term := t.onTerminal
		t.state = StateDisconnected
		t.mu.Unlock()
		log.Info().Str("module", "realtime.transport").Msg("remote closed session")
		t.notifyState(StateDisconnected)
		if resolved && term != nil {
			term(fmt.Errorf("remote closed session: %w", err))
		}
		return
	}
	t.mu.Unlock()
	log.Warn().Err(err).Str("module", "realtime.transport").Msg("abnormal close")
	t.handleFailure(err)
}

func (t *Transport) handleFailure(err error) {
	t.mu.Lock()
	if t.state == StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.attempt++
	if t.attempt >= t.backoff.MaxAttempts {
		p := t.pending
		t.pending = nil
		resolved := t.resolvedOnce
		term := t.onTerminal
		t.state = StateDisconnected
		t.mu.Unlock()

		log.Error().Err(err).Str("module", "realtime.transport").Int("attempts", t.backoff.MaxAttempts).Msg("reconnect attempts exhausted")
		t.notifyState(StateDisconnected)
		if p != nil {
			p.err = fmt.Errorf("connect failed after %d attempts: %w", t.backoff.MaxAttempts, err)
			close(p.done)
		} else if resolved && term != nil {
			term(err)
		}
		return
	}

	delay := backoffDelay(t.backoff, t.attempt)
	t.state = StateReconnecting
	t.reconnectTimer = time.AfterFunc(delay, t.dial)
	attempt := t.attempt
	t.mu.Unlock()

	log.Warn().Err(err).Str("module", "realtime.transport").Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")
	t.notifyState(StateReconnecting)
}

// Send marshals v as JSON onto the socket. Fails when not connected; callers
// must not buffer sends themselves.
func (t *Transport) Send(v any) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.state == StateConnected
	t.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Disconnect closes the socket, cancels any scheduled reconnect, and drops
// further inbound messages. Idempotent.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	p := t.pending
	t.pending = nil
	conn := t.conn
	t.conn = nil
	was := t.state
	t.state = StateDisconnected
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	if p != nil {
		p.err = ErrDisconnected
		close(p.done)
	}
	if was != StateDisconnected {
		log.Info().Str("module", "realtime.transport").Msg("disconnected")
	}
}
