package lowlevel

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"
	"github.com/whisper2/whisperclient/client/clientintf"
	"github.com/whisper2/whisperclient/rpc"
)

const (
	// dialTimeout bounds a single connection attempt.
	dialTimeout = 30 * time.Second

	// defaultAwaitTimeout bounds a SendAndAwait round trip.
	defaultAwaitTimeout = 30 * time.Second
)

// ConnState is the connection lifecycle state of a Transport.
type ConnState int32

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnReconnecting
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// awaitResult carries the resolution of one awaited request.
type awaitResult struct {
	frame rpc.Frame
	err   error
}

// TransportConfig holds the collaborators and tunables of a Transport.
type TransportConfig struct {
	// Dialer establishes new connections. Required.
	Dialer clientintf.Dialer

	// OnFrame receives every inbound frame not consumed by request
	// correlation, in arrival order. Called from the recv loop, so
	// handlers must not block for long.
	OnFrame func(rpc.Frame)

	// OnStateChange is invoked on every connection state transition,
	// with the error that caused it (nil for clean transitions).
	OnStateChange func(ConnState, error)

	// OnSessionTerminated is invoked when the server ends the session;
	// the transport will not reconnect afterwards.
	OnSessionTerminated func(reason string)

	// LogPings logs individual ping and pong frames.
	LogPings bool

	// Heartbeat and reconnect tunables; zero values take the protocol
	// defaults.
	PingInterval         time.Duration
	PongGrace            time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	AwaitTimeout         time.Duration

	Log slog.Logger

	// Now and Rand exist for tests; they default to time.Now and
	// rand.Float64.
	Now  func() time.Time
	Rand func() float64
}

// Transport owns a single server connection: it dials, reads frames,
// answers request/response correlation, drives the application-level
// heartbeat and reconnects with capped exponential backoff after
// unexpected drops. No other component touches the socket.
//
// Stale timers and read loops from a previous connection identify their
// connection and turn into no-ops once it has been replaced.
type Transport struct {
	cfg TransportConfig
	log slog.Logger
	now func() time.Time
	rng func() float64

	mtx         sync.Mutex
	state       ConnState
	conn        clientintf.Conn
	runCtx      context.Context
	wantConn    bool
	reconnects  int
	pending     map[string]chan awaitResult
	lastPong    time.Time
	clockOffset time.Duration
	offsetOK    bool
	pingTimer   *time.Timer
	pongTimer   *time.Timer
	reconnTimer *time.Timer

	// wmtx serializes writes to the underlying connection.
	wmtx sync.Mutex
}

// NewTransport creates a Transport. Dialer is required.
func NewTransport(cfg TransportConfig) *Transport {
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.Float64
	}
	return &Transport{
		cfg:     cfg,
		log:     log,
		now:     now,
		rng:     rng,
		state:   ConnDisconnected,
		pending: make(map[string]chan awaitResult),
	}
}

func (t *Transport) pingInterval() time.Duration {
	if t.cfg.PingInterval > 0 {
		return t.cfg.PingInterval
	}
	return rpc.DefaultPingInterval
}

func (t *Transport) pongGrace() time.Duration {
	if t.cfg.PongGrace > 0 {
		return t.cfg.PongGrace
	}
	return rpc.PongGrace
}

func (t *Transport) maxReconnects() int {
	if t.cfg.ReconnectMaxAttempts > 0 {
		return t.cfg.ReconnectMaxAttempts
	}
	return rpc.ReconnectMaxAttempts
}

func (t *Transport) awaitTimeout() time.Duration {
	if t.cfg.AwaitTimeout > 0 {
		return t.cfg.AwaitTimeout
	}
	return defaultAwaitTimeout
}

// reconnectDelay returns the backoff before the given 1-based reconnect
// attempt.
func (t *Transport) reconnectDelay(attempt int) time.Duration {
	base := t.cfg.ReconnectBaseDelay
	if base <= 0 {
		base = rpc.ReconnectBaseDelay
	}
	max := t.cfg.ReconnectMaxDelay
	if max <= 0 {
		max = rpc.ReconnectMaxDelay
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	d += time.Duration(t.rng() * 0.2 * float64(d))
	return d
}

// Connect dials the server. It is a no-op when a connection attempt is
// already in progress or established. The context bounds the lifetime of
// the transport: reconnect attempts stop once it is canceled.
func (t *Transport) Connect(ctx context.Context) error {
	t.mtx.Lock()
	if t.state != ConnDisconnected {
		t.mtx.Unlock()
		return nil
	}
	t.state = ConnConnecting
	t.wantConn = true
	t.runCtx = ctx
	t.reconnects = 0
	t.mtx.Unlock()

	t.notifyState(ConnConnecting, nil)
	return t.dial(ctx)
}

// dial performs one connection attempt and, on success, installs the new
// connection and arms the heartbeat. Failures feed the reconnect ladder.
func (t *Transport) dial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	c, err := t.cfg.Dialer(dctx)
	cancel()
	if err != nil {
		return t.handleDialFailure(err)
	}

	t.mtx.Lock()
	if !t.wantConn {
		// Disconnected while the dial was in flight.
		t.mtx.Unlock()
		c.Close()
		return errNotConnected
	}
	t.conn = c
	t.lastPong = t.now()
	t.mtx.Unlock()

	// The recv loop must be draining before anyone acts on the
	// Connected notification, or early inbound frames would be lost.
	go t.recvLoop(c)

	t.mtx.Lock()
	if t.conn != c {
		// Torn down during startup.
		t.mtx.Unlock()
		return errNotConnected
	}
	t.state = ConnConnected
	t.reconnects = 0
	t.pingTimer = time.AfterFunc(t.pingInterval(), func() { t.pingConn(c) })
	t.mtx.Unlock()

	t.log.Debugf("Transport connected")
	t.notifyState(ConnConnected, nil)
	return nil
}

func (t *Transport) handleDialFailure(err error) error {
	t.mtx.Lock()
	if !t.wantConn {
		t.mtx.Unlock()
		return errNotConnected
	}
	if t.reconnects < t.maxReconnects() {
		was := t.state
		t.state = ConnReconnecting
		t.mtx.Unlock()
		t.log.Debugf("Connection attempt failed: %v", err)
		if was != ConnReconnecting {
			t.notifyState(ConnReconnecting, err)
		}
		t.scheduleReconnect()
		return ConnectError{Attempt: t.attemptCount(), Err: err}
	}
	attempts := t.reconnects
	t.state = ConnDisconnected
	t.wantConn = false
	t.mtx.Unlock()

	cerr := ConnectError{Attempt: attempts, Err: err}
	t.log.Errorf("Giving up after %d reconnect attempts: %v", attempts, err)
	t.notifyState(ConnDisconnected, cerr)
	return cerr
}

func (t *Transport) attemptCount() int {
	t.mtx.Lock()
	n := t.reconnects
	t.mtx.Unlock()
	return n
}

func (t *Transport) scheduleReconnect() {
	t.mtx.Lock()
	if !t.wantConn || t.state != ConnReconnecting {
		t.mtx.Unlock()
		return
	}
	t.reconnects++
	attempt := t.reconnects
	delay := t.reconnectDelay(attempt)
	ctx := t.runCtx
	t.reconnTimer = time.AfterFunc(delay, func() { t.tryReconnect(ctx, attempt) })
	t.mtx.Unlock()
	t.log.Infof("Reconnect attempt %d in %s", attempt, delay)
}

func (t *Transport) tryReconnect(ctx context.Context, attempt int) {
	t.mtx.Lock()
	stale := !t.wantConn || t.state != ConnReconnecting
	t.mtx.Unlock()
	if stale || ctx.Err() != nil {
		return
	}
	t.log.Debugf("Reconnect attempt %d", attempt)
	if err := t.dial(ctx); err != nil {
		t.log.Debugf("Reconnect attempt %d failed: %v", attempt, err)
	}
}

// Disconnect closes the connection and disables automatic reconnection.
// All pending awaits resolve with an error. Safe to call in any state.
func (t *Transport) Disconnect() {
	t.mtx.Lock()
	t.wantConn = false
	t.stopTimersLocked()
	c := t.conn
	t.conn = nil
	pend := t.pending
	t.pending = make(map[string]chan awaitResult)
	was := t.state
	t.state = ConnDisconnected
	t.mtx.Unlock()

	if c != nil {
		c.Close()
	}
	for _, ch := range pend {
		ch <- awaitResult{err: errNotConnected}
	}
	if was != ConnDisconnected {
		t.log.Debugf("Transport disconnected locally")
		t.notifyState(ConnDisconnected, nil)
	}
}

// stopTimersLocked stops the heartbeat and reconnect timers. Timers that
// already fired no-op against a replaced connection. Callers must hold
// mtx.
func (t *Transport) stopTimersLocked() {
	if t.pingTimer != nil {
		t.pingTimer.Stop()
		t.pingTimer = nil
	}
	if t.pongTimer != nil {
		t.pongTimer.Stop()
		t.pongTimer = nil
	}
	if t.reconnTimer != nil {
		t.reconnTimer.Stop()
		t.reconnTimer = nil
	}
}

// State returns the current connection state.
func (t *Transport) State() ConnState {
	t.mtx.Lock()
	s := t.state
	t.mtx.Unlock()
	return s
}

// ClockOffset returns the last server clock offset learned from a pong,
// and whether one has been learned at all.
func (t *Transport) ClockOffset() (time.Duration, bool) {
	t.mtx.Lock()
	off, ok := t.clockOffset, t.offsetOK
	t.mtx.Unlock()
	return off, ok
}

// ServerTime returns the local estimate of the current server clock. It
// equals local time until a pong carrying server time has been seen.
func (t *Transport) ServerTime() time.Time {
	off, _ := t.ClockOffset()
	return t.now().Add(off)
}

func (t *Transport) notifyState(state ConnState, err error) {
	if t.cfg.OnStateChange != nil {
		t.cfg.OnStateChange(state, err)
	}
}

// write serializes raw writes to the connection.
func (t *Transport) write(c clientintf.Conn, data []byte) error {
	t.wmtx.Lock()
	err := c.WriteMessage(data)
	t.wmtx.Unlock()
	return err
}

// SendFrame implements FrameSender: a fire-and-forget frame write on the
// current connection.
func (t *Transport) SendFrame(frame rpc.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	t.mtx.Lock()
	c := t.conn
	connected := t.state == ConnConnected
	t.mtx.Unlock()
	if !connected || c == nil {
		return errNotConnected
	}
	if t.log.Level() <= slog.LevelTrace {
		t.log.Tracef("Sending frame %s (req %s)", frame.Type, frame.RequestID)
	}
	return t.write(c, data)
}

// SendAndAwait sends a request frame and blocks until the matching
// response arrives, the timeout elapses, the context is canceled or the
// connection goes away. Error frames with a matching request id resolve
// as a rpc.ServerError.
func (t *Transport) SendAndAwait(ctx context.Context, cmd string, payload interface{}) (rpc.Frame, error) {
	reqID := uuid.New().String()
	frame, err := rpc.NewFrame(cmd, reqID, payload)
	if err != nil {
		return rpc.Frame{}, err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return rpc.Frame{}, fmt.Errorf("marshal frame: %w", err)
	}

	ch := make(chan awaitResult, 1)
	t.mtx.Lock()
	c := t.conn
	if t.state != ConnConnected || c == nil {
		t.mtx.Unlock()
		return rpc.Frame{}, errNotConnected
	}
	t.pending[reqID] = ch
	t.mtx.Unlock()

	if err := t.write(c, data); err != nil {
		t.removePending(reqID)
		return rpc.Frame{}, err
	}

	timer := time.NewTimer(t.awaitTimeout())
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.frame, res.err
	case <-timer.C:
		if !t.removePending(reqID) {
			// A response raced the timeout; take it.
			res := <-ch
			return res.frame, res.err
		}
		return rpc.Frame{}, fmt.Errorf("%s: %w", cmd, errAwaitTimeout)
	case <-ctx.Done():
		if !t.removePending(reqID) {
			res := <-ch
			return res.frame, res.err
		}
		return rpc.Frame{}, ctx.Err()
	}
}

// removePending drops a correlation entry, reporting whether it was still
// present. Whoever removes the entry owns its resolution.
func (t *Transport) removePending(reqID string) bool {
	t.mtx.Lock()
	_, ok := t.pending[reqID]
	if ok {
		delete(t.pending, reqID)
	}
	t.mtx.Unlock()
	return ok
}

// resolvePending resolves one awaited request. Only the first resolver of
// a given request id wins.
func (t *Transport) resolvePending(reqID string, res awaitResult) bool {
	t.mtx.Lock()
	ch, ok := t.pending[reqID]
	if ok {
		delete(t.pending, reqID)
	}
	t.mtx.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// recvLoop reads frames until the connection fails.
func (t *Transport) recvLoop(c clientintf.Conn) {
	for {
		data, err := c.ReadMessage()
		if err != nil {
			t.handleConnBroken(c, err)
			return
		}
		frame, err := rpc.DecodeFrame(data)
		if err != nil {
			t.log.Warnf("Dropping undecodable frame: %v", err)
			continue
		}
		t.handleFrame(c, frame)
	}
}

// handleFrame routes one inbound frame: heartbeat and session control
// first, then request correlation, then the frame callback. Frames
// consumed by correlation never reach the callback.
func (t *Transport) handleFrame(c clientintf.Conn, frame rpc.Frame) {
	switch frame.Type {
	case rpc.CmdPong:
		t.handlePong(c, frame)
		return
	case rpc.CmdSessionTerminated:
		t.handleTerminated(c, frame)
		return
	}

	if frame.RequestID != "" {
		res := awaitResult{frame: frame}
		if frame.Type == rpc.CmdError {
			var ep rpc.Error
			if err := json.Unmarshal(frame.Payload, &ep); err != nil {
				res.err = fmt.Errorf("decode error frame: %w", err)
			} else {
				res.err = rpc.MakeServerError(ep, frame.RequestID)
			}
		}
		if t.resolvePending(frame.RequestID, res) {
			return
		}
	}

	if t.cfg.OnFrame != nil {
		t.cfg.OnFrame(frame)
	}
}

func (t *Transport) handlePong(c clientintf.Conn, frame rpc.Frame) {
	var pong rpc.Pong
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &pong); err != nil {
			t.log.Warnf("Dropping undecodable pong: %v", err)
			return
		}
	}
	now := t.now()
	t.mtx.Lock()
	if t.conn == c {
		t.lastPong = now
		if pong.ServerTime > 0 {
			t.clockOffset = time.UnixMilli(pong.ServerTime).Sub(now)
			t.offsetOK = true
		}
	}
	off := t.clockOffset
	t.mtx.Unlock()
	if t.cfg.LogPings {
		t.log.Tracef("Pong received (clock offset %s)", off)
	}
}

func (t *Transport) handleTerminated(c clientintf.Conn, frame rpc.Frame) {
	var st rpc.SessionTerminated
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &st); err != nil {
			t.log.Warnf("Undecodable session termination: %v", err)
		}
	}
	t.log.Warnf("Session terminated by server: %q", st.Reason)
	t.mtx.Lock()
	t.wantConn = false
	t.mtx.Unlock()
	t.handleConnBroken(c, TerminatedError{Reason: st.Reason})
	if t.cfg.OnSessionTerminated != nil {
		t.cfg.OnSessionTerminated(st.Reason)
	}
}

// pingConn sends one application ping and arms the pong deadline. Runs on
// the ping timer.
func (t *Transport) pingConn(c clientintf.Conn) {
	t.mtx.Lock()
	if t.conn != c || t.state != ConnConnected {
		t.mtx.Unlock()
		return
	}
	t.mtx.Unlock()

	sent := t.now()
	frame, err := rpc.NewFrame(rpc.CmdPing, "", rpc.Ping{Timestamp: sent.UnixMilli()})
	if err != nil {
		t.log.Errorf("Building ping frame: %v", err)
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		t.log.Errorf("Marshal ping frame: %v", err)
		return
	}
	if err := t.write(c, data); err != nil {
		t.handleConnBroken(c, err)
		return
	}
	if t.cfg.LogPings {
		t.log.Tracef("Ping sent")
	}

	deadline := t.pingInterval() + t.pongGrace()
	t.mtx.Lock()
	if t.conn == c {
		t.pongTimer = time.AfterFunc(deadline, func() { t.checkPong(c, sent) })
		t.pingTimer = time.AfterFunc(t.pingInterval(), func() { t.pingConn(c) })
	}
	t.mtx.Unlock()
}

// checkPong verifies a pong arrived after the given ping. Runs on the
// pong deadline timer.
func (t *Transport) checkPong(c clientintf.Conn, pingSent time.Time) {
	t.mtx.Lock()
	stale := t.conn != c
	last := t.lastPong
	t.mtx.Unlock()
	if stale {
		return
	}
	if last.Before(pingSent) {
		t.log.Warnf("No pong within %s; connection presumed dead",
			t.pingInterval()+t.pongGrace())
		t.handleConnBroken(c, errPongTimeout)
	}
}

// handleConnBroken tears down a failed connection exactly once; calls for
// an already-replaced connection are no-ops. Pending awaits resolve with
// an error and a reconnect is scheduled when one is armed.
func (t *Transport) handleConnBroken(c clientintf.Conn, cause error) {
	t.mtx.Lock()
	if t.conn != c {
		t.mtx.Unlock()
		return
	}
	t.conn = nil
	t.stopTimersLocked()
	pend := t.pending
	t.pending = make(map[string]chan awaitResult)
	if t.wantConn && t.reconnects < t.maxReconnects() {
		t.state = ConnReconnecting
	} else {
		t.state = ConnDisconnected
		t.wantConn = false
	}
	state := t.state
	t.mtx.Unlock()

	c.Close()
	for _, ch := range pend {
		ch <- awaitResult{err: errNotConnected}
	}
	t.log.Debugf("Connection broken: %v", cause)
	t.notifyState(state, cause)
	if state == ConnReconnecting {
		t.scheduleReconnect()
	}
}
