package lowlevel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whisper2/whisperclient/client/clientintf"
	"github.com/whisper2/whisperclient/identity"
	"github.com/whisper2/whisperclient/internal/testutils"
	"github.com/whisper2/whisperclient/rpc"
)

const (
	testAliceMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testBobMnemonic   = "legal winner thank year wave sausage worth useful legal winner thank yellow"
)

var errMockConnClosed = errors.New("mock conn closed")

func testKeyRing(t testing.TB, mnemonic string) *identity.KeyRing {
	t.Helper()
	kr, err := identity.FromMnemonic(mnemonic)
	if err != nil {
		t.Fatal(err)
	}
	return kr
}

func testTimeoutCtx(t testing.TB, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(func() { cancel() })
	return ctx
}

// mockCreds is a CredentialProvider with fixed results.
type mockCreds struct {
	mtx   sync.Mutex
	creds *clientintf.Credentials
	err   error
}

func (c *mockCreds) Credentials() (*clientintf.Credentials, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.creds, c.err
}

func testCreds(t testing.TB) *mockCreds {
	kr := testKeyRing(t, testAliceMnemonic)
	return &mockCreds{creds: &clientintf.Credentials{
		WhisperID:    "w-alice",
		SessionToken: "session-token",
		SignPrivKey:  kr.SignPriv,
		EncPrivKey:   kr.EncPriv[:],
	}}
}

// mockKeyBook resolves recipient keys from fixed maps.
type mockKeyBook struct {
	mtx      sync.Mutex
	encKeys  map[string][]byte
	signKeys map[string][]byte
}

func newMockKeyBook() *mockKeyBook {
	return &mockKeyBook{
		encKeys:  make(map[string][]byte),
		signKeys: make(map[string][]byte),
	}
}

func (kb *mockKeyBook) setEncKey(id string, key []byte) {
	kb.mtx.Lock()
	kb.encKeys[id] = key
	kb.mtx.Unlock()
}

func (kb *mockKeyBook) EncPublicKey(_ context.Context, id string) ([]byte, error) {
	kb.mtx.Lock()
	defer kb.mtx.Unlock()
	return kb.encKeys[id], nil
}

func (kb *mockKeyBook) SignPublicKey(_ context.Context, id string) ([]byte, error) {
	kb.mtx.Lock()
	defer kb.mtx.Unlock()
	return kb.signKeys[id], nil
}

// mockFrameSender collects sent frames and can be primed to fail sends.
type mockFrameSender struct {
	mtx    sync.Mutex
	errs   []error
	frames chan rpc.Frame
}

func newMockFrameSender() *mockFrameSender {
	return &mockFrameSender{frames: make(chan rpc.Frame, 16)}
}

func (s *mockFrameSender) failNext(err error) {
	s.mtx.Lock()
	s.errs = append(s.errs, err)
	s.mtx.Unlock()
}

func (s *mockFrameSender) SendFrame(frame rpc.Frame) error {
	s.mtx.Lock()
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	s.mtx.Unlock()
	if err != nil {
		return err
	}
	s.frames <- frame
	return nil
}

type statusUpdate struct {
	msgID  string
	status clientintf.MessageStatus
}

// testQueueHarness wires a queue to mocks of all its collaborators.
type testQueueHarness struct {
	q      *Queue
	creds  *mockCreds
	keys   *mockKeyBook
	sender *mockFrameSender
	status chan statusUpdate
	auth   chan error
}

func newTestQueue(t testing.TB, policy RetryPolicy) *testQueueHarness {
	t.Helper()
	h := &testQueueHarness{
		creds:  testCreds(t),
		keys:   newMockKeyBook(),
		sender: newMockFrameSender(),
		status: make(chan statusUpdate, 16),
		auth:   make(chan error, 4),
	}
	bob := testKeyRing(t, testBobMnemonic)
	h.keys.setEncKey("w-bob", bob.Public.Enc[:])
	h.q = NewQueue(QueueConfig{
		Sender: h.sender,
		Creds:  h.creds,
		Keys:   h.keys,
		Status: clientintf.StatusSinkFunc(func(id string, st clientintf.MessageStatus) {
			h.status <- statusUpdate{msgID: id, status: st}
		}),
		AuthFailure: clientintf.AuthFailureSinkFunc(func(err error) {
			h.auth <- err
		}),
		Policy: policy,
		Log:    testutils.TestLoggerSys(t, "MSGQ"),
	})
	return h
}

// enqueueText enqueues a text message to bob and returns its message id.
func (h *testQueueHarness) enqueueText(t testing.TB, text string) string {
	t.Helper()
	msgID, err := h.q.Enqueue(context.Background(), "w-bob",
		rpc.ContentTypeText, []byte(text), "", nil)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	return msgID
}

func decodeSendPayload(t testing.TB, frame rpc.Frame) rpc.SendMessage {
	t.Helper()
	if frame.Type != rpc.CmdSendMessage {
		t.Fatalf("unexpected frame type %q", frame.Type)
	}
	var p rpc.SendMessage
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		t.Fatalf("undecodable send payload: %v", err)
	}
	return p
}

// mockConn is a clientintf.Conn driven by channels.
type mockConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *mockConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errMockConnClosed
	}
}

func (c *mockConn) WriteMessage(data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errMockConnClosed
	}
}

func (c *mockConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// feed queues a frame for the transport recv loop to read.
func (c *mockConn) feed(t testing.TB, frame rpc.Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case c.in <- data:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout feeding conn")
	}
}

// nextWritten returns the next frame the transport wrote to the conn.
func (c *mockConn) nextWritten(t testing.TB) rpc.Frame {
	t.Helper()
	select {
	case data := <-c.out:
		frame, err := rpc.DecodeFrame(data)
		if err != nil {
			t.Fatalf("undecodable written frame: %v", err)
		}
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for conn write")
		return rpc.Frame{}
	}
}

type dialReply struct {
	conn *mockConn
	err  error
}

// mockDialer hands out preloaded connections in order and signals each
// attempt.
type mockDialer struct {
	replies  chan dialReply
	attempts chan struct{}
}

func newMockDialer() *mockDialer {
	return &mockDialer{
		replies:  make(chan dialReply, 16),
		attempts: make(chan struct{}, 16),
	}
}

// queueConn primes the dialer with a successful connection and returns it.
func (d *mockDialer) queueConn() *mockConn {
	c := newMockConn()
	d.replies <- dialReply{conn: c}
	return c
}

func (d *mockDialer) queueErr(err error) {
	d.replies <- dialReply{err: err}
}

func (d *mockDialer) dial(ctx context.Context) (clientintf.Conn, error) {
	select {
	case d.attempts <- struct{}{}:
	default:
	}
	select {
	case r := <-d.replies:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type stateChange struct {
	state ConnState
	err   error
}

// testTransportHarness wires a transport to a mock dialer and collects
// its callbacks.
type testTransportHarness struct {
	tr     *Transport
	dialer *mockDialer
	states chan stateChange
	frames chan rpc.Frame
	term   chan string
}

func newTestTransport(t testing.TB, tweak func(*TransportConfig)) *testTransportHarness {
	t.Helper()
	h := &testTransportHarness{
		dialer: newMockDialer(),
		states: make(chan stateChange, 16),
		frames: make(chan rpc.Frame, 16),
		term:   make(chan string, 4),
	}
	cfg := TransportConfig{
		Dialer:  h.dialer.dial,
		OnFrame: func(frame rpc.Frame) { h.frames <- frame },
		OnStateChange: func(st ConnState, err error) {
			h.states <- stateChange{state: st, err: err}
		},
		OnSessionTerminated: func(reason string) { h.term <- reason },

		// Pings well out of the way unless a test shortens them.
		PingInterval: time.Hour,
		PongGrace:    time.Hour,

		Log:  testutils.TestLoggerSys(t, "CONN"),
		Rand: func() float64 { return 0 },
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h.tr = NewTransport(cfg)
	t.Cleanup(h.tr.Disconnect)
	return h
}

// expectState asserts the next state change matches want.
func (h *testTransportHarness) expectState(t testing.TB, want ConnState) stateChange {
	t.Helper()
	select {
	case sc := <-h.states:
		if sc.state != want {
			t.Fatalf("unexpected state: got %s, want %s", sc.state, want)
		}
		return sc
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for state %s", want)
		return stateChange{}
	}
}

// connect drives the transport to Connected over a fresh mock conn.
func (h *testTransportHarness) connect(t testing.TB, ctx context.Context) *mockConn {
	t.Helper()
	c := h.dialer.queueConn()
	if err := h.tr.Connect(ctx); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	h.expectState(t, ConnConnecting)
	h.expectState(t, ConnConnected)
	return c
}

type ackErr struct {
	reqID, code, msg string
}

// mockAckHandler records ack resolutions.
type mockAckHandler struct {
	accepted chan string
	errs     chan ackErr
}

func newMockAckHandler() *mockAckHandler {
	return &mockAckHandler{
		accepted: make(chan string, 16),
		errs:     make(chan ackErr, 16),
	}
}

func (h *mockAckHandler) OnAccepted(messageID string) {
	h.accepted <- messageID
}

func (h *mockAckHandler) OnError(requestID, code, message string) {
	h.errs <- ackErr{reqID: requestID, code: code, msg: message}
}
