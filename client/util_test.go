package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whisper2/whisperclient/client/clientintf"
	"github.com/whisper2/whisperclient/envelope"
	"github.com/whisper2/whisperclient/identity"
	"github.com/whisper2/whisperclient/internal/assert"
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

// mockCreds is a CredentialProvider with replaceable results.
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

func (c *mockCreds) setToken(token string) {
	c.mtx.Lock()
	c.creds.SessionToken = token
	c.mtx.Unlock()
}

// mockKeyBook resolves contact keys from fixed maps.
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

func (kb *mockKeyBook) setContact(id string, encPub, signPub []byte) {
	kb.mtx.Lock()
	kb.encKeys[id] = encPub
	kb.signKeys[id] = signPub
	kb.mtx.Unlock()
}

func (kb *mockKeyBook) EncPublicKey(_ context.Context, id string) ([]byte, error) {
	kb.mtx.Lock()
	defer kb.mtx.Unlock()
	if key, ok := kb.encKeys[id]; ok {
		return key, nil
	}
	return nil, clientintf.ErrUnknownRecipient
}

func (kb *mockKeyBook) SignPublicKey(_ context.Context, id string) ([]byte, error) {
	kb.mtx.Lock()
	defer kb.mtx.Unlock()
	if key, ok := kb.signKeys[id]; ok {
		return key, nil
	}
	return nil, clientintf.ErrUnknownRecipient
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

// nextWritten returns the next frame the client wrote to the conn.
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

// mockDialer hands out preloaded connections in order.
type mockDialer struct {
	replies chan dialReply
}

func newMockDialer() *mockDialer {
	return &mockDialer{replies: make(chan dialReply, 16)}
}

func (d *mockDialer) queueConn() *mockConn {
	c := newMockConn()
	d.replies <- dialReply{conn: c}
	return c
}

func (d *mockDialer) dial(ctx context.Context) (clientintf.Conn, error) {
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

type statusUpdate struct {
	msgID  string
	status clientintf.MessageStatus
}

type connNtfn struct {
	state ConnState
	err   error
}

type receiptNtfn struct {
	receipt rpc.DeliveryReceipt
	ts      time.Time
}

// testClientHarness runs a full client against a scripted server conn.
type testClientHarness struct {
	c      *Client
	alice  *identity.KeyRing
	bob    *identity.KeyRing
	creds  *mockCreds
	keys   *mockKeyBook
	dialer *mockDialer
	conn   *mockConn

	msgs     chan ReceivedMessage
	status   chan statusUpdate
	conns    chan connNtfn
	typing   chan string
	receipts chan receiptNtfn
	terms    chan string
	auth     chan error
	runErr   chan error
}

func newTestClient(t testing.TB, tweak func(*Config)) *testClientHarness {
	t.Helper()

	h := &testClientHarness{
		alice:    testKeyRing(t, testAliceMnemonic),
		bob:      testKeyRing(t, testBobMnemonic),
		keys:     newMockKeyBook(),
		dialer:   newMockDialer(),
		msgs:     make(chan ReceivedMessage, 16),
		status:   make(chan statusUpdate, 16),
		conns:    make(chan connNtfn, 16),
		typing:   make(chan string, 16),
		receipts: make(chan receiptNtfn, 16),
		terms:    make(chan string, 4),
		auth:     make(chan error, 4),
		runErr:   make(chan error, 1),
	}
	h.creds = &mockCreds{creds: &clientintf.Credentials{
		WhisperID:    "w-alice",
		SessionToken: "session-token",
		SignPrivKey:  h.alice.SignPriv,
		EncPrivKey:   h.alice.EncPriv[:],
	}}
	h.keys.setContact("w-bob", h.bob.Public.Enc[:], h.bob.Public.Sign)

	cfg := Config{
		Dialer:      h.dialer.dial,
		Creds:       h.creds,
		KeyBook:     h.keys,
		AuthFailure: func(err error) { h.auth <- err },
		Logger:      testutils.TestLoggerBackend(t, "client"),
		RetryPolicy: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    20 * time.Millisecond,
		},
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	c, err := New(cfg)
	assert.NilErr(t, err)
	h.c = c

	nmgr := c.Notifications()
	nmgr.RegisterSync(OnMessageNtfn(func(m ReceivedMessage) {
		h.msgs <- m
	}))
	nmgr.RegisterSync(OnMessageStatusNtfn(func(id string, st clientintf.MessageStatus) {
		h.status <- statusUpdate{msgID: id, status: st}
	}))
	nmgr.RegisterSync(OnConnStateNtfn(func(state ConnState, err error) {
		h.conns <- connNtfn{state: state, err: err}
	}))
	nmgr.RegisterSync(OnTypingNtfn(func(from string, _ time.Time) {
		h.typing <- from
	}))
	nmgr.RegisterSync(OnDeliveryReceiptNtfn(func(r rpc.DeliveryReceipt, ts time.Time) {
		h.receipts <- receiptNtfn{receipt: r, ts: ts}
	}))
	nmgr.RegisterSync(OnSessionTerminatedNtfn(func(reason string) {
		h.terms <- reason
	}))

	return h
}

// run starts the client and waits for the first connection.
func (h *testClientHarness) run(t testing.TB) {
	t.Helper()
	h.conn = h.dialer.queueConn()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.runErr <- h.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.runErr:
		case <-time.After(5 * time.Second):
			t.Error("timeout waiting for Run to return")
		}
	})
	h.expectConnState(t, ConnConnecting)
	h.expectConnState(t, ConnConnected)
}

func (h *testClientHarness) expectConnState(t testing.TB, want ConnState) connNtfn {
	t.Helper()
	sc := assert.ChanWritten(t, h.conns)
	if sc.state != want {
		t.Fatalf("unexpected conn state: got %s, want %s", sc.state, want)
	}
	return sc
}

// push feeds a server-originated frame into the connection.
func (h *testClientHarness) push(t testing.TB, cmd, reqID string, payload interface{}) {
	t.Helper()
	frame, err := rpc.NewFrame(cmd, reqID, payload)
	assert.NilErr(t, err)
	data, err := json.Marshal(frame)
	assert.NilErr(t, err)
	select {
	case h.conn.in <- data:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout feeding conn")
	}
}

// makeEnvelope seals plaintext from the given remote keyring into a
// message_received payload addressed to the local user.
func (h *testClientHarness) makeEnvelope(t testing.TB, kr *identity.KeyRing,
	from, msgID string, plaintext []byte, ts time.Time) rpc.MessageReceived {

	t.Helper()
	d := envelope.Data{
		MessageID: msgID,
		From:      from,
		To:        "w-alice",
		MsgType:   rpc.ContentTypeText,
		Timestamp: ts.UnixMilli(),
	}
	env, err := envelope.Build(plaintext, d, kr.SignPriv, kr.EncPriv[:],
		h.alice.Public.Enc[:])
	assert.NilErr(t, err)
	return rpc.MessageReceived{
		MessageID:  msgID,
		From:       from,
		To:         "w-alice",
		MsgType:    rpc.ContentTypeText,
		Timestamp:  d.Timestamp,
		Nonce:      env.NonceB64(),
		Ciphertext: env.CiphertextB64(),
		Sig:        env.SignatureB64(),
	}
}
