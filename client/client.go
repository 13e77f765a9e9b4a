package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"github.com/whisper2/whisperclient/client/clientintf"
	"github.com/whisper2/whisperclient/client/internal/lowlevel"
	"github.com/whisper2/whisperclient/client/timestats"
	"github.com/whisper2/whisperclient/rpc"
)

// The following lowlevel types surface in the public API.
type (
	// ConnState is the connection lifecycle state of the transport.
	ConnState = lowlevel.ConnState

	// RetryPolicy drives the backoff of transiently failed sends.
	RetryPolicy = lowlevel.RetryPolicy

	// MessageSnapshot is a point-in-time copy of a tracked outbound
	// message.
	MessageSnapshot = lowlevel.ItemSnapshot

	// MessageState is the delivery state of a tracked outbound message.
	MessageState = lowlevel.ItemStatus
)

const (
	ConnDisconnected = lowlevel.ConnDisconnected
	ConnConnecting   = lowlevel.ConnConnecting
	ConnConnected    = lowlevel.ConnConnected
	ConnReconnecting = lowlevel.ConnReconnecting

	MessageQueued  = lowlevel.ItemQueued
	MessageSending = lowlevel.ItemSending
	MessageSent    = lowlevel.ItemSent
	MessageFailed  = lowlevel.ItemFailed
)

// DefaultRetryPolicy returns the standard message retry policy. Callers
// that override individual fields should start from this.
var DefaultRetryPolicy = lowlevel.DefaultRetryPolicy

// Config holds the configuration for a [Client] instance.
type Config struct {
	// ServerAddr is the ws:// or wss:// URL of the server. Ignored when
	// Dialer is set.
	ServerAddr string

	// ServerCertPath optionally pins the server TLS certificate to the
	// PEM certificate stored at this path.
	ServerCertPath string

	// Dialer overrides the websocket dialer derived from ServerAddr.
	Dialer clientintf.Dialer

	// Creds supplies the local identity and session token used on
	// outbound messages. Required.
	Creds clientintf.CredentialProvider

	// KeyBook resolves contact public keys for sealing outbound and
	// opening inbound envelopes. Required.
	KeyBook clientintf.KeyBook

	// AuthFailure is called when the server rejects the session
	// credential. Outbound delivery stays paused until ResumeSending is
	// called, typically after a new session was obtained.
	AuthFailure func(err error)

	// Notifications tracks handlers for client events. If nil, a new
	// manager is created and is available via Notifications().
	Notifications *NotificationManager

	// Logger is a function that generates loggers for each of the
	// client's subsystems.
	Logger func(subsys string) slog.Logger

	// LogPings determines whether to log ping/pong traffic.
	LogPings bool

	// RetryPolicy overrides the send retry policy. The zero value keeps
	// the defaults.
	RetryPolicy RetryPolicy

	// PingInterval overrides the connection keepalive interval.
	PingInterval time.Duration

	// ReconnectBaseDelay and ReconnectMaxDelay override the backoff of
	// automatic redials after the connection drops.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// AwaitTimeout overrides how long request/response calls wait for
	// the server before failing.
	AwaitTimeout time.Duration
}

// logger creates a logger for the given subsystem in the configured
// backend.
func (cfg *Config) logger(subsys string) slog.Logger {
	if cfg.Logger == nil {
		return slog.Disabled
	}
	return cfg.Logger(subsys)
}

// Client is the transport core of a messaging client. It keeps the server
// connection alive, delivers outbound messages with retries and exactly-one
// canonical encoding per message, decrypts and verifies inbound ones and
// surfaces everything else through its NotificationManager.
//
// Create a client with New, register notification handlers, then call Run
// to start it. Messages may be enqueued before Run; they are delivered once
// a connection exists.
type Client struct {
	cfg   Config
	log   slog.Logger
	ntfns *NotificationManager

	q      *lowlevel.Queue
	tr     *lowlevel.Transport
	router *lowlevel.Router

	mtx    sync.Mutex
	runCtx context.Context
}

// New creates a new client. The config must have Creds, KeyBook and either
// ServerAddr or Dialer set.
func New(cfg Config) (*Client, error) {
	if cfg.Creds == nil {
		return nil, errors.New("config Creds is nil")
	}
	if cfg.KeyBook == nil {
		return nil, errors.New("config KeyBook is nil")
	}

	dialer := cfg.Dialer
	if dialer == nil {
		if cfg.ServerAddr == "" {
			return nil, errors.New("config has neither ServerAddr nor Dialer")
		}
		var err error
		dialer, err = clientintf.WebsocketDialer(cfg.ServerAddr,
			cfg.logger("WSOC"), cfg.ServerCertPath)
		if err != nil {
			return nil, err
		}
	}

	ntfns := cfg.Notifications
	if ntfns == nil {
		ntfns = NewNotificationManager()
	}

	// The subsystems get closures over c, which is assigned right below.
	// None of them fire before Run.
	var c *Client

	tr := lowlevel.NewTransport(lowlevel.TransportConfig{
		Dialer:              dialer,
		OnFrame:             func(frame rpc.Frame) { c.router.HandleFrame(frame) },
		OnStateChange:       func(state ConnState, err error) { c.connStateChanged(state, err) },
		OnSessionTerminated: func(reason string) { c.sessionTerminated(reason) },
		LogPings:            cfg.LogPings,
		PingInterval:        cfg.PingInterval,
		ReconnectBaseDelay:  cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:   cfg.ReconnectMaxDelay,
		AwaitTimeout:        cfg.AwaitTimeout,
		Log:                 cfg.logger("CONN"),
	})

	q := lowlevel.NewQueue(lowlevel.QueueConfig{
		Sender: tr,
		Creds:  cfg.Creds,
		Keys:   cfg.KeyBook,
		Status: clientintf.StatusSinkFunc(func(messageID string, status clientintf.MessageStatus) {
			c.ntfns.notifyMessageStatus(messageID, status)
		}),
		AuthFailure: clientintf.AuthFailureSinkFunc(func(err error) { c.authFailed(err) }),
		Policy:      cfg.RetryPolicy,
		Log:         cfg.logger("MSGQ"),
	})

	router := lowlevel.NewRouter(cfg.logger("ROUT"), q)

	c = &Client{
		cfg:    cfg,
		log:    cfg.logger("CLNT"),
		ntfns:  ntfns,
		q:      q,
		tr:     tr,
		router: router,
	}
	c.registerFrameHandlers()
	return c, nil
}

// connStateChanged runs on every transport state transition.
func (c *Client) connStateChanged(state ConnState, err error) {
	switch state {
	case lowlevel.ConnConnected:
		// Messages may have queued up while offline.
		c.q.Drain()
	case lowlevel.ConnReconnecting, lowlevel.ConnDisconnected:
		c.q.OnTransportDisconnected()
	}
	c.ntfns.notifyConnState(state, err)
}

// authFailed runs after the queue paused itself due to the server rejecting
// the session credential.
func (c *Client) authFailed(err error) {
	if c.cfg.AuthFailure != nil {
		c.cfg.AuthFailure(err)
	}
}

func (c *Client) sessionTerminated(reason string) {
	// The session credential is dead, so stop trying to send until the
	// caller logs in again and resumes.
	c.q.Pause()
	c.ntfns.notifySessionTerminated(reason)
}

// Run runs the client until ctx is canceled. It connects to the server and
// keeps the connection alive, delivering queued messages and dispatching
// inbound frames. Run must be called at most once.
func (c *Client) Run(ctx context.Context) error {
	c.mtx.Lock()
	c.runCtx = ctx
	c.mtx.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.router.Run(gctx) })

	g.Go(func() error {
		if err := c.tr.Connect(gctx); err != nil {
			// The transport keeps redialing on its own, so an
			// initial failure is not fatal to the run.
			c.log.Warnf("Initial connection attempt failed: %v", err)
		}
		<-gctx.Done()
		c.tr.Disconnect()
		return gctx.Err()
	})

	return g.Wait()
}

// ctx returns the context the client is running under, in order to bind
// internally started operations to the lifetime of Run.
func (c *Client) ctx() context.Context {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

// Notifications returns the manager through which callers register event
// handlers.
func (c *Client) Notifications() *NotificationManager {
	return c.ntfns
}

// ConnState returns the current connection state.
func (c *Client) ConnState() ConnState {
	return c.tr.State()
}

// ServerTime returns the current time in the server's clock, derived from
// the offset measured on heartbeats. Before the first measurement it equals
// the local clock.
func (c *Client) ServerTime() time.Time {
	return c.tr.ServerTime()
}

// ClockOffset returns the measured offset of the server clock relative to
// the local one. ok is false before the first pong carrying server time.
func (c *Client) ClockOffset() (offset time.Duration, ok bool) {
	return c.tr.ClockOffset()
}

// Reconnect redials the server after the transport gave up reconnecting or
// after a manual Disconnect. It is a no-op while a connection exists.
func (c *Client) Reconnect() error {
	return c.tr.Connect(c.ctx())
}

// Disconnect tears down the connection without stopping the client. Queued
// messages are kept and delivery resumes on the next connection.
func (c *Client) Disconnect() {
	c.tr.Disconnect()
}

// QueueLen returns the number of outbound messages not yet accepted by the
// server.
func (c *Client) QueueLen() int {
	return c.q.Len()
}

// TimingStats returns the attempt-to-ack round trip time distribution of
// recently delivered messages.
func (c *Client) TimingStats() []timestats.Quantile {
	return c.q.TimingStats()
}

// PauseSending stops outbound delivery until ResumeSending is called.
// Messages may still be enqueued while paused.
func (c *Client) PauseSending() {
	c.q.Pause()
}

// ResumeSending restarts outbound delivery, typically after fresh
// credentials were stored in response to an authentication failure.
func (c *Client) ResumeSending() {
	c.q.Resume()
}

// SendingPaused returns whether outbound delivery is paused.
func (c *Client) SendingPaused() bool {
	return c.q.IsPaused()
}

// FailedMessages returns snapshots of recently failed outbound messages,
// oldest first.
func (c *Client) FailedMessages() []MessageSnapshot {
	return c.q.Failed()
}

// MessageInfo returns a snapshot of a tracked outbound message. ok is false
// if the message is unknown or was evicted from the terminal history.
func (c *Client) MessageInfo(messageID string) (ms MessageSnapshot, ok bool) {
	return c.q.Item(messageID)
}
