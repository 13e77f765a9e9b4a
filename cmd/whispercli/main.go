package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"github.com/whisper2/whisperclient/client"
	"github.com/whisper2/whisperclient/client/clientintf"
	"github.com/whisper2/whisperclient/internal/strescape"
	"github.com/whisper2/whisperclient/lockfile"
	"github.com/whisper2/whisperclient/rpc"
)

const (
	appVersion      = "0.1.0"
	protocolVersion = rpc.ProtocolVersion

	timeFmt = "15:04:05"
)

// errCmdDone is returned by the /quit command to unwind the app without
// reporting an error.
var errCmdDone = errors.New("command done")

// app ties together the client, the on-disk store and the terminal.
type app struct {
	cfg *config
	log slog.Logger
	c   *client.Client
	db  *store

	// connUp and authFail wake the session loop. Both carry at most one
	// pending signal; coalescing repeats is fine because the loop
	// re-checks the stored session every time.
	connUp   chan struct{}
	authFail chan struct{}
}

func signalChan(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// registerNtfnHandlers installs the terminal-facing event handlers.
func (a *app) registerNtfnHandlers() {
	nmgr := a.c.Notifications()

	nmgr.Register(client.OnMessageNtfn(a.printMessage))

	nmgr.Register(client.OnMessageStatusNtfn(func(messageID string, status clientintf.MessageStatus) {
		if status == clientintf.StatusFailed {
			fmt.Printf("message %s failed to send\n", messageID)
		}
	}))

	nmgr.Register(client.OnDeliveryReceiptNtfn(func(r rpc.DeliveryReceipt, ts time.Time) {
		fmt.Printf("%s message %s %s by %s\n", ts.Local().Format(timeFmt),
			r.MessageID, strescape.Content(r.Status), strescape.ID(r.From))
	}))

	nmgr.Register(client.OnTypingNtfn(func(from string, ts time.Time) {
		fmt.Printf("%s is typing...\n", strescape.ID(from))
	}))

	nmgr.Register(client.OnConnStateNtfn(func(state client.ConnState, err error) {
		switch {
		case state == client.ConnConnected:
			fmt.Println("connected to server")
			signalChan(a.connUp)
		case err != nil:
			fmt.Printf("connection %s: %v\n", state, err)
		default:
			fmt.Printf("connection %s\n", state)
		}
	}))

	nmgr.Register(client.OnSessionTerminatedNtfn(func(reason string) {
		fmt.Printf("session terminated by server: %s\n", strescape.Content(reason))
	}))
}

// printMessage renders a decrypted inbound message. The content is under
// the sender's control, so everything is escaped before it touches the
// terminal.
func (a *app) printMessage(m client.ReceivedMessage) {
	from := strescape.ID(m.From)
	if m.GroupID != "" {
		from = fmt.Sprintf("%s@%s", from, strescape.ID(m.GroupID))
	}
	ts := m.Timestamp.Local().Format(timeFmt)

	switch m.MsgType {
	case rpc.ContentTypeText:
		body := strescape.CanonicalizeNL(strescape.Content(string(m.Plaintext)))
		if m.ReplyTo != "" {
			fmt.Printf("%s <%s> (re %s) %s\n", ts, from, m.ReplyTo, body)
		} else {
			fmt.Printf("%s <%s> %s\n", ts, from, body)
		}

	case rpc.ContentTypeLocation:
		var loc client.LocationPayload
		if err := json.Unmarshal(m.Plaintext, &loc); err != nil {
			fmt.Printf("%s <%s> [undecodable location]\n", ts, from)
			return
		}
		place := strescape.Content(loc.PlaceName)
		if place != "" {
			place = " " + place
		}
		fmt.Printf("%s <%s> [location %f,%f%s]\n", ts, from,
			loc.Latitude, loc.Longitude, place)

	default:
		caption := strescape.CanonicalizeNL(strescape.Content(string(m.Plaintext)))
		if m.Attachment != nil {
			fmt.Printf("%s <%s> [%s %s, %d bytes] %s\n", ts, from,
				strescape.Content(m.MsgType),
				strescape.Content(m.Attachment.FileName),
				m.Attachment.Size, caption)
		} else {
			fmt.Printf("%s <%s> [%s] %s\n", ts, from,
				strescape.Content(m.MsgType), caption)
		}
	}

	// Group receipts are handled by group machinery above the client.
	if m.GroupID == "" {
		err := a.c.SendDeliveryReceipt(m.MessageID, m.From, clientintf.StatusDelivered)
		if err != nil {
			a.log.Warnf("Unable to send delivery receipt for %s: %v",
				m.MessageID, err)
		}
	}
}

// sessionLoop keeps a valid session for as long as the app runs. It
// performs the registration handshake on first connect, refreshes tokens
// that are about to expire and re-registers after the server rejects the
// stored session.
func (a *app) sessionLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.connUp:
		case <-a.authFail:
			if err := a.db.clearSession(); err != nil {
				return err
			}
		}

		if err := a.ensureSession(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			fmt.Printf("session error: %v\n", err)
		}
	}
}

func (a *app) ensureSession(ctx context.Context) error {
	switch {
	case !a.db.hasSession():
		newAccount := a.db.whisperID() == ""
		sess, err := a.c.Register(ctx, client.RegisterArgs{
			Keys:      a.db.keyRing(),
			DeviceID:  a.db.deviceID(),
			Platform:  "cli",
			WhisperID: a.db.whisperID(),
		})
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}
		if err := a.db.saveSession(sess); err != nil {
			return err
		}
		if newAccount {
			fmt.Printf("registered new identity %s\n", sess.WhisperID)
		} else {
			a.log.Infof("Re-registered device for %s", sess.WhisperID)
		}

	case a.db.sessionExpiringSoon():
		sess, err := a.c.RefreshSession(ctx)
		if err != nil {
			return fmt.Errorf("refresh session: %w", err)
		}
		if err := a.db.saveSession(sess); err != nil {
			return err
		}
		a.log.Infof("Session refreshed, valid until %s", sess.SessionExpiresAt)
	}

	// With a valid session in place, release messages that were held
	// while logged out and pick up whatever arrived while offline.
	a.c.ResumeSending()
	n, err := a.c.FetchPending(ctx)
	if err != nil {
		a.log.Warnf("Unable to fetch pending messages: %v", err)
	} else if n > 0 {
		fmt.Printf("fetched %d offline message(s)\n", n)
	}
	return nil
}

// commandLoop dispatches terminal commands until the input closes or a
// command asks to quit.
func (a *app) commandLoop(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("stdin: %w", err)
			}
			// Input closed. Stay connected so inbound messages
			// keep printing until a termination signal.
			return nil

		case line := <-lines:
			err := a.dispatchCommand(ctx, line)
			switch {
			case errors.Is(err, errCmdDone):
				return errCmdDone
			case errors.Is(err, usageError{}):
				fmt.Println(err)
			case err != nil:
				fmt.Printf("command error: %v\n", err)
			}
		}
	}
}

func realMain() error {
	cfg, err := obtainSettings()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Terminate cleanly on SIGINT/SIGTERM.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
	}()

	logBknd, err := newLogBackend(cfg.LogFile, cfg.DebugLevel, cfg.MaxLogFiles)
	if err != nil {
		return err
	}
	defer logBknd.close()
	log := logBknd.logger("WSPR")

	if err := os.MkdirAll(cfg.Root, 0o700); err != nil {
		return err
	}

	// Only one instance may use a root dir at a time.
	lockFilePath := filepath.Join(cfg.Root, "whispercli.lock")
	ctxLF, cancelLF := context.WithTimeout(ctx, time.Second)
	lf, err := lockfile.Create(ctxLF, lockFilePath)
	cancelLF()
	if err != nil {
		return fmt.Errorf("unable to create lockfile %q: %v", lockFilePath, err)
	}
	defer lf.Close()

	db, created, err := openStore(cfg.Root, logBknd.logger("STOR"))
	if err != nil {
		return err
	}
	if created {
		fmt.Println("Generated a new account. The recovery phrase below is " +
			"shown only once; write it down:")
		fmt.Println()
		fmt.Printf("    %s\n", db.mnemonic())
		fmt.Println()
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		connUp:   make(chan struct{}, 1),
		authFail: make(chan struct{}, 1),
	}

	policy := client.DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		policy.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		policy.MaxDelay = cfg.MaxDelay
	}

	c, err := client.New(client.Config{
		ServerAddr:     cfg.ServerAddr,
		ServerCertPath: cfg.ServerCertPath,
		Creds:          db,
		KeyBook:        db,
		AuthFailure: func(err error) {
			fmt.Printf("server rejected session: %v\n", err)
			signalChan(a.authFail)
		},
		Logger:       logBknd.logger,
		LogPings:     cfg.LogPings,
		RetryPolicy:  policy,
		PingInterval: cfg.PingInterval,
		AwaitTimeout: cfg.AwaitTimeout,
	})
	if err != nil {
		return err
	}
	a.c = c
	a.registerNtfnHandlers()

	log.Infof("%s version %s (protocol %d)", appName, appVersion, protocolVersion)
	if id := db.whisperID(); id != "" {
		fmt.Printf("%s, identity %s. Type /help for commands.\n", appName, id)
	} else {
		fmt.Printf("%s. Type /help for commands.\n", appName)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error { return a.sessionLoop(gctx) })
	g.Go(func() error { return a.commandLoop(gctx) })
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	err := realMain()
	if err != nil && !errors.Is(err, errCmdDone) {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
