package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/whisper2/whisperclient/client/clientintf"
	"github.com/whisper2/whisperclient/identity"
	"github.com/whisper2/whisperclient/rpc"
)

// ErrChallengeExpired is returned when the registration challenge expired
// (per the server clock) before the proof could be signed.
var ErrChallengeExpired = errors.New("registration challenge expired")

// RegisteredSession is the outcome of a successful registration or session
// refresh. The caller persists it and exposes it through the configured
// CredentialProvider.
type RegisteredSession struct {
	WhisperID        string
	SessionToken     string
	SessionExpiresAt time.Time
	ServerTime       time.Time
}

// RegisterArgs describes the device registering an identity.
type RegisterArgs struct {
	// Keys is the key ring derived from the account mnemonic.
	Keys *identity.KeyRing

	// DeviceID uniquely identifies this device install.
	DeviceID string

	// Platform names the client platform, e.g. "android" or "cli".
	Platform string

	// WhisperID re-registers an existing identity on this device when
	// set. Empty registers a new account.
	WhisperID string

	// PushToken optionally registers a push notification token along
	// with the proof.
	PushToken string
}

// Register performs the challenge/response registration handshake and
// returns the assigned identity and session. The connection must be up.
//
// The challenge expiry is in the server's clock, so it is checked against
// the offset-corrected local clock before signing. A device with a skewed
// clock fails fast here instead of sending a proof the server rejects.
func (c *Client) Register(ctx context.Context, args RegisterArgs) (*RegisteredSession, error) {
	if args.Keys == nil {
		return nil, errors.New("nil key ring")
	}

	begin := rpc.RegisterBegin{
		ProtocolVersion: rpc.ProtocolVersion,
		CryptoVersion:   rpc.CryptoVersion,
		DeviceID:        args.DeviceID,
		Platform:        args.Platform,
		WhisperID:       args.WhisperID,
	}
	frame, err := c.tr.SendAndAwait(ctx, rpc.CmdRegisterBegin, begin)
	if err != nil {
		return nil, err
	}
	if frame.Type != rpc.CmdRegisterChallenge {
		return nil, fmt.Errorf("unexpected %q response to %s",
			frame.Type, rpc.CmdRegisterBegin)
	}
	var ch rpc.RegisterChallenge
	if err := json.Unmarshal(frame.Payload, &ch); err != nil {
		return nil, fmt.Errorf("undecodable challenge: %w", err)
	}

	if ch.ExpiresAt > 0 && !c.tr.ServerTime().Before(time.UnixMilli(ch.ExpiresAt)) {
		return nil, ErrChallengeExpired
	}

	challenge, err := base64.StdEncoding.DecodeString(ch.Challenge)
	if err != nil {
		return nil, fmt.Errorf("challenge not base64: %w", err)
	}

	proof := rpc.RegisterProof{
		ProtocolVersion: rpc.ProtocolVersion,
		CryptoVersion:   rpc.CryptoVersion,
		ChallengeID:     ch.ChallengeID,
		DeviceID:        args.DeviceID,
		Platform:        args.Platform,
		WhisperID:       args.WhisperID,
		EncPublicKey:    base64.StdEncoding.EncodeToString(args.Keys.Public.Enc[:]),
		SignPublicKey:   base64.StdEncoding.EncodeToString(args.Keys.Public.Sign),
		Signature:       base64.StdEncoding.EncodeToString(args.Keys.SignChallenge(challenge)),
		PushToken:       args.PushToken,
	}
	frame, err = c.tr.SendAndAwait(ctx, rpc.CmdRegisterProof, proof)
	if err != nil {
		return nil, err
	}
	if frame.Type != rpc.CmdRegisterAck {
		return nil, fmt.Errorf("unexpected %q response to %s",
			frame.Type, rpc.CmdRegisterProof)
	}
	var ack rpc.RegisterAck
	if err := json.Unmarshal(frame.Payload, &ack); err != nil {
		return nil, fmt.Errorf("undecodable registration ack: %w", err)
	}
	if !ack.Success {
		return nil, errors.New("server rejected registration")
	}

	c.log.Infof("Registered as %s (session expires %s)", ack.WhisperID,
		time.UnixMilli(ack.SessionExpiresAt).Format(time.RFC3339))

	return &RegisteredSession{
		WhisperID:        ack.WhisperID,
		SessionToken:     ack.SessionToken,
		SessionExpiresAt: time.UnixMilli(ack.SessionExpiresAt),
		ServerTime:       time.UnixMilli(ack.ServerTime),
	}, nil
}

// RefreshSession rotates the session token before it expires. The rotated
// session keeps the current identity.
func (c *Client) RefreshSession(ctx context.Context) (*RegisteredSession, error) {
	creds, err := c.cfg.Creds.Credentials()
	if err != nil {
		return nil, err
	}
	if creds == nil || creds.SessionToken == "" {
		return nil, clientintf.ErrNotLoggedIn
	}

	frame, err := c.tr.SendAndAwait(ctx, rpc.CmdSessionRefresh, rpc.SessionRefresh{
		ProtocolVersion: rpc.ProtocolVersion,
		CryptoVersion:   rpc.CryptoVersion,
		SessionToken:    creds.SessionToken,
	})
	if err != nil {
		return nil, err
	}
	if frame.Type != rpc.CmdSessionRefreshAck {
		return nil, fmt.Errorf("unexpected %q response to %s",
			frame.Type, rpc.CmdSessionRefresh)
	}
	var ack rpc.SessionRefreshAck
	if err := json.Unmarshal(frame.Payload, &ack); err != nil {
		return nil, fmt.Errorf("undecodable refresh ack: %w", err)
	}

	return &RegisteredSession{
		WhisperID:        creds.WhisperID,
		SessionToken:     ack.SessionToken,
		SessionExpiresAt: time.UnixMilli(ack.SessionExpiresAt),
		ServerTime:       time.UnixMilli(ack.ServerTime),
	}, nil
}

// FetchPending asks the server for messages stored while this device was
// offline and runs each through the regular incoming path. Returns how many
// messages the server had pending.
func (c *Client) FetchPending(ctx context.Context) (int, error) {
	creds, err := c.cfg.Creds.Credentials()
	if err != nil {
		return 0, err
	}
	if creds == nil || creds.SessionToken == "" {
		return 0, clientintf.ErrNotLoggedIn
	}

	frame, err := c.tr.SendAndAwait(ctx, rpc.CmdFetchPending, rpc.FetchPending{
		ProtocolVersion: rpc.ProtocolVersion,
		CryptoVersion:   rpc.CryptoVersion,
		SessionToken:    creds.SessionToken,
	})
	if err != nil {
		return 0, err
	}
	if frame.Type != rpc.CmdPendingMessages {
		return 0, fmt.Errorf("unexpected %q response to %s",
			frame.Type, rpc.CmdFetchPending)
	}
	var pm rpc.PendingMessages
	if err := json.Unmarshal(frame.Payload, &pm); err != nil {
		return 0, fmt.Errorf("undecodable pending messages: %w", err)
	}

	if len(pm.Messages) > 0 {
		c.log.Debugf("Fetched %d pending messages", len(pm.Messages))
	}
	for _, m := range pm.Messages {
		c.processIncoming(ctx, m)
	}
	return len(pm.Messages), nil
}
