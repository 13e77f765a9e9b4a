package clientintf

import (
	"context"
	"crypto/ed25519"
	"errors"
)

// ErrSubsysExiting is returned by subsystem calls when the subsystem is
// shutting down and can no longer perform work.
var ErrSubsysExiting = errors.New("subsys exiting")

// ErrNotLoggedIn is returned when an operation needs session credentials
// and the credential provider has none.
var ErrNotLoggedIn = errors.New("not logged in")

// ErrUnknownRecipient is returned when no encryption key is known for the
// intended recipient.
var ErrUnknownRecipient = errors.New("unknown recipient")

// Conn represents a live connection to the server. Implementations carry
// whole frames, not byte streams.
type Conn interface {
	// ReadMessage blocks until the next full frame arrives.
	ReadMessage() ([]byte, error)

	// WriteMessage writes one full frame. Not safe for concurrent use;
	// the transport serializes writers.
	WriteMessage(data []byte) error

	// Close tears down the connection. Any blocked ReadMessage returns
	// with an error afterwards.
	Close() error
}

// Dialer is a function that can generate new connections to a server.
type Dialer func(context.Context) (Conn, error)

// Credentials is the per-call borrow of the local account material. The
// core never retains it beyond one envelope build or one send attempt.
type Credentials struct {
	// WhisperID is the server-assigned local identity.
	WhisperID string

	// SessionToken authenticates payloads to the server.
	SessionToken string

	// SignPrivKey is the Ed25519 envelope signing key.
	SignPrivKey ed25519.PrivateKey

	// EncPrivKey is the X25519 box key (32 bytes).
	EncPrivKey []byte
}

// CredentialProvider supplies the local account credentials.
type CredentialProvider interface {
	// Credentials returns the current credentials or ErrNotLoggedIn
	// when there is no active session.
	Credentials() (*Credentials, error)
}

// KeyBook resolves peer public keys. Lookups may block (e.g. on a network
// directory fallback), so callers pass a context.
type KeyBook interface {
	// EncPublicKey returns the peer's X25519 public key (32 bytes) or
	// ErrUnknownRecipient.
	EncPublicKey(ctx context.Context, whisperID string) ([]byte, error)

	// SignPublicKey returns the peer's Ed25519 public key or
	// ErrUnknownRecipient.
	SignPublicKey(ctx context.Context, whisperID string) ([]byte, error)
}

// MessageStatus is the queue-visible lifecycle of an outbound message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// StatusSink receives outbound message status transitions. Persistence of
// the status is the consumer's responsibility.
type StatusSink interface {
	UpdateStatus(messageID string, status MessageStatus)
}

// AuthFailureSink is notified when the server rejects the session
// credential itself. Consumers are expected to run a forced-logout flow
// and eventually re-register.
type AuthFailureSink interface {
	AuthFailure(err error)
}

// StatusSinkFunc adapts a function to the StatusSink interface.
type StatusSinkFunc func(messageID string, status MessageStatus)

func (f StatusSinkFunc) UpdateStatus(messageID string, status MessageStatus) {
	f(messageID, status)
}

// AuthFailureSinkFunc adapts a function to the AuthFailureSink interface.
type AuthFailureSinkFunc func(err error)

func (f AuthFailureSinkFunc) AuthFailure(err error) {
	f(err)
}
