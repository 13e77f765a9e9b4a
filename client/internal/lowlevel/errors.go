package lowlevel

import (
	"errors"
	"fmt"

	"github.com/whisper2/whisperclient/client/clientintf"
)

var (
	errRouterExiting = fmt.Errorf("router: %w", clientintf.ErrSubsysExiting)

	errPongTimeout = errors.New("pong timeout")

	// errNotConnected is returned by sends attempted without a live
	// connection.
	errNotConnected = errors.New("transport not connected")

	// errAwaitTimeout resolves a correlation entry whose response never
	// arrived.
	errAwaitTimeout = errors.New("timed out awaiting response")

	// errFrameTooLarge rejects outbound payloads that cannot fit in a
	// single wire frame.
	errFrameTooLarge = errors.New("serialized frame greater than max allowed msg size")

	// errMsgIDCollision guards against a duplicate locally generated
	// message id.
	errMsgIDCollision = errors.New("message id already tracked")
)

// TerminatedError is returned when the server force-closed the session.
// Reconnection is disabled after it; the account likely logged in on
// another device.
type TerminatedError struct {
	Reason string
}

func (err TerminatedError) Error() string {
	return fmt.Sprintf("session terminated by server: %s", err.Reason)
}

func (err TerminatedError) Is(target error) bool {
	_, ok := target.(TerminatedError)
	return ok
}

// ConnectError wraps a connection attempt failure, carrying the attempt
// number that produced it.
type ConnectError struct {
	Attempt int
	Err     error
}

func (err ConnectError) Error() string {
	return fmt.Sprintf("connect attempt %d: %v", err.Attempt, err.Err)
}

func (err ConnectError) Unwrap() error {
	return err.Err
}

func (err ConnectError) Is(target error) bool {
	_, ok := target.(ConnectError)
	return ok
}

// RetriesExhaustedError marks a queue item that failed because it reached
// the configured maximum attempts, as opposed to being rejected by the
// server.
type RetriesExhaustedError struct {
	Attempts int
	LastErr  error
}

func (err RetriesExhaustedError) Error() string {
	return fmt.Sprintf("max send attempts (%d) exhausted: %v",
		err.Attempts, err.LastErr)
}

func (err RetriesExhaustedError) Unwrap() error {
	return err.LastErr
}

func (err RetriesExhaustedError) Is(target error) bool {
	_, ok := target.(RetriesExhaustedError)
	return ok
}

func makeRetriesExhaustedError(attempts int, lastErr error) RetriesExhaustedError {
	return RetriesExhaustedError{Attempts: attempts, LastErr: lastErr}
}
