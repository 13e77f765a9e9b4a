package lowlevel

import (
	"github.com/whisper2/whisperclient/rpc"
)

// FrameSender is the send capability the delivery queue drives. The
// transport implements it; the queue never touches the socket itself.
type FrameSender interface {
	SendFrame(frame rpc.Frame) error
}

// AckHandler is the queue-side surface the router resolves inbound
// delivery outcomes against.
type AckHandler interface {
	// OnAccepted signals the server took responsibility for the given
	// message.
	OnAccepted(messageID string)

	// OnError delivers a server error frame correlated to a specific
	// send attempt.
	OnError(requestID, code, message string)
}
