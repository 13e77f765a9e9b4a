// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// rpc contains all structures required by the whisper wire protocol.
//
// Every message on the wire is a single JSON frame with a type
// discriminator, an optional request id and a type-dependent payload.
// Request ids are originated by the client and echoed back by the server
// on the matching response frame (and on error frames), which is what
// allows request/response exchanges on top of a push-style protocol.

package rpc

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// ProtocolVersion is the frame protocol version, present on every
	// authenticated client payload. Frozen; must match server and the
	// other client platforms exactly.
	ProtocolVersion = 1

	// CryptoVersion is the envelope construction version. Frozen.
	CryptoVersion = 1
)

// Frame command discriminators.
const (
	// registration phase
	CmdRegisterBegin     = "register_begin"
	CmdRegisterChallenge = "register_challenge"
	CmdRegisterProof     = "register_proof"
	CmdRegisterAck       = "register_ack"

	// messaging
	CmdSendMessage     = "send_message"
	CmdMessageReceived = "message_received"
	CmdMessageAccepted = "message_accepted"
	CmdDeliveryReceipt = "delivery_receipt"
	CmdFetchPending    = "fetch_pending"
	CmdPendingMessages = "pending_messages"
	CmdTypingIndicator = "typing_indicator"

	// call signaling (opaque to this package beyond routing)
	CmdCallInitiate       = "call_initiate"
	CmdCallIncoming       = "call_incoming"
	CmdCallAnswer         = "call_answer"
	CmdCallRinging        = "call_ringing"
	CmdCallIceCandidate   = "call_ice_candidate"
	CmdCallEnd            = "call_end"
	CmdGetTurnCredentials = "get_turn_credentials"
	CmdTurnCredentials    = "turn_credentials"

	// groups (opaque to this package beyond routing)
	CmdGroupCreate      = "group_create"
	CmdGroupCreated     = "group_created"
	CmdGroupUpdate      = "group_update"
	CmdGroupEvent       = "group_event"
	CmdGroupSendMessage = "group_send_message"

	// session maintenance
	CmdUpdateTokens      = "update_tokens"
	CmdSessionRefresh    = "session_refresh"
	CmdSessionRefreshAck = "session_refresh_ack"

	// link maintenance
	CmdPing              = "ping"
	CmdPong              = "pong"
	CmdError             = "error"
	CmdSessionTerminated = "session_terminated"
)

// Logical content types carried inside envelopes.
const (
	ContentTypeText     = "text"
	ContentTypeImage    = "image"
	ContentTypeAudio    = "audio"
	ContentTypeFile     = "file"
	ContentTypeLocation = "location"
)

const (
	// NonceSize is the size of a box nonce. Frozen.
	NonceSize = 24

	// KeySize is the size of box public and private keys. Frozen.
	KeySize = 32

	// SignKeySize is the size of a signing public key. Frozen.
	SignKeySize = 32

	// SignPrivKeySize is the size of a signing private key. Frozen.
	SignPrivKeySize = 64

	// SignatureSize is the size of a detached signature. Frozen.
	SignatureSize = 64

	// BoxOverhead is the MAC overhead added by the box construction.
	BoxOverhead = 16

	// TimestampSkew is the server-side tolerance for timestamp fields.
	// Payloads outside this window are rejected as invalid.
	TimestampSkew = 10 * time.Minute

	// DefaultPingInterval is how long to wait to send the next ping.
	// PongGrace is the extra time past the interval to wait for the
	// pong before declaring the connection dead.
	DefaultPingInterval = 30 * time.Second
	PongGrace           = 15 * time.Second

	// Reconnect policy used when the link drops.
	ReconnectBaseDelay   = time.Second
	ReconnectMaxDelay    = 30 * time.Second
	ReconnectMaxAttempts = 5

	// MaxMsgSize is the maximum size of a serialized frame accepted on
	// the wire. Large enough for a max-size text envelope plus base64
	// and frame overhead; attachments travel out of band as blobs.
	MaxMsgSize = 1024 * 1024

	// SessionTTL is how long a session token remains valid after issue.
	SessionTTL = 7 * 24 * time.Hour

	// MaxGroupMembers is the maximum member count of a group.
	MaxGroupMembers = 50
)

// Frame is the generic message that flows between client and server in both
// directions. Type selects the payload structure; RequestID, when present,
// ties a request to its eventual correlated response.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewFrame assembles a frame, marshaling the given payload.
func NewFrame(cmd, requestID string, payload interface{}) (Frame, error) {
	f := Frame{Type: cmd, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return f, fmt.Errorf("marshal %q payload: %w", cmd, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// RegisterBegin starts account registration or re-registration of an
// existing identity on a new device.
type RegisterBegin struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	DeviceID        string `json:"deviceId"`
	Platform        string `json:"platform"`
	WhisperID       string `json:"whisperId,omitempty"`
}

// RegisterChallenge is the server's response to RegisterBegin. The client
// must sign the challenge before ExpiresAt (server clock).
type RegisterChallenge struct {
	ChallengeID string `json:"challengeId"`
	Challenge   string `json:"challenge"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// RegisterProof proves possession of the signing key by answering the
// challenge. Public keys are base64.
type RegisterProof struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	ChallengeID     string `json:"challengeId"`
	DeviceID        string `json:"deviceId"`
	Platform        string `json:"platform"`
	WhisperID       string `json:"whisperId,omitempty"`
	EncPublicKey    string `json:"encPublicKey"`
	SignPublicKey   string `json:"signPublicKey"`
	Signature       string `json:"signature"`
	PushToken       string `json:"pushToken,omitempty"`
}

// RegisterAck completes registration with the assigned identity and a fresh
// session token.
type RegisterAck struct {
	Success          bool   `json:"success"`
	WhisperID        string `json:"whisperId"`
	SessionToken     string `json:"sessionToken"`
	SessionExpiresAt int64  `json:"sessionExpiresAt"`
	ServerTime       int64  `json:"serverTime"`
}

// SendMessage carries one outbound envelope. Nonce, Ciphertext and Sig are
// base64; Timestamp is unix milliseconds and is bound into the signature.
type SendMessage struct {
	ProtocolVersion int                `json:"protocolVersion"`
	CryptoVersion   int                `json:"cryptoVersion"`
	SessionToken    string             `json:"sessionToken"`
	MessageID       string             `json:"messageId"`
	From            string             `json:"from"`
	To              string             `json:"to"`
	MsgType         string             `json:"msgType"`
	Timestamp       int64              `json:"timestamp"`
	Nonce           string             `json:"nonce"`
	Ciphertext      string             `json:"ciphertext"`
	Sig             string             `json:"sig"`
	ReplyTo         string             `json:"replyTo,omitempty"`
	Attachment      *AttachmentPointer `json:"attachment,omitempty"`
}

// MessageReceived is an inbound envelope pushed by the server, either live
// or from the pending backlog.
type MessageReceived struct {
	MessageID  string             `json:"messageId"`
	GroupID    string             `json:"groupId,omitempty"`
	From       string             `json:"from"`
	To         string             `json:"to"`
	MsgType    string             `json:"msgType"`
	Timestamp  int64              `json:"timestamp"`
	Nonce      string             `json:"nonce"`
	Ciphertext string             `json:"ciphertext"`
	Sig        string             `json:"sig"`
	ReplyTo    string             `json:"replyTo,omitempty"`
	Attachment *AttachmentPointer `json:"attachment,omitempty"`
}

// MessageAccepted acknowledges that the server took responsibility for a
// previously sent message.
type MessageAccepted struct {
	MessageID string `json:"messageId"`
}

// AttachmentPointer references an encrypted blob stored out of band. The
// transport core treats it as opaque.
type AttachmentPointer struct {
	BlobID      string `json:"blobId"`
	Key         string `json:"key"`
	Nonce       string `json:"nonce"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	FileName    string `json:"fileName,omitempty"`
	Duration    int    `json:"duration,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
}

// DeliveryReceipt reports a per-message status change back to the peer.
type DeliveryReceipt struct {
	SessionToken string `json:"sessionToken"`
	MessageID    string `json:"messageId"`
	From         string `json:"from"`
	To           string `json:"to"`
	Status       string `json:"status"`
	Timestamp    int64  `json:"timestamp"`
}

// FetchPending asks the server for messages queued while offline.
type FetchPending struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
}

// PendingMessages is the response to FetchPending.
type PendingMessages struct {
	Messages []MessageReceived `json:"messages"`
}

// TypingIndicator signals the local user is composing a message.
type TypingIndicator struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
	From            string `json:"from"`
	To              string `json:"to"`
	Timestamp       int64  `json:"timestamp"`
}

// UpdateTokens replaces the stored push token for this device.
type UpdateTokens struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
	PushToken       string `json:"pushToken"`
}

// SessionRefresh rotates the session token before it expires.
type SessionRefresh struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
}

// SessionRefreshAck carries the rotated token.
type SessionRefreshAck struct {
	SessionToken     string `json:"sessionToken"`
	SessionExpiresAt int64  `json:"sessionExpiresAt"`
	ServerTime       int64  `json:"serverTime"`
}

// TurnCredentials is the server's response to a TURN credential request.
// Routed to the call subsystem; opaque here.
type TurnCredentials struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int      `json:"ttl"`
}

// Ping is the liveness probe. Timestamp is the local clock in unix
// milliseconds.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// Pong answers a ping. ServerTime carries the server clock, used by the
// transport to maintain a clock offset.
type Pong struct {
	Timestamp  int64 `json:"timestamp"`
	ServerTime int64 `json:"serverTime"`
}

// Error is the server-side failure report for a previously sent frame. The
// frame-level request id identifies the attempt that failed.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionTerminated is pushed when the server force-closes this session,
// e.g. because the account logged in elsewhere. The client must not
// auto-reconnect afterwards.
type SessionTerminated struct {
	Reason string `json:"reason"`
}

// PayloadForCmd returns a pointer to an empty payload structure for the
// given frame type. It only covers the frame types this core decodes
// itself; frames routed verbatim to other subsystems are not listed.
func PayloadForCmd(cmd string) (interface{}, error) {
	switch cmd {
	case CmdRegisterBegin:
		return &RegisterBegin{}, nil
	case CmdRegisterChallenge:
		return &RegisterChallenge{}, nil
	case CmdRegisterProof:
		return &RegisterProof{}, nil
	case CmdRegisterAck:
		return &RegisterAck{}, nil
	case CmdSendMessage:
		return &SendMessage{}, nil
	case CmdMessageReceived:
		return &MessageReceived{}, nil
	case CmdMessageAccepted:
		return &MessageAccepted{}, nil
	case CmdDeliveryReceipt:
		return &DeliveryReceipt{}, nil
	case CmdFetchPending:
		return &FetchPending{}, nil
	case CmdPendingMessages:
		return &PendingMessages{}, nil
	case CmdTypingIndicator:
		return &TypingIndicator{}, nil
	case CmdUpdateTokens:
		return &UpdateTokens{}, nil
	case CmdSessionRefresh:
		return &SessionRefresh{}, nil
	case CmdSessionRefreshAck:
		return &SessionRefreshAck{}, nil
	case CmdPing:
		return &Ping{}, nil
	case CmdPong:
		return &Pong{}, nil
	case CmdError:
		return &Error{}, nil
	case CmdSessionTerminated:
		return &SessionTerminated{}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
}

// DecodeFrame unmarshals a raw wire message into a frame. Frames larger
// than MaxMsgSize are rejected before parsing.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if len(data) > MaxMsgSize {
		return f, fmt.Errorf("frame exceeds max size: %d > %d",
			len(data), MaxMsgSize)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Type == "" {
		return f, fmt.Errorf("frame without type")
	}
	return f, nil
}
