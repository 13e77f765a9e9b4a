package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/whisper2/whisperclient/client/clientintf"
	"github.com/whisper2/whisperclient/rpc"
)

// SendMessage enqueues an outbound message with an arbitrary content type
// and returns its message id. The plaintext is encrypted and signed with
// the current credentials before it leaves the device and is delivered with
// retries until the server accepts it or the attempts are exhausted.
// Terminal outcomes are reported through OnMessageStatusNtfn.
func (c *Client) SendMessage(ctx context.Context, to, msgType string, plaintext []byte) (string, error) {
	return c.q.Enqueue(ctx, to, msgType, plaintext, "", nil)
}

// SendText enqueues a text message to the given contact.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	return c.q.Enqueue(ctx, to, rpc.ContentTypeText, []byte(text), "", nil)
}

// SendTextReply enqueues a text message replying to a previously received
// message.
func (c *Client) SendTextReply(ctx context.Context, to, text, replyTo string) (string, error) {
	return c.q.Enqueue(ctx, to, rpc.ContentTypeText, []byte(text), replyTo, nil)
}

// LocationPayload is the plaintext body of a location message.
type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float32 `json:"accuracy,omitempty"`
	PlaceName string  `json:"placeName,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// SendLocation enqueues a location message to the given contact.
func (c *Client) SendLocation(ctx context.Context, to string, loc LocationPayload) (string, error) {
	body, err := json.Marshal(loc)
	if err != nil {
		return "", err
	}
	return c.q.Enqueue(ctx, to, rpc.ContentTypeLocation, body, "", nil)
}

// SendAttachment enqueues a message referencing an encrypted blob that was
// previously uploaded out of band. The caption plaintext travels in the
// envelope; the pointer is opaque to the transport core.
func (c *Client) SendAttachment(ctx context.Context, to, msgType string, caption []byte,
	att *rpc.AttachmentPointer) (string, error) {

	if att == nil {
		return "", fmt.Errorf("nil attachment pointer")
	}
	return c.q.Enqueue(ctx, to, msgType, caption, "", att)
}

// SendDeliveryReceipt reports a received message as delivered or read to
// its sender. Receipts are fire-and-forget: they bypass the send queue and
// are not retried if the connection drops, since a later receipt supersedes
// an earlier one.
func (c *Client) SendDeliveryReceipt(messageID, to string, status clientintf.MessageStatus) error {
	if status != clientintf.StatusDelivered && status != clientintf.StatusRead {
		return fmt.Errorf("invalid receipt status %q", status)
	}
	creds, err := c.cfg.Creds.Credentials()
	if err != nil {
		return err
	}
	if creds == nil || creds.SessionToken == "" {
		return clientintf.ErrNotLoggedIn
	}
	frame, err := rpc.NewFrame(rpc.CmdDeliveryReceipt, "", rpc.DeliveryReceipt{
		SessionToken: creds.SessionToken,
		MessageID:    messageID,
		From:         creds.WhisperID,
		To:           to,
		Status:       string(status),
		Timestamp:    time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return c.tr.SendFrame(frame)
}

// SendTypingIndicator tells the given contact that the local user is
// composing a message. Fire-and-forget.
func (c *Client) SendTypingIndicator(to string) error {
	creds, err := c.cfg.Creds.Credentials()
	if err != nil {
		return err
	}
	if creds == nil || creds.SessionToken == "" {
		return clientintf.ErrNotLoggedIn
	}
	frame, err := rpc.NewFrame(rpc.CmdTypingIndicator, "", rpc.TypingIndicator{
		ProtocolVersion: rpc.ProtocolVersion,
		CryptoVersion:   rpc.CryptoVersion,
		SessionToken:    creds.SessionToken,
		From:            creds.WhisperID,
		To:              to,
		Timestamp:       time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return c.tr.SendFrame(frame)
}

// UpdatePushToken replaces the push notification token registered for this
// device. Fire-and-forget.
func (c *Client) UpdatePushToken(pushToken string) error {
	creds, err := c.cfg.Creds.Credentials()
	if err != nil {
		return err
	}
	if creds == nil || creds.SessionToken == "" {
		return clientintf.ErrNotLoggedIn
	}
	frame, err := rpc.NewFrame(rpc.CmdUpdateTokens, "", rpc.UpdateTokens{
		ProtocolVersion: rpc.ProtocolVersion,
		CryptoVersion:   rpc.CryptoVersion,
		SessionToken:    creds.SessionToken,
		PushToken:       pushToken,
	})
	if err != nil {
		return err
	}
	return c.tr.SendFrame(frame)
}

// SendFrame sends a raw protocol frame. It is the escape hatch for
// subsystems layered on top of the transport core, like call signaling and
// group management.
func (c *Client) SendFrame(frame rpc.Frame) error {
	return c.tr.SendFrame(frame)
}

// SendRequest sends cmd with the given payload and awaits the correlated
// response frame.
func (c *Client) SendRequest(ctx context.Context, cmd string, payload interface{}) (rpc.Frame, error) {
	return c.tr.SendAndAwait(ctx, cmd, payload)
}
