package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/whisper2/whisperclient/envelope"
	"github.com/whisper2/whisperclient/rpc"
)

// ReceivedMessage is a verified and decrypted inbound message.
type ReceivedMessage struct {
	MessageID string
	From      string
	To        string

	// GroupID is set for group messages. The transport core decrypts
	// them like direct messages; group semantics live above it.
	GroupID string

	MsgType   string
	Plaintext []byte
	Timestamp time.Time
	ReplyTo   string

	// Attachment points at an encrypted blob stored out of band, to be
	// fetched by the caller.
	Attachment *rpc.AttachmentPointer
}

// registerFrameHandlers installs the routing table for server-pushed
// frames. Delivery acks and error frames are routed by the router itself.
func (c *Client) registerFrameHandlers() {
	c.router.Handle(rpc.CmdMessageReceived, c.handleMessageReceived)
	c.router.Handle(rpc.CmdPendingMessages, c.handlePendingMessages)
	c.router.Handle(rpc.CmdDeliveryReceipt, c.handleDeliveryReceipt)
	c.router.Handle(rpc.CmdTypingIndicator, c.handleTypingIndicator)

	for _, cmd := range []string{rpc.CmdGroupCreated, rpc.CmdGroupUpdate,
		rpc.CmdGroupEvent} {
		c.router.Handle(cmd, c.handleGroupFrame)
	}
	for _, cmd := range []string{rpc.CmdCallIncoming, rpc.CmdCallAnswer,
		rpc.CmdCallRinging, rpc.CmdCallIceCandidate, rpc.CmdCallEnd,
		rpc.CmdTurnCredentials} {
		c.router.Handle(cmd, c.handleCallFrame)
	}
}

func (c *Client) handleMessageReceived(frame rpc.Frame) {
	var m rpc.MessageReceived
	if err := json.Unmarshal(frame.Payload, &m); err != nil {
		c.log.Warnf("Undecodable inbound message: %v", err)
		return
	}
	c.processIncoming(c.ctx(), m)
}

// handlePendingMessages handles backlogs pushed by the server outside an
// explicit FetchPending call.
func (c *Client) handlePendingMessages(frame rpc.Frame) {
	var pm rpc.PendingMessages
	if err := json.Unmarshal(frame.Payload, &pm); err != nil {
		c.log.Warnf("Undecodable pending messages push: %v", err)
		return
	}
	for _, m := range pm.Messages {
		c.processIncoming(c.ctx(), m)
	}
}

// processIncoming validates, verifies and decrypts one inbound message and
// notifies handlers with the plaintext. Messages that fail any check are
// dropped with a log line; the protocol has no way to nack them.
func (c *Client) processIncoming(ctx context.Context, m rpc.MessageReceived) {
	if m.MessageID == "" || m.From == "" {
		c.log.Warnf("Dropping inbound message without id or sender")
		return
	}

	// Timestamp sanity is judged in the server's clock.
	ts := time.UnixMilli(m.Timestamp)
	if skew := c.tr.ServerTime().Sub(ts); skew > rpc.TimestampSkew || skew < -rpc.TimestampSkew {
		c.log.Warnf("Dropping message %s: timestamp %s outside the "+
			"accepted window", m.MessageID, ts.Format(time.RFC3339))
		return
	}

	creds, err := c.cfg.Creds.Credentials()
	if err != nil {
		c.log.Warnf("Dropping message %s: no credentials: %v",
			m.MessageID, err)
		return
	}
	if creds == nil {
		c.log.Warnf("Dropping message %s: not logged in", m.MessageID)
		return
	}

	signPub, err := c.cfg.KeyBook.SignPublicKey(ctx, m.From)
	if err != nil {
		c.log.Warnf("Dropping message %s from unknown sender %q: %v",
			m.MessageID, m.From, err)
		return
	}
	encPub, err := c.cfg.KeyBook.EncPublicKey(ctx, m.From)
	if err != nil {
		c.log.Warnf("Dropping message %s from unknown sender %q: %v",
			m.MessageID, m.From, err)
		return
	}

	// Group messages bind the group id where direct ones bind the
	// recipient.
	to := m.To
	if m.GroupID != "" {
		to = m.GroupID
	}
	data := envelope.Data{
		MessageID: m.MessageID,
		From:      m.From,
		To:        to,
		MsgType:   m.MsgType,
		Timestamp: m.Timestamp,
	}
	plain, err := envelope.Open(data, m.Nonce, m.Ciphertext, m.Sig,
		signPub, encPub, creds.EncPrivKey)
	if err != nil {
		c.log.Errorf("Rejecting message %s from %q: %v", m.MessageID,
			m.From, err)
		return
	}

	c.log.Debugf("Received %s message %s from %q", m.MsgType, m.MessageID,
		m.From)
	c.ntfns.notifyMessage(ReceivedMessage{
		MessageID:  m.MessageID,
		From:       m.From,
		To:         m.To,
		GroupID:    m.GroupID,
		MsgType:    m.MsgType,
		Plaintext:  plain,
		Timestamp:  ts,
		ReplyTo:    m.ReplyTo,
		Attachment: m.Attachment,
	})
}

func (c *Client) handleDeliveryReceipt(frame rpc.Frame) {
	var r rpc.DeliveryReceipt
	if err := json.Unmarshal(frame.Payload, &r); err != nil {
		c.log.Warnf("Undecodable delivery receipt: %v", err)
		return
	}
	if r.MessageID == "" {
		c.log.Warnf("Dropping delivery receipt without message id")
		return
	}
	c.ntfns.notifyReceipt(r, time.UnixMilli(r.Timestamp))
}

func (c *Client) handleTypingIndicator(frame rpc.Frame) {
	var ti rpc.TypingIndicator
	if err := json.Unmarshal(frame.Payload, &ti); err != nil {
		c.log.Warnf("Undecodable typing indicator: %v", err)
		return
	}
	if ti.From == "" {
		return
	}
	c.ntfns.notifyTyping(ti.From, time.UnixMilli(ti.Timestamp))
}

func (c *Client) handleGroupFrame(frame rpc.Frame) {
	c.ntfns.notifyGroupEvent(frame)
}

func (c *Client) handleCallFrame(frame rpc.Frame) {
	c.ntfns.notifyCallEvent(frame)
}
