package lowlevel

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/slog"
	"github.com/google/uuid"
	"github.com/whisper2/whisperclient/client/clientintf"
	"github.com/whisper2/whisperclient/client/timestats"
	"github.com/whisper2/whisperclient/envelope"
	"github.com/whisper2/whisperclient/rpc"
)

// terminalRetention is how many terminal (sent or failed) items remain in
// the message id table to absorb duplicate acks arriving after completion.
const terminalRetention = 128

// ItemStatus tracks a queue item through its lifecycle.
type ItemStatus string

const (
	ItemQueued  ItemStatus = "queued"
	ItemSending ItemStatus = "sending"
	ItemSent    ItemStatus = "sent"
	ItemFailed  ItemStatus = "failed"
)

// RetryPolicy drives the backoff of transiently failed sends.
type RetryPolicy struct {
	// MaxAttempts is the total attempt ceiling per item.
	MaxAttempts int

	// BaseDelay is the delay after the first failed attempt. Each
	// further failure doubles it, up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// JitterFraction widens each delay by a random amount in
	// [0, JitterFraction*delay). The jitter is strictly additive, so
	// retries land at or after the nominal curve, never before it.
	// Server-side rate limit tuning relies on this bias.
	JitterFraction float64
}

// DefaultRetryPolicy returns the standard message retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.2,
	}
}

// backoff returns the delay before the next attempt, given the number of
// attempts already made (>= 1).
func (p RetryPolicy) backoff(attempts int, rng func() float64) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.JitterFraction > 0 && rng != nil {
		d += time.Duration(rng() * p.JitterFraction * float64(d))
	}
	return d
}

// queueItem is the mutable per-message delivery record, owned exclusively
// by the queue. The payload is built once at enqueue time and resent
// verbatim on retries; only the frame-level request id changes between
// attempts.
type queueItem struct {
	messageID   string
	requestID   string
	to          string
	msgType     string
	payload     json.RawMessage
	status      ItemStatus
	attempts    int
	lastAttempt time.Time
	nextRetryAt time.Time
	failCode    string
	failMsg     string
}

// ItemSnapshot is a read-only copy of a tracked item, for observability
// and tests.
type ItemSnapshot struct {
	MessageID   string
	To          string
	MsgType     string
	Status      ItemStatus
	Attempts    int
	LastAttempt time.Time
	NextRetryAt time.Time
	FailureCode string
	FailureMsg  string
}

func (it *queueItem) snapshot() ItemSnapshot {
	return ItemSnapshot{
		MessageID:   it.messageID,
		To:          it.to,
		MsgType:     it.msgType,
		Status:      it.status,
		Attempts:    it.attempts,
		LastAttempt: it.lastAttempt,
		NextRetryAt: it.nextRetryAt,
		FailureCode: it.failCode,
		FailureMsg:  it.failMsg,
	}
}

// QueueConfig holds the collaborators and policy of a delivery queue.
type QueueConfig struct {
	// Sender delivers serialized frames. The queue never touches the
	// socket directly.
	Sender FrameSender

	// Creds supplies the local credentials per enqueue.
	Creds clientintf.CredentialProvider

	// Keys resolves recipient public keys.
	Keys clientintf.KeyBook

	// Status, when set, receives terminal status transitions.
	Status clientintf.StatusSink

	// AuthFailure, when set, is notified when the server rejects the
	// session credential.
	AuthFailure clientintf.AuthFailureSink

	// Policy defaults to DefaultRetryPolicy when zero.
	Policy RetryPolicy

	Log slog.Logger

	// Now and Rand exist for tests; they default to time.Now and
	// rand.Float64.
	Now  func() time.Time
	Rand func() float64
}

// Queue is the outbound delivery state machine: strict FIFO among eligible
// items, at most one attempt in flight, per-item retry with capped
// exponential backoff, and an auth-failure pause that halts all dequeues
// until explicitly resumed.
//
// All state transitions serialize on one mutex. Envelope construction and
// transport sends run outside it.
type Queue struct {
	cfg    QueueConfig
	log    slog.Logger
	policy RetryPolicy
	now    func() time.Time
	rng    func() float64
	stats  *timestats.Tracker

	mtx      sync.Mutex
	items    []*queueItem          // active items in FIFO order
	byMsgID  map[string]*queueItem // active plus recent terminal items
	byReqID  map[string]*queueItem // current attempt of the active items
	sending  *queueItem
	paused   bool
	terminal []string
}

// NewQueue creates a delivery queue. Sender, Creds and Keys are required.
func NewQueue(cfg QueueConfig) *Queue {
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	policy := cfg.Policy
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.Float64
	}
	return &Queue{
		cfg:     cfg,
		log:     log,
		policy:  policy,
		now:     now,
		rng:     rng,
		stats:   timestats.NewTracker(250),
		byMsgID: make(map[string]*queueItem),
		byReqID: make(map[string]*queueItem),
	}
}

// Enqueue builds the envelope and frame payload for one outbound message
// and adds it to the queue, waking the drain. It returns the stable
// message id acks and status updates are keyed by.
//
// Credential and key lookups may block, so Enqueue should not be called
// from latency-sensitive goroutines.
func (q *Queue) Enqueue(ctx context.Context, to, msgType string, plaintext []byte,
	replyTo string, attachment *rpc.AttachmentPointer) (string, error) {

	creds, err := q.cfg.Creds.Credentials()
	if err != nil {
		return "", err
	}
	if creds == nil || creds.SessionToken == "" {
		return "", clientintf.ErrNotLoggedIn
	}
	encPub, err := q.cfg.Keys.EncPublicKey(ctx, to)
	if err != nil {
		return "", err
	}
	if len(encPub) == 0 {
		return "", clientintf.ErrUnknownRecipient
	}

	msgID := uuid.New().String()
	ts := q.now().UnixMilli()

	// The envelope build is pure and runs outside the queue lock.
	env, err := envelope.Build(plaintext, envelope.Data{
		MessageID: msgID,
		From:      creds.WhisperID,
		To:        to,
		MsgType:   msgType,
		Timestamp: ts,
	}, creds.SignPrivKey, creds.EncPrivKey, encPub)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(rpc.SendMessage{
		ProtocolVersion: rpc.ProtocolVersion,
		CryptoVersion:   rpc.CryptoVersion,
		SessionToken:    creds.SessionToken,
		MessageID:       msgID,
		From:            creds.WhisperID,
		To:              to,
		MsgType:         msgType,
		Timestamp:       ts,
		Nonce:           env.NonceB64(),
		Ciphertext:      env.CiphertextB64(),
		Sig:             env.SignatureB64(),
		ReplyTo:         replyTo,
		Attachment:      attachment,
	})
	if err != nil {
		return "", fmt.Errorf("marshal send payload: %w", err)
	}
	if len(payload) > rpc.MaxMsgSize {
		return "", errFrameTooLarge
	}

	item := &queueItem{
		messageID: msgID,
		requestID: uuid.New().String(),
		to:        to,
		msgType:   msgType,
		payload:   payload,
		status:    ItemQueued,
	}

	q.mtx.Lock()
	if _, ok := q.byMsgID[msgID]; ok {
		q.mtx.Unlock()
		return "", errMsgIDCollision
	}
	q.items = append(q.items, item)
	q.byMsgID[msgID] = item
	q.byReqID[item.requestID] = item
	q.log.Debugf("Enqueued message %s to %s (%s)", msgID, to, msgType)
	if q.log.Level() <= slog.LevelTrace {
		q.log.Tracef("Enqueued item: %s", spew.Sdump(item.snapshot()))
	}
	q.drainLocked()
	q.mtx.Unlock()
	return msgID, nil
}

// drainLocked starts the next attempt if nothing is in flight: the oldest
// Queued item whose retry delay has elapsed. Callers must hold mtx.
func (q *Queue) drainLocked() {
	if q.paused || q.sending != nil {
		return
	}
	now := q.now()
	var item *queueItem
	for _, it := range q.items {
		if it.status != ItemQueued {
			continue
		}
		if !it.nextRetryAt.IsZero() && it.nextRetryAt.After(now) {
			continue
		}
		item = it
		break
	}
	if item == nil {
		return
	}

	item.status = ItemSending
	item.attempts++
	item.lastAttempt = now
	if item.attempts > 1 {
		// Fresh request id per resend, so a stale response to an
		// earlier attempt cannot be misattributed to this one.
		delete(q.byReqID, item.requestID)
		item.requestID = uuid.New().String()
		q.byReqID[item.requestID] = item
	}
	q.sending = item

	frame := rpc.Frame{
		Type:      rpc.CmdSendMessage,
		RequestID: item.requestID,
		Payload:   item.payload,
	}
	q.log.Debugf("Sending message %s attempt %d (req %s)",
		item.messageID, item.attempts, item.requestID)
	go q.send(frame, item.requestID)
}

// send hands one attempt to the transport, outside the queue lock.
func (q *Queue) send(frame rpc.Frame, reqID string) {
	if err := q.cfg.Sender.SendFrame(frame); err != nil {
		q.onSendFailure(reqID, err)
	}
}

// onSendFailure retries an attempt that never left the transport. It is
// treated the same as a transient server error, never as an immediate
// permanent failure.
func (q *Queue) onSendFailure(reqID string, sendErr error) {
	q.mtx.Lock()
	item := q.byReqID[reqID]
	if item == nil || item.status != ItemSending {
		// The attempt was already resolved through another path.
		q.mtx.Unlock()
		return
	}
	q.log.Debugf("Transport send of req %s failed: %v", reqID, sendErr)
	q.retryLocked(item, sendErr)
	q.drainLocked()
	q.mtx.Unlock()
}

// OnAccepted resolves a server acknowledgment, keyed by the stable message
// id so it survives retries. Idempotent: duplicate acks are dropped.
func (q *Queue) OnAccepted(messageID string) {
	q.mtx.Lock()
	item := q.byMsgID[messageID]
	switch {
	case item == nil:
		q.log.Debugf("Ignoring ack for unknown message %s", messageID)
	case item.status == ItemSent:
		q.log.Debugf("Ignoring duplicate ack for message %s", messageID)
	case item.status == ItemFailed:
		// The server took the message after the local side had
		// already given up on it. Record the delivery.
		q.log.Infof("Late ack for failed message %s", messageID)
		item.status = ItemSent
		item.failCode, item.failMsg = "", ""
		q.notifyStatus(messageID, clientintf.StatusSent)
	default:
		delete(q.byReqID, item.requestID)
		if q.sending == item {
			q.sending = nil
		}
		item.status = ItemSent
		item.nextRetryAt = time.Time{}
		q.stats.Add(q.now().Sub(item.lastAttempt))
		q.removeActiveLocked(item)
		q.retainTerminalLocked(item)
		q.log.Debugf("Message %s acknowledged after %d attempt(s)",
			messageID, item.attempts)
		q.notifyStatus(messageID, clientintf.StatusSent)
		q.drainLocked()
	}
	q.mtx.Unlock()
}

// OnError resolves a server error frame against the attempt that caused
// it, keyed by request id. Errors for unknown or stale request ids are
// dropped; a retry has already superseded that attempt.
func (q *Queue) OnError(requestID, code, message string) {
	q.mtx.Lock()
	item := q.byReqID[requestID]
	if item == nil || item.status != ItemSending {
		q.log.Debugf("Ignoring error for unknown or stale request %s: %s (%s)",
			requestID, code, message)
		q.mtx.Unlock()
		return
	}

	srvErr := rpc.ServerError{Code: code, Message: message, RequestID: requestID}
	switch {
	case rpc.IsAuthErrorCode(code):
		// The session credential itself is invalid; no item can be
		// delivered until the caller re-authenticates and resumes.
		q.log.Warnf("Pausing queue on auth failure: %v", srvErr)
		q.failLocked(item, code, message)
		q.paused = true
		if q.cfg.AuthFailure != nil {
			go q.cfg.AuthFailure.AuthFailure(srvErr)
		}
	case rpc.IsPermanentErrorCode(code):
		q.log.Warnf("Message %s rejected by server: %v", item.messageID, srvErr)
		q.failLocked(item, code, message)
		q.drainLocked()
	default:
		q.retryLocked(item, srvErr)
		q.drainLocked()
	}
	q.mtx.Unlock()
}

// OnTransportDisconnected fails over the in-flight attempt, if any, to the
// retry path. Queued items are untouched; draining resumes when the
// transport reconnects and kicks Drain.
func (q *Queue) OnTransportDisconnected() {
	q.mtx.Lock()
	if item := q.sending; item != nil && item.status == ItemSending {
		q.log.Debugf("Transport lost with message %s in flight", item.messageID)
		q.retryLocked(item, errNotConnected)
	}
	q.mtx.Unlock()
}

// retryLocked returns a Sending item to Queued with backoff, or fails it
// permanently once attempts are exhausted. Callers must hold mtx.
func (q *Queue) retryLocked(item *queueItem, cause error) {
	delete(q.byReqID, item.requestID)
	if q.sending == item {
		q.sending = nil
	}
	if item.attempts >= q.policy.MaxAttempts {
		err := makeRetriesExhaustedError(item.attempts, cause)
		q.log.Warnf("Message %s failed: %v", item.messageID, err)
		q.failLocked(item, "", err.Error())
		return
	}

	delay := q.policy.backoff(item.attempts, q.rng)
	item.status = ItemQueued
	item.nextRetryAt = q.now().Add(delay)
	q.log.Debugf("Message %s attempt %d failed (%v); next retry in %s",
		item.messageID, item.attempts, cause, delay)
	time.AfterFunc(delay, q.Drain)
}

// failLocked transitions an item to Failed and retains it for duplicate
// ack absorption. Callers must hold mtx.
func (q *Queue) failLocked(item *queueItem, code, msg string) {
	delete(q.byReqID, item.requestID)
	if q.sending == item {
		q.sending = nil
	}
	item.status = ItemFailed
	item.failCode = code
	item.failMsg = msg
	q.removeActiveLocked(item)
	q.retainTerminalLocked(item)
	q.notifyStatus(item.messageID, clientintf.StatusFailed)
}

func (q *Queue) removeActiveLocked(item *queueItem) {
	for i, it := range q.items {
		if it == item {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return
		}
	}
}

// retainTerminalLocked keeps a bounded window of terminal message ids in
// the ack table; the oldest entry is evicted once the window fills.
func (q *Queue) retainTerminalLocked(item *queueItem) {
	q.terminal = append(q.terminal, item.messageID)
	if len(q.terminal) > terminalRetention {
		evict := q.terminal[0]
		q.terminal = q.terminal[1:]
		delete(q.byMsgID, evict)
	}
}

func (q *Queue) notifyStatus(msgID string, status clientintf.MessageStatus) {
	if q.cfg.Status == nil {
		return
	}
	go q.cfg.Status.UpdateStatus(msgID, status)
}

// Pause suspends all future dequeues. The in-flight attempt, if any, is
// not interrupted.
func (q *Queue) Pause() {
	q.mtx.Lock()
	q.paused = true
	q.mtx.Unlock()
}

// Resume lifts a pause and immediately drives the queue forward.
func (q *Queue) Resume() {
	q.mtx.Lock()
	q.paused = false
	q.drainLocked()
	q.mtx.Unlock()
}

// Drain starts the next eligible attempt if none is in flight. It is
// called internally after every transition and by the owner after a
// reconnect.
func (q *Queue) Drain() {
	q.mtx.Lock()
	q.drainLocked()
	q.mtx.Unlock()
}

// Len returns the number of items not yet in a terminal state.
func (q *Queue) Len() int {
	q.mtx.Lock()
	l := len(q.items)
	q.mtx.Unlock()
	return l
}

// Counts returns how many items are waiting and how many are in flight
// (0 or 1).
func (q *Queue) Counts() (queued, sending int) {
	q.mtx.Lock()
	for _, it := range q.items {
		switch it.status {
		case ItemQueued:
			queued++
		case ItemSending:
			sending++
		}
	}
	q.mtx.Unlock()
	return
}

// TimingStats returns the distribution of attempt-to-ack round trip times
// of recently acknowledged messages.
func (q *Queue) TimingStats() []timestats.Quantile {
	return q.stats.Quantiles()
}

// IsPaused reports whether dequeues are currently suspended.
func (q *Queue) IsPaused() bool {
	q.mtx.Lock()
	p := q.paused
	q.mtx.Unlock()
	return p
}

// Failed returns snapshots of failed items still tracked, oldest first.
func (q *Queue) Failed() []ItemSnapshot {
	q.mtx.Lock()
	var res []ItemSnapshot
	for _, msgID := range q.terminal {
		if it := q.byMsgID[msgID]; it != nil && it.status == ItemFailed {
			res = append(res, it.snapshot())
		}
	}
	q.mtx.Unlock()
	return res
}

// Item returns a snapshot of one tracked message.
func (q *Queue) Item(messageID string) (ItemSnapshot, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	it := q.byMsgID[messageID]
	if it == nil {
		return ItemSnapshot{}, false
	}
	return it.snapshot(), true
}
