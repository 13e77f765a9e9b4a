package lowlevel

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/whisper2/whisperclient/client/clientintf"
	"github.com/whisper2/whisperclient/envelope"
	"github.com/whisper2/whisperclient/internal/assert"
	"github.com/whisper2/whisperclient/rpc"
)

// TestQueueDeliversMessage asserts the happy path: an enqueued message is
// sent as a well-formed frame the recipient can verify and decrypt, and a
// server ack completes it with a single status update.
func TestQueueDeliversMessage(t *testing.T) {
	t.Parallel()

	h := newTestQueue(t, RetryPolicy{})
	msgID := h.enqueueText(t, "hello bob")

	frame := assert.ChanWritten(t, h.sender.frames)
	if frame.RequestID == "" {
		t.Fatal("frame sent without request id")
	}
	p := decodeSendPayload(t, frame)
	assert.DeepEqual(t, p.MessageID, msgID)
	assert.DeepEqual(t, p.From, "w-alice")
	assert.DeepEqual(t, p.To, "w-bob")
	assert.DeepEqual(t, p.MsgType, rpc.ContentTypeText)
	assert.DeepEqual(t, p.SessionToken, "session-token")
	if p.Timestamp <= 0 {
		t.Fatalf("bad timestamp %d", p.Timestamp)
	}

	// The recipient must be able to verify and open the envelope.
	alice := testKeyRing(t, testAliceMnemonic)
	bob := testKeyRing(t, testBobMnemonic)
	d := envelope.Data{
		MessageID: p.MessageID,
		From:      p.From,
		To:        p.To,
		MsgType:   p.MsgType,
		Timestamp: p.Timestamp,
	}
	assert.NilErr(t, envelope.Verify(d, p.Nonce, p.Ciphertext, p.Sig,
		alice.Public.Sign))
	plain, err := envelope.Open(d, p.Nonce, p.Ciphertext, p.Sig,
		alice.Public.Sign, alice.Public.Enc[:], bob.EncPriv[:])
	assert.NilErr(t, err)
	assert.DeepEqual(t, string(plain), "hello bob")

	// Ack completes the item.
	h.q.OnAccepted(msgID)
	assert.ChanWrittenWithVal(t, h.status,
		statusUpdate{msgID: msgID, status: clientintf.StatusSent})
	assert.DeepEqual(t, h.q.Len(), 0)

	// Duplicate acks are dropped without another update.
	h.q.OnAccepted(msgID)
	assert.ChanNotWritten(t, h.status, 50*time.Millisecond)

	snap, ok := h.q.Item(msgID)
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, snap.Status, ItemSent)
	assert.DeepEqual(t, snap.Attempts, 1)
}

// TestQueueFIFOOrder asserts only one item is in flight at a time and
// that items go out in enqueue order.
func TestQueueFIFOOrder(t *testing.T) {
	t.Parallel()

	h := newTestQueue(t, RetryPolicy{})
	idA := h.enqueueText(t, "first")
	idB := h.enqueueText(t, "second")
	idC := h.enqueueText(t, "third")

	fA := assert.ChanWritten(t, h.sender.frames)
	assert.DeepEqual(t, decodeSendPayload(t, fA).MessageID, idA)

	// B and C wait for A's ack.
	assert.ChanNotWritten(t, h.sender.frames, 50*time.Millisecond)

	h.q.OnAccepted(idA)
	fB := assert.ChanWritten(t, h.sender.frames)
	assert.DeepEqual(t, decodeSendPayload(t, fB).MessageID, idB)

	h.q.OnAccepted(idB)
	fC := assert.ChanWritten(t, h.sender.frames)
	assert.DeepEqual(t, decodeSendPayload(t, fC).MessageID, idC)
}

// TestQueueRetriesTransientErrors asserts transient server errors
// reschedule the same payload under a fresh request id until attempts run
// out, at which point the item fails with an exhaustion reason rather
// than a server code.
func TestQueueRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	h := newTestQueue(t, RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
	})
	msgID := h.enqueueText(t, "persistent")

	f1 := assert.ChanWritten(t, h.sender.frames)
	h.q.OnError(f1.RequestID, rpc.ErrCodeSessionExpired, "expired")

	// A retry is not a terminal transition; no status update yet.
	f2 := assert.ChanWritten(t, h.sender.frames)
	if f2.RequestID == f1.RequestID {
		t.Fatal("request id not regenerated on resend")
	}
	if !bytes.Equal(f1.Payload, f2.Payload) {
		t.Fatal("payload changed across attempts")
	}
	assert.ChanNotWritten(t, h.status, 20*time.Millisecond)

	h.q.OnError(f2.RequestID, rpc.ErrCodeRateLimited, "slow down")
	f3 := assert.ChanWritten(t, h.sender.frames)

	// Third failure exhausts the allowed attempts.
	h.q.OnError(f3.RequestID, rpc.ErrCodeSessionExpired, "expired")
	assert.ChanWrittenWithVal(t, h.status,
		statusUpdate{msgID: msgID, status: clientintf.StatusFailed})

	snap, ok := h.q.Item(msgID)
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, snap.Status, ItemFailed)
	assert.DeepEqual(t, snap.Attempts, 3)
	assert.DeepEqual(t, snap.FailureCode, "")
	if !strings.Contains(snap.FailureMsg, "exhausted") {
		t.Fatalf("missing exhaustion reason in %q", snap.FailureMsg)
	}
	assert.DeepEqual(t, h.q.Len(), 0)
}

// TestQueueUnknownErrorCodeRetries asserts unrecognized server error codes
// take the transient path rather than failing the item outright.
func TestQueueUnknownErrorCodeRetries(t *testing.T) {
	t.Parallel()

	h := newTestQueue(t, RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
	})
	msgID := h.enqueueText(t, "onward")

	f1 := assert.ChanWritten(t, h.sender.frames)
	h.q.OnError(f1.RequestID, "SOME_FUTURE_CODE", "try later")

	f2 := assert.ChanWritten(t, h.sender.frames)
	h.q.OnAccepted(msgID)
	assert.ChanWrittenWithVal(t, h.status,
		statusUpdate{msgID: msgID, status: clientintf.StatusSent})
	_ = f2
}

// TestQueuePermanentErrorFails asserts permanently rejected items fail at
// once with the server code attached and do not block later items.
func TestQueuePermanentErrorFails(t *testing.T) {
	t.Parallel()

	h := newTestQueue(t, RetryPolicy{})
	idA := h.enqueueText(t, "to nobody")
	idB := h.enqueueText(t, "to somebody")

	fA := assert.ChanWritten(t, h.sender.frames)
	h.q.OnError(fA.RequestID, rpc.ErrCodeUserNotFound, "no such user")

	assert.ChanWrittenWithVal(t, h.status,
		statusUpdate{msgID: idA, status: clientintf.StatusFailed})
	snap, ok := h.q.Item(idA)
	assert.BoolIs(t, ok, true)
	assert.DeepEqual(t, snap.Status, ItemFailed)
	assert.DeepEqual(t, snap.Attempts, 1)
	assert.DeepEqual(t, snap.FailureCode, rpc.ErrCodeUserNotFound)

	// The queue moves on to B immediately.
	fB := assert.ChanWritten(t, h.sender.frames)
	assert.DeepEqual(t, decodeSendPayload(t, fB).MessageID, idB)

	failed := h.q.Failed()
	assert.DeepEqual(t, len(failed), 1)
	assert.DeepEqual(t, failed[0].MessageID, idA)
}

// TestQueueAuthFailurePauses asserts an auth error fails the in-flight
// item, pauses all dequeues and notifies the auth failure sink, and that
// Resume restarts delivery.
func TestQueueAuthFailurePauses(t *testing.T) {
	t.Parallel()

	h := newTestQueue(t, RetryPolicy{})
	idA := h.enqueueText(t, "stale session")
	idB := h.enqueueText(t, "waiting")

	fA := assert.ChanWritten(t, h.sender.frames)
	h.q.OnError(fA.RequestID, rpc.ErrCodeAuthFailed, "bad token")

	authErr := assert.ChanWritten(t, h.auth)
	assert.ErrorIs(t, authErr, rpc.ServerError{Code: rpc.ErrCodeAuthFailed})
	assert.ChanWrittenWithVal(t, h.status,
		statusUpdate{msgID: idA, status: clientintf.StatusFailed})

	// B must not go out while paused.
	assert.BoolIs(t, h.q.IsPaused(), true)
	assert.ChanNotWritten(t, h.sender.frames, 50*time.Millisecond)

	h.q.Resume()
	assert.BoolIs(t, h.q.IsPaused(), false)
	fB := assert.ChanWritten(t, h.sender.frames)
	assert.DeepEqual(t, decodeSendPayload(t, fB).MessageID, idB)
}

// TestQueueSendFailureRetries asserts a failure to hand the frame to the
// transport consumes exactly one attempt and is retried like a transient
// error.
func TestQueueSendFailureRetries(t *testing.T) {
	t.Parallel()

	h := newTestQueue(t, RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
	})
	h.sender.failNext(errors.New("broken pipe"))
	msgID := h.enqueueText(t, "flaky socket")

	// The retry attempt arrives after the backoff.
	frame := assert.ChanWritten(t, h.sender.frames)
	assert.DeepEqual(t, decodeSendPayload(t, frame).MessageID, msgID)

	h.q.OnAccepted(msgID)
	assert.ChanWrittenWithVal(t, h.status,
		statusUpdate{msgID: msgID, status: clientintf.StatusSent})

	snap, _ := h.q.Item(msgID)
	assert.DeepEqual(t, snap.Attempts, 2)
}

// TestQueueIgnoresUnknownAcks asserts acks and errors that match nothing
// are dropped without side effects.
func TestQueueIgnoresUnknownAcks(t *testing.T) {
	t.Parallel()

	h := newTestQueue(t, RetryPolicy{})
	h.q.OnAccepted("no-such-message")
	h.q.OnError("no-such-request", rpc.ErrCodeSessionExpired, "nope")
	assert.ChanNotWritten(t, h.status, 50*time.Millisecond)
	assert.DeepEqual(t, h.q.Len(), 0)

	// The queue still works afterwards.
	msgID := h.enqueueText(t, "still alive")
	frame := assert.ChanWritten(t, h.sender.frames)
	assert.DeepEqual(t, decodeSendPayload(t, frame).MessageID, msgID)
}

// TestQueueStaleErrorIgnored asserts an error frame for a superseded
// request id does not consume an extra attempt.
func TestQueueStaleErrorIgnored(t *testing.T) {
	t.Parallel()

	h := newTestQueue(t, RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
	})
	msgID := h.enqueueText(t, "raced")

	f1 := assert.ChanWritten(t, h.sender.frames)
	h.q.OnError(f1.RequestID, rpc.ErrCodeSessionExpired, "expired")

	// Wait for the retry, then replay the stale error.
	f2 := assert.ChanWritten(t, h.sender.frames)
	h.q.OnError(f1.RequestID, rpc.ErrCodeSessionExpired, "expired")

	h.q.OnAccepted(msgID)
	snap, _ := h.q.Item(msgID)
	assert.DeepEqual(t, snap.Status, ItemSent)
	assert.DeepEqual(t, snap.Attempts, 2)
	_ = f2
}

// TestQueueLateAckResurrectsFailed asserts an ack arriving after local
// failure still marks the message sent; the server took it.
func TestQueueLateAckResurrectsFailed(t *testing.T) {
	t.Parallel()

	h := newTestQueue(t, RetryPolicy{})
	msgID := h.enqueueText(t, "gave up too soon")

	f1 := assert.ChanWritten(t, h.sender.frames)
	h.q.OnError(f1.RequestID, rpc.ErrCodeUserNotFound, "no such user")
	assert.ChanWrittenWithVal(t, h.status,
		statusUpdate{msgID: msgID, status: clientintf.StatusFailed})

	h.q.OnAccepted(msgID)
	assert.ChanWrittenWithVal(t, h.status,
		statusUpdate{msgID: msgID, status: clientintf.StatusSent})

	snap, _ := h.q.Item(msgID)
	assert.DeepEqual(t, snap.Status, ItemSent)
	assert.DeepEqual(t, snap.FailureCode, "")

	// And only once.
	h.q.OnAccepted(msgID)
	assert.ChanNotWritten(t, h.status, 50*time.Millisecond)
}

// TestQueueBackoffDoesNotStarve asserts an item waiting out its backoff
// does not block other eligible items.
func TestQueueBackoffDoesNotStarve(t *testing.T) {
	t.Parallel()

	h := newTestQueue(t, RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   60 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
	})
	idA := h.enqueueText(t, "retrying")
	idB := h.enqueueText(t, "eligible")

	fA := assert.ChanWritten(t, h.sender.frames)
	assert.DeepEqual(t, decodeSendPayload(t, fA).MessageID, idA)

	// A goes into backoff; B is dispatched immediately.
	h.q.OnError(fA.RequestID, rpc.ErrCodeSessionExpired, "expired")
	fB := assert.ChanWritten(t, h.sender.frames)
	assert.DeepEqual(t, decodeSendPayload(t, fB).MessageID, idB)
	h.q.OnAccepted(idB)

	// A retries once its delay elapses.
	fA2 := assert.ChanWritten(t, h.sender.frames)
	pA2 := decodeSendPayload(t, fA2)
	assert.DeepEqual(t, pA2.MessageID, idA)
	h.q.OnAccepted(idA)
}

// TestQueueDisconnectRequeuesInflight asserts a transport drop requeues
// only the in-flight item, without consuming an extra attempt for the
// abort itself.
func TestQueueDisconnectRequeuesInflight(t *testing.T) {
	t.Parallel()

	h := newTestQueue(t, RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
	})
	idA := h.enqueueText(t, "in flight")
	idB := h.enqueueText(t, "parked")

	fA := assert.ChanWritten(t, h.sender.frames)
	assert.DeepEqual(t, decodeSendPayload(t, fA).MessageID, idA)

	h.q.OnTransportDisconnected()

	// Nothing is dispatched until A's retry delay elapses.
	snapA, _ := h.q.Item(idA)
	assert.DeepEqual(t, snapA.Status, ItemQueued)
	assert.DeepEqual(t, snapA.Attempts, 1)
	snapB, _ := h.q.Item(idB)
	assert.DeepEqual(t, snapB.Status, ItemQueued)
	assert.DeepEqual(t, snapB.Attempts, 0)
	assert.ChanNotWritten(t, h.sender.frames, 20*time.Millisecond)

	// FIFO resumes with A once it becomes eligible again.
	fA2 := assert.ChanWritten(t, h.sender.frames)
	assert.DeepEqual(t, decodeSendPayload(t, fA2).MessageID, idA)
	snapA, _ = h.q.Item(idA)
	assert.DeepEqual(t, snapA.Attempts, 2)

	h.q.OnAccepted(idA)
	fB := assert.ChanWritten(t, h.sender.frames)
	assert.DeepEqual(t, decodeSendPayload(t, fB).MessageID, idB)
}

// TestQueueEnqueueValidation asserts enqueue fails fast on missing
// credentials and unknown recipients.
func TestQueueEnqueueValidation(t *testing.T) {
	t.Parallel()

	h := newTestQueue(t, RetryPolicy{})
	ctx := context.Background()

	h.creds.mtx.Lock()
	h.creds.err = clientintf.ErrNotLoggedIn
	h.creds.mtx.Unlock()
	_, err := h.q.Enqueue(ctx, "w-bob", rpc.ContentTypeText, []byte("x"), "", nil)
	assert.ErrorIs(t, err, clientintf.ErrNotLoggedIn)

	h.creds.mtx.Lock()
	h.creds.err = nil
	h.creds.creds.SessionToken = ""
	h.creds.mtx.Unlock()
	_, err = h.q.Enqueue(ctx, "w-bob", rpc.ContentTypeText, []byte("x"), "", nil)
	assert.ErrorIs(t, err, clientintf.ErrNotLoggedIn)

	h.creds.mtx.Lock()
	h.creds.creds.SessionToken = "session-token"
	h.creds.mtx.Unlock()
	_, err = h.q.Enqueue(ctx, "w-carol", rpc.ContentTypeText, []byte("x"), "", nil)
	assert.ErrorIs(t, err, clientintf.ErrUnknownRecipient)

	// Nothing was dispatched.
	assert.ChanNotWritten(t, h.sender.frames, 50*time.Millisecond)
}

// TestRetryPolicyBackoff asserts the backoff ladder doubles up to the cap
// and that jitter only ever adds to the nominal delay.
func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
	ladder := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, want := range ladder {
		assert.DeepEqual(t, p.backoff(i+1, nil), want)
	}

	p.JitterFraction = 0.2
	assert.DeepEqual(t, p.backoff(1, func() float64 { return 0.5 }),
		1100*time.Millisecond)

	// Near the top of the jitter range the delay stays under 1.2x.
	got := p.backoff(6, func() float64 { return 0.999 })
	if got < 30*time.Second || got >= 36*time.Second {
		t.Fatalf("jittered delay out of range: %s", got)
	}
}
