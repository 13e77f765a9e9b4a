package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/whisper2/whisperclient/client/clientintf"
	"github.com/whisper2/whisperclient/rpc"
)

// Following are the notification types. Add new types at the bottom of this
// list, then add a notifyX() to NotificationManager and initialize a new
// container in NewNotificationManager().

const onMsgNtfnType = "onMsg"

// OnMessageNtfn is the handler for received and decrypted messages.
type OnMessageNtfn func(ReceivedMessage)

func (_ OnMessageNtfn) typ() string { return onMsgNtfnType }

const onMsgStatusNtfnType = "onMsgStatus"

// OnMessageStatusNtfn is the handler for terminal status transitions of
// outbound messages.
type OnMessageStatusNtfn func(messageID string, status clientintf.MessageStatus)

func (_ OnMessageStatusNtfn) typ() string { return onMsgStatusNtfnType }

const onReceiptNtfnType = "onReceipt"

// OnDeliveryReceiptNtfn is the handler for delivery receipts sent by remote
// peers about our messages.
type OnDeliveryReceiptNtfn func(rpc.DeliveryReceipt, time.Time)

func (_ OnDeliveryReceiptNtfn) typ() string { return onReceiptNtfnType }

const onTypingNtfnType = "onTyping"

// OnTypingNtfn is the handler for typing indicators from remote peers.
type OnTypingNtfn func(from string, ts time.Time)

func (_ OnTypingNtfn) typ() string { return onTypingNtfnType }

const onConnStateNtfnType = "onConnState"

// OnConnStateNtfn is the handler for connection state transitions. err is
// the cause of the transition and may be nil.
type OnConnStateNtfn func(state ConnState, err error)

func (_ OnConnStateNtfn) typ() string { return onConnStateNtfnType }

const onSessionTermNtfnType = "onSessionTerm"

// OnSessionTerminatedNtfn is the handler for server-initiated session
// termination. The client will not reconnect until told to.
type OnSessionTerminatedNtfn func(reason string)

func (_ OnSessionTerminatedNtfn) typ() string { return onSessionTermNtfnType }

const onGroupEventNtfnType = "onGroupEvent"

// OnGroupEventNtfn is the handler for raw group membership and group event
// frames. The transport core does not interpret these.
type OnGroupEventNtfn func(rpc.Frame)

func (_ OnGroupEventNtfn) typ() string { return onGroupEventNtfnType }

const onCallEventNtfnType = "onCallEvent"

// OnCallEventNtfn is the handler for raw call signaling frames. The
// transport core does not interpret these.
type OnCallEventNtfn func(rpc.Frame)

func (_ OnCallEventNtfn) typ() string { return onCallEventNtfnType }

const onTestNtfnType = "testNtfnType"

// onTestNtfn is used in tests.
type onTestNtfn func()

func (_ onTestNtfn) typ() string { return onTestNtfnType }

// Following is the generic notification code.

// NotificationRegistration holds a registration to a notification handler.
type NotificationRegistration struct {
	unreg func() bool
}

// Unregister removes the handler from the notification manager. Returns
// true on the first call and false afterwards.
func (reg NotificationRegistration) Unregister() bool {
	if reg.unreg != nil {
		return reg.unreg()
	}
	return false
}

// NotificationHandler is the generic handler type. It is only implemented
// by the handler types of this package.
type NotificationHandler interface {
	typ() string
}

type handler[T any] struct {
	handler T
	async   bool
}

type handlersFor[T any] struct {
	mtx      sync.Mutex
	next     uint
	handlers map[uint]handler[T]
}

func (hn *handlersFor[T]) register(h T, async bool) NotificationRegistration {
	hn.mtx.Lock()
	var id uint
	id, hn.next = hn.next, hn.next+1
	if hn.handlers == nil {
		hn.handlers = make(map[uint]handler[T])
	}
	hn.handlers[id] = handler[T]{handler: h, async: async}
	hn.mtx.Unlock()

	registered := true
	unreg := func() bool {
		hn.mtx.Lock()
		res := registered
		if registered {
			delete(hn.handlers, id)
			registered = false
		}
		hn.mtx.Unlock()
		return res
	}

	return NotificationRegistration{unreg: unreg}
}

func (hn *handlersFor[T]) Register(v interface{}, async bool) NotificationRegistration {
	if h, ok := v.(T); !ok {
		panic("wrong type")
	} else {
		return hn.register(h, async)
	}
}

func (hn *handlersFor[T]) visit(f func(T)) {
	hn.mtx.Lock()
	for _, h := range hn.handlers {
		if h.async {
			go f(h.handler)
		} else {
			f(h.handler)
		}
	}
	hn.mtx.Unlock()
}

type handlersRegistry interface {
	Register(v interface{}, async bool) NotificationRegistration
}

// NotificationManager keeps track of handlers for client events. External
// callers register for the events they care about; the client calls the
// notifyX methods as events happen.
type NotificationManager struct {
	handlers map[string]handlersRegistry
}

func (nmgr *NotificationManager) register(handler NotificationHandler, async bool) NotificationRegistration {
	hn := nmgr.handlers[handler.typ()]
	if hn == nil {
		panic(fmt.Sprintf("forgot to init the handler type %T "+
			"in NewNotificationManager", handler))
	}
	return hn.Register(handler, async)
}

// Register registers a handler that is called asynchronously on its own
// goroutine. The returned registration unregisters the handler.
func (nmgr *NotificationManager) Register(handler NotificationHandler) NotificationRegistration {
	return nmgr.register(handler, true)
}

// RegisterSync registers a handler that is called synchronously. Sync
// handlers must return quickly, otherwise they may block the client's frame
// processing.
func (nmgr *NotificationManager) RegisterSync(handler NotificationHandler) NotificationRegistration {
	return nmgr.register(handler, false)
}

// Following are the notifyX() calls.

func (nmgr *NotificationManager) notifyMessage(m ReceivedMessage) {
	nmgr.handlers[onMsgNtfnType].(*handlersFor[OnMessageNtfn]).visit(func(h OnMessageNtfn) {
		h(m)
	})
}

func (nmgr *NotificationManager) notifyMessageStatus(messageID string, status clientintf.MessageStatus) {
	nmgr.handlers[onMsgStatusNtfnType].(*handlersFor[OnMessageStatusNtfn]).visit(func(h OnMessageStatusNtfn) {
		h(messageID, status)
	})
}

func (nmgr *NotificationManager) notifyReceipt(r rpc.DeliveryReceipt, ts time.Time) {
	nmgr.handlers[onReceiptNtfnType].(*handlersFor[OnDeliveryReceiptNtfn]).visit(func(h OnDeliveryReceiptNtfn) {
		h(r, ts)
	})
}

func (nmgr *NotificationManager) notifyTyping(from string, ts time.Time) {
	nmgr.handlers[onTypingNtfnType].(*handlersFor[OnTypingNtfn]).visit(func(h OnTypingNtfn) {
		h(from, ts)
	})
}

func (nmgr *NotificationManager) notifyConnState(state ConnState, err error) {
	nmgr.handlers[onConnStateNtfnType].(*handlersFor[OnConnStateNtfn]).visit(func(h OnConnStateNtfn) {
		h(state, err)
	})
}

func (nmgr *NotificationManager) notifySessionTerminated(reason string) {
	nmgr.handlers[onSessionTermNtfnType].(*handlersFor[OnSessionTerminatedNtfn]).visit(func(h OnSessionTerminatedNtfn) {
		h(reason)
	})
}

func (nmgr *NotificationManager) notifyGroupEvent(frame rpc.Frame) {
	nmgr.handlers[onGroupEventNtfnType].(*handlersFor[OnGroupEventNtfn]).visit(func(h OnGroupEventNtfn) {
		h(frame)
	})
}

func (nmgr *NotificationManager) notifyCallEvent(frame rpc.Frame) {
	nmgr.handlers[onCallEventNtfnType].(*handlersFor[OnCallEventNtfn]).visit(func(h OnCallEventNtfn) {
		h(frame)
	})
}

func (nmgr *NotificationManager) notifyTest() {
	nmgr.handlers[onTestNtfnType].(*handlersFor[onTestNtfn]).visit(func(h onTestNtfn) {
		h()
	})
}

// NewNotificationManager creates a new notification manager.
func NewNotificationManager() *NotificationManager {
	return &NotificationManager{
		handlers: map[string]handlersRegistry{
			onMsgNtfnType:         &handlersFor[OnMessageNtfn]{},
			onMsgStatusNtfnType:   &handlersFor[OnMessageStatusNtfn]{},
			onReceiptNtfnType:     &handlersFor[OnDeliveryReceiptNtfn]{},
			onTypingNtfnType:      &handlersFor[OnTypingNtfn]{},
			onConnStateNtfnType:   &handlersFor[OnConnStateNtfn]{},
			onSessionTermNtfnType: &handlersFor[OnSessionTerminatedNtfn]{},
			onGroupEventNtfnType:  &handlersFor[OnGroupEventNtfn]{},
			onCallEventNtfnType:   &handlersFor[OnCallEventNtfn]{},
			onTestNtfnType:        &handlersFor[onTestNtfn]{},
		},
	}
}
