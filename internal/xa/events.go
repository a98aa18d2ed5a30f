package xa

import (
	"sync"
	"sync/atomic"
)

// ConnectionEventType identifies a ConnectionEvent.
type ConnectionEventType int

const (
	ConnectionClosed ConnectionEventType = iota + 1
	ConnectionErrorOccurred
	LocalTransactionStarted
	LocalTransactionCommitted
	LocalTransactionRolledback
)

func (t ConnectionEventType) String() string {
	switch t {
	case ConnectionClosed:
		return "CONNECTION_CLOSED"
	case ConnectionErrorOccurred:
		return "CONNECTION_ERROR_OCCURRED"
	case LocalTransactionStarted:
		return "LOCAL_TRANSACTION_STARTED"
	case LocalTransactionCommitted:
		return "LOCAL_TRANSACTION_COMMITTED"
	case LocalTransactionRolledback:
		return "LOCAL_TRANSACTION_ROLLEDBACK"
	default:
		return "UNKNOWN"
	}
}

// ConnectionEvent is delivered to ConnectionEventListeners.
type ConnectionEvent struct {
	Type   ConnectionEventType
	Source *ManagedConnection
	Err    error
}

// ConnectionEventListener is implemented by pools and driver front ends that
// need to follow the life of a managed connection. A listener receiving
// ConnectionErrorOccurred must stop handing out the connection and Destroy it.
type ConnectionEventListener interface {
	ConnectionClosed(ev ConnectionEvent)
	ConnectionErrorOccurred(ev ConnectionEvent)
	LocalTransactionStarted(ev ConnectionEvent)
	LocalTransactionCommitted(ev ConnectionEvent)
	LocalTransactionRolledback(ev ConnectionEvent)
}

// NopConnectionEventListener can be embedded to implement only some events.
type NopConnectionEventListener struct{}

func (NopConnectionEventListener) ConnectionClosed(ConnectionEvent)           {}
func (NopConnectionEventListener) ConnectionErrorOccurred(ConnectionEvent)    {}
func (NopConnectionEventListener) LocalTransactionStarted(ConnectionEvent)    {}
func (NopConnectionEventListener) LocalTransactionCommitted(ConnectionEvent)  {}
func (NopConnectionEventListener) LocalTransactionRolledback(ConnectionEvent) {}

// listenerList is copy-on-write: readers iterate a snapshot without locking.
type listenerList struct {
	mu        sync.Mutex
	listeners atomic.Pointer[[]ConnectionEventListener]
}

func (l *listenerList) add(listener ConnectionEventListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.snapshot()
	next := make([]ConnectionEventListener, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, listener)
	l.listeners.Store(&next)
}

func (l *listenerList) remove(listener ConnectionEventListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.snapshot()
	next := make([]ConnectionEventListener, 0, len(cur))
	for _, existing := range cur {
		if existing != listener {
			next = append(next, existing)
		}
	}
	l.listeners.Store(&next)
}

func (l *listenerList) snapshot() []ConnectionEventListener {
	if p := l.listeners.Load(); p != nil {
		return *p
	}
	return nil
}

func (l *listenerList) fire(ev ConnectionEvent) {
	for _, listener := range l.snapshot() {
		switch ev.Type {
		case ConnectionClosed:
			listener.ConnectionClosed(ev)
		case ConnectionErrorOccurred:
			listener.ConnectionErrorOccurred(ev)
		case LocalTransactionStarted:
			listener.LocalTransactionStarted(ev)
		case LocalTransactionCommitted:
			listener.LocalTransactionCommitted(ev)
		case LocalTransactionRolledback:
			listener.LocalTransactionRolledback(ev)
		}
	}
}
