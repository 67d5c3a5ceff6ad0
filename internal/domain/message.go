package domain

import (
	"context"
	"sync/atomic"
	"time"
)

// Header is a single name/value pair. Requests and responses carry headers
// as ordered slices so insertion order survives the wire round trip; names
// are matched case-sensitively as provided.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HeaderValue returns the first value for name, matched case-sensitively.
// Absence of a header is a lookup miss, not an error.
func HeaderValue(headers []Header, name string) (string, bool) {
	for _, h := range headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Request is a client-initiated exchange submitted over the session.
// Immutable once submitted; the session owns it until it resolves or
// times out.
type Request struct {
	Method  string
	Path    string
	Headers []Header
	Body    []byte
	Timeout time.Duration
}

// Header returns the first value for name.
func (r Request) Header(name string) (string, bool) {
	return HeaderValue(r.Headers, name)
}

// Response is the server's answer to one Request, correlated by id.
// Ownership transfers to the caller that receives it.
type Response struct {
	Status  uint16
	Message string
	Headers []Header
	Body    []byte
}

// Header returns the first value for name.
func (r *Response) Header(name string) (string, bool) {
	return HeaderValue(r.Headers, name)
}

// AckFunc performs the asynchronous acknowledgment of one delivered event.
type AckFunc func(ctx context.Context) error

// AckToken is a one-shot acknowledgment capability attached to each
// IncomingEvent. Its validity is scoped to the single delivery call.
type AckToken struct {
	used atomic.Bool
	fn   AckFunc
}

// NewAckToken wraps fn in a one-shot token. A nil fn makes Ack a no-op
// (beyond the one-shot bookkeeping).
func NewAckToken(fn AckFunc) *AckToken {
	return &AckToken{fn: fn}
}

// Ack invokes the acknowledgment action. The second and any later call
// fails with ErrAlreadyAcknowledged without invoking the action again.
func (t *AckToken) Ack(ctx context.Context) error {
	if !t.used.CompareAndSwap(false, true) {
		return NewSessionError("AckToken.Ack", ErrAlreadyAcknowledged, "")
	}
	if t.fn == nil {
		return nil
	}
	return t.fn(ctx)
}

// IncomingEvent is a server-pushed message not solicited by any request.
// Delivered once to the listener and discarded; never persisted.
type IncomingEvent struct {
	// Payload is the opaque envelope bytes.
	Payload []byte
	// ServerTimestamp is the server delivery timestamp, monotonically
	// non-decreasing within one connection epoch.
	ServerTimestamp uint64
	// Ack acknowledges receipt. One-shot; see AckToken.
	Ack *AckToken
}

// Listener receives server pushes for one session. At most one listener is
// active per session at any time. Callbacks for the same session never
// overlap in time.
type Listener interface {
	// OnIncomingMessage is invoked for each server push, in arrival order.
	OnIncomingMessage(event IncomingEvent)
	// OnQueueEmpty signals that every event queued on the server before
	// this session connected has been delivered. A strict barrier, fired
	// at most once per connection epoch.
	OnQueueEmpty()
	// Release is invoked exactly once when the listener is replaced,
	// cleared, or the session tears down. After Release returns the
	// listener receives no further callbacks.
	Release()
}

// IPFamily identifies the address family of the active connection.
type IPFamily string

const (
	IPFamilyV4      IPFamily = "ipv4"
	IPFamilyV6      IPFamily = "ipv6"
	IPFamilyUnknown IPFamily = "unknown"
)

// DebugInfo is a point-in-time snapshot of connection health metadata.
// Recomputed fresh on each query; no history is retained beyond the
// reconnect counter.
type DebugInfo struct {
	// ReconnectCount is incremented once per reconnection attempt over the
	// session's lifetime. The first connect does not count.
	ReconnectCount uint64
	// IPFamily of the most recent established connection.
	IPFamily IPFamily
	// LastConnectSeconds is the elapsed duration of the last connection
	// attempt, in seconds.
	LastConnectSeconds float64
	// ConnectionInfo is a free-form diagnostic description.
	ConnectionInfo string
}
