package domain

import (
	"context"
	"time"
)

// ConnInfo describes one established connection as observed at dial time.
type ConnInfo struct {
	// RemoteAddr is the resolved remote address, host:port.
	RemoteAddr string
	// Family is the address family the connection ended up on.
	Family IPFamily
	// DialDuration is how long the connection attempt took.
	DialDuration time.Duration
	// Description is a free-form diagnostic string (route, proxy, TLS info).
	Description string
}

// Transport is an ordered, reliable byte-frame duplex channel. One session
// owns exactly one Transport at a time. WriteFrame calls are serialized by
// the session; ReadFrame is driven by the session's single inbound reader.
type Transport interface {
	// ReadFrame blocks until the next inbound frame or a transport error.
	// A closed connection is reported as an error.
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrame sends one complete frame. Never interleaves partial frames.
	WriteFrame(ctx context.Context, data []byte) error
	// Close tears the connection down. Safe to call more than once.
	Close() error
	// Info returns the dial-time connection metadata.
	Info() ConnInfo
}

// ConnectOptions carries everything a Dialer needs for one attempt.
type ConnectOptions struct {
	// URL is the endpoint, e.g. "wss://chat.example.org/v1/connect".
	URL string
	// UserAgent is sent with the handshake.
	UserAgent string
	// Authorization is the credential presented to the server. Empty for
	// unauthenticated connects.
	Authorization string
	// ProxyURL routes the connection through a proxy when non-empty.
	ProxyURL string
}

// Dialer establishes Transports. Implementations classify their failures:
// unreachable hosts, TLS and proxy rejections surface as ErrConnectionFailed,
// bad parameters as ErrConfiguration.
type Dialer interface {
	Dial(ctx context.Context, opts ConnectOptions) (Transport, error)
}
