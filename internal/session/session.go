// Package session implements the chat session protocol engine: it owns one
// duplex connection, correlates request/response exchanges under timeout,
// routes server pushes to a single listener, and tracks connection health
// across reconnect attempts.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chatlink/internal/domain"
	"chatlink/internal/infra/tracer"
)

// State is the session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Default session tuning.
const (
	defaultRequestTimeout = 10 * time.Second
	defaultExpireInterval = 50 * time.Millisecond
)

// Config holds the session's environment surface, fixed at factory time.
type Config struct {
	// EndpointURL is the server endpoint, e.g. "wss://chat.example.org/chat".
	EndpointURL string
	// UserAgent is presented during the handshake.
	UserAgent string
	// AuthToken is the credential used by ConnectAuthenticated.
	AuthToken string
	// RequestTimeout applies to requests submitted without one.
	RequestTimeout time.Duration
	// ExpireInterval is the tick period for request deadline sweeps.
	ExpireInterval time.Duration
	// Reconnect tunes the implicit reconnection loop.
	Reconnect ReconnectConfig
}

// Deps carries the session's collaborators.
type Deps struct {
	Dialer domain.Dialer
	Logger *slog.Logger
	Config Config
}

// Session owns one chat connection and its in-flight request/event state.
// All exported methods are safe for concurrent use.
type Session struct {
	id     string
	dialer domain.Dialer
	logger *slog.Logger
	cfg    Config

	pending  *pendingTable
	dispatch *dispatcher
	recon    *reconnector

	// writeMu serializes frames at the transport write boundary.
	writeMu sync.Mutex

	mu            sync.Mutex
	state         State
	proxy         *proxyConfig
	transport     domain.Transport
	connCancel    context.CancelFunc
	epoch         string
	authorization string
	reconnects    uint64
	lastInfo      domain.ConnInfo

	wg sync.WaitGroup
}

// New builds an idle session. Connect must be called before any send.
func New(deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ExpireInterval <= 0 {
		cfg.ExpireInterval = defaultExpireInterval
	}

	id := newULID()
	logger = logger.With("session_id", id)

	return &Session{
		id:       id,
		dialer:   deps.Dialer,
		logger:   logger,
		cfg:      cfg,
		pending:  newPendingTable(logger),
		dispatch: newDispatcher(logger),
		recon:    newReconnector(cfg.Reconnect, logger),
		state:    StateIdle,
	}
}

// ID returns the session identifier used in logs and diagnostics.
func (s *Session) ID() string { return s.id }

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetListener installs l as the session's single push listener, replacing
// and releasing any previous one. Passing nil clears dispatch entirely.
func (s *Session) SetListener(l domain.Listener) {
	s.dispatch.SetListener(l)
}

// ConnectAuthenticated opens the connection presenting the configured
// credential.
func (s *Session) ConnectAuthenticated(ctx context.Context) error {
	return s.connect(ctx, s.cfg.AuthToken)
}

// ConnectUnauthenticated opens the connection without credentials. Identical
// state-machine mechanics to the authenticated entry point.
func (s *Session) ConnectUnauthenticated(ctx context.Context) error {
	return s.connect(ctx, "")
}

func (s *Session) connect(ctx context.Context, authorization string) error {
	ctx, span := tracer.StartSpan(ctx, "session.connect")
	defer span.End()

	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		err := domain.NewSessionError("Session.Connect", domain.ErrServiceInactive,
			"connect from state "+state.String())
		tracer.RecordError(span, err)
		return err
	}
	s.state = StateConnecting
	s.authorization = authorization
	opts := s.connectOptsLocked()
	s.mu.Unlock()

	res, err := s.dialOnce(ctx, opts)

	s.mu.Lock()
	if s.state != StateConnecting {
		// Disconnect raced the dial; the session is already torn down and
		// must not be resurrected by a late dial result.
		state := s.state
		s.mu.Unlock()
		if res.transport != nil {
			_ = res.transport.Close()
		}
		cerr := domain.NewSessionError("Session.Connect", domain.ErrConnectionClosed,
			"session closed during connect, state "+state.String())
		tracer.RecordError(span, cerr)
		return cerr
	}
	s.lastInfo = res.info
	if err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		s.logger.Error("connect failed", "error", err, "elapsed", res.info.DialDuration)
		tracer.RecordError(span, err)
		return err
	}
	s.installTransportLocked(res.transport)
	epoch := s.epoch
	s.mu.Unlock()

	s.logger.Info("connected",
		"remote", res.info.RemoteAddr,
		"family", string(res.info.Family),
		"elapsed", res.info.DialDuration,
		"authenticated", authorization != "",
		"epoch", epoch,
	)
	tracer.SetOK(span)
	return nil
}

// installTransportLocked wires a freshly dialed transport into the session
// and starts the per-connection goroutines. Caller holds s.mu.
func (s *Session) installTransportLocked(tr domain.Transport) {
	s.transport = tr
	s.state = StateConnected
	s.epoch = newULID()

	connCtx, cancel := context.WithCancel(context.Background())
	s.connCancel = cancel

	s.wg.Add(2)
	go s.readLoop(connCtx)
	go s.expireLoop(connCtx)
}

// dialOnce performs a single connection attempt, always recording how long
// it took so DebugInfo reflects failures too.
func (s *Session) dialOnce(ctx context.Context, opts domain.ConnectOptions) (dialResult, error) {
	start := time.Now()
	tr, err := s.dialer.Dial(ctx, opts)
	elapsed := time.Since(start)

	if err != nil {
		return dialResult{info: domain.ConnInfo{
			Family:       domain.IPFamilyUnknown,
			DialDuration: elapsed,
			Description:  "dial failed: " + err.Error(),
		}}, s.classifyDialError(err)
	}

	info := tr.Info()
	info.DialDuration = elapsed
	if info.Family == "" {
		info.Family = domain.IPFamilyUnknown
	}
	return dialResult{transport: tr, info: info}, nil
}

func (s *Session) classifyDialError(err error) error {
	switch domain.ErrorCodeOf(err) {
	case domain.CodeConfiguration, domain.CodeConnectionFailed:
		return err
	default:
		return domain.NewSessionError("Session.Connect", domain.ErrConnectionFailed, err.Error())
	}
}

// connectOptsLocked snapshots endpoint, credential, and proxy atomically so
// a concurrent SetProxy is never observed half applied. Caller holds s.mu.
func (s *Session) connectOptsLocked() domain.ConnectOptions {
	opts := domain.ConnectOptions{
		URL:           s.cfg.EndpointURL,
		UserAgent:     s.cfg.UserAgent,
		Authorization: s.authorization,
	}
	if s.proxy != nil {
		opts.ProxyURL = s.proxy.url()
	}
	return opts
}

// Send submits a request over the connected session and suspends until its
// correlated response arrives, its deadline passes, or the session
// disconnects. Responses are delivered to the awaiting caller only; requests
// in flight resolve independently of each other.
func (s *Session) Send(ctx context.Context, req domain.Request) (*domain.Response, error) {
	ctx, span := tracer.StartSpan(ctx, "session.send")
	defer span.End()

	if req.Method == "" {
		err := domain.NewSessionError("Session.Send", domain.ErrConfiguration, "request method must not be empty")
		tracer.RecordError(span, err)
		return nil, err
	}
	if req.Timeout <= 0 {
		req.Timeout = s.cfg.RequestTimeout
	}

	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		err := domain.NewSessionError("Session.Send", domain.ErrServiceInactive,
			"send in state "+state.String())
		tracer.RecordError(span, err)
		return nil, err
	}
	tr := s.transport
	s.mu.Unlock()

	entry, err := s.pending.submit(req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.IntAttr("request_id", int(entry.id)))

	data, err := EncodeRequest(entry.id, req)
	if err != nil {
		s.pending.fail(entry.id, err)
		tracer.RecordError(span, err)
		return nil, err
	}

	if err := s.writeFrame(ctx, tr, data); err != nil {
		werr := domain.NewSessionError("Session.Send", domain.ErrConnectionClosed, err.Error())
		s.pending.fail(entry.id, werr)
		tracer.RecordError(span, werr)
		return nil, werr
	}

	resp, err := s.pending.await(ctx, entry)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return resp, nil
}

// writeFrame serializes all writes at the transport boundary so concurrent
// senders never interleave partial frames.
func (s *Session) writeFrame(ctx context.Context, tr domain.Transport, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return tr.WriteFrame(ctx, data)
}

// Disconnect tears the session down: every outstanding request fails with a
// connection-closed error atomically with the state transition, the listener
// is released, and the transport closes. Idempotent; disconnecting a closed
// session is a no-op success.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateIdle:
		// Nothing was ever dialed; no goroutines or transport to tear down.
		s.state = StateClosed
		s.mu.Unlock()
		s.dispatch.Close()
		return nil
	}

	// Connected, Connecting, Disconnecting, and Failed all run the full
	// teardown: a failed session still owns its dead transport and the
	// per-connection goroutines.

	s.state = StateDisconnecting
	cancel := s.connCancel
	tr := s.transport
	// No entry submitted before this point may resolve successfully from
	// here on: the table drains inside the same critical section as the
	// state transition.
	s.pending.drainAll(domain.NewSessionError("Session.Disconnect", domain.ErrConnectionClosed, ""))
	s.mu.Unlock()

	s.dispatch.Close()
	if cancel != nil {
		cancel()
	}
	if tr != nil {
		if err := tr.Close(); err != nil {
			s.logger.Debug("transport close", "error", err)
		}
	}
	s.wg.Wait()

	s.mu.Lock()
	s.transport = nil
	s.state = StateClosed
	s.mu.Unlock()

	s.logger.Info("disconnected")
	return nil
}

// DebugInfo returns a fresh snapshot of connection health metadata. Valid in
// any state; never blocks on I/O.
func (s *Session) DebugInfo() domain.DebugInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	family := s.lastInfo.Family
	if family == "" {
		family = domain.IPFamilyUnknown
	}
	return domain.DebugInfo{
		ReconnectCount:     s.reconnects,
		IPFamily:           family,
		LastConnectSeconds: s.lastInfo.DialDuration.Seconds(),
		ConnectionInfo:     s.lastInfo.Description,
	}
}

// readLoop is the connection's single inbound-frame reader. It survives
// transparent reconnects; it exits when the session leaves connected intent
// or reconnection gives up.
func (s *Session) readLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		tr := s.transport
		s.mu.Unlock()
		if tr == nil {
			return
		}

		data, err := tr.ReadFrame(ctx)
		if err != nil {
			if !s.handleReadError(ctx, err) {
				return
			}
			continue
		}
		s.route(ctx, data)
	}
}

// handleReadError decides whether a failed read is a deliberate teardown
// (stop), an unrecoverable failure (fail the session, stop), or a transient
// loss to reconnect from (continue with a fresh transport).
func (s *Session) handleReadError(ctx context.Context, readErr error) bool {
	s.mu.Lock()
	if s.state != StateConnected || ctx.Err() != nil {
		// Disconnect in progress; it owns the cleanup.
		s.mu.Unlock()
		return false
	}

	if !s.cfg.Reconnect.Enabled {
		s.failLocked(readErr)
		s.mu.Unlock()
		s.dispatch.Close()
		return false
	}

	// Reconnecting is a sub-state of connecting with a visible counter.
	s.state = StateConnecting
	opts := s.connectOptsLocked()
	old := s.transport
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	s.logger.Warn("connection lost, reconnecting", "error", readErr)

	for {
		s.mu.Lock()
		if s.state != StateConnecting || ctx.Err() != nil {
			// Disconnect raced the reconnect loop.
			s.mu.Unlock()
			return false
		}
		s.reconnects++
		attempt := s.reconnects
		s.mu.Unlock()

		res, err := s.recon.redial(ctx, func(ctx context.Context) (dialResult, error) {
			return s.dialOnce(ctx, opts)
		})

		s.mu.Lock()
		if s.state != StateConnecting {
			// Disconnect raced the redial; drop whatever we dialed.
			s.mu.Unlock()
			if res.transport != nil {
				_ = res.transport.Close()
			}
			return false
		}
		s.lastInfo = res.info
		if err != nil {
			if errors.Is(err, errRedialGaveUp) || ctx.Err() != nil {
				s.failLocked(err)
				s.mu.Unlock()
				s.dispatch.Close()
				return false
			}
			s.mu.Unlock()
			s.logger.Warn("redial failed", "attempt", attempt, "error", err)
			continue
		}
		s.transport = res.transport
		s.state = StateConnected
		s.epoch = newULID()
		epoch := s.epoch
		s.mu.Unlock()

		s.logger.Info("reconnected",
			"attempt", attempt,
			"remote", res.info.RemoteAddr,
			"elapsed", res.info.DialDuration,
			"epoch", epoch,
		)
		return true
	}
}

// failLocked moves the session to the failed terminal state and drains the
// pending table. Caller holds s.mu and must close the dispatcher after
// unlocking; closing it here could deadlock against a listener callback
// that is itself calling into the session.
func (s *Session) failLocked(cause error) {
	s.state = StateFailed
	s.pending.drainAll(domain.NewSessionError("Session", domain.ErrConnectionClosed, cause.Error()))
	s.logger.Error("session failed", "error", cause)
}

// route classifies one inbound frame. Response frames resolve the pending
// table, event frames go to the dispatcher, and malformed frames are logged
// and dropped without any addressee.
func (s *Session) route(ctx context.Context, data []byte) {
	df, err := DecodeFrame(data)
	if err != nil {
		s.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	switch df.kind {
	case kindResponse:
		s.pending.resolve(df.id, df.response)
	case kindEvent:
		ts := df.timestamp
		s.dispatch.Deliver(domain.IncomingEvent{
			Payload:         df.payload,
			ServerTimestamp: ts,
			Ack: domain.NewAckToken(func(ackCtx context.Context) error {
				return s.sendAck(ackCtx, ts)
			}),
		})
	case kindQueueEmpty:
		s.dispatch.DeliverQueueEmpty()
	}
}

// sendAck writes a fire-and-forget acknowledgment frame. It carries no
// correlation id; the server does not answer it.
func (s *Session) sendAck(ctx context.Context, timestamp uint64) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return domain.NewSessionError("Session.ack", domain.ErrServiceInactive, "")
	}
	tr := s.transport
	s.mu.Unlock()

	data, err := EncodeAck(timestamp)
	if err != nil {
		return err
	}
	return domain.WrapOp("Session.ack", s.writeFrame(ctx, tr, data))
}

// expireLoop sweeps the pending table for overdue requests.
func (s *Session) expireLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ExpireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.pending.expireDue(now)
		}
	}
}

func newULID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
