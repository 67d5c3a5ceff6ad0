package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatlink/internal/domain"
)

// pendingEntry tracks one in-flight request awaiting its correlated response.
// The completion slot (resp/err) is written exactly once, under the table
// lock, before done is closed.
type pendingEntry struct {
	id       uint64
	req      domain.Request
	deadline time.Time

	done chan struct{}
	resp *domain.Response
	err  error
}

// pendingTable owns every in-flight request of one session. Ids are assigned
// monotonically and never reused within a session.
type pendingTable struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*pendingEntry
	drained bool
	logger  *slog.Logger
	now     func() time.Time
}

func newPendingTable(logger *slog.Logger) *pendingTable {
	return &pendingTable{
		entries: make(map[uint64]*pendingEntry),
		logger:  logger,
		now:     time.Now,
	}
}

// submit assigns a fresh id and stores an entry with deadline = now + timeout.
// Returns immediately; completion follows asynchronously through resolve,
// expireDue, or drainAll. Once the table has drained, submit fails outright:
// a request that slipped past the session's state check during teardown
// would otherwise sit in a table nothing ever completes.
func (t *pendingTable) submit(req domain.Request) (*pendingEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.drained {
		return nil, domain.NewSessionError("Session.Send", domain.ErrConnectionClosed, "session tearing down")
	}

	t.nextID++
	e := &pendingEntry{
		id:       t.nextID,
		req:      req,
		deadline: t.now().Add(req.Timeout),
		done:     make(chan struct{}),
	}
	t.entries[e.id] = e
	return e, nil
}

// resolve completes the entry if it is still pending. An unknown id (already
// timed out, drained, or a duplicate response frame) is logged and ignored;
// the caller who received the first result is unaffected.
func (t *pendingTable) resolve(id uint64, resp *domain.Response) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		t.logger.Debug("response for unknown request id", "request_id", id)
		return
	}
	delete(t.entries, id)
	e.resp = resp
	close(e.done)
}

// fail completes the entry with err if it is still pending.
func (t *pendingTable) fail(id uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failLocked(id, err)
}

func (t *pendingTable) failLocked(id uint64, err error) {
	e, ok := t.entries[id]
	if !ok {
		return
	}
	delete(t.entries, id)
	e.err = err
	close(e.done)
}

// await suspends until the entry resolves, times out, or the session drains
// it. A canceled caller context abandons only this caller's wait.
func (t *pendingTable) await(ctx context.Context, e *pendingEntry) (*domain.Response, error) {
	select {
	case <-e.done:
		return e.resp, e.err
	case <-ctx.Done():
		t.fail(e.id, domain.WrapOp("Session.Send", ctx.Err()))
		<-e.done
		return e.resp, e.err
	}
}

// expireDue fails every entry whose deadline has passed. Invoked on a timer
// tick; timeout is measured from submission, not from last activity.
func (t *pendingTable) expireDue(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, e := range t.entries {
		if now.After(e.deadline) {
			t.logger.Debug("request deadline exceeded", "request_id", id)
			t.failLocked(id, domain.NewSessionError("Session.Send", domain.ErrConnectionTimeout, ""))
		}
	}
}

// drainAll fails every outstanding entry with err and latches the table
// shut: later submits fail immediately. Used on disconnect so no request
// hangs past session teardown; after drainAll returns, no entry submitted
// before the call can resolve successfully.
func (t *pendingTable) drainAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.drained = true
	for id := range t.entries {
		t.failLocked(id, err)
	}
}

// size reports the number of in-flight entries.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
