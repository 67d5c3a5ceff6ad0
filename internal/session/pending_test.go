package session

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/domain"
)

func newTestTable() *pendingTable {
	return newPendingTable(slog.Default())
}

func TestPendingTable_MonotonicIDs(t *testing.T) {
	table := newTestTable()

	a, err := table.submit(domain.Request{Method: "GET", Timeout: time.Second})
	require.NoError(t, err)
	b, err := table.submit(domain.Request{Method: "GET", Timeout: time.Second})
	require.NoError(t, err)
	c, err := table.submit(domain.Request{Method: "GET", Timeout: time.Second})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), a.id)
	assert.Equal(t, uint64(2), b.id)
	assert.Equal(t, uint64(3), c.id)
	assert.Equal(t, 3, table.size())
}

func TestPendingTable_ResolveCompletesOnlyItsEntry(t *testing.T) {
	table := newTestTable()
	a, err := table.submit(domain.Request{Method: "GET", Timeout: time.Second})
	require.NoError(t, err)
	b, err := table.submit(domain.Request{Method: "GET", Timeout: time.Second})
	require.NoError(t, err)

	table.resolve(b.id, &domain.Response{Status: 201})

	resp, err := table.await(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, uint16(201), resp.Status)

	// a is still outstanding.
	assert.Equal(t, 1, table.size())
	select {
	case <-a.done:
		t.Fatal("unrelated entry completed")
	default:
	}
}

func TestPendingTable_ResolveUnknownIDIgnored(t *testing.T) {
	table := newTestTable()
	e, err := table.submit(domain.Request{Method: "GET", Timeout: time.Second})
	require.NoError(t, err)

	table.resolve(999, &domain.Response{Status: 200})

	assert.Equal(t, 1, table.size())
	select {
	case <-e.done:
		t.Fatal("entry completed by unknown-id resolve")
	default:
	}
}

func TestPendingTable_DuplicateResolveIgnored(t *testing.T) {
	table := newTestTable()
	e, err := table.submit(domain.Request{Method: "GET", Timeout: time.Second})
	require.NoError(t, err)

	table.resolve(e.id, &domain.Response{Status: 200})
	// A duplicate response frame for the same id must not panic or
	// overwrite the first result.
	table.resolve(e.id, &domain.Response{Status: 500})

	resp, err := table.await(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, uint16(200), resp.Status)
}

func TestPendingTable_ExpireDue(t *testing.T) {
	table := newTestTable()
	base := time.Now()
	table.now = func() time.Time { return base }

	short, err := table.submit(domain.Request{Method: "GET", Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	long, err := table.submit(domain.Request{Method: "GET", Timeout: time.Hour})
	require.NoError(t, err)

	table.expireDue(base.Add(time.Second))

	_, err = table.await(context.Background(), short)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectionTimeout)

	assert.Equal(t, 1, table.size())
	select {
	case <-long.done:
		t.Fatal("entry within deadline expired")
	default:
	}
}

func TestPendingTable_DrainAll(t *testing.T) {
	table := newTestTable()
	cause := domain.NewSessionError("Session.Disconnect", domain.ErrConnectionClosed, "")

	entries := make([]*pendingEntry, 5)
	for i := range entries {
		var err error
		entries[i], err = table.submit(domain.Request{Method: "GET", Timeout: time.Hour})
		require.NoError(t, err)
	}

	table.drainAll(cause)

	assert.Zero(t, table.size())
	for _, e := range entries {
		_, err := table.await(context.Background(), e)
		assert.ErrorIs(t, err, domain.ErrConnectionClosed)
	}
}

func TestPendingTable_SubmitAfterDrainFails(t *testing.T) {
	table := newTestTable()
	cause := domain.NewSessionError("Session.Disconnect", domain.ErrConnectionClosed, "")
	table.drainAll(cause)

	// A drain marks the table closed for good; a submit that lost the
	// race against teardown must fail instead of parking an entry that
	// nobody will ever complete.
	e, err := table.submit(domain.Request{Method: "GET", Timeout: time.Hour})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
	assert.Nil(t, e)
	assert.Zero(t, table.size())
}

func TestPendingTable_AwaitHonorsContext(t *testing.T) {
	table := newTestTable()
	e, err := table.submit(domain.Request{Method: "GET", Timeout: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = table.await(ctx, e)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, table.size(), "abandoned entry is removed")
}

func TestPendingTable_ResolveBeatsContextCancel(t *testing.T) {
	table := newTestTable()
	e, err := table.submit(domain.Request{Method: "GET", Timeout: time.Hour})
	require.NoError(t, err)
	table.resolve(e.id, &domain.Response{Status: 200})

	// The entry already completed; a dead context must not clobber it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Even if the select picks the ctx branch, fail is a no-op on a
	// completed entry and the stored result is returned.
	resp, err := table.await(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, uint16(200), resp.Status)
}
