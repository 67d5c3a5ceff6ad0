package domain

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderValue(t *testing.T) {
	headers := []Header{
		{Name: "content-type", Value: "application/json"},
		{Name: "x-retry", Value: "1"},
		{Name: "x-retry", Value: "2"}, // first match wins
	}

	v, ok := HeaderValue(headers, "x-retry")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	// Case-sensitive: no canonicalization happens.
	_, ok = HeaderValue(headers, "Content-Type")
	assert.False(t, ok)

	_, ok = HeaderValue(nil, "anything")
	assert.False(t, ok)
}

func TestAckToken_OneShot(t *testing.T) {
	calls := 0
	token := NewAckToken(func(_ context.Context) error {
		calls++
		return nil
	})

	assert.NoError(t, token.Ack(context.Background()))
	assert.Equal(t, 1, calls)

	err := token.Ack(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyAcknowledged)
	assert.Equal(t, 1, calls, "action must not run twice")
}

func TestAckToken_FirstErrorDoesNotRearm(t *testing.T) {
	boom := errors.New("write failed")
	token := NewAckToken(func(_ context.Context) error { return boom })

	assert.ErrorIs(t, token.Ack(context.Background()), boom)
	// The token was consumed even though the action failed.
	assert.ErrorIs(t, token.Ack(context.Background()), ErrAlreadyAcknowledged)
}

func TestAckToken_NilFunc(t *testing.T) {
	token := NewAckToken(nil)
	assert.NoError(t, token.Ack(context.Background()))
	assert.ErrorIs(t, token.Ack(context.Background()), ErrAlreadyAcknowledged)
}

func TestAckToken_ConcurrentAck(t *testing.T) {
	calls := 0
	var callsMu sync.Mutex
	token := NewAckToken(func(_ context.Context) error {
		callsMu.Lock()
		calls++
		callsMu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = token.Ack(context.Background())
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyAcknowledged)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one Ack wins")
	assert.Equal(t, 1, calls)
}
