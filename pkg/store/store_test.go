package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/pkg/models"
	"github.com/tokengate/tokengate/pkg/store"
	"github.com/tokengate/tokengate/pkg/store/storetest"
)

func TestNewPings(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := store.DefaultConfig()
	cfg.URL = "redis://" + mr.Addr()

	s, err := store.New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, "tokengate:session:abc", s.Keys().Session("abc"))
	assert.Equal(t, "tokengate:session:abc:holds", s.Keys().Holds("abc"))
	assert.Equal(t, "tokengate:anomaly:abc:fingerprints", s.Keys().Fingerprints("abc"))
}

func TestNewBadURL(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.URL = "://nope"
	_, err := store.New(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestCloseTwice(t *testing.T) {
	_, s := storetest.New(t)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestRetrySucceedsAfterTransientErrors(t *testing.T) {
	p := store.RetryPolicy{Attempts: 3, InitialBackoff: time.Millisecond}
	var retried []int
	p.OnRetry = func(op string, attempt int, err error) {
		assert.Equal(t, "reserve", op)
		retried = append(retried, attempt)
	}

	calls := 0
	err := p.Do(context.Background(), "reserve", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryExhaustedIsStoreUnavailable(t *testing.T) {
	p := store.RetryPolicy{Attempts: 2, InitialBackoff: time.Millisecond}
	cause := errors.New("dial tcp: refused")

	err := p.Do(context.Background(), "commit", func(context.Context) error { return cause })

	var su *models.StoreUnavailableError
	require.ErrorAs(t, err, &su)
	assert.Equal(t, "commit", su.Op)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, models.CodeStoreUnavailable, su.Code())
}

func TestRetryStopsOnDomainError(t *testing.T) {
	p := store.DefaultRetryPolicy()
	calls := 0
	denial := &models.BudgetExceededError{SessionID: "s", Budget: 1, Remaining: 0, Required: 2}

	err := p.Do(context.Background(), "reserve", func(context.Context) error {
		calls++
		return denial
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, denial, err)
}

// replyError stands in for an error reply read off the wire.
type replyError string

func (e replyError) Error() string { return string(e) }
func (replyError) RedisError()     {}

func TestRetryStopsOnScriptError(t *testing.T) {
	mr, s := storetest.New(t)
	require.NoError(t, mr.Set("counter", "abc"))
	p := store.RetryPolicy{Attempts: 3, InitialBackoff: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), "reserve", func(ctx context.Context) error {
		calls++
		return s.Client().Eval(ctx, "return redis.call('INCR', KEYS[1])", []string{"counter"}).Err()
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, store.IsServerError(err))
	var su *models.StoreUnavailableError
	assert.False(t, errors.As(err, &su), "a script error is not an outage")
}

func TestRetryableServerReplies(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
	}{
		{replyError("ERR Error running script: user_script:1: attempt to compare nil with number"), false},
		{replyError("WRONGTYPE Operation against a key holding the wrong kind of value"), false},
		{replyError("NOSCRIPT No matching script"), false},
		{replyError("LOADING Redis is loading the dataset in memory"), true},
		{replyError("READONLY You can't write against a read only replica."), true},
		{replyError("TRYAGAIN Multiple keys request during rehashing of slot"), true},
		{replyError("BUSY Redis is busy running a script"), true},
		{errors.New("dial tcp 127.0.0.1:6379: connect: connection refused"), true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.retryable, store.Retryable(tt.err), tt.err.Error())
	}
	assert.False(t, store.IsServerError(errors.New("i/o timeout")))
}

func TestRetryHonorsCancellation(t *testing.T) {
	p := store.RetryPolicy{Attempts: 5, InitialBackoff: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, "reserve", func(context.Context) error {
		calls++
		cancel()
		return errors.New("i/o timeout")
	})
	var su *models.StoreUnavailableError
	require.ErrorAs(t, err, &su)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestReplyConversions(t *testing.T) {
	r := store.Reply{"ok", int64(42), "17", nil}
	assert.Equal(t, "ok", r.Str(0))
	n, err := r.Int(1)
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)
	n, err = r.Int(2)
	require.NoError(t, err)
	assert.EqualValues(t, 17, n)
	n, err = r.Int(3)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = r.Int(9)
	assert.Error(t, err)
	assert.Equal(t, "", r.Str(9))
}
