package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokengate/tokengate/pkg/models"
)

// RetryPolicy bounds how hard an operation is retried against the store.
type RetryPolicy struct {
	Attempts       int           `yaml:"attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// OnRetry, when set, is called before each retry sleep.
	OnRetry func(op string, attempt int, err error) `yaml:"-"`
}

// DefaultRetryPolicy returns three attempts with 50ms doubling backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempts
// are exhausted. Exhaustion yields a *models.StoreUnavailableError.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.InitialBackoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(op, attempt, err)
		}
		select {
		case <-ctx.Done():
			return &models.StoreUnavailableError{Op: op, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return &models.StoreUnavailableError{Op: op, Err: err}
}

// Retryable reports whether err is an infrastructure failure worth retrying.
// Context cancellation, missing keys, and domain errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return false
	}
	var denial models.Denial
	if errors.As(err, &denial) {
		return false
	}
	var invalid *models.InvalidAmountError
	if errors.As(err, &invalid) {
		return false
	}
	return !IsServerError(err)
}

// transientReplies are the server error prefixes that clear up on their own.
var transientReplies = []string{"LOADING ", "READONLY ", "MASTERDOWN ", "TRYAGAIN ", "CLUSTERDOWN ", "BUSY ", "ERR max number of clients reached"}

// IsServerError reports whether err is an error reply from Redis, such as a
// failing Lua script, that retrying will not fix.
func IsServerError(err error) bool {
	var rerr redis.Error
	if !errors.As(err, &rerr) || errors.Is(err, redis.Nil) {
		return false
	}
	msg := rerr.Error()
	for _, p := range transientReplies {
		if strings.HasPrefix(msg, p) {
			return false
		}
	}
	return true
}
