// Package storetest provides an in-memory Redis for tests.
package storetest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tokengate/tokengate/pkg/store"
)

// New starts a miniredis server and returns a Store connected to it. Both
// are closed when the test ends.
func New(t testing.TB) (*miniredis.Miniredis, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	s := store.NewFromClient(client, "tokengate:", zerolog.Nop())
	t.Cleanup(func() { _ = s.Close() })
	return mr, s
}

// FastRetry is a retry policy that gives up immediately, for tests that
// take the store down.
func FastRetry() store.RetryPolicy {
	return store.RetryPolicy{Attempts: 2, InitialBackoff: 0}
}
