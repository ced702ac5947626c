package testutil

import (
	"testing"
	"time"
)

// Eventually polls fn until it returns nil or timeout passes, then fails t
// with the last error seen.
func Eventually(t testing.TB, timeout time.Duration, interval time.Duration, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		lastErr = fn()
		if lastErr == nil {
			return
		}
		time.Sleep(interval)
	}

	if lastErr != nil {
		t.Fatalf("condition not met after %s: %v", timeout, lastErr)
	}
	t.Fatalf("condition not met before timeout")
}
