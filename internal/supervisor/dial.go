package supervisor

import (
	"context"
	"fmt"
	"net"
	"time"
)

// dialWithRetry connects to a unix socket, retrying every interval
// until deadline elapses.
func dialWithRetry(ctx context.Context, path string, interval, deadline time.Duration) (net.Conn, error) {
	deadlineAt := time.Now().Add(deadline)
	var lastErr error
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if time.Now().After(deadlineAt) {
			return nil, fmt.Errorf("connect to %s: timed out after %s: %w", path, deadline, lastErr)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
