package supervisor

import (
	"context"
	"fmt"
	"time"
)

// scheduleRestart implements the bounded exponential backoff: delays
// of 1, 2, 4, 8, 16 seconds (min(2^(attempts-1), 30)) across 5
// attempts, after which DESIRED permanently falls back to stopped.
func (sv *Supervisor) scheduleRestart() {
	sv.mu.Lock()
	if sv.restartPending || sv.desired != DesiredRunning {
		sv.mu.Unlock()
		return
	}
	sv.restartAttempts++
	attempt := sv.restartAttempts
	if attempt > MaxRestartAttempts {
		sv.desired = DesiredStopped
		msg := fmt.Sprintf("driver failed to stay up after %d attempts", MaxRestartAttempts)
		sv.lastFailure = &msg
		sv.restartAttempts = 0
		sv.persistDesiredLocked()
		sv.persistRuntimeLocked()
		sv.mu.Unlock()
		sv.onEvent("driver.permanent_failure", map[string]interface{}{"attempts": MaxRestartAttempts})
		return
	}

	delay := backoffDelay(attempt)
	sv.restartPending = true
	sv.persistRuntimeLocked()
	timer := time.AfterFunc(delay, func() { sv.runScheduledRestart() })
	sv.restartTimer = timer
	sv.mu.Unlock()

	sv.onEvent("driver.restart_scheduled", map[string]interface{}{
		"attempt":      attempt,
		"delay_ms":     delay.Milliseconds(),
		"max_attempts": MaxRestartAttempts,
	})
}

func (sv *Supervisor) runScheduledRestart() {
	sv.mu.Lock()
	sv.restartPending = false
	sv.persistRuntimeLocked()
	desired := sv.desired
	sv.mu.Unlock()

	if desired != DesiredRunning {
		return
	}
	sv.doStartBlocking(context.Background())
}

// backoffDelay returns min(2^(attempt-1), 30) seconds.
func backoffDelay(attempt int) time.Duration {
	secs := 1 << uint(attempt-1)
	if secs > 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}
