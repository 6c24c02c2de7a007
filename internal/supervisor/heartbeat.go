package supervisor

import (
	"context"
	"time"

	"github.com/gaovm/gaovm/internal/rpc"
)

// startHeartbeat pings the driver every heartbeatPeriod. A failed ping
// records lastFailure but does not itself tear down the channel — a
// true liveness loss surfaces as a channel close, handled by
// watchExit/recvLoop's own error path instead.
func (sv *Supervisor) startHeartbeat(ch *rpc.Channel) {
	go func() {
		ticker := time.NewTicker(heartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ch.Done():
				return
			case <-ticker.C:
				sv.doHeartbeat(ch)
			}
		}
	}()
}

func (sv *Supervisor) doHeartbeat(ch *rpc.Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), heartbeatTimeout)
	defer cancel()
	_, rpcErr, err := ch.Call(ctx, "ping", nil)
	if err != nil || rpcErr != nil {
		msg := "heartbeat ping failed"
		if err != nil {
			msg = "heartbeat ping failed: " + err.Error()
		} else if rpcErr != nil {
			msg = "heartbeat ping failed: " + rpcErr.Message
		}
		sv.mu.Lock()
		sv.lastFailure = &msg
		sv.mu.Unlock()
	}
}
