// Package supervisor owns the lifetime of the driver child process: it
// spawns it, performs the mutual handshake, runs heartbeats, reconciles
// unexpected exits, and applies a bounded-attempt exponential-backoff
// restart policy.
package supervisor

import (
	"context"
	"time"
)

// Desired and Actual states form a two-axis machine: Desired reflects
// what the caller asked for, Actual reflects what's observed.
const (
	DesiredRunning = "running"
	DesiredStopped = "stopped"

	ActualAbsent    = "absent"
	ActualStarting  = "starting"
	ActualConnected = "connected"
	ActualStopping  = "stopping"
	ActualExited    = "exited"
)

// MaxRestartAttempts is the bounded-attempt ceiling before permanent
// failure.
const MaxRestartAttempts = 5

// EventFunc reports a lifecycle event to whatever fans it out to
// clients.
type EventFunc func(eventType string, payload interface{})

// DiskResolver resolves an OCI image reference named by disk.path into
// a local file path before the driver is spawned. Supplied by
// internal/diskimage; nil disables image-reference disk paths.
type DiskResolver interface {
	Resolve(ctx context.Context, ref string, sizeHintMiB *int) (string, error)
}

// NetStack is a running shared-network-mode backend instance.
type NetStack interface {
	Stop() error
}

// NetStackFactory starts a NetStack bound to socketPath. Supplied by
// internal/netstack; nil disables network.mode == "shared".
type NetStackFactory interface {
	Start(ctx context.Context, socketPath string) (NetStack, error)
}

// DesiredState is the persisted desired_state.json document.
type DesiredState struct {
	Desired            string    `json:"desired"`
	LastFailure        *string   `json:"lastFailure,omitempty"`
	MaxRestartAttempts int       `json:"maxRestartAttempts"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// RuntimeState is the persisted, observational-only daemon_state.json
// document.
type RuntimeState struct {
	Desired          string  `json:"desired"`
	Actual           string  `json:"actual"`
	RestartAttempts  int     `json:"restartAttempts"`
	RestartPending   bool    `json:"restartPending"`
	DriverPid        *int    `json:"driverPid,omitempty"`
	DriverSocketPath *string `json:"driverSocketPath,omitempty"`
	LastFailure      *string `json:"lastFailure,omitempty"`
}

// Status is the snapshot returned to vm.status / vm.start / vm.stop.
type Status struct {
	Desired            string  `json:"desired"`
	Actual             string  `json:"actual"`
	RestartAttempts    int     `json:"restartAttempts"`
	RestartPending     bool    `json:"restartPending"`
	MaxRestartAttempts int     `json:"maxRestartAttempts"`
	DriverPid          *int    `json:"driverPid,omitempty"`
	DriverSocketPath   *string `json:"driverSocketPath,omitempty"`
	LastFailure        *string `json:"lastFailure,omitempty"`
}

// Doctor is the diagnostics snapshot returned by the doctor method.
type Doctor struct {
	DriverBinPath      string `json:"driverBinPath"`
	DriverBinExists    bool   `json:"driverBinExists"`
	DriverSocketPath   string `json:"driverSocketPath"`
	DriverSocketExists bool   `json:"driverSocketExists"`
	StateDir           string `json:"stateDir"`
	StateDirExists     bool   `json:"stateDirExists"`
	ImageCacheDir      string `json:"imageCacheDir,omitempty"`
	NetworkState       string `json:"networkState"`
	Status             Status `json:"status"`
}
