package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gaovm/gaovm/internal/logsink"
	"github.com/gaovm/gaovm/internal/rpc"
	"github.com/gaovm/gaovm/internal/vmconfig"
)

// DriverCapabilities enumerates the capability set the daemon requires
// the driver to support.
var DriverCapabilities = []string{"hello", "ping"}

const (
	helloTimeout     = 5 * time.Second
	heartbeatPeriod  = 5 * time.Second
	heartbeatTimeout = 5 * time.Second
	driverExecTimeout = 5 * time.Second
	connectRetryEvery = 200 * time.Millisecond
	connectDeadline   = 10 * time.Second
	reconcileInterval = 5 * time.Second

	stopRequestWait = 500 * time.Millisecond
	stopTermWait    = 2 * time.Second
	stopKillWait    = 2 * time.Second
)

// Config wires a Supervisor to its collaborators.
type Config struct {
	StateDir        string
	DriverBin       string
	ConfigStore     *vmconfig.Store
	OnEvent         EventFunc
	Log             *logsink.Sink
	DiskResolver    DiskResolver    // nil disables OCI-reference disk paths
	NetStackFactory NetStackFactory // nil disables network.mode == "shared"
	ImageCacheDir   string          // reported by doctor; purely informational here
}

// Supervisor owns at most one driver child process.
type Supervisor struct {
	stateDir         string
	runDir           string
	driverBin        string
	driverSocketPath string
	desiredPath      string
	runtimePath      string
	configStore      *vmconfig.Store
	onEvent          EventFunc
	log              *logsink.Sink
	diskResolver     DiskResolver
	netFactory       NetStackFactory
	imageCacheDir    string

	mu              sync.Mutex
	desired         string
	actual          string
	restartAttempts int
	restartPending  bool
	restartTimer    *time.Timer
	lastFailure     *string
	driverPid       *int
	authToken       string
	channel         *rpc.Channel
	proc            *processHandle
	netHandle       NetStack
	stopping        bool
	startWait       chan struct{}
	stopWait        chan struct{}

	reconcileStop chan struct{}
}

// New constructs a Supervisor and loads any persisted desired state.
func New(cfg Config) (*Supervisor, error) {
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(string, interface{}) {}
	}
	runDir := filepath.Join(cfg.StateDir, "run")
	sv := &Supervisor{
		stateDir:         cfg.StateDir,
		runDir:           runDir,
		driverBin:        cfg.DriverBin,
		driverSocketPath: filepath.Join(runDir, "driver.sock"),
		desiredPath:      filepath.Join(cfg.StateDir, "desired_state.json"),
		runtimePath:      filepath.Join(cfg.StateDir, "daemon_state.json"),
		configStore:      cfg.ConfigStore,
		onEvent:          cfg.OnEvent,
		log:              cfg.Log,
		diskResolver:     cfg.DiskResolver,
		netFactory:       cfg.NetStackFactory,
		imageCacheDir:    cfg.ImageCacheDir,
		desired:          DesiredStopped,
		actual:           ActualAbsent,
		reconcileStop:    make(chan struct{}),
	}

	var ds DesiredState
	if err := readJSONIfExists(sv.desiredPath, &ds); err != nil {
		return nil, fmt.Errorf("load desired state: %w", err)
	}
	if ds.Desired == DesiredRunning {
		sv.desired = DesiredRunning
	}
	sv.lastFailure = ds.LastFailure

	go sv.reconcileLoop()
	return sv, nil
}

// Status returns a point-in-time snapshot.
func (sv *Supervisor) Status() Status {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.statusLocked()
}

func (sv *Supervisor) statusLocked() Status {
	return Status{
		Desired:            sv.desired,
		Actual:             sv.actual,
		RestartAttempts:    sv.restartAttempts,
		RestartPending:     sv.restartPending,
		MaxRestartAttempts: MaxRestartAttempts,
		DriverPid:          sv.driverPid,
		DriverSocketPath:   strPtr(sv.driverSocketPath),
		LastFailure:        sv.lastFailure,
	}
}

// Doctor returns a diagnostics snapshot.
func (sv *Supervisor) Doctor() Doctor {
	sv.mu.Lock()
	status := sv.statusLocked()
	netState := "off"
	if sv.netHandle != nil {
		netState = "on"
	}
	sv.mu.Unlock()
	return Doctor{
		DriverBinPath:      sv.driverBin,
		DriverBinExists:    fileExists(sv.driverBin),
		DriverSocketPath:   sv.driverSocketPath,
		DriverSocketExists: fileExists(sv.driverSocketPath),
		StateDir:           sv.stateDir,
		StateDirExists:     fileExists(sv.stateDir),
		ImageCacheDir:      sv.imageCacheDir,
		NetworkState:       netState,
		Status:             status,
	}
}

// IsRunning reports whether the driver is connected.
func (sv *Supervisor) IsRunning() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.actual == ActualConnected
}

func (sv *Supervisor) persistDesiredLocked() {
	ds := DesiredState{
		Desired:            sv.desired,
		LastFailure:        sv.lastFailure,
		MaxRestartAttempts: MaxRestartAttempts,
		UpdatedAt:          time.Now().UTC(),
	}
	if err := writeJSON(sv.desiredPath, ds); err != nil {
		sv.logf("ERROR", "persist desired state: %v", err)
	}
}

func (sv *Supervisor) persistRuntimeLocked() {
	rs := RuntimeState{
		Desired:          sv.desired,
		Actual:           sv.actual,
		RestartAttempts:  sv.restartAttempts,
		RestartPending:   sv.restartPending,
		DriverPid:        sv.driverPid,
		DriverSocketPath: strPtr(sv.driverSocketPath),
		LastFailure:      sv.lastFailure,
	}
	if err := writeJSON(sv.runtimePath, rs); err != nil {
		sv.logf("ERROR", "persist runtime state: %v", err)
	}
}

func (sv *Supervisor) logf(level, format string, args ...interface{}) {
	if sv.log != nil {
		sv.log.Logf(level, format, args...)
	}
}

// Shutdown stops the reconcile loop and any running driver. Intended
// for daemon process exit.
func (sv *Supervisor) Shutdown(ctx context.Context) {
	close(sv.reconcileStop)
	sv.Stop(ctx)
}

func (sv *Supervisor) reconcileLoop() {
	t := time.NewTicker(reconcileInterval)
	defer t.Stop()
	for {
		select {
		case <-sv.reconcileStop:
			return
		case <-t.C:
			sv.reconcileTick()
		}
	}
}

func (sv *Supervisor) reconcileTick() {
	sv.mu.Lock()
	needStart := sv.desired == DesiredRunning && sv.actual == ActualAbsent && !sv.restartPending && sv.startWait == nil
	sv.mu.Unlock()
	if needStart {
		go sv.doStartBlocking(context.Background())
	}
}

func strPtr(s string) *string { return &s }

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readJSONIfExists(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return jsonUnmarshal(data, v)
}
