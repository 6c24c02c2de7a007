// vmdaemon is the control-plane process: it owns the desired/actual VM
// state machine, spawns and supervises the driver child process, and
// serves the client-facing JSON-RPC socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gaovm/gaovm/internal/auditlog"
	"github.com/gaovm/gaovm/internal/daemoncfg"
	"github.com/gaovm/gaovm/internal/daemonsession"
	"github.com/gaovm/gaovm/internal/diskimage"
	"github.com/gaovm/gaovm/internal/logsink"
	"github.com/gaovm/gaovm/internal/netstack"
	"github.com/gaovm/gaovm/internal/supervisor"
	"github.com/gaovm/gaovm/internal/version"
	"github.com/gaovm/gaovm/internal/vmconfig"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	socketPath := flag.String("socket-path", "", "unix socket path for client connections")
	stateDir := flag.String("state-dir", "", "base directory for daemon and VM state")
	driverBin := flag.String("driver-bin", "", "path to the vmdriver binary")
	flag.Parse()

	cfg := daemoncfg.DefaultConfig()
	if *stateDir != "" {
		cfg.StateDir = *stateDir
		cfg.SocketPath = filepath.Join(*stateDir, "daemon.sock")
		cfg.ImageCacheDir = filepath.Join(*stateDir, "cache", "images")
		cfg.AuditDBPath = filepath.Join(*stateDir, "logs", "audit.db")
		cfg.LogDir = filepath.Join(*stateDir, "logs")
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *driverBin != "" {
		cfg.DriverBin = *driverBin
	}

	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	logPath := filepath.Join(cfg.LogDir, "vmdaemon.log")
	sink, err := logsink.Open(logPath)
	if err != nil {
		log.Fatalf("open log sink: %v", err)
	}
	defer sink.Close()
	log.SetOutput(sink)

	log.Printf("vmdaemon %s starting (state-dir: %s, socket: %s)", version.Version(), cfg.StateDir, cfg.SocketPath)

	audit, err := auditlog.Open(cfg.AuditDBPath)
	if err != nil {
		log.Fatalf("open audit log: %v", err)
	}
	defer audit.Close()

	supervisor.SetImageRefClassifier(diskimage.LooksLikeImageRef)

	var sessionServer *daemonsession.Server
	onEvent := func(eventType string, payload interface{}) {
		if sessionServer != nil {
			sessionServer.BroadcastEvent(eventType, payload)
		} else {
			audit.Append(eventType, payload)
		}
	}
	configStore := vmconfig.NewStore(cfg.StateDir, onEvent)

	sv, err := supervisor.New(supervisor.Config{
		StateDir:        cfg.StateDir,
		DriverBin:       cfg.DriverBin,
		ConfigStore:     configStore,
		OnEvent:         onEvent,
		Log:             sink,
		DiskResolver:    diskimage.NewResolver(cfg.ImageCacheDir),
		NetStackFactory: netFactoryForConfig(cfg),
		ImageCacheDir:   cfg.ImageCacheDir,
	})
	if err != nil {
		log.Fatalf("init supervisor: %v", err)
	}

	sessionServer = daemonsession.NewServer(cfg.SocketPath, sv, configStore, audit)
	if err := sessionServer.Start(); err != nil {
		log.Fatalf("start session server: %v", err)
	}

	pidPath := filepath.Join(cfg.StateDir, "vmdaemon.pid")
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
	defer os.Remove(pidPath)

	log.Printf("vmdaemon ready (pid %d)", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sessionServer.Stop(ctx); err != nil {
		log.Printf("session server shutdown: %v", err)
	}
	sv.Shutdown(ctx)
	os.Remove(cfg.SocketPath)

	log.Println("vmdaemon stopped")
}

// netFactoryForConfig returns nil when shared networking is disabled by
// configuration, which in turn makes the supervisor reject any VM
// config with network.mode == "shared" rather than silently ignore it.
func netFactoryForConfig(cfg *daemoncfg.Config) supervisor.NetStackFactory {
	if cfg.NetworkBackend == "disabled" {
		return nil
	}
	return netstack.Factory{}
}
