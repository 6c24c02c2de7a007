// Package netstack provides the in-process user-space virtio-net
// backend for VMs configured with network.mode == "shared". Since the
// daemon manages exactly one VM, the whole subnet is reserved for it.
package netstack

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/containers/gvisor-tap-vsock/pkg/types"
	"github.com/containers/gvisor-tap-vsock/pkg/virtualnetwork"

	"github.com/gaovm/gaovm/internal/supervisor"
)

const (
	subnetCIDR = "192.168.127.0/24"
	gatewayIP  = "192.168.127.1"
	guestIP    = "192.168.127.2"
)

// Stack owns a virtualnetwork.VirtualNetwork and the unix listener the
// driver's vfkit-protocol data-plane connection arrives on.
type Stack struct {
	vn         *virtualnetwork.VirtualNetwork
	listener   net.Listener
	socketPath string

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Factory adapts Start to the supervisor.NetStackFactory interface
// without supervisor importing this package's concrete type.
type Factory struct{}

func (Factory) Start(ctx context.Context, socketPath string) (supervisor.NetStack, error) {
	return Start(ctx, socketPath)
}

// Start brings up the virtual network and begins accepting the
// driver's data-plane connection on socketPath.
func Start(ctx context.Context, socketPath string) (*Stack, error) {
	cfg := &types.Configuration{
		Debug:             false,
		MTU:               1500,
		Subnet:            subnetCIDR,
		GatewayIP:         gatewayIP,
		GatewayMacAddress: "5a:94:ef:e4:0c:dd",
		DHCPStaticLeases: map[string]string{
			guestIP: "5a:94:ef:e4:0c:ee",
		},
		DNS:               []types.Zone{},
		Forwards:          map[string]string{},
		NAT:               map[string]string{},
		GatewayVirtualIPs: []string{gatewayIP},
		Protocol:          types.QemuProtocol,
	}

	vn, err := virtualnetwork.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create virtual network: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Stack{vn: vn, listener: ln, socketPath: socketPath, cancel: cancel}

	s.wg.Add(1)
	go s.acceptLoop(runCtx)

	return s, nil
}

func (s *Stack) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.vn.AcceptQemu(ctx, conn)
		}()
	}
}

// Stop tears down the listener and virtual network. Safe to call once.
func (s *Stack) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

// SocketPath returns the unix socket the driver should connect its
// network data plane to.
func (s *Stack) SocketPath() string {
	return s.socketPath
}
