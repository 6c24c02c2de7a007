package supervisor

import (
	"context"
	"net"
	"time"

	"github.com/gaovm/gaovm/internal/rpc"
)

// newDriverChannel wraps a freshly dialed driver connection. The
// daemon mints descending negative IDs for its own requests to the
// driver, since the driver mints ascending positive IDs for its
// requests back, so the two ranges never collide.
func newDriverChannel(conn net.Conn) *rpc.Channel {
	return rpc.NewConnChannel(conn, rpc.Descending)
}

func contextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}

// armHandshakeResponder claims the driver's opening hello on ch. Call
// this immediately after the channel is constructed, before any other
// work, so the claim is registered before the driver's hello could
// possibly arrive.
func armHandshakeResponder(ch *rpc.Channel) (*rpc.ArmedRequest, error) {
	return rpc.ArmHelloResponder(ch)
}

// respondHandshake answers the driver's opening hello using a claim
// already registered via armHandshakeResponder. The driver always
// speaks first, so this must be called before initiateHandshake.
func respondHandshake(ctx context.Context, armed *rpc.ArmedRequest, token string) ([]string, error) {
	return rpc.RespondArmed(ctx, armed, rpc.ResponderConfig{
		Protocol:              rpc.ProtocolVersion,
		ExpectedAuthToken:     token,
		SupportedCapabilities: DaemonCapabilities,
		RequiredCapabilities:  DriverCapabilities,
	})
}

// initiateHandshake sends the daemon's own hello once the driver's has
// been answered, completing the bidirectional handshake.
func initiateHandshake(ctx context.Context, ch *rpc.Channel, token string) (*rpc.HelloResult, error) {
	return rpc.Initiate(ctx, ch, rpc.HelloParams{
		Protocol:             rpc.ProtocolVersion,
		AuthToken:            token,
		Capabilities:         DaemonCapabilities,
		RequiredCapabilities: DriverCapabilities,
	})
}

// classifyDiskPath reports whether path should be treated as an OCI
// image reference rather than a filesystem path, and returns it
// unchanged as the "reference" value for the caller to resolve.
func classifyDiskPath(path string) (string, bool) {
	if looksLikeImageRef == nil {
		return "", false
	}
	return path, looksLikeImageRef(path)
}

// looksLikeImageRef is set by cmd/vmdaemon wiring to
// diskimage.LooksLikeImageRef, avoiding a direct import cycle risk
// between supervisor and diskimage (there is none today, but this
// keeps supervisor's dependency surface limited to interfaces it
// actually calls through DiskResolver).
var looksLikeImageRef func(string) bool

// SetImageRefClassifier installs the disk-reference classifier used by
// startIfNeeded. Call once during daemon wiring.
func SetImageRefClassifier(f func(string) bool) {
	looksLikeImageRef = f
}

// DaemonCapabilities enumerates the capability set the daemon offers
// the driver during its own hello.
var DaemonCapabilities = []string{"hello", "ping", "driver.exec"}
