package rpc

import (
	"net"

	"github.com/gaovm/gaovm/internal/frame"
)

// NewConnChannel builds a Channel riding directly on a net.Conn (a unix
// stream socket in every use in this codebase), framed per internal/frame.
func NewConnChannel(conn net.Conn, dir IDDirection) *Channel {
	return New(conn, frame.NewReader(conn), dir)
}
