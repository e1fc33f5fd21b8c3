package kv

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/outofforest/kv/errsink"
)

const (
	// DefaultHost is the default host server listens on and client connects to.
	DefaultHost = "localhost"

	// DefaultPort is the default port server listens on and client connects to.
	DefaultPort uint16 = 60054

	// DefaultMaxMessageSize is the default limit of the frame size.
	DefaultMaxMessageSize uint64 = 64 * 1024 * 1024
)

func address(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))
}

func clientID() (uint64, error) {
	var id [8]byte
	_, err := rand.Read(id[:])
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return binary.LittleEndian.Uint64(id[:]), nil
}

// socketError classifies error returned while establishing connection.
func socketError(host string, port uint16, err error) errsink.Event {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Syscall == "socket" {
		return errsink.SocketOpenError{Addr: address(host, port), Err: err}
	}
	return errsink.SocketConnectionError{Host: host, Port: port, Err: err}
}

// isDisconnect tells if error means that the peer closed the connection or it was closed locally.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
