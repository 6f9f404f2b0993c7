// Package probe tests whether something accepts TCP connections on a local
// port without exchanging any data.
package probe

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultTimeout bounds the wait for a connect that is still in progress.
const DefaultTimeout = 100 * time.Millisecond

// Prober reports whether a port on the loopback interface is taken.
type Prober interface {
	Listening(port int) (bool, error)
}

// Func adapts a plain function to Prober.
type Func func(port int) (bool, error)

func (f Func) Listening(port int) (bool, error) { return f(port) }

// TCPProber issues a non-blocking IPv4 connect and waits at most Timeout for
// it to settle. A connect that neither completes nor is refused in time counts
// as free.
type TCPProber struct {
	Host    netip.Addr
	Timeout time.Duration
}

// New returns a prober for 127.0.0.1.
func New(timeout time.Duration) *TCPProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TCPProber{
		Host:    netip.AddrFrom4([4]byte{127, 0, 0, 1}),
		Timeout: timeout,
	}
}

func (p *TCPProber) Listening(port int) (bool, error) {
	if port <= 0 || port > 65535 {
		return false, fmt.Errorf("port %d out of range", port)
	}
	host := p.Host
	if !host.IsValid() {
		host = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: host.As4()}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return false, fmt.Errorf("create socket: %w", err)
	}
	defer unix.Close(fd)
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		return false, fmt.Errorf("set nonblock: %w", err)
	}

	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		return true, nil
	case refused(err):
		return false, nil
	case !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR):
		return false, fmt.Errorf("connect 127.0.0.1:%d: %w", port, err)
	}

	ready, err := waitWritable(fd, p.Timeout)
	if err != nil {
		return false, err
	}
	if !ready {
		return false, nil
	}

	// A second connect reports how the pending one ended.
	err = unix.Connect(fd, sa)
	switch {
	case err == nil, errors.Is(err, unix.EISCONN):
		return true, nil
	case refused(err):
		return false, nil
	default:
		return false, fmt.Errorf("connect 127.0.0.1:%d: %w", port, err)
	}
}

func refused(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ENOENT)
}

func waitWritable(fd int, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		n, err := unix.Poll(fds, int(remaining.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			if remaining == 0 {
				return false, nil
			}
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll: %w", err)
		}
		return n > 0, nil
	}
}
