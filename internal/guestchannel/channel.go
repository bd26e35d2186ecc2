package guestchannel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// dialChannel connects to the per-instance UNIX domain socket with the
// exact socket discipline the protocol calls for: SOCK_STREAM |
// SOCK_NONBLOCK | SOCK_CLOEXEC, SO_LINGER=0 so a later close never
// blocks on unsent guest traffic.
func dialChannel(path string) (net.Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("guestchannel: socket: %w", err)
	}

	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("guestchannel: SO_LINGER: %w", err)
	}

	sa := &unix.SockaddrUnix{Name: path}
	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		if errors.Is(err, unix.ENOENT) {
			return nil, &ChannelGoneError{Path: path}
		}
		return nil, fmt.Errorf("guestchannel: connect %s: %w", path, err)
	}
	if errors.Is(err, unix.EINPROGRESS) {
		if err := waitWritable(fd, 2*time.Second); err != nil {
			unix.Close(fd)
			return nil, err
		}
		if serr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); err != nil || serr != 0 {
			unix.Close(fd)
			if serr == int(unix.ENOENT) {
				return nil, &ChannelGoneError{Path: path}
			}
			return nil, fmt.Errorf("guestchannel: connect %s: SO_ERROR=%d", path, serr)
		}
	}

	f := os.NewFile(uintptr(fd), path)
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("guestchannel: FileConn %s: %w", path, err)
	}
	return conn, nil
}

func waitWritable(fd int, timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		return fmt.Errorf("guestchannel: poll: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("guestchannel: connect timed out")
	}
	return nil
}

// ChannelGoneError means the socket path no longer exists: ENOENT
// terminates the retry loop rather than re-arming backoff.
type ChannelGoneError struct {
	Path string
}

func (e *ChannelGoneError) Error() string {
	return fmt.Sprintf("guestchannel: %s no longer exists", e.Path)
}

// newConnectBackoff builds the doubling-to-60s reconnect backoff
// policy, starting at cfg.ConnectBackoffMin.
func newConnectBackoff(min, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // retry forever until ENOENT or shutdown
	b.Reset()            // apply InitialInterval as the first wait
	return b
}

// connectWithRetry dials path, retrying with doubling backoff until it
// succeeds, the context is cancelled, or the socket disappears.
func connectWithRetry(path string, minBackoff, maxBackoff time.Duration, stop <-chan struct{}) (net.Conn, error) {
	b := newConnectBackoff(minBackoff, maxBackoff)

	for {
		conn, err := dialChannel(path)
		if err == nil {
			return conn, nil
		}
		var gone *ChannelGoneError
		if errors.As(err, &gone) {
			return nil, err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, err
		}
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return nil, fmt.Errorf("guestchannel: connect cancelled: %w", err)
		case <-timer.C:
		}
	}
}
