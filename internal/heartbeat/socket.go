package heartbeat

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// UDPTransport is the production Transport: a UDP socket joined to the
// pulse multicast group, tuned (SO_REUSEADDR so
// multiple roles can share the group port, a raised priority class,
// and non-blocking reads bounded by a deadline).
type UDPTransport struct {
	conn  *net.UDPConn
	group *net.UDPAddr
	buf   []byte
}

// NewUDPTransport joins iface to group:port, sets SO_REUSEADDR and the
// pulse priority class, and returns a ready Transport.
func NewUDPTransport(iface *net.Interface, group net.IP, port int) (*UDPTransport, error) {
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: port}

	var joinErr error
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var controlErr error
			err := c.Control(func(fd uintptr) {
				if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
					controlErr = fmt.Errorf("SO_REUSEADDR: %w", e)
					return
				}
				// Mark pulse traffic as latency-sensitive, matching the
				// priority class pulse sockets run at on the node.
				if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 6); e != nil {
					controlErr = fmt.Errorf("SO_PRIORITY: %w", e)
					return
				}

				mreq := &unix.IPMreqn{
					Multiaddr: [4]byte{group.To4()[0], group.To4()[1], group.To4()[2], group.To4()[3]},
					Ifindex:   int32(iface.Index),
				}
				if e := unix.SetsockoptIPMreqn(int(fd), unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); e != nil {
					joinErr = fmt.Errorf("IP_ADD_MEMBERSHIP on %s: %w", iface.Name, e)
				}
			})
			if err != nil {
				return err
			}
			return controlErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", laddr.String())
	if err != nil {
		return nil, fmt.Errorf("heartbeat: listen %s: %w", laddr, err)
	}
	if joinErr != nil {
		pc.Close()
		return nil, joinErr
	}

	return &UDPTransport{
		conn:  pc.(*net.UDPConn),
		group: &net.UDPAddr{IP: group, Port: port},
		buf:   make([]byte, WireSize),
	}, nil
}

func (t *UDPTransport) Send(p Pulse) error {
	out := Encode(p, t.buf)
	_, err := t.conn.WriteToUDP(out, t.group)
	return err
}

func (t *UDPTransport) Recv(deadline time.Time) (Pulse, bool, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return Pulse{}, false, err
	}
	n, _, err := t.conn.ReadFromUDP(t.buf[:cap(t.buf)])
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Pulse{}, false, nil
		}
		return Pulse{}, false, err
	}
	p, err := Decode(t.buf[:n])
	if err != nil {
		return Pulse{}, false, err
	}
	return p, true, nil
}

// SendReady emits the one-shot loopback Ready Event.
func (t *UDPTransport) SendReady() error {
	_, err := t.conn.WriteToUDP([]byte("ready"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: t.group.Port})
	return err
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
