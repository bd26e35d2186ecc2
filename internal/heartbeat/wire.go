// Package heartbeat implements the heartbeat engine: the multicast
// pulse protocol between the Agent (registry side) and the Client
// (every node).
package heartbeat

import (
	"encoding/binary"
	"fmt"
)

// Wire layout constants Byte-exact compatibility
// with any peer implementation is required, so field widths and
// ordering are fixed here, not left to encoding/gob or JSON.
const (
	magicLen    = 15
	hostnameLen = 32

	// WireSize is the total fixed size of a Pulse message on the wire.
	WireSize = magicLen + hostnameLen + 4 + 4 + 4 + 4
)

var (
	magicRequest  = [magicLen]byte{'c', 'g', 't', 's', ' ', 'p', 'u', 'l', 's', 'e', ' ', 'r', 'e', 'q', ':'}
	magicResponse = [magicLen]byte{'c', 'g', 't', 's', ' ', 'p', 'u', 'l', 's', 'e', ' ', 'r', 's', 'p', ':'}
)

// Flag bits carried in Pulse.Flags.
const (
	FlagPmondAlive             uint32 = 1 << 0
	FlagClusterHostProvisioned uint32 = 1 << 1
	// FlagStallBase is the first bit of the reserved STALL_* range;
	// client-only, set by clients experiencing local anomalies.
	FlagStallBase uint32 = 1 << 8
)

// WireVersion is the protocol version stamped into every Pulse.
const WireVersion uint32 = 1

// Pulse is one request or response message.
type Pulse struct {
	Request  bool // true = request, false = response
	Hostname string
	Sequence uint32
	Clue     uint32 // "Resource Reference Index"; 0 = no hint
	Flags    uint32
	Version  uint32
}

// Encode writes p in the fixed wire layout into a WireSize-byte
// buffer, reusing buf's storage if its capacity is at least WireSize.
func Encode(p Pulse, buf []byte) []byte {
	if cap(buf) < WireSize {
		buf = make([]byte, WireSize)
	}
	buf = buf[:WireSize]

	magic := magicResponse
	if p.Request {
		magic = magicRequest
	}
	copy(buf[0:magicLen], magic[:])

	var hostBuf [hostnameLen]byte
	copy(hostBuf[:], p.Hostname)
	copy(buf[magicLen:magicLen+hostnameLen], hostBuf[:])

	off := magicLen + hostnameLen
	binary.BigEndian.PutUint32(buf[off:], p.Sequence)
	binary.BigEndian.PutUint32(buf[off+4:], p.Clue)
	binary.BigEndian.PutUint32(buf[off+8:], p.Flags)
	binary.BigEndian.PutUint32(buf[off+12:], p.Version)
	return buf
}

// Decode parses a wire-format message. A length mismatch or magic
// mismatch is an error, not a panic; callers count these as
// short-read / bad-magic occurrences.
func Decode(buf []byte) (Pulse, error) {
	if len(buf) != WireSize {
		return Pulse{}, fmt.Errorf("pulse: short read: got %d bytes, want %d", len(buf), WireSize)
	}

	var p Pulse
	switch {
	case string(buf[0:magicLen]) == string(magicRequest[:]):
		p.Request = true
	case string(buf[0:magicLen]) == string(magicResponse[:]):
		p.Request = false
	default:
		return Pulse{}, fmt.Errorf("pulse: bad magic %q", buf[0:magicLen])
	}

	host := buf[magicLen : magicLen+hostnameLen]
	if i := indexByte(host, 0); i >= 0 {
		host = host[:i]
	}
	p.Hostname = string(host)

	off := magicLen + hostnameLen
	p.Sequence = binary.BigEndian.Uint32(buf[off:])
	p.Clue = binary.BigEndian.Uint32(buf[off+4:])
	p.Flags = binary.BigEndian.Uint32(buf[off+8:])
	p.Version = binary.BigEndian.Uint32(buf[off+12:])
	return p, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
