package heartbeat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	p := Pulse{
		Request:  true,
		Hostname: "worker-1",
		Sequence: 42,
		Clue:     7,
		Flags:    FlagPmondAlive | FlagClusterHostProvisioned,
		Version:  WireVersion,
	}

	buf := Encode(p, nil)
	require.Len(t, buf, WireSize)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestEncode_ReusesPreallocatedBuffer(t *testing.T) {
	buf := make([]byte, WireSize)
	orig := &buf[0]
	out := Encode(Pulse{Hostname: "a"}, buf)
	assert.Same(t, orig, &out[0], "Encode must write into the caller's backing array when it has capacity")
}

func TestDecode_RejectsShortRead(t *testing.T) {
	_, err := Decode(make([]byte, WireSize-1))
	require.Error(t, err)
}

func TestDecode_RejectsBadMagic(t *testing.T) {
	buf := Encode(Pulse{Hostname: "worker-1"}, nil)
	buf[0] = 'X'
	_, err := Decode(buf)
	require.Error(t, err)
}

func TestDecode_HostnameTruncatesAtNUL(t *testing.T) {
	buf := Encode(Pulse{Hostname: "worker-1"}, nil)
	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", got.Hostname)
}

// FuzzDecode exercises the decoder with arbitrary bytes off the
// network; it must never panic, only return an error.
func FuzzDecode(f *testing.F) {
	f.Add(Encode(Pulse{Hostname: "worker-1", Sequence: 1}, nil))
	f.Add(make([]byte, 0))
	f.Add(make([]byte, WireSize))

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Decode(data)
	})
}
