package guestchannel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectBackoff_DoublesThenSaturatesAtCap(t *testing.T) {
	b := newConnectBackoff(1*time.Second, 60*time.Second)

	var waits []time.Duration
	for i := 0; i < 10; i++ {
		waits = append(waits, b.NextBackOff())
	}

	assert.Equal(t, 1*time.Second, waits[0])
	assert.Equal(t, 2*time.Second, waits[1])
	assert.Equal(t, 4*time.Second, waits[2])
	for _, w := range waits {
		assert.LessOrEqual(t, w, 60*time.Second, "backoff must never exceed the cap")
	}
	assert.Equal(t, 60*time.Second, waits[len(waits)-1], "backoff saturates at the cap")
}
