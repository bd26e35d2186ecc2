package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vigil/internal/clock"
)

// ReadyTransport is the one-shot/periodic Ready Event sender: a loopback message confirming the client
// process is up.
type ReadyTransport interface {
	SendReady() error
}

// Client runs the Client role for one network: it
// answers pulse requests and maintains the cached RRI ("clue").
type Client struct {
	Network  string
	Hostname string
	Transport Transport
	Ready     ReadyTransport
	Clock     clock.Clock
	// SelectTimeout bounds each receive wait; zero means the 50ms
	// default.
	SelectTimeout time.Duration

	// Flags returns the client's current flag bits (PMOND_ALIVE,
	// CLUSTER_HOST_PROVISIONED, reserved STALL_* bits) to embed in
	// every response.
	Flags func() uint32

	mu         sync.Mutex
	cachedClue uint32
	acked      bool
	shortReads int
	suppressed bool
}

const shortReadWarnThreshold = 10

// Run listens for requests and answers them, and drives the Ready
// Event resend loop, until ctx is cancelled.
func (c *Client) Run(ctx context.Context, readyInterval time.Duration) error {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.serveRequests(ctx)
	}()
	go func() {
		defer wg.Done()
		c.driveReadyEvent(ctx, readyInterval)
	}()

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (c *Client) serveRequests(ctx context.Context) {
	wait := c.SelectTimeout
	if wait == 0 {
		wait = 50 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req, ok, err := c.Transport.Recv(c.Clock.Now().Add(wait))
		if err != nil {
			c.mu.Lock()
			c.shortReads++
			n := c.shortReads
			c.mu.Unlock()
			if n%shortReadWarnThreshold == 0 {
				slog.Warn("heartbeat client: short/invalid read", "network", c.Network, "count", n)
			}
			continue
		}
		if !ok {
			continue
		}
		if !req.Request {
			continue // our own response looped back; ignore
		}
		c.mu.Lock()
		suppressed := c.suppressed
		c.mu.Unlock()
		if suppressed {
			continue // interface down: no pulses on this network
		}
		c.handleRequest(req)
	}
}

func (c *Client) handleRequest(req Pulse) {
	if req.Hostname == c.Hostname {
		c.mu.Lock()
		if req.Clue != c.cachedClue {
			slog.Debug("heartbeat client: clue changed", "network", c.Network, "old", c.cachedClue, "new", req.Clue)
			c.cachedClue = req.Clue
		}
		c.mu.Unlock()
	}

	flags := uint32(0)
	if c.Flags != nil {
		flags = c.Flags()
	}

	c.mu.Lock()
	clue := c.cachedClue
	c.mu.Unlock()

	resp := Pulse{
		Request:  false,
		Hostname: c.Hostname,
		Sequence: req.Sequence,
		Clue:     clue,
		Flags:    flags,
		Version:  WireVersion,
	}
	if err := c.Transport.Send(resp); err != nil {
		slog.Warn("heartbeat client: send error", "network", c.Network, "err", err)
	}
}

// driveReadyEvent resends the Ready Event on a slow periodic until
// acknowledged. This implementation treats a
// successful send as acknowledgement, matching a loopback transport
// where delivery failure is the only observable error.
func (c *Client) driveReadyEvent(ctx context.Context, interval time.Duration) {
	if c.Ready == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		acked := c.acked
		c.mu.Unlock()
		if !acked {
			if err := c.Ready.SendReady(); err != nil {
				slog.Warn("heartbeat client: ready event send failed", "err", err)
			} else {
				c.mu.Lock()
				c.acked = true
				c.mu.Unlock()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reconfigured regenerates the Ready Event after a reconfiguration
// that reopens sockets.
func (c *Client) Reconfigured() {
	c.mu.Lock()
	c.acked = false
	c.mu.Unlock()
}

// SetLinkUp suppresses pulse handling while this network's interface is
// down and regenerates the Ready Event when it returns. The agent holds
// its miss counters across the gap; this side just goes quiet.
func (c *Client) SetLinkUp(up bool) {
	c.mu.Lock()
	wasSuppressed := c.suppressed
	c.suppressed = !up
	c.mu.Unlock()
	if up && wasSuppressed {
		c.Reconfigured()
	}
}
