package cs104

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PingKind selects what a Pinger does on an idle link.
type PingKind int

const (
	// PingTest sends TESTFR act and waits up to t1 for the confirmation. A missing confirmation
	// tears the link down.
	PingTest PingKind = iota
	// PingAck sends an S-frame carrying the current receive sequence number.
	PingAck
	// PingConnect starts a connection attempt when the client is disconnected.
	PingConnect
	// PingIdle sends nothing and relies on the t3 and t1 supervision of the client.
	PingIdle
)

func (k PingKind) String() string {
	switch k {
	case PingTest:
		return "test"
	case PingAck:
		return "ack"
	case PingConnect:
		return "connect"
	case PingIdle:
		return "idle"
	default:
		return fmt.Sprintf("PingKind(%d)", int(k))
	}
}

// Pinger keeps a link alive on its own schedule, independent of t3. On every tick it acts only
// if no frame was sent or received for at least its interval.
type Pinger struct {
	c        *Client
	kind     PingKind
	interval time.Duration
}

// Pinger creates a pinger of kind bound to the client. It does nothing until Run or Start is called.
func (c *Client) Pinger(kind PingKind, interval time.Duration) *Pinger {
	return &Pinger{c: c, kind: kind, interval: interval}
}

// Kind returns the kind of the pinger.
func (p *Pinger) Kind() PingKind { return p.kind }

// Run pings every interval until ctx is done or the client is closed.
func (p *Pinger) Run(ctx context.Context) error {
	if p.interval <= 0 {
		return fmt.Errorf("invalid interval: %v", p.interval)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.c.ctx.Done():
			return ErrConnClosed
		case <-ticker.C:
			p.ping(ctx)
		}
	}
}

// Start runs the pinger on a goroutine owned by the client until Close.
func (p *Pinger) Start() error {
	_, err := p.c.workers.StartInterval("pinger-"+p.kind.String(), func() bool {
		p.ping(p.c.workers.Context())
		return true
	}, p.interval, false)

	return err
}

func (p *Pinger) ping(ctx context.Context) {
	c := p.c

	if p.kind == PingConnect {
		if c.State().IsDisconnected() {
			c.logger.Debug("pinger starts connection attempt", "method", "ping")
			_ = c.Connect()
		}

		return
	}

	sess, err := c.activeSession()
	if err != nil {
		return
	}

	if time.Since(sess.idleSince()) < p.interval {
		return
	}

	switch p.kind {
	case PingTest:
		// only t1 may fail the link, not the deadline of the caller's context
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.timeouts.AckWait)
		defer cancel()

		err := c.TestLink(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			c.fail(sess, ErrTestFrameTimeout)
		} else if err != nil {
			c.logger.Debug("pinger test failed", "method", "ping", "error", err)
		}

	case PingAck:
		if err := sess.sendS(true); err != nil {
			_ = c.writeFailed(sess, err)
		}

	case PingIdle:
	}
}
