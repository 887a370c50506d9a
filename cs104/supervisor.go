package cs104

import (
	"errors"
	"time"

	"github.com/arloliu/go-iec104/internal/pool"
)

// connStateHandler drives the connection lifecycle. It runs under the transition lock of the
// state manager, so it must only request further transitions asynchronously.
func (c *Client) connStateHandler(prevState ConnState, curState ConnState) {
	c.logger.Debug("connection state changes", "prevState", prevState, "curState", curState)

	switch curState {
	case ConnectingState:
		c.startConnect()

	case DataTransferActiveState:
		c.activate()

	case StoppedState:
		c.teardown(prevState)

	case DisconnectedState:
		if c.shutdown.Load() || !c.cfg.autoReconnect {
			return
		}

		c.retryAttempt++
		delay := nextBackoffDelay(c.cfg.backoff, c.retryAttempt)
		c.metrics.incConnRetryGauge()
		c.logger.Debug("disconnected, schedule reconnect", "attempt", c.retryAttempt, "delay", delay)
		c.scheduleReconnect(delay)
	}
}

// startConnect spawns the connect task unless the client is closing.
func (c *Client) startConnect() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.shutdown.Load() {
		c.stateMgr.ToDisconnectedAsync()
		return
	}

	gen := c.connectGen.Add(1)
	c.connWG.Add(1)
	go func() {
		defer c.connWG.Done()
		c.connectTask(gen)
	}()
}

// activate starts the supervision of the new session and hands it to the reader loop.
func (c *Client) activate() {
	sess := c.currentSession()
	if sess == nil {
		c.stateMgr.ToStoppedAsync()
		return
	}

	c.retryAttempt = 0
	c.metrics.resetConnRetryGauge()

	if err := c.taskMgr.Go("deadlines", c.deadlineTask(sess)); err != nil {
		c.logger.Error("failed to start deadline task", "error", err)
		c.fail(sess, err)

		return
	}

	// the reader only needs the latest session
	select {
	case <-c.sessions:
	default:
	}
	c.sessions <- sess

	c.logger.Info("data transfer active", "address", c.cfg.address, "epoch", sess.epoch)
}

// teardown closes the current session, waits for its tasks and fails every outstanding
// command. A new connection therefore always starts with fresh sequence numbers.
func (c *Client) teardown(prevState ConnState) {
	c.sessMu.Lock()
	sess := c.sess
	c.sess = nil
	c.sessMu.Unlock()

	if sess != nil {
		sess.close()
	}

	c.taskMgr.Stop()
	c.taskMgr.Wait()

	lost := ErrConnectionLost
	if c.shutdown.Load() {
		lost = ErrConnClosed
	}

	if n := c.pending.failAll(lost); n > 0 {
		c.logger.Debug("outstanding commands failed", "count", n, "error", lost)
	}

	if c.shutdown.Load() {
		return
	}

	if prevState.IsActive() {
		c.metrics.incReconnectCount()
	}

	c.stateMgr.ToDisconnectedAsync()
}

// fail reports a fatal error of sess and stops it. Only the first error of a session counts.
func (c *Client) fail(sess *session, err error) {
	if !sess.failed.CompareAndSwap(false, true) {
		return
	}

	if errors.Is(err, ErrSequenceViolation) {
		c.metrics.incSequenceErrCount()
	}

	c.logger.Error("link failure, connection closed", "epoch", sess.epoch, "error", err)
	c.stateMgr.ToStoppedAsync()
}

// scheduleReconnect requests a connection attempt after delay. A later call, Connect, or Close
// supersedes it.
func (c *Client) scheduleReconnect(delay time.Duration) {
	gen := c.reconnectGen.Add(1)

	// Never block the connection state manager handler.
	go func() {
		timer := pool.GetTimer(delay)
		defer pool.PutTimer(timer)

		select {
		case <-c.connCtx.Done():
			return
		case <-timer.C:
			if c.reconnectGen.Load() != gen || c.shutdown.Load() {
				return
			}

			c.stateMgr.ToConnectingAsync()
		}
	}()
}
