package cs104

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/arloliu/go-iec104/apci"
)

const tcpKeepAlive = 30 * time.Second

// dial opens the TCP connection within t0.
func (c *Client) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(c.connCtx, c.cfg.timeouts.Connect)
	defer cancel()

	dialer := net.Dialer{KeepAlive: tcpKeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.address)
	if err != nil {
		return nil, &ConnectError{Address: c.cfg.address, Err: err}
	}

	return conn, nil
}

// startDT sends STARTDT act and waits up to t1 for the confirmation. A TESTFR act received
// meanwhile is answered; I-frames and S-frames are not allowed before the confirmation.
func (c *Client) startDT(conn net.Conn, reader *apci.Reader) error {
	b, _ := apci.AppendUFrame(nil, apci.StartDTAct)
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout)); err != nil {
		return newWriteError(0, err)
	}

	if n, err := conn.Write(b); err != nil {
		return newWriteError(n, err)
	}
	c.metrics.incUFrameSendCount()

	reader.SetHeaderDeadline(time.Now().Add(c.cfg.timeouts.AckWait))
	defer reader.SetHeaderDeadline(time.Time{})

	for {
		f, raw, err := reader.ReadFrame()
		if err != nil {
			if errors.Is(err, apci.ErrUnknownFunction) {
				c.logger.Warn("unknown U-frame function ignored", "method", "startDT", "frame", fmt.Sprintf("% X", raw))
				continue
			}

			if errors.Is(err, os.ErrDeadlineExceeded) {
				return ErrStartDTTimeout
			}

			return err
		}

		u, ok := f.(*apci.UFrame)
		if !ok {
			return fmt.Errorf("%w: %s before STARTDT con", ErrUnexpectedFrame, f)
		}
		c.metrics.incUFrameRecvCount()

		switch u.Function {
		case apci.StartDTCon:
			return nil

		case apci.TestFRAct:
			b, _ = apci.AppendUFrame(b[:0], apci.TestFRCon)
			if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout)); err != nil {
				return newWriteError(0, err)
			}

			if n, err := conn.Write(b); err != nil {
				return newWriteError(n, err)
			}
			c.metrics.incUFrameSendCount()

		default:
			c.logger.Debug("U-frame ignored during STARTDT", "method", "startDT", "function", u.Function)
		}
	}
}

// connectTask establishes a connection and activates data transfer. Connection attempt gen is
// abandoned if the client is closing or a newer attempt started.
func (c *Client) connectTask(gen uint64) {
	logger := c.logger.With("address", c.cfg.address)
	logger.Debug("connecting", "method", "connectTask")

	conn, err := c.dial()
	if err != nil {
		logger.Warn("failed to connect", "method", "connectTask", "error", err)
		c.stateMgr.ToDisconnectedAsync()

		return
	}

	// Close aborts a handshake in progress by closing the socket.
	stop := context.AfterFunc(c.connCtx, func() { _ = conn.Close() })

	reader := apci.NewReader(conn, c.cfg.timeouts.AckWait)
	err = c.startDT(conn, reader)
	if !stop() && err == nil {
		err = ErrConnClosed
	}

	if err != nil {
		logger.Warn("failed to start data transfer", "method", "connectTask", "error", err)
		_ = conn.Close()
		c.stateMgr.ToDisconnectedAsync()

		return
	}

	err = c.stateMgr.toActiveIf(func() bool {
		if c.shutdown.Load() || c.connectGen.Load() != gen {
			return false
		}

		c.sessMu.Lock()
		c.epoch++
		c.sess = newSession(c.ctx, c.epoch, conn, reader, c.cfg, &c.metrics)
		c.sessMu.Unlock()

		return true
	})
	if err != nil {
		logger.Debug("connection abandoned", "method", "connectTask", "error", err)
		_ = conn.Close()
		c.stateMgr.ToDisconnectedAsync()
	}
}
