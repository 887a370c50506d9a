package cs104

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-iec104/apci"
	"github.com/arloliu/go-iec104/asdu"
	"github.com/arloliu/go-iec104/internal/pool"
	"github.com/arloliu/go-iec104/internal/task"
	"github.com/arloliu/go-iec104/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/arloliu/go-iec104/cs104"

// Client is the controlling station side of an IEC 60870-5-104 link.
//
// It keeps one supervised connection to a controlled station: it performs the STARTDT
// handshake, acknowledges received I-frames, tests idle links and reconnects after failures.
// Received telegrams are consumed through the Reader returned by New or NewClient.
//
// All methods are goroutine-safe.
type Client struct {
	cfg    *ConnectionConfig
	logger logger.Logger
	tracer trace.Tracer

	// ctx lives until Close completes; connCtx is canceled when Close starts and aborts
	// dials, handshakes and scheduled reconnects.
	ctx        context.Context
	cancel     context.CancelFunc
	connCtx    context.Context
	connCancel context.CancelFunc

	stateMgr  *ConnStateMgr
	opState   AtomicOpState
	shutdown  atomic.Bool
	closeOnce sync.Once

	taskMgr *task.Manager // tasks of the current session
	workers *task.Manager // pingers, live until Close

	sessMu   sync.Locker
	sess     *session
	epoch    uint64
	sessions chan *session // hands sessions to the reader loop

	connMu       sync.Locker // guards shutdown against spawning connect tasks
	connWG       sync.WaitGroup
	connectGen   atomic.Uint64
	reconnectGen atomic.Uint64
	retryAttempt int // only accessed by state handlers

	pending *pendingTable
	reader  *Reader
	metrics ConnectionMetrics
}

// New creates a client of the controlled station at address, a host:port string, and the
// reader delivering its telegrams. capacity bounds the telegram channel.
//
// The client does not connect until Open is called.
func New(ctx context.Context, address string, timeouts Timeouts, capacity int, opts ...ConnOption) (*Client, *Reader, error) {
	opts = append([]ConnOption{WithTimeouts(timeouts), WithChannelCapacity(capacity)}, opts...)

	cfg, err := NewConnectionConfig(address, opts...)
	if err != nil {
		return nil, nil, err
	}

	return NewClient(ctx, cfg)
}

// NewClient creates a client and its reader from cfg. The client stops when ctx is done, but
// Close should still be called to release the connection gracefully.
func NewClient(ctx context.Context, cfg *ConnectionConfig) (*Client, *Reader, error) {
	if cfg == nil {
		return nil, nil, ErrConnConfigNil
	}

	c := &Client{
		cfg:      cfg,
		logger:   cfg.logger,
		tracer:   cfg.tracerProvider.Tracer(tracerName),
		sessMu:   cfg.lockPolicy.NewMutex(),
		connMu:   cfg.lockPolicy.NewMutex(),
		sessions: make(chan *session, 1),
		pending:  newPendingTable(cfg.lockPolicy),
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.connCtx, c.connCancel = context.WithCancel(c.ctx)
	c.taskMgr = task.NewManager(c.ctx, cfg.logger)
	c.workers = task.NewManager(c.ctx, cfg.logger)
	c.stateMgr = NewConnStateMgr(c.ctx, cfg.lockPolicy, cfg.logger, c.connStateHandler)
	c.reader = newReader(c, cfg.channelCapacity)

	return c, c.reader, nil
}

// Open starts connecting to the controlled station. The link is re-established automatically
// after failures unless WithAutoReconnect(false) is set.
//
// If waitActive is true, Open blocks until data transfer is active or t0+t1 elapsed. A timeout
// is returned as an error while the client keeps trying in the background.
func (c *Client) Open(waitActive bool) error {
	if c.shutdown.Load() || c.opState.IsFinal() {
		return ErrConnClosed
	}

	if c.opState.ToOpening() {
		c.opState.ToOpened()
		c.reconnectGen.Add(1)
		if err := c.stateMgr.ToConnecting(); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return err
		}
	}

	if !waitActive {
		return nil
	}

	t := c.cfg.timeouts
	ctx, cancel := context.WithTimeout(c.ctx, t.Connect+t.AckWait)
	defer cancel()

	if err := c.WaitActive(ctx); err != nil {
		return fmt.Errorf("wait data transfer active: %w", err)
	}

	return nil
}

// WaitActive blocks until data transfer is active or ctx is done.
func (c *Client) WaitActive(ctx context.Context) error {
	return c.stateMgr.WaitState(ctx, DataTransferActiveState)
}

// Connect starts a connection attempt now when the client is disconnected, skipping a pending
// reconnect delay. It does nothing in any other state.
func (c *Client) Connect() error {
	if c.shutdown.Load() || !c.opState.IsOpened() {
		return ErrConnClosed
	}

	if !c.stateMgr.State().IsDisconnected() {
		return nil
	}

	c.reconnectGen.Add(1)
	c.stateMgr.ToConnectingAsync()

	return nil
}

// Close stops data transfer with STOPDT, closes the connection and stops every worker.
// Outstanding commands fail with ErrConnClosed and the reader's telegram channel is closed.
// A closed client cannot be reopened.
func (c *Client) Close() error {
	c.closeOnce.Do(c.doClose)
	return nil
}

func (c *Client) doClose() {
	c.logger.Debug("start close process", "method", "Close", "state", c.stateMgr.State())
	c.opState.ToClosing()

	c.connMu.Lock()
	c.shutdown.Store(true)
	c.connMu.Unlock()

	// abort dials, handshakes and reconnect timers, then wait for connect tasks
	c.connCancel()
	c.connWG.Wait()

	if sess := c.currentSession(); sess != nil && c.stateMgr.State().IsActive() {
		c.stopDT(sess)
	}

	_ = c.stateMgr.ToStopped()
	_ = c.stateMgr.ToDisconnected()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.closeTimeout)
	defer cancel()

	c.workers.Stop()
	go func() {
		c.workers.Wait()
		cancel()
	}()
	<-ctx.Done()

	if !errors.Is(ctx.Err(), context.Canceled) {
		c.logger.Error("close timeout", "method", "Close", "error", ctx.Err(), "timeout", c.cfg.closeTimeout)
	}

	c.cancel()
	c.opState.ToFinal()
	c.logger.Debug("close success", "method", "Close")
}

// Send encodes a and sends it in an I-frame without waiting for any reply.
// It fails with ErrNotActive when data transfer is not active, and with ErrSendWindowFull
// while 32767 sent I-frames are unacknowledged. The protocol parameter k is not enforced.
func (c *Client) Send(a *asdu.ASDU) error {
	b, err := c.cfg.codec.Encode(a)
	if err != nil {
		return err
	}

	sess, err := c.activeSession()
	if err != nil {
		return err
	}

	if err := sess.sendI(b, nil); err != nil {
		return c.writeFailed(sess, err)
	}

	return nil
}

// SendConfirmed sends a like Send and waits until the controlled station acknowledged the
// I-frame with its N(R). It fails with ErrConnectionLost when the connection is lost first.
func (c *Client) SendConfirmed(ctx context.Context, a *asdu.ASDU) error {
	b, err := c.cfg.codec.Encode(a)
	if err != nil {
		return err
	}

	sess, err := c.activeSession()
	if err != nil {
		return err
	}

	acked := make(chan struct{})
	if err := sess.sendI(b, acked); err != nil {
		return c.writeFailed(sess, err)
	}

	select {
	case <-acked:
		return nil
	case <-sess.ctx.Done():
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Command sends the command a and waits for the telegram answering it, usually the activation
// confirmation. The reply is matched by the codec's correlation key; a negative confirmation is
// returned as a reply, not as an error.
//
// ctx should always carry a deadline: the protocol does not bound the reply time, so an
// unresponsive station blocks Command until ctx is done. An expired deadline returns an error
// matching ErrCommandTimeout. Commands outstanding when the connection is lost fail with
// ErrConnectionLost.
//
// Commands with identical keys cannot be told apart; the second one fails with
// ErrDuplicateCommand while the first is outstanding.
func (c *Client) Command(ctx context.Context, a *asdu.ASDU) (*asdu.ASDU, error) {
	ctx, span := c.tracer.Start(ctx, "iec104.command",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("iec104.type", a.Type.String()),
			attribute.String("iec104.cause", a.Cause.String()),
			attribute.Int("iec104.common_addr", int(a.CommonAddr)),
			attribute.String("iec104.address", c.cfg.address),
		),
	)
	defer span.End()

	c.metrics.incCommandCount()

	reply, err := c.command(ctx, a)
	if err != nil {
		c.metrics.incCommandErrCount()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	span.SetAttributes(
		attribute.String("iec104.reply.cause", reply.Cause.String()),
		attribute.Bool("iec104.reply.negative", reply.Negative),
	)
	span.SetStatus(codes.Ok, "")

	return reply, nil
}

func (c *Client) command(ctx context.Context, a *asdu.ASDU) (*asdu.ASDU, error) {
	key, ok := c.cfg.codec.CorrelationKey(a)
	if !ok {
		return nil, ErrNoCorrelationKey
	}

	b, err := c.cfg.codec.Encode(a)
	if err != nil {
		return nil, err
	}

	sess, err := c.activeSession()
	if err != nil {
		return nil, err
	}

	deadline, _ := ctx.Deadline()
	e, err := c.pending.register(key, deadline)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, key)
	}

	c.metrics.incCommandInflightCount()
	defer c.metrics.decCommandInflightCount()

	if err := sess.sendI(b, nil); err != nil {
		c.pending.remove(e)
		return nil, c.writeFailed(sess, err)
	}

	select {
	case r := <-e.reply:
		return r.reply, r.err

	case <-ctx.Done():
		c.pending.remove(e)

		// the reply may have been delivered before the entry was removed
		select {
		case r := <-e.reply:
			return r.reply, r.err
		default:
		}

		c.logger.Warn("command reply timeout", "method", "Command", "key", key, "error", ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrCommandTimeout, key)
		}

		return nil, ctx.Err()
	}
}

// TestLink sends TESTFR act and waits for the confirmation. An outstanding test started by the
// idle timer or a pinger is shared. A missing confirmation within t1 also tears the link down,
// independently of ctx.
func (c *Client) TestLink(ctx context.Context) error {
	sess, err := c.activeSession()
	if err != nil {
		return err
	}

	done, err := sess.startTest()
	if err != nil {
		return c.writeFailed(sess, err)
	}

	select {
	case <-done:
		return nil
	case <-sess.ctx.Done():
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the link state.
func (c *Client) State() ConnState {
	return c.stateMgr.State()
}

// Sequence returns the sequence counters of the current connection, or false when data
// transfer is not active.
func (c *Client) Sequence() (SequenceState, bool) {
	sess := c.currentSession()
	if sess == nil {
		return SequenceState{}, false
	}

	return sess.snapshot(), true
}

// Pending returns the outstanding commands.
func (c *Client) Pending() []PendingCommand {
	return c.pending.list()
}

// Metrics returns the metrics of the client.
func (c *Client) Metrics() *ConnectionMetrics {
	return &c.metrics
}

// Config returns the configuration of the client.
func (c *Client) Config() *ConnectionConfig {
	return c.cfg
}

// AddStateHandler registers handlers invoked on every link state change. Handlers run
// synchronously with the transition and must not block.
func (c *Client) AddStateHandler(handlers ...ConnStateChangeHandler) {
	c.stateMgr.AddHandler(handlers...)
}

func (c *Client) currentSession() *session {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()

	return c.sess
}

func (c *Client) activeSession() (*session, error) {
	if c.shutdown.Load() {
		return nil, ErrConnClosed
	}

	sess := c.currentSession()
	if sess == nil || !c.stateMgr.State().IsActive() {
		return nil, ErrNotActive
	}

	return sess, nil
}

// writeFailed tears the connection down when err left the socket unusable, and returns err.
func (c *Client) writeFailed(sess *session, err error) error {
	var wErr *WriteError
	if errors.As(err, &wErr) {
		if wErr.Fatal() {
			c.fail(sess, err)
		} else {
			c.logger.Warn("write timed out, frame not sent", "epoch", sess.epoch, "error", err)
		}
	}

	return err
}

// stopDT acknowledges received I-frames and performs the STOPDT handshake. The confirmation is
// observed by the reader loop; without a running reader Close waits t1.
func (c *Client) stopDT(sess *session) {
	if err := sess.sendS(false); err != nil {
		c.logger.Debug("failed to acknowledge before STOPDT", "method", "stopDT", "error", err)
		return
	}

	if err := sess.sendU(apci.StopDTAct); err != nil {
		c.logger.Debug("failed to send STOPDT act", "method", "stopDT", "error", err)
		return
	}

	timer := pool.GetTimer(c.cfg.timeouts.AckWait)
	defer pool.PutTimer(timer)

	select {
	case <-sess.stopCon:
		c.logger.Debug("STOPDT confirmed", "method", "stopDT")
	case <-sess.ctx.Done():
	case <-timer.C:
		c.logger.Warn("STOPDT not confirmed", "method", "stopDT", "error", ErrStopDTTimeout)
	}
}
