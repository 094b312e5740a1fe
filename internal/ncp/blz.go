package ncp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"golang.org/x/time/rate"

	"blz-host/internal/blz"
	"blz-host/internal/metrics"
	"blz-host/internal/syncutil"
	"blz-host/internal/waitress"
	"blz-host/internal/zdo"
)

// Default timings.
const (
	DefaultTimeout           = 10 * time.Second
	DefaultResetTimeout      = 5 * time.Second
	DefaultBroadcastInterval = 200 * time.Millisecond
	DefaultSendAttempts      = 2
	DefaultConcurrency       = 1
)

// Frames larger than this are line noise; the scanner restarts past them.
const maxFrameSize = 1024

// Config tunes a Driver. Zero fields take the defaults above.
type Config struct {
	Timeout           time.Duration
	ResetTimeout      time.Duration
	BroadcastInterval time.Duration
	// SendAttempts bounds unicast SendData tries on response timeout.
	SendAttempts int
	Concurrency  int
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = DefaultBroadcastInterval
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = DefaultSendAttempts
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
}

// responseMatcher selects the answer to one request. Responses echo the
// request sequence except when the answer is a different command (reset).
type responseMatcher struct {
	ID     blz.CommandID
	Seq    uint8
	AnySeq bool
}

func matchResponse(f blz.Frame, m responseMatcher) bool {
	return f.CommandID == m.ID && (m.AnySeq || f.Sequence == m.Seq)
}

func formatResponse(m responseMatcher, timeout time.Duration) string {
	if m.AnySeq {
		return fmt.Sprintf("%s after %s", m.ID, timeout)
	}
	return fmt.Sprintf("%s seq=%d after %s", m.ID, m.Seq, timeout)
}

// Driver talks to one BLZ coprocessor.
type Driver struct {
	cfg     Config
	open    Opener
	logger  *slog.Logger
	metrics *metrics.Metrics
	queue   *Queue
	pacer   *rate.Limiter

	commands *waitress.Waitress[blz.Frame, responseMatcher]
	zdoWait  *waitress.Waitress[zdo.Response, zdo.Target]
	confirms *waitress.Waitress[blz.ApsDataConfirm, uint32]
	dataWait *waitress.Waitress[blz.ApsDataIndication, DataMatch]

	// unacked holds requests sent without a waiter whose status reply may
	// still arrive, with the time they were sent.
	unackedMu syncutil.Mutex
	unacked   map[sentKey]time.Time

	seq atomic.Uint32
	tag atomic.Uint32

	writeMu syncutil.Mutex

	// lifecycleMu guards port, done and closing across Open/Close.
	lifecycleMu syncutil.Mutex
	port        io.ReadWriteCloser
	done        chan struct{}
	closing     bool
	wg          sync.WaitGroup

	handlerMu     syncutil.RWMutex
	onStackStatus func(blz.StackStatus)
	onDeviceJoin  func(blz.DeviceJoin)
	onApsData     func(blz.ApsDataIndication)
	onZdo         func(zdo.Response)
	onNwkStatus   func(blz.NwkStatus)
	onCallback    func(blz.Message)
	onClose       func(error)
	scanTap       func(blz.Message)
}

var _ NCP = (*Driver)(nil)

// New creates a Driver. Nothing is opened until Open.
func New(open Opener, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Driver {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:      cfg,
		open:     open,
		logger:   logger.With("component", "ncp"),
		metrics:  m,
		queue:    NewQueue(cfg.Concurrency, m),
		pacer:    rate.NewLimiter(rate.Every(cfg.BroadcastInterval), 1),
		commands: waitress.New(matchResponse, formatResponse),
		zdoWait: waitress.New(
			func(r zdo.Response, t zdo.Target) bool { return t.Matches(r) },
			func(t zdo.Target, timeout time.Duration) string { return fmt.Sprintf("%s after %s", t, timeout) },
		),
		confirms: waitress.New(
			func(c blz.ApsDataConfirm, tag uint32) bool { return c.MessageTag == tag },
			func(tag uint32, timeout time.Duration) string {
				return fmt.Sprintf("apsDataConfirm tag=%d after %s", tag, timeout)
			},
		),
		dataWait: waitress.New(
			func(ind blz.ApsDataIndication, m DataMatch) bool { return m.Matches(ind) },
			func(m DataMatch, timeout time.Duration) string { return fmt.Sprintf("%s after %s", m, timeout) },
		),
		unacked: make(map[sentKey]time.Time),
	}
}

// Open opens the transport and starts the read loop. Opening an open
// driver is a no-op.
func (d *Driver) Open(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if d.port != nil {
		return nil
	}

	port, err := d.open(ctx)
	if err != nil {
		return err
	}
	d.port = port
	d.done = make(chan struct{})
	d.closing = false

	d.wg.Add(1)
	go d.readLoop(port, d.done)
	d.logger.Info("transport opened")
	return nil
}

// Close stops the read loop, closes the transport and fails every pending
// waiter. It is safe to call repeatedly; the driver can be reopened.
func (d *Driver) Close() error {
	d.lifecycleMu.Lock()
	if d.port == nil {
		d.lifecycleMu.Unlock()
		return nil
	}
	d.closing = true
	close(d.done)
	err := d.port.Close()
	d.port = nil
	d.lifecycleMu.Unlock()

	d.wg.Wait()
	d.clearWaiters()
	d.logger.Info("transport closed")
	return err
}

func (d *Driver) clearWaiters() {
	d.commands.Clear()
	d.zdoWait.Clear()
	d.confirms.Clear()
	d.dataWait.Clear()
	d.metrics.SetWaiters("command", 0)
	d.metrics.SetWaiters("zdo", 0)
	d.metrics.SetWaiters("data", 0)

	d.unackedMu.Lock()
	clear(d.unacked)
	d.unackedMu.Unlock()
}

// Connected reports whether a transport is open.
func (d *Driver) Connected() bool {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	return d.port != nil
}

// Stats returns a snapshot of queue and waiter counts.
func (d *Driver) Stats() Stats {
	return Stats{
		Connected:      d.Connected(),
		QueueWaiting:   d.queue.Waiting(),
		QueueRunning:   d.queue.Running(),
		CommandWaiters: d.commands.Len(),
		ZdoWaiters:     d.zdoWait.Len(),
		DataWaiters:    d.dataWait.Len(),
	}
}

// --- Transport: write ---

func (d *Driver) write(frame []byte) error {
	d.lifecycleMu.Lock()
	port := d.port
	d.lifecycleMu.Unlock()
	if port == nil {
		return ErrNotConnected
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if _, err := port.Write(frame); err != nil {
		return err
	}
	d.metrics.FrameSent()
	return nil
}

// --- Transport: read loop ---

func (d *Driver) readLoop(port io.ReadWriteCloser, done chan struct{}) {
	defer d.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		sc := bufio.NewScanner(port)
		sc.Buffer(make([]byte, 0, 256), maxFrameSize)
		sc.Split(blz.SplitFrames)

		for sc.Scan() {
			backoff = 10 * time.Millisecond
			d.handleFrame(sc.Bytes())
		}

		select {
		case <-done:
			return
		default:
		}

		err := sc.Err()
		if err == nil || isClosed(err) {
			d.transportLost(port, err)
			return
		}

		d.metrics.FrameDropped("read")
		d.logger.Error("read error", "err", err)
		select {
		case <-time.After(backoff):
		case <-done:
			return
		}
		if backoff < maxBackoff {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// isClosed reports whether a read error means the transport is gone.
func isClosed(err error) bool {
	var pe *serial.PortError
	if errors.As(err, &pe) && pe.Code() == serial.PortClosed {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed)
}

// transportLost tears down after the peer went away. The driver stays
// reopenable.
func (d *Driver) transportLost(port io.ReadWriteCloser, cause error) {
	d.lifecycleMu.Lock()
	if d.port != port || d.closing {
		d.lifecycleMu.Unlock()
		return
	}
	close(d.done)
	_ = d.port.Close()
	d.port = nil
	d.lifecycleMu.Unlock()

	d.clearWaiters()
	err := ErrTransportLost
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrTransportLost, cause)
	}
	d.logger.Warn("transport lost", "err", err)

	d.handlerMu.RLock()
	onClose := d.onClose
	d.handlerMu.RUnlock()
	if onClose != nil {
		go onClose(err)
	}
}

func (d *Driver) handleFrame(raw []byte) {
	f, err := blz.DecodeFrame(raw)
	if err != nil {
		d.metrics.FrameDropped("corrupt")
		d.logger.Warn("dropping frame", "err", err, "raw", fmt.Sprintf("%X", raw))
		return
	}
	d.metrics.FrameReceived()

	desc, err := blz.Lookup(f.CommandID)
	if err != nil {
		d.metrics.FrameDropped("unknown")
		d.logger.Debug("unknown frame", "cmd", fmt.Sprintf("0x%04X", uint16(f.CommandID)), "payload", fmt.Sprintf("%X", f.Payload))
		return
	}

	d.logger.Debug("frame received", "cmd", desc.Name, "seq", f.Sequence, "payload", fmt.Sprintf("%X", f.Payload))

	matched := d.commands.Resolve(f)
	if !desc.Callback {
		if !matched && d.takeUnacked(f.CommandID, f.Sequence) {
			d.logger.Debug("reply to unawaited request", "cmd", desc.Name, "seq", f.Sequence, "payload", fmt.Sprintf("%X", f.Payload))
			return
		}
		if !matched {
			d.metrics.FrameDropped("orphan")
			d.logger.Warn("orphaned response (too late)", "cmd", desc.Name, "seq", f.Sequence, "payload", fmt.Sprintf("%X", f.Payload))
		}
		return
	}

	msg, rest, err := blz.DecodeMessage(f.CommandID, f.Payload)
	if err != nil {
		d.metrics.FrameDropped("decode")
		d.logger.Warn("callback decode failed", "cmd", desc.Name, "err", err)
		return
	}
	if rest > 0 {
		d.logger.Debug("callback has trailing bytes", "cmd", desc.Name, "extra", rest)
	}
	d.dispatch(msg)
}

// dispatch routes a decoded callback. Handlers are snapshotted so they may
// re-register without deadlocking.
func (d *Driver) dispatch(msg blz.Message) {
	d.handlerMu.RLock()
	onStackStatus := d.onStackStatus
	onDeviceJoin := d.onDeviceJoin
	onApsData := d.onApsData
	onZdo := d.onZdo
	onNwkStatus := d.onNwkStatus
	onCallback := d.onCallback
	scanTap := d.scanTap
	d.handlerMu.RUnlock()

	switch m := msg.(type) {
	case blz.ApsDataIndication:
		d.metrics.ApsDataEvent("rx", "ok")
		if m.ProfileID == zdo.ProfileID {
			rsp, err := zdo.ParseResponse(m.ClusterID, m.SrcAddr, m.Payload)
			if err != nil {
				d.logger.Warn("zdo response", "cluster", zdo.ClusterName(m.ClusterID), "err", err)
				break
			}
			d.zdoWait.Resolve(rsp)
			d.metrics.SetWaiters("zdo", d.zdoWait.Len())
			if onZdo != nil {
				onZdo(rsp)
			}
			break
		}
		if d.dataWait.Resolve(m) {
			d.metrics.SetWaiters("data", d.dataWait.Len())
		}
		if onApsData != nil {
			onApsData(m)
		}

	case blz.ApsDataConfirm:
		result := "ok"
		if m.Status != blz.StatusSuccess {
			result = "failed"
		}
		d.metrics.ApsDataEvent("confirm", result)
		d.confirms.Resolve(m)

	case blz.DeviceJoin:
		if m.Status == blz.JoinDeviceLeft {
			// The firmware never sends a leave response; complete any
			// pending leave request for this device ourselves. A device
			// leaving to rejoin is reported with a rejoin status instead,
			// so it never gets here.
			rsp := zdo.FakeLeaveResponse(m.NodeID, m.EUI64)
			if d.zdoWait.Resolve(rsp) && onZdo != nil {
				onZdo(rsp)
			}
		}
		if onDeviceJoin != nil {
			onDeviceJoin(m)
		}

	case blz.StackStatus:
		d.logger.Info("stack status", "status", fmt.Sprintf("0x%02X", uint8(m.Status)))
		if onStackStatus != nil {
			onStackStatus(m)
		}

	case blz.NwkStatus:
		if onNwkStatus != nil {
			onNwkStatus(m)
		}

	case blz.EnergyScanResult, blz.NetworkScanResult:
		if scanTap != nil {
			scanTap(msg)
		}

	case blz.StatusResponse:
		if m.ID == blz.CmdScanComplete && scanTap != nil {
			scanTap(msg)
		}

	case blz.ErrorFrame:
		d.logger.Warn("coprocessor error", "code", fmt.Sprintf("0x%02X", m.Code))
	}

	if onCallback != nil {
		onCallback(msg)
	}
}

// --- Requests ---

type execOptions struct {
	timeout    time.Duration
	noResponse bool
}

// ExecOption adjusts one Execute call.
type ExecOption func(*execOptions)

// WithTimeout overrides the response timeout.
func WithTimeout(d time.Duration) ExecOption {
	return func(o *execOptions) { o.timeout = d }
}

// WithoutResponse writes the request and returns without waiting.
func WithoutResponse() ExecOption {
	return func(o *execOptions) { o.noResponse = true }
}

// Execute sends req through the queue and waits for its response. A
// non-success status is returned as *blz.StatusError together with the
// decoded response.
func (d *Driver) Execute(ctx context.Context, req blz.Request, opts ...ExecOption) (blz.Message, error) {
	release, err := d.queue.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return d.execute(ctx, req, opts...)
}

// execute is Execute for callers already holding a queue slot.
func (d *Driver) execute(ctx context.Context, req blz.Request, opts ...ExecOption) (blz.Message, error) {
	o := execOptions{timeout: d.cfg.Timeout}
	for _, opt := range opts {
		opt(&o)
	}

	desc, err := blz.Lookup(req.Command())
	if err != nil {
		return nil, err
	}
	payload, err := blz.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", desc.Name, err)
	}

	seq := uint8(d.seq.Add(1))
	frame := blz.EncodeFrame(blz.Frame{
		Control:   blz.ControlRequest,
		Sequence:  seq,
		CommandID: desc.ID,
		Payload:   payload,
	})

	var w *waitress.Waiter[blz.Frame]
	if o.noResponse {
		d.expectUnacked(desc.ResponseID, seq)
	} else {
		w = d.commands.WaitFor(responseMatcher{
			ID:     desc.ResponseID,
			Seq:    seq,
			AnySeq: desc.ResponseID != desc.ID,
		}, o.timeout)
	}

	if err := d.write(frame); err != nil {
		if w != nil {
			d.commands.Remove(w.ID())
		} else {
			d.takeUnacked(desc.ResponseID, seq)
		}
		d.metrics.CommandDone(desc.Name, "write_error", 0)
		return nil, &TransportWriteError{Command: desc.ID, Err: err}
	}
	d.logger.Debug("frame sent", "cmd", desc.Name, "seq", seq, "payload", fmt.Sprintf("%X", payload))

	if w == nil {
		d.metrics.CommandDone(desc.Name, "sent", 0)
		return nil, nil
	}

	start := time.Now()
	w.Start()
	d.metrics.SetWaiters("command", d.commands.Len())
	f, err := w.Wait(ctx)
	d.metrics.SetWaiters("command", d.commands.Len())
	if err != nil {
		result := "error"
		if errors.Is(err, waitress.ErrTimeout) {
			result = "timeout"
			d.logger.Warn("command timeout", "cmd", desc.Name, "seq", seq)
		}
		d.metrics.CommandDone(desc.Name, result, 0)
		return nil, fmt.Errorf("%s: %w", desc.Name, err)
	}
	d.metrics.CommandDone(desc.Name, "ok", time.Since(start))

	msg, rest, err := blz.DecodeMessage(f.CommandID, f.Payload)
	if err != nil {
		return nil, err
	}
	if rest > 0 {
		d.logger.Debug("response has trailing bytes", "cmd", desc.Name, "extra", rest)
	}
	if sc, ok := msg.(blz.StatusCarrier); ok && sc.StatusCode() != blz.StatusSuccess {
		return msg, &blz.StatusError{Command: desc.ID, Status: sc.StatusCode()}
	}
	return msg, nil
}

// sentKey identifies the reply to a request sent without a waiter.
type sentKey struct {
	id  blz.CommandID
	seq uint8
}

// expectUnacked records that a reply to seq may arrive unawaited. Entries
// older than the response timeout are pruned, so a reused sequence number
// is not mistaken for an old send.
func (d *Driver) expectUnacked(id blz.CommandID, seq uint8) {
	now := time.Now()
	d.unackedMu.Lock()
	defer d.unackedMu.Unlock()
	for k, sent := range d.unacked {
		if now.Sub(sent) > d.cfg.Timeout {
			delete(d.unacked, k)
		}
	}
	d.unacked[sentKey{id, seq}] = now
}

// takeUnacked reports whether a reply was expected for seq and forgets it.
func (d *Driver) takeUnacked(id blz.CommandID, seq uint8) bool {
	d.unackedMu.Lock()
	defer d.unackedMu.Unlock()
	k := sentKey{id, seq}
	sent, ok := d.unacked[k]
	if !ok {
		return false
	}
	delete(d.unacked, k)
	return time.Since(sent) <= d.cfg.Timeout
}

// --- Callback setters ---

func (d *Driver) OnStackStatus(handler func(blz.StackStatus)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.onStackStatus = handler
}

func (d *Driver) OnDeviceJoin(handler func(blz.DeviceJoin)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.onDeviceJoin = handler
}

func (d *Driver) OnApsData(handler func(blz.ApsDataIndication)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.onApsData = handler
}

func (d *Driver) OnZdoResponse(handler func(zdo.Response)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.onZdo = handler
}

func (d *Driver) OnNwkStatus(handler func(blz.NwkStatus)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.onNwkStatus = handler
}

// OnCallback registers a handler called for every decoded callback after
// the specific handlers.
func (d *Driver) OnCallback(handler func(blz.Message)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.onCallback = handler
}

// OnClose registers a handler for unexpected transport loss. It runs on its
// own goroutine and is not called for Close.
func (d *Driver) OnClose(handler func(error)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.onClose = handler
}
