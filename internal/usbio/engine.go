package usbio

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Status is the outcome of a completed transfer, mirroring the libusb
// transfer status set the channel classifier is written against.
type Status int

const (
	StatusCompleted Status = iota
	StatusError
	StatusTimedOut
	StatusCancelled
	StatusStall
	StatusNoDevice
	StatusOverflow
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	case StatusTimedOut:
		return "timed out"
	case StatusCancelled:
		return "cancelled"
	case StatusStall:
		return "stall"
	case StatusNoDevice:
		return "no device"
	case StatusOverflow:
		return "overflow"
	}
	return "unknown"
}

// Transfer is one asynchronous bulk transfer slot. The buffer belongs
// to the submitter while the transfer is idle and to the engine while
// it is in flight. Endpoint carries the direction bit (0x80 = IN).
//
// Token identifies the owning channel in the caller's arena; the engine
// never dereferences it.
type Transfer struct {
	Endpoint uint8
	Buf      []byte
	Length   int // bytes to send for OUT transfers
	Actual   int // filled in on completion
	Status   Status
	Token    int
	Timeout  time.Duration

	dev Device
	eng *Engine

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// IsIn reports whether the transfer reads from the device.
func (t *Transfer) IsIn() bool { return t.Endpoint&0x80 != 0 }

// Cancel aborts an in-flight transfer. The completion callback still
// fires, with StatusCancelled, once the underlying operation unwinds.
func (t *Transfer) Cancel() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

type completion struct {
	xfer   *Transfer
	status Status
	actual int
}

// Engine owns the completion queue and the wake descriptor. Completions
// are posted from endpoint workers and consumed by HandleEvents on the
// event-loop thread.
//
// Transfers to the same endpoint of the same device execute strictly
// in submission order, which mirrors libusb's per-endpoint transfer
// queue and keeps the double-buffered read path ordered.
type Engine struct {
	mu       sync.Mutex
	queue    []completion
	closed   bool
	dispatch func(*Transfer)
	eps      map[epKey]*epQueue

	notify chan struct{}
	wakeR  int
	wakeW  int
}

type epKey struct {
	dev Device
	ep  uint8
}

// epQueue is one endpoint's submission queue, serviced by at most one
// worker goroutine at a time.
type epQueue struct {
	mu      sync.Mutex
	pending []*Transfer
	running bool
}

// NewEngine allocates the completion queue and the self-pipe used to
// wake poll when a transfer completes.
func NewEngine() (*Engine, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &Engine{
		eps:    make(map[epKey]*epQueue),
		notify: make(chan struct{}, 1),
		wakeR:  p[0],
		wakeW:  p[1],
	}, nil
}

// SetDispatch installs the completion callback. It runs on the thread
// that calls HandleEvents, never on a transfer goroutine.
func (e *Engine) SetDispatch(fn func(*Transfer)) {
	e.mu.Lock()
	e.dispatch = fn
	e.mu.Unlock()
}

// WakeFD returns the descriptor to include (POLLIN) in the event loop's
// poll set. It becomes readable whenever a completion is pending.
func (e *Engine) WakeFD() int { return e.wakeR }

// NewTransfer allocates an idle transfer slot of the given buffer size.
func (e *Engine) NewTransfer(dev Device, ep uint8, size int, token int, timeout time.Duration) *Transfer {
	return &Transfer{
		Endpoint: ep,
		Buf:      make([]byte, size),
		Token:    token,
		Timeout:  timeout,
		dev:      dev,
		eng:      e,
	}
}

// Submit enqueues the transfer on its endpoint queue. IN transfers
// read into the whole buffer; OUT transfers send Buf[:Length].
// Completion is reported through the dispatch callback regardless of
// outcome. The transfer's timeout starts now, queue wait included.
func (e *Engine) Submit(t *Transfer) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	key := epKey{dev: t.dev, ep: t.Endpoint}
	q := e.eps[key]
	if q == nil {
		q = &epQueue{}
		e.eps[key] = q
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.Timeout)
	t.mu.Lock()
	t.ctx = ctx
	t.cancel = cancel
	t.mu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, t)
	if !q.running {
		q.running = true
		go e.serve(q)
	}
	q.mu.Unlock()
	return nil
}

// serve executes one endpoint's transfers in submission order.
func (e *Engine) serve(q *epQueue) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		e.run(t)
	}
}

func (e *Engine) run(t *Transfer) {
	t.mu.Lock()
	ctx, cancel := t.ctx, t.cancel
	t.mu.Unlock()
	defer cancel()

	var n int
	var err error
	if t.IsIn() {
		n, err = t.dev.BulkIn(ctx, t.Endpoint, t.Buf)
	} else {
		n, err = t.dev.BulkOut(ctx, t.Endpoint, t.Buf[:t.Length])
	}
	status := classify(err)
	if status == StatusError && ctx.Err() != nil {
		status = classify(ctx.Err())
	}
	e.post(completion{xfer: t, status: status, actual: n})
}

func classify(err error) Status {
	switch {
	case err == nil:
		return StatusCompleted
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout):
		return StatusTimedOut
	case errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled):
		return StatusCancelled
	case errors.Is(err, ErrNoDevice):
		return StatusNoDevice
	case errors.Is(err, ErrStall):
		return StatusStall
	case errors.Is(err, ErrOverflow):
		return StatusOverflow
	}
	return StatusError
}

func (e *Engine) post(c completion) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, c)
	wakeW := e.wakeW
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
	one := [1]byte{1}
	unix.Write(wakeW, one[:]) // EAGAIN means poll is already pending wake
}

func (e *Engine) take() []completion {
	e.mu.Lock()
	q := e.queue
	e.queue = nil
	e.mu.Unlock()
	return q
}

func (e *Engine) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(e.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// HandleEvents dispatches the completions queued at the time of the
// call. When the queue is empty it waits up to timeout for the first
// completion to arrive. Completions generated by the callbacks
// themselves are left for the next invocation. Returns the number of
// completions dispatched.
func (e *Engine) HandleEvents(timeout time.Duration) int {
	e.drainWake()
	batch := e.take()
	if len(batch) == 0 && timeout > 0 {
		select {
		case <-e.notify:
			batch = e.take()
		case <-time.After(timeout):
		}
	}

	e.mu.Lock()
	dispatch := e.dispatch
	e.mu.Unlock()

	for _, c := range batch {
		c.xfer.Status = c.status
		c.xfer.Actual = c.actual
		if dispatch != nil {
			dispatch(c.xfer)
		} else {
			logger.WithField("endpoint", c.xfer.Endpoint).
				Warn("transfer completion with no dispatcher")
		}
	}
	return len(batch)
}

// Close tears the engine down. Outstanding transfer goroutines may
// still unwind, but their completions are discarded.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.queue = nil
	e.mu.Unlock()
	unix.Close(e.wakeW)
	unix.Close(e.wakeR)
}
