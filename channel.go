package usbuart

import (
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"golang.org/x/sys/unix"

	"github.com/allbin/go-usbuart/internal/usbio"
)

// Channel status bits reported by Context.Status.
const (
	ReadPipeOK  = 1
	WritePipeOK = 2
	USBDevOK    = 4
	AllesGute   = ReadPipeOK | WritePipeOK | USBDevOK
)

// ChannelStats carries the traffic counters of a live channel.
type ChannelStats struct {
	RxBytes    uint64 // payload bytes delivered to the channel's write fd
	TxBytes    uint64 // bytes submitted to the bulk-out endpoint
	LineErrors uint8  // sticky line-error bits (chip dependent)
}

// slot is one libusb-style transfer with its bookkeeping. While busy
// the transfer buffer belongs to the engine and must not be touched.
type slot struct {
	xfer    *usbio.Transfer
	busy    bool
	readpos int // bytes already drained into the pipe (read slots)
}

// fileChannel bridges one USB interface to a descriptor pair: two
// double-buffered bulk-in transfers feed the write fd, and one
// bulk-out transfer is fed from the read fd. All pipe I/O is
// non-blocking; a half that would block subscribes the fd for a
// one-shot poll with the owning backend.
type fileChannel struct {
	owner *backend
	token int
	dev   usbio.Device
	drv   driver

	// Descriptors the engine pumps. In pipe mode these are the near
	// ends; userRead/userWrite are what the caller identifies the
	// channel by.
	fdrd      int
	fdwr      int
	userRead  int
	userWrite int
	pipeMode  bool
	exRead    int
	exWrite   int

	removed atomic.Bool // entered the delete list

	mu      sync.Mutex
	read    [2]slot
	write   slot
	current int // read slot presently being drained

	pipeinReady   bool
	pipeoutReady  bool
	pipeinHangup  bool
	pipeoutHangup bool
	deviceHangup  bool

	rxBytes uint64
	txBytes uint64
}

func newFileChannel(owner *backend, ch Channel, drv driver, token int) *fileChannel {
	return &fileChannel{
		owner:     owner,
		token:     token,
		dev:       drv.device(),
		drv:       drv,
		fdrd:      ch.FDRead,
		fdwr:      ch.FDWrite,
		userRead:  ch.FDRead,
		userWrite: ch.FDWrite,
		exRead:    -1,
		exWrite:   -1,
	}
}

// newPipeChannel creates two pipes and a channel over their near ends.
// The caller's channel is overwritten with the far ends on success.
func newPipeChannel(owner *backend, ch *Channel, drv driver, token int) (*fileChannel, error) {
	var toDev, fromDev [2]int
	if err := unix.Pipe(toDev[:]); err != nil {
		return nil, PipeError
	}
	if err := unix.Pipe(fromDev[:]); err != nil {
		unix.Close(toDev[0])
		unix.Close(toDev[1])
		return nil, PipeError
	}
	fc := newFileChannel(owner, Channel{FDRead: toDev[0], FDWrite: fromDev[1]}, drv, token)
	fc.pipeMode = true
	fc.exRead = fromDev[0]
	fc.exWrite = toDev[1]
	fc.userRead = fromDev[0]
	fc.userWrite = toDev[1]
	ch.FDRead = fromDev[0]
	ch.FDWrite = toDev[1]
	return fc, nil
}

// equals reports whether the caller-visible channel refers to this one.
func (fc *fileChannel) equals(ch Channel) bool {
	return ch.FDRead == fc.userRead || ch.FDWrite == fc.userWrite
}

func (fc *fileChannel) chunkSize() int {
	return int(fc.drv.ifc().chunkSize)
}

// init brings the channel up: descriptors non-blocking, transfer slots
// allocated, both bulk-in transfers in flight, and one read-pipe pass
// to prime the bulk-out path.
func (fc *fileChannel) init() error {
	if err := setNonblock(fc.fdrd); err != nil {
		return err
	}
	if err := setNonblock(fc.fdwr); err != nil {
		return err
	}
	ifc := fc.drv.ifc()
	eng := fc.owner.eng
	size := fc.chunkSize()
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for i := range fc.read {
		fc.read[i].xfer = eng.NewTransfer(fc.dev, ifc.epBulkIn, size, fc.token, defaultTimeout)
	}
	fc.write.xfer = eng.NewTransfer(fc.dev, ifc.epBulkOut, size, fc.token, defaultTimeout)
	fc.current = 0
	fc.read[0].busy = fc.submitLocked(fc.read[0].xfer)
	fc.read[1].busy = fc.submitLocked(fc.read[1].xfer)
	fc.readpipeLocked()
	return nil
}

func setNonblock(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return FcntlError
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
		return FcntlError
	}
	return nil
}

// close cancels whatever is in flight and marks both pipe halves hung
// up. It reports whether the channel is already safe to free.
func (fc *fileChannel) close() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.closeLocked()
}

func (fc *fileChannel) closeLocked() bool {
	if fc.write.busy {
		fc.write.xfer.Cancel()
	}
	for i := range fc.read {
		if fc.read[i].busy {
			fc.read[i].xfer.Cancel()
		}
	}
	fc.pipeinHangup = true
	fc.pipeoutHangup = true
	return !fc.busyLocked()
}

func (fc *fileChannel) busy() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.busyLocked()
}

func (fc *fileChannel) busyLocked() bool {
	return fc.write.busy || fc.read[0].busy || fc.read[1].busy
}

// destroy releases the driver (and with it the interface claim) and
// closes the device handle; pipe mode also closes all four pipe ends.
func (fc *fileChannel) destroy() {
	if fc.pipeMode {
		unix.Close(fc.exRead)
		unix.Close(fc.fdwr)
		unix.Close(fc.fdrd)
		unix.Close(fc.exWrite)
	}
	fc.drv.release()
	fc.dev.Close()
}

func (fc *fileChannel) status() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	s := 0
	if !fc.pipeinHangup {
		s |= ReadPipeOK
	}
	if !fc.pipeoutHangup {
		s |= WritePipeOK
	}
	if !fc.deviceHangup {
		s |= USBDevOK
	}
	return s
}

func (fc *fileChannel) stats() ChannelStats {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return ChannelStats{
		RxBytes:    fc.rxBytes,
		TxBytes:    fc.txBytes,
		LineErrors: fc.drv.lineErrors(),
	}
}

// setEvents records descriptor readiness reported by poll. Hangup of
// either half is terminal for that half.
func (fc *fileChannel) setEvents(revents int16, readSide bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if revents&unix.POLLIN != 0 {
		fc.pipeinReady = true
	}
	if revents&unix.POLLOUT != 0 {
		fc.pipeoutReady = true
	}
	hup := revents&unix.POLLHUP != 0
	if !readSide {
		// The write end of a pipe reports POLLERR once its reader is
		// gone; treat it like hangup.
		hup = hup || revents&unix.POLLERR != 0
	}
	if hup {
		if readSide {
			fc.pipeinHangup = true
		} else {
			fc.pipeoutHangup = true
		}
		fc.requestRemovalLocked(false)
	}
}

// events runs whichever pump the last poll round made ready.
func (fc *fileChannel) events() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.pipeinReady {
		fc.pipeinReady = false
		fc.readpipeLocked()
	}
	if fc.pipeoutReady {
		fc.pipeoutReady = false
		fc.writepipeLocked(fc.current)
	}
}

func (fc *fileChannel) reset() error     { return fc.drv.reset() }
func (fc *fileChannel) sendBreak() error { return fc.drv.sendBreak() }

func (fc *fileChannel) pollRequest(fd int, events int16) {
	fc.owner.pollRequest(fd, events)
}

// requestRemovalLocked schedules the channel for deferred deletion once
// it is terminally broken: the device is gone, or both pipe halves
// have hung up.
func (fc *fileChannel) requestRemovalLocked(enforce bool) {
	if enforce {
		fc.deviceHangup = true
	}
	if fc.deviceHangup || (fc.pipeinHangup && fc.pipeoutHangup) {
		fc.closeLocked()
		fc.owner.scheduleRemoval(fc)
	}
}

// transferComplete is the completion entry point, dispatched from the
// engine on the loop thread. The classifier: COMPLETED and TIMED_OUT
// continue down the data path, CANCELLED and NO_DEVICE are silently
// terminal, the severe statuses are logged and terminal.
func (fc *fileChannel) transferComplete(t *usbio.Transfer) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	idx := -1
	switch t {
	case fc.read[0].xfer:
		idx = 0
		fc.read[0].busy = false
	case fc.read[1].xfer:
		idx = 1
		fc.read[1].busy = false
	case fc.write.xfer:
		fc.write.busy = false
	default:
		logger.Error("completion for unknown transfer")
		return
	}

	switch t.Status {
	case usbio.StatusCompleted, usbio.StatusTimedOut:
	case usbio.StatusCancelled, usbio.StatusNoDevice:
		fc.requestRemovalLocked(true)
		return
	default: // error, stall, overflow
		logger.WithField("status", t.Status.String()).Error("transfer severe error")
		fc.requestRemovalLocked(true)
		return
	}

	if idx >= 0 {
		fc.readCallbackLocked(idx)
	} else {
		fc.writeCallbackLocked()
	}
}

// readCallbackLocked handles a finished bulk-in transfer: the driver
// strips its framing, then the payload is drained into the write fd.
// An empty transfer is resubmitted immediately. A non-current slot
// holds its payload until the current one has fully drained, which
// keeps delivery in USB transfer order.
func (fc *fileChannel) readCallbackLocked(i int) {
	s := &fc.read[i]
	s.readpos = fc.drv.readCallback(s.xfer)
	if fc.pipeoutHangup {
		return
	}
	if s.readpos >= s.xfer.Actual {
		s.readpos = 0
		s.busy = fc.submitLocked(s.xfer)
		if i == fc.current {
			// An empty completion moves this slot to the back of the
			// endpoint queue; the other slot is next in line.
			fc.current = 1 - i
		}
		return
	}
	if i == fc.current {
		fc.writepipeLocked(i)
	}
}

// writeCallbackLocked handles a finished bulk-out transfer. A short
// completion moves the unsent tail to the buffer start and resubmits;
// a full one refills from the read fd.
func (fc *fileChannel) writeCallbackLocked() {
	if fc.pipeinHangup {
		return
	}
	w := fc.write.xfer
	if w.Actual < w.Length {
		if w.Actual != 0 {
			copy(w.Buf, w.Buf[w.Actual:w.Length])
		}
		logger.WithFields(partialFields(w.Actual, w.Length)).Info("partially complete transfer")
		w.Length -= w.Actual
		fc.write.busy = fc.submitLocked(w)
		return
	}
	fc.drv.writeCallback(w)
	fc.readpipeLocked()
}

// readpipeLocked moves bytes from the read fd into the bulk-out buffer
// and submits. EOF hangs up the input half; EAGAIN and EINTR subscribe
// the fd for a one-shot poll.
func (fc *fileChannel) readpipeLocked() {
	if fc.write.busy {
		logger.Warn("accessing busy write transfer")
		return
	}
	w := fc.write.xfer
	fc.drv.prepareWrite(w)
	n, err := unix.Read(fc.fdrd, w.Buf[:fc.chunkSize()])
	switch {
	case n > 0:
		fc.txBytes += uint64(n)
		w.Length = n
		fc.write.busy = fc.submitLocked(w)
	case n == 0 && err == nil:
		logger.Info("read pipe EOF")
		fc.pipeinHangup = true
		fc.requestRemovalLocked(false)
	case err == unix.EAGAIN || err == unix.EINTR:
		fc.pollRequest(fc.fdrd, unix.POLLIN|unix.POLLHUP)
	default:
		logger.WithError(err).Error("read pipe i/o error, shutting down")
		fc.pipeinHangup = true
		fc.requestRemovalLocked(false)
	}
}

// writepipeLocked drains the given read slot into the write fd. A
// partial write advances readpos and subscribes the fd; the slot is
// resubmitted only once fully drained.
func (fc *fileChannel) writepipeLocked(i int) {
	s := &fc.read[i]
	if s.busy {
		logger.Warn("accessing busy read transfer")
		return
	}
	size := s.xfer.Actual - s.readpos
	if size <= 0 {
		return
	}
	n, err := unix.Write(fc.fdwr, s.xfer.Buf[s.readpos:s.xfer.Actual])
	switch {
	case n > 0:
		fc.rxBytes += uint64(n)
		if !fc.consumedLocked(i, n) {
			fc.pollRequest(fc.fdwr, unix.POLLOUT|unix.POLLHUP)
		}
	case err == unix.EAGAIN || err == unix.EINTR:
		fc.pollRequest(fc.fdwr, unix.POLLOUT|unix.POLLHUP)
	default:
		logger.WithError(err).Error("write pipe i/o error, shutting down")
		fc.pipeoutHangup = true
		fc.requestRemovalLocked(false)
	}
}

// consumedLocked advances the slot's drain position. When the slot
// empties it is resubmitted and draining switches to the other slot,
// which preserves delivery order across the double buffer.
func (fc *fileChannel) consumedLocked(i, n int) bool {
	s := &fc.read[i]
	s.readpos += n
	if s.readpos >= s.xfer.Actual {
		s.readpos = 0
		s.busy = fc.submitLocked(s.xfer)
		fc.current = 1 - i
		// The other slot may have completed while this one drained;
		// its payload is due now.
		o := &fc.read[fc.current]
		if !o.busy && o.readpos < o.xfer.Actual {
			fc.writepipeLocked(fc.current)
		}
		return true
	}
	return false
}

func (fc *fileChannel) submitLocked(t *usbio.Transfer) bool {
	if t.IsIn() {
		t.Length = 0
	}
	if err := fc.owner.eng.Submit(t); err != nil {
		logger.WithError(err).Error("transfer submission failed")
		fc.requestRemovalLocked(true)
		return false
	}
	return true
}

func partialFields(actual, length int) log.Fields {
	return log.Fields{"actual": actual, "length": length}
}
