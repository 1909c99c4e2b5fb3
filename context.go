package usbuart

import (
	"errors"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/google/gousb"
	"golang.org/x/sys/unix"

	"github.com/allbin/go-usbuart/internal/usbio"
)

// Context bridges USB-attached UART adapters to file descriptor pairs.
// It owns the libusb context, the live channel list and the event
// loop; see Loop for the threading contract.
//
// Every operation returns zero or a positive count on success and a
// negated Code on failure. Failures never surface as panics.
type Context struct {
	b *backend
}

// NewContext allocates a context backed by a real libusb host.
func NewContext() (*Context, error) {
	host, err := usbio.OpenHost()
	if err != nil {
		logger.WithError(err).Error("libusb initialisation failed")
		return nil, fmt.Errorf("%w: %v", LibusbError, err)
	}
	return newContext(host)
}

// newContext wires a context over any host implementation; tests hand
// in scripted fakes here.
func newContext(host usbio.Host) (*Context, error) {
	b, err := newBackend(host)
	if err != nil {
		return nil, err
	}
	return &Context{b: b}, nil
}

// Attach bridges the device selected by sel to the caller-supplied
// descriptor pair. Bytes read from ch.FDRead are transmitted; received
// bytes are written to ch.FDWrite.
func (c *Context) Attach(sel DeviceSelector, ch Channel, proto Protocol) int {
	if c == nil || c.b == nil {
		return LibusbError.Int()
	}
	return c.result("attach", c.b.attach(sel, &ch, proto, false))
}

// Pipe is Attach with backend-allocated pipes: on success ch is
// overwritten with the user-facing descriptor pair.
func (c *Context) Pipe(sel DeviceSelector, ch *Channel, proto Protocol) int {
	if c == nil || c.b == nil {
		return LibusbError.Int()
	}
	return c.result("pipe", c.b.attach(sel, ch, proto, true))
}

// CloseChannel detaches the channel from its device. The channel is
// reaped by a later Loop call, once its in-flight transfers have
// resolved. Closing an unknown or already-closed channel is a no-op.
func (c *Context) CloseChannel(ch Channel) {
	if c == nil || c.b == nil {
		return
	}
	c.b.closeChannel(ch)
}

// Status returns the channel's status bits (ReadPipeOK, WritePipeOK,
// USBDevOK) or a negated code.
func (c *Context) Status(ch Channel) int {
	if c == nil || c.b == nil {
		return LibusbError.Int()
	}
	status := 0
	if err := c.b.withChannel(ch, func(fc *fileChannel) error {
		status = fc.status()
		return nil
	}); err != nil {
		return codeOf(err).Int()
	}
	return status
}

// ChannelStats returns the channel's traffic counters, with Status-like
// error reporting in the second value.
func (c *Context) ChannelStats(ch Channel) (ChannelStats, int) {
	if c == nil || c.b == nil {
		return ChannelStats{}, LibusbError.Int()
	}
	var stats ChannelStats
	if err := c.b.withChannel(ch, func(fc *fileChannel) error {
		stats = fc.stats()
		return nil
	}); err != nil {
		return ChannelStats{}, codeOf(err).Int()
	}
	return stats, 0
}

// Reset resets the channel's device at the chip level.
func (c *Context) Reset(ch Channel) int {
	if c == nil || c.b == nil {
		return LibusbError.Int()
	}
	return c.result("reset", c.b.withChannel(ch, func(fc *fileChannel) error {
		return fc.reset()
	}))
}

// SendBreak sends an RS-232 break on the channel's line.
func (c *Context) SendBreak(ch Channel) int {
	if c == nil || c.b == nil {
		return LibusbError.Int()
	}
	return c.result("sendbreak", c.b.withChannel(ch, func(fc *fileChannel) error {
		return fc.sendBreak()
	}))
}

// Loop runs one round of the event pump: poll over the engine wake
// descriptor and any subscribed pipe descriptors, transfer completion
// handling, channel pumping and deferred deletion. It returns the
// number of descriptors that fired, or a negated code; NoChannels
// signals an idle loop with nothing left alive.
//
// Loop is single-threaded: the caller owns the thread that pumps it.
// The other Context operations may be called concurrently with Loop
// from any thread.
func (c *Context) Loop(timeoutMs int) int {
	if c == nil || c.b == nil {
		return LibusbError.Int()
	}
	n, err := c.b.loop(timeoutMs)
	if err != nil {
		code := codeOf(err)
		if code != NoChannels {
			logger.WithError(err).Error("loop failed")
		}
		return code.Int()
	}
	return n
}

// ListDevices enumerates the bus, naming the driver that would claim
// each device (empty for unsupported ones).
func (c *Context) ListDevices() ([]DeviceInfo, error) {
	if c == nil || c.b == nil {
		return nil, LibusbError
	}
	return c.b.listDevices()
}

// Native exposes the underlying gousb context, or nil when the context
// is not backed by one.
func (c *Context) Native() *gousb.Context {
	if c == nil || c.b == nil {
		return nil
	}
	return usbio.NativeContext(c.b.host)
}

// Close cancels every channel, drains outstanding transfers with
// bounded retries, and releases the libusb context.
func (c *Context) Close() error {
	if c == nil || c.b == nil {
		return nil
	}
	c.b.shutdown()
	return nil
}

func (c *Context) result(op string, err error) int {
	if err == nil {
		return 0
	}
	code := codeOf(err)
	if code == NoDevice {
		logger.WithField("op", op).Info("no device")
	} else {
		logger.WithField("op", op).WithError(err).Error("operation failed")
	}
	return code.Int()
}

// backend implements the context semantics. The facade above only
// validates receivers and converts errors.
type backend struct {
	host usbio.Host
	eng  *usbio.Engine

	// chmu guards channels. Loop holds it shared while pumping and
	// upgrades to exclusive only to reap; attach and close take it
	// exclusive.
	chmu     *upgradableLock
	channels []*fileChannel

	// arena maps transfer tokens to channels so completions never
	// dereference a freed channel.
	arenaMu   sync.Mutex
	arena     map[int]*fileChannel
	nextToken int

	delmu      sync.Mutex
	deleteList []*fileChannel

	pollmu   sync.Mutex
	pollList []unix.PollFd
	pending  bool // loop thread only
}

func newBackend(host usbio.Host) (*backend, error) {
	eng, err := usbio.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", LibusbError, err)
	}
	b := &backend{
		host:  host,
		eng:   eng,
		chmu:  newUpgradableLock(),
		arena: make(map[int]*fileChannel),
	}
	eng.SetDispatch(b.dispatch)
	return b, nil
}

// dispatch routes a transfer completion to its channel through the
// arena. A token that no longer resolves belongs to a channel freed
// after cancellation; its completion is dropped.
func (b *backend) dispatch(t *usbio.Transfer) {
	b.arenaMu.Lock()
	fc := b.arena[t.Token]
	b.arenaMu.Unlock()
	if fc == nil {
		logger.WithField("token", t.Token).Debug("completion for reaped channel")
		return
	}
	fc.transferComplete(t)
}

func (b *backend) newToken(fc *fileChannel) int {
	b.arenaMu.Lock()
	defer b.arenaMu.Unlock()
	b.nextToken++
	b.arena[b.nextToken] = fc
	return b.nextToken
}

func (b *backend) arenaBind(token int, fc *fileChannel) {
	b.arenaMu.Lock()
	b.arena[token] = fc
	b.arenaMu.Unlock()
}

func (b *backend) arenaDelete(token int) {
	b.arenaMu.Lock()
	delete(b.arena, token)
	b.arenaMu.Unlock()
}

// findDevice scans the bus for the first device the selector matches.
func (b *backend) findDevice(sel DeviceSelector) (usbio.DeviceInfo, error) {
	infos, err := b.host.Devices()
	if err != nil && len(infos) == 0 {
		logger.WithError(err).Error("device enumeration failed")
		return usbio.DeviceInfo{}, fmt.Errorf("%w: %v", LibusbError, err)
	}
	for _, info := range infos {
		if sel.match(info) {
			logger.WithField("device", fmt.Sprintf("%03d/%03d", info.Bus, info.Address)).
				Info("found device")
			return info, nil
		}
	}
	return usbio.DeviceInfo{}, fmt.Errorf("%w: %s", NoDevice, sel)
}

// openDevice opens the located device, folding OS-level failures into
// the taxonomy.
func (b *backend) openDevice(info usbio.DeviceInfo) (usbio.Device, error) {
	dev, err := b.host.Open(info)
	if err != nil {
		logger.WithError(err).Info("device open failed")
		switch {
		case errors.Is(err, usbio.ErrBusy):
			return nil, fmt.Errorf("%w: %v", InterfaceBusy, err)
		case errors.Is(err, usbio.ErrAccess):
			return nil, fmt.Errorf("%w: %v", NoAccess, err)
		case errors.Is(err, usbio.ErrNoDevice):
			return nil, fmt.Errorf("%w: %v", NoDevice, err)
		}
		return nil, fmt.Errorf("%w: %v", IOError, err)
	}
	return dev, nil
}

// attach implements both attach and pipe mode. Construction is
// transactional: whatever was acquired before a failure is released
// before the error propagates.
func (b *backend) attach(sel DeviceSelector, ch *Channel, proto Protocol, pipes bool) error {
	if err := proto.validate(); err != nil {
		return err
	}
	if !pipes {
		if err := validateChannel(*ch); err != nil {
			return err
		}
	}
	info, err := b.findDevice(sel)
	if err != nil {
		return err
	}
	dev, err := b.openDevice(info)
	if err != nil {
		return err
	}
	drv, err := registry.create(dev, sel.iface())
	if err != nil {
		dev.Close()
		return err
	}

	token := b.newToken(nil)
	var fc *fileChannel
	if pipes {
		fc, err = newPipeChannel(b, ch, drv, token)
		if err != nil {
			b.arenaDelete(token)
			drv.release()
			dev.Close()
			return err
		}
	} else {
		fc = newFileChannel(b, *ch, drv, token)
	}
	b.arenaBind(token, fc)

	fail := func(err error) error {
		b.arenaDelete(token)
		fc.destroy()
		return err
	}

	if err := drv.setup(proto); err != nil {
		return fail(err)
	}
	if err := fc.init(); err != nil {
		return fail(err)
	}
	if fc.removed.Load() {
		// A submission failed during bring-up; the channel is already
		// on the delete list and will be reaped by Loop.
		return fmt.Errorf("%w: channel start-up failed", DeviceError)
	}

	b.chmu.Lock()
	b.channels = append(b.channels, fc)
	b.chmu.Unlock()
	logger.WithFields(log.Fields{"fd_read": ch.FDRead, "fd_write": ch.FDWrite}).
		Info("channel attached")
	return nil
}

// withChannel runs fn on the live channel the caller-visible pair
// refers to, under the shared list lock so the reaper cannot free it
// mid-operation. Channels on the delete list are already gone from the
// caller's view.
func (b *backend) withChannel(ch Channel, fn func(*fileChannel) error) error {
	b.chmu.RLock()
	defer b.chmu.RUnlock()
	fc := b.lookupLocked(ch)
	if fc == nil {
		return NoChannel
	}
	return fn(fc)
}

func (b *backend) lookupLocked(ch Channel) *fileChannel {
	for _, fc := range b.channels {
		if !fc.removed.Load() && fc.equals(ch) {
			return fc
		}
	}
	return nil
}

func (b *backend) closeChannel(ch Channel) {
	b.chmu.Lock()
	fc := b.lookupLocked(ch)
	if fc != nil {
		fc.close()
		b.scheduleRemoval(fc)
	}
	b.chmu.Unlock()
}

// scheduleRemoval moves a channel to the delete list exactly once. The
// channel stays allocated until every transfer callback has fired.
func (b *backend) scheduleRemoval(fc *fileChannel) {
	if fc.removed.Swap(true) {
		return
	}
	b.delmu.Lock()
	b.deleteList = append(b.deleteList, fc)
	b.delmu.Unlock()
}

func (b *backend) pendingDeletes() int {
	b.delmu.Lock()
	defer b.delmu.Unlock()
	return len(b.deleteList)
}

func (b *backend) listDevices() ([]DeviceInfo, error) {
	infos, err := b.host.Devices()
	if err != nil && len(infos) == 0 {
		return nil, fmt.Errorf("%w: %v", LibusbError, err)
	}
	out := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, DeviceInfo{
			Bus:     info.Bus,
			Address: info.Address,
			VID:     info.Vendor,
			PID:     info.Product,
			Driver:  registry.lookup(info),
		})
	}
	return out, nil
}
