package usbio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
)

// controlTimeout bounds control transfers on endpoint zero.
const controlTimeout = 5 * time.Second

// gousbHost adapts *gousb.Context to the Host interface.
type gousbHost struct {
	ctx *gousb.Context
}

// OpenHost initialises a libusb context through gousb.
func OpenHost() (Host, error) {
	return &gousbHost{ctx: gousb.NewContext()}, nil
}

// NativeContext returns the underlying gousb context of a host created
// by OpenHost, or nil for any other Host implementation.
func NativeContext(h Host) *gousb.Context {
	if gh, ok := h.(*gousbHost); ok {
		return gh.ctx
	}
	return nil
}

func infoFromDesc(d *gousb.DeviceDesc) DeviceInfo {
	return DeviceInfo{
		Bus:            d.Bus,
		Address:        d.Address,
		Vendor:         uint16(d.Vendor),
		Product:        uint16(d.Product),
		BCDDevice:      uint16(d.Device),
		Class:          uint8(d.Class),
		MaxPacketSize0: d.MaxControlPacketSize,
	}
}

func (h *gousbHost) Devices() ([]DeviceInfo, error) {
	var infos []DeviceInfo
	_, err := h.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		infos = append(infos, infoFromDesc(d))
		return false
	})
	if err != nil && len(infos) == 0 {
		return nil, mapUSBErr(err)
	}
	return infos, nil
}

func (h *gousbHost) Open(info DeviceInfo) (Device, error) {
	devs, err := h.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return d.Bus == info.Bus && d.Address == info.Address
	})
	if len(devs) == 0 {
		if err != nil {
			return nil, mapUSBErr(err)
		}
		return nil, ErrNoDevice
	}
	for _, d := range devs[1:] {
		d.Close()
	}
	devs[0].ControlTimeout = controlTimeout
	return &gousbDevice{dev: devs[0], info: infoFromDesc(devs[0].Desc)}, nil
}

func (h *gousbHost) Close() error {
	return h.ctx.Close()
}

// gousbDevice adapts *gousb.Device. Claiming an interface resolves its
// bulk endpoints once; bulk I/O then goes straight to the cached
// endpoint objects.
type gousbDevice struct {
	dev  *gousb.Device
	info DeviceInfo

	mu   sync.Mutex
	cfg  *gousb.Config
	intf *gousb.Interface
	in   map[uint8]*gousb.InEndpoint
	out  map[uint8]*gousb.OutEndpoint
}

func (d *gousbDevice) Info() DeviceInfo { return d.info }

func (d *gousbDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := d.dev.Control(rType, request, val, idx, data)
	return n, mapUSBErr(err)
}

func (d *gousbDevice) ClaimInterface(num int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.intf != nil {
		return fmt.Errorf("%w: interface already claimed", ErrBusy)
	}
	// The kernel serial driver usually owns the interface; let libusb
	// detach it for the lifetime of the claim.
	if err := d.dev.SetAutoDetach(true); err != nil {
		logger.WithError(err).Debug("auto-detach not available")
	}
	cfgNum, err := d.dev.ActiveConfigNum()
	if err != nil || cfgNum == 0 {
		cfgNum = 1
	}
	cfg, err := d.dev.Config(cfgNum)
	if err != nil {
		return mapUSBErr(err)
	}
	intf, err := cfg.Interface(num, 0)
	if err != nil {
		cfg.Close()
		return mapUSBErr(err)
	}
	in := make(map[uint8]*gousb.InEndpoint)
	out := make(map[uint8]*gousb.OutEndpoint)
	for _, ed := range intf.Setting.Endpoints {
		if ed.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ed.Direction == gousb.EndpointDirectionIn {
			if ep, err := intf.InEndpoint(ed.Number); err == nil {
				in[uint8(ed.Address)] = ep
			}
		} else {
			if ep, err := intf.OutEndpoint(ed.Number); err == nil {
				out[uint8(ed.Address)] = ep
			}
		}
	}
	d.cfg, d.intf, d.in, d.out = cfg, intf, in, out
	return nil
}

func (d *gousbDevice) ReleaseInterface(int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		d.cfg.Close()
		d.cfg = nil
	}
	d.in, d.out = nil, nil
}

func (d *gousbDevice) BulkIn(ctx context.Context, ep uint8, buf []byte) (int, error) {
	d.mu.Lock()
	e := d.in[ep]
	d.mu.Unlock()
	if e == nil {
		return 0, fmt.Errorf("%w: no bulk-in endpoint %#02x", ErrNotFound, ep)
	}
	n, err := e.ReadContext(ctx, buf)
	return n, mapUSBErr(err)
}

func (d *gousbDevice) BulkOut(ctx context.Context, ep uint8, buf []byte) (int, error) {
	d.mu.Lock()
	e := d.out[ep]
	d.mu.Unlock()
	if e == nil {
		return 0, fmt.Errorf("%w: no bulk-out endpoint %#02x", ErrNotFound, ep)
	}
	n, err := e.WriteContext(ctx, buf)
	return n, mapUSBErr(err)
}

func (d *gousbDevice) Reset() error {
	return mapUSBErr(d.dev.Reset())
}

func (d *gousbDevice) Close() error {
	d.ReleaseInterface(0)
	return d.dev.Close()
}

// mapUSBErr folds gousb error codes and transfer statuses onto the
// package sentinels so callers can classify with errors.Is.
func mapUSBErr(err error) error {
	if err == nil {
		return nil
	}
	var ge gousb.Error
	if errors.As(err, &ge) {
		switch ge {
		case gousb.ErrorNoDevice:
			return fmt.Errorf("%w (%v)", ErrNoDevice, err)
		case gousb.ErrorNotFound:
			return fmt.Errorf("%w (%v)", ErrNotFound, err)
		case gousb.ErrorBusy:
			return fmt.Errorf("%w (%v)", ErrBusy, err)
		case gousb.ErrorAccess:
			return fmt.Errorf("%w (%v)", ErrAccess, err)
		case gousb.ErrorTimeout:
			return fmt.Errorf("%w (%v)", ErrTimeout, err)
		case gousb.ErrorPipe:
			return fmt.Errorf("%w (%v)", ErrStall, err)
		case gousb.ErrorOverflow:
			return fmt.Errorf("%w (%v)", ErrOverflow, err)
		}
		return err
	}
	var ts gousb.TransferStatus
	if errors.As(err, &ts) {
		switch ts {
		case gousb.TransferCancelled:
			return fmt.Errorf("%w (%v)", ErrCancelled, err)
		case gousb.TransferTimedOut:
			return fmt.Errorf("%w (%v)", ErrTimeout, err)
		case gousb.TransferStall:
			return fmt.Errorf("%w (%v)", ErrStall, err)
		case gousb.TransferNoDevice:
			return fmt.Errorf("%w (%v)", ErrNoDevice, err)
		case gousb.TransferOverflow:
			return fmt.Errorf("%w (%v)", ErrOverflow, err)
		}
	}
	return err
}
