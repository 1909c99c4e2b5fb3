package usbuart

import (
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/allbin/go-usbuart/internal/usbio"
)

// iface describes the bulk endpoint pair and transfer chunk size a
// driver uses. Endpoint values carry the direction bit.
type iface struct {
	epBulkIn  uint8
	epBulkOut uint8
	chunkSize uint16
}

const (
	endpointIn  = 0x80
	endpointOut = 0x00

	vendorRequestOut = 0x40 // vendor request, host to device
	vendorRequestIn  = 0xc0 // vendor request, device to host

	defaultTimeout = 5 * time.Second
)

// driver embodies the chip-specific side of a channel: control
// sequences for line configuration and the framing of bulk transfer
// buffers. A driver exclusively owns its claimed interface and is
// released before its device handle is closed.
type driver interface {
	ifc() iface
	setup(Protocol) error
	setBaudRate(uint32) error
	reset() error
	sendBreak() error
	// readCallback interprets a completed bulk-in transfer and returns
	// the offset of the first payload byte. It may shrink xfer.Actual
	// when the transfer carries no payload at all.
	readCallback(xfer *usbio.Transfer) int
	// writeCallback runs after a bulk-out transfer fully completes.
	writeCallback(xfer *usbio.Transfer)
	// prepareWrite runs just before payload bytes are read into the out
	// buffer. The payload is always read to the start of the buffer, so
	// nothing written here is kept as a prefix.
	prepareWrite(xfer *usbio.Transfer)
	// lineErrors returns the sticky line-error bits seen so far.
	lineErrors() uint8
	device() usbio.Device
	release()
}

// generic implements the driver methods common to every chip. Chip
// drivers embed it and override what they need. Control transfers run
// with the device's 5 s default timeout.
type generic struct {
	dev     usbio.Device
	ifcdesc iface
	ifcnum  uint8
}

// newGeneric claims the interface and maps claim failures onto the
// error taxonomy.
func newGeneric(dev usbio.Device, ifcdesc iface, ifcnum uint8) (generic, error) {
	g := generic{dev: dev, ifcdesc: ifcdesc, ifcnum: ifcnum}
	if err := dev.ClaimInterface(int(ifcnum)); err != nil {
		logger.WithField("interface", ifcnum).WithError(err).Error("claim interface failed")
		switch {
		case errors.Is(err, usbio.ErrNoDevice):
			return g, fmt.Errorf("%w: %v", NoDevice, err)
		case errors.Is(err, usbio.ErrNotFound):
			return g, fmt.Errorf("%w: %v", NoInterface, err)
		case errors.Is(err, usbio.ErrBusy):
			return g, fmt.Errorf("%w: %v", InterfaceBusy, err)
		case errors.Is(err, usbio.ErrAccess):
			return g, fmt.Errorf("%w: %v", NoAccess, err)
		}
		return g, fmt.Errorf("%w: %v", USBError, err)
	}
	return g, nil
}

func (g *generic) ifc() iface                          { return g.ifcdesc }
func (g *generic) setup(Protocol) error                { return nil }
func (g *generic) setBaudRate(uint32) error            { return nil }
func (g *generic) reset() error                        { return nil }
func (g *generic) sendBreak() error                    { return NotImplemented }
func (g *generic) readCallback(*usbio.Transfer) int    { return 0 }
func (g *generic) writeCallback(*usbio.Transfer)       {}
func (g *generic) prepareWrite(*usbio.Transfer)        {}
func (g *generic) lineErrors() uint8                   { return 0 }
func (g *generic) device() usbio.Device                { return g.dev }

func (g *generic) release() {
	// The device handle stays open; it outlives the interface claim.
	g.dev.ReleaseInterface(int(g.ifcnum))
}

// writeCV issues a vendor write with no data stage.
func (g *generic) writeCV(req uint8, val, idx uint16) error {
	if _, err := g.dev.Control(vendorRequestOut, req, val, idx, nil); err != nil {
		logger.WithFields(logFields(vendorRequestOut, req, val, idx)).
			WithError(err).Error("control transfer failed")
		return fmt.Errorf("%w: %v", ControlError, err)
	}
	return nil
}

// readCV8 reads a single status byte via a vendor read.
func (g *generic) readCV8(req uint8, val uint16) (uint8, error) {
	var buf [1]byte
	n, err := g.dev.Control(vendorRequestIn, req, val, 0, buf[:])
	if err != nil || n != 1 {
		logger.WithFields(logFields(vendorRequestIn, req, val, 0)).
			WithError(err).Error("control transfer failed")
		return 0, fmt.Errorf("%w: %v", ControlError, err)
	}
	return buf[0], nil
}

// readCV16 reads a little-endian 16-bit value via a vendor read.
func (g *generic) readCV16(req uint8, val uint16) (uint16, error) {
	var buf [2]byte
	n, err := g.dev.Control(vendorRequestIn, req, val, 0, buf[:])
	if err != nil || n != 2 {
		logger.WithFields(logFields(vendorRequestIn, req, val, 0)).
			WithError(err).Error("control transfer failed")
		return 0, fmt.Errorf("%w: %v", ControlError, err)
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// control issues a class or vendor transfer with a data stage.
func (g *generic) control(reqType, req uint8, data []byte) error {
	if _, err := g.dev.Control(reqType, req, 0, 0, data); err != nil {
		logger.WithFields(logFields(reqType, req, 0, 0)).
			WithError(err).Error("control transfer failed")
		return fmt.Errorf("%w: %v", ControlError, err)
	}
	return nil
}

func logFields(reqType, req uint8, val, idx uint16) log.Fields {
	return log.Fields{
		"reqtype": fmt.Sprintf("%#02x", reqType),
		"request": fmt.Sprintf("%#02x", req),
		"value":   fmt.Sprintf("%#04x", val),
		"index":   fmt.Sprintf("%#04x", idx),
	}
}
