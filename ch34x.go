package usbuart

import (
	"fmt"

	"github.com/allbin/go-usbuart/internal/usbio"
)

// ch34x drives the WCH CH340/CH341 family. The chip has no published
// datasheet for its vendor protocol; the command values below follow
// the de-facto sequences established by the existing host drivers.
type ch34x struct {
	generic
}

var ch34xIfc = iface{
	epBulkIn:  0x02 | endpointIn,
	epBulkOut: 0x02 | endpointOut,
	chunkSize: 256,
}

type ch34xBaud struct {
	baud uint32
	div1 uint16
	div2 uint16
}

// Only these seven rates have known divisor pairs.
var ch34xBaudTable = []ch34xBaud{
	{2400, 0xd901, 0x0038},
	{4800, 0x6402, 0x001f},
	{9600, 0xb202, 0x0013},
	{19200, 0xd902, 0x000d},
	{38400, 0x6403, 0x000a},
	{57600, 0x9803, 0x0010},
	{115200, 0xcc03, 0x0008},
}

func (d *ch34x) setBaudRate(baud uint32) error {
	for _, e := range ch34xBaudTable {
		if e.baud != baud {
			continue
		}
		if err := d.writeCV(0x9a, 0x1312, e.div1); err != nil {
			return err
		}
		return d.writeCV(0x9a, 0x0f2c, e.div2)
	}
	return fmt.Errorf("%w: %d", BadBaudrate, baud)
}

func (d *ch34x) setFlowControl(fc FlowControl) error {
	var mask uint16
	switch fc {
	case FlowControlRTSCTS:
		mask = ^uint16(1 << 6)
	case FlowControlDTRDSR:
		mask = ^uint16(1 << 5)
	default:
		mask = 0xff
	}
	return d.writeCV(0xa4, mask, 0)
}

// probe initialises the chip with the canonical command sequence.
func (d *ch34x) probe() error {
	if err := d.writeCV(0xa1, 0, 0); err != nil {
		return err
	}
	if err := d.writeCV(0x9a, 0x2518, 0x0050); err != nil {
		return err
	}
	return d.writeCV(0xa1, 0x501f, 0xd90a)
}

func (d *ch34x) setup(proto Protocol) error {
	if err := d.setBaudRate(proto.BaudRate); err != nil {
		return err
	}
	if err := d.setFlowControl(proto.FlowControl); err != nil {
		return err
	}
	return d.reset()
}

type ch34xFactory struct{}

func init() {
	registerFactory(ch34xFactory{})
}

func (ch34xFactory) name() string { return "ch34x" }

func (ch34xFactory) match(info usbio.DeviceInfo) bool {
	switch {
	case info.Vendor == 0x4348 && info.Product == 0x5523:
	case info.Vendor == 0x1a86 && info.Product == 0x7523:
	case info.Vendor == 0x1a86 && info.Product == 0x5523:
	default:
		return false
	}
	return true
}

func (f ch34xFactory) create(dev usbio.Device, ifcnum uint8) (driver, error) {
	info := dev.Info()
	logger.WithField("device", fmt.Sprintf("%04x:%04x", info.Vendor, info.Product)).
		Info("probing ch34x")
	g, err := newGeneric(dev, ch34xIfc, ifcnum)
	if err != nil {
		return nil, err
	}
	d := &ch34x{generic: g}
	if err := d.probe(); err != nil {
		d.release()
		logger.WithField("device", fmt.Sprintf("%04x:%04x", info.Vendor, info.Product)).
			WithError(err).Info("ch34x probe failed")
		return nil, err
	}
	return d, nil
}
