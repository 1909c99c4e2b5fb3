package usbuart

import (
	"encoding/binary"
	"fmt"

	"github.com/allbin/go-usbuart/internal/usbio"
)

// pl2303 drives the Prolific PL2303 family.
type pl2303 struct {
	generic
}

// pl2303hx overrides reset for the HX silicon revision, which has
// dedicated FIFO reset requests.
type pl2303hx struct {
	pl2303
}

var pl2303Ifc = iface{
	epBulkIn:  0x03 | endpointIn,
	epBulkOut: 0x02 | endpointOut,
	chunkSize: 256,
}

const (
	pl2303InitReq uint8 = 0x01

	pl2303GetProtocolReqType uint8 = 0xa1
	pl2303GetProtocolReq     uint8 = 0x21
	pl2303SetProtocolReqType uint8 = 0x21
	pl2303SetProtocolReq     uint8 = 0x20
	pl2303BreakReqType       uint8 = 0x21
	pl2303BreakReq           uint8 = 0x23

	pl2303ResetRdReq uint8 = 0x08
	pl2303ResetWrReq uint8 = 0x09

	// The class-specific protocol setup block: little-endian baud rate
	// followed by the raw stop-bits, parity and data-bits values.
	pl2303SetupLen = 7
)

func pl2303PackSetup(proto Protocol) []byte {
	setup := make([]byte, pl2303SetupLen)
	binary.LittleEndian.PutUint32(setup, proto.BaudRate)
	setup[4] = byte(proto.StopBits)
	setup[5] = byte(proto.Parity)
	setup[6] = byte(proto.DataBits)
	return setup
}

// probe runs the documented eight-step init dance plus the mode writes
// the chip expects before bulk traffic flows.
func (d *pl2303) probe() error {
	steps := []struct {
		read bool
		val  uint16
		idx  uint16
	}{
		{true, 0x8484, 0},
		{false, 0x0404, 0},
		{true, 0x8484, 0},
		{true, 0x8383, 0},
		{true, 0x8484, 0},
		{false, 0x0404, 1},
		{true, 0x8484, 0},
		{true, 0x8383, 0},
		{false, 0x0000, 1},
		{false, 0x0001, 0},
		{false, 0x0002, 0x44},
	}
	for _, s := range steps {
		if s.read {
			if _, err := d.readCV8(pl2303InitReq, s.val); err != nil {
				return err
			}
			continue
		}
		if err := d.writeCV(pl2303InitReq, s.val, s.idx); err != nil {
			return err
		}
	}
	return nil
}

func (d *pl2303) setBaudRate(baud uint32) error {
	setup := make([]byte, pl2303SetupLen)
	if err := d.control(pl2303GetProtocolReqType, pl2303GetProtocolReq, setup); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(setup, baud)
	return d.control(pl2303SetProtocolReqType, pl2303SetProtocolReq, setup)
}

func (d *pl2303) setup(proto Protocol) error {
	setup := pl2303PackSetup(proto)
	logger.WithField("protocol", fmt.Sprintf("{%d,%d,%d,%d}",
		proto.BaudRate, proto.DataBits, proto.Parity, proto.StopBits)).
		Info("pl2303 protocol")
	if err := d.control(pl2303SetProtocolReqType, pl2303SetProtocolReq, setup); err != nil {
		return err
	}
	return d.reset()
}

func (d *pl2303) sendBreak() error {
	return d.control(pl2303BreakReqType, pl2303BreakReq, nil)
}

func (d *pl2303hx) reset() error {
	if err := d.writeCV(pl2303ResetRdReq, 0, 0); err != nil {
		return err
	}
	return d.writeCV(pl2303ResetWrReq, 0, 0)
}

func (d *pl2303hx) setup(proto Protocol) error {
	setup := pl2303PackSetup(proto)
	logger.WithField("protocol", fmt.Sprintf("{%d,%d,%d,%d}",
		proto.BaudRate, proto.DataBits, proto.Parity, proto.StopBits)).
		Info("pl2303 protocol")
	if err := d.control(pl2303SetProtocolReqType, pl2303SetProtocolReq, setup); err != nil {
		return err
	}
	return d.reset()
}

// Known PL2303-based VID/PID pairs, from the IDs the chip vendor and
// the usual cable OEMs ship.
var pl2303Table = [][2]uint16{
	{0x067b, 0x2303}, // PL2303
	{0x067b, 0x04bb}, // IODATA USB-RSAQ
	{0x067b, 0x1234}, // DCU-11
	{0x067b, 0xaaa2}, // PL2303 ZTEK
	{0x067b, 0x0611}, // ALDIGA
	{0x04bb, 0x0a03}, // IODATA USB-RSAQ2
	{0x04bb, 0x0a0e}, // IODATA USB-RSAQ5
	{0x0557, 0x2008}, // ATEN UC-232A
	{0x0547, 0x2008}, // Anchor
	{0x056e, 0x5003}, // Elecom UC-SGT
	{0x0eba, 0x1080}, // Itegno
	{0x0df7, 0x0620}, // MA-620
	{0x0584, 0xb000}, // RATOC REX-USB60
	{0x2478, 0x2008}, // Tripp-Lite U209
	{0x1453, 0x4026}, // Radioshack
	{0x0731, 0x0528}, // Sitecom
	{0x6189, 0x2068}, // Sigma
	{0x11f7, 0x02df}, // Alcor
	{0x04e8, 0x8001}, // Samsung I330
	{0x050d, 0x0257}, // Belkin F5U257
}

type pl2303Factory struct{}

func init() {
	registerFactory(pl2303Factory{})
}

func (pl2303Factory) name() string { return "pl2303" }

func (pl2303Factory) match(info usbio.DeviceInfo) bool {
	for _, id := range pl2303Table {
		if info.Vendor == id[0] && info.Product == id[1] {
			return true
		}
	}
	return false
}

// pl2303IsHX classifies the HX revision by its descriptor shape: a
// device class other than 0x00, 0x02 and 0xff (vendor-specific) with a
// 64-byte endpoint zero.
func pl2303IsHX(info usbio.DeviceInfo) bool {
	return info.Class != 0x00 && info.Class != 0x02 &&
		info.Class != 0xff && info.MaxPacketSize0 == 0x40
}

func (f pl2303Factory) create(dev usbio.Device, ifcnum uint8) (driver, error) {
	info := dev.Info()
	logger.WithField("device", fmt.Sprintf("%04x:%04x", info.Vendor, info.Product)).
		Info("probing pl2303")
	g, err := newGeneric(dev, pl2303Ifc, ifcnum)
	if err != nil {
		return nil, err
	}
	base := pl2303{generic: g}
	if err := base.probe(); err != nil {
		base.release()
		logger.WithField("device", fmt.Sprintf("%04x:%04x", info.Vendor, info.Product)).
			WithError(err).Info("pl2303 probe failed")
		return nil, err
	}
	if pl2303IsHX(info) {
		return &pl2303hx{pl2303: base}, nil
	}
	return &base, nil
}
