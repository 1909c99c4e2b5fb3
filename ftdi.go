package usbuart

import (
	"fmt"

	"github.com/apex/log"

	"github.com/allbin/go-usbuart/internal/usbio"
)

// ftdi drives the FTDI FT232/FT2232/FT4232 family.
type ftdi struct {
	generic
	isH    bool
	errors uint8
}

const (
	ftdiVendor uint16 = 0x0403

	ftdiResetReq       uint8 = 0x00
	ftdiFlowControlReq uint8 = 0x02
	ftdiBaudRateReq    uint8 = 0x03
	ftdiDataReq        uint8 = 0x04

	ftdiHighClk = 120 * 1000 * 1000
	ftdiLowClk  = 48 * 1000 * 1000
)

// Status bits of the second header byte of every bulk-in transfer.
const (
	ftdiDataReady uint8 = 1 << iota
	ftdiOverrunError
	ftdiParityError
	ftdiFramingError
	ftdiBreakInterrupt
	ftdiTransmitterHRE
	ftdiTransmitterEmpty
	ftdiReceiverError
)

const ftdiErrorMask = ftdiBreakInterrupt | ftdiFramingError | ftdiParityError | ftdiOverrunError

// 512-byte chunks put out-of-band data (status bytes) in-band, so the
// transfer size stays at one max packet.
const ftdiChunkSize = 64

var ftdiLowIfc = iface{
	epBulkIn:  0x01 | endpointIn,
	epBulkOut: 0x02 | endpointOut,
	chunkSize: ftdiChunkSize,
}

// The four-interface split of the high-speed parts.
var ftdiHighIfcs = [4]iface{
	{0x01 | endpointIn, 0x02 | endpointOut, ftdiChunkSize},
	{0x03 | endpointIn, 0x04 | endpointOut, ftdiChunkSize},
	{0x05 | endpointIn, 0x06 | endpointOut, ftdiChunkSize},
	{0x07 | endpointIn, 0x08 | endpointOut, ftdiChunkSize},
}

// readCallback skips the two status bytes prepended to every bulk-in
// transfer and accumulates any line-error bits.
func (d *ftdi) readCallback(xfer *usbio.Transfer) int {
	if xfer.Actual < 2 {
		logger.Warn("malformed ftdi transfer")
		xfer.Actual = 0
		return 0
	}
	if errs := xfer.Buf[1] & ftdiErrorMask; errs != 0 {
		d.errors |= errs
		logger.WithFields(ftdiErrorFields(errs)).Warn("line error")
	}
	return 2
}

func (d *ftdi) lineErrors() uint8 { return d.errors }

func ftdiErrorFields(errs uint8) log.Fields {
	f := make(log.Fields, 4)
	if errs&ftdiBreakInterrupt != 0 {
		f["break"] = true
	}
	if errs&ftdiFramingError != 0 {
		f["framing"] = true
	}
	if errs&ftdiParityError != 0 {
		f["parity"] = true
	}
	if errs&ftdiOverrunError != 0 {
		f["overrun"] = true
	}
	return f
}

// ftdiDivisors encodes a baud rate as the value/index pair of the
// set-baudrate request. The clock is divided by a 14-bit divisor with
// a 3-bit sub-integer prescaler; see AN232B-05 for the encoding. The
// FT8U232AM's reduced prescaler set is disregarded. H-type chips can
// divide by 10 instead of 16, but only when the divisor still fits
// 14 bits.
func ftdiDivisors(baud uint32, isH bool, ifcnum uint8) (value, index uint16) {
	mapper := [8]uint16{0x0000, 0xC000, 0x8000, 0x0100, 0x4000, 0x4100, 0x8100, 0xC100}
	const lowLimit = (ftdiHighClk / 10) >> 14

	clk := uint32(ftdiLowClk)
	prescaler := uint32(16)
	if isH {
		clk = ftdiHighClk
		if baud > lowLimit {
			prescaler = 10
		}
	}
	divisor := (clk<<3)/baud + (prescaler >> 1) - 1
	divisor /= prescaler

	index = mapper[divisor&7] & 0x0100
	if prescaler == 10 {
		index |= 0x0200
	}
	index |= uint16(ifcnum)
	value = uint16((divisor>>3)&0x3FFF) | (mapper[divisor&7] & 0xC000)
	return value, index
}

func (d *ftdi) setBaudRate(baud uint32) error {
	value, index := ftdiDivisors(baud, d.isH, d.ifcnum)
	logger.WithFields(log.Fields{
		"baudrate": baud,
		"value":    fmt.Sprintf("%#04x", value),
		"index":    fmt.Sprintf("%#04x", index),
	}).Info("ftdi baudrate")
	return d.writeCV(ftdiBaudRateReq, value, index)
}

func (d *ftdi) setLineProps(proto Protocol) error {
	value := uint16(proto.DataBits) |
		uint16(proto.Parity)<<8 |
		uint16(proto.StopBits)<<11
	if err := d.writeCV(ftdiDataReq, value, uint16(d.ifcnum)); err != nil {
		return err
	}
	return d.writeCV(ftdiFlowControlReq, uint16(proto.FlowControl), uint16(d.ifcnum))
}

func (d *ftdi) reset() error {
	return d.writeCV(ftdiResetReq, 0, uint16(d.ifcnum))
}

func (d *ftdi) setup(proto Protocol) error {
	if err := d.setBaudRate(proto.BaudRate); err != nil {
		return err
	}
	if err := d.setLineProps(proto); err != nil {
		return err
	}
	return d.reset()
}

type ftdiFactory struct{}

func init() {
	registerFactory(ftdiFactory{})
}

func (ftdiFactory) name() string { return "ftdi" }

// Only original FTDI VID/PIDs are handled; rebadged clones would need
// their own table entries.
var ftdiProducts = []uint16{0x6001, 0x6010, 0x6011, 0x6014, 0x6015}

var ftdiHighSpeed = []uint16{0x6010, 0x6011, 0x6014}

func (ftdiFactory) match(info usbio.DeviceInfo) bool {
	return info.Vendor == ftdiVendor
}

// classify decides between the 120 MHz "H" parts and the 48 MHz parts.
// The 0x6010 PID covers both FT2232C/D/L and FT2232H, so bcdDevice
// disambiguates: 0x0700 = FT2232H, 0x0800 = FT4232H, 0x0900 = FT232H.
func ftdiClassify(info usbio.DeviceInfo) bool {
	for _, pid := range ftdiProducts {
		if pid != info.Product {
			continue
		}
		return (info.Product == ftdiHighSpeed[0] && info.BCDDevice == 0x0700) ||
			info.Product == ftdiHighSpeed[1] ||
			info.Product == ftdiHighSpeed[2]
	}
	return info.BCDDevice == 0x0700 ||
		info.BCDDevice == 0x0800 ||
		info.BCDDevice == 0x0900
}

func (f ftdiFactory) create(dev usbio.Device, ifcnum uint8) (driver, error) {
	if int(ifcnum) >= len(ftdiHighIfcs) {
		logger.WithField("interface", ifcnum).Error("interface number out of range")
		return nil, fmt.Errorf("%w: interface %d", InvalidParam, ifcnum)
	}
	info := dev.Info()
	isH := ftdiClassify(info)
	if !isH && ifcnum != 0 {
		logger.WithField("interface", ifcnum).Error("single-port chip has only interface 0")
		return nil, fmt.Errorf("%w: interface %d", InvalidParam, ifcnum)
	}
	ifcdesc := ftdiLowIfc
	if isH {
		ifcdesc = ftdiHighIfcs[ifcnum]
	}
	g, err := newGeneric(dev, ifcdesc, ifcnum)
	if err != nil {
		return nil, err
	}
	return &ftdi{generic: g, isH: isH}, nil
}
