package usbuart

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/allbin/go-usbuart/internal/usbio"
)

// Channel is the pair of file descriptors a USB device is bridged to.
// In attach mode the engine reads bytes-to-transmit from FDRead and
// writes received bytes to FDWrite. A channel filled in by Pipe holds
// the caller's ends instead: received bytes are read from FDRead and
// bytes to transmit are written to FDWrite.
type Channel struct {
	FDRead  int
	FDWrite int
}

// BadChannel is a channel value that names no descriptors.
var BadChannel = Channel{FDRead: -1, FDWrite: -1}

// DeviceSelector identifies a device on the bus, either by bus/address
// or by vendor/product ID, plus the interface number for multi-port
// chips. DeviceAddr and DeviceID are the two implementations.
type DeviceSelector interface {
	fmt.Stringer
	match(usbio.DeviceInfo) bool
	iface() uint8
}

// DeviceAddr selects a device by bus ID and device number.
type DeviceAddr struct {
	Bus uint8
	Dev uint8
	Ifc uint8
}

func (a DeviceAddr) match(di usbio.DeviceInfo) bool {
	return di.Bus == int(a.Bus) && di.Address == int(a.Dev)
}

func (a DeviceAddr) iface() uint8 { return a.Ifc }

func (a DeviceAddr) String() string {
	return fmt.Sprintf("%03d/%03d:%d", a.Bus, a.Dev, a.Ifc)
}

// DeviceID selects the first device matching a vendor/product pair.
type DeviceID struct {
	VID uint16
	PID uint16
	Ifc uint8
}

func (id DeviceID) match(di usbio.DeviceInfo) bool {
	return di.Vendor == id.VID && di.Product == id.PID
}

func (id DeviceID) iface() uint8 { return id.Ifc }

func (id DeviceID) String() string {
	return fmt.Sprintf("%04x:%04x:%x", id.VID, id.PID, id.Ifc)
}

// ParseDevice parses a device argument in either of the two accepted
// forms: "BUS/DEV[:IFC]" with decimal numbers, or "VID:PID[:IFC]" with
// hexadecimal numbers.
//
//	001/002      bus 1, device 2
//	001/002:1    bus 1, device 2, interface 1
//	0403:6001    FTDI FT232, first interface
//	0403:6010:1  FT2232, second interface
func ParseDevice(arg string) (DeviceSelector, error) {
	if a, b, ok := strings.Cut(arg, "/"); ok {
		return parseAddr(a, b)
	}
	if a, b, ok := strings.Cut(arg, ":"); ok {
		return parseID(a, b)
	}
	return nil, fmt.Errorf("%w: %q is neither BUS/DEV nor VID:PID", InvalidParam, arg)
}

func parseAddr(busStr, rest string) (DeviceSelector, error) {
	devStr, ifcStr, _ := strings.Cut(rest, ":")
	bus, err := strconv.ParseUint(busStr, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: bus %q", InvalidParam, busStr)
	}
	dev, err := strconv.ParseUint(devStr, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: device %q", InvalidParam, devStr)
	}
	ifc, err := parseIfc(ifcStr, 10)
	if err != nil {
		return nil, err
	}
	return DeviceAddr{Bus: uint8(bus), Dev: uint8(dev), Ifc: ifc}, nil
}

func parseID(vidStr, rest string) (DeviceSelector, error) {
	pidStr, ifcStr, _ := strings.Cut(rest, ":")
	vid, err := strconv.ParseUint(vidStr, 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: vendor id %q", InvalidParam, vidStr)
	}
	pid, err := strconv.ParseUint(pidStr, 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: product id %q", InvalidParam, pidStr)
	}
	ifc, err := parseIfc(ifcStr, 16)
	if err != nil {
		return nil, err
	}
	return DeviceID{VID: uint16(vid), PID: uint16(pid), Ifc: ifc}, nil
}

func parseIfc(s string, base int) (uint8, error) {
	if s == "" {
		return 0, nil
	}
	ifc, err := strconv.ParseUint(s, base, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: interface %q", InvalidParam, s)
	}
	return uint8(ifc), nil
}

// DeviceInfo describes a device found on the bus, with the name of the
// driver that would claim it (empty when no driver matches).
type DeviceInfo struct {
	Bus     int
	Address int
	VID     uint16
	PID     uint16
	Driver  string
}

// validateChannel verifies both descriptors are live and open with the
// access mode their role needs: FDRead must be readable, FDWrite
// writable.
func validateChannel(ch Channel) error {
	if err := checkAccessMode(ch.FDRead, unix.O_RDONLY); err != nil {
		return invalidParamf("fd_read")
	}
	if err := checkAccessMode(ch.FDWrite, unix.O_WRONLY); err != nil {
		return invalidParamf("fd_write")
	}
	return nil
}

func checkAccessMode(fd int, want int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	mode := flags & unix.O_ACCMODE
	if mode != want && mode != unix.O_RDWR {
		return unix.EBADF
	}
	return nil
}
