// Package usbio couples the channel engine to libusb through
// github.com/google/gousb.
//
// gousb exposes synchronous endpoint I/O, so this package rebuilds the
// asynchronous transfer discipline one level up: bulk operations run
// with a deadline on one worker goroutine per endpoint, in submission
// order, and completions are posted
// to a queue that the event loop drains through Engine.HandleEvents.
// A self-pipe wake descriptor lets the loop multiplex completions with
// ordinary file descriptors under a single poll.
//
// The Host and Device interfaces decouple the engine from gousb so the
// whole stack can be exercised against scripted fake devices in tests.
package usbio

import (
	"context"
	"errors"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
)

// Sentinel errors for USB-level failures. The real backend maps gousb
// error codes onto these; fakes return them directly.
var (
	ErrNoDevice  = errors.New("usb: device disconnected")
	ErrNotFound  = errors.New("usb: entity not found")
	ErrBusy      = errors.New("usb: resource busy")
	ErrAccess    = errors.New("usb: access denied")
	ErrStall     = errors.New("usb: endpoint stalled")
	ErrOverflow  = errors.New("usb: transfer overflow")
	ErrTimeout   = errors.New("usb: transfer timed out")
	ErrCancelled = errors.New("usb: transfer cancelled")
	ErrClosed    = errors.New("usb: engine closed")
)

// DeviceInfo describes an enumerated device. Bus and Address identify
// the device on this host; the remaining fields come from the device
// descriptor.
type DeviceInfo struct {
	Bus            int
	Address        int
	Vendor         uint16
	Product        uint16
	BCDDevice      uint16
	Class          uint8
	MaxPacketSize0 int
}

// Device is an open USB device handle.
//
// ClaimInterface must be called before bulk I/O. Control issues a
// transfer on endpoint zero and is usable without a claim. Bulk
// operations honour their context for both deadline and cancellation.
type Device interface {
	Info() DeviceInfo
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	ClaimInterface(num int) error
	ReleaseInterface(num int)
	BulkIn(ctx context.Context, ep uint8, buf []byte) (int, error)
	BulkOut(ctx context.Context, ep uint8, buf []byte) (int, error)
	Reset() error
	Close() error
}

// Host enumerates and opens devices.
type Host interface {
	// Devices lists every device visible on the host without opening any.
	Devices() ([]DeviceInfo, error)
	// Open opens the device identified by info's bus/address pair.
	Open(info DeviceInfo) (Device, error)
	Close() error
}

var logger log.Interface = &log.Logger{Handler: discard.Default, Level: log.InfoLevel}

// SetLogger replaces the package logger. The default discards all output.
func SetLogger(l log.Interface) {
	if l != nil {
		logger = l
	}
}
