package usbuart

import (
	"errors"
	"fmt"

	"github.com/allbin/go-usbuart/internal/usbio"
)

// ResetDevice performs a USB-level reset of the selected device without
// attaching a channel to it. This can recover hardware that is in a
// hung or unresponsive state.
//
// The device re-enumerates afterwards and may come back under a new
// device number, so bus/address selectors go stale across a reset;
// select by VID/PID when you intend to reattach.
func (c *Context) ResetDevice(sel DeviceSelector) int {
	if c == nil || c.b == nil {
		return LibusbError.Int()
	}
	return c.result("reset-device", c.b.resetDevice(sel))
}

func (b *backend) resetDevice(sel DeviceSelector) error {
	info, err := b.findDevice(sel)
	if err != nil {
		return err
	}
	dev, err := b.openDevice(info)
	if err != nil {
		return err
	}
	defer dev.Close()
	if err := dev.Reset(); err != nil {
		if errors.Is(err, usbio.ErrNoDevice) {
			// A successful reset can report the old handle as gone.
			return nil
		}
		return fmt.Errorf("%w: %v", USBError, err)
	}
	return nil
}
