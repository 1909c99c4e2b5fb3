package usbuart

import (
	"github.com/allbin/go-usbuart/internal/usbio"
)

// usbiotestInfo builds a descriptor for factory-match tests.
func usbiotestInfo(vid, pid uint16) usbio.DeviceInfo {
	return usbio.DeviceInfo{Bus: 1, Address: 2, Vendor: vid, Product: pid, MaxPacketSize0: 64}
}
