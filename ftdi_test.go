package usbuart

import (
	"testing"

	"github.com/allbin/go-usbuart/internal/usbio"
)

// decodeFTDIDivisors inverts the value/index encoding back into the
// effective baud rate the chip would produce.
func decodeFTDIDivisors(value, index uint16, isH bool) uint32 {
	subIdx := map[[2]uint16]uint32{
		{0x0000, 0x0000}: 0,
		{0xC000, 0x0000}: 1,
		{0x8000, 0x0000}: 2,
		{0x0000, 0x0100}: 3,
		{0x4000, 0x0000}: 4,
		{0x4000, 0x0100}: 5,
		{0x8000, 0x0100}: 6,
		{0xC000, 0x0100}: 7,
	}
	k := subIdx[[2]uint16{value & 0xC000, index & 0x0100}]
	divisor := uint32(value&0x3FFF)*8 + k
	prescaler := uint32(16)
	if index&0x0200 != 0 {
		prescaler = 10
	}
	clk := uint32(ftdiLowClk)
	if isH {
		clk = ftdiHighClk
	}
	return uint32(uint64(clk) * 8 / (uint64(divisor) * uint64(prescaler)))
}

func TestFTDIDivisorsKnownValue(t *testing.T) {
	// 9600 baud on a 48 MHz part: divisor (48e6*8/9600 + 7)/16 = 2500,
	// sub-divisor 4 selects 0x4000, so value = 312 | 0x4000 = 0x4138.
	value, index := ftdiDivisors(9600, false, 0)
	if value != 0x4138 {
		t.Errorf("Expected value 0x4138, got %#04x", value)
	}
	if index != 0x0000 {
		t.Errorf("Expected index 0x0000, got %#04x", index)
	}
}

func TestFTDIDivisorsIfcNum(t *testing.T) {
	_, index := ftdiDivisors(115200, true, 1)
	if index&0x00ff != 1 {
		t.Errorf("Expected interface number in index, got %#04x", index)
	}
	if index&0x0200 == 0 {
		t.Errorf("Expected high-speed prescaler bit for 115200 on an H part, got %#04x", index)
	}
}

func TestFTDIDivisorsRoundTrip(t *testing.T) {
	within := func(got, want uint32) bool {
		diff := int64(got) - int64(want)
		if diff < 0 {
			diff = -diff
		}
		return diff*100 <= int64(want)*3
	}

	lowRates := []uint32{300, 1200, 9600, 19200, 38400, 115200, 230400, 1000000, 3000000}
	for _, baud := range lowRates {
		value, index := ftdiDivisors(baud, false, 0)
		if got := decodeFTDIDivisors(value, index, false); !within(got, baud) {
			t.Errorf("Low-speed %d decodes to %d, outside 3%%", baud, got)
		}
	}

	// Rates below about 460 Bd overflow the 14-bit divisor on the 120 MHz
	// parts, so the H sweep starts higher.
	highRates := []uint32{9600, 19200, 38400, 115200, 230400, 1000000, 3000000}
	for _, baud := range highRates {
		value, index := ftdiDivisors(baud, true, 0)
		if got := decodeFTDIDivisors(value, index, true); !within(got, baud) {
			t.Errorf("High-speed %d decodes to %d, outside 3%%", baud, got)
		}
	}
}

func TestFTDIClassify(t *testing.T) {
	tests := []struct {
		name string
		info usbio.DeviceInfo
		isH  bool
	}{
		{"FT232R", usbio.DeviceInfo{Vendor: 0x0403, Product: 0x6001, BCDDevice: 0x0600}, false},
		{"FT2232D", usbio.DeviceInfo{Vendor: 0x0403, Product: 0x6010, BCDDevice: 0x0500}, false},
		{"FT2232H", usbio.DeviceInfo{Vendor: 0x0403, Product: 0x6010, BCDDevice: 0x0700}, true},
		{"FT4232H", usbio.DeviceInfo{Vendor: 0x0403, Product: 0x6011, BCDDevice: 0x0800}, true},
		{"FT232H", usbio.DeviceInfo{Vendor: 0x0403, Product: 0x6014, BCDDevice: 0x0900}, true},
		{"FT230X", usbio.DeviceInfo{Vendor: 0x0403, Product: 0x6015, BCDDevice: 0x1000}, false},
		{"unknown PID bcd 0700", usbio.DeviceInfo{Vendor: 0x0403, Product: 0x9999, BCDDevice: 0x0700}, true},
		{"unknown PID bcd 0600", usbio.DeviceInfo{Vendor: 0x0403, Product: 0x9999, BCDDevice: 0x0600}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ftdiClassify(tt.info); got != tt.isH {
				t.Errorf("Expected isH=%v, got %v", tt.isH, got)
			}
		})
	}
}

func TestFTDIReadCallback(t *testing.T) {
	d := &ftdi{}

	xfer := &usbio.Transfer{Buf: []byte{0x01, 0x60, 'h', 'i'}, Actual: 4}
	if pos := d.readCallback(xfer); pos != 2 {
		t.Errorf("Expected payload offset 2, got %d", pos)
	}
	if d.lineErrors() != 0 {
		t.Errorf("Expected no line errors, got %#02x", d.lineErrors())
	}

	// Framing and overrun bits must accumulate.
	xfer = &usbio.Transfer{Buf: []byte{0x01, 0x60 | ftdiFramingError, 'x'}, Actual: 3}
	d.readCallback(xfer)
	xfer = &usbio.Transfer{Buf: []byte{0x01, 0x60 | ftdiOverrunError, 'y'}, Actual: 3}
	d.readCallback(xfer)
	if d.lineErrors() != ftdiFramingError|ftdiOverrunError {
		t.Errorf("Expected sticky framing|overrun, got %#02x", d.lineErrors())
	}
}

func TestFTDIReadCallbackShortTransfer(t *testing.T) {
	d := &ftdi{}
	xfer := &usbio.Transfer{Buf: []byte{0x01}, Actual: 1}
	if pos := d.readCallback(xfer); pos != 0 {
		t.Errorf("Expected offset 0 for short transfer, got %d", pos)
	}
	if xfer.Actual != 0 {
		t.Errorf("Expected short transfer emptied, got actual %d", xfer.Actual)
	}
}
