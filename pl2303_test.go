package usbuart

import (
	"bytes"
	"testing"

	"github.com/allbin/go-usbuart/internal/usbio"
	"github.com/allbin/go-usbuart/internal/usbio/usbiotest"
)

func testPL2303(dev *usbiotest.Device) *pl2303 {
	return &pl2303{generic: generic{dev: dev, ifcdesc: pl2303Ifc}}
}

func TestPL2303PackSetup(t *testing.T) {
	proto := Protocol{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   ParityEven,
		StopBits: StopBits2,
	}
	setup := pl2303PackSetup(proto)
	// 115200 = 0x0001c200 little endian, then stop bits, parity, data bits.
	want := []byte{0x00, 0xc2, 0x01, 0x00, 0x02, 0x02, 0x08}
	if !bytes.Equal(setup, want) {
		t.Errorf("Expected setup % 02x, got % 02x", want, setup)
	}
}

func TestPL2303SetupControl(t *testing.T) {
	dev := usbiotest.NewDevice(1, 2, 0x067b, 0x2303)
	d := testPL2303(dev)
	if err := d.setup(Proto19200_8N1); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	ops := dev.Controls()
	if len(ops) != 1 {
		t.Fatalf("Expected 1 control transfer, got %d", len(ops))
	}
	op := ops[0]
	if op.RType != pl2303SetProtocolReqType || op.Request != pl2303SetProtocolReq {
		t.Errorf("Expected set-protocol %#02x/%#02x, got %#02x/%#02x",
			pl2303SetProtocolReqType, pl2303SetProtocolReq, op.RType, op.Request)
	}
	want := []byte{0x00, 0x4b, 0x00, 0x00, 0x00, 0x00, 0x08} // 19200 LE, 1 stop, no parity, 8 data
	if !bytes.Equal(op.Data, want) {
		t.Errorf("Expected protocol block % 02x, got % 02x", want, op.Data)
	}
}

func TestPL2303ProbeSequence(t *testing.T) {
	dev := usbiotest.NewDevice(1, 2, 0x067b, 0x2303)
	d := testPL2303(dev)
	if err := d.probe(); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	ops := dev.Controls()
	if len(ops) != 11 {
		t.Fatalf("Expected 11 probe steps, got %d", len(ops))
	}
	// The classic 8484/0404/8383 dance, then the mode writes.
	reads := 0
	for _, op := range ops {
		if op.RType == vendorRequestIn {
			reads++
		}
	}
	if reads != 6 {
		t.Errorf("Expected 6 vendor reads in probe, got %d", reads)
	}
	last := ops[len(ops)-1]
	if last.Request != pl2303InitReq || last.Val != 0x0002 || last.Idx != 0x44 {
		t.Errorf("Expected final mode write 0x01/0x0002/0x44, got %#02x/%#04x/%#04x",
			last.Request, last.Val, last.Idx)
	}
}

func TestPL2303SendBreak(t *testing.T) {
	dev := usbiotest.NewDevice(1, 2, 0x067b, 0x2303)
	d := testPL2303(dev)
	if err := d.sendBreak(); err != nil {
		t.Fatalf("sendBreak failed: %v", err)
	}
	ops := dev.Controls()
	if len(ops) != 1 || ops[0].RType != pl2303BreakReqType || ops[0].Request != pl2303BreakReq {
		t.Errorf("Expected break request %#02x/%#02x, got %+v",
			pl2303BreakReqType, pl2303BreakReq, ops)
	}
}

func TestPL2303HXReset(t *testing.T) {
	dev := usbiotest.NewDevice(1, 2, 0x067b, 0x2303)
	d := &pl2303hx{pl2303: *testPL2303(dev)}
	if err := d.reset(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	ops := dev.Controls()
	if len(ops) != 2 {
		t.Fatalf("Expected 2 reset writes, got %d", len(ops))
	}
	if ops[0].Request != pl2303ResetRdReq || ops[1].Request != pl2303ResetWrReq {
		t.Errorf("Expected reset requests 0x08,0x09, got %#02x,%#02x",
			ops[0].Request, ops[1].Request)
	}
}

func TestPL2303Classification(t *testing.T) {
	tests := []struct {
		name string
		info usbio.DeviceInfo
		hx   bool
	}{
		{"HX", usbio.DeviceInfo{Class: 0x20, MaxPacketSize0: 0x40}, true},
		{"legacy class 0", usbio.DeviceInfo{Class: 0x00, MaxPacketSize0: 0x40}, false},
		{"legacy class 2", usbio.DeviceInfo{Class: 0x02, MaxPacketSize0: 0x40}, false},
		{"vendor class ff", usbio.DeviceInfo{Class: 0xff, MaxPacketSize0: 0x40}, false},
		{"small ep0", usbio.DeviceInfo{Class: 0x20, MaxPacketSize0: 0x10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pl2303IsHX(tt.info); got != tt.hx {
				t.Errorf("Expected hx=%v, got %v", tt.hx, got)
			}
		})
	}
}

func TestPL2303FactoryMatch(t *testing.T) {
	f := pl2303Factory{}
	if !f.match(usbiotestInfo(0x067b, 0x2303)) {
		t.Error("Expected match for 067b:2303")
	}
	if !f.match(usbiotestInfo(0x0557, 0x2008)) {
		t.Error("Expected match for ATEN UC-232A")
	}
	if f.match(usbiotestInfo(0x067b, 0xffff)) {
		t.Error("Expected no match for unknown Prolific PID")
	}
}
