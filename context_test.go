package usbuart

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/allbin/go-usbuart/internal/usbio/usbiotest"
)

func newTestContext(t *testing.T, devs ...*usbiotest.Device) *Context {
	t.Helper()
	ctx, err := newContext(usbiotest.NewHost(devs...))
	if err != nil {
		t.Fatalf("newContext failed: %v", err)
	}
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

// pump runs the event loop until cond holds or the round budget runs
// out.
func pump(t *testing.T, ctx *Context, rounds int, cond func() bool) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		ctx.Loop(10)
		if cond() {
			return
		}
	}
	t.Fatalf("condition not reached after %d loop rounds", rounds)
}

func readAvailable(fd int, into *bytes.Buffer) {
	var buf [512]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
		into.Write(buf[:n])
	}
}

func TestPipeLoopback(t *testing.T) {
	dev := usbiotest.NewLoopback(1, 4)
	ctx := newTestContext(t, dev)

	var ch Channel
	if rc := ctx.Pipe(DeviceAddr{Bus: 1, Dev: 4}, &ch, Proto115200_8N1); rc != 0 {
		t.Fatalf("Pipe failed: %d", rc)
	}
	if ch.FDRead < 0 || ch.FDWrite < 0 {
		t.Fatalf("Expected user descriptors, got %+v", ch)
	}
	if st := ctx.Status(ch); st != AllesGute {
		t.Fatalf("Expected status %d, got %d", AllesGute, st)
	}

	if err := unix.SetNonblock(ch.FDRead, true); err != nil {
		t.Fatal(err)
	}
	if _, err := unix.Write(ch.FDWrite, []byte("hello\n")); err != nil {
		t.Fatal(err)
	}

	var got bytes.Buffer
	pump(t, ctx, 200, func() bool {
		readAvailable(ch.FDRead, &got)
		return got.Len() >= 6
	})
	if got.String() != "hello\n" {
		t.Errorf("Expected %q back, got %q", "hello\n", got.String())
	}
	if sent := dev.Sent(); !bytes.Equal(sent, []byte("hello\n")) {
		t.Errorf("Expected device to receive %q, got %q", "hello\n", sent)
	}
}

func TestAttachLoopback(t *testing.T) {
	dev := usbiotest.NewLoopback(1, 4)
	ctx := newTestContext(t, dev)

	var toDev, fromDev [2]int
	if err := unix.Pipe(toDev[:]); err != nil {
		t.Fatal(err)
	}
	if err := unix.Pipe(fromDev[:]); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		unix.Close(toDev[1])
		unix.Close(fromDev[0])
	})

	ch := Channel{FDRead: toDev[0], FDWrite: fromDev[1]}
	if rc := ctx.Attach(DeviceID{VID: 0x1a86, PID: 0x7523}, ch, Proto19200_8N1); rc != 0 {
		t.Fatalf("Attach failed: %d", rc)
	}

	if _, err := unix.Write(toDev[1], []byte("ping")); err != nil {
		t.Fatal(err)
	}
	unix.SetNonblock(fromDev[0], true)

	var got bytes.Buffer
	pump(t, ctx, 200, func() bool {
		readAvailable(fromDev[0], &got)
		return got.Len() >= 4
	})
	if got.String() != "ping" {
		t.Errorf("Expected %q back, got %q", "ping", got.String())
	}
}

func TestAttachValidatesArguments(t *testing.T) {
	ctx := newTestContext(t, usbiotest.NewLoopback(1, 4))

	ch := Channel{FDRead: -1, FDWrite: -1}
	if rc := ctx.Attach(DeviceAddr{Bus: 1, Dev: 4}, ch, Proto115200_8N1); rc != InvalidParam.Int() {
		t.Errorf("Expected %d for dead descriptors, got %d", InvalidParam.Int(), rc)
	}

	var r, w [2]int
	if err := unix.Pipe(r[:]); err != nil {
		t.Fatal(err)
	}
	defer func() {
		unix.Close(r[0])
		unix.Close(r[1])
	}()
	w = r
	bad := Protocol{BaudRate: 0, DataBits: 8}
	if rc := ctx.Attach(DeviceAddr{Bus: 1, Dev: 4}, Channel{FDRead: r[0], FDWrite: w[1]}, bad); rc != InvalidParam.Int() {
		t.Errorf("Expected %d for zero baudrate, got %d", InvalidParam.Int(), rc)
	}
}

func TestAttachNoDevice(t *testing.T) {
	ctx := newTestContext(t, usbiotest.NewLoopback(1, 4))
	var ch Channel
	if rc := ctx.Pipe(DeviceAddr{Bus: 2, Dev: 9}, &ch, Proto115200_8N1); rc != NoDevice.Int() {
		t.Errorf("Expected %d, got %d", NoDevice.Int(), rc)
	}
	if rc := ctx.Pipe(DeviceID{VID: 0xdead, PID: 0xbeef}, &ch, Proto115200_8N1); rc != NoDevice.Int() {
		t.Errorf("Expected %d, got %d", NoDevice.Int(), rc)
	}
}

func TestAttachNotSupported(t *testing.T) {
	hub := usbiotest.NewDevice(1, 1, 0x1d6b, 0x0002)
	ctx := newTestContext(t, hub)
	var ch Channel
	if rc := ctx.Pipe(DeviceAddr{Bus: 1, Dev: 1}, &ch, Proto115200_8N1); rc != NotSupported.Int() {
		t.Errorf("Expected %d, got %d", NotSupported.Int(), rc)
	}
	if !hub.Closed() {
		t.Error("Expected device handle closed after failed attach")
	}
}

func TestAttachBadBaudrate(t *testing.T) {
	dev := usbiotest.NewLoopback(1, 4)
	ctx := newTestContext(t, dev)

	var ch Channel
	proto := Protocol{BaudRate: 50, DataBits: 8}
	if rc := ctx.Pipe(DeviceAddr{Bus: 1, Dev: 4}, &ch, proto); rc != BadBaudrate.Int() {
		t.Fatalf("Expected %d, got %d", BadBaudrate.Int(), rc)
	}
	if st := ctx.Status(ch); st != NoChannel.Int() {
		t.Errorf("Expected no channel after failed attach, got %d", st)
	}
	if dev.Claims() != 0 {
		t.Errorf("Expected interface released, claims=%d", dev.Claims())
	}
	if !dev.Closed() {
		t.Error("Expected device handle closed")
	}
	if rc := ctx.Loop(0); rc != NoChannels.Int() {
		t.Errorf("Expected idle loop to report %d, got %d", NoChannels.Int(), rc)
	}
}

func TestWritePipeHangup(t *testing.T) {
	dev := usbiotest.NewLoopback(1, 4)
	ctx := newTestContext(t, dev)

	var ch Channel
	if rc := ctx.Pipe(DeviceAddr{Bus: 1, Dev: 4}, &ch, Proto115200_8N1); rc != 0 {
		t.Fatalf("Pipe failed: %d", rc)
	}

	// The external consumer goes away; the next delivery hits the
	// broken pipe and hangs up the write half only.
	unix.Close(ch.FDRead)
	if _, err := unix.Write(ch.FDWrite, []byte("x")); err != nil {
		t.Fatal(err)
	}

	pump(t, ctx, 200, func() bool {
		return ctx.Status(ch) == ReadPipeOK|USBDevOK
	})
	if st := ctx.Status(ch); st != ReadPipeOK|USBDevOK {
		t.Errorf("Expected status %d, got %d", ReadPipeOK|USBDevOK, st)
	}
	ch.FDRead = -1 // already closed above; the context's teardown still closes its own copy of this end
}

func TestDeviceDetach(t *testing.T) {
	dev := usbiotest.NewLoopback(1, 4)
	ctx := newTestContext(t, dev)

	var ch Channel
	if rc := ctx.Pipe(DeviceAddr{Bus: 1, Dev: 4}, &ch, Proto115200_8N1); rc != 0 {
		t.Fatalf("Pipe failed: %d", rc)
	}
	if st := ctx.Status(ch); st != AllesGute {
		t.Fatalf("Expected healthy channel, got %d", st)
	}

	dev.Detach()
	pump(t, ctx, 200, func() bool {
		return ctx.Status(ch) == NoChannel.Int()
	})
	pump(t, ctx, 200, func() bool {
		return dev.Closed()
	})
	if dev.Claims() != 0 {
		t.Errorf("Expected interface released after reap, claims=%d", dev.Claims())
	}
}

func TestCloseChannelIdempotent(t *testing.T) {
	dev := usbiotest.NewLoopback(1, 4)
	ctx := newTestContext(t, dev)

	var ch Channel
	if rc := ctx.Pipe(DeviceAddr{Bus: 1, Dev: 4}, &ch, Proto115200_8N1); rc != 0 {
		t.Fatalf("Pipe failed: %d", rc)
	}

	ctx.CloseChannel(ch)
	ctx.CloseChannel(ch) // second close is a no-op
	if st := ctx.Status(ch); st != NoChannel.Int() {
		t.Errorf("Expected %d after close, got %d", NoChannel.Int(), st)
	}
	pump(t, ctx, 200, func() bool {
		return dev.Closed()
	})
	ctx.CloseChannel(ch) // and after the reap as well
}

func TestLoopConcurrentWithAPI(t *testing.T) {
	devA := usbiotest.NewLoopback(1, 4)
	devB := usbiotest.NewLoopback(1, 5)
	ctx := newTestContext(t, devA, devB)

	stop := make(chan struct{})
	looped := make(chan struct{})
	go func() {
		defer close(looped)
		for {
			select {
			case <-stop:
				return
			default:
				ctx.Loop(5)
			}
		}
	}()

	for i := 0; i < 20; i++ {
		var ch Channel
		addr := DeviceAddr{Bus: 1, Dev: uint8(4 + i%2)}
		if rc := ctx.Pipe(addr, &ch, Proto115200_8N1); rc != 0 {
			t.Fatalf("Pipe round %d failed: %d", i, rc)
		}
		ctx.Status(ch)
		ctx.CloseChannel(ch)
	}

	close(stop)
	select {
	case <-looped:
	case <-time.After(5 * time.Second):
		t.Fatal("Loop goroutine wedged against concurrent attach/close")
	}
}

func TestTwoChannelsCrossTraffic(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping traffic test in short mode")
	}
	devA := usbiotest.NewLoopback(1, 4)
	devB := usbiotest.NewLoopback(1, 5)
	ctx := newTestContext(t, devA, devB)

	var chA, chB Channel
	if rc := ctx.Pipe(DeviceAddr{Bus: 1, Dev: 4}, &chA, Proto115200_8N1); rc != 0 {
		t.Fatalf("Pipe A failed: %d", rc)
	}
	if rc := ctx.Pipe(DeviceAddr{Bus: 1, Dev: 5}, &chB, Proto115200_8N1); rc != 0 {
		t.Fatalf("Pipe B failed: %d", rc)
	}

	const total = 64 * 1024
	rng := rand.New(rand.NewSource(1))
	dataA := make([]byte, total)
	dataB := make([]byte, total)
	rng.Read(dataA)
	rng.Read(dataB)

	for _, fd := range []int{chA.FDRead, chA.FDWrite, chB.FDRead, chB.FDWrite} {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatal(err)
		}
	}

	var gotA, gotB bytes.Buffer
	sentA, sentB := 0, 0
	feed := func(fd int, data []byte, sent *int) {
		for *sent < len(data) {
			n, err := unix.Write(fd, data[*sent:min(*sent+512, len(data))])
			if n <= 0 || err != nil {
				return
			}
			*sent += n
		}
	}

	pump(t, ctx, 5000, func() bool {
		feed(chA.FDWrite, dataA, &sentA)
		feed(chB.FDWrite, dataB, &sentB)
		readAvailable(chA.FDRead, &gotA)
		readAvailable(chB.FDRead, &gotB)
		return gotA.Len() >= total && gotB.Len() >= total
	})

	if !bytes.Equal(gotA.Bytes(), dataA) {
		t.Error("Channel A stream corrupted or interleaved")
	}
	if !bytes.Equal(gotB.Bytes(), dataB) {
		t.Error("Channel B stream corrupted or interleaved")
	}

	statsA, rc := ctx.ChannelStats(chA)
	if rc != 0 {
		t.Fatalf("ChannelStats failed: %d", rc)
	}
	if statsA.TxBytes != total || statsA.RxBytes != total {
		t.Errorf("Expected %d bytes both ways, got tx=%d rx=%d", total, statsA.TxBytes, statsA.RxBytes)
	}
}

func TestStatsAndBreak(t *testing.T) {
	dev := usbiotest.NewLoopback(1, 4)
	ctx := newTestContext(t, dev)

	var ch Channel
	if rc := ctx.Pipe(DeviceAddr{Bus: 1, Dev: 4}, &ch, Proto115200_8N1); rc != 0 {
		t.Fatalf("Pipe failed: %d", rc)
	}

	// CH34x has no break support.
	if rc := ctx.SendBreak(ch); rc != NotImplemented.Int() {
		t.Errorf("Expected %d, got %d", NotImplemented.Int(), rc)
	}
	if rc := ctx.Reset(ch); rc != 0 {
		t.Errorf("Expected reset to succeed, got %d", rc)
	}

	stats, rc := ctx.ChannelStats(ch)
	if rc != 0 || stats.TxBytes != 0 || stats.RxBytes != 0 {
		t.Errorf("Expected zeroed stats on a fresh channel, got %+v rc=%d", stats, rc)
	}
}

func TestListDevices(t *testing.T) {
	ctx := newTestContext(t,
		usbiotest.NewLoopback(1, 4),
		usbiotest.NewDevice(1, 5, 0x0403, 0x6014),
		usbiotest.NewDevice(2, 1, 0x1d6b, 0x0002),
	)
	devs, err := ctx.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(devs) != 3 {
		t.Fatalf("Expected 3 devices, got %d", len(devs))
	}
	byAddr := map[int]DeviceInfo{}
	for _, d := range devs {
		byAddr[d.Bus*1000+d.Address] = d
	}
	if byAddr[1004].Driver != "ch34x" {
		t.Errorf("Expected ch34x at 001/004, got %q", byAddr[1004].Driver)
	}
	if byAddr[1005].Driver != "ftdi" {
		t.Errorf("Expected ftdi at 001/005, got %q", byAddr[1005].Driver)
	}
	if byAddr[2001].Driver != "" {
		t.Errorf("Expected no driver for the hub, got %q", byAddr[2001].Driver)
	}
}

func TestLoopNegativeTimeout(t *testing.T) {
	ctx := newTestContext(t, usbiotest.NewLoopback(1, 4))
	start := time.Now()
	rc := ctx.Loop(-1)
	if rc != NoChannels.Int() {
		t.Errorf("Expected %d from an idle loop, got %d", NoChannels.Int(), rc)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected no wait for negative timeout, blocked %v", elapsed)
	}
}

func TestFTDIHeaderStripping(t *testing.T) {
	dev := usbiotest.NewDevice(1, 6, 0x0403, 0x6001)
	dev.Desc.BCDDevice = 0x0600
	dev.Echo = true
	dev.Header = []byte{0x01, 0x60} // modem status, no line errors
	ctx := newTestContext(t, dev)

	var ch Channel
	if rc := ctx.Pipe(DeviceID{VID: 0x0403, PID: 0x6001}, &ch, Proto115200_8N1); rc != 0 {
		t.Fatalf("Pipe failed: %d", rc)
	}
	unix.SetNonblock(ch.FDRead, true)
	if _, err := unix.Write(ch.FDWrite, []byte("status")); err != nil {
		t.Fatal(err)
	}

	var got bytes.Buffer
	pump(t, ctx, 200, func() bool {
		readAvailable(ch.FDRead, &got)
		return got.Len() >= 6
	})
	if got.String() != "status" {
		t.Errorf("Expected framing headers stripped, got %q", got.String())
	}

	stats, rc := ctx.ChannelStats(ch)
	if rc != 0 {
		t.Fatalf("ChannelStats failed: %d", rc)
	}
	if stats.LineErrors != 0 {
		t.Errorf("Expected clean line, got errors %#02x", stats.LineErrors)
	}
}

func TestFTDIStickyLineErrors(t *testing.T) {
	dev := usbiotest.NewDevice(1, 6, 0x0403, 0x6001)
	dev.Desc.BCDDevice = 0x0600
	dev.Echo = true
	dev.Header = []byte{0x01, 0x60 | ftdiParityError}
	ctx := newTestContext(t, dev)

	var ch Channel
	if rc := ctx.Pipe(DeviceID{VID: 0x0403, PID: 0x6001}, &ch, Proto115200_8N1); rc != 0 {
		t.Fatalf("Pipe failed: %d", rc)
	}
	unix.SetNonblock(ch.FDRead, true)
	if _, err := unix.Write(ch.FDWrite, []byte("x")); err != nil {
		t.Fatal(err)
	}

	var got bytes.Buffer
	pump(t, ctx, 200, func() bool {
		readAvailable(ch.FDRead, &got)
		return got.Len() >= 1
	})
	stats, rc := ctx.ChannelStats(ch)
	if rc != 0 {
		t.Fatalf("ChannelStats failed: %d", rc)
	}
	if stats.LineErrors&ftdiParityError == 0 {
		t.Errorf("Expected sticky parity error, got %#02x", stats.LineErrors)
	}
}

func TestPartialBulkOut(t *testing.T) {
	dev := usbiotest.NewLoopback(1, 4)
	dev.MaxOut = 2 // every bulk-out completes short
	ctx := newTestContext(t, dev)

	var ch Channel
	if rc := ctx.Pipe(DeviceAddr{Bus: 1, Dev: 4}, &ch, Proto115200_8N1); rc != 0 {
		t.Fatalf("Pipe failed: %d", rc)
	}
	unix.SetNonblock(ch.FDRead, true)
	if _, err := unix.Write(ch.FDWrite, []byte("resend")); err != nil {
		t.Fatal(err)
	}

	var got bytes.Buffer
	pump(t, ctx, 400, func() bool {
		readAvailable(ch.FDRead, &got)
		return got.Len() >= 6
	})
	if got.String() != "resend" {
		t.Errorf("Expected short completions retried in order, got %q", got.String())
	}
}
