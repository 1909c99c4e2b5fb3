package usbio_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/allbin/go-usbuart/internal/usbio"
	"github.com/allbin/go-usbuart/internal/usbio/usbiotest"
)

func newEngine(t *testing.T) *usbio.Engine {
	eng, err := usbio.NewEngine()
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng
}

func collect(eng *usbio.Engine) chan *usbio.Transfer {
	done := make(chan *usbio.Transfer, 16)
	eng.SetDispatch(func(t *usbio.Transfer) { done <- t })
	return done
}

func TestEngineCompletesBulkIn(t *testing.T) {
	eng := newEngine(t)
	done := collect(eng)

	dev := usbiotest.NewDevice(1, 2, 0x1a86, 0x7523)
	dev.Push([]byte("data"))

	xfer := eng.NewTransfer(dev, 0x82, 256, 7, time.Second)
	require.NoError(t, eng.Submit(xfer))

	var got *usbio.Transfer
	require.Eventually(t, func() bool {
		eng.HandleEvents(50 * time.Millisecond)
		select {
		case got = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, usbio.StatusCompleted, got.Status)
	require.Equal(t, 4, got.Actual)
	require.Equal(t, []byte("data"), got.Buf[:got.Actual])
	require.Equal(t, 7, got.Token)
}

func TestEngineWakeDescriptor(t *testing.T) {
	eng := newEngine(t)
	eng.SetDispatch(func(*usbio.Transfer) {})

	dev := usbiotest.NewDevice(1, 2, 0x1a86, 0x7523)
	dev.Push([]byte("x"))
	xfer := eng.NewTransfer(dev, 0x82, 256, 0, time.Second)
	require.NoError(t, eng.Submit(xfer))

	fds := []unix.PollFd{{Fd: int32(eng.WakeFD()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 2000)
	require.NoError(t, err)
	require.Equal(t, 1, n, "completion must wake the poll descriptor")
}

func TestEngineCancel(t *testing.T) {
	eng := newEngine(t)
	done := collect(eng)

	dev := usbiotest.NewDevice(1, 2, 0x1a86, 0x7523) // no data: the read blocks
	xfer := eng.NewTransfer(dev, 0x82, 256, 0, time.Minute)
	require.NoError(t, eng.Submit(xfer))

	time.Sleep(20 * time.Millisecond)
	xfer.Cancel()

	var got *usbio.Transfer
	require.Eventually(t, func() bool {
		eng.HandleEvents(50 * time.Millisecond)
		select {
		case got = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, usbio.StatusCancelled, got.Status)
}

func TestEngineTimeout(t *testing.T) {
	eng := newEngine(t)
	done := collect(eng)

	dev := usbiotest.NewDevice(1, 2, 0x1a86, 0x7523)
	xfer := eng.NewTransfer(dev, 0x82, 256, 0, 50*time.Millisecond)
	require.NoError(t, eng.Submit(xfer))

	var got *usbio.Transfer
	require.Eventually(t, func() bool {
		eng.HandleEvents(50 * time.Millisecond)
		select {
		case got = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, usbio.StatusTimedOut, got.Status)
}

func TestEngineNoDeviceAndStall(t *testing.T) {
	eng := newEngine(t)
	done := collect(eng)

	dev := usbiotest.NewDevice(1, 2, 0x1a86, 0x7523)
	dev.StallOnce()
	xfer := eng.NewTransfer(dev, 0x82, 256, 0, time.Second)
	require.NoError(t, eng.Submit(xfer))

	var got *usbio.Transfer
	require.Eventually(t, func() bool {
		eng.HandleEvents(50 * time.Millisecond)
		select {
		case got = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, usbio.StatusStall, got.Status)

	dev.Detach()
	xfer2 := eng.NewTransfer(dev, 0x82, 256, 0, time.Second)
	require.NoError(t, eng.Submit(xfer2))
	require.Eventually(t, func() bool {
		eng.HandleEvents(50 * time.Millisecond)
		select {
		case got = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, usbio.StatusNoDevice, got.Status)
}

func TestEngineEndpointOrdering(t *testing.T) {
	eng := newEngine(t)
	done := collect(eng)

	dev := usbiotest.NewDevice(1, 2, 0x1a86, 0x7523)

	// Two reads double-buffered on the same endpoint: data pushed later
	// must come back in submission order.
	first := eng.NewTransfer(dev, 0x82, 4, 0, time.Second)
	second := eng.NewTransfer(dev, 0x82, 4, 0, time.Second)
	require.NoError(t, eng.Submit(first))
	require.NoError(t, eng.Submit(second))

	dev.Push([]byte("aaaabbbb"))

	var completions []*usbio.Transfer
	require.Eventually(t, func() bool {
		eng.HandleEvents(50 * time.Millisecond)
		for {
			select {
			case c := <-done:
				completions = append(completions, c)
			default:
				return len(completions) == 2
			}
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.Same(t, first, completions[0])
	require.Equal(t, []byte("aaaa"), completions[0].Buf[:completions[0].Actual])
	require.Same(t, second, completions[1])
	require.Equal(t, []byte("bbbb"), completions[1].Buf[:completions[1].Actual])
}
