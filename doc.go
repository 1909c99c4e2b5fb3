// Package usbuart bridges USB-attached UART adapter chips to plain
// file descriptor pairs, entirely in user space on top of libusb.
//
// A channel is a pair of descriptors: the engine transmits whatever it
// reads from one and delivers received bytes into the other. No kernel
// serial driver, tty or termios is involved; line discipline is the
// caller's concern.
//
// Supported chips are the WCH CH340/CH341 family, the FTDI
// FT232/FT2232/FT4232 family (including the multi-port high-speed
// parts) and the Prolific PL2303 family.
//
// # Basic Usage
//
// Create a context, bridge a device into a fresh pipe pair, and pump
// the event loop:
//
//	ctx, err := usbuart.NewContext()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctx.Close()
//
//	var ch usbuart.Channel
//	sel, _ := usbuart.ParseDevice("0403:6001")
//	if rc := ctx.Pipe(sel, &ch, usbuart.Proto115200_8N1); rc < 0 {
//	    log.Fatalf("pipe: %v", usbuart.Code(-rc))
//	}
//
//	go func() {
//	    for ctx.Loop(100) >= usbuart.NoChannels.Int() {
//	    }
//	}()
//
//	// ch.FDRead and ch.FDWrite now carry the UART traffic.
//
// Attach mode bridges descriptors the caller already owns (a pipe, a
// socketpair, stdin/stdout) instead of allocating new pipes:
//
//	rc := ctx.Attach(sel, usbuart.Channel{FDRead: 0, FDWrite: 1}, usbuart.Proto115200_8N1)
//
// # Devices
//
// Devices are selected by decimal bus/device numbers or hexadecimal
// vendor/product IDs, with an optional interface number for multi-port
// chips:
//
//	001/004      first matching form, decimal
//	0403:6010:1  second UART of an FT2232
//
// # Event Loop
//
// All transfer and pipe I/O is driven by Loop, which multiplexes
// libusb completions and pipe readiness under a single poll. The
// caller owns the loop thread; every other operation is safe to call
// concurrently with it. Channels torn down by CloseChannel, device
// detach or hangup of both pipe ends are reaped by a later Loop round
// once their in-flight transfers have resolved.
//
// # Error Handling
//
// Operations return 0 or a positive count on success and a negated
// Code on failure. The numeric code values are stable. Code implements
// error, so the same values work with errors.Is on the APIs that
// return error.
//
// # Logging
//
// The library is silent by default. Route diagnostics to an apex/log
// logger with SetLogger:
//
//	usbuart.SetLogger(&log.Logger{Handler: cli.Default, Level: log.DebugLevel})
package usbuart
