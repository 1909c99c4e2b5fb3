package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	usbuart "github.com/allbin/go-usbuart"
)

// catCmd represents the cat command
var catCmd = &cobra.Command{
	Use:   "cat <device>",
	Short: "Attach stdin/stdout to a USB-UART device",
	Long: `Attach the standard streams to a USB-UART device: bytes from stdin
are transmitted on the line, received bytes go to stdout.

The device is selected as BUS/DEV[:IFC] in decimal or VID:PID[:IFC] in
hex:

  uartcat cat 001/004
  echo "AT" | uartcat cat 1a86:7523
  uartcat cat 0403:6010:1 --baud 19200

Invoking uartcat with just a device argument is a shorthand for this
command. It keeps running while the channel is usable and exits with
the negated error code on failure.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runCatArg(args[0])
	},
}

func init() {
	rootCmd.AddCommand(catCmd)
}

func runCatArg(arg string) {
	sel, err := usbuart.ParseDevice(arg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid argument %q, expected something like\n"+
			"001/002, 001/002:1, a123:456b or a123:456b:a\n", arg)
		exitCode = 1
		return
	}
	proto, err := protocolFromConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		exitCode = 1
		return
	}

	ctx, err := usbuart.NewContext()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		exitCode = -usbuart.LibusbError.Int()
		return
	}
	defer ctx.Close()

	ch := usbuart.Channel{FDRead: 0, FDWrite: 1}
	if rc := ctx.Attach(sel, ch, proto); rc != 0 {
		fmt.Fprintf(os.Stderr, "Error %d attaching device %s\n", -rc, sel)
		exitCode = -rc
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	exitCode = runCat(ctx, ch, sigCh)
}

func isGood(status int) bool {
	return status == usbuart.AllesGute
}

// isUsable accepts a channel that still has the device and at least
// one working pipe half.
func isUsable(status int) bool {
	return status == usbuart.USBDevOK|usbuart.ReadPipeOK ||
		status == usbuart.USBDevOK|usbuart.WritePipeOK ||
		status == usbuart.AllesGute
}

// runCat pumps the loop until the channel degrades. A degraded but
// usable channel gets a short countdown so buffered bytes can still
// drain before the bridge is torn down.
func runCat(ctx *usbuart.Context, ch usbuart.Channel, sigCh <-chan os.Signal) int {
	countDown := 4
	timeout := 1
	status := 0
	res := 0
	started := time.Now()

	for {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted")
		default:
			if res = ctx.Loop(timeout); res >= usbuart.NoChannel.Int() {
				if status = ctx.Status(ch); isUsable(status) {
					if res == usbuart.NoChannel.Int() || !isGood(status) {
						timeout = 100
						if countDown--; countDown > 0 {
							continue
						}
					} else {
						continue
					}
				}
			}
		}
		break
	}

	fmt.Fprintf(os.Stderr, "elapsed %d ms\n", time.Since(started).Milliseconds())
	fmt.Fprintf(os.Stderr, "status %d res %d\n", status, res)

	ctx.CloseChannel(ch)
	ctx.Loop(100)
	if res < usbuart.NoChannel.Int() {
		fmt.Fprintf(os.Stderr, "Terminated with error %d\n", -res)
		return -res
	}
	return 0
}
