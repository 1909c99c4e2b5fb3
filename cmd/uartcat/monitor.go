package main

import (
	"fmt"
	"os"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	usbuart "github.com/allbin/go-usbuart"
	"github.com/allbin/go-usbuart/internal/tui/models"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor <device>",
	Short: "Watch a channel's status and traffic live",
	Long: `Bridge the selected device into a fresh channel and watch it in a
full-screen view: the channel's status bits (read pipe, write pipe,
USB device), byte counters, sticky line errors and a scrolling hex
dump of received traffic.

Press p to pause the refresh, c to clear the dump, q to quit.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sel, err := usbuart.ParseDevice(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
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
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
			return
		}
		defer ctx.Close()

		var ch usbuart.Channel
		if rc := ctx.Pipe(sel, &ch, proto); rc != 0 {
			fmt.Fprintf(os.Stderr, "Error %d attaching device %s\n", -rc, sel)
			exitCode = -rc
			return
		}

		feed := newChannelFeed(ctx, ch, sel.String())
		feed.start()
		defer feed.stop()

		p := tea.NewProgram(models.NewMonitor(feed), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
		}
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

// channelFeed pumps the event loop and collects received bytes for the
// monitor view.
type channelFeed struct {
	ctx    *usbuart.Context
	ch     usbuart.Channel
	device string

	mu     sync.Mutex
	rx     []byte
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newChannelFeed(ctx *usbuart.Context, ch usbuart.Channel, device string) *channelFeed {
	return &channelFeed{ctx: ctx, ch: ch, device: device, stopCh: make(chan struct{})}
}

func (f *channelFeed) start() {
	unix.SetNonblock(f.ch.FDRead, true)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		var buf [512]byte
		for {
			select {
			case <-f.stopCh:
				return
			default:
			}
			f.ctx.Loop(50)
			for {
				n, err := unix.Read(f.ch.FDRead, buf[:])
				if n <= 0 || err != nil {
					break
				}
				f.mu.Lock()
				f.rx = append(f.rx, buf[:n]...)
				f.mu.Unlock()
			}
		}
	}()
}

func (f *channelFeed) stop() {
	close(f.stopCh)
	f.wg.Wait()
	f.ctx.CloseChannel(f.ch)
	f.ctx.Loop(100)
}

func (f *channelFeed) Channels() []models.ChannelSnapshot {
	status := f.ctx.Status(f.ch)
	snap := models.ChannelSnapshot{
		Device: f.device,
		Status: status,
	}
	if status >= 0 {
		snap.ReadPipeOK = status&usbuart.ReadPipeOK != 0
		snap.WritePipeOK = status&usbuart.WritePipeOK != 0
		snap.USBDevOK = status&usbuart.USBDevOK != 0
	}
	if stats, rc := f.ctx.ChannelStats(f.ch); rc == 0 {
		snap.RxBytes = stats.RxBytes
		snap.TxBytes = stats.TxBytes
		snap.LineErrors = stats.LineErrors
	}
	return []models.ChannelSnapshot{snap}
}

func (f *channelFeed) Drain() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.rx
	f.rx = nil
	return out
}
