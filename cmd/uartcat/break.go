package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	usbuart "github.com/allbin/go-usbuart"
)

// breakCmd represents the break command
var breakCmd = &cobra.Command{
	Use:   "break <device>",
	Short: "Send an RS-232 break signal",
	Long: `Attach to the selected device just long enough to put a break
condition on the line. Not every chip supports this; unsupported ones
fail with error 2 (not implemented).`,
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
		defer func() {
			ctx.CloseChannel(ch)
			ctx.Loop(100)
		}()

		if rc := ctx.SendBreak(ch); rc != 0 {
			fmt.Fprintf(os.Stderr, "Error %d sending break on %s\n", -rc, sel)
			exitCode = -rc
			return
		}
		fmt.Println("Break sent")
	},
}

func init() {
	rootCmd.AddCommand(breakCmd)
}
