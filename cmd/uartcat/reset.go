package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	usbuart "github.com/allbin/go-usbuart"
)

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset <device>",
	Short: "USB-reset a hung adapter",
	Long: `Perform a USB-level reset of the selected device. This can recover
hardware that is in a hung or unresponsive state.

The device re-enumerates afterwards and may come back under a new
device number, so prefer selecting by VID:PID.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sel, err := usbuart.ParseDevice(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
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

		if rc := ctx.ResetDevice(sel); rc != 0 {
			fmt.Fprintf(os.Stderr, "Error %d resetting device %s\n", -rc, sel)
			exitCode = -rc
			return
		}
		fmt.Printf("Device %s reset\n", sel)
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
