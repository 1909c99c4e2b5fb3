package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	usbuart "github.com/allbin/go-usbuart"
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List USB-UART adapters on the bus",
	Long: `List every USB device on the bus together with the driver that
would claim it. Devices without a driver name are not UART adapters
this tool can talk to.

Use --supported to hide everything that has no driver.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, err := usbuart.NewContext()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
			return
		}
		defer ctx.Close()

		devs, err := ctx.ListDevices()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing devices: %v\n", err)
			exitCode = 1
			return
		}

		supportedOnly, _ := cmd.Flags().GetBool("supported")
		tableFormat, _ := cmd.Flags().GetBool("table")

		filtered := devs[:0]
		for _, d := range devs {
			if supportedOnly && d.Driver == "" {
				continue
			}
			filtered = append(filtered, d)
		}

		if len(filtered) == 0 {
			fmt.Println("No devices found")
			return
		}
		if tableFormat {
			renderTable(filtered)
		} else {
			renderSimple(filtered)
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().BoolP("supported", "s", false, "Only list devices with a matching driver")
	listCmd.Flags().BoolP("table", "t", false, "Display output in a styled table format")
}

// renderTable renders the device list in a styled static table format
func renderTable(devs []usbuart.DeviceInfo) {
	fmt.Printf("Found %d device(s):\n\n", len(devs))

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("99")).
		Border(lipgloss.NormalBorder(), false, false, true, false).
		BorderForeground(lipgloss.Color("240")).
		PaddingBottom(1)

	cellStyle := lipgloss.NewStyle().
		PaddingRight(2)

	header := fmt.Sprintf("%-10s %-10s %-10s", "Address", "ID", "Driver")
	fmt.Println(headerStyle.Render(header))

	for _, d := range devs {
		driver := d.Driver
		if driver == "" {
			driver = "-"
		}
		row := fmt.Sprintf("%03d/%03d    %04x:%04x  %-10s", d.Bus, d.Address, d.VID, d.PID, driver)
		fmt.Println(cellStyle.Render(row))
	}
}

// renderSimple renders the device list in simple text format
func renderSimple(devs []usbuart.DeviceInfo) {
	for _, d := range devs {
		if d.Driver != "" {
			fmt.Printf("%03d/%03d %04x:%04x %s\n", d.Bus, d.Address, d.VID, d.PID, d.Driver)
		} else {
			fmt.Printf("%03d/%03d %04x:%04x\n", d.Bus, d.Address, d.VID, d.PID)
		}
	}
}
