package main

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	usbuart "github.com/allbin/go-usbuart"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "uartcat",
	Short: "Bridge USB-UART adapters to file descriptors",
	Long: `uartcat talks to USB-attached UART adapter chips (CH34x, FTDI,
PL2303) entirely in user space, without a kernel serial driver.

Devices are addressed either by bus/device number (decimal) or by
vendor/product ID (hex), with an optional interface number for
multi-port chips:

  uartcat cat 001/004
  uartcat cat 0403:6010:1
  uartcat list
  uartcat monitor 1a86:7523`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("verbose") {
			usbuart.SetLogger(&log.Logger{Handler: cli.Default, Level: log.DebugLevel})
		}
	},
	// "uartcat 001/004" is shorthand for "uartcat cat 001/004".
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			cmd.Help()
			return
		}
		runCatArg(args[0])
	},
}

func execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return exitCode
}

// exitCode carries the negated usbuart error code out of subcommands.
var exitCode int

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.uartcat.yaml)")
	rootCmd.PersistentFlags().Uint32("baud", 115200, "baud rate")
	rootCmd.PersistentFlags().Uint8("databits", 8, "data bits (5-9)")
	rootCmd.PersistentFlags().String("parity", "none", "parity: none, odd, even, mark, space")
	rootCmd.PersistentFlags().String("stopbits", "1", "stop bits: 1, 1.5, 2")
	rootCmd.PersistentFlags().String("flow", "none", "flow control: none, rtscts, dtrdsr, xonxoff")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	viper.BindPFlag("baud", rootCmd.PersistentFlags().Lookup("baud"))
	viper.BindPFlag("databits", rootCmd.PersistentFlags().Lookup("databits"))
	viper.BindPFlag("parity", rootCmd.PersistentFlags().Lookup("parity"))
	viper.BindPFlag("stopbits", rootCmd.PersistentFlags().Lookup("stopbits"))
	viper.BindPFlag("flow", rootCmd.PersistentFlags().Lookup("flow"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".uartcat")
	}

	viper.SetEnvPrefix("UARTCAT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// protocolFromConfig assembles the line protocol from flags, env and
// config file.
func protocolFromConfig() (usbuart.Protocol, error) {
	parity := map[string]usbuart.Parity{
		"none": usbuart.ParityNone, "odd": usbuart.ParityOdd, "even": usbuart.ParityEven,
		"mark": usbuart.ParityMark, "space": usbuart.ParitySpace,
	}
	stop := map[string]usbuart.StopBits{
		"1": usbuart.StopBits1, "1.5": usbuart.StopBits15, "2": usbuart.StopBits2,
	}
	flow := map[string]usbuart.FlowControl{
		"none": usbuart.FlowControlNone, "rtscts": usbuart.FlowControlRTSCTS,
		"dtrdsr": usbuart.FlowControlDTRDSR, "xonxoff": usbuart.FlowControlXONXOFF,
	}

	p, ok := parity[viper.GetString("parity")]
	if !ok {
		return usbuart.Protocol{}, fmt.Errorf("unknown parity %q", viper.GetString("parity"))
	}
	s, ok := stop[viper.GetString("stopbits")]
	if !ok {
		return usbuart.Protocol{}, fmt.Errorf("unknown stop bits %q", viper.GetString("stopbits"))
	}
	f, ok := flow[viper.GetString("flow")]
	if !ok {
		return usbuart.Protocol{}, fmt.Errorf("unknown flow control %q", viper.GetString("flow"))
	}

	return usbuart.NewProtocol(
		usbuart.WithBaudRate(viper.GetUint32("baud")),
		usbuart.WithDataBits(uint8(viper.GetUint("databits"))),
		usbuart.WithParity(p),
		usbuart.WithStopBits(s),
		usbuart.WithFlowControl(f),
	)
}
