package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uartcl/uartcl/internal/app"
	"github.com/uartcl/uartcl/internal/transport"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports present on this machine",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := transport.ListSerialPorts()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(ports) == 0 {
			fmt.Fprintln(out, "no serial ports found")
		}
		for _, p := range ports {
			fmt.Fprintln(out, p)
		}
		fmt.Fprintf(out, "%s (simulated bootloader)\n", app.SimTarget)

		return nil
	},
}

var helloCmd = &cobra.Command{
	Use:   "hello",
	Short: "Identify the bootloader and check it against the device profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		dev, release, err := connect(cmd, rt)
		if err != nil {
			return err
		}
		defer release()

		layout := dev.Repair.Layout()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "target:   %s\n", targetOf(rt, dev))
		fmt.Fprintf(out, "profile:  %s\n", rt.Profile.Name)
		fmt.Fprintf(out, "flash:    %d bytes in %d regions\n", layout.Size, len(layout.Regions))
		if last, ok := dev.Session.LastGoodContact(); ok {
			fmt.Fprintf(out, "contact:  %s\n", last.Format("15:04:05.000"))
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(helloCmd)
}
