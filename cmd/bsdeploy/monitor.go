package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/bsdeploy/internal/console"
	"github.com/chaz8081/bsdeploy/internal/monitor"
)

func newMonitorCmd(a *app) *cobra.Command {
	var (
		port string
		baud int
		list bool
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print the board's serial console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if list {
				ports, err := monitor.Ports()
				if err != nil {
					return err
				}
				for _, p := range ports {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				return nil
			}

			if port == "" {
				port = a.cfg.Serial.Port
			}
			if baud == 0 {
				baud = a.cfg.Serial.Baud
			}
			m, err := monitor.Open(port, baud)
			if err != nil {
				return err
			}
			defer m.Close()

			printer := console.NewPrinter(os.Stdout)
			printer.Info(fmt.Sprintf("monitoring %s at %d baud, Ctrl+C to quit", m.Name(), baud))
			return m.Run(cmd.Context(), printer.Log)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "serial port (overrides config; default: first port found)")
	cmd.Flags().IntVarP(&baud, "baud", "b", 0, "baud rate (overrides config)")
	cmd.Flags().BoolVar(&list, "list", false, "list serial ports and exit")
	return cmd
}
