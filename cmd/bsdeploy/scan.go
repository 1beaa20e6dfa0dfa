package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/bsdeploy/internal/ble"
)

func newScanCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List boards advertising the BlueScript service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Scanning for %s...\n", timeout)
			devices, err := ble.ScanDevices(cmd.Context(), ble.NewSystemAdapter(), a.cfg.Device.ServiceUUID, timeout)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No devices found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tADDRESS\tRSSI")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%d\n", d.Name, d.Address, d.RSSI)
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "how long to scan")
	return cmd
}
