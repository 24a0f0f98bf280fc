package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/entrhq/browserstep/pkg/devices"
	"github.com/entrhq/browserstep/pkg/engine/playwright"
)

func newDevicesCmd() *cobra.Command {
	var asJSON, upstream bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the device profiles a step can emulate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if upstream {
				eng := playwright.New(playwright.Options{})
				registerEngineDevices(eng)
				if err := eng.Close(); err != nil {
					cliLog.Warnf("Stopping playwright: %v", err)
				}
			}
			opts := devices.List()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(opts)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVIEWPORT")
			for _, o := range opts {
				fmt.Fprintf(tw, "%s\t%s\n", o.Name, o.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the catalog as JSON")
	cmd.Flags().BoolVar(&upstream, "playwright", false, "include playwright's device descriptors (starts the driver)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "browserstep %s\n", version)
		},
	}
}
