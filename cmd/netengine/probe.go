package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/qforce/netengine/internal/models"
	"github.com/qforce/netengine/internal/reachability"
)

var probeCmd = &cobra.Command{
	Use:   "probe <host>",
	Short: "Check connectivity to a host",
	Example: `  netengine probe na1.example.com
  netengine probe na1.example.com --port 8443`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

var (
	probePort    int
	probeTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().IntVar(&probePort, "port", 443, "TCP port to probe")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 3*time.Second, "Dial timeout")
}

func runProbe(cmd *cobra.Command, args []string) error {
	source := &reachability.DialSource{
		Host:    args[0],
		Port:    probePort,
		Timeout: probeTimeout,
	}
	status := source.Status()

	if jsonOutput {
		printJSON(map[string]interface{}{
			"host":      args[0],
			"port":      probePort,
			"reachable": status != models.NotReachable,
			"status":    status.String(),
		})
		return nil
	}

	if status == models.NotReachable {
		return fmt.Errorf("%s:%d is not reachable", args[0], probePort)
	}
	printSuccess("%s:%d is reachable (%s)", args[0], probePort, status)
	return nil
}
