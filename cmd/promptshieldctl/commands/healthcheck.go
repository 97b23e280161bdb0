package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewHealthCheckCommand reports the pipeline's module configuration
// and running counters.
func NewHealthCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Report pipeline health and counters",
		Long:  "Show which modules are enabled and the cache/guard/ledger counters accumulated so far",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pipeline == nil {
				return fmt.Errorf("no pipeline configured")
			}
			h := pipeline.HealthCheck()

			if outputJSON {
				OutputJSON(h)
				return nil
			}

			fmt.Printf("Healthy: %v\n", h.Healthy)
			fmt.Printf("Breaker tripped: %v\n", h.BreakerTripped)
			fmt.Printf("Cache hit rate: %.2f%%\n", h.CacheHitRate*100)
			fmt.Printf("Guard blocked rate: %.2f%%\n", h.GuardBlockedRate*100)
			fmt.Printf("Total spent: $%.4f\n", h.TotalSpent)
			fmt.Printf("Total saved: $%.4f\n", h.TotalSaved)
			fmt.Printf("\nModules:\n")
			fmt.Printf("  guard=%v cache=%v context=%v router=%v\n", h.Modules.Guard, h.Modules.Cache, h.Modules.Context, h.Modules.Router)
			fmt.Printf("  prefix=%v ledger=%v anomaly=%v compressor=%v delta=%v\n",
				h.Modules.Prefix, h.Modules.Ledger, h.Modules.Anomaly, h.Modules.Compressor, h.Modules.Delta)
			return nil
		},
	}
}
