package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amerfu/promptshield/internal/core/shielddata"
)

// NewSimulateCommand runs a prompt through Transform and reports the
// outcome without invoking a real model: admission decision, cache
// hit, router choice, and per-stage token savings.
func NewSimulateCommand() *cobra.Command {
	var prompt, modelID string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a prompt through the pipeline without calling a model",
		Long:  "Drive a prompt through admission, caching, compression, and routing, reporting what would have happened",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pipeline == nil {
				return fmt.Errorf("no pipeline configured")
			}
			if prompt == "" {
				return fmt.Errorf("--prompt is required")
			}

			params := shielddata.RequestParams{
				ModelID: modelID,
				Prompt: []shielddata.Message{
					{Role: shielddata.RoleUser, Content: []shielddata.ContentPart{{Type: "text", Text: prompt}}},
				},
			}

			ctx := context.Background()
			_, sidecar, err := pipeline.Transform(ctx, params)
			if err != nil {
				if outputJSON {
					OutputJSON(map[string]string{"blocked": err.Error()})
				} else {
					fmt.Printf("Blocked: %v\n", err)
				}
				return nil
			}
			pipeline.Abort(sidecar)

			report := map[string]interface{}{
				"original_model": sidecar.OriginalModelID,
				"selected_model": sidecar.SelectedModelID,
				"cache_hit":      sidecar.CacheHit,
				"router_applied": sidecar.RouterApplied,
				"ab_holdout":     sidecar.ABTestHoldout,
				"estimated_cost": sidecar.EstimatedCost,
				"context_saved":  sidecar.ContextSaved,
				"compressor_saved": sidecar.CompressorSaved,
				"delta_saved":    sidecar.DeltaSaved,
			}

			if outputJSON {
				OutputJSON(report)
				return nil
			}

			fmt.Printf("Original model:  %s\n", sidecar.OriginalModelID)
			fmt.Printf("Selected model:  %s\n", sidecar.SelectedModelID)
			fmt.Printf("Cache hit:       %v\n", sidecar.CacheHit)
			fmt.Printf("Router applied:  %v (A/B holdout=%v)\n", sidecar.RouterApplied, sidecar.ABTestHoldout)
			fmt.Printf("Estimated cost:  $%.6f\n", sidecar.EstimatedCost)
			fmt.Printf("Tokens saved:    context=%d compressor=%d delta=%d\n",
				sidecar.ContextSaved, sidecar.CompressorSaved, sidecar.DeltaSaved)
			return nil
		},
	}

	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text to simulate (required)")
	cmd.Flags().StringVar(&modelID, "model", "gpt-4o-mini", "requested model id")

	return cmd
}
