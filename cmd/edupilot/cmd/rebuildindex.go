package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/edupilot/edupilot/internal/output"
)

func newRebuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Rebuild the hybrid index from the chunk store",
		Long: `Re-embeds and re-indexes every stored chunk, then reports the new
generation. Useful after switching embedding models or to verify the
corpus embeds cleanly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			c, err := openCore(cfg, false)
			if err != nil {
				return err
			}
			defer c.Close()

			w := output.Stdout()
			w.Status("rebuilding index")

			start := time.Now()
			if err := c.pipeline.RebuildIndex(cmd.Context()); err != nil {
				return err
			}

			health := c.index.Health()
			w.Successf("generation %d: %d chunks across %d documents in %s",
				health.GenerationID, health.ChunkCount, health.DocCount,
				time.Since(start).Round(time.Millisecond))
			if health.Degraded {
				w.Warning("dense embeddings unavailable; index is lexical-only")
			}
			return nil
		},
	}
}
