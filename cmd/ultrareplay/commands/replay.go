package commands

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Execute the prepared replay plan against the live database",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := resolveConfig(cmd); err != nil {
			return err
		}
		ctx := context.Background()

		c, logger, cleanup, err := buildChanger(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		rep, err := c.Replay(ctx)
		if err != nil {
			logger.Error("replay failed", zap.Error(err))
			return err
		}
		if err := rep.Write(cfg.ReportPath); err != nil {
			return err
		}
		logger.Info("replay complete", zap.Int("replay_gid_count", rep.ReplayGidCount))
		return nil
	},
}
