package commands

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Compute the replay plan for the configured rollback/prepend targets",
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

		rep, err := c.Prepare(ctx)
		if err != nil {
			logger.Error("prepare failed", zap.Error(err))
			return err
		}
		if err := rep.Write(cfg.ReportPath); err != nil {
			return err
		}
		logger.Info("prepare complete", zap.Int("replay_gid_count", rep.ReplayGidCount))
		return nil
	},
}
