package commands

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var makeClusterCmd = &cobra.Command{
	Use:   "makecluster",
	Short: "Build the row-level state cluster from the state log",
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

		rep, err := c.MakeCluster(ctx)
		if err != nil {
			logger.Error("makecluster failed", zap.Error(err))
			return err
		}
		if err := rep.Write(cfg.ReportPath); err != nil {
			return err
		}
		logger.Info("makecluster complete", zap.Int("total_count", rep.TotalCount))
		return nil
	},
}
