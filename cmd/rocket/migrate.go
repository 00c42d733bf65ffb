package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or alter the tables of every collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry(opts.cfg.Definitions.Path)
			if err != nil {
				return err
			}
			s, err := openStore(cmd.Context(), opts, reg)
			if err != nil {
				return err
			}
			defer s.Close()
			opts.logger.Info("migration complete", zap.Int("collections", len(reg.AllEntities())))
			return nil
		},
	}
}
