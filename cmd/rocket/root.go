package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rocket-collections/internal/config"
	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

type rootOptions struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "rocket",
		Short:         "Collection CRUD engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to app.yaml")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newCheckCommand(opts))
	return cmd
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}

// loadRegistry reads every definition file and validates the result.
func loadRegistry(path string) (*metadata.Registry, error) {
	entities, err := metadata.LoadPath(path)
	if err != nil {
		return nil, fmt.Errorf("load definitions: %w", err)
	}
	reg := metadata.NewRegistry()
	if err := reg.Load(entities); err != nil {
		return nil, fmt.Errorf("definitions: %w", err)
	}
	return reg, nil
}

// openStore connects, creates system tables and migrates every collection.
func openStore(ctx context.Context, opts *rootOptions, reg *metadata.Registry) (*store.Store, error) {
	s, err := store.New(ctx, opts.cfg.Database, opts.logger.Named("store"))
	if err != nil {
		return nil, err
	}
	if err := s.Bootstrap(ctx, reg.AllEntities()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
