package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rocket-collections/internal/metadata"
)

// Bootstrap creates the system tables and migrates every collection.
func (s *Store) Bootstrap(ctx context.Context, entities []*metadata.Entity) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	if err := NewMigrator(s).MigrateAll(ctx, entities); err != nil {
		return fmt.Errorf("migrate collections: %w", err)
	}
	s.Logger.Info("database ready",
		zap.String("dialect", s.Dialect.Name()),
		zap.Int("collections", len(entities)),
	)
	return nil
}
