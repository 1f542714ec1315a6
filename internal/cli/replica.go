package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/crdtsync/internal/config"
	"github.com/roach88/crdtsync/internal/engine"
	"github.com/roach88/crdtsync/internal/session"
)

// openSession opens the replica database named by the configuration.
//
// The sync mode from a config file overrides the stored one; without a
// config file the stored mode (set by the mode command) is kept.
func openSession(ctx context.Context, opts *RootOptions, cfg *config.Config, replicaID string) (*session.Session, error) {
	var mode engine.Mode
	if opts.ConfigPath != "" {
		mode = engine.Mode(cfg.Sync.Mode)
	}

	s, err := session.Open(ctx, session.Options{
		Path:             cfg.Replica.Database,
		ReplicaID:        replicaID,
		FileID:           cfg.Sync.FileID,
		GroupID:          cfg.Sync.GroupID,
		Mode:             mode,
		MaxDrift:         cfg.Sync.MaxClockDrift,
		ExcludedDatasets: cfg.Engine.ExcludedDatasets,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to open database %s", cfg.Replica.Database), err)
	}
	return s, nil
}

// withSession loads the configuration, opens the replica, runs fn and
// closes the replica again.
func withSession(ctx context.Context, opts *RootOptions, fn func(*config.Config, *session.Session) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, opts, cfg, "")
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	return fn(cfg, s)
}
