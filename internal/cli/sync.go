package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/roach88/crdtsync/internal/config"
	"github.com/roach88/crdtsync/internal/engine"
	"github.com/roach88/crdtsync/internal/session"
	"github.com/roach88/crdtsync/internal/syncer"
)

// SyncResult summarizes one sync run.
type SyncResult struct {
	Phase     string `json:"phase"`
	Rounds    int    `json:"rounds"`
	Sent      int    `json:"sent"`
	Received  int    `json:"received"`
	Applied   int    `json:"applied"`
	Malformed int    `json:"malformed"`
	Hash      uint64 `json:"hash"`
}

// Text renders the result for text output.
func (r SyncResult) Text() string {
	s := fmt.Sprintf("%s after %d round(s): sent %d, received %d, applied %d\n",
		r.Phase, r.Rounds, r.Sent, r.Received, r.Applied)
	if r.Malformed > 0 {
		s += fmt.Sprintf("dropped %d malformed message(s)\n", r.Malformed)
	}
	return s
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync with the relay server",
		Long: `Run one full sync against the relay: send local messages, apply the
relay's, and repeat until both Merkle tries match.

Exit codes:
  0 - Converged (or stopped because the file binding changed)
  1 - Sync failed (network error, timeout, sync disabled)
  2 - Command error (no server url, unreadable config)
  3 - Out of sync: the replicas did not converge within the round limits

Examples:
  crdtsync sync --config client.yaml
  crdtsync sync --db budget.db --server http://localhost:8006`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), rootOpts, func(cfg *config.Config, s *session.Session) error {
				url := cfg.Sync.ServerURL
				if serverURL != "" {
					url = serverURL
				}
				if url == "" {
					return NewExitError(ExitCommandError, "no relay configured: set sync.server_url or --server")
				}

				transport, err := syncer.NewHTTPTransport(url, &http.Client{})
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid server url", err)
				}
				coord := syncer.New(transport, s.Store(), s.Applier(),
					syncer.WithLimits(syncer.Limits{MaxRounds: cfg.Sync.MaxRounds, MaxRepeats: cfg.Sync.MaxRepeats}),
					syncer.WithRoundTimeout(cfg.Sync.RoundTimeout),
				)

				report, err := s.Sync(cmd.Context(), coord, cfg.Sync.PruneHorizon)
				if errors.Is(err, syncer.ErrSyncDisabled) {
					return WrapExitError(ExitFailure, fmt.Sprintf("cannot sync in %s mode", s.Mode()), err)
				}

				f := newFormatter(cmd, rootOpts)
				if err != nil {
					var details map[string]string
					var se *engine.SyncError
					if errors.As(err, &se) {
						details = se.Details
					}
					if werr := f.Error(errorCode(err), err.Error(), details); werr != nil {
						slog.Warn("failed to write error output", "error", werr)
					}
					return wrapSyncError("sync failed", err)
				}

				return f.Success(SyncResult{
					Phase:     report.Phase.String(),
					Rounds:    report.Rounds,
					Sent:      report.Sent,
					Received:  report.Received,
					Applied:   report.Applied,
					Malformed: report.Malformed,
					Hash:      report.Hash,
				})
			})
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "relay url (overrides sync.server_url)")
	return cmd
}

// ModeResult reports the sync mode.
type ModeResult struct {
	Mode     string `json:"mode"`
	Previous string `json:"previous,omitempty"`
}

// Text renders the result for text output.
func (r ModeResult) Text() string {
	if r.Previous != "" && r.Previous != r.Mode {
		return fmt.Sprintf("%s (was %s)\n", r.Mode, r.Previous)
	}
	return r.Mode + "\n"
}

// NewModeCommand creates the mode command.
func NewModeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mode [enabled|disabled|offline|import]",
		Short: "Show or change the sync mode",
		Long: `Without an argument, print the replica's sync mode. With one, switch to
it. Switching back to enabled rebuilds the Merkle trie from the log so edits
made in the meantime are synced.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var next engine.Mode
			if len(args) == 1 {
				m, err := engine.ParseMode(args[0])
				if err != nil || args[0] == "" {
					return WrapExitError(ExitCommandError, "invalid mode", err)
				}
				next = m
			}

			return withSession(cmd.Context(), rootOpts, func(_ *config.Config, s *session.Session) error {
				current := s.Mode()
				if next == "" {
					return newFormatter(cmd, rootOpts).Success(ModeResult{Mode: string(current)})
				}
				if err := s.SetMode(cmd.Context(), next); err != nil {
					return wrapSyncError("failed to change mode", err)
				}
				return newFormatter(cmd, rootOpts).Success(ModeResult{Mode: string(next), Previous: string(current)})
			})
		},
	}
}
