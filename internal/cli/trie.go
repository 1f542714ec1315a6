package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/crdtsync/internal/config"
	"github.com/roach88/crdtsync/internal/merkle"
	"github.com/roach88/crdtsync/internal/session"
)

// BucketView is one minute bucket of the trie.
type BucketView struct {
	Key       string `json:"key"`
	Start     string `json:"start"`
	Count     int64  `json:"count"`
	Hash      uint64 `json:"hash"`
	Collapsed bool   `json:"collapsed,omitempty"`
}

// TrieResult describes a replica's Merkle trie.
type TrieResult struct {
	Hash    uint64       `json:"hash"`
	Count   int64        `json:"count"`
	Pruned  bool         `json:"pruned,omitempty"`
	Buckets []BucketView `json:"buckets"`
}

// Text renders the result for text output.
func (r TrieResult) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "hash:  %d\ncount: %d\n", r.Hash, r.Count)
	if r.Pruned {
		b.WriteString("pruned\n")
	}
	for _, bk := range r.Buckets {
		suffix := ""
		if bk.Collapsed {
			suffix = " (collapsed)"
		}
		fmt.Fprintf(&b, "  %s %s %d%s\n", bk.Key, bk.Start, bk.Count, suffix)
	}
	return b.String()
}

func viewTrie(t *merkle.Trie) TrieResult {
	buckets := t.Buckets()
	out := TrieResult{
		Hash:    t.Hash(),
		Count:   t.Count(),
		Buckets: make([]BucketView, 0, len(buckets)),
	}
	for _, bk := range buckets {
		out.Buckets = append(out.Buckets, BucketView{
			Key:       bk.Key,
			Start:     time.UnixMilli(bk.Start).UTC().Format(time.RFC3339),
			Count:     bk.Count,
			Hash:      bk.Hash,
			Collapsed: bk.Collapsed,
		})
	}
	return out
}

// NewTrieCommand creates the trie command.
func NewTrieCommand(rootOpts *RootOptions) *cobra.Command {
	var prune time.Duration

	cmd := &cobra.Command{
		Use:   "trie",
		Short: "Print the replica's Merkle trie",
		Long: `Print the trie hash, the number of messages it covers and its minute
buckets. With --prune, first collapse buckets older than the given age into
summaries; the hash is unchanged.

Examples:
  crdtsync trie
  crdtsync trie --prune 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if prune < 0 {
				return NewExitError(ExitCommandError, "--prune must not be negative")
			}

			return withSession(cmd.Context(), rootOpts, func(_ *config.Config, s *session.Session) error {
				trie := s.Context().Trie()
				if prune > 0 {
					pruned, err := s.Engine().Prune(cmd.Context(), s.Context(), time.Now().Add(-prune))
					if err != nil {
						return wrapSyncError("failed to prune trie", err)
					}
					trie = pruned
				}

				out := viewTrie(trie)
				out.Pruned = prune > 0
				return newFormatter(cmd, rootOpts).Success(out)
			})
		},
	}

	cmd.Flags().DurationVar(&prune, "prune", 0, "collapse buckets older than this age")
	return cmd
}

// VerifyResult compares the trie with the log.
type VerifyResult struct {
	OK        bool   `json:"ok"`
	Repaired  bool   `json:"repaired,omitempty"`
	TrieHash  uint64 `json:"trie_hash"`
	TrieCount int64  `json:"trie_count"`
	LogHash   uint64 `json:"log_hash"`
	LogCount  int64  `json:"log_count"`
}

// Text renders the result for text output.
func (r VerifyResult) Text() string {
	status := "✓ trie matches log"
	switch {
	case r.Repaired:
		status = "✓ trie rebuilt from log"
	case !r.OK:
		status = "✗ trie does not match log"
	}
	return fmt.Sprintf("%s\n  trie: hash %d, %d message(s)\n  log:  hash %d, %d message(s)\n",
		status, r.TrieHash, r.TrieCount, r.LogHash, r.LogCount)
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the Merkle trie against the message log",
		Long: `Rebuild a scratch trie from every logged message and compare it with
the stored one. With --repair, a mismatch is fixed by replacing the stored
trie with the rebuilt one.

Exit codes:
  0 - Trie matches (or was repaired)
  1 - Trie does not match the log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), rootOpts, func(_ *config.Config, s *session.Session) error {
				report, err := s.Verify(cmd.Context())
				if err != nil {
					return wrapSyncError("failed to verify trie", err)
				}

				out := VerifyResult{
					OK:        report.OK(),
					TrieHash:  report.TrieHash,
					TrieCount: report.TrieCount,
					LogHash:   report.LogHash,
					LogCount:  report.LogCount,
				}
				if !out.OK && repair {
					rebuilt, err := s.Rebuild(cmd.Context())
					if err != nil {
						return wrapSyncError("failed to rebuild trie", err)
					}
					out.Repaired = true
					out.OK = true
					out.TrieHash = rebuilt.Hash()
					out.TrieCount = rebuilt.Count()
				}

				if err := newFormatter(cmd, rootOpts).Success(out); err != nil {
					return err
				}
				if !out.OK {
					return NewExitError(ExitFailure, "trie does not match log (run with --repair)")
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&repair, "repair", false, "rebuild the trie when it does not match")
	return cmd
}
