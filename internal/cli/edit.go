package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/crdtsync/internal/config"
	"github.com/roach88/crdtsync/internal/crdt"
	"github.com/roach88/crdtsync/internal/engine"
	"github.com/roach88/crdtsync/internal/session"
)

// InitResult describes a freshly opened replica.
type InitResult struct {
	Database  string `json:"database"`
	ReplicaID string `json:"replica_id"`
	FileID    string `json:"file_id"`
	GroupID   string `json:"group_id"`
	Mode      string `json:"mode"`
}

// Text renders the result for text output.
func (r InitResult) Text() string {
	return fmt.Sprintf("database:   %s\nreplica id: %s\nfile id:    %s\ngroup id:   %s\nmode:       %s\n",
		r.Database, r.ReplicaID, r.FileID, r.GroupID, r.Mode)
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	var replicaID string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a replica database",
		Long: `Create the replica database (or open an existing one) and print its
identity. A new database gets a random replica id unless --replica is given;
an existing database keeps the id it already has.

Examples:
  crdtsync init --db ./budget.db
  crdtsync init --db ./budget.db --replica 00000000000000A1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if replicaID != "" && !crdt.ValidNode(replicaID) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid replica id %q: must be 16 upper-case hex digits", replicaID))
			}

			s, err := openSession(cmd.Context(), rootOpts, cfg, replicaID)
			if err != nil {
				return err
			}
			defer s.Close()

			id := s.Identity()
			return newFormatter(cmd, rootOpts).Success(InitResult{
				Database:  cfg.Replica.Database,
				ReplicaID: s.ReplicaID(),
				FileID:    id.FileID,
				GroupID:   id.GroupID,
				Mode:      string(s.Mode()),
			})
		},
	}

	cmd.Flags().StringVar(&replicaID, "replica", "", "replica id for a new database")
	return cmd
}

// MessageView is the printable form of a logged message.
type MessageView struct {
	Timestamp string `json:"timestamp"`
	Dataset   string `json:"dataset"`
	Row       string `json:"row"`
	Column    string `json:"column"`
	Value     any    `json:"value"`
}

func viewMessage(m crdt.Message) MessageView {
	return MessageView{
		Timestamp: m.Timestamp.String(),
		Dataset:   m.Dataset,
		Row:       m.Row,
		Column:    m.Column,
		Value:     crdt.ToAny(m.Value),
	}
}

func (m MessageView) line() string {
	return fmt.Sprintf("%s %s/%s.%s = %s", m.Timestamp, m.Dataset, m.Row, m.Column, formatValue(m.Value))
}

// formatValue renders a plain value for text output, quoting strings.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// SetResult lists the messages a set command logged.
type SetResult struct {
	Applied []MessageView `json:"applied"`
}

// Text renders the result for text output.
func (r SetResult) Text() string {
	var b strings.Builder
	for _, m := range r.Applied {
		b.WriteString(m.line())
		b.WriteByte('\n')
	}
	return b.String()
}

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	var valueType string

	cmd := &cobra.Command{
		Use:   "set <dataset> <row> <column> <value>",
		Short: "Edit one field",
		Long: `Set a field to a value, stamped with the replica's clock. The edit is
logged and wins over any older write to the same field.

Examples:
  crdtsync set transactions tx1 payee "Corner Grocer"
  crdtsync set transactions tx1 amount 12.5 --type number
  crdtsync set transactions tx1 notes "" --type null`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := crdt.ParseScalar(valueType, args[3])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid value", err)
			}

			return withSession(cmd.Context(), rootOpts, func(_ *config.Config, s *session.Session) error {
				res, err := s.Set(cmd.Context(), engine.Edit{
					Dataset: args[0],
					Row:     args[1],
					Column:  args[2],
					Value:   value,
				})
				if err != nil {
					if engine.IsMalformed(err) {
						return WrapExitError(ExitCommandError, "invalid edit", err)
					}
					return wrapSyncError("failed to apply edit", err)
				}

				out := SetResult{Applied: make([]MessageView, 0, len(res.Applied))}
				for _, m := range res.Applied {
					out.Applied = append(out.Applied, viewMessage(m))
				}
				return newFormatter(cmd, rootOpts).Success(out)
			})
		},
	}

	cmd.Flags().StringVarP(&valueType, "type", "t", "string", "value type (string|number|bool|null)")
	return cmd
}

// RowResult is the current state of one row.
type RowResult struct {
	Dataset string         `json:"dataset"`
	Row     string         `json:"row"`
	Fields  map[string]any `json:"fields"`
}

// Text renders the result for text output.
func (r RowResult) Text() string {
	if len(r.Fields) == 0 {
		return fmt.Sprintf("%s/%s: no fields\n", r.Dataset, r.Row)
	}
	columns := make([]string, 0, len(r.Fields))
	for col := range r.Fields {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	var b strings.Builder
	for _, col := range columns {
		fmt.Fprintf(&b, "%s = %s\n", col, formatValue(r.Fields[col]))
	}
	return b.String()
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <dataset> <row>",
		Short: "Print the current fields of a row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), rootOpts, func(_ *config.Config, s *session.Session) error {
				row, err := s.Get(cmd.Context(), args[0], args[1])
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read row", err)
				}

				fields := make(map[string]any, len(row))
				for col, v := range row {
					fields[col] = crdt.ToAny(v)
				}
				return newFormatter(cmd, rootOpts).Success(RowResult{
					Dataset: args[0],
					Row:     args[1],
					Fields:  fields,
				})
			})
		},
	}
}

// MessagesResult lists logged messages.
type MessagesResult struct {
	Since    string        `json:"since"`
	Messages []MessageView `json:"messages"`
}

// Text renders the result for text output.
func (r MessagesResult) Text() string {
	var b strings.Builder
	for _, m := range r.Messages {
		b.WriteString(m.line())
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%d message(s)\n", len(r.Messages))
	return b.String()
}

// NewMessagesCommand creates the messages command.
func NewMessagesCommand(rootOpts *RootOptions) *cobra.Command {
	var since string
	var limit int

	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List logged messages",
		Long: `List logged messages in timestamp order, optionally only those after
--since (a timestamp as printed by this command).

Examples:
  crdtsync messages
  crdtsync messages --since 2024-01-01T00:00:00.000Z-0000-0000000000000000 --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from := crdt.Zero
			if since != "" {
				ts, err := crdt.Parse(since)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --since", err)
				}
				from = ts
			}

			return withSession(cmd.Context(), rootOpts, func(_ *config.Config, s *session.Session) error {
				msgs, err := s.Messages(cmd.Context(), from, limit)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read messages", err)
				}

				out := MessagesResult{Since: from.String(), Messages: make([]MessageView, 0, len(msgs))}
				for _, m := range msgs {
					out.Messages = append(out.Messages, viewMessage(m))
				}
				return newFormatter(cmd, rootOpts).Success(out)
			})
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "only messages after this timestamp")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of messages (0 = all)")
	return cmd
}
