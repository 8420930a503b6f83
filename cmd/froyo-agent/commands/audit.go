package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-agent/pkg/config"
	"github.com/openfroyo/froyo-agent/pkg/stores"
)

func newAuditCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
		Long: `Inspect the audit trail of authentication attempts, certificate
rejections, batch submissions and reboots recorded by the daemon.`,
	}
	cmd.AddCommand(newAuditListCommand(opts))
	cmd.AddCommand(newAuditPruneCommand(opts))
	return cmd
}

func newAuditListCommand(opts *options) *cobra.Command {
	var (
		action     string
		sessionID  string
		since      time.Duration
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries, newest first",
		Example: `  # Failed and successful logins of the last day
  froyo-agent audit list --action authenticate --since 24h

  # Everything one session did, as JSON
  froyo-agent audit list --session 3f6c... --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, store stores.Store) error {
				filter := stores.AuditFilter{}
				if action != "" {
					filter.Action = &action
				}
				if sessionID != "" {
					filter.SessionID = &sessionID
				}
				if since > 0 {
					t := time.Now().Add(-since)
					filter.Since = &t
				}
				entries, err := store.ListAuditEntries(ctx, filter, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(entries)
				}
				return printAudit(cmd.OutOrStdout(), entries)
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only entries with this action")
	cmd.Flags().StringVar(&sessionID, "session", "", "only entries of this session")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}

func newAuditPruneCommand(opts *options) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old audit entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withStore(cmd.Context(), opts, func(ctx context.Context, store stores.Store) error {
				n, err := store.DeleteAuditEntriesBefore(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				log.Info().Int64("deleted", n).Msg("Audit trail pruned")
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "delete entries older than this")
	return cmd
}

func withStore(ctx context.Context, opts *options, fn func(context.Context, stores.Store) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if cfg.Paths.AuditDB == "" {
		return fmt.Errorf("auditing is disabled in the configuration")
	}
	store, err := openStore(ctx, cfg.Paths.AuditDB)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func printAudit(w io.Writer, entries []*stores.AuditEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tOUTCOME\tPEER\tSESSION\tBATCH")
	for _, e := range entries {
		batch := "-"
		if e.BatchID != nil {
			batch = fmt.Sprint(*e.BatchID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Action, e.Outcome,
			deref(e.PeerAddress), shortID(e.SessionID), batch)
	}
	return tw.Flush()
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
