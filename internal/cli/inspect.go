package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/LerianStudio/lib-courier/courier/outbox"
)

const lastErrorColumnWidth = 60

func newStatsCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count outbox messages per status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRepo(cmd.Context(), func(repo outbox.Repository) error {
				stats, err := repo.GetStats(cmd.Context())
				if err != nil {
					return err
				}

				if asJSON {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(stats)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "STATUS\tCOUNT")

				for _, status := range outbox.AllStatuses {
					fmt.Fprintf(w, "%s\t%d\n", status, stats[status])
				}

				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print counts as JSON")

	return cmd
}

func newRecentCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the most recently created messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRepo(cmd.Context(), func(repo outbox.Repository) error {
				messages, err := repo.GetRecent(cmd.Context(), limit)
				if err != nil {
					return err
				}

				return printMessages(cmd.OutOrStdout(), messages)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of messages")

	return cmd
}

func newDeadLettersCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "List dead-lettered messages with their last error",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRepo(cmd.Context(), func(repo outbox.Repository) error {
				messages, err := repo.GetDeadLetters(cmd.Context(), limit)
				if err != nil {
					return err
				}

				return printMessages(cmd.OutOrStdout(), messages)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of messages")

	return cmd
}

func newRetryCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry MESSAGE_ID...",
		Short: "Return dead-lettered messages to PENDING with a fresh attempt budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))

			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid message id %q: %w", arg, err)
				}

				ids = append(ids, id)
			}

			return a.withRepo(cmd.Context(), func(repo outbox.Repository) error {
				for _, id := range ids {
					retried, err := repo.RetryDeadLetter(cmd.Context(), id)
					if err != nil {
						return err
					}

					if retried {
						fmt.Fprintf(cmd.OutOrStdout(), "%s requeued\n", id)
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "%s skipped: not dead-lettered\n", id)
					}
				}

				return nil
			})
		},
	}
}

func newCleanupCommand(a *app) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete SENT messages older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRepo(cmd.Context(), func(repo outbox.Repository) error {
				deleted, err := repo.CleanupSent(cmd.Context(), days)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d sent messages older than %d days\n", deleted, days)

				return nil
			})
		},
	}

	cmd.Flags().IntVar(&days, "older-than-days", 7, "retention window in days")

	return cmd
}

func printMessages(out io.Writer, messages []*outbox.OutboxMessage) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHANNEL\tTYPE\tSTATUS\tATTEMPTS\tUPDATED\tLAST ERROR")

	for _, msg := range messages {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			msg.ID, msg.ChannelName, msg.MessageType, msg.Status,
			msg.Attempts, msg.MaxAttempts,
			msg.UpdatedAt.UTC().Format(time.RFC3339),
			truncate(msg.LastError, lastErrorColumnWidth))
	}

	return w.Flush()
}

func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}

	return string(runes[:width-1]) + "…"
}
