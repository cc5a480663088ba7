package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/jmehdipour/flowhub/internal/app"
	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmehdipour/flowhub/internal/repository"
	"github.com/spf13/cobra"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect the transactional outbox",
}

var deadLetterLimit int

var outboxDeadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List dead-lettered records, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		store, err := app.OpenStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		recs, err := repository.NewOutboxRepository(store).ListDeadLetters(cmd.Context(), deadLetterLimit)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tAGGREGATE\tTYPE\tSEQ\tRETRIES\tCREATED\tLAST ERROR")
		for _, r := range recs {
			lastErr := ""
			if r.LastError != nil {
				lastErr = *r.LastError
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				r.ID, r.AggregateID, r.EventType, r.Sequence, r.RetryCount,
				r.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), lastErr)
		}
		return tw.Flush()
	},
}

var outboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count outbox records by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		store, err := app.OpenStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		counts, err := repository.NewOutboxRepository(store).CountByStatus(cmd.Context())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STATUS\tCOUNT")
		for _, s := range []model.OutboxStatus{
			model.OutboxPending, model.OutboxProcessing, model.OutboxFailed, model.OutboxDispatched, model.OutboxDeadLetter,
		} {
			fmt.Fprintf(tw, "%s\t%d\n", s, counts[s])
		}
		return tw.Flush()
	},
}

func init() {
	outboxDeadLettersCmd.Flags().IntVar(&deadLetterLimit, "limit", 100, "maximum records to list")
	outboxCmd.AddCommand(outboxDeadLettersCmd)
	outboxCmd.AddCommand(outboxStatsCmd)
}
