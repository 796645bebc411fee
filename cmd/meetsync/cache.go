package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/multi-agent/meetsync/internal/store"
	apperrors "github.com/multi-agent/meetsync/pkg/errors"
)

func newCacheCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the local snapshot cache (PostgreSQL)",
	}

	var filter store.ListFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List cached meetings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := f.cacheApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			items, err := a.cache.List(ctx, filter)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MEETING\tSTATUS\tROUND\tMESSAGES\tUPDATED")
			for _, it := range items {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%s\n",
					it.MeetingID, it.Status, it.CurrentRound, it.MaxRounds, it.MessageCount,
					it.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&filter.Status, "status", "", "按状态过滤")
	list.Flags().StringVar(&filter.Keyword, "keyword", "", "按会议 id 关键词过滤")
	list.Flags().IntVar(&filter.Limit, "limit", 50, "最大条数")

	show := &cobra.Command{
		Use:   "show <meeting>",
		Short: "Print a cached snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := f.cacheApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			conv, ok, err := a.cache.Load(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return apperrors.Wrapf(apperrors.ErrNotFound, "meetsync.cache", "meeting %s not cached", args[0])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s  round %d/%d\n", conv.ID, conv.Status, conv.CurrentRound, conv.MaxRounds)
			for _, m := range conv.Messages {
				fmt.Fprintf(out, "[R%d] %s: %s\n", m.Round, m.AgentName, m.Content)
			}
			return nil
		},
	}

	drop := &cobra.Command{
		Use:   "drop <meeting>",
		Short: "Remove a cached snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := f.cacheApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			return a.cache.Delete(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(list, show, drop)
	return cmd
}

func (f *rootFlags) cacheApp(cmd *cobra.Command) (*app, error) {
	a, err := f.setup(cmd.Context(), true)
	if err != nil {
		return nil, err
	}
	if a.cache == nil {
		a.close()
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "meetsync.cache", "snapshot cache not configured (POSTGRES_CONNECTION_STRING)")
	}
	return a, nil
}
