package main

import (
	"github.com/spf13/cobra"
)

func newWatchCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <meeting>",
		Short: "Follow a meeting's live events until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := f.setup(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			s, err := a.open(ctx, args[0], cmd.OutOrStdout(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Watch(); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
}
