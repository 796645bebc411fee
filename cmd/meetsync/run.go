package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/multi-agent/meetsync/internal/meeting"
	"github.com/multi-agent/meetsync/internal/reconcile"
	"github.com/multi-agent/meetsync/internal/session"
)

func newRunCmd(f *rootFlags) *cobra.Command {
	var run meeting.PendingRun
	cmd := &cobra.Command{
		Use:   "run <meeting>",
		Short: "Trigger rounds and follow them until the run ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := run.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := f.setup(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			done := make(chan error, 1)
			signal := func(err error) {
				select {
				case done <- err:
				default:
				}
			}
			// began 只在会话循环上访问
			began := false
			s, err := a.open(ctx, args[0], cmd.OutOrStdout(), func(o *session.Options) {
				onChange, onFailure := o.OnChange, o.OnFailure
				o.OnChange = func(snap reconcile.Snapshot) {
					onChange(snap)
					if snap.RunActive {
						began = true
						return
					}
					if began && settled(snap) {
						signal(nil)
					}
				}
				o.OnFailure = func(err error) {
					onFailure(err)
					signal(err)
				}
			})
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.RequestRun(run); err != nil {
				return err
			}
			select {
			case err := <-done:
				if err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}

			snap, err := s.Snapshot()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run finished: %s, round %d/%d, %d messages\n",
				snap.State.Status, snap.State.CurrentRound, snap.State.MaxRounds, len(snap.Messages))
			return nil
		},
	}
	cmd.Flags().IntVar(&run.Rounds, "rounds", 1, "本次运行的轮数")
	cmd.Flags().StringVar(&run.Topic, "topic", "", "会议主题")
	cmd.Flags().StringVar(&run.Locale, "locale", "", "发言语言 (如 zh)")
	return cmd
}

// settled 运行已结束, 且终态后的权威快照已替换实时缓冲 (或拉取已失败)。
func settled(snap reconcile.Snapshot) bool {
	return !snap.RunActive && !snap.FetchPending
}
