package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/multi-agent/meetsync/internal/channel"
	"github.com/multi-agent/meetsync/internal/config"
	"github.com/multi-agent/meetsync/internal/session"
)

func newSayCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "say <meeting> <text...>",
		Short: "Post a user message into the meeting",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := f.setup(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			content := strings.Join(args[1:], " ")
			if a.cfg.Transport != config.TransportPush {
				if err := a.client.PostMessage(ctx, args[0], content); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "sent via REST")
				return nil
			}

			// push: 等推送通道连上再发; 超时后 SendUserMessage 自动退回 REST
			ready := make(chan struct{})
			s, err := a.open(ctx, args[0], io.Discard, func(o *session.Options) {
				o.OnChannelState = func(name string, st channel.State) {
					if name == channel.NamePush && st.Status == channel.StatusConnected {
						select {
						case <-ready:
						default:
							close(ready)
						}
					}
				}
			})
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Watch(); err != nil {
				return err
			}
			select {
			case <-ready:
			case <-time.After(a.cfg.PushConnectTimeout()):
			case <-ctx.Done():
				return nil
			}
			if err := s.SendUserMessage(ctx, content); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		},
	}
}
