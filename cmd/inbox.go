// File: cmd/inbox.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/inbox"
	"github.com/dakbox/dakbox-cli/internal/observability"
	"github.com/dakbox/dakbox-cli/internal/service"
)

func newInboxCmd(appConfig *config.Interface) *cobra.Command {
	var (
		timeout  time.Duration
		interval time.Duration
		urlOnly  bool
	)
	inboxCmd := &cobra.Command{
		Use:   "inbox <username|address>",
		Short: "Open a mailbox's inbox page and read the latest code from it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := mailboxUsername(args[0], (*appConfig).MailAPI().Domains)
			if err != nil {
				return err
			}
			link := inbox.DakboxURL((*appConfig).MailAPI().InboxBaseURL, username)
			if urlOnly {
				fmt.Fprintln(cmd.OutOrStdout(), link)
				return nil
			}
			return withComponents(cmd, appConfig, func(ctx context.Context, c *service.Components) error {
				page, err := c.Browser().OpenPage(ctx, link)
				if err != nil {
					return err
				}
				defer page.Close()

				waitCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				code, err := inbox.Wait(waitCtx, page, interval, observability.GetLogger())
				if err != nil {
					return err
				}
				if err := c.Settings.SetLastUsername(ctx, username); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), code)
				return nil
			})
		},
	}
	inboxCmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for a code")
	inboxCmd.Flags().DurationVar(&interval, "interval", 3*time.Second, "how often the page is re-read")
	inboxCmd.Flags().BoolVar(&urlOnly, "url", false, "print the inbox URL and exit")
	return inboxCmd
}
