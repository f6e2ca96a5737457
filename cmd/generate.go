// File: cmd/generate.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/generator"
	"github.com/dakbox/dakbox-cli/internal/observability"
	"github.com/dakbox/dakbox-cli/internal/service"
)

func newGenerateCmd(appConfig *config.Interface) *cobra.Command {
	var domain string
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Create a random disposable address and remember it as the last used mailbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, appConfig, func(ctx context.Context, c *service.Components) error {
				d := domain
				if d == "" {
					if domains := c.Config.MailAPI().Domains; len(domains) > 0 {
						d = domains[0]
					}
				}
				var opts []generator.Option
				if d != "" {
					opts = append(opts, generator.WithDomain(d))
				}
				gen := generator.New(nil, c.Settings, nil, nil, observability.GetLogger(), opts...)
				email, _, err := gen.Generate(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), email)
				return nil
			})
		},
	}
	generateCmd.Flags().StringVar(&domain, "domain", "", "mail domain (default is the first of mailapi.domains)")
	return generateCmd
}
