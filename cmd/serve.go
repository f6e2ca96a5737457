// File: cmd/serve.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/observability"
	"github.com/dakbox/dakbox-cli/internal/picker"
	"github.com/dakbox/dakbox-cli/internal/relay"
	"github.com/dakbox/dakbox-cli/internal/service"
)

func newServeCmd(appConfig *config.Interface) *cobra.Command {
	var (
		listen  string
		pageURL string
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local relay that answers fetch, inbox, picker and settings requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, appConfig, func(ctx context.Context, c *service.Components) error {
				logger := observability.GetLogger()
				var opts []relay.Option
				if pageURL != "" {
					page, err := c.Browser().OpenPage(ctx, pageURL)
					if err != nil {
						return err
					}
					defer page.Close()
					opts = append(opts, relay.WithTabs(page), relay.WithPicker(picker.New(page, logger), 0))
				}
				d, err := c.NewDispatcher(opts...)
				if err != nil {
					return err
				}
				defer d.Close()

				srv := c.NewRelayServer(d)
				if listen != "" {
					cfg := c.Config.Relay()
					cfg.ListenAddr = listen
					srv = relay.NewServer(cfg, c.Config.Metrics(), d, c.Metrics, logger)
				}
				runCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				go func() {
					select {
					case addr := <-srv.Ready():
						fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on http://%s%s\n", addr, relay.RelayPath)
					case <-runCtx.Done():
					}
				}()
				if err := srv.Run(runCtx); err != nil {
					logger.Error("Relay failed.", zap.Error(err))
					return err
				}
				return nil
			})
		},
	}
	serveCmd.Flags().StringVar(&listen, "listen", "", "listen address (default from relay.listen_addr)")
	serveCmd.Flags().StringVar(&pageURL, "url", "", "open this page in the browser so inbox tabs and the picker work")
	return serveCmd
}
