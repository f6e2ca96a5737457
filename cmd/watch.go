// File: cmd/watch.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/engine"
	"github.com/dakbox/dakbox-cli/internal/observability"
	"github.com/dakbox/dakbox-cli/internal/picker"
	"github.com/dakbox/dakbox-cli/internal/relay"
	"github.com/dakbox/dakbox-cli/internal/service"
)

func newWatchCmd(appConfig *config.Interface) *cobra.Command {
	var serve bool
	watchCmd := &cobra.Command{
		Use:   "watch <url>",
		Short: "Open a page and fill one-time passcodes into it until interrupted",
		Long: `Opens the URL in Chromium and watches the tab. When a code is requested for a
disposable address, the inbox is polled and the code is typed into the form.
Sessions survive redirects and are resumed on the next page load.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _, err := siteURL(args[0])
			if err != nil {
				return err
			}
			return withComponents(cmd, appConfig, func(ctx context.Context, c *service.Components) error {
				return runWatch(ctx, c, target, serve, cmd.OutOrStdout())
			})
		},
	}
	watchCmd.Flags().BoolVar(&serve, "serve", false, "also run the local relay attached to this page")
	return watchCmd
}

func runWatch(ctx context.Context, c *service.Components, target string, serve bool, out io.Writer) error {
	logger := observability.GetLogger()
	page, err := c.Browser().OpenPage(ctx, target)
	if err != nil {
		return err
	}
	defer page.Close()

	bundle, err := c.NewEngine(page, engine.WithStatus(statusPrinter(out)))
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// The tab closing ends the watch.
		defer cancel()
		return bundle.Engine.Run(gctx, page.Events())
	})

	if serve {
		d, err := c.NewDispatcher(relay.WithTabs(page), relay.WithPicker(picker.New(page, logger), 0))
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		defer d.Close()
		srv := c.NewRelayServer(d)
		g.Go(func() error { return srv.Run(gctx) })
	}

	logger.Info("Watching page.", zap.String("url", target), zap.Bool("relay", serve))
	return g.Wait()
}

// statusPrinter writes one line per engine status update.
func statusPrinter(w io.Writer) engine.StatusFunc {
	var mu sync.Mutex
	return func(s engine.Status) {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %s %s", s.Origin, s.Purpose, s.State)
		if s.MaxAttempts > 0 {
			fmt.Fprintf(&b, " %d/%d", s.Attempt, s.MaxAttempts)
		}
		if s.Mailbox != "" {
			fmt.Fprintf(&b, " mailbox=%s", s.Mailbox)
		}
		if s.RemainingSeconds != nil {
			fmt.Fprintf(&b, " expires=%ds", *s.RemainingSeconds)
		}
		if s.Failure != "" {
			fmt.Fprintf(&b, " failure=%s", s.Failure)
		}
		if s.Message != "" {
			fmt.Fprintf(&b, " (%s)", s.Message)
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, b.String())
	}
}
