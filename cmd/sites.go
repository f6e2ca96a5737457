// File: cmd/sites.go
package cmd

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/observability"
	"github.com/dakbox/dakbox-cli/internal/picker"
	"github.com/dakbox/dakbox-cli/internal/relay"
	"github.com/dakbox/dakbox-cli/internal/service"
)

func newSitesCmd(appConfig *config.Interface) *cobra.Command {
	sitesCmd := &cobra.Command{
		Use:   "sites",
		Short: "Manage per-site selector configurations",
	}
	sitesCmd.AddCommand(
		newSitesListCmd(appConfig),
		newSitesAddCmd(appConfig),
		newSitesRemoveCmd(appConfig),
		newSitesToggleCmd(appConfig, "enable", true),
		newSitesToggleCmd(appConfig, "disable", false),
		newSitesPickCmd(appConfig),
	)
	return sitesCmd
}

func newSitesListCmd(appConfig *config.Interface) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List site configurations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, appConfig, func(ctx context.Context, c *service.Components) error {
				cfgs, err := c.Settings.SortedSiteConfigs(ctx)
				if err != nil {
					return err
				}
				if len(cfgs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No site configurations.")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "DOMAIN\tENABLED\tOTP\tSUBMIT\tEMAIL\tTRIGGER\tEXPIRY")
				for _, s := range cfgs {
					expiry := "-"
					if s.ExpirySeconds != nil {
						expiry = fmt.Sprintf("%ds", *s.ExpirySeconds)
					}
					fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\t%s\t%s\n", s.Domain, s.Enabled,
						dash(s.OtpSelector), dash(s.OtpSubmitSelector), dash(s.EmailSelector), dash(s.TriggerSelector), expiry)
				}
				return tw.Flush()
			})
		},
	}
}

func newSitesAddCmd(appConfig *config.Interface) *cobra.Command {
	var (
		site     schemas.SiteOtpConfig
		expiry   int
		disabled bool
	)
	addCmd := &cobra.Command{
		Use:   "add <domain>",
		Short: "Add or replace a site configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			site.Domain = args[0]
			site.Enabled = !disabled
			if expiry > 0 {
				site.ExpirySeconds = &expiry
			}
			return withComponents(cmd, appConfig, func(ctx context.Context, c *service.Components) error {
				if err := c.Settings.SaveSiteConfig(ctx, site); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved configuration for %s.\n", schemas.NormalizeDomain(site.Domain))
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&site.OtpSelector, "otp", "", "selector of the code input(s) (required)")
	addCmd.Flags().StringVar(&site.OtpSubmitSelector, "submit", "", "selector of the button that submits the code")
	addCmd.Flags().StringVar(&site.EmailSelector, "email", "", "selector of the email input")
	addCmd.Flags().StringVar(&site.TriggerSelector, "trigger", "", "selector of the button that sends the code")
	addCmd.Flags().IntVar(&expiry, "expiry", 0, "maximum message age in seconds for login codes")
	addCmd.Flags().BoolVar(&disabled, "disabled", false, "store the configuration disabled")
	_ = addCmd.MarkFlagRequired("otp")
	return addCmd
}

func newSitesRemoveCmd(appConfig *config.Interface) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <domain>",
		Aliases: []string{"rm"},
		Short:   "Remove a site configuration",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, appConfig, func(ctx context.Context, c *service.Components) error {
				if err := c.Settings.RemoveSiteConfig(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.\n", schemas.NormalizeDomain(args[0]))
				return nil
			})
		},
	}
}

func newSitesToggleCmd(appConfig *config.Interface, name string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <domain>",
		Short: strings.ToUpper(name[:1]) + name[1:] + " automation for a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, appConfig, func(ctx context.Context, c *service.Components) error {
				site, ok, err := c.Settings.SiteConfig(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no configuration for %s", schemas.NormalizeDomain(args[0]))
				}
				site.Enabled = enabled
				if err := c.Settings.SaveSiteConfig(ctx, site); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: enabled=%t\n", site.Domain, enabled)
				return nil
			})
		},
	}
}

func newSitesPickCmd(appConfig *config.Interface) *cobra.Command {
	var (
		target  string
		timeout time.Duration
	)
	pickCmd := &cobra.Command{
		Use:   "pick <domain|url>",
		Short: "Open the site and click an element to store its selector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pt := schemas.PickerTarget(target)
			if !pt.Apply(&schemas.SiteOtpConfig{}, "") {
				return fmt.Errorf("unknown target %q (emailSelector, triggerSelector, otpSelector, otpSubmitSelector)", target)
			}
			pageURL, domain, err := siteURL(args[0])
			if err != nil {
				return err
			}
			return withComponents(cmd, appConfig, func(ctx context.Context, c *service.Components) error {
				logger := observability.GetLogger()
				page, err := c.Browser().OpenPage(ctx, pageURL)
				if err != nil {
					return err
				}
				defer page.Close()

				fmt.Fprintf(cmd.OutOrStdout(), "Click the element to use as %s (Escape cancels).\n", target)
				pickCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				res, err := picker.New(page, logger).Pick(pickCtx)
				if err != nil {
					return err
				}
				if res.Cancelled {
					fmt.Fprintln(cmd.OutOrStdout(), "Pick cancelled.")
					return nil
				}
				if res.Host != "" && schemas.NormalizeDomain(res.Host) != domain {
					logger.Info("Element was picked on another host.", zap.String("host", res.Host), zap.String("domain", domain))
				}
				saved, err := picker.Save(ctx, c.Settings, domain, pt, res)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %s = %s for %s.\n", target, res.Selector, saved.Domain)
				return nil
			})
		},
	}
	pickCmd.Flags().StringVarP(&target, "target", "t", string(schemas.PickOtp), "configuration field to fill")
	pickCmd.Flags().DurationVar(&timeout, "timeout", relay.DefaultPickTimeout, "how long to wait for a click")
	return pickCmd
}

// siteURL turns a bare domain or a URL into a page URL and its normalized domain.
func siteURL(arg string) (string, string, error) {
	raw := strings.TrimSpace(arg)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", "", fmt.Errorf("invalid site %q", arg)
	}
	return u.String(), schemas.NormalizeDomain(u.Hostname()), nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
