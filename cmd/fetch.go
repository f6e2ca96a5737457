// File: cmd/fetch.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/mailclient"
	"github.com/dakbox/dakbox-cli/internal/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newFetchCmd(appConfig *config.Interface) *cobra.Command {
	var (
		registration bool
		expiry       int
		retries      int
		asJSON       bool
	)
	fetchCmd := &cobra.Command{
		Use:   "fetch <username|address>",
		Short: "Fetch the latest code for a disposable mailbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := mailboxUsername(args[0], (*appConfig).MailAPI().Domains)
			if err != nil {
				return err
			}
			purpose := schemas.PurposeLogin
			if registration {
				purpose = schemas.PurposeRegistration
			}
			opts := mailclient.FetchOptions{MaxRetries: retries}
			if expiry > 0 {
				opts.ExpirySeconds = &expiry
			}

			return withComponents(cmd, appConfig, func(ctx context.Context, c *service.Components) error {
				res, err := c.Fetcher().FetchCode(ctx, username, purpose, opts)
				if err != nil {
					return err
				}
				if err := c.Settings.SetLastUsername(ctx, username); err != nil {
					return err
				}
				if err := printResult(cmd.OutOrStdout(), res, asJSON); err != nil {
					return err
				}
				if !res.HasCode() {
					return fmt.Errorf("no code for %s: %s", username, res.Outcome)
				}
				return nil
			})
		},
	}
	fetchCmd.Flags().BoolVar(&registration, "registration", false, "look up a registration code instead of a login code")
	fetchCmd.Flags().IntVar(&expiry, "expiry", 0, "maximum message age in seconds (login only)")
	fetchCmd.Flags().IntVar(&retries, "retries", 0, "attempts before giving up (default from mailapi.max_retries)")
	fetchCmd.Flags().BoolVar(&asJSON, "json", false, "print the raw result as JSON")
	return fetchCmd
}

// mailboxUsername accepts a bare username or an address at one of the supported domains.
func mailboxUsername(arg string, domains []string) (string, error) {
	arg = strings.TrimSpace(arg)
	local, domain, ok := strings.Cut(arg, "@")
	if !ok {
		if arg == "" {
			return "", fmt.Errorf("username cannot be empty")
		}
		return arg, nil
	}
	domain = schemas.NormalizeDomain(domain)
	for _, d := range domains {
		if schemas.NormalizeDomain(d) == domain && local != "" {
			return local, nil
		}
	}
	return "", fmt.Errorf("%s is not an address at a supported domain (%s)", arg, strings.Join(domains, ", "))
}

func printResult(w io.Writer, res schemas.OtpFetchResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(w, "Outcome: %s\n", res.Outcome)
	if res.Code != "" {
		fmt.Fprintf(w, "Code:    %s\n", res.Code)
	}
	if res.RemainingSeconds != nil {
		fmt.Fprintf(w, "Expires: %ds\n", *res.RemainingSeconds)
	}
	if res.Subject != "" {
		fmt.Fprintf(w, "Subject: %s\n", res.Subject)
	}
	if res.From != "" {
		fmt.Fprintf(w, "From:    %s\n", res.From)
	}
	if res.Message != "" {
		fmt.Fprintf(w, "Message: %s\n", res.Message)
	}
	return nil
}
