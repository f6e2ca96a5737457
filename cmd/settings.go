// File: cmd/settings.go
package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/service"
	"github.com/dakbox/dakbox-cli/internal/store"
)

// settingAliases maps the short names accepted on the command line to stored keys.
var settingAliases = map[string]string{
	"auto-otp":          schemas.KeyAutoOtpEnabled,
	"auto-open-inbox":   schemas.KeyAutoOpenInbox,
	"auto-open-yopmail": schemas.KeyAutoOpenYopmail,
	"auto-generate":     schemas.KeyAutoGenerate,
	"token":             schemas.KeyAPIToken,
	"last-username":     schemas.KeyLastUsername,
}

func newSettingsCmd(appConfig *config.Interface) *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change global settings",
	}

	var showToken bool
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print the global settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, appConfig, func(ctx context.Context, c *service.Components) error {
				view, err := c.Settings.View(ctx)
				if err != nil {
					return err
				}
				if !showToken && view.APIToken != "" {
					view.APIToken = maskToken(view.APIToken)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			})
		},
	}
	getCmd.Flags().BoolVar(&showToken, "show-token", false, "print the API token unmasked")

	setCmd := &cobra.Command{
		Use:   "set <name> <value>",
		Short: "Change one setting",
		Long: "Change one setting. Names: " + strings.Join(aliasNames(), ", ") +
			". Flags take true/false; an empty token removes it.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, ok := settingAliases[args[0]]
			if !ok {
				key = args[0]
			}
			return withComponents(cmd, appConfig, func(ctx context.Context, c *service.Components) error {
				if err := applySetting(ctx, c.Settings, key, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s updated.\n", key)
				return nil
			})
		},
	}

	settingsCmd.AddCommand(getCmd, setCmd)
	return settingsCmd
}

func applySetting(ctx context.Context, settings *store.Settings, key, value string) error {
	switch {
	case store.IsFlagKey(key):
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s takes true or false, got %q", key, value)
		}
		return settings.SetFlag(ctx, key, b)
	case key == schemas.KeyAPIToken:
		return settings.SetToken(ctx, strings.TrimSpace(value))
	case key == schemas.KeyLastUsername:
		return settings.SetLastUsername(ctx, value)
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
}

func maskToken(tok string) string {
	if len(tok) <= 8 {
		return "********"
	}
	return tok[:4] + strings.Repeat("*", len(tok)-8) + tok[len(tok)-4:]
}

func aliasNames() []string {
	names := make([]string, 0, len(settingAliases))
	for n := range settingAliases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
