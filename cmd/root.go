// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/observability"
	"github.com/dakbox/dakbox-cli/internal/service"
)

// componentOptions is appended to every NewComponents call. Tests use it to swap backends.
var componentOptions []service.Option

// newRootCmd builds a fresh command tree. The returned pointer receives the loaded
// configuration once PersistentPreRunE has run.
func newRootCmd() (*cobra.Command, *config.Interface) {
	var (
		cfgFile  string
		envFile  string
		logLevel string
	)
	appConfig := new(config.Interface)

	rootCmd := &cobra.Command{
		Use:           "dakbox",
		Short:         "DakBox fills one-time passcodes from disposable inboxes into web forms.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnvFile(envFile); err != nil {
				return err
			}
			v := viper.New()
			config.SetDefaults(v)
			if err := initializeConfig(v, cfgFile); err != nil {
				return err
			}
			if logLevel != "" {
				v.Set("logger.level", logLevel)
			}
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "dakbox"})
				return err
			}
			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting dakbox.", zap.String("version", Version), zap.String("command", cmd.Name()))
			*appConfig = cfg
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.SetVersionTemplate(`{{printf "dakbox version %s\n" .Version}}`)

	rootCmd.AddCommand(
		newWatchCmd(appConfig),
		newFetchCmd(appConfig),
		newSitesCmd(appConfig),
		newSettingsCmd(appConfig),
		newServeCmd(appConfig),
		newInboxCmd(appConfig),
		newGenerateCmd(appConfig),
		newVersionCmd(),
	)
	return rootCmd, appConfig
}

// NewRootCommand returns a fresh command tree.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRootCmd()
	return cmd
}

// Execute runs the command tree with ctx, logging any failure.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed.", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	observability.Sync()
	return err
}

// initializeConfig points v at the config file and the DAKBOX_ environment.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("DAKBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment only.
	}
	return nil
}

// loadEnvFile loads path into the process environment without overriding what is already set.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// withComponents builds the shared services for one command run and releases them afterwards.
func withComponents(cmd *cobra.Command, appConfig *config.Interface, fn func(ctx context.Context, c *service.Components) error) error {
	if appConfig == nil || *appConfig == nil {
		return errors.New("configuration was not loaded")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := service.NewComponents(ctx, *appConfig, observability.GetLogger(), componentOptions...)
	if err != nil {
		return err
	}
	defer c.Shutdown()
	return fn(ctx, c)
}
