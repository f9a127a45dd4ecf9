// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/observability"
	"github.com/xkilldash9x/scalpel-replay/internal/service"
)

type contextKey string

const configKey contextKey = "config"

// envPrefix namespaces every environment override, e.g.
// SCALPEL_REPLAY_STORE_TYPE=postgres.
const envPrefix = "SCALPEL_REPLAY"

// dependencies are the seams commands use to reach the browser and the store.
type dependencies struct {
	factory service.ComponentFactory
	stores  storeProvider
}

// NewRootCommand builds the command tree with production dependencies.
func NewRootCommand() *cobra.Command {
	return newRootCommand(dependencies{
		factory: service.NewComponentFactory(),
		stores:  NewStoreProvider(),
	})
}

func newRootCommand(deps dependencies) *cobra.Command {
	var (
		cfgFile   string
		headless  bool
		remoteURL string
		storeType string
	)

	rootCmd := &cobra.Command{
		Use:           "scalpel-replay",
		Short:         "Records browser sessions and replays them deterministically.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			// Flags win over file and environment.
			flags := cmd.Flags()
			if flags.Changed("headless") {
				cfg.SetBrowserHeadless(headless)
			}
			if flags.Changed("remote-url") {
				cfg.SetBrowserRemoteURL(remoteURL)
			}
			if flags.Changed("store") {
				cfg.SetStoreType(storeType)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting scalpel-replay.", zap.String("version", Version), zap.String("command", cmd.Name()))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, config.Interface(cfg)))
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./scalpel-replay.yaml or ~/.scalpel-replay/scalpel-replay.yaml)")
	pf.BoolVar(&headless, "headless", true, "run the launched browser without a window")
	pf.StringVar(&remoteURL, "remote-url", "", "attach to a running browser's DevTools endpoint instead of launching one")
	pf.StringVar(&storeType, "store", "", "recording store: file or postgres")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newRecordCmd(deps.factory),
		newReplayCmd(deps.factory),
		newServeCmd(deps.factory),
		newListCmd(deps.stores),
		newExportCmd(deps.stores),
		newImportCmd(deps.stores),
		newDeleteCmd(deps.stores),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree against os.Args.
func Execute(ctx context.Context) error {
	defer observability.Sync()

	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		observability.GetLogger().Info("Command cancelled.")
		return err
	}
	observability.GetLogger().Error("Command execution failed.", zap.Error(err))
	fmt.Fprintln(os.Stderr, "Error:", err)
	return err
}

// initializeConfig points v at the config file and the environment.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".scalpel-replay"))
		}
		v.SetConfigName("scalpel-replay")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func getConfigFromContext(ctx context.Context) (config.Interface, error) {
	cfg, ok := ctx.Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in command context")
	}
	return cfg, nil
}
