package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/repoagent/internal/config"
	"github.com/xkilldash9x/repoagent/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type contextKey string

const configKey contextKey = "config"

// configKeyAnnotation marks a flag with the config key it overrides.
const configKeyAnnotation = "repoagent_config_key"

// Execute builds the root command and runs it with ctx.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
		}
		observability.Sync()
		return err
	}
	observability.Sync()
	return nil
}

// NewRootCommand returns a fresh command tree.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRootCmd()
	return cmd
}

// newRootCmd builds the command tree. The returned pointer receives the
// loaded configuration once PersistentPreRunE has run.
func newRootCmd() (*cobra.Command, *config.Interface) {
	var (
		cfgFile   string
		appConfig config.Interface
	)

	rootCmd := &cobra.Command{
		Use:           "repoagent",
		Short:         "repoagent drives a language model through repository repair tasks.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.Initialize(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "repoagent"}, zapcore.Lock(os.Stderr))
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			// Logs go to stderr so stdout stays parseable.
			observability.Initialize(cfg.Logger(), zapcore.Lock(os.Stderr))
			observability.GetLogger().Debug("Starting repoagent", zap.String("version", Version))

			appConfig = cfg
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, config.Interface(cfg)))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newEvalCmd())
	rootCmd.AddCommand(newPrefsCmd())
	rootCmd.AddCommand(newTraceCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd, &appConfig
}

// initializeConfig layers the config file, REPOAGENT_* environment variables
// and the executing command's annotated flags onto v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("REPOAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys, ok := f.Annotations[configKeyAnnotation]
		if !ok || len(keys) == 0 || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(keys[0], f)
	})
	return bindErr
}

// bindFlag annotates flag name so that, when set, it overrides key.
func bindFlag(cmd *cobra.Command, name, key string) {
	if err := cmd.Flags().SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", name, err))
	}
}

// getConfigFromContext returns the configuration loaded by the root command.
func getConfigFromContext(ctx context.Context) (config.Interface, error) {
	cfg, ok := ctx.Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
