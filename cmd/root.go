package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/classbook/internal/config"
	xlog "github.com/example/classbook/internal/log"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func NewRootCmd() *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:           "classbook",
		Short:         "Watch a facility's class schedule and book places as soon as they open",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML config file (default $CLASSBOOK_CONFIG)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (default $LOG_LEVEL or info)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "json or console (default $LOG_FORMAT or json)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newHashPasswordCmd())
	root.AddCommand(newEncryptSecretCmd())
	root.AddCommand(newRunCmd(&flags))
	root.AddCommand(newEventsCmd(&flags))

	return root
}

// load reads the config named by --config, falling back to CLASSBOOK_CONFIG.
func (f *rootFlags) load() (config.Config, error) {
	path := f.configPath
	if path == "" {
		path = os.Getenv("CLASSBOOK_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	switch f.logFormat {
	case "":
	case "json", "console":
		cfg.LogFormat = f.logFormat
	default:
		return cfg, fmt.Errorf("--log-format %q must be json or console", f.logFormat)
	}
	return cfg, nil
}

func configureLogging(cfg config.Config, logFile string) (func(), error) {
	lc := xlog.Config{Level: cfg.LogLevel, Console: cfg.LogFormat == "console"}
	if logFile == "" {
		xlog.Configure(lc)
		return func() {}, nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	lc.Output = f
	xlog.Configure(lc)
	return func() { _ = f.Close() }, nil
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
