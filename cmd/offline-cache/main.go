package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	configFilenameFlag string
	originFlag         string
	portFlag           int
	dbFilenameFlag     string
	storageFlag        string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

var rootCmd = &cobra.Command{
	Use:   "offline-cache",
	Short: "Offline cache agent for web applications",
	Long: `Serves an application cache-first from versioned cache generations,
falling back to the cached entry page when the origin is unreachable.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

func init() {
	if version == "" {
		version = "DEV"
	}
	rootCmd.Version = version

	rootCmd.PersistentFlags().StringVar(&configFilenameFlag, "config", "offline-cache.yaml", "Config file to use")
	rootCmd.PersistentFlags().StringVar(&originFlag, "origin", "", "Origin URL of the application")
	rootCmd.PersistentFlags().IntVar(&portFlag, "port", 8080, "Port to listen on")
	rootCmd.PersistentFlags().StringVar(&dbFilenameFlag, "db", "", "Cache DB path (use 'memory' for in-memory db)")
	rootCmd.PersistentFlags().StringVar(&storageFlag, "storage", "", "Storage provider: sqlite, memory, leveldb or redis")
	rootCmd.PersistentFlags().BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	rootCmd.PersistentFlags().StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging() error {
	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}

// resolveConfig loads the config file and applies the flags the user set explicitly.
func resolveConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	config, err := loadConfig(configFilenameFlag, flags.Changed("config"))
	if err != nil {
		return config, err
	}
	if flags.Changed("origin") {
		config.Origin = originFlag
	}
	if flags.Changed("port") {
		config.Port = portFlag
	}
	if flags.Changed("storage") {
		config.Storage.Provider = storageFlag
	}
	if flags.Changed("db") {
		config.Storage.Path = dbFilenameFlag
	}
	return config, config.validate()
}
