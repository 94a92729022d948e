package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/abelzeko/garden-controller/internal/config"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/spf13/cobra"
)

var logger = loggo.GetLogger("garden")

// rootOptions holds the global flags and the configuration they load
type rootOptions struct {
	ConfigPath string
	LogLevel   string

	cfg config.Config
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newRootCommand creates the garden CLI
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "garden",
		Short: "Soil-moisture garden controller",
		Long: `Collects soil humidity from the sensor boards over MQTT and waters the
plants at night when they are dry.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return errors.Trace(err)
			}
			if opts.LogLevel != "" {
				cfg.Log.Level = opts.LogLevel
			}
			if err := setupLogging(cfg.Log); err != nil {
				return errors.Trace(err)
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", config.DefaultPath, "path to the YAML configuration")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newInstallCommand(opts))
	cmd.AddCommand(newEvaluateCommand(opts))
	cmd.AddCommand(newWaterCommand(opts))

	return cmd
}

// setupLogging applies the level to every module and redirects the output to
// the log file when one is configured
func setupLogging(cfg config.LogConfig) error {
	level := strings.ToUpper(cfg.Level)
	if _, ok := loggo.ParseLevel(level); !ok {
		return errors.NotValidf("log level %q", cfg.Level)
	}
	if err := loggo.ConfigureLoggers("<root>=" + level); err != nil {
		return errors.Annotate(err, "cannot configure loggers")
	}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return errors.Annotatef(err, "cannot open log file %q", cfg.File)
		}
		if _, err := loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(f, loggo.DefaultFormatter)); err != nil {
			return errors.Annotate(err, "cannot replace log writer")
		}
	}
	logger.Infof("garden controller - started")
	return nil
}
