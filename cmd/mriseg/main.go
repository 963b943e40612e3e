// Package main provides the entry point for the mriseg segmentation service.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Veraticus/mriseg/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitErr("mriseg", err)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "mriseg",
		Short:         "Orbital MRI segmentation service",
		Long:          "Upload orbital MRI volumes or images, segment them into extraocular structures, and export the results.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Config file (default: $"+config.EnvConfigPath+" or ./mriseg.{toml,yaml,json})")

	loadConfig := func() (config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(
		newServeCmd(loadConfig),
		newSegmentCmd(loadConfig),
		newClassesCmd(),
	)
	return root
}

// setupLogging installs the default slog handler described by cfg.
// MRISEG_DEBUG=1 forces debug output regardless of configuration.
func setupLogging(w io.Writer, cfg config.LogConfig) error {
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	if os.Getenv("MRISEG_DEBUG") == "1" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
