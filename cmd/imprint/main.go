// cmd/imprint/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// imprint captures filesystem partitions into compressed image files
// using partclone-style backends, and restores them.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mmp/imprint/config"
	"github.com/mmp/imprint/device"
	"github.com/mmp/imprint/imaging"
	"github.com/mmp/imprint/metrics"
	"github.com/mmp/imprint/pipeline"
	"github.com/mmp/imprint/ui"
	u "github.com/mmp/imprint/util"
)

var (
	log *u.Logger
	cfg *config.Config

	verbose, debug bool
	configPath     string
)

var rootCmd = &cobra.Command{
	Use:   "imprint",
	Short: "Partition imaging: capture, restore, verify and protect images",
	Long: `imprint captures a filesystem partition into a compressed image (optionally
split into fixed-size chunks) with a JSON descriptor and a SHA-256 checksum,
and restores such images onto a partition after validating them.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log = u.NewLogger(verbose, debug)
		if configPath != "" {
			os.Setenv(config.EnvConfig, configPath)
		}
		var err error
		cfg, err = config.Load(log)
		return err
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debugging output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Configuration file (default $XDG_CONFIG_HOME/imprint/config.yaml)")

	rootCmd.AddCommand(backupCmd, restoreCmd, sniffCmd, verifyCmd,
		protectCmd, repairCmd, pushCmd, fetchCmd, listCmd, mountCmd, readmeCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		if log == nil {
			log = u.NewLogger(false, false)
		}
		log.Error("%s", err)
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(imaging.ExitCode(err))
	}
}

// interactive reports whether someone is at the terminal.
func interactive() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func newEngine() *imaging.Engine {
	return &imaging.Engine{
		Log:       log,
		Inventory: device.Lsblk{},
		Runner:    &pipeline.Runner{},
		Prompter:  ui.NewTerminal(),
		Options:   cfg.Options(os.Geteuid() == 0, !interactive()),
	}
}

// recordRun writes the metrics textfile, if one is configured.
func recordRun(r metrics.Run) {
	if cfg.MetricsTextfile == "" {
		return
	}
	if err := metrics.WriteTextfile(cfg.MetricsTextfile, r); err != nil {
		log.Warning("%s: %s", cfg.MetricsTextfile, err)
	}
}
