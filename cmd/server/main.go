package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/obiente/translate/autosub/internal/config"
)

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	lvl := zerolog.InfoLevel
	if level != "" {
		if l, err := zerolog.ParseLevel(level); err == nil {
			lvl = l
		}
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	log.Logger = log.Level(lvl)
}

func newRootCmd() *cobra.Command {
	var configFile string
	var cfg config.Config

	root := &cobra.Command{
		Use:           "autosub",
		Short:         "Transcribe uploads and burn subtitles into video",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Loader{File: configFile}.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			setupLogging(cfg.LogLevel)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "TOML config file (defaults to $AUTOSUB_CONFIG)")

	serve := newServeCmd(&cfg)
	root.AddCommand(serve, newTranscribeCmd(&cfg), newBurnCmd(&cfg))
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "autosub:", err)
		os.Exit(1)
	}
}
