package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/koppelia/config"
)

var rootCmd = &cobra.Command{
	Use:               "koppelia",
	Short:             "Koppelia console tools: simulated console and page clients",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var (
	flagConfig     string
	flagLogLevel   string
	flagDebug      bool
	flagConsoleURL string
	flagRole       string

	cfg *config.Config
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "koppelia.toml", "path to the TOML config file (missing file uses defaults)")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	flags.BoolVar(&flagDebug, "debug", false, "shortcut for --log-level debug")
	flags.StringVar(&flagConsoleURL, "console-url", "", "console endpoint: ws:// or wss:// URL, or a multiaddr such as /ip4/127.0.0.1/tcp/2225/ws")
	flags.StringVar(&flagRole, "role", "", "page role: controller, monitor or none")

	rootCmd.AddCommand(serveCmd, watchCmd, stateCmd, gotoCmd, optionCmd, devicesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute koppelia command")
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagConsoleURL != "" {
		loaded.ConsoleURL = flagConsoleURL
	}
	if flagRole != "" {
		loaded.Role = flagRole
	}
	if flagLogLevel != "" {
		loaded.LogLevel = flagLogLevel
	}
	if flagDebug {
		loaded.LogLevel = "debug"
	}
	if err := loaded.Validate(); err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(loaded.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", loaded.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(consoleWriter(cmd.ErrOrStderr()))

	cfg = loaded
	return nil
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: true}
	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		cw.NoColor = !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
	}
	return cw
}
