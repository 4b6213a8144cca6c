package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/FluidXR/questlink/internal/adb"
	"github.com/FluidXR/questlink/internal/config"
	"github.com/FluidXR/questlink/internal/manifest"
)

// Version of QuestLink.
const Version = "0.5.0"

var logLevel string

var rootCmd = &cobra.Command{
	Use:     "questlink",
	Short:   "Talk to Meta Quest headsets through the adb server",
	Version: Version,
	Long: `QuestLink speaks the adb host protocol directly. It tracks devices and
debuggable processes, and pulls and pushes files over the sync protocol.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configureLogging()
	},
}

// configureLogging sets up zerolog: a console writer on a terminal, JSON
// otherwise.
func configureLogging() error {
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level := logLevel
	if level == "" {
		if cfg, err := config.Load(); err == nil {
			level = cfg.LogLevel
		}
	}
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("bad log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// requireDeps returns a PersistentPreRunE for commands that may start the
// adb server. It also offers to nickname new devices.
func requireDeps() func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := configureLogging(); err != nil {
			return err
		}
		s, err := newSession(nil)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := ensureADB(cmd.Context(), s, os.Stdin, os.Stdout, isInteractive()); err != nil {
			return err
		}
		checkNewDevices(cmd.Context(), s)
		return nil
	}
}

// session is what most commands need: config, an adb client and, lazily,
// the manifest.
type session struct {
	cfg     *config.Config
	traffic *adb.Traffic
	adb     *adb.Client
	db      *manifest.DB
}

// newSession loads the config and builds the adb client. reg, when not
// nil, receives the traffic counters.
func newSession(reg prometheus.Registerer) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	topts := cfg.TrafficOptions()
	topts.Registerer = reg
	traffic := adb.NewTraffic(topts)
	connector := adb.NewConnector(cfg.ConnectorOptions(traffic, &log.Logger))
	return &session{cfg: cfg, traffic: traffic, adb: adb.NewClient(connector)}, nil
}

func (s *session) manifest() (*manifest.DB, error) {
	if s.db != nil {
		return s.db, nil
	}
	db, err := manifest.Open(config.ConfigDir())
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	s.db = db
	return db, nil
}

func (s *session) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// Execute runs the root command. Interrupts cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
}
