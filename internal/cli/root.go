package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/kbq/internal/config"
	"github.com/roach88/kbq/internal/metrics"
	"github.com/roach88/kbq/internal/store"
	"github.com/roach88/kbq/internal/txn"
)

// RootOptions holds global flags for all commands and the configuration
// resolved from them.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
	DSN        string

	Config config.Config
	Logger *slog.Logger

	// DB replaces the pool opened from the DSN when set. The CLI does not
	// close it.
	DB *sql.DB
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the kbq CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kbq",
		Short: "kbq - slot exchange over PostgreSQL",
		Long: `Job queues, RPC request/reply queues, streams, and status records
addressed by dotted paths and backed by pre-allocated PostgreSQL rows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output (debug logging)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "PostgreSQL DSN (overrides config and KBQ_DSN)")

	cmd.AddCommand(NewProvisionCommand(opts))
	cmd.AddCommand(NewJobCommand(opts))
	cmd.AddCommand(NewRPCCommand(opts))
	cmd.AddCommand(NewReplyCommand(opts))
	cmd.AddCommand(NewStreamCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewPathsCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))

	return cmd
}

// load resolves configuration: defaults, file, KBQ_* env, then flags. It
// installs the configured logger as the slog default.
func (o *RootOptions) load(cmd *cobra.Command) error {
	if !isValidFormat(o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}

	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := config.FromEnv(&cfg); err != nil {
		return WrapExitError(ExitCommandError, "invalid environment", err)
	}
	if o.DSN != "" {
		cfg.Database.DSN = o.DSN
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	slog.SetDefault(logger)

	o.Config = cfg
	o.Logger = logger
	return nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// session is one command's database handle and runner.
type session struct {
	db       *sql.DB
	runner   *txn.Runner
	registry *prometheus.Registry
	closeFn  func() error
}

func (s *session) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// open connects to the configured database and builds a runner that
// reports to a fresh metrics registry.
func (o *RootOptions) open(ctx context.Context) (*session, error) {
	s := &session{db: o.DB, registry: prometheus.NewRegistry()}
	if s.db == nil {
		dsn := o.Config.Database.DSN
		if dsn == "" {
			return nil, NewExitError(ExitCommandError, "no database configured: set --dsn, KBQ_DSN, or database.dsn")
		}
		st, err := store.Open(ctx, dsn, o.Config.StoreOptions())
		if err != nil {
			return nil, WrapExitError(ExitFailure, "failed to open database", err)
		}
		s.db = st.DB()
		s.closeFn = st.Close
	}

	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s.runner = txn.NewRunner(s.db,
		txn.WithPolicy(o.Config.Policy()),
		txn.WithLogger(logger),
		txn.WithObserver(metrics.New(s.registry)),
	)
	return s, nil
}

// withSession runs fn against an open session and maps its error to an
// exit code.
func withSession(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, s *session, out *OutputFormatter) error) error {
	out := opts.formatter(cmd)
	s, err := opts.open(cmd.Context())
	if err != nil {
		return out.Fail(err)
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	return out.Fail(fn(cmd.Context(), s, out))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
