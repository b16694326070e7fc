package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/duosync/internal/config"
	apperrors "github.com/kimhsiao/duosync/internal/errors"
	"github.com/kimhsiao/duosync/internal/logging"
	"github.com/kimhsiao/duosync/internal/manifest"
	"github.com/kimhsiao/duosync/internal/sync"
	"github.com/kimhsiao/duosync/internal/sync/scheduler"
)

var errOffline = scheduler.ErrOffline

// Exit codes.
const (
	ExitFailure      = 1
	ExitCommandError = 2
	ExitOffline      = 3
)

// RootOptions holds the persistent flags shared by every command.
type RootOptions struct {
	ConfigPath   string
	ManifestPath string
	DataDir      string
	Server       string
	Debug        bool
}

// NewRootCommand creates the duosync command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "duosync",
		Short: "Local-first sync client",
		Long: `duosync keeps a local copy of server collections, applies changes
immediately and replays them to the server when it is reachable.

Configuration comes from --config (JSON, YAML or TOML), then DUOSYNC_*
environment variables, then the flags below.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ConfigPath, "config", "", "config file")
	pf.StringVar(&opts.ManifestPath, "manifest", "", "collection manifest (JSON or YAML)")
	pf.StringVar(&opts.DataDir, "data-dir", "", "local data directory")
	pf.StringVar(&opts.Server, "server", "", "server base URL")
	pf.BoolVar(&opts.Debug, "debug", false, "debug logging")

	cmd.AddCommand(
		newReadCommand(opts),
		newMutateCommand(opts),
		newSyncCommand(opts),
		newPullCommand(opts),
		newStatusCommand(opts),
		newFailedCommand(opts),
		newRetryCommand(opts),
		newDiscardCommand(opts),
		newRunCommand(opts),
		newDevServerCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// loadConfig resolves the configuration: file, environment, then flags.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.ManifestPath != "" {
		cfg.Manifest = o.ManifestPath
	}
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	if o.Server != "" {
		cfg.ServerURL = o.Server
	}
	if o.Debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *RootOptions) loadManifest(cfg *config.Config) (*manifest.Manifest, error) {
	if cfg.Manifest == "" {
		return nil, apperrors.New(apperrors.ErrManifestInvalid, "no manifest given (--manifest or DUOSYNC_MANIFEST)")
	}
	return manifest.LoadFile(cfg.Manifest)
}

func configureLogging(cfg *config.Config) *logging.Logger {
	return logging.Configure(logging.Options{
		Level:   cfg.Level(),
		Console: cfg.Debug,
		File:    cfg.LogFile,
	})
}

// openEngine initializes an engine. One-shot commands pass
// background=false and drive sync themselves.
func (o *RootOptions) openEngine(ctx context.Context, background bool) (*sync.Engine, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	configureLogging(cfg)
	m, err := o.loadManifest(cfg)
	if err != nil {
		return nil, err
	}
	e := sync.NewEngine(sync.WithBackgroundSync(background))
	if err := e.Initialize(ctx, m, cfg); err != nil {
		return nil, err
	}
	return e, nil
}

func withEngine(ctx context.Context, opts *RootOptions, fn func(e *sync.Engine) error) error {
	e, err := opts.openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil {
			logging.Error("Failed to close engine", cerr)
		}
	}()
	return fn(e)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errOffline):
		return ExitOffline
	case apperrors.Is(err, apperrors.ErrConfigInvalid),
		apperrors.Is(err, apperrors.ErrManifestInvalid),
		apperrors.Is(err, apperrors.ErrInvalidMutation),
		apperrors.Is(err, apperrors.ErrNotFound),
		errors.Is(err, config.ErrConfigFileNotFound),
		errors.Is(err, config.ErrInvalidConfigFormat):
		return ExitCommandError
	default:
		return ExitFailure
	}
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
