// Package main runs the in-memory development server for the /duo routes.
// Clients reach it on localhost:8090 unless told otherwise.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kimhsiao/duosync/internal/devserver"
	"github.com/kimhsiao/duosync/internal/logging"
	"github.com/kimhsiao/duosync/internal/manifest"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	addr     string
	manifest string
	debug    bool
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("devserver", flag.ContinueOnError)
	opts := &options{}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}
	fs.StringVar(&opts.addr, "addr", ":"+port, "listen address")
	fs.StringVar(&opts.manifest, "manifest", os.Getenv("DUOSYNC_MANIFEST"), "collection manifest (JSON or YAML)")
	fs.BoolVar(&opts.debug, "debug", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.manifest == "" {
		return nil, errors.New("a manifest is required (--manifest or DUOSYNC_MANIFEST)")
	}
	return opts, nil
}

func newHTTPServer(opts *options) (*http.Server, error) {
	m, err := manifest.LoadFile(opts.manifest)
	if err != nil {
		return nil, err
	}
	srv := devserver.New(m.Stores)
	return &http.Server{
		Addr:              opts.addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	level := logging.LevelInfo
	if opts.debug {
		level = logging.LevelDebug
	}
	logging.Configure(logging.Options{Level: level, Console: opts.debug})

	httpSrv, err := newHTTPServer(opts)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Development server starting", map[string]interface{}{
			"addr":     opts.addr,
			"manifest": opts.manifest,
		})
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logging.Info("Development server stopped", nil)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		logging.Error("Development server failed", err)
		os.Exit(1)
	}
}
