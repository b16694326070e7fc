package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/duosync/internal/devserver"
	"github.com/kimhsiao/duosync/internal/logging"
	"github.com/kimhsiao/duosync/internal/sync/events"
)

const shutdownTimeout = 5 * time.Second

func newRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the engine running with background sync",
		Long: `Start the engine with its flush and refresh loops and print every
notification until interrupted. Queued changes are kept on exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.openEngine(cmd.Context(), true)
			if err != nil {
				return err
			}

			notes := make(chan events.Event, 64)
			unsubscribe := e.Subscribe(func(ev events.Event) {
				select {
				case notes <- ev:
				default:
					logging.Warn("Dropped notification", map[string]interface{}{"event": ev.String()})
				}
			})
			defer unsubscribe()

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				out := cmd.OutOrStdout()
				for {
					select {
					case <-ctx.Done():
						return nil
					case ev := <-notes:
						printf(out, "%s %s\n", ev.At.Format("15:04:05"), ev)
					}
				}
			})
			g.Go(func() error {
				<-ctx.Done()
				return e.Close()
			})

			printf(cmd.OutOrStdout(), "Engine running (%d change(s) queued). Press Ctrl-C to stop.\n", e.PendingChanges())
			return g.Wait()
		},
	}
}

func newDevServerCommand(opts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Serve the collection routes from memory",
		Long: `Run an in-memory server for the manifest's collections, for local
development and demos. Data is lost when it stops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			configureLogging(cfg)
			m, err := opts.loadManifest(cfg)
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           devserver.New(m.Stores).Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			return serve(cmd.Context(), srv)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8090", "listen address")
	return cmd
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("Development server starting", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
