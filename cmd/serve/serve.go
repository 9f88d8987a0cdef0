// Package serve runs the reference record store server.
package serve

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/lemlab/verifier/internal/api"
	"github.com/lemlab/verifier/internal/buildinfo"
	"github.com/lemlab/verifier/internal/conf"
	"github.com/lemlab/verifier/internal/datastore"
	"github.com/lemlab/verifier/internal/errors"
	"github.com/lemlab/verifier/internal/logger"
	"github.com/lemlab/verifier/internal/observability/metrics"
)

const metricsShutdownTimeout = 5 * time.Second

// Command creates the serve command
func Command(info *buildinfo.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the record store server",
		Long:  "Serve GET/PUT/POST/DELETE /verification backed by SQLite or MySQL.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), conf.GetSettings(), info)
		},
	}

	if err := setupFlags(cmd); err != nil {
		panic(err)
	}
	return cmd
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("listen", conf.DefaultListen, "Listen address of the record store server")
	cmd.Flags().String("db", conf.DatabaseSQLite, "Database type (sqlite, mysql)")
	cmd.Flags().String("sqlite-path", conf.DefaultSQLitePath, "SQLite database file")
	cmd.Flags().Float64("ratelimit", 20, "Requests per second per client, 0 disables")
	cmd.Flags().String("metrics-listen", "", "Serve metrics on a separate address")

	bindings := map[string]string{
		"server.listen":        "listen",
		"database.type":        "db",
		"database.sqlite.path": "sqlite-path",
		"server.ratelimit":     "ratelimit",
		"metrics.listen":       "metrics-listen",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
	}
	return nil
}

func run(ctx context.Context, settings *conf.Settings, info *buildinfo.Context) error {
	if settings == nil {
		return fmt.Errorf("settings not loaded")
	}
	root := logger.Global().Logger()
	log := root.Module("serve")

	ds, err := datastore.New(&settings.Database, root)
	if err != nil {
		return err
	}
	defer func() {
		if err := ds.Close(); err != nil {
			log.Warn("failed to close datastore", logger.Error(err))
		}
	}()

	opts := []api.ServerOption{api.WithLogger(root), api.WithBuildInfo(info)}

	var metricsServer *http.Server
	if settings.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		serverMetrics, err := metrics.NewServerMetrics(registry)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		opts = append(opts, api.WithMetrics(serverMetrics))

		if settings.Metrics.Listen == "" {
			opts = append(opts, api.WithMetricsHandler(handler))
		} else {
			mux := http.NewServeMux()
			mux.Handle(settings.Metrics.Path, handler)
			metricsServer = &http.Server{
				Addr:              settings.Metrics.Listen,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
		}
	}

	server, err := api.New(api.Config{
		Listen:      settings.Server.Listen,
		RateLimit:   settings.Server.RateLimit,
		CacheTTL:    settings.Server.CacheTTL,
		MetricsPath: settings.Metrics.Path,
	}, ds, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if metricsServer != nil {
		g.Go(func() error {
			log.Info("serving metrics", logger.String("address", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}
