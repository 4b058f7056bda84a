package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"go.uber.org/fx"

	"github.com/edgebridge/relay/internal/config"
	"github.com/edgebridge/relay/internal/lifecycle"
)

// NewApp wires the relay's single dependency graph: a loaded config, a
// logger, and the lifecycle.Supervisor that owns every internal
// component's startup order. Grounded on the teacher's cmd/fx.go shape
// (fx.New(fx.Provide(...), fx.Invoke(...), module...)) — the module
// list collapses to a single supervisor here, since this system has no
// independent service modules the way the teacher's gRPC/postgres
// stack does; everything downstream of config is one ordered pipeline.
func NewApp(cfg *config.Config, logger *slog.Logger, pidfilePath string) *fx.App {
	return fx.New(
		fx.Supply(cfg, logger),
		fx.Provide(func() *lifecycle.Supervisor {
			return lifecycle.New(cfg, logger)
		}),
		fx.Invoke(func(lc fx.Lifecycle, sup *lifecycle.Supervisor) {
			var httpSrv *http.Server

			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					if err := sup.Start(ctx, pidfilePath); err != nil {
						return err
					}
					if cfg.Monitoring.HealthCheck.Enabled {
						httpSrv = &http.Server{
							Addr:    ":" + strconv.Itoa(cfg.Monitoring.HealthCheck.Port),
							Handler: sup.Router(),
						}
						go func() {
							if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
								logger.Error("health server stopped", "error", err)
							}
						}()
					}
					return nil
				},
				OnStop: func(ctx context.Context) error {
					if httpSrv != nil {
						_ = httpSrv.Shutdown(ctx)
					}
					sup.Stop(ctx)
					return nil
				},
			})
		}),
	)
}
