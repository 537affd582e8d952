// Package issuerservice wires the issuer registry, the HTTP API and the
// background pruner into a runnable service.
package issuerservice

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-oidc-keys/internal/api"
	"github.com/tinywideclouds/go-oidc-keys/issuer"
	"github.com/tinywideclouds/go-oidc-keys/issuerservice/config"
)

// Wrapper embeds the BaseServer and runs the background pruner alongside it.
type Wrapper struct {
	*microservice.BaseServer
	pruner *issuer.Pruner
	logger *slog.Logger

	mu       sync.Mutex
	stop     context.CancelFunc
	prunerWG sync.WaitGroup
}

// New creates and wires up the entire issuer service. The BaseServer serves
// the default Prometheus registry on /metrics; a non-nil gatherer takes over
// GET /metrics instead.
func New(
	cfg *config.Config,
	registry *issuer.Registry,
	authMiddleware func(http.Handler) http.Handler,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Wrapper {
	logger = logger.With("component", "issuer_service")

	baseServer := microservice.NewBaseServer(logger, cfg.HTTPListenAddr)
	apiHandler := api.NewAPI(registry, cfg.Discovery.CacheTTL, logger)
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)
	options := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	mux := baseServer.Mux()

	// Discovery, public
	mux.Handle("GET /{namespace}/.well-known/jwks.json", corsMiddleware(http.HandlerFunc(apiHandler.JWKSHandler)))
	mux.Handle("OPTIONS /{namespace}/.well-known/jwks.json", corsMiddleware(options))
	mux.Handle("GET /{namespace}/.well-known/openid-configuration", corsMiddleware(http.HandlerFunc(apiHandler.OpenIDConfigurationHandler)))
	mux.Handle("OPTIONS /{namespace}/.well-known/openid-configuration", corsMiddleware(options))

	// Token and maintenance API, authenticated
	mux.Handle("POST /api/v1/namespaces/{namespace}/tokens", corsMiddleware(authMiddleware(http.HandlerFunc(apiHandler.SignTokenHandler))))
	mux.Handle("OPTIONS /api/v1/namespaces/{namespace}/tokens", corsMiddleware(options))
	mux.Handle("POST /api/v1/namespaces/{namespace}/prune", corsMiddleware(authMiddleware(http.HandlerFunc(apiHandler.PruneHandler))))

	// The method-qualified pattern is more specific than the BaseServer's "/metrics".
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return &Wrapper{
		BaseServer: baseServer,
		pruner:     issuer.NewPruner(registry, cfg.PruneInterval, logger),
		logger:     logger,
	}
}

// Start runs the HTTP server and the pruner. The service is marked ready
// once the listener is active; Start returns after Shutdown.
func (w *Wrapper) Start() error {
	errChan := make(chan error, 1)
	httpReadyChan := make(chan struct{})
	w.BaseServer.SetReadyChannel(httpReadyChan)

	go func() {
		if err := w.BaseServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("HTTP server failed", "err", err)
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-httpReadyChan:
		w.logger.Info("HTTP listener is active.")
	case err := <-errChan:
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.stop = cancel
	w.mu.Unlock()

	w.prunerWG.Add(1)
	go func() {
		defer w.prunerWG.Done()
		w.pruner.Run(ctx)
	}()

	w.SetReady(true)
	w.logger.Info("Service is now ready.")

	err := <-errChan
	cancel()
	return err
}

// Shutdown stops accepting requests, drains in-flight ones and stops the pruner.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.SetReady(false)
	err := w.BaseServer.Shutdown(ctx)

	w.mu.Lock()
	stop := w.stop
	w.mu.Unlock()
	if stop != nil {
		stop()
	}
	w.prunerWG.Wait()
	return err
}
