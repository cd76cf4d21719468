package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lowc1012/rate-limit-proxy/internal/bucket"
	"github.com/lowc1012/rate-limit-proxy/internal/config"
	"github.com/lowc1012/rate-limit-proxy/internal/limiter"
	"github.com/lowc1012/rate-limit-proxy/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// Server wires the config into a running proxy: redis-backed bucket store,
// limiter, reverse proxy and the optional metrics listener.
type Server struct {
	logger      *zap.Logger
	client      *redis.Client
	httpServer  *http.Server
	metricsAddr string
	metrics     *metrics.Metrics
}

func NewServer(cfg *config.Root, logger *zap.Logger) (*Server, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.RateLimiter.RedisAddr,
		DialTimeout: 2 * time.Second,
		ReadTimeout: cfg.StoreTimeout(),
	})

	store := bucket.NewRedisStore(client, cfg.StoreTimeout(), time.Now)

	lim, err := limiter.New(limiter.Config{
		Whitelist:  cfg.RateLimiter.IPWhitelist,
		Strategies: cfg.StrategyConfigs(),
		FailClosed: cfg.RateLimiter.FailClosed,
	}, store, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	upstream, err := NewReverseProxy(cfg.APIGateway.TargetURL, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	m := metrics.New()
	handler := Instrument(
		RateLimit(upstream, lim, m, RateLimitOptions{
			MaxBodyBytes:      cfg.RateLimiter.MaxBodyBytes,
			TrustProxyHeaders: cfg.RateLimiter.TrustProxyHeaders,
		}),
		logger, m)

	return &Server{
		logger: logger,
		client: client,
		httpServer: &http.Server{
			Addr:              cfg.APIGateway.ProxyServerAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		metricsAddr: cfg.Observability.MetricsAddr,
		metrics:     m,
	}, nil
}

// Run serves until ctx is canceled, then shuts down gracefully. A bind
// failure is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		// not fatal: bucket checks fall back to the fail-open policy
		s.logger.Warn("bucket store unreachable at startup", zap.Error(err))
	}
	cancel()

	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("proxy listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if s.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		metricsServer = &http.Server{Addr: s.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			s.logger.Info("metrics listening", zap.String("addr", s.metricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		_ = s.client.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return s.client.Close()
}
