package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/mintlane/relay/config"
	"golang.org/x/time/rate"
)

const bearerPrefix = "Bearer "

// Core hosts the relay's HTTP surface: the subscription endpoints, the
// ingestion endpoint, and the status endpoint. It owns no subscriber
// state itself - that lives in the injected Registry so tests can stand
// up an isolated registry per case.
type Core struct {
	appCtx    context.Context
	cfg       *config.Config
	logger    *slog.Logger
	registry  *Registry
	mux       *http.ServeMux
	startedAt time.Time

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]
	wsUpgrader   websocket.Upgrader

	activeStreams int32
	streamLock    sync.Mutex
}

func New(
	ctx context.Context,
	logger *slog.Logger,
	cfg *config.Config,
	registry *Registry,
) (*Core, error) {

	if registry == nil {
		return nil, fmt.Errorf("registry must not be nil")
	}

	if cfg.RelaySecret == "" {
		logger.Warn("relaySecret is not configured; publisher authorization is DISABLED")
	}

	rateLimiters := make(map[string]*ttlcache.Cache[string, *rate.Limiter])
	rlLogger := logger.With("component", "rate-limiter")

	makeCategoryRateLimiter := func() *ttlcache.Cache[string, *rate.Limiter] {
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute*1),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		return cache
	}

	if rlConfig := cfg.RateLimiters.Publish; rlConfig.Limit > 0 {
		rateLimiters["publish"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'publish'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}
	if rlConfig := cfg.RateLimiters.Subscribe; rlConfig.Limit > 0 {
		rateLimiters["subscribe"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'subscribe'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}
	if rlConfig := cfg.RateLimiters.Default; rlConfig.Limit > 0 {
		rateLimiters["default"] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'default'", "limit", rlConfig.Limit, "burst", rlConfig.Burst)
	}

	c := &Core{
		appCtx:       ctx,
		cfg:          cfg,
		logger:       logger,
		registry:     registry,
		mux:          http.NewServeMux(),
		rateLimiters: rateLimiters,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				logger.Debug("WebSocket CheckOrigin called", "origin", r.Header.Get("Origin"), "host", r.Host)
				return true
			},
		},
	}

	c.mux.Handle("GET /v1/subscribe/auction/{id}", c.rateLimitMiddleware(http.HandlerFunc(c.subscribeAuctionHandler), "subscribe"))
	c.mux.Handle("GET /v1/subscribe/wallet/{address}", c.rateLimitMiddleware(http.HandlerFunc(c.subscribeWalletHandler), "subscribe"))
	c.mux.Handle("GET /v1/subscribe", c.rateLimitMiddleware(http.HandlerFunc(c.subscribeTopicHandler), "subscribe"))
	c.mux.Handle("GET /v1/subscribe/ws", c.rateLimitMiddleware(http.HandlerFunc(c.subscribeWSHandler), "subscribe"))
	c.mux.Handle("POST /v1/publish", c.rateLimitMiddleware(http.HandlerFunc(c.publishHandler), "publish"))
	c.mux.Handle("GET /v1/status", c.rateLimitMiddleware(http.HandlerFunc(c.statusHandler), "default"))

	c.startedAt = time.Now()

	return c, nil
}

// Handler exposes the routed mux so tests can mount the core on an
// httptest server without binding a real listener.
func (c *Core) Handler() http.Handler {
	return c.mux
}

func (c *Core) Registry() *Registry {
	return c.registry
}

// authorized checks the bearer credential on ingestion requests. With no
// secret configured every caller is accepted.
func (c *Core) authorized(r *http.Request) bool {
	if c.cfg.RelaySecret == "" {
		return true
	}

	authHeader := r.Header.Get("Authorization")
	token := authHeader
	if strings.HasPrefix(authHeader, bearerPrefix) {
		token = strings.TrimPrefix(authHeader, bearerPrefix)
	}
	return token != "" && token == c.cfg.RelaySecret
}

func (c *Core) getRemoteAddress(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		c.logger.Debug("Could not split host and port from remote address", "remote_addr", r.RemoteAddr, "error", err)
		remoteIP = r.RemoteAddr
	}

	for _, proxy := range c.cfg.TrustedProxies {
		if proxy != remoteIP {
			continue
		}
		if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
			ips := strings.Split(forwardedFor, ",")
			return strings.TrimSpace(ips[0])
		}
	}
	return remoteIP
}

func (c *Core) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	limiterCategory, ok := c.rateLimiters[category]
	if !ok {
		limiterCategory = c.rateLimiters["default"]
	}
	ip := c.getRemoteAddress(r)
	limiterItem := limiterCategory.Get(ip)
	if limiterItem == nil {
		var rlConfig config.RateLimiterConfig
		switch category {
		case "publish":
			rlConfig = c.cfg.RateLimiters.Publish
		case "subscribe":
			rlConfig = c.cfg.RateLimiters.Subscribe
		default:
			rlConfig = c.cfg.RateLimiters.Default
		}
		limiter := rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
		limiterItem = limiterCategory.Set(ip, limiter, time.Minute*1)
	}
	return limiterItem.Value()
}

func (c *Core) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := c.getRateLimiter(category, r)
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			// Not proceeding, so return the token to the bucket.
			res.Cancel()
			c.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			retryAfterSeconds := math.Ceil(delay.Seconds())
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfterSeconds))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tryAcquireStream claims one of the bounded long-lived connection slots.
func (c *Core) tryAcquireStream() bool {
	c.streamLock.Lock()
	defer c.streamLock.Unlock()
	if c.activeStreams >= int32(c.cfg.Sessions.MaxConnections) {
		return false
	}
	c.activeStreams++
	return true
}

func (c *Core) releaseStream() {
	c.streamLock.Lock()
	defer c.streamLock.Unlock()
	if c.activeStreams > 0 {
		c.activeStreams--
	} else {
		c.logger.Warn("Attempted to decrement active stream count below zero")
	}
}

// Run serves until the app context is cancelled.
func (c *Core) Run() {
	httpListenAddr := c.cfg.HttpBinding
	c.logger.Info("Attempting to start server", "listen_addr", httpListenAddr, "tls_enabled", (c.cfg.TLS.Cert != "" && c.cfg.TLS.Key != ""))

	srv := &http.Server{
		Addr:    httpListenAddr,
		Handler: c.mux,
	}

	go func() {
		<-c.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("Server shutdown error", "error", err)
		}
	}()

	if c.cfg.TLS.Cert != "" && c.cfg.TLS.Key != "" {
		c.logger.Info("Starting HTTPS server", "cert", c.cfg.TLS.Cert, "key", c.cfg.TLS.Key)
		srv.TLSConfig = &tls.Config{}
		if err := srv.ListenAndServeTLS(c.cfg.TLS.Cert, c.cfg.TLS.Key); err != http.ErrServerClosed {
			c.logger.Error("HTTPS server error", "error", err)
		}
	} else {
		c.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			c.logger.Error("HTTP server error", "error", err)
		}
	}

	c.Stop()
	c.logger.Info("Server stopped")
}

// Stop releases background resources (rate limiter caches). Subscriber
// connections terminate on their own once the app context is cancelled.
func (c *Core) Stop() {
	for _, limiter := range c.rateLimiters {
		limiter.Stop()
	}
}
