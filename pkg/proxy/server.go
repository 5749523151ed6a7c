// Package proxy exposes an OpenAI-compatible HTTP surface and translates
// it onto the backend wire protocol.
package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/lkarlslund/azurebridge/pkg/catalog"
	"github.com/lkarlslund/azurebridge/pkg/config"
	"github.com/lkarlslund/azurebridge/pkg/keypool"
	"github.com/lkarlslund/azurebridge/pkg/mediaurl"
	"github.com/lkarlslund/azurebridge/pkg/upstream"
)

type Server struct {
	cfg        *config.Config
	backend    *upstream.Client
	keys       *keypool.Manager
	catalog    *catalog.Cache
	rewriter   *mediaurl.Rewriter
	metrics    *Metrics
	authTokens map[string]struct{}
	httpServer *http.Server

	activeProxyRequests atomic.Int64
	draining            atomic.Bool
}

func NewServer(cfg *config.Config, store keypool.Store) *Server {
	backend := upstream.New(cfg.BaseURL, time.Duration(cfg.UpstreamTimeoutSeconds)*time.Second)
	keys := keypool.NewManager(store, backend, cfg.KeyPool.MaxKeys, time.Duration(cfg.KeyPool.ExpireMinutes)*time.Minute)
	metrics := NewMetrics()
	keys.PoolObserver = metrics.SetPoolSize
	keys.MintFailureObserver = metrics.HandshakeFailure

	s := &Server{
		cfg:     cfg,
		backend: backend,
		keys:    keys,
		catalog: catalog.New(backend, keys, time.Duration(cfg.ModelCacheDays)*24*time.Hour, cfg.ModelCachePath),
		rewriter: &mediaurl.Rewriter{
			BaseURL:  cfg.BaseURL,
			ProxyURL: cfg.FileProxy.URL,
			Encode:   cfg.FileProxy.Encode,
		},
		metrics:    metrics,
		authTokens: make(map[string]struct{}, len(cfg.AuthTokens)),
	}
	for _, t := range cfg.AuthTokens {
		s.authTokens[t] = struct{}{}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.proxyRequestLifecycleMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.requestMetricsMiddleware)

	healthHandler := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
	r.Get("/health", healthHandler)
	r.Get("/healthz", healthHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authAPIMiddleware)
		v1.Get("/models", s.handleModels)
		v1.Post("/chat/completions", s.handleChatCompletions)
		v1.Post("/images/generations", s.handleImageGenerations)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if _, err := s.keys.EnsurePool(ctx); err != nil {
		log.Warn("initial credential pool fill", "error", err)
	}

	if s.cfg.TLS.Enabled {
		httpsSrv := *s.httpServer
		httpsSrv.Addr = s.cfg.TLS.ListenAddr

		var httpChallenge *http.Server
		switch s.cfg.TLS.Mode {
		case "pem":
			cert, err := tls.X509KeyPair([]byte(s.cfg.TLS.CertPEM), []byte(s.cfg.TLS.KeyPEM))
			if err != nil {
				return fmt.Errorf("load tls key pair: %w", err)
			}
			httpsSrv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		default:
			mgr := &autocert.Manager{
				Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
				Prompt:     autocert.AcceptTOS,
				HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
				Email:      s.cfg.TLS.Email,
			}
			httpsSrv.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12}
			httpChallenge = &http.Server{
				Addr:              ":80",
				Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				log.Info("http challenge/redirect listening", "addr", ":80")
				if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("http challenge server: %w", err)
				}
			}()
		}

		go func() {
			log.Info("https listening", "addr", httpsSrv.Addr, "domain", s.cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.draining.Store(true)
		s.waitForProxyIdle(ctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if httpChallenge != nil {
			_ = httpChallenge.Shutdown(shutdownCtx)
		}
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	go func() {
		log.Info("proxy listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	<-ctx.Done()
	s.draining.Store(true)
	s.waitForProxyIdle(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func firstErr(errCh chan error) error {
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) proxyRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := strings.HasPrefix(r.URL.Path, "/v1/")
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if isProxyReq {
			s.activeProxyRequests.Add(1)
			defer s.activeProxyRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.ObserveRequest(route, ww.Status())
	})
}

func (s *Server) waitForProxyIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeProxyRequests.Load()
		if active <= 0 {
			log.Info("shutdown: proxy idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active proxy requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
		},
	})
}
