// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qsync/internal/api/handlers"
	"github.com/autobrr/qsync/internal/api/middleware"
	"github.com/autobrr/qsync/internal/config"
	"github.com/autobrr/qsync/internal/database"
	"github.com/autobrr/qsync/internal/models"
	"github.com/autobrr/qsync/internal/qbittorrent"
	"github.com/autobrr/qsync/internal/update"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string

	db             *database.DB
	instanceStore  *models.InstanceStore
	viewStateStore *models.ViewStateStore
	clientPool     *qbittorrent.ClientPool
	syncManager    *qbittorrent.SyncManager
	updateService  *update.Service
}

type Dependencies struct {
	Config         *config.AppConfig
	Version        string
	DB             *database.DB
	InstanceStore  *models.InstanceStore
	ViewStateStore *models.ViewStateStore
	ClientPool     *qbittorrent.ClientPool
	SyncManager    *qbittorrent.SyncManager
	UpdateService  *update.Service
}

func NewServer(deps *Dependencies) *Server {
	s := Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:         log.Logger.With().Str("module", "api").Logger(),
		config:         deps.Config,
		version:        deps.Version,
		db:             deps.DB,
		instanceStore:  deps.InstanceStore,
		viewStateStore: deps.ViewStateStore,
		clientPool:     deps.ClientPool,
		syncManager:    deps.SyncManager,
		updateService:  deps.UpdateService,
	}

	return &s
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Config.Host, s.config.Config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("base_url", s.config.Config.BaseURL).
		Msgf("Starting API server - Open: http://%s%sapi/instances", host, s.baseURL())

	handler, err := s.Handler()
	if err != nil {
		listener.Close()
		return fmt.Errorf("build API router: %w", err)
	}

	s.server.Handler = handler

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) baseURL() string {
	baseURL := s.config.Config.BaseURL
	if baseURL == "" {
		return "/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL
}

// customInterval reads the search view interval at request time so config
// reloads apply.
func (s *Server) customInterval() time.Duration {
	return s.config.Config.CustomInterval()
}

func (s *Server) Handler() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID) // Must be before logger to capture request ID
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	// Torrent lists are large JSON documents; use a fast gzip level
	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),
		httpcompression.GzipCompressionLevel(2),
		httpcompression.Prefer(httpcompression.PreferServer),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "If-None-Match"},
		ExposedHeaders:   []string{"ETag"},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
		Debug:            false,
	})
	r.Use(corsMiddleware.Handler)

	healthHandler := handlers.NewHealthHandler(nil)
	if s.db != nil {
		healthHandler = handlers.NewHealthHandler(s.db)
	}
	instancesHandler := handlers.NewInstancesHandler(s.instanceStore, s.clientPool)
	torrentsHandler := handlers.NewTorrentsHandler(s.syncManager)
	syncHandler := handlers.NewSyncHandler(s.syncManager, s.customInterval)
	viewStateHandler := handlers.NewViewStateHandler(s.viewStateStore, s.clientPool, s.syncManager, s.customInterval)
	versionHandler := handlers.NewVersionHandler(s.updateService)

	apiRouter := chi.NewRouter()

	apiRouter.Group(func(r chi.Router) {
		r.Use(middleware.Logger(s.logger))

		r.Get("/version/latest", versionHandler.GetLatestVersion)

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", instancesHandler.ListInstances)
			r.Post("/", instancesHandler.CreateInstance)
			r.Put("/order", instancesHandler.UpdateInstanceOrder)

			r.Route("/{instanceID}", func(r chi.Router) {
				r.Put("/", instancesHandler.UpdateInstance)
				r.Delete("/", instancesHandler.DeleteInstance)
				r.Put("/status", instancesHandler.UpdateInstanceStatus)
				r.Post("/test", instancesHandler.TestConnection)
				r.Get("/capabilities", instancesHandler.GetInstanceCapabilities)

				r.Route("/torrents", func(r chi.Router) {
					r.Get("/", torrentsHandler.ListTorrents)
					r.Get("/counts", torrentsHandler.GetTorrentCounts)
					r.Post("/category", torrentsHandler.SetCategory)
					r.Post("/tags", torrentsHandler.AddTorrentTags)
					r.Put("/tags", torrentsHandler.SetTorrentTags)
					r.Delete("/tags", torrentsHandler.RemoveTorrentTags)
				})

				r.Get("/categories", torrentsHandler.GetCategories)
				r.Post("/categories", torrentsHandler.CreateCategory)
				r.Put("/categories", torrentsHandler.EditCategory)
				r.Delete("/categories", torrentsHandler.RemoveCategories)

				r.Get("/tags", torrentsHandler.GetTags)
				r.Post("/tags", torrentsHandler.CreateTags)
				r.Delete("/tags", torrentsHandler.DeleteTags)

				r.Get("/server-state", syncHandler.GetServerState)
				r.Get("/sync", syncHandler.GetSyncStatus)
				r.Post("/sync/now", syncHandler.SyncNow)
				r.Put("/sync/view", syncHandler.SetView)

				r.Get("/alternative-speed-limits", syncHandler.GetAlternativeSpeedLimitsMode)
				r.Post("/alternative-speed-limits/toggle", syncHandler.ToggleAlternativeSpeedLimits)

				r.Get("/view-state", viewStateHandler.Get)
				r.Put("/view-state", viewStateHandler.Update)
			})
		})
	})

	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/healthz/readiness", healthHandler.HandleReady)
	r.Get("/healthz/liveness", healthHandler.HandleLiveness)

	baseURL := s.baseURL()
	r.Mount(baseURL+"api", apiRouter)

	if baseURL != "/" {
		r.Get("/", func(w http.ResponseWriter, request *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("Must use baseUrl: " + s.config.Config.BaseURL + " instead of /"))
		})
	}

	return r, nil
}
