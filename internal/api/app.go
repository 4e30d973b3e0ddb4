package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/rs/zerolog"

	"github.com/careline/consult/internal/appointments"
	"github.com/careline/consult/internal/config"
	"github.com/careline/consult/internal/consult"
	"github.com/careline/consult/internal/database"
	"github.com/careline/consult/internal/store"
)

type ConsultApp struct {
	log            zerolog.Logger
	db             database.ConsultRepository
	appointments   appointments.Service
	notifications  store.NotificationStore
	presence       *consult.Tracker
	cs             *consult.ConsultServer
	mux            *http.Server
	signingKey     []byte
	allowedOrigins []string
}

func NewConsultApp(
	logger zerolog.Logger,
	cs *consult.ConsultServer,
	db database.ConsultRepository,
	apptSvc appointments.Service,
	notifications store.NotificationStore,
	presence *consult.Tracker,
	metricsHandler http.Handler,
	cfg *config.Config,
) *ConsultApp {
	s := &ConsultApp{
		log:            logger,
		db:             db,
		appointments:   apptSvc,
		notifications:  notifications,
		presence:       presence,
		cs:             cs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/sessions/{appointmentId}/provision", s.authMiddleware(s.provisionSession))
	mux.Handle("POST /api/sessions/{appointmentId}/notify", s.authMiddleware(s.notifySession))
	mux.Handle("GET /api/sessions/{appointmentId}/chat-history", s.authMiddleware(s.chatHistory))
	mux.Handle("GET /api/sessions/{appointmentId}/live-status", s.authMiddleware(s.liveStatus))
	mux.Handle("GET /api/providers/{providerId}/notifications", s.authMiddleware(s.listNotifications))
	mux.Handle("POST /api/providers/{providerId}/notifications/{notificationId}/read", s.authMiddleware(s.markNotificationRead))
	mux.Handle("DELETE /api/providers/{providerId}/notifications", s.authMiddleware(s.clearNotifications))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /metrics", metricsHandler)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.requestLogger(h)
	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *ConsultApp) Start() error {
	s.log.Info().Str("addr", s.mux.Addr).Msg("starting server")
	return s.mux.ListenAndServe()
}

func (s *ConsultApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
