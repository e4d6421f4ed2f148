package agent

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/makinet/agent/internal/certs"
	"github.com/makinet/agent/internal/config"
	"github.com/makinet/agent/internal/download"
	"github.com/makinet/agent/internal/observability"
	"github.com/makinet/agent/internal/task"
)

// Service runs the agent node lifecycle as a standalone process.
type Service struct {
	cfg        config.AgentConfig
	slug       string
	apiURL     string
	manager    *task.Manager
	downloader download.Downloader
	client     *http.Client
	logger     zerolog.Logger
}

// NewService builds an agent service from config with the production
// collaborators: the aria2c downloader and a plain HTTP client.
func NewService(cfg config.AgentConfig) *Service {
	return &Service{
		cfg:        cfg,
		slug:       Slug(),
		apiURL:     APIURL(cfg.Port),
		manager:    task.NewManager(),
		downloader: download.Aria2c{},
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     log.Logger,
	}
}

// Run bootstraps the agent and serves the API until a termination signal.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	return s.serve(ctx)
}

// bootstrap order: TLS material, downloader presence, image store,
// control-plane registration. Every failure here is fatal; the agent does
// not serve if it cannot announce itself or fetch images.
func (s *Service) bootstrap(ctx context.Context) error {
	if _, _, err := certs.Check(s.cfg.CertsDir()); err != nil {
		return err
	}
	if err := download.Check(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.cfg.ImageDir(), 0o755); err != nil {
		return err
	}

	if s.cfg.ControlPlaneURL == "" {
		s.logger.Warn().Msg("no control plane configured, running unregistered")
		return nil
	}
	return Register(ctx, s.client, s.cfg.ControlPlaneURL, Registration{
		Slug:   s.slug,
		APIURL: s.apiURL,
	})
}

func (s *Service) serve(ctx context.Context) error {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.logger))
	r.Use(observability.RequestMetricsMiddleware(s.slug))
	if len(s.cfg.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.CorsOrigins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	s.registerRoutes(r)

	srv := &http.Server{Addr: s.cfg.ListenAddr(), Handler: r}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info().Str("addr", s.cfg.ListenAddr()).Str("slug", s.slug).Msg("agent serving")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
