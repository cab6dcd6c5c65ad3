package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scrapexi/creditledger/internal/config"
	ledgerdomain "github.com/scrapexi/creditledger/internal/ledger/domain"
	meteringdomain "github.com/scrapexi/creditledger/internal/metering/domain"
	"github.com/scrapexi/creditledger/internal/observability"
	obsmiddleware "github.com/scrapexi/creditledger/internal/observability/logger"
	obsmetrics "github.com/scrapexi/creditledger/internal/observability/metrics"
	obstracing "github.com/scrapexi/creditledger/internal/observability/tracing"
	paymentdomain "github.com/scrapexi/creditledger/internal/payment/domain"
	"github.com/scrapexi/creditledger/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

type EngineParams struct {
	fx.In

	Cfg         config.Config
	ObsCfg      observability.Config
	Log         *zap.Logger
	HTTPMetrics *obsmetrics.HTTPMetrics `optional:"true"`
}

func NewEngine(p EngineParams) *gin.Engine {
	if !p.ObsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Base:            p.Log,
		Debug:           p.ObsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if p.HTTPMetrics != nil {
		r.Use(obsmetrics.GinMiddleware(p.HTTPMetrics))
	}
	r.Use(cors.New(corsConfig(p.Cfg.CORSAllowedOrigins)))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", "X-Request-Id")
	cfg.ExposeHeaders = []string{"X-Request-Id", "Retry-After"}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func registerGin(p EngineParams) *gin.Engine {
	return NewEngine(p)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log = log.Named("http.server")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http.server.listen", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http.server.failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine             *gin.Engine
	cfg                config.Config
	log                *zap.Logger
	ledgerSvc          ledgerdomain.Service
	meteringSvc        meteringdomain.Service
	reconciler         paymentdomain.Reconciler
	webhookSvc         paymentdomain.WebhookService
	reservationLimiter *ratelimit.ReservationLimiter
}

type ServerParams struct {
	fx.In

	Gin                *gin.Engine
	Cfg                config.Config
	Log                *zap.Logger
	LedgerSvc          ledgerdomain.Service
	MeteringSvc        meteringdomain.Service
	Reconciler         paymentdomain.Reconciler
	WebhookSvc         paymentdomain.WebhookService
	ReservationLimiter *ratelimit.ReservationLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:             p.Gin,
		cfg:                p.Cfg,
		log:                p.Log.Named("http.handler"),
		ledgerSvc:          p.LedgerSvc,
		meteringSvc:        p.MeteringSvc,
		reconciler:         p.Reconciler,
		webhookSvc:         p.WebhookSvc,
		reservationLimiter: p.ReservationLimiter,
	}

	svc.registerWebhookRoutes()
	svc.registerServiceRoutes()
	svc.registerDashboardRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerServiceRoutes() {
	v1 := s.engine.Group("/v1", s.ServiceKeyRequired())

	v1.POST("/accounts", s.CreateAccount)
	v1.GET("/accounts/:id/summary", s.GetAccountSummary)
	v1.POST("/accounts/:id/reservations", s.ReservationRateLimit(), s.ReserveUnits)
	v1.PUT("/accounts/:id/subscription", s.OverrideSubscription)
	v1.GET("/accounts/:id/transactions", s.ListTransactions)
}

func (s *Server) registerDashboardRoutes() {
	me := s.engine.Group("/v1/me", s.DashboardAuthRequired())

	me.GET("/summary", s.GetMySummary)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
