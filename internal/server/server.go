package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/metergate/internal/config"
	creditdomain "github.com/smallbiznis/metergate/internal/credit/domain"
	eventdomain "github.com/smallbiznis/metergate/internal/event/domain"
	meteringdomain "github.com/smallbiznis/metergate/internal/metering/domain"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
	"github.com/smallbiznis/metergate/internal/ratelimit"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("server",
	fx.Provide(NewEngine, NewServer),
	fx.Invoke(registerRoutes, run),
)

type ServerParams struct {
	fx.In

	Log      *zap.Logger
	Engine   *gin.Engine
	Metering meteringdomain.Service
	Credits  creditdomain.Service
	Events   eventdomain.Service
	Rules    ruledomain.Service

	Metrics *metrics.Metrics        `optional:"true"`
	Limiter *ratelimit.CheckLimiter `optional:"true"`
}

type Server struct {
	log      *zap.Logger
	engine   *gin.Engine
	metering meteringdomain.Service
	credits  creditdomain.Service
	events   eventdomain.Service
	rules    ruledomain.Service
	metrics  *metrics.Metrics
	limiter  *ratelimit.CheckLimiter
}

func NewEngine(cfg config.Config) *gin.Engine {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func NewServer(p ServerParams) *Server {
	return &Server{
		log:      p.Log.Named("server"),
		engine:   p.Engine,
		metering: p.Metering,
		credits:  p.Credits,
		events:   p.Events,
		rules:    p.Rules,
		metrics:  p.Metrics,
		limiter:  p.Limiter,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func registerRoutes(s *Server) {
	v1 := s.engine.Group("/v1")
	v1.Use(s.IdentityRequired())

	usage := v1.Group("/usage")
	usage.POST("/check", s.CheckRateLimit(), s.CheckUsage)
	usage.GET("/summary", s.GetSummary)
	usage.GET("/events", s.ListEvents)

	credits := v1.Group("/credits")
	credits.GET("/balance", s.GetCreditBalance)
	credits.POST("/promotional", s.GrantPromotionalCredits)
	credits.POST("/transfer", s.TransferCredits)

	v1.POST("/subscriptions/events", s.HandleSubscriptionEvent)

	admin := v1.Group("/admin")
	admin.POST("/rules/seed", s.SeedRules)
	admin.DELETE("/rules", s.ClearRules)
}

func run(lc fx.Lifecycle, engine *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
