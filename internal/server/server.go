package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/smallbiznis/verdant/internal/alert"
	alertdomain "github.com/smallbiznis/verdant/internal/alert/domain"
	"github.com/smallbiznis/verdant/internal/apikey"
	apikeydomain "github.com/smallbiznis/verdant/internal/apikey/domain"
	"github.com/smallbiznis/verdant/internal/audit"
	auditdomain "github.com/smallbiznis/verdant/internal/audit/domain"
	"github.com/smallbiznis/verdant/internal/budget"
	budgetdomain "github.com/smallbiznis/verdant/internal/budget/domain"
	"github.com/smallbiznis/verdant/internal/carbonreport"
	"github.com/smallbiznis/verdant/internal/config"
	"github.com/smallbiznis/verdant/internal/decision"
	decisiondomain "github.com/smallbiznis/verdant/internal/decision/domain"
	"github.com/smallbiznis/verdant/internal/observability"
	obsmiddleware "github.com/smallbiznis/verdant/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/verdant/internal/observability/metrics"
	obstracing "github.com/smallbiznis/verdant/internal/observability/tracing"
	"github.com/smallbiznis/verdant/internal/region"
	regiondomain "github.com/smallbiznis/verdant/internal/region/domain"
	"github.com/smallbiznis/verdant/internal/scaler"
	scalerdomain "github.com/smallbiznis/verdant/internal/scaler/domain"
	"github.com/smallbiznis/verdant/internal/tenant"
	tenantdomain "github.com/smallbiznis/verdant/internal/tenant/domain"
	"github.com/smallbiznis/verdant/internal/workload"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	audit.Module,
	alert.Module,
	apikey.Module,
	region.Module,
	tenant.Module,
	workload.Module,
	budget.Module,
	decision.Module,
	scaler.Module,
	carbonreport.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	genID       *snowflake.Node
	apiKeySvc   apikeydomain.Service
	regionSvc   regiondomain.Service
	tenantSvc   tenantdomain.Service
	budgetSvc   budgetdomain.Service
	alertSvc    alertdomain.Service
	auditSvc    auditdomain.Service
	decisionSvc decisiondomain.Service
	scalerSvc   scalerdomain.Service
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	GenID       *snowflake.Node
	APIKeySvc   apikeydomain.Service
	RegionSvc   regiondomain.Service
	TenantSvc   tenantdomain.Service
	BudgetSvc   budgetdomain.Service
	AlertSvc    alertdomain.Service
	AuditSvc    auditdomain.Service
	DecisionSvc decisiondomain.Service
	ScalerSvc   scalerdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		genID:       p.GenID,
		apiKeySvc:   p.APIKeySvc,
		regionSvc:   p.RegionSvc,
		tenantSvc:   p.TenantSvc,
		budgetSvc:   p.BudgetSvc,
		alertSvc:    p.AlertSvc,
		auditSvc:    p.AuditSvc,
		decisionSvc: p.DecisionSvc,
		scalerSvc:   p.ScalerSvc,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- API keys --------
	v1.POST("/apikeys", s.BootstrapOrAPIKeyRequired(), s.CreateAPIKey)
	v1.GET("/apikeys", s.APIKeyRequired(), s.ListAPIKeys)
	v1.DELETE("/apikeys/:id", s.APIKeyRequired(), s.RevokeAPIKey)

	// -------- Workloads --------
	v1.POST("/workloads", s.APIKeyRequired(), s.SubmitWorkload)
	v1.GET("/workloads/:id", s.APIKeyRequired(), s.GetWorkload)
	v1.POST("/workloads/:id/poll", s.APIKeyRequired(), s.PollWorkload)
	v1.POST("/workloads/:id/reevaluate", s.APIKeyRequired(), s.ReevaluateWorkload)
	v1.DELETE("/workloads/:id", s.APIKeyRequired(), s.WithdrawWorkload)

	// -------- Regions --------
	v1.GET("/regions", s.APIKeyRequired(), s.ListRegions)
	v1.POST("/regions", s.APIKeyRequired(), s.RegisterRegion)
	v1.GET("/regions/:id", s.APIKeyRequired(), s.GetRegion)
	v1.PATCH("/regions/:id", s.APIKeyRequired(), s.UpdateRegion)
	v1.POST("/regions/:id/samples", s.APIKeyRequired(), s.IngestCarbonSample)

	// -------- Tenants --------
	v1.GET("/tenants", s.APIKeyRequired(), s.ListTenants)
	v1.POST("/tenants", s.APIKeyRequired(), s.CreateTenant)
	v1.GET("/tenants/:id", s.APIKeyRequired(), s.GetTenant)
	v1.PATCH("/tenants/:id", s.APIKeyRequired(), s.UpdateTenant)

	// -------- Budgets --------
	v1.PUT("/budgets/:serviceId", s.APIKeyRequired(), s.ConfigureBudget)
	v1.GET("/budgets/:serviceId", s.APIKeyRequired(), s.GetBudget)

	// -------- Scaler --------
	v1.GET("/scale/:regionId/:class", s.APIKeyRequired(), s.GetScaleVerdict)

	// -------- Audit & alerts --------
	v1.GET("/audit", s.APIKeyRequired(), s.ListAuditRecords)
	v1.GET("/alerts", s.APIKeyRequired(), s.ListAlerts)
}
