package httpapi

import (
	"smallbiznis-billing/pkg/authz"
	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/health"
	"smallbiznis-billing/pkg/middleware"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		middleware.NewTokenVerifier,
		NewEngine,
		NewRouter,
	),
	fx.Invoke(registerHealthEndpoint),
)

// Router exposes the route groups services attach handlers to. Public routes
// carry no authentication; User and Admin require a bearer token and pass
// the casbin policy.
type Router struct {
	Engine *gin.Engine
	Public *gin.RouterGroup
	User   *gin.RouterGroup
	Admin  *gin.RouterGroup
}

func NewEngine(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.Error())
	return engine
}

type RouterParams struct {
	fx.In
	Engine   *gin.Engine
	Verifier *middleware.TokenVerifier
	Enforcer *casbin.Enforcer
}

func NewRouter(p RouterParams) *Router {
	return BuildRouter(p.Engine, p.Verifier, p.Enforcer)
}

func BuildRouter(engine *gin.Engine, verifier *middleware.TokenVerifier, enforcer *casbin.Enforcer) *Router {
	public := engine.Group("/v1")
	user := engine.Group("/v1", middleware.Authenticate(verifier), authz.Authorize(enforcer))
	admin := engine.Group("/v1/admin", middleware.Authenticate(verifier), authz.Authorize(enforcer))
	return &Router{Engine: engine, Public: public, User: user, Admin: admin}
}

func registerHealthEndpoint(engine *gin.Engine, h health.HealthService) {
	engine.GET("/healthz", h.Liveness)
	engine.GET("/readyz", h.Readiness)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
