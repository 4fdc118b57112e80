package authz

import (
	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/middleware"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("authz", fx.Provide(NewEnforcer))

// DefaultModel is a role based model where the request object is the URL path.
const DefaultModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && regexMatch(r.act, p.act)
`

const DefaultPolicy = `p, user, /v1/wallet, GET
p, user, /v1/wallet/*, (GET|POST)
p, user, /v1/campaigns, (GET|POST)
p, user, /v1/campaigns/*, (GET|POST)
p, user, /v1/participants/*, (GET|PATCH)
p, user, /v1/invitations/*, (GET|POST)
p, admin, /v1/admin/*, (GET|POST|PATCH|DELETE)
g, admin, user
`

// NewEnforcer loads ACCESS_CONTROL.MODEL and ACCESS_CONTROL.POLICY when set,
// otherwise the built in defaults.
func NewEnforcer(cfg *config.Config) (*casbin.Enforcer, error) {
	if cfg.AccessControl.Model != "" && cfg.AccessControl.Policy != "" {
		return casbin.NewEnforcer(cfg.AccessControl.Model, fileadapter.NewAdapter(cfg.AccessControl.Policy))
	}
	return NewDefaultEnforcer()
}

func NewDefaultEnforcer() (*casbin.Enforcer, error) {
	m, err := model.NewModelFromString(DefaultModel)
	if err != nil {
		return nil, err
	}
	return casbin.NewEnforcer(m, stringadapter.NewAdapter(DefaultPolicy))
}

// Authorize checks the authenticated role against the request path and
// method. It must run after middleware.Authenticate.
func Authorize(e *casbin.Enforcer) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := middleware.IdentityFrom(c)
		if !ok {
			_ = c.Error(errutil.Unauthorized("missing identity", nil))
			c.Abort()
			return
		}

		allowed, err := e.Enforce(id.Role, c.Request.URL.Path, c.Request.Method)
		if err != nil {
			zap.L().Error("authorization check failed", zap.Error(err))
			_ = c.Error(errutil.Internal("authorization check failed", err))
			c.Abort()
			return
		}
		if !allowed {
			_ = c.Error(errutil.Forbidden("not allowed", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}
