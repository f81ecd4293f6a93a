package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/restbank/gateway/pkg/breaker"
	"github.com/restbank/gateway/pkg/registry"
	"github.com/restbank/gateway/pkg/route"
	"github.com/restbank/gateway/pkg/security"
	"github.com/restbank/gateway/pkg/web/response"
)

// HealthPath 网关自身的健康检查，不经过路由表
const HealthPath = "/healthcheck"

// AdminPrefix 运维接口前缀
const AdminPrefix = "/-"

// Register 在 engine 上挂载健康检查、运维接口与代理入口
// allow 为 nil 时不挂载运维接口
func (g *Gateway) Register(e *gin.Engine, allow *security.IPAllowlist) {
	// 代理路径原样交给路由表，不做重定向
	e.RedirectTrailingSlash = false
	e.RedirectFixedPath = false

	e.GET(HealthPath, g.health)
	e.HEAD(HealthPath, g.health)

	if allow != nil {
		admin := e.Group(AdminPrefix, allowlist(allow))
		admin.GET("/breakers", g.listBreakers)
		admin.POST("/breakers/*target", g.overrideBreaker)
		admin.GET("/instances", g.listInstances)
		admin.GET("/routes", g.listRoutes)
	}

	e.NoRoute(g.Handle)
}

func allowlist(allow *security.IPAllowlist) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !allow.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusForbidden, response.ErrorBody{
				Source:  response.Source,
				Code:    "forbidden",
				Message: "Admin API is not reachable from this address.",
			})
			return
		}
		c.Next()
	}
}

func (g *Gateway) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func (g *Gateway) listBreakers(c *gin.Context) {
	response.Success(c, gin.H{
		"scope":    g.breakers.Scope(),
		"breakers": g.breakers.Snapshots(),
	})
}

// overrideBreaker POST /-/breakers/<key>/open|close|reset
// 实例级 key 形如 card-service/10.0.0.1:8080，本身含有 /
func (g *Gateway) overrideBreaker(c *gin.Context) {
	target := strings.Trim(c.Param("target"), "/")
	idx := strings.LastIndex(target, "/")
	if idx <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, response.ErrorBody{
			Source:  response.Source,
			Code:    "bad_request",
			Message: "Expected /-/breakers/<key>/open|close|reset.",
		})
		return
	}
	key, action := target[:idx], target[idx+1:]

	var apply func(*breaker.Breaker)
	switch action {
	case "open":
		apply = (*breaker.Breaker).ForceOpen
	case "close":
		apply = (*breaker.Breaker).ForceClosed
	case "reset":
		apply = (*breaker.Breaker).Reset
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, response.ErrorBody{
			Source:  response.Source,
			Code:    "bad_request",
			Message: "Unknown breaker action " + action + ".",
		})
		return
	}

	b, err := g.breakerFor(key)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, response.ErrorBody{
			Source:  response.Source,
			Code:    "breaker_not_found",
			Message: "No breaker with key " + key + ".",
		})
		return
	}
	apply(b)
	g.logger.WarnContext(c.Request.Context(), "breaker overridden",
		"key", key,
		"action", action,
		"ip", c.ClientIP(),
	)
	response.Success(c, b.Snapshot())
}

// breakerFor 服务级 key 允许在首个请求前手动打开，实例级只能操作已存在的熔断器
func (g *Gateway) breakerFor(key string) (*breaker.Breaker, error) {
	b, err := g.breakers.Lookup(key)
	if err == nil {
		return b, nil
	}
	if g.breakers.Scope() == breaker.ScopeService && g.isService(key) {
		return g.breakers.Get(key, ""), nil
	}
	return nil, err
}

func (g *Gateway) isService(name string) bool {
	for _, r := range g.resolver.Table().Routes() {
		if r.Service == name {
			return true
		}
	}
	return false
}

type instancesView struct {
	Version   uint64                         `json:"version"`
	UpdatedAt time.Time                      `json:"updated_at"`
	Services  map[string][]registry.Instance `json:"services"`
}

func (g *Gateway) listInstances(c *gin.Context) {
	snap := g.registry.Snapshot()
	view := instancesView{
		Version:   snap.Version(),
		UpdatedAt: snap.UpdatedAt(),
		Services:  make(map[string][]registry.Instance),
	}
	for _, svc := range snap.Services() {
		view.Services[svc] = snap.Instances(svc)
	}
	response.Success(c, view)
}

func (g *Gateway) listRoutes(c *gin.Context) {
	routes := g.resolver.Table().Routes()
	specs := make([]route.Spec, 0, len(routes))
	for _, r := range routes {
		specs = append(specs, r.Spec)
	}
	response.Success(c, specs)
}
