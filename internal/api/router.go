// Package api is the upload broker's HTTP surface.
package api

import (
	"net/http"
	"time"

	"github.com/arencloud/hermes-upload/internal/capacity"
	"github.com/arencloud/hermes-upload/internal/config"
	"github.com/arencloud/hermes-upload/internal/logging"
	"github.com/arencloud/hermes-upload/internal/middleware"
	"github.com/arencloud/hermes-upload/internal/registry"
	"github.com/arencloud/hermes-upload/internal/vault"

	"github.com/gin-contrib/requestid"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
)

// Deps are the long-lived services the broker routes to.
type Deps struct {
	Config     *config.Config
	Logger     logging.Logger
	Zap        *zap.Logger // access log; nil disables it
	DB         *gorm.DB
	Vault      *vault.Vault
	Registry   *registry.Registry
	Accountant *capacity.Accountant
}

type handlers struct {
	cfg        *config.Config
	logger     logging.Logger
	vault      *vault.Vault
	registry   *registry.Registry
	accountant *capacity.Accountant
	files      *fileCatalog
}

func Router(d Deps) *gin.Engine {
	if d.Config.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := &handlers{
		cfg:        d.Config,
		logger:     d.Logger,
		vault:      d.Vault,
		registry:   d.Registry,
		accountant: d.Accountant,
		files:      &fileCatalog{db: d.DB},
	}

	r := gin.New()
	r.Use(requestid.New())
	if d.Zap != nil {
		r.Use(ginzap.GinzapWithConfig(d.Zap, &ginzap.Config{
			TimeFormat: time.RFC3339,
			UTC:        true,
			SkipPaths:  []string{"/health", "/metrics"},
			Context: func(c *gin.Context) []zapcore.Field {
				return []zapcore.Field{zap.String("requestId", requestid.Get(c))}
			},
		}))
	}
	r.Use(middleware.Recoverer(d.Logger), requestMetrics())
	// one lookup memo per inbound request
	r.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(registry.WithRequestScope(c.Request.Context()))
		c.Next()
	})
	r.NoRoute(func(c *gin.Context) { respondError(c, http.StatusNotFound, "not found") })

	r.GET("/health", health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/api/version", versionInfo)

	broker := r.Group("")
	if d.Config.RateLimit > 0 {
		broker.Use(middleware.NewRateLimiter(d.Config.RateLimit, d.Config.RateBurst).Handler())
	}
	h.registerFiles(broker)
	h.registerAPI(broker.Group("/api/v1"))
	return r
}
