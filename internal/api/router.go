// Package api 守护进程的运维 HTTP 入口：/metrics 与 /healthz
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const pingTimeout = 2 * time.Second

type Router struct {
	metrics http.Handler
	db      *gorm.DB
	mode    string
}

func NewRouter(metrics http.Handler, db *gorm.DB, mode string) *Router {
	return &Router{metrics: metrics, db: db, mode: mode}
}

func (r *Router) Setup() *gin.Engine {
	if r.mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/metrics", gin.WrapH(r.metrics))
	engine.GET("/healthz", r.health)

	return engine
}

// health 探测数据库连通性
func (r *Router) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
	defer cancel()

	sqlDB, err := r.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
