package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/edgebinder/internal/kernel"
	"github.com/danmuck/edgebinder/internal/observability"
	"github.com/danmuck/edgebinder/internal/protocol/session"
)

func (d *Daemon) newRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	if len(d.cfg.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: d.cfg.CorsOrigins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	d.registerRoutes(r)
	return r
}

func (d *Daemon) registerRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(d.started).String(),
			"processes": len(d.kernel.Snapshot().Processes),
			"protocol":  session.ProtocolVersion,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	debug := r.Group("/debug")
	debug.GET("/processes", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.kernel.Snapshot())
	})

	debug.GET("/processes/:pid/refs/:handle", func(c *gin.Context) {
		pid, ok := paramInt(c, "pid", 32)
		if !ok {
			return
		}
		handle, ok := paramInt(c, "handle", 32)
		if !ok {
			return
		}
		info, found := d.kernel.Ref(int32(pid), uint32(handle))
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such handle"})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	debug.POST("/processes/:pid/kill", func(c *gin.Context) {
		pid, ok := paramInt(c, "pid", 32)
		if !ok {
			return
		}
		if err := d.kernel.Kill(int32(pid)); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, kernel.ErrNoProcess) {
				code = http.StatusNotFound
			}
			c.JSON(code, gin.H{"error": err.Error()})
			return
		}
		d.log.Warn().Int64("pid", pid).Msg("process killed from admin")
		c.JSON(http.StatusOK, gin.H{"killed": pid})
	})

	debug.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": d.server.Sessions()})
	})

	debug.GET("/services", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"services": d.manager.Registry().Names()})
	})
}

func paramInt(c *gin.Context, name string, bits int) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, bits+1)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}
