package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/crazyfrankie/zhttp"
)

// adminServer exposes metrics and engine state over a gin router.
type adminServer struct {
	http *http.Server
}

type exceptionView struct {
	Time  time.Time `json:"time"`
	Error string    `json:"error"`
}

type endpointView struct {
	Address string `json:"address"`
	Secure  bool   `json:"secure"`
}

func newAdminServer(addr string, srv *zhttp.Server, reg *prometheus.Registry) *adminServer {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": srv.Status().String()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	debug := r.Group("/debug")
	debug.GET("/endpoints", func(c *gin.Context) {
		eps := srv.Endpoints()
		out := make([]endpointView, 0, len(eps))
		for _, le := range eps {
			out = append(out, endpointView{Address: le.String(), Secure: le.Secure()})
		}
		c.JSON(http.StatusOK, out)
	})
	debug.GET("/exceptions", func(c *gin.Context) {
		events := srv.ExceptionLog()
		out := make([]exceptionView, 0, len(events))
		for _, ev := range events {
			out = append(out, exceptionView{Time: ev.Timestamp, Error: ev.Cause.Error()})
		}
		c.JSON(http.StatusOK, out)
	})
	debug.DELETE("/exceptions", func(c *gin.Context) {
		srv.ClearExceptionLog()
		c.Status(http.StatusNoContent)
	})

	return &adminServer{http: &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		zap.L().Debug("admin request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (a *adminServer) run() error {
	zap.L().Info("admin listening", zap.String("addr", a.http.Addr))
	if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *adminServer) shutdown(ctx context.Context) {
	if err := a.http.Shutdown(ctx); err != nil {
		zap.L().Warn("admin shutdown", zap.Error(err))
	}
}
