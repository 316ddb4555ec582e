package ops

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"WorkChat/logger"
	"WorkChat/service/metrics"
	"WorkChat/service/supervisor"
	"WorkChat/tools/safe"
)

// Server exposes the operational surface: health of the supervision
// tree and the counter snapshot. Not a user-facing API.
type Server struct {
	srv *http.Server
	sup *supervisor.Supervisor
}

func NewServer(port int, sup *supervisor.Supervisor) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{sup: sup}
	r.GET("/healthz", s.healthz)
	r.GET("/metrics", s.metricsz)
	r.GET("/actors", s.actors)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
	return s
}

func (s *Server) Start() {
	safe.Go(func() {
		logger.Infof("[ops] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("[ops] serve: %v", err)
		}
	})
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		logger.Warnf("[ops] shutdown: %v", err)
	}
}

func (s *Server) healthz(c *gin.Context) {
	h := s.sup.HealthCheck()
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

func (s *Server) metricsz(c *gin.Context) {
	c.JSON(http.StatusOK, metrics.Snapshot())
}

func (s *Server) actors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"workspaces": s.sup.ListWorkspaceActors(),
		"channels":   s.sup.ListChannelActors(),
	})
}
