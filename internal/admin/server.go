// Package admin serves the read-only HTTP surface of a running host:
// health, readiness, session status, UI elements and Prometheus metrics.
// It runs on the root rank only and never touches the control socket.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/simlink/internal/listener"
	"github.com/danmuck/simlink/internal/observability"
	"github.com/danmuck/simlink/internal/session"
	"github.com/danmuck/simlink/internal/ui"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

// Source is what the admin surface reports on.
type Source interface {
	Status() session.Status
	UI() *ui.Registry
}

type Server struct {
	Name    string
	Addr    string
	Started time.Time

	src    Source
	router *gin.Engine
	srv    *http.Server
}

func New(name, addr string, src Source, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.Component("admin", name)))
	r.Use(observability.RequestMetricsMiddleware(name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Name:    name,
		Addr:    addr,
		Started: time.Now(),
		src:     src,
		router:  r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).String(),
			"host":    s.Name,
			"version": Version,
		})
	})

	// ready once the socket is bound and a viewer could attach
	s.router.GET("/ready", func(c *gin.Context) {
		st := s.src.Status()
		ready := st.State == listener.Listening.String() || st.State == listener.Bound.String()
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready": ready,
			"state": st.State,
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.src.Status())
	})

	s.router.GET("/ui", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"elements": s.src.UI().Names()})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Serve listens on Addr until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Str("host", s.Name).Msg("admin: listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
