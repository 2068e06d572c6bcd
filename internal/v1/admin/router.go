// Package admin serves the operator HTTP surface of the VR host: metrics,
// health probes, live status, match history and game controls.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/RoseWrightdev/vrlink/internal/v1/dispatch"
	"github.com/RoseWrightdev/vrlink/internal/v1/health"
	"github.com/RoseWrightdev/vrlink/internal/v1/logging"
	"github.com/RoseWrightdev/vrlink/internal/v1/middleware"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Deps are the collaborators the admin surface needs. Matches, Limiter and
// Health may be nil.
type Deps struct {
	Controller     Controller
	Matches        MatchLister
	Dispatcher     *dispatch.Dispatcher
	Health         *health.Handler
	Limiter        gin.HandlerFunc
	AllowedOrigins string
	Development    bool
}

// NewRouter builds the gin engine with every admin route registered.
func NewRouter(deps Deps) *gin.Engine {
	if !deps.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins(deps.AllowedOrigins)
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsCfg))
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("vrlink-admin"))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	hh := deps.Health
	if hh == nil {
		hh = health.NewHandler()
	}
	router.GET("/health/live", hh.Liveness)
	router.GET("/health/ready", hh.Readiness)

	h := &handlers{ctrl: deps.Controller, matches: deps.Matches, dispatcher: deps.Dispatcher}

	api := router.Group("/api")
	if deps.Limiter != nil {
		api.Use(deps.Limiter)
	}
	{
		api.GET("/status", h.status)
		api.GET("/matches", h.listMatches)
		api.POST("/score", h.addScore)
		api.POST("/score/reset", h.resetScores)
		api.POST("/timer/start", h.startTimer)
		api.POST("/mode", h.setMode)
		api.POST("/disconnect", h.disconnect)
	}

	return router
}

func allowedOrigins(raw string) []string {
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Server runs the admin router on its own port.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// NewServer binds the admin router to addr without serving yet.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start listens and serves in the background. Listen errors are returned
// directly; serve errors after that are logged.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		logging.Info(ctx, "Admin server starting", zap.String("addr", ln.Addr().String()))
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(ctx, "Admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown lets in-flight requests finish until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
