package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"futures-worker/internal/events"
	"futures-worker/internal/gateway"
	"futures-worker/internal/metrics"
	"futures-worker/internal/reconciliation"
	"futures-worker/internal/store"
)

// TrioStore is the read side of the order state store.
type TrioStore interface {
	ListTrios(ctx context.Context, f store.Filter) ([]store.Trio, error)
	GetTrio(ctx context.Context, id string) (store.Trio, error)
	CountByState(ctx context.Context) (map[store.TrioState]int, error)
}

// Recoverer runs an on-demand recovery pass that leaves in-flight
// placements alone.
type Recoverer interface {
	RecoverStale(ctx context.Context) (*reconciliation.Report, error)
}

// Deps are the components the ops API reads from. Nil optional fields
// disable the matching output.
type Deps struct {
	Store    TrioStore
	Bus      *events.Bus
	Metrics  *metrics.Metrics
	Recovery Recoverer

	// DB is pinged by /ready.
	DB interface{ Ping(ctx context.Context) error }
	// Pool reports cached exchange clients.
	Pool func() gateway.PoolStats
	// DegradedFilters counts symbols served from stale filter data.
	DegradedFilters func() uint64
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	Version   string
	Consumer  string
	Streams   []string
	EntryType string
	StartedAt time.Time
}

// Server wires HTTP endpoints around the worker's state.
type Server struct {
	Router    *gin.Engine
	deps      Deps
	jwtSecret string
	meta      SystemMeta
	ready     atomic.Bool
	limiter   *ipLimiter
}

// NewServer builds the router. rateLimit is requests per second per client IP.
func NewServer(deps Deps, meta SystemMeta, jwtSecret string, rateLimit float64) *Server {
	r := gin.New()

	s := &Server{
		Router:    r,
		deps:      deps,
		jwtSecret: jwtSecret,
		meta:      meta,
		limiter:   newIPLimiter(rateLimit),
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(s.limiter.Middleware())
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ready", s.readiness)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", TimeoutMiddleware(10*time.Second), s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.jwtSecret), TimeoutMiddleware(30*time.Second))
		{
			protected.GET("/trios", s.listTrios)
			protected.GET("/trios/summary", s.triosSummary)
			protected.GET("/trios/:id", s.getTrio)
			protected.POST("/recovery", s.runRecovery)
		}
	}
}

// SetReady marks the worker as ready once startup recovery has finished.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves on addr until the listener fails.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
