// Package httpapi exposes the check-in engine and the sync protocol over HTTP.
//
// Every route under /api/v1 is event scoped: the event comes from the bearer
// token, never from the path, query or body.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/roach88/turnstile/internal/auth"
	"github.com/roach88/turnstile/internal/model"
)

const (
	// DefaultMaxBatch caps the number of scans in one sync-up request.
	DefaultMaxBatch = 500
	// DefaultItemTimeout bounds one single-scan request.
	DefaultItemTimeout = 10 * time.Second
)

// Scanner processes a single scan.
type Scanner interface {
	Scan(ctx context.Context, eventID string, req model.ScanRequest) (model.ScanResult, error)
}

// BatchProcessor processes a sync-up batch.
type BatchProcessor interface {
	Process(ctx context.Context, eventID string, reqs []model.ScanRequest) []model.ScanResult
}

// AttendeeSource serves sync-down reads.
type AttendeeSource interface {
	AttendeesSince(ctx context.Context, eventID string, since *time.Time) ([]model.Attendee, error)
	Ping(ctx context.Context) error
}

// OccupancyReader returns the derived occupancy of an event.
type OccupancyReader interface {
	Get(ctx context.Context, eventID string) (model.Occupancy, error)
}

// OccupancyFeed delivers occupancy change hints.
type OccupancyFeed interface {
	Subscribe(eventID string) (<-chan model.OccupancyChange, func())
}

// Verifier resolves a bearer token to an identity.
type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// Config wires the server's collaborators.
type Config struct {
	Scanner   Scanner
	Batch     BatchProcessor
	Attendees AttendeeSource
	Occupancy OccupancyReader
	Feed      OccupancyFeed
	Verifier  Verifier

	// MaxBatch defaults to DefaultMaxBatch.
	MaxBatch int
	// CORSOrigins enables CORS for the listed dashboard origins.
	CORSOrigins []string
	// Now defaults to time.Now. It stamps sync-down server_time.
	Now func() time.Time
	// ItemTimeout bounds a single scan. Defaults to DefaultItemTimeout.
	ItemTimeout time.Duration
	// SyncLag is subtracted from the sync-down server_time. Rows stamped
	// before a read but committed after it fall inside the lag and are sent
	// again next time. Defaults to ItemTimeout; negative disables it.
	SyncLag time.Duration
}

// Server is the HTTP surface.
type Server struct {
	cfg    Config
	router *gin.Engine
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = DefaultItemTimeout
	}
	switch {
	case cfg.SyncLag == 0:
		cfg.SyncLag = cfg.ItemTimeout
	case cfg.SyncLag < 0:
		cfg.SyncLag = 0
	}
	s := &Server{cfg: cfg}

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), requestLogger())
	if len(cfg.CORSOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = cfg.CORSOrigins
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", requestIDHeader}
		r.Use(cors.New(corsConfig))
	}

	r.GET("/health", s.health)

	api := r.Group("/api/v1", authenticate(cfg.Verifier))
	{
		scan := api.Group("", requireRole(auth.RoleScanner))
		scan.POST("/checkins", s.postCheckin)
		scan.POST("/sync/up", s.syncUp)
		scan.GET("/sync/down", s.syncDown)

		watch := api.Group("", requireRole(auth.RoleScanner, auth.RoleObserver))
		watch.GET("/occupancy", s.occupancy)
		watch.GET("/occupancy/stream", s.occupancyStream)
	}

	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.cfg.Attendees.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   s.cfg.Now().UTC(),
	})
}
