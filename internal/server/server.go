// Package server exposes the HTTP surface: the WebSocket handshake, an
// on-demand REST snapshot, health and Prometheus endpoints.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/NikolaySitnikov/FlashCur-sub002/internal/cache"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/config"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/gateway"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/identity"
	"github.com/NikolaySitnikov/FlashCur-sub002/internal/tier"
	"github.com/NikolaySitnikov/FlashCur-sub002/pkg/models"
)

// RowIngestor accepts normalized rows pushed by an upstream feed.
type RowIngestor interface {
	IngestBatch(ctx context.Context, rows []models.SnapshotRow) error
}

// Server is the HTTP front of the distribution engine.
type Server struct {
	cfg      config.ServerConfig
	logger   *zap.Logger
	gw       *gateway.Gateway
	identity identity.Service
	store    cache.Store
	ingestor RowIngestor

	http *http.Server
}

// New creates a server. The gateway owns the WebSocket path; everything else
// here is plain request/response.
func New(cfg config.ServerConfig, gw *gateway.Gateway, idsvc identity.Service, store cache.Store, ing RowIngestor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		gw:       gw,
		identity: idsvc,
		store:    store,
		ingestor: ing,
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.CORSOrigins) > 0 {
		corsCfg.AllowOrigins = s.cfg.CORSOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	router.Use(cors.New(corsCfg))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws", func(c *gin.Context) {
		s.gw.HandleUpgrade(c.Writer, c.Request)
	})

	api := router.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			market := v1.Group("/market")
			{
				market.GET("", s.handleMarket)
				market.GET("/:symbol", s.handleMarketSymbol)
			}
			// Feed push stays disabled unless an ingest key is set.
			if s.cfg.IngestKey != "" && s.ingestor != nil {
				v1.POST("/ingest", s.handleIngest)
			}
		}
	}

	return router
}

// handleMarket serves the aggregate snapshot on demand, truncated to the
// caller's tier. No or bad credentials degrade to the free tier instead of
// rejecting, matching the anonymous browse experience.
func (s *Server) handleMarket(c *gin.Context) {
	t := s.callerTier(c)

	snap, ok := s.store.GetSnapshot(c.Request.Context(), cache.SnapshotKey(models.AllSymbols))
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tier":     t.String(),
		"snapshot": tier.Truncate(snap, t),
	})
}

func (s *Server) handleMarketSymbol(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" || symbol == models.AllSymbols {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_symbol"})
		return
	}
	snap, ok := s.store.GetSnapshot(c.Request.Context(), cache.SnapshotKey(symbol))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_symbol"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap})
}

// handleIngest accepts a batch of normalized rows from the upstream feed
// collector, authenticated by a shared key.
func (s *Server) handleIngest(c *gin.Context) {
	if c.GetHeader("X-Ingest-Key") != s.cfg.IngestKey {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad_ingest_key"})
		return
	}
	var rows []models.SnapshotRow
	if err := c.ShouldBindJSON(&rows); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if err := s.ingestor.IngestBatch(c.Request.Context(), rows); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(rows)})
}

// callerTier resolves the requester's tier, defaulting to free for
// anonymous or failed lookups.
func (s *Server) callerTier(c *gin.Context) tier.Tier {
	cred := c.Query("token")
	if cred == "" {
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			cred = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if cred == "" {
		return tier.Free
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	id, err := s.identity.Lookup(ctx, cred)
	if err != nil {
		return tier.Free
	}
	return id.Tier
}

// Start runs the listener until Shutdown or a listener error.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
