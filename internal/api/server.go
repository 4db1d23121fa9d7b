// Package api exposes the read side of the subsystem: the fan-out endpoint
// serving buffered history plus connection health, an admin endpoint for
// operator actions, and the liveness and Prometheus surfaces.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"feedhub/config"
	"feedhub/internal/buffer"
	"feedhub/internal/feed"
	"feedhub/internal/metrics"
	"feedhub/internal/models"
	"feedhub/logger"
)

// Feed is the slice of the connection manager the API needs: health
// snapshots and operator-triggered reconnects.
type Feed interface {
	Health() feed.Health
	ForceReconnect(trigger string) error
}

// Server hosts the HTTP read surface over the history buffer.
type Server struct {
	cfg        config.ServerConfig
	log        *logger.Log
	ring       *buffer.Ring
	feed       Feed
	reconnects *rate.Limiter
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires the read endpoint to the buffer and the connection manager.
func NewServer(cfg config.ServerConfig, ring *buffer.Ring, source Feed, log *logger.Log) *Server {
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 25
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 500
	}
	cooldown := cfg.ReconnectCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	return &Server{
		cfg:  cfg,
		log:  log,
		ring: ring,
		feed: source,
		// One reconnect per cooldown window, no bursting past a single
		// stored token. Protects the upstream from admin hammering.
		reconnects: rate.NewLimiter(rate.Every(cooldown), 1),
		startedAt:  time.Now(),
	}
}

// Run starts the HTTP server and blocks until the provided context is
// cancelled or the underlying server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("api").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("api server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/api/feed", s.handleFeed)
	router.POST("/api/admin", s.handleAdmin)
	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router, nil
}

func (s *Server) handleFeed(c *gin.Context) {
	health := s.feed.Health()
	lastMessageAgo := lastMessageAgoMillis(health.LastMessageAt)

	if healthOnly, _ := strconv.ParseBool(c.Query("health")); healthOnly {
		c.JSON(http.StatusOK, gin.H{
			"healthy":              health.State == feed.StateSubscribed,
			"state":                health.State.String(),
			"lastMessageAgoMillis": lastMessageAgo,
			"totalRecordsSeen":     health.TotalRecordsSeen,
		})
		return
	}

	limit := s.cfg.DefaultLimit
	if rawLimit := c.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
		if limit > s.cfg.MaxLimit {
			limit = s.cfg.MaxLimit
		}
	}

	records := s.ring.Snapshot(limit)
	records = filterRecords(records, c.Query("symbol"), c.Query("side"))

	logger.IncrementFeedRead(len(records))
	c.JSON(http.StatusOK, gin.H{
		"isConnected":          health.State == feed.StateSubscribed,
		"records":              records,
		"timestamp":            time.Now().UTC().Format(time.RFC3339Nano),
		"lastMessageAgoMillis": lastMessageAgo,
		"totalEverSeen":        health.TotalRecordsSeen,
	})
}

type adminRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleAdmin(c *gin.Context) {
	var req adminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	switch req.Action {
	case "reconnect":
		if !s.reconnects.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "reconnect cooldown active"})
			return
		}
		if err := s.feed.ForceReconnect(metrics.ReconnectTriggerAdmin); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.log.WithComponent("api").Warn("operator forced a feed reconnect")
		c.JSON(http.StatusOK, gin.H{"status": "reconnecting"})
	case "status":
		health := s.feed.Health()
		c.JSON(http.StatusOK, gin.H{
			"state":                health.State.String(),
			"reconnectAttempts":    health.ReconnectAttempts,
			"lastMessageAgoMillis": lastMessageAgoMillis(health.LastMessageAt),
			"totalRecordsSeen":     health.TotalRecordsSeen,
			"invalidDropped":       health.InvalidDropped,
			"bufferSize":           s.ring.Len(),
			"uptimeSeconds":        int64(time.Since(s.startedAt).Seconds()),
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
	}
}

// handleHealthz is a process liveness probe. It reports ok whenever the
// server can answer, regardless of upstream connection state; upstream
// health lives on /api/feed?health=true.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func filterRecords(records []models.TradeEvent, symbol, side string) []models.TradeEvent {
	if symbol == "" && side == "" {
		return records
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	side = models.NormalizeSide(side)

	filtered := records[:0]
	for _, record := range records {
		if symbol != "" && record.Symbol != symbol {
			continue
		}
		if side != "" && record.Side != side {
			continue
		}
		filtered = append(filtered, record)
	}
	return filtered
}

func lastMessageAgoMillis(last time.Time) int64 {
	if last.IsZero() {
		return -1
	}
	return time.Since(last).Milliseconds()
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8090"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8090"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8090")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8090")
	}

	return addr
}
