// Package adminapi is the relayer's operator HTTP surface: health and
// metrics endpoints, an admin login gated by password plus TOTP, and a
// small set of admin actions (force rollback, prepaid credit, wallet
// visibility, a live status stream). It is deliberately not the
// business API a caller submits payment intents through — that's
// internal/core's plain-Go method surface, reached by whatever
// transport wraps it; this package only covers the operator-facing
// side, grounded in the reference backend's admin router and handlers.
package adminapi

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/relaycore/relayer/internal/core"
	"github.com/relaycore/relayer/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server is the admin HTTP surface bound to a core.Service.
type Server struct {
	svc    *core.Service
	auth   AuthConfig
	logger *logrus.Logger

	upgrader websocket.Upgrader
	ipGuard  *ipGuard

	mu        sync.Mutex
	listeners map[chan domain.StatusEvent]struct{}
}

// New builds a Server and wires it to receive status events from the
// service's lifecycle manager for the /admin/stream websocket. allowedIPs
// supplements the always-allowed loopback address for the admin group;
// pass nil to restrict the admin group to localhost only.
func New(svc *core.Service, auth AuthConfig, allowedIPs []string, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		svc:       svc,
		auth:      auth,
		logger:    logger,
		listeners: make(map[chan domain.StatusEvent]struct{}),
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		ipGuard:   newIPGuard(logger, allowedIPs),
	}
	svc.Lifecycle.OnEvent(s.broadcast)
	return s
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.healthzHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := r.Group("/admin", s.ipGuard.restrict())
	admin.POST("/login", s.loginHandler)

	authed := admin.Group("", s.requireAuth())
	authed.POST("/jobs/:id/rollback", s.rollbackHandler)
	authed.POST("/ledger/:owner/credit", s.creditHandler)
	authed.GET("/wallets", s.walletsHandler)
	authed.GET("/queue", s.queueStatusHandler)
	authed.GET("/stream", s.streamHandler)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("adminapi: request handled")
	}
}

func (s *Server) healthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) rollbackHandler(c *gin.Context) {
	jobID := c.Param("id")
	if err := s.svc.ForceRollback(c.Request.Context(), jobID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrNotRollbackable) || errors.Is(err, domain.ErrNotFound) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type creditRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (s *Server) creditHandler(c *gin.Context) {
	owner := c.Param("owner")
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid amount"})
		return
	}
	if err := s.svc.CreditPrepaid(c.Request.Context(), owner, amount); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) walletsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"wallets": s.svc.WalletSnapshot()})
}

func (s *Server) queueStatusHandler(c *gin.Context) {
	status, err := s.svc.GetQueueStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

// streamHandler upgrades to a websocket and pushes every status event the
// lifecycle manager publishes until the client disconnects.
func (s *Server) streamHandler(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"error": err}).Warn("adminapi: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := make(chan domain.StatusEvent, 32)
	s.mu.Lock()
	s.listeners[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ch)
		s.mu.Unlock()
		close(ch)
	}()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// broadcast fans a status event out to every connected stream listener
// without blocking on a slow or stuck client.
func (s *Server) broadcast(ev domain.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.listeners {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("adminapi: stream listener backlog full, dropping event")
		}
	}
}

// ListenAndServe runs the admin HTTP server until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *logrus.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
