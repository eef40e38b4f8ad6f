// Package server exposes the HTTP surface: the client and runtime WebSocket
// endpoints, the bootstrap token exchange, and health checks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tymbal/tymbal/internal/common/config"
	"github.com/tymbal/tymbal/internal/common/ids"
	"github.com/tymbal/tymbal/internal/common/logger"
	"github.com/tymbal/tymbal/internal/hub"
	"github.com/tymbal/tymbal/internal/runtimeproto"
	"github.com/tymbal/tymbal/internal/storage"
)

// SessionVerifier authenticates a client upgrade request and returns the
// subject it belongs to.
type SessionVerifier func(r *http.Request) (string, error)

// AnonymousSessions accepts every client connection.
func AnonymousSessions(*http.Request) (string, error) { return "anonymous", nil }

// Server is the control-plane HTTP server.
type Server struct {
	cfg      config.ServerConfig
	hub      *hub.Hub
	store    storage.Storage
	runtimes *runtimeproto.Handler
	sessions SessionVerifier
	logger   *logger.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, h *hub.Hub, store storage.Storage, runtimes *runtimeproto.Handler, sessions SessionVerifier, log *logger.Logger) *Server {
	if sessions == nil {
		sessions = AnonymousSessions
	}
	s := &Server{
		cfg:      cfg,
		hub:      h,
		store:    store,
		runtimes: runtimes,
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)

	api := router.Group("/api/v1")
	api.GET("/ws", s.handleClientWS)
	api.GET("/runtime/ws", s.handleRuntimeWS)
	api.POST("/bootstrap", s.handleBootstrap)
	api.GET("/channels/:id/costs", s.handleChannelCosts)

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadTimeoutDuration(),
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleClientWS authenticates, upgrades, and parks the connection on the
// pending pseudo-channel until its first sync request.
func (s *Server) handleClientWS(c *gin.Context) {
	subject, err := s.sessions(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	wsConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Client upgrade failed", zap.Error(err))
		return
	}

	connID := ids.NewConnectionID()
	client := hub.NewClient(connID, s.hub, wsConn, s.logger)
	record := &storage.Connection{
		ID:        connID,
		ChannelID: storage.PendingChannel,
		Role:      storage.RoleClient,
	}
	ctx := c.Request.Context()
	if err := s.hub.Add(ctx, record, client); err != nil {
		s.logger.Error("Failed to register client", zap.Error(err))
		_ = wsConn.Close()
		return
	}

	s.logger.Info("Client connected",
		zap.String("connection_id", connID),
		zap.String("subject", subject))

	go client.WritePump()
	client.ReadPump(context.WithoutCancel(ctx))
}

// handleRuntimeWS verifies the credential header and hands the socket to the
// runtime protocol handler.
func (s *Server) handleRuntimeWS(c *gin.Context) {
	token := c.GetHeader(runtimeproto.CredentialHeader)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing credential"})
		return
	}
	cred, err := s.store.VerifyCredential(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
		return
	}

	wsConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Runtime upgrade failed", zap.Error(err))
		return
	}

	s.logger.Info("Runtime link established", zap.String("space_id", cred.SpaceID))
	s.runtimes.HandleConnection(context.WithoutCancel(c.Request.Context()), wsConn)
}

type bootstrapRequest struct {
	Token string `json:"token" binding:"required"`
}

// handleBootstrap exchanges a one-time bootstrap token for a long-lived
// runtime credential.
func (s *Server) handleBootstrap(c *gin.Context) {
	var req bootstrapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}

	cred, err := s.store.ExchangeBootstrapToken(c.Request.Context(), req.Token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			c.JSON(http.StatusGone, gin.H{"error": "bootstrap token expired"})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid bootstrap token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"credential": cred.Token,
		"spaceId":    cred.SpaceID,
	})
}

// handleChannelCosts returns the accumulated cost records for a channel.
func (s *Server) handleChannelCosts(c *gin.Context) {
	costs, err := s.store.ListCosts(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load costs"})
		return
	}

	var totalUSD float64
	items := make([]gin.H, 0, len(costs))
	for _, cost := range costs {
		totalUSD += cost.CostUSD
		items = append(items, gin.H{
			"spaceId":    cost.SpaceID,
			"channelId":  cost.ChannelID,
			"callsign":   cost.Callsign,
			"costUsd":    cost.CostUSD,
			"durationMs": cost.DurationMs,
			"numTurns":   cost.NumTurns,
			"createdAt":  cost.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"totalUsd": totalUSD, "costs": items})
}
