package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"investment-ledger/internal/admin"
	"investment-ledger/internal/auth"
	"investment-ledger/internal/balance"
	"investment-ledger/internal/cache"
	"investment-ledger/internal/database"
	"investment-ledger/internal/events"
	"investment-ledger/internal/ledger"
	"investment-ledger/internal/logging"
	"investment-ledger/internal/payments"
	"investment-ledger/internal/referrals"
	"investment-ledger/internal/reports"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// anonymousUserID stands in for the caller when auth is disabled.
const anonymousUserID = "00000000-0000-0000-0000-000000000000"

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	deps       Dependencies
	hub        *BalanceHub
	logger     zerolog.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ProductionMode  bool
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Dependencies are the services the handlers call into. JWT nil disables
// auth; Gateway nil disables the callback endpoint.
type Dependencies struct {
	Store       database.Store
	Projector   *balance.Projector
	Tracker     *payments.Tracker
	Admin       *admin.Service
	Referrals   *referrals.Service
	Reports     *reports.Reporter
	Reconciler  *balance.Reconciler
	Bus         *events.EventBus
	JWT         *auth.JWTManager
	Gateway     *auth.GatewayGuard
	Idempotency *cache.IdempotencyGuard
	Cache       *cache.CacheService
	Gatherer    prometheus.Gatherer
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Dependencies, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", auth.GatewayTokenHeader, requestIDHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length", requestIDHeader}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router: router,
		config: config,
		deps:   deps,
		logger: logger.With().Str("component", "api").Logger(),
	}
	router.Use(server.requestContext())

	server.hub = NewBalanceHub(server.logger)
	server.hub.Attach(deps.Bus)

	server.setupRoutes()
	return server
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Hub returns the websocket balance hub.
func (s *Server) Hub() *BalanceHub {
	return s.hub
}

func (s *Server) authEnabled() bool {
	return s.deps.JWT != nil
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.deps.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	if s.deps.Gateway != nil {
		s.router.POST("/api/gateway/events", auth.RequireGatewayToken(s.deps.Gateway), s.handleGatewayEvent)
	}

	s.router.GET("/ws/balance", s.wsAuth(), s.handleBalanceWebSocket)

	api := s.router.Group("/api")
	if s.authEnabled() {
		api.Use(auth.Middleware(s.deps.JWT))
	}
	{
		api.GET("/balance", s.handleGetBalance)
		api.GET("/transactions", s.handleListTransactions)
		api.GET("/transactions/:id", s.handleGetTransaction)

		api.POST("/deposits", s.handleInitiateDeposit)
		api.GET("/deposits", s.handleListDeposits)
		api.GET("/deposits/:id", s.handleGetDeposit)

		api.POST("/withdrawals", s.handleRequestWithdrawal)
		api.GET("/withdrawals", s.handleListWithdrawals)
		api.GET("/withdrawals/:id", s.handleGetWithdrawal)

		api.POST("/referrals", s.handleRegisterReferral)
		api.GET("/referrals/stats", s.handleReferralStats)
	}

	adminGroup := api.Group("/admin")
	if s.authEnabled() {
		adminGroup.Use(auth.RequireAdmin())
	}
	{
		adminGroup.POST("/adjustments", s.handleAdjustBalance)
		adminGroup.POST("/transactions/:id/reverse", s.handleReverseTransaction)
		adminGroup.GET("/audit", s.handleAuditTrail)

		adminGroup.GET("/withdrawals", s.handleAdminListWithdrawals)
		adminGroup.POST("/withdrawals/:id/approve", s.handleApproveWithdrawal)
		adminGroup.POST("/withdrawals/:id/reject", s.handleRejectWithdrawal)
		adminGroup.POST("/withdrawals/:id/complete", s.handleCompleteWithdrawal)

		adminGroup.GET("/users/:id/balance", s.handleAdminUserBalance)
		adminGroup.POST("/users/:id/reconcile", s.handleReconcileUser)
		adminGroup.POST("/users/:id/profits", s.handleRecordProfit)
		adminGroup.GET("/drift", s.handleDrift)

		adminGroup.GET("/reports/daily", s.handleDailyReport)
		adminGroup.GET("/reports/profit", s.handleProfitStatement)

		adminGroup.POST("/bonuses/:id/distribute", s.handleDistributeBonus)
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info().Str("addr", addr).Msg("starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	s.hub.Close()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Store.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
		})
		return
	}

	body := gin.H{
		"status":   "healthy",
		"database": "healthy",
		"time":     time.Now().UTC().Format(time.RFC3339),
	}
	// Redis is optional, so a failing ping degrades the report without
	// failing the probe.
	if s.deps.Cache != nil {
		_ = s.deps.Cache.Ping(ctx)
		body["redis"] = s.deps.Cache.GetStats()
	}
	if s.deps.Reconciler != nil {
		lastRun, drifting := s.deps.Reconciler.Drifting()
		body["drifted_users"] = len(drifting)
		if !lastRun.IsZero() {
			body["last_reconcile"] = lastRun.Format(time.RFC3339)
		}
	}
	c.JSON(http.StatusOK, body)
}

const requestIDHeader = "X-Request-ID"

// requestContext tags each request with an id and a logger carrying it, and
// logs the outcome once the handler is done.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = logging.GenerateRequestID()
		}
		c.Header(requestIDHeader, requestID)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), s.logger, requestID))

		start := time.Now()
		c.Next()

		l := logging.FromContext(c.Request.Context())
		event := l.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = l.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// statusForError maps ledger errors onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrPermissionDenied), errors.Is(err, ledger.ErrFeatureDisabled):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrInvalidState),
		errors.Is(err, ledger.ErrAlreadyProcessed):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrBelowMinimum),
		errors.Is(err, ledger.ErrAboveMaximum):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// respondError writes err with its mapped status. Inconsistent ledgers are
// flagged so clients know an operator has to reconcile.
func (s *Server) respondError(c *gin.Context, err error) {
	status := statusForError(err)
	l := logging.FromContext(c.Request.Context())
	if errors.Is(err, ledger.ErrInconsistentLedger) {
		l.Error().Err(err).Msg("ledger inconsistency surfaced to client")
		c.JSON(status, gin.H{
			"error":                   true,
			"message":                 "balance is under reconciliation, please retry later",
			"reconciliation_required": true,
		})
		return
	}
	if status == http.StatusInternalServerError {
		l.Error().Err(err).Msg("request failed")
	}
	errorResponse(c, status, err.Error())
}

// getUserID returns the caller's user ID
func (s *Server) getUserID(c *gin.Context) string {
	if !s.authEnabled() {
		return anonymousUserID
	}
	return auth.GetUserID(c)
}

// getUserIDRequired returns the user ID from the context and sends error if not authenticated
func (s *Server) getUserIDRequired(c *gin.Context) (string, bool) {
	userID := s.getUserID(c)
	if userID == "" {
		errorResponse(c, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return userID, true
}

func origin(c *gin.Context) admin.Origin {
	return admin.Origin{
		IPAddress: c.ClientIP(),
		UserAgent: strings.TrimSpace(c.Request.UserAgent()),
	}
}
