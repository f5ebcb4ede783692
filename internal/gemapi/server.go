// Package gemapi exposes the gem ledger over HTTP for authenticated tauth sessions.
package gemapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
)

const (
	claimsContextKey     = "auth_claims"
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
	shutdownTimeout      = 5 * time.Second
)

// GemLedger is the ledger surface the HTTP handlers depend on. *ledger.Service implements it.
type GemLedger interface {
	Reserve(ctx context.Context, userID ledger.UserID, amount ledger.PositiveGems, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (ledger.ReserveResult, error)
	Finalize(ctx context.Context, userID ledger.UserID, holdID ledger.HoldID, actualCost ledger.Gems, idempotencyKey ledger.IdempotencyKey) (ledger.FinalizeResult, error)
	Cancel(ctx context.Context, userID ledger.UserID, holdID ledger.HoldID, idempotencyKey ledger.IdempotencyKey) (ledger.CancelResult, error)
	Grant(ctx context.Context, userID ledger.UserID, amount ledger.PositiveGems, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (ledger.GrantResult, error)
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	ListEvents(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Event, error)
}

// Server bundles the router with its listener lifecycle.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	handler http.Handler
}

// NewServer validates cfg and builds the router. metrics may be nil.
func NewServer(cfg Config, gemLedger GemLedger, logger *zap.Logger, metrics http.Handler) (*Server, error) {
	if gemLedger == nil {
		return nil, fmt.Errorf("gem ledger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger: logger,
		ledger: gemLedger,
		cfg:    cfg,
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		handler: setupRouter(cfg, handler, validator, metrics),
	}, nil
}

// Handler returns the HTTP handler.
func (server *Server) Handler() http.Handler {
	return server.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gem api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator, metrics http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", idempotencyKeyHeader},
		ExposeHeaders:    []string{replayedHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	gems := router.Group("/api/v1/gems")
	gems.GET("/packs", handler.handlePacks)

	authenticated := gems.Group("")
	authenticated.Use(validator.GinMiddleware(claimsContextKey))
	authenticated.GET("/balance", handler.handleBalance)
	authenticated.GET("/ledger", handler.handleLedger)
	authenticated.POST("/bootstrap", handler.handleBootstrap)
	authenticated.POST("/purchases", handler.handlePurchase)
	authenticated.POST("/hold", handler.handleHold)
	authenticated.POST("/finalize", handler.handleFinalize)
	authenticated.POST("/cancel", handler.handleCancel)

	return router
}
