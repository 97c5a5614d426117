// Package httpapi exposes the ledger to the game server's command and UI
// layer over HTTP. The handlers format boolean and numeric ledger results
// into JSON envelopes; game-specific side effects stay with the callers.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/oreforge/economy/pkg/economy"
)

// Config aggregates runtime settings for the HTTP surface.
type Config struct {
	AllowedOrigins []string
	AdminSecret    string
	TaxRate        float64
	InitialBalance float64
}

// Server wires the ledger, audit trail, and configuration store to gin.
type Server struct {
	ledger *economy.Ledger
	config *economy.ConfigStore
	audit  *economy.AuditTrail
	logger *zap.Logger
	cfg    Config
}

// New builds a Server.
func New(ledger *economy.Ledger, config *economy.ConfigStore, audit *economy.AuditTrail, logger *zap.Logger, cfg Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{ledger: ledger, config: config, audit: audit, logger: logger, cfg: cfg}
}

// Router assembles the gin engine with player and admin routes.
func (server *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.cfg.AllowedOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = server.cfg.AllowedOrigins
		corsConfig.AllowCredentials = true
		router.Use(cors.New(corsConfig))
	}

	api := router.Group("/api/v1")
	api.GET("/accounts/top", server.handleTopAccounts)
	api.GET("/accounts/:id/balance", server.handleBalance)
	api.GET("/accounts/:id/exists", server.handleExists)
	api.POST("/accounts", server.handleCreateAccount)
	api.POST("/accounts/:id/deposit", server.handleDeposit)
	api.POST("/accounts/:id/withdraw", server.handleWithdraw)
	api.POST("/transfers", server.handleTransfer)

	admin := api.Group("/admin", adminAuth(server.cfg.AdminSecret, server.logger))
	admin.POST("/cache/invalidate", server.handleInvalidateCache)
	admin.GET("/accounts/:id/audit", server.handleAudit)
	admin.GET("/config/:key", server.handleGetConfig)
	admin.PUT("/config/:key", server.handleSetConfig)

	return router
}

func (server *Server) handleBalance(ctx *gin.Context) {
	playerID, ok := server.playerIDParam(ctx)
	if !ok {
		return
	}
	balance, err := server.ledger.GetBalance(playerID).Await(ctx.Request.Context())
	if err != nil {
		server.abortTimeout(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, BalanceEnvelope{PlayerID: playerID.String(), Balance: balance})
}

func (server *Server) handleExists(ctx *gin.Context) {
	playerID, ok := server.playerIDParam(ctx)
	if !ok {
		return
	}
	exists, err := server.ledger.AccountExists(playerID).Await(ctx.Request.Context())
	if err != nil {
		server.abortTimeout(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, ExistsEnvelope{PlayerID: playerID.String(), Exists: exists})
}

func (server *Server) handleCreateAccount(ctx *gin.Context) {
	var request CreateAccountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		server.abortBadRequest(ctx, "invalid_body", err.Error())
		return
	}
	playerID, err := economy.NewPlayerID(request.PlayerID)
	if err != nil {
		server.abortBadRequest(ctx, "invalid_player_id", err.Error())
		return
	}
	initial := server.cfg.InitialBalance
	if request.InitialBalance != nil {
		initial = *request.InitialBalance
	}
	success, awaitErr := server.ledger.CreateAccount(playerID, request.Name, initial).Await(ctx.Request.Context())
	if awaitErr != nil {
		server.abortTimeout(ctx, awaitErr)
		return
	}
	ctx.JSON(http.StatusOK, ResultEnvelope{Success: success})
}

func (server *Server) handleDeposit(ctx *gin.Context) {
	server.handleMutation(ctx, economy.KindDeposit, func(id economy.PlayerID, request MutationRequest, kind economy.Kind) bool {
		success, err := server.ledger.DepositKind(id, request.Amount, request.Reason, kind).Await(ctx.Request.Context())
		return err == nil && success
	})
}

func (server *Server) handleWithdraw(ctx *gin.Context) {
	server.handleMutation(ctx, economy.KindWithdraw, func(id economy.PlayerID, request MutationRequest, kind economy.Kind) bool {
		success, err := server.ledger.WithdrawKind(id, request.Amount, request.Reason, kind).Await(ctx.Request.Context())
		return err == nil && success
	})
}

func (server *Server) handleMutation(ctx *gin.Context, defaultKind economy.Kind, apply func(economy.PlayerID, MutationRequest, economy.Kind) bool) {
	playerID, ok := server.playerIDParam(ctx)
	if !ok {
		return
	}
	var request MutationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		server.abortBadRequest(ctx, "invalid_body", err.Error())
		return
	}
	kind := defaultKind
	if request.Kind != "" {
		parsed, err := economy.ParseKind(request.Kind)
		if err != nil {
			server.abortBadRequest(ctx, "invalid_kind", err.Error())
			return
		}
		kind = parsed
	}
	ctx.JSON(http.StatusOK, ResultEnvelope{Success: apply(playerID, request, kind)})
}

func (server *Server) handleTransfer(ctx *gin.Context) {
	var request TransferRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		server.abortBadRequest(ctx, "invalid_body", err.Error())
		return
	}
	fromID, err := economy.NewPlayerID(request.FromID)
	if err != nil {
		server.abortBadRequest(ctx, "invalid_player_id", err.Error())
		return
	}
	toID, err := economy.NewPlayerID(request.ToID)
	if err != nil {
		server.abortBadRequest(ctx, "invalid_player_id", err.Error())
		return
	}
	taxRate, awaitErr := server.config.GetFloat64(economy.ConfigKeyTaxRate, server.cfg.TaxRate).Await(ctx.Request.Context())
	if awaitErr != nil {
		server.abortTimeout(ctx, awaitErr)
		return
	}
	success, awaitErr := server.ledger.Transfer(fromID, toID, request.Amount, request.Reason, taxRate).Await(ctx.Request.Context())
	if awaitErr != nil {
		server.abortTimeout(ctx, awaitErr)
		return
	}
	ctx.JSON(http.StatusOK, ResultEnvelope{Success: success})
}

func (server *Server) handleTopAccounts(ctx *gin.Context) {
	limit := economy.DefaultTopLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			server.abortBadRequest(ctx, "invalid_limit", err.Error())
			return
		}
		limit = parsed
	}
	accounts, err := server.ledger.TopAccounts(limit).Await(ctx.Request.Context())
	if err != nil {
		server.abortTimeout(ctx, err)
		return
	}
	entries := make([]TopEntry, 0, len(accounts))
	for _, account := range accounts {
		entries = append(entries, TopEntry{PlayerID: account.ID.String(), Name: account.Name, Balance: account.Balance})
	}
	ctx.JSON(http.StatusOK, TopEnvelope{Accounts: entries})
}

func (server *Server) handleInvalidateCache(ctx *gin.Context) {
	var request InvalidateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		server.abortBadRequest(ctx, "invalid_body", err.Error())
		return
	}
	if request.PlayerID == "" {
		server.ledger.Cache().InvalidateAll()
		server.config.InvalidateCache()
		ctx.JSON(http.StatusOK, ResultEnvelope{Success: true})
		return
	}
	playerID, err := economy.NewPlayerID(request.PlayerID)
	if err != nil {
		server.abortBadRequest(ctx, "invalid_player_id", err.Error())
		return
	}
	server.ledger.Cache().Invalidate(playerID)
	ctx.JSON(http.StatusOK, ResultEnvelope{Success: true})
}

func (server *Server) handleAudit(ctx *gin.Context) {
	playerID, ok := server.playerIDParam(ctx)
	if !ok {
		return
	}
	limit := economy.DefaultAuditListLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			server.abortBadRequest(ctx, "invalid_limit", err.Error())
			return
		}
		limit = parsed
	}
	records, err := server.audit.Recent(playerID, limit).Await(ctx.Request.Context())
	if err != nil {
		server.abortTimeout(ctx, err)
		return
	}
	payloads := make([]AuditEntryPayload, 0, len(records))
	for _, record := range records {
		payload := AuditEntryPayload{
			PlayerID:       record.Player.String(),
			Kind:           record.Kind.String(),
			Amount:         record.Amount,
			Reason:         record.Reason,
			CreatedUnixUTC: record.CreatedAt.Unix(),
		}
		if record.Counterparty != nil {
			payload.CounterpartyID = record.Counterparty.String()
		}
		payloads = append(payloads, payload)
	}
	ctx.JSON(http.StatusOK, AuditEnvelope{Records: payloads})
}

func (server *Server) handleGetConfig(ctx *gin.Context) {
	key := ctx.Param("key")
	value, err := server.config.Get(key, economy.Value{}).Await(ctx.Request.Context())
	if err != nil {
		server.abortTimeout(ctx, err)
		return
	}
	envelope := ConfigEnvelope{Key: key, Found: !value.IsZero()}
	if envelope.Found {
		envelope.Value = value
	}
	ctx.JSON(http.StatusOK, envelope)
}

func (server *Server) handleSetConfig(ctx *gin.Context) {
	key := ctx.Param("key")
	var request struct {
		Value economy.Value `json:"value"`
	}
	if err := ctx.ShouldBindJSON(&request); err != nil {
		server.abortBadRequest(ctx, "invalid_value", err.Error())
		return
	}
	if request.Value.IsZero() {
		server.abortBadRequest(ctx, "invalid_value", "value must be a string, number, or boolean")
		return
	}
	durable, err := server.config.Set(key, request.Value).Await(ctx.Request.Context())
	if err != nil {
		server.abortTimeout(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, ResultEnvelope{Success: durable})
}

func (server *Server) playerIDParam(ctx *gin.Context) (economy.PlayerID, bool) {
	playerID, err := economy.NewPlayerID(ctx.Param("id"))
	if err != nil {
		server.abortBadRequest(ctx, "invalid_player_id", err.Error())
		return economy.PlayerID{}, false
	}
	return playerID, true
}

func (server *Server) abortBadRequest(ctx *gin.Context, code string, message string) {
	ctx.AbortWithStatusJSON(http.StatusBadRequest, ErrorEnvelope{Error: ErrorPayload{Code: code, Message: message}})
}

func (server *Server) abortTimeout(ctx *gin.Context, err error) {
	server.logger.Warn("request aborted before ledger completion", zap.Error(err))
	ctx.AbortWithStatusJSON(http.StatusGatewayTimeout, ErrorEnvelope{Error: ErrorPayload{Code: "timeout", Message: "operation did not complete in time"}})
}
