package gemapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
)

// Idempotency records live in the user's partition, so one key covers every user.
const bootstrapIdempotencyKey = "onboarding-bootstrap"

type httpHandler struct {
	logger *zap.Logger
	ledger GemLedger
	cfg    Config
}

type holdRequest struct {
	Amount         int64           `json:"amount"`
	Metadata       json.RawMessage `json:"metadata"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type finalizeRequest struct {
	HoldID         string `json:"hold_id"`
	ActualCost     *int64 `json:"actual_cost"`
	IdempotencyKey string `json:"idempotency_key"`
}

type cancelRequest struct {
	HoldID         string `json:"hold_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type purchaseRequest struct {
	PackID         string          `json:"pack_id"`
	Metadata       json.RawMessage `json:"metadata"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type balancePayload struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	Held      int64  `json:"held"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type entryPayload struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	Change         int64           `json:"change"`
	BalanceAfter   int64           `json:"balance_after"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedAt      string          `json:"created_at"`
}

func (handler *httpHandler) handlePacks(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"packs": GemPacks()})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	handler.respondWithBalance(ctx, userID, http.StatusOK)
}

func (handler *httpHandler) handleLedger(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	limit := handler.cfg.HistoryLimit
	if raw := strings.TrimSpace(ctx.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	events, err := handler.ledger.ListEvents(requestCtx, userID, limit)
	if err != nil {
		handler.respondLedgerError(ctx, "list events", err)
		return
	}
	entries := make([]entryPayload, 0, len(events))
	for _, event := range events {
		entries = append(entries, newEntryPayload(event))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (handler *httpHandler) handleBootstrap(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	if handler.cfg.OnboardingGems > 0 {
		amount, err := ledger.NewPositiveGems(handler.cfg.OnboardingGems)
		if err != nil {
			handler.respondLedgerError(ctx, "bootstrap", err)
			return
		}
		key, err := ledger.NewIdempotencyKey(bootstrapIdempotencyKey)
		if err != nil {
			handler.respondLedgerError(ctx, "bootstrap", err)
			return
		}
		metadata, _ := ledger.NewMetadataJSON(`{"action":"bootstrap"}`)

		requestCtx, cancel := handler.requestContext(ctx)
		defer cancel()
		_, err = retryOnConflict(requestCtx, handler.cfg.ConflictRetries, handler.cfg.RetryBaseDelay, func(retryCtx context.Context) (ledger.GrantResult, error) {
			return handler.ledger.Grant(retryCtx, userID, amount, key, metadata)
		})
		// A changed onboarding size still means this user was bootstrapped once.
		if err != nil && !errors.Is(err, ledger.ErrIdempotencyKeyReused) {
			handler.respondLedgerError(ctx, "bootstrap", err)
			return
		}
	}
	handler.respondWithBalance(ctx, userID, http.StatusOK)
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	pack, found := FindGemPack(request.PackID)
	if !found {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_pack", fmt.Sprintf("unknown gem pack %q", request.PackID)))
		return
	}
	key, err := handler.idempotencyKey(ctx, request.IdempotencyKey)
	if err != nil {
		handler.respondLedgerError(ctx, "purchase", err)
		return
	}
	if key.IsZero() {
		key, err = ledger.NewIdempotencyKey(fmt.Sprintf("purchase:%s", uuid.NewString()))
		if err != nil {
			handler.respondLedgerError(ctx, "purchase", err)
			return
		}
	}
	metadata, err := parseMetadata(request.Metadata, map[string]any{"action": "purchase", "pack_id": pack.ID})
	if err != nil {
		handler.respondLedgerError(ctx, "purchase", err)
		return
	}
	amount, err := ledger.NewPositiveGems(pack.Gems)
	if err != nil {
		handler.respondLedgerError(ctx, "purchase", err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := retryOnConflict(requestCtx, handler.cfg.ConflictRetries, handler.cfg.RetryBaseDelay, func(retryCtx context.Context) (ledger.GrantResult, error) {
		return handler.ledger.Grant(retryCtx, userID, amount, key, metadata)
	})
	if err != nil {
		handler.respondLedgerError(ctx, "purchase", err)
		return
	}
	markReplayed(ctx, result.Replayed)
	ctx.JSON(http.StatusOK, gin.H{"pack": pack, "result": result})
}

func (handler *httpHandler) handleHold(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	var request holdRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := ledger.NewPositiveGems(request.Amount)
	if err != nil {
		handler.respondLedgerError(ctx, "hold", err)
		return
	}
	key, err := handler.idempotencyKey(ctx, request.IdempotencyKey)
	if err != nil {
		handler.respondLedgerError(ctx, "hold", err)
		return
	}
	metadata, err := parseMetadata(request.Metadata, nil)
	if err != nil {
		handler.respondLedgerError(ctx, "hold", err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := retryOnConflict(requestCtx, handler.cfg.ConflictRetries, handler.cfg.RetryBaseDelay, func(retryCtx context.Context) (ledger.ReserveResult, error) {
		return handler.ledger.Reserve(retryCtx, userID, amount, key, metadata)
	})
	if err != nil {
		handler.respondLedgerError(ctx, "hold", err)
		return
	}
	markReplayed(ctx, result.Replayed)
	ctx.JSON(http.StatusCreated, result)
}

func (handler *httpHandler) handleFinalize(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	var request finalizeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.ActualCost == nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_input", "actual_cost is required"))
		return
	}
	holdID, err := ledger.NewHoldID(request.HoldID)
	if err != nil {
		handler.respondLedgerError(ctx, "finalize", err)
		return
	}
	actualCost, err := ledger.NewGems(*request.ActualCost)
	if err != nil {
		handler.respondLedgerError(ctx, "finalize", err)
		return
	}
	key, err := handler.idempotencyKey(ctx, request.IdempotencyKey)
	if err != nil {
		handler.respondLedgerError(ctx, "finalize", err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := retryOnConflict(requestCtx, handler.cfg.ConflictRetries, handler.cfg.RetryBaseDelay, func(retryCtx context.Context) (ledger.FinalizeResult, error) {
		return handler.ledger.Finalize(retryCtx, userID, holdID, actualCost, key)
	})
	if err != nil {
		handler.respondLedgerError(ctx, "finalize", err)
		return
	}
	markReplayed(ctx, result.Replayed)
	ctx.JSON(http.StatusOK, result)
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	var request cancelRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	holdID, err := ledger.NewHoldID(request.HoldID)
	if err != nil {
		handler.respondLedgerError(ctx, "cancel", err)
		return
	}
	key, err := handler.idempotencyKey(ctx, request.IdempotencyKey)
	if err != nil {
		handler.respondLedgerError(ctx, "cancel", err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := retryOnConflict(requestCtx, handler.cfg.ConflictRetries, handler.cfg.RetryBaseDelay, func(retryCtx context.Context) (ledger.CancelResult, error) {
		return handler.ledger.Cancel(retryCtx, userID, holdID, key)
	})
	if err != nil {
		handler.respondLedgerError(ctx, "cancel", err)
		return
	}
	markReplayed(ctx, result.Replayed)
	ctx.JSON(http.StatusOK, result)
}

func (handler *httpHandler) respondWithBalance(ctx *gin.Context, userID ledger.UserID, status int) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.ledger.Balance(requestCtx, userID)
	if err != nil {
		handler.respondLedgerError(ctx, "balance", err)
		return
	}
	payload := balancePayload{
		UserID:  balance.UserID.String(),
		Balance: int64(balance.Available),
		Held:    int64(balance.Held),
	}
	if !balance.UpdatedAt.IsZero() {
		payload.UpdatedAt = balance.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	ctx.JSON(status, gin.H{"balance": payload})
}

// respondLedgerError maps a ledger error kind onto an HTTP status.
func (handler *httpHandler) respondLedgerError(ctx *gin.Context, action string, err error) {
	kind := ledger.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		handler.logger.Error(action+" failed", zap.String("error_kind", string(kind)), zap.Error(err))
	} else {
		handler.logger.Debug(action+" rejected", zap.String("error_kind", string(kind)), zap.Error(err))
	}
	if status >= http.StatusInternalServerError {
		ctx.JSON(status, errorResponse(string(kind), "ledger unavailable"))
		return
	}
	body := errorResponse(string(kind), err.Error())
	var insufficient *ledger.InsufficientFundsError
	if errors.As(err, &insufficient) {
		body["available"] = int64(insufficient.Available)
		body["requested"] = int64(insufficient.Requested)
	}
	ctx.JSON(status, body)
}

func statusForKind(kind ledger.ErrorKind) int {
	switch kind {
	case ledger.ErrorKindInsufficientFunds:
		return http.StatusPaymentRequired
	case ledger.ErrorKindConcurrencyConflict:
		return http.StatusConflict
	case ledger.ErrorKindNotFound:
		return http.StatusNotFound
	case ledger.ErrorKindInvalidInput:
		return http.StatusBadRequest
	case ledger.ErrorKindIdempotencyKeyReused:
		return http.StatusUnprocessableEntity
	case ledger.ErrorKindBatchFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (handler *httpHandler) requireUser(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no usable user id"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

// idempotencyKey prefers the header over the body field.
func (handler *httpHandler) idempotencyKey(ctx *gin.Context, bodyKey string) (ledger.IdempotencyKey, error) {
	raw := strings.TrimSpace(ctx.GetHeader(idempotencyKeyHeader))
	if raw == "" {
		raw = bodyKey
	}
	return ledger.NewOptionalIdempotencyKey(raw)
}

func parseMetadata(raw json.RawMessage, fallback map[string]any) (ledger.MetadataJSON, error) {
	if len(raw) == 0 || string(raw) == "null" {
		if fallback == nil {
			return ledger.MetadataJSON{}, nil
		}
		encoded, err := json.Marshal(fallback)
		if err != nil {
			return ledger.MetadataJSON{}, err
		}
		raw = encoded
	}
	return ledger.NewMetadataJSON(string(raw))
}

func newEntryPayload(event ledger.Event) entryPayload {
	return entryPayload{
		EventID:        event.ID.String(),
		Type:           string(event.Type),
		Change:         int64(event.Change),
		BalanceAfter:   int64(event.BalanceAfter),
		ReferenceID:    event.ReferenceID,
		IdempotencyKey: event.IdempotencyKey.String(),
		Metadata:       json.RawMessage(event.Metadata.String()),
		CreatedAt:      event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func markReplayed(ctx *gin.Context, replayed bool) {
	if replayed {
		ctx.Header(replayedHeader, "true")
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
