// Package httpapi serves the provider webhook, the session-authenticated wallet API, health and metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/escrow"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/provider"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/webhook"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

const (
	WebhookPath      = "/webhooks/payments"
	HealthPath       = "/healthz"
	MetricsPath      = "/metrics"
	WalletPath       = "/api/wallet"
	TransactionsPath = "/api/wallet/transactions"
	DepositsPath     = "/api/deposits"

	HeaderSignature = "x-signature"
	HeaderRequestID = "x-request-id"

	claimsContextKey       = "auth_claims"
	defaultMaxWebhookBytes = 1 << 20
	defaultDepositsLimit   = 20
	defaultEntriesLimit    = 50
)

var ErrInvalidConfig = errors.New("httpapi: invalid configuration")

// WebhookHandler reconciles one verified provider delivery.
type WebhookHandler interface {
	Handle(ctx context.Context, delivery webhook.Delivery) (webhook.Outcome, error)
}

// Wallets is the read side of ledger.Service the wallet API uses.
type Wallets interface {
	WalletForUser(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error)
	ListTransactions(ctx context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error)
}

// Deposits opens and lists wallet top-up intents.
type Deposits interface {
	OpenDepositIntent(ctx context.Context, request webhook.DepositIntentRequest) (webhook.DepositIntent, error)
	DepositIntents(ctx context.Context, userID string, limit int) ([]webhook.DepositIntent, error)
}

// Dependencies are the services behind the routes. Wallets, Deposits and Sessions are optional
// together: without them only the webhook, health and metrics routes are served.
type Dependencies struct {
	Webhooks WebhookHandler
	Wallets  Wallets
	Deposits Deposits
	Sessions *sessionvalidator.Validator
	Metrics  http.Handler
}

// Config tunes the router.
type Config struct {
	AllowedOrigins []string
	// ProviderNetworks restricts the webhook route to these CIDRs; empty allows every source.
	ProviderNetworks []string
	TrustedProxies   []string
	MaxWebhookBytes  int64
}

type server struct {
	webhooks         WebhookHandler
	wallets          Wallets
	deposits         Deposits
	providerPrefixes []netip.Prefix
	maxWebhookBytes  int64
	logger           *zap.Logger
}

// NewRouter builds the gin engine. Callers pick the gin mode before calling it.
func NewRouter(dependencies Dependencies, config Config, logger *zap.Logger) (*gin.Engine, error) {
	if dependencies.Webhooks == nil {
		return nil, fmt.Errorf("%w: webhook handler is nil", ErrInvalidConfig)
	}
	walletAPI := dependencies.Wallets != nil || dependencies.Deposits != nil || dependencies.Sessions != nil
	if walletAPI && (dependencies.Wallets == nil || dependencies.Deposits == nil || dependencies.Sessions == nil) {
		return nil, fmt.Errorf("%w: wallet api needs wallets, deposits and sessions", ErrInvalidConfig)
	}
	prefixes, err := ParseNetworks(config.ProviderNetworks)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxWebhookBytes := config.MaxWebhookBytes
	if maxWebhookBytes <= 0 {
		maxWebhookBytes = defaultMaxWebhookBytes
	}
	handler := &server{
		webhooks:         dependencies.Webhooks,
		wallets:          dependencies.Wallets,
		deposits:         dependencies.Deposits,
		providerPrefixes: prefixes,
		maxWebhookBytes:  maxWebhookBytes,
		logger:           logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(config.TrustedProxies); err != nil {
		return nil, fmt.Errorf("%w: trusted proxies: %v", ErrInvalidConfig, err)
	}
	if len(config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET(HealthPath, func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if dependencies.Metrics != nil {
		router.GET(MetricsPath, gin.WrapH(dependencies.Metrics))
	}
	router.POST(WebhookPath, handler.requireProviderNetwork, handler.handleWebhook)

	if walletAPI {
		api := router.Group("/api")
		api.Use(dependencies.Sessions.GinMiddleware(claimsContextKey))
		api.GET("/wallet", handler.handleWallet)
		api.GET("/wallet/transactions", handler.handleTransactions)
		api.POST("/deposits", handler.handleCreateDeposit)
		api.GET("/deposits", handler.handleListDeposits)
	}
	return router, nil
}

// ParseNetworks parses CIDRs or bare addresses into prefixes.
func ParseNetworks(raw []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(raw))
	for _, value := range raw {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if !strings.Contains(trimmed, "/") {
			address, err := netip.ParseAddr(trimmed)
			if err != nil {
				return nil, fmt.Errorf("%w: provider network %q: %v", ErrInvalidConfig, trimmed, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(address, address.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: provider network %q: %v", ErrInvalidConfig, trimmed, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

func (handler *server) requireProviderNetwork(ctx *gin.Context) {
	if len(handler.providerPrefixes) == 0 {
		ctx.Next()
		return
	}
	address, err := netip.ParseAddr(ctx.ClientIP())
	if err == nil {
		address = address.Unmap()
		for _, prefix := range handler.providerPrefixes {
			if prefix.Contains(address) {
				ctx.Next()
				return
			}
		}
	}
	handler.logger.Warn("webhook from unlisted network", zap.String("client_ip", ctx.ClientIP()))
	ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "source network not allowed"))
}

func (handler *server) handleWebhook(ctx *gin.Context) {
	signature := strings.TrimSpace(ctx.GetHeader(HeaderSignature))
	requestID := strings.TrimSpace(ctx.GetHeader(HeaderRequestID))
	if signature == "" || requestID == "" {
		ctx.JSON(http.StatusUnauthorized, errorResponse("missing_signature", "signature and request id headers are required"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, handler.maxWebhookBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "body unreadable or too large"))
		return
	}
	delivery, err := webhook.ParseDelivery(body, requestID, signature)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	outcome, err := handler.webhooks.Handle(ctx.Request.Context(), delivery)
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"outcome": outcome})
	case errors.Is(err, webhook.ErrMissingSignature):
		ctx.JSON(http.StatusUnauthorized, errorResponse("missing_signature", "signature and request id headers are required"))
	case errors.Is(err, webhook.ErrSignatureInvalid):
		ctx.JSON(http.StatusForbidden, errorResponse("invalid_signature", "signature verification failed"))
	case errors.Is(err, provider.ErrTransientProvider), errors.Is(err, provider.ErrUnknownOutcome):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("provider_unavailable", "payment provider unavailable; retry later"))
	default:
		handler.logger.Error("webhook delivery failed",
			zap.String("notification_id", delivery.NotificationID),
			zap.String("payment_id", delivery.DataID),
			zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("processing_failed", "delivery not processed; retry later"))
	}
}

func (handler *server) handleWallet(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	wallet, err := handler.wallets.WalletForUser(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "wallet lookup failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": newBalancePayload(wallet.Balance())})
}

func (handler *server) handleTransactions(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	limit, err := queryInt(ctx, "limit", defaultEntriesLimit)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", err.Error()))
		return
	}
	before, err := queryInt(ctx, "before", 0)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", err.Error()))
		return
	}
	wallet, err := handler.wallets.WalletForUser(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, "wallet lookup failed", err)
		return
	}
	entries, err := handler.wallets.ListTransactions(ctx.Request.Context(), ledger.EntryFilter{
		WalletID:      wallet.WalletID,
		BeforeUnixUTC: int64(before),
		Limit:         limit,
	})
	if err != nil {
		handler.respondError(ctx, "transactions lookup failed", err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, newEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *server) handleCreateDeposit(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request depositRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := ledger.NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		handler.respondError(ctx, "deposit rejected", err)
		return
	}
	intent, err := handler.deposits.OpenDepositIntent(ctx.Request.Context(), webhook.DepositIntentRequest{
		UserID:             userID.String(),
		Purpose:            webhook.DepositPurpose(strings.TrimSpace(request.Purpose)),
		AmountCents:        amount,
		Currency:           request.Currency,
		PaymentMethodToken: request.PaymentMethodToken,
	})
	if err != nil {
		handler.respondError(ctx, "deposit intent failed", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"deposit": newDepositPayload(intent)})
}

func (handler *server) handleListDeposits(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	limit, err := queryInt(ctx, "limit", defaultDepositsLimit)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", err.Error()))
		return
	}
	intents, err := handler.deposits.DepositIntents(ctx.Request.Context(), userID.String(), limit)
	if err != nil {
		handler.respondError(ctx, "deposit listing failed", err)
		return
	}
	payload := make([]depositPayload, 0, len(intents))
	for _, intent := range intents {
		payload = append(payload, newDepositPayload(intent))
	}
	ctx.JSON(http.StatusOK, gin.H{"deposits": payload})
}

func (handler *server) respondError(ctx *gin.Context, message string, err error) {
	var rateLimitError *escrow.RateLimitError
	switch {
	case errors.As(err, &rateLimitError):
		ctx.Header("Retry-After", strconv.Itoa(int(rateLimitError.RetryAfter.Round(time.Second).Seconds())))
		ctx.JSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many attempts"))
	case errors.Is(err, ledger.ErrValidation):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, ledger.ErrInsufficientFunds):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_funds", "insufficient funds"))
	case errors.Is(err, ledger.ErrWalletNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("wallet_not_found", "wallet not found"))
	case errors.Is(err, ledger.ErrDuplicateEntry), errors.Is(err, webhook.ErrIntentExists):
		ctx.JSON(http.StatusConflict, errorResponse("conflict", "request conflicts with an earlier one"))
	default:
		handler.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", message))
	}
}

func sessionUser(ctx *gin.Context) (ledger.UserID, bool) {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func queryInt(ctx *gin.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return value, nil
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
