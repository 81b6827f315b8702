// Package httpserver is the request layer over the funnel service: gin routes
// mirroring the onboarding endpoints, with the domain error taxonomy mapped to
// transport status codes.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dreamstageindia/welcome-dreamstage-tech/pkg/funnel"
)

// Run boots the HTTP facade and blocks until the context is cancelled.
func Run(ctx context.Context, config Config, service *funnel.Service, logger *zap.Logger) error {
	config = config.withDefaults()
	router := NewRouter(config, service, logger)

	server := &http.Server{
		Addr:    config.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("funnel api listening", zap.String("addr", config.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine; split out so tests can drive it directly.
func NewRouter(config Config, service *funnel.Service, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &httpHandler{service: service, logger: logger, gatewayKeyID: config.GatewayKeyID}

	api := router.Group("/api")
	api.POST("/otp/send", handler.handleOTPSend)
	api.POST("/otp/verify", handler.handleOTPVerify)
	api.POST("/invites/check", handler.handleInviteCheck)
	api.POST("/invites/claim", handler.handleInviteClaim)
	api.POST("/invites/consume", handler.handleInviteConsume)
	api.GET("/pay/preview", handler.handlePayPreview)
	api.POST("/pay/order", handler.handlePayOrder)
	api.POST("/pay/verify", handler.handlePayVerify)

	return router
}

type httpHandler struct {
	service      *funnel.Service
	logger       *zap.Logger
	gatewayKeyID string
}

type otpSendRequest struct {
	AccountID string `json:"accountId"`
	SessionID string `json:"sessionId"`
	Phone     string `json:"phone"`
}

func (handler *httpHandler) handleOTPSend(ctx *gin.Context) {
	var request otpSendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	phone, err := funnel.NewPhoneNumber(request.Phone)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	accountID, err := handler.resolveAccount(ctx, request.AccountID, request.SessionID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	issue, err := handler.service.IssueChallenge(ctx.Request.Context(), accountID, phone)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	// The code itself is never returned or logged.
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "accountId": accountID.String(), "expiresAt": issue.ExpiresAt})
}

type otpVerifyRequest struct {
	AccountID string `json:"accountId"`
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

func (handler *httpHandler) handleOTPVerify(ctx *gin.Context) {
	var request otpVerifyRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := handler.resolveAccount(ctx, request.AccountID, request.SessionID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	result, err := handler.service.VerifyChallenge(ctx.Request.Context(), accountID, request.Code)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"verified":  true,
		"accountId": result.AccountID,
		"joinOrder": result.Rank,
	})
}

type inviteRequest struct {
	Code      string `json:"code"`
	AccountID string `json:"accountId"`
}

func (handler *httpHandler) handleInviteCheck(ctx *gin.Context) {
	var request inviteRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	token, err := funnel.NewInviteToken(request.Code)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	status, err := handler.service.CheckInvite(ctx.Request.Context(), token)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "remaining": status.Remaining, "expiresAt": status.ExpiresAt})
}

func (handler *httpHandler) handleInviteClaim(ctx *gin.Context) {
	var request inviteRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	token, err := funnel.NewInviteToken(request.Code)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	accountID, err := funnel.NewAccountID(request.AccountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	status, err := handler.service.StageInvite(ctx.Request.Context(), accountID, token)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "remaining": status.Remaining})
}

func (handler *httpHandler) handleInviteConsume(ctx *gin.Context) {
	var request inviteRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	token, err := funnel.NewInviteToken(request.Code)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	accountID, err := funnel.NewAccountID(request.AccountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	consumption, err := handler.service.ConsumeInvite(ctx.Request.Context(), token, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "remaining": consumption.Remaining})
}

func (handler *httpHandler) handlePayPreview(ctx *gin.Context) {
	preview, err := handler.service.PreviewPrice(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"nextNumber":  preview.NextNumber,
		"amountPaise": preview.AmountPaise,
	})
}

type payOrderRequest struct {
	Phone string `json:"phone"`
}

func (handler *httpHandler) handlePayOrder(ctx *gin.Context) {
	var request payOrderRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	phone, err := funnel.NewPhoneNumber(request.Phone)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	account, err := handler.service.AccountByPhone(ctx.Request.Context(), phone)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	accountID, err := funnel.NewAccountID(account.AccountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	details, err := handler.service.CreateOrder(ctx.Request.Context(), accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"keyId":          handler.gatewayKeyID,
		"orderId":        details.OrderRef,
		"amount":         details.AmountPaise,
		"currency":       details.Currency,
		"reservedNumber": details.SlotNumber,
		"name":           details.Name,
		"contact":        phone.Digits(),
	})
}

type payVerifyRequest struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

func (handler *httpHandler) handlePayVerify(ctx *gin.Context) {
	var request payVerifyRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	orderRef, err := funnel.NewOrderRef(request.OrderID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	result, err := handler.service.VerifyPayment(ctx.Request.Context(), funnel.PaymentProof{
		OrderRef:  orderRef,
		PaymentID: request.PaymentID,
		Signature: request.Signature,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"status":    result.Status.String(),
		"number":    result.SlotNumber,
		"code":      result.SlotCode,
		"amount":    result.AmountPaise,
		"validTill": result.ValidTill,
	})
}

func (handler *httpHandler) resolveAccount(ctx *gin.Context, accountID string, sessionID string) (funnel.AccountID, error) {
	if accountID != "" {
		return funnel.NewAccountID(accountID)
	}
	session, err := funnel.NewSessionID(sessionID)
	if err != nil {
		return funnel.AccountID{}, err
	}
	account, err := handler.service.RegisterAccount(ctx.Request.Context(), session)
	if err != nil {
		return funnel.AccountID{}, err
	}
	return funnel.NewAccountID(account.AccountID)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := mapError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("funnel request failed", zap.String("code", code), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

// mapError translates the domain taxonomy into transport status codes.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, funnel.ErrInviteRequired):
		return http.StatusForbidden, "invite_required"
	case errors.Is(err, funnel.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, funnel.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, funnel.ErrExhausted):
		return http.StatusConflict, "exhausted"
	case errors.Is(err, funnel.ErrExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, funnel.ErrSignatureMismatch):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, funnel.ErrUpstream):
		return http.StatusBadGateway, "upstream_unavailable"
	case errors.Is(err, funnel.ErrIllegalState):
		return http.StatusInternalServerError, "illegal_state"
	case errors.Is(err, funnel.ErrInvalidServiceConfig):
		return http.StatusInternalServerError, "misconfigured"
	case errors.Is(err, funnel.ErrInvalidPhone),
		errors.Is(err, funnel.ErrInvalidSessionID),
		errors.Is(err, funnel.ErrInvalidAccountID),
		errors.Is(err, funnel.ErrInvalidChallengeCode),
		errors.Is(err, funnel.ErrInvalidInviteToken),
		errors.Is(err, funnel.ErrInvalidOrderRef),
		errors.Is(err, funnel.ErrInvalidAmountPaise),
		errors.Is(err, funnel.ErrInvalidInviteUses):
		return http.StatusBadRequest, "invalid_input"
	}
	return http.StatusInternalServerError, "internal"
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
