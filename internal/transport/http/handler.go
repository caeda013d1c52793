package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/richardliu001/settlement-service/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine is the settlement API the handlers drive.
type Engine interface {
	AuthorizeTransaction(ctx context.Context, accountID uint64, amount decimal.Decimal) (*model.Transaction, error)
	HandleSettlementWebhook(ctx context.Context, p model.WebhookPayload) error
	SettleTransaction(ctx context.Context, id uint64, outcome service.Outcome) (*model.Transaction, error)
	GetTransaction(ctx context.Context, id uint64) (*model.Transaction, error)
	GetAccount(ctx context.Context, id uint64) (*model.Account, error)
}

type handlers struct {
	svc Engine
	log *zap.SugaredLogger
}

// cardInfo is validated and discarded; card data is never persisted.
type cardInfo struct {
	CardNumber  string `json:"cardNumber" binding:"required"`
	ExpiryMonth string `json:"expiryMonth" binding:"required"`
	ExpiryYear  string `json:"expiryYear" binding:"required"`
	CVV         string `json:"cvv" binding:"required"`
}

type createPaymentReq struct {
	AccountID uint64          `json:"accountId" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	CardInfo  *cardInfo       `json:"cardInfo" binding:"required"`
}

func (h *handlers) createPayment(c *gin.Context) {
	var req createPaymentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, CodeValidation, "Invalid request payload", err.Error())
		return
	}
	tx, err := h.svc.AuthorizeTransaction(c.Request.Context(), req.AccountID, req.Amount)
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	ok(c, http.StatusCreated, "Payment authorized successfully", tx)
}

func (h *handlers) getTransaction(c *gin.Context) {
	id, okID := parseID(c)
	if !okID {
		return
	}
	tx, err := h.svc.GetTransaction(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, "OK", tx)
}

func (h *handlers) settleTransaction(c *gin.Context) {
	id, okID := parseID(c)
	if !okID {
		return
	}
	var outcome service.Outcome
	if err := c.ShouldBindJSON(&outcome); err != nil {
		abortWithError(c, http.StatusBadRequest, CodeValidation, "Invalid request payload", err.Error())
		return
	}
	tx, err := h.svc.SettleTransaction(c.Request.Context(), id, outcome)
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, "OK", tx)
}

func (h *handlers) getAccount(c *gin.Context) {
	id, okID := parseID(c)
	if !okID {
		return
	}
	acct, err := h.svc.GetAccount(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, "OK", acct)
}

// settlementWebhook acknowledges unknown and already-terminal references with 200 so the
// gateway stops redelivering; only persistence failures return 5xx.
func (h *handlers) settlementWebhook(c *gin.Context) {
	var p model.WebhookPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		abortWithError(c, http.StatusBadRequest, CodeValidation, "Invalid webhook payload", err.Error())
		return
	}
	if err := h.svc.HandleSettlementWebhook(c.Request.Context(), p); err != nil {
		writeServiceError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		abortWithError(c, http.StatusBadRequest, CodeValidation, "id must be a positive integer", nil)
		return 0, false
	}
	return id, true
}
