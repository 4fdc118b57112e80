package billing

import (
	"net/http"
	"time"

	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/httpapi"
	"smallbiznis-billing/pkg/middleware"
	"smallbiznis-billing/services/ledger"

	"github.com/gin-gonic/gin"
)

const headerIdempotencyKey = "Idempotency-Key"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r *httpapi.Router) {
	r.User.POST("/wallet/debits", h.Debit)
	r.User.POST("/campaigns", h.Launch)
	r.User.POST("/campaigns/:id/pause", h.Pause)
	r.User.POST("/campaigns/:id/resume", h.Resume)
	r.User.POST("/campaigns/:id/stop", h.Stop)
	r.User.PATCH("/participants/:id/tier", h.ChangeTier)

	r.Admin.POST("/users/:id/credits", h.AdminCredit)
	r.Admin.POST("/users/:id/debits", h.AdminDebit)
	r.Admin.POST("/users/:id/campaigns", h.AdminLaunch)
	r.Admin.DELETE("/campaigns/:id", h.Delete)
	r.Admin.POST("/billing/run", h.RunCycle)
}

type debitRequest struct {
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Description string `json:"description"`
}

type postingResponse struct {
	Entry          *ledger.LedgerEntry `json:"entry"`
	Balance        int64               `json:"balance"`
	AlreadyApplied bool                `json:"already_applied"`
}

func toPostingResponse(res *ledger.Result) postingResponse {
	return postingResponse{Entry: res.Entry, Balance: res.Balance, AlreadyApplied: res.AlreadyApplied}
}

// Debit charges the caller for a service booking.
func (h *Handler) Debit(c *gin.Context) {
	id, _ := middleware.IdentityFrom(c)

	var req debitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	desc := req.Description
	if desc == "" {
		desc = "Service booking"
	}

	var externalID string
	if key := c.GetHeader(headerIdempotencyKey); key != "" {
		externalID = "booking:" + id.UserID + ":" + key
	}

	res, err := h.svc.ApplyDebit(c.Request.Context(), DebitRequest{
		UserID:          id.UserID,
		Amount:          req.Amount,
		Purpose:         PurposeStandard,
		Type:            ledger.TypeServiceBooking,
		Description:     desc,
		ExternalEventID: externalID,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, toPostingResponse(res))
}

func (h *Handler) Launch(c *gin.Context) {
	id, _ := middleware.IdentityFrom(c)
	h.launch(c, id.UserID, id.UserID)
}

func (h *Handler) AdminLaunch(c *gin.Context) {
	id, _ := middleware.IdentityFrom(c)
	h.launch(c, c.Param("id"), id.UserID)
}

func (h *Handler) launch(c *gin.Context, userID, actorID string) {
	var req LaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	req.UserID = userID
	req.ActorID = actorID

	res, err := h.svc.LaunchCampaign(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) Pause(c *gin.Context) {
	id, _ := middleware.IdentityFrom(c)
	camp, err := h.svc.PauseCampaign(c.Request.Context(), c.Param("id"), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, camp)
}

func (h *Handler) Resume(c *gin.Context) {
	id, _ := middleware.IdentityFrom(c)
	camp, err := h.svc.ResumeCampaign(c.Request.Context(), c.Param("id"), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, camp)
}

func (h *Handler) Stop(c *gin.Context) {
	id, _ := middleware.IdentityFrom(c)
	camp, err := h.svc.StopCampaign(c.Request.Context(), c.Param("id"), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, camp)
}

type changeTierRequest struct {
	MonthlyBudget int64 `json:"monthly_budget" binding:"required,gt=0"`
}

func (h *Handler) ChangeTier(c *gin.Context) {
	id, _ := middleware.IdentityFrom(c)

	var req changeTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	res, err := h.svc.ChangeTier(c.Request.Context(), ChangeTierRequest{
		ParticipantID: c.Param("id"),
		NewBudget:     req.MonthlyBudget,
		Actor:         id,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type adminCreditRequest struct {
	Amount         int64                  `json:"amount" binding:"required,gt=0"`
	Type           ledger.TransactionType `json:"type"`
	Description    string                 `json:"description"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

var adminCreditTypes = map[ledger.TransactionType]bool{
	ledger.TypeAdminCredit:   true,
	ledger.TypeRefund:        true,
	ledger.TypeInitialCredit: true,
	ledger.TypeEarning:       true,
}

func (h *Handler) AdminCredit(c *gin.Context) {
	actor, _ := middleware.IdentityFrom(c)

	var req adminCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	if req.Type == "" {
		req.Type = ledger.TypeAdminCredit
	}
	if !adminCreditTypes[req.Type] {
		_ = c.Error(errutil.BadRequest("unsupported credit type", nil, errutil.WithDetail("type", string(req.Type))))
		return
	}
	if req.Description == "" {
		req.Description = "Admin credit"
	}

	var key string
	if req.IdempotencyKey != "" {
		key = "admin:" + c.Param("id") + ":" + req.IdempotencyKey
	}

	res, err := h.svc.ApplyCredit(c.Request.Context(), CreditRequest{
		UserID:         c.Param("id"),
		Amount:         req.Amount,
		Type:           req.Type,
		Description:    req.Description,
		IdempotencyKey: key,
		Metadata:       map[string]any{"actor_id": actor.UserID},
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, toPostingResponse(res))
}

func (h *Handler) AdminDebit(c *gin.Context) {
	actor, _ := middleware.IdentityFrom(c)

	var req debitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	if req.Description == "" {
		req.Description = "Admin deduction"
	}

	res, err := h.svc.ApplyDebit(c.Request.Context(), DebitRequest{
		UserID:      c.Param("id"),
		Amount:      req.Amount,
		Purpose:     PurposeStandard,
		Type:        ledger.TypeAdminDeduction,
		Description: req.Description,
		Metadata:    map[string]any{"actor_id": actor.UserID},
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, toPostingResponse(res))
}

func (h *Handler) Delete(c *gin.Context) {
	id, _ := middleware.IdentityFrom(c)
	if err := h.svc.DeleteCampaign(c.Request.Context(), c.Param("id"), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

type runCycleRequest struct {
	At *time.Time `json:"at"`
}

// RunCycle runs the billing cycle synchronously, for operators.
func (h *Handler) RunCycle(c *gin.Context) {
	var req runCycleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid request body", err))
			return
		}
	}
	at := h.svc.now()
	if req.At != nil {
		at = *req.At
	}

	summary, err := h.svc.RunBillingCycle(c.Request.Context(), at)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
