package ledger

import (
	"net/http"

	"smallbiznis-billing/pkg/db/pagination"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/httpapi"
	"smallbiznis-billing/pkg/middleware"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r *httpapi.Router) {
	r.User.GET("/wallet", h.GetWallet)
	r.User.GET("/wallet/transactions", h.ListTransactions)

	r.Admin.GET("/users/:id/wallet", h.GetUserWallet)
	r.Admin.GET("/users/:id/transactions", h.ListUserTransactions)
	r.Admin.GET("/users/:id/verify-chain", h.VerifyChain)
	r.Admin.GET("/entries/:id", h.GetEntry)
	r.Admin.POST("/reconcile", h.Reconcile)
}

type walletResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

func (h *Handler) GetWallet(c *gin.Context) {
	id, _ := middleware.IdentityFrom(c)
	h.writeWallet(c, id.UserID)
}

func (h *Handler) GetUserWallet(c *gin.Context) {
	h.writeWallet(c, c.Param("id"))
}

func (h *Handler) writeWallet(c *gin.Context, userID string) {
	bal, err := h.svc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, walletResponse{UserID: userID, Balance: bal.Balance})
}

func (h *Handler) ListTransactions(c *gin.Context) {
	id, _ := middleware.IdentityFrom(c)
	h.writeTransactions(c, id.UserID)
}

func (h *Handler) ListUserTransactions(c *gin.Context) {
	h.writeTransactions(c, c.Param("id"))
}

func (h *Handler) writeTransactions(c *gin.Context, userID string) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	res, err := h.svc.ListEntries(c.Request.Context(), userID, page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetEntry(c *gin.Context) {
	entry, err := h.svc.GetEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) VerifyChain(c *gin.Context) {
	report, err := h.svc.VerifyChain(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type reconcileRequest struct {
	UserIDs []string `json:"user_ids"`
}

func (h *Handler) Reconcile(c *gin.Context) {
	var req reconcileRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid request body", err))
			return
		}
	}

	drifts, err := h.svc.Reconcile(c.Request.Context(), req.UserIDs...)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if drifts == nil {
		drifts = []Drift{}
	}
	c.JSON(http.StatusOK, gin.H{"drifts": drifts})
}
