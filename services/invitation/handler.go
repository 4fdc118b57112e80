package invitation

import (
	"net/http"
	"time"

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
	r.Admin.POST("/invitations", h.Create)
	r.Admin.GET("/invitations", h.List)

	r.User.GET("/invitations/:token", h.Get)
	r.User.POST("/invitations/:token/accept", h.Accept)
	r.User.POST("/invitations/:token/decline", h.Decline)
}

type createRequest struct {
	CreateRequest
	TTLHours int `json:"ttl_hours" binding:"gte=0"`
}

func (h *Handler) Create(c *gin.Context) {
	id, _ := middleware.IdentityFrom(c)

	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	req.AdminID = id.UserID
	req.TTL = time.Duration(req.TTLHours) * time.Hour

	inv, err := h.svc.Create(c.Request.Context(), req.CreateRequest)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

func (h *Handler) List(c *gin.Context) {
	id, _ := middleware.IdentityFrom(c)
	out, err := h.svc.List(c.Request.Context(), id.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *Handler) Get(c *gin.Context) {
	view, err := h.svc.GetByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) Accept(c *gin.Context) {
	id, _ := middleware.IdentityFrom(c)
	res, err := h.svc.Accept(c.Request.Context(), c.Param("token"), id.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Decline(c *gin.Context) {
	id, _ := middleware.IdentityFrom(c)
	inv, err := h.svc.Decline(c.Request.Context(), c.Param("token"), id.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, inv)
}
