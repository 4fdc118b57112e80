package campaign

import (
	"net/http"

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
	r.User.GET("/campaigns", h.ListMine)
	r.User.GET("/campaigns/:id", h.Get)

	r.Admin.GET("/users/:id/campaigns", h.ListForUser)
	r.Admin.GET("/campaigns/:id", h.Get)
}

func (h *Handler) ListMine(c *gin.Context) {
	id, _ := middleware.IdentityFrom(c)
	h.writeMemberships(c, id.UserID)
}

func (h *Handler) ListForUser(c *gin.Context) {
	h.writeMemberships(c, c.Param("id"))
}

func (h *Handler) writeMemberships(c *gin.Context, userID string) {
	out, err := h.svc.ListMemberships(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

// Get returns a campaign. Non-admin callers only see campaigns they take
// part in.
func (h *Handler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	campaign, err := h.svc.Get(ctx, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	id, _ := middleware.IdentityFrom(c)
	if !id.IsAdmin() {
		member := false
		for _, p := range campaign.Participants {
			if p.UserID == id.UserID {
				member = true
				break
			}
		}
		if !member {
			_ = c.Error(errutil.NotFound("campaign not found", nil))
			return
		}
	}

	c.JSON(http.StatusOK, campaign)
}
