package payment

import (
	"io"
	"net/http"

	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/httpapi"

	"github.com/gin-gonic/gin"
)

const maxPayloadBytes = 64 << 10

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r *httpapi.Router) {
	r.Public.POST("/webhooks/stripe", h.Stripe)
}

func (h *Handler) Stripe(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable webhook payload"})
		return
	}

	if _, err := h.svc.HandleWebhook(c.Request.Context(), payload, c.GetHeader(HeaderSignature)); err != nil {
		// client faults answer {"error": message}; server faults use the shared envelope
		if be, ok := errutil.As(err); ok && be.Code.HTTPStatus() < http.StatusInternalServerError {
			c.JSON(be.Code.HTTPStatus(), gin.H{"error": be.Message})
			return
		}
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
