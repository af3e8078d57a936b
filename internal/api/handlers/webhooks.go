package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printdesk/internal/config"
	"github.com/orrn/printdesk/internal/webhook"
)

// WebhookTester is satisfied by *webhook.Sender.
type WebhookTester interface {
	Hooks() []config.WebhookConfig
	Test(ctx context.Context, i int) error
}

type WebhookResponse struct {
	ID         int      `json:"id"`
	URL        string   `json:"url"`
	Events     []string `json:"events"`
	Recipients []string `json:"recipients"`
	Signed     bool     `json:"signed"`
}

type TestWebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type WebhookHandler struct {
	sender WebhookTester
}

func NewWebhookHandler(sender WebhookTester) *WebhookHandler {
	return &WebhookHandler{sender: sender}
}

func webhookToResponse(i int, w config.WebhookConfig) WebhookResponse {
	resp := WebhookResponse{
		ID:         i,
		URL:        w.URL,
		Events:     w.Events,
		Recipients: w.Recipients,
		Signed:     w.Secret != "",
	}
	if resp.Events == nil {
		resp.Events = []string{"*"}
	}
	if resp.Recipients == nil {
		resp.Recipients = []string{"*"}
	}
	return resp
}

func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	hooks := h.sender.Hooks()
	resp := make([]WebhookResponse, 0, len(hooks))
	for i, w := range hooks {
		resp = append(resp, webhookToResponse(i, w))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *WebhookHandler) TestWebhook(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid webhook id")
		return
	}

	if err := h.sender.Test(c.Request.Context(), id); err != nil {
		if errors.Is(err, webhook.ErrUnknownHook) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, TestWebhookResponse{Success: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, TestWebhookResponse{Success: true, Message: "Test webhook delivered"})
}

func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks", h.ListWebhooks)
	r.POST("/webhooks/:id/test", h.TestWebhook)
}
