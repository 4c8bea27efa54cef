package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	cd "controlling_door"
)

// PushSubscriptionRequest mirrors the browser PushSubscription JSON.
type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	P256DH   string `json:"p256dh" binding:"required"`
	Auth     string `json:"auth" binding:"required"`
}

// PushUnsubscribeRequest names the endpoint to remove.
type PushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// @Summary      VAPID public key
// @Description  Browsers need this key to create a push subscription.
// @Tags         push
// @Produce      json
// @Success      200  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      404  {object}  map[string]string  "push disabled"
// @Router       /api/v1/push/key [get]
// @Security     BearerAuth
func (h *Handler) getPushKey(c *gin.Context) {
	if h.pushPublicKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "push notifications are not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": h.pushPublicKey})
}

// @Summary      Register a push subscription
// @Tags         push
// @Accept       json
// @Produce      json
// @Param        body  body  PushSubscriptionRequest  true  "Browser subscription"
// @Success      204
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/push/subscriptions [put]
// @Security     BearerAuth
func (h *Handler) putPushSubscription(c *gin.Context) {
	var req PushSubscriptionRequest
	if ok := h.bindJSONOrBadRequest(c, &req); !ok {
		return
	}
	sub := cd.PushSubscription{
		Endpoint: req.Endpoint,
		P256DH:   req.P256DH,
		Auth:     req.Auth,
	}
	if err := h.subs.Upsert(c.Request.Context(), sub); err != nil {
		if h.log != nil {
			h.log.Errorw("push_subscription_upsert_failed", "err", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store subscription"})
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary      Remove a push subscription
// @Tags         push
// @Accept       json
// @Produce      json
// @Param        body  body  PushUnsubscribeRequest  true  "Endpoint to remove"
// @Success      204
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/push/subscriptions [delete]
// @Security     BearerAuth
func (h *Handler) deletePushSubscription(c *gin.Context) {
	var req PushUnsubscribeRequest
	if ok := h.bindJSONOrBadRequest(c, &req); !ok {
		return
	}
	if err := h.subs.Delete(c.Request.Context(), req.Endpoint); err != nil {
		if h.log != nil {
			h.log.Errorw("push_subscription_delete_failed", "err", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete subscription"})
		return
	}
	c.Status(http.StatusNoContent)
}
