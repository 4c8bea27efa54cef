package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SettingRequest is the payload of PUT /controller/settings/:key.
type SettingRequest struct {
	Value string `json:"value" binding:"required" example:"1000.000"`
}

// @Summary      Dump controller settings
// @Description  Returns every "$" setting as key/value strings.
// @Tags         controller
// @Produce      json
// @Success      200  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/v1/controller/settings [get]
// @Security     BearerAuth
func (h *Handler) getSettings(c *gin.Context) {
	m, err := h.services.Settings.Dump(c.Request.Context())
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// @Summary      Read one controller setting
// @Tags         controller
// @Produce      json
// @Param        key  path  string  true  "Setting key, with or without the $ prefix"
// @Success      200  {object}  map[string]string  "key, value"
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/controller/settings/{key} [get]
// @Security     BearerAuth
func (h *Handler) getSetting(c *gin.Context) {
	key := c.Param("key")
	v, err := h.services.Settings.Get(c.Request.Context(), key)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": v})
}

// @Summary      Write one controller setting
// @Description  Writes straight to the controller's EEPROM; use with care while the door is moving.
// @Tags         controller
// @Accept       json
// @Produce      json
// @Param        key   path  string          true  "Setting key"
// @Param        body  body  SettingRequest  true  "New value"
// @Success      200  {object}  map[string]string
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/controller/settings/{key} [put]
// @Security     BearerAuth
func (h *Handler) putSetting(c *gin.Context) {
	var req SettingRequest
	if ok := h.bindJSONOrBadRequest(c, &req); !ok {
		return
	}
	key := c.Param("key")
	if err := h.services.Settings.Set(c.Request.Context(), key, req.Value); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": req.Value})
}

// @Summary      Controller link state
// @Tags         controller
// @Produce      json
// @Success      200  {object}  grbl.ConnectionState
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/controller/connection [get]
// @Security     BearerAuth
func (h *Handler) getConnection(c *gin.Context) {
	c.JSON(http.StatusOK, h.services.Door.Connection())
}
