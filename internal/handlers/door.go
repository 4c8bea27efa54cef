package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	cd "controlling_door"
	"controlling_door/internal/service"
)

const statusAccepted = "accepted"

// MoveRequest is the payload of POST /door/move.
type MoveRequest struct {
	// Percent open to move to, 0 (closed) .. 100 (fully open)
	Percent float64 `json:"percent" example:"50"`
}

// JogRequest is the payload of POST /door/jog.
type JogRequest struct {
	// Signed relative travel in millimetres
	DistanceMM float64 `json:"distance_mm" example:"-5"`
	// Optional feed rate in mm/min; defaults to the close speed
	FeedRate float64 `json:"feed_rate,omitempty" example:"600"`
}

// statusForReason maps a domain rejection to an HTTP status.
func statusForReason(reason string) int {
	switch reason {
	case service.ReasonInvalidParameter:
		return http.StatusBadRequest
	case service.ReasonNotHomed, service.ReasonAlarmActive, service.ReasonInvalidTransition:
		return http.StatusConflict
	case service.ReasonValidatorRejected:
		return http.StatusUnprocessableEntity
	case service.ReasonFaultActive, service.ReasonUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError renders a service error as {"error", "reason"} with the
// appropriate status. Safety verdicts carry their numbers along.
func (h *Handler) writeDomainError(c *gin.Context, err error) {
	var serr *service.SafetyError
	if errors.As(err, &serr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":          err.Error(),
			"reason":         service.ReasonValidatorRejected,
			"minimum_ms":     serr.MinimumMS,
			"recommended_ms": serr.RecommendedMS,
		})
		return
	}
	var derr *service.DomainError
	if errors.As(err, &derr) {
		c.JSON(statusForReason(derr.Reason), gin.H{
			"error":  err.Error(),
			"reason": derr.Reason,
		})
		return
	}
	if h.log != nil {
		h.log.Errorw("door_request_failed", "err", err)
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// acceptMotion runs a motion intent and answers 202 with the fresh snapshot.
func (h *Handler) acceptMotion(c *gin.Context, run func() error) {
	if err := run(); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status": statusAccepted,
		"state":  h.services.Door.Status(),
	})
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// @Summary      Door state snapshot
// @Tags         door
// @Produce      json
// @Success      200  {object}  controlling_door.DoorStatus
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/door/state [get]
// @Security     BearerAuth
func (h *Handler) getDoorState(c *gin.Context) {
	c.JSON(http.StatusOK, h.services.Door.Status())
}

// @Summary      Open the door
// @Tags         door
// @Produce      json
// @Success      202  {object}  map[string]interface{}  "status, state"
// @Failure      401  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/v1/door/open [post]
// @Security     BearerAuth
func (h *Handler) openDoor(c *gin.Context) {
	h.acceptMotion(c, func() error { return h.services.Door.Open(c.Request.Context()) })
}

// @Summary      Close the door
// @Tags         door
// @Produce      json
// @Success      202  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/v1/door/close [post]
// @Security     BearerAuth
func (h *Handler) closeDoor(c *gin.Context) {
	h.acceptMotion(c, func() error { return h.services.Door.Close(c.Request.Context()) })
}

// @Summary      Stop door motion
// @Description  Decelerates gracefully and settles at the nearest resting state.
// @Tags         door
// @Produce      json
// @Success      202  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/v1/door/stop [post]
// @Security     BearerAuth
func (h *Handler) stopDoor(c *gin.Context) {
	h.acceptMotion(c, func() error { return h.services.Door.Stop(c.Request.Context()) })
}

// @Summary      Run the homing cycle
// @Tags         door
// @Produce      json
// @Success      202  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/door/home [post]
// @Security     BearerAuth
func (h *Handler) homeDoor(c *gin.Context) {
	h.acceptMotion(c, func() error { return h.services.Door.Home(c.Request.Context()) })
}

// @Summary      Declare the current position closed
// @Description  Sets the work offset so the door is considered closed here, without a homing cycle.
// @Tags         door
// @Produce      json
// @Success      200  {object}  controlling_door.DoorStatus
// @Failure      401  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/door/zero [post]
// @Security     BearerAuth
func (h *Handler) zeroDoor(c *gin.Context) {
	if err := h.services.Door.Zero(c.Request.Context()); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.services.Door.Status())
}

// @Summary      Move to a percent-open position
// @Tags         door
// @Accept       json
// @Produce      json
// @Param        body  body  MoveRequest  true  "Target position"
// @Success      202  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/door/move [post]
// @Security     BearerAuth
func (h *Handler) moveDoor(c *gin.Context) {
	var req MoveRequest
	if ok := h.bindJSONOrBadRequest(c, &req); !ok {
		return
	}
	h.acceptMotion(c, func() error {
		return h.services.Door.MoveToPercent(c.Request.Context(), req.Percent)
	})
}

// @Summary      Jog by a relative distance
// @Description  Allowed before homing for installers finding the travel range.
// @Tags         door
// @Accept       json
// @Produce      json
// @Param        body  body  JogRequest  true  "Relative motion"
// @Success      202  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/door/jog [post]
// @Security     BearerAuth
func (h *Handler) jogDoor(c *gin.Context) {
	var req JogRequest
	if ok := h.bindJSONOrBadRequest(c, &req); !ok {
		return
	}
	h.acceptMotion(c, func() error {
		return h.services.Door.Jog(c.Request.Context(), req.DistanceMM, req.FeedRate)
	})
}

// @Summary      Clear a controller alarm
// @Description  Unlocks the controller; the pre-alarm motion intent is never resumed.
// @Tags         door
// @Produce      json
// @Success      200  {object}  controlling_door.DoorStatus
// @Failure      401  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/v1/door/alarm/clear [post]
// @Security     BearerAuth
func (h *Handler) clearDoorAlarm(c *gin.Context) {
	if err := h.services.Door.ClearAlarm(c.Request.Context()); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.services.Door.Status())
}

// @Summary      Door configuration
// @Tags         door
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "config, staged"
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/door/config [get]
// @Security     BearerAuth
func (h *Handler) getDoorConfig(c *gin.Context) {
	cfg, staged := h.services.Door.Config()
	c.JSON(http.StatusOK, gin.H{"config": cfg, "staged": staged})
}

// @Summary      Reconfigure the door
// @Description  Partial update; validated against the controller's acceleration before applying. Mid-motion changes are staged until the door rests.
// @Tags         door
// @Accept       json
// @Produce      json
// @Param        body  body  controlling_door.DoorConfigPatch  true  "Fields to change"
// @Success      200  {object}  map[string]interface{}  "config, staged"
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      422  {object}  map[string]string  "stop delay below the safe minimum"
// @Router       /api/v1/door/config [patch]
// @Security     BearerAuth
func (h *Handler) patchDoorConfig(c *gin.Context) {
	var patch cd.DoorConfigPatch
	if ok := h.bindJSONOrBadRequest(c, &patch); !ok {
		return
	}
	cfg, err := h.services.Door.Reconfigure(c.Request.Context(), patch)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	_, staged := h.services.Door.Config()
	c.JSON(http.StatusOK, gin.H{"config": cfg, "staged": staged})
}
