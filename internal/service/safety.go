package service

import (
	"context"
	"fmt"
	"strconv"

	cd "controlling_door"
	"controlling_door/internal/grbl"
)

// safetyMargin is the headroom applied over the computed minimum
// deceleration time.
const safetyMargin = 1.2

// SafetyError reports a stop delay too short for the mechanism to
// decelerate at the controller's configured acceleration. It carries the
// numbers the operator needs: raise the delay, lower the speed, or raise
// the controller acceleration.
type SafetyError struct {
	ConfiguredMS  float64
	MinimumMS     float64
	RecommendedMS float64
}

func (e *SafetyError) Error() string {
	return fmt.Sprintf(
		"stop delay %.0f ms is below the safe minimum: full deceleration takes %.0f ms, recommended at least %.0f ms",
		e.ConfiguredMS, e.MinimumMS, e.RecommendedMS)
}

// ValidateStopDelay checks that the configured stop delay covers a full
// deceleration from the faster of the two speeds, with a 20% margin. The
// acceleration is the controller's own setting for the configured axis,
// queried over the wire; this check never auto-corrects anything.
func ValidateStopDelay(cfg cd.DoorConfig, accelerationMMS2 float64) error {
	if accelerationMMS2 <= 0 {
		return invalidParam("controller acceleration %.3f mm/s² is not usable", accelerationMMS2)
	}
	minMS := cfg.MaxSpeedMMSec() / accelerationMMS2 * 1000.0
	recommendedMS := minMS * safetyMargin
	if float64(cfg.StopDelayMS) < recommendedMS {
		return &SafetyError{
			ConfiguredMS:  float64(cfg.StopDelayMS),
			MinimumMS:     minMS,
			RecommendedMS: recommendedMS,
		}
	}
	return nil
}

// QueryAcceleration reads the controller's acceleration setting for the
// given axis ($120 for X, $121 for Y, ...) from a full settings report.
func QueryAcceleration(ctx context.Context, c Controller, axis string) (float64, error) {
	key, ok := grbl.AccelerationSettingKey(axis)
	if !ok {
		return 0, invalidParam("no acceleration setting for axis %q", axis)
	}
	reply, err := c.Execute(ctx, grbl.SettingsDump())
	if err != nil {
		return 0, fmt.Errorf("query controller settings: %w", err)
	}
	raw, ok := grbl.SettingsMap(reply.Lines)[key]
	if !ok {
		return 0, fmt.Errorf("controller settings report has no $%s", key)
	}
	accel, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse $%s=%q: %w", key, raw, err)
	}
	return accel, nil
}
