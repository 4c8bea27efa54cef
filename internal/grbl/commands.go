package grbl

import (
	"fmt"
	"strconv"
	"strings"
)

// Realtime control bytes. The controller intercepts these in its serial
// interrupt, outside the line buffer, so they work even while a command is
// executing. None of them produce an "ok" acknowledgement.
const (
	ByteStatusQuery byte = '?'  // immediate status report
	ByteFeedHold    byte = '!'  // controlled deceleration to hold
	ByteCycleStart  byte = '~'  // resume from hold
	ByteSoftReset   byte = 0x18 // ctrl-x: abort everything, may raise an alarm
	ByteQueueFlush  byte = 0x19 // ctrl-y: drop buffered motion, keep position
)

// axisOrder is the fixed axis ordering of MPos fields in status reports.
const axisOrder = "XYZABC"

// AxisIndex returns the position of a single-letter axis in status reports,
// or -1 when the letter is not a known axis.
func AxisIndex(axis string) int {
	if len(axis) != 1 {
		return -1
	}
	return strings.Index(axisOrder, strings.ToUpper(axis))
}

// AccelerationSettingKey returns the controller settings key holding the
// acceleration (mm/s²) for the given axis: $120 for X, $121 for Y, and so on.
func AccelerationSettingKey(axis string) (string, bool) {
	idx := AxisIndex(axis)
	if idx < 0 {
		return "", false
	}
	return strconv.Itoa(120 + idx), true
}

// Home builds the homing cycle command, optionally restricted to one axis.
func Home(axis string) string {
	if axis == "" {
		return "$H"
	}
	return "$H" + strings.ToUpper(axis)
}

// MoveAbsolute builds an absolute linear move to target (work coordinates)
// at the given feed rate in mm/min. G90 is restated every time so no modal
// state survives between commands.
func MoveAbsolute(axis string, targetMM, feedMMMin float64) string {
	return fmt.Sprintf("G90 G1 %s%.3f F%s", strings.ToUpper(axis), targetMM, fmtFeed(feedMMMin))
}

// MoveRelative builds a relative linear move by delta millimeters.
func MoveRelative(axis string, deltaMM, feedMMMin float64) string {
	return fmt.Sprintf("G91 G1 %s%.3f F%s", strings.ToUpper(axis), deltaMM, fmtFeed(feedMMMin))
}

// ZeroWorkOffset builds the work-offset reset declaring the current position
// as zero on the given axis.
func ZeroWorkOffset(axis string) string {
	return "G92 " + strings.ToUpper(axis) + "0"
}

// Unlock builds the alarm unlock command.
func Unlock() string {
	return "$X"
}

// SettingsDump builds the full settings report request.
func SettingsDump() string {
	return "$$"
}

// SettingQuery builds a single-setting read for firmwares that support it.
func SettingQuery(key string) string {
	return "$" + key
}

// SettingSet builds a settings write, e.g. SettingSet("120", "500.0").
func SettingSet(key, value string) string {
	return "$" + key + "=" + value
}

func fmtFeed(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
