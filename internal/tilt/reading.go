package tilt

import "time"

// Physical limits of the device. Gravity outside this range is flagged as
// invalid; temperature outside the plausible band is flagged but never
// rejected, so history stays continuous.
const (
	GravityMin = 0.990
	GravityMax = 1.120

	TempPlausibleMinF = -20.0
	TempPlausibleMaxF = 212.0
)

// DecodedReading is the result of decoding one valid advertisement.
// Values are raw, before calibration.
type DecodedReading struct {
	Color      Color
	RawTempF   int
	RawGravity float64
	RSSI       int
	CapturedAt time.Time
}

// CalibratedReading is a DecodedReading with per-color offsets applied.
type CalibratedReading struct {
	Color      Color
	TempF      float64
	Gravity    float64
	RSSI       int
	CapturedAt time.Time

	// GravityOutOfRange is set when the calibrated gravity falls outside
	// [GravityMin, GravityMax]. The reading is kept regardless.
	GravityOutOfRange bool

	// TempImplausible is set when the calibrated temperature is outside
	// the -20..212F band.
	TempImplausible bool
}

// TempC returns the calibrated temperature in Celsius.
func (r CalibratedReading) TempC() float64 {
	return (r.TempF - 32) * 5 / 9
}
