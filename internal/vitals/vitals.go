package vitals

import (
	"math"
	"time"
)

// SignalType identifies the kind of biosignal a sample carries
type SignalType string

const (
	SignalHeartRate     SignalType = "heartrate"
	SignalSpO2          SignalType = "spo2"
	SignalBloodPressure SignalType = "blood_pressure"
	SignalGlucose       SignalType = "glucose"
	SignalECG           SignalType = "ecg"
	SignalPPG           SignalType = "ppg"
	SignalPCG           SignalType = "pcg"
	SignalGPS           SignalType = "gps"
)

// KnownSignalTypes lists every signal type the pipeline accepts
var KnownSignalTypes = []SignalType{
	SignalHeartRate,
	SignalSpO2,
	SignalBloodPressure,
	SignalGlucose,
	SignalECG,
	SignalPPG,
	SignalPCG,
	SignalGPS,
}

// IsKnown reports whether t is a recognized signal type
func (t SignalType) IsKnown() bool {
	for _, known := range KnownSignalTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Status is the clinical classification of a single sample
type Status string

const (
	StatusNormal   Status = "normal"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Value holds a sample's measurement. Which fields are set depends on the
// signal type: Scalar for heartrate/spo2/glucose, Systolic+Diastolic for
// blood pressure, Series for waveform signals, Lat/Lon for gps.
type Value struct {
	Scalar    *float64  `json:"scalar,omitempty"`
	Systolic  *float64  `json:"systolic,omitempty"`
	Diastolic *float64  `json:"diastolic,omitempty"`
	Series    []float64 `json:"series,omitempty"`
	Lat       *float64  `json:"lat,omitempty"`
	Lon       *float64  `json:"lon,omitempty"`
}

// Sample is one normalized observation from a device. Immutable once created.
type Sample struct {
	PatientID  string
	DeviceID   string
	Type       SignalType
	Value      Value
	RecordedAt time.Time
}

// scalarBand defines the clinical band for a scalar signal. Bounds are
// exclusive: a value below CriticalBelow or above CriticalAbove is critical,
// then the warning bounds are checked, otherwise the value is normal.
type scalarBand struct {
	CriticalBelow float64
	CriticalAbove float64
	WarningBelow  float64
	WarningAbove  float64
}

func (b scalarBand) classify(v float64) Status {
	if v < b.CriticalBelow || v > b.CriticalAbove {
		return StatusCritical
	}
	if v < b.WarningBelow || v > b.WarningAbove {
		return StatusWarning
	}
	return StatusNormal
}

// scalarBands is the single authoritative table of clinical bands for
// scalar vitals. Signals without an entry never alert.
var scalarBands = map[SignalType]scalarBand{
	SignalHeartRate: {CriticalBelow: 40, CriticalAbove: 120, WarningBelow: 60, WarningAbove: 100},
	SignalSpO2:      {CriticalBelow: 90, CriticalAbove: math.Inf(1), WarningBelow: 95, WarningAbove: math.Inf(1)},
	SignalGlucose:   {CriticalBelow: 70, CriticalAbove: 200, WarningBelow: 80, WarningAbove: 140},
}

// bloodPressureBand uses inclusive upper bounds: a reading at or above a
// critical bound is critical, at or above a warning bound is warning.
// Either component alone can trigger.
var bloodPressureBand = struct {
	SystolicCritical  float64
	DiastolicCritical float64
	SystolicWarning   float64
	DiastolicWarning  float64
}{
	SystolicCritical:  180,
	DiastolicCritical: 120,
	SystolicWarning:   140,
	DiastolicWarning:  90,
}

// Evaluate classifies a measurement against the clinical bands for its
// signal type. It is deterministic and total: unknown types, waveform and
// location signals, and missing or NaN numeric input all classify as
// normal (fail-open, the caller logs the occurrence). Critical bounds are
// checked before warning bounds.
func Evaluate(signalType SignalType, value Value) Status {
	switch signalType {
	case SignalHeartRate, SignalSpO2, SignalGlucose:
		if value.Scalar == nil || math.IsNaN(*value.Scalar) {
			return StatusNormal
		}
		return scalarBands[signalType].classify(*value.Scalar)

	case SignalBloodPressure:
		if value.Systolic == nil || value.Diastolic == nil {
			return StatusNormal
		}
		sys, dia := *value.Systolic, *value.Diastolic
		if math.IsNaN(sys) || math.IsNaN(dia) {
			return StatusNormal
		}
		b := bloodPressureBand
		if sys >= b.SystolicCritical || dia >= b.DiastolicCritical {
			return StatusCritical
		}
		if sys >= b.SystolicWarning || dia >= b.DiastolicWarning {
			return StatusWarning
		}
		return StatusNormal

	default:
		// Waveform and location signals carry no alertable scalar.
		return StatusNormal
	}
}

// ScalarValue builds a Value holding a single scalar reading
func ScalarValue(v float64) Value {
	return Value{Scalar: &v}
}

// BloodPressureValue builds a Value holding a systolic/diastolic pair
func BloodPressureValue(systolic, diastolic float64) Value {
	return Value{Systolic: &systolic, Diastolic: &diastolic}
}
