package harvestd

import (
	"errors"
	"math"
	"time"
)

// ValueType tags how a value should be interpreted downstream. It is carried alongside a Datapoint
// but collapsed away when the Datapoint is finalized into a Sample.
type ValueType int

const (
	// Gauge is a point-in-time value.
	Gauge ValueType = iota
	// Counter is a monotonically increasing value.
	Counter
)

func (vt ValueType) String() string {
	switch vt {
	case Counter:
		return "counter"
	default:
		return "gauge"
	}
}

// ErrEmptyName is returned by Datapoint.Validate for datapoints without a name.
var ErrEmptyName = errors.New("datapoint name is empty")

// ErrNonNumeric is returned by Datapoint.Validate for NaN and infinite values, which no sink can encode.
var ErrNonNumeric = errors.New("datapoint value is not a number")

// Datapoint is a single metric sample produced by a Collector.
// A zero Timestamp means the timestamp is resolved by the loop when the Datapoint is finalized.
type Datapoint struct {
	Name      string
	Value     float64
	Type      ValueType
	Timestamp time.Time
}

// Sample is a finalized Datapoint, ready to be dispatched to a Sink.
type Sample struct {
	Name      string
	Value     float64
	Timestamp time.Time
}

// NewGauge creates a gauge Datapoint with an unset timestamp.
func NewGauge(name string, value float64) Datapoint {
	return Datapoint{Name: name, Value: value, Type: Gauge}
}

// NewCounter creates a counter Datapoint with an unset timestamp.
func NewCounter(name string, value float64) Datapoint {
	return Datapoint{Name: name, Value: value, Type: Counter}
}

// Get finalizes the Datapoint. The Datapoint's own timestamp is used if set, otherwise ts, otherwise the
// current wall clock time. Get does not modify the Datapoint.
func (dp Datapoint) Get(ts time.Time) Sample {
	switch {
	case !dp.Timestamp.IsZero():
		ts = dp.Timestamp
	case ts.IsZero():
		ts = time.Now()
	}
	return Sample{
		Name:      dp.Name,
		Value:     dp.Value,
		Timestamp: ts,
	}
}

// Validate checks the Datapoint can be sent to a Sink.
func (dp Datapoint) Validate() error {
	if dp.Name == "" {
		return ErrEmptyName
	}
	if math.IsNaN(dp.Value) || math.IsInf(dp.Value, 0) {
		return ErrNonNumeric
	}
	return nil
}
