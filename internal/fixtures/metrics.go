package fixtures

import (
	"time"

	"github.com/atlassian/harvestd"
)

type DatapointOpt func(dp *harvestd.Datapoint)

// MakeDatapoint provides a way to build a datapoint for tests.
func MakeDatapoint(opts ...DatapointOpt) harvestd.Datapoint {
	dp := harvestd.Datapoint{
		Type:  harvestd.Gauge,
		Name:  "name",
		Value: 1,
	}
	for _, opt := range opts {
		opt(&dp)
	}
	return dp
}

func Name(n string) DatapointOpt {
	return func(dp *harvestd.Datapoint) {
		dp.Name = n
	}
}

func Value(v float64) DatapointOpt {
	return func(dp *harvestd.Datapoint) {
		dp.Value = v
	}
}

func Timestamp(ts time.Time) DatapointOpt {
	return func(dp *harvestd.Datapoint) {
		dp.Timestamp = ts
	}
}

func AsCounter(dp *harvestd.Datapoint) {
	dp.Type = harvestd.Counter
}

// SortCompare func for samples so they can be compared with require.EqualValues
// Invoke with sort.Slice(x, SortCompare(x))
func SortCompare(ss []harvestd.Sample) func(i, j int) bool {
	return func(i, j int) bool {
		if ss[i].Name == ss[j].Name {
			return ss[i].Timestamp.Before(ss[j].Timestamp)
		}
		return ss[i].Name < ss[j].Name
	}
}
