package fixtures

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atlassian/harvestd"
)

// MockCollector implements harvestd.Collector
type MockCollector struct {
	TB       testing.TB
	NameStr  string
	FnRead   func(ctx context.Context) ([]harvestd.Datapoint, error)
	FnClose  func() error
	readsMu  sync.Mutex
	numReads int
}

func (m *MockCollector) Name() string {
	return m.NameStr
}

func (m *MockCollector) Read(ctx context.Context) ([]harvestd.Datapoint, error) {
	m.readsMu.Lock()
	m.numReads++
	m.readsMu.Unlock()
	if m.FnRead != nil {
		return m.FnRead(ctx)
	}
	assert.Fail(m.TB, "Collector.Read must not be called")
	return nil, nil
}

// Reads returns how many times Read was called.
func (m *MockCollector) Reads() int {
	m.readsMu.Lock()
	defer m.readsMu.Unlock()
	return m.numReads
}

// StaticCollector returns a MockCollector which always reads the supplied datapoints.
func StaticCollector(tb testing.TB, name string, dps ...harvestd.Datapoint) *MockCollector {
	return &MockCollector{
		TB:      tb,
		NameStr: name,
		FnRead: func(ctx context.Context) ([]harvestd.Datapoint, error) {
			return append([]harvestd.Datapoint(nil), dps...), nil
		},
	}
}

// MockProcessor implements harvestd.Processor
type MockProcessor struct {
	TB        testing.TB
	NameStr   string
	FnProcess func(dp *harvestd.Datapoint, sinks harvestd.SinkSet) (*harvestd.Datapoint, harvestd.SinkSet, error)
}

func (m *MockProcessor) Name() string {
	return m.NameStr
}

func (m *MockProcessor) Process(dp *harvestd.Datapoint, sinks harvestd.SinkSet) (*harvestd.Datapoint, harvestd.SinkSet, error) {
	if m.FnProcess != nil {
		return m.FnProcess(dp, sinks)
	}
	assert.Fail(m.TB, "Processor.Process must not be called")
	return nil, nil, nil
}

// CapturingSink implements harvestd.Sink, recording every batch it is given.
type CapturingSink struct {
	NameStr    string
	FnDispatch func(ctx context.Context, samples ...harvestd.Sample) error

	mu      sync.Mutex
	batches [][]harvestd.Sample
}

func (c *CapturingSink) Name() string {
	return c.NameStr
}

func (c *CapturingSink) Dispatch(ctx context.Context, samples ...harvestd.Sample) error {
	c.mu.Lock()
	c.batches = append(c.batches, append([]harvestd.Sample(nil), samples...))
	c.mu.Unlock()
	if c.FnDispatch != nil {
		return c.FnDispatch(ctx, samples...)
	}
	return nil
}

// Batches returns a copy of every batch dispatched so far.
func (c *CapturingSink) Batches() [][]harvestd.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]harvestd.Sample(nil), c.batches...)
}

// Samples returns every sample dispatched so far, flattened.
func (c *CapturingSink) Samples() []harvestd.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []harvestd.Sample
	for _, b := range c.batches {
		result = append(result, b...)
	}
	return result
}
