package loop

import (
	"context"
	"errors"
	"io/ioutil"
	"math"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tilinna/clock"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/internal/fixtures"
	"github.com/atlassian/harvestd/pkg/healthcheck"
	"github.com/atlassian/harvestd/pkg/processors/hostname"
	"github.com/atlassian/harvestd/pkg/sinks/carbon"
)

var testStart = time.Unix(1600000000, 0)

func mockContext() (context.Context, *clock.Mock) {
	clck := clock.NewMock(testStart)
	return clock.Context(context.Background(), clck), clck
}

func failingCollector(t *testing.T, name string) *fixtures.MockCollector {
	return &fixtures.MockCollector{
		TB:      t,
		NameStr: name,
		FnRead: func(ctx context.Context) ([]harvestd.Datapoint, error) {
			return nil, errors.New("read failed")
		},
	}
}

func panickingCollector(t *testing.T, name string) *fixtures.MockCollector {
	return &fixtures.MockCollector{
		TB:      t,
		NameStr: name,
		FnRead: func(ctx context.Context) ([]harvestd.Datapoint, error) {
			panic("boom")
		},
	}
}

func names(samples []harvestd.Sample) []string {
	result := make([]string, 0, len(samples))
	for _, s := range samples {
		result = append(result, s.Name)
	}
	return result
}

func TestTickCollectorIsolation(t *testing.T) {
	t.Parallel()
	ctx, _ := mockContext()
	sink := &fixtures.CapturingSink{NameStr: "out"}
	l := New(fixtures.NewTestLogger(t), []harvestd.Collector{
		fixtures.StaticCollector(t, "first", harvestd.NewGauge("a.1", 1), harvestd.NewGauge("a.2", 2)),
		failingCollector(t, "failing"),
		panickingCollector(t, "panicking"),
		fixtures.StaticCollector(t, "last", harvestd.NewCounter("b.1", 3)),
	}, nil, []harvestd.Sink{sink}, Options{Interval: time.Minute}, nil)

	result := l.Tick(ctx)

	assert.Equal(t, 3, result.Collected)
	assert.Equal(t, 2, result.Errors)
	assert.Equal(t, map[string]int{"out": 3}, result.Dispatched)
	require.Len(t, sink.Batches(), 1)
	assert.Equal(t, []string{"a.1", "a.2", "b.1"}, names(sink.Samples()))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.pluginErrors.WithLabelValues(kindCollector, "failing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.pluginErrors.WithLabelValues(kindCollector, "panicking")))
}

func TestTickTimestamps(t *testing.T) {
	t.Parallel()
	ctx, _ := mockContext()
	own := testStart.Add(-time.Hour)
	sink := &fixtures.CapturingSink{NameStr: "out"}
	l := New(fixtures.NewTestLogger(t), []harvestd.Collector{
		fixtures.StaticCollector(t, "c",
			fixtures.MakeDatapoint(fixtures.Name("unset")),
			fixtures.MakeDatapoint(fixtures.Name("own"), fixtures.Timestamp(own)),
		),
	}, nil, []harvestd.Sink{sink}, Options{}, nil)

	l.Tick(ctx)

	assert.Equal(t, []harvestd.Sample{
		{Name: "unset", Value: 1, Timestamp: testStart},
		{Name: "own", Value: 1, Timestamp: own},
	}, sink.Samples())
}

func TestTickDropsInvalidDatapoints(t *testing.T) {
	t.Parallel()
	ctx, _ := mockContext()
	sink := &fixtures.CapturingSink{NameStr: "out"}
	prefix := &fixtures.MockProcessor{
		TB:      t,
		NameStr: "prefix",
		FnProcess: func(dp *harvestd.Datapoint, sinks harvestd.SinkSet) (*harvestd.Datapoint, harvestd.SinkSet, error) {
			out := *dp
			out.Name = "host." + dp.Name
			return &out, sinks, nil
		},
	}
	l := New(fixtures.NewTestLogger(t), []harvestd.Collector{
		fixtures.StaticCollector(t, "c",
			harvestd.NewGauge("", 1),
			harvestd.NewGauge("nan", math.NaN()),
			harvestd.NewGauge("ok", 1),
		),
	}, []harvestd.Processor{prefix}, []harvestd.Sink{sink}, Options{}, nil)

	result := l.Tick(ctx)

	assert.Equal(t, 3, result.Collected)
	assert.Equal(t, 2, result.Dropped)
	assert.Equal(t, []string{"host.ok"}, names(sink.Samples()))
	assert.Equal(t, 2.0, testutil.ToFloat64(l.metrics.dropped.WithLabelValues(dropInvalid)))
}

func TestTickDropsInfiniteValues(t *testing.T) {
	t.Parallel()
	ctx, _ := mockContext()
	sink := &fixtures.CapturingSink{NameStr: "out"}
	rate := &fixtures.MockProcessor{
		TB:      t,
		NameStr: "rate",
		FnProcess: func(dp *harvestd.Datapoint, sinks harvestd.SinkSet) (*harvestd.Datapoint, harvestd.SinkSet, error) {
			if dp.Name != "per_second" {
				return dp, sinks, nil
			}
			out := *dp
			out.Value = math.Inf(1)
			return &out, sinks, nil
		},
	}
	l := New(fixtures.NewTestLogger(t), []harvestd.Collector{
		fixtures.StaticCollector(t, "c",
			harvestd.NewGauge("before", 1),
			harvestd.NewGauge("up", math.Inf(1)),
			harvestd.NewCounter("down", math.Inf(-1)),
			harvestd.NewGauge("per_second", 5),
			harvestd.NewGauge("after", 2),
		),
	}, []harvestd.Processor{rate}, []harvestd.Sink{sink}, Options{}, nil)

	result := l.Tick(ctx)

	assert.Equal(t, 5, result.Collected)
	assert.Equal(t, 3, result.Dropped)
	assert.Equal(t, 2, result.Dispatched["out"])
	assert.Equal(t, []string{"before", "after"}, names(sink.Samples()))
	assert.Equal(t, 3.0, testutil.ToFloat64(l.metrics.dropped.WithLabelValues(dropInvalid)))
}

func TestTickProcessorChain(t *testing.T) {
	t.Parallel()
	ctx, _ := mockContext()
	sink := &fixtures.CapturingSink{NameStr: "out"}
	var seen []string
	first := &fixtures.MockProcessor{
		TB:      t,
		NameStr: "first",
		FnProcess: func(dp *harvestd.Datapoint, sinks harvestd.SinkSet) (*harvestd.Datapoint, harvestd.SinkSet, error) {
			switch dp.Name {
			case "drop":
				return nil, sinks, nil
			case "fail":
				return nil, nil, errors.New("no")
			case "panic":
				panic("boom")
			}
			out := *dp
			out.Name = dp.Name + ".first"
			return &out, sinks, nil
		},
	}
	second := &fixtures.MockProcessor{
		TB:      t,
		NameStr: "second",
		FnProcess: func(dp *harvestd.Datapoint, sinks harvestd.SinkSet) (*harvestd.Datapoint, harvestd.SinkSet, error) {
			seen = append(seen, dp.Name)
			return dp, sinks, nil
		},
	}
	l := New(fixtures.NewTestLogger(t), []harvestd.Collector{
		fixtures.StaticCollector(t, "c",
			harvestd.NewGauge("keep", 1),
			harvestd.NewGauge("drop", 1),
			harvestd.NewGauge("fail", 1),
			harvestd.NewGauge("panic", 1),
		),
	}, []harvestd.Processor{first, second}, []harvestd.Sink{sink}, Options{}, nil)

	result := l.Tick(ctx)

	assert.Equal(t, []string{"keep.first"}, seen)
	assert.Equal(t, []string{"keep.first"}, names(sink.Samples()))
	assert.Equal(t, 3, result.Dropped)
	assert.Equal(t, 2, result.Errors)
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.dropped.WithLabelValues(dropFiltered)))
	assert.Equal(t, 2.0, testutil.ToFloat64(l.metrics.dropped.WithLabelValues(dropProcessorError)))
}

func TestTickRouting(t *testing.T) {
	t.Parallel()
	ctx, _ := mockContext()
	a := &fixtures.CapturingSink{NameStr: "a"}
	b := &fixtures.CapturingSink{NameStr: "b"}
	router := &fixtures.MockProcessor{
		TB:      t,
		NameStr: "router",
		FnProcess: func(dp *harvestd.Datapoint, sinks harvestd.SinkSet) (*harvestd.Datapoint, harvestd.SinkSet, error) {
			switch {
			case strings.HasPrefix(dp.Name, "only_a."):
				return dp, sinks.Only("a"), nil
			case strings.HasPrefix(dp.Name, "nowhere."):
				return dp, sinks.Without("a", "b"), nil
			}
			return dp, sinks, nil
		},
	}
	l := New(fixtures.NewTestLogger(t), []harvestd.Collector{
		fixtures.StaticCollector(t, "c",
			harvestd.NewGauge("only_a.x", 1),
			harvestd.NewGauge("both.x", 1),
			harvestd.NewGauge("nowhere.x", 1),
		),
	}, []harvestd.Processor{router}, []harvestd.Sink{a, b}, Options{}, nil)

	result := l.Tick(ctx)

	assert.Equal(t, []string{"only_a.x", "both.x"}, names(a.Samples()))
	assert.Equal(t, []string{"both.x"}, names(b.Samples()))
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, result.Dispatched)
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.dropped.WithLabelValues(dropNoSinks)))
}

func TestTickSinkIsolation(t *testing.T) {
	t.Parallel()
	ctx, _ := mockContext()
	failing := &fixtures.CapturingSink{
		NameStr: "failing",
		FnDispatch: func(ctx context.Context, samples ...harvestd.Sample) error {
			return errors.New("down")
		},
	}
	panicking := &fixtures.CapturingSink{
		NameStr: "panicking",
		FnDispatch: func(ctx context.Context, samples ...harvestd.Sample) error {
			panic("boom")
		},
	}
	ok := &fixtures.CapturingSink{NameStr: "ok"}
	l := New(fixtures.NewTestLogger(t), []harvestd.Collector{
		fixtures.StaticCollector(t, "c", harvestd.NewGauge("x", 1)),
	}, nil, []harvestd.Sink{failing, panicking, ok}, Options{}, nil)

	result := l.Tick(ctx)

	assert.Equal(t, 2, result.Errors)
	assert.Len(t, failing.Batches(), 1)
	assert.Len(t, panicking.Batches(), 1)
	assert.Equal(t, []string{"x"}, names(ok.Samples()))
}

func TestTickDryRun(t *testing.T) {
	t.Parallel()
	ctx, _ := mockContext()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.InfoLevel)
	sink := &fixtures.CapturingSink{NameStr: "out"}
	l := New(logger, []harvestd.Collector{
		fixtures.StaticCollector(t, "c", harvestd.NewGauge("x", 1), harvestd.NewGauge("y", 2)),
	}, nil, []harvestd.Sink{sink}, Options{DryRun: true}, nil)

	result := l.Tick(ctx)

	assert.Empty(t, sink.Batches())
	assert.Equal(t, map[string]int{"out": 2}, result.Dispatched)
	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, logrus.InfoLevel, e.Level)
		assert.Equal(t, "Dry run", e.Message)
		assert.Equal(t, "out", e.Data["sink"])
		assert.Equal(t, testStart.Unix(), e.Data["timestamp"])
	}
}

func TestTickCollectorTimeout(t *testing.T) {
	t.Parallel()
	ctx, clck := mockContext()
	release := make(chan struct{})
	slow := &fixtures.MockCollector{
		TB:      t,
		NameStr: "slow",
		FnRead: func(ctx context.Context) ([]harvestd.Datapoint, error) {
			<-release
			return []harvestd.Datapoint{harvestd.NewGauge("slow", 1)}, nil
		},
	}
	fast := fixtures.StaticCollector(t, "fast", harvestd.NewGauge("fast", 1))
	sink := &fixtures.CapturingSink{NameStr: "out"}
	l := New(fixtures.NewTestLogger(t), []harvestd.Collector{slow, fast}, nil, []harvestd.Sink{sink},
		Options{Interval: time.Minute, CollectorTimeout: 5 * time.Second}, nil)

	done := make(chan TickResult)
	go func() {
		done <- l.Tick(ctx)
	}()
	// Wait for the fast result to be delivered before expiring the deadline.
	require.Eventually(t, func() bool {
		return fast.Reads() == 1 && atomic.LoadInt32(&l.running[1]) == 0
	}, 5*time.Second, time.Millisecond)
	wallCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fixtures.NextStep(wallCtx, clck)
	result := <-done

	assert.Equal(t, []string{"slow"}, result.TimedOut)
	assert.Equal(t, []string{"fast"}, names(sink.Samples()))

	// The stale read is still in flight, so the collector is skipped.
	result = l.Tick(ctx)
	assert.Empty(t, result.TimedOut)
	assert.Equal(t, 1, slow.Reads())
	assert.Equal(t, 2, fast.Reads())

	close(release)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&l.running[0]) == 0
	}, 5*time.Second, time.Millisecond)

	result = l.Tick(ctx)
	assert.Empty(t, result.TimedOut)
	assert.Equal(t, 2, slow.Reads())
	assert.Equal(t, map[string]int{"out": 2}, result.Dispatched)
}

func TestRunSkipsOverrunTicks(t *testing.T) {
	t.Parallel()
	ctx, clck := mockContext()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var reads int32
	slow := &fixtures.MockCollector{
		TB:      t,
		NameStr: "slow",
		FnRead: func(ctx context.Context) ([]harvestd.Datapoint, error) {
			if atomic.AddInt32(&reads, 1) == 1 {
				clck.Add(25 * time.Second)
			}
			return nil, nil
		},
	}
	reg := prometheus.NewPedanticRegistry()
	l := New(fixtures.NewTestLogger(t), []harvestd.Collector{slow}, nil, nil, Options{Interval: 10 * time.Second}, reg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return l.Status().Skipped == 2
	}, 5*time.Second, time.Millisecond)

	// The next target is T+30s, five seconds after the overrun tick finished.
	wallCtx, wallCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wallCancel()
	fixtures.NextStep(wallCtx, clck)
	require.Eventually(t, func() bool {
		return l.Status().Ticks == 2
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, testStart.Add(30*time.Second), l.Status().LastTick.Time)

	cancel()
	<-done
	assert.Equal(t, 2.0, testutil.ToFloat64(l.metrics.ticksSkipped))
	assert.Equal(t, 2.0, testutil.ToFloat64(l.metrics.ticks))
}

func TestRunAligned(t *testing.T) {
	t.Parallel()
	clck := clock.NewMock(time.Unix(1003, 0))
	ctx, cancel := context.WithCancel(clock.Context(context.Background(), clck))
	defer cancel()
	readAt := make(chan time.Time, 10)
	c := &fixtures.MockCollector{
		TB:      t,
		NameStr: "c",
		FnRead: func(ctx context.Context) ([]harvestd.Datapoint, error) {
			readAt <- clock.Now(ctx)
			return nil, nil
		},
	}
	l := New(fixtures.NewTestLogger(t), []harvestd.Collector{c}, nil, nil, Options{Interval: 10 * time.Second, Align: true}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()

	wallCtx, wallCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wallCancel()
	fixtures.NextStep(wallCtx, clck)
	assert.Equal(t, time.Unix(1010, 0), <-readAt)
	fixtures.NextStep(wallCtx, clck)
	assert.Equal(t, time.Unix(1020, 0), <-readAt)

	cancel()
	<-done
}

func TestRunStartsImmediately(t *testing.T) {
	t.Parallel()
	ctx, _ := mockContext()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	readAt := make(chan time.Time, 10)
	c := &fixtures.MockCollector{
		TB:      t,
		NameStr: "c",
		FnRead: func(ctx context.Context) ([]harvestd.Datapoint, error) {
			readAt <- clock.Now(ctx)
			return nil, nil
		},
	}
	l := New(fixtures.NewTestLogger(t), []harvestd.Collector{c}, nil, nil, Options{Interval: time.Minute}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()
	assert.Equal(t, testStart, <-readAt)
	cancel()
	<-done
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()
	ctx, _ := mockContext()
	l := New(fixtures.NewTestLogger(t), []harvestd.Collector{
		fixtures.StaticCollector(t, "c"),
	}, nil, nil, Options{Interval: 10 * time.Second}, nil)
	require.Len(t, l.HealthChecks(), 1)

	_, status := l.tickingStatus(testStart)
	assert.Equal(t, healthcheck.Unhealthy, status)

	l.Tick(ctx)
	_, status = l.tickingStatus(testStart.Add(time.Second))
	assert.Equal(t, healthcheck.Healthy, status)
	msg, status := l.tickingStatus(testStart.Add(21 * time.Second))
	assert.Equal(t, healthcheck.Unhealthy, status)
	assert.Contains(t, msg, "21s")
}

func TestStatusIsCopy(t *testing.T) {
	t.Parallel()
	ctx, _ := mockContext()
	l := New(fixtures.NewTestLogger(t), []harvestd.Collector{
		fixtures.StaticCollector(t, "c", harvestd.NewGauge("x", 1)),
	}, nil, []harvestd.Sink{&fixtures.CapturingSink{NameStr: "out"}}, Options{}, nil)
	l.Tick(ctx)

	status := l.Status()
	status.LastTick.Dispatched["out"] = 100
	assert.Equal(t, 1, l.Status().LastTick.Dispatched["out"])
	assert.EqualValues(t, 1, l.Status().Ticks)
}

func TestEndToEndCarbon(t *testing.T) {
	t.Parallel()
	ctx, _ := mockContext()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	received := make(chan string, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			received <- err.Error()
			return
		}
		data, _ := ioutil.ReadAll(conn)
		_ = conn.Close()
		received <- string(data)
	}()

	sinkCfg := viper.New()
	sinkCfg.Set("host", "127.0.0.1")
	sinkCfg.Set("port", l.Addr().(*net.TCPAddr).Port)
	sink, err := carbon.NewSink(context.Background(), harvestd.PluginParams{
		Name:   "carbon",
		Type:   carbon.SinkName,
		Config: sinkCfg,
		Logger: fixtures.NewTestLogger(t),
	}, nil)
	require.NoError(t, err)

	procCfg := viper.New()
	procCfg.Set("hostname", "myhost")
	proc, err := hostname.NewProcessor(harvestd.PluginParams{
		Name:   "hostname_prefix",
		Type:   hostname.ProcessorName,
		Config: procCfg,
		Logger: fixtures.NewTestLogger(t),
	})
	require.NoError(t, err)

	lp := New(fixtures.NewTestLogger(t), []harvestd.Collector{
		fixtures.StaticCollector(t, "host",
			harvestd.NewGauge("host.cpu.load", 0.42),
			harvestd.NewGauge("host.mem.free", 1048576),
		),
	}, []harvestd.Processor{proc}, []harvestd.Sink{sink}, Options{Interval: time.Minute}, nil)

	result := lp.Tick(ctx)
	assert.Equal(t, map[string]int{"carbon": 2}, result.Dispatched)
	require.NoError(t, harvestd.MaybeClose(sink))

	assert.Equal(t, "myhost.host.cpu.load 0.42 1600000000\nmyhost.host.mem.free 1048576 1600000000\n", <-received)
}
