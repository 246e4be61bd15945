package loop

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/healthcheck"
	"github.com/atlassian/harvestd/pkg/util"
)

// Options control the pacing and behaviour of a Loop.
type Options struct {
	// Interval is the time between tick targets.
	Interval time.Duration
	// Align makes the first tick wait for the next multiple of Interval.
	Align bool
	// CollectorTimeout bounds how long a tick waits for collectors, zero waits for all of them.
	CollectorTimeout time.Duration
	// DryRun logs samples instead of dispatching them.
	DryRun bool
}

// TickResult summarises a single tick.
type TickResult struct {
	Time       time.Time      `json:"time"`
	Duration   time.Duration  `json:"duration_ns"`
	Collected  int            `json:"collected"`
	Dropped    int            `json:"dropped"`
	Dispatched map[string]int `json:"dispatched"`
	Errors     int            `json:"errors"`
	TimedOut   []string       `json:"timed_out,omitempty"`
}

// Status is the state of the loop as a whole.
type Status struct {
	Ticks    uint64      `json:"ticks"`
	Skipped  uint64      `json:"skipped"`
	LastTick *TickResult `json:"last_tick,omitempty"`
}

// Loop drives the collect, process, dispatch cycle.
type Loop struct {
	logger     logrus.FieldLogger
	collectors []harvestd.Collector
	processors []harvestd.Processor
	sinks      []harvestd.Sink
	sinkSet    harvestd.SinkSet
	opts       Options
	metrics    *metrics

	// running[i] is set while a Read of collectors[i] is in flight.
	running []int32

	statusMu sync.RWMutex
	status   Status
}

// New creates a Loop. Sinks are dispatched to in the order given. Self-metrics are registered on reg when
// it is not nil.
func New(logger logrus.FieldLogger, collectors []harvestd.Collector, processors []harvestd.Processor, sinks []harvestd.Sink, opts Options, reg prometheus.Registerer) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = harvestd.DefaultInterval
	}
	return &Loop{
		logger:     logger,
		collectors: collectors,
		processors: processors,
		sinks:      sinks,
		sinkSet:    harvestd.NewSinkSet(sinks...),
		opts:       opts,
		metrics:    newMetrics(reg),
		running:    make([]int32, len(collectors)),
	}
}

// Run ticks until the context is cancelled.
func (l *Loop) Run(ctx context.Context) {
	sched := newSchedule(clock.Now(ctx), l.opts.Interval, l.opts.Align)
	for {
		if !util.Sleep(ctx, sched.next.Sub(clock.Now(ctx))) {
			return
		}
		l.Tick(ctx)
		if skipped := sched.advance(clock.Now(ctx)); skipped > 0 {
			l.logger.WithField("skipped", skipped).Warn("Tick overran the interval, skipping ticks")
			l.metrics.ticksSkipped.Add(float64(skipped))
			l.statusMu.Lock()
			l.status.Skipped += uint64(skipped)
			l.statusMu.Unlock()
		}
	}
}

// Tick performs one collect, process and dispatch cycle and returns its summary.
func (l *Loop) Tick(ctx context.Context) TickResult {
	start := clock.Now(ctx)
	result := TickResult{
		Time:       start,
		Dispatched: make(map[string]int, len(l.sinks)),
	}

	dps := l.collect(ctx, &result)
	result.Collected = len(dps)
	l.metrics.collected.Add(float64(len(dps)))

	tsNow := clock.Now(ctx)
	batches := l.process(dps, tsNow, &result)
	l.dispatch(ctx, batches, &result)

	result.Duration = clock.Now(ctx).Sub(start)
	l.metrics.ticks.Inc()
	l.metrics.tickDuration.Observe(result.Duration.Seconds())

	l.statusMu.Lock()
	l.status.Ticks++
	l.status.LastTick = &result
	l.statusMu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"collected": result.Collected,
		"dropped":   result.Dropped,
		"duration":  result.Duration,
	}).Debug("Tick complete")
	return result
}

// collect reads every collector concurrently and returns their datapoints concatenated in registration order.
func (l *Loop) collect(ctx context.Context, result *TickResult) []harvestd.Datapoint {
	chans := make([]chan readResult, len(l.collectors))
	for i, c := range l.collectors {
		if !atomic.CompareAndSwapInt32(&l.running[i], 0, 1) {
			l.logger.WithField("collector", c.Name()).Warn("Previous read still running, skipping collector")
			continue
		}
		ch := make(chan readResult, 1)
		chans[i] = ch
		go func(i int, c harvestd.Collector) {
			defer atomic.StoreInt32(&l.running[i], 0)
			ch <- l.read(ctx, c)
		}(i, c)
	}

	var timeout <-chan time.Time
	if l.opts.CollectorTimeout > 0 {
		timer := clock.NewTimer(ctx, l.opts.CollectorTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	slots := make([]readResult, len(l.collectors))
	expired := false
	for i, ch := range chans {
		if ch == nil {
			continue
		}
		if !expired {
			select {
			case slots[i] = <-ch:
				continue
			case <-timeout:
				expired = true
			case <-ctx.Done():
				expired = true
			}
		}
		select {
		case slots[i] = <-ch:
		default:
			name := l.collectors[i].Name()
			l.logger.WithField("collector", name).Warn("Collector did not finish in time")
			l.metrics.pluginErrors.WithLabelValues(kindCollector, name).Inc()
			result.TimedOut = append(result.TimedOut, name)
		}
	}

	var dps []harvestd.Datapoint
	for _, slot := range slots {
		if slot.failed {
			result.Errors++
		}
		dps = append(dps, slot.dps...)
	}
	return dps
}

type readResult struct {
	dps    []harvestd.Datapoint
	failed bool
}

// read may outlive the tick that started it when the collector times out, so it must not touch the TickResult.
func (l *Loop) read(ctx context.Context, c harvestd.Collector) (res readResult) {
	logger := l.logger.WithField("collector", c.Name())
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Collector panicked")
			logger.Debug(string(debug.Stack()))
			l.metrics.pluginErrors.WithLabelValues(kindCollector, c.Name()).Inc()
			res = readResult{failed: true}
		}
	}()
	dps, err := c.Read(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to read collector")
		l.metrics.pluginErrors.WithLabelValues(kindCollector, c.Name()).Inc()
		return readResult{failed: true}
	}
	return readResult{dps: dps}
}

// process runs every datapoint through the processor chain and groups the survivors by sink.
func (l *Loop) process(dps []harvestd.Datapoint, tsNow time.Time, result *TickResult) map[string][]harvestd.Sample {
	batches := make(map[string][]harvestd.Sample, len(l.sinks))
	drop := func(reason string) {
		result.Dropped++
		l.metrics.dropped.WithLabelValues(reason).Inc()
	}
	for i := range dps {
		dp := dps[i]
		if err := dp.Validate(); err != nil {
			l.logger.WithError(err).WithField("name", dp.Name).Debug("Dropping invalid datapoint")
			drop(dropInvalid)
			continue
		}
		// Finalize the timestamp up front so every processor sees the same one.
		dp.Timestamp = dp.Get(tsNow).Timestamp

		out, sinks, reason := l.runChain(&dp)
		if out == nil {
			if reason == dropProcessorError {
				result.Errors++
			}
			drop(reason)
			continue
		}
		// Processors may rename or rewrite the value.
		if err := out.Validate(); err != nil {
			l.logger.WithError(err).WithField("name", out.Name).Debug("Dropping invalid datapoint")
			drop(dropInvalid)
			continue
		}
		if len(sinks) == 0 {
			l.logger.WithField("name", out.Name).Debug("Dropping datapoint with no sinks")
			drop(dropNoSinks)
			continue
		}
		sample := out.Get(tsNow)
		for name := range sinks {
			batches[name] = append(batches[name], sample)
		}
	}
	return batches
}

// runChain returns the processed datapoint and its sinks, or nil and the reason it was dropped.
func (l *Loop) runChain(dp *harvestd.Datapoint) (*harvestd.Datapoint, harvestd.SinkSet, string) {
	sinks := l.sinkSet
	for _, p := range l.processors {
		next, nextSinks, err := l.runProcessor(p, dp, sinks)
		if err != nil {
			l.logger.WithError(err).WithFields(logrus.Fields{
				"processor": p.Name(),
				"name":      dp.Name,
			}).Warn("Processor failed, dropping datapoint")
			l.metrics.pluginErrors.WithLabelValues(kindProcessor, p.Name()).Inc()
			return nil, nil, dropProcessorError
		}
		if next == nil {
			l.logger.WithFields(logrus.Fields{
				"processor": p.Name(),
				"name":      dp.Name,
			}).Debug("Processor dropped datapoint")
			return nil, nil, dropFiltered
		}
		dp, sinks = next, nextSinks
	}
	return dp, sinks, ""
}

func (l *Loop) runProcessor(p harvestd.Processor, dp *harvestd.Datapoint, sinks harvestd.SinkSet) (out *harvestd.Datapoint, outSinks harvestd.SinkSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("processor", p.Name()).Debug(string(debug.Stack()))
			out, outSinks, err = nil, nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Process(dp, sinks)
}

// dispatch hands each sink its batch concurrently and waits for all of them.
func (l *Loop) dispatch(ctx context.Context, batches map[string][]harvestd.Sample, result *TickResult) {
	var wg sync.WaitGroup
	var failures int32
	for _, s := range l.sinks {
		batch := batches[s.Name()]
		if len(batch) == 0 {
			continue
		}
		result.Dispatched[s.Name()] = len(batch)
		l.metrics.dispatched.WithLabelValues(s.Name()).Add(float64(len(batch)))
		if l.opts.DryRun {
			l.logDryRun(s.Name(), batch)
			continue
		}
		wg.Add(1)
		go func(s harvestd.Sink) {
			defer wg.Done()
			if !l.send(ctx, s, batch) {
				atomic.AddInt32(&failures, 1)
			}
		}(s)
	}
	wg.Wait()
	result.Errors += int(failures)
}

func (l *Loop) send(ctx context.Context, s harvestd.Sink, batch []harvestd.Sample) (ok bool) {
	logger := l.logger.WithField("sink", s.Name())
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Sink panicked")
			logger.Debug(string(debug.Stack()))
			l.metrics.pluginErrors.WithLabelValues(kindSink, s.Name()).Inc()
			ok = false
		}
	}()
	if err := s.Dispatch(ctx, batch...); err != nil {
		logger.WithError(err).Error("Failed to dispatch batch")
		l.metrics.pluginErrors.WithLabelValues(kindSink, s.Name()).Inc()
		return false
	}
	return true
}

func (l *Loop) logDryRun(sink string, batch []harvestd.Sample) {
	logger := l.logger.WithField("sink", sink)
	for _, sample := range batch {
		logger.WithFields(logrus.Fields{
			"name":      sample.Name,
			"value":     sample.Value,
			"timestamp": sample.Timestamp.Unix(),
		}).Info("Dry run")
	}
}

// Status returns the state of the loop and a summary of the last tick.
func (l *Loop) Status() Status {
	l.statusMu.RLock()
	defer l.statusMu.RUnlock()
	status := l.status
	if status.LastTick != nil {
		last := *status.LastTick
		last.Dispatched = make(map[string]int, len(status.LastTick.Dispatched))
		for k, v := range status.LastTick.Dispatched {
			last.Dispatched[k] = v
		}
		last.TimedOut = append([]string(nil), status.LastTick.TimedOut...)
		status.LastTick = &last
	}
	return status
}

// HealthChecks implements healthcheck.HealthCheckProvider. The loop is healthy while ticks keep completing.
func (l *Loop) HealthChecks() []healthcheck.HealthcheckFunc {
	return []healthcheck.HealthcheckFunc{l.checkTicking}
}

func (l *Loop) checkTicking() (string, healthcheck.HealthyStatus) {
	// Health checks carry no context, so this reads the wall clock.
	return l.tickingStatus(time.Now())
}

func (l *Loop) tickingStatus(now time.Time) (string, healthcheck.HealthyStatus) {
	status := l.Status()
	if status.LastTick == nil {
		return "loop: no tick completed yet", healthcheck.Unhealthy
	}
	finished := status.LastTick.Time.Add(status.LastTick.Duration)
	age := now.Sub(finished)
	if age > 2*l.opts.Interval {
		return fmt.Sprintf("loop: last tick completed %s ago", age.Truncate(time.Second)), healthcheck.Unhealthy
	}
	return "loop: ticking", healthcheck.Healthy
}
