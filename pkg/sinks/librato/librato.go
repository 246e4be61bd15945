package librato

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/config"
	"github.com/atlassian/harvestd/pkg/transport"
	"github.com/atlassian/harvestd/pkg/util"
)

const (
	// SinkName is the name of this sink.
	SinkName = "librato"
	// DefaultURL is the default measurement submission endpoint.
	DefaultURL = "https://metrics-api.librato.com/v1/metrics"
	// DefaultMaxBatch is the default maximum number of measurements per request.
	DefaultMaxBatch = 300
	// DefaultMaxConcurrent is the default maximum number of requests in flight.
	DefaultMaxConcurrent = 10
	// DefaultTransport is the default transport pool client.
	DefaultTransport = "default"
)

// Config holds the options of the librato sink.
type Config struct {
	config.Base        `mapstructure:",squash"`
	URL                string `mapstructure:"url" validate:"required,url"`
	User               string `mapstructure:"user" validate:"required"`
	Token              string `mapstructure:"token" validate:"required"`
	MaxBatch           int    `mapstructure:"max-batch" validate:"gt=0"`
	MaxConcurrent      int    `mapstructure:"max-concurrent" validate:"gte=0"`
	Source             string `mapstructure:"source"`
	SourceFromPrefix   bool   `mapstructure:"source-from-prefix"`
	UnifiedMeasureTime bool   `mapstructure:"unified-measure-time"`
	Transport          string `mapstructure:"transport" validate:"required"`
}

type gauge struct {
	Name        string  `json:"name"`
	Value       float64 `json:"value"`
	MeasureTime int64   `json:"measure_time,omitempty"`
	Source      string  `json:"source,omitempty"`
}

type payload struct {
	Gauges      []gauge `json:"gauges"`
	MeasureTime int64   `json:"measure_time,omitempty"`
}

// Sink posts samples to the Librato metrics API as gauges, splitting large batches into concurrent
// requests.
type Sink struct {
	name               string
	url                string
	source             string
	sourceFromPrefix   bool
	unifiedMeasureTime bool
	maxBatch           int
	options            *transport.PostOptions
	requestSem         *util.Semaphore
	client             *transport.Client
	logger             logrus.FieldLogger
}

// NewSink creates a librato sink from its configuration.
func NewSink(ctx context.Context, params harvestd.PluginParams, pool *transport.TransportPool) (harvestd.Sink, error) {
	params.Config.SetDefault("url", DefaultURL)
	params.Config.SetDefault("max-batch", DefaultMaxBatch)
	params.Config.SetDefault("max-concurrent", DefaultMaxConcurrent)
	params.Config.SetDefault("transport", DefaultTransport)
	var cfg Config
	if err := config.Decode(params.Config, &cfg); err != nil {
		return nil, err
	}
	retry, err := util.RetryFromViper(params.Config, util.PolicyDisabled)
	if err != nil {
		return nil, err
	}
	client, err := pool.Get(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("transport %s: %w", cfg.Transport, err)
	}

	auth := base64.StdEncoding.EncodeToString([]byte(cfg.User + ":" + cfg.Token))
	return &Sink{
		name:               params.Name,
		url:                cfg.URL,
		source:             cfg.Source,
		sourceFromPrefix:   cfg.SourceFromPrefix,
		unifiedMeasureTime: cfg.UnifiedMeasureTime,
		maxBatch:           cfg.MaxBatch,
		options: &transport.PostOptions{
			Headers: map[string]string{"Authorization": "Basic " + auth},
			Retry:   retry,
		},
		requestSem: util.NewSemaphore(cfg.MaxConcurrent),
		client:     client,
		logger:     params.Logger,
	}, nil
}

func (s *Sink) Name() string {
	return s.name
}

// Dispatch posts the samples in chunks of at most max-batch measurements. The errors of every failed
// chunk are returned combined.
func (s *Sink) Dispatch(ctx context.Context, samples ...harvestd.Sample) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs error
	for start := 0; start < len(samples); start += s.maxBatch {
		end := start + s.maxBatch
		if end > len(samples) {
			end = len(samples)
		}
		body := s.preparePayload(samples[start:end])

		if err := s.requestSem.Acquire(ctx); err != nil {
			mu.Lock()
			errs = multierr.Append(errs, err)
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.requestSem.Release()
			if err := s.client.PostJSON(ctx, s.url, body, s.options); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errs
}

func (s *Sink) preparePayload(samples []harvestd.Sample) *payload {
	p := &payload{
		Gauges: make([]gauge, 0, len(samples)),
	}
	if s.unifiedMeasureTime && len(samples) > 0 {
		p.MeasureTime = samples[0].Timestamp.Unix()
	}
	for _, sample := range samples {
		g := gauge{
			Name:   sample.Name,
			Value:  sample.Value,
			Source: s.source,
		}
		if s.sourceFromPrefix {
			if i := strings.IndexByte(sample.Name, '.'); i > 0 && i < len(sample.Name)-1 {
				g.Source = sample.Name[:i]
				g.Name = sample.Name[i+1:]
			}
		}
		if !s.unifiedMeasureTime {
			g.MeasureTime = sample.Timestamp.Unix()
		}
		p.Gauges = append(p.Gauges, g)
	}
	return p
}
