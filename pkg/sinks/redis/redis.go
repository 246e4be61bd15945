package redis

import (
	"context"
	"fmt"

	"github.com/go-redis/redis"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/config"
	"github.com/atlassian/harvestd/pkg/transport"
)

const (
	// SinkName is the name of this sink.
	SinkName = "redis"
	// DefaultAddress is the default address of the Redis server.
	DefaultAddress = "127.0.0.1:6379"
	// DefaultKey is the default key of the history list.
	DefaultKey = "harvestd:history"
	// DefaultHistoryDepth is the default number of dispatches kept in the history list.
	DefaultHistoryDepth = 9600
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the options of the redis sink.
type Config struct {
	config.Base  `mapstructure:",squash"`
	Address      string `mapstructure:"address" validate:"required"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db" validate:"gte=0"`
	Key          string `mapstructure:"key" validate:"required"`
	HistoryDepth int64  `mapstructure:"history-depth" validate:"gt=0"`
}

// Publish is one dispatch as stored in the history list.
type Publish struct {
	TimeStamp  int64              `json:"timestamp"`
	Datapoints map[string]float64 `json:"datapoints"`
}

// Sink keeps a bounded history of dispatches in a Redis list, newest first.
type Sink struct {
	name   string
	client redis.Cmdable
	closer func() error
	key    string
	depth  int64
	logger logrus.FieldLogger
}

// NewSink creates a redis sink from its configuration.
func NewSink(ctx context.Context, params harvestd.PluginParams, pool *transport.TransportPool) (harvestd.Sink, error) {
	params.Config.SetDefault("address", DefaultAddress)
	params.Config.SetDefault("key", DefaultKey)
	params.Config.SetDefault("history-depth", DefaultHistoryDepth)
	var cfg Config
	if err := config.Decode(params.Config, &cfg); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	s := newSink(params.Name, client, cfg, params.Logger)
	s.closer = client.Close
	return s, nil
}

func newSink(name string, client redis.Cmdable, cfg Config, logger logrus.FieldLogger) *Sink {
	return &Sink{
		name:   name,
		client: client,
		key:    cfg.Key,
		depth:  cfg.HistoryDepth,
		logger: logger,
	}
}

func (s *Sink) Name() string {
	return s.name
}

// Dispatch pushes the samples as one JSON document and trims the list to the history depth. When a name
// occurs more than once, the last sample wins.
func (s *Sink) Dispatch(ctx context.Context, samples ...harvestd.Sample) error {
	p := Publish{
		Datapoints: make(map[string]float64, len(samples)),
	}
	for _, sample := range samples {
		p.Datapoints[sample.Name] = sample.Value
		if ts := sample.Timestamp.Unix(); ts > p.TimeStamp {
			p.TimeStamp = ts
		}
	}
	buf, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.client.LPush(s.key, buf).Err(); err != nil {
		return fmt.Errorf("LPUSH %s: %w", s.key, err)
	}
	if err := s.client.LTrim(s.key, 0, s.depth-1).Err(); err != nil {
		return fmt.Errorf("LTRIM %s: %w", s.key, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
