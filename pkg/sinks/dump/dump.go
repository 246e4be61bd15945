package dump

import (
	"context"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/config"
	"github.com/atlassian/harvestd/pkg/transport"
)

// SinkName is the name of this sink.
const SinkName = "dump"

// Sink logs every sample at info level.
type Sink struct {
	name   string
	logger logrus.FieldLogger
}

// NewSink creates a dump sink.
func NewSink(ctx context.Context, params harvestd.PluginParams, pool *transport.TransportPool) (harvestd.Sink, error) {
	var cfg config.Base
	if err := config.Decode(params.Config, &cfg); err != nil {
		return nil, err
	}
	return &Sink{
		name:   params.Name,
		logger: params.Logger,
	}, nil
}

func (s *Sink) Name() string {
	return s.name
}

func (s *Sink) Dispatch(ctx context.Context, samples ...harvestd.Sample) error {
	for _, sample := range samples {
		s.logger.Info(sample.Name + " " + strconv.FormatFloat(sample.Value, 'f', -1, 64) + " " + strconv.FormatInt(sample.Timestamp.Unix(), 10))
	}
	return nil
}
