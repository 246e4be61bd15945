package cloudwatch

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/config"
	"github.com/atlassian/harvestd/pkg/transport"
)

const (
	// SinkName is the name of this sink.
	SinkName = "cloudwatch"
	// DefaultNamespace is the default CloudWatch namespace of the metrics.
	DefaultNamespace = "harvestd"
	// DefaultTransport is the default transport pool client.
	DefaultTransport = "default"
)

// Maximum number of dimensions per metric
// https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/cloudwatch_limits.html
const maxDimensions = 10

// Maximum number of datums per PutMetricData request.
const maxDatums = 20

// Config holds the options of the cloudwatch sink.
type Config struct {
	config.Base `mapstructure:",squash"`
	Namespace   string            `mapstructure:"namespace" validate:"required"`
	Region      string            `mapstructure:"region"`
	Dimensions  map[string]string `mapstructure:"dimensions" validate:"lte=10"`
	Transport   string            `mapstructure:"transport" validate:"required"`
}

// Sink sends samples to AWS CloudWatch.
type Sink struct {
	name       string
	cloudwatch cloudwatchiface.CloudWatchAPI
	namespace  string
	dimensions []*cloudwatch.Dimension
	logger     logrus.FieldLogger
}

// NewSink creates a cloudwatch sink from its configuration. Credentials and region are found the usual
// AWS SDK way unless the region is configured.
func NewSink(ctx context.Context, params harvestd.PluginParams, pool *transport.TransportPool) (harvestd.Sink, error) {
	params.Config.SetDefault("namespace", DefaultNamespace)
	params.Config.SetDefault("transport", DefaultTransport)
	var cfg Config
	if err := config.Decode(params.Config, &cfg); err != nil {
		return nil, err
	}
	client, err := pool.Get(cfg.Transport)
	if err != nil {
		return nil, err
	}

	awsConfig := aws.NewConfig().WithHTTPClient(client.Client)
	if cfg.Region != "" {
		awsConfig = awsConfig.WithRegion(cfg.Region)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, err
	}
	return newSink(params.Name, cloudwatch.New(sess), cfg, params.Logger), nil
}

func newSink(name string, api cloudwatchiface.CloudWatchAPI, cfg Config, logger logrus.FieldLogger) *Sink {
	keys := make([]string, 0, len(cfg.Dimensions))
	for k := range cfg.Dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	dimensions := make([]*cloudwatch.Dimension, 0, len(keys))
	for _, k := range keys {
		dimensions = append(dimensions, &cloudwatch.Dimension{
			Name:  aws.String(k),
			Value: aws.String(cfg.Dimensions[k]),
		})
	}
	if len(dimensions) > maxDimensions {
		logger.Warnf("Too many dimensions (%d) specified, truncating to %d", len(dimensions), maxDimensions)
		dimensions = dimensions[:maxDimensions]
	}
	return &Sink{
		name:       name,
		cloudwatch: api,
		namespace:  cfg.Namespace,
		dimensions: dimensions,
		logger:     logger,
	}
}

func (s *Sink) Name() string {
	return s.name
}

func (s *Sink) buildMetricData(samples []harvestd.Sample) []*cloudwatch.MetricDatum {
	metricData := make([]*cloudwatch.MetricDatum, 0, len(samples))
	for _, sample := range samples {
		metricData = append(metricData, &cloudwatch.MetricDatum{
			MetricName: aws.String(sample.Name),
			Timestamp:  aws.Time(sample.Timestamp),
			Unit:       aws.String(cloudwatch.StandardUnitNone),
			Value:      aws.Float64(sample.Value),
			Dimensions: s.dimensions,
		})
	}
	return metricData
}

// Dispatch sends the samples in requests of at most 20 datums, the CloudWatch API limit.
func (s *Sink) Dispatch(ctx context.Context, samples ...harvestd.Sample) error {
	metricData := s.buildMetricData(samples)
	var errs error
	for start := 0; start < len(metricData); start += maxDatums {
		end := start + maxDatums
		if end > len(metricData) {
			end = len(metricData)
		}
		_, err := s.cloudwatch.PutMetricDataWithContext(ctx, &cloudwatch.PutMetricDataInput{
			MetricData: metricData[start:end],
			Namespace:  aws.String(s.namespace),
		})
		errs = multierr.Append(errs, err)
	}
	return errs
}
