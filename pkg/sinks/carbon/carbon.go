package carbon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/atlassian/harvestd"
	"github.com/atlassian/harvestd/pkg/config"
	"github.com/atlassian/harvestd/pkg/healthcheck"
	"github.com/atlassian/harvestd/pkg/transport"
	"github.com/atlassian/harvestd/pkg/util"
)

const (
	// SinkName is the name of this sink.
	SinkName = "carbon"
	// DefaultHost is the default host of the carbon receiver.
	DefaultHost = "localhost"
	// DefaultPort is the default plaintext protocol port of the carbon receiver.
	DefaultPort = 2003
	// DefaultDialTimeout is the default net.Dial timeout.
	DefaultDialTimeout = 5 * time.Second
	// DefaultWriteTimeout is the default socket write timeout.
	DefaultWriteTimeout = 30 * time.Second
	// DefaultMaxReconnects is the default number of connection retries at startup, 0 retries forever.
	DefaultMaxReconnects = 0
	// DefaultReconnectDelay is the default delay between connection attempts at startup.
	DefaultReconnectDelay = 5 * time.Second
)

var (
	regWhitespace  = regexp.MustCompile(`\s+`)
	regNonAlphaNum = regexp.MustCompile(`[^a-zA-Z\d_.-]`)
)

var errNotConnected = errors.New("not connected")

// Config holds the options of the carbon sink.
type Config struct {
	config.Base    `mapstructure:",squash"`
	Host           string        `mapstructure:"host" validate:"required"`
	Port           int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	DialTimeout    time.Duration `mapstructure:"dial-timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `mapstructure:"write-timeout" validate:"gte=0"`
	MaxReconnects  int           `mapstructure:"max-reconnects" validate:"gte=0"`
	ReconnectDelay time.Duration `mapstructure:"reconnect-delay" validate:"gt=0"`
}

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Sink writes samples to a carbon receiver using the plaintext line protocol over a long lived
// TCP connection.
type Sink struct {
	name         string
	host         string
	port         string
	writeTimeout time.Duration
	resolver     *net.Resolver
	dial         dialFunc
	logger       logrus.FieldLogger

	mu   sync.Mutex
	conn net.Conn

	// connected mirrors conn != nil for health checks, which must not wait on mu.
	connected int32
}

// NewSink creates a carbon sink and connects it, retrying as configured.
func NewSink(ctx context.Context, params harvestd.PluginParams, pool *transport.TransportPool) (harvestd.Sink, error) {
	params.Config.SetDefault("host", DefaultHost)
	params.Config.SetDefault("port", DefaultPort)
	params.Config.SetDefault("dial-timeout", DefaultDialTimeout)
	params.Config.SetDefault("write-timeout", DefaultWriteTimeout)
	params.Config.SetDefault("max-reconnects", DefaultMaxReconnects)
	params.Config.SetDefault("reconnect-delay", DefaultReconnectDelay)
	var cfg Config
	if err := config.Decode(params.Config, &cfg); err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	s := newSink(params.Name, cfg, dialer.DialContext, params.Logger)
	// Multiplier 1 with no elapsed time limit is a constant policy, bounded only by max-reconnects.
	retry := util.NewBackoffFactory(1.0, 0, cfg.ReconnectDelay, uint64(cfg.MaxReconnects))
	if err := s.connectRetrying(ctx, retry()); err != nil {
		return nil, err
	}
	return s, nil
}

func newSink(name string, cfg Config, dial dialFunc, logger logrus.FieldLogger) *Sink {
	return &Sink{
		name:         name,
		host:         cfg.Host,
		port:         strconv.Itoa(cfg.Port),
		writeTimeout: cfg.WriteTimeout,
		resolver:     net.DefaultResolver,
		dial:         dial,
		logger:       logger,
	}
}

func (s *Sink) connectRetrying(ctx context.Context, bo backoff.BackOff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := backoff.RetryNotify(func() error {
		return s.connect(ctx)
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		s.logger.WithError(err).Warnf("Unable to connect, retrying in %v", next)
	})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", net.JoinHostPort(s.host, s.port), err)
	}
	return nil
}

// connect resolves the host and tries each of its addresses in turn. s.mu must be held.
func (s *Sink) connect(ctx context.Context) error {
	addrs, err := s.resolver.LookupIPAddr(ctx, s.host)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no addresses for %s", s.host)
	}
	var errs error
	for _, addr := range addrs {
		conn, err := s.dial(ctx, "tcp", net.JoinHostPort(addr.String(), s.port))
		if err == nil {
			s.conn = conn
			atomic.StoreInt32(&s.connected, 1)
			s.logger.WithField("address", conn.RemoteAddr().String()).Debug("Connected")
			return nil
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (s *Sink) disconnect() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		atomic.StoreInt32(&s.connected, 0)
	}
}

func (s *Sink) send(buf []byte) error {
	if s.conn == nil {
		return errNotConnected
	}
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := s.conn.Write(buf)
	return err
}

func (s *Sink) Name() string {
	return s.name
}

// Dispatch writes the samples in a single send. A failed send is retried once on a new connection,
// after which the batch is dropped. Dispatch never returns an error.
func (s *Sink) Dispatch(ctx context.Context, samples ...harvestd.Sample) error {
	buf := preparePayload(samples)

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.send(buf)
	if err == nil {
		return nil
	}
	s.logger.WithError(err).Warn("Failed to send batch, reconnecting")
	s.disconnect()
	if err = s.connect(ctx); err == nil {
		if err = s.send(buf); err == nil {
			return nil
		}
		s.disconnect()
	}
	s.logger.WithError(err).WithField("samples", len(samples)).Error("Failed to resend batch, dropping it")
	return nil
}

// DeepChecks implements healthcheck.DeepCheckProvider.
func (s *Sink) DeepChecks() []healthcheck.HealthcheckFunc {
	return []healthcheck.HealthcheckFunc{s.checkConnected}
}

func (s *Sink) checkConnected() (string, healthcheck.HealthyStatus) {
	if atomic.LoadInt32(&s.connected) == 1 {
		return fmt.Sprintf("%s: connected to %s", s.name, net.JoinHostPort(s.host, s.port)), healthcheck.Healthy
	}
	return fmt.Sprintf("%s: not connected to %s", s.name, net.JoinHostPort(s.host, s.port)), healthcheck.Unhealthy
}

// Close closes the connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnect()
	return nil
}

func preparePayload(samples []harvestd.Sample) []byte {
	buf := &bytes.Buffer{}
	for _, sample := range samples {
		buf.WriteString(normalizeMetricName(sample.Name))
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatFloat(sample.Value, 'f', -1, 64))
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatInt(sample.Timestamp.Unix(), 10))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// normalizeMetricName will:
// - Replace:
// -- whitespace with "_"
// -- "/" with "-"
// - Delete:
// -- any character that is non alphanumeric, "_", ".", or "-"
func normalizeMetricName(s string) string {
	r1 := regWhitespace.ReplaceAllLiteral([]byte(s), []byte{'_'})
	r2 := bytes.Replace(r1, []byte{'/'}, []byte{'-'}, -1)
	return string(regNonAlphaNum.ReplaceAllLiteral(r2, nil))
}
