// Package pinger probes a set of hosts with ICMP echo requests and keeps a moving average of their round
// trip times. It is the engine of the harvestd-ping helper.
package pinger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"
)

const protocolICMP = 1

// Target is a host to probe, reported under Alias.
type Target struct {
	Alias string
	Host  string
}

// Config holds the probing parameters.
type Config struct {
	// Interval between probes of a single target.
	Interval time.Duration
	// Timeout after which an unanswered probe is counted as dropped.
	Timeout time.Duration
	// EWMAFactor is the weight of a new sample in the moving average, in (0, 1].
	EWMAFactor float64
	// MaxRate is the maximum number of probes per second across all targets.
	MaxRate float64
	// Privileged uses raw ICMP sockets instead of unprivileged ICMP datagram sockets.
	Privileged bool
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	switch {
	case c.Interval <= 0:
		return errors.New("interval must be positive")
	case c.Timeout <= 0:
		return errors.New("timeout must be positive")
	case c.EWMAFactor <= 0 || c.EWMAFactor > 1:
		return errors.New("ewma factor must be in (0, 1]")
	case c.MaxRate <= 0:
		return errors.New("max rate must be positive")
	}
	return nil
}

type stats struct {
	rtt   float64
	drops uint64
}

type probe struct {
	target string
	sent   time.Time
}

// Pinger probes its targets until Run returns. Reports may be called concurrently with Run.
type Pinger struct {
	cfg     Config
	targets []Target
	conn    net.PacketConn
	limiter *rate.Limiter
	logger  logrus.FieldLogger
	resolve func(ctx context.Context, host string) (net.IP, error)
	id      int
	seq     uint32 // atomic

	mu      sync.Mutex
	stats   map[string]*stats
	pending map[uint16]probe
}

// New creates a Pinger listening on an ICMP socket.
func New(cfg Config, targets []Target, logger logrus.FieldLogger) (*Pinger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	network := "udp4"
	if cfg.Privileged {
		network = "ip4:icmp"
	}
	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", network, err)
	}
	return newPinger(cfg, targets, conn, logger), nil
}

func newPinger(cfg Config, targets []Target, conn net.PacketConn, logger logrus.FieldLogger) *Pinger {
	st := make(map[string]*stats, len(targets))
	for _, t := range targets {
		st[t.Alias] = &stats{rtt: math.NaN()}
	}
	return &Pinger{
		cfg:     cfg,
		targets: targets,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxRate), 1),
		logger:  logger,
		resolve: resolveIPv4,
		id:      os.Getpid() & 0xffff,
		stats:   st,
		pending: map[uint16]probe{},
	}
}

func resolveIPv4(ctx context.Context, host string) (net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if ip4 := addr.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("no IPv4 address for %s", host)
}

// Run probes every target until ctx is done, then closes the socket.
func (p *Pinger) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1 + len(p.targets))
	go func() {
		defer wg.Done()
		p.receive(ctx)
	}()
	for _, t := range p.targets {
		go func(t Target) {
			defer wg.Done()
			p.probeLoop(ctx, t)
		}(t)
	}
	<-ctx.Done()
	_ = p.conn.Close()
	wg.Wait()
}

func (p *Pinger) probeLoop(ctx context.Context, t Target) {
	logger := p.logger.WithField("target", t.Alias)
	ticker := clock.NewTicker(ctx, p.cfg.Interval)
	defer ticker.Stop()
	var ip net.IP
	for {
		p.expire(clock.Now(ctx))
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		if ip == nil {
			var err error
			if ip, err = p.resolve(ctx, t.Host); err != nil {
				logger.WithError(err).Debug("failed to resolve")
				p.drop(t.Alias)
			}
		}
		if ip != nil {
			if err := p.send(ctx, t.Alias, ip); err != nil {
				logger.WithError(err).Debug("failed to send probe")
				ip = nil // re-resolve on the next probe
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pinger) send(ctx context.Context, alias string, ip net.IP) error {
	seq := uint16(atomic.AddUint32(&p.seq, 1))
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{
			ID:   p.id,
			Seq:  int(seq),
			Data: []byte("harvestd-ping"),
		},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return err
	}

	var dst net.Addr = &net.UDPAddr{IP: ip}
	if p.cfg.Privileged {
		dst = &net.IPAddr{IP: ip}
	}

	p.mu.Lock()
	p.pending[seq] = probe{target: alias, sent: clock.Now(ctx)}
	p.mu.Unlock()

	if _, err := p.conn.WriteTo(b, dst); err != nil {
		p.mu.Lock()
		delete(p.pending, seq)
		p.mu.Unlock()
		p.drop(alias)
		return err
	}
	return nil
}

func (p *Pinger) receive(ctx context.Context) {
	buf := make([]byte, 1500)
	for {
		n, _, err := p.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithError(err).Warn("failed to read reply")
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
		received := clock.Now(ctx)
		msg, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil || msg.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok {
			continue
		}
		// Unprivileged sockets rewrite the identifier, and only deliver our own replies anyway.
		if p.cfg.Privileged && echo.ID != p.id {
			continue
		}
		p.reply(uint16(echo.Seq), received)
	}
}

func (p *Pinger) reply(seq uint16, received time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.pending[seq]
	if !ok {
		// Already counted as dropped.
		return
	}
	delete(p.pending, seq)
	p.observeLocked(pr.target, received.Sub(pr.sent).Seconds())
}

func (p *Pinger) observeLocked(target string, sample float64) {
	st := p.stats[target]
	if math.IsNaN(st.rtt) {
		st.rtt = sample
		return
	}
	st.rtt = p.cfg.EWMAFactor*sample + (1-p.cfg.EWMAFactor)*st.rtt
}

func (p *Pinger) expire(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for seq, pr := range p.pending {
		if now.Sub(pr.sent) >= p.cfg.Timeout {
			delete(p.pending, seq)
			p.stats[pr.target].drops++
		}
	}
}

func (p *Pinger) drop(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats[target].drops++
}

// Reports returns a snapshot of every target, sorted by alias.
func (p *Pinger) Reports() []Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	reports := make([]Report, 0, len(p.stats))
	for alias, st := range p.stats {
		reports = append(reports, Report{Target: alias, RTT: st.rtt, Drops: st.drops})
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Target < reports[j].Target
	})
	return reports
}
