package netstate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger checks that the store answers. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// Prober pings the store on an interval and feeds the result into a Machine.
type Prober struct {
	machine  *Machine
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber creates a prober. Each ping is bounded by timeout. Zero values
// take the defaults.
func NewProber(m *Machine, p Pinger, interval, timeout time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		machine:  m,
		pinger:   p,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Probe pings the store once and returns the resulting state.
func (p *Prober) Probe(ctx context.Context) State {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.PingContext(ctx)
	if err != nil && ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
		// Caller cancelled; the ping says nothing about the store.
		return p.machine.Current()
	}
	before := p.machine.Current()
	after := p.machine.Observe(err)
	if before != after {
		p.logger.Info("store reachability changed",
			zap.String("from", string(before)),
			zap.String("to", string(after)),
			zap.Error(err))
	}
	return after
}

// Start probes immediately and then every interval until Stop. Calling Start
// on a running prober does nothing.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
}

// Stop stops probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel, p.done = nil, nil
}

func (p *Prober) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}
