// Package netprobe measures peer round-trip times and turns them into
// transfer tuning: chunk size, concurrency and compression per link
// condition.
package netprobe

import (
	"context"
	"errors"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/lebao3105/LocalTalk-sub002/faults"
)

// Condition classifies link quality, ordered worst to best.
type Condition int

const (
	ConditionUnknown Condition = iota
	ConditionPoor
	ConditionFair
	ConditionGood
	ConditionExcellent
)

func (c Condition) String() string {
	switch c {
	case ConditionPoor:
		return "poor"
	case ConditionFair:
		return "fair"
	case ConditionGood:
		return "good"
	case ConditionExcellent:
		return "excellent"
	}
	return "unknown"
}

// Policy is the transfer tuning for one link condition.
type Policy struct {
	ChunkSize   int64
	Concurrency int
	Compress    bool
}

// PolicyTable holds the classification bands and the tuning per band.
type PolicyTable struct {
	Excellent time.Duration
	Good      time.Duration
	Fair      time.Duration
	Poor      time.Duration
	Policies  map[Condition]Policy
}

// DefaultTable reflects the stock tuning. Callers may override any band
// through configuration.
func DefaultTable() PolicyTable {
	return PolicyTable{
		Excellent: 50 * time.Millisecond,
		Good:      100 * time.Millisecond,
		Fair:      200 * time.Millisecond,
		Poor:      500 * time.Millisecond,
		Policies: map[Condition]Policy{
			ConditionExcellent: {ChunkSize: 8 << 20, Concurrency: 8, Compress: false},
			ConditionGood:      {ChunkSize: 4 << 20, Concurrency: 4, Compress: false},
			ConditionFair:      {ChunkSize: 1 << 20, Concurrency: 2, Compress: true},
			ConditionPoor:      {ChunkSize: 256 << 10, Concurrency: 1, Compress: true},
			ConditionUnknown:   {ChunkSize: 64 << 10, Concurrency: 1, Compress: true},
		},
	}
}

// Classify buckets a measured round-trip time. Beyond the poor band a
// link is treated like a failed probe.
func (t PolicyTable) Classify(rtt time.Duration) Condition {
	if rtt <= 0 {
		return ConditionUnknown
	}
	switch {
	case rtt < t.Excellent:
		return ConditionExcellent
	case rtt < t.Good:
		return ConditionGood
	case rtt < t.Fair:
		return ConditionFair
	case rtt < t.Poor:
		return ConditionPoor
	}
	return ConditionUnknown
}

// PolicyFor never returns a zero policy, unknown always has a floor.
func (t PolicyTable) PolicyFor(c Condition) Policy {
	if p, ok := t.Policies[c]; ok {
		return p
	}
	if p, ok := t.Policies[ConditionUnknown]; ok {
		return p
	}
	return Policy{ChunkSize: 64 << 10, Concurrency: 1, Compress: true}
}

// SampleFunc measures one round trip against a host.
type SampleFunc func(ctx context.Context, host string) (time.Duration, error)

const defaultWindow = 8

// Prober keeps a rolling RTT window per host and classifies from the
// window mean.
type Prober struct {
	mu      sync.Mutex
	samples map[string][]time.Duration
	window  int
	sample  SampleFunc
	table   PolicyTable
	timeout time.Duration
}

// New builds a prober over the given tuning table. A nil sampler falls
// back to PingSample.
func New(table PolicyTable, sample SampleFunc) *Prober {
	if sample == nil {
		sample = PingSample
	}
	return &Prober{
		samples: make(map[string][]time.Duration),
		window:  defaultWindow,
		sample:  sample,
		table:   table,
		timeout: 2 * time.Second,
	}
}

// Probe runs one bounded sample and folds it into the window.
func (p *Prober) Probe(ctx context.Context, host string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rtt, err := p.sample(ctx, host)
	if err != nil {
		return 0, faults.Network("netprobe", "latency probe", err)
	}
	p.Observe(host, rtt)
	return rtt, nil
}

// Observe folds an externally measured round trip into the window, e.g.
// the timing of an info request the caller already made.
func (p *Prober) Observe(host string, rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	p.mu.Lock()
	window := append(p.samples[host], rtt)
	if len(window) > p.window {
		window = window[len(window)-p.window:]
	}
	p.samples[host] = window
	p.mu.Unlock()
}

// ConditionFor classifies from the window mean. No samples means unknown.
func (p *Prober) ConditionFor(host string) Condition {
	p.mu.Lock()
	window := p.samples[host]
	var total time.Duration
	for _, rtt := range window {
		total += rtt
	}
	n := len(window)
	p.mu.Unlock()

	if n == 0 {
		return ConditionUnknown
	}
	return p.table.Classify(total / time.Duration(n))
}

// PolicyFor resolves the current tuning for a host.
func (p *Prober) PolicyFor(host string) (Condition, Policy) {
	c := p.ConditionFor(host)
	return c, p.table.PolicyFor(c)
}

// Forget drops a host's window, used when discovery loses the peer.
func (p *Prober) Forget(host string) {
	p.mu.Lock()
	delete(p.samples, host)
	p.mu.Unlock()
}

// PingSample measures one unprivileged UDP echo round trip.
func PingSample(ctx context.Context, host string) (time.Duration, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return 0, err
	}
	pinger.Count = 1
	pinger.SetPrivileged(false)
	if deadline, ok := ctx.Deadline(); ok {
		pinger.Timeout = time.Until(deadline)
	}
	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, errors.New("no echo reply")
	}
	return stats.AvgRtt, nil
}
