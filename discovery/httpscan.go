package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/lebao3105/LocalTalk-sub002/tool"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

// ScanOptions tunes the HTTP subnet sweep used when multicast is
// filtered on the network.
type ScanOptions struct {
	Concurrency  int
	RateLimitPPS float64
	Timeout      time.Duration
	Port         int
}

func (o ScanOptions) withDefaults() ScanOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 32
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	if o.Port <= 0 {
		o.Port = DefaultPort
	}
	return o
}

// ScanSubnets walks every host of our attached IPv4 subnets and knocks
// on the register endpoint. Peers that answer land in the sink exactly
// like multicast sightings.
func ScanSubnets(ctx context.Context, self types.Device, opts ScanOptions, logger *log.Logger, sink func(Sighting)) error {
	opts = opts.withDefaults()
	if logger == nil {
		logger = tool.DefaultLogger
	}

	var hosts []string
	skip := map[string]bool{}
	for _, info := range tool.GetSelfNetworkInfos() {
		skip[info.IPAddress] = true
		expanded, err := tool.SubnetHosts(info.Subnet)
		if err != nil {
			logger.Debugf("[Discovery] skipping subnet %s: %v", info.Subnet, err)
			continue
		}
		hosts = append(hosts, expanded...)
	}
	if len(hosts) == 0 {
		logger.Warn("[Discovery] no scannable IPv4 subnets found")
		return nil
	}

	limit := rate.Inf
	if opts.RateLimitPPS > 0 {
		limit = rate.Limit(opts.RateLimitPPS)
	}
	limiter := rate.NewLimiter(limit, 1)

	// The probe target only needs protocol and port to build the URL.
	target := types.Device{Protocol: self.Protocol, Port: opts.Port}
	if target.Protocol == "" {
		target.Protocol = "http"
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, opts.Concurrency)
	for _, host := range hosts {
		if skip[host] {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			defer func() { <-sem }()

			probeCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
			remote, err := RegisterWithPeer(probeCtx, self, target, host)
			if err != nil {
				return
			}
			if !ShouldRespond(self, types.Announcement{Device: remote}) {
				return
			}
			sink(Sighting{Announcement: types.Announcement{Device: remote}, Address: host})
		}(host)
	}
	wg.Wait()
	return ctx.Err()
}
