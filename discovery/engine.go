package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lebao3105/LocalTalk-sub002/faults"
	"github.com/lebao3105/LocalTalk-sub002/netprobe"
	"github.com/lebao3105/LocalTalk-sub002/registry"
	"github.com/lebao3105/LocalTalk-sub002/tool"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

// State is the engine lifecycle position.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateDiscovering
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateDiscovering:
		return "discovering"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	}
	return "unknown"
}

// ErrUnknownDevice is returned when a fingerprint has never been sighted.
var ErrUnknownDevice = errors.New("unknown device")

const (
	DefaultAnnounceInterval = 10 * time.Second
	DefaultSweepInterval    = 30 * time.Second
	DefaultLivenessTimeout  = 2 * time.Minute
)

// DeviceStore persists sightings across restarts. Implementations must
// tolerate concurrent calls.
type DeviceStore interface {
	UpsertDevice(device types.Device, address string, seen time.Time) error
}

// Config tunes the discovery engine.
type Config struct {
	Self             types.Device
	MulticastGroup   string
	Port             int
	AnnounceInterval time.Duration
	SweepInterval    time.Duration
	LivenessTimeout  time.Duration

	DisableMulticast bool
	EnableHTTPScan   bool
	EnableMDNS       bool

	Scan          ScanOptions
	BrowseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = DefaultAnnounceInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = DefaultLivenessTimeout
	}
	return c
}

// Engine owns the discovery lifecycle: announcing our record, absorbing
// sightings into the registry, and sweeping peers that fell silent.
type Engine struct {
	cfg      Config
	logger   *log.Logger
	registry *registry.Registry
	prober   *netprobe.Prober
	reporter *faults.Reporter
	store    DeviceStore

	multicast *Multicast
	mdns      *MDNS

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	refresh chan struct{}
}

func NewEngine(cfg Config, logger *log.Logger, reg *registry.Registry, prober *netprobe.Prober, reporter *faults.Reporter, store DeviceStore) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = tool.DefaultLogger
	}
	if reg == nil {
		reg = registry.New(cfg.LivenessTimeout)
	}
	if prober == nil {
		prober = netprobe.New(netprobe.DefaultTable(), nil)
	}
	if reporter == nil {
		reporter = faults.NewReporter(logger)
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		prober:    prober,
		reporter:  reporter,
		store:     store,
		multicast: NewMulticast(cfg.MulticastGroup, cfg.Port, nil, logger),
		mdns:      NewMDNS("", "", logger),
		refresh:   make(chan struct{}, 1),
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Registry() *registry.Registry { return e.registry }

func (e *Engine) Prober() *netprobe.Prober { return e.prober }

// Events exposes the registry's discovered/updated/lost stream.
func (e *Engine) Events() <-chan registry.Event {
	return e.registry.Events()
}

// Devices snapshots the currently known peers.
func (e *Engine) Devices() []registry.DiscoveredDevice {
	return e.registry.Snapshot()
}

// Start moves the engine from idle to discovering and spawns the
// announce, listen, and sweep loops. The loops run until Stop or until
// the parent context ends.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("discovery engine is %s, not idle", state)
	}
	e.state = StateStarting
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	if !e.cfg.DisableMulticast {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.multicast.Listen(runCtx, e.cfg.Self, e.handleSighting); err != nil {
				e.fail(faults.Network("discovery", "multicast listen", err))
			}
		}()
	}
	if e.cfg.EnableMDNS {
		if err := e.mdns.Advertise(e.cfg.Self); err != nil {
			e.logger.Warnf("[Discovery] mDNS advertise failed: %v", err)
		}
	}

	e.wg.Add(2)
	go e.announceLoop(runCtx)
	go e.sweepLoop(runCtx)

	e.mu.Lock()
	if e.state == StateStarting {
		e.state = StateDiscovering
	}
	e.mu.Unlock()
	e.logger.Infof("[Discovery] engine running as %s (announce %s, sweep %s)",
		e.cfg.Self.Alias, e.cfg.AnnounceInterval, e.cfg.SweepInterval)
	return nil
}

// Stop winds the loops down and returns once they exited. Stopping an
// idle engine is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return nil
	}
	if e.state == StateStopping {
		e.mu.Unlock()
		return errors.New("discovery engine already stopping")
	}
	e.state = StateStopping
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.mdns.Stop()

	e.mu.Lock()
	e.state = StateIdle
	e.cancel = nil
	e.mu.Unlock()
	e.logger.Info("[Discovery] engine stopped")
	return nil
}

// Refresh nudges the announce loop to broadcast immediately and, when
// enabled, run the active scans. Returns false outside discovering.
func (e *Engine) Refresh() bool {
	if e.State() != StateDiscovering {
		return false
	}
	select {
	case e.refresh <- struct{}{}:
	default:
	}
	return true
}

// EstablishConnection verifies a sighted peer end to end: its info
// endpoint must answer and describe the same fingerprint. The probe is
// idempotent, reconnecting an already connected peer just re-verifies it.
func (e *Engine) EstablishConnection(ctx context.Context, fingerprint string) (registry.DiscoveredDevice, error) {
	device, ok := e.registry.Get(fingerprint)
	if !ok {
		return registry.DiscoveredDevice{}, fmt.Errorf("%w: %s", ErrUnknownDevice, fingerprint)
	}

	e.registry.SetStatus(fingerprint, registry.StatusConnecting)
	remote, rtt, err := FetchPeerInfo(ctx, device.Device, device.Address)
	if err != nil {
		e.registry.SetStatus(fingerprint, registry.StatusError)
		fault := faults.Network("discovery", "peer info probe", err)
		e.reporter.ReportFault(fault, fmt.Sprintf("cannot reach %s", device.Alias))
		return registry.DiscoveredDevice{}, fault
	}
	if remote.Fingerprint != "" && remote.Fingerprint != fingerprint {
		e.registry.SetStatus(fingerprint, registry.StatusError)
		fault := faults.Security("discovery", "peer info probe",
			fmt.Errorf("fingerprint changed from %s to %s", fingerprint, remote.Fingerprint))
		e.reporter.ReportFault(fault, fmt.Sprintf("identity mismatch at %s", device.Address))
		return registry.DiscoveredDevice{}, fault
	}

	e.prober.Observe(device.Address, rtt)
	e.registry.Upsert(remote, device.Address)
	e.registry.SetStatus(fingerprint, registry.StatusConnected)

	connected, _ := e.registry.Get(fingerprint)
	return connected, nil
}

// PolicyFor resolves the adaptive transfer policy for a sighted peer.
func (e *Engine) PolicyFor(fingerprint string) (netprobe.Condition, netprobe.Policy) {
	device, ok := e.registry.Get(fingerprint)
	if !ok {
		table := netprobe.DefaultTable()
		return netprobe.ConditionUnknown, table.PolicyFor(netprobe.ConditionUnknown)
	}
	return e.prober.PolicyFor(device.Address)
}

func (e *Engine) announceLoop(ctx context.Context) {
	defer e.wg.Done()

	announce := func() {
		if e.cfg.DisableMulticast {
			return
		}
		msg := types.Announcement{Device: e.cfg.Self, Announce: true}
		if err := e.multicast.Send(msg); err != nil {
			e.logger.Warnf("[Discovery] announce failed: %v", err)
		}
	}

	announce()
	ticker := time.NewTicker(e.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			announce()
		case <-e.refresh:
			e.logger.Info("[Discovery] manual refresh requested")
			announce()
			e.runActiveScans(ctx)
			ticker.Reset(e.cfg.AnnounceInterval)
		}
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lost := e.registry.Sweep(e.cfg.LivenessTimeout)
			for _, device := range lost {
				e.logger.Infof("[Discovery] lost %s (%s)", device.Alias, device.Address)
			}
		}
	}
}

// runActiveScans performs the opt-in discovery passes that go beyond
// passive multicast listening.
func (e *Engine) runActiveScans(ctx context.Context) {
	if e.cfg.EnableHTTPScan {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := ScanSubnets(ctx, e.cfg.Self, e.cfg.Scan, e.logger, e.handleSighting); err != nil && ctx.Err() == nil {
				e.logger.Warnf("[Discovery] subnet scan failed: %v", err)
			}
		}()
	}
	if e.cfg.EnableMDNS {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.mdns.Browse(ctx, e.cfg.Self, e.cfg.BrowseTimeout, e.handleSighting); err != nil && ctx.Err() == nil {
				e.logger.Warnf("[Discovery] mDNS browse failed: %v", err)
			}
		}()
	}
}

// Sighted records a peer that reached us over HTTP register. The reply
// travels back in the HTTP response, so the announce flag is dropped
// before the sighting enters the normal path.
func (e *Engine) Sighted(a types.Announcement, address string) {
	a.Announce = false
	e.handleSighting(Sighting{Announcement: a, Address: address})
}

// handleSighting absorbs one announcement: registry upsert, persistence,
// and the register callback when the peer asked to be answered.
func (e *Engine) handleSighting(s Sighting) {
	device, created := e.registry.Upsert(s.Announcement.Device, s.Address)
	if created {
		e.logger.Infof("[Discovery] found %s at %s", device.Alias, device.Address)
	}
	if e.store != nil && device.Fingerprint != "" {
		if err := e.store.UpsertDevice(s.Announcement.Device, s.Address, time.Now()); err != nil {
			e.logger.Debugf("[Discovery] persist sighting: %v", err)
		}
	}

	if !s.Announcement.Announce {
		return
	}
	// Answer over HTTP first, fall back to a non-announce datagram the
	// way the protocol prescribes.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, err := RegisterWithPeer(ctx, e.cfg.Self, s.Announcement.Device, s.Address); err != nil {
			e.logger.Debugf("[Discovery] register callback to %s failed: %v, answering over UDP", s.Address, err)
			if udpErr := e.multicast.Respond(e.cfg.Self); udpErr != nil {
				e.logger.Warnf("[Discovery] UDP response failed: %v", udpErr)
			}
		}
	}()
}

func (e *Engine) fail(fault *faults.Fault) {
	e.mu.Lock()
	if e.state == StateStopping || e.state == StateIdle {
		e.mu.Unlock()
		return
	}
	e.state = StateError
	e.mu.Unlock()
	e.reporter.ReportFault(fault, "discovery engine halted")
}
