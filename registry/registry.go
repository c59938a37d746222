// Package registry tracks peers seen on the local network, keyed by
// fingerprint so an entry survives address changes.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lebao3105/LocalTalk-sub002/types"
)

// ConnectionStatus reflects the last known reachability of a peer.
type ConnectionStatus string

const (
	StatusAvailable   ConnectionStatus = "available"
	StatusConnecting  ConnectionStatus = "connecting"
	StatusConnected   ConnectionStatus = "connected"
	StatusUnavailable ConnectionStatus = "unavailable"
	StatusError       ConnectionStatus = "error"
	StatusFailed      ConnectionStatus = "failed"
)

// DiscoveredDevice is a peer sighting folded into the registry.
type DiscoveredDevice struct {
	types.Device
	Address        string           `json:"address"`
	FirstSeen      time.Time        `json:"firstSeen"`
	LastSeen       time.Time        `json:"lastSeen"`
	Status         ConnectionStatus `json:"connectionStatus"`
	SignalStrength int              `json:"signalStrength"`
}

type EventType int

const (
	EventDiscovered EventType = iota
	EventUpdated
	EventLost
)

func (t EventType) String() string {
	switch t {
	case EventDiscovered:
		return "discovered"
	case EventUpdated:
		return "updated"
	case EventLost:
		return "lost"
	}
	return "unknown"
}

// Event is published on every registry mutation. Delivery is best-effort,
// a slow consumer drops events instead of stalling discovery.
type Event struct {
	Type   EventType
	Device DiscoveredDevice
}

// Registry is the shared device table. One writer mutates an entry at a
// time, readers get copies.
type Registry struct {
	mu           sync.RWMutex
	devices      map[string]*DiscoveredDevice
	events       chan Event
	signalWindow time.Duration
	now          func() time.Time
}

// DefaultSignalWindow matches the liveness timeout: a peer silent for the
// whole window is about to be swept.
const DefaultSignalWindow = 2 * time.Minute

func New(signalWindow time.Duration) *Registry {
	if signalWindow <= 0 {
		signalWindow = DefaultSignalWindow
	}
	return &Registry{
		devices:      make(map[string]*DiscoveredDevice),
		events:       make(chan Event, 64),
		signalWindow: signalWindow,
		now:          time.Now,
	}
}

// Events exposes the mutation feed.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Upsert folds a sighting into the table and reports whether the peer is
// new. Address and port follow the latest sighting.
func (r *Registry) Upsert(device types.Device, addr string) (DiscoveredDevice, bool) {
	key := deviceKey(device, addr)
	now := r.now()

	r.mu.Lock()
	entry, ok := r.devices[key]
	if !ok {
		entry = &DiscoveredDevice{
			Device:         device,
			Address:        addr,
			FirstSeen:      now,
			LastSeen:       now,
			Status:         StatusAvailable,
			SignalStrength: 4,
		}
		r.devices[key] = entry
		snapshot := *entry
		r.mu.Unlock()
		r.emit(Event{Type: EventDiscovered, Device: snapshot})
		return snapshot, true
	}

	gap := now.Sub(entry.LastSeen)
	entry.Device = device
	entry.Address = addr
	entry.LastSeen = now
	entry.SignalStrength = r.strengthFor(gap)
	switch entry.Status {
	case StatusUnavailable, StatusError, StatusFailed:
		entry.Status = StatusAvailable
	}
	snapshot := *entry
	r.mu.Unlock()
	r.emit(Event{Type: EventUpdated, Device: snapshot})
	return snapshot, false
}

// Get looks a peer up by fingerprint.
func (r *Registry) Get(fingerprint string) (DiscoveredDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.devices[fingerprint]
	if !ok {
		return DiscoveredDevice{}, false
	}
	return *entry, true
}

// SetStatus updates reachability for a known peer.
func (r *Registry) SetStatus(fingerprint string, status ConnectionStatus) bool {
	r.mu.Lock()
	entry, ok := r.devices[fingerprint]
	if !ok {
		r.mu.Unlock()
		return false
	}
	entry.Status = status
	snapshot := *entry
	r.mu.Unlock()
	r.emit(Event{Type: EventUpdated, Device: snapshot})
	return true
}

// Snapshot returns a consistent copy of the table, ordered by alias for
// stable listings.
func (r *Registry) Snapshot() []DiscoveredDevice {
	r.mu.RLock()
	out := make([]DiscoveredDevice, 0, len(r.devices))
	for _, entry := range r.devices {
		out = append(out, *entry)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Alias != out[j].Alias {
			return out[i].Alias < out[j].Alias
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Sweep drops every peer not seen within timeout, emitting exactly one
// lost event per removal, and decays the signal of the survivors.
func (r *Registry) Sweep(timeout time.Duration) []DiscoveredDevice {
	now := r.now()

	r.mu.Lock()
	var removed []DiscoveredDevice
	for key, entry := range r.devices {
		gap := now.Sub(entry.LastSeen)
		if gap > timeout {
			entry.Status = StatusUnavailable
			removed = append(removed, *entry)
			delete(r.devices, key)
			continue
		}
		entry.SignalStrength = r.strengthFor(gap)
	}
	r.mu.Unlock()

	for _, device := range removed {
		r.emit(Event{Type: EventLost, Device: device})
	}
	return removed
}

func (r *Registry) strengthFor(gap time.Duration) int {
	quarter := r.signalWindow / 4
	switch {
	case gap <= quarter:
		return 4
	case gap <= 2*quarter:
		return 3
	case gap <= 3*quarter:
		return 2
	}
	return 1
}

func (r *Registry) emit(event Event) {
	select {
	case r.events <- event:
	default:
	}
}

// deviceKey prefers the fingerprint; announcements without one fall back
// to an address-derived key so they still show up.
func deviceKey(device types.Device, addr string) string {
	if device.Fingerprint != "" {
		return device.Fingerprint
	}
	return fmt.Sprintf("%s|%s|%d", addr, device.Alias, device.Port)
}
