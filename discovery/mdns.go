package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/grandcat/zeroconf"

	"github.com/lebao3105/LocalTalk-sub002/tool"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

const (
	// DefaultMDNSService is the service name LocalSend-family apps browse.
	DefaultMDNSService = "_localsend._tcp"
	// DefaultMDNSDomain is the mDNS domain.
	DefaultMDNSDomain = "local."
	// DefaultBrowseTimeout bounds one browse pass.
	DefaultBrowseTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNS advertises this node and browses for peers over multicast DNS,
// the discovery fallback for networks that filter plain UDP multicast.
type MDNS struct {
	service string
	domain  string
	logger  *log.Logger

	registerFn registerFunc
	browseFn   browseFunc

	server *zeroconf.Server
}

func NewMDNS(service, domain string, logger *log.Logger) *MDNS {
	if service == "" {
		service = DefaultMDNSService
	}
	if domain == "" {
		domain = DefaultMDNSDomain
	}
	if logger == nil {
		logger = tool.DefaultLogger
	}
	return &MDNS{
		service:    service,
		domain:     domain,
		logger:     logger,
		registerFn: zeroconf.Register,
		browseFn:   defaultBrowse,
	}
}

// Advertise publishes our record as a service instance with the identity
// fields in TXT.
func (m *MDNS) Advertise(self types.Device) error {
	if m.server != nil {
		return nil
	}
	instance := self.Alias
	if instance == "" {
		instance = "localtalk"
	}
	txt := []string{
		"fingerprint=" + self.Fingerprint,
		"alias=" + self.Alias,
		"deviceType=" + string(self.DeviceType),
		"protocol=" + self.Protocol,
		"version=" + self.Version,
	}

	server, err := m.registerFn(instance, m.service, m.domain, self.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	m.server = server
	m.logger.Infof("[Discovery] advertising %s over mDNS", instance)
	return nil
}

// Stop withdraws the advertisement.
func (m *MDNS) Stop() {
	if m.server == nil {
		return
	}
	m.server.Shutdown()
	m.server = nil
}

// Browse runs one bounded browse pass and feeds resolved peers to the
// sink.
func (m *MDNS) Browse(ctx context.Context, self types.Device, timeout time.Duration, sink func(Sighting)) error {
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := m.browseFn(browseCtx, m.service, m.domain, entries); err != nil {
		return fmt.Errorf("browse mDNS: %w", err)
	}

	// The resolver closes the channel once the context ends.
	for entry := range entries {
		if entry == nil {
			continue
		}
		device := deviceFromEntry(entry)
		if !ShouldRespond(self, types.Announcement{Device: device}) {
			continue
		}
		addr := entryAddress(entry)
		if addr == "" {
			continue
		}
		sink(Sighting{Announcement: types.Announcement{Device: device}, Address: addr})
	}
	return nil
}

func defaultBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

func deviceFromEntry(entry *zeroconf.ServiceEntry) types.Device {
	device := types.Device{
		Alias:       txtValue(entry.Text, "alias"),
		Version:     txtValue(entry.Text, "version"),
		DeviceType:  types.DeviceType(txtValue(entry.Text, "deviceType")),
		Fingerprint: txtValue(entry.Text, "fingerprint"),
		Protocol:    txtValue(entry.Text, "protocol"),
		Port:        entry.Port,
	}
	if device.Alias == "" {
		device.Alias = entry.Instance
	}
	if device.Protocol == "" {
		device.Protocol = "http"
	}
	return device
}

func entryAddress(entry *zeroconf.ServiceEntry) string {
	if len(entry.AddrIPv4) > 0 {
		return entry.AddrIPv4[0].String()
	}
	if len(entry.AddrIPv6) > 0 {
		return entry.AddrIPv6[0].String()
	}
	return ""
}

func txtValue(records []string, key string) string {
	prefix := key + "="
	for _, record := range records {
		if strings.HasPrefix(record, prefix) {
			return strings.TrimPrefix(record, prefix)
		}
	}
	return ""
}
