package discovery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/log"

	"github.com/lebao3105/LocalTalk-sub002/tool"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

// refer to https://github.com/localsend/protocol/blob/main/README.md#1-defaults
const (
	DefaultMulticastAddress = "224.0.0.167"
	DefaultPort             = 53317 // UDP & HTTP
)

const maxDatagramSize = 64 * 1024

// Sighting is one raw announcement plus where it came from.
type Sighting struct {
	Announcement types.Announcement
	Address      string
}

// Multicast speaks the UDP side of discovery: announcing ourselves and
// listening for peers on the group address.
type Multicast struct {
	group  string
	iface  *net.Interface
	logger *log.Logger
}

func NewMulticast(group string, port int, iface *net.Interface, logger *log.Logger) *Multicast {
	if group == "" {
		group = DefaultMulticastAddress
	}
	if port <= 0 {
		port = DefaultPort
	}
	if logger == nil {
		logger = tool.DefaultLogger
	}
	return &Multicast{
		group:  fmt.Sprintf("%s:%d", group, port),
		iface:  iface,
		logger: logger,
	}
}

// Send multicasts one announcement datagram.
func (m *Multicast) Send(announcement types.Announcement) error {
	addr, err := net.ResolveUDPAddr("udp4", m.group)
	if err != nil {
		return fmt.Errorf("resolve multicast address: %w", err)
	}
	c, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("dial multicast address: %w", err)
	}
	defer c.Close()

	payload, err := sonic.Marshal(&announcement)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	if _, err := c.Write(payload); err != nil {
		return fmt.Errorf("write announcement: %w", err)
	}
	return nil
}

// Respond multicasts a non-announce copy of the record. The response
// must carry announce=false or the peers would call back forever.
func (m *Multicast) Respond(self types.Device) error {
	return m.Send(types.Announcement{Device: self, Announce: false})
}

// Listen consumes the group address until the context ends, passing every
// parseable foreign announcement to the sink.
func (m *Multicast) Listen(ctx context.Context, self types.Device, sink func(Sighting)) error {
	addr, err := net.ResolveUDPAddr("udp4", m.group)
	if err != nil {
		return fmt.Errorf("resolve multicast address: %w", err)
	}
	c, err := net.ListenMulticastUDP("udp4", m.iface, addr)
	if err != nil {
		return fmt.Errorf("listen on multicast address: %w", err)
	}
	if err := c.SetReadBuffer(256 * 1024); err != nil {
		m.logger.Debugf("[Discovery] set read buffer: %v", err)
	}

	// Unblock ReadFrom when the context ends.
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	m.logger.Infof("[Discovery] listening on multicast %s", addr.String())

	buf := make([]byte, maxDatagramSize)
	for {
		n, remote, err := c.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read multicast datagram: %w", err)
		}

		var incoming types.Announcement
		if err := sonic.Unmarshal(buf[:n], &incoming); err != nil {
			m.logger.Debugf("[Discovery] unparseable datagram from %s: %v", remote, err)
			continue
		}
		if !ShouldRespond(self, incoming) {
			continue
		}

		udpAddr, ok := remote.(*net.UDPAddr)
		if !ok {
			m.logger.Debugf("[Discovery] unexpected address type %T", remote)
			continue
		}
		sink(Sighting{Announcement: incoming, Address: udpAddr.IP.String()})
	}
}

// ShouldRespond filters self-echo and malformed records out of the
// announcement stream.
func ShouldRespond(self types.Device, incoming types.Announcement) bool {
	if incoming.Fingerprint == "" {
		return false
	}
	if self.Fingerprint != "" && incoming.Fingerprint == self.Fingerprint {
		return false
	}
	return true
}

// RegisterWithPeer answers an announcement over HTTP, delivering our
// record to the peer's /register endpoint and returning its own.
func RegisterWithPeer(ctx context.Context, self types.Device, peer types.Device, host string) (types.Device, error) {
	payload, err := sonic.Marshal(&self)
	if err != nil {
		return types.Device{}, fmt.Errorf("marshal register payload: %w", err)
	}

	url := tool.BuildRegisterURL(host, peer)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return types.Device{}, fmt.Errorf("build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := tool.NewHTTPClient(peer.Protocol)
	resp, err := client.Do(req)
	if err != nil {
		return types.Device{}, fmt.Errorf("send register request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return types.Device{}, fmt.Errorf("register request failed: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDatagramSize))
	if err != nil {
		return types.Device{}, fmt.Errorf("read register response: %w", err)
	}
	var remote types.Device
	if err := sonic.Unmarshal(body, &remote); err != nil {
		return types.Device{}, fmt.Errorf("parse register response: %w", err)
	}
	return remote, nil
}

// FetchPeerInfo probes a peer's /info endpoint and measures the round
// trip. It doubles as the liveness check before a transfer starts.
func FetchPeerInfo(ctx context.Context, peer types.Device, host string) (types.Device, time.Duration, error) {
	url := tool.BuildInfoURL(host, peer)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.Device{}, 0, fmt.Errorf("build info request: %w", err)
	}

	client := tool.NewHTTPClient(peer.Protocol)
	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return types.Device{}, 0, fmt.Errorf("send info request: %w", err)
	}
	rtt := time.Since(started)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.Device{}, rtt, fmt.Errorf("info request failed: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDatagramSize))
	if err != nil {
		return types.Device{}, rtt, fmt.Errorf("read info response: %w", err)
	}
	var remote types.Device
	if err := sonic.Unmarshal(body, &remote); err != nil {
		return types.Device{}, rtt, fmt.Errorf("parse info response: %w", err)
	}
	return remote, rtt, nil
}
