package discovery

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/log"

	"github.com/lebao3105/LocalTalk-sub002/faults"
	"github.com/lebao3105/LocalTalk-sub002/netprobe"
	"github.com/lebao3105/LocalTalk-sub002/registry"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

func quietLogger() *log.Logger {
	logger := log.Default()
	logger.SetLevel(log.FatalLevel)
	return logger
}

func testEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Self:             types.NewDevice("self", "fp-self", 53317, "http"),
		DisableMulticast: true,
		AnnounceInterval: 50 * time.Millisecond,
		SweepInterval:    20 * time.Millisecond,
		LivenessTimeout:  60 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewEngine(cfg, quietLogger(), nil, nil, nil, nil)
}

func sighting(alias, fingerprint, addr string, port int) Sighting {
	return Sighting{
		Announcement: types.Announcement{Device: types.NewDevice(alias, fingerprint, port, "http")},
		Address:      addr,
	}
}

func TestEngineLifecycle(t *testing.T) {
	e := testEngine(t, nil)
	if got := e.State(); got != StateIdle {
		t.Fatalf("fresh state = %v, want %v", got, StateIdle)
	}
	if e.Refresh() {
		t.Fatal("refresh accepted while idle")
	}

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := e.State(); got != StateDiscovering {
		t.Fatalf("state after start = %v, want %v", got, StateDiscovering)
	}
	if err := e.Start(ctx); err == nil {
		t.Fatal("second start accepted")
	}
	if !e.Refresh() {
		t.Fatal("refresh rejected while discovering")
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := e.State(); got != StateIdle {
		t.Fatalf("state after stop = %v, want %v", got, StateIdle)
	}

	// The engine restarts cleanly after a full cycle.
	if err := e.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStopIdleIsNoOp(t *testing.T) {
	e := testEngine(t, nil)
	if err := e.Stop(); err != nil {
		t.Fatalf("stop idle: %v", err)
	}
}

func TestSweepDropsSilentPeer(t *testing.T) {
	e := testEngine(t, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	e.handleSighting(sighting("peer", "fp-peer", "192.168.1.5", 53317))
	if len(e.Devices()) != 1 {
		t.Fatalf("devices = %d, want 1", len(e.Devices()))
	}

	deadline := time.After(2 * time.Second)
	for len(e.Devices()) != 0 {
		select {
		case <-deadline:
			t.Fatal("silent peer never swept")
		case <-time.After(20 * time.Millisecond):
		}
	}

	var lost int
	for {
		select {
		case ev := <-e.Events():
			if ev.Type == registry.EventLost && ev.Device.Fingerprint == "fp-peer" {
				lost++
			}
			continue
		default:
		}
		break
	}
	if lost != 1 {
		t.Fatalf("lost events = %d, want exactly 1", lost)
	}
}

type fakeDeviceStore struct {
	mu    sync.Mutex
	seen  []string
	addrs []string
}

func (s *fakeDeviceStore) UpsertDevice(device types.Device, address string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, device.Fingerprint)
	s.addrs = append(s.addrs, address)
	return nil
}

func TestHandleSightingPersistsDevice(t *testing.T) {
	store := &fakeDeviceStore{}
	cfg := Config{
		Self:             types.NewDevice("self", "fp-self", 53317, "http"),
		DisableMulticast: true,
	}
	e := NewEngine(cfg, quietLogger(), nil, nil, nil, store)

	e.handleSighting(sighting("peer", "fp-peer", "192.168.1.9", 53317))

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.seen) != 1 || store.seen[0] != "fp-peer" || store.addrs[0] != "192.168.1.9" {
		t.Fatalf("persisted = %v @ %v", store.seen, store.addrs)
	}
}

func infoServer(t *testing.T, device *types.Device) (*httptest.Server, string, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/localsend/v2/info" {
			http.NotFound(w, r)
			return
		}
		payload, err := sonic.Marshal(device)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, portText, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split server host: %v", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return srv, host, port
}

func TestEstablishConnectionProbesAndConnects(t *testing.T) {
	peer := types.NewDevice("peer", "fp-peer", 0, "http")
	_, host, port := infoServer(t, &peer)
	peer.Port = port

	e := testEngine(t, nil)
	e.handleSighting(Sighting{Announcement: types.Announcement{Device: peer}, Address: host})

	got, err := e.EstablishConnection(context.Background(), "fp-peer")
	if err != nil {
		t.Fatalf("establish: %v", err)
	}
	if got.Status != registry.StatusConnected {
		t.Fatalf("status = %v, want %v", got.Status, registry.StatusConnected)
	}

	// Re-probing a connected peer succeeds and stays connected.
	again, err := e.EstablishConnection(context.Background(), "fp-peer")
	if err != nil {
		t.Fatalf("re-establish: %v", err)
	}
	if again.Status != registry.StatusConnected {
		t.Fatalf("status after re-probe = %v", again.Status)
	}

	condition, policy := e.PolicyFor("fp-peer")
	if condition != netprobe.ConditionExcellent {
		t.Fatalf("loopback condition = %v, want %v", condition, netprobe.ConditionExcellent)
	}
	if policy.ChunkSize != 8*1024*1024 {
		t.Fatalf("policy chunk = %d, want 8MiB", policy.ChunkSize)
	}
}

func TestEstablishConnectionUnknownDevice(t *testing.T) {
	e := testEngine(t, nil)
	if _, err := e.EstablishConnection(context.Background(), "fp-ghost"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("err = %v, want %v", err, ErrUnknownDevice)
	}
}

func TestEstablishConnectionIdentityMismatch(t *testing.T) {
	impostor := types.NewDevice("impostor", "fp-evil", 0, "http")
	_, host, port := infoServer(t, &impostor)

	claimed := types.NewDevice("peer", "fp-peer", port, "http")
	e := testEngine(t, nil)
	e.handleSighting(Sighting{Announcement: types.Announcement{Device: claimed}, Address: host})

	_, err := e.EstablishConnection(context.Background(), "fp-peer")
	if err == nil {
		t.Fatal("identity mismatch accepted")
	}
	if got := faults.KindOf(err); got != faults.KindSecurity {
		t.Fatalf("fault kind = %v, want %v", got, faults.KindSecurity)
	}
	device, ok := e.Registry().Get("fp-peer")
	if !ok || device.Status != registry.StatusError {
		t.Fatalf("peer state = %+v, want error status", device)
	}
}

func TestEstablishConnectionUnreachablePeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	u, _ := url.Parse(srv.URL)
	host, portText, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portText)
	srv.Close()

	peer := types.NewDevice("peer", "fp-peer", port, "http")
	e := testEngine(t, nil)
	e.handleSighting(Sighting{Announcement: types.Announcement{Device: peer}, Address: host})

	_, err := e.EstablishConnection(context.Background(), "fp-peer")
	if err == nil {
		t.Fatal("dead peer accepted")
	}
	if got := faults.KindOf(err); got != faults.KindNetwork {
		t.Fatalf("fault kind = %v, want %v", got, faults.KindNetwork)
	}
}

func TestShouldRespondFilters(t *testing.T) {
	self := types.NewDevice("self", "fp-self", 53317, "http")
	cases := []struct {
		name     string
		incoming types.Announcement
		want     bool
	}{
		{"foreign announce", types.Announcement{Device: types.NewDevice("a", "fp-a", 53317, "http"), Announce: true}, true},
		{"foreign response", types.Announcement{Device: types.NewDevice("a", "fp-a", 53317, "http")}, true},
		{"own echo", types.Announcement{Device: self, Announce: true}, false},
		{"anonymous", types.Announcement{Device: types.NewDevice("a", "", 53317, "http")}, false},
	}
	for _, tc := range cases {
		if got := ShouldRespond(self, tc.incoming); got != tc.want {
			t.Errorf("%s: ShouldRespond = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Port != DefaultPort {
		t.Fatalf("port = %d", cfg.Port)
	}
	if cfg.AnnounceInterval != DefaultAnnounceInterval || cfg.SweepInterval != DefaultSweepInterval {
		t.Fatalf("intervals = %v / %v", cfg.AnnounceInterval, cfg.SweepInterval)
	}
	if cfg.LivenessTimeout != DefaultLivenessTimeout {
		t.Fatalf("liveness = %v", cfg.LivenessTimeout)
	}

	opts := ScanOptions{}.withDefaults()
	if opts.Concurrency <= 0 || opts.Timeout <= 0 || opts.Port != DefaultPort {
		t.Fatalf("scan defaults = %+v", opts)
	}
}

func TestStateStrings(t *testing.T) {
	want := map[State]string{
		StateIdle:        "idle",
		StateStarting:    "starting",
		StateDiscovering: "discovering",
		StateStopping:    "stopping",
		StateError:       "error",
	}
	for state, text := range want {
		if state.String() != text {
			t.Errorf("State(%d).String() = %q, want %q", state, state.String(), text)
		}
	}
}
