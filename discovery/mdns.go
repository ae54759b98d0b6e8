package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"lanshare/models"
)

const (
	// DefaultMDNSService is the mDNS service name without domain suffix.
	DefaultMDNSService = "_lanshare._tcp"
	// DefaultMDNSDomain is the mDNS domain.
	DefaultMDNSDomain = "local."
	// DefaultMDNSScanInterval is the background browse interval.
	DefaultMDNSScanInterval = 10 * time.Second
	// DefaultMDNSScanTimeout bounds each browse.
	DefaultMDNSScanTimeout = 3 * time.Second

	mdnsVersion = 1
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

func registerZeroconf(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
	return zeroconf.Register(instance, service, domain, port, text, ifaces)
}

// browseZeroconf uses a fresh resolver per browse; a resolver's sockets are
// shut down when its browse context ends.
func browseZeroconf(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// MDNS is a secondary peer source for networks that filter broadcast. It
// advertises the transfer port and feeds browse results into the registry.
// Peers from the latest scan are refreshed every announce interval so the
// reaper treats them like broadcast peers.
type MDNS struct {
	cfg      Config
	registry *Registry
	sink     PeerSink
	log      *zap.Logger

	mu      sync.Mutex
	current map[string]models.Peer
}

// NewMDNS validates config and returns an mDNS peer source.
func NewMDNS(config Config, registry *Registry, sink PeerSink) (*MDNS, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, errors.New("self device ID is required")
	}
	if strings.TrimSpace(cfg.DeviceName) == "" {
		return nil, errors.New("device name is required")
	}
	if cfg.TransferPort <= 0 {
		return nil, errors.New("transfer port must be > 0")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if sink == nil {
		sink = nopSink{}
	}

	return &MDNS{
		cfg:      cfg,
		registry: registry,
		sink:     sink,
		log:      cfg.Logger.Named("mdns"),
		current:  make(map[string]models.Peer),
	}, nil
}

// Run advertises and browses until ctx is done.
func (m *MDNS) Run(ctx context.Context) error {
	txt := []string{
		"device_id=" + m.cfg.DeviceID,
		"os=" + m.cfg.Platform,
		"version=" + strconv.Itoa(mdnsVersion),
	}
	server, err := m.cfg.registerFn(m.cfg.DeviceName, m.cfg.MDNSService, m.cfg.MDNSDomain, m.cfg.TransferPort, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		defer server.Shutdown()
	}

	m.scan(ctx)

	scan := m.cfg.Clock.Ticker(m.cfg.MDNSScanInterval)
	defer scan.Stop()
	refresh := m.cfg.Clock.Ticker(m.cfg.AnnounceInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-scan.C:
			m.scan(ctx)
		case <-refresh.C:
			m.refresh()
		}
	}
}

func (m *MDNS) scan(ctx context.Context) {
	scanCtx, cancel := context.WithTimeout(ctx, m.cfg.MDNSScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	next := make(map[string]models.Peer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if deviceID, peer, ok := parseEntry(entry, m.cfg.DeviceID); ok {
					next[deviceID] = peer
				}
			}
		}
	}()

	if err := m.cfg.browseFn(scanCtx, m.cfg.MDNSService, m.cfg.MDNSDomain, entries); err != nil {
		cancel()
		<-collectorDone
		m.log.Debug("mDNS browse failed", zap.Error(err))
		return
	}

	<-scanCtx.Done()
	<-collectorDone

	m.mu.Lock()
	m.current = next
	m.mu.Unlock()
	m.refresh()
}

func (m *MDNS) refresh() {
	m.mu.Lock()
	peers := make([]models.Peer, 0, len(m.current))
	for _, peer := range m.current {
		peers = append(peers, peer)
	}
	m.mu.Unlock()

	now := m.cfg.Clock.Now()
	for _, peer := range peers {
		peer.LastSeen = now
		if m.registry.Upsert(peer) {
			m.log.Info("peer found", zap.String("peer", peer.Address), zap.String("name", peer.DisplayName))
			m.sink.PeerFound(peer)
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (string, models.Peer, bool) {
	if entry == nil {
		return "", models.Peer{}, false
	}
	txt := txtToMap(entry.Text)

	deviceID := txt["device_id"]
	if deviceID == "" || deviceID == selfDeviceID {
		return "", models.Peer{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4))
	for _, ip := range entry.AddrIPv4 {
		if ip != nil {
			addresses = append(addresses, ip.String())
		}
	}
	if len(addresses) == 0 {
		return "", models.Peer{}, false
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return deviceID, models.Peer{
		Address:     addresses[0],
		DisplayName: name,
		Platform:    txt["os"],
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
