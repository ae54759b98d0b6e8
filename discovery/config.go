package discovery

import (
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"lanshare/metrics"
)

const (
	// DefaultPort is the UDP discovery port.
	DefaultPort = 45454
	// DefaultAnnounceInterval is the presence announcement cadence.
	DefaultAnnounceInterval = time.Second
	// DefaultReapInterval is how often stale peers are evicted.
	DefaultReapInterval = time.Second
	// DefaultBroadcastAddr is the limited broadcast address.
	DefaultBroadcastAddr = "255.255.255.255"
	// DefaultMaxBackoff caps the broadcaster's retry delay after send failures.
	DefaultMaxBackoff = 30 * time.Second
)

// Config controls the broadcaster, listener, reaper and optional mDNS peer source.
type Config struct {
	DeviceID   string
	DeviceName string
	Platform   string

	Port          int
	BroadcastAddr string
	// TransferPort is advertised through mDNS.
	TransferPort int

	AnnounceInterval time.Duration
	// PeerTTL defaults to three announce intervals.
	PeerTTL      time.Duration
	ReapInterval time.Duration
	MaxBackoff   time.Duration

	DirectedBroadcast bool
	MDNS              bool
	MDNSService       string
	MDNSDomain        string
	MDNSScanInterval  time.Duration
	MDNSScanTimeout   time.Duration

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics tally.Scope

	registerFn     registerFunc
	browseFn       browseFunc
	interfaceAddrs func() ([]net.Addr, error)
}

func (c Config) withDefaults() Config {
	out := c
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.BroadcastAddr == "" {
		out.BroadcastAddr = DefaultBroadcastAddr
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.PeerTTL <= 0 {
		out.PeerTTL = 3 * out.AnnounceInterval
	}
	if out.ReapInterval <= 0 {
		out.ReapInterval = DefaultReapInterval
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = DefaultMaxBackoff
	}
	if out.MDNSService == "" {
		out.MDNSService = DefaultMDNSService
	}
	if out.MDNSDomain == "" {
		out.MDNSDomain = DefaultMDNSDomain
	}
	if out.MDNSScanInterval <= 0 {
		out.MDNSScanInterval = DefaultMDNSScanInterval
	}
	if out.MDNSScanTimeout <= 0 {
		out.MDNSScanTimeout = DefaultMDNSScanTimeout
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	out.Metrics = metrics.OrNoop(out.Metrics)
	if out.registerFn == nil {
		out.registerFn = registerZeroconf
	}
	if out.browseFn == nil {
		out.browseFn = browseZeroconf
	}
	if out.interfaceAddrs == nil {
		out.interfaceAddrs = net.InterfaceAddrs
	}
	return out
}

func (c Config) announcement() Announcement {
	return Announcement{Host: c.DeviceName, OS: c.Platform}
}
