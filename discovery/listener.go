package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"lanshare/metrics"
	"lanshare/models"
)

const (
	selfAddrRefresh = 10 * time.Second
	// readRetryDelay spaces out reads after a socket error that is not a close.
	readRetryDelay = 50 * time.Millisecond
)

// PeerSink is notified the first time an address announces itself.
type PeerSink interface {
	PeerFound(peer models.Peer)
}

// PeerSinkFunc adapts a function to PeerSink.
type PeerSinkFunc func(peer models.Peer)

// PeerFound calls f(peer).
func (f PeerSinkFunc) PeerFound(peer models.Peer) { f(peer) }

// peerLostSink is optionally implemented by a PeerSink that wants evictions.
type peerLostSink interface {
	PeerLost(peer models.Peer)
}

type nopSink struct{}

func (nopSink) PeerFound(models.Peer) {}

// Listener receives announcements and feeds the registry.
type Listener struct {
	cfg      Config
	registry *Registry
	sink     PeerSink
	conn     net.PacketConn
	log      *zap.Logger
	found    tally.Counter

	// isSelf reports whether ip belongs to this host.
	isSelf func(ip net.IP) bool

	selfMu      sync.Mutex
	selfAddrs   map[string]struct{}
	selfRefresh time.Time
}

// NewListener returns a listener reading from conn. The caller owns conn.
func NewListener(config Config, registry *Registry, sink PeerSink, conn net.PacketConn) (*Listener, error) {
	cfg := config.withDefaults()
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if conn == nil {
		return nil, errors.New("discovery socket is required")
	}
	if sink == nil {
		sink = nopSink{}
	}

	l := &Listener{
		cfg:      cfg,
		registry: registry,
		sink:     sink,
		conn:     conn,
		log:      cfg.Logger.Named("listener"),
		found:    cfg.Metrics.SubScope("discovery").Counter(metrics.PeersFound),
	}
	l.isSelf = l.localAddress
	return l, nil
}

// Run reads datagrams until ctx is done or conn is closed.
func (l *Listener) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, maxAnnouncementSize)
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Debug("read announcement", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-l.cfg.Clock.After(readRetryDelay):
			}
			continue
		}
		l.handlePacket(buf[:n], from)
	}
}

func (l *Listener) handlePacket(raw []byte, from net.Addr) {
	ip := addrIP(from)
	if ip == nil {
		return
	}
	if l.isSelf(ip) {
		return
	}

	announcement, err := DecodeAnnouncement(raw)
	if err != nil {
		l.log.Debug("dropped announcement", zap.String("from", ip.String()), zap.Error(err))
		return
	}

	peer := models.Peer{
		Address:     ip.String(),
		DisplayName: announcement.Host,
		Platform:    announcement.OS,
		LastSeen:    l.cfg.Clock.Now(),
	}
	if l.registry.Upsert(peer) {
		l.found.Inc(1)
		l.log.Info("peer found", zap.String("peer", peer.Address), zap.String("name", peer.DisplayName))
		l.sink.PeerFound(peer)
	}
}

func (l *Listener) localAddress(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}

	l.selfMu.Lock()
	defer l.selfMu.Unlock()

	now := l.cfg.Clock.Now()
	if l.selfAddrs == nil || now.Sub(l.selfRefresh) > selfAddrRefresh {
		addrs, err := l.cfg.interfaceAddrs()
		if err != nil {
			l.log.Debug("list interface addresses", zap.Error(err))
		}
		l.selfAddrs = make(map[string]struct{}, len(addrs))
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok {
				l.selfAddrs[ipNet.IP.String()] = struct{}{}
			}
		}
		l.selfRefresh = now
	}

	_, ok := l.selfAddrs[ip.String()]
	return ok
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		if v4 := a.IP.To4(); v4 != nil {
			return v4
		}
		return a.IP
	case *net.IPAddr:
		return a.IP
	default:
		return nil
	}
}
