package discovery

import (
	"context"
	"net"
	"strconv"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/uber-go/tally/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"lanshare/metrics"
)

// Broadcaster periodically announces this host on the discovery port.
type Broadcaster struct {
	cfg     Config
	conn    net.PacketConn
	payload []byte
	log     *zap.Logger

	sent   tally.Counter
	failed tally.Counter
}

// NewBroadcaster prepares a broadcaster that writes through conn. The
// caller owns conn.
func NewBroadcaster(config Config, conn net.PacketConn) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if conn == nil {
		return nil, errors.New("broadcast socket is required")
	}

	payload, err := cfg.announcement().Encode()
	if err != nil {
		return nil, err
	}

	scope := cfg.Metrics.SubScope("discovery")
	return &Broadcaster{
		cfg:     cfg,
		conn:    conn,
		payload: payload,
		log:     cfg.Logger.Named("broadcaster"),
		sent:    scope.Counter(metrics.AnnounceSent),
		failed:  scope.Counter(metrics.AnnounceErrors),
	}, nil
}

// Run announces immediately and then every AnnounceInterval until ctx is
// done. After a failed round the next attempt waits an exponentially
// growing delay starting at twice the interval.
func (b *Broadcaster) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 2 * b.cfg.AnnounceInterval
	retry.MaxInterval = b.cfg.MaxBackoff
	retry.RandomizationFactor = 0
	retry.MaxElapsedTime = 0
	retry.Clock = b.cfg.Clock
	retry.Reset()

	for {
		wait := b.cfg.AnnounceInterval
		if err := b.Announce(); err != nil {
			wait = retry.NextBackOff()
			b.log.Warn("announce failed", zap.Error(err), zap.Duration("retry_in", wait))
		} else {
			retry.Reset()
		}

		timer := b.cfg.Clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Announce sends one announcement to every broadcast target. It fails only
// when no target accepted the datagram.
func (b *Broadcaster) Announce() error {
	var errs error
	delivered := 0
	for _, target := range b.targets() {
		if _, err := b.conn.WriteTo(b.payload, target); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "send to %s", target))
			continue
		}
		delivered++
	}

	if delivered == 0 {
		b.failed.Inc(1)
		if errs == nil {
			errs = errors.New("no broadcast targets")
		}
		return errs
	}
	if errs != nil {
		b.log.Debug("partial announce", zap.Error(errs))
	}
	b.sent.Inc(1)
	return nil
}

func (b *Broadcaster) targets() []*net.UDPAddr {
	port := b.cfg.Port
	out := []*net.UDPAddr{{IP: net.ParseIP(b.cfg.BroadcastAddr), Port: port}}
	if !b.cfg.DirectedBroadcast {
		return out
	}

	seen := map[string]struct{}{out[0].IP.String(): {}}
	addrs, err := b.cfg.interfaceAddrs()
	if err != nil {
		b.log.Debug("list interface addresses", zap.Error(err))
		return out
	}
	for _, ip := range directedBroadcasts(addrs) {
		key := ip.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, &net.UDPAddr{IP: ip, Port: port})
	}
	return out
}

// directedBroadcasts returns the subnet broadcast address of every
// non-loopback IPv4 network in addrs.
func directedBroadcasts(addrs []net.Addr) []net.IP {
	var out []net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || len(ipNet.Mask) != net.IPv4len {
			continue
		}
		// /31 and /32 have no broadcast address.
		if ones, _ := ipNet.Mask.Size(); ones >= 31 {
			continue
		}
		bcast := make(net.IP, net.IPv4len)
		for i := range ip4 {
			bcast[i] = ip4[i] | ^ipNet.Mask[i]
		}
		out = append(out, bcast)
	}
	return out
}

// ListenBroadcast opens an ephemeral UDP socket for sending announcements.
func ListenBroadcast() (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, errors.Wrap(err, "open broadcast socket")
	}
	return conn, nil
}

// ListenDiscovery binds the discovery port for incoming announcements.
func ListenDiscovery(port int) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp4", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on discovery port %d", port)
	}
	return conn, nil
}
