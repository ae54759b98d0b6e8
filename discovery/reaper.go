package discovery

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"lanshare/metrics"
	"lanshare/models"
)

// Reaper evicts peers that stopped announcing.
type Reaper struct {
	cfg      Config
	registry *Registry
	sink     PeerSink
	log      *zap.Logger

	lost   tally.Counter
	active tally.Gauge
}

// NewReaper returns a reaper over registry. sink may be nil.
func NewReaper(config Config, registry *Registry, sink PeerSink) (*Reaper, error) {
	cfg := config.withDefaults()
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if sink == nil {
		sink = nopSink{}
	}

	scope := cfg.Metrics.SubScope("discovery")
	return &Reaper{
		cfg:      cfg,
		registry: registry,
		sink:     sink,
		log:      cfg.Logger.Named("reaper"),
		lost:     scope.Counter(metrics.PeersLost),
		active:   scope.Gauge(metrics.PeersActive),
	}, nil
}

// Run reaps every ReapInterval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := r.cfg.Clock.Ticker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.ReapOnce()
		}
	}
}

// ReapOnce evicts peers older than PeerTTL and returns them.
func (r *Reaper) ReapOnce() []models.Peer {
	removed := r.registry.Reap(r.cfg.Clock.Now(), r.cfg.PeerTTL)
	lostSink, wantsLost := r.sink.(peerLostSink)
	for _, peer := range removed {
		r.log.Info("peer lost", zap.String("peer", peer.Address), zap.String("name", peer.DisplayName))
		if wantsLost {
			lostSink.PeerLost(peer)
		}
	}
	r.lost.Inc(int64(len(removed)))
	r.active.Update(float64(r.registry.Len()))
	return removed
}
