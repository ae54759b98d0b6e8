package discovery

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lanshare/models"
)

// ErrAlreadyRunning is returned by Start on a running service.
var ErrAlreadyRunning = errors.New("discovery already running")

// Service runs the broadcaster, listener, reaper and optional mDNS source
// over one registry.
type Service struct {
	cfg      Config
	registry *Registry
	sink     PeerSink
	log      *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	sockets []net.PacketConn
}

// NewService returns a stopped service. A nil registry gets a fresh one.
func NewService(config Config, registry *Registry, sink PeerSink) *Service {
	cfg := config.withDefaults()
	if registry == nil {
		registry = NewRegistry(cfg.Clock)
	}
	return &Service{
		cfg:      cfg,
		registry: registry,
		sink:     sink,
		log:      cfg.Logger.Named("discovery"),
	}
}

// Registry returns the registry the service feeds.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Peers returns the current peer snapshot.
func (s *Service) Peers() []models.Peer {
	return s.registry.Snapshot()
}

// Running reports whether Start succeeded and Stop has not been called.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Start binds the discovery sockets and launches every loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	listenConn, err := ListenDiscovery(s.cfg.Port)
	if err != nil {
		return err
	}
	sendConn, err := ListenBroadcast()
	if err != nil {
		return multierr.Append(err, listenConn.Close())
	}
	sockets := []net.PacketConn{listenConn, sendConn}
	closeAll := func(err error) error {
		return multierr.Append(err, closeSockets(sockets))
	}

	broadcaster, err := NewBroadcaster(s.cfg, sendConn)
	if err != nil {
		return closeAll(err)
	}
	listener, err := NewListener(s.cfg, s.registry, s.sink, listenConn)
	if err != nil {
		return closeAll(err)
	}
	reaper, err := NewReaper(s.cfg, s.registry, s.sink)
	if err != nil {
		return closeAll(err)
	}
	var mdns *MDNS
	if s.cfg.MDNS {
		if mdns, err = NewMDNS(s.cfg, s.registry, s.sink); err != nil {
			return closeAll(err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return broadcaster.Run(groupCtx) })
	group.Go(func() error { return listener.Run(groupCtx) })
	group.Go(func() error { return reaper.Run(groupCtx) })
	if mdns != nil {
		group.Go(func() error {
			if err := mdns.Run(groupCtx); err != nil {
				// mDNS is optional; broadcast discovery keeps running.
				s.log.Warn("mDNS disabled", zap.Error(err))
			}
			return nil
		})
	}

	s.cancel = cancel
	s.group = group
	s.sockets = sockets
	s.log.Info("discovery started",
		zap.Int("port", s.cfg.Port),
		zap.String("name", s.cfg.DeviceName),
		zap.Bool("mdns", s.cfg.MDNS))
	return nil
}

// Stop cancels every loop, closes the sockets and waits for the loops to exit.
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel, group, sockets := s.cancel, s.group, s.sockets
	s.cancel, s.group, s.sockets = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := closeSockets(sockets)
	err = multierr.Append(err, group.Wait())
	s.log.Info("discovery stopped")
	return err
}

func closeSockets(sockets []net.PacketConn) error {
	var err error
	for _, conn := range sockets {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}
