// Package node wires discovery and the transfer engine into one device.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/pkg/errors"
	"github.com/uber-go/tally/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"lanshare/config"
	"lanshare/discovery"
	"lanshare/logger"
	"lanshare/metrics"
	"lanshare/models"
	"lanshare/network"
)

// ErrUnknownPeer is returned when a send target is neither a known peer name
// nor a usable address.
var ErrUnknownPeer = errors.New("unknown peer")

// ErrNotReceiving is returned by Addr before StartReceiving.
var ErrNotReceiving = errors.New("not receiving")

// Options are the collaborators of a Node. Nil sinks discard their events;
// a nil Gate rejects every file unless Config.AutoAccept is set.
type Options struct {
	Config config.Config

	// ListenAddr overrides ":<transfer_port>" for the transfer server.
	ListenAddr string
	// BroadcastAddr overrides the limited broadcast address.
	BroadcastAddr string

	Gate     network.ConfirmationGate
	Progress network.ProgressSink
	Text     network.TextSink
	Status   network.StatusSink
	Peers    discovery.PeerSink

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics tally.Scope
}

// Node is one device on the LAN: it announces itself, tracks peers, accepts
// inbound transfers and sends files and text. One cancel token is shared by
// every transfer of the node.
type Node struct {
	opts Options
	log  *zap.Logger

	token     *network.CancelToken
	registry  *discovery.Registry
	discovery *discovery.Service
	sender    *network.Sender

	mu       sync.Mutex
	receiver *network.Receiver
	server   *network.Server
}

// New builds a stopped node.
func New(opts Options) (*Node, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Metrics = metrics.OrNoop(opts.Metrics)

	cfg := opts.Config
	if cfg.DeviceName == "" {
		return nil, errors.New("device name is required")
	}

	token := network.NewCancelToken()
	registry := discovery.NewRegistry(opts.Clock)
	svc := discovery.NewService(discovery.Config{
		DeviceID:          cfg.DeviceID,
		DeviceName:        cfg.DeviceName,
		Platform:          cfg.Platform,
		Port:              cfg.DiscoveryPort,
		BroadcastAddr:     opts.BroadcastAddr,
		TransferPort:      cfg.TransferPort,
		AnnounceInterval:  cfg.AnnounceInterval,
		PeerTTL:           cfg.PeerTTL,
		ReapInterval:      cfg.ReapInterval,
		DirectedBroadcast: cfg.DirectedBroadcast,
		MDNS:              cfg.MDNS,
		Clock:             opts.Clock,
		Logger:            opts.Logger,
		Metrics:           opts.Metrics,
	}, registry, opts.Peers)

	sender := network.NewSender(network.SenderOptions{
		Port:     cfg.TransferPort,
		Token:    token,
		Progress: opts.Progress,
		Status:   opts.Status,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})

	return &Node{
		opts:      opts,
		log:       logger.Named(opts.Logger, "node"),
		token:     token,
		registry:  registry,
		discovery: svc,
		sender:    sender,
	}, nil
}

// StartDiscovery begins announcing this device and tracking peers.
func (n *Node) StartDiscovery(ctx context.Context) error {
	return n.discovery.Start(ctx)
}

// StopDiscovery stops announcing. Known peers stay in the registry until
// discovery restarts and they age out.
func (n *Node) StopDiscovery() error {
	return n.discovery.Stop()
}

// StartReceiving opens the transfer server. It is a no-op when already
// receiving.
func (n *Node) StartReceiving() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.server != nil {
		return nil
	}

	cfg := n.opts.Config
	dir, err := cfg.ResolvedReceiveDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create receive directory")
	}

	receiver, err := network.NewReceiver(network.ReceiverOptions{
		ReceiveDir:     dir,
		Gate:           n.opts.Gate,
		AutoAccept:     cfg.AutoAccept,
		Progress:       n.opts.Progress,
		Text:           n.opts.Text,
		Status:         n.opts.Status,
		Token:          n.token,
		HeaderTimeout:  cfg.HeaderTimeout,
		ConfirmTimeout: cfg.ConfirmTimeout,
		Clock:          n.opts.Clock,
		Logger:         n.opts.Logger,
		Metrics:        n.opts.Metrics,
	})
	if err != nil {
		return err
	}

	address := n.opts.ListenAddr
	if address == "" {
		address = fmt.Sprintf(":%d", cfg.TransferPort)
	}
	server, err := network.Listen(address, receiver)
	if err != nil {
		return err
	}

	n.receiver = receiver
	n.server = server
	n.log.Info("receiving", zap.String("dir", dir), zap.String("addr", server.Addr().String()))
	return nil
}

// Addr returns the transfer server's address.
func (n *Node) Addr() (net.Addr, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.server == nil {
		return nil, ErrNotReceiving
	}
	return n.server.Addr(), nil
}

// Lookup finds a discovered peer by address or display name.
func (n *Node) Lookup(target string) (models.Peer, bool) {
	return n.registry.Lookup(target)
}

// Resolve turns a peer display name or address into a dialable address.
// Names are matched case-insensitively against the registry; anything else
// that parses as host or host:port is used as is.
func (n *Node) Resolve(target string) (string, error) {
	if peer, ok := n.registry.Lookup(target); ok {
		return peer.Address, nil
	}
	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}
	if net.ParseIP(host) != nil {
		return target, nil
	}
	if _, err := net.LookupHost(host); err == nil {
		return target, nil
	}
	return "", errors.Wrapf(ErrUnknownPeer, "%q", target)
}

// SendFile sends one file to peer.
func (n *Node) SendFile(ctx context.Context, peer, path string) error {
	addr, err := n.Resolve(peer)
	if err != nil {
		return err
	}
	return n.sender.SendFile(ctx, addr, path, network.SendOptions{})
}

// SendPaths sends files and folders to peer. A single regular file goes as a
// plain transfer; anything else is sent as one batch so the receiver confirms
// once. It returns the number of files sent.
func (n *Node) SendPaths(ctx context.Context, peer string, paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, errors.New("nothing to send")
	}
	addr, err := n.Resolve(peer)
	if err != nil {
		return 0, err
	}

	if len(paths) == 1 {
		if info, err := os.Stat(paths[0]); err == nil && info.Mode().IsRegular() {
			if err := n.sender.SendFile(ctx, addr, paths[0], network.SendOptions{}); err != nil {
				return 0, err
			}
			return 1, nil
		}
	}

	batch, err := network.CollectBatch(paths)
	if err != nil {
		return 0, err
	}
	if len(batch.Items) == 0 {
		return 0, errors.New("no regular files to send")
	}
	return n.sender.SendBatch(ctx, addr, batch, nil)
}

// SendText sends a text message to peer.
func (n *Node) SendText(ctx context.Context, peer, text string) error {
	addr, err := n.Resolve(peer)
	if err != nil {
		return err
	}
	return n.sender.SendText(ctx, addr, text)
}

// Cancel stops every active transfer and refuses new ones until
// ResetCancellation.
func (n *Node) Cancel() {
	n.log.Info("cancel requested")
	n.token.Cancel()
}

// ResetCancellation allows transfers again after Cancel.
func (n *Node) ResetCancellation() {
	n.token.Reset()
}

// Peers returns the live peers sorted by display name.
func (n *Node) Peers() []models.Peer {
	return n.registry.Snapshot()
}

// Batches returns the receiving side's group tracker, or nil before
// StartReceiving.
func (n *Node) Batches() *network.BatchTracker {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.receiver == nil {
		return nil
	}
	return n.receiver.Batches()
}

// Close stops discovery and the transfer server.
func (n *Node) Close() error {
	err := n.discovery.Stop()

	n.mu.Lock()
	server := n.server
	n.server, n.receiver = nil, nil
	n.mu.Unlock()

	if server != nil {
		err = multierr.Append(err, server.Close())
	}
	return err
}
