// Package cmd implements the lanshare command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/uber-go/tally/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"lanshare/config"
	"lanshare/logger"
	"lanshare/metrics"
	"lanshare/node"
)

// metricsInterval is how often the debug metrics reporter flushes.
const metricsInterval = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:           "lanshare",
	Short:         "Share files and text with devices on the local network",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolP("verbose", "v", false, "Log debug information to stderr")
	flags.String("device-name", "", "Name announced to other devices")
	flags.Int("discovery-port", config.DefaultDiscoveryPort, "UDP port for presence announcements")
	flags.Int("transfer-port", config.DefaultTransferPort, "TCP port for transfers")
	flags.String("receive-dir", "", "Directory inbound files are written to")
	flags.Bool("auto-accept", false, "Accept inbound files without asking")
	flags.Bool("mdns", false, "Also discover peers through mDNS")
	flags.Bool("directed-broadcast", true, "Also announce on each interface's broadcast address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(textCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// session is the per-invocation runtime shared by the subcommands.
type session struct {
	cfg     *config.Config
	cfgPath string
	log     *zap.Logger
	scope   tally.Scope
	closer  io.Closer
}

func newSession(cmd *cobra.Command) (*session, error) {
	cfg, cfgPath, err := config.LoadOrCreate(cmd.Flags())
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Verbose)
	scope, closer := metrics.NewScope(log, "lanshare", metricsInterval)
	cmd.SetContext(logger.WithLogger(cmd.Context(), log))

	log.Debug("config loaded", zap.String("path", cfgPath), zap.String("device", cfg.DeviceName))
	return &session{cfg: cfg, cfgPath: cfgPath, log: log, scope: scope, closer: closer}, nil
}

func (s *session) newNode(opts node.Options) (*node.Node, error) {
	opts.Config = *s.cfg
	opts.Logger = s.log
	opts.Metrics = s.scope
	return node.New(opts)
}

func (s *session) Close() error {
	err := s.closer.Close()
	// Sync on a console sink fails with EINVAL on some platforms.
	_ = s.log.Sync()
	return err
}

// closeAll closes n and the session, combining their errors.
func closeAll(n *node.Node, s *session) error {
	var err error
	if n != nil {
		err = n.Close()
	}
	return multierr.Append(err, s.Close())
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
