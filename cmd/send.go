package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"lanshare/logger"
	"lanshare/network"
	"lanshare/node"
)

// defaultDiscoveryWait is how long a command listens for announcements
// before giving up on a peer name.
const defaultDiscoveryWait = 3 * time.Second

func init() {
	sendCmd.Flags().Duration("wait", defaultDiscoveryWait, "How long to look for a peer given by name")
	textCmd.Flags().Duration("wait", defaultDiscoveryWait, "How long to look for a peer given by name")
}

var sendCmd = &cobra.Command{
	Use:   "send <peer> <path>...",
	Short: "Send files or folders to a peer",
	Long: `Send files or folders to a peer given by address or announced name.
A single file is sent on its own; several files or a folder are sent as one
batch that the receiver accepts once.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")
		return withSender(cmd, args[0], wait, func(ctx context.Context, n *node.Node, addr string) error {
			sent, err := n.SendPaths(ctx, addr, args[1:])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %d file(s)\n", sent)
			return nil
		})
	},
}

var textCmd = &cobra.Command{
	Use:   "text <peer> <message>...",
	Short: "Send a text message to a peer; use - to read it from stdin",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args[1:], " ")
		if message == "-" {
			raw, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), network.MaxTextSize+1))
			if err != nil {
				return fmt.Errorf("read message: %w", err)
			}
			message = string(raw)
		}
		wait, _ := cmd.Flags().GetDuration("wait")
		return withSender(cmd, args[0], wait, func(ctx context.Context, n *node.Node, addr string) error {
			return n.SendText(ctx, addr, message)
		})
	},
}

// withSender builds a node, resolves target and runs send under a context
// cancelled by Ctrl+C.
func withSender(cmd *cobra.Command, target string, wait time.Duration, send func(context.Context, *node.Node, string) error) (err error) {
	sess, err := newSession(cmd)
	if err != nil {
		return err
	}
	n, err := sess.newNode(node.Options{
		Progress: newBarSink(os.Stderr),
		Status:   &statusPrinter{out: cmd.OutOrStdout()},
	})
	if err != nil {
		return multierr.Append(err, sess.Close())
	}
	defer func() {
		err = multierr.Append(err, closeAll(n, sess))
	}()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	addr, err := findPeer(ctx, n, target, wait)
	if err != nil {
		return err
	}
	return send(ctx, n, addr)
}

// findPeer resolves target. Addresses resolve at once; names are looked up
// among peers announcing within wait.
func findPeer(ctx context.Context, n *node.Node, target string, wait time.Duration) (string, error) {
	log := logger.Named(logger.FromContext(ctx), "resolve")
	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}
	if net.ParseIP(host) != nil {
		return target, nil
	}

	if err := n.StartDiscovery(ctx); err != nil {
		log.Warn("discovery unavailable", zap.Error(err))
		return n.Resolve(target)
	}
	defer func() {
		if err := n.StopDiscovery(); err != nil {
			log.Debug("stop discovery", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(wait)
	for {
		if peer, ok := n.Lookup(target); ok {
			log.Debug("peer resolved", zap.String("name", target), zap.String("addr", peer.Address))
			return peer.Address, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return n.Resolve(target)
		case <-ticker.C:
		}
	}
}
