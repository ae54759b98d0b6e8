package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"lanshare/logger"
	"lanshare/node"
)

func init() {
	serveCmd.Flags().Bool("clipboard", false, "Copy received text to the clipboard")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Announce this device and receive files and text until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		sess, err := newSession(cmd)
		if err != nil {
			return err
		}
		useClipboard, _ := cmd.Flags().GetBool("clipboard")
		out := cmd.OutOrStdout()
		log := logger.FromContext(cmd.Context())

		opts := node.Options{
			Progress: newBarSink(os.Stderr),
			Text:     &textPrinter{out: out, clipboard: useClipboard, log: logger.Named(log, "text")},
			Status:   &statusPrinter{out: out},
			Peers:    &peerPrinter{out: out},
		}
		if !sess.cfg.AutoAccept {
			opts.Gate = &promptGate{log: logger.Named(log, "prompt")}
		}
		n, err := sess.newNode(opts)
		if err != nil {
			return multierr.Append(err, sess.Close())
		}
		defer func() {
			err = multierr.Append(err, closeAll(n, sess))
		}()

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		if err := n.StartReceiving(); err != nil {
			return err
		}
		if err := n.StartDiscovery(ctx); err != nil {
			// Transfers still work when peers know our address.
			log.Warn("discovery unavailable", zap.Error(err))
		}

		addr, _ := n.Addr()
		dir, _ := sess.cfg.ResolvedReceiveDir()
		fmt.Fprintf(out, "Device:   %s\n", sess.cfg.DeviceName)
		fmt.Fprintf(out, "Listening on %s, saving to %s\n", addr, dir)
		fmt.Fprintln(out, "Press Ctrl+C to stop")

		<-ctx.Done()
		fmt.Fprintln(out, "Shutting down")
		return nil
	},
}
