package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"lanshare/node"
)

func init() {
	peersCmd.Flags().Duration("wait", defaultDiscoveryWait, "How long to listen for announcements")
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List devices announcing on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		wait, _ := cmd.Flags().GetDuration("wait")
		sess, err := newSession(cmd)
		if err != nil {
			return err
		}
		n, err := sess.newNode(node.Options{})
		if err != nil {
			return multierr.Append(err, sess.Close())
		}
		defer func() {
			err = multierr.Append(err, closeAll(n, sess))
		}()

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		if err := n.StartDiscovery(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}

		peers := n.Peers()
		out := cmd.OutOrStdout()
		if len(peers) == 0 {
			fmt.Fprintln(out, "No peers found")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tADDRESS\tOS\tLAST SEEN")
		for _, peer := range peers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", peer.DisplayName, peer.Address, peer.Platform, humanize.Time(peer.LastSeen))
		}
		return w.Flush()
	},
}
