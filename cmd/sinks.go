package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/dustin/go-humanize"
	"github.com/erikgeiser/promptkit/confirmation"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"lanshare/models"
	"lanshare/network"
)

// barSink renders transfer progress as a byte progress bar, one bar per
// file or batch.
type barSink struct {
	out io.Writer

	mu  sync.Mutex
	key string
	bar *progressbar.ProgressBar
}

func newBarSink(out io.Writer) *barSink {
	return &barSink{out: out}
}

func (s *barSink) Progress(p models.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Batch members share one bar keyed by the batch mode and total.
	key := p.Mode + "|" + p.Name
	if p.Mode == models.ModeSendingBatch || p.Mode == models.ModeReceivingBatch {
		key = fmt.Sprintf("%s|%d", p.Mode, p.Total)
	}
	if s.bar == nil || key != s.key {
		s.finishLocked()
		s.key = key
		s.bar = progressbar.NewOptions64(p.Total,
			progressbar.OptionSetWriter(s.out),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(s.out) }),
		)
	}
	s.bar.Describe(fmt.Sprintf("%s %s", p.Mode, p.Name))
	_ = s.bar.Set64(p.Current)
	if p.Fraction() >= 1 {
		s.finishLocked()
	}
}

func (s *barSink) finishLocked() {
	if s.bar != nil && !s.bar.IsFinished() {
		_ = s.bar.Finish()
	}
	s.bar = nil
	s.key = ""
}

// promptGate asks on the terminal, one question at a time.
type promptGate struct {
	mu  sync.Mutex
	log *zap.Logger
}

func (g *promptGate) Confirm(ctx context.Context, req network.ConfirmRequest) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	size := humanize.IBytes(uint64(req.Size))
	if req.Batch() {
		size = fmt.Sprintf("%s of %s", size, humanize.IBytes(uint64(req.GroupSize)))
	}
	prompt := confirmation.New(
		fmt.Sprintf("Accept %s (%s) from %s?", req.DisplayName(), size, req.From),
		confirmation.No,
	)

	answer := make(chan bool, 1)
	go func() {
		ok, err := prompt.RunPrompt()
		if err != nil {
			g.log.Warn("confirmation prompt failed", zap.Error(err))
		}
		answer <- ok && err == nil
	}()

	select {
	case ok := <-answer:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// textPrinter prints inbound text and optionally copies it to the clipboard.
type textPrinter struct {
	out       io.Writer
	clipboard bool
	log       *zap.Logger
}

func (p *textPrinter) TextReceived(from, content string) {
	fmt.Fprintf(p.out, "Message from %s:\n%s\n", from, content)
	if !p.clipboard {
		return
	}
	if err := clipboard.WriteAll(content); err != nil {
		p.log.Warn("copy to clipboard failed", zap.Error(err))
		return
	}
	fmt.Fprintln(p.out, "(copied to clipboard)")
}

// statusPrinter prints one line per finished transfer.
type statusPrinter struct {
	out io.Writer
}

func (p *statusPrinter) TransferFinished(r models.TransferResult) {
	verb := "Received"
	if r.Direction == models.DirectionSend {
		verb = "Sent"
	}
	switch r.Outcome {
	case models.OutcomeComplete:
		if r.Kind == models.KindText {
			fmt.Fprintf(p.out, "%s text (%s) %s %s\n", verb, humanize.Bytes(uint64(r.Bytes)), peerPreposition(r.Direction), r.Peer)
			return
		}
		fmt.Fprintf(p.out, "%s %s (%s) %s %s\n", verb, r.Name, humanize.Bytes(uint64(r.Bytes)), peerPreposition(r.Direction), r.Peer)
		if r.Path != "" && r.Direction == models.DirectionReceive {
			fmt.Fprintf(p.out, "  saved to %s\n", r.Path)
		}
	case models.OutcomeRejected:
		fmt.Fprintf(p.out, "%s was declined\n", r.Name)
	case models.OutcomeCancelled:
		fmt.Fprintf(p.out, "%s was cancelled\n", r.Name)
	default:
		fmt.Fprintf(p.out, "%s failed: %s\n", r.Name, r.Err)
	}
}

func peerPreposition(d models.Direction) string {
	if d == models.DirectionSend {
		return "to"
	}
	return "from"
}

// peerPrinter reports peers appearing and disappearing.
type peerPrinter struct {
	out io.Writer
}

func (p *peerPrinter) PeerFound(peer models.Peer) {
	fmt.Fprintf(p.out, "+ %s\n", peer.Label())
}

func (p *peerPrinter) PeerLost(peer models.Peer) {
	fmt.Fprintf(p.out, "- %s (last seen %s)\n", peer.Label(), humanize.Time(peer.LastSeen))
}
