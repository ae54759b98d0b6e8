package network

import (
	"context"
	"io"
	"net"
	"os"
	"time"
	"unicode/utf8"

	"github.com/andres-erbsen/clock"
	"github.com/pkg/errors"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"lanshare/metrics"
	"lanshare/models"
)

// ReceiverOptions configures inbound transfer handling.
type ReceiverOptions struct {
	ReceiveDir string

	Gate ConfirmationGate
	// AutoAccept replaces Gate with AcceptAll.
	AutoAccept bool

	Progress ProgressSink
	Text     TextSink
	Status   StatusSink

	Token   *CancelToken
	Batches *BatchTracker

	HeaderTimeout  time.Duration
	ConfirmTimeout time.Duration

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics tally.Scope
}

func (o ReceiverOptions) withDefaults() ReceiverOptions {
	out := o
	switch {
	case out.AutoAccept:
		out.Gate = AcceptAll
	case out.Gate == nil:
		out.Gate = RejectAll
	}
	if out.Progress == nil {
		out.Progress = nopSinks{}
	}
	if out.Text == nil {
		out.Text = nopSinks{}
	}
	if out.Status == nil {
		out.Status = nopSinks{}
	}
	if out.Token == nil {
		out.Token = NewCancelToken()
	}
	if out.Batches == nil {
		out.Batches = NewBatchTracker()
	}
	if out.HeaderTimeout <= 0 {
		out.HeaderTimeout = DefaultHeaderTimeout
	}
	if out.ConfirmTimeout <= 0 {
		out.ConfirmTimeout = DefaultConfirmTimeout
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	out.Metrics = metrics.OrNoop(out.Metrics)
	return out
}

// Receiver runs the inbound protocol for one connection at a time; it is
// safe to share across connections.
type Receiver struct {
	opts ReceiverOptions
	log  *zap.Logger

	scope tally.Scope
	bytes tally.Counter
}

// NewReceiver validates opts and returns a receiver.
func NewReceiver(opts ReceiverOptions) (*Receiver, error) {
	o := opts.withDefaults()
	if o.ReceiveDir == "" {
		return nil, errors.New("receive directory is required")
	}

	scope := o.Metrics.SubScope("transfer").Tagged(map[string]string{"direction": string(models.DirectionReceive)})
	return &Receiver{
		opts:  o,
		log:   o.Logger.Named("receiver"),
		scope: scope,
		bytes: scope.Counter(metrics.TransferBytes),
	}, nil
}

// Batches returns the tracker consulted for group auto-accept.
func (r *Receiver) Batches() *BatchTracker {
	return r.opts.Batches
}

type inbound struct {
	peer   string
	header models.TransferHeader
	name   string
	path   string
	offset int64
	bytes  int64
}

// Handle runs one inbound transfer to its terminal state and reports the
// result to the status sink. The caller closes conn; on rejection no offset
// reply has been written, so closing it signals the rejection to the sender.
func (r *Receiver) Handle(ctx context.Context, conn net.Conn) models.TransferResult {
	started := r.opts.Clock.Now()
	in := &inbound{peer: remoteHost(conn.RemoteAddr())}

	err := r.receive(ctx, conn, in)

	result := models.TransferResult{
		Name:      in.displayName(),
		Peer:      in.peer,
		Kind:      in.header.Kind,
		Direction: models.DirectionReceive,
		Outcome:   Classify(err),
		Stage:     string(StageOf(err)),
		Bytes:     in.bytes,
		Path:      in.path,
	}
	if err != nil {
		result.Err = err.Error()
	}
	r.finish(result, err, r.opts.Clock.Now().Sub(started))
	return result
}

func (r *Receiver) receive(ctx context.Context, conn net.Conn, in *inbound) error {
	header, err := ReadHeaderWithTimeout(conn, r.opts.HeaderTimeout)
	if err != nil {
		return transferError("", StageHeader, err)
	}
	in.header = header
	r.scope.Tagged(map[string]string{"kind": string(header.Kind)}).Counter(metrics.TransfersStarted).Inc(1)

	if header.Kind == models.KindText {
		return r.receiveText(conn, in)
	}
	return r.receiveFile(ctx, conn, in)
}

func (r *Receiver) receiveText(conn net.Conn, in *inbound) error {
	name := in.displayName()
	if in.header.Size > MaxTextSize {
		return transferError(name, StageHeader, errors.Wrapf(ErrProtocol, "text of %d bytes exceeds limit", in.header.Size))
	}
	if err := WriteOffset(conn, 0); err != nil {
		return transferError(name, StageOffset, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(r.opts.HeaderTimeout)); err != nil {
		return transferError(name, StageStream, errors.Wrap(err, "set read deadline"))
	}
	payload := make([]byte, in.header.Size)
	n, err := io.ReadFull(conn, payload)
	in.bytes = int64(n)
	if err != nil {
		return transferError(name, StageStream, errors.Wrap(err, "read text"))
	}
	if !utf8.Valid(payload) {
		return transferError(name, StageStream, errors.Wrap(ErrProtocol, "text is not valid UTF-8"))
	}

	r.opts.Text.TextReceived(in.peer, string(payload))
	return nil
}

func (r *Receiver) receiveFile(ctx context.Context, conn net.Conn, in *inbound) error {
	header := in.header
	// Group membership is settled first: a foreign group clears the accepted
	// group even when its filename is then refused.
	grouped := r.opts.Batches.Admit(header)

	name, err := SanitizeFilename(header.Filename)
	if err != nil {
		return transferError(header.Filename, StageHeader, err)
	}
	in.name = name

	if err := r.admit(ctx, in, grouped); err != nil {
		return transferError(name, StageConfirm, err)
	}

	token := r.opts.Token
	if !token.Begin() {
		return transferError(name, StageOpen, ErrCancelled)
	}

	file, offset, err := openDestination(r.opts.ReceiveDir, name, header.Size)
	if err != nil {
		return transferError(name, StageOpen, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			r.log.Warn("close destination", zap.String("file", file.Name()), zap.Error(cerr))
		}
	}()
	in.path = file.Name()
	in.offset = offset

	if err := WriteOffset(conn, offset); err != nil {
		return transferError(name, StageOffset, err)
	}
	r.log.Debug("receiving",
		zap.String("peer", in.peer),
		zap.String("file", in.path),
		zap.Int64("size", header.Size),
		zap.Int64("offset", offset))

	release := token.Attach(ctx, conn)
	defer release()

	meter := r.meterFor(in)
	received, err := r.stream(ctx, conn, file, offset, header.Size, meter)
	in.bytes = received - offset
	if err != nil {
		return transferError(name, StageStream, err)
	}

	if header.Batched() {
		r.opts.Batches.Complete(header.GroupID, header.Size)
	}
	return nil
}

// admit applies group auto-accept, auto_accept and the confirmation gate.
// grouped is the BatchTracker.Admit result for the header.
func (r *Receiver) admit(ctx context.Context, in *inbound, grouped bool) error {
	header := in.header
	if grouped {
		r.log.Debug("auto-accepted group member", zap.String("file", in.name), zap.String("group", header.GroupID))
		return nil
	}

	accepted, err := r.confirm(ctx, ConfirmRequest{
		Name:      in.name,
		Size:      header.Size,
		From:      in.peer,
		GroupID:   header.GroupID,
		GroupSize: header.GroupSize,
	})
	if err != nil {
		return err
	}
	if !accepted {
		return ErrRejected
	}

	r.opts.Batches.MarkAccepted(header)
	return nil
}

type decision struct {
	accepted bool
	err      error
}

// confirm waits for the gate at most ConfirmTimeout; expiry is a rejection.
func (r *Receiver) confirm(ctx context.Context, req ConfirmRequest) (bool, error) {
	confirmCtx, cancel := context.WithTimeout(ctx, r.opts.ConfirmTimeout)
	defer cancel()

	done := make(chan decision, 1)
	go func() {
		accepted, err := r.opts.Gate.Confirm(confirmCtx, req)
		done <- decision{accepted: accepted, err: err}
	}()

	var d decision
	select {
	case d = <-done:
	case <-confirmCtx.Done():
	}

	switch {
	case ctx.Err() != nil:
		return false, errors.Wrap(ErrCancelled, "shutting down")
	case confirmCtx.Err() != nil:
		return false, errors.Wrap(ErrRejected, "confirmation timed out")
	case d.err != nil:
		return false, errors.Wrap(ErrRejected, d.err.Error())
	}
	return d.accepted, nil
}

func (r *Receiver) meterFor(in *inbound) *progressMeter {
	header := in.header
	if batch, ok := r.opts.Batches.Begin(header); ok {
		return newProgressMeter(r.opts.Clock, r.opts.Progress, in.name, models.ModeReceivingBatch,
			batch.ReceivedBase, batch.TotalSize, in.offset)
	}
	return newProgressMeter(r.opts.Clock, r.opts.Progress, in.name, models.ModeReceiving,
		0, header.Size, in.offset)
}

// stream copies the payload into file until size bytes are on disk. It
// returns the file length reached.
func (r *Receiver) stream(ctx context.Context, conn net.Conn, file *os.File, offset, size int64, meter *progressMeter) (int64, error) {
	token := r.opts.Token
	received := offset
	if received >= size {
		meter.update(received, true)
		return received, nil
	}

	buf := make([]byte, BufferSize)
	for received < size {
		if token.stopped(ctx) {
			return received, ErrCancelled
		}

		want := size - received
		if want > BufferSize {
			want = BufferSize
		}
		n, rerr := conn.Read(buf[:want])
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return received, errors.Wrap(werr, "write payload")
			}
			received += int64(n)
			r.bytes.Inc(int64(n))
			meter.update(received, received == size)
		}
		if rerr != nil && received < size {
			if token.stopped(ctx) {
				return received, ErrCancelled
			}
			if errors.Is(rerr, io.EOF) {
				return received, errors.Wrapf(io.ErrUnexpectedEOF, "peer closed after %d of %d bytes", received, size)
			}
			return received, errors.Wrap(rerr, "read payload")
		}
	}

	if token.stopped(ctx) {
		return received, ErrCancelled
	}
	return received, nil
}

func (r *Receiver) finish(result models.TransferResult, err error, elapsed time.Duration) {
	fields := []zap.Field{
		zap.String("peer", result.Peer),
		zap.String("file", result.Name),
		zap.String("outcome", string(result.Outcome)),
		zap.Int64("bytes", result.Bytes),
	}
	switch result.Outcome {
	case models.OutcomeComplete:
		r.log.Info("transfer received", append(fields, zap.Duration("elapsed", elapsed))...)
	case models.OutcomeRejected, models.OutcomeCancelled:
		r.log.Info("transfer stopped", append(fields, zap.Error(err))...)
	default:
		r.log.Warn("transfer failed", append(fields, zap.String("stage", result.Stage), zap.Error(err))...)
	}

	outcome := r.scope.Tagged(map[string]string{"outcome": string(result.Outcome)})
	outcome.Counter(metrics.TransfersDone).Inc(1)
	if result.Outcome == models.OutcomeComplete {
		outcome.Timer(metrics.TransferDuration).Record(elapsed)
	}
	r.opts.Status.TransferFinished(result)
}

func (in *inbound) displayName() string {
	switch {
	case in.header.Kind == models.KindText:
		if in.header.Filename != "" {
			return in.header.Filename
		}
		return models.TextFilename
	case in.name != "":
		return in.name
	default:
		return in.header.Filename
	}
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
