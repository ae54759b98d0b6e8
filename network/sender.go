package network

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/pkg/errors"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"lanshare/metrics"
	"lanshare/models"
)

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// SenderOptions configures outbound transfers.
type SenderOptions struct {
	// Port is used for peer addresses given without one.
	Port        int
	DialTimeout time.Duration

	Token    *CancelToken
	Progress ProgressSink
	Status   StatusSink

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics tally.Scope

	dial dialFunc
}

func (o SenderOptions) withDefaults() SenderOptions {
	out := o
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.Token == nil {
		out.Token = NewCancelToken()
	}
	if out.Progress == nil {
		out.Progress = nopSinks{}
	}
	if out.Status == nil {
		out.Status = nopSinks{}
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	out.Metrics = metrics.OrNoop(out.Metrics)
	if out.dial == nil {
		dialer := &net.Dialer{Timeout: out.DialTimeout}
		out.dial = dialer.DialContext
	}
	return out
}

// SendOptions are the per-file send parameters.
type SendOptions struct {
	// RemoteName replaces the basename of the source as the advertised name.
	RemoteName string
	GroupID    string
	GroupSize  int64
	// Progress overrides the sender's progress sink for this file.
	Progress ProgressSink

	mode string
}

// Sender runs the outbound side of the transfer protocol.
type Sender struct {
	opts SenderOptions
	log  *zap.Logger

	scope tally.Scope
	bytes tally.Counter
}

// NewSender returns a sender with defaults applied.
func NewSender(opts SenderOptions) *Sender {
	o := opts.withDefaults()
	scope := o.Metrics.SubScope("transfer").Tagged(map[string]string{"direction": string(models.DirectionSend)})
	return &Sender{
		opts:  o,
		log:   o.Logger.Named("sender"),
		scope: scope,
		bytes: scope.Counter(metrics.TransferBytes),
	}
}

// Token returns the cancellation token shared by this sender's transfers.
func (s *Sender) Token() *CancelToken {
	return s.opts.Token
}

// SendFile sends the file at path to peerAddr. It returns nil only when
// every remaining byte was sent and no cancellation happened meanwhile.
func (s *Sender) SendFile(ctx context.Context, peerAddr, path string, opts SendOptions) error {
	started := s.opts.Clock.Now()
	name := opts.RemoteName
	if name == "" {
		name = filepath.Base(path)
	}

	sent, err := s.sendFile(ctx, peerAddr, path, name, opts)
	s.finish(models.TransferResult{
		Name:      name,
		Peer:      peerAddr,
		Kind:      models.KindFile,
		Direction: models.DirectionSend,
		Bytes:     sent,
		Path:      path,
	}, err, s.opts.Clock.Now().Sub(started))
	return err
}

func (s *Sender) sendFile(ctx context.Context, peerAddr, path, name string, opts SendOptions) (int64, error) {
	token := s.opts.Token
	if token.CancelRequested() {
		return 0, transferError(name, StageConnect, ErrCancelled)
	}

	file, err := os.Open(path)
	if err != nil {
		return 0, transferError(name, StageOpen, errors.Wrap(err, "open source"))
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, transferError(name, StageOpen, errors.Wrap(err, "stat source"))
	}
	if !info.Mode().IsRegular() {
		return 0, transferError(name, StageOpen, errors.Errorf("%s is not a regular file", path))
	}
	size := info.Size()

	header := models.TransferHeader{
		Filename:  name,
		Size:      size,
		Kind:      models.KindFile,
		GroupID:   opts.GroupID,
		GroupSize: opts.GroupSize,
	}
	if header.GroupID == "" {
		header.GroupSize = 0
	}

	conn, release, err := s.connect(ctx, peerAddr)
	if err != nil {
		return 0, transferError(name, StageConnect, err)
	}
	defer release()
	s.scope.Tagged(map[string]string{"kind": string(models.KindFile)}).Counter(metrics.TransfersStarted).Inc(1)

	if err := WriteHeader(conn, header); err != nil {
		return 0, transferError(name, StageHeader, s.interrupted(ctx, err))
	}

	offset, err := ReadOffset(conn)
	if err != nil {
		if token.stopped(ctx) {
			return 0, transferError(name, StageConfirm, ErrCancelled)
		}
		if isRejection(err) {
			return 0, transferError(name, StageConfirm, ErrRejected)
		}
		return 0, transferError(name, StageOffset, err)
	}
	if offset > size {
		return 0, transferError(name, StageOffset, errors.Wrapf(ErrProtocol, "offset %d beyond size %d", offset, size))
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0, transferError(name, StageStream, errors.Wrap(err, "seek source"))
	}
	s.log.Debug("sending",
		zap.String("peer", peerAddr),
		zap.String("file", name),
		zap.Int64("size", size),
		zap.Int64("offset", offset))

	mode := opts.mode
	if mode == "" {
		mode = models.ModeSending
	}
	sink := opts.Progress
	if sink == nil {
		sink = s.opts.Progress
	}
	meter := newProgressMeter(s.opts.Clock, sink, name, mode, 0, size, offset)

	sent := offset
	if sent == size {
		meter.update(sent, true)
	}
	for sent < size {
		if token.stopped(ctx) {
			return sent - offset, transferError(name, StageStream, ErrCancelled)
		}
		chunk := size - sent
		if chunk > BufferSize {
			chunk = BufferSize
		}
		n, err := io.CopyN(conn, file, chunk)
		sent += n
		s.bytes.Inc(n)
		if n > 0 {
			meter.update(sent, sent == size)
		}
		if err != nil {
			return sent - offset, transferError(name, StageStream, s.interrupted(ctx, errors.Wrap(err, "send payload")))
		}
	}

	if token.stopped(ctx) {
		return sent - offset, transferError(name, StageStream, ErrCancelled)
	}
	return sent - offset, nil
}

// SendText sends text as a single text transfer.
func (s *Sender) SendText(ctx context.Context, peerAddr, text string) error {
	started := s.opts.Clock.Now()
	err := s.sendText(ctx, peerAddr, text)
	var bytes int64
	if err == nil {
		bytes = int64(len(text))
	}
	s.finish(models.TransferResult{
		Name:      models.TextFilename,
		Peer:      peerAddr,
		Kind:      models.KindText,
		Direction: models.DirectionSend,
		Bytes:     bytes,
	}, err, s.opts.Clock.Now().Sub(started))
	return err
}

func (s *Sender) sendText(ctx context.Context, peerAddr, text string) error {
	name := models.TextFilename
	if len(text) > MaxTextSize {
		return transferError(name, StageHeader, errors.Errorf("text of %d bytes exceeds limit", len(text)))
	}

	conn, release, err := s.connect(ctx, peerAddr)
	if err != nil {
		return transferError(name, StageConnect, err)
	}
	defer release()
	s.scope.Tagged(map[string]string{"kind": string(models.KindText)}).Counter(metrics.TransfersStarted).Inc(1)

	header := models.TransferHeader{Filename: name, Size: int64(len(text)), Kind: models.KindText}
	if err := WriteHeader(conn, header); err != nil {
		return transferError(name, StageHeader, s.interrupted(ctx, err))
	}
	if _, err := ReadOffset(conn); err != nil {
		if isRejection(err) {
			return transferError(name, StageConfirm, ErrRejected)
		}
		return transferError(name, StageOffset, s.interrupted(ctx, err))
	}
	if _, err := io.WriteString(conn, text); err != nil {
		return transferError(name, StageStream, s.interrupted(ctx, errors.Wrap(err, "send text")))
	}
	s.bytes.Inc(int64(len(text)))
	return nil
}

// connect dials peerAddr and attaches the connection to the cancel token.
func (s *Sender) connect(ctx context.Context, peerAddr string) (net.Conn, func(), error) {
	address := dialAddress(peerAddr, s.opts.Port)
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer cancel()

	conn, err := s.opts.dial(dialCtx, "tcp", address)
	if err != nil {
		err = errors.Wrapf(err, "dial %s", address)
		if s.opts.Token.CancelRequested() || ctx.Err() != nil {
			return nil, nil, errors.Wrap(ErrCancelled, err.Error())
		}
		return nil, nil, err
	}

	detach := s.opts.Token.Attach(ctx, conn)
	if !s.opts.Token.Begin() {
		detach()
		_ = conn.Close()
		return nil, nil, ErrCancelled
	}
	return conn, func() {
		detach()
		_ = conn.Close()
	}, nil
}

// interrupted replaces err with ErrCancelled when it was caused by a cancel.
func (s *Sender) interrupted(ctx context.Context, err error) error {
	if errors.Is(err, ErrCancelled) {
		return err
	}
	if s.opts.Token.stopped(ctx) {
		return errors.Wrap(ErrCancelled, err.Error())
	}
	return err
}

func (s *Sender) finish(result models.TransferResult, err error, elapsed time.Duration) {
	result.Outcome = Classify(err)
	result.Stage = string(StageOf(err))
	if err != nil {
		result.Err = err.Error()
	}

	fields := []zap.Field{
		zap.String("peer", result.Peer),
		zap.String("file", result.Name),
		zap.String("outcome", string(result.Outcome)),
		zap.Int64("bytes", result.Bytes),
	}
	switch result.Outcome {
	case models.OutcomeComplete:
		s.log.Info("transfer sent", append(fields, zap.Duration("elapsed", elapsed))...)
	case models.OutcomeRejected, models.OutcomeCancelled:
		s.log.Info("transfer stopped", append(fields, zap.Error(err))...)
	default:
		s.log.Warn("transfer failed", append(fields, zap.String("stage", result.Stage), zap.Error(err))...)
	}

	outcome := s.scope.Tagged(map[string]string{"outcome": string(result.Outcome)})
	outcome.Counter(metrics.TransfersDone).Inc(1)
	if result.Outcome == models.OutcomeComplete {
		outcome.Timer(metrics.TransferDuration).Record(elapsed)
	}
	s.opts.Status.TransferFinished(result)
}

// isRejection reports whether err means the receiver closed the connection
// instead of replying with an offset.
func isRejection(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET)
}

// dialAddress appends port to peer when peer carries none.
func dialAddress(peer string, port int) string {
	if _, _, err := net.SplitHostPort(peer); err == nil {
		return peer
	}
	return net.JoinHostPort(peer, strconv.Itoa(port))
}
