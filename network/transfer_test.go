package network

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lanshare/models"
)

type statusRecorder struct {
	results chan models.TransferResult
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{results: make(chan models.TransferResult, 32)}
}

func (r *statusRecorder) TransferFinished(result models.TransferResult) {
	r.results <- result
}

func (r *statusRecorder) next(t *testing.T) models.TransferResult {
	t.Helper()
	select {
	case result := <-r.results:
		return result
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for transfer result")
		return models.TransferResult{}
	}
}

type countingGate struct {
	calls    atomic.Int32
	accept   bool
	mu       sync.Mutex
	requests []ConfirmRequest
}

func (g *countingGate) Confirm(_ context.Context, req ConfirmRequest) (bool, error) {
	g.calls.Add(1)
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	return g.accept, nil
}

type receiverHarness struct {
	dir      string
	addr     string
	receiver *Receiver
	status   *statusRecorder
	progress *progressRecorder
}

func startReceiver(t *testing.T, opts ReceiverOptions) *receiverHarness {
	t.Helper()

	h := &receiverHarness{
		dir:      t.TempDir(),
		status:   newStatusRecorder(),
		progress: &progressRecorder{},
	}
	opts.ReceiveDir = h.dir
	opts.Status = h.status
	opts.Progress = h.progress
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}

	receiver, err := NewReceiver(opts)
	require.NoError(t, err)
	h.receiver = receiver

	server, err := Listen("127.0.0.1:0", receiver)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	h.addr = server.Addr().String()
	return h
}

func newTestSender(t *testing.T, opts SenderOptions) *Sender {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	return NewSender(opts)
}

func patternBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func writeSource(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestSendFileEndToEnd(t *testing.T) {
	h := startReceiver(t, ReceiverOptions{AutoAccept: true})
	data := patternBytes(10_000_000)
	src := writeSource(t, "movie.bin", data)

	sender := newTestSender(t, SenderOptions{})
	require.NoError(t, sender.SendFile(context.Background(), h.addr, src, SendOptions{}))

	result := h.status.next(t)
	assert.Equal(t, models.OutcomeComplete, result.Outcome)
	assert.EqualValues(t, len(data), result.Bytes)
	assert.Equal(t, filepath.Join(h.dir, "movie.bin"), result.Path)

	got, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "received content differs")

	final, ok := h.progress.last()
	require.True(t, ok)
	assert.EqualValues(t, 10_000_000, final.Current)
	assert.EqualValues(t, 10_000_000, final.Total)
	assert.Equal(t, models.ModeReceiving, final.Mode)
	assert.Greater(t, final.Speed, 0.0)
	assert.Zero(t, final.ETA)
}

func TestSendFileResumesPartialFile(t *testing.T) {
	h := startReceiver(t, ReceiverOptions{AutoAccept: true})
	data := patternBytes(3*BufferSize + 17)
	const prefix = BufferSize + 5
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "data.bin"), data[:prefix], 0o644))

	src := writeSource(t, "data.bin", data)
	sender := newTestSender(t, SenderOptions{})
	require.NoError(t, sender.SendFile(context.Background(), h.addr, src, SendOptions{}))

	result := h.status.next(t)
	require.Equal(t, models.OutcomeComplete, result.Outcome)
	assert.EqualValues(t, len(data)-prefix, result.Bytes)

	got, err := os.ReadFile(filepath.Join(h.dir, "data.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "resumed content differs")
}

func TestSendFileRenamesOnCollision(t *testing.T) {
	h := startReceiver(t, ReceiverOptions{AutoAccept: true})
	original := []byte("original report")
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "report.pdf"), original, 0o644))

	data := []byte("new report body")
	src := writeSource(t, "report.pdf", data)
	sender := newTestSender(t, SenderOptions{})
	require.NoError(t, sender.SendFile(context.Background(), h.addr, src, SendOptions{}))

	result := h.status.next(t)
	require.Equal(t, models.OutcomeComplete, result.Outcome)
	assert.Equal(t, filepath.Join(h.dir, "report_1.pdf"), result.Path)

	got, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	kept, err := os.ReadFile(filepath.Join(h.dir, "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, original, kept)
}

func TestReceiverRejectsTraversalBeforeConfirmation(t *testing.T) {
	gate := &countingGate{accept: true}
	dir := t.TempDir()
	receiver, err := NewReceiver(ReceiverOptions{ReceiveDir: dir, Gate: gate, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()

	go func() {
		_ = WriteHeader(client, models.TransferHeader{Filename: "../../etc/passwd", Size: 4, Kind: models.KindFile})
	}()

	result := receiver.Handle(context.Background(), server)
	_ = server.Close()

	assert.Equal(t, models.OutcomeFailed, result.Outcome)
	assert.Equal(t, string(StageHeader), result.Stage)
	assert.Contains(t, result.Err, ErrTraversal.Error())
	assert.Zero(t, gate.calls.Load())

	_, err = ReadOffset(client)
	assert.ErrorIs(t, err, io.EOF, "no offset reply is written")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestForeignGroupTraversalClearsAcceptedGroup(t *testing.T) {
	gate := &countingGate{accept: true}
	receiver, err := NewReceiver(ReceiverOptions{ReceiveDir: t.TempDir(), Gate: gate, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	accepted := models.TransferHeader{Filename: "a", Size: 1, Kind: models.KindFile, GroupID: "G", GroupSize: 4}
	receiver.Batches().MarkAccepted(accepted)
	require.Equal(t, "G", receiver.Batches().AcceptedGroup())

	client, server := net.Pipe()
	defer client.Close()
	go func() {
		_ = WriteHeader(client, models.TransferHeader{Filename: "../x", Size: 4, Kind: models.KindFile, GroupID: "H", GroupSize: 4})
	}()

	result := receiver.Handle(context.Background(), server)
	_ = server.Close()

	assert.Equal(t, models.OutcomeFailed, result.Outcome)
	assert.Contains(t, result.Err, ErrTraversal.Error())
	assert.Zero(t, gate.calls.Load())
	assert.Empty(t, receiver.Batches().AcceptedGroup())
	assert.False(t, receiver.Batches().Admit(accepted), "a returning member of G must be confirmed again")
}

func TestGroupMembersAreConfirmedOnce(t *testing.T) {
	gate := &countingGate{accept: true}
	h := startReceiver(t, ReceiverOptions{Gate: gate})
	sender := newTestSender(t, SenderOptions{})
	ctx := context.Background()

	send := func(name, group string) {
		src := writeSource(t, name, []byte("payload of "+name))
		require.NoError(t, sender.SendFile(ctx, h.addr, src, SendOptions{GroupID: group, GroupSize: 100}))
		assert.Equal(t, models.OutcomeComplete, h.status.next(t).Outcome)
	}

	send("one.txt", "G")
	send("two.txt", "G")
	send("three.txt", "H")

	assert.EqualValues(t, 2, gate.calls.Load())
	require.Len(t, gate.requests, 2)
	assert.Equal(t, "one.txt (Part of a batch)", gate.requests[0].DisplayName())
	assert.Equal(t, "H", gate.requests[1].GroupID)
	assert.Equal(t, "H", h.receiver.Batches().AcceptedGroup())
}

func TestReceiverCancelStopsWithinOneChunk(t *testing.T) {
	token := NewCancelToken()
	dir := t.TempDir()
	status := newStatusRecorder()
	receiver, err := NewReceiver(ReceiverOptions{
		ReceiveDir: dir,
		AutoAccept: true,
		Token:      token,
		Status:     status,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go receiver.Handle(context.Background(), server)

	const size = 10 * BufferSize
	require.NoError(t, WriteHeader(client, models.TransferHeader{Filename: "big.bin", Size: size, Kind: models.KindFile}))
	offset, err := ReadOffset(client)
	require.NoError(t, err)
	require.Zero(t, offset)

	chunk := patternBytes(BufferSize + BufferSize/2)
	_, err = client.Write(chunk)
	require.NoError(t, err)
	sentBeforeCancel := int64(len(chunk))

	token.Cancel()
	go func() {
		_, _ = client.Write(patternBytes(BufferSize))
	}()

	result := status.next(t)
	assert.Equal(t, models.OutcomeCancelled, result.Outcome)

	info, err := os.Stat(filepath.Join(dir, "big.bin"))
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), sentBeforeCancel+BufferSize)
	assert.Less(t, info.Size(), int64(size))

	assert.False(t, token.Begin(), "receives stay refused until reset")
}

func TestSenderCancelStopsStreaming(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	token := NewCancelToken()
	sender := newTestSender(t, SenderOptions{
		Token: token,
		dial: func(context.Context, string, string) (net.Conn, error) {
			return client, nil
		},
	})

	src := writeSource(t, "stream.bin", patternBytes(8*BufferSize))
	done := make(chan error, 1)
	go func() {
		done <- sender.SendFile(context.Background(), "peer", src, SendOptions{})
	}()

	_, err := ReadHeader(server)
	require.NoError(t, err)
	require.NoError(t, WriteOffset(server, 0))
	_, err = io.ReadFull(server, make([]byte, BufferSize))
	require.NoError(t, err)

	token.Cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
		assert.Equal(t, models.OutcomeCancelled, Classify(err))
	case <-time.After(5 * time.Second):
		t.Fatal("sender did not stop after cancel")
	}
}

func TestSenderRefusesWhileCancelRequested(t *testing.T) {
	var dials atomic.Int32
	token := NewCancelToken()
	token.Cancel()

	sender := newTestSender(t, SenderOptions{
		Token: token,
		dial: func(context.Context, string, string) (net.Conn, error) {
			dials.Add(1)
			return nil, errors.New("unexpected dial")
		},
	})

	src := writeSource(t, "a.txt", []byte("a"))
	err := sender.SendFile(context.Background(), "peer", src, SendOptions{})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StageConnect, StageOf(err))
	assert.Zero(t, dials.Load())

	token.Reset()
	err = sender.SendFile(context.Background(), "peer", src, SendOptions{})
	assert.EqualValues(t, 1, dials.Load())
	assert.Equal(t, models.OutcomeFailed, Classify(err))
}

func TestSendTextDeliversToSink(t *testing.T) {
	received := make(chan [2]string, 1)
	h := startReceiver(t, ReceiverOptions{
		Text: TextFunc(func(from, content string) {
			received <- [2]string{from, content}
		}),
	})

	sender := newTestSender(t, SenderOptions{})
	require.NoError(t, sender.SendText(context.Background(), h.addr, "héllo there"))

	select {
	case got := <-received:
		assert.Equal(t, "127.0.0.1", got[0])
		assert.Equal(t, "héllo there", got[1])
	case <-time.After(5 * time.Second):
		t.Fatal("text was not delivered")
	}

	result := h.status.next(t)
	assert.Equal(t, models.OutcomeComplete, result.Outcome)
	assert.Equal(t, models.KindText, result.Kind)
	assert.Equal(t, models.TextFilename, result.Name)
}

func TestAutoAcceptBypassesGate(t *testing.T) {
	gate := &countingGate{accept: false}
	h := startReceiver(t, ReceiverOptions{Gate: gate, AutoAccept: true})
	src := writeSource(t, "auto.txt", []byte("no questions asked"))

	sender := newTestSender(t, SenderOptions{})
	require.NoError(t, sender.SendFile(context.Background(), h.addr, src, SendOptions{}))
	assert.Equal(t, models.OutcomeComplete, h.status.next(t).Outcome)
	assert.Zero(t, gate.calls.Load())
}

func TestRejectedTransferWritesNothing(t *testing.T) {
	h := startReceiver(t, ReceiverOptions{})
	src := writeSource(t, "nope.txt", []byte("declined"))

	sender := newTestSender(t, SenderOptions{})
	err := sender.SendFile(context.Background(), h.addr, src, SendOptions{})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, models.OutcomeRejected, Classify(err))

	result := h.status.next(t)
	assert.Equal(t, models.OutcomeRejected, result.Outcome)

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConfirmationTimeoutRejects(t *testing.T) {
	gate := ConfirmFunc(func(ctx context.Context, _ ConfirmRequest) (bool, error) {
		<-ctx.Done()
		return true, nil
	})
	h := startReceiver(t, ReceiverOptions{Gate: gate, ConfirmTimeout: 50 * time.Millisecond})
	src := writeSource(t, "slow.txt", []byte("waiting"))

	sender := newTestSender(t, SenderOptions{})
	err := sender.SendFile(context.Background(), h.addr, src, SendOptions{})
	assert.ErrorIs(t, err, ErrRejected)

	result := h.status.next(t)
	assert.Equal(t, models.OutcomeRejected, result.Outcome)
	assert.Contains(t, result.Err, "timed out")
}

func TestSendBatchAggregatesProgress(t *testing.T) {
	gate := &countingGate{accept: true}
	h := startReceiver(t, ReceiverOptions{Gate: gate})

	root := t.TempDir()
	photos := filepath.Join(root, "photos")
	require.NoError(t, os.MkdirAll(filepath.Join(photos, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(photos, "a.txt"), patternBytes(1000), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(photos, "sub", "b.txt"), patternBytes(2000), 0o644))
	single := filepath.Join(root, "c.txt")
	require.NoError(t, os.WriteFile(single, patternBytes(500), 0o644))

	batch, err := CollectBatch([]string{photos, single})
	require.NoError(t, err)
	require.Len(t, batch.Items, 3)
	assert.Equal(t, "photos/a.txt", batch.Items[0].RemoteName)
	assert.Equal(t, "photos/sub/b.txt", batch.Items[1].RemoteName)
	assert.Equal(t, "c.txt", batch.Items[2].RemoteName)
	assert.EqualValues(t, 3500, batch.TotalSize)

	progress := &progressRecorder{}
	sender := newTestSender(t, SenderOptions{})
	sent, err := sender.SendBatch(context.Background(), h.addr, batch, progress)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)

	for range batch.Items {
		assert.Equal(t, models.OutcomeComplete, h.status.next(t).Outcome)
	}
	assert.EqualValues(t, 1, gate.calls.Load())

	state, ok := h.receiver.Batches().State()
	require.True(t, ok)
	assert.Equal(t, state.TotalSize, state.ReceivedBase)

	final, ok := progress.last()
	require.True(t, ok)
	assert.Equal(t, models.ModeSendingBatch, final.Mode)
	assert.EqualValues(t, 3500, final.Current)
	assert.EqualValues(t, 3500, final.Total)

	got, err := os.ReadFile(filepath.Join(h.dir, "photos", "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, patternBytes(2000), got)

	for _, p := range h.progress.all() {
		assert.Equal(t, models.ModeReceivingBatch, p.Mode)
		assert.EqualValues(t, 3500, p.Total)
	}
}

func TestSendBatchStopsOnRejection(t *testing.T) {
	h := startReceiver(t, ReceiverOptions{})
	dir := t.TempDir()
	first := filepath.Join(dir, "first.txt")
	second := filepath.Join(dir, "second.txt")
	require.NoError(t, os.WriteFile(first, []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(second, []byte("2"), 0o644))

	batch, err := CollectBatch([]string{first, second})
	require.NoError(t, err)

	sender := newTestSender(t, SenderOptions{})
	sent, err := sender.SendBatch(context.Background(), h.addr, batch, nil)
	assert.Zero(t, sent)
	assert.ErrorIs(t, err, ErrRejected)

	assert.Equal(t, models.OutcomeRejected, h.status.next(t).Outcome)
	select {
	case result := <-h.status.results:
		t.Fatalf("unexpected second transfer: %+v", result)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendBatchCancelSurfacesCancelled(t *testing.T) {
	h := startReceiver(t, ReceiverOptions{AutoAccept: true})
	dir := t.TempDir()
	first := filepath.Join(dir, "first.bin")
	second := filepath.Join(dir, "second.bin")
	require.NoError(t, os.WriteFile(first, patternBytes(4096), 0o644))
	require.NoError(t, os.WriteFile(second, patternBytes(4096), 0o644))

	batch, err := CollectBatch([]string{first, second})
	require.NoError(t, err)

	token := NewCancelToken()
	sender := newTestSender(t, SenderOptions{Token: token})
	var cancelOnce sync.Once
	progress := ProgressFunc(func(models.Progress) {
		cancelOnce.Do(token.Cancel)
	})

	sent, err := sender.SendBatch(context.Background(), h.addr, batch, progress)
	assert.Zero(t, sent)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, models.OutcomeCancelled, Classify(err))
	assert.Equal(t, 1, strings.Count(err.Error(), ErrCancelled.Error()), err.Error())

	h.status.next(t)
	select {
	case result := <-h.status.results:
		t.Fatalf("unexpected second transfer: %+v", result)
	case <-time.After(100 * time.Millisecond):
	}
	assert.NoFileExists(t, filepath.Join(h.dir, "second.bin"))
}
