package network

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lanshare/models"
)

func TestListenRequiresReceiver(t *testing.T) {
	_, err := Listen("127.0.0.1:0", nil)
	assert.Error(t, err)
}

func TestListenReportsAddressInUse(t *testing.T) {
	h := startReceiver(t, ReceiverOptions{AutoAccept: true})

	_, err := Listen(h.addr, h.receiver)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on "+strconv.Quote(h.addr))

	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr), "cause is kept: %v", err)
}

func TestNewReceiverRequiresDirectory(t *testing.T) {
	_, err := NewReceiver(ReceiverOptions{})
	assert.Error(t, err)
}

func TestServerCloseInterruptsPendingConfirmation(t *testing.T) {
	asked := make(chan struct{})
	gate := ConfirmFunc(func(ctx context.Context, _ ConfirmRequest) (bool, error) {
		close(asked)
		<-ctx.Done()
		return false, ctx.Err()
	})
	status := newStatusRecorder()
	receiver, err := NewReceiver(ReceiverOptions{
		ReceiveDir: t.TempDir(),
		Gate:       gate,
		Status:     status,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	server, err := Listen("127.0.0.1:0", receiver)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, WriteHeader(conn, models.TransferHeader{Filename: "x.txt", Size: 1, Kind: models.KindFile}))

	select {
	case <-asked:
	case <-time.After(5 * time.Second):
		t.Fatal("gate was not consulted")
	}

	closed := make(chan error, 1)
	go func() { closed <- server.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.Equal(t, models.OutcomeCancelled, status.next(t).Outcome)
	assert.NoError(t, server.Close(), "second Close is a no-op")

	_, err = ReadOffset(conn)
	assert.Error(t, err)
}

func TestServerHandlesConcurrentTransfers(t *testing.T) {
	h := startReceiver(t, ReceiverOptions{AutoAccept: true})
	sender := newTestSender(t, SenderOptions{})

	errs := make(chan error, 4)
	for _, name := range []string{"a.bin", "b.bin", "c.bin", "d.bin"} {
		src := writeSource(t, name, patternBytes(BufferSize*2))
		go func() {
			errs <- sender.SendFile(context.Background(), h.addr, src, SendOptions{})
		}()
	}
	for i := 0; i < 4; i++ {
		assert.NoError(t, <-errs)
		assert.Equal(t, models.OutcomeComplete, h.status.next(t).Outcome)
	}
}
