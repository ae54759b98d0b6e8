package discovery

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func TestServiceStartStopAndRestart(t *testing.T) {
	svc := NewService(Config{
		DeviceName:    "Self",
		Platform:      "linux",
		Port:          freeUDPPort(t),
		BroadcastAddr: "127.0.0.1",
		Logger:        zaptest.NewLogger(t),
	}, nil, nil)

	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.Running())
	assert.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, svc.Stop())
	assert.False(t, svc.Running())
	require.NoError(t, svc.Stop())

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop())
	assert.NotNil(t, svc.Registry())
	assert.Empty(t, svc.Peers())
}
