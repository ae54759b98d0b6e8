package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextRoundTrip(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := WithLogger(context.Background(), base)
	FromContext(ctx).Info("hello")

	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, "hello", logs.All()[0].Message)
}

func TestFromContextWithoutLoggerIsNop(t *testing.T) {
	l := FromContext(context.Background())
	assert.NotNil(t, l)
	l.Info("dropped")
}

func TestNewRespectsVerbose(t *testing.T) {
	assert.True(t, New(true).Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New(false).Core().Enabled(zapcore.InfoLevel))
}

func TestNamedToleratesNil(t *testing.T) {
	assert.NotNil(t, Named(nil, "x"))
}
