package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	for _, format := range []string{"console", "json", ""} {
		logger, err := New("debug", format)
		require.NoError(t, err, format)
		assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	}

	logger, err := New("WARN", "json")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = New("loud", "json")
	assert.Error(t, err)
	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := LoggerFromContext(context.Background())
	assert.False(t, ok)
	assert.NotNil(t, FromContext(context.Background()))

	core, logs := observer.New(zapcore.InfoLevel)
	ctx := ContextWithLogger(context.Background(), zap.New(core))
	FromContext(ctx).Info("hello")
	assert.Equal(t, 1, logs.Len())
}

func TestForCamera(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ForCamera(zap.New(core), "entrance", "Entrance").Info("session complete")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "entrance", fields["camera"])
	assert.Equal(t, "Entrance", fields["camera_name"])
}
