package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewLevels(t *testing.T) {
	logger, err := New(Config{Level: "warn"})
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, "info", DefaultConfig().Level)
	assert.False(t, DefaultConfig().Development)
	assert.Equal(t, "debug", DevelopmentConfig().Level)

	assert.NotNil(t, NewDefault())
	assert.NotNil(t, NewDevelopment())
}

func TestNopAndComponent(t *testing.T) {
	l := Nop()
	c := l.Component("service")
	require.NotNil(t, c)
	assert.False(t, c.Core().Enabled(zapcore.ErrorLevel))
}
