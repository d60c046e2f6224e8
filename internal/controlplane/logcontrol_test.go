package controlplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLogControllerSetSpecAndRestore(t *testing.T) {
	level := zap.NewAtomicLevelAt(zapcore.WarnLevel)
	c := NewLogController(level)

	require.NoError(t, c.SetSpec("debug"))
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	c.Restore()
	assert.Equal(t, zapcore.WarnLevel, level.Level())
}

func TestLogControllerSetSpecInvalid(t *testing.T) {
	level := zap.NewAtomicLevelAt(zapcore.WarnLevel)
	c := NewLogController(level)

	err := c.SetSpec("not-a-level")
	assert.Error(t, err)
	assert.Equal(t, zapcore.WarnLevel, level.Level())
}

func TestLogControllerRestoreWithoutSetIsNoop(t *testing.T) {
	level := zap.NewAtomicLevelAt(zapcore.WarnLevel)
	c := NewLogController(level)

	c.Restore()
	assert.Equal(t, zapcore.WarnLevel, level.Level())
}

func TestLogControllerRepeatedSetSpecKeepsFirstPrevious(t *testing.T) {
	level := zap.NewAtomicLevelAt(zapcore.WarnLevel)
	c := NewLogController(level)

	require.NoError(t, c.SetSpec("info"))
	require.NoError(t, c.SetSpec("debug"))

	c.Restore()
	assert.Equal(t, zapcore.WarnLevel, level.Level())
}
