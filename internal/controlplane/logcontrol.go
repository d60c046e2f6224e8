package controlplane

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogController wraps a zap.AtomicLevel so notify_config's log_spec and
// log_restore messages can change the process's logging filter at
// runtime, per §4.6, retaining the previous value to restore to.
type LogController struct {
	level zap.AtomicLevel

	mu       sync.Mutex
	previous *zapcore.Level
}

// NewLogController builds a LogController driving level, the AtomicLevel
// passed to the zap.Logger's core so changes take effect immediately.
func NewLogController(level zap.AtomicLevel) *LogController {
	return &LogController{level: level}
}

// SetSpec parses spec as a zap level name and installs it, saving the
// previous level so a later log_restore can undo the change.
func (c *LogController) SetSpec(spec string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(spec)); err != nil {
		return fmt.Errorf("controlplane: parse log spec %q: %w", spec, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.previous == nil {
		current := c.level.Level()
		c.previous = &current
	}
	c.level.SetLevel(lvl)
	return nil
}

// Restore reverts to the level that was in effect before the first SetSpec
// since the last Restore, if any; later SetSpec calls do not replace that
// saved level.
func (c *LogController) Restore() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.previous == nil {
		return
	}
	c.level.SetLevel(*c.previous)
	c.previous = nil
}
