package observability

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/websentry/internal/config"
)

// resetGlobalLogger is critical for test isolation; the logger is a global
// singleton guarded by sync.Once.
func resetGlobalLogger() {
	once = sync.Once{}
	globalLogger.Store(nil)
}

type syncBuffer struct {
	bytes.Buffer
}

func (*syncBuffer) Sync() error { return nil }

func TestInitializeConsoleLogger(t *testing.T) {
	resetGlobalLogger()
	var buf syncBuffer

	Initialize(config.LoggerConfig{
		Level:       "debug",
		Format:      "console",
		ServiceName: "test-service",
	}, zapcore.Lock(&buf))

	logger := GetLogger()
	logger.Info("hello from the audit loop")
	_ = logger.Sync()

	out := buf.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "hello from the audit loop")
	assert.Contains(t, out, "test-service")
}

func TestInitializeRunsOnce(t *testing.T) {
	resetGlobalLogger()
	var buf syncBuffer

	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "first"}, zapcore.Lock(&buf))
	first := GetLogger()

	// Second call must be a no-op.
	Initialize(config.LoggerConfig{Level: "debug", Format: "console", ServiceName: "second"}, zapcore.Lock(&buf))
	assert.Same(t, first, GetLogger())
}

func TestGetLoggerFallback(t *testing.T) {
	resetGlobalLogger()
	logger := GetLogger()
	assert.NotNil(t, logger)
}
