package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.Info("server started")

	line := logLine(t, &buf)
	assert.Equal(t, "INFO", line["level"])
	assert.Equal(t, "server started", line["msg"])
	assert.Contains(t, line, "time")
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WarnLevel, &buf)

	logger.Debug("ignored")
	logger.Info("also ignored")
	assert.Empty(t, buf.String())

	logger.Warn("kept")
	assert.NotEmpty(t, buf.String())
}

func TestLoggerWithField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithField("tenant_id", "acme").Info("config created")

	line := logLine(t, &buf)
	assert.Equal(t, "acme", line["tenant_id"])
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithFields(map[string]interface{}{
		"tenant_id": "acme",
		"protocol":  "saml",
	}).Info("login completed")

	line := logLine(t, &buf)
	assert.Equal(t, "acme", line["tenant_id"])
	assert.Equal(t, "saml", line["protocol"])
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithError(errors.New("connection refused")).Error("sync failed")

	line := logLine(t, &buf)
	assert.Equal(t, "connection refused", line["error"])

	// A nil error adds nothing and returns the same logger.
	assert.Same(t, logger, logger.WithError(nil))
}

func TestLoggerDerivedLoggersAreIndependent(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(InfoLevel, &buf)
	derived := base.WithField("job_id", "j-1")

	base.Info("plain")
	line := logLine(t, &buf)
	assert.NotContains(t, line, "job_id")

	buf.Reset()
	derived.Info("scoped")
	line = logLine(t, &buf)
	assert.Equal(t, "j-1", line["job_id"])
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", DebugLevel.String())
	assert.Equal(t, "INFO", InfoLevel.String())
	assert.Equal(t, "WARN", WarnLevel.String())
	assert.Equal(t, "ERROR", ErrorLevel.String())
}
