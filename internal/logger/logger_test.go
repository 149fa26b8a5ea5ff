package logger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "debug").With("target", "T1")

	l.Info("connected", "attempt", 2)

	line := buf.Bytes()
	assert.Equal(t, "info", gjson.GetBytes(line, "level").String())
	assert.Equal(t, "connected", gjson.GetBytes(line, "message").String())
	assert.Equal(t, "T1", gjson.GetBytes(line, "target").String())
	assert.Equal(t, int64(2), gjson.GetBytes(line, "attempt").Int())
}

func TestLoggerErr(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "info")

	l.Err(errors.New("boom"), "resume failed")

	assert.Equal(t, "error", gjson.GetBytes(buf.Bytes(), "level").String())
	assert.Equal(t, "boom", gjson.GetBytes(buf.Bytes(), "error").String())
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn")

	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestNop(t *testing.T) {
	l := NewNop()
	l.Info("ignored", "k", "v")
	l.With("a", 1).Err(errors.New("x"), "ignored")
}
