package utils

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func bufferedLogger(buf *bytes.Buffer) *DefaultLogger {
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &DefaultLogger{logger: slog.New(handler)}
}

func TestLoggerPrefix(t *testing.T) {
	var buf bytes.Buffer
	log := bufferedLogger(&buf)

	log.Info("hello", "k", "v")
	out := buf.String()
	assert.Contains(t, out, "[texie] hello")
	assert.Contains(t, out, "k=v")
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := bufferedLogger(&buf)

	log.Debug("dbg")
	log.Warn("wrn")
	log.Error("err")
	out := buf.String()
	assert.Contains(t, out, "level=DEBUG")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "level=ERROR")
}

func TestLoggerCtxDefaultArgs(t *testing.T) {
	var buf bytes.Buffer
	log := bufferedLogger(&buf)

	ctx := WithDefaultArgs(context.Background(), "name", "conn-1")
	log.InfoCtx(ctx, "closed", "account", "demo")
	out := buf.String()
	assert.Contains(t, out, "name=conn-1")
	assert.Contains(t, out, "account=demo")

	buf.Reset()
	ctx = WithDefaultArgs(ctx, "peer", "satellite")
	log.DebugCtx(ctx, "read failed")
	out = buf.String()
	assert.Contains(t, out, "name=conn-1")
	assert.Contains(t, out, "peer=satellite")
}

func TestLoggerCtxWithoutArgs(t *testing.T) {
	var buf bytes.Buffer
	log := bufferedLogger(&buf)

	log.WarnCtx(context.Background(), "bare")
	assert.Contains(t, buf.String(), "[texie] bare")
}
