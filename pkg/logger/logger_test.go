package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	assert.True(t, New("debug", "json").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("warn", "console").Core().Enabled(zapcore.InfoLevel))
	assert.True(t, New("bogus", "json").Core().Enabled(zapcore.InfoLevel))
}

func TestContextLogger_AddsIDs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithRoomID(WithConnID(context.Background(), "c1"), "r1")
	cl.LogInfo(ctx, "joined")
	cl.LogInfo(context.Background(), "plain")

	entries := logs.All()
	assert.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "c1", fields["conn_id"])
	assert.Equal(t, "r1", fields["room_id"])
	assert.NotContains(t, fields, "trace_id")
	assert.Empty(t, entries[1].ContextMap())
}
