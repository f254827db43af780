package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level    string
		expected zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l := New(tt.level, "json")
			assert.True(t, l.Core().Enabled(tt.expected))
			if tt.expected > zapcore.DebugLevel {
				assert.False(t, l.Core().Enabled(tt.expected-1))
			}
		})
	}
}

func TestZapAdapter_FieldsAndErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewZapAdapter(zap.New(core))

	scoped := log.WithFields(map[string]interface{}{"component": "orchestrator"})
	scoped.WithError(errors.New("boom")).Error("node failed", map[string]interface{}{
		"node":  "m1",
		"cause": errors.New("timeout"),
	})

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		ctx := entries[0].ContextMap()
		assert.Equal(t, "node failed", entries[0].Message)
		assert.Equal(t, "orchestrator", ctx["component"])
		assert.Equal(t, "m1", ctx["node"])
		assert.Equal(t, "boom", ctx["error"])
		assert.Equal(t, "timeout", ctx["cause"])
	}
}

func TestNoOpLogger(t *testing.T) {
	log := NewNoOpLogger()
	assert.NotPanics(t, func() {
		log.With(map[string]interface{}{"a": 1}).Info("ignored", nil)
	})
}
