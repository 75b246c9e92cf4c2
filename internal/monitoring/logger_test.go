package monitoring

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogger(t *testing.T) {
	defer SetLogger(nil)

	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core))

	Logf("admitted %d frames", 3)
	Named("pipeline").Warnf("capacity exceeded for %s", "cam-1")

	if logs.Len() != 2 {
		t.Fatalf("observed %d entries, want 2", logs.Len())
	}
	entries := logs.All()
	if entries[0].Message != "admitted 3 frames" {
		t.Errorf("first message = %q", entries[0].Message)
	}
	if entries[1].LoggerName != "pipeline" {
		t.Errorf("logger name = %q, want pipeline", entries[1].LoggerName)
	}
}

func TestSetLogger_NilMutes(t *testing.T) {
	SetLogger(nil)
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Logf panicked after SetLogger(nil): %v", r)
		}
	}()
	Logf("test message")
	Logger().Infof("still quiet")
}

func TestNewLogger_Levels(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		l, err := NewLogger(level)
		if err != nil {
			t.Errorf("NewLogger(%q) error: %v", level, err)
			continue
		}
		_ = l.Sync()
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Error("NewLogger(loud) should fail")
	}
}

func TestStreams(t *testing.T) {
	defer SetLogger(nil)

	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))

	st := NewStreams("orchestrator")
	st.Opsf("stage %s panicked", "pose")
	st.Diagf("run took %dms", 12)
	st.Tracef("launched %s", "person")

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("observed %d entries, want 3", len(entries))
	}
	wantLevels := []zapcore.Level{zapcore.WarnLevel, zapcore.InfoLevel, zapcore.DebugLevel}
	for i, e := range entries {
		if e.Level != wantLevels[i] {
			t.Errorf("entry %d level = %v, want %v", i, e.Level, wantLevels[i])
		}
		if e.LoggerName != "orchestrator" {
			t.Errorf("entry %d logger = %q, want orchestrator", i, e.LoggerName)
		}
	}
}
