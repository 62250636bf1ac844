package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.viam.com/test"
)

func TestObservedLogger(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.Debugw("frame added", "drone", 1, "frame_id", int64(42))
	logger.Infof("solve %d done", 3)

	test.That(t, logs.Len(), test.ShouldEqual, 2)
	entries := logs.All()
	test.That(t, entries[0].Message, test.ShouldEqual, "frame added")
	test.That(t, entries[0].ContextMap()["drone"], test.ShouldEqual, int64(1))
	test.That(t, entries[1].Message, test.ShouldEqual, "solve 3 done")
}

func TestLevels(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.SetLevel(WARN)
	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept")
	logger.Errorw("kept too", "err", "boom")
	test.That(t, logs.Len(), test.ShouldEqual, 2)
	test.That(t, logger.GetLevel(), test.ShouldEqual, WARN)

	// Debug mode on the context overrides the level.
	ctx := EnableDebugMode(context.Background(), "")
	test.That(t, IsDebugMode(ctx), test.ShouldBeTrue)
	logger.CDebugw(ctx, "forced")
	test.That(t, logs.Len(), test.ShouldEqual, 3)
	logger.CDebugw(context.Background(), "not forced")
	test.That(t, logs.Len(), test.ShouldEqual, 3)
}

func TestLevelFromString(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"Warning", WARN},
		{"error", ERROR},
	} {
		level, err := LevelFromString(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, tc.expected)
	}
	_, err := LevelFromString("verbose")
	test.That(t, err, test.ShouldNotBeNil)

	var level Level
	test.That(t, level.UnmarshalJSON([]byte(`"warn"`)), test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, WARN)
	out, err := level.MarshalJSON()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(out), test.ShouldEqual, `"warn"`)
}

func TestSubloggerNaming(t *testing.T) {
	var buf bytes.Buffer
	logger := NewBlankLogger("estimator")
	logger.AddAppender(NewWriterAppender(&buf))
	sub := logger.Sublogger("drone1")
	sub.Infow("keyframe", "id", 7)

	line := buf.String()
	test.That(t, strings.Contains(line, "estimator.drone1"), test.ShouldBeTrue)
	test.That(t, strings.Contains(line, "keyframe"), test.ShouldBeTrue)
	test.That(t, strings.Contains(line, `"id": 7`), test.ShouldBeTrue)
}

func TestRegistry(t *testing.T) {
	logger := NewBlankLogger("pgo")
	RegisterLogger("pgo.test", logger)
	got, ok := LoggerNamed("pgo.test")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got, test.ShouldEqual, logger)

	test.That(t, UpdateLoggerLevel("pgo.test", ERROR), test.ShouldBeNil)
	test.That(t, logger.GetLevel(), test.ShouldEqual, ERROR)
	test.That(t, UpdateLoggerLevel("missing", ERROR), test.ShouldNotBeNil)
	test.That(t, GetRegisteredLoggerNames(), test.ShouldContain, "pgo.test")
}

func TestAsZap(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.AsZap().Infow("through zap", "k", "v")
	test.That(t, logs.FilterMessage("through zap").Len(), test.ShouldEqual, 1)
}

func TestRegisterConfig(t *testing.T) {
	t.Cleanup(func() {
		test.That(t, RegisterConfig(nil), test.ShouldBeNil)
	})
	parent := NewBlankLogger("swarm")
	RegisterLogger("swarm.a.c", NewBlankLogger("swarm.a.c"))
	est := RegisterSublogger(parent, "estimator")
	test.That(t, est.Name(), test.ShouldEqual, "swarm.estimator")
	got, ok := LoggerNamed("swarm.estimator")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got, test.ShouldEqual, est)

	test.That(t, RegisterConfig([]LoggerPatternConfig{
		{Pattern: "swarm.*", Level: "warn"},
		{Pattern: "*.estimator", Level: "error"},
	}), test.ShouldBeNil)
	// The last matching pattern wins.
	test.That(t, est.GetLevel(), test.ShouldEqual, ERROR)
	ac, _ := LoggerNamed("swarm.a.c")
	test.That(t, ac.GetLevel(), test.ShouldEqual, WARN)
	test.That(t, parent.GetLevel(), test.ShouldEqual, DEBUG)

	// Loggers registered later pick up the patterns.
	pgo := RegisterSublogger(parent, "pgo")
	test.That(t, pgo.GetLevel(), test.ShouldEqual, WARN)

	test.That(t, RegisterConfig([]LoggerPatternConfig{{Pattern: "swarm..x", Level: "info"}}), test.ShouldNotBeNil)
	test.That(t, RegisterConfig([]LoggerPatternConfig{{Pattern: "swarm", Level: "loud"}}), test.ShouldNotBeNil)
	// A rejected config leaves the levels alone.
	test.That(t, est.GetLevel(), test.ShouldEqual, ERROR)
}
