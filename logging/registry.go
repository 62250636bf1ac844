package logging

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// LoggerPatternConfig sets the level of every registered logger whose name matches Pattern.
// Pattern sections are separated by dots and "*" matches any run of characters, so
// "drone1.*" covers "drone1.estimator" and "drone1.estimator.marginalization".
type LoggerPatternConfig struct {
	Pattern string `json:"pattern"`
	Level   string `json:"level"`
}

// e.g. "foo", "foo-bar.*.baz" or "*".
var loggerPatternRegexp = regexp.MustCompile(`^([a-zA-Z0-9]+([_-]*[a-zA-Z0-9]+)*|\*)(\.([a-zA-Z0-9]+([_-]*[a-zA-Z0-9]+)*|\*))*$`)

// Validate checks the pattern syntax and the level name.
func (lpc LoggerPatternConfig) Validate() error {
	if !loggerPatternRegexp.MatchString(lpc.Pattern) {
		return errors.Errorf("invalid logger pattern %q", lpc.Pattern)
	}
	_, err := LevelFromString(lpc.Level)
	return err
}

func buildRegexFromPattern(pattern string) *regexp.Regexp {
	var matcher strings.Builder
	matcher.WriteRune('^')
	for _, ch := range pattern {
		switch ch {
		case '*':
			matcher.WriteString(`.*`)
		case '.':
			matcher.WriteString(`\.`)
		default:
			matcher.WriteRune(ch)
		}
	}
	matcher.WriteRune('$')
	return regexp.MustCompile(matcher.String())
}

type loggerRegistry struct {
	mu        sync.RWMutex
	loggers   map[string]Logger
	logConfig []LoggerPatternConfig
}

var loggerManager = newLoggerManager()

func newLoggerManager() *loggerRegistry {
	return &loggerRegistry{
		loggers: make(map[string]Logger),
	}
}

// levelFor returns the level of the last pattern matching name.
func (lr *loggerRegistry) levelFor(name string) (Level, bool) {
	var (
		level Level
		found bool
	)
	for _, lpc := range lr.logConfig {
		if !buildRegexFromPattern(lpc.Pattern).MatchString(name) {
			continue
		}
		if l, err := LevelFromString(lpc.Level); err == nil {
			level, found = l, true
		}
	}
	return level, found
}

func (lr *loggerRegistry) registerLogger(name string, logger Logger) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.loggers[name] = logger
	if level, ok := lr.levelFor(name); ok {
		logger.SetLevel(level)
	}
}

func (lr *loggerRegistry) registerConfig(logConfig []LoggerPatternConfig) error {
	for _, lpc := range logConfig {
		if err := lpc.Validate(); err != nil {
			return err
		}
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.logConfig = append([]LoggerPatternConfig(nil), logConfig...)
	for name, logger := range lr.loggers {
		if level, ok := lr.levelFor(name); ok {
			logger.SetLevel(level)
		}
	}
	return nil
}

func (lr *loggerRegistry) loggerNamed(name string) (logger Logger, ok bool) {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	logger, ok = lr.loggers[name]
	return
}

func (lr *loggerRegistry) updateLoggerLevel(name string, level Level) error {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	logger, ok := lr.loggers[name]
	if !ok {
		return errors.Errorf("logger named %s not recognized", name)
	}
	logger.SetLevel(level)
	return nil
}

func (lr *loggerRegistry) getRegisteredLoggerNames() []string {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	registeredNames := make([]string, 0, len(lr.loggers))
	for name := range lr.loggers {
		registeredNames = append(registeredNames, name)
	}
	sort.Strings(registeredNames)
	return registeredNames
}

// RegisterLogger registers a new logger with a given name. A registered pattern matching the
// name sets its level right away.
func RegisterLogger(name string, logger Logger) {
	loggerManager.registerLogger(name, logger)
}

// RegisterSublogger creates the named sublogger of parent and registers it under its full name,
// so its level can be changed later through UpdateLoggerLevel or RegisterConfig.
func RegisterSublogger(parent Logger, subname string) Logger {
	sub := parent.Sublogger(subname)
	RegisterLogger(sub.Name(), sub)
	return sub
}

// RegisterConfig replaces the level patterns and applies them to every registered logger.
// Loggers no pattern matches keep their level.
func RegisterConfig(logConfig []LoggerPatternConfig) error {
	return loggerManager.registerConfig(logConfig)
}

// LoggerNamed returns logger with specified name if exists.
func LoggerNamed(name string) (logger Logger, ok bool) {
	return loggerManager.loggerNamed(name)
}

// UpdateLoggerLevel assigns level to appropriate logger in the registry.
func UpdateLoggerLevel(name string, level Level) error {
	return loggerManager.updateLoggerLevel(name, level)
}

// GetRegisteredLoggerNames returns the names of all loggers in the registry, sorted.
func GetRegisteredLoggerNames() []string {
	return loggerManager.getRegisteredLoggerNames()
}
