// Package logging provides per-category structured loggers on top of logrus.
//
// Every subsystem asks for its category once:
//
//	var log = logging.Category("blockchain")
//
// and logs through the returned entry, which carries a "com" field naming
// the category. Levels can be set globally and per category with a spec
// string such as "warning,blockchain:debug,txpool:trace".
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

var (
	mu           sync.Mutex
	defaultLevel = logrus.InfoLevel
	levels       = map[string]logrus.Level{}
	loggers      = map[string]*logrus.Logger{}
	out          io.Writer = os.Stdout
	formatter    logrus.Formatter
)

func init() {
	formatter = textFormatter(os.Stdout)
}

func textFormatter(w io.Writer) logrus.Formatter {
	color := false
	if f, ok := w.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		ForceColors:     color,
		DisableColors:   !color,
	}
}

// Category returns the logger for a named subsystem.
func Category(name string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	return logrus.NewEntry(loggerLocked(name)).WithField("com", name)
}

func loggerLocked(name string) *logrus.Logger {
	if l, ok := loggers[name]; ok {
		return l
	}
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(formatter)
	l.SetLevel(levelForLocked(name))
	loggers[name] = l
	return l
}

func levelForLocked(name string) logrus.Level {
	// "blockchain.db.sqlite" inherits from "blockchain.db", then "blockchain".
	for n := name; n != ""; {
		if lvl, ok := levels[n]; ok {
			return lvl
		}
		i := strings.LastIndexByte(n, '.')
		if i < 0 {
			break
		}
		n = n[:i]
	}
	return defaultLevel
}

// SetLevels applies a level spec: a default level optionally followed by
// comma separated category:level pairs. Categories created later pick up
// their level from the spec.
func SetLevels(spec string) error {
	def, cats, err := ParseLevelSpec(spec)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if def != nil {
		defaultLevel = *def
	}
	for cat, lvl := range cats {
		levels[cat] = lvl
	}
	for name, l := range loggers {
		l.SetLevel(levelForLocked(name))
	}
	return nil
}

// ParseLevelSpec parses "level[,cat:level...]". The leading default level is
// optional.
func ParseLevelSpec(spec string) (*logrus.Level, map[string]logrus.Level, error) {
	var def *logrus.Level
	cats := make(map[string]logrus.Level)

	for i, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cat, lvlStr, hasCat := strings.Cut(part, ":")
		if !hasCat {
			if i != 0 {
				return nil, nil, fmt.Errorf("level %q without category must come first", part)
			}
			lvl, err := parseLevel(part)
			if err != nil {
				return nil, nil, err
			}
			def = &lvl
			continue
		}
		lvl, err := parseLevel(lvlStr)
		if err != nil {
			return nil, nil, fmt.Errorf("category %q: %w", cat, err)
		}
		cats[strings.TrimSpace(cat)] = lvl
	}
	return def, cats, nil
}

func parseLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return logrus.FatalLevel, nil
	case "err":
		return logrus.ErrorLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	}
	return logrus.ParseLevel(strings.TrimSpace(s))
}

// SetOutput redirects every category logger.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	for _, l := range loggers {
		l.SetOutput(w)
	}
}

// SetFormat selects "text" or "json" output for every category logger.
func SetFormat(format string) error {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(format) {
	case "", "text":
		formatter = textFormatter(out)
	case "json":
		formatter = &logrus.JSONFormatter{}
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	for _, l := range loggers {
		l.SetFormatter(formatter)
	}
	return nil
}
