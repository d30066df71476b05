// Package logparse classifies free-form output lines by severity.
package logparse

import (
	"regexp"
	"strings"
)

// Canonical severity levels, lowest first.
const (
	Trace = "TRACE"
	Debug = "DEBUG"
	Info  = "INFO"
	Warn  = "WARN"
	Error = "ERROR"
	Fatal = "FATAL"
)

// Levels lists the canonical levels in ascending order.
var Levels = []string{Trace, Debug, Info, Warn, Error, Fatal}

// levelPattern matches a level token as a whole word anywhere in a line.
var levelPattern = regexp.MustCompile(`(?i)\b(TRACE|DEBUG|INFO|WARN|WARNING|ERROR|SEVERE|FATAL|CRITICAL|PANIC)\b`)

var aliases = map[string]string{
	"TRACE": Trace, "TRAC": Trace, "TRC": Trace, "FINEST": Trace,
	"DEBUG": Debug, "DEBU": Debug, "DBG": Debug, "DEB": Debug, "FINE": Debug,
	"INFO": Info, "INFORMATION": Info, "INF": Info, "NOTICE": Info,
	"WARN": Warn, "WARNING": Warn, "WRN": Warn,
	"ERROR": Error, "ERR": Error, "ERRO": Error, "SEVERE": Error,
	"FATAL": Fatal, "FATL": Fatal, "FTL": Fatal, "CRITICAL": Fatal, "CRIT": Fatal, "PANIC": Fatal,
}

// prefixes resolves level spellings with suffixes, e.g. "ERROR_CODE".
var prefixes = []struct{ prefix, level string }{
	{"TRAC", Trace}, {"DEBU", Debug}, {"INFO", Info},
	{"WARN", Warn}, {"ERRO", Error}, {"FATA", Fatal}, {"CRIT", Fatal},
}

// Normalize maps a level spelling to its canonical form. Unknown input
// resolves to INFO.
func Normalize(level string) string {
	upper := strings.ToUpper(strings.TrimSpace(level))
	if canonical, ok := aliases[upper]; ok {
		return canonical
	}
	for _, p := range prefixes {
		if strings.HasPrefix(upper, p.prefix) {
			return p.level
		}
	}
	return Info
}

// Detect returns the level named by the first level token in line, or
// fallback when the line names none.
func Detect(line, fallback string) string {
	m := levelPattern.FindStringSubmatch(line)
	if len(m) < 2 {
		return fallback
	}
	return Normalize(m[1])
}

// Rank orders canonical levels; unknown levels rank as INFO.
func Rank(level string) int {
	canonical := Normalize(level)
	for i, l := range Levels {
		if l == canonical {
			return i
		}
	}
	return 2
}

// AtLeast reports whether level is as severe as min.
func AtLeast(level, min string) bool {
	return Rank(level) >= Rank(min)
}
