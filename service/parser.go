package service

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// maxLineLength bounds a single output line; longer lines are truncated
// before matching.
const maxLineLength = 16384

// shortLevels expands the abbreviated level codes some services emit in
// their logs (mongodb, for one) to standard level names.
var shortLevels = map[string]string{
	"C": "CRITICAL",
	"E": "ERROR",
	"W": "WARNING",
	"I": "INFO",
	"D": "DEBUG",
}

var levels = map[string]slog.Level{
	"CRITICAL": slog.LevelError + 4,
	"ERROR":    slog.LevelError,
	"WARNING":  slog.LevelWarn,
	"INFO":     slog.LevelInfo,
	"DEBUG":    slog.LevelDebug,
}

// substitutions expands the named placeholders allowed in an output format
// template, so "{Y}-{m}-{d}" can be written instead of spelling out the
// capture groups.
var substitutions = strings.NewReplacer(
	"{Y}", `(?P<Y>\d{4})`,
	"{m}", `(?P<m>\d{2})`,
	"{d}", `(?P<d>\d{2})`,
	"{H}", `(?P<H>\d{2})`,
	"{M}", `(?P<M>\d{2})`,
	"{S}", `(?P<S>\d{2})`,
	"{msecs}", `(?P<msecs>\d{3})`,
	"{levelname}", `(?P<levelname>[a-zA-Z]+)`,
	"{name}", `(?P<name>.+)`,
	"{message}", `(?P<message>.+)`,
)

// OutputParser routes the output lines of a service process into structured
// logging, and fires one-shot callbacks when a line contains a registered
// substring.
//
// Each line is matched against the configured pattern; a capture group
// missing from the match leaves the corresponding record field at its
// default. Loop-owned: lines must be fed from reactor jobs.
type OutputParser struct {
	service string
	logger  *slog.Logger

	pattern   *regexp.Regexp
	callbacks map[string]func()
}

func newOutputParser(service string, logger *slog.Logger) *OutputParser {
	p := &OutputParser{
		service:   service,
		logger:    logger,
		callbacks: map[string]func(){},
	}
	// The default pattern matches any line as a bare message.
	if err := p.SetPattern("{message}"); err != nil {
		panic(err)
	}
	return p
}

// SetPattern replaces the line pattern. The template is matched from the
// start of each line and may use the {Y} {m} {d} {H} {M} {S} {msecs}
// {levelname} {name} {message} placeholders.
func (p *OutputParser) SetPattern(template string) error {
	re, err := regexp.Compile(`\A` + substitutions.Replace(template))
	if err != nil {
		return fmt.Errorf("invalid output format %q: %w", template, err)
	}
	p.pattern = re
	return nil
}

// WhenLineContains registers callback to fire when a received line contains
// text. The callback fires at most once and is then forgotten.
func (p *OutputParser) WhenLineContains(text string, callback func()) {
	p.callbacks[text] = callback
}

// LineReceived routes a single complete line.
func (p *OutputParser) LineReceived(line string) {
	if len(line) > maxLineLength {
		line = line[:maxLineLength]
	}

	rec := p.recordFor(line)
	_ = p.logger.Handler().Handle(context.Background(), rec)

	for text, callback := range p.callbacks {
		if strings.Contains(rec.Message, text) {
			delete(p.callbacks, text)
			callback()
		}
	}
}

func (p *OutputParser) recordFor(line string) slog.Record {
	level := slog.LevelInfo
	name := ""
	message := line
	created := time.Now()

	if groups := p.matchGroups(line); groups != nil {
		if v, ok := groups["message"]; ok {
			message = v
		}
		if v, ok := groups["name"]; ok {
			name = v
		}
		if v, ok := groups["levelname"]; ok {
			level = expandLevel(v)
		}
		if t, ok := timestampFor(groups); ok {
			created = t
		}
	}

	rec := slog.NewRecord(created, level, message, 0)
	rec.AddAttrs(slog.String("service", p.service))
	if name != "" {
		rec.AddAttrs(slog.String("name", name))
	}
	return rec
}

func (p *OutputParser) matchGroups(line string) map[string]string {
	m := p.pattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	groups := make(map[string]string)
	for i, gname := range p.pattern.SubexpNames() {
		if i == 0 || gname == "" || m[i] == "" {
			continue
		}
		groups[gname] = m[i]
	}
	return groups
}

func expandLevel(levelname string) slog.Level {
	levelname = strings.ToUpper(levelname)
	if len(levelname) == 1 {
		expanded, ok := shortLevels[levelname]
		if !ok {
			expanded = "INFO"
		}
		levelname = expanded
	}
	if lvl, ok := levels[levelname]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// timestampFor derives a record timestamp from the matched groups. The
// timestamp is only used when every date and time group matched.
func timestampFor(groups map[string]string) (time.Time, bool) {
	for _, key := range []string{"Y", "m", "d", "H", "M", "S"} {
		if _, ok := groups[key]; !ok {
			return time.Time{}, false
		}
	}
	atoi := func(key string) int {
		n, _ := strconv.Atoi(groups[key])
		return n
	}
	t := time.Date(
		atoi("Y"), time.Month(atoi("m")), atoi("d"),
		atoi("H"), atoi("M"), atoi("S"), 0, time.Local,
	)
	if _, ok := groups["msecs"]; ok {
		t = t.Add(time.Duration(atoi("msecs")) * time.Millisecond)
	}
	return t, true
}
