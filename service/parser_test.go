package service

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

// mongoFormat is the kind of output format a real service declares, with
// abbreviated level names and a bracketed logger name.
const mongoFormat = `{Y}-{m}-{d}T{H}:{M}:{S}\.{msecs}\+0000 {levelname} \[{name}\] {message}`

// captureHandler records every slog record it is handed.
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) last(t *testing.T) slog.Record {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Assert(t, len(h.records) > 0, "no records captured")
	return h.records[len(h.records)-1]
}

func attrsOf(r slog.Record) map[string]string {
	attrs := map[string]string{}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.String()
		return true
	})
	return attrs
}

func newTestParser(t *testing.T) (*OutputParser, *captureHandler) {
	t.Helper()
	h := &captureHandler{}
	return newOutputParser("mysvc", slog.New(h)), h
}

func TestOutputParser_DefaultPattern(t *testing.T) {
	p, h := newTestParser(t)

	p.LineReceived("hello world")

	rec := h.last(t)
	assert.Check(t, cmp.Equal(rec.Message, "hello world"))
	assert.Check(t, cmp.Equal(rec.Level, slog.LevelInfo))
	attrs := attrsOf(rec)
	assert.Check(t, cmp.Equal(attrs["service"], "mysvc"))
	_, hasName := attrs["name"]
	assert.Check(t, !hasName)
}

func TestOutputParser_StructuredLine(t *testing.T) {
	p, h := newTestParser(t)
	assert.Assert(t, p.SetPattern(mongoFormat))

	p.LineReceived("2024-05-06T07:08:09.123+0000 I [initandlisten] waiting for connections on port 4001")

	rec := h.last(t)
	assert.Check(t, cmp.Equal(rec.Message, "waiting for connections on port 4001"))
	assert.Check(t, cmp.Equal(rec.Level, slog.LevelInfo))
	assert.Check(t, cmp.Equal(attrsOf(rec)["name"], "initandlisten"))

	want := time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local).Add(123 * time.Millisecond)
	assert.Check(t, cmp.Equal(rec.Time, want))
}

func TestOutputParser_LevelExpansion(t *testing.T) {
	tests := []struct {
		line string
		want slog.Level
	}{
		{"2024-05-06T07:08:09.123+0000 E [x] broken", slog.LevelError},
		{"2024-05-06T07:08:09.123+0000 W [x] wobbly", slog.LevelWarn},
		{"2024-05-06T07:08:09.123+0000 D [x] detail", slog.LevelDebug},
		{"2024-05-06T07:08:09.123+0000 Q [x] who knows", slog.LevelInfo},
		{"2024-05-06T07:08:09.123+0000 WARNING [x] spelt out", slog.LevelWarn},
	}
	for _, tt := range tests {
		p, h := newTestParser(t)
		assert.Assert(t, p.SetPattern(mongoFormat))

		p.LineReceived(tt.line)
		assert.Check(t, cmp.Equal(h.last(t).Level, tt.want), "line: %s", tt.line)
	}
}

func TestOutputParser_UnmatchedLineKeepsDefaults(t *testing.T) {
	p, h := newTestParser(t)
	assert.Assert(t, p.SetPattern(mongoFormat))

	before := time.Now()
	p.LineReceived("garbage that matches nothing")

	rec := h.last(t)
	assert.Check(t, cmp.Equal(rec.Message, "garbage that matches nothing"))
	assert.Check(t, cmp.Equal(rec.Level, slog.LevelInfo))
	assert.Check(t, !rec.Time.Before(before))
}

func TestOutputParser_TruncatesLongLines(t *testing.T) {
	p, h := newTestParser(t)

	p.LineReceived(strings.Repeat("a", maxLineLength+100))

	assert.Check(t, cmp.Equal(len(h.last(t).Message), maxLineLength))
}

func TestOutputParser_CallbackFiresOnce(t *testing.T) {
	p, _ := newTestParser(t)

	fired := 0
	p.WhenLineContains("ready", func() { fired++ })

	p.LineReceived("not yet")
	assert.Check(t, cmp.Equal(fired, 0))

	p.LineReceived("now ready to go")
	p.LineReceived("still ready here")
	assert.Check(t, cmp.Equal(fired, 1))
}

func TestOutputParser_InvalidPattern(t *testing.T) {
	p := newOutputParser("mysvc", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Check(t, cmp.ErrorContains(p.SetPattern("("), "invalid output format"))
}
