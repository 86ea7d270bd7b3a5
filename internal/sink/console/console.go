// Package console prints finished spans and logs as human-readable lines.
package console

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/ashita-ai/kiroku/internal/model"
)

// maxTracked bounds the depth table kept for spans that have started but
// not yet been printed.
const maxTracked = 10_000

// Theme holds the colors used per level. Colors are ANSI 256 codes.
type Theme struct {
	Timestamp lipgloss.Color
	Debug     lipgloss.Color
	Info      lipgloss.Color
	Warn      lipgloss.Color
	Error     lipgloss.Color
	Attribute lipgloss.Color
}

// DefaultTheme is a palette readable on dark and light terminals.
var DefaultTheme = Theme{
	Timestamp: lipgloss.Color("245"),
	Debug:     lipgloss.Color("244"),
	Info:      lipgloss.Color("39"),
	Warn:      lipgloss.Color("214"),
	Error:     lipgloss.Color("196"),
	Attribute: lipgloss.Color("109"),
}

// LevelColor returns the color for a level.
func (t Theme) LevelColor(l model.Level) lipgloss.Color {
	switch {
	case l >= model.LevelError:
		return t.Error
	case l >= model.LevelWarn:
		return t.Warn
	case l >= model.LevelInfo:
		return t.Info
	default:
		return t.Debug
	}
}

// Options configures a Sink.
type Options struct {
	// Writer defaults to os.Stdout.
	Writer io.Writer
	// MinLevel hides records below it.
	MinLevel model.Level
	// Verbose appends attributes to each line.
	Verbose bool
	// Location formats timestamps. Defaults to time.Local.
	Location *time.Location
	Theme    *Theme
	// NoColor disables styling even on a color terminal.
	NoColor bool
}

// Sink writes one line per finished record, indented by nesting depth.
// It never fails, so it keeps printing while other sinks are down.
type Sink struct {
	opts     Options
	renderer *lipgloss.Renderer
	theme    Theme

	mu     sync.Mutex
	depths map[model.RecordKey]int
}

// New returns a console sink.
func New(opts Options) *Sink {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	theme := DefaultTheme
	if opts.Theme != nil {
		theme = *opts.Theme
	}
	renderer := lipgloss.NewRenderer(opts.Writer)
	if opts.NoColor {
		renderer.SetColorProfile(termenv.Ascii)
	}
	return &Sink{
		opts:     opts,
		renderer: renderer,
		theme:    theme,
		depths:   make(map[model.RecordKey]int),
	}
}

func (s *Sink) Name() string { return "console" }

// Send prints the final records of batch. Pending records are only used to
// learn nesting depth.
func (s *Sink) Send(_ context.Context, batch model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.Pending {
		for i := range batch.Spans {
			s.track(&batch.Spans[i])
		}
		return nil
	}

	recs := make([]*model.SpanRecord, len(batch.Spans))
	for i := range batch.Spans {
		recs[i] = &batch.Spans[i]
	}
	slices.SortStableFunc(recs, func(a, b *model.SpanRecord) int { return cmp.Compare(a.StartTime, b.StartTime) })
	for _, rec := range recs {
		s.track(rec)
	}

	var out strings.Builder
	for _, rec := range recs {
		if rec.Level >= s.opts.MinLevel {
			out.WriteString(s.format(rec, s.depths[rec.Context.Key()]))
			out.WriteByte('\n')
		}
	}
	// Spans are forgotten once printed; their children closed first.
	for _, rec := range recs {
		delete(s.depths, rec.Context.Key())
	}
	_, _ = io.WriteString(s.opts.Writer, out.String())
	return nil
}

func (s *Sink) track(rec *model.SpanRecord) {
	key := rec.Context.Key()
	if _, ok := s.depths[key]; ok {
		return
	}
	depth := 0
	if rec.Parent != nil {
		if d, ok := s.depths[rec.Parent.Key()]; ok {
			depth = d + 1
		}
	}
	if len(s.depths) >= maxTracked {
		clear(s.depths)
	}
	s.depths[key] = depth
}

func (s *Sink) format(rec *model.SpanRecord, depth int) string {
	ts := time.Unix(0, rec.StartTime).In(s.opts.Location).Format("15:04:05.000")
	tsStyle := s.renderer.NewStyle().Foreground(s.theme.Timestamp)
	levelStyle := s.renderer.NewStyle().Foreground(s.theme.LevelColor(rec.Level)).Bold(rec.Level >= model.LevelError)

	var b strings.Builder
	b.WriteString(tsStyle.Render(ts))
	b.WriteByte(' ')
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(levelStyle.Render(rec.Name))
	if rec.Kind == model.KindSpan {
		fmt.Fprintf(&b, " %s", tsStyle.Render(formatDuration(rec.Duration())))
	}
	if rec.Level >= model.LevelWarn {
		fmt.Fprintf(&b, " %s", levelStyle.Render("["+rec.Level.String()+"]"))
	}
	if rec.Status.Code == model.StatusError && rec.Status.Message != "" {
		fmt.Fprintf(&b, " %s", levelStyle.Render(rec.Status.Message))
	}
	if s.opts.Verbose && len(rec.Attributes) > 0 {
		attrStyle := s.renderer.NewStyle().Foreground(s.theme.Attribute)
		parts := make([]string, len(rec.Attributes))
		for i, a := range rec.Attributes {
			parts[i] = a.Key + "=" + a.Value.String()
		}
		fmt.Fprintf(&b, " %s", attrStyle.Render(strings.Join(parts, " ")))
	}
	return b.String()
}

func formatDuration(nanos int64) string {
	d := time.Duration(nanos)
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("(%dµs)", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("(%.1fms)", float64(d)/float64(time.Millisecond))
	default:
		return fmt.Sprintf("(%.2fs)", d.Seconds())
	}
}

// Close is a no-op.
func (s *Sink) Close(context.Context) error { return nil }
