package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MrWong99/meetcap/internal/backend"
	"github.com/MrWong99/meetcap/internal/config"
	"github.com/MrWong99/meetcap/internal/session"
)

// Formatter prints human-readable progress for the one-shot commands.
type Formatter struct {
	w io.Writer
}

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

func (f *Formatter) Countdown(remaining int) {
	fmt.Fprintf(f.w, "⏳ Recording starts in %d...\n", remaining)
}

// State prints a state change of the session controller.
func (f *Formatter) State(s session.Snapshot) {
	switch s.State {
	case session.StateStarting:
		fmt.Fprintf(f.w, "🔌 Connecting to the backend...\n")
	case session.StateRecording:
		fmt.Fprintf(f.w, "🎙️  Recording session %s (Ctrl+C to stop)\n", s.SessionID)
	case session.StateUploading:
		fmt.Fprintf(f.w, "⬆️  Uploading recording...\n")
	case session.StateFinalizing:
		fmt.Fprintf(f.w, "⏹️  Finishing session %s (%d chunks, %d dropped)\n", s.SessionID, s.Chunks, s.Dropped)
	}
}

func (f *Formatter) Transcript(seq int64, text string) {
	fmt.Fprintf(f.w, "  [%d] %s\n", seq, text)
}

func (f *Formatter) SessionDone(s session.Snapshot) {
	if s.SessionID == "" {
		fmt.Fprintf(f.w, "ℹ️  Recording cancelled\n")
		return
	}
	dur := ""
	if !s.StartedAt.IsZero() {
		dur = " after " + formatDuration(time.Since(s.StartedAt))
	}
	fmt.Fprintf(f.w, "✅ Session %s submitted%s\n", s.SessionID, dur)
}

func (f *Formatter) Sessions(items []backend.Session) {
	if len(items) == 0 {
		fmt.Fprintf(f.w, "No sessions yet.\n")
		return
	}
	tw := tabwriter.NewWriter(f.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tCREATED")
	for _, s := range items {
		created := "-"
		if !s.CreatedAt.IsZero() {
			created = s.CreatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\n", s.ID, created)
	}
	_ = tw.Flush()
}

func (f *Formatter) Error(msg string) {
	fmt.Fprintf(f.w, "❌ %s\n", msg)
}

func (f *Formatter) Info(msg string) {
	fmt.Fprintf(f.w, "ℹ️  %s\n", msg)
}

func (f *Formatter) Success(msg string) {
	fmt.Fprintf(f.w, "✅ %s\n", msg)
}

func (f *Formatter) Warning(msg string) {
	fmt.Fprintf(f.w, "⚠️  %s\n", msg)
}

func (f *Formatter) SetupCheck(name string, ok bool, detail string) {
	if ok {
		fmt.Fprintf(f.w, "  ✅ %s: %s\n", name, detail)
	} else {
		fmt.Fprintf(f.w, "  ❌ %s: %s\n", name, detail)
	}
}

// StartupSummary prints the boxed configuration summary shown by serve.
func (f *Formatter) StartupSummary(cfg *config.Config) {
	fmt.Fprintln(f.w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(f.w, "║         meetcap: startup summary      ║")
	fmt.Fprintln(f.w, "╠═══════════════════════════════════════╣")
	f.summaryRow("Listen addr", cfg.Server.ListenAddr)
	f.summaryRow("Backend", cfg.Backend.BaseURL)
	f.summaryRow("Capture", string(cfg.Capture.Source)+" / "+string(cfg.Capture.Mode))
	if cfg.Capture.Source == config.SourceFile {
		f.summaryRow("Input file", cfg.Capture.File)
	} else if cfg.Capture.Device != "" {
		f.summaryRow("Device", cfg.Capture.Device)
	}
	f.summaryRow("Countdown", fmt.Sprintf("%d x %s", cfg.Session.Ticks(), cfg.Session.TickInterval))
	f.summaryRow("Locale", cfg.Session.Locale)
	auth := "disabled"
	if cfg.Server.Token != "" {
		auth = "bearer token"
	}
	f.summaryRow("API auth", auth)
	fmt.Fprintln(f.w, "╚═══════════════════════════════════════╝")
}

func (f *Formatter) summaryRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(f.w, "║  %-14s : %-19s ║\n", label, value)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	var b strings.Builder
	if h > 0 {
		fmt.Fprintf(&b, "%dh ", h)
	}
	if h > 0 || m > 0 {
		fmt.Fprintf(&b, "%dm ", m)
	}
	fmt.Fprintf(&b, "%ds", s)
	return b.String()
}
