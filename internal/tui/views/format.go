package views

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/inbox/internal/message"
	"github.com/rivo/tview"
)

// statusGlyph renders the delivery state of an outbound message.
func statusGlyph(s message.Status) string {
	switch s {
	case message.StatusSending:
		return "[gray]…[-]"
	case message.StatusSent:
		return "✓"
	case message.StatusDelivered:
		return "✓✓"
	case message.StatusRead:
		return "[blue]✓✓[-]"
	case message.StatusFailed:
		return "[red]! retry[-]"
	}
	return ""
}

// body is the one-line text of a message. Media is shown by kind and
// reference, never decoded.
func body(m message.Message) string {
	var parts []string
	switch {
	case m.Kind.IsMedia():
		ref := m.MediaURL
		if ref == "" {
			ref = m.PreviewURL
		}
		parts = append(parts, fmt.Sprintf("[%s] %s", m.Kind, ref))
	case m.Kind == message.KindOrder, m.Kind == message.KindCatalogItem, m.Kind == message.KindCatalogSet:
		parts = append(parts, fmt.Sprintf("[%s]", m.Kind))
	}
	if len(m.Items) > 0 {
		parts = append(parts, fmt.Sprintf("(+%d)", len(m.Items)))
	}
	if m.Text != "" {
		parts = append(parts, m.Text)
	}
	return sanitizeForTerminal(strings.Join(parts, " "))
}

func reactions(r map[string]int) string {
	if len(r) == 0 {
		return ""
	}
	emojis := make([]string, 0, len(r))
	for e := range r {
		emojis = append(emojis, e)
	}
	slices.Sort(emojis)
	var b strings.Builder
	for _, e := range emojis {
		if n := r[e]; n > 1 {
			fmt.Fprintf(&b, " %s%d", e, n)
		} else {
			b.WriteString(" " + e)
		}
	}
	return sanitizeForTerminal(b.String())
}

func formatTimestamp(ms int64) string {
	if ms == 0 {
		return ""
	}
	t := time.UnixMilli(ms)
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}

// FormatRow renders one feed row as tview markup.
func FormatRow(m message.Message) string {
	sender := "Them"
	if m.FromMe {
		sender = "You"
	}
	line := fmt.Sprintf("[::d]%5s[-:-:-] [::b]%s[-:-:-] %s", formatTimestamp(m.EffectiveTime()), sender, tview.Escape(body(m)))
	if m.ReplyTo != "" {
		line = "[::d]↪[-:-:-] " + line
	}
	if r := reactions(m.Reactions); r != "" {
		line += " [::d]" + r + "[-:-:-]"
	}
	if m.FromMe {
		line += " " + statusGlyph(m.Status)
	}
	return line
}
