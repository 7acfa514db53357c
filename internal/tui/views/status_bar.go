package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/inbox/internal/feed"
	"github.com/matheus3301/inbox/internal/status"
	"github.com/rivo/tview"
)

// StatusBar displays the profile, push connection and feed state.
type StatusBar struct {
	*tview.TextView
	profile string
	conn    status.State
	feed    feed.Status
	flash   string
}

// NewStatusBar creates a new status bar.
func NewStatusBar() *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	return &StatusBar{TextView: tv, conn: status.Disconnected}
}

// SetProfile updates the profile name display.
func (sb *StatusBar) SetProfile(name string) {
	sb.profile = name
	sb.render()
}

// SetConnection updates the push connection state.
func (sb *StatusBar) SetConnection(s status.State) {
	sb.conn = s
	sb.render()
}

// SetFeed updates the conversation part of the line.
func (sb *StatusBar) SetFeed(s feed.Status) {
	sb.feed = s
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string) {
	sb.flash = msg
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()
	_, _ = fmt.Fprint(sb, StatusLine(sb.profile, sb.conn, sb.feed, sb.flash, time.Now()))
}

func connColor(s status.State) string {
	switch s {
	case status.Live:
		return "green"
	case status.Connecting, status.Reconnecting:
		return "yellow"
	default:
		return "red"
	}
}

// StatusLine renders the status bar text.
func StatusLine(profile string, conn status.State, f feed.Status, flash string, now time.Time) string {
	parts := []string{
		fmt.Sprintf(" [::b]%s[-:-:-]", tview.Escape(profile)),
		fmt.Sprintf("[%s]%s[-]", connColor(conn), conn),
	}
	if f.ConversationID != "" {
		conv := tview.Escape(f.ConversationID)
		if f.Offline {
			conv += " [red](offline)[-]"
		}
		parts = append(parts, conv)
	}
	if f.Typing {
		parts = append(parts, "[::i]typing…[-:-:-]")
	}
	if f.Unseen > 0 {
		parts = append(parts, fmt.Sprintf("[yellow]↓ %d new[-]", f.Unseen))
	}
	if f.LoadingOlder {
		parts = append(parts, "[gray]loading older…[-]")
	}
	parts = append(parts, now.Format("15:04"))
	if flash != "" {
		parts = append(parts, "[yellow]"+tview.Escape(flash)+"[-]")
	}
	return strings.Join(parts, " | ")
}
