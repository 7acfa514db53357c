package views

import (
	"fmt"

	"github.com/matheus3301/inbox/internal/store"
	"github.com/rivo/tview"
)

// ConversationList shows the conversations held in the local cache.
type ConversationList struct {
	*tview.Table
	entries []store.CacheEntry
}

// NewConversationList creates an empty list.
func NewConversationList() *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true).SetTitle(" Conversations ")
	return &ConversationList{Table: table}
}

// Update refreshes the list.
func (cl *ConversationList) Update(entries []store.CacheEntry) {
	cl.entries = entries
	cl.Clear()

	header := func(col int, text string) {
		cl.SetCell(0, col, tview.NewTableCell(text).SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	}
	header(0, " Conversation")
	header(1, " Messages")
	header(2, " Last")

	for i, e := range entries {
		row := i + 1
		cl.SetCell(row, 0, tview.NewTableCell(" "+tview.Escape(e.ConversationID)).SetMaxWidth(40).SetExpansion(2))
		cl.SetCell(row, 1, tview.NewTableCell(fmt.Sprintf(" %d", e.MessageCount)).SetMaxWidth(10))
		cl.SetCell(row, 2, tview.NewTableCell(" "+formatTimestamp(e.NewestTS)).SetMaxWidth(12))
	}
}

// Selected returns the conversation id under the cursor.
func (cl *ConversationList) Selected() string {
	row, _ := cl.GetSelection()
	idx := row - 1
	if idx >= 0 && idx < len(cl.entries) {
		return cl.entries[idx].ConversationID
	}
	return ""
}
