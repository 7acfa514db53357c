package views

import (
	"github.com/matheus3301/inbox/internal/message"
	"github.com/matheus3301/inbox/internal/timeline"
	"github.com/rivo/tview"
)

// FeedView lists the rows of the open conversation, oldest first. The
// selection follows its row key across redraws, so pages prepended above
// it or identity upgrades do not move the cursor.
type FeedView struct {
	*tview.Table
	rows     []timeline.Row
	updating bool

	onTop    func()
	onBottom func(atBottom bool)
	onRetry  func(tempID string)
}

// NewFeedView creates an empty feed.
func NewFeedView() *FeedView {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false)
	table.SetBorder(true).SetTitle(" Inbox ")

	fv := &FeedView{Table: table}
	table.SetSelectionChangedFunc(func(row, _ int) {
		if fv.updating || len(fv.rows) == 0 {
			return
		}
		if row == 0 && fv.onTop != nil {
			fv.onTop()
		}
		if fv.onBottom != nil {
			fv.onBottom(row == len(fv.rows)-1)
		}
	})
	table.SetSelectedFunc(func(row, _ int) {
		if row < 0 || row >= len(fv.rows) || fv.onRetry == nil {
			return
		}
		m := fv.rows[row].Message
		if m.FromMe && m.Status == message.StatusFailed && m.TempID != "" {
			fv.onRetry(m.TempID)
		}
	})
	return fv
}

// SetOnTop sets the callback fired when the first row is selected.
func (fv *FeedView) SetOnTop(fn func()) { fv.onTop = fn }

// SetOnBottom sets the callback fired whenever the selection moves.
func (fv *FeedView) SetOnBottom(fn func(atBottom bool)) { fv.onBottom = fn }

// SetOnRetry sets the callback fired when a failed message is activated.
func (fv *FeedView) SetOnRetry(fn func(tempID string)) { fv.onRetry = fn }

// SetConversation updates the title.
func (fv *FeedView) SetConversation(id string) {
	fv.SetTitle(" " + tview.Escape(id) + " ")
}

// Update redraws rows. With follow set the newest row is selected,
// otherwise the previously selected row key keeps the selection.
func (fv *FeedView) Update(rows []timeline.Row, follow bool) {
	fv.updating = true
	defer func() { fv.updating = false }()

	selected := ""
	if r, _ := fv.GetSelection(); r >= 0 && r < len(fv.rows) {
		selected = fv.rows[r].Key
	}

	fv.rows = rows
	fv.Clear()
	target := len(rows) - 1
	for i, r := range rows {
		fv.SetCell(i, 0, tview.NewTableCell(FormatRow(r.Message)).SetExpansion(1))
		if !follow && r.Key == selected {
			target = i
		}
	}
	if target >= 0 {
		fv.Select(target, 0)
	}
}

// Rows returns the rows last passed to Update.
func (fv *FeedView) Rows() []timeline.Row { return fv.rows }
