// Package tui is the terminal inbox: a conversation list, the feed of the
// open conversation, a composer and a status line.
package tui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/conversation"
	"github.com/matheus3301/inbox/internal/feed"
	"github.com/matheus3301/inbox/internal/message"
	"github.com/matheus3301/inbox/internal/outbox"
	"github.com/matheus3301/inbox/internal/status"
	"github.com/matheus3301/inbox/internal/store"
	"github.com/matheus3301/inbox/internal/tui/keys"
	"github.com/matheus3301/inbox/internal/tui/views"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const (
	pageList = "list"
	pageFeed = "feed"

	flashTTL = 5 * time.Second
)

// Deps are the services the terminal inbox drives.
type Deps struct {
	Profile  string
	Registry *conversation.Registry
	Cache    *store.Cache
	Machine  *status.Machine
	// Events carries push.status_changed events.
	Events *bus.Bus
	Logger *zap.Logger
	// Initial, when set, is opened at start instead of showing the list.
	Initial string
}

// App is the main TUI application shell.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	keys      *keys.Registry
	statusBar *views.StatusBar
	list      *views.ConversationList
	feedView  *views.FeedView
	composer  *views.Composer
	flash     *Flash
	deps      Deps
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc

	mu   sync.Mutex
	feed *feed.Feed
}

// NewApp creates the TUI application.
func NewApp(d Deps) *App {
	ctx, cancel := context.WithCancel(context.Background())
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		keys:      keys.NewRegistry(),
		statusBar: views.NewStatusBar(),
		list:      views.NewConversationList(),
		feedView:  views.NewFeedView(),
		composer:  views.NewComposer(),
		flash:     &Flash{},
		deps:      d,
		logger:    logger.Named("tui"),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetProfile(d.Profile)
	if d.Machine != nil {
		a.statusBar.SetConnection(d.Machine.Current())
	}
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupBindings() {
	a.keys.AddGlobal(&keys.Action{
		Name: "quit", Key: tcell.KeyRune, Rune: 'q',
		Description: "q:quit", Visible: true,
		Handler: func() { a.Stop() },
	})
	a.keys.AddGlobal(&keys.Action{
		Name: "help", Key: tcell.KeyRune, Rune: '?',
		Description: "?:keys",
		Handler: func() {
			page, _ := a.pages.GetFrontPage()
			go a.notify(strings.Join(a.keys.Hints(page), "  "))
		},
	})
	a.keys.AddPage(pageFeed, &keys.Action{
		Name: "compose", Key: tcell.KeyRune, Rune: 'i',
		Description: "i:compose", Visible: true,
		Handler: func() { a.app.SetFocus(a.composer.InputField) },
	})
	a.keys.AddPage(pageFeed, &keys.Action{
		Name: "read", Key: tcell.KeyRune, Rune: 'r',
		Description: "r:mark read", Visible: true,
		Handler: func() { go a.markRead() },
	})
	a.keys.AddPage(pageFeed, &keys.Action{
		Name: "back", Key: tcell.KeyEscape,
		Description: "esc:list", Visible: true,
		Handler: func() { a.showList() },
	})
	a.keys.AddPage(pageList, &keys.Action{
		Name: "refresh", Key: tcell.KeyRune, Rune: 'R',
		Description: "R:refresh", Visible: true,
		Handler: func() { go a.refreshList() },
	})
}

func (a *App) setupCallbacks() {
	a.list.SetSelectedFunc(func(int, int) {
		if id := a.list.Selected(); id != "" {
			a.open(id)
		}
	})

	a.feedView.SetOnTop(func() {
		f := a.currentFeed()
		if f == nil {
			return
		}
		go func() {
			if _, err := f.NearTop(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.notify("older messages unavailable: " + err.Error())
			}
		}()
	})
	a.feedView.SetOnBottom(func(atBottom bool) {
		if f := a.currentFeed(); f != nil {
			f.SetAtBottom(atBottom)
		}
	})
	a.feedView.SetOnRetry(func(tempID string) { go a.retry(tempID) })

	a.composer.SetOnSend(func(text string) {
		go a.send(outbox.Draft{Kind: message.KindText, Text: text})
	})
	a.composer.SetOnCommand(func(line string) { a.runCommand(ParseCommand(line)) })
}

func (a *App) setupLayout() {
	feedFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.feedView, 0, 1, true).
		AddItem(a.composer, 1, 0, false)

	a.pages.AddPage(pageList, a.list, true, true)
	a.pages.AddPage(pageFeed, feedFlex, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		page, _ := a.pages.GetFrontPage()

		// The composer keeps every key; Esc leaves it.
		if a.app.GetFocus() == a.composer.InputField {
			if event.Key() == tcell.KeyEscape {
				a.app.SetFocus(a.feedView)
				return nil
			}
			return event
		}
		if a.keys.HandleEvent(page, event) {
			return nil
		}
		return event
	})
}

func (a *App) currentFeed() *feed.Feed {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.feed
}

// open switches the active conversation and attaches a new feed to it.
func (a *App) open(id string) {
	go func() {
		s, err := a.deps.Registry.Open(a.ctx, id)
		if err != nil {
			a.notify("open failed: " + err.Error())
			return
		}
		f := feed.New(s, a.logger)

		a.mu.Lock()
		old := a.feed
		a.feed = f
		a.mu.Unlock()
		if old != nil {
			old.Close()
		}

		a.app.QueueUpdateDraw(func() {
			a.feedView.SetConversation(id)
			a.feedView.Update(nil, true)
			a.statusBar.SetFeed(f.Status())
			a.pages.SwitchToPage(pageFeed)
			a.app.SetFocus(a.feedView)
		})
		go a.watch(f)
	}()
}

// watch redraws the feed on every coalesced change until it closes.
func (a *App) watch(f *feed.Feed) {
	for range f.Changes() {
		a.app.QueueUpdateDraw(func() {
			if a.currentFeed() != f {
				return
			}
			a.feedView.Update(f.Rows(), f.AtBottom())
			a.statusBar.SetFeed(f.Status())
			a.statusBar.SetFlash(a.flash.Get())
		})
	}
}

func (a *App) watchConnection() {
	if a.deps.Events == nil {
		return
	}
	events, unsub := a.deps.Events.Subscribe("push.", 16)
	defer unsub()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			change, ok := evt.Payload.(status.StatusChange)
			if !ok {
				continue
			}
			a.app.QueueUpdateDraw(func() { a.statusBar.SetConnection(change.To) })
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) showList() {
	a.pages.SwitchToPage(pageList)
	a.app.SetFocus(a.list)
	go a.refreshList()
}

func (a *App) refreshList() {
	if a.deps.Cache == nil {
		return
	}
	entries, err := a.deps.Cache.Entries(a.ctx)
	if err != nil {
		a.notify("list failed: " + err.Error())
		return
	}
	a.app.QueueUpdateDraw(func() { a.list.Update(entries) })
}

func (a *App) runCommand(cmd Command) {
	switch cmd.Name {
	case CmdOpen:
		if cmd.Args == "" {
			a.notify("usage: :open <conversation>")
			return
		}
		a.open(cmd.Args)
	case CmdList:
		a.showList()
	case CmdRetry:
		go a.retry(cmd.Args)
	case CmdRead:
		go a.markRead()
	case CmdOlder:
		go func() {
			if _, err := a.deps.Registry.LoadOlder(a.ctx); err != nil {
				a.notify("older messages unavailable: " + err.Error())
			}
		}()
	case CmdAttach:
		go a.attach(cmd.Args)
	case CmdQuit:
		a.Stop()
	default:
		a.notify(fmt.Sprintf("unknown command %q", cmd.Name))
	}
}

func (a *App) send(d outbox.Draft) {
	if _, err := a.deps.Registry.Send(a.ctx, d); err != nil {
		a.logger.Warn("send failed", zap.Error(err))
		var failed *outbox.SendFailedError
		if errors.As(err, &failed) {
			a.notify("send failed, select the message to retry")
			return
		}
		a.notify("send failed: " + err.Error())
	}
}

func (a *App) retry(tempID string) {
	if tempID == "" {
		a.notify("usage: :retry <temp id>")
		return
	}
	if _, err := a.deps.Registry.Retry(a.ctx, tempID); err != nil {
		a.notify("retry failed: " + err.Error())
	}
}

func (a *App) markRead() {
	if err := a.deps.Registry.MarkRead(a.ctx); err != nil {
		a.notify("mark read failed: " + err.Error())
	}
}

// attach sends a media file; its kind comes from the sniffed content type.
func (a *App) attach(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		a.notify("attach: " + err.Error())
		return
	}
	kind, err := kindFor(mimetype.Detect(data))
	if err != nil {
		a.notify("attach: " + err.Error())
		return
	}
	a.send(outbox.Draft{Kind: kind, Media: data})
}

func kindFor(mt *mimetype.MIME) (message.Kind, error) {
	top, _, _ := strings.Cut(mt.String(), "/")
	k := message.Kind(top)
	if !k.IsMedia() {
		return "", fmt.Errorf("unsupported attachment type %s", mt.String())
	}
	return k, nil
}

func (a *App) notify(msg string) {
	a.flash.Set(msg, flashTTL)
	a.app.QueueUpdateDraw(func() { a.statusBar.SetFlash(msg) })
}

// Run starts the TUI application and blocks until it exits.
func (a *App) Run() error {
	go a.watchConnection()
	if a.deps.Initial != "" {
		a.open(a.deps.Initial)
	} else {
		go a.refreshList()
	}
	return a.app.Run()
}

// Stop detaches the feed and ends the event loop.
func (a *App) Stop() {
	a.cancel()
	if f := a.currentFeed(); f != nil {
		f.Close()
	}
	a.app.Stop()
}
