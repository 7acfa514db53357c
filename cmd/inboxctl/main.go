package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/inbox/internal/app"
	"github.com/matheus3301/inbox/internal/conversation"
	"github.com/matheus3301/inbox/internal/feed"
	"github.com/matheus3301/inbox/internal/message"
	"github.com/matheus3301/inbox/internal/outbox"
	"github.com/matheus3301/inbox/internal/profile"
	"github.com/matheus3301/inbox/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type deps struct {
	Registry *conversation.Registry
	Cache    *store.Cache
	DB       *store.DB
	Logger   *zap.Logger
}

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Only tail needs the live channel; send falls back to HTTP.
	d, shutdown := start(ctx, app.Params{Profile: name, NoPush: args[0] != "tail"})
	defer shutdown()

	switch args[0] {
	case "tail":
		if len(args) < 2 {
			fatalf("usage: inboxctl tail <conversation>")
		}
		cmdTail(ctx, d, args[1], *jsonFlag)
	case "send":
		if len(args) < 3 {
			fatalf("usage: inboxctl send <conversation> <text>")
		}
		cmdSend(ctx, d, args[1], strings.Join(args[2:], " "), *jsonFlag)
	case "cache":
		if len(args) < 2 {
			fatalf("usage: inboxctl cache <ls|show|rm>")
		}
		cmdCache(ctx, d, args[1], args[2:], *jsonFlag)
	case "outbox":
		if len(args) < 2 {
			fatalf("usage: inboxctl outbox <conversation>")
		}
		cmdOutbox(ctx, d, args[1], *jsonFlag)
	default:
		printUsage()
		fatalf("unknown command: %s", args[0])
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: inboxctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  tail <conversation>          Print the conversation and follow live updates")
	fmt.Fprintln(os.Stderr, "  send <conversation> <text>   Send a text message")
	fmt.Fprintln(os.Stderr, "  cache ls                     List cached conversations")
	fmt.Fprintln(os.Stderr, "  cache show <conversation>    Print a cached conversation")
	fmt.Fprintln(os.Stderr, "  cache rm <conversation>      Drop a cached conversation")
	fmt.Fprintln(os.Stderr, "  outbox <conversation>        List tracked sends")
}

func start(ctx context.Context, p app.Params) (deps, func()) {
	var d deps
	fxApp := fx.New(
		app.Module(p),
		fx.NopLogger,
		fx.Populate(&d.Registry, &d.Cache, &d.DB, &d.Logger),
	)
	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		fatalf("%v", err)
	}
	return d, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fxApp.Stop(stopCtx); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}
}

func open(ctx context.Context, d deps, id string) *conversation.Session {
	s, err := d.Registry.Open(ctx, id)
	if err != nil {
		fatalf("%v", err)
	}
	select {
	case <-s.Ready():
	case <-ctx.Done():
		fatalf("%v", ctx.Err())
	}
	return s
}

func cmdTail(ctx context.Context, d deps, id string, jsonOut bool) {
	s := open(ctx, d, id)
	f := feed.New(s, d.Logger)
	defer f.Close()

	printed := make(map[string]string)
	emit := func() {
		for _, r := range f.Rows() {
			line := formatLine(r.Message)
			if printed[r.Key] == line {
				continue
			}
			printed[r.Key] = line
			if jsonOut {
				outputJSON(r)
			} else {
				fmt.Println(line)
			}
		}
	}
	emit()
	if f.Status().Offline {
		fmt.Fprintln(os.Stderr, "(offline: showing cached history)")
	}
	for {
		select {
		case _, ok := <-f.Changes():
			if !ok {
				return
			}
			emit()
		case <-ctx.Done():
			return
		}
	}
}

func cmdSend(ctx context.Context, d deps, id, text string, jsonOut bool) {
	open(ctx, d, id)
	m, err := d.Registry.Send(ctx, outbox.Draft{Kind: message.KindText, Text: text})
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(m)
		return
	}
	fmt.Printf("queued %s\n", m.TempID)
}

func cmdCache(ctx context.Context, d deps, sub string, args []string, jsonOut bool) {
	switch sub {
	case "ls":
		entries, err := d.Cache.Entries(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOut {
			outputJSON(entries)
			return
		}
		if len(entries) == 0 {
			fmt.Println("No cached conversations.")
			return
		}
		for _, e := range entries {
			fmt.Printf("%-30s %4d msgs  newest %s\n", e.ConversationID, e.MessageCount, formatTime(e.NewestTS))
		}
	case "show":
		if len(args) == 0 {
			fatalf("usage: inboxctl cache show <conversation>")
		}
		msgs, err := d.Cache.Load(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOut {
			outputJSON(msgs)
			return
		}
		for _, m := range msgs {
			fmt.Println(formatLine(m))
		}
	case "rm":
		if len(args) == 0 {
			fatalf("usage: inboxctl cache rm <conversation>")
		}
		if err := d.Cache.Delete(ctx, args[0]); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("removed %s\n", args[0])
	default:
		fatalf("unknown cache subcommand: %s", sub)
	}
}

func cmdOutbox(ctx context.Context, d deps, id string, jsonOut bool) {
	entries, err := d.DB.ListOutbox(ctx, id)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(entries)
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%-36s %-8s attempts=%d", e.TempID, e.Status, e.Attempts)
		if e.ErrorMessage != "" {
			line += " error=" + e.ErrorMessage
		}
		fmt.Println(line)
	}
}

func formatLine(m message.Message) string {
	who := "them"
	if m.FromMe {
		who = "me"
	}
	line := fmt.Sprintf("%s %-4s %s", formatTime(m.EffectiveTime()), who, m.Text)
	if m.Kind.IsMedia() {
		line += fmt.Sprintf(" [%s %s]", m.Kind, m.MediaURL)
	}
	if m.FromMe {
		line += " (" + string(m.Status) + ")"
	}
	return line
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
