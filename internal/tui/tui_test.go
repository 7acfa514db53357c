package tui

import (
	"testing"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"open c-42", Command{Name: CmdOpen, Args: "c-42"}},
		{"  RETRY   abc ", Command{Name: CmdRetry, Args: "abc"}},
		{"read", Command{Name: CmdRead}},
		{"q", Command{Name: CmdQuit}},
		{"attach /tmp/a b.png", Command{Name: CmdAttach, Args: "/tmp/a b.png"}},
	}
	for _, tt := range tests {
		if got := ParseCommand(tt.in); got != tt.want {
			t.Errorf("ParseCommand(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestFlashExpires(t *testing.T) {
	now := time.Unix(100, 0)
	f := &Flash{now: func() time.Time { return now }}
	f.Set("sent", time.Second)
	if got := f.Get(); got != "sent" {
		t.Errorf("Get = %q, want sent", got)
	}
	now = now.Add(time.Second)
	if got := f.Get(); got != "" {
		t.Errorf("Get after expiry = %q, want empty", got)
	}
}

func TestKindFor(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	if k, err := kindFor(mimetype.Detect(png)); err != nil || k != "image" {
		t.Errorf("kindFor(png) = %q, %v", k, err)
	}
	if _, err := kindFor(mimetype.Detect([]byte("plain text"))); err == nil {
		t.Error("kindFor(text) should fail")
	}
}
