package profile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathsUnderBaseDir(t *testing.T) {
	base := t.TempDir()
	t.Setenv("INBOX_HOME", base)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"dir", Dir("work"), filepath.Join(base, "profiles", "work")},
		{"lock", LockPath("work"), filepath.Join(base, "profiles", "work", "LOCK")},
		{"cache", CachePath("work"), filepath.Join(base, "profiles", "work", "cache.db")},
		{"log", LogPath("work"), filepath.Join(base, "profiles", "work", "logs", "inbox.log")},
		{"config", ConfigPath(), filepath.Join(base, "config.toml")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("INBOX_HOME", t.TempDir())
	if err := EnsureDir("main"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("main"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("log dir is not a directory")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("perm = %o, want 0700", perm)
	}
}

func TestResolve(t *testing.T) {
	base := t.TempDir()
	t.Setenv("INBOX_HOME", base)

	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve without config = %q, want %q", got, DefaultName)
	}
	if got := Resolve("flag"); got != "flag" {
		t.Errorf("Resolve(flag) = %q", got)
	}

	if err := os.WriteFile(ConfigPath(), []byte("default_profile = \"work\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve from config = %q, want work", got)
	}
	if got := Resolve("flag"); got != "flag" {
		t.Errorf("flag should win over config, got %q", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-profile", false},
		{"valid with underscore", "my_profile", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"dot", "my.profile", true},
		{"slash", "my/profile", true},
		{"too long", string(make([]byte, 65)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
