package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathsUnderHome(t *testing.T) {
	base := t.TempDir()
	t.Setenv(HomeEnv, base)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"dir", Dir("work"), filepath.Join(base, "sessions", "work")},
		{"socket", SocketPath("work"), filepath.Join(base, "sessions", "work", "daemon.sock")},
		{"lock", LockPath("work"), filepath.Join(base, "sessions", "work", "LOCK")},
		{"cache", CachePath("work"), filepath.Join(base, "sessions", "work", "cache.db")},
		{"token", TokenPath("work"), filepath.Join(base, "sessions", "work", "token")},
		{"config", ConfigPath("work"), filepath.Join(base, "sessions", "work", "config.toml")},
		{"log", LogPath("work"), filepath.Join(base, "sessions", "work", "logs", "chatsyncd.log")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestDefaultBaseDir(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	if got, want := BaseDir(), filepath.Join(home, ".chatsync"); got != want {
		t.Errorf("BaseDir() = %q, want %q", got, want)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() || info.Mode().Perm() != 0700 {
		t.Errorf("log dir mode = %v", info.Mode())
	}
}
