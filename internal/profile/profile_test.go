package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/msgrelay/internal/config"
)

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
		{"valid single char", "a", false},
		{"valid max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my profile", true},
		{"dot", "my.profile", true},
		{"too long", strings.Repeat("a", 65), true},
		{"slash", "my/profile", true},
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

func TestPaths(t *testing.T) {
	base := t.TempDir()
	t.Setenv(HomeEnv, base)

	if got, want := Dir("main"), filepath.Join(base, "profiles", "main"); got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
	if got := SocketPath("test"); !strings.HasSuffix(got, filepath.Join("profiles", "test", "relayd.sock")) {
		t.Errorf("SocketPath(test) = %q", got)
	}
	if got := LockPath("test"); !strings.HasSuffix(got, filepath.Join("profiles", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q", got)
	}
	if got := DBPath("test"); filepath.Dir(got) != Dir("test") {
		t.Errorf("DBPath(test) = %q, want inside %q", got, Dir("test"))
	}
}

func TestEnsureDirAndList(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	names, err := List()
	if err != nil || len(names) != 0 {
		t.Fatalf("List() = %v, %v; want empty", names, err)
	}

	for _, n := range []string{"main", "work"} {
		if err := EnsureDir(n); err != nil {
			t.Fatal(err)
		}
	}
	info, err := os.Stat(LogDir("work"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("log dir permission = %o, want 0700", info.Mode().Perm())
	}

	names, err = List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "main" || names[1] != "work" {
		t.Errorf("List() = %v, want [main work]", names)
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultName)
	}

	cfg := config.Default()
	cfg.DefaultProfile = "work"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() = %q, want work from config", got)
	}
	if got := Resolve("other"); got != "other" {
		t.Errorf("Resolve(other) = %q, want flag to win", got)
	}
}
