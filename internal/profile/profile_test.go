package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/chatsync/internal/config"
)

func TestDirHonoursHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)

	got := Dir("main")
	want := filepath.Join(home, "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
	if !strings.HasSuffix(SocketPath("test"), filepath.Join("profiles", "test", "agent.sock")) {
		t.Errorf("SocketPath(test) = %q", SocketPath("test"))
	}
	if !strings.HasSuffix(QueueDir("test"), filepath.Join("profiles", "test", "queue")) {
		t.Errorf("QueueDir(test) = %q", QueueDir("test"))
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	if err := EnsureDir("phone"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("phone"), LogDir("phone"), QueueDir("phone")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s permission = %o, want 0700", d, perm)
		}
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve("work", &config.Config{DefaultProfile: "home"}); got != "work" {
		t.Errorf("flag ignored: %q", got)
	}
	if got := Resolve("", &config.Config{DefaultProfile: "home"}); got != "home" {
		t.Errorf("config ignored: %q", got)
	}
	if got := Resolve("", nil); got != DefaultName {
		t.Errorf("default = %q", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "main", false},
		{"with hyphen", "my-phone", false},
		{"with underscore", "my_phone", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"dot", "my.phone", true},
		{"slash", "../etc", true},
		{"too long", strings.Repeat("a", 65), true},
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
