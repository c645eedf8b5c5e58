package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInstanceDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := InstanceDir("main")
	want := filepath.Join(home, ".wpphook", "instances", "main")
	if got != want {
		t.Errorf("InstanceDir(main) = %q, want %q", got, want)
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve("/srv/wpphook", "main").Root; got != "/srv/wpphook" {
		t.Errorf("explicit data dir = %q", got)
	}
	got := Resolve("", "test")
	if !strings.HasSuffix(got.SocketPath(), filepath.Join("instances", "test", "admin.sock")) {
		t.Errorf("SocketPath() = %q, want suffix instances/test/admin.sock", got.SocketPath())
	}
	if !strings.HasSuffix(got.LogPath(), filepath.Join("test", "logs", "wpphookd.log")) {
		t.Errorf("LogPath() = %q", got.LogPath())
	}
}

func TestEnsure(t *testing.T) {
	l := Layout{Root: filepath.Join(t.TempDir(), "data")}
	if err := l.Ensure(); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(l.LogDir())
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("log dir is not a directory")
	}
}

func TestValidateInstance(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "staging2", false},
		{"valid with hyphen", "my-line", false},
		{"valid with underscore", "my_line", false},
		{"valid max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my line", true},
		{"dot", "my.line", true},
		{"too long", strings.Repeat("a", 65), true},
		{"slash", "my/line", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInstance(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInstance(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
