//go:build unix

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCredentialFileWarning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrate.yaml")
	if err := os.WriteFile(path, []byte("source: {}\n"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		mode os.FileMode
		want string
	}{
		{0600, ""},
		{0400, ""},
		{0644, "readable"},
		{0660, "writable"},
	}
	for _, tt := range tests {
		if err := os.Chmod(path, tt.mode); err != nil {
			t.Fatal(err)
		}
		got := credentialFileWarning(path)
		if tt.want == "" {
			if got != "" {
				t.Errorf("mode %04o: unexpected warning %q", tt.mode, got)
			}
			continue
		}
		if !strings.Contains(got, tt.want) || !strings.Contains(got, "chmod 600") {
			t.Errorf("mode %04o: warning = %q, want %q", tt.mode, got, tt.want)
		}
	}

	if got := credentialFileWarning(filepath.Join(t.TempDir(), "missing.yaml")); got != "" {
		t.Errorf("missing file warned: %q", got)
	}
}
