package detect

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFiles(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestHasExistingCode(t *testing.T) {
	if HasExistingCode(t.TempDir()) {
		t.Error("empty dir should be greenfield")
	}
	if !HasExistingCode(writeFiles(t, "go.mod")) {
		t.Error("go.mod should mark the dir brownfield")
	}
}

func TestDetectStack(t *testing.T) {
	tests := []struct {
		name     string
		files    []string
		language string
		pm       string
		testCmd  string
	}{
		{"go", []string{"go.mod"}, "go", "go", "go test ./..."},
		{"rust", []string{"Cargo.toml"}, "rust", "cargo", "cargo test"},
		{"npm js", []string{"package.json"}, "javascript", "npm", "npm test"},
		{"pnpm ts", []string{"package.json", "pnpm-lock.yaml", "tsconfig.json"}, "typescript", "pnpm", "pnpm test"},
		{"yarn", []string{"package.json", "yarn.lock"}, "javascript", "yarn", "yarn test"},
		{"python", []string{"pyproject.toml"}, "python", "pip", "pytest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := DetectStack(writeFiles(t, tt.files...))
			if info.Language != tt.language {
				t.Errorf("language: got %q, want %q", info.Language, tt.language)
			}
			if info.PackageManager != tt.pm {
				t.Errorf("package manager: got %q, want %q", info.PackageManager, tt.pm)
			}
			if info.TestCmd != tt.testCmd {
				t.Errorf("test cmd: got %q, want %q", info.TestCmd, tt.testCmd)
			}
		})
	}

	if !DetectStack(t.TempDir()).Empty() {
		t.Error("empty dir should detect nothing")
	}
}

func TestGoWinsOverNode(t *testing.T) {
	// Mixed repos with a Go backend and a JS frontend lean Go.
	info := DetectStack(writeFiles(t, "go.mod", "package.json"))
	if info.Language != "go" {
		t.Errorf("got %q, want go", info.Language)
	}
}
