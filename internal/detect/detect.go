// Package detect figures out what kind of codebase a project directory
// holds, so planning prompts can name the stack and its standard commands.
package detect

import (
	"os"
	"path/filepath"
	"strings"
)

// StackInfo holds the detected project stack information.
type StackInfo struct {
	Language       string // "go", "typescript", "python", "rust", ...
	PackageManager string // "go", "pnpm", "npm", "pip", "cargo", ...
	TestCmd        string
	BuildCmd       string
	LintCmd        string
}

// Empty reports whether nothing was detected (greenfield directory).
func (s StackInfo) Empty() bool { return s.Language == "" }

// projectIndicators lists files whose presence signals an existing codebase.
var projectIndicators = []string{
	"package.json",
	"go.mod",
	"Cargo.toml",
	"pyproject.toml",
	"requirements.txt",
	"setup.py",
	"pom.xml",
	"Makefile",
	"Gemfile",
}

// HasExistingCode reports whether dir contains an existing codebase
// (brownfield) rather than being empty or near-empty (greenfield).
func HasExistingCode(dir string) bool {
	for _, indicator := range projectIndicators {
		if fileExists(filepath.Join(dir, indicator)) {
			return true
		}
	}
	return false
}

// DetectStack scans dir for project files and returns detected stack info.
// Returns a zero StackInfo if nothing is detected.
func DetectStack(dir string) StackInfo {
	switch {
	case fileExists(filepath.Join(dir, "go.mod")):
		return StackInfo{
			Language:       "go",
			PackageManager: "go",
			TestCmd:        "go test ./...",
			BuildCmd:       "go build ./...",
			LintCmd:        "go vet ./...",
		}

	case fileExists(filepath.Join(dir, "Cargo.toml")):
		return StackInfo{
			Language:       "rust",
			PackageManager: "cargo",
			TestCmd:        "cargo test",
			BuildCmd:       "cargo build",
			LintCmd:        "cargo clippy",
		}

	case fileExists(filepath.Join(dir, "package.json")):
		pm := nodePackageManager(dir)
		return StackInfo{
			Language:       nodeLanguage(dir),
			PackageManager: pm,
			TestCmd:        pm + " test",
			BuildCmd:       pm + " run build",
			LintCmd:        pm + " run lint",
		}

	case fileExists(filepath.Join(dir, "pyproject.toml")),
		fileExists(filepath.Join(dir, "requirements.txt")),
		fileExists(filepath.Join(dir, "setup.py")):
		return StackInfo{
			Language:       "python",
			PackageManager: "pip",
			TestCmd:        "pytest",
			BuildCmd:       "",
			LintCmd:        "ruff check .",
		}
	}
	return StackInfo{}
}

// nodePackageManager picks the package manager from lockfiles.
func nodePackageManager(dir string) string {
	switch {
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return "pnpm"
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return "yarn"
	}
	return "npm"
}

// nodeLanguage distinguishes typescript from javascript projects.
func nodeLanguage(dir string) string {
	if fileExists(filepath.Join(dir, "tsconfig.json")) {
		return "typescript"
	}
	if strings.Contains(readFile(filepath.Join(dir, "package.json")), `"typescript"`) {
		return "typescript"
	}
	return "javascript"
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
