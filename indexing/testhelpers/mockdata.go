package testhelpers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// MockFileSystem creates a temporary public directory for testing
type MockFileSystem struct {
	Root string
	t    *testing.T
}

// NewMockFileSystem creates a new mock filesystem in a temp directory
func NewMockFileSystem(t *testing.T) *MockFileSystem {
	tempDir, err := os.MkdirTemp("", "dirindex-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	return &MockFileSystem{
		Root: tempDir,
		t:    t,
	}
}

// Cleanup removes the temporary directory
func (m *MockFileSystem) Cleanup() {
	if err := os.RemoveAll(m.Root); err != nil {
		m.t.Errorf("Failed to cleanup temp dir: %v", err)
	}
}

// Path returns the absolute path of a relative fixture path
func (m *MockFileSystem) Path(rel string) string {
	return filepath.Join(m.Root, filepath.FromSlash(rel))
}

// CreateDir creates a directory in the mock filesystem
func (m *MockFileSystem) CreateDir(path string) {
	if err := os.MkdirAll(m.Path(path), 0755); err != nil {
		m.t.Fatalf("Failed to create directory %s: %v", path, err)
	}
}

// CreateFile creates a file with the given content
func (m *MockFileSystem) CreateFile(path string, content string) {
	fullPath := m.Path(path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		m.t.Fatalf("Failed to create parent dir for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		m.t.Fatalf("Failed to create file %s: %v", path, err)
	}
}

// CreateSizedFile creates a file holding exactly size bytes
func (m *MockFileSystem) CreateSizedFile(path string, size int) {
	m.CreateFile(path, strings.Repeat("x", size))
}

// CreateSymlink creates a symbolic link
func (m *MockFileSystem) CreateSymlink(target, linkPath string) {
	fullLink := m.Path(linkPath)
	if err := os.MkdirAll(filepath.Dir(fullLink), 0755); err != nil {
		m.t.Fatalf("Failed to create parent dir for symlink %s: %v", linkPath, err)
	}
	if err := os.Symlink(m.Path(target), fullLink); err != nil {
		m.t.Fatalf("Failed to create symlink %s -> %s: %v", linkPath, target, err)
	}
}

// SetModTime pins the modification time of a fixture path
func (m *MockFileSystem) SetModTime(path string, mod time.Time) {
	if err := os.Chtimes(m.Path(path), mod, mod); err != nil {
		m.t.Fatalf("Failed to set mtime on %s: %v", path, err)
	}
}

// CreateStandardTestStructure lays out a small public directory the way the site uses it
func (m *MockFileSystem) CreateStandardTestStructure() {
	m.CreateFile("README.md", "# files\n")
	m.CreateFile("favicon.ico", "icon")

	m.CreateDir("documents")
	m.CreateFile("documents/readme.txt", "This is a readme file")
	m.CreateFile("documents/notes.txt", "These are notes")
	m.CreateFile("documents/Report.pdf", "PDF content")

	m.CreateDir("documents/archive/2023")
	m.CreateFile("documents/archive/old.txt", "Old document")
	m.CreateFile("documents/archive/2023/jan.txt", "January data")
	m.CreateFile("documents/archive/2023/feb.txt", "February data")

	// a hand-written page: no generated listing
	m.CreateFile("blog/index.html", "<html></html>")
	m.CreateFile("blog/post.html", "<html>post</html>")

	// framework output and drafts are ignored
	m.CreateFile("_astro/app.js", "console.log(1)")
	m.CreateFile("documents/_draft.txt", "draft")

	// hidden content
	m.CreateFile(".well-known/security.txt", "Contact: mailto:admin@example.com")
	m.CreateFile("documents/.git", "git data")

	m.CreateDir("empty")
}

// GetFileSize returns the size of a file in the mock filesystem
func (m *MockFileSystem) GetFileSize(path string) int64 {
	info, err := os.Stat(m.Path(path))
	if err != nil {
		m.t.Fatalf("Failed to stat file %s: %v", path, err)
	}
	return info.Size()
}
