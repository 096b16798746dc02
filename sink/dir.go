package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhcgn/imap-backup/model"
)

// Dir writes each entry as a plain file below a root directory.
type Dir struct {
	root   string
	closed bool
}

func NewDir(root string) (*Dir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("output directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &WriteError{Path: root, Err: err}
	}
	return &Dir{root: root}, nil
}

// Write creates missing parent directories and overwrites existing files.
func (d *Dir) Write(entry model.Entry) error {
	if d.closed {
		return &WriteError{Path: entry.Path, Err: ErrClosed}
	}
	if entry.Path == "" {
		return &WriteError{Err: errEmptyEntryPath}
	}

	target := filepath.Join(d.root, filepath.FromSlash(entry.Path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &WriteError{Path: entry.Path, Err: err}
	}
	if err := os.WriteFile(target, entry.Content, 0o644); err != nil {
		return &WriteError{Path: entry.Path, Err: err}
	}
	return nil
}

func (d *Dir) Close() error {
	d.closed = true
	return nil
}
