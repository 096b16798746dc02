package sink

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dhcgn/imap-backup/model"
)

// Zip appends entries to a single zip archive. The central directory is
// written on Close.
type Zip struct {
	path   string
	file   *os.File
	writer *zip.Writer
	names  map[string]struct{}
	closed bool
}

func NewZip(path string) (*Zip, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &WriteError{Path: path, Err: err}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &WriteError{Path: path, Err: err}
	}
	return &Zip{
		path:   path,
		file:   file,
		writer: zip.NewWriter(file),
		names:  make(map[string]struct{}),
	}, nil
}

func (z *Zip) Write(entry model.Entry) error {
	if z.closed {
		return &WriteError{Path: entry.Path, Err: ErrClosed}
	}
	if entry.Path == "" {
		return &WriteError{Err: errEmptyEntryPath}
	}
	if _, ok := z.names[entry.Path]; ok {
		return &WriteError{Path: entry.Path, Err: ErrDuplicatePath}
	}

	header := &zip.FileHeader{
		Name:   entry.Path,
		Method: zip.Deflate,
	}
	if !entry.Date.IsZero() {
		header.Modified = entry.Date
	}

	w, err := z.writer.CreateHeader(header)
	if err != nil {
		return &WriteError{Path: entry.Path, Err: err}
	}
	if _, err := w.Write(entry.Content); err != nil {
		return &WriteError{Path: entry.Path, Err: err}
	}
	z.names[entry.Path] = struct{}{}
	return nil
}

// Close flushes the central directory. Only the first call has an effect.
func (z *Zip) Close() error {
	if z.closed {
		return nil
	}
	z.closed = true

	var firstErr error
	if err := z.writer.Close(); err != nil {
		firstErr = fmt.Errorf("close zip writer: %w", err)
	}
	if err := z.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close zip file: %w", err)
	}
	if firstErr != nil {
		return &WriteError{Path: z.path, Err: firstErr}
	}
	return nil
}
