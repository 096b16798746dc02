// Package sink writes archived entries to their final destination.
package sink

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dhcgn/imap-backup/model"
)

// Format selects a Sink backend.
type Format string

const (
	FormatDir  Format = "dir"
	FormatZip  Format = "zip"
	FormatMbox Format = "mbox"
)

var (
	ErrClosed         = errors.New("sink is closed")
	ErrDuplicatePath  = errors.New("duplicate archive entry")
	ErrUnknownFormat  = errors.New("unknown output format")
	errEmptyEntryPath = errors.New("entry path is empty")
)

// Sink receives archived entries. Implementations are owned by a single run
// and are not safe for concurrent use.
type Sink interface {
	Write(entry model.Entry) error
	Close() error
}

// WriteError wraps a failed write. It is fatal for the run.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Options selects and configures a backend.
type Options struct {
	Format Format
	// Path is the output directory (dir, mbox) or archive file (zip).
	Path string
}

// New opens the backend described by opts.
func New(opts Options) (Sink, error) {
	switch opts.Format {
	case FormatDir, "":
		return NewDir(opts.Path)
	case FormatZip:
		return NewZip(opts.Path)
	case FormatMbox:
		return NewMbox(opts.Path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, opts.Format)
	}
}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatDir, FormatZip, FormatMbox:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Nested reports whether entries for this format are spread over
// year/month/day directories.
func (f Format) Nested() bool {
	return f == FormatDir || f == ""
}

// OutputPath returns root/host/user-YYYYMMDD-HHMMSS, with a .zip extension
// for the zip format.
func OutputPath(root, host, user string, format Format, at time.Time) string {
	name := user + "-" + at.Format("20060102-150405")
	if format == FormatZip {
		name += ".zip"
	}
	return filepath.Join(root, host, name)
}
