package sink

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/imap-backup/model"
)

const mboxSender = "MAILER-DAEMON"

// Mbox writes one mbox file per folder. The file for an entry is named after
// the directory part of its path, so user/INBOX/x.eml goes to user/INBOX.mbox.
// Folders arrive one after another; switching to a new file closes the
// previous one.
type Mbox struct {
	root    string
	current string
	file    *os.File
	buf     *bufio.Writer
	writer  *mboxlib.Writer
	closed  bool
}

func NewMbox(root string) (*Mbox, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("output directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &WriteError{Path: root, Err: err}
	}
	return &Mbox{root: root}, nil
}

func (m *Mbox) Write(entry model.Entry) error {
	if m.closed {
		return &WriteError{Path: entry.Path, Err: ErrClosed}
	}
	if entry.Path == "" {
		return &WriteError{Err: errEmptyEntryPath}
	}

	name := path.Dir(entry.Path) + ".mbox"
	if name != m.current {
		if err := m.closeCurrent(); err != nil {
			return err
		}
		if err := m.open(name); err != nil {
			return &WriteError{Path: entry.Path, Err: err}
		}
	}

	date := entry.Date
	if date.IsZero() {
		date = time.Now()
	}
	w, err := m.writer.CreateMessage(mboxSender, date)
	if err != nil {
		return &WriteError{Path: entry.Path, Err: err}
	}
	if _, err := w.Write(entry.Content); err != nil {
		return &WriteError{Path: entry.Path, Err: err}
	}
	return nil
}

func (m *Mbox) open(name string) error {
	target := filepath.Join(m.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	// a folder revisited in the same run is appended to
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	m.current = name
	m.file = file
	m.buf = bufio.NewWriterSize(file, 64*1024)
	m.writer = mboxlib.NewWriter(m.buf)
	return nil
}

func (m *Mbox) closeCurrent() error {
	if m.file == nil {
		return nil
	}

	var firstErr error
	if err := m.writer.Close(); err != nil {
		firstErr = fmt.Errorf("close mbox writer: %w", err)
	}
	if err := m.buf.Flush(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("flush mbox file: %w", err)
	}
	if err := m.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close mbox file: %w", err)
	}

	name := m.current
	m.current, m.file, m.buf, m.writer = "", nil, nil, nil
	if firstErr != nil {
		return &WriteError{Path: name, Err: firstErr}
	}
	return nil
}

// Close flushes the open mbox file. Only the first call has an effect.
func (m *Mbox) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.closeCurrent()
}
