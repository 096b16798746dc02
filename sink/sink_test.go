package sink

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/imap-backup/model"
)

var when = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func entry(path, content string) model.Entry {
	return model.Entry{Path: path, Folder: "INBOX", Date: when, Content: []byte(content)}
}

func TestDir_WriteAndOverwrite(t *testing.T) {
	root := filepath.Join(t.TempDir(), "out")
	s, err := NewDir(root)
	if err != nil {
		t.Fatalf("NewDir() error = %v", err)
	}

	if err := s.Write(entry("alice/INBOX/2024/01/02/03-04-05-hi.eml", "first")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := s.Write(entry("alice/INBOX/2024/01/02/03-04-05-hi.eml", "second")); err != nil {
		t.Fatalf("Write() overwrite error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "alice", "INBOX", "2024", "01", "02", "03-04-05-hi.eml"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "second" {
		t.Errorf("content = %q, want %q", got, "second")
	}
}

func TestDir_WriteFailure(t *testing.T) {
	root := t.TempDir()
	// a regular file where a directory is needed
	if err := os.WriteFile(filepath.Join(root, "alice"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := NewDir(root)
	if err != nil {
		t.Fatalf("NewDir() error = %v", err)
	}

	err = s.Write(entry("alice/INBOX/a.eml", "x"))
	var writeErr *WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("Write() error = %v, want *WriteError", err)
	}
}

func TestZip_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host", "alice.zip")
	s, err := NewZip(path)
	if err != nil {
		t.Fatalf("NewZip() error = %v", err)
	}

	content := "Subject: x\r\n\r\n\xff\x00body"
	if err := s.Write(entry("alice/INBOX/03-04-05-x.eml", content)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := s.Write(entry("alice/Sent/03-04-05-y.eml", "y")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("zip.OpenReader() error = %v", err)
	}
	defer r.Close()

	if len(r.File) != 2 {
		t.Fatalf("len(File) = %d, want 2", len(r.File))
	}
	f, err := r.File[0].Open()
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Errorf("content = %q, want %q", got, content)
	}
	if r.File[0].Name != "alice/INBOX/03-04-05-x.eml" {
		t.Errorf("Name = %q", r.File[0].Name)
	}
}

func TestZip_DuplicatePath(t *testing.T) {
	s, err := NewZip(filepath.Join(t.TempDir(), "a.zip"))
	if err != nil {
		t.Fatalf("NewZip() error = %v", err)
	}
	defer s.Close()

	if err := s.Write(entry("a/b.eml", "1")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := s.Write(entry("a/b.eml", "2")); !errors.Is(err, ErrDuplicatePath) {
		t.Fatalf("Write() error = %v, want ErrDuplicatePath", err)
	}
}

func TestZip_WriteAfterClose(t *testing.T) {
	s, err := NewZip(filepath.Join(t.TempDir(), "a.zip"))
	if err != nil {
		t.Fatalf("NewZip() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(entry("a/b.eml", "1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write() error = %v, want ErrClosed", err)
	}
}

func TestMbox_OneFilePerFolder(t *testing.T) {
	root := t.TempDir()
	s, err := NewMbox(root)
	if err != nil {
		t.Fatalf("NewMbox() error = %v", err)
	}

	writes := []model.Entry{
		entry("alice/INBOX/03-04-05-a.eml", "Subject: a\r\n\r\nfirst\r\n"),
		entry("alice/INBOX/03-04-06-b.eml", "Subject: b\r\n\r\nFrom here on\r\n"),
		entry("alice/Sent/03-04-07-c.eml", "Subject: c\r\n\r\nthird\r\n"),
	}
	for _, e := range writes {
		if err := s.Write(e); err != nil {
			t.Fatalf("Write(%s) error = %v", e.Path, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if n := countMboxMessages(t, filepath.Join(root, "alice", "INBOX.mbox")); n != 2 {
		t.Errorf("INBOX.mbox messages = %d, want 2", n)
	}
	if n := countMboxMessages(t, filepath.Join(root, "alice", "Sent.mbox")); n != 1 {
		t.Errorf("Sent.mbox messages = %d, want 1", n)
	}
}

func countMboxMessages(t *testing.T, path string) int {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}

	r := mboxlib.NewReader(bytes.NewReader(data))
	count := 0
	for {
		msg, err := r.NextMessage()
		if errors.Is(err, io.EOF) {
			return count
		}
		if err != nil {
			t.Fatalf("NextMessage() error = %v", err)
		}
		if _, err := io.Copy(io.Discard, msg); err != nil {
			t.Fatalf("read message: %v", err)
		}
		count++
	}
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []Format{FormatDir, FormatZip, FormatMbox} {
		s, err := New(Options{Format: f, Path: filepath.Join(dir, string(f))})
		if err != nil {
			t.Fatalf("New(%s) error = %v", f, err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close(%s) error = %v", f, err)
		}
	}

	if _, err := New(Options{Format: "tar", Path: dir}); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("New(tar) error = %v, want ErrUnknownFormat", err)
	}
}

func TestOutputPath(t *testing.T) {
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local)

	got := OutputPath("output", "imap.example.com", "alice", FormatZip, at)
	want := filepath.Join("output", "imap.example.com", "alice-20240506-070809.zip")
	if got != want {
		t.Errorf("OutputPath(zip) = %q, want %q", got, want)
	}

	got = OutputPath("output", "imap.example.com", "alice", FormatDir, at)
	want = filepath.Join("output", "imap.example.com", "alice-20240506-070809")
	if got != want {
		t.Errorf("OutputPath(dir) = %q, want %q", got, want)
	}
}
