package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ResumeSuffix ends every resume file name.
const ResumeSuffix = "-retry.json"

var ErrEmptyResumePath = errors.New("resume file path is empty")

// Snapshot summarises the tracker state.
type Snapshot struct {
	Completed int
}

// Tracker records the folders that were fully archived, in order.
type Tracker struct {
	mu        sync.RWMutex
	completed []string
	index     map[string]struct{}
}

type fileRecord struct {
	CompletedBoxes []string `json:"completed_boxes"`
}

// NewTracker returns a tracker seeded with already completed folders.
func NewTracker(completed ...string) *Tracker {
	t := &Tracker{index: make(map[string]struct{})}
	for _, name := range completed {
		t.MarkCompleted(name)
	}
	return t
}

// Load reads a resume file written by Save.
func Load(path string) (*Tracker, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrEmptyResumePath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read resume file: %w", err)
	}

	var record fileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parse resume file %s: %w", path, err)
	}

	return NewTracker(record.CompletedBoxes...), nil
}

func (t *Tracker) MarkCompleted(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.index[name]; exists {
		return
	}
	t.index[name] = struct{}{}
	t.completed = append(t.completed, name)
}

func (t *Tracker) IsCompleted(name string) bool {
	t.mu.RLock()
	_, ok := t.index[name]
	t.mu.RUnlock()
	return ok
}

// Completed returns the completed folders in the order they were recorded.
func (t *Tracker) Completed() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.completed...)
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	count := len(t.completed)
	t.mu.RUnlock()
	return Snapshot{Completed: count}
}

// ResumeFileName returns <user>-<YYYYMMDDTHHMMSS>-retry.json.
func ResumeFileName(user string, at time.Time) string {
	user = strings.NewReplacer("/", "_", "\\", "_").Replace(user)
	return user + "-" + at.Format("20060102T150405") + ResumeSuffix
}

// Save writes the completed folders to a resume file in dir and returns its
// path. The file is written to a temporary name first and renamed into place.
func (t *Tracker) Save(dir, user string, at time.Time) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}

	record := fileRecord{CompletedBoxes: t.Completed()}
	if record.CompletedBoxes == nil {
		record.CompletedBoxes = []string{}
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode resume file: %w", err)
	}

	path := filepath.Join(dir, ResumeFileName(user, at))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write resume file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename resume file: %w", err)
	}
	return path, nil
}
