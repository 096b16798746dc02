package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type EventType string

const (
	EventTypeFolderStarted   EventType = "folder_started"
	EventTypeFolderCompleted EventType = "folder_completed"
	EventTypeFolderSkipped   EventType = "folder_skipped"
	EventTypeFolderFailed    EventType = "folder_failed"
	EventTypeBatchFetched    EventType = "batch_fetched"
	EventTypeScanned         EventType = "scanned"
	EventTypeUnparseable     EventType = "unparseable"
	EventTypeFiltered        EventType = "filtered"
	EventTypeArchived        EventType = "archived"
	EventTypeDeleted         EventType = "deleted"
	EventTypeError           EventType = "error"
)

// Event is emitted by the runner for every step of a backup.
type Event struct {
	Type      EventType
	Folder    string
	MessageID uint32
	Path      string
	Err       error
	Detail    string

	// Done and Total describe folder progress on folder and batch events.
	Done  int
	Total int
}

type Summary struct {
	Folders        int
	FoldersSkipped int
	FoldersFailed  int
	Scanned        int
	Unparseable    int
	Filtered       int
	Archived       int
	Deleted        int
	Errors         int
	LastError      error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"folders", s.Folders,
		"foldersSkipped", s.FoldersSkipped,
		"foldersFailed", s.FoldersFailed,
		"scanned", s.Scanned,
		"unparseable", s.Unparseable,
		"filtered", s.Filtered,
		"archived", s.Archived,
		"deleted", s.Deleted,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
	skipped map[string]int
}

func NewCollector() *Collector {
	return &Collector{skipped: make(map[string]int)}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Record(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// SkippedByFolder returns how many messages were unparseable or filtered,
// per folder.
func (c *Collector) SkippedByFolder() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.skipped))
	for k, v := range c.skipped {
		out[k] = v
	}
	return out
}

func (c *Collector) Record(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeFolderCompleted:
		c.summary.Folders++
	case EventTypeFolderSkipped:
		c.summary.FoldersSkipped++
	case EventTypeFolderFailed:
		c.summary.FoldersFailed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeUnparseable:
		c.summary.Unparseable++
		c.skipped[evt.Folder]++
	case EventTypeFiltered:
		c.summary.Filtered++
		c.skipped[evt.Folder]++
	case EventTypeArchived:
		c.summary.Archived++
	case EventTypeDeleted:
		c.summary.Deleted++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
		for _, line := range TopLines(r.collector.SkippedByFolder(), 5) {
			r.logger.Debug("skipped messages", "folder", line.Key, "count", line.Value)
		}
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Pair is one entry of a TopLines ranking.
type Pair struct {
	Key   string
	Value int
}

// TopLines returns the limit most frequent keys of m, highest first. Ties are
// ordered by key.
func TopLines(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop writes the top N most frequent items in a map to w.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range TopLines(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
