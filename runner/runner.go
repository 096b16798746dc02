// Package runner walks every folder of a mailbox and archives its messages.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/imap-backup/filter"
	"github.com/dhcgn/imap-backup/layout"
	"github.com/dhcgn/imap-backup/message"
	"github.com/dhcgn/imap-backup/model"
	"github.com/dhcgn/imap-backup/progress"
	"github.com/dhcgn/imap-backup/sink"
	"github.com/dhcgn/imap-backup/state"
	"github.com/dhcgn/imap-backup/stats"
)

// DefaultBatchSize is the number of messages fetched per round trip.
const DefaultBatchSize = 10

var (
	ErrNilSession = errors.New("session must not be nil")
	ErrNilSink    = errors.New("sink must not be nil")
	ErrEmptyUser  = errors.New("user is empty")
)

// Session is the mailbox connection the runner needs.
type Session interface {
	ListFolders(ctx context.Context) ([]model.Folder, error)
	SelectFolder(ctx context.Context, name string) (uint32, error)
	SearchAll(ctx context.Context) ([]uint32, error)
	FetchBatch(ctx context.Context, ids []uint32) ([]model.RawMessage, error)
	FlagDeleted(ctx context.Context, id uint32) error
	Expunge(ctx context.Context) error
	Close() error
}

// Recorder indexes archived entries, e.g. in a catalog database.
type Recorder interface {
	Record(ctx context.Context, msg model.Message, entry model.Entry) error
}

// ProtocolError is a failed select, search or fetch. It ends the run.
type ProtocolError struct {
	Op     string
	Folder string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Folder == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Folder, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// AbortError is returned when a folder failed. ResumeFile names the file to
// pass to --retry; it is empty when the file could not be written.
type AbortError struct {
	Folder     string
	ResumeFile string
	Err        error
}

func (e *AbortError) Error() string {
	if e.ResumeFile == "" {
		return fmt.Sprintf("backup aborted at folder %q: %v", e.Folder, e.Err)
	}
	return fmt.Sprintf("backup aborted at folder %q, resume with --retry %s: %v", e.Folder, e.ResumeFile, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

type Options struct {
	User string
	Host string

	Filter *filter.Filter
	Layout layout.Layout

	// Delete flags every archived message as deleted and expunges each
	// completed folder.
	Delete    bool
	BatchSize int

	// Tracker holds the folders completed by an earlier run. It is updated as
	// folders complete.
	Tracker  *state.Tracker
	StateDir string

	Catalog Recorder
	Logger  *slog.Logger
	Now     func() time.Time
}

type subscriber struct {
	name string
	fn   func(context.Context, <-chan stats.Event) error
	ch   chan stats.Event
}

type Runner struct {
	opts    Options
	session Session
	sink    sink.Sink
	logger  *slog.Logger

	dedupe    *layout.Deduper
	collector *stats.Collector

	subscribers []*subscriber
	statsWG     sync.WaitGroup
}

func New(opts Options, session Session, out sink.Sink) (*Runner, error) {
	if session == nil {
		return nil, ErrNilSession
	}
	if out == nil {
		return nil, ErrNilSink
	}
	if opts.User == "" {
		return nil, ErrEmptyUser
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Tracker == nil {
		opts.Tracker = state.NewTracker()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Layout.User == "" {
		opts.Layout.User = opts.User
	}

	return &Runner{
		opts:      opts,
		session:   session,
		sink:      out,
		logger:    opts.Logger,
		dedupe:    layout.NewDeduper(),
		collector: stats.NewCollector(),
	}, nil
}

// SubscribeStats registers fn to receive every event of the next Run. It must
// be called before Run.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers = append(r.subscribers, &subscriber{
		name: name,
		fn:   fn,
		ch:   make(chan stats.Event, 128),
	})
}

// Run archives every folder not yet completed. The sink and the session are
// closed before Run returns.
func (r *Runner) Run(ctx context.Context) (stats.Summary, error) {
	started := r.opts.Now()
	r.startSubscribers(ctx)

	runErr := r.walk(ctx)

	if err := r.sink.Close(); err != nil {
		r.logger.Error("close sink failed", "err", err)
		if runErr == nil {
			runErr = fmt.Errorf("close sink: %w", err)
		}
	}
	if r.opts.Delete {
		if err := r.session.Expunge(ctx); err != nil {
			r.logger.Warn("final expunge failed", "err", err)
			r.emit(stats.Event{Type: stats.EventTypeError, Err: err})
		}
	}
	if err := r.session.Close(); err != nil {
		r.logger.Debug("close session", "err", err)
	}

	r.stopSubscribers()

	summary := r.collector.Snapshot()
	duration := r.opts.Now().Sub(started)
	if runErr != nil {
		r.logger.Error("backup failed", append(summary.LogAttrs(), "duration", duration, "err", runErr)...)
		return summary, runErr
	}
	r.logger.Info("backup completed", "folders", summary.Folders, "archived", summary.Archived, "duration", duration)
	return summary, nil
}

func (r *Runner) walk(ctx context.Context) error {
	folders, err := r.session.ListFolders(ctx)
	if err != nil {
		return r.abort("", &ProtocolError{Op: "list", Err: err})
	}
	r.logger.Info("folders listed", "count", len(folders), "resumed", r.opts.Tracker.Snapshot().Completed)

	for _, folder := range folders {
		if r.opts.Tracker.IsCompleted(folder.Name) {
			r.logger.Info("skipping folder completed by an earlier run", "folder", folder.Name)
			r.emit(stats.Event{Type: stats.EventTypeFolderSkipped, Folder: folder.Name, Detail: "resume"})
			continue
		}
		if r.opts.Filter != nil && !r.opts.Filter.AllowsFolder(folder.Name) {
			r.logger.Info("skipping folder excluded by filter", "folder", folder.Name)
			r.emit(stats.Event{Type: stats.EventTypeFolderSkipped, Folder: folder.Name, Detail: "filter"})
			continue
		}

		if err := r.backupFolder(ctx, folder); err != nil {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				r.emit(stats.Event{Type: stats.EventTypeFolderFailed, Folder: folder.Name, Err: err})
				return r.abort(folder.Name, err)
			}
			r.emit(stats.Event{Type: stats.EventTypeError, Folder: folder.Name, Err: err})
			return err
		}

		r.opts.Tracker.MarkCompleted(folder.Name)
		r.emit(stats.Event{Type: stats.EventTypeFolderCompleted, Folder: folder.Name})
	}
	return nil
}

func (r *Runner) backupFolder(ctx context.Context, folder model.Folder) error {
	count, err := r.session.SelectFolder(ctx, folder.Name)
	if err != nil {
		return &ProtocolError{Op: "select", Folder: folder.Name, Err: err}
	}
	folder.Messages = count
	r.emit(stats.Event{Type: stats.EventTypeFolderStarted, Folder: folder.Name, Total: int(count)})

	if count == 0 {
		r.logger.Info("folder is empty", "folder", folder.Name)
		return nil
	}

	ids, err := r.session.SearchAll(ctx)
	if err != nil {
		return &ProtocolError{Op: "search", Folder: folder.Name, Err: err}
	}
	r.logger.Info("backing up folder", "folder", folder.Name, "messages", len(ids))

	for start := 0; start < len(ids); start += r.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return &ProtocolError{Op: "fetch", Folder: folder.Name, Err: err}
		}

		end := min(start+r.opts.BatchSize, len(ids))
		batch := ids[start:end]

		msgs, err := r.session.FetchBatch(ctx, batch)
		if err != nil {
			return &ProtocolError{Op: "fetch", Folder: folder.Name, Err: err}
		}
		if len(msgs) != len(batch) {
			r.logger.Warn("server returned fewer messages than requested", "folder", folder.Name, "requested", len(batch), "received", len(msgs))
		}

		for _, raw := range msgs {
			if err := r.processMessage(ctx, folder, raw); err != nil {
				return err
			}
		}

		r.emit(stats.Event{Type: stats.EventTypeBatchFetched, Folder: folder.Name, Done: end, Total: len(ids)})
		r.logger.Debug("batch processed", "folder", folder.Name, "done", end, "total", len(ids), "percent", progress.Percent(end, len(ids)))
	}

	if r.opts.Delete {
		if err := r.session.Expunge(ctx); err != nil {
			r.logger.Warn("expunge failed", "folder", folder.Name, "err", err)
			r.emit(stats.Event{Type: stats.EventTypeError, Folder: folder.Name, Err: err})
		}
	}
	return nil
}

func (r *Runner) processMessage(ctx context.Context, folder model.Folder, raw model.RawMessage) error {
	r.emit(stats.Event{Type: stats.EventTypeScanned, Folder: folder.Name, MessageID: raw.ID})

	msg, err := message.Parse(folder.Name, raw)
	if err != nil {
		r.logger.Debug("skipping unparseable message", "folder", folder.Name, "id", raw.ID, "err", err)
		r.emit(stats.Event{Type: stats.EventTypeUnparseable, Folder: folder.Name, MessageID: raw.ID, Err: err})
		return nil
	}

	if r.opts.Filter != nil && !r.opts.Filter.AllowsDate(msg.Date, msg.NaiveDate) {
		r.emit(stats.Event{Type: stats.EventTypeFiltered, Folder: folder.Name, MessageID: msg.ID})
		return nil
	}

	entry := model.Entry{
		Path:    r.dedupe.Unique(r.opts.Layout.Path(folder, msg.Date, msg.Subject)),
		Folder:  folder.Name,
		Date:    msg.Date,
		Content: msg.Raw(),
	}
	if err := r.sink.Write(entry); err != nil {
		var writeErr *sink.WriteError
		if !errors.As(err, &writeErr) {
			err = &sink.WriteError{Path: entry.Path, Err: err}
		}
		return err
	}
	r.emit(stats.Event{Type: stats.EventTypeArchived, Folder: folder.Name, MessageID: msg.ID, Path: entry.Path})
	r.logger.Debug("archived message", "folder", folder.Name, "id", msg.ID, "path", entry.Path)

	if r.opts.Catalog != nil {
		if err := r.opts.Catalog.Record(ctx, msg, entry); err != nil {
			r.logger.Warn("catalog record failed", "path", entry.Path, "err", err)
			r.emit(stats.Event{Type: stats.EventTypeError, Folder: folder.Name, MessageID: msg.ID, Err: err})
		}
	}

	if r.opts.Delete {
		if err := r.session.FlagDeleted(ctx, msg.ID); err != nil {
			r.logger.Warn("flag deleted failed", "folder", folder.Name, "id", msg.ID, "err", err)
			r.emit(stats.Event{Type: stats.EventTypeError, Folder: folder.Name, MessageID: msg.ID, Err: err})
			return nil
		}
		r.emit(stats.Event{Type: stats.EventTypeDeleted, Folder: folder.Name, MessageID: msg.ID})
	}
	return nil
}

// abort writes the resume file and wraps err in an AbortError.
func (r *Runner) abort(folder string, err error) error {
	r.logger.Error("folder failed, stopping backup", "folder", folder, "err", err)

	resumeFile, saveErr := r.opts.Tracker.Save(r.opts.StateDir, r.opts.User, r.opts.Now())
	if saveErr != nil {
		r.logger.Error("write resume file failed", "err", saveErr)
		return &AbortError{Folder: folder, Err: errors.Join(err, saveErr)}
	}
	r.logger.Info("resume file written", "resumeFile", resumeFile, "completed", r.opts.Tracker.Snapshot().Completed)
	return &AbortError{Folder: folder, ResumeFile: resumeFile, Err: err}
}

func (r *Runner) emit(evt stats.Event) {
	r.collector.Record(evt)
	for _, sub := range r.subscribers {
		sub.ch <- evt
	}
}

func (r *Runner) startSubscribers(ctx context.Context) {
	for _, sub := range r.subscribers {
		r.statsWG.Add(1)
		go func(sub *subscriber) {
			defer r.statsWG.Done()
			if err := sub.fn(ctx, sub.ch); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("stats subscriber failed", "name", sub.name, "err", err)
			}
			for range sub.ch {
			}
		}(sub)
	}
}

func (r *Runner) stopSubscribers() {
	for _, sub := range r.subscribers {
		close(sub.ch)
	}
	r.statsWG.Wait()
	r.subscribers = nil
}
