package progress

import (
	"context"
	"sync"

	"github.com/pterm/pterm"

	"github.com/dhcgn/imap-backup/stats"
)

// Bar shows the per-folder backup progress.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	folder  string
	total   int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar. It stays disabled at debug level, where every
// batch is logged with its percentage.
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel != "debug"}
}

func (b *Bar) Enabled() bool {
	return b.enabled
}

// Update moves the bar according to the event type.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeFolderStarted:
		b.stopLocked()
		b.folder = evt.Folder
		b.total = evt.Total
		if evt.Total == 0 {
			pterm.Info.Printf("%s: empty\n", evt.Folder)
			return
		}
		pb, err := pterm.DefaultProgressbar.
			WithTotal(evt.Total).
			WithTitle(Title(evt.Folder)).
			Start()
		if err != nil {
			return
		}
		b.pb = pb
	case stats.EventTypeBatchFetched:
		if b.pb != nil && evt.Folder == b.folder {
			b.pb.Current = evt.Done
			b.pb.Add(0)
		}
	case stats.EventTypeFolderCompleted:
		if b.pb != nil {
			b.pb.Current = b.total
		}
		b.stopLocked()
	case stats.EventTypeFolderSkipped:
		pterm.Info.Printf("%s: skipped (%s)\n", evt.Folder, evt.Detail)
	case stats.EventTypeFolderFailed:
		b.stopLocked()
		if evt.Err != nil {
			pterm.Error.Printf("%s: %v\n", evt.Folder, evt.Err)
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes a bar that is still running.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *Bar) stopLocked() {
	if b.pb == nil {
		return
	}
	_, _ = b.pb.Stop()
	b.pb = nil
}

// Subscriber creates a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// Title shortens long folder names for the bar title.
func Title(folder string) string {
	r := []rune(folder)
	if len(r) > 40 {
		return string(r[:37]) + "..."
	}
	return folder
}

// Percent returns done/total as a whole percentage.
func Percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	if done >= total {
		return 100
	}
	return done * 100 / total
}

// Attach subscribes the bar to the stream when it is enabled.
func Attach(stream stats.EventStream, bar *Bar) {
	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
	}
}

// PrintSummary renders the end-of-run summary.
func PrintSummary(summary stats.Summary, resumeFile string) {
	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Folders completed: %d\n", summary.Folders)
	pterm.Info.Printf("Folders skipped: %d\n", summary.FoldersSkipped)
	pterm.Info.Printf("Messages scanned: %d\n", summary.Scanned)
	pterm.Info.Printf("Archived: %d\n", summary.Archived)
	pterm.Info.Printf("Filtered: %d\n", summary.Filtered)
	pterm.Info.Printf("Unparseable: %d\n", summary.Unparseable)
	pterm.Info.Printf("Deleted: %d\n", summary.Deleted)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
	if resumeFile != "" {
		pterm.Warning.Printf("Resume with --retry %s\n", resumeFile)
	}
}
