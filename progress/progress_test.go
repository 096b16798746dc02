package progress

import (
	"context"
	"testing"

	"github.com/dhcgn/imap-backup/stats"
)

func TestPercent(t *testing.T) {
	tests := []struct {
		done, total, want int
	}{
		{0, 12, 0},
		{10, 12, 83},
		{12, 12, 100},
		{13, 12, 100},
		{0, 0, 100},
	}
	for _, tt := range tests {
		if got := Percent(tt.done, tt.total); got != tt.want {
			t.Errorf("Percent(%d, %d) = %d, want %d", tt.done, tt.total, got, tt.want)
		}
	}
}

func TestTitle(t *testing.T) {
	if got := Title("INBOX"); got != "INBOX" {
		t.Errorf("Title(INBOX) = %q", got)
	}
	long := "Archive/2019/Projects/Customer/Correspondence"
	got := Title(long)
	if len([]rune(got)) != 40 {
		t.Errorf("Title(long) = %q, want 40 runes", got)
	}
}

func TestBar_DisabledIgnoresEvents(t *testing.T) {
	bar := New("debug")
	if bar.Enabled() {
		t.Fatal("bar enabled at debug level")
	}

	events := make(chan stats.Event, 3)
	events <- stats.Event{Type: stats.EventTypeFolderStarted, Folder: "INBOX", Total: 5}
	events <- stats.Event{Type: stats.EventTypeBatchFetched, Folder: "INBOX", Done: 5, Total: 5}
	events <- stats.Event{Type: stats.EventTypeFolderCompleted, Folder: "INBOX"}
	close(events)

	if err := bar.Subscriber(context.Background(), events); err != nil {
		t.Fatalf("Subscriber() error = %v", err)
	}
	if bar.pb != nil {
		t.Error("disabled bar started a progress printer")
	}
}

type recordingStream struct {
	names []string
}

func (r *recordingStream) SubscribeStats(name string, _ func(context.Context, <-chan stats.Event) error) {
	r.names = append(r.names, name)
}

func TestAttach(t *testing.T) {
	stream := &recordingStream{}
	Attach(stream, New("debug"))
	Attach(stream, nil)
	if len(stream.names) != 0 {
		t.Errorf("disabled bar subscribed: %v", stream.names)
	}

	Attach(stream, New("info"))
	if len(stream.names) != 1 || stream.names[0] != "progress-bar" {
		t.Errorf("subscriptions = %v", stream.names)
	}
}

func TestNew_EnabledAboveDebug(t *testing.T) {
	for _, level := range []string{"info", "warn", "error"} {
		if !New(level).Enabled() {
			t.Errorf("New(%q).Enabled() = false, want true", level)
		}
	}
	if New("debug").Enabled() {
		t.Error(`New("debug").Enabled() = true, want false`)
	}
}
