package state

import (
	"fmt"
	"testing"
	"time"
)

// BenchmarkTracker_MarkCompleted benchmarks recording completed folders
func BenchmarkTracker_MarkCompleted(b *testing.B) {
	tracker := NewTracker()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.MarkCompleted(fmt.Sprintf("folder-%d", i))
	}
}

// BenchmarkTracker_IsCompleted benchmarks lookup performance
func BenchmarkTracker_IsCompleted(b *testing.B) {
	tracker := NewTracker()
	for i := 0; i < 1000; i++ {
		tracker.MarkCompleted(fmt.Sprintf("folder-%d", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.IsCompleted(fmt.Sprintf("folder-%d", i%2000))
	}
}

// BenchmarkTracker_Save benchmarks writing a resume file with many folders
func BenchmarkTracker_Save(b *testing.B) {
	dir := b.TempDir()
	tracker := NewTracker()
	for i := 0; i < 500; i++ {
		tracker.MarkCompleted(fmt.Sprintf("INBOX/folder-%d", i))
	}
	at := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := tracker.Save(dir, "bench", at); err != nil {
			b.Fatal(err)
		}
	}
}
