package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status represents the current import status
type Status struct {
	Phase          string // "download" or "process"
	TotalUnits     int64  // attachments (download) or documents (process)
	ProcessedUnits int64
	SuccessUnits   int64
	FailedUnits    int64
	SkippedUnits   int64
	TotalBytes     int64
	ProcessedBytes int64
	CurrentStage   string // latest per-document stage note
	StartTime      time.Time
	LastUpdateTime time.Time
	AverageSpeed   float64 // bytes/second over the whole run
	ETA            time.Duration
}

// Tracker tracks import progress across both phases
type Tracker struct {
	mu     sync.RWMutex
	status Status
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{StartTime: now, LastUpdateTime: now},
	}
}

// BeginPhase resets the unit counters for a new phase
func (t *Tracker) BeginPhase(phase string, totalUnits, totalBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Phase = phase
	t.status.TotalUnits = totalUnits
	t.status.TotalBytes = totalBytes
	t.status.ProcessedUnits = 0
	t.status.SuccessUnits = 0
	t.status.FailedUnits = 0
	t.status.SkippedUnits = 0
	t.status.ProcessedBytes = 0
	t.status.CurrentStage = ""
	t.touch()
}

// AddSuccess records one successfully handled unit
func (t *Tracker) AddSuccess(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.SuccessUnits++
	t.status.ProcessedUnits++
	t.status.ProcessedBytes += bytes
	t.touch()
}

// AddFailed records one failed unit
func (t *Tracker) AddFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.FailedUnits++
	t.status.ProcessedUnits++
	t.touch()
}

// AddSkipped records one unit skipped as unchanged or already satisfied
func (t *Tracker) AddSkipped(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.SkippedUnits++
	t.status.ProcessedUnits++
	t.status.ProcessedBytes += bytes
	t.touch()
}

// StageUpdate records the stage a document is currently in. Implements the
// importer's progress sink; purely observational.
func (t *Tracker) StageUpdate(documentIndex int, stage string, description string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.CurrentStage = fmt.Sprintf("#%d %s: %s", documentIndex+1, stage, description)
	t.touch()
}

// touch recomputes derived fields; callers hold the lock
func (t *Tracker) touch() {
	now := time.Now()
	t.status.LastUpdateTime = now

	elapsed := now.Sub(t.status.StartTime)
	if elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.ProcessedBytes) / elapsed.Seconds()
	}

	if t.status.TotalBytes > 0 && t.status.AverageSpeed > 0 {
		remaining := t.status.TotalBytes - t.status.ProcessedBytes
		if remaining > 0 {
			t.status.ETA = time.Duration(float64(remaining)/t.status.AverageSpeed) * time.Second
		} else {
			t.status.ETA = 0
		}
	}
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// GetProgressPercent returns the unit progress percentage
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.status.TotalUnits == 0 {
		return 0
	}
	return float64(t.status.ProcessedUnits) / float64(t.status.TotalUnits) * 100
}

// FormatBytes formats bytes in human readable form
func FormatBytes(bytes int64) string {
	switch {
	case bytes < 1024:
		return fmt.Sprintf("%d B", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
	case bytes < 1024*1024*1024:
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
	default:
		return fmt.Sprintf("%.1f GB", float64(bytes)/(1024*1024*1024))
	}
}

// FormatDuration formats a duration in human readable form
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "calculating..."
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
