package progress

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Display renders the tracker state to the terminal at a fixed interval
type Display struct {
	tracker   *Tracker
	interval  time.Duration
	stopCh    chan struct{}
	lastLines int
}

// NewDisplay creates a new progress display
func NewDisplay(tracker *Tracker, interval time.Duration) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// IsTerminalSupported reports whether stdout is an interactive terminal
func IsTerminalSupported() bool {
	info, err := os.Stdout.Stat()
	return err == nil && (info.Mode()&os.ModeCharDevice) != 0
}

// Start starts the display loop
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the display and prints the final summary line
func (d *Display) Stop() {
	close(d.stopCh)
}

func (d *Display) displayLoop() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.render(false)
		case <-d.stopCh:
			d.render(true)
			return
		}
	}
}

func (d *Display) render(final bool) {
	status := d.tracker.GetStatus()
	lines := d.generate(status)

	d.clearLines()
	if final {
		fmt.Println(strings.Join(lines, "\n"))
		d.lastLines = 0
		return
	}
	fmt.Print(strings.Join(lines, "\n"))
	d.lastLines = len(lines)
}

func (d *Display) generate(status Status) []string {
	lines := []string{
		fmt.Sprintf("Phase: %s  %s", status.Phase, renderBar(d.tracker.GetProgressPercent())),
		fmt.Sprintf("  %d/%d done  ok=%d failed=%d skipped=%d",
			status.ProcessedUnits, status.TotalUnits,
			status.SuccessUnits, status.FailedUnits, status.SkippedUnits),
	}
	if status.TotalBytes > 0 {
		lines = append(lines, fmt.Sprintf("  %s / %s  eta %s",
			FormatBytes(status.ProcessedBytes), FormatBytes(status.TotalBytes),
			FormatDuration(status.ETA)))
	}
	if status.CurrentStage != "" {
		lines = append(lines, "  "+status.CurrentStage)
	}
	return lines
}

func renderBar(percent float64) string {
	const width = 30
	filled := int(percent / 100 * width)
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) +
		fmt.Sprintf("] %5.1f%%", percent)
}

// clearLines moves the cursor up and erases the previous render
func (d *Display) clearLines() {
	for i := 0; i < d.lastLines; i++ {
		fmt.Print("\033[1A\033[2K")
	}
	if d.lastLines > 0 {
		fmt.Print("\r")
	}
}
