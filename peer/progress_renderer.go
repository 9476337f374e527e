package peer

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

// ProgressRenderer draws a DownloadTracker as a terminal progress bar
type ProgressRenderer struct {
	tracker     *DownloadTracker
	bar         *progressbar.ProgressBar
	out         io.Writer
	stopChan    chan struct{}
	doneChan    chan struct{}
	refreshRate time.Duration
	useColors   bool
}

// NewProgressRenderer renders to stdout; colours are used only on a terminal.
func NewProgressRenderer(tracker *DownloadTracker) *ProgressRenderer {
	return NewProgressRendererTo(tracker, os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
}

func NewProgressRendererTo(tracker *DownloadTracker, out io.Writer, useColors bool) *ProgressRenderer {
	pr := &ProgressRenderer{
		tracker:     tracker,
		out:         out,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
	}
	name := tracker.FileName
	if useColors {
		name = "[cyan]" + name + "[reset]"
	}
	pr.bar = progressbar.NewOptions64(int64(tracker.FileSize),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(name),
		progressbar.OptionEnableColorCodes(useColors),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(pr.refreshRate),
		progressbar.OptionSetPredictTime(true),
	)
	return pr
}

// Start runs the render loop until Stop
func (pr *ProgressRenderer) Start() {
	defer close(pr.doneChan)
	ticker := time.NewTicker(pr.refreshRate)
	defer ticker.Stop()

	for {
		pr.Render()
		select {
		case <-ticker.C:
			pr.tracker.UpdateSpeed()
		case <-pr.stopChan:
			pr.Render()
			return
		}
	}
}

// Stop ends the render loop and waits for the final frame
func (pr *ProgressRenderer) Stop() {
	close(pr.stopChan)
	<-pr.doneChan
	p := pr.tracker.GetProgress()
	if p.Done {
		_ = pr.bar.Finish()
		fmt.Fprintf(pr.out, "\n%s: %d pieces in %s\n", pr.tracker.FileName, p.Total, formatDuration(pr.elapsed()))
		return
	}
	pr.RenderError(fmt.Errorf("%d/%d pieces, %d rejected", p.Completed, p.Total, p.Failed))
}

// Render updates the bar from the tracker
func (pr *ProgressRenderer) Render() {
	p := pr.tracker.GetProgress()
	desc := fmt.Sprintf("%s %d/%d pieces | %d peers", pr.tracker.FileName, p.Completed, p.Total, p.ActivePeers)
	if p.Failed > 0 {
		desc += fmt.Sprintf(" | %d rejected", p.Failed)
	}
	if pr.useColors {
		desc = fmt.Sprintf("[cyan]%s[reset] [yellow]%d/%d[reset] pieces | %d peers", pr.tracker.FileName, p.Completed, p.Total, p.ActivePeers)
		if p.Failed > 0 {
			desc += fmt.Sprintf(" | [red]%d rejected[reset]", p.Failed)
		}
	}
	pr.bar.Describe(desc)
	_ = pr.bar.Set64(int64(p.Bytes))
}

// RenderError prints a failed download summary
func (pr *ProgressRenderer) RenderError(err error) {
	_ = pr.bar.Exit()
	if pr.useColors {
		fmt.Fprintf(pr.out, "\n\033[31m✗ %s: download failed: %v\033[0m\n", pr.tracker.FileName, err)
		return
	}
	fmt.Fprintf(pr.out, "\n✗ %s: download failed: %v\n", pr.tracker.FileName, err)
}

func (pr *ProgressRenderer) elapsed() time.Duration {
	pr.tracker.mu.RLock()
	defer pr.tracker.mu.RUnlock()
	end := pr.tracker.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(pr.tracker.StartTime)
}

func formatBytes(b float64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%.0f B", b)
	}
	div, exp := float64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", b/div, "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}
