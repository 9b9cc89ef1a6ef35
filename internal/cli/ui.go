package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/local/pdfsqueeze/internal/pipeline"
	"github.com/local/pdfsqueeze/internal/progress"
)

// display renders tracker snapshots on the terminal.
type display interface {
	Update(s progress.Snapshot)
	Finish()
}

type quietDisplay struct{}

func (quietDisplay) Update(progress.Snapshot) {}
func (quietDisplay) Finish()                  {}

// terminalDisplay shows a spinner until the run knows its chunk count, then
// switches to a chunk progress bar.
type terminalDisplay struct {
	w io.Writer

	mu      sync.Mutex
	spin    *spinner.Spinner
	bar     *progressbar.ProgressBar
	total   int
	stopped bool
}

func newTerminalDisplay(w io.Writer) *terminalDisplay {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Writer = w
	s.Suffix = " Preparing..."
	return &terminalDisplay{w: w, spin: s}
}

func (d *terminalDisplay) Update(s progress.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if s.Mode == string(pipeline.ModeChunked) && s.Total > 0 {
		d.updateBar(s)
		return
	}
	d.spin.Lock()
	d.spin.Suffix = " " + statusLine(s)
	d.spin.Unlock()
	if !d.spin.Active() {
		d.spin.Start()
	}
}

func (d *terminalDisplay) updateBar(s progress.Snapshot) {
	if d.spin.Active() {
		d.spin.Stop()
	}
	if d.bar == nil || d.total != s.Total {
		d.total = s.Total
		d.bar = progressbar.NewOptions64(
			int64(s.Total),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetWriter(d.w),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "█",
				SaucerHead:    "█",
				SaucerPadding: "░",
				BarStart:      "│",
				BarEnd:        "│",
			}),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(d.w) }),
		)
	}
	d.bar.Describe(statusLine(s))
	_ = d.bar.Set64(int64(s.Completed))
}

func (d *terminalDisplay) Finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.spin.Active() {
		d.spin.Stop()
	}
	if d.bar != nil && !d.bar.IsFinished() {
		_ = d.bar.Clear()
	}
}

// statusLine is "Compressing chunk 3 of 5... 1m 2s elapsed, ~45s remaining".
func statusLine(s progress.Snapshot) string {
	var b strings.Builder
	b.WriteString(s.Label)
	if s.Elapsed > 0 {
		fmt.Fprintf(&b, " %s elapsed", progress.FormatRemaining(s.Elapsed))
	}
	if s.HasETA && !s.Done {
		fmt.Fprintf(&b, ", ~%s remaining", progress.FormatRemaining(s.ETA))
	}
	return strings.TrimSpace(b.String())
}

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

// summaryLine is "12.4 MB → 4.1 MB (66.9% smaller)".
func summaryLine(m pipeline.RunMetrics) string {
	return fmt.Sprintf("%s → %s (%.1f%% smaller)",
		progress.FormatBytes(m.OriginalSize),
		progress.FormatBytes(m.CompressedSize),
		m.PercentReduction)
}

func printSuccess(w io.Writer, out string, res *pipeline.Result) {
	okColor.Fprint(w, "✓ ")
	fmt.Fprintf(w, "%s: %s\n", out, summaryLine(res.Metrics))
	detail := fmt.Sprintf("  %s in %s", strings.ReplaceAll(string(res.Mode), "_", "-"), progress.FormatRemaining(res.Elapsed))
	if res.Mode == pipeline.ModeChunked {
		detail += fmt.Sprintf(", %d pages in %d chunks", res.Pages, len(res.Chunks))
	}
	dimColor.Fprintln(w, detail)
}

func printFailure(w io.Writer, kind string, err error) {
	failColor.Fprint(w, "✗ ")
	fmt.Fprintf(w, "Compression failed (%s): %v\n", kind, err)
}
