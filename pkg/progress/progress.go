// Package progress prints a throttled, single-line stderr progress
// indicator for the repack pipeline's stages, in the same hand-rolled
// terminal-line style the teacher uses for push progress.
package progress

import (
	"fmt"
	"io"
	"time"
)

// Update reports progress for one stage, identified by a short label.
type Update struct {
	Stage    string
	Complete int64
	Total    int64
	Err      error
}

// Reporter consumes Update values from a channel and renders them to w,
// throttled so a tight inner loop doesn't spam the terminal.
type Reporter struct {
	w         io.Writer
	lastPrint time.Time
	minGap    time.Duration
}

// NewReporter returns a Reporter writing to w. A minGap of zero falls back
// to the teacher's 10ms throttle.
func NewReporter(w io.Writer, minGap time.Duration) *Reporter {
	if minGap <= 0 {
		minGap = 10 * time.Millisecond
	}
	return &Reporter{w: w, minGap: minGap}
}

// Run drains updates until the channel closes, printing a throttled
// carriage-return progress line and clearing it on exit.
func (r *Reporter) Run(updates <-chan Update) {
	for u := range updates {
		if u.Err != nil {
			fmt.Fprintf(r.w, "\033[K%s: error: %v\n", u.Stage, u.Err)
			continue
		}
		if time.Since(r.lastPrint) < r.minGap {
			continue
		}
		pct := 0.0
		if u.Total > 0 {
			pct = float64(u.Complete) / float64(u.Total) * 100
		}
		fmt.Fprintf(r.w, "\033[K%s: %.1f%% (%d / %d)\r", u.Stage, pct, u.Complete, u.Total)
		r.lastPrint = time.Now()
	}
	fmt.Fprintf(r.w, "\033[K")
}
