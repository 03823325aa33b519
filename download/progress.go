package download

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

// progressWriter counts the bytes written through it into a task.
type progressWriter struct {
	destination io.Writer
	task        *task
}

func newProgressWriter(destination io.Writer, t *task) *progressWriter {
	return &progressWriter{destination: destination, task: t}
}

// Write implements io.Writer.Write.
func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.destination.Write(p)
	if n > 0 {
		pw.task.add(n)
	}
	return n, err
}

var spinnerFrames = []string{"|", "/", "-", `\`}

// LogProgress returns a ProgressFunc that logs start, completion and failure
// of every transfer, and at most one in-flight update per interval. Updates
// show a percentage when the size is known and a spinner otherwise.
func LogProgress(logger *log.Logger, interval time.Duration) ProgressFunc {
	if logger == nil {
		logger = log.Default()
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	var frame atomic.Uint64

	return func(p Progress) {
		switch p.State {
		case Started:
			logger.Info("download started", "url", p.URL, "size", p.Total)
		case Complete:
			logger.Info("download complete", "path", p.Path, "bytes", p.Transferred)
		case Failed:
			logger.Warn("download failed", "url", p.URL, "bytes", p.Transferred)
		case Downloading:
			if !limiter.Allow() {
				return
			}
			if pct := p.Percent(); pct >= 0 {
				logger.Info("downloading", "path", p.Path, "progress", fmt.Sprintf("%.1f%%", pct))
				return
			}
			i := frame.Add(1) % uint64(len(spinnerFrames))
			logger.Info("downloading "+spinnerFrames[i], "path", p.Path, "bytes", p.Transferred)
		}
	}
}
