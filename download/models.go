package download

import (
	"fmt"
	"sync/atomic"
)

// Options represents the configuration for a Downloader.
type Options struct {
	// Connections is the number of ranged requests a transfer is split
	// into. Values below 2 disable ranged mode.
	Connections int
	// CheckETag verifies the MD5 of the downloaded file against the ETag
	// when the server sends one that looks like an MD5 digest.
	CheckETag bool
	// Progress receives transfer updates from AsyncStart. It may be called
	// concurrently from several goroutines.
	Progress ProgressFunc
}

// State is the lifecycle stage of a transfer.
type State int

const (
	Started State = iota
	Downloading
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Started:
		return "started"
	case Downloading:
		return "downloading"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Progress is a snapshot of one transfer.
type Progress struct {
	URL         string
	Path        string
	Transferred int64
	// Total is -1 when the size is unknown.
	Total int64
	State State
}

// Percent returns the completed share in [0, 100], or -1 when the total is
// unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	return float64(p.Transferred) * 100 / float64(p.Total)
}

// ProgressFunc is called on every progress update.
type ProgressFunc func(Progress)

// fileMetadata is comprised of relevant metadata for a download file.
type fileMetadata struct {
	// size is -1 when unknown.
	size         int64
	acceptRanges bool
	eTag         string
}

// task is the state of one transfer.
type task struct {
	url         string
	dest        string
	tmp         string
	size        int64
	transferred atomic.Int64
	progress    ProgressFunc
}

func newTask(url, dest string, size int64, progress ProgressFunc) *task {
	return &task{
		url:      url,
		dest:     dest,
		tmp:      dest + suffixOngoingDownload,
		size:     size,
		progress: progress,
	}
}

func (t *task) report(state State) {
	if t.progress == nil {
		return
	}
	t.progress(Progress{
		URL:         t.url,
		Path:        t.dest,
		Transferred: t.transferred.Load(),
		Total:       t.size,
		State:       state,
	})
}

func (t *task) add(n int) {
	t.transferred.Add(int64(n))
	t.report(Downloading)
}
