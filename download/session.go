package download

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-retryablehttp"
)

// SessionOptions represents the configuration for an HTTP session.
type SessionOptions struct {
	// Timeout bounds each request, including reading the body. Zero means
	// no timeout.
	Timeout time.Duration
	// RetryMax is the number of retries on connection errors and 5xx
	// responses. Zero disables retries.
	RetryMax int
	Logger   *log.Logger
}

// Session is a pooled HTTP client shared by downloaders and catalog
// queries. Once closed, every request fails with ErrSessionClosed.
type Session struct {
	client *retryablehttp.Client
	closed atomic.Bool
}

func NewSession(opts SessionOptions) *Session {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = opts.Timeout
	// status handling is left to callers, so hand back the last response
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil
	if opts.Logger != nil {
		client.Logger = leveledLogger{opts.Logger}
	}

	return &Session{client: client}
}

// Do sends req through the session.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	rreq, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, err
	}
	return s.client.Do(rreq)
}

// Get issues a GET for url.
func (s *Session) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return s.Do(req)
}

// Close releases idle connections and rejects further requests.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.client.HTTPClient.CloseIdleConnections()
	return nil
}

func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Handle is a session tagged with who is responsible for closing it.
type Handle struct {
	session *Session
	owned   bool
}

// Owned wraps a session the holder must close.
func Owned(s *Session) Handle {
	return Handle{session: s, owned: true}
}

// Borrowed wraps a session someone else closes.
func Borrowed(s *Session) Handle {
	return Handle{session: s}
}

func (h Handle) Session() *Session {
	return h.session
}

func (h Handle) Owned() bool {
	return h.owned
}

// leveledLogger adapts a charm logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger *log.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, keysAndValues...)
}
