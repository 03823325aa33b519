package download

import (
	"errors"
	"fmt"
)

var (
	ErrPartialRequestUnsupported = errors.New("partial request not supported")
	ErrETagMismatch              = errors.New("ETag mismatch")
	ErrSessionClosed             = errors.New("session closed")
)

// TransferError reports a non-2xx response. It is not retried here.
type TransferError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("received %s response from %s", e.Status, e.URL)
}

// IncompleteTransferError reports a body that ended before the advertised
// length was received.
type IncompleteTransferError struct {
	URL      string
	Expected int64
	Written  int64
}

func (e *IncompleteTransferError) Error() string {
	return fmt.Sprintf("incomplete transfer from %s: got %d of %d bytes", e.URL, e.Written, e.Expected)
}
