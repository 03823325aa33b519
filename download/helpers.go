package download

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/afero"
)

// byteRange is a half-open span [start, end) of a file.
type byteRange struct {
	start int64
	end   int64
}

func (r byteRange) length() int64 {
	return r.end - r.start
}

// header renders r as an inclusive HTTP Range value.
func (r byteRange) header() string {
	return fmt.Sprintf("bytes=%d-%d", r.start, r.end-1)
}

// splitRanges divides size bytes into at most parts contiguous ranges of
// near-equal length.
func splitRanges(size int64, parts int) []byteRange {
	if size <= 0 || parts < 1 {
		return nil
	}
	chunkSize := (size + int64(parts) - 1) / int64(parts)

	var ranges []byteRange
	for offset := int64(0); offset < size; offset += chunkSize {
		ranges = append(ranges, byteRange{start: offset, end: min(offset+chunkSize, size)})
	}
	return ranges
}

// isSuccess reports whether the status is 2xx.
func isSuccess(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func transferError(url string, resp *http.Response) error {
	return &TransferError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
}

// etagOf returns the unquoted strong ETag of resp, or "" for weak tags.
func etagOf(resp *http.Response) string {
	tag := resp.Header.Get("ETag")
	if strings.HasPrefix(tag, "W/") {
		return ""
	}
	return strings.Trim(tag, `"`)
}

// isMD5 reports whether s looks like a hex MD5 digest. Multipart uploads
// and most CDNs use other ETag schemes that cannot be verified locally.
func isMD5(s string) bool {
	if len(s) != md5.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// getMD5Hash calculates the MD5 hash of the file contents and returns the
// hex encoding.
func getMD5Hash(fs afero.Fs, path string) (string, error) {
	file, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := md5.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
