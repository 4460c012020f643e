package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/vfaronov/httpheader"
)

var (
	// ErrBadStatus is returned when the server answers with an unexpected status code.
	ErrBadStatus = errors.New("downloader: unexpected status")
	// ErrShortSkip is returned when the stream ends before the resume offset.
	ErrShortSkip = errors.New("downloader: stream shorter than resume offset")
)

// Opener opens a stream for url positioned at offset.
type Opener interface {
	Open(ctx context.Context, url string, offset int64) (io.ReadCloser, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, url string, offset int64) (io.ReadCloser, error)

func (f OpenerFunc) Open(ctx context.Context, url string, offset int64) (io.ReadCloser, error) {
	return f(ctx, url, offset)
}

// HTTPOpener opens streams with GET requests. When the server honours a
// Range request the prefix is not transferred at all; otherwise the full
// body is requested and the first offset bytes are discarded.
type HTTPOpener struct {
	Client       *http.Client
	UserAgent    string
	DisableRange bool
}

// NewHTTPOpener creates an HTTPOpener from the transport settings.
func NewHTTPOpener(tc TransportConfig) *HTTPOpener {
	return &HTTPOpener{
		Client:       NewClient(tc),
		UserAgent:    tc.UserAgent,
		DisableRange: tc.DisableRange,
	}
}

func (o *HTTPOpener) Open(ctx context.Context, rawurl string, offset int64) (io.ReadCloser, error) {
	useRange := offset > 0 && !o.DisableRange
	resp, err := o.get(ctx, rawurl, offset, useRange)
	if err != nil {
		return nil, err
	}

	if useRange && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		// Typically offset == total size; fall back to a plain request.
		resp.Body.Close()
		useRange = false
		if resp, err = o.get(ctx, rawurl, offset, false); err != nil {
			return nil, err
		}
	}

	switch {
	case useRange && resp.StatusCode == http.StatusPartialContent:
		if start, ok := contentRangeStart(resp.Header.Get("Content-Range")); ok && start == offset {
			return resp.Body, nil
		}
		resp.Body.Close()
		return nil, fmt.Errorf("%w: content range %q does not start at %d", ErrBadStatus, resp.Header.Get("Content-Range"), offset)
	case resp.StatusCode == http.StatusOK:
		if err := skip(resp.Body, offset); err != nil {
			resp.Body.Close()
			return nil, err
		}
		return resp.Body, nil
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}
}

func (o *HTTPOpener) get(ctx context.Context, rawurl string, offset int64, useRange bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", o.userAgent())
	if useRange {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	return o.Client.Do(req)
}

func (o *HTTPOpener) userAgent() string {
	if o.UserAgent == "" {
		return DefaultUserAgent
	}
	return o.UserAgent
}

// skip discards exactly n bytes from r.
func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	skipped, err := io.CopyN(io.Discard, r, n)
	if err == io.EOF {
		return fmt.Errorf("%w: skipped %d of %d bytes", ErrShortSkip, skipped, n)
	}
	if err != nil {
		return fmt.Errorf("skip to offset %d: %w", n, err)
	}
	return nil
}

// contentRangeStart parses the first byte position of "bytes 100-199/200".
func contentRangeStart(cr string) (int64, bool) {
	cr = strings.TrimSpace(cr)
	if !strings.HasPrefix(cr, "bytes ") {
		return 0, false
	}
	rng := strings.TrimPrefix(cr, "bytes ")
	dash := strings.IndexByte(rng, '-')
	if dash <= 0 {
		return 0, false
	}
	start, err := strconv.ParseInt(rng[:dash], 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}

// RemoteInfo describes a remote resource before downloading it.
type RemoteInfo struct {
	Size          int64 // 0 when unknown
	AcceptsRanges bool
	Filename      string
}

// Inspect fetches size and naming metadata. It tries HEAD first, then a
// GET for the first byte.
func Inspect(ctx context.Context, client *http.Client, rawurl string) (*RemoteInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawurl, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", DefaultUserAgent)

	resp, err := client.Do(req)
	if err == nil && resp.StatusCode == http.StatusOK {
		defer resp.Body.Close()
		return &RemoteInfo{
			Size:          max(resp.ContentLength, 0),
			AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
			Filename:      remoteFilename(resp, rawurl),
		}, nil
	}
	if resp != nil {
		resp.Body.Close()
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Range", "bytes=0-0")

	resp, err = client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	info := &RemoteInfo{Filename: remoteFilename(resp, rawurl)}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		// Content-Range: bytes 0-0/123456
		parts := strings.Split(resp.Header.Get("Content-Range"), "/")
		if len(parts) == 2 {
			if total, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				info.Size = total
			}
		}
		info.AcceptsRanges = true
	case http.StatusOK:
		info.Size = max(resp.ContentLength, 0)
	default:
		return nil, fmt.Errorf("%w: metadata request returned %s", ErrBadStatus, resp.Status)
	}
	return info, nil
}

func remoteFilename(resp *http.Response, rawurl string) string {
	if _, name, _ := httpheader.ContentDisposition(resp.Header); name != "" {
		return path.Base(name)
	}
	if u, err := url.Parse(rawurl); err == nil {
		if base := path.Base(u.Path); base != "/" && base != "." {
			return base
		}
	}
	return "download.bin"
}
