// Package testutil provides HTTP fixtures and file helpers for download tests.
package testutil

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// MockServer is a configurable HTTP test server serving one file.
type MockServer struct {
	Server *httptest.Server

	// Configuration
	FileSize       int64         // Size of the served file
	SupportsRanges bool          // Whether to honour Range requests
	Filename       string        // Filename in Content-Disposition header
	RandomData     bool          // Serve random bytes instead of a repeating pattern
	Latency        time.Duration // Artificial latency before the response
	ChunkSize      int64         // Bytes written (and flushed) per write
	ChunkDelay     time.Duration // Pause after each flushed chunk
	FailAfterBytes int64         // Drop the connection after this many body bytes (0 = never)
	FailRequests   int           // Number of leading GET requests that drop early or fail
	FailWithStatus bool          // Failing requests answer 503 instead of dropping

	// Tracking
	RequestCount  atomic.Int64
	GetRequests   atomic.Int64
	RangeRequests atomic.Int64
	BytesServed   atomic.Int64

	data []byte
}

// MockServerOption configures a MockServer.
type MockServerOption func(*MockServer)

// WithFileSize sets the file size to serve.
func WithFileSize(size int64) MockServerOption {
	return func(m *MockServer) {
		m.FileSize = size
	}
}

// WithRangeSupport enables or disables Range request support.
func WithRangeSupport(enabled bool) MockServerOption {
	return func(m *MockServer) {
		m.SupportsRanges = enabled
	}
}

// WithFilename sets the filename in the Content-Disposition header.
func WithFilename(name string) MockServerOption {
	return func(m *MockServer) {
		m.Filename = name
	}
}

// WithRandomData enables serving random bytes.
func WithRandomData(random bool) MockServerOption {
	return func(m *MockServer) {
		m.RandomData = random
	}
}

// WithLatency adds artificial latency per request.
func WithLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) {
		m.Latency = d
	}
}

// WithChunks writes the body in flushed chunks of size bytes with delay between them.
func WithChunks(size int64, delay time.Duration) MockServerOption {
	return func(m *MockServer) {
		m.ChunkSize = size
		m.ChunkDelay = delay
	}
}

// WithFailAfterBytes makes the first n GET requests drop the connection
// after sending after bytes of body.
func WithFailAfterBytes(after int64, n int) MockServerOption {
	return func(m *MockServer) {
		m.FailAfterBytes = after
		m.FailRequests = n
	}
}

// WithFailFirstRequests makes the first n GET requests answer 503.
func WithFailFirstRequests(n int) MockServerOption {
	return func(m *MockServer) {
		m.FailRequests = n
		m.FailWithStatus = true
	}
}

// NewMockServerT creates a mock server; it is closed when the test ends.
func NewMockServerT(t *testing.T, opts ...MockServerOption) *MockServer {
	t.Helper()
	m := &MockServer{
		FileSize:       1024 * 1024,
		SupportsRanges: true,
		Filename:       "testfile.bin",
		ChunkSize:      32 * 1024,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.data = make([]byte, m.FileSize)
	if m.RandomData {
		_, _ = rand.Read(m.data)
	} else {
		for i := range m.data {
			m.data[i] = byte(i % 251)
		}
	}

	m.Server = NewHTTPServerT(t, http.HandlerFunc(m.handleRequest))
	return m
}

// URL returns the URL of the served file.
func (m *MockServer) URL() string {
	return m.Server.URL + "/files/" + m.Filename
}

// Data returns the served content.
func (m *MockServer) Data() []byte {
	return m.data
}

func (m *MockServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	m.RequestCount.Add(1)

	if m.Latency > 0 {
		time.Sleep(m.Latency)
	}

	if r.Method == http.MethodHead {
		m.setCommonHeaders(w, 0, m.FileSize-1)
		if m.SupportsRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	reqNum := int(m.GetRequests.Add(1))
	failing := reqNum <= m.FailRequests
	if failing && m.FailWithStatus {
		http.Error(w, "Simulated failure", http.StatusServiceUnavailable)
		return
	}

	start, end := int64(0), m.FileSize-1
	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" && m.SupportsRanges {
		m.RangeRequests.Add(1)

		var err error
		start, end, err = parseRange(rangeHeader, m.FileSize)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", m.FileSize))
			http.Error(w, "Invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}

		m.setCommonHeaders(w, start, end)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, m.FileSize))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		m.setCommonHeaders(w, 0, m.FileSize-1)
		w.WriteHeader(http.StatusOK)
	}

	flusher, _ := w.(http.Flusher)
	length := end - start + 1
	var written int64
	for written < length {
		if failing && m.FailAfterBytes > 0 && written >= m.FailAfterBytes {
			// Returning short of Content-Length aborts the connection.
			return
		}

		chunk := min(m.ChunkSize, length-written)
		if failing && m.FailAfterBytes > 0 {
			chunk = min(chunk, m.FailAfterBytes-written)
		}

		n, err := w.Write(m.data[start+written : start+written+chunk])
		if err != nil {
			return // client went away
		}
		written += int64(n)
		m.BytesServed.Add(int64(n))

		if flusher != nil {
			flusher.Flush()
		}
		if m.ChunkDelay > 0 {
			time.Sleep(m.ChunkDelay)
		}
	}
}

func (m *MockServer) setCommonHeaders(w http.ResponseWriter, start, end int64) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	if m.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, m.Filename))
	}
}

// parseRange parses "bytes=start-end" and "bytes=start-".
func parseRange(rangeHeader string, fileSize int64) (int64, int64, error) {
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range prefix")
	}

	parts := strings.Split(strings.TrimPrefix(rangeHeader, "bytes="), "-")
	if len(parts) != 2 || parts[0] == "" {
		return 0, 0, fmt.Errorf("invalid range format")
	}

	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	end := fileSize - 1
	if parts[1] != "" {
		if end, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
			return 0, 0, err
		}
	}

	if start < 0 || end >= fileSize || start > end {
		return 0, 0, fmt.Errorf("range out of bounds")
	}
	return start, end, nil
}
