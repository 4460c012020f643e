package downloader

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultBufferSize     = 1024
	DefaultSampleInterval = 1000 * time.Millisecond
	DefaultRetryDelay     = 3000 * time.Millisecond

	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Config holds the configuration for one download task
type Config struct {
	URL            string
	FileName       string
	Dir            string // always ends with a path separator after New
	ExpectedLength int64  // 0 means unknown, progress percent is not reported

	BufferSize     int
	SampleInterval time.Duration
	RetryDelay     time.Duration
	MaxRetries     int // 0 retries forever

	// ResumeExisting adopts the length of an existing destination file as the
	// starting offset of the first run.
	ResumeExisting bool

	Transport TransportConfig
}

// TransportConfig controls how the remote stream is opened.
type TransportConfig struct {
	UserAgent     string
	ProxyURL      string // http(s):// or socks5://
	UseDoH        bool
	DoHEndpoint   string
	SkipTLSVerify bool
	Timeout       time.Duration // 0 disables the client timeout
	DisableRange  bool          // always re-read from byte zero and discard the prefix
}

// Stats is a point-in-time view of a download for polling consumers.
type Stats struct {
	TotalBytes      int64
	DownloadedBytes int64
	Paused          bool
	Complete        bool
}

// Percent returns the completed fraction in the 0..1 range, or 0 when the total is unknown.
func (s Stats) Percent() float64 {
	if s.TotalBytes <= 0 {
		return 0
	}
	return float64(s.DownloadedBytes) / float64(s.TotalBytes)
}

func (c *Config) applyDefaults() {
	c.Dir = normalizeDir(c.Dir)
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.ExpectedLength < 0 {
		c.ExpectedLength = 0
	}
	if c.Transport.UserAgent == "" {
		c.Transport.UserAgent = DefaultUserAgent
	}
}

func normalizeDir(dir string) string {
	if dir == "" {
		dir = "."
	}
	if !strings.HasSuffix(dir, string(os.PathSeparator)) {
		dir += string(os.PathSeparator)
	}
	return dir
}

// Path returns the destination file path.
func (c Config) Path() string {
	return filepath.Join(c.Dir, c.FileName)
}
