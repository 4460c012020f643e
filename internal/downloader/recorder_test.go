package downloader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// recorder implements both listeners and keeps every notification.
type recorder struct {
	mu        sync.Mutex
	events    []string
	percents  []float64
	speeds    []float64
	speedAt   []time.Time
	retryAt   []time.Time
	errors    []string
	onPercent func(percent float64)
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) OnStart()    { r.add("start") }
func (r *recorder) OnComplete() { r.add("complete") }
func (r *recorder) OnPause()    { r.add("pause") }
func (r *recorder) OnResume()   { r.add("resume") }

func (r *recorder) IsRetrying() {
	r.mu.Lock()
	r.events = append(r.events, "retrying")
	r.retryAt = append(r.retryAt, time.Now())
	r.mu.Unlock()
}

func (r *recorder) OnError(msg string) {
	r.mu.Lock()
	r.events = append(r.events, "error")
	r.errors = append(r.errors, msg)
	r.mu.Unlock()
}

func (r *recorder) OnProgress(percent float64) {
	r.mu.Lock()
	r.percents = append(r.percents, percent)
	hook := r.onPercent
	r.mu.Unlock()
	if hook != nil {
		hook(percent)
	}
}

func (r *recorder) OnSpeedInKB(speed float64) {
	r.mu.Lock()
	r.speeds = append(r.speeds, speed)
	r.speedAt = append(r.speedAt, time.Now())
	r.mu.Unlock()
}

func (r *recorder) count(ev string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == ev {
			n++
		}
	}
	return n
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) progress() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.percents...)
}

// newRecorded wires a recorder into a Downloader.
func newRecorded(cfg Config, opts ...Option) (*Downloader, *recorder) {
	d := New(cfg, opts...)
	rec := &recorder{}
	d.SetOnProgressListener(rec)
	d.SetOnEventListener(rec)
	return d, rec
}

// readSizes records the length of every Read that returned data.
type readSizes struct {
	r     io.Reader
	mu    sync.Mutex
	sizes []int
}

func (s *readSizes) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.mu.Lock()
		s.sizes = append(s.sizes, n)
		s.mu.Unlock()
	}
	return n, err
}

func (s *readSizes) Close() error { return nil }

// gatedStream serves data up to gate bytes, then blocks until closed.
type gatedStream struct {
	data   []byte
	pos    int
	gate   int
	closed chan struct{}
	once   sync.Once
}

func newGatedStream(data []byte, gate int) *gatedStream {
	return &gatedStream{data: data, gate: gate, closed: make(chan struct{})}
}

var errStreamClosed = errors.New("stream closed")

func (g *gatedStream) Read(p []byte) (int, error) {
	if g.pos >= g.gate {
		<-g.closed
		return 0, errStreamClosed
	}
	select {
	case <-g.closed:
		return 0, errStreamClosed
	default:
	}
	end := min(g.pos+len(p), g.gate, len(g.data))
	if g.pos >= end {
		return 0, io.EOF
	}
	n := copy(p, g.data[g.pos:end])
	g.pos += n
	return n, nil
}

func (g *gatedStream) Close() error {
	g.once.Do(func() { close(g.closed) })
	return nil
}

// sourceOpener serves data from memory, failing the first failures opens.
type sourceOpener struct {
	data     []byte
	failures int32
	opens    atomic.Int32
	offsets  []int64
	mu       sync.Mutex
}

var errConnRefused = errors.New("connection refused")

func (s *sourceOpener) Open(_ context.Context, _ string, offset int64) (io.ReadCloser, error) {
	n := s.opens.Add(1)
	s.mu.Lock()
	s.offsets = append(s.offsets, offset)
	s.mu.Unlock()
	if n <= s.failures {
		return nil, errConnRefused
	}
	rc := io.NopCloser(bytes.NewReader(s.data))
	if err := skip(rc, offset); err != nil {
		return nil, err
	}
	return rc, nil
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// gatedOpener hands out a gatedStream positioned at the requested offset on
// every open.
type gatedOpener struct {
	data    []byte
	gate    int
	opens   atomic.Int32
	mu      sync.Mutex
	offsets []int64
}

func (g *gatedOpener) Open(_ context.Context, _ string, offset int64) (io.ReadCloser, error) {
	g.opens.Add(1)
	g.mu.Lock()
	g.offsets = append(g.offsets, offset)
	g.mu.Unlock()
	return newGatedStream(g.data[offset:], g.gate), nil
}
