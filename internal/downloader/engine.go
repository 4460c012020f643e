package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"resume-dl/internal/logger"
)

// ErrRetriesExhausted is reported when more than Config.MaxRetries attempts of a run fail.
var ErrRetriesExhausted = errors.New("downloader: retries exhausted")

// Cancellation causes of a run.
var (
	errPaused        = errors.New("downloader: paused")
	errStartedPaused = errors.New("downloader: started while paused")
	errSuperseded    = errors.New("downloader: superseded by a newer run")
)

// Downloader drives one download task: a single background worker that
// streams the resource to disk, resuming from the bytes already written.
type Downloader struct {
	cfg    Config
	opener Opener
	log    *zap.SugaredLogger

	transferred atomic.Int64
	paused      atomic.Bool
	complete    atomic.Bool
	adopt       atomic.Bool // consumed by the first run when ResumeExisting is set

	mu       sync.Mutex
	progress ProgressListener
	events   EventListener
	stream   io.Closer          // stream of the current attempt, nil between attempts
	cancel   context.CancelCauseFunc // cancels the current run
	done     chan struct{}      // closed when the current run exits
}

// Option customizes a Downloader.
type Option func(*Downloader)

// WithOpener replaces the HTTP opener, e.g. with a test source.
func WithOpener(o Opener) Option {
	return func(d *Downloader) {
		d.opener = o
	}
}

// WithLogger sets the logger used for attempt and retry diagnostics.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Downloader) {
		d.log = l
	}
}

// New creates a Downloader. Nothing happens until Start is called.
func New(cfg Config, opts ...Option) *Downloader {
	cfg.applyDefaults()

	d := &Downloader{cfg: cfg}
	for _, opt := range opts {
		opt(d)
	}
	if d.opener == nil {
		d.opener = NewHTTPOpener(cfg.Transport)
	}
	if d.log == nil {
		d.log = logger.Named("downloader")
	}
	d.log = d.log.With("url", cfg.URL, "path", cfg.Path())
	d.adopt.Store(cfg.ResumeExisting)
	return d
}

// SetOnProgressListener sets the progress listener. Nil disables it.
func (d *Downloader) SetOnProgressListener(l ProgressListener) {
	d.mu.Lock()
	d.progress = l
	d.mu.Unlock()
}

// SetOnEventListener sets the event listener. Nil disables it.
func (d *Downloader) SetOnEventListener(l EventListener) {
	d.mu.Lock()
	d.events = l
	d.mu.Unlock()
}

// Config returns the normalized configuration.
func (d *Downloader) Config() Config { return d.cfg }

// Path returns the destination file path.
func (d *Downloader) Path() string { return d.cfg.Path() }

// BytesTransferred returns the number of bytes written to the destination file.
func (d *Downloader) BytesTransferred() int64 { return d.transferred.Load() }

func (d *Downloader) IsPaused() bool   { return d.paused.Load() }
func (d *Downloader) IsComplete() bool { return d.complete.Load() }

// Stats returns a snapshot for polling consumers.
func (d *Downloader) Stats() Stats {
	return Stats{
		TotalBytes:      d.cfg.ExpectedLength,
		DownloadedBytes: d.transferred.Load(),
		Paused:          d.paused.Load(),
		Complete:        d.complete.Load(),
	}
}

// Start launches a run in the background and returns immediately. A run
// still in progress is stopped without a pause notification; the new run
// waits for it to exit, so two runs never write the file at the same time.
func (d *Downloader) Start() {
	d.mu.Lock()
	prev := d.done
	if d.cancel != nil {
		d.cancel(errSuperseded)
	}
	stream := d.stream
	d.stream = nil

	done := make(chan struct{})
	ctx, cancel := context.WithCancelCause(context.Background())
	if d.paused.Load() {
		cancel(errStartedPaused)
	}
	d.done = done
	d.cancel = cancel
	d.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			d.log.Debugw("failed to close superseded stream", "error", err)
		}
	}

	go func() {
		defer close(done)
		defer cancel(nil)
		if prev != nil {
			<-prev
		}
		d.run(ctx)
	}()
}

// Pause stops the current run and keeps the partial file. The worker
// reports OnPause once it observes the interruption.
func (d *Downloader) Pause() {
	d.paused.Store(true)

	d.mu.Lock()
	if d.cancel != nil {
		d.cancel(errPaused)
	}
	stream := d.stream
	d.stream = nil
	d.mu.Unlock()

	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		d.emitError(fmt.Errorf("close stream: %w", err))
	}
}

// Resume clears the pause flag and starts a new run from BytesTransferred.
// It does nothing once the download is complete.
func (d *Downloader) Resume() {
	if d.complete.Load() {
		return
	}
	d.paused.Store(false)
	d.Start()
	d.emitResume()
}

// Wait blocks until the latest run has exited.
func (d *Downloader) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (d *Downloader) run(ctx context.Context) {
	if d.complete.Load() {
		return
	}
	d.emitStart()
	if d.interrupted(ctx) {
		if !errors.Is(context.Cause(ctx), errStartedPaused) {
			d.stop(ctx)
		}
		return
	}

	out, err := d.openOutput()
	if err != nil {
		d.log.Errorw("failed to prepare destination", "error", err)
		d.emitError(err)
		return
	}
	defer func() {
		if err := out.Close(); err != nil {
			d.log.Warnw("failed to close destination", "error", err)
		}
	}()

	failures := 0
	for !d.complete.Load() {
		if d.interrupted(ctx) {
			// Paused as the backoff timer fired.
			d.stop(ctx)
			return
		}

		err := d.attempt(ctx, out)
		if d.interrupted(ctx) {
			d.stop(ctx)
			return
		}
		if err == nil {
			d.complete.Store(true)
			d.log.Infow("download complete", "bytes", d.transferred.Load())
			d.emitComplete()
			return
		}

		failures++
		if d.cfg.MaxRetries > 0 && failures > d.cfg.MaxRetries {
			d.log.Errorw("giving up", "attempts", failures, "error", err)
			d.emitError(fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, failures, err))
			return
		}

		d.log.Warnw("attempt failed, retrying", "attempt", failures, "bytes", d.transferred.Load(), "delay", d.cfg.RetryDelay, "error", err)
		d.emitRetrying()

		timer := time.NewTimer(d.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.stop(ctx)
			return
		case <-timer.C:
		}
	}
}

// openOutput creates the directory tree and opens the destination for
// appending. On a resumed run the recorded offset is reconciled with the
// file on disk: a shorter file lowers the offset, a longer one is truncated.
func (d *Downloader) openOutput() (*os.File, error) {
	if err := os.MkdirAll(d.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	path := d.cfg.Path()
	recorded := d.transferred.Load()
	adopt := d.adopt.Swap(false)

	if recorded == 0 && !adopt {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create file: %w", err)
		}
		return f, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	size := info.Size()
	offset := recorded
	if adopt || size < recorded {
		offset = size
	}
	if size > offset {
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate file: %w", err)
		}
	}
	if offset != recorded {
		d.log.Infow("reconciled offset with file on disk", "recorded", recorded, "offset", offset)
	}
	d.transferred.Store(offset)
	return f, nil
}

// attempt opens a stream at the current offset and copies it to out until
// EOF, an error, or a pause. A nil return means the stream was exhausted.
func (d *Downloader) attempt(ctx context.Context, out io.Writer) error {
	offset := d.transferred.Load()
	d.log.Debugw("opening stream", "offset", offset)

	stream, err := d.opener.Open(ctx, d.cfg.URL, offset)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if !d.setStream(ctx, stream) {
		stream.Close()
		return errPaused
	}
	defer d.releaseStream(stream)

	buf := make([]byte, d.cfg.BufferSize)
	sampler := newSpeedSampler(d.cfg.SampleInterval, time.Now())

	for !d.interrupted(ctx) {
		nr, readErr := stream.Read(buf)
		if nr > 0 {
			nw, writeErr := out.Write(buf[:nr])
			if nw > 0 {
				total := d.transferred.Add(int64(nw))
				if speed, ok := sampler.add(int64(nw), time.Now()); ok {
					d.emitSpeed(speed)
				}
				if d.cfg.ExpectedLength != 0 {
					d.emitProgress(percentOf(total, d.cfg.ExpectedLength))
				}
			}
			if writeErr != nil {
				return fmt.Errorf("write: %w", writeErr)
			}
			if nw != nr {
				return io.ErrShortWrite
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return fmt.Errorf("read: %w", readErr)
		}
	}
	return errPaused
}

// setStream publishes the stream so Pause can close it. It refuses when the
// run was already cancelled.
func (d *Downloader) setStream(ctx context.Context, s io.Closer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.interrupted(ctx) {
		return false
	}
	d.stream = s
	return true
}

// interrupted reports whether the run must stop: it was cancelled, or the
// download is paused.
func (d *Downloader) interrupted(ctx context.Context) bool {
	return ctx.Err() != nil || d.paused.Load()
}

// stop ends an interrupted run. A run replaced by a newer Start exits
// quietly and leaves the pause notification to its successor.
func (d *Downloader) stop(ctx context.Context) {
	if errors.Is(context.Cause(ctx), errSuperseded) {
		d.log.Debugw("run superseded", "bytes", d.transferred.Load())
		return
	}
	d.log.Debugw("paused", "bytes", d.transferred.Load())
	d.emitPause()
}

// releaseStream closes s unless Pause or Start already took it.
func (d *Downloader) releaseStream(s io.Closer) {
	d.mu.Lock()
	owned := d.stream == s
	if owned {
		d.stream = nil
	}
	d.mu.Unlock()

	if owned {
		if err := s.Close(); err != nil {
			d.log.Debugw("failed to close stream", "error", err)
		}
	}
}

// speedSampler measures throughput over windows of at least interval.
type speedSampler struct {
	interval time.Duration
	start    time.Time
	bytes    int64
}

func newSpeedSampler(interval time.Duration, now time.Time) *speedSampler {
	return &speedSampler{interval: interval, start: now}
}

// add records n bytes and returns a KB/s sample when the window is full.
func (s *speedSampler) add(n int64, now time.Time) (float64, bool) {
	s.bytes += n
	elapsed := now.Sub(s.start)
	if elapsed < s.interval {
		return 0, false
	}
	speed := round2(float64(s.bytes) / elapsed.Seconds() / 1024)
	s.start = now
	s.bytes = 0
	return speed, true
}

func percentOf(done, total int64) float64 {
	return round2(float64(done) / float64(total) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (d *Downloader) listeners() (ProgressListener, EventListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress, d.events
}

func (d *Downloader) emitStart() {
	if p, _ := d.listeners(); p != nil {
		p.OnStart()
	}
}

func (d *Downloader) emitProgress(percent float64) {
	if p, _ := d.listeners(); p != nil {
		p.OnProgress(percent)
	}
}

func (d *Downloader) emitSpeed(speed float64) {
	if p, _ := d.listeners(); p != nil {
		p.OnSpeedInKB(speed)
	}
}

func (d *Downloader) emitComplete() {
	if p, _ := d.listeners(); p != nil {
		p.OnComplete()
	}
}

func (d *Downloader) emitError(err error) {
	if _, e := d.listeners(); e != nil {
		e.OnError(err.Error())
	}
}

func (d *Downloader) emitPause() {
	if _, e := d.listeners(); e != nil {
		e.OnPause()
	}
}

func (d *Downloader) emitResume() {
	if _, e := d.listeners(); e != nil {
		e.OnResume()
	}
}

func (d *Downloader) emitRetrying() {
	if _, e := d.listeners(); e != nil {
		e.IsRetrying()
	}
}
