package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gofrs/flock"
	"github.com/h2non/filetype"

	"resume-dl/internal/downloader"
	"resume-dl/internal/logger"
	"resume-dl/internal/store"
	"resume-dl/internal/ui"
)

// destLock is an advisory lock next to a destination file.
type destLock struct {
	fl *flock.Flock
}

// lockDestination makes sure a single process writes a destination at a time.
func lockDestination(path string) (*destLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s is being downloaded by another process", path)
	}
	return &destLock{fl: fl}, nil
}

func (l *destLock) release() {
	if err := l.fl.Unlock(); err != nil {
		logger.Named("cli").Warnw("failed to release lock", "path", l.fl.Path(), "error", err)
		return
	}
	_ = os.Remove(l.fl.Path())
}

// detectMIME sniffs the content type of a finished file. It returns "" when
// the type is unknown.
func detectMIME(path string) string {
	kind, err := filetype.MatchFile(path)
	if err != nil || kind == filetype.Unknown {
		return ""
	}
	return kind.MIME.Value
}

// runTask drives one download to completion, pause or failure and records
// the result in the history store.
func runTask(ctx context.Context, out io.Writer, st *store.Store, entry *store.Entry, dc downloader.Config, plain bool) error {
	log := logger.Named("cli").With("id", entry.ID)

	lock, err := lockDestination(dc.Path())
	if err != nil {
		return err
	}
	defer lock.release()

	events := make(chan any, 64)
	d := downloader.New(dc, downloader.WithLogger(logger.Named("downloader").With("id", entry.ID)))
	listener := downloader.NewChannelListener(entry.ID, events)
	d.SetOnProgressListener(listener)
	d.SetOnEventListener(listener)

	if err := st.UpdateProgress(ctx, entry.ID, entry.Downloaded, store.StatusDownloading, ""); err != nil {
		return err
	}

	var outcome ui.Outcome
	var lastErr string
	if plain {
		outcome, lastErr = runPlain(ctx, out, d, events)
	} else {
		outcome, lastErr, err = runInteractive(entry.Filename, d, events)
	}

	// Nothing reads events past this point; keep lifecycle sends from blocking.
	stopDrain := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case <-events:
			case <-stopDrain:
				return
			}
		}
	}()

	if outcome == ui.OutcomePaused && !d.IsPaused() {
		d.Pause()
	}
	// Let the worker finish and release the file before reading its state.
	d.Wait()
	close(stopDrain)
	<-drained

	status := store.StatusPaused
	switch outcome {
	case ui.OutcomeCompleted:
		status = store.StatusCompleted
	case ui.OutcomeFailed:
		status = store.StatusError
	}

	// The history update must land even when ctx was interrupted.
	saveCtx := context.WithoutCancel(ctx)
	if err := st.UpdateProgress(saveCtx, entry.ID, d.BytesTransferred(), status, lastErr); err != nil {
		log.Errorw("failed to record progress", "error", err)
	}

	switch status {
	case store.StatusCompleted:
		if mime := detectMIME(dc.Path()); mime != "" {
			if err := st.SetMimeType(saveCtx, entry.ID, mime); err != nil {
				log.Warnw("failed to record type", "error", err)
			}
			fmt.Fprintf(out, "saved %s (%s)\n", dc.Path(), mime)
		} else {
			fmt.Fprintf(out, "saved %s\n", dc.Path())
		}
		return nil
	case store.StatusError:
		return fmt.Errorf("download failed: %s", lastErr)
	default:
		fmt.Fprintf(out, "paused at %d bytes; continue with: resume-dl resume %s\n", d.BytesTransferred(), entry.ShortID())
		return err
	}
}

func runInteractive(name string, d *downloader.Downloader, events <-chan any) (ui.Outcome, string, error) {
	d.Start()
	final, err := tea.NewProgram(ui.NewModel(name, d, events)).Run()
	if err != nil {
		return ui.OutcomePaused, "", fmt.Errorf("terminal UI: %w", err)
	}
	m, ok := final.(ui.Model)
	if !ok {
		return ui.OutcomePaused, "", errors.New("terminal UI: unexpected model")
	}
	return m.Outcome(), m.LastError(), nil
}

// runPlain prints one line per lifecycle event. SIGINT or SIGTERM pauses.
func runPlain(ctx context.Context, out io.Writer, d *downloader.Downloader, events <-chan any) (ui.Outcome, string) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d.Start()
	interrupted := sigCtx.Done()
	var lastErr string
	for {
		select {
		case <-interrupted:
			interrupted = nil
			d.Pause()
		case msg := <-events:
			switch msg := msg.(type) {
			case downloader.StartedMsg:
				fmt.Fprintln(out, "started")
			case downloader.SpeedMsg:
				fmt.Fprintf(out, "%.2f KB/s\n", msg.Speed)
			case downloader.RetryingMsg:
				fmt.Fprintln(out, "connection lost, retrying")
			case downloader.PausedMsg:
				return ui.OutcomePaused, lastErr
			case downloader.CompleteMsg:
				return ui.OutcomeCompleted, ""
			case downloader.ErrorMsg:
				lastErr = msg.Err
				fmt.Fprintf(out, "error: %s\n", msg.Err)
				if !d.IsPaused() {
					return ui.OutcomeFailed, lastErr
				}
			}
		}
	}
}
