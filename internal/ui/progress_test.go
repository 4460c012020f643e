package ui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-dl/internal/downloader"
)

type fakeController struct {
	stats   downloader.Stats
	pauses  int
	resumes int
}

func (f *fakeController) Pause() {
	f.pauses++
	f.stats.Paused = true
}

func (f *fakeController) Resume() {
	f.resumes++
	f.stats.Paused = false
}

func (f *fakeController) Stats() downloader.Stats { return f.stats }

type emittingController struct {
	fakeController
	events chan<- any
}

func (e *emittingController) Resume() {
	e.fakeController.Resume()
	e.events <- downloader.ResumedMsg{DownloadID: "x"}
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	model, ok := next.(Model)
	require.True(t, ok)
	return model, cmd
}

func TestModel_PauseResumeKeys(t *testing.T) {
	ctl := &fakeController{stats: downloader.Stats{TotalBytes: 100}}
	m := NewModel("file.bin", ctl, make(chan any))

	m, cmd := update(t, m, key("p"))
	require.NotNil(t, cmd)
	assert.Equal(t, 0, ctl.pauses, "pause runs in a command, not in Update")
	assert.Nil(t, cmd())
	assert.Equal(t, 1, ctl.pauses)
	m, _ = update(t, m, downloader.PausedMsg{})
	assert.Equal(t, OutcomePaused, m.Outcome())
	assert.Contains(t, m.View(), "Paused")

	// Pausing twice is ignored.
	m, cmd = update(t, m, key("p"))
	assert.Nil(t, cmd)
	assert.Equal(t, 1, ctl.pauses)

	m, cmd = update(t, m, key("r"))
	require.NotNil(t, cmd)
	assert.Equal(t, 0, ctl.resumes, "resume runs in a command, not in Update")
	assert.Equal(t, OutcomeRunning, m.Outcome())
	assert.Nil(t, cmd())
	assert.Equal(t, 1, ctl.resumes)
}

// Resume emits its event with a blocking send on the channel the view reads.
// Running it inside Update with an unbuffered channel would never return.
func TestModel_ResumeDoesNotBlockUpdate(t *testing.T) {
	events := make(chan any)
	ctl := &emittingController{events: events}
	m := NewModel("file.bin", ctl, events)
	m, _ = update(t, m, downloader.PausedMsg{})

	done := make(chan tea.Cmd, 1)
	go func() {
		_, cmd := update(t, m, key("r"))
		done <- cmd
	}()

	var cmd tea.Cmd
	select {
	case cmd = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Update blocked on resume")
	}
	require.NotNil(t, cmd)

	go cmd()
	assert.Equal(t, downloader.ResumedMsg{DownloadID: "x"}, listenForActivity(events)())
}

func TestModel_QuitPauses(t *testing.T) {
	ctl := &fakeController{}
	m := NewModel("file.bin", ctl, make(chan any))

	m, cmd := update(t, m, key("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Equal(t, 0, ctl.pauses, "the caller pauses after the program exits")
	assert.Equal(t, OutcomePaused, m.Outcome())
	assert.NotContains(t, m.View(), "q quit")
}

func TestModel_Complete(t *testing.T) {
	ctl := &fakeController{stats: downloader.Stats{TotalBytes: 2 * 1024 * 1024, DownloadedBytes: 2 * 1024 * 1024, Complete: true}}
	m := NewModel("file.bin", ctl, make(chan any))

	m, cmd := update(t, m, downloader.CompleteMsg{})
	require.NotNil(t, cmd)
	assert.Equal(t, OutcomeCompleted, m.Outcome())

	view := m.View()
	assert.Contains(t, view, "Complete")
	assert.Contains(t, view, "2.00 MB / 2.00 MB")
}

func TestModel_ErrorWhileRunningFails(t *testing.T) {
	ctl := &fakeController{}
	m := NewModel("file.bin", ctl, make(chan any))

	m, cmd := update(t, m, downloader.ErrorMsg{Err: "create directory: permission denied"})
	require.NotNil(t, cmd)
	assert.Equal(t, OutcomeFailed, m.Outcome())
	assert.Equal(t, "create directory: permission denied", m.LastError())
	assert.Contains(t, m.View(), "Failed: create directory")
}

func TestModel_ErrorWhilePausedIsNotFatal(t *testing.T) {
	ctl := &fakeController{stats: downloader.Stats{Paused: true}}
	m := NewModel("file.bin", ctl, make(chan any))

	m, _ = update(t, m, downloader.ErrorMsg{Err: "close stream: broken pipe"})
	assert.Equal(t, OutcomeRunning, m.Outcome())
	assert.Contains(t, m.View(), "close stream: broken pipe")
}

func TestModel_SpeedRetriesAndTicks(t *testing.T) {
	ctl := &fakeController{stats: downloader.Stats{DownloadedBytes: 512 * 1024}}
	m := NewModel("file.bin", ctl, make(chan any))

	m, _ = update(t, m, downloader.SpeedMsg{Speed: 123.45})
	m, _ = update(t, m, downloader.RetryingMsg{})
	m, _ = update(t, m, downloader.RetryingMsg{})
	m, cmd := update(t, m, tickMsg{})
	assert.NotNil(t, cmd)

	view := m.View()
	assert.Contains(t, view, "123.45 KB/s")
	assert.Contains(t, view, "Retrying (2)")
	assert.Contains(t, view, "Downloaded: 0.50 MB")
}

func TestListenForActivity(t *testing.T) {
	ch := make(chan any, 1)
	ch <- downloader.StartedMsg{DownloadID: "x"}
	assert.Equal(t, downloader.StartedMsg{DownloadID: "x"}, listenForActivity(ch)())

	close(ch)
	assert.Nil(t, listenForActivity(ch)())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "running", OutcomeRunning.String())
	assert.Equal(t, "paused", OutcomePaused.String())
	assert.Equal(t, "completed", OutcomeCompleted.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
}
