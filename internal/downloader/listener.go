package downloader

// ProgressListener keeps track of the transfer itself.
type ProgressListener interface {
	// OnStart fires when a run begins, before any I/O.
	OnStart()
	// OnProgress reports the cumulative percent complete. Never fires when
	// the expected length is unknown.
	OnProgress(percent float64)
	// OnSpeedInKB reports the transfer rate in KB/s, at most once per sample interval.
	OnSpeedInKB(speed float64)
	// OnComplete fires once, when the whole resource has been written.
	OnComplete()
}

// EventListener receives lifecycle events.
type EventListener interface {
	OnError(msg string)
	OnPause()
	OnResume()
	IsRetrying()
}

// ProgressFuncs adapts plain functions to ProgressListener. Nil fields are skipped.
type ProgressFuncs struct {
	Start    func()
	Progress func(percent float64)
	Speed    func(speed float64)
	Complete func()
}

func (f ProgressFuncs) OnStart() {
	if f.Start != nil {
		f.Start()
	}
}

func (f ProgressFuncs) OnProgress(percent float64) {
	if f.Progress != nil {
		f.Progress(percent)
	}
}

func (f ProgressFuncs) OnSpeedInKB(speed float64) {
	if f.Speed != nil {
		f.Speed(speed)
	}
}

func (f ProgressFuncs) OnComplete() {
	if f.Complete != nil {
		f.Complete()
	}
}

// EventFuncs adapts plain functions to EventListener. Nil fields are skipped.
type EventFuncs struct {
	Error    func(msg string)
	Pause    func()
	Resume   func()
	Retrying func()
}

func (f EventFuncs) OnError(msg string) {
	if f.Error != nil {
		f.Error(msg)
	}
}

func (f EventFuncs) OnPause() {
	if f.Pause != nil {
		f.Pause()
	}
}

func (f EventFuncs) OnResume() {
	if f.Resume != nil {
		f.Resume()
	}
}

func (f EventFuncs) IsRetrying() {
	if f.Retrying != nil {
		f.Retrying()
	}
}

// StartedMsg is sent when a run begins
type StartedMsg struct {
	DownloadID string
}

// ProgressMsg carries the cumulative percent complete
type ProgressMsg struct {
	DownloadID string
	Percent    float64
}

// SpeedMsg carries a transfer rate sample in KB/s
type SpeedMsg struct {
	DownloadID string
	Speed      float64
}

// CompleteMsg signals that the download finished successfully
type CompleteMsg struct {
	DownloadID string
}

// ErrorMsg signals a non-fatal failure
type ErrorMsg struct {
	DownloadID string
	Err        string
}

type PausedMsg struct {
	DownloadID string
}

type ResumedMsg struct {
	DownloadID string
}

type RetryingMsg struct {
	DownloadID string
}

// ChannelListener implements both listeners by sending typed messages to Ch.
// Lifecycle messages block until delivered; progress and speed samples are
// dropped when the channel is full so a slow consumer never stalls the transfer.
type ChannelListener struct {
	ID string
	Ch chan<- any
}

// NewChannelListener returns a listener that forwards to ch.
func NewChannelListener(id string, ch chan<- any) *ChannelListener {
	return &ChannelListener{ID: id, Ch: ch}
}

func (l *ChannelListener) send(msg any) {
	l.Ch <- msg
}

func (l *ChannelListener) trySend(msg any) {
	select {
	case l.Ch <- msg:
	default:
	}
}

func (l *ChannelListener) OnStart()    { l.send(StartedMsg{DownloadID: l.ID}) }
func (l *ChannelListener) OnComplete() { l.send(CompleteMsg{DownloadID: l.ID}) }
func (l *ChannelListener) OnPause()    { l.send(PausedMsg{DownloadID: l.ID}) }
func (l *ChannelListener) OnResume()   { l.send(ResumedMsg{DownloadID: l.ID}) }
func (l *ChannelListener) IsRetrying() { l.send(RetryingMsg{DownloadID: l.ID}) }

func (l *ChannelListener) OnError(msg string) {
	l.send(ErrorMsg{DownloadID: l.ID, Err: msg})
}

func (l *ChannelListener) OnProgress(percent float64) {
	l.trySend(ProgressMsg{DownloadID: l.ID, Percent: percent})
}

func (l *ChannelListener) OnSpeedInKB(speed float64) {
	l.trySend(SpeedMsg{DownloadID: l.ID, Speed: speed})
}
