package progress

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"sync"
	"time"

	"makeover/internal/events"
	"makeover/internal/timer"
	"makeover/internal/vendor"
)

// Status is the client-visible generation state.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusQueued     Status = "queued"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is accepted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// generatingCeiling is the top of the range step progress may reach; 100 is
// reserved for the terminal completion.
const generatingCeiling = 95

// DefaultThrottle bounds how often step progress is published.
const DefaultThrottle = 500 * time.Millisecond

// GenerationProgress is the single value presentation code reads.
type GenerationProgress struct {
	ProjectID     string   `json:"projectId"`
	Status        Status   `json:"status"`
	Progress      float64  `json:"progress"`
	UploadPercent float64  `json:"uploadPercent,omitempty"`
	Message       string   `json:"message"`
	PreviewURL    string   `json:"previewUrl,omitempty"`
	ETA           float64  `json:"eta,omitempty"`
	WorkerName    string   `json:"workerName,omitempty"`
	QueuePosition int      `json:"queuePosition,omitempty"`
	ResultURL     string   `json:"resultUrl,omitempty"`
	ResultURLs    []string `json:"resultUrls,omitempty"`
	ErrorCode     string   `json:"errorCode,omitempty"`
}

// Options configures a Machine.
type Options struct {
	ProjectID    string
	ExpectedJobs int
	Throttle     time.Duration
	Clock        timer.Clock
	// OnUpdate receives every published value in order. It runs with the
	// machine locked and must not call back into it.
	OnUpdate func(GenerationProgress)
}

// Machine drives one GenerationProgress through
// uploading -> queued -> generating -> completed|error|cancelled.
type Machine struct {
	opts Options

	mu        sync.Mutex
	state     GenerationProgress
	jobs      map[string]float64
	published GenerationProgress
	lastPub   time.Time
	dirty     bool
	trailing  timer.Timer
	updates   int
}

// New returns a Machine in the uploading state and publishes it.
func New(opts Options) *Machine {
	if opts.ExpectedJobs < 1 {
		opts.ExpectedJobs = 1
	}
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.Clock == nil {
		opts.Clock = timer.Real()
	}
	m := &Machine{
		opts: opts,
		jobs: make(map[string]float64),
		state: GenerationProgress{
			ProjectID: opts.ProjectID,
			Status:    StatusUploading,
			Message:   "Uploading image...",
		},
	}
	m.mu.Lock()
	m.emit()
	m.mu.Unlock()
	return m
}

// Snapshot returns the current value, including changes still held back by
// the throttle.
func (m *Machine) Snapshot() GenerationProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.state)
}

// Updates reports how many values have been published.
func (m *Machine) Updates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

// UploadProgress records the request upload fraction (0-1).
func (m *Machine) UploadProgress(fraction float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusUploading {
		return
	}
	pct := math.Round(clamp(fraction, 0, 1) * 100)
	if pct <= m.state.UploadPercent {
		return
	}
	m.state.UploadPercent = pct
	m.state.Message = fmt.Sprintf("Uploading image... %.0f%%", pct)
	m.publish(false)
}

// UploadComplete marks the request as accepted by the server under
// projectID.
func (m *Machine) UploadComplete(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if projectID != "" && m.state.ProjectID == "" {
		m.state.ProjectID = projectID
	}
	if m.state.Status != StatusUploading {
		return
	}
	m.state.UploadPercent = 100
	m.state.Status = StatusQueued
	m.state.Message = "Waiting in queue..."
	m.publish(true)
}

// Apply folds one normalized event into the state. It returns false when the
// event was ignored.
func (m *Machine) Apply(ev events.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Status.Terminal() {
		return false
	}
	if ev.ProjectID != "" && m.state.ProjectID != "" && ev.ProjectID != m.state.ProjectID {
		return false
	}
	if m.state.ProjectID == "" {
		m.state.ProjectID = ev.ProjectID
	}

	before := clone(m.state)
	statusChanged := false
	setStatus := func(s Status) {
		if m.state.Status != s {
			m.state.Status = s
			statusChanged = true
		}
	}

	switch ev.Type {
	case events.TypeConnected:
		return false
	case events.TypeQueued:
		if m.state.Status == StatusGenerating {
			return false
		}
		setStatus(StatusQueued)
		if ev.QueuePosition != nil {
			m.state.QueuePosition = *ev.QueuePosition
			m.state.Message = fmt.Sprintf("Queued (position %d)", *ev.QueuePosition)
		} else {
			m.state.Message = "Waiting in queue..."
		}
	case events.TypeStarted, events.TypeInitiating:
		setStatus(StatusGenerating)
		m.state.QueuePosition = 0
		m.noteWorker(ev)
		m.trackJob(ev.JobID, 0)
		m.state.Message = "Generating..."
	case events.TypeProgress:
		setStatus(StatusGenerating)
		m.state.QueuePosition = 0
		m.noteWorker(ev)
		if ev.ETA > 0 {
			m.state.ETA = ev.ETA
		}
		if frac, ok := fraction(ev); ok {
			m.trackJob(ev.JobID, frac)
		}
		if ev.StepCount > 0 {
			m.state.Message = fmt.Sprintf("Generating... step %d/%d", ev.Step, ev.StepCount)
		}
	case events.TypePreview:
		setStatus(StatusGenerating)
		if ev.PreviewURL != "" {
			m.state.PreviewURL = ev.PreviewURL
		}
	case events.TypeJobCompleted:
		setStatus(StatusGenerating)
		m.noteWorker(ev)
		m.trackJob(ev.JobID, 1)
		if url := firstNonEmpty(ev.ImageURL, ev.ResultURL); url != "" && !slices.Contains(m.state.ResultURLs, url) {
			m.state.ResultURLs = append(m.state.ResultURLs, url)
		}
	case events.TypeJobFailed:
		m.trackJob(ev.JobID, 1)
	case events.TypeCompleted:
		setStatus(StatusCompleted)
		m.state.Progress = 100
		m.state.ETA = 0
		m.state.QueuePosition = 0
		if len(ev.ImageURLs) > 0 {
			m.state.ResultURLs = append([]string(nil), ev.ImageURLs...)
		}
		m.state.ResultURL = firstNonEmpty(ev.ImageURL, ev.ResultURL)
		if m.state.ResultURL == "" && len(m.state.ResultURLs) > 0 {
			m.state.ResultURL = m.state.ResultURLs[0]
		}
		m.state.Message = "Complete"
	case events.TypeFailed, events.TypeError:
		if ev.JobID != "" {
			m.trackJob(ev.JobID, 1)
			break
		}
		if ev.ErrorCode == vendor.ErrorCodeCancelled {
			m.cancelLocked()
			return true
		}
		m.failLocked(ev.ErrorCode, ev.Message)
		return true
	default:
		return false
	}

	if reflect.DeepEqual(before, m.state) {
		return false
	}
	m.publish(statusChanged)
	return true
}

// Cancel forces the cancelled state.
func (m *Machine) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status.Terminal() {
		return false
	}
	m.cancelLocked()
	return true
}

// Timeout forces a terminal timeout error.
func (m *Machine) Timeout() bool {
	return m.Fail(vendor.ErrorCodeTimeout, vendor.UserMessage(vendor.ErrorCodeTimeout, nil))
}

// Fail forces a terminal error.
func (m *Machine) Fail(code, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status.Terminal() {
		return false
	}
	m.failLocked(code, message)
	return true
}

// Close stops the trailing flush timer.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trailing != nil {
		m.trailing.Stop()
		m.trailing = nil
	}
}

func (m *Machine) cancelLocked() {
	m.state.Status = StatusCancelled
	m.state.ETA = 0
	m.state.Message = "Generation cancelled"
	m.state.ErrorCode = ""
	m.publish(true)
}

func (m *Machine) failLocked(code, message string) {
	if code == "" {
		code = vendor.ErrorCodeUnknown
	}
	if message == "" {
		message = vendor.UserMessage(code, nil)
	}
	m.state.Status = StatusError
	m.state.ETA = 0
	m.state.ErrorCode = code
	m.state.Message = message
	m.publish(true)
}

func (m *Machine) noteWorker(ev events.Event) {
	if ev.WorkerName != "" {
		m.state.WorkerName = ev.WorkerName
	}
}

// trackJob raises one job's fraction and recomputes the overall value as the
// mean across expected jobs, scaled into the generating range.
func (m *Machine) trackJob(jobID string, frac float64) {
	if prev, ok := m.jobs[jobID]; !ok || frac > prev {
		m.jobs[jobID] = frac
	}
	total := 0.0
	for _, f := range m.jobs {
		total += f
	}
	overall := math.Round(clamp(total/float64(m.opts.ExpectedJobs), 0, 1) * generatingCeiling)
	if overall > m.state.Progress {
		m.state.Progress = overall
	}
}

// publish hands the state to OnUpdate unless the throttle holds it back.
// Status changes and reaching the 0/100 boundaries always pass.
func (m *Machine) publish(force bool) {
	p := m.state.Progress
	boundary := (p == 0 || p == 100) && p != m.published.Progress
	if force || boundary {
		m.emit()
		return
	}
	now := m.opts.Clock.Now()
	if now.Sub(m.lastPub) >= m.opts.Throttle {
		m.emit()
		return
	}
	m.dirty = true
	if m.trailing != nil {
		return
	}
	wait := m.opts.Throttle - now.Sub(m.lastPub)
	m.trailing = m.opts.Clock.AfterFunc(wait, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.trailing = nil
		if m.dirty {
			m.emit()
		}
	})
}

func (m *Machine) emit() {
	if m.trailing != nil {
		m.trailing.Stop()
		m.trailing = nil
	}
	m.dirty = false
	m.lastPub = m.opts.Clock.Now()
	m.published = clone(m.state)
	m.updates++
	if m.opts.OnUpdate != nil {
		m.opts.OnUpdate(clone(m.state))
	}
}

func fraction(ev events.Event) (float64, bool) {
	if ev.Progress != nil {
		return clamp(*ev.Progress, 0, 1), true
	}
	if ev.StepCount > 0 {
		return clamp(float64(ev.Step)/float64(ev.StepCount), 0, 1), true
	}
	return 0, false
}

func clone(p GenerationProgress) GenerationProgress {
	if p.ResultURLs != nil {
		p.ResultURLs = append([]string(nil), p.ResultURLs...)
	}
	return p
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
