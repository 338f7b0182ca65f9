package reconcile

import (
	"sync"
	"time"

	"makeover/internal/events"
	"makeover/internal/metrics"
	"makeover/internal/timer"
	"makeover/internal/vendor"

	"github.com/sirupsen/logrus"
)

const (
	DefaultFallbackDelay     = 20 * time.Second
	DefaultFallbackThreshold = 0.85
	DefaultFailsafeDelay     = 3 * time.Second
	ServerLifetime           = 10 * time.Minute
	ClientLifetime           = 5 * time.Minute
)

// Timer-fired inputs. They travel through Handle like vendor events.
const (
	typeFailsafe events.Type = "reconcile.failsafe"
	typeLifetime events.Type = "reconcile.lifetime"
)

// Options configures a Tracker. Zero durations take the defaults above;
// Lifetime <= 0 disables the outer timeout.
type Options struct {
	ProjectID         string
	ExpectedJobs      int
	FallbackDelay     time.Duration
	FallbackThreshold float64
	FailsafeDelay     time.Duration
	Lifetime          time.Duration
	Clock             timer.Clock
	// Emit receives every forwarded and synthesized event in order. It is
	// called with the tracker locked and must not call back into it.
	Emit   func(events.Event)
	Logger logrus.FieldLogger
}

// Stats is a snapshot of the tracker's accounting.
type Stats struct {
	ExpectedJobs              int
	SentJobCompletions        int
	ProjectCompletionReceived bool
	Terminal                  bool
	TerminalType              events.Type
	IgnoredCompletions        int
	IgnoredJobCompletions     int
	SyntheticCompletions      int
}

type jobState struct {
	counted  bool
	errored  bool
	index    *int
	worker   string
	fallback timer.Timer
}

// Tracker turns per-job events plus one project-level completion signal into
// exactly one terminal event per project.
type Tracker struct {
	opts Options
	log  logrus.FieldLogger

	mu          sync.Mutex
	jobs        map[string]*jobState
	sent        int
	projectDone bool
	terminal    *events.Event
	results     []string
	failsafe    timer.Timer
	lifetime    timer.Timer
	ended       bool
	done        chan struct{}
	stats       Stats
}

// New creates a Tracker and arms its lifetime timer.
func New(opts Options) *Tracker {
	if opts.FallbackDelay <= 0 {
		opts.FallbackDelay = DefaultFallbackDelay
	}
	if opts.FallbackThreshold <= 0 {
		opts.FallbackThreshold = DefaultFallbackThreshold
	}
	if opts.FailsafeDelay <= 0 {
		opts.FailsafeDelay = DefaultFailsafeDelay
	}
	if opts.ExpectedJobs < 1 {
		opts.ExpectedJobs = 1
	}
	if opts.Clock == nil {
		opts.Clock = timer.Real()
	}
	if opts.Emit == nil {
		opts.Emit = func(events.Event) {}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	t := &Tracker{
		opts: opts,
		log:  log.WithField("project_id", opts.ProjectID),
		jobs: make(map[string]*jobState),
		done: make(chan struct{}),
	}
	t.stats.ExpectedJobs = opts.ExpectedJobs

	if opts.Lifetime > 0 {
		t.lifetime = opts.Clock.AfterFunc(opts.Lifetime, func() {
			t.Handle(events.Event{Type: typeLifetime, ProjectID: opts.ProjectID})
		})
	}
	return t
}

// Done is closed once the terminal event has been emitted or the tracker is
// closed.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Stats returns a copy of the current accounting.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.SentJobCompletions = t.sent
	s.ProjectCompletionReceived = t.projectDone
	s.Terminal = t.ended
	return s
}

// Close stops every timer without emitting anything.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finish()
}

// Handle is the single entry point for vendor events and timer-fired inputs.
func (t *Tracker) Handle(ev events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.ProjectID == "" {
		ev.ProjectID = t.opts.ProjectID
	}
	if t.ended {
		if ev.Type == events.TypeCompleted {
			t.stats.IgnoredCompletions++
		}
		return
	}

	switch ev.Type {
	case events.TypeJobCompleted:
		t.jobCompleted(ev)
	case events.TypeProgress:
		t.progress(ev)
	case events.TypeJobFailed:
		t.jobFailed(ev)
	case events.TypeFailed, events.TypeError:
		if ev.JobID != "" {
			t.jobFailed(ev)
			return
		}
		t.projectFailed(ev)
	case events.TypeCompleted:
		t.projectCompleted(ev)
	case typeFailsafe:
		t.failsafeFired()
	case typeLifetime:
		t.log.Warn("project lifetime exceeded")
		t.fail(events.Event{
			Type:      events.TypeError,
			ProjectID: t.opts.ProjectID,
			ErrorCode: vendor.ErrorCodeTimeout,
			Message:   vendor.UserMessage(vendor.ErrorCodeTimeout, nil),
		})
	default:
		if ev.JobID != "" {
			js := t.job(ev.JobID)
			if ev.JobIndex != nil && js.index == nil {
				js.index = ev.JobIndex
			}
			if ev.WorkerName != "" && js.worker == "" {
				js.worker = ev.WorkerName
			}
		}
		t.opts.Emit(ev)
	}
}

func (t *Tracker) job(id string) *jobState {
	js, ok := t.jobs[id]
	if !ok {
		js = &jobState{}
		t.jobs[id] = js
	}
	return js
}

func (t *Tracker) jobCompleted(ev events.Event) {
	if ev.JobID != "" {
		js := t.job(ev.JobID)
		if js.counted {
			t.stats.IgnoredJobCompletions++
			t.log.WithField("job_id", ev.JobID).Debug("duplicate job completion ignored")
			return
		}
		js.counted = true
		if js.fallback != nil {
			js.fallback.Stop()
			js.fallback = nil
		}
	}
	if ev.Fallback {
		t.stats.SyntheticCompletions++
	}
	if ev.ResultURL != "" {
		t.results = append(t.results, ev.ResultURL)
	}
	t.sent++
	t.opts.Emit(ev)
	t.check()
}

func (t *Tracker) progress(ev events.Event) {
	t.opts.Emit(ev)
	if ev.JobID == "" || ev.Progress == nil || *ev.Progress < t.opts.FallbackThreshold {
		return
	}
	js := t.job(ev.JobID)
	if ev.JobIndex != nil && js.index == nil {
		js.index = ev.JobIndex
	}
	if ev.WorkerName != "" && js.worker == "" {
		js.worker = ev.WorkerName
	}
	if js.counted || js.errored || js.fallback != nil {
		return
	}
	synthetic := events.Event{
		Type:       events.TypeJobCompleted,
		ProjectID:  t.opts.ProjectID,
		JobID:      ev.JobID,
		JobIndex:   js.index,
		WorkerName: js.worker,
		Progress:   events.Float(1),
		Fallback:   true,
	}
	js.fallback = t.opts.Clock.AfterFunc(t.opts.FallbackDelay, func() {
		metrics.SyntheticCompletion("fallback")
		t.log.WithField("job_id", synthetic.JobID).Warn("job completion not received, synthesizing fallback")
		t.Handle(synthetic)
	})
}

func (t *Tracker) jobFailed(ev events.Event) {
	if ev.JobID == "" {
		t.opts.Emit(ev)
		return
	}
	js := t.job(ev.JobID)
	if ev.JobIndex != nil && js.index == nil {
		js.index = ev.JobIndex
	}
	js.errored = true
	if js.fallback != nil {
		js.fallback.Stop()
		js.fallback = nil
	}
	t.opts.Emit(ev)
}

func (t *Tracker) projectCompleted(ev events.Event) {
	if t.projectDone {
		t.stats.IgnoredCompletions++
		t.log.Debug("duplicate project completion ignored")
		return
	}
	t.projectDone = true
	ev.Type = events.TypeCompleted
	t.terminal = &ev
	t.check()
	if t.ended {
		return
	}
	t.log.WithFields(logrus.Fields{
		"sent_job_completions": t.sent,
		"expected_jobs":        t.opts.ExpectedJobs,
	}).Info("project completed before all jobs, arming failsafe")
	t.failsafe = t.opts.Clock.AfterFunc(t.opts.FailsafeDelay, func() {
		t.Handle(events.Event{Type: typeFailsafe, ProjectID: t.opts.ProjectID})
	})
}

func (t *Tracker) failsafeFired() {
	if !t.projectDone {
		return
	}
	// Counted jobs already carry their result, so only failed ones remain.
	for id, js := range t.jobs {
		if js.counted || !js.errored {
			continue
		}
		metrics.SyntheticCompletion("failsafe")
		js.counted = true
		if js.fallback != nil {
			js.fallback.Stop()
			js.fallback = nil
		}
		t.sent++
		t.stats.SyntheticCompletions++
		t.opts.Emit(events.Event{
			Type:       events.TypeJobCompleted,
			ProjectID:  t.opts.ProjectID,
			JobID:      id,
			JobIndex:   js.index,
			WorkerName: js.worker,
			Fallback:   true,
		})
	}
	t.log.WithFields(logrus.Fields{
		"sent_job_completions": t.sent,
		"expected_jobs":        t.opts.ExpectedJobs,
	}).Warn("failsafe fired, forcing project completion")
	t.emitTerminal()
}

func (t *Tracker) projectFailed(ev events.Event) {
	ev.Type = events.TypeError
	if ev.ErrorCode == "" {
		ev.ErrorCode = vendor.ErrorCodeUnknown
	}
	if ev.Message == "" {
		ev.Message = vendor.UserMessage(ev.ErrorCode, nil)
	}
	t.fail(ev)
}

func (t *Tracker) fail(ev events.Event) {
	t.log.WithField("error_code", ev.ErrorCode).Info("project failed")
	t.stats.TerminalType = ev.Type
	t.finish()
	t.opts.Emit(ev)
}

// check emits the buffered completion once both conditions hold.
func (t *Tracker) check() {
	if t.ended || !t.projectDone || t.sent < t.opts.ExpectedJobs {
		return
	}
	t.emitTerminal()
}

func (t *Tracker) emitTerminal() {
	if t.ended || t.terminal == nil {
		return
	}
	ev := *t.terminal
	if len(ev.ImageURLs) == 0 && len(t.results) > 0 {
		ev.ImageURLs = append([]string(nil), t.results...)
	}
	ev.Progress = events.Float(1)
	t.stats.TerminalType = ev.Type
	t.finish()
	t.opts.Emit(ev)
}

func (t *Tracker) finish() {
	if t.ended {
		return
	}
	t.ended = true
	for _, js := range t.jobs {
		if js.fallback != nil {
			js.fallback.Stop()
			js.fallback = nil
		}
	}
	if t.failsafe != nil {
		t.failsafe.Stop()
	}
	if t.lifetime != nil {
		t.lifetime.Stop()
	}
	close(t.done)
}
